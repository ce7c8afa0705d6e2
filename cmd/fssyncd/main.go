// Command fssyncd watches one or more local directory trees and keeps them
// converged with every other node pointed at the same broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fssync/fssync/internal/config"
	"github.com/fssync/fssync/internal/logging"
	"github.com/fssync/fssync/internal/supervisor"
)

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCommand = &cobra.Command{
	Use:   "fssyncd [paths_to_watch...]",
	Short: "Peer-to-peer filesystem synchronizer backed by a shared broker",
	Long: `
fssyncd watches local directory trees for changes and publishes them through
a shared broker so every other node running fssyncd against the same broker
converges onto the same content.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve(cmd.Flags(), args)
		if err != nil {
			return err
		}
		logging.SetDebug(cfg.Debug)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return supervisor.Run(ctx, cfg)
	},
}

func init() {
	flags := rootCommand.Flags()
	flags.BoolP("debug", "d", false, "verbose logs")
	flags.Uint64P("event-bounce-ms", "e", 100, "debounce window in milliseconds")
	flags.String("redis-url", "", "broker connection URL (required; or set FSSYNC_REDIS_URL)")
	flags.Bool("disable-event-dedup", false, "perturb the subscriber-side id so this node's own events are treated as foreign (debugging aid)")
}
