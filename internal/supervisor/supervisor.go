// Package supervisor wires together the Broker Store, Watcher, Subscriber,
// and Reconciler into the single process lifecycle: generate a node id, run
// the startup reconciliation pass synchronously, then spawn the two
// long-running workers and surface whichever fails first.
package supervisor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fssync/fssync/internal/broker"
	"github.com/fssync/fssync/internal/config"
	"github.com/fssync/fssync/internal/logging"
	"github.com/fssync/fssync/internal/nodeid"
	"github.com/fssync/fssync/internal/reconciler"
	"github.com/fssync/fssync/internal/subscriber"
	"github.com/fssync/fssync/internal/watcher"
)

// Run performs the full startup sequence and blocks until either worker
// exits, returning that worker's error (nil on a clean ctx-driven
// shutdown).
func Run(ctx context.Context, cfg config.Config) error {
	id, err := nodeid.Generate()
	if err != nil {
		return errors.Wrap(err, "supervisor: unable to generate node id")
	}
	logging.Infof(nil, "starting node %d watching %v", id, cfg.PathsToWatch)

	store, err := broker.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "supervisor: unable to connect to broker")
	}

	rec := reconciler.New(store)
	if err := rec.Run(ctx); err != nil {
		return errors.Wrap(err, "supervisor: startup reconciliation failed")
	}
	logging.Infof(nil, "reconciliation complete")

	w, err := watcher.New(id, store, cfg.PathsToWatch, cfg.Debounce())
	if err != nil {
		return errors.Wrap(err, "supervisor: unable to construct watcher")
	}

	sub := subscriber.New(id, store, cfg.DisableEventDedup)

	errs := make(chan error, 2)
	go func() {
		errs <- errors.Wrap(w.Run(ctx), "watcher worker failed")
	}()
	go func() {
		src := broker.NewPubSubSource(store.Subscribe(ctx))
		errs <- errors.Wrap(sub.Run(ctx, src), "subscriber worker failed")
	}()

	select {
	case <-ctx.Done():
		<-errs
		<-errs
		return nil
	case err := <-errs:
		if err != nil {
			return err
		}
		// One worker returned cleanly (ctx cancelled); wait for the other.
		return <-errs
	}
}
