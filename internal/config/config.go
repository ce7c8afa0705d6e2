// Package config resolves fssyncd's flags, each overridable by an
// environment variable, with the flag taking precedence when both are set.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Environment variable names, one per flag.
const (
	EnvDebug             = "FSSYNC_DEBUG"
	EnvEventBounceMS     = "FSSYNC_EVENT_BOUNCE_MS"
	EnvRedisURL          = "FSSYNC_REDIS_URL"
	EnvDisableEventDedup = "FSSYNC_DISABLE_EVENT_DEDUP"
)

// Config is the fully resolved set of startup parameters.
type Config struct {
	Debug             bool
	PathsToWatch      []string
	EventBounceMS     uint64
	RedisURL          string
	DisableEventDedup bool
}

// Debounce returns EventBounceMS as a time.Duration.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.EventBounceMS) * time.Millisecond
}

// Resolve builds a Config from parsed flags, falling back to the
// corresponding environment variable for any flag left unset.
func Resolve(flags *pflag.FlagSet, positionalPaths []string) (Config, error) {
	debug, err := boolFlagOrEnv(flags, "debug", EnvDebug, false)
	if err != nil {
		return Config{}, err
	}

	bounce, err := uint64FlagOrEnv(flags, "event-bounce-ms", EnvEventBounceMS, 100)
	if err != nil {
		return Config{}, err
	}

	redisURL := flags.Lookup("redis-url").Value.String()
	if !flags.Changed("redis-url") {
		if v, ok := os.LookupEnv(EnvRedisURL); ok {
			redisURL = v
		}
	}
	if redisURL == "" {
		return Config{}, errors.Errorf("broker URL is required: set --redis-url or %s", EnvRedisURL)
	}

	disableDedup, err := boolFlagOrEnv(flags, "disable-event-dedup", EnvDisableEventDedup, false)
	if err != nil {
		return Config{}, err
	}

	paths := positionalPaths
	if len(paths) == 0 {
		paths = []string{"."}
	}

	return Config{
		Debug:             debug,
		PathsToWatch:      paths,
		EventBounceMS:     bounce,
		RedisURL:          redisURL,
		DisableEventDedup: disableDedup,
	}, nil
}

func boolFlagOrEnv(flags *pflag.FlagSet, flagName, envName string, def bool) (bool, error) {
	if flags.Changed(flagName) {
		return flags.GetBool(flagName)
	}
	if v, ok := os.LookupEnv(envName); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return false, errors.Wrapf(err, "invalid boolean in %s", envName)
		}
		return parsed, nil
	}
	return def, nil
}

func uint64FlagOrEnv(flags *pflag.FlagSet, flagName, envName string, def uint64) (uint64, error) {
	if flags.Changed(flagName) {
		return flags.GetUint64(flagName)
	}
	if v, ok := os.LookupEnv(envName); ok {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid integer in %s", envName)
		}
		return parsed, nil
	}
	return def, nil
}
