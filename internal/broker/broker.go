// Package broker is the typed facade over the shared key/value broker.
// It owns the connection pool, maps paths to keys, and groups multi-key
// mutations into atomic transactions so that observers only ever see a
// file's pre- or post-commit state, never a partial one.
package broker

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fssync/fssync/internal/fsadapter"
	"github.com/fssync/fssync/internal/logging"
	"github.com/fssync/fssync/internal/wire"
)

// allFilesKey is the broker-wide set tracking every path known to the
// cluster of nodes.
const allFilesKey = "all_files"

// FileEventChannel is the fixed pub/sub channel name all event payloads
// are published on.
const FileEventChannel = "file_event"

func hashKey(path string) string    { return "hash:" + path }
func contentKey(path string) string { return "content:" + path }

// ErrNotUTF8Path is returned (and logged, never propagated into a partial
// write) when a publish is attempted for a path that is not valid UTF-8.
var ErrNotUTF8Path = errors.New("broker: path is not valid UTF-8")

// Pipeliner is the subset of redis.Pipeliner used inside a transaction.
type Pipeliner interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	Rename(ctx context.Context, key, newkey string) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Commander is the subset of *redis.Client that the Store depends on,
// narrowed to our own Pipeliner type inside TxPipelined so tests can
// substitute an in-memory fake instead of a live broker.
type Commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	TxPipelined(ctx context.Context, fn func(Pipeliner) error) ([]redis.Cmder, error)
}

// redisCommander adapts a live *redis.Client to Commander. redis.Pipeliner
// (go-redis's own pipeline interface) has a superset of Pipeliner's method
// set, so it satisfies Pipeliner wherever this package needs one.
type redisCommander struct {
	*redis.Client
}

func (r redisCommander) TxPipelined(ctx context.Context, fn func(Pipeliner) error) ([]redis.Cmder, error) {
	return r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(pipe)
	})
}

// Store is the typed facade over the shared broker: one per node, owning
// the connection pool and mediating every read, transaction, and publish.
type Store struct {
	client Commander
}

// New wraps an existing broker client. Use Dial to construct one from a
// URL including connection setup and the startup PING.
func New(client Commander) *Store {
	return &Store{client: client}
}

// Dial connects to the broker at redisURL and verifies reachability with a
// bounded PING before returning, so a dead broker fails setup immediately
// rather than surfacing as a mysterious timeout on the first real command.
func Dial(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid broker URL %q", redisURL)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "broker unreachable")
	}
	return New(redisCommander{client}), nil
}

func inTransaction(ctx context.Context, client Commander, fn func(Pipeliner) error) error {
	_, err := client.TxPipelined(ctx, fn)
	if err != nil {
		return errors.Wrap(err, "broker transaction failed, discarded")
	}
	return nil
}

// PublishNew transactionally records a brand-new file and publishes a
// NewFile event.
func (s *Store) PublishNew(ctx context.Context, nodeID uint64, path string, content []byte, hash uint64) error {
	if !utf8.ValidString(path) {
		logging.Errorf(path, "dropping publish: path is not valid UTF-8")
		return ErrNotUTF8Path
	}
	payload := wire.Encode(wire.NewFile{EmitterID: nodeID, Hash: hash, Path: path})
	err := inTransaction(ctx, s.client, func(tx Pipeliner) error {
		tx.Set(ctx, hashKey(path), fsadapter.FormatHash(hash), 0)
		tx.Set(ctx, contentKey(path), content, 0)
		tx.SAdd(ctx, allFilesKey, path)
		tx.Publish(ctx, FileEventChannel, payload)
		return nil
	})
	return errors.Wrapf(err, "unable to publish new file %q", path)
}

// PublishModified transactionally replaces a file's content and hash and
// publishes a ModifiedFile event. Membership in all_files is assumed
// already present and is not re-added.
func (s *Store) PublishModified(ctx context.Context, nodeID uint64, path string, content []byte, hash uint64) error {
	if !utf8.ValidString(path) {
		logging.Errorf(path, "dropping publish: path is not valid UTF-8")
		return ErrNotUTF8Path
	}
	payload := wire.Encode(wire.ModifiedFile{EmitterID: nodeID, Hash: hash, Path: path})
	err := inTransaction(ctx, s.client, func(tx Pipeliner) error {
		tx.Set(ctx, hashKey(path), fsadapter.FormatHash(hash), 0)
		tx.Set(ctx, contentKey(path), content, 0)
		tx.Publish(ctx, FileEventChannel, payload)
		return nil
	})
	return errors.Wrapf(err, "unable to publish modified file %q", path)
}

// PublishRenamed transactionally moves a file's keys and set membership
// from oldPath to newPath and publishes a RenamedFile event.
func (s *Store) PublishRenamed(ctx context.Context, nodeID uint64, oldPath, newPath string) error {
	if !utf8.ValidString(oldPath) || !utf8.ValidString(newPath) {
		logging.Errorf(oldPath, "dropping publish: rename path is not valid UTF-8")
		return ErrNotUTF8Path
	}
	payload := wire.Encode(wire.RenamedFile{EmitterID: nodeID, OldPath: oldPath, NewPath: newPath})
	err := inTransaction(ctx, s.client, func(tx Pipeliner) error {
		tx.Rename(ctx, hashKey(oldPath), hashKey(newPath))
		tx.Rename(ctx, contentKey(oldPath), contentKey(newPath))
		tx.SRem(ctx, allFilesKey, oldPath)
		tx.SAdd(ctx, allFilesKey, newPath)
		tx.Publish(ctx, FileEventChannel, payload)
		return nil
	})
	return errors.Wrapf(err, "unable to publish renamed file %q -> %q", oldPath, newPath)
}

// PublishRemoved transactionally deletes a file's keys and set membership
// and publishes a RemovedFile event.
func (s *Store) PublishRemoved(ctx context.Context, nodeID uint64, path string) error {
	if !utf8.ValidString(path) {
		logging.Errorf(path, "dropping publish: path is not valid UTF-8")
		return ErrNotUTF8Path
	}
	payload := wire.Encode(wire.RemovedFile{EmitterID: nodeID, Path: path})
	err := inTransaction(ctx, s.client, func(tx Pipeliner) error {
		tx.Del(ctx, hashKey(path), contentKey(path))
		tx.SRem(ctx, allFilesKey, path)
		tx.Publish(ctx, FileEventChannel, payload)
		return nil
	})
	return errors.Wrapf(err, "unable to publish removed file %q", path)
}

// ListRemoteFiles returns every path currently tracked in the broker.
func (s *Store) ListRemoteFiles(ctx context.Context) ([]string, error) {
	paths, err := s.client.SMembers(ctx, allFilesKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list remote files")
	}
	return paths, nil
}

// FetchContent reads and decompresses the content stored for path.
func (s *Store) FetchContent(ctx context.Context, path string) ([]byte, error) {
	compressed, err := s.client.Get(ctx, contentKey(path)).Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to fetch content for %q", path)
	}
	content, err := fsadapter.Decompress(compressed)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to decompress content for %q", path)
	}
	return content, nil
}

// FetchHash reads and parses the decimal hash stored for path.
func (s *Store) FetchHash(ctx context.Context, path string) (uint64, error) {
	raw, err := s.client.Get(ctx, hashKey(path)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "unable to fetch hash for %q", path)
	}
	hash, err := fsadapter.ParseHash(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to parse hash for %q", path)
	}
	return hash, nil
}

// Subscribe pins a pub/sub connection to the file_event channel. The
// returned *redis.PubSub holds a dedicated connection and must not be
// returned to the general pool until the caller is done with it.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.PSubscribe(ctx, FileEventChannel)
}
