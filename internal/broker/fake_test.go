package broker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeCommander is an in-memory stand-in for a live broker connection,
// used to exercise the Store's transaction and key-mapping logic without a
// real Redis server.
type fakeCommander struct {
	strings    map[string]string
	bytesStore map[string][]byte
	sets       map[string]map[string]struct{}
	published  []publishedMessage
	failNext   error
}

type publishedMessage struct {
	channel string
	message []byte
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		strings:    map[string]string{},
		bytesStore: map[string][]byte{},
		sets:       map[string]map[string]struct{}{},
	}
}

func (f *fakeCommander) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if b, ok := f.bytesStore[key]; ok {
		cmd.SetVal(string(b))
		return cmd
	}
	if s, ok := f.strings[key]; ok {
		cmd.SetVal(s)
		return cmd
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (f *fakeCommander) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	members := f.sets[key]
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeCommander) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeCommander) PSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func (f *fakeCommander) TxPipelined(ctx context.Context, fn func(Pipeliner) error) ([]redis.Cmder, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	tx := &fakeTx{f: f}
	if err := fn(tx); err != nil {
		// discard: nothing staged in tx is applied to f
		return nil, err
	}
	tx.commit()
	return nil, nil
}

// fakeTx stages writes so a transaction either applies them all (commit) or
// none (the caller's error short-circuits before commit is called).
type fakeTx struct {
	f         *fakeCommander
	sets      map[string]string
	bytesSets map[string][]byte
	dels      []string
	sadds     map[string][]string
	srems     map[string][]string
	renames   [][2]string
	publishes []publishedMessage
}

func (t *fakeTx) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if t.sets == nil {
		t.sets = map[string]string{}
	}
	if t.bytesSets == nil {
		t.bytesSets = map[string][]byte{}
	}
	switch v := value.(type) {
	case []byte:
		t.bytesSets[key] = v
		delete(t.sets, key)
	case string:
		t.sets[key] = v
		delete(t.bytesSets, key)
	default:
		t.sets[key] = ""
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (t *fakeTx) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	t.dels = append(t.dels, keys...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func (t *fakeTx) SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	if t.sadds == nil {
		t.sadds = map[string][]string{}
	}
	for _, m := range members {
		t.sadds[key] = append(t.sadds[key], m.(string))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (t *fakeTx) SRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	if t.srems == nil {
		t.srems = map[string][]string{}
	}
	for _, m := range members {
		t.srems[key] = append(t.srems[key], m.(string))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (t *fakeTx) Rename(ctx context.Context, key, newkey string) *redis.StatusCmd {
	t.renames = append(t.renames, [2]string{key, newkey})
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (t *fakeTx) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	var b []byte
	switch m := message.(type) {
	case []byte:
		b = m
	case string:
		b = []byte(m)
	}
	t.publishes = append(t.publishes, publishedMessage{channel: channel, message: b})
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (t *fakeTx) commit() {
	f := t.f
	for k, v := range t.sets {
		f.strings[k] = v
		delete(f.bytesStore, k)
	}
	for k, v := range t.bytesSets {
		f.bytesStore[k] = v
		delete(f.strings, k)
	}
	for _, k := range t.dels {
		delete(f.strings, k)
		delete(f.bytesStore, k)
	}
	for key, members := range t.sadds {
		if f.sets[key] == nil {
			f.sets[key] = map[string]struct{}{}
		}
		for _, m := range members {
			f.sets[key][m] = struct{}{}
		}
	}
	for key, members := range t.srems {
		for _, m := range members {
			delete(f.sets[key], m)
		}
	}
	for _, rn := range t.renames {
		if v, ok := f.strings[rn[0]]; ok {
			f.strings[rn[1]] = v
			delete(f.strings, rn[0])
		}
		if v, ok := f.bytesStore[rn[0]]; ok {
			f.bytesStore[rn[1]] = v
			delete(f.bytesStore, rn[0])
		}
	}
	f.published = append(f.published, t.publishes...)
}
