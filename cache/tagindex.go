package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// TagIndex maps invalidation tags to fingerprints for a StoreCache.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Match with no matching tag returns an empty slice and nil error.
type TagIndex interface {
	// Add records that fingerprint carries tags.
	Add(ctx context.Context, fingerprint string, tags []string) error

	// Remove forgets fingerprint under every tag it was added with.
	Remove(ctx context.Context, fingerprint string) error

	// Match returns the distinct fingerprints carrying a tag that begins with prefix.
	Match(ctx context.Context, prefix string) ([]string, error)
}

// LocalTagIndex is an in-process TagIndex.
type LocalTagIndex struct {
	mu    sync.Mutex
	byTag map[string]map[string]struct{}
	byFP  map[string][]string
}

// NewLocalTagIndex creates an empty index.
func NewLocalTagIndex() *LocalTagIndex {
	return &LocalTagIndex{
		byTag: make(map[string]map[string]struct{}),
		byFP:  make(map[string][]string),
	}
}

func (x *LocalTagIndex) Add(_ context.Context, fingerprint string, tags []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(fingerprint)
	if len(tags) == 0 {
		return nil
	}
	x.byFP[fingerprint] = append([]string(nil), tags...)
	for _, t := range tags {
		set, ok := x.byTag[t]
		if !ok {
			set = make(map[string]struct{})
			x.byTag[t] = set
		}
		set[fingerprint] = struct{}{}
	}
	return nil
}

func (x *LocalTagIndex) Remove(_ context.Context, fingerprint string) error {
	x.mu.Lock()
	x.removeLocked(fingerprint)
	x.mu.Unlock()
	return nil
}

func (x *LocalTagIndex) Match(_ context.Context, prefix string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	seen := make(map[string]struct{})
	out := []string{}
	for tag, fps := range x.byTag {
		if !strings.HasPrefix(tag, prefix) {
			continue
		}
		for fp := range fps {
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			out = append(out, fp)
		}
	}
	return out, nil
}

func (x *LocalTagIndex) removeLocked(fingerprint string) {
	for _, t := range x.byFP[fingerprint] {
		if set, ok := x.byTag[t]; ok {
			delete(set, fingerprint)
			if len(set) == 0 {
				delete(x.byTag, t)
			}
		}
	}
	delete(x.byFP, fingerprint)
}

// RedisTagIndex keeps the tag index in Redis sets so invalidation reaches
// entries written by every process sharing the RedisStore.
//
// Layout: <ns>:tag:<tag> holds fingerprints, <ns>:fptags:<fp> holds tags.
type RedisTagIndex struct {
	rdb goredis.UniversalClient
	ns  string
	ttl time.Duration
}

// NewRedisTagIndex creates an index under namespace ns. Index keys expire
// after ttl of inactivity; ttl should exceed the cache policy's MaxTTL.
func NewRedisTagIndex(rdb goredis.UniversalClient, ns string, ttl time.Duration) (*RedisTagIndex, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	if ns == "" {
		ns = "infergate"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTagIndex{rdb: rdb, ns: ns, ttl: ttl}, nil
}

func (x *RedisTagIndex) tagKey(tag string) string { return x.ns + ":tag:" + tag }
func (x *RedisTagIndex) fpKey(fp string) string   { return x.ns + ":fptags:" + fp }

func (x *RedisTagIndex) Add(ctx context.Context, fingerprint string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := x.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		members := make([]any, len(tags))
		for i, t := range tags {
			members[i] = t
			pipe.SAdd(ctx, x.tagKey(t), fingerprint)
			pipe.Expire(ctx, x.tagKey(t), x.ttl)
		}
		pipe.SAdd(ctx, x.fpKey(fingerprint), members...)
		pipe.Expire(ctx, x.fpKey(fingerprint), x.ttl)
		return nil
	})
	return err
}

func (x *RedisTagIndex) Remove(ctx context.Context, fingerprint string) error {
	tags, err := x.rdb.SMembers(ctx, x.fpKey(fingerprint)).Result()
	if err != nil {
		return err
	}
	_, err = x.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, t := range tags {
			pipe.SRem(ctx, x.tagKey(t), fingerprint)
		}
		pipe.Del(ctx, x.fpKey(fingerprint))
		return nil
	})
	return err
}

func (x *RedisTagIndex) Match(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	out := []string{}

	iter := x.rdb.Scan(ctx, 0, x.tagKey(globEscape(prefix))+"*", 256).Iterator()
	for iter.Next(ctx) {
		fps, err := x.rdb.SMembers(ctx, iter.Val()).Result()
		if err != nil {
			return nil, err
		}
		for _, fp := range fps {
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			out = append(out, fp)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// globEscape quotes Redis MATCH metacharacters so prefix matches literally.
func globEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	_ TagIndex = (*LocalTagIndex)(nil)
	_ TagIndex = (*RedisTagIndex)(nil)
)
