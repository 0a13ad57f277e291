package cache

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dgraph-io/ristretto"
	goredis "github.com/redis/go-redis/v9"
)

// Store is a byte store with TTLs that a StoreCache layers entries over.
// Get must return exactly the bytes previously passed to Set.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. ok=false means the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// RistrettoConfig sizes a RistrettoStore.
type RistrettoConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// RistrettoStore is a bounded admission-controlled in-process store.
type RistrettoStore struct {
	c *ristretto.Cache
}

// NewRistrettoStore creates a ristretto-backed store. Cost is the value size
// in bytes, so MaxCost is a byte budget.
func NewRistrettoStore(cfg RistrettoConfig) (*RistrettoStore, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("cache: invalid ristretto config")
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoStore{c: c}, nil
}

func (s *RistrettoStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		s.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set writes through ristretto's buffers so the value is visible on return.
func (s *RistrettoStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok := s.c.SetWithTTL(key, value, int64(len(value)), ttl)
	s.c.Wait()
	return ok, nil
}

func (s *RistrettoStore) Del(_ context.Context, key string) error {
	s.c.Del(key)
	return nil
}

func (s *RistrettoStore) Close(_ context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}

// BigcacheConfig sizes a BigcacheStore.
type BigcacheConfig struct {
	// LifeWindow bounds every entry's lifetime; per-entry TTLs are enforced
	// by the StoreCache envelope.
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntrySize       int
	HardMaxCacheSizeMB int
}

// BigcacheStore is a GC-friendly sharded store for large volumes of entries.
type BigcacheStore struct {
	c *bigcache.BigCache
}

// NewBigcacheStore creates a bigcache-backed store.
func NewBigcacheStore(ctx context.Context, cfg BigcacheConfig) (*BigcacheStore, error) {
	if cfg.LifeWindow <= 0 {
		return nil, errors.New("cache: bigcache life window must be positive")
	}
	conf := bigcache.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bigcache.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &BigcacheStore{c: c}, nil
}

func (s *BigcacheStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *BigcacheStore) Set(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if err := s.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BigcacheStore) Del(_ context.Context, key string) error {
	err := s.c.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (s *BigcacheStore) Close(_ context.Context) error {
	return s.c.Close()
}

// ErrNilClient is returned when a Redis-backed component gets no client.
var ErrNilClient = errors.New("cache: nil redis client")

// RedisStore keeps entries in Redis so multiple gateway processes share them.
type RedisStore struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

// NewRedisStore wraps rdb. With closeClient the store owns and closes the client.
func NewRedisStore(rdb goredis.UniversalClient, closeClient bool) (*RedisStore, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	return &RedisStore{rdb: rdb, closeClient: closeClient}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

var (
	_ Store = (*RistrettoStore)(nil)
	_ Store = (*BigcacheStore)(nil)
	_ Store = (*RedisStore)(nil)
)
