package repository

import (
	"context"
	"sync"

	"orbishost/internal/common/cache"
	appErr "orbishost/pkg/errors"
)

const contextKeyPrefix = "plugins:ctx:"

// ContextStore backs the worker-facing context protocol. Values are
// opaque blobs: the host never decodes what a plugin stores. Get
// reports found=false for an absent key, which is distinct from a
// stored empty value.
type ContextStore interface {
	Get(ctx context.Context, plugin, key string) ([]byte, bool, error)
	Set(ctx context.Context, plugin, key string, value []byte) error
	Has(ctx context.Context, plugin, key string) (bool, error)

	// Snapshot returns every context entry of a plugin, used to seed
	// the worker's initial context during the startup handshake.
	Snapshot(ctx context.Context, plugin string) (map[string][]byte, error)
}

// RedisContextStore keeps one hash per plugin under plugins:ctx:<name>.
type RedisContextStore struct {
	cache cache.Cache
}

// NewRedisContextStore creates a cache-backed context store.
func NewRedisContextStore(cacheClient cache.Cache) *RedisContextStore {
	return &RedisContextStore{cache: cacheClient}
}

func (s *RedisContextStore) Get(ctx context.Context, plugin, key string) ([]byte, bool, error) {
	if plugin == "" || key == "" {
		return nil, false, appErr.ValidationError("plugin/key", "required")
	}
	val, err := s.cache.HGet(ctx, contextKeyPrefix+plugin, key)
	if err != nil {
		if appErr.Is(err, appErr.CacheMiss) {
			return nil, false, nil
		}
		return nil, false, appErr.Wrapf(err, appErr.CacheError, "load context failed")
	}
	return []byte(val), true, nil
}

func (s *RedisContextStore) Set(ctx context.Context, plugin, key string, value []byte) error {
	if plugin == "" || key == "" {
		return appErr.ValidationError("plugin/key", "required")
	}
	if err := s.cache.HSet(ctx, contextKeyPrefix+plugin, key, string(value)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store context failed")
	}
	return nil
}

func (s *RedisContextStore) Has(ctx context.Context, plugin, key string) (bool, error) {
	if plugin == "" || key == "" {
		return false, appErr.ValidationError("plugin/key", "required")
	}
	exists, err := s.cache.HExists(ctx, contextKeyPrefix+plugin, key)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "probe context failed")
	}
	return exists, nil
}

func (s *RedisContextStore) Snapshot(ctx context.Context, plugin string) (map[string][]byte, error) {
	if plugin == "" {
		return nil, appErr.ValidationError("plugin", "required")
	}
	entries, err := s.cache.HGetAll(ctx, contextKeyPrefix+plugin)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "snapshot context failed")
	}
	snapshot := make(map[string][]byte, len(entries))
	for k, v := range entries {
		snapshot[k] = []byte(v)
	}
	return snapshot, nil
}

// MemoryContextStore is the in-process context store for tests and
// single-node runs without Redis.
type MemoryContextStore struct {
	mu      sync.RWMutex
	plugins map[string]map[string][]byte
}

// NewMemoryContextStore creates an empty in-memory context store.
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{plugins: make(map[string]map[string][]byte)}
}

func (s *MemoryContextStore) Get(ctx context.Context, plugin, key string) ([]byte, bool, error) {
	if plugin == "" || key == "" {
		return nil, false, appErr.ValidationError("plugin/key", "required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.plugins[plugin][key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (s *MemoryContextStore) Set(ctx context.Context, plugin, key string, value []byte) error {
	if plugin == "" || key == "" {
		return appErr.ValidationError("plugin/key", "required")
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.plugins[plugin]
	if !ok {
		entries = make(map[string][]byte)
		s.plugins[plugin] = entries
	}
	entries[key] = stored
	return nil
}

func (s *MemoryContextStore) Has(ctx context.Context, plugin, key string) (bool, error) {
	if plugin == "" || key == "" {
		return false, appErr.ValidationError("plugin/key", "required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.plugins[plugin][key]
	return ok, nil
}

func (s *MemoryContextStore) Snapshot(ctx context.Context, plugin string) (map[string][]byte, error) {
	if plugin == "" {
		return nil, appErr.ValidationError("plugin", "required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.plugins[plugin]
	snapshot := make(map[string][]byte, len(entries))
	for k, v := range entries {
		out := make([]byte, len(v))
		copy(out, v)
		snapshot[k] = out
	}
	return snapshot, nil
}
