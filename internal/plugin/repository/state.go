package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orbishost/internal/common/cache"
	appErr "orbishost/pkg/errors"
)

const (
	stateKeyPrefix = "plugins:state:"
	stateIndexKey  = "plugins:index"
)

// PluginStateRecord is the persisted view of one plugin's lifecycle.
// Status carries the manager's state name; Reason is set for Failed
// and Terminated records.
type PluginStateRecord struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	RestartCount int       `json:"restart_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StateRepository handles plugin state persistence.
type StateRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStateRepository creates a new repository. A zero TTL keeps
// records until they are overwritten.
func NewStateRepository(cacheClient cache.Cache, ttl time.Duration) *StateRepository {
	return &StateRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the state record for a plugin.
func (r *StateRepository) Get(ctx context.Context, name string) (PluginStateRecord, error) {
	if name == "" {
		return PluginStateRecord{}, appErr.ValidationError("name", "required")
	}
	if r.cache == nil {
		return PluginStateRecord{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, stateKeyPrefix+name)
	if err != nil {
		if appErr.Is(err, appErr.CacheMiss) {
			return PluginStateRecord{}, appErr.Newf(appErr.PluginNotFound, "plugin %s has no state record", name)
		}
		return PluginStateRecord{}, appErr.Wrapf(err, appErr.CacheError, "load state failed")
	}
	var record PluginStateRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return PluginStateRecord{}, appErr.Wrapf(err, appErr.CacheError, "decode state failed")
	}
	return record, nil
}

// Save persists a state record and indexes the plugin name.
func (r *StateRepository) Save(ctx context.Context, record PluginStateRecord) error {
	if record.Name == "" {
		return appErr.ValidationError("name", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal state failed: %w", err)
	}
	if err := r.cache.Set(ctx, stateKeyPrefix+record.Name, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store state failed")
	}
	if err := r.cache.SAdd(ctx, stateIndexKey, record.Name); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "index state failed")
	}
	return nil
}

// List returns the state records of every indexed plugin. Index
// entries whose record has expired are pruned as they are met.
func (r *StateRepository) List(ctx context.Context) ([]PluginStateRecord, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	names, err := r.cache.SMembers(ctx, stateIndexKey)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "list state index failed")
	}
	records := make([]PluginStateRecord, 0, len(names))
	for _, name := range names {
		record, err := r.Get(ctx, name)
		if err != nil {
			if appErr.Is(err, appErr.PluginNotFound) {
				_ = r.cache.SRem(ctx, stateIndexKey, name)
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
