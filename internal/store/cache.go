package store

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/deadonfilm/enrich/internal/model"
)

// Cache is the query-cache half of Store.
type Cache interface {
	GetCachedQuery(ctx context.Context, key string) ([]byte, error)
	SetCachedQuery(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// QueryCache dedupes identical (source, subject) lookups across runs. Cache
// failures are logged and treated as misses.
type QueryCache struct {
	backend Cache
	ttl     time.Duration
}

// NewQueryCache wraps a cache backend. A nil backend or non-positive ttl
// disables caching.
func NewQueryCache(backend Cache, ttl time.Duration) *QueryCache {
	return &QueryCache{backend: backend, ttl: ttl}
}

// CacheKey builds the cache key for one source lookup.
func CacheKey(source, subjectID string) string {
	return "source:" + source + ":subject:" + subjectID
}

func (c *QueryCache) enabled() bool {
	return c != nil && c.backend != nil && c.ttl > 0
}

// Get returns the cached result for a lookup, marked cached with zero cost.
func (c *QueryCache) Get(ctx context.Context, source, subjectID string) (model.SourceQueryResult, bool) {
	if !c.enabled() {
		return model.SourceQueryResult{}, false
	}
	key := CacheKey(source, subjectID)
	raw, err := c.backend.GetCachedQuery(ctx, key)
	if err != nil {
		zap.L().Warn("cache: get failed", zap.String("key", key), zap.Error(err))
		return model.SourceQueryResult{}, false
	}
	if raw == nil {
		return model.SourceQueryResult{}, false
	}
	var r model.SourceQueryResult
	if err := json.Unmarshal(raw, &r); err != nil {
		zap.L().Warn("cache: discarding undecodable entry", zap.String("key", key), zap.Error(err))
		return model.SourceQueryResult{}, false
	}
	r.Cached = true
	r.CostUSD = 0
	return r, true
}

// Put stores a result if it is cacheable: successes and plain misses only.
func (c *QueryCache) Put(ctx context.Context, r model.SourceQueryResult) {
	if !c.enabled() || r.Cached {
		return
	}
	if !r.Success && r.ErrorKind != model.ErrorNotFound {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		zap.L().Warn("cache: encode failed", zap.String("source", r.Source), zap.Error(err))
		return
	}
	key := CacheKey(r.Source, r.SubjectID)
	if err := c.backend.SetCachedQuery(ctx, key, raw, c.ttl); err != nil {
		zap.L().Warn("cache: set failed", zap.String("key", key), zap.Error(err))
	}
}
