// Package cache provides a Redis-backed read-through cache for study
// metrics. When no Redis address is configured the cache degrades to a
// no-op and every lookup falls through to the archive.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

const keyPrefix = "volumetry:metrics:"

// DefaultTTL bounds how long cached metric rows stay fresh.
const DefaultTTL = 15 * time.Minute

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// MetricsCache caches the metric rows of analyzed studies.
type MetricsCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// New builds a metrics cache. An empty address yields a disabled cache
// that never errors.
func New(opts Options, log *logger.Logger) *MetricsCache {
	if log == nil {
		log = logger.NewDefault("cache")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &MetricsCache{ttl: ttl, log: log}
	if opts.Addr == "" {
		return c
	}
	c.client = redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return c
}

// Enabled reports whether a Redis backend is configured.
func (c *MetricsCache) Enabled() bool {
	return c.client != nil
}

// Ping verifies connectivity. Disabled caches always succeed.
func (c *MetricsCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Get returns the cached metric rows for a study. The second return is
// false on a miss, on a disabled cache, and on any Redis failure.
func (c *MetricsCache) Get(ctx context.Context, studyCode string) ([]study.Metric, bool) {
	if c.client == nil || studyCode == "" {
		return nil, false
	}
	payload, err := c.client.Get(ctx, keyPrefix+studyCode).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("study_code", studyCode).Debug("metrics cache read failed")
		}
		return nil, false
	}
	var rows []study.Metric
	if err := json.Unmarshal(payload, &rows); err != nil {
		c.log.WithError(err).WithField("study_code", studyCode).Warn("discarding corrupt cache entry")
		c.Invalidate(ctx, studyCode)
		return nil, false
	}
	return rows, true
}

// Put stores metric rows for a study. Failures are logged and ignored.
func (c *MetricsCache) Put(ctx context.Context, studyCode string, rows []study.Metric) {
	if c.client == nil || studyCode == "" {
		return
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		c.log.WithError(err).WithField("study_code", studyCode).Warn("encoding metrics for cache failed")
		return
	}
	if err := c.client.Set(ctx, keyPrefix+studyCode, payload, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("study_code", studyCode).Debug("metrics cache write failed")
	}
}

// Invalidate drops the cached rows for a study, typically after a
// re-analysis produced fresh metrics.
func (c *MetricsCache) Invalidate(ctx context.Context, studyCode string) {
	if c.client == nil || studyCode == "" {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+studyCode).Err(); err != nil {
		c.log.WithError(err).WithField("study_code", studyCode).Debug("metrics cache invalidation failed")
	}
}

// Close releases the underlying Redis connection.
func (c *MetricsCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
