// Package cache stores fetched deals per category with freshness tracking.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"dealbot/internal/metrics"
	"dealbot/internal/model"
)

// Options configures freshness thresholds.
type Options struct {
	FreshThreshold time.Duration
	StaleThreshold time.Duration
	TTL            time.Duration
}

// Lookup is the result of a cache read.
type Lookup struct {
	Status model.CacheStatus
	Entry  *model.CachedCategory
}

// Stats holds hit/miss counters.
type Stats struct {
	Hits   int64
	Misses int64
}

// HitRate returns hits/(hits+misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a category deal cache backed by Redis.
type Cache struct {
	client *redis.Client
	prefix string
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Cache storing entries under prefix.
func New(client *redis.Client, prefix string, opts Options, log *slog.Logger) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

func (c *Cache) entryKey(categoryID int64) string {
	return fmt.Sprintf("%s:cache:%d", c.prefix, categoryID)
}

func (c *Cache) statsKey() string {
	return c.prefix + ":cachestats"
}

// Classify maps the age of a written entry onto a freshness status.
// Missing is reserved for categories with no readable entry.
func Classify(age, fresh, stale time.Duration) model.CacheStatus {
	switch {
	case age < fresh:
		return model.StatusFresh
	case age < stale:
		return model.StatusStale
	default:
		return model.StatusExpired
	}
}

// CheckStatus reads the entry for a category and counts the lookup.
// Only fresh entries count as hits.
func (c *Cache) CheckStatus(ctx context.Context, categoryID int64) (Lookup, error) {
	l, err := c.Peek(ctx, categoryID)
	if err != nil {
		return Lookup{}, err
	}

	field := "misses"
	if l.Status == model.StatusFresh {
		field = "hits"
	}
	if err := c.client.HIncrBy(ctx, c.statsKey(), field, 1).Err(); err != nil {
		c.log.Warn("failed to count cache lookup", "error", err)
	}
	metrics.RecordCacheLookup(string(l.Status))
	return l, nil
}

// Peek reads the entry for a category without touching counters.
func (c *Cache) Peek(ctx context.Context, categoryID int64) (Lookup, error) {
	raw, err := c.client.Get(ctx, c.entryKey(categoryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Lookup{Status: model.StatusMissing}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("get cache entry %d: %w", categoryID, err)
	}

	var entry model.CachedCategory
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.Warn("dropping unreadable cache entry", "category_id", categoryID, "error", err)
		return Lookup{Status: model.StatusMissing}, nil
	}

	status := Classify(c.now().Sub(entry.WrittenAt), c.opts.FreshThreshold, c.opts.StaleThreshold)
	return Lookup{Status: status, Entry: &entry}, nil
}

// Save overwrites the entry for a category with freshly fetched deals.
func (c *Cache) Save(ctx context.Context, categoryID int64, deals []model.Deal, source model.CacheSource) error {
	entry := model.CachedCategory{
		CategoryID: categoryID,
		Deals:      deals,
		WrittenAt:  c.now(),
		TTL:        c.opts.TTL,
		Source:     source,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.entryKey(categoryID), raw, 2*c.opts.TTL).Err(); err != nil {
		return fmt.Errorf("save cache entry %d: %w", categoryID, err)
	}
	c.log.Debug("cache saved", "category_id", categoryID, "deals", len(deals), "source", source)
	return nil
}

// Invalidate removes the entry for a category.
func (c *Cache) Invalidate(ctx context.Context, categoryID int64) error {
	if err := c.client.Del(ctx, c.entryKey(categoryID)).Err(); err != nil {
		return fmt.Errorf("invalidate cache entry %d: %w", categoryID, err)
	}
	return nil
}

// InvalidateAll removes every category entry and returns how many were dropped.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+":cache:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan cache entries: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("invalidate cache entries: %w", err)
	}
	return int(n), nil
}

// Stats returns the hit/miss counters.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	vals, err := c.client.HMGet(ctx, c.statsKey(), "hits", "misses").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("read cache stats: %w", err)
	}
	return Stats{Hits: toInt64(vals[0]), Misses: toInt64(vals[1])}, nil
}

func toInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscan(s, &n)
	return n
}
