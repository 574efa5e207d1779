package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"dealbot/internal/model"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(client, "test", Options{
		FreshThreshold: 10 * time.Minute,
		StaleThreshold: 30 * time.Minute,
		TTL:            60 * time.Minute,
	}, log)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestClassify(t *testing.T) {
	fresh, stale := 10*time.Minute, 30*time.Minute
	tests := []struct {
		age  time.Duration
		want model.CacheStatus
	}{
		{age: 0, want: model.StatusFresh},
		{age: 9 * time.Minute, want: model.StatusFresh},
		{age: 10 * time.Minute, want: model.StatusStale},
		{age: 29 * time.Minute, want: model.StatusStale},
		{age: 30 * time.Minute, want: model.StatusExpired},
		{age: 59 * time.Minute, want: model.StatusExpired},
		{age: 60 * time.Minute, want: model.StatusExpired},
		{age: 100 * time.Minute, want: model.StatusExpired},
	}
	for _, tt := range tests {
		if got := Classify(tt.age, fresh, stale); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.age, got, tt.want)
		}
	}
}

func TestSaveAndCheckStatus(t *testing.T) {
	c, now := newTestCache(t)
	ctx := context.Background()

	deals := []model.Deal{
		{ASIN: "B000000001", Title: "Headphones", CurrentPrice: 49.99, OriginalPrice: 99.99, DiscountPercent: 50},
		{ASIN: "B000000002", Title: "Speaker", CurrentPrice: 20, OriginalPrice: 25, DiscountPercent: 20},
	}
	if err := c.Save(ctx, 7, deals, model.SourcePrefetch); err != nil {
		t.Fatalf("Save: %v", err)
	}

	l, err := c.CheckStatus(ctx, 7)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if l.Status != model.StatusFresh {
		t.Fatalf("Status = %q, want fresh", l.Status)
	}
	if diff := cmp.Diff(deals, l.Entry.Deals); diff != "" {
		t.Errorf("cached deals mismatch (-want +got):\n%s", diff)
	}
	if l.Entry.Source != model.SourcePrefetch {
		t.Errorf("Source = %q, want prefetch", l.Entry.Source)
	}

	*now = now.Add(15 * time.Minute)
	l, err = c.CheckStatus(ctx, 7)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if l.Status != model.StatusStale || l.Entry == nil {
		t.Errorf("after 15m: status %q entry %v, want stale with entry", l.Status, l.Entry)
	}

	*now = now.Add(time.Hour)
	l, err = c.CheckStatus(ctx, 7)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if l.Status != model.StatusExpired || l.Entry == nil {
		t.Errorf("after TTL: status %q entry %v, want expired with entry", l.Status, l.Entry)
	}
}

func TestEntryMissingAfterStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	c := New(client, "test", Options{
		FreshThreshold: 10 * time.Minute,
		StaleThreshold: 30 * time.Minute,
		TTL:            60 * time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Save(ctx, 3, []model.Deal{{ASIN: "B000000003"}}, model.SourceAutomation); err != nil {
		t.Fatalf("Save: %v", err)
	}

	now = now.Add(61 * time.Minute)
	mr.FastForward(61 * time.Minute)
	l, err := c.Peek(ctx, 3)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if l.Status != model.StatusExpired || l.Entry == nil {
		t.Errorf("at 61m: status %q entry %v, want expired with entry", l.Status, l.Entry)
	}

	now = now.Add(60 * time.Minute)
	mr.FastForward(60 * time.Minute)
	l, err = c.Peek(ctx, 3)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if l.Status != model.StatusMissing || l.Entry != nil {
		t.Errorf("after store expiry: status %q entry %v, want missing", l.Status, l.Entry)
	}
}

func TestCheckStatusMissing(t *testing.T) {
	c, _ := newTestCache(t)

	l, err := c.CheckStatus(context.Background(), 99)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if l.Status != model.StatusMissing {
		t.Errorf("Status = %q, want missing", l.Status)
	}
}

func TestSaveOverwrites(t *testing.T) {
	c, now := newTestCache(t)
	ctx := context.Background()

	if err := c.Save(ctx, 1, []model.Deal{{ASIN: "OLD"}}, model.SourceAutomation); err != nil {
		t.Fatalf("Save: %v", err)
	}
	*now = now.Add(20 * time.Minute)
	if err := c.Save(ctx, 1, []model.Deal{{ASIN: "NEW"}}, model.SourceAutomation); err != nil {
		t.Fatalf("Save: %v", err)
	}

	l, err := c.Peek(ctx, 1)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if l.Status != model.StatusFresh {
		t.Errorf("Status = %q, want fresh after overwrite", l.Status)
	}
	if len(l.Entry.Deals) != 1 || l.Entry.Deals[0].ASIN != "NEW" {
		t.Errorf("Deals = %+v, want only NEW", l.Entry.Deals)
	}
}

func TestStatsCountOnlyCheckStatus(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Save(ctx, 1, nil, model.SourceAutomation); err != nil {
		t.Fatalf("Save: %v", err)
	}
	c.CheckStatus(ctx, 1)
	c.CheckStatus(ctx, 1)
	c.CheckStatus(ctx, 2)
	c.Peek(ctx, 1)
	c.Peek(ctx, 2)

	got, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if diff := cmp.Diff(Stats{Hits: 2, Misses: 1}, got); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	if rate := got.HitRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("HitRate() = %v, want ~0.667", rate)
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := c.Save(ctx, id, nil, model.SourceAutomation); err != nil {
			t.Fatalf("Save(%d): %v", id, err)
		}
	}
	c.CheckStatus(ctx, 1)

	if err := c.Invalidate(ctx, 1); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if l, _ := c.Peek(ctx, 1); l.Status != model.StatusMissing {
		t.Errorf("category 1 status = %q after Invalidate, want missing", l.Status)
	}

	n, err := c.InvalidateAll(ctx)
	if err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if n != 2 {
		t.Errorf("InvalidateAll() = %d, want 2", n)
	}
	if l, _ := c.Peek(ctx, 3); l.Status != model.StatusMissing {
		t.Errorf("category 3 status = %q after InvalidateAll, want missing", l.Status)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want counters kept across InvalidateAll", stats.Hits)
	}
}
