package prefetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dealbot/internal/cache"
	"dealbot/internal/model"
	"dealbot/internal/queue"
)

type fakeRules struct {
	upcoming []model.Rule
	from, to time.Time
}

func (f *fakeRules) ListRulesDueBetween(_ context.Context, from, to time.Time) ([]model.Rule, error) {
	f.from, f.to = from, to
	return f.upcoming, nil
}

var categories = map[string]*model.Category{
	"Electronics": {ID: 1, Name: "Electronics"},
	"Books":       {ID: 2, Name: "Books"},
	"Toys":        {ID: 3, Name: "Toys"},
	"Garden":      {ID: 4, Name: "Garden"},
}

func (f *fakeRules) ResolveCategory(_ context.Context, v string) (*model.Category, error) {
	return categories[v], nil
}

type created struct {
	category string
	rules    []int64
}

type fakeQueue struct {
	depth   int64
	pending map[int64]bool
	busy    map[int64]bool
	created []created
}

func (f *fakeQueue) Depth(context.Context) (int64, error) { return f.depth, nil }

func (f *fakeQueue) HasPending(_ context.Context, id int64) (bool, error) { return f.pending[id], nil }

func (f *fakeQueue) CreatePrefetchJob(_ context.Context, cat model.Category, rules []model.WaitingRule) (string, error) {
	if f.busy[cat.ID] {
		return "", fmt.Errorf("create prefetch job: %w", queue.ErrPending)
	}
	c := created{category: cat.Name}
	for _, r := range rules {
		c.rules = append(c.rules, r.RuleID)
	}
	f.created = append(f.created, c)
	return fmt.Sprintf("job-%d", cat.ID), nil
}

type fakeCache map[int64]model.CacheStatus

func (f fakeCache) Peek(_ context.Context, id int64) (cache.Lookup, error) {
	st, ok := f[id]
	if !ok {
		st = model.StatusMissing
	}
	return cache.Lookup{Status: st}, nil
}

type fakeTokens int

func (f fakeTokens) Available(context.Context) (int, error) { return int(f), nil }

func newTestPrefetcher(rules *fakeRules, q *fakeQueue, c fakeCache, tokens int, maxPerTick int) *Prefetcher {
	p := New(rules, q, c, fakeTokens(tokens), Options{Window: 15 * time.Minute, MaxPerTick: maxPerTick, JobCost: 15},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return p
}

func upcomingRules() []model.Rule {
	return []model.Rule{
		{ID: 1, Category: "Electronics"},
		{ID: 2, Category: "Books"},
		{ID: 3, Category: "Electronics"},
		{ID: 4, Category: "Toys"},
		{ID: 5, Category: "Garden"},
		{ID: 6, Category: "Unknown"},
	}
}

func TestTickCreatesJobsForUncoveredCategories(t *testing.T) {
	rules := &fakeRules{upcoming: upcomingRules()}
	q := &fakeQueue{pending: map[int64]bool{3: true}}
	c := fakeCache{2: model.StatusFresh, 4: model.StatusStale}
	p := newTestPrefetcher(rules, q, c, 100, 3)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 2 {
		t.Errorf("Tick() = %d, want 2", n)
	}

	want := []created{
		{category: "Electronics", rules: []int64{1, 3}},
		{category: "Garden", rules: []int64{5}},
	}
	if diff := cmp.Diff(want, q.created, cmp.AllowUnexported(created{})); diff != "" {
		t.Errorf("created jobs mismatch (-want +got):\n%s", diff)
	}
	if !rules.from.Equal(now) || !rules.to.Equal(now.Add(15*time.Minute)) {
		t.Errorf("window = (%v, %v], want 15m from now", rules.from, rules.to)
	}
}

func TestTickCapsJobsPerTick(t *testing.T) {
	q := &fakeQueue{}
	p := newTestPrefetcher(&fakeRules{upcoming: upcomingRules()}, q, fakeCache{}, 100, 2)

	n, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 2 || len(q.created) != 2 {
		t.Errorf("Tick() = %d with %d jobs, want 2", n, len(q.created))
	}
}

func TestTickSkipsWhenBusyOrPoor(t *testing.T) {
	tests := []struct {
		name   string
		depth  int64
		tokens int
	}{
		{name: "queue not empty", depth: 1, tokens: 100},
		{name: "budget equals one job", depth: 0, tokens: 15},
		{name: "budget below one job", depth: 0, tokens: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{depth: tt.depth}
			p := newTestPrefetcher(&fakeRules{upcoming: upcomingRules()}, q, fakeCache{}, tt.tokens, 3)

			n, err := p.Tick(context.Background())
			if err != nil {
				t.Fatalf("Tick: %v", err)
			}
			if n != 0 || len(q.created) != 0 {
				t.Errorf("Tick() = %d, want no prefetch jobs", n)
			}
		})
	}
}

func TestTickSkipsCategoryClaimedConcurrently(t *testing.T) {
	q := &fakeQueue{busy: map[int64]bool{1: true}}
	p := newTestPrefetcher(&fakeRules{upcoming: upcomingRules()}, q, fakeCache{}, 100, 1)

	n, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 || q.created[0].category != "Books" {
		t.Errorf("created = %+v, want Books after Electronics was claimed", q.created)
	}
}
