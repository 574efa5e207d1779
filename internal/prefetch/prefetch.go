// Package prefetch warms the category cache ahead of predicted demand while
// the queue is idle.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealbot/internal/cache"
	"dealbot/internal/model"
	"dealbot/internal/queue"
)

// RuleSource lists upcoming rules and resolves their categories.
type RuleSource interface {
	ListRulesDueBetween(ctx context.Context, from, to time.Time) ([]model.Rule, error)
	ResolveCategory(ctx context.Context, value string) (*model.Category, error)
}

// JobQueue is the part of the queue the prefetcher needs.
type JobQueue interface {
	Depth(ctx context.Context) (int64, error)
	HasPending(ctx context.Context, categoryID int64) (bool, error)
	CreatePrefetchJob(ctx context.Context, cat model.Category, rules []model.WaitingRule) (string, error)
}

// CacheReader reads cache freshness without counting lookups.
type CacheReader interface {
	Peek(ctx context.Context, categoryID int64) (cache.Lookup, error)
}

// TokenSource reports available tokens.
type TokenSource interface {
	Available(ctx context.Context) (int, error)
}

// Options configures the prefetcher.
type Options struct {
	// Window is how far ahead upcoming rules are considered.
	Window time.Duration
	// MaxPerTick caps prefetch jobs created per idle tick.
	MaxPerTick int
	// JobCost is the token cost of one deal search job.
	JobCost int
}

// Prefetcher creates low-priority jobs for categories about to be needed.
type Prefetcher struct {
	rules  RuleSource
	queue  JobQueue
	cache  CacheReader
	tokens TokenSource
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Prefetcher.
func New(rules RuleSource, q JobQueue, c CacheReader, tokens TokenSource, opts Options, log *slog.Logger) *Prefetcher {
	return &Prefetcher{
		rules:  rules,
		queue:  q,
		cache:  c,
		tokens: tokens,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

// Tick creates prefetch jobs when the queue is empty and the budget allows.
// It returns the number of jobs created.
func (p *Prefetcher) Tick(ctx context.Context) (int, error) {
	depth, err := p.queue.Depth(ctx)
	if err != nil {
		return 0, err
	}
	if depth > 0 {
		return 0, nil
	}
	available, err := p.tokens.Available(ctx)
	if err != nil {
		return 0, err
	}
	if available <= p.opts.JobCost {
		p.log.Debug("prefetch skipped, budget low", "available", available, "job_cost", p.opts.JobCost)
		return 0, nil
	}

	now := p.now()
	upcoming, err := p.rules.ListRulesDueBetween(ctx, now, now.Add(p.opts.Window))
	if err != nil {
		return 0, fmt.Errorf("list upcoming rules: %w", err)
	}

	created := 0
	for _, g := range p.group(ctx, upcoming) {
		if created >= p.opts.MaxPerTick {
			break
		}
		skip, err := p.covered(ctx, g.category.ID)
		if err != nil {
			return created, err
		}
		if skip {
			continue
		}

		jobID, err := p.queue.CreatePrefetchJob(ctx, g.category, g.rules)
		if errors.Is(err, queue.ErrPending) {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
		p.log.Info("prefetch job created", "job_id", jobID, "category", g.category.Name, "rules", len(g.rules))
	}
	return created, nil
}

// covered reports whether a category is fresh in cache or already pending.
func (p *Prefetcher) covered(ctx context.Context, categoryID int64) (bool, error) {
	l, err := p.cache.Peek(ctx, categoryID)
	if err != nil {
		return false, err
	}
	if l.Status == model.StatusFresh {
		return true, nil
	}
	return p.queue.HasPending(ctx, categoryID)
}

type categoryGroup struct {
	category model.Category
	rules    []model.WaitingRule
}

func (p *Prefetcher) group(ctx context.Context, upcoming []model.Rule) []*categoryGroup {
	var groups []*categoryGroup
	byID := make(map[int64]*categoryGroup)
	for i := range upcoming {
		r := &upcoming[i]
		cat, err := p.rules.ResolveCategory(ctx, r.Category)
		if err != nil || cat == nil {
			continue
		}
		g, ok := byID[cat.ID]
		if !ok {
			g = &categoryGroup{category: *cat}
			byID[cat.ID] = g
			groups = append(groups, g)
		}
		g.rules = append(g.rules, model.NewWaitingRule(r))
	}
	return groups
}
