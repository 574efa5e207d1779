// Package scheduler turns due rules into queued category fetch jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"dealbot/internal/filter"
	"dealbot/internal/metrics"
	"dealbot/internal/model"
)

// RuleSource lists due rules and resolves their categories.
type RuleSource interface {
	ListDueRules(ctx context.Context, now time.Time) ([]model.Rule, error)
	ResolveCategory(ctx context.Context, value string) (*model.Category, error)
	PurgeExpiredPublished(ctx context.Context, now time.Time) (int64, error)
}

// Enqueuer attaches rules to category jobs.
type Enqueuer interface {
	EnqueueOrAttach(ctx context.Context, cat model.Category, rule model.WaitingRule) (string, error)
}

// Scheduler periodically enqueues every due rule, one job per category.
type Scheduler struct {
	rules RuleSource
	queue Enqueuer
	log   *slog.Logger
	tick  time.Duration
	now   func() time.Time
}

// New creates a Scheduler with the default 1-minute tick.
func New(rules RuleSource, queue Enqueuer, log *slog.Logger) *Scheduler {
	return &Scheduler{
		rules: rules,
		queue: queue,
		log:   log,
		tick:  1 * time.Minute,
		now:   time.Now,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

type categoryGroup struct {
	category model.Category
	rules    []model.Rule
}

func (s *Scheduler) checkAll(ctx context.Context) {
	now := s.now()

	if n, err := s.rules.PurgeExpiredPublished(ctx, now); err != nil {
		s.log.Warn("purge published deals", "error", err)
	} else if n > 0 {
		s.log.Debug("purged published deals", "count", n)
	}

	due, err := s.rules.ListDueRules(ctx, now)
	if err != nil {
		s.log.Error("list due rules", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	groups := s.group(ctx, due)
	enqueued := 0
	for _, g := range groups {
		for i := range g.rules {
			if ctx.Err() != nil {
				return
			}
			r := &g.rules[i]
			jobID, err := s.queue.EnqueueOrAttach(ctx, g.category, model.NewWaitingRule(r))
			if err != nil {
				s.log.Error("enqueue rule", "rule_id", r.ID, "category", g.category.Name, "error", err)
				continue
			}
			enqueued++
			s.log.Debug("rule enqueued", "rule_id", r.ID, "category", g.category.Name, "job_id", jobID)
		}
	}

	s.log.Info("scheduled due rules", "due", len(due), "enqueued", enqueued, "categories", len(groups))
}

// group resolves categories and groups rules by category in order of first
// appearance. Rules with an unknown category or invalid filters are skipped.
func (s *Scheduler) group(ctx context.Context, due []model.Rule) []*categoryGroup {
	var groups []*categoryGroup
	byID := make(map[int64]*categoryGroup)

	for _, r := range due {
		if err := filter.Validate(&r.Filters); err != nil {
			s.log.Warn("skipping rule with invalid filters", "rule_id", r.ID, "error", err)
			continue
		}
		cat, err := s.rules.ResolveCategory(ctx, r.Category)
		if err != nil {
			s.log.Error("resolve category", "rule_id", r.ID, "category", r.Category, "error", err)
			continue
		}
		if cat == nil {
			metrics.UnresolvedRules.Inc()
			s.log.Warn("skipping rule with unknown category", "rule_id", r.ID, "category", r.Category)
			continue
		}

		g, ok := byID[cat.ID]
		if !ok {
			g = &categoryGroup{category: *cat}
			byID[cat.ID] = g
			groups = append(groups, g)
		}
		g.rules = append(g.rules, r)
	}
	return groups
}
