// Package worker executes queued category jobs against the token budget and
// runs the publish pipeline for every rule waiting on a job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"dealbot/internal/budget"
	"dealbot/internal/cache"
	"dealbot/internal/catalog"
	"dealbot/internal/filter"
	"dealbot/internal/model"
	"dealbot/internal/secret"
)

// JobQueue is the part of the queue the worker consumes.
type JobQueue interface {
	Peek(ctx context.Context) (*model.QueueJob, error)
	Claim(ctx context.Context, id string) (*model.QueueJob, error)
	Requeue(ctx context.Context, job *model.QueueJob) (*model.QueueJob, error)
	CompleteJob(ctx context.Context, job *model.QueueJob) (string, error)
	Discard(ctx context.Context, job *model.QueueJob) (bool, error)
}

// Cache reads and writes category deal lists.
type Cache interface {
	CheckStatus(ctx context.Context, categoryID int64) (cache.Lookup, error)
	Peek(ctx context.Context, categoryID int64) (cache.Lookup, error)
	Save(ctx context.Context, categoryID int64, deals []model.Deal, source model.CacheSource) error
}

// Budget gatekeeps upstream calls.
type Budget interface {
	Status(ctx context.Context) (budget.Status, error)
	CanAfford(ctx context.Context, cost int) (bool, error)
	Consume(ctx context.Context, cost int) (int, error)
	UpdateFromResponse(ctx context.Context, tokensLeft int, refillIn time.Duration) error
	WaitForTokens(ctx context.Context, cost int) error
}

// Prefetcher is invoked when the queue is idle.
type Prefetcher interface {
	Tick(ctx context.Context) (int, error)
}

// RuleStore persists rule outcomes and dedup records.
type RuleStore interface {
	UpdateRuleAfterRun(ctx context.Context, ruleID int64, upd model.RunUpdate) error
	IsDuplicate(ctx context.Context, channelID int64, productID string, now time.Time) (bool, error)
	RecordPublished(ctx context.Context, p *model.PublishedDeal) error
}

// Scorer rates deals.
type Scorer interface {
	Score(d model.Deal) model.ScoredDeal
}

// CredentialResolver returns decrypted channel credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, channelID int64) (*secret.Credentials, error)
}

// Publisher posts a deal to a channel.
type Publisher interface {
	Publish(ctx context.Context, creds *secret.Credentials, deal model.ScoredDeal, link string) error
}

// Telemetry receives run and job statistics. It never fails the caller.
type Telemetry interface {
	RecordRun(ctx context.Context, st model.RunStats)
	RecordJob(ctx context.Context, st model.JobStats)
}

// Deps are the collaborators of a Worker. Prefetcher may be nil.
type Deps struct {
	Queue       JobQueue
	Cache       Cache
	Budget      Budget
	Catalog     catalog.Provider
	Prefetcher  Prefetcher
	Store       RuleStore
	Scorer      Scorer
	Credentials CredentialResolver
	Publisher   Publisher
	Telemetry   Telemetry
}

// Options configures the worker.
type Options struct {
	Tick           time.Duration
	SearchCost     int
	VerifyCost     int
	VerifyTopK     int
	ResyncInterval time.Duration
	// MaxStall is the longest the worker blocks waiting for a refill.
	MaxStall       time.Duration
	JitterFraction float64
	AffiliateHost  string
	PublishDelay   time.Duration
}

// Worker is the single consumer of the job queue.
type Worker struct {
	deps Deps
	opts Options
	log  *slog.Logger

	lastResync time.Time
	now        func() time.Time
	rand       func() float64
}

// New creates a Worker.
func New(deps Deps, opts Options, log *slog.Logger) *Worker {
	if opts.Tick == 0 {
		opts.Tick = 5 * time.Second
	}
	return &Worker{
		deps: deps,
		opts: opts,
		log:  log,
		now:  time.Now,
		rand: rand.Float64,
	}
}

// Run starts the worker loop, blocking until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.drain(ctx)

	ticker := time.NewTicker(w.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes jobs until the queue is empty or the budget blocks.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil && w.processNext(ctx) {
	}
}

// processNext handles the head of the queue. It returns true when a job was
// executed or discarded and the caller may continue immediately.
// A failed job stops draining until the next tick.
func (w *Worker) processNext(ctx context.Context) bool {
	head, err := w.deps.Queue.Peek(ctx)
	if err != nil {
		w.log.Error("peek queue", "error", err)
		return false
	}
	if head == nil {
		w.idle(ctx)
		return false
	}

	cost := w.estimateCost(ctx, head)
	ok, err := w.deps.Budget.CanAfford(ctx, cost)
	if err != nil {
		w.log.Error("check budget", "error", err)
		return false
	}
	if !ok {
		if head.IsPrefetch {
			return w.discard(ctx, head)
		}
		if !w.awaitBudget(ctx, cost) {
			return false
		}
	}

	// Only the checked job is taken; a newer head is re-checked on the next pass.
	job, err := w.deps.Queue.Claim(ctx, head.ID)
	if err != nil {
		w.log.Error("dequeue", "job_id", head.ID, "error", err)
		return false
	}
	if job == nil {
		w.log.Debug("queue head changed, rechecking", "job_id", head.ID)
		return true
	}
	// A started job runs to completion even when shutdown is requested.
	return w.execute(context.WithoutCancel(ctx), job)
}

func (w *Worker) idle(ctx context.Context) {
	if w.deps.Prefetcher == nil {
		return
	}
	if _, err := w.deps.Prefetcher.Tick(ctx); err != nil {
		w.log.Warn("prefetch tick", "error", err)
	}
}

func (w *Worker) discard(ctx context.Context, job *model.QueueJob) bool {
	dropped, err := w.deps.Queue.Discard(ctx, job)
	if err != nil {
		w.log.Error("discard prefetch job", "job_id", job.ID, "error", err)
		return false
	}
	if dropped {
		w.log.Info("prefetch job discarded, budget low", "job_id", job.ID, "category", job.Category.Name)
	}
	return true
}

// awaitBudget blocks briefly when a refill is imminent, otherwise resyncs
// the budget with the upstream. It reports whether cost is now affordable.
func (w *Worker) awaitBudget(ctx context.Context, cost int) bool {
	st, err := w.deps.Budget.Status(ctx)
	if err != nil {
		w.log.Error("read budget", "error", err)
		return false
	}

	if until := st.RefillAt.Sub(w.now()); until > 0 && until <= w.opts.MaxStall {
		w.log.Debug("waiting for refill", "cost", cost, "tokens", st.Tokens, "refill_in", until)
		err := w.deps.Budget.WaitForTokens(ctx, cost)
		if err == nil {
			return true
		}
		if !errors.Is(err, budget.ErrRefillPassed) {
			return false
		}
	}

	if !w.resync(ctx) {
		w.log.Debug("budget too low", "cost", cost, "tokens", st.Tokens)
		return false
	}
	ok, err := w.deps.Budget.CanAfford(ctx, cost)
	if err != nil {
		w.log.Error("check budget", "error", err)
		return false
	}
	if !ok {
		w.log.Debug("budget too low after resync", "cost", cost)
	}
	return ok
}

// resync asks the upstream for its real budget, at most once per
// ResyncInterval. It reports whether the budget was refreshed.
func (w *Worker) resync(ctx context.Context) bool {
	reporter, ok := w.deps.Catalog.(catalog.BudgetReporter)
	if !ok {
		return false
	}
	now := w.now()
	if !w.lastResync.IsZero() && now.Sub(w.lastResync) < w.opts.ResyncInterval {
		return false
	}
	w.lastResync = now

	b, err := reporter.TokenStatus(ctx)
	if err != nil {
		w.log.Warn("resync budget", "error", err)
		return false
	}
	if err := w.deps.Budget.UpdateFromResponse(ctx, b.TokensLeft, b.RefillIn); err != nil {
		w.log.Error("update budget", "error", err)
		return false
	}
	w.log.Info("budget resynced", "tokens", b.TokensLeft, "refill_in", b.RefillIn)
	return true
}

// estimateCost is zero when the category is fresh in cache.
func (w *Worker) estimateCost(ctx context.Context, job *model.QueueJob) int {
	l, err := w.deps.Cache.Peek(ctx, job.Category.ID)
	if err == nil && l.Status == model.StatusFresh {
		return 0
	}
	return w.opts.SearchCost + w.opts.VerifyCost*w.opts.VerifyTopK
}

// execute runs a dequeued job. It returns false when the fetch failed and
// the job was requeued.
func (w *Worker) execute(ctx context.Context, job *model.QueueJob) bool {
	start := w.now()
	stats := model.JobStats{
		JobID:      job.ID,
		CategoryID: job.Category.ID,
		Rules:      len(job.Due()),
		IsPrefetch: job.IsPrefetch,
	}
	log := w.log.With("job_id", job.ID, "category", job.Category.Name)

	var deals []model.Deal
	lookup, err := w.deps.Cache.CheckStatus(ctx, job.Category.ID)
	if err != nil {
		log.Warn("check cache", "error", err)
	}
	if err == nil && lookup.Status == model.StatusFresh {
		deals = lookup.Entry.Deals
		stats.CacheHit = true
	} else {
		fetched, used, err := w.fetch(ctx, job)
		stats.TokensUsed = used
		if err != nil {
			stats.Err = err
			stats.Duration = w.now().Sub(start)
			w.deps.Telemetry.RecordJob(ctx, stats)
			w.requeue(ctx, job, err)
			return false
		}
		deals = fetched

		source := model.SourceAutomation
		if job.IsPrefetch {
			source = model.SourcePrefetch
		}
		if err := w.deps.Cache.Save(ctx, job.Category.ID, deals, source); err != nil {
			log.Warn("save cache", "error", err)
		}
	}
	stats.Deals = len(deals)

	for _, rule := range job.Due() {
		w.runRule(ctx, job, rule, deals, stats.CacheHit)
	}

	if next, err := w.deps.Queue.CompleteJob(ctx, job); err != nil {
		log.Error("complete job", "error", err)
	} else if next != "" {
		log.Debug("follow-up job queued", "next_job_id", next)
	}

	stats.Duration = w.now().Sub(start)
	w.deps.Telemetry.RecordJob(ctx, stats)
	return true
}

func (w *Worker) requeue(ctx context.Context, job *model.QueueJob, cause error) {
	requeued, err := w.deps.Queue.Requeue(ctx, job)
	if err != nil {
		w.log.Error("requeue job", "job_id", job.ID, "error", err)
		return
	}
	w.log.Warn("job failed, requeued",
		"job_id", job.ID,
		"category", job.Category.Name,
		"attempts", requeued.Attempts,
		"priority", requeued.Priority,
		"error", cause)
}

// fetch searches the category upstream and verifies the best deals. It
// returns the deals and the tokens spent.
func (w *Worker) fetch(ctx context.Context, job *model.QueueJob) ([]model.Deal, int, error) {
	res, err := w.deps.Catalog.SearchDeals(ctx, job.Category, job.Filters)
	if err != nil {
		w.applyRateLimit(ctx, err)
		return nil, 0, fmt.Errorf("fetch deals: %w", err)
	}
	w.account(ctx, res.Budget, res.TokenCost)
	used := res.TokenCost
	deals := res.Deals

	verifier, ok := w.deps.Catalog.(catalog.Verifier)
	if !ok || w.opts.VerifyTopK <= 0 || len(deals) == 0 {
		return deals, used, nil
	}

	top := filter.SelectBest(deals, w.opts.VerifyTopK)
	asins := make([]string, len(top))
	for i := range top {
		asins[i] = top[i].ASIN
	}
	vr, err := verifier.VerifyProducts(ctx, asins)
	if err != nil {
		w.applyRateLimit(ctx, err)
		w.log.Warn("verify deals, using unverified", "job_id", job.ID, "error", err)
		return deals, used, nil
	}
	w.account(ctx, vr.Budget, vr.TokenCost)
	used += vr.TokenCost

	return applyVerification(deals, asins, vr.Products), used, nil
}

// account applies an authoritative budget report or, without one, deducts
// the reported cost locally.
func (w *Worker) account(ctx context.Context, b *catalog.Budget, cost int) {
	var err error
	if b != nil {
		err = w.deps.Budget.UpdateFromResponse(ctx, b.TokensLeft, b.RefillIn)
	} else if cost > 0 {
		_, err = w.deps.Budget.Consume(ctx, cost)
	}
	if err != nil {
		w.log.Error("update budget", "error", err)
	}
}

func (w *Worker) applyRateLimit(ctx context.Context, err error) {
	var rl *catalog.RateLimitError
	if errors.As(err, &rl) {
		w.account(ctx, &rl.Budget, 0)
	}
}

// applyVerification replaces checked deals with their verified state and
// drops checked deals that are gone or unavailable. Order is preserved.
func applyVerification(deals []model.Deal, checked []string, verified map[string]model.Deal) []model.Deal {
	inCheck := make(map[string]bool, len(checked))
	for _, a := range checked {
		inCheck[a] = true
	}
	out := make([]model.Deal, 0, len(deals))
	for _, d := range deals {
		if !inCheck[d.ASIN] {
			out = append(out, d)
			continue
		}
		v, ok := verified[d.ASIN]
		if !ok || !v.IsAvailable {
			continue
		}
		if len(v.CategoryIDs) == 0 {
			v.CategoryIDs = d.CategoryIDs
		}
		out = append(out, v)
	}
	return out
}
