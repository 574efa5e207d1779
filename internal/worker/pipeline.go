package worker

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"dealbot/internal/catalog"
	"dealbot/internal/filter"
	"dealbot/internal/model"
)

const (
	defaultInterval    = 60 * time.Minute
	defaultDedupWindow = 24 * time.Hour
)

// runRule runs the publish pipeline for one waiting rule, reschedules the
// rule and records its telemetry. Failures stay confined to the rule.
func (w *Worker) runRule(ctx context.Context, job *model.QueueJob, rule model.WaitingRule, deals []model.Deal, cacheHit bool) model.RunStats {
	start := w.now()
	st := model.RunStats{
		RuleID:     rule.RuleID,
		JobID:      job.ID,
		CategoryID: job.Category.ID,
		CacheHit:   cacheHit,
		Fetched:    len(deals),
		StartedAt:  start,
	}

	err := w.safePipeline(ctx, rule, deals, &st)
	if err != nil {
		st.Error = err.Error()
		w.log.Error("rule pipeline", "rule_id", rule.RuleID, "job_id", job.ID, "error", err)
	}

	finished := w.now()
	st.Duration = finished.Sub(start)
	upd := model.RunUpdate{
		LastRunAt: finished,
		NextRunAt: w.nextRun(finished, rule.IntervalMinutes),
		Published: st.Published,
		Failed:    err != nil,
	}
	if err := w.deps.Store.UpdateRuleAfterRun(ctx, rule.RuleID, upd); err != nil {
		w.log.Error("reschedule rule", "rule_id", rule.RuleID, "error", err)
	}

	w.deps.Telemetry.RecordRun(ctx, st)
	return st
}

func (w *Worker) safePipeline(ctx context.Context, rule model.WaitingRule, deals []model.Deal, st *model.RunStats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.pipeline(ctx, rule, deals, st)
}

// pipeline filters, scores, deduplicates and publishes deals for a rule.
// An empty result is not an error.
func (w *Worker) pipeline(ctx context.Context, rule model.WaitingRule, deals []model.Deal, st *model.RunStats) error {
	matched := filter.Apply(deals, rule.Filters)
	st.AfterFilters = len(matched)

	matched = filter.ByMode(matched, rule.PublishMode)
	st.AfterMode = len(matched)

	ranked := w.rank(matched, rule.MinScore, st)
	st.AfterScore = len(ranked)
	if len(ranked) == 0 {
		return nil
	}

	creds, err := w.deps.Credentials.Resolve(ctx, rule.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}

	limit := max(rule.DealsPerRun, 1)
	window := time.Duration(rule.DedupWindowHours) * time.Hour
	if window <= 0 {
		window = defaultDedupWindow
	}

	for _, d := range ranked {
		if st.Published >= limit {
			break
		}
		now := w.now()
		dup, err := w.deps.Store.IsDuplicate(ctx, rule.ChannelID, d.ASIN, now)
		if err != nil {
			return fmt.Errorf("check duplicate %s: %w", d.ASIN, err)
		}
		if dup {
			st.Duplicates++
			continue
		}

		if st.Published > 0 && !w.pause(ctx) {
			return ctx.Err()
		}
		link := catalog.AffiliateLink(w.opts.AffiliateHost, d.ASIN, creds.AffiliateTag)
		if err := w.deps.Publisher.Publish(ctx, creds, d, link); err != nil {
			st.Failed++
			return fmt.Errorf("publish %s: %w", d.ASIN, err)
		}
		st.Published++

		rec := &model.PublishedDeal{
			ChannelID:   rule.ChannelID,
			ProductID:   d.ASIN,
			RuleID:      rule.RuleID,
			Title:       d.Title,
			Price:       d.CurrentPrice,
			Score:       d.Score,
			PublishedAt: now,
			ExpiresAt:   now.Add(window),
		}
		if err := w.deps.Store.RecordPublished(ctx, rec); err != nil {
			w.log.Warn("record published deal", "rule_id", rule.RuleID, "asin", d.ASIN, "error", err)
		}
	}
	return nil
}

// rank scores deals, keeps those at or above minScore and sorts them by
// score, best first. The score distribution covers every scored deal.
func (w *Worker) rank(deals []model.Deal, minScore float64, st *model.RunStats) []model.ScoredDeal {
	ranked := make([]model.ScoredDeal, 0, len(deals))
	var sum float64
	for i, d := range deals {
		sd := w.deps.Scorer.Score(d)
		sum += sd.Score
		if i == 0 || sd.Score < st.ScoreMin {
			st.ScoreMin = sd.Score
		}
		if i == 0 || sd.Score > st.ScoreMax {
			st.ScoreMax = sd.Score
		}
		if sd.Score >= minScore {
			ranked = append(ranked, sd)
		}
	}
	if len(deals) > 0 {
		st.ScoreAvg = sum / float64(len(deals))
	}

	slices.SortStableFunc(ranked, func(a, b model.ScoredDeal) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return ranked
}

// nextRun schedules the following run one interval ahead with jitter.
func (w *Worker) nextRun(from time.Time, intervalMinutes int) time.Time {
	interval := time.Duration(intervalMinutes) * time.Minute
	if interval <= 0 {
		interval = defaultInterval
	}
	factor := 1 + w.opts.JitterFraction*(2*w.rand()-1)
	return from.Add(time.Duration(float64(interval) * factor))
}

// pause waits PublishDelay between posts. It returns false if ctx ends first.
func (w *Worker) pause(ctx context.Context) bool {
	if w.opts.PublishDelay <= 0 {
		return true
	}
	t := time.NewTimer(w.opts.PublishDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
