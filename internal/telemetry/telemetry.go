// Package telemetry records rule run and job statistics. Recording never
// fails the caller; errors are logged.
package telemetry

import (
	"context"
	"log/slog"

	"dealbot/internal/metrics"
	"dealbot/internal/model"
)

// RunLogStore persists rule run statistics.
type RunLogStore interface {
	InsertRunLog(ctx context.Context, s *model.RunStats) error
}

// Sink writes run logs to the store and updates metrics.
type Sink struct {
	store RunLogStore
	log   *slog.Logger
}

// New creates a Sink.
func New(store RunLogStore, log *slog.Logger) *Sink {
	return &Sink{store: store, log: log}
}

// RecordRun stores the statistics of one rule run.
func (s *Sink) RecordRun(ctx context.Context, st model.RunStats) {
	metrics.RecordRun(Outcome(&st), st.Published, st.Duration.Seconds())

	if err := s.store.InsertRunLog(ctx, &st); err != nil {
		s.log.Warn("failed to store run log", "rule_id", st.RuleID, "job_id", st.JobID, "error", err)
	}

	attrs := []any{
		"rule_id", st.RuleID,
		"job_id", st.JobID,
		"cache_hit", st.CacheHit,
		"fetched", st.Fetched,
		"after_filters", st.AfterFilters,
		"after_mode", st.AfterMode,
		"after_score", st.AfterScore,
		"duplicates", st.Duplicates,
		"published", st.Published,
		"duration_ms", st.Duration.Milliseconds(),
	}
	if st.Error != "" {
		s.log.Warn("rule run failed", append(attrs, "error", st.Error)...)
		return
	}
	s.log.Info("rule run finished", attrs...)
}

// RecordJob records a completed job.
func (s *Sink) RecordJob(_ context.Context, st model.JobStats) {
	metrics.RecordJobDuration(st.CacheHit, st.Duration.Seconds())

	attrs := []any{
		"job_id", st.JobID,
		"category_id", st.CategoryID,
		"rules", st.Rules,
		"prefetch", st.IsPrefetch,
		"cache_hit", st.CacheHit,
		"deals", st.Deals,
		"tokens_used", st.TokensUsed,
		"duration_ms", st.Duration.Milliseconds(),
	}
	if st.Err != nil {
		s.log.Warn("job failed", append(attrs, "error", st.Err)...)
		return
	}
	s.log.Info("job finished", attrs...)
}

// Outcome classifies a rule run for metrics.
func Outcome(st *model.RunStats) string {
	switch {
	case st.Error != "":
		return "failed"
	case st.Published > 0:
		return "published"
	default:
		return "empty"
	}
}
