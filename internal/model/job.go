package model

import "time"

// JobType identifies what a queue job does.
type JobType string

// JobDealSearch fetches the deal list of one category.
const JobDealSearch JobType = "deal_search"

// JobState is the lifecycle state of a non-terminal job.
type JobState string

// Job states.
const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
)

// WaitingRule is a rule's interest in the next result of a category.
type WaitingRule struct {
	RuleID           int64       `json:"rule_id"`
	UserID           int64       `json:"user_id"`
	Plan             Plan        `json:"plan"`
	ChannelID        int64       `json:"channel_id"`
	Filters          Filters     `json:"filters"`
	DealsPerRun      int         `json:"deals_per_run"`
	MinScore         float64     `json:"min_score"`
	PublishMode      PublishMode `json:"publish_mode"`
	IntervalMinutes  int         `json:"interval_minutes"`
	DedupWindowHours int         `json:"dedup_window_hours"`
	TriggersAt       time.Time   `json:"triggers_at"`
	// Lookahead marks a rule carried by a prefetch job before it is due.
	Lookahead bool `json:"lookahead,omitempty"`
}

// NewWaitingRule captures the scheduling-relevant part of r.
func NewWaitingRule(r *Rule) WaitingRule {
	return WaitingRule{
		RuleID:           r.ID,
		UserID:           r.UserID,
		Plan:             r.Plan,
		ChannelID:        r.ChannelID,
		Filters:          r.Filters,
		DealsPerRun:      r.DealsPerRun,
		MinScore:         r.MinScore,
		PublishMode:      r.PublishMode,
		IntervalMinutes:  r.IntervalMinutes,
		DedupWindowHours: r.DedupWindowHours,
		TriggersAt:       r.NextRunAt,
	}
}

// QueueJob is one scheduled upstream fetch serving every waiting rule of a category.
type QueueJob struct {
	ID            string        `json:"id"`
	Category      Category      `json:"category"`
	Type          JobType       `json:"type"`
	EstimatedCost int           `json:"estimated_cost"`
	CreatedAt     time.Time     `json:"created_at"`
	Filters       Filters       `json:"filters"`
	Rules         []WaitingRule `json:"rules"`
	IsPrefetch    bool          `json:"is_prefetch"`
	Converted     bool          `json:"converted,omitempty"`
	Priority      float64       `json:"priority"`
	Attempts      int           `json:"attempts,omitempty"`
	State         JobState      `json:"state"`
}

// Due returns the waiting rules that should be published for, in attachment order.
func (j *QueueJob) Due() []WaitingRule {
	due := make([]WaitingRule, 0, len(j.Rules))
	for _, r := range j.Rules {
		if !r.Lookahead {
			due = append(due, r)
		}
	}
	return due
}

// CacheSource records who wrote a cache entry.
type CacheSource string

// Cache sources.
const (
	SourceAutomation CacheSource = "automation"
	SourcePrefetch   CacheSource = "prefetch"
)

// CacheStatus is the freshness class of a cached category.
type CacheStatus string

// Freshness classes.
const (
	StatusFresh   CacheStatus = "fresh"
	StatusStale   CacheStatus = "stale"
	StatusExpired CacheStatus = "expired"
	StatusMissing CacheStatus = "missing"
)

// CachedCategory is the last fetched deal list of a category.
type CachedCategory struct {
	CategoryID int64         `json:"category_id"`
	Deals      []Deal        `json:"deals"`
	WrittenAt  time.Time     `json:"written_at"`
	TTL        time.Duration `json:"ttl"`
	Source     CacheSource   `json:"source"`
}
