// Package model defines the domain types used across the application.
package model

import "time"

// Plan is the subscription tier of a rule owner.
type Plan string

// Supported plans, cheapest first.
const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// PublishMode selects which kind of deals a rule is willing to publish.
type PublishMode string

// Supported publish modes.
const (
	ModeDiscount PublishMode = "discount"
	ModeLowest   PublishMode = "lowest"
	ModeAny      PublishMode = "any"
)

// Valid reports whether m is a known publish mode.
func (m PublishMode) Valid() bool {
	switch m {
	case ModeDiscount, ModeLowest, ModeAny:
		return true
	}
	return false
}

// Category is a catalog category that deals are fetched for.
type Category struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug,omitempty"`
	FeedURL string `json:"feed_url,omitempty"`
}

// User owns channels and rules.
type User struct {
	ID        int64
	Name      string
	Plan      Plan
	CreatedAt time.Time
}

// Channel is a publishing destination with its encrypted credentials.
type Channel struct {
	ID             int64
	UserID         int64
	Name           string
	ChatRef        string
	EncryptedToken string
	AffiliateTag   string
	CreatedAt      time.Time
}

// Rule is one automation: which deals to look for, how often and where to post them.
type Rule struct {
	ID               int64
	UserID           int64
	Plan             Plan
	ChannelID        int64
	Name             string
	Category         string
	Filters          Filters
	DealsPerRun      int
	MinScore         float64
	PublishMode      PublishMode
	IntervalMinutes  int
	DedupWindowHours int
	IsActive         bool
	NextRunAt        time.Time
	LastRunAt        *time.Time
	TotalRuns        int
	DealsPublished   int
	EmptyRunsCount   int
	CreatedAt        time.Time
}

// Interval returns the run interval of the rule.
func (r *Rule) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// RunUpdate is applied to a rule after each pipeline run.
type RunUpdate struct {
	LastRunAt time.Time
	NextRunAt time.Time
	Published int
	// Failed runs keep the empty-run streak untouched.
	Failed bool
}

// RunStats is the telemetry of a single rule run.
type RunStats struct {
	RuleID       int64
	JobID        string
	CategoryID   int64
	CacheHit     bool
	Fetched      int
	AfterFilters int
	AfterMode    int
	AfterScore   int
	Duplicates   int
	Published    int
	Failed       int
	ScoreMin     float64
	ScoreMax     float64
	ScoreAvg     float64
	Duration     time.Duration
	Error        string
	StartedAt    time.Time
}

// JobStats is the telemetry of a completed queue job.
type JobStats struct {
	JobID      string
	CategoryID int64
	Rules      int
	IsPrefetch bool
	CacheHit   bool
	Deals      int
	TokensUsed int
	Duration   time.Duration
	Err        error
}

// PublishedDeal is a deduplication record: a product posted to a channel.
type PublishedDeal struct {
	ChannelID   int64
	ProductID   string
	RuleID      int64
	Title       string
	Price       float64
	Score       float64
	PublishedAt time.Time
	ExpiresAt   time.Time
}
