package queue

import (
	"time"

	"dealbot/internal/model"
)

// Priority components. Lower priority values run first.
const (
	MaxUrgency        = 30.0
	CacheValueBase    = 20.0
	CacheValuePerRule = 2.0

	// PrefetchPriority places speculative jobs behind any real demand.
	PrefetchPriority = 1000.0
)

// PlanScore ranks subscription plans; better plans score lower.
// Unknown plans get the free-tier score.
func PlanScore(p model.Plan) float64 {
	switch p {
	case model.PlanBusiness:
		return 0
	case model.PlanPro:
		return 3
	case model.PlanStarter:
		return 6
	default:
		return 10
	}
}

// ComputePriority scores a job from its waiting rules. It adds urgency
// (minutes until the earliest trigger, capped), cache value (more
// beneficiaries score lower), the best plan among waiting rules and a
// penalty per failed attempt.
func ComputePriority(job *model.QueueJob, now time.Time, retryPenalty float64) float64 {
	penalty := float64(job.Attempts) * retryPenalty
	if job.IsPrefetch {
		return PrefetchPriority + penalty
	}

	urgency := MaxUrgency
	plan := PlanScore(model.PlanFree)
	for i, r := range job.Rules {
		u := min(MaxUrgency, max(0, r.TriggersAt.Sub(now).Minutes()))
		if i == 0 || u < urgency {
			urgency = u
		}
		if s := PlanScore(r.Plan); i == 0 || s < plan {
			plan = s
		}
	}
	cacheValue := max(0, CacheValueBase-CacheValuePerRule*float64(len(job.Rules)))

	return urgency + cacheValue + plan + penalty
}
