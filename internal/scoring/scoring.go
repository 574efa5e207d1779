// Package scoring rates deals on a 0-100 quality scale.
package scoring

import (
	"math"

	"dealbot/internal/model"
)

// Weights are the maximum points each component contributes.
type Weights struct {
	Discount     float64
	Rating       float64
	Reviews      float64
	Prime        float64
	Lowest       float64
	Availability float64
}

// DefaultWeights sum to 100.
var DefaultWeights = Weights{
	Discount:     40,
	Rating:       20,
	Reviews:      15,
	Prime:        5,
	Lowest:       10,
	Availability: 10,
}

const (
	// discountCap is the discount at which the discount component saturates.
	discountCap = 80.0
	// reviewsCap is the review count at which the reviews component saturates.
	reviewsCap = 10000.0
)

// Scorer computes deal scores.
type Scorer struct {
	w Weights
}

// New creates a Scorer with the given weights.
func New(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Score rates d and returns it with its component breakdown.
func (s *Scorer) Score(d model.Deal) model.ScoredDeal {
	c := map[string]float64{
		"discount":     s.w.Discount * clamp01(d.DiscountPercent/discountCap),
		"rating":       s.w.Rating * clamp01(d.Rating/5),
		"reviews":      s.w.Reviews * clamp01(math.Log10(float64(d.ReviewCount)+1)/math.Log10(reviewsCap+1)),
		"prime":        s.w.Prime * boolScore(d.IsPrime),
		"lowest":       s.w.Lowest * boolScore(d.IsLowest),
		"availability": s.w.Availability * boolScore(d.IsAvailable),
	}

	var total float64
	for k, v := range c {
		v = round1(v)
		c[k] = v
		total += v
	}
	return model.ScoredDeal{Deal: d, Score: round1(total), Components: c}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
