package model

// Deal is a single catalog entry.
type Deal struct {
	ASIN            string  `json:"asin"`
	Title           string  `json:"title"`
	ImageURL        string  `json:"image_url,omitempty"`
	CurrentPrice    float64 `json:"current_price"`
	OriginalPrice   float64 `json:"original_price"`
	DiscountPercent float64 `json:"discount_percent"`
	Rating          float64 `json:"rating"`
	ReviewCount     int     `json:"review_count"`
	IsPrime         bool    `json:"is_prime"`
	IsAvailable     bool    `json:"is_available"`
	IsLowest        bool    `json:"is_lowest"`
	CategoryIDs     []int64 `json:"category_ids,omitempty"`
}

// HasMarkdown reports whether the deal shows a visible price cut.
func (d *Deal) HasMarkdown() bool {
	return d.DiscountPercent > 0 && d.OriginalPrice > d.CurrentPrice
}

// ScoredDeal is a deal annotated with its quality score.
type ScoredDeal struct {
	Deal
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components,omitempty"`
}

// Filters is the set of per-rule deal constraints. Zero values mean "no constraint".
type Filters struct {
	MinDiscount     float64  `json:"min_discount,omitempty"`
	MinPrice        float64  `json:"min_price,omitempty"`
	MaxPrice        float64  `json:"max_price,omitempty"`
	MinRating       float64  `json:"min_rating,omitempty"`
	MinReviews      int      `json:"min_reviews,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	PrimeOnly       bool     `json:"prime_only,omitempty"`
	Categories      []int64  `json:"categories,omitempty"`
}
