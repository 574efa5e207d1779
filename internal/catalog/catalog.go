// Package catalog fetches deal lists from upstream product catalogs.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"dealbot/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Budget is the token budget reported by an upstream response.
type Budget struct {
	TokensLeft int
	RefillIn   time.Duration
}

// Result holds the deals of one category search.
type Result struct {
	Deals []model.Deal
	// Budget is nil when the upstream does not meter requests.
	Budget    *Budget
	TokenCost int
}

// VerifyResult holds the current state of individual products.
type VerifyResult struct {
	// Products maps ASIN to its current state. Missing ASINs are gone.
	Products  map[string]model.Deal
	Budget    *Budget
	TokenCost int
}

// Provider searches a category for deals.
type Provider interface {
	Name() string
	SearchDeals(ctx context.Context, cat model.Category, f model.Filters) (*Result, error)
}

// Verifier re-checks individual products before they are published.
type Verifier interface {
	VerifyProducts(ctx context.Context, asins []string) (*VerifyResult, error)
}

// BudgetReporter reports the upstream token budget without spending tokens.
type BudgetReporter interface {
	TokenStatus(ctx context.Context) (*Budget, error)
}

// RateLimitError is returned when the upstream refuses a request for lack
// of tokens. Budget holds what the upstream reported.
type RateLimitError struct {
	Budget Budget
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d tokens left, refill in %s", e.Budget.TokensLeft, e.Budget.RefillIn)
}

// AffiliateLink builds a product link carrying the affiliate tag.
func AffiliateLink(host, asin, tag string) string {
	u := url.URL{Scheme: "https", Host: host, Path: "/dp/" + asin}
	if tag != "" {
		u.RawQuery = url.Values{"tag": {tag}}.Encode()
	}
	return u.String()
}
