package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"dealbot/internal/model"
)

const maxResponseSize = 5 * 1024 * 1024

// KeepaOptions configures the Keepa client.
type KeepaOptions struct {
	BaseURL  string
	APIKey   string
	Domain   int
	Attempts uint
	Delay    time.Duration
}

// Keepa queries the Keepa deal API.
type Keepa struct {
	client HTTPClient
	opts   KeepaOptions
	log    *slog.Logger
}

// NewKeepa creates a Keepa client.
func NewKeepa(client HTTPClient, opts KeepaOptions, log *slog.Logger) *Keepa {
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Delay == 0 {
		opts.Delay = time.Second
	}
	return &Keepa{client: client, opts: opts, log: log}
}

// Name returns the provider name.
func (k *Keepa) Name() string { return "keepa" }

type keepaProduct struct {
	ASIN         string  `json:"asin"`
	Title        string  `json:"title"`
	Image        string  `json:"image"`
	CurrentPrice int64   `json:"currentPrice"`
	ListPrice    int64   `json:"listPrice"`
	DeltaPercent float64 `json:"deltaPercent"`
	Rating       int     `json:"rating"`
	ReviewCount  int     `json:"reviewCount"`
	IsPrime      bool    `json:"isPrime"`
	IsLowest     bool    `json:"isLowest"`
	Availability int     `json:"availability"`
	Categories   []int64 `json:"categories"`
}

type keepaResponse struct {
	TokensLeft     int            `json:"tokensLeft"`
	RefillIn       int64          `json:"refillIn"`
	TokensConsumed int            `json:"tokensConsumed"`
	Deals          []keepaProduct `json:"deals"`
	Products       []keepaProduct `json:"products"`
	Error          *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *keepaResponse) budget() *Budget {
	return &Budget{TokensLeft: r.TokensLeft, RefillIn: time.Duration(r.RefillIn) * time.Millisecond}
}

func (p *keepaProduct) deal() model.Deal {
	return model.Deal{
		ASIN:            p.ASIN,
		Title:           p.Title,
		ImageURL:        p.Image,
		CurrentPrice:    float64(p.CurrentPrice) / 100,
		OriginalPrice:   float64(p.ListPrice) / 100,
		DiscountPercent: p.DeltaPercent,
		Rating:          float64(p.Rating) / 10,
		ReviewCount:     p.ReviewCount,
		IsPrime:         p.IsPrime,
		IsAvailable:     p.Availability > 0 && p.CurrentPrice > 0,
		IsLowest:        p.IsLowest,
		CategoryIDs:     p.Categories,
	}
}

// SearchDeals queries current deals of a category narrowed by f.
func (k *Keepa) SearchDeals(ctx context.Context, cat model.Category, f model.Filters) (*Result, error) {
	q := k.query()
	q.Set("category", strconv.FormatInt(cat.ID, 10))
	if f.MinDiscount > 0 {
		q.Set("minDiscount", strconv.FormatFloat(f.MinDiscount, 'f', -1, 64))
	}
	if f.MinPrice > 0 {
		q.Set("minPrice", strconv.FormatInt(int64(f.MinPrice*100), 10))
	}
	if f.MaxPrice > 0 {
		q.Set("maxPrice", strconv.FormatInt(int64(f.MaxPrice*100), 10))
	}
	if f.MinRating > 0 {
		q.Set("minRating", strconv.Itoa(int(f.MinRating*10)))
	}
	if f.MinReviews > 0 {
		q.Set("minReviews", strconv.Itoa(f.MinReviews))
	}
	if f.PrimeOnly {
		q.Set("prime", "1")
	}

	resp, err := k.get(ctx, "/deal", q)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", cat.Name, err)
	}

	deals := make([]model.Deal, 0, len(resp.Deals))
	for i := range resp.Deals {
		deals = append(deals, resp.Deals[i].deal())
	}
	return &Result{Deals: deals, Budget: resp.budget(), TokenCost: resp.TokensConsumed}, nil
}

// VerifyProducts fetches the current state of the given products.
func (k *Keepa) VerifyProducts(ctx context.Context, asins []string) (*VerifyResult, error) {
	if len(asins) == 0 {
		return &VerifyResult{Products: map[string]model.Deal{}}, nil
	}
	q := k.query()
	q.Set("asin", strings.Join(asins, ","))

	resp, err := k.get(ctx, "/product", q)
	if err != nil {
		return nil, fmt.Errorf("verify %d products: %w", len(asins), err)
	}

	products := make(map[string]model.Deal, len(resp.Products))
	for i := range resp.Products {
		products[resp.Products[i].ASIN] = resp.Products[i].deal()
	}
	return &VerifyResult{Products: products, Budget: resp.budget(), TokenCost: resp.TokensConsumed}, nil
}

// TokenStatus reports the current token budget. The call itself is free.
func (k *Keepa) TokenStatus(ctx context.Context) (*Budget, error) {
	resp, err := k.get(ctx, "/token", url.Values{"key": {k.opts.APIKey}})
	if err != nil {
		return nil, fmt.Errorf("token status: %w", err)
	}
	return resp.budget(), nil
}

func (k *Keepa) query() url.Values {
	return url.Values{
		"key":    {k.opts.APIKey},
		"domain": {strconv.Itoa(k.opts.Domain)},
	}
}

func (k *Keepa) get(ctx context.Context, path string, q url.Values) (*keepaResponse, error) {
	endpoint := strings.TrimRight(k.opts.BaseURL, "/") + path + "?" + q.Encode()
	var (
		out     *keepaResponse
		limited *RateLimitError
	)

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			resp, err := k.client.Do(req)
			if err != nil {
				return fmt.Errorf("http get: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			var parsed keepaResponse
			decodeErr := json.Unmarshal(body, &parsed)

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				limited = &RateLimitError{}
				if decodeErr == nil {
					limited.Budget = *parsed.budget()
				}
				return retry.Unrecoverable(limited)
			case resp.StatusCode >= 500:
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(fmt.Errorf("unexpected status %d", resp.StatusCode))
			}
			if decodeErr != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", decodeErr))
			}
			if parsed.Error != nil {
				return retry.Unrecoverable(fmt.Errorf("api error: %s", parsed.Error.Message))
			}
			out = &parsed
			return nil
		},
		retry.Attempts(k.opts.Attempts),
		retry.Delay(k.opts.Delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(k.opts.Delay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			k.log.Warn("retrying catalog request", "path", path, "attempt", n+1, "error", err)
		}),
	)
	if limited != nil {
		return nil, limited
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
