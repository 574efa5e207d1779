package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"dealbot/internal/model"
)

var (
	asinRe  = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})`)
	priceRe = regexp.MustCompile(`\$(\d+(?:,\d{3})*(?:\.\d{2})?)`)
	primeRe = regexp.MustCompile(`(?i)\bprime\b`)
)

// Feed reads category deals from RSS or Atom deal feeds. Feeds are not
// metered, so results carry no budget.
type Feed struct {
	client HTTPClient
	log    *slog.Logger
}

// NewFeed creates a Feed provider with the given HTTP client.
func NewFeed(client HTTPClient, log *slog.Logger) *Feed {
	return &Feed{client: client, log: log}
}

// Name returns the provider name.
func (f *Feed) Name() string { return "feed" }

// SearchDeals downloads the category feed and converts its items to deals.
// Items without a recognizable product link are skipped.
func (f *Feed) SearchDeals(ctx context.Context, cat model.Category, _ model.Filters) (*Result, error) {
	if cat.FeedURL == "" {
		return nil, fmt.Errorf("category %s has no feed url", cat.Name)
	}
	feed, err := f.fetch(ctx, cat.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", cat.Name, err)
	}

	deals := make([]model.Deal, 0, len(feed.Items))
	seen := make(map[string]bool, len(feed.Items))
	for _, item := range feed.Items {
		d, ok := ItemDeal(item)
		if !ok || seen[d.ASIN] {
			continue
		}
		seen[d.ASIN] = true
		d.CategoryIDs = []int64{cat.ID}
		deals = append(deals, d)
	}
	f.log.Debug("feed parsed", "category", cat.Name, "items", len(feed.Items), "deals", len(deals))
	return &Result{Deals: deals}, nil
}

func (f *Feed) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "DealBot/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemDeal extracts a deal from a feed item. The first price in the title
// or description is the current price, a second higher one the original.
func ItemDeal(item *gofeed.Item) (model.Deal, bool) {
	m := asinRe.FindStringSubmatch(item.Link)
	if m == nil {
		return model.Deal{}, false
	}

	text := item.Title + " " + item.Description
	prices := parsePrices(text)
	if len(prices) == 0 {
		return model.Deal{}, false
	}

	d := model.Deal{
		ASIN:         m[1],
		Title:        strings.TrimSpace(item.Title),
		CurrentPrice: prices[0],
		IsPrime:      primeRe.MatchString(text),
		IsAvailable:  true,
	}
	if item.Image != nil {
		d.ImageURL = item.Image.URL
	}
	if len(prices) > 1 && prices[1] > prices[0] {
		d.OriginalPrice = prices[1]
		d.DiscountPercent = math.Round((1-prices[0]/prices[1])*1000) / 10
	}
	return d, true
}

func parsePrices(s string) []float64 {
	var prices []float64
	for _, m := range priceRe.FindAllStringSubmatch(s, 2) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err == nil && v > 0 {
			prices = append(prices, v)
		}
	}
	return prices
}
