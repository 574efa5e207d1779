// Package filter implements the deal matching engine.
package filter

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"dealbot/internal/model"
)

// Match checks whether a deal passes the given filters.
// Zero-valued fields do not constrain. Excluded keywords are matched
// case-insensitively against the title.
func Match(d *model.Deal, f *model.Filters) bool {
	if f.MinDiscount > 0 && d.DiscountPercent < f.MinDiscount {
		return false
	}
	if f.MinPrice > 0 && d.CurrentPrice < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && d.CurrentPrice > f.MaxPrice {
		return false
	}
	if f.MinRating > 0 && d.Rating < f.MinRating {
		return false
	}
	if f.MinReviews > 0 && d.ReviewCount < f.MinReviews {
		return false
	}
	if f.PrimeOnly && !d.IsPrime {
		return false
	}
	if len(f.Categories) > 0 && !inAny(d.CategoryIDs, f.Categories) {
		return false
	}
	if len(f.ExcludeKeywords) > 0 {
		title := strings.ToLower(d.Title)
		for _, kw := range f.ExcludeKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(title, kw) {
				return false
			}
		}
	}
	return true
}

func inAny(have, allowed []int64) bool {
	for _, id := range have {
		if slices.Contains(allowed, id) {
			return true
		}
	}
	return false
}

// Apply returns the deals that pass f, preserving order.
func Apply(deals []model.Deal, f model.Filters) []model.Deal {
	out := make([]model.Deal, 0, len(deals))
	for i := range deals {
		if Match(&deals[i], &f) {
			out = append(out, deals[i])
		}
	}
	return out
}

// ByMode keeps the deals that qualify for a publish mode.
// Discount mode needs a visible markdown, lowest mode a historical low,
// any mode accepts either.
func ByMode(deals []model.Deal, mode model.PublishMode) []model.Deal {
	out := make([]model.Deal, 0, len(deals))
	for i := range deals {
		d := &deals[i]
		var ok bool
		switch mode {
		case model.ModeDiscount:
			ok = d.HasMarkdown()
		case model.ModeLowest:
			ok = d.IsLowest
		default:
			ok = d.HasMarkdown() || d.IsLowest
		}
		if ok {
			out = append(out, *d)
		}
	}
	return out
}

// SelectBest sorts deals by discount, highest first, and keeps at most limit.
// A non-positive limit keeps everything.
func SelectBest(deals []model.Deal, limit int) []model.Deal {
	out := slices.Clone(deals)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DiscountPercent > out[j].DiscountPercent
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Union returns the loosest filter set that still accepts every deal
// accepted by any of the given filters.
func Union(fs ...model.Filters) model.Filters {
	if len(fs) == 0 {
		return model.Filters{}
	}
	u := fs[0]
	u.ExcludeKeywords = normalizeKeywords(fs[0].ExcludeKeywords)
	u.Categories = slices.Clone(fs[0].Categories)

	for _, f := range fs[1:] {
		u.MinDiscount = min(u.MinDiscount, f.MinDiscount)
		u.MinPrice = min(u.MinPrice, f.MinPrice)
		u.MinRating = min(u.MinRating, f.MinRating)
		u.MinReviews = min(u.MinReviews, f.MinReviews)
		if u.MaxPrice == 0 || f.MaxPrice == 0 {
			u.MaxPrice = 0
		} else {
			u.MaxPrice = max(u.MaxPrice, f.MaxPrice)
		}
		u.PrimeOnly = u.PrimeOnly && f.PrimeOnly
		u.ExcludeKeywords = intersectKeywords(u.ExcludeKeywords, normalizeKeywords(f.ExcludeKeywords))
		if len(u.Categories) == 0 || len(f.Categories) == 0 {
			u.Categories = nil
		} else {
			for _, id := range f.Categories {
				if !slices.Contains(u.Categories, id) {
					u.Categories = append(u.Categories, id)
				}
			}
		}
	}
	if len(u.ExcludeKeywords) == 0 {
		u.ExcludeKeywords = nil
	}
	if len(u.Categories) == 0 {
		u.Categories = nil
	}
	return u
}

func normalizeKeywords(kws []string) []string {
	var out []string
	for _, kw := range kws {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && !slices.Contains(out, kw) {
			out = append(out, kw)
		}
	}
	return out
}

func intersectKeywords(a, b []string) []string {
	var out []string
	for _, kw := range a {
		if slices.Contains(b, kw) {
			out = append(out, kw)
		}
	}
	return out
}

// Validate checks that a filter set is internally consistent.
func Validate(f *model.Filters) error {
	var errs []error
	if f.MinDiscount < 0 || f.MinDiscount > 100 {
		errs = append(errs, fmt.Errorf("min discount %.1f out of range 0-100", f.MinDiscount))
	}
	if f.MinPrice < 0 || f.MaxPrice < 0 {
		errs = append(errs, errors.New("prices must not be negative"))
	}
	if f.MaxPrice > 0 && f.MinPrice > f.MaxPrice {
		errs = append(errs, fmt.Errorf("min price %.2f above max price %.2f", f.MinPrice, f.MaxPrice))
	}
	if f.MinRating < 0 || f.MinRating > 5 {
		errs = append(errs, fmt.Errorf("min rating %.1f out of range 0-5", f.MinRating))
	}
	if f.MinReviews < 0 {
		errs = append(errs, errors.New("min reviews must not be negative"))
	}
	return errors.Join(errs...)
}
