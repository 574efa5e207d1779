package bot

import (
	"fmt"
	"strings"
	"time"

	"dealbot/internal/budget"
	"dealbot/internal/cache"
	"dealbot/internal/model"
	"dealbot/internal/queue"
)

const (
	statusActive = "active"
	statusPaused = "paused"
)

// FormatDeal formats a scored deal as a channel post.
func FormatDeal(deal model.ScoredDeal, link string) string {
	var b strings.Builder
	b.WriteString(deal.Title)
	b.WriteString("\n\n")
	if deal.HasMarkdown() {
		fmt.Fprintf(&b, "$%.2f (was $%.2f, -%.0f%%)", deal.CurrentPrice, deal.OriginalPrice, deal.DiscountPercent)
	} else {
		fmt.Fprintf(&b, "$%.2f", deal.CurrentPrice)
	}
	if deal.IsLowest {
		b.WriteString("\nLowest price on record")
	}
	if deal.Rating > 0 {
		fmt.Fprintf(&b, "\nRating %.1f/5 (%d reviews)", deal.Rating, deal.ReviewCount)
	}
	if deal.IsPrime {
		b.WriteString("\nPrime")
	}
	if link != "" {
		b.WriteString("\n\n")
		b.WriteString(link)
	}
	return b.String()
}

// FormatStatus formats queue, cache and budget state for operators.
func FormatStatus(depth int64, qs queue.Stats, cs cache.Stats, bs budget.Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d job(s) waiting\n", depth)
	fmt.Fprintf(&b, "  created %d, attached %d, completed %d\n", qs.Created, qs.Attached, qs.Completed)
	fmt.Fprintf(&b, "  requeued %d, discarded %d\n", qs.Requeued, qs.Discarded)
	fmt.Fprintf(&b, "Prefetch: created %d, converted %d, completed %d\n",
		qs.PrefetchCreated, qs.PrefetchConverted, qs.PrefetchCompleted)
	fmt.Fprintf(&b, "Cache: %d hit(s), %d miss(es), hit rate %.0f%%\n", cs.Hits, cs.Misses, cs.HitRate()*100)
	fmt.Fprintf(&b, "Tokens: %d", bs.Tokens)
	if !bs.Observed {
		b.WriteString(" (assumed, no upstream response yet)")
	} else if wait := bs.RefillAt.Sub(now); wait > 0 {
		fmt.Fprintf(&b, ", refill in %s", wait.Round(time.Second))
	}
	return b.String()
}

// FormatQueue formats queued jobs in priority order.
func FormatQueue(jobs []model.QueueJob, now time.Time) string {
	if len(jobs) == 0 {
		return "Queue is empty."
	}
	var b strings.Builder
	b.WriteString("Queued jobs:\n")
	for _, j := range jobs {
		kind := "search"
		if j.IsPrefetch {
			kind = "prefetch"
		}
		fmt.Fprintf(&b, "\n%s [%s, %s] priority %.0f\n", j.Category.Name, kind, j.State, j.Priority)
		fmt.Fprintf(&b, "   %d rule(s), waiting %s", len(j.Rules), now.Sub(j.CreatedAt).Round(time.Second))
		if j.Attempts > 0 {
			fmt.Fprintf(&b, ", attempt %d", j.Attempts+1)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatRuleList formats all rules for display.
func FormatRuleList(rules []model.Rule) string {
	if len(rules) == 0 {
		return "No rules configured."
	}
	var b strings.Builder
	b.WriteString("Rules:\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "\n#%d %s  (%s, every %d min) [%s]\n", r.ID, r.Name, r.Category, r.IntervalMinutes, ruleStatus(&r))
	}
	return b.String()
}

// FormatRuleInfo formats detailed information about a single rule and its recent runs.
func FormatRuleInfo(r *model.Rule, runs []model.RunStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", r.ID, r.Name, ruleStatus(r))
	fmt.Fprintf(&b, "Category: %s\n", r.Category)
	fmt.Fprintf(&b, "Plan: %s, mode: %s\n", r.Plan, r.PublishMode)
	fmt.Fprintf(&b, "Interval: every %d min, %d deal(s) per run, min score %.0f\n",
		r.IntervalMinutes, r.DealsPerRun, r.MinScore)
	fmt.Fprintf(&b, "Next run: %s\n", r.NextRunAt.UTC().Format("2006-01-02 15:04 UTC"))
	if r.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", r.LastRunAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	fmt.Fprintf(&b, "Runs: %d, published: %d, empty streak: %d\n", r.TotalRuns, r.DealsPublished, r.EmptyRunsCount)

	if len(runs) == 0 {
		return b.String()
	}
	b.WriteString("\nRecent runs:\n")
	for _, st := range runs {
		src := "fetched"
		if st.CacheHit {
			src = "cached"
		}
		fmt.Fprintf(&b, "  %s %s: %d deal(s), %d published",
			st.StartedAt.UTC().Format("01-02 15:04"), src, st.Fetched, st.Published)
		if st.Error != "" {
			fmt.Fprintf(&b, ", error: %s", st.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func ruleStatus(r *model.Rule) string {
	if r.IsActive {
		return statusActive
	}
	return statusPaused
}
