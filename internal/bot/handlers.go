package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dealbot/internal/model"
	"dealbot/internal/storage"
)

const (
	queueListLimit = 10
	recentRuns     = 5
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Deal automation operator bot.

Watch the fetch queue, the category cache and the upstream token budget,
and control individual rules.

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Monitoring:
/status - queue, cache and token budget
/queue - jobs waiting for the worker

Rules:
/rules - list all rules
/rule <id> - rule details and recent runs
/pause <id> - stop scheduling a rule
/resume <id> - schedule a rule again
/run <id> - queue a rule for the next worker tick

Cache:
/refresh <category> - drop the cached deals of a category
/refreshall - drop every cached category`)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	depth, err := b.queue.Depth(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	qs, err := b.queue.Stats(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	cs, err := b.cache.Stats(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	bs, err := b.budget.Status(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatStatus(depth, qs, cs, bs, b.now()))
}

func (b *Bot) handleQueue(ctx context.Context, chatID int64) {
	jobs, err := b.queue.List(ctx, queueListLimit)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatQueue(jobs, b.now()))
}

func (b *Bot) handleRules(ctx context.Context, chatID int64) {
	rules, err := b.store.ListRules(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatRuleList(rules))
}

func (b *Bot) handleRule(ctx context.Context, chatID int64, args string) {
	rule, ok := b.lookupRule(ctx, chatID, args, "Usage: /rule <id>")
	if !ok {
		return
	}
	runs, err := b.store.ListRunLogs(ctx, rule.ID, recentRuns)
	if err != nil {
		b.log.Warn("list run logs", "rule_id", rule.ID, "error", err)
	}

	msg := tgbotapi.NewMessage(chatID, FormatRuleInfo(rule, runs))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = ruleKeyboard(rule.ID, rule.IsActive)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send rule info", "rule_id", rule.ID, "error", err)
	}
}

func (b *Bot) handlePause(ctx context.Context, chatID int64, args string) {
	b.setActive(ctx, chatID, args, false)
}

func (b *Bot) handleResume(ctx context.Context, chatID int64, args string) {
	b.setActive(ctx, chatID, args, true)
}

func (b *Bot) setActive(ctx context.Context, chatID int64, args string, active bool) {
	usage, verb := "Usage: /pause <id>", statusPaused
	if active {
		usage, verb = "Usage: /resume <id>", "resumed"
	}
	rule, ok := b.lookupRule(ctx, chatID, args, usage)
	if !ok {
		return
	}

	rule.IsActive = active
	if err := b.store.UpdateRule(ctx, rule); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.log.Info("rule toggled", "rule_id", rule.ID, "active", active)
	b.reply(chatID, fmt.Sprintf("Rule #%d \"%s\" %s.", rule.ID, rule.Name, verb))
}

func (b *Bot) handleRun(ctx context.Context, chatID int64, args string) {
	rule, ok := b.lookupRule(ctx, chatID, args, "Usage: /run <id>")
	if !ok {
		return
	}
	if !rule.IsActive {
		b.reply(chatID, fmt.Sprintf("Rule #%d is paused. Use /resume %d first.", rule.ID, rule.ID))
		return
	}

	cat, err := b.store.ResolveCategory(ctx, rule.Category)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if cat == nil {
		b.reply(chatID, fmt.Sprintf("Rule #%d has unknown category %q.", rule.ID, rule.Category))
		return
	}

	wr := model.NewWaitingRule(rule)
	wr.TriggersAt = b.now()
	jobID, err := b.queue.EnqueueOrAttach(ctx, *cat, wr)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to queue rule: %v", err))
		return
	}
	b.log.Info("manual run", "rule_id", rule.ID, "category_id", cat.ID, "job_id", jobID)
	b.reply(chatID, fmt.Sprintf("Rule #%d queued for %s (job %s).", rule.ID, cat.Name, jobID))
}

func (b *Bot) handleRefresh(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /refresh <category>")
		return
	}
	cat, err := b.store.ResolveCategory(ctx, args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if cat == nil {
		b.reply(chatID, fmt.Sprintf("Category %q not found.", args))
		return
	}
	if err := b.cache.Invalidate(ctx, cat.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.log.Info("cache invalidated", "category_id", cat.ID)
	b.reply(chatID, fmt.Sprintf("Cache of %s dropped. The next run fetches fresh deals.", cat.Name))
}

func (b *Bot) handleRefreshAll(ctx context.Context, chatID int64) {
	n, err := b.cache.InvalidateAll(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.log.Info("cache invalidated", "entries", n)
	b.reply(chatID, fmt.Sprintf("Dropped %d cached categor%s.", n, plural(n, "y", "ies")))
}

func (b *Bot) lookupRule(ctx context.Context, chatID int64, args, usage string) (*model.Rule, bool) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, usage)
		return nil, false
	}
	rule, err := b.store.GetRule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Rule #%d not found.", id))
		return nil, false
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return nil, false
	}
	return rule, true
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
