package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dealbot/internal/budget"
	"dealbot/internal/cache"
	"dealbot/internal/config"
	"dealbot/internal/model"
	"dealbot/internal/queue"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// RuleStore is the part of storage the operator commands need.
type RuleStore interface {
	ListRules(ctx context.Context) ([]model.Rule, error)
	GetRule(ctx context.Context, id int64) (*model.Rule, error)
	UpdateRule(ctx context.Context, r *model.Rule) error
	ResolveCategory(ctx context.Context, value string) (*model.Category, error)
	ListRunLogs(ctx context.Context, ruleID int64, limit int) ([]model.RunStats, error)
}

// JobQueue exposes queue state and manual enqueueing.
type JobQueue interface {
	EnqueueOrAttach(ctx context.Context, cat model.Category, rule model.WaitingRule) (string, error)
	Depth(ctx context.Context) (int64, error)
	List(ctx context.Context, limit int) ([]model.QueueJob, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Cache exposes cache statistics and invalidation.
type Cache interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Invalidate(ctx context.Context, categoryID int64) error
	InvalidateAll(ctx context.Context) (int, error)
}

// Budget exposes the last known token budget.
type Budget interface {
	Status(ctx context.Context) (budget.Status, error)
}

// Deps groups the collaborators of the operator bot.
type Deps struct {
	Store  RuleStore
	Queue  JobQueue
	Cache  Cache
	Budget Budget
}

// Bot is the Telegram bot that answers operator commands.
type Bot struct {
	api    telegramAPI
	store  RuleStore
	queue  JobQueue
	cache  Cache
	budget Budget
	cfg    *config.Config
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Bot with the given Telegram token, collaborators and config.
func New(token string, deps Deps, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, deps, cfg, log), nil
}

func newBot(api telegramAPI, deps Deps, cfg *config.Config, log *slog.Logger) *Bot {
	return &Bot{
		api:    api,
		store:  deps.Store,
		queue:  deps.Queue,
		cache:  deps.Cache,
		budget: deps.Budget,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.From == nil || !b.cfg.IsUserAllowed(cb.From.ID) {
			b.ack(cb.ID, "Access denied.")
			return
		}
		b.handleCallback(ctx, cb)
		return
	}
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	if update.Message.From == nil || !b.cfg.IsUserAllowed(update.Message.From.ID) {
		b.reply(update.Message.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, update.Message)
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "status":
		b.handleStatus(ctx, chatID)
	case "queue":
		b.handleQueue(ctx, chatID)
	case "rules":
		b.handleRules(ctx, chatID)
	case cmdRule:
		b.handleRule(ctx, chatID, args)
	case cmdPause:
		b.handlePause(ctx, chatID, args)
	case cmdResume:
		b.handleResume(ctx, chatID, args)
	case cmdRun:
		b.handleRun(ctx, chatID, args)
	case "refresh":
		b.handleRefresh(ctx, chatID, args)
	case "refreshall":
		b.handleRefreshAll(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
