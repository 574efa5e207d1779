package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdRule   = "rule"
	cmdRun    = "run"
	cmdPause  = "pause"
	cmdResume = "resume"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	b.ack(cb.ID, "")
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	log := b.log.With("action", action, "rule_id", id, "chat_id", chatID)
	if cb.From != nil {
		log = log.With("user_id", cb.From.ID, "username", cb.From.UserName)
	}
	log.Info("callback")

	switch action {
	case cmdRule:
		b.handleRule(ctx, chatID, idStr)
	case cmdRun:
		b.handleRun(ctx, chatID, idStr)
	case cmdPause:
		b.handlePause(ctx, chatID, idStr)
	case cmdResume:
		b.handleResume(ctx, chatID, idStr)
	}
}

func (b *Bot) ack(callbackID, text string) {
	if _, err := b.api.Send(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
}

func ruleKeyboard(id int64, active bool) tgbotapi.InlineKeyboardMarkup {
	toggle := tgbotapi.NewInlineKeyboardButtonData("Pause", fmt.Sprintf("%s:%d", cmdPause, id))
	if !active {
		toggle = tgbotapi.NewInlineKeyboardButtonData("Resume", fmt.Sprintf("%s:%d", cmdResume, id))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Run now", fmt.Sprintf("%s:%d", cmdRun, id)),
			toggle,
		),
	)
}
