package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dealbot/internal/model"
	"dealbot/internal/secret"
)

// Publisher posts deals to channels, each through the bot of its owner.
// Bot clients are created on first use and cached per token.
type Publisher struct {
	mu        sync.Mutex
	clients   map[string]telegramAPI
	newClient func(token string) (telegramAPI, error)
	log       *slog.Logger
}

// NewPublisher creates a Publisher that talks to the Telegram Bot API.
func NewPublisher(log *slog.Logger) *Publisher {
	return &Publisher{
		clients: make(map[string]telegramAPI),
		newClient: func(token string) (telegramAPI, error) {
			api, err := tgbotapi.NewBotAPI(token)
			if err != nil {
				return nil, err
			}
			return api, nil
		},
		log: log,
	}
}

// Publish sends one deal post to the channel described by creds.
func (p *Publisher) Publish(ctx context.Context, creds *secret.Credentials, deal model.ScoredDeal, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, username, err := ParseChatRef(creds.ChatRef)
	if err != nil {
		return fmt.Errorf("channel %d: %w", creds.ChannelID, err)
	}
	api, err := p.client(creds.BotToken)
	if err != nil {
		return fmt.Errorf("channel %d: %w", creds.ChannelID, err)
	}

	var msg tgbotapi.MessageConfig
	if username != "" {
		msg = tgbotapi.NewMessageToChannel(username, FormatDeal(deal, link))
	} else {
		msg = tgbotapi.NewMessage(chatID, FormatDeal(deal, link))
	}

	if _, err := api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
			p.forget(creds.BotToken)
		}
		return fmt.Errorf("send deal %s to %s: %w", deal.ASIN, creds.ChatRef, err)
	}
	p.log.Debug("deal posted", "channel_id", creds.ChannelID, "asin", deal.ASIN)
	return nil
}

func (p *Publisher) client(token string) (telegramAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if api, ok := p.clients[token]; ok {
		return api, nil
	}
	api, err := p.newClient(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	p.clients[token] = api
	return api, nil
}

func (p *Publisher) forget(token string) {
	p.mu.Lock()
	delete(p.clients, token)
	p.mu.Unlock()
}
