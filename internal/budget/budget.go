// Package budget tracks the upstream catalog token budget in the shared store.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dealbot/internal/metrics"
)

const (
	fieldTokens    = "tokens"
	fieldRefillAt  = "refill_at"
	fieldUpdatedAt = "updated_at"

	defaultPollInterval = 500 * time.Millisecond
)

// consumeScript deducts ARGV[1] tokens without going below zero.
// ARGV[2] is the full budget used when nothing was observed yet.
var consumeScript = redis.NewScript(`
	local t = redis.call("HGET", KEYS[1], "tokens")
	if not t then
		t = ARGV[2]
	end
	t = tonumber(t) - tonumber(ARGV[1])
	if t < 0 then
		t = 0
	end
	redis.call("HSET", KEYS[1], "tokens", t)
	return t
`)

// Status is the last known budget.
type Status struct {
	Tokens    int
	RefillAt  time.Time
	UpdatedAt time.Time
	// Observed is false until the first authoritative update.
	Observed bool
}

// Manager gatekeeps upstream calls against the shared token budget.
type Manager struct {
	client       *redis.Client
	key          string
	full         int
	log          *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
}

// New creates a Manager storing its state under prefix.
func New(client *redis.Client, prefix string, fullTokens int, log *slog.Logger) *Manager {
	return &Manager{
		client:       client,
		key:          prefix + ":budget",
		full:         fullTokens,
		log:          log,
		now:          time.Now,
		pollInterval: defaultPollInterval,
	}
}

// Status returns the last known budget, defaulting to a full budget.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	vals, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return Status{}, fmt.Errorf("read budget: %w", err)
	}
	st := Status{Tokens: m.full}
	if raw, ok := vals[fieldTokens]; ok {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Status{}, fmt.Errorf("parse tokens %q: %w", raw, err)
		}
		st.Tokens = int(n)
	}
	if raw, ok := vals[fieldRefillAt]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Status{}, fmt.Errorf("parse refill time %q: %w", raw, err)
		}
		st.RefillAt = time.UnixMilli(ms)
	}
	if raw, ok := vals[fieldUpdatedAt]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Status{}, fmt.Errorf("parse update time %q: %w", raw, err)
		}
		st.UpdatedAt = time.UnixMilli(ms)
		st.Observed = true
	}
	return st, nil
}

// Available returns the last known token count.
func (m *Manager) Available(ctx context.Context) (int, error) {
	st, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}
	return st.Tokens, nil
}

// UpdateFromResponse overwrites the local estimate with the budget reported
// by the upstream. Negative reports are stored as zero.
func (m *Manager) UpdateFromResponse(ctx context.Context, tokensLeft int, refillIn time.Duration) error {
	now := m.now()
	tokens := max(tokensLeft, 0)
	err := m.client.HSet(ctx, m.key,
		fieldTokens, tokens,
		fieldRefillAt, now.Add(refillIn).UnixMilli(),
		fieldUpdatedAt, now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("update budget: %w", err)
	}
	metrics.TokensAvailable.Set(float64(tokens))
	m.log.Debug("budget updated", "tokens", tokens, "refill_in", refillIn)
	return nil
}

// CanAfford reports whether cost tokens are available.
func (m *Manager) CanAfford(ctx context.Context, cost int) (bool, error) {
	n, err := m.Available(ctx)
	if err != nil {
		return false, err
	}
	return n >= cost, nil
}

// Consume deducts cost from the local estimate and returns what is left.
func (m *Manager) Consume(ctx context.Context, cost int) (int, error) {
	if cost <= 0 {
		return m.Available(ctx)
	}
	left, err := consumeScript.Run(ctx, m.client, []string{m.key}, cost, m.full).Int()
	if err != nil {
		return 0, fmt.Errorf("consume tokens: %w", err)
	}
	metrics.TokensConsumed.Add(float64(cost))
	metrics.TokensAvailable.Set(float64(left))
	return left, nil
}

// ErrRefillPassed is returned by WaitForTokens when the refill deadline
// passed without the budget becoming sufficient.
var ErrRefillPassed = errors.New("refill deadline passed")

// WaitForTokens polls in small steps until cost tokens are available or the
// known refill deadline passes. It returns nil once the budget suffices.
func (m *Manager) WaitForTokens(ctx context.Context, cost int) error {
	for {
		st, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if st.Tokens >= cost {
			return nil
		}
		until := st.RefillAt.Sub(m.now())
		if until <= 0 {
			return ErrRefillPassed
		}

		timer := time.NewTimer(min(m.pollInterval, until))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
