// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"dealbot/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)

	CreateCategory(ctx context.Context, c *model.Category) error
	ListCategories(ctx context.Context) ([]model.Category, error)
	ResolveCategory(ctx context.Context, value string) (*model.Category, error)

	CreateChannel(ctx context.Context, ch *model.Channel) error
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)

	CreateRule(ctx context.Context, r *model.Rule) error
	GetRule(ctx context.Context, id int64) (*model.Rule, error)
	ListRules(ctx context.Context) ([]model.Rule, error)
	ListDueRules(ctx context.Context, now time.Time) ([]model.Rule, error)
	ListRulesDueBetween(ctx context.Context, from, to time.Time) ([]model.Rule, error)
	UpdateRule(ctx context.Context, r *model.Rule) error
	UpdateRuleAfterRun(ctx context.Context, ruleID int64, upd model.RunUpdate) error

	IsDuplicate(ctx context.Context, channelID int64, productID string, now time.Time) (bool, error)
	RecordPublished(ctx context.Context, p *model.PublishedDeal) error
	PurgeExpiredPublished(ctx context.Context, now time.Time) (int64, error)

	InsertRunLog(ctx context.Context, s *model.RunStats) error
	ListRunLogs(ctx context.Context, ruleID int64, limit int) ([]model.RunStats, error)

	Close() error
}
