package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"dealbot/internal/model"
	"dealbot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateUser inserts a new user and populates its ID and CreatedAt.
func (s *SQLite) CreateUser(ctx context.Context, u *model.User) error {
	if u.Plan == "" {
		u.Plan = model.PlanFree
	}
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, plan, created_at) VALUES (?, ?, ?)`,
		u.Name, string(u.Plan), now,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	u.CreatedAt = parseTime(now)
	return nil
}

// GetUser returns a single user by its ID.
func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	var plan, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, plan, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &plan, &created)
	if err != nil {
		return nil, wrapNotFound("scan user", err)
	}
	u.Plan = model.Plan(plan)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// CreateCategory inserts a category with a caller-chosen catalog ID.
func (s *SQLite) CreateCategory(ctx context.Context, c *model.Category) error {
	if c.Slug == "" {
		c.Slug = slugify(c.Name)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, slug, feed_url) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Slug, c.FeedURL,
	)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

// ListCategories returns all known categories ordered by name.
func (s *SQLite) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, slug, feed_url FROM categories ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cats []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.FeedURL); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// ResolveCategory maps a rule's category value to a known category.
// The value may be a numeric catalog ID, a name (case-insensitive) or a slug.
// Returns nil without error when nothing matches.
func (s *SQLite) ResolveCategory(ctx context.Context, value string) (*model.Category, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var row *sql.Row
	if id, err := strconv.ParseInt(value, 10, 64); err == nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, name, slug, feed_url FROM categories WHERE id = ?`, id)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, name, slug, feed_url FROM categories
			 WHERE lower(name) = lower(?) OR slug = ? LIMIT 1`, value, slugify(value))
	}

	var c model.Category
	if err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.FeedURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan category: %w", err)
	}
	return &c, nil
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// CreateChannel inserts a new channel and populates its ID and CreatedAt.
func (s *SQLite) CreateChannel(ctx context.Context, ch *model.Channel) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (user_id, name, chat_ref, encrypted_token, affiliate_tag, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ch.UserID, ch.Name, ch.ChatRef, ch.EncryptedToken, ch.AffiliateTag, now,
	)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	ch.ID = id
	ch.CreatedAt = parseTime(now)
	return nil
}

// GetChannel returns a single channel by its ID.
func (s *SQLite) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	var ch model.Channel
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, chat_ref, encrypted_token, affiliate_tag, created_at
		 FROM channels WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.ChatRef, &ch.EncryptedToken, &ch.AffiliateTag, &created)
	if err != nil {
		return nil, wrapNotFound("scan channel", err)
	}
	ch.CreatedAt = parseTime(created)
	return &ch, nil
}

const ruleColumns = `r.id, r.user_id, COALESCE(u.plan, 'free'), r.channel_id, r.name, r.category, r.filters,
	r.deals_per_run, r.min_score, r.publish_mode, r.interval_minutes, r.dedup_window_hours,
	r.is_active, r.next_run_at, r.last_run_at, r.total_runs, r.deals_published,
	r.empty_runs_count, r.created_at
	FROM rules r LEFT JOIN users u ON u.id = r.user_id`

// CreateRule inserts a new rule and populates its ID and CreatedAt.
// A zero NextRunAt makes the rule due immediately.
func (s *SQLite) CreateRule(ctx context.Context, r *model.Rule) error {
	filters, err := json.Marshal(r.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	now := time.Now()
	if r.NextRunAt.IsZero() {
		r.NextRunAt = now
	}
	if r.PublishMode == "" {
		r.PublishMode = model.ModeAny
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (user_id, channel_id, name, category, filters, deals_per_run, min_score,
		   publish_mode, interval_minutes, dedup_window_hours, is_active, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.ChannelID, r.Name, r.Category, string(filters), r.DealsPerRun, r.MinScore,
		string(r.PublishMode), r.IntervalMinutes, r.DedupWindowHours, boolToInt(r.IsActive),
		formatTime(r.NextRunAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.NextRunAt = parseTime(formatTime(r.NextRunAt))
	r.CreatedAt = parseTime(formatTime(now))
	return nil
}

// GetRule returns a single rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id int64) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` WHERE r.id = ?`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, wrapNotFound("get rule", err)
	}
	return r, nil
}

// ListRules returns all rules ordered by ID.
func (s *SQLite) ListRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` ORDER BY r.id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// ListDueRules returns all active rules whose next run time has elapsed.
func (s *SQLite) ListDueRules(ctx context.Context, now time.Time) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+`
		 WHERE r.is_active = 1 AND r.next_run_at <= ?
		 ORDER BY r.next_run_at, r.id`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query due rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// ListRulesDueBetween returns active rules that become due in (from, to].
func (s *SQLite) ListRulesDueBetween(ctx context.Context, from, to time.Time) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+`
		 WHERE r.is_active = 1 AND r.next_run_at > ? AND r.next_run_at <= ?
		 ORDER BY r.next_run_at, r.id`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query upcoming rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// UpdateRule persists the user-editable fields of a rule.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.Rule) error {
	filters, err := json.Marshal(r.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE rules SET name = ?, category = ?, filters = ?, deals_per_run = ?, min_score = ?,
		   publish_mode = ?, interval_minutes = ?, dedup_window_hours = ?, is_active = ?, next_run_at = ?
		 WHERE id = ?`,
		r.Name, r.Category, string(filters), r.DealsPerRun, r.MinScore, string(r.PublishMode),
		r.IntervalMinutes, r.DedupWindowHours, boolToInt(r.IsActive), formatTime(r.NextRunAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// UpdateRuleAfterRun records a finished run and schedules the next one.
func (s *SQLite) UpdateRuleAfterRun(ctx context.Context, ruleID int64, upd model.RunUpdate) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rules SET
		   last_run_at = ?,
		   next_run_at = ?,
		   total_runs = total_runs + 1,
		   deals_published = deals_published + ?,
		   empty_runs_count = CASE
		     WHEN ? = 1 THEN empty_runs_count
		     WHEN ? > 0 THEN 0
		     ELSE empty_runs_count + 1
		   END
		 WHERE id = ?`,
		formatTime(upd.LastRunAt), formatTime(upd.NextRunAt), upd.Published,
		boolToInt(upd.Failed), upd.Published, ruleID,
	)
	if err != nil {
		return fmt.Errorf("update rule after run: %w", err)
	}
	return nil
}

// IsDuplicate reports whether a product was published to a channel and its
// record has not expired yet.
func (s *SQLite) IsDuplicate(ctx context.Context, channelID int64, productID string, now time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM published_deals WHERE channel_id = ? AND product_id = ? AND expires_at > ?`,
		channelID, productID, formatTime(now),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return count > 0, nil
}

// RecordPublished stores or refreshes the dedup record of a published product.
func (s *SQLite) RecordPublished(ctx context.Context, p *model.PublishedDeal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO published_deals (channel_id, product_id, rule_id, title, price, score, published_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, product_id) DO UPDATE SET
		   rule_id = excluded.rule_id,
		   title = excluded.title,
		   price = excluded.price,
		   score = excluded.score,
		   published_at = excluded.published_at,
		   expires_at = excluded.expires_at`,
		p.ChannelID, p.ProductID, p.RuleID, p.Title, p.Price, p.Score,
		formatTime(p.PublishedAt), formatTime(p.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("record published: %w", err)
	}
	return nil
}

// PurgeExpiredPublished deletes dedup records that expired at or before now.
func (s *SQLite) PurgeExpiredPublished(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM published_deals WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge published: %w", err)
	}
	return res.RowsAffected()
}

// InsertRunLog persists the telemetry of one rule run.
func (s *SQLite) InsertRunLog(ctx context.Context, st *model.RunStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (rule_id, job_id, category_id, cache_hit, fetched, after_filters,
		   after_mode, after_score, duplicates, published, failed, score_min, score_max, score_avg,
		   duration_ms, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RuleID, st.JobID, st.CategoryID, boolToInt(st.CacheHit), st.Fetched, st.AfterFilters,
		st.AfterMode, st.AfterScore, st.Duplicates, st.Published, st.Failed, st.ScoreMin,
		st.ScoreMax, st.ScoreAvg, st.Duration.Milliseconds(), st.Error, formatTime(st.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// ListRunLogs returns the most recent run logs of a rule, newest first.
func (s *SQLite) ListRunLogs(ctx context.Context, ruleID int64, limit int) ([]model.RunStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, job_id, category_id, cache_hit, fetched, after_filters, after_mode,
		   after_score, duplicates, published, failed, score_min, score_max, score_avg,
		   duration_ms, error, started_at
		 FROM run_logs WHERE rule_id = ? ORDER BY id DESC LIMIT ?`, ruleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query run logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RunStats
	for rows.Next() {
		var st model.RunStats
		var cacheHit int
		var durationMS int64
		var started string
		if err := rows.Scan(&st.RuleID, &st.JobID, &st.CategoryID, &cacheHit, &st.Fetched,
			&st.AfterFilters, &st.AfterMode, &st.AfterScore, &st.Duplicates, &st.Published,
			&st.Failed, &st.ScoreMin, &st.ScoreMax, &st.ScoreAvg, &durationMS, &st.Error, &started); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		st.CacheHit = cacheHit == 1
		st.Duration = time.Duration(durationMS) * time.Millisecond
		st.StartedAt = parseTime(started)
		out = append(out, st)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRule(row scannable) (*model.Rule, error) {
	var r model.Rule
	var plan, filters, mode, nextRun, created string
	var isActive int
	var lastRun sql.NullString
	err := row.Scan(&r.ID, &r.UserID, &plan, &r.ChannelID, &r.Name, &r.Category, &filters,
		&r.DealsPerRun, &r.MinScore, &mode, &r.IntervalMinutes, &r.DedupWindowHours,
		&isActive, &nextRun, &lastRun, &r.TotalRuns, &r.DealsPublished, &r.EmptyRunsCount, &created)
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	if err := json.Unmarshal([]byte(filters), &r.Filters); err != nil {
		return nil, fmt.Errorf("decode filters of rule %d: %w", r.ID, err)
	}
	r.Plan = model.Plan(plan)
	r.PublishMode = model.PublishMode(mode)
	r.IsActive = isActive == 1
	r.NextRunAt = parseTime(nextRun)
	if lastRun.Valid {
		t := parseTime(lastRun.String)
		r.LastRunAt = &t
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func scanRules(rows *sql.Rows) ([]model.Rule, error) {
	var rules []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}
