package bot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"dealbot/internal/budget"
	"dealbot/internal/cache"
	"dealbot/internal/config"
	"dealbot/internal/model"
	"dealbot/internal/queue"
	"dealbot/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID   int64
	Channel  string
	Text     string
	Keyboard bool
}

type mockAPI struct {
	mu      sync.Mutex
	sent    []sentMsg
	acks    []string
	sendErr error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg := c.(type) {
	case tgbotapi.MessageConfig:
		if m.sendErr != nil {
			return tgbotapi.Message{}, m.sendErr
		}
		m.sent = append(m.sent, sentMsg{
			ChatID:   msg.ChatID,
			Channel:  msg.ChannelUsername,
			Text:     msg.Text,
			Keyboard: msg.ReplyMarkup != nil,
		})
	case tgbotapi.CallbackConfig:
		m.acks = append(m.acks, msg.CallbackQueryID)
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) last() sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMsg{}
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockAPI) lastText() string {
	return m.last().Text
}

func (m *mockAPI) allTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Text
	}
	return out
}

func (m *mockAPI) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.acks = nil
}

// --- helpers ---

var electronics = model.Category{ID: 172282, Name: "Electronics"}

type testEnv struct {
	bot    *Bot
	api    *mockAPI
	store  *storage.SQLite
	queue  *queue.Queue
	cache  *cache.Cache
	budget *budget.Manager
}

func newTestBot(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cat := electronics
	if err := store.CreateCategory(context.Background(), &cat); err != nil {
		t.Fatalf("create category: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		api:    &mockAPI{},
		store:  store,
		queue:  queue.New(client, "test", queue.Options{MarkerTTL: 15 * time.Minute, RetryPenalty: 10, JobCost: 15}, log),
		cache:  cache.New(client, "test", cache.Options{FreshThreshold: 10 * time.Minute, StaleThreshold: 30 * time.Minute, TTL: time.Hour}, log),
		budget: budget.New(client, "test", 300, log),
	}
	env.bot = newBot(env.api, Deps{
		Store:  store,
		Queue:  env.queue,
		Cache:  env.cache,
		Budget: env.budget,
	}, &config.Config{}, log)
	return env
}

func seedRule(t *testing.T, store *storage.SQLite, name, category string, active bool) *model.Rule {
	t.Helper()
	ctx := context.Background()
	u := &model.User{Name: name, Plan: model.PlanPro}
	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	ch := &model.Channel{UserID: u.ID, Name: name, ChatRef: "@" + name}
	if err := store.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	r := &model.Rule{
		UserID:          u.ID,
		ChannelID:       ch.ID,
		Name:            name,
		Category:        category,
		DealsPerRun:     3,
		IntervalMinutes: 60,
		IsActive:        active,
		NextRunAt:       time.Now().Add(time.Hour),
	}
	if err := store.CreateRule(ctx, r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

// --- handler tests ---

func TestHandleStart(t *testing.T) {
	env := newTestBot(t)
	env.bot.handleStart(100)
	requireContains(t, env.api.lastText(), "operator bot")
}

func TestHandleHelp(t *testing.T) {
	env := newTestBot(t)
	env.bot.handleHelp(100)
	requireContains(t, env.api.lastText(), "/status")
	requireContains(t, env.api.lastText(), "/refreshall")
}

func TestHandleStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh install", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleStatus(ctx, 100)
		reply := env.api.lastText()
		requireContains(t, reply, "Queue: 0 job(s) waiting")
		requireContains(t, reply, "Tokens: 300 (assumed")
		requireContains(t, reply, "hit rate 0%")
	})

	t.Run("after activity", func(t *testing.T) {
		env := newTestBot(t)
		r := seedRule(t, env.store, "deals", "electronics", true)
		if _, err := env.queue.EnqueueOrAttach(ctx, electronics, model.NewWaitingRule(r)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if err := env.cache.Save(ctx, electronics.ID, nil, model.SourceAutomation); err != nil {
			t.Fatalf("save cache: %v", err)
		}
		if _, err := env.cache.CheckStatus(ctx, electronics.ID); err != nil {
			t.Fatalf("check cache: %v", err)
		}
		if err := env.budget.UpdateFromResponse(ctx, 120, 5*time.Minute); err != nil {
			t.Fatalf("update budget: %v", err)
		}

		env.bot.handleStatus(ctx, 100)
		reply := env.api.lastText()
		requireContains(t, reply, "Queue: 1 job(s) waiting")
		requireContains(t, reply, "created 1")
		requireContains(t, reply, "1 hit(s), 0 miss(es), hit rate 100%")
		requireContains(t, reply, "Tokens: 120, refill in")
	})
}

func TestHandleQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleQueue(ctx, 100)
		requireContains(t, env.api.lastText(), "Queue is empty.")
	})

	t.Run("lists jobs", func(t *testing.T) {
		env := newTestBot(t)
		r1 := seedRule(t, env.store, "one", "electronics", true)
		r2 := seedRule(t, env.store, "two", "electronics", true)
		for _, r := range []*model.Rule{r1, r2} {
			if _, err := env.queue.EnqueueOrAttach(ctx, electronics, model.NewWaitingRule(r)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		env.bot.handleQueue(ctx, 100)
		reply := env.api.lastText()
		requireContains(t, reply, "Electronics [search, queued]")
		requireContains(t, reply, "2 rule(s)")
	})
}

func TestHandleRules(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleRules(ctx, 100)
		requireContains(t, env.api.lastText(), "No rules configured.")
	})

	t.Run("with rules", func(t *testing.T) {
		env := newTestBot(t)
		seedRule(t, env.store, "gadgets", "electronics", true)
		seedRule(t, env.store, "reads", "books", false)
		env.bot.handleRules(ctx, 100)
		reply := env.api.lastText()
		requireContains(t, reply, "#1 gadgets  (electronics, every 60 min) [active]")
		requireContains(t, reply, "#2 reads  (books, every 60 min) [paused]")
	})
}

func TestHandleRule(t *testing.T) {
	ctx := context.Background()

	t.Run("bad args", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleRule(ctx, 100, "")
		requireContains(t, env.api.lastText(), "Usage: /rule")
	})

	t.Run("not found", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleRule(ctx, 100, "999")
		requireContains(t, env.api.lastText(), "Rule #999 not found.")
	})

	t.Run("success with keyboard and runs", func(t *testing.T) {
		env := newTestBot(t)
		r := seedRule(t, env.store, "gadgets", "electronics", true)
		st := &model.RunStats{RuleID: r.ID, JobID: "j1", CategoryID: electronics.ID, Fetched: 12, Published: 2, StartedAt: time.Now()}
		if err := env.store.InsertRunLog(ctx, st); err != nil {
			t.Fatalf("insert run log: %v", err)
		}

		env.bot.handleRule(ctx, 100, "1")
		got := env.api.last()
		requireContains(t, got.Text, "#1 gadgets [active]")
		requireContains(t, got.Text, "Plan: pro")
		requireContains(t, got.Text, "12 deal(s), 2 published")
		if !got.Keyboard {
			t.Error("rule info should carry an inline keyboard")
		}
	})
}

func TestHandlePauseResume(t *testing.T) {
	ctx := context.Background()
	env := newTestBot(t)
	seedRule(t, env.store, "gadgets", "electronics", true)

	env.bot.handlePause(ctx, 100, "1")
	requireContains(t, env.api.lastText(), "Rule #1 \"gadgets\" paused.")
	r, err := env.store.GetRule(ctx, 1)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if diff := cmp.Diff(false, r.IsActive); diff != "" {
		t.Errorf("active after pause (-want +got):\n%s", diff)
	}

	env.bot.handleResume(ctx, 100, "#1")
	requireContains(t, env.api.lastText(), "Rule #1 \"gadgets\" resumed.")
	r, err = env.store.GetRule(ctx, 1)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if diff := cmp.Diff(true, r.IsActive); diff != "" {
		t.Errorf("active after resume (-want +got):\n%s", diff)
	}

	env.bot.handlePause(ctx, 100, "abc")
	requireContains(t, env.api.lastText(), "Usage: /pause")
}

func TestHandleRun(t *testing.T) {
	ctx := context.Background()

	t.Run("paused rule", func(t *testing.T) {
		env := newTestBot(t)
		seedRule(t, env.store, "gadgets", "electronics", false)
		env.bot.handleRun(ctx, 100, "1")
		requireContains(t, env.api.lastText(), "is paused")
	})

	t.Run("unknown category", func(t *testing.T) {
		env := newTestBot(t)
		seedRule(t, env.store, "garden", "garden", true)
		env.bot.handleRun(ctx, 100, "1")
		requireContains(t, env.api.lastText(), "unknown category \"garden\"")
	})

	t.Run("queues once per category", func(t *testing.T) {
		env := newTestBot(t)
		seedRule(t, env.store, "one", "electronics", true)
		seedRule(t, env.store, "two", "Electronics", true)

		env.bot.handleRun(ctx, 100, "1")
		requireContains(t, env.api.lastText(), "Rule #1 queued for Electronics")
		env.bot.handleRun(ctx, 100, "2")
		requireContains(t, env.api.lastText(), "Rule #2 queued for Electronics")

		jobs, err := env.queue.List(ctx, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if diff := cmp.Diff(1, len(jobs)); diff != "" {
			t.Fatalf("job count (-want +got):\n%s", diff)
		}
		var ids []int64
		for _, r := range jobs[0].Rules {
			ids = append(ids, r.RuleID)
		}
		if diff := cmp.Diff([]int64{1, 2}, ids); diff != "" {
			t.Errorf("waiting rules (-want +got):\n%s", diff)
		}
	})
}

func TestHandleRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("usage", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleRefresh(ctx, 100, "")
		requireContains(t, env.api.lastText(), "Usage: /refresh")
	})

	t.Run("unknown category", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleRefresh(ctx, 100, "garden")
		requireContains(t, env.api.lastText(), "Category \"garden\" not found.")
	})

	t.Run("drops entry", func(t *testing.T) {
		env := newTestBot(t)
		if err := env.cache.Save(ctx, electronics.ID, []model.Deal{{ASIN: "B0TEST0001"}}, model.SourcePrefetch); err != nil {
			t.Fatalf("save cache: %v", err)
		}
		env.bot.handleRefresh(ctx, 100, "electronics")
		requireContains(t, env.api.lastText(), "Cache of Electronics dropped.")

		got, err := env.cache.Peek(ctx, electronics.ID)
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if diff := cmp.Diff(model.StatusMissing, got.Status); diff != "" {
			t.Errorf("status (-want +got):\n%s", diff)
		}
	})
}

func TestHandleRefreshAll(t *testing.T) {
	ctx := context.Background()
	env := newTestBot(t)
	for _, id := range []int64{1, 2} {
		if err := env.cache.Save(ctx, id, nil, model.SourceAutomation); err != nil {
			t.Fatalf("save cache: %v", err)
		}
	}
	env.bot.handleRefreshAll(ctx, 100)
	requireContains(t, env.api.lastText(), "Dropped 2 cached categories.")

	env.bot.handleRefreshAll(ctx, 100)
	requireContains(t, env.api.lastText(), "Dropped 0 cached categories.")
}

func makeMsg(userID int64, cmd, args string) *tgbotapi.Message {
	text := "/" + cmd
	if args != "" {
		text += " " + args
	}
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: 100},
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len("/" + cmd)},
		},
	}
}

func TestHandleCommand(t *testing.T) {
	ctx := context.Background()
	env := newTestBot(t)
	seedRule(t, env.store, "gadgets", "electronics", true)

	cmds := []struct {
		cmd      string
		args     string
		contains string
	}{
		{"start", "", "operator bot"},
		{"help", "", "/run <id>"},
		{"status", "", "Queue:"},
		{"queue", "", "Queue is empty."},
		{"rules", "", "#1 gadgets"},
		{"rule", "1", "Category: electronics"},
		{"pause", "1", "paused."},
		{"resume", "1", "resumed."},
		{"run", "1", "queued for Electronics"},
		{"refresh", "electronics", "dropped"},
		{"refreshall", "", "Dropped"},
		{"unknown_cmd", "", "Unknown command"},
	}
	for _, tc := range cmds {
		env.api.reset()
		env.bot.handleCommand(ctx, makeMsg(1, tc.cmd, tc.args))
		requireContains(t, env.api.lastText(), tc.contains)
	}
}

func TestHandleUpdateAccess(t *testing.T) {
	ctx := context.Background()
	env := newTestBot(t)
	env.bot.cfg = &config.Config{AllowedUsers: config.UserIDs{1}}

	env.bot.handleUpdate(ctx, tgbotapi.Update{Message: makeMsg(2, "status", "")})
	requireContains(t, env.api.lastText(), "Access denied.")

	env.api.reset()
	env.bot.handleUpdate(ctx, tgbotapi.Update{Message: makeMsg(1, "status", "")})
	requireContains(t, env.api.lastText(), "Queue: 0 job(s) waiting")

	env.api.reset()
	env.bot.handleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb0",
		From:    &tgbotapi.User{ID: 2},
		Data:    "run:1",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
	}})
	if diff := cmp.Diff(0, len(env.api.allTexts())); diff != "" {
		t.Errorf("denied callback sent messages (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"cb0"}, env.api.acks); diff != "" {
		t.Errorf("acks (-want +got):\n%s", diff)
	}
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	callback := func(id, data string) *tgbotapi.CallbackQuery {
		return &tgbotapi.CallbackQuery{
			ID:      id,
			From:    &tgbotapi.User{ID: 1, UserName: "ops"},
			Data:    data,
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
		}
	}

	t.Run("invalid data format", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleCallback(ctx, callback("cb1", "nocolon"))
		if diff := cmp.Diff(0, len(env.api.allTexts())); diff != "" {
			t.Errorf("expected no text messages (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"cb1"}, env.api.acks); diff != "" {
			t.Errorf("acks (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleCallback(ctx, callback("cb2", "run:abc"))
		if diff := cmp.Diff(0, len(env.api.allTexts())); diff != "" {
			t.Errorf("expected no text messages (-want +got):\n%s", diff)
		}
	})

	t.Run("pause then run", func(t *testing.T) {
		env := newTestBot(t)
		seedRule(t, env.store, "gadgets", "electronics", true)

		env.bot.handleCallback(ctx, callback("cb3", "pause:1"))
		requireContains(t, env.api.lastText(), "paused.")

		env.bot.handleCallback(ctx, callback("cb4", "run:1"))
		requireContains(t, env.api.lastText(), "is paused")

		env.bot.handleCallback(ctx, callback("cb5", "resume:1"))
		env.bot.handleCallback(ctx, callback("cb6", "run:1"))
		requireContains(t, env.api.lastText(), "queued for Electronics")
	})

	t.Run("rule callback", func(t *testing.T) {
		env := newTestBot(t)
		seedRule(t, env.store, "gadgets", "electronics", true)
		env.bot.handleCallback(ctx, callback("cb7", "rule:1"))
		requireContains(t, env.api.lastText(), "#1 gadgets [active]")
	})
}
