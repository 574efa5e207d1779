// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	_ = godotenv.Load()
}

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string  `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
	SecretKey        string  `envconfig:"SECRET_KEY" required:"true"`
	DatabasePath     string  `envconfig:"DATABASE_PATH" default:"./data/dealbot.db"`
	LogLevel         string  `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr      string  `envconfig:"METRICS_ADDR" default:":9090"`
	AllowedUsers     UserIDs `envconfig:"ALLOWED_USERS"`

	Redis     RedisConfig
	Catalog   CatalogConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Cache     CacheConfig
	Prefetch  PrefetchConfig
	Budget    BudgetConfig
	Publish   PublishConfig
}

// RedisConfig holds the shared key-value store settings.
type RedisConfig struct {
	URL       string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"dealbot"`
}

// CatalogConfig selects and configures the upstream deal catalog.
type CatalogConfig struct {
	Provider string        `envconfig:"CATALOG_PROVIDER" default:"keepa"` // keepa or feed
	BaseURL  string        `envconfig:"CATALOG_BASE_URL" default:"https://api.keepa.com"`
	APIKey   string        `envconfig:"CATALOG_API_KEY"`
	Domain   int           `envconfig:"CATALOG_DOMAIN" default:"1"`
	Timeout  time.Duration `envconfig:"CATALOG_TIMEOUT" default:"30s"`
}

// SchedulerConfig holds due-rule scanning settings.
type SchedulerConfig struct {
	Tick time.Duration `envconfig:"SCHEDULER_TICK" default:"1m"`
}

// WorkerConfig holds queue consumer settings.
type WorkerConfig struct {
	Tick           time.Duration `envconfig:"WORKER_TICK" default:"5s"`
	SearchCost     int           `envconfig:"WORKER_SEARCH_COST" default:"5"`
	VerifyCost     int           `envconfig:"WORKER_VERIFY_COST" default:"1"`
	VerifyTopK     int           `envconfig:"WORKER_VERIFY_TOP_K" default:"10"`
	ResyncInterval time.Duration `envconfig:"WORKER_RESYNC_INTERVAL" default:"30s"`
	MaxStall       time.Duration `envconfig:"WORKER_MAX_STALL" default:"10s"`
	RetryPenalty   float64       `envconfig:"WORKER_RETRY_PENALTY" default:"10"`
	MarkerTTL      time.Duration `envconfig:"WORKER_MARKER_TTL" default:"15m"`
	JitterFraction float64       `envconfig:"WORKER_JITTER_FRACTION" default:"0.1"`
}

// CacheConfig holds freshness thresholds of the category cache.
type CacheConfig struct {
	FreshThreshold time.Duration `envconfig:"CACHE_FRESH_THRESHOLD" default:"10m"`
	StaleThreshold time.Duration `envconfig:"CACHE_STALE_THRESHOLD" default:"30m"`
	TTL            time.Duration `envconfig:"CACHE_TTL" default:"60m"`
}

// PrefetchConfig holds idle-time prefetch settings.
type PrefetchConfig struct {
	Enabled    bool          `envconfig:"PREFETCH_ENABLED" default:"true"`
	Window     time.Duration `envconfig:"PREFETCH_WINDOW" default:"15m"`
	MaxPerTick int           `envconfig:"PREFETCH_MAX_PER_TICK" default:"3"`
}

// BudgetConfig holds upstream token budget settings.
type BudgetConfig struct {
	FullTokens int `envconfig:"BUDGET_FULL_TOKENS" default:"300"`
}

// PublishConfig holds channel publishing settings.
type PublishConfig struct {
	AmazonHost string        `envconfig:"PUBLISH_AMAZON_HOST" default:"www.amazon.com"`
	Delay      time.Duration `envconfig:"PUBLISH_DELAY" default:"50ms"`
}

// UserIDs is a comma-separated list of Telegram user IDs.
type UserIDs []int64

// Decode implements envconfig.Decoder.
func (u *UserIDs) Decode(value string) error {
	var ids []int64
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		ids = append(ids, uid)
	}
	*u = ids
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Catalog.Provider {
	case "keepa":
		if c.Catalog.APIKey == "" {
			return fmt.Errorf("CATALOG_API_KEY is required for the keepa provider")
		}
	case "feed":
	default:
		return fmt.Errorf("unknown CATALOG_PROVIDER %q", c.Catalog.Provider)
	}
	if c.Cache.FreshThreshold >= c.Cache.StaleThreshold {
		return fmt.Errorf("CACHE_FRESH_THRESHOLD (%s) must be below CACHE_STALE_THRESHOLD (%s)",
			c.Cache.FreshThreshold, c.Cache.StaleThreshold)
	}
	if c.Cache.TTL <= c.Cache.StaleThreshold {
		return fmt.Errorf("CACHE_TTL (%s) must be above CACHE_STALE_THRESHOLD (%s)",
			c.Cache.TTL, c.Cache.StaleThreshold)
	}
	if c.Worker.JitterFraction < 0 || c.Worker.JitterFraction >= 1 {
		return fmt.Errorf("WORKER_JITTER_FRACTION must be in [0, 1)")
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
