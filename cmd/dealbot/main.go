package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"dealbot/internal/bot"
	"dealbot/internal/budget"
	"dealbot/internal/cache"
	"dealbot/internal/catalog"
	"dealbot/internal/config"
	"dealbot/internal/prefetch"
	"dealbot/internal/queue"
	"dealbot/internal/scheduler"
	"dealbot/internal/scoring"
	"dealbot/internal/secret"
	"dealbot/internal/storage"
	"dealbot/internal/telemetry"
	"dealbot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	key, err := secret.ParseKey(cfg.SecretKey)
	if err != nil {
		log.Error("parse secret key", "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("parse redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}

	provider, searchCost, verifyCost := newCatalog(cfg, log)
	jobCost := searchCost + verifyCost*cfg.Worker.VerifyTopK

	prefix := cfg.Redis.KeyPrefix
	jobs := queue.New(rdb, prefix, queue.Options{
		MarkerTTL:    cfg.Worker.MarkerTTL,
		RetryPenalty: cfg.Worker.RetryPenalty,
		JobCost:      jobCost,
	}, log.With("component", "queue"))
	deals := cache.New(rdb, prefix, cache.Options{
		FreshThreshold: cfg.Cache.FreshThreshold,
		StaleThreshold: cfg.Cache.StaleThreshold,
		TTL:            cfg.Cache.TTL,
	}, log.With("component", "cache"))
	tokens := budget.New(rdb, prefix, cfg.Budget.FullTokens, log.With("component", "budget"))

	var prefetcher worker.Prefetcher
	if cfg.Prefetch.Enabled {
		prefetcher = prefetch.New(store, jobs, deals, tokens, prefetch.Options{
			Window:     cfg.Prefetch.Window,
			MaxPerTick: cfg.Prefetch.MaxPerTick,
			JobCost:    jobCost,
		}, log.With("component", "prefetch"))
	}

	w := worker.New(worker.Deps{
		Queue:       jobs,
		Cache:       deals,
		Budget:      tokens,
		Catalog:     provider,
		Prefetcher:  prefetcher,
		Store:       store,
		Scorer:      scoring.New(scoring.DefaultWeights),
		Credentials: secret.NewResolver(store, key),
		Publisher:   bot.NewPublisher(log.With("component", "publisher")),
		Telemetry:   telemetry.New(store, log.With("component", "telemetry")),
	}, worker.Options{
		Tick:           cfg.Worker.Tick,
		SearchCost:     searchCost,
		VerifyCost:     verifyCost,
		VerifyTopK:     cfg.Worker.VerifyTopK,
		ResyncInterval: cfg.Worker.ResyncInterval,
		MaxStall:       cfg.Worker.MaxStall,
		JitterFraction: cfg.Worker.JitterFraction,
		AffiliateHost:  cfg.Publish.AmazonHost,
		PublishDelay:   cfg.Publish.Delay,
	}, log.With("component", "worker"))

	sched := scheduler.New(store, jobs, log.With("component", "scheduler"))
	sched.SetTickInterval(cfg.Scheduler.Tick)

	b, err := bot.New(cfg.TelegramBotToken, bot.Deps{
		Store:  store,
		Queue:  jobs,
		Cache:  deals,
		Budget: tokens,
	}, cfg, log.With("component", "bot"))
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	log.Info("starting dealbot", "catalog", provider.Name(), "job_cost", jobCost)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){sched.Run, w.Run, b.Run, serveMetrics(cfg.MetricsAddr, log)} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	wg.Wait()

	log.Info("dealbot stopped")
}

func newCatalog(cfg *config.Config, log *slog.Logger) (catalog.Provider, int, int) {
	client := &http.Client{Timeout: cfg.Catalog.Timeout}
	if cfg.Catalog.Provider == "feed" {
		// Feeds are free to poll and report no budget.
		return catalog.NewFeed(client, log.With("component", "catalog")), 0, 0
	}
	return catalog.NewKeepa(client, catalog.KeepaOptions{
		BaseURL: cfg.Catalog.BaseURL,
		APIKey:  cfg.Catalog.APIKey,
		Domain:  cfg.Catalog.Domain,
	}, log.With("component", "catalog")), cfg.Worker.SearchCost, cfg.Worker.VerifyCost
}

func serveMetrics(addr string, log *slog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		if addr == "" {
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve metrics", "error", err)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
