// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/alarm"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/api"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/cache"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/clock/system"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/config"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/crawler"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/logging"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/schedule"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/store"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/webpush"
)

// App holds the shared, long-lived services: storage, cache, the crawl
// runner and the HTTP API.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *store.Store
	cache     *cache.Cache
	runner    *schedule.Runner
	apiServer *api.Server
}

// NewApp builds the whole service from configuration, failing fast if
// any dependency cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("initializing services", zap.Int("port", cfg.Server.Port))

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ch, err := cache.New(ctx, cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	clk := system.New()

	fetcher := crawler.NewFetcher(crawler.FetcherConfig{
		UserAgent:     cfg.Upstream.UserAgent,
		Referer:       cfg.Upstream.Referer,
		Timeout:       time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		RatePerSecond: float64(cfg.Upstream.RatePerSecond),
		RateBurst:     cfg.Upstream.RateBurst,
	})
	cr := crawler.New(fetcher, crawler.Config{
		ListURL:        cfg.Upstream.ListURL,
		TimeURL:        cfg.Upstream.TimeURL,
		Concurrency:    cfg.Crawl.Concurrency,
		SlotRetries:    cfg.Crawl.SlotRetries,
		SlotRetryDelay: time.Duration(cfg.Crawl.SlotRetryDelayMs) * time.Millisecond,
	}, logger)

	push, err := webpush.NewClient(nil, webpush.VAPIDKeys{
		PublicKey:  cfg.VAPID.PublicKey,
		PrivateKey: cfg.VAPID.PrivateKey,
		Subject:    cfg.VAPID.Subject,
	}, cfg.VAPID.TopicSeed, cfg.VAPID.TTLSeconds, clk)
	if err != nil {
		return nil, fmt.Errorf("init push client: %w", err)
	}

	engine := alarm.NewEngine(st, push, cfg.Alarm.MaxPerAlarm, logger)

	runner := schedule.NewRunner(cr, st, ch, engine, clk, schedule.Config{
		FullFacilityParts:  cfg.Crawl.FullFacilityParts,
		FullDateParts:      cfg.Crawl.FullDateParts,
		DeltaFacilityParts: cfg.Crawl.DeltaFacilityParts,
		DeltaDays:          cfg.Crawl.DeltaDays,
		NightHour:          cfg.Crawl.NightHour,
		NightFacilities:    cfg.Crawl.NightFacilities,
		Concurrency:        cfg.Crawl.Concurrency,
		SnapshotTTL:        time.Duration(cfg.Crawl.SnapshotTTLSeconds) * time.Second,
	}, logger)

	apiServer := api.NewServer(st, ch, runner, push, clk, cfg.Server.RefreshToken, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		cache:     ch,
		runner:    runner,
		apiServer: apiServer,
	}, nil
}

// Logger exposes the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunOnce executes a single crawl+alarm cycle and returns.
func (a *App) RunOnce(ctx context.Context) error {
	return a.runner.Tick(ctx)
}

// Run starts the HTTP server and the tick loop and blocks until the
// context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.tickLoop(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close()
}

func (a *App) tickLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Crawl.TickSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.runner.Tick(ctx); err != nil {
			a.logger.Warn("tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases all held resources.
func (a *App) Close() error {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return nil
}
