package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/analytics"
	"github.com/zoptal/mailflow/internal/api"
	"github.com/zoptal/mailflow/internal/audience"
	"github.com/zoptal/mailflow/internal/automation"
	"github.com/zoptal/mailflow/internal/campaign"
	"github.com/zoptal/mailflow/internal/config"
	"github.com/zoptal/mailflow/internal/directory"
	"github.com/zoptal/mailflow/internal/dispatch"
	"github.com/zoptal/mailflow/internal/dkim"
	"github.com/zoptal/mailflow/internal/message"
	"github.com/zoptal/mailflow/internal/metrics"
	"github.com/zoptal/mailflow/internal/service"
	"github.com/zoptal/mailflow/internal/store"
	"github.com/zoptal/mailflow/internal/suppression"
	"github.com/zoptal/mailflow/internal/template"
)

// App is the main application
type App struct {
	config    *config.Config
	db        *bolt.DB
	directory *directory.Store
	redis     *redis.Client
	service   *service.EmailService
	apiServer *api.Server
	scheduler *campaign.Scheduler
	cleaner   *message.Cleaner
	metrics   *metrics.Server
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	if cfg.Server.Name != "" {
		logger = logger.With("instance", cfg.Server.Name)
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{config: cfg, db: db, logger: logger}
	if err := a.build(); err != nil {
		db.Close()
		if a.redis != nil {
			a.redis.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	var err error
	if cfg.Directory.Path != "" {
		a.directory, err = directory.LoadFile(cfg.Directory.Path, logger.With("component", "directory"))
		if err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}
	} else {
		a.directory = directory.NewStore(nil)
		logger.Warn("no contact directory configured, audiences will be empty")
	}

	suppressions, err := a.setupSuppressions()
	if err != nil {
		return err
	}

	transport, err := a.setupTransport()
	if err != nil {
		return err
	}

	templates, err := template.NewStorage(a.db)
	if err != nil {
		return fmt.Errorf("failed to create template storage: %w", err)
	}
	audiences, err := audience.NewStorage(a.db, a.directory)
	if err != nil {
		return fmt.Errorf("failed to create audience storage: %w", err)
	}
	messages, err := message.NewStorage(a.db)
	if err != nil {
		return fmt.Errorf("failed to create message storage: %w", err)
	}
	campaigns, err := campaign.NewStorage(a.db)
	if err != nil {
		return fmt.Errorf("failed to create campaign storage: %w", err)
	}
	automations, err := automation.NewStorage(a.db)
	if err != nil {
		return fmt.Errorf("failed to create automation storage: %w", err)
	}

	tracker := analytics.NewLog(logger)
	engine := template.NewEngine(cfg.StrictTemplates())

	dispatcher := dispatch.New(messages, templates, engine, transport, tracker, suppressions,
		dispatch.Config{
			Workers:         cfg.Dispatch.Workers,
			DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
			DefaultFrom:     cfg.DefaultSender(),
		},
		logger,
	)

	campaignService := campaign.NewService(campaigns, templates, audiences, dispatcher, suppressions, tracker, logger)
	a.scheduler = campaign.NewScheduler(campaignService, cfg.Campaigns.SchedulerInterval, logger)

	automationEngine := automation.NewEngine(
		automations,
		dispatcher,
		a.directory,
		automation.NewWebhookClient(cfg.Automation.WebhookTimeout, logger),
		tracker,
		automation.Config{DelayUnit: cfg.Automation.DelayUnit},
		logger,
	)

	a.service = service.New(service.Deps{
		Templates:    templates,
		Engine:       engine,
		Audiences:    audiences,
		Messages:     messages,
		Dispatcher:   dispatcher,
		Campaigns:    campaignService,
		Automations:  automationEngine,
		Suppressions: suppressions,
		Tracker:      tracker,
		Logger:       logger,
	})

	a.apiServer = api.NewServer(a.service, &cfg.API, logger)

	if cfg.Storage.Retention != nil && cfg.Storage.Retention.MaxAge > 0 {
		a.cleaner = message.NewCleaner(messages, cfg.Storage.Retention.MaxAge, cfg.Storage.Retention.CleanupInterval,
			logger.With("component", "cleaner"))
		logger.Info("message retention enabled", "max_age", cfg.Storage.Retention.MaxAge)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector = metrics.NewCollector(m, messages, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		a.metrics = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	return nil
}

func (a *App) setupSuppressions() (suppression.Store, error) {
	cfg := a.config.Suppression
	if cfg.Backend != "redis" {
		return suppression.NewMemory(), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a.logger.Info("suppression list backed by redis", "addr", cfg.Redis.Addr)
	return suppression.NewRedis(a.redis, cfg.Redis.KeyPrefix), nil
}

func (a *App) setupTransport() (dispatch.Transport, error) {
	cfg := a.config.Dispatch
	if cfg.Transport != "smtp" {
		a.logger.Info("using simulated transport",
			"max_submit_delay", cfg.Simulation.MaxSubmitDelay,
			"error_probability", cfg.Simulation.ErrorProbability,
		)
		return dispatch.NewSimulatedTransport(dispatch.SimulationConfig{
			MaxSubmitDelay:   cfg.Simulation.MaxSubmitDelay,
			MaxConfirmDelay:  cfg.Simulation.MaxConfirmDelay,
			ErrorProbability: cfg.Simulation.ErrorProbability,
		}), nil
	}

	var signer *dkim.Signer
	if cfg.DKIM.Enabled {
		var err error
		signer, err = dkim.LoadSigner(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		a.logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	a.logger.Info("using SMTP relay transport", "addr", cfg.SMTP.Addr, "starttls", cfg.SMTP.StartTLS)
	return dispatch.NewSMTPTransport(dispatch.SMTPConfig{
		Addr:     cfg.SMTP.Addr,
		Helo:     cfg.SMTP.Helo,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		StartTLS: cfg.SMTP.StartTLS,
		Timeout:  cfg.SMTP.Timeout,
	}, signer, a.logger.With("component", "smtp_transport")), nil
}

// Service returns the composed email service
func (a *App) Service() *service.EmailService {
	return a.service
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailflow",
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Dispatch.Transport,
		"storage", a.config.Storage.Path,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.config.Directory.Watch {
		if err := a.directory.Watch(ctx); err != nil {
			a.logger.Warn("contact directory watch disabled", "error", err)
		}
	}

	a.scheduler.Start(ctx)
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metrics != nil {
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.scheduler.Stop()
	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	// Cancels pending delayed actions and waits for in-flight deliveries
	a.service.Close()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
