package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/stockpile/internal"
	"github.com/DukeRupert/stockpile/internal/email"
	"github.com/DukeRupert/stockpile/internal/events"
	"github.com/DukeRupert/stockpile/internal/handler"
	"github.com/DukeRupert/stockpile/internal/identity"
	"github.com/DukeRupert/stockpile/internal/identity/mock"
	"github.com/DukeRupert/stockpile/internal/identity/supabase"
	"github.com/DukeRupert/stockpile/internal/middleware"
	"github.com/DukeRupert/stockpile/internal/pagestore"
	"github.com/DukeRupert/stockpile/internal/reset"
	"github.com/DukeRupert/stockpile/internal/service"
	"github.com/DukeRupert/stockpile/internal/store"
	"github.com/DukeRupert/stockpile/internal/worker"
	"github.com/DukeRupert/stockpile/web"
	goredis "github.com/redis/go-redis/v9"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	isSecure := cfg.IsProduction()

	// ==========================================================================
	// Backing services
	// ==========================================================================

	var sessions store.SessionStore
	if cfg.DatabaseURL != "" {
		db, err := internal.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if err := internal.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		sessions = store.NewPostgresSessionStore(db)
		logger.Info("Database ready")
	} else {
		sessions = store.NewMemorySessionStore()
		logger.Warn("DATABASE_URL not set, sessions are kept in memory")
	}

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb, err = pagestore.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rdb.Close()
		logger.Info("Redis ready")
	}

	var pages pagestore.Store
	var rateLimits *middleware.AuthRateLimiter
	if rdb != nil {
		pages = pagestore.NewRedisStore(rdb, cfg.ResetPageTTL)
		rateLimits = middleware.NewRedisAuthRateLimiter(rdb, middleware.DefaultAuthRateLimits(), logger)
	} else {
		pages = pagestore.NewMemoryStore(cfg.ResetPageTTL)
		rateLimits = middleware.NewAuthRateLimiter(middleware.DefaultAuthRateLimits(), logger)
	}
	defer rateLimits.Stop()

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("event publisher initialization failed: %w", err)
	}
	defer closePublisher()

	provider, err := newIdentityProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("identity provider initialization failed: %w", err)
	}
	logger.Info("Identity provider ready", "provider", cfg.IdentityProvider, "verify_reset_links", cfg.ResetVerifyToken)

	// ==========================================================================
	// Services and handlers
	// ==========================================================================

	renderer, err := handler.NewRenderer(handler.RendererConfig{
		FS:     web.Templates(),
		Logger: logger,
		IsDev:  cfg.Env == "development",
	})
	if err != nil {
		return fmt.Errorf("renderer initialization failed: %w", err)
	}
	logger.Info("Templates loaded", "count", len(renderer.ListTemplates()))

	authService := service.NewAuthService(provider, sessions, publisher, service.AuthServiceConfig{}, logger)

	flows := reset.NewFlows(provider, publisher, reset.Config{
		RedirectURL: cfg.ResetRedirectURL(),
		VerifyToken: cfg.ResetVerifyToken,
	}, logger, reset.WithSessionRevoker(authService))
	controller := reset.NewController(flows, pages, cfg.ResetBusyTTL, logger)

	a := &app{
		logger:       logger,
		isSecure:     isSecure,
		static:       web.Static(),
		authHandler:  handler.NewAuthHandler(authService, rateLimits, renderer, logger, isSecure, service.DefaultSessionDuration),
		resetHandler: handler.NewResetHandler(controller, renderer, logger, isSecure),
		homeHandler:  handler.NewHomeHandler(renderer, logger, isSecure),
		authMw:       middleware.NewAuthMiddleware(authService, logger, isSecure),
		rateLimits:   rateLimits,
		metricsAuth:  middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword),
	}

	// ==========================================================================
	// Background sweeper
	// ==========================================================================

	sweepConfig := worker.DefaultConfig()
	sweepConfig.Interval = cfg.SweepInterval
	if sweepConfig.TaskTimeout > sweepConfig.Interval {
		sweepConfig.TaskTimeout = sweepConfig.Interval
	}
	sweeper, err := worker.New(sweepConfig, logger)
	if err != nil {
		return fmt.Errorf("sweeper initialization failed: %w", err)
	}
	sweeper.Register(worker.SessionCleanup(authService))
	sweeper.Register(worker.PageCleanup(pages))

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweeper.Start(sweepCtx)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Covers the slowest provider call plus its retries
		WriteTimeout: time.Duration(cfg.IdentityMaxRetries+1)*cfg.IdentityRequestTimeout + 10*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "base_url", cfg.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a failed listener
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	cancelSweep()
	sweeper.Stop()

	logger.Info("Graceful shutdown complete")
	return nil
}

// newIdentityProvider selects the identity provider named by IDENTITY_PROVIDER.
func newIdentityProvider(cfg *internal.Config, logger *slog.Logger) (identity.Provider, error) {
	if cfg.IdentityProvider == internal.IdentitySupabase {
		client, err := supabase.New(supabase.Config{
			URL:       cfg.SupabaseURL,
			AnonKey:   cfg.SupabaseAnonKey,
			JWTSecret: cfg.SupabaseJWTSecret,
			ProviderConfig: identity.Config{
				MaxRetries:     cfg.IdentityMaxRetries,
				RequestTimeout: cfg.IdentityRequestTimeout,
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	mailer, err := newEmailService(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Warn("Using the in-memory identity provider; accounts do not survive a restart")
	return mock.New(logger, mock.WithMailer(mailer)), nil
}

// newEmailService selects the mailer used by the in-memory identity provider.
func newEmailService(cfg *internal.Config, logger *slog.Logger) (email.EmailService, error) {
	if cfg.EmailProvider == internal.EmailSMTP {
		svc, err := email.NewSMTPEmailService(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}, logger)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
	return email.NewLogEmailService(logger), nil
}

// newPublisher connects to RabbitMQ when AMQP_URL is set and falls back to
// logging events otherwise. The returned func closes the connection.
func newPublisher(cfg *internal.Config, logger *slog.Logger) (events.Publisher, func(), error) {
	if cfg.AMQPURL == "" {
		return events.NewLogPublisher(logger), func() {}, nil
	}

	conn, ch, err := events.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("RabbitMQ ready", "exchange", events.Exchange)

	closeFn := func() {
		for _, c := range []io.Closer{ch, conn} {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close RabbitMQ", "error", err)
			}
		}
	}
	return events.NewRabbitMQPublisher(ch, logger), closeFn, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
