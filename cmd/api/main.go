// Package main is the entry point for the TierGate API server.
//
// It loads configuration (with SSM secret resolution outside local mode),
// builds the profile cache, billing processor client, reconciler, and quota
// enforcer, wires the HTTP chassis, and serves until SIGINT/SIGTERM.
// Shutdown drains in dependency order: HTTP listener first, then the
// reconcile runner, then the audit sink, then the database pool.
package main

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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"tiergate/internal/api/handlers"
	"tiergate/internal/audit"
	"tiergate/internal/billing"
	"tiergate/internal/config"
	"tiergate/internal/core"
	"tiergate/internal/db"
	"tiergate/internal/external"
	"tiergate/internal/metrics"
	"tiergate/internal/notifications"
	"tiergate/internal/quota"
	"tiergate/internal/reconcile"
	"tiergate/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// SSM resolution is bypassed in local mode; secrets come straight from
	// the environment there.
	var provider config.SecretProvider
	if env := os.Getenv("APP_ENV"); env != "" && env != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.Load(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	slogger := newLogger(cfg.LogLevel)
	logger := types.NewSlogLogger(slogger)
	logger.Info("tiergate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to profile cache: %w", err)
	}
	defer pool.Close()
	repo := db.NewProfileRepository(pool)

	emitter := metrics.NewCloudWatchEmitter(cloudwatch.NewFromConfig(awsCfg), logger)

	auditSink, err := audit.NewSink(audit.Config{
		Bucket:        cfg.Audit.Bucket,
		Prefix:        cfg.Audit.Prefix,
		BufferSize:    cfg.Audit.BufferSize,
		MaxBatch:      cfg.Audit.MaxBatch,
		FlushInterval: cfg.Audit.FlushInterval,
	}, s3.NewFromConfig(awsCfg), types.RealClock{}, logger)
	if err != nil {
		return fmt.Errorf("creating audit sink: %w", err)
	}

	notices := notifications.NewNoticePublisher(sqs.NewFromConfig(awsCfg), cfg.Notify.QueueURL, logger)

	plans, err := billing.NewPlanTable(cfg.Billing.PriceTable)
	if err != nil {
		return fmt.Errorf("building plan table: %w", err)
	}

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.RequestTimeout},
		external.StripeClientConfig{
			SecretKey:   cfg.Billing.StripeSecretKey.Unmask(),
			PriceToTier: plans.PriceToTier(),
			Logger:      slogger,
		},
	)

	resolver := billing.NewIdentityResolver(repo, stripeClient, auditSink, logger)
	operations := billing.NewOperations(resolver, repo, stripeClient, plans, auditSink, emitter, logger)

	reconciler := reconcile.NewReconciler(repo, stripeClient, notices, emitter, types.RealClock{}, logger)
	feed := reconcile.NewFeed(0, logger)
	runner := reconcile.NewRunner(reconciler, repo, feed, cfg.Reconcile.Interval, logger)

	runnerCtx, stopRunner := context.WithCancel(context.Background())
	go runner.Run(runnerCtx)

	enforcer := quota.NewEnforcer(cfg.Quota.Limits(), runner, emitter, auditSink, logger)

	srv, err := core.NewServer(cfg, logger, auditSink)
	if err != nil {
		stopRunner()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{dbProbe{pool: pool}}

	tierHandler := handlers.NewTierHandler(repo, runner, logger)
	quotaHandler := handlers.NewQuotaHandler(repo, enforcer, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(operations, srv.Validator, cfg.Server.DefaultOrigin, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		runner,
		repo,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		tierHandler.RegisterRoutes,
		quotaHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.MountRoutes()

	err = serveHTTP(ctx, srv, cfg, logger)

	// Drain order: stop refreshing, then flush buffered audit events. The
	// pool closes last via defer.
	stopRunner()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := auditSink.Close(shutdownCtx); closeErr != nil {
		logger.Error("audit sink close failed", "error", closeErr)
	}
	if srvErr := srv.Shutdown(shutdownCtx); srvErr != nil {
		logger.Error("server shutdown error", "error", srvErr)
	}

	return err
}

// serveHTTP runs the listener until the signal context fires or the server
// fails, then shuts the listener down gracefully.
func serveHTTP(ctx context.Context, srv *core.Server, cfg *config.Config, logger types.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	return nil
}

// dbProbe reports profile cache connectivity for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p dbProbe) Name() string { return "database" }

func (p dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// newLogger creates a JSON slog logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
