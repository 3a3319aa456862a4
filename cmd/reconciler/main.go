// Package main is the entry point for the scheduled reconciliation sweep.
//
// It runs as an AWS Lambda triggered on a schedule: every invocation lists
// snapshots whose last reconciliation is older than the staleness window and
// reconciles each against the billing processor, bounded by the configured
// concurrency. Users with no active API session still converge this way.
//
// With APP_ENV=local the worker runs a single sweep and exits, which is how
// it is exercised against LocalStack during development.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"tiergate/internal/billing"
	"tiergate/internal/config"
	"tiergate/internal/db"
	"tiergate/internal/external"
	"tiergate/internal/metrics"
	"tiergate/internal/notifications"
	"tiergate/internal/reconcile"
	"tiergate/internal/types"
)

// worker carries the cold-start wiring shared across invocations.
type worker struct {
	sweeper *reconcile.Sweeper
	pool    *pgxpool.Pool
	logger  types.Logger
}

func main() {
	w, err := newWorker(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if os.Getenv("APP_ENV") == "local" {
		defer w.pool.Close()
		report, err := w.sweeper.Sweep(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sweep: scanned=%d processor=%d cache=%d synthesized=%d\n",
			report.Scanned, report.Processor, report.Cache, report.Synthesized)
		return
	}

	lambda.Start(w.handle)
}

// handle runs one sweep per scheduled invocation.
func (w *worker) handle(ctx context.Context, _ events.CloudWatchEvent) (reconcile.SweepReport, error) {
	return w.sweeper.Sweep(ctx)
}

func newWorker(ctx context.Context) (*worker, error) {
	var provider config.SecretProvider
	if env := os.Getenv("APP_ENV"); env != "" && env != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.Load(provider)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger := types.NewSlogLogger(slogger)
	logger.Info("reconciler worker initializing",
		"environment", cfg.Environment,
		"staleness", cfg.Reconcile.SweepStaleness.String(),
		"concurrency", cfg.Reconcile.SweepConcurrency,
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to profile cache: %w", err)
	}
	repo := db.NewProfileRepository(pool)

	plans, err := billing.NewPlanTable(cfg.Billing.PriceTable)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building plan table: %w", err)
	}

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.RequestTimeout},
		external.StripeClientConfig{
			SecretKey:   cfg.Billing.StripeSecretKey.Unmask(),
			PriceToTier: plans.PriceToTier(),
			Logger:      slogger,
		},
	)

	notices := notifications.NewNoticePublisher(sqs.NewFromConfig(awsCfg), cfg.Notify.QueueURL, logger)
	emitter := metrics.NewCloudWatchEmitter(cloudwatch.NewFromConfig(awsCfg), logger)

	rec := reconcile.NewReconciler(repo, stripeClient, notices, emitter, types.RealClock{}, logger)
	sweeper := reconcile.NewSweeper(rec, repo, reconcile.SweeperConfig{
		Staleness:   cfg.Reconcile.SweepStaleness,
		Concurrency: cfg.Reconcile.SweepConcurrency,
	}, logger)

	return &worker{sweeper: sweeper, pool: pool, logger: logger}, nil
}
