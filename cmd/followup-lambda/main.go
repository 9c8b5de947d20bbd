package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-followups/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-followups/internal/config"
	"github.com/wolfman30/clinic-followups/internal/followup"
	"github.com/wolfman30/clinic-followups/pkg/logging"

	_ "time/tzdata"
)

type ticker interface {
	Tick(ctx context.Context) (followup.TickReport, error)
}

func main() {
	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, "json")
	ctx := context.Background()

	pool, err := bootstrap.BuildDBPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	gateway, _, err := bootstrap.BuildPushGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build push gateway", "error", err)
		os.Exit(1)
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)

	scheduler, err := bootstrap.BuildScheduler(cfg, bootstrap.SchedulerDeps{
		Store:    followup.NewPostgresStore(pool),
		Gateway:  gateway,
		Lease:    bootstrap.BuildTickLease(redisClient, cfg),
		Registry: prometheus.NewRegistry(),
		Logger:   logger,
	})
	if err != nil {
		logger.Error("invalid scheduler configuration", "error", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (followup.TickReport, error) {
		return handle(ctx, scheduler, logger, evt)
	})
}

// handle runs one pass per scheduled event. An overlapping invocation succeeds without ticking.
func handle(ctx context.Context, s ticker, logger *logging.Logger, evt events.CloudWatchEvent) (followup.TickReport, error) {
	logger.Info("scheduled event received", "event_id", evt.ID, "source", evt.Source, "time", evt.Time)
	report, err := s.Tick(ctx)
	if errors.Is(err, followup.ErrTickInProgress) {
		logger.Warn("tick already running, skipping event", "event_id", evt.ID)
		return report, nil
	}
	if err != nil {
		return report, err
	}
	logger.Info("tick complete",
		"clinicians", report.Clinicians,
		"dispatched", report.Dispatched,
		"failed", report.Failed,
		"committed", report.CommittedFollowUps,
	)
	return report, nil
}
