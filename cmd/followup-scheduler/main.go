package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-followups/internal/api/router"
	"github.com/wolfman30/clinic-followups/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-followups/internal/config"
	"github.com/wolfman30/clinic-followups/internal/followup"
	"github.com/wolfman30/clinic-followups/pkg/logging"

	_ "time/tzdata"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting follow-up scheduler",
		"env", cfg.Env,
		"port", cfg.Port,
		"schedule", cfg.ScheduleSpec,
		"push_provider", cfg.PushProvider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.BuildDBPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := followup.NewPostgresStore(pool)

	gateway, closeGateway, err := bootstrap.BuildPushGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build push gateway", "error", err)
		os.Exit(1)
	}
	defer closeGateway()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	scheduler, err := bootstrap.BuildScheduler(cfg, bootstrap.SchedulerDeps{
		Store:    store,
		Gateway:  gateway,
		Lease:    bootstrap.BuildTickLease(redisClient, cfg),
		Registry: prometheus.DefaultRegisterer,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("invalid scheduler configuration", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: router.New(&router.Config{
			Logger:             logger,
			FollowUpHandler:    followup.NewHandler(store, logger),
			AuthSecret:         cfg.AuthJWTSecret,
			MetricsHandler:     promhttp.Handler(),
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			APIRatePerSec:      cfg.APIRatePerSec,
			APIRateBurst:       cfg.APIRateBurst,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler did not drain before deadline", "error", err)
	}
	logger.Info("follow-up scheduler stopped")
}
