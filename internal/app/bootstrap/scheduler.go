package bootstrap

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	appconfig "github.com/wolfman30/clinic-followups/internal/config"
	"github.com/wolfman30/clinic-followups/internal/followup"
	"github.com/wolfman30/clinic-followups/internal/lease"
	"github.com/wolfman30/clinic-followups/internal/observability/metrics"
	"github.com/wolfman30/clinic-followups/internal/push"
	"github.com/wolfman30/clinic-followups/pkg/logging"
)

// SchedulerDeps are the collaborators the scheduler is assembled from.
type SchedulerDeps struct {
	Store    *followup.PostgresStore
	Gateway  push.Gateway
	Lease    *lease.RedisLease
	Registry prometheus.Registerer
	Logger   *logging.Logger
}

// SchedulerConfig maps env configuration onto the scheduler's settings.
func SchedulerConfig(cfg *appconfig.Config) (followup.Config, error) {
	cronLoc, err := time.LoadLocation(cfg.CronTimezone)
	if err != nil {
		return followup.Config{}, fmt.Errorf("bootstrap: CRON_TZ %q: %w", cfg.CronTimezone, err)
	}
	if cfg.TriggerHour < 0 || cfg.TriggerHour > 23 {
		return followup.Config{}, fmt.Errorf("bootstrap: FOLLOWUP_TRIGGER_HOUR %d out of range", cfg.TriggerHour)
	}
	if !followup.ValidTimezone(cfg.DefaultTimezone) {
		return followup.Config{}, fmt.Errorf("bootstrap: FOLLOWUP_DEFAULT_TZ %q is not a valid timezone", cfg.DefaultTimezone)
	}
	return followup.Config{
		Schedule:         cfg.ScheduleSpec,
		CronLocation:     cronLoc,
		TriggerHour:      cfg.TriggerHour,
		DefaultTimezone:  cfg.DefaultTimezone,
		PreviewLimit:     cfg.PreviewLimit,
		Workers:          cfg.WorkerCount,
		StoreTimeout:     cfg.StoreTimeout,
		ClinicianTimeout: cfg.ClinicianTimeout,
		CommitTimeout:    cfg.CommitTimeout,
	}, nil
}

// BuildScheduler assembles dispatcher, metrics and optional lease around the store.
func BuildScheduler(cfg *appconfig.Config, deps SchedulerDeps) (*followup.Scheduler, error) {
	schedCfg, err := SchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	dispatcher := followup.NewDispatcher(deps.Gateway, logger).
		WithRateLimit(float64(cfg.PushRatePerSec))
	if deps.Store != nil {
		dispatcher = dispatcher.WithRecorder(deps.Store)
	}

	scheduler := followup.NewScheduler(schedCfg, deps.Store, deps.Store, dispatcher, logger).
		WithMetrics(metrics.NewSchedulerMetrics(deps.Registry))
	if deps.Lease != nil {
		scheduler = scheduler.WithLease(deps.Lease)
	}
	return scheduler, nil
}
