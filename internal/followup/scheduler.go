package followup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/wolfman30/clinic-followups/internal/lease"
	"github.com/wolfman30/clinic-followups/internal/observability/metrics"
	"github.com/wolfman30/clinic-followups/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("clinic.internal.followup")

// Store is the durable state the tick driver reads and commits to.
type Store interface {
	FindPendingFollowUps(ctx context.Context) ([]PendingFollowUp, error)
	MarkFollowUpsNotified(ctx context.Context, clinicianID uuid.UUID, keys []CommitKey) (int64, error)
}

// Directory resolves clinicians by id.
type Directory interface {
	GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error)
}

// TickLease keeps replicas from evaluating the same tick concurrently.
type TickLease interface {
	TryAcquire(ctx context.Context) (lease.ReleaseFunc, bool, error)
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	Schedule         string
	CronLocation     *time.Location
	TriggerHour      int
	DefaultTimezone  string
	PreviewLimit     int
	Workers          int
	StoreTimeout     time.Duration
	ClinicianTimeout time.Duration
	CommitTimeout    time.Duration
}

// DefaultSchedule fires every fifteen minutes.
const DefaultSchedule = "*/15 * * * *"

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.CronLocation == nil {
		c.CronLocation = time.UTC
	}
	if c.TriggerHour < 0 || c.TriggerHour > 23 {
		c.TriggerHour = DefaultTriggerHour
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = DefaultTimezone
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = DefaultPreviewLimit
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 15 * time.Second
	}
	if c.ClinicianTimeout <= 0 {
		c.ClinicianTimeout = 30 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	return c
}

// Scheduler runs the follow-up reminder pass on a cron trigger. It keeps no memory
// between ticks; whether a follow-up was announced is read from the store every time.
type Scheduler struct {
	cfg        Config
	store      Store
	directory  Directory
	dispatcher *Dispatcher
	metrics    *metrics.SchedulerMetrics
	lease      TickLease
	logger     *logging.Logger
	now        func() time.Time

	tickMu sync.Mutex

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewScheduler wires the tick driver. TriggerHour 0 is a valid hour, so callers
// wanting the default should pass DefaultTriggerHour.
func NewScheduler(cfg Config, store Store, directory Directory, dispatcher *Dispatcher, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		store:      store,
		directory:  directory,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// WithMetrics attaches Prometheus metrics.
func (s *Scheduler) WithMetrics(m *metrics.SchedulerMetrics) *Scheduler {
	s.metrics = m
	return s
}

// WithLease guards each tick with a cross-instance lease.
func (s *Scheduler) WithLease(l TickLease) *Scheduler {
	s.lease = l
	return s
}

// WithClock overrides the wall clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Start registers the periodic trigger. A firing that lands while the previous tick
// is still running is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return errors.New("followup: scheduler already started")
	}

	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.cfg.CronLocation),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("followup: schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("followup scheduler started",
		"schedule", s.cfg.Schedule,
		"cron_tz", s.cfg.CronLocation.String(),
		"trigger_hour", s.cfg.TriggerHour,
		"workers", s.cfg.Workers,
	)
	return nil
}

// Stop unregisters the trigger and waits for a running tick, bounded by ctx.
// An abandoned tick is safe: nothing is committed before a successful dispatch.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
		s.logger.Info("followup scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("followup scheduler stop timed out; abandoning running tick")
		return ctx.Err()
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.Tick(ctx)
	if err != nil {
		if errors.Is(err, ErrTickInProgress) {
			s.logger.Warn("followup: tick skipped, previous tick still running")
			return
		}
		s.logger.Error("followup: tick failed", "error", err)
		return
	}
	if report.GatedOpen > 0 || report.Failed > 0 {
		s.logger.Info("followup: tick complete",
			"clinicians", report.Clinicians,
			"gated_open", report.GatedOpen,
			"dispatched", report.Dispatched,
			"failed", report.Failed,
			"committed_followups", report.CommittedFollowUps,
			"duration_ms", report.Duration.Milliseconds(),
		)
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFailed
	outcomeDispatched
)

type clinicianResult struct {
	outcome      outcome
	gatedOpen    bool
	committed    int
	commitFailed bool
}

// Tick runs one evaluation pass at the current time. Only a failure to read the due
// set is returned as an error; per-clinician failures are counted in the report.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.tickMu.TryLock() {
		s.metrics.ObserveTick("overlap", 0)
		return TickReport{}, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	now := s.now()
	report := TickReport{StartedAt: now.UTC()}

	ctx, span := tracer.Start(ctx, "followup.tick")
	defer span.End()

	if s.lease != nil {
		release, acquired, err := s.lease.TryAcquire(ctx)
		switch {
		case err != nil:
			s.logger.Warn("followup: tick lease unavailable, continuing without it", "error", err)
		case !acquired:
			report.LeaseHeld = true
			s.metrics.ObserveTick("lease_held", 0)
			span.SetAttributes(attribute.Bool("followup.lease_held", true))
			return report, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("followup: release tick lease failed", "error", err)
				}
			}()
		}
	}

	dueSet, err := s.readDueSet(ctx)
	if err != nil {
		report.Duration = s.now().Sub(now)
		s.metrics.ObserveTick("read_error", report.Duration.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "read due set")
		return report, err
	}

	ids := make([]uuid.UUID, 0, len(dueSet))
	for id := range dueSet {
		ids = append(ids, id)
	}
	report.Clinicians = len(ids)
	span.SetAttributes(attribute.Int("followup.clinicians", len(ids)))

	results := make([]clinicianResult, len(ids))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = s.processClinician(ctx, id, dueSet[id], now)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.gatedOpen {
			report.GatedOpen++
		}
		switch r.outcome {
		case outcomeDispatched:
			report.Dispatched++
		case outcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
		report.CommittedFollowUps += r.committed
		if r.commitFailed {
			report.CommitFailures++
		}
	}
	report.Duration = s.now().Sub(now)
	s.metrics.ObserveTick("ok", report.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("followup.dispatched", report.Dispatched),
		attribute.Int("followup.failed", report.Failed),
		attribute.Int("followup.committed", report.CommittedFollowUps),
	)
	return report, nil
}

func (s *Scheduler) readDueSet(ctx context.Context) (DueSet, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	items, err := s.store.FindPendingFollowUps(rctx)
	if err != nil {
		s.logger.Error("followup: read due set failed", "error", err)
		return nil, fmt.Errorf("followup: read due set: %w", err)
	}
	return GroupByClinician(items), nil
}

// processClinician runs resolve, gate, filter, batch, dispatch and commit for one clinician.
// Nothing escapes it, panics included.
func (s *Scheduler) processClinician(ctx context.Context, clinicianID uuid.UUID, items []PendingFollowUp, now time.Time) (res clinicianResult) {
	ctx, span := tracer.Start(ctx, "followup.clinician",
		trace.WithAttributes(attribute.String("followup.clinician_id", clinicianID.String())))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("followup: clinician pipeline panic",
				"clinician_id", clinicianID,
				"panic", fmt.Sprint(r),
			)
			span.SetStatus(codes.Error, "panic")
			res.outcome = outcomeFailed
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClinicianTimeout)
	defer cancel()

	clinician, err := s.directory.GetClinician(cctx, clinicianID)
	if errors.Is(err, ErrClinicianNotFound) {
		s.logger.Info("followup: clinician not found, skipping", "clinician_id", clinicianID)
		return clinicianResult{outcome: outcomeSkipped}
	}
	if err != nil {
		s.logger.Error("followup: clinician lookup failed", "clinician_id", clinicianID, "error", err)
		span.RecordError(err)
		return clinicianResult{outcome: outcomeFailed}
	}

	attempt, open, ok := s.evaluate(*clinician, items, now, true)
	res.gatedOpen = open
	if !ok {
		res.outcome = outcomeSkipped
		return res
	}
	span.SetAttributes(attribute.Int("followup.count", attempt.Count))

	result := s.dispatch(cctx, *clinician, attempt)
	if !result.Success {
		if IsMissingAddress(result) {
			s.metrics.ObserveDispatch("no_address")
			s.logger.Info("followup: clinician has no push address, not dispatched",
				"clinician_id", clinicianID,
				"followup_count", attempt.Count,
			)
		} else {
			s.metrics.ObserveDispatch("failure")
			s.logger.Warn("followup: dispatch failed",
				"clinician_id", clinicianID,
				"followup_count", attempt.Count,
				"error", result.Error,
			)
		}
		res.outcome = outcomeFailed
		return res
	}
	s.metrics.ObserveDispatch("success")
	res.outcome = outcomeDispatched

	n, err := s.commit(ctx, clinicianID, attempt)
	if err != nil {
		res.commitFailed = true
		return res
	}
	res.committed = int(n)
	s.logger.Info("followup: clinician notified",
		"clinician_id", clinicianID,
		"followup_count", attempt.Count,
		"committed", n,
		"timezone", attempt.Timezone,
	)
	return res
}

// evaluate applies timezone resolution, the hour gate, the tomorrow filter and the batcher.
// open reports whether the gate was open; ok whether there is something to send.
func (s *Scheduler) evaluate(clinician Clinician, items []PendingFollowUp, now time.Time, observe bool) (attempt Attempt, open, ok bool) {
	loc, tzName, fellBack := ResolveTimezone(clinician.Timezone, s.cfg.DefaultTimezone)
	if fellBack && observe {
		s.logger.Warn("followup: invalid clinician timezone, using default",
			"clinician_id", clinician.ID,
			"timezone", clinician.Timezone,
			"default", tzName,
		)
		s.metrics.ObserveTimezoneFallback()
	}

	fields := LocalFieldsAt(now, loc)
	if !GateOpen(fields, s.cfg.TriggerHour) {
		return Attempt{}, false, false
	}
	if observe {
		s.metrics.ObserveGateOpen()
	}

	tomorrow := TomorrowKey(fields)
	due := FilterDue(items, loc, tomorrow)
	if len(due) == 0 {
		return Attempt{}, true, false
	}
	return BuildAttempt(clinician, loc, tzName, tomorrow, due, s.cfg.PreviewLimit), true, true
}

func (s *Scheduler) dispatch(ctx context.Context, clinician Clinician, attempt Attempt) DispatchResult {
	ctx, span := tracer.Start(ctx, "followup.dispatch",
		trace.WithAttributes(
			attribute.String("followup.clinician_id", clinician.ID.String()),
			attribute.Int("followup.count", attempt.Count),
		))
	defer span.End()

	if s.dispatcher == nil {
		return DispatchResult{Success: false, Error: "followup: no dispatcher configured"}
	}
	result := s.dispatcher.Dispatch(ctx, clinician, attempt)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

// commit uses its own deadline detached from the clinician's, since the notification
// was already delivered and the write must still be attempted.
func (s *Scheduler) commit(ctx context.Context, clinicianID uuid.UUID, attempt Attempt) (int64, error) {
	ctx, span := tracer.Start(ctx, "followup.commit",
		trace.WithAttributes(
			attribute.String("followup.clinician_id", clinicianID.String()),
			attribute.Int("followup.count", len(attempt.Keys)),
		))
	defer span.End()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()

	n, err := s.store.MarkFollowUpsNotified(cctx, clinicianID, attempt.Keys)
	if err != nil {
		werr := &StoreWriteError{ClinicianID: clinicianID, FollowUpIDs: attempt.FollowUpIDs(), Err: err}
		s.logger.Alert("followup: notification sent but follow-ups not marked notified",
			"clinician_id", clinicianID,
			"followup_ids", werr.FollowUpIDs,
			"error", err,
		)
		s.metrics.ObserveCommitFailure()
		span.RecordError(werr)
		span.SetStatus(codes.Error, "commit")
		return 0, werr
	}
	if int(n) < len(attempt.Keys) {
		s.logger.Warn("followup: some follow-ups changed before commit",
			"clinician_id", clinicianID,
			"dispatched", len(attempt.Keys),
			"committed", n,
		)
	}
	s.metrics.ObserveCommitted(int(n))
	return n, nil
}

// Preview evaluates every clinician at instant at without dispatching or committing.
// Attempts are ordered by clinician id.
func (s *Scheduler) Preview(ctx context.Context, at time.Time) ([]Attempt, error) {
	dueSet, err := s.readDueSet(ctx)
	if err != nil {
		return nil, err
	}
	var attempts []Attempt
	for clinicianID, items := range dueSet {
		clinician, err := s.directory.GetClinician(ctx, clinicianID)
		if errors.Is(err, ErrClinicianNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("followup: preview clinician %s: %w", clinicianID, err)
		}
		if attempt, _, ok := s.evaluate(*clinician, items, at, false); ok {
			attempts = append(attempts, attempt)
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].ClinicianID.String() < attempts[j].ClinicianID.String()
	})
	return attempts, nil
}

// cronLogger adapts *logging.Logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
