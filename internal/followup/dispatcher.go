package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/clinic-followups/internal/push"
	"github.com/wolfman30/clinic-followups/pkg/logging"
	"golang.org/x/time/rate"
)

// NotificationRecorder persists dispatch attempts.
type NotificationRecorder interface {
	RecordNotification(ctx context.Context, entry *NotificationLog) error
}

const recordTimeout = 5 * time.Second

// Dispatcher sends one attempt to one clinician through the push gateway.
// Dispatch never returns an error or panics; every failure becomes DispatchResult{Success: false}.
type Dispatcher struct {
	gateway  push.Gateway
	limiter  *rate.Limiter
	recorder NotificationRecorder
	logger   *logging.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher without a rate limit or recorder.
func NewDispatcher(gateway push.Gateway, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
}

// WithRateLimit caps outbound sends per second. perSec <= 0 disables the limit.
func (d *Dispatcher) WithRateLimit(perSec float64) *Dispatcher {
	if perSec <= 0 {
		d.limiter = nil
		return d
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	return d
}

// WithRecorder records every attempt to the notification log.
func (d *Dispatcher) WithRecorder(recorder NotificationRecorder) *Dispatcher {
	d.recorder = recorder
	return d
}

// Dispatch delivers attempt to the clinician's push address.
func (d *Dispatcher) Dispatch(ctx context.Context, clinician Clinician, attempt Attempt) (result DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			err := &DeliveryError{ClinicianID: clinician.ID, Err: fmt.Errorf("panic: %v", r)}
			result = DispatchResult{Success: false, Error: err.Error(), Err: err}
		}
		d.record(ctx, clinician.ID, attempt, result)
	}()

	if err := d.send(ctx, clinician, attempt); err != nil {
		return DispatchResult{Success: false, Error: err.Error(), Err: err}
	}
	return DispatchResult{Success: true}
}

func (d *Dispatcher) send(ctx context.Context, clinician Clinician, attempt Attempt) error {
	if d.gateway == nil {
		return &DeliveryError{ClinicianID: clinician.ID, Err: push.ErrNotConfigured}
	}
	address := strings.TrimSpace(clinician.PushAddress)
	if address == "" {
		return &DeliveryError{ClinicianID: clinician.ID, Err: push.ErrNoAddress}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return &DeliveryError{ClinicianID: clinician.ID, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}
	if err := d.gateway.Send(ctx, address, attempt.Message); err != nil {
		return &DeliveryError{ClinicianID: clinician.ID, Err: err}
	}
	return nil
}

// record is best effort; a failed write never changes the dispatch outcome.
func (d *Dispatcher) record(ctx context.Context, clinicianID uuid.UUID, attempt Attempt, result DispatchResult) {
	if d.recorder == nil {
		return
	}
	entry := &NotificationLog{
		ID:          uuid.New(),
		ClinicianID: clinicianID,
		Title:       attempt.Message.Title,
		Body:        attempt.Message.Body,
		Data:        attempt.Message.Data,
		Success:     result.Success,
		Error:       result.Error,
		SentAt:      d.now().UTC(),
	}
	// The clinician deadline may already have fired; the log write gets its own.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := d.recorder.RecordNotification(rctx, entry); err != nil {
		d.logger.Warn("followup: record notification failed",
			"clinician_id", clinicianID,
			"error", err,
		)
	}
}

// IsMissingAddress reports whether a dispatch failed only because the clinician has no push address.
func IsMissingAddress(result DispatchResult) bool {
	return errors.Is(result.Err, push.ErrNoAddress)
}
