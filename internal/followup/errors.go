package followup

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrClinicianNotFound is returned by the directory when the clinician was removed.
	ErrClinicianNotFound = errors.New("followup: clinician not found")
	// ErrFollowUpNotFound is returned when a follow-up is not owned by the caller or does not exist.
	ErrFollowUpNotFound = errors.New("followup: follow-up not found")
	// ErrTickInProgress is returned when a tick is requested while another one is still running.
	ErrTickInProgress = errors.New("followup: tick already in progress")
	// ErrInvalidTimezone rejects a timezone supplied through the write path.
	ErrInvalidTimezone = errors.New("followup: invalid timezone")
)

// DeliveryError is a transient push failure for one clinician. Nothing is committed.
type DeliveryError struct {
	ClinicianID uuid.UUID
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("followup: deliver to clinician %s: %v", e.ClinicianID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StoreWriteError means a notification was delivered but the notified flags were not written.
// The follow-ups stay eligible and may be announced again on the next window.
type StoreWriteError struct {
	ClinicianID uuid.UUID
	FollowUpIDs []uuid.UUID
	Err         error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("followup: commit %d follow-ups for clinician %s: %v", len(e.FollowUpIDs), e.ClinicianID, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
