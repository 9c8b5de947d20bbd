package followup

import (
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/clinic-followups/internal/push"
)

// PendingFollowUp is one row of the due set: a follow-up that was not yet
// announced, annotated with its patient and owning clinician.
type PendingFollowUp struct {
	ClinicianID uuid.UUID
	PatientID   uuid.UUID
	PatientName string
	FollowUpID  uuid.UUID
	DueAt       *time.Time
	Description string
	Notified    bool
}

// Clinician is the directory view the scheduler needs.
type Clinician struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name,omitempty"`
	Timezone    string    `json:"timezone"`
	PushAddress string    `json:"-"`
}

// FollowUp is the stored follow-up row as returned by the reschedule path.
type FollowUp struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Description string     `json:"description,omitempty"`
	Notified    bool       `json:"notified"`
}

// DueSet groups pending follow-ups by owning clinician. Order within a group is irrelevant.
type DueSet map[uuid.UUID][]PendingFollowUp

// CommitKey identifies a dispatched follow-up together with the due instant that was announced.
type CommitKey struct {
	FollowUpID uuid.UUID
	DueAt      time.Time
}

// PreviewEntry is the client-facing summary of one follow-up in a notification.
type PreviewEntry struct {
	PatientID    string `json:"patientId"`
	PatientName  string `json:"patientName"`
	FollowUpDate string `json:"followUpDate"`
}

// Attempt is the per-tick grouping of one clinician's due follow-ups and the message built for them.
// Keys always covers every due follow-up; Preview is truncated for display only.
type Attempt struct {
	ClinicianID uuid.UUID      `json:"clinician_id"`
	Timezone    string         `json:"timezone"`
	TomorrowKey DateKey        `json:"tomorrow"`
	Count       int            `json:"count"`
	Preview     []PreviewEntry `json:"preview"`
	Message     push.Message   `json:"message"`
	Keys        []CommitKey    `json:"-"`
}

// FollowUpIDs returns the ids the attempt commits on success.
func (a Attempt) FollowUpIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(a.Keys))
	for _, k := range a.Keys {
		ids = append(ids, k.FollowUpID)
	}
	return ids
}

// DispatchResult is the outcome of one push dispatch. Err keeps the typed cause for callers in-process.
type DispatchResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

// NotificationLog records one dispatch attempt.
type NotificationLog struct {
	ID          uuid.UUID         `json:"id"`
	ClinicianID uuid.UUID         `json:"clinician_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	SentAt      time.Time         `json:"sent_at"`
}

// TickReport summarizes one evaluation pass.
type TickReport struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	Clinicians         int           `json:"clinicians"`
	GatedOpen          int           `json:"gated_open"`
	Dispatched         int           `json:"dispatched"`
	Failed             int           `json:"failed"`
	CommittedFollowUps int           `json:"committed_followups"`
	CommitFailures     int           `json:"commit_failures"`
	Skipped            int           `json:"skipped"`
	LeaseHeld          bool          `json:"lease_held,omitempty"`
}
