package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads the due set and writes notified flags, the notification log
// and clinician push settings.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store over a pgx pool or connection.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// FindPendingFollowUps returns every follow-up with notified = false along with its
// patient and owning clinician.
func (s *PostgresStore) FindPendingFollowUps(ctx context.Context) ([]PendingFollowUp, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.clinician_id, p.id, p.name, f.id, f.due_at, COALESCE(f.description, ''), f.notified
		FROM follow_ups f
		JOIN patients p ON p.id = f.patient_id
		WHERE f.notified = false`)
	if err != nil {
		return nil, fmt.Errorf("followup: find pending: %w", err)
	}
	defer rows.Close()

	var out []PendingFollowUp
	for rows.Next() {
		var item PendingFollowUp
		if err := rows.Scan(&item.ClinicianID, &item.PatientID, &item.PatientName,
			&item.FollowUpID, &item.DueAt, &item.Description, &item.Notified); err != nil {
			return nil, fmt.Errorf("followup: scan pending: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("followup: find pending rows: %w", err)
	}
	return out, nil
}

// MarkFollowUpsNotified flips notified for exactly the dispatched follow-ups in one
// statement. A row only matches while it still belongs to the clinician, is still
// unannounced, and still has the due instant that was announced.
func (s *PostgresStore) MarkFollowUpsNotified(ctx context.Context, clinicianID uuid.UUID, keys []CommitKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ids := make([]string, len(keys))
	dues := make([]time.Time, len(keys))
	for i, k := range keys {
		ids[i] = k.FollowUpID.String()
		dues[i] = k.DueAt.UTC()
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE follow_ups f
		SET notified = true, updated_at = now()
		FROM unnest($2::uuid[], $3::timestamptz[]) AS d(id, due_at), patients p
		WHERE f.id = d.id
		  AND f.due_at = d.due_at
		  AND f.notified = false
		  AND p.id = f.patient_id
		  AND p.clinician_id = $1`,
		clinicianID, ids, dues,
	)
	if err != nil {
		return 0, fmt.Errorf("followup: mark notified: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetClinician returns the clinician's timezone and push address.
func (s *PostgresStore) GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	var c Clinician
	err := s.db.QueryRow(ctx, `
		SELECT id, name, timezone, COALESCE(push_token, '')
		FROM clinicians
		WHERE id = $1`, id).Scan(&c.ID, &c.Name, &c.Timezone, &c.PushAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClinicianNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("followup: get clinician: %w", err)
	}
	return &c, nil
}

// RecordNotification inserts one notification log entry.
func (s *PostgresStore) RecordNotification(ctx context.Context, entry *NotificationLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}
	var data []byte
	if len(entry.Data) > 0 {
		encoded, err := json.Marshal(entry.Data)
		if err != nil {
			return fmt.Errorf("followup: encode notification data: %w", err)
		}
		data = encoded
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_log (id, clinician_id, title, body, data, success, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		entry.ID, entry.ClinicianID, entry.Title, entry.Body, data, entry.Success, entry.Error, entry.SentAt,
	)
	if err != nil {
		return fmt.Errorf("followup: record notification: %w", err)
	}
	return nil
}

// ListNotifications returns the clinician's notification log, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, clinicianID uuid.UUID, limit int) ([]NotificationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, clinician_id, title, body, data, success, COALESCE(error, ''), sent_at
		FROM notification_log
		WHERE clinician_id = $1
		ORDER BY sent_at DESC
		LIMIT $2`, clinicianID, limit)
	if err != nil {
		return nil, fmt.Errorf("followup: list notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationLog
	for rows.Next() {
		var entry NotificationLog
		var data []byte
		if err := rows.Scan(&entry.ID, &entry.ClinicianID, &entry.Title, &entry.Body,
			&data, &entry.Success, &entry.Error, &entry.SentAt); err != nil {
			return nil, fmt.Errorf("followup: scan notification: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &entry.Data); err != nil {
				return nil, fmt.Errorf("followup: decode notification data: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("followup: list notifications rows: %w", err)
	}
	return out, nil
}

// UpdatePushAddress sets the clinician's push token and, when timezone is non-empty, their timezone.
func (s *PostgresStore) UpdatePushAddress(ctx context.Context, clinicianID uuid.UUID, token, timezone string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("followup: push token required")
	}
	timezone = strings.TrimSpace(timezone)
	if timezone != "" && !ValidTimezone(timezone) {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE clinicians
		SET push_token = $2,
		    timezone = COALESCE(NULLIF($3, ''), timezone),
		    updated_at = now()
		WHERE id = $1`, clinicianID, token, timezone)
	if err != nil {
		return fmt.Errorf("followup: update push address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClinicianNotFound
	}
	return nil
}

// ClearPushAddress removes the clinician's push token.
func (s *PostgresStore) ClearPushAddress(ctx context.Context, clinicianID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE clinicians SET push_token = NULL, updated_at = now() WHERE id = $1`, clinicianID)
	if err != nil {
		return fmt.Errorf("followup: clear push address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClinicianNotFound
	}
	return nil
}

// RescheduleFollowUp moves a follow-up to dueAt. notified is reset only when the
// instant actually changes, so an unchanged save keeps an announced follow-up quiet.
func (s *PostgresStore) RescheduleFollowUp(ctx context.Context, clinicianID, patientID, followUpID uuid.UUID, dueAt time.Time) (*FollowUp, error) {
	var f FollowUp
	err := s.db.QueryRow(ctx, `
		UPDATE follow_ups f
		SET notified = CASE WHEN f.due_at IS DISTINCT FROM $4 THEN false ELSE f.notified END,
		    due_at = $4,
		    updated_at = now()
		FROM patients p
		WHERE f.id = $3
		  AND f.patient_id = $2
		  AND p.id = f.patient_id
		  AND p.clinician_id = $1
		RETURNING f.id, f.patient_id, f.due_at, COALESCE(f.description, ''), f.notified`,
		clinicianID, patientID, followUpID, dueAt.UTC(),
	).Scan(&f.ID, &f.PatientID, &f.DueAt, &f.Description, &f.Notified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFollowUpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("followup: reschedule: %w", err)
	}
	return &f, nil
}
