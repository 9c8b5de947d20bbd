package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const clinicianKey ctxKey = "clinic.clinician_id"

// WithClinicianID stores the authenticated clinician id in context.
func WithClinicianID(ctx context.Context, clinicianID uuid.UUID) context.Context {
	return context.WithValue(ctx, clinicianKey, clinicianID)
}

// ClinicianIDFromContext extracts the clinician id if present.
func ClinicianIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	val := ctx.Value(clinicianKey)
	if val == nil {
		return uuid.Nil, false
	}
	id, ok := val.(uuid.UUID)
	return id, ok && id != uuid.Nil
}
