package followup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/clinic-followups/internal/tenancy"
	"github.com/wolfman30/clinic-followups/pkg/logging"
)

// ClinicianStore is the write and history surface used by the HTTP handler.
type ClinicianStore interface {
	ListNotifications(ctx context.Context, clinicianID uuid.UUID, limit int) ([]NotificationLog, error)
	UpdatePushAddress(ctx context.Context, clinicianID uuid.UUID, token, timezone string) error
	ClearPushAddress(ctx context.Context, clinicianID uuid.UUID) error
	RescheduleFollowUp(ctx context.Context, clinicianID, patientID, followUpID uuid.UUID, dueAt time.Time) (*FollowUp, error)
}

// Handler exposes the clinician-facing endpoints around follow-up notifications.
type Handler struct {
	store  ClinicianStore
	logger *logging.Logger
}

// NewHandler creates a follow-up HTTP handler.
func NewHandler(store ClinicianStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the endpoints. Expected to sit behind ClinicianJWT under /api/v1.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", h.listNotifications)
	r.Post("/me/push-token", h.updatePushToken)
	r.Delete("/me/push-token", h.clearPushToken)
	r.Put("/patients/{patientID}/followups/{followUpID}", h.rescheduleFollowUp)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	clinicianID, ok := tenancy.ClinicianIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.store.ListNotifications(r.Context(), clinicianID, limit)
	if err != nil {
		h.logger.Error("followup handler: list notifications", "clinician_id", clinicianID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []NotificationLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": entries,
		"count":         len(entries),
	})
}

type pushTokenRequest struct {
	Token    string `json:"token"`
	Timezone string `json:"timezone,omitempty"`
}

func (h *Handler) updatePushToken(w http.ResponseWriter, r *http.Request) {
	clinicianID, ok := tenancy.ClinicianIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req pushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	if tz := strings.TrimSpace(req.Timezone); tz != "" && !ValidTimezone(tz) {
		http.Error(w, "invalid timezone", http.StatusBadRequest)
		return
	}

	err := h.store.UpdatePushAddress(r.Context(), clinicianID, req.Token, req.Timezone)
	switch {
	case errors.Is(err, ErrInvalidTimezone):
		http.Error(w, "invalid timezone", http.StatusBadRequest)
		return
	case errors.Is(err, ErrClinicianNotFound):
		http.Error(w, "clinician not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("followup handler: update push token", "clinician_id", clinicianID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
}

func (h *Handler) clearPushToken(w http.ResponseWriter, r *http.Request) {
	clinicianID, ok := tenancy.ClinicianIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	err := h.store.ClearPushAddress(r.Context(), clinicianID)
	if errors.Is(err, ErrClinicianNotFound) {
		http.Error(w, "clinician not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("followup handler: clear push token", "clinician_id", clinicianID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleRequest struct {
	DueAt time.Time `json:"due_at"`
}

func (h *Handler) rescheduleFollowUp(w http.ResponseWriter, r *http.Request) {
	clinicianID, ok := tenancy.ClinicianIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	patientID, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		http.Error(w, "invalid patient id", http.StatusBadRequest)
		return
	}
	followUpID, err := uuid.Parse(chi.URLParam(r, "followUpID"))
	if err != nil {
		http.Error(w, "invalid follow-up id", http.StatusBadRequest)
		return
	}
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DueAt.IsZero() {
		http.Error(w, "due_at is required", http.StatusBadRequest)
		return
	}

	f, err := h.store.RescheduleFollowUp(r.Context(), clinicianID, patientID, followUpID, req.DueAt)
	if errors.Is(err, ErrFollowUpNotFound) {
		http.Error(w, "follow-up not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("followup handler: reschedule",
			"clinician_id", clinicianID,
			"followup_id", followUpID,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
