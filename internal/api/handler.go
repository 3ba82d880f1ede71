package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/db"
	"github.com/lalithlochan/dripmail/internal/sequence"
)

// Repository defines the database operations behind the enrollment API
type Repository interface {
	GetSequence(ctx context.Context, domainID, id uuid.UUID) (*db.Sequence, error)
	GetUser(ctx context.Context, domainID, id uuid.UUID) (*db.User, error)
	CreateOngoingSequence(ctx context.Context, o *db.OngoingSequence) error
	GetOngoingSequence(ctx context.Context, id uuid.UUID) (*db.OngoingSequence, error)
}

// EnrollmentRequest represents the incoming request body
type EnrollmentRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// EnrollmentResponse is returned after enrolling a recipient
type EnrollmentResponse struct {
	ID                     string `json:"id"`
	NextEmailScheduledTime int64  `json:"next_email_scheduled_time"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	repo   Repository
	now    func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository) *Handler {
	return &Handler{
		logger: logger,
		repo:   repo,
		now:    time.Now,
	}
}

// CreateEnrollment handles POST /v1/sequences/{id}/enrollments.
// The recipient becomes due immediately; the scheduler picks it up on its
// next tick.
func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sequenceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid sequence ID", "ID must be a valid UUID")
		return
	}

	var req EnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id and user_id are required")
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	seq, err := h.repo.GetSequence(ctx, tenantID, sequenceID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Sequence not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to load sequence", zap.Error(err), zap.String("sequence_id", sequenceID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load sequence", "")
		return
	}

	if seq.Kind == db.SequenceKindBroadcast {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Sequence is a broadcast",
			"broadcast recipients are enrolled by their rule")
		return
	}

	if _, err := h.repo.GetUser(ctx, tenantID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "User not found", "")
			return
		}
		h.logger.Error("failed to load user", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load user", "")
		return
	}

	// the first step waits out its own delay, as every later step does
	next := h.now().UnixMilli()
	if first, ok := sequence.NextPublishedEmail(seq, nil); ok {
		next += first.DelayInMillis
	}

	ongoing := &db.OngoingSequence{
		ID:                     uuid.New(),
		DomainID:               tenantID,
		SequenceID:             sequenceID,
		UserID:                 userID,
		NextEmailScheduledTime: next,
	}

	if err := h.repo.CreateOngoingSequence(ctx, ongoing); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			h.writeError(w, http.StatusConflict, "already_enrolled", "User is already enrolled in this sequence", "")
			return
		}
		h.logger.Error("failed to create enrollment",
			zap.Error(err),
			zap.String("sequence_id", sequenceID.String()),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create enrollment", "")
		return
	}

	h.logger.Info("recipient enrolled",
		zap.String("ongoing_id", ongoing.ID.String()),
		zap.String("sequence_id", sequenceID.String()),
		zap.String("user_id", userID.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(EnrollmentResponse{
		ID:                     ongoing.ID.String(),
		NextEmailScheduledTime: ongoing.NextEmailScheduledTime,
	})
}

// GetOngoing handles GET /v1/ongoing/{id}?tenant_id=...
func (h *Handler) GetOngoing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ongoing sequence ID", "ID must be a valid UUID")
		return
	}

	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id query parameter must be a valid UUID")
		return
	}

	ongoing, err := h.repo.GetOngoingSequence(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && ongoing.DomainID != tenantID) {
		h.writeError(w, http.StatusNotFound, "not_found", "Ongoing sequence not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to load ongoing sequence", zap.Error(err), zap.String("ongoing_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load ongoing sequence", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ongoing)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
