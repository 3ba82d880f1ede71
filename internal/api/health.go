package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/circuitbreaker"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthResponse is served by GET /health.
type HealthResponse struct {
	Status   string                `json:"status"`
	Database string                `json:"database"`
	Leases   string                `json:"leases,omitempty"`
	Mail     *circuitbreaker.Stats `json:"mail,omitempty"`
}

// HealthHandler reports database reachability and the mail breaker state.
type HealthHandler struct {
	db      Pinger
	leases  Pinger
	breaker *circuitbreaker.CircuitBreaker // nil in processes that do not send
	logger  *zap.Logger
}

// NewHealthHandler creates a health handler
func NewHealthHandler(db Pinger, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		breaker: breaker,
		logger:  logger,
	}
}

// WithLeases adds the claim lease store to the report. Workers keep running
// without it, so an outage only degrades the status.
func (h *HealthHandler) WithLeases(p Pinger) *HealthHandler {
	h.leases = p
	return h
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK

	if err := h.db.Health(ctx); err != nil {
		h.logger.Warn("health check: database unreachable", zap.Error(err))
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	if h.leases != nil {
		resp.Leases = "ok"
		if err := h.leases.Health(ctx); err != nil {
			h.logger.Warn("health check: lease store unreachable", zap.Error(err))
			resp.Leases = "unreachable"
			if status == http.StatusOK {
				resp.Status = "degraded"
			}
		}
	}

	if h.breaker != nil {
		stats := h.breaker.Stats()
		resp.Mail = &stats
		if stats.State == circuitbreaker.StateOpen.String() && status == http.StatusOK {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
