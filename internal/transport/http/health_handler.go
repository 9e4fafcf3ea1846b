package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/keyfortio/keyfort/internal/store"
)

// HealthHandler reports liveness and store reachability.
type HealthHandler struct {
	store  *store.SQLStore
	logger *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(st *store.SQLStore, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:  st,
		logger: logger.With(slog.String("handler", "health")),
	}
}

// Check handles GET /healthz.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "store ping failed",
			slog.String("error", err.Error()),
		)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	render.Status(r, code)
	render.JSON(w, r, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
