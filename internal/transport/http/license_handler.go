package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/keyfortio/keyfort/internal/activation"
	"github.com/keyfortio/keyfort/internal/config"
	apperrors "github.com/keyfortio/keyfort/internal/errors"
)

// ownerHeader carries the authenticated principal's email. Authentication
// itself is an outer concern; this handler only attributes requests.
const ownerHeader = "X-Owner-Email"

// adminTokenHeader guards administrative operations.
const adminTokenHeader = "X-Admin-Token"

// LicenseHandler handles online activation and device management.
type LicenseHandler struct {
	coordinator *activation.Coordinator
	cfg         *config.Config
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(c *activation.Coordinator, cfg *config.Config, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		coordinator: c,
		cfg:         cfg,
		validate:    validator.New(),
		logger:      logger.With(slog.String("handler", "license")),
	}
}

// ActivateRequest is the online activation payload.
type ActivateRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,min=8"`
	HWID        string `json:"hwid" validate:"required,min=8"`
	MachineName string `json:"machine_name" validate:"max=255"`
	OSInfo      string `json:"os_info" validate:"max=255"`
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(*http.Request) error { return nil }

// DeactivateRequest frees a device slot.
type DeactivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=8"`
	DeviceID   string `json:"device_id" validate:"required,uuid4"`
}

// Bind implements render.Binder.
func (d *DeactivateRequest) Bind(*http.Request) error { return nil }

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())

	var req ActivateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.MapError(apperrors.ErrBadFormat, traceID))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apperrors.MapError(apperrors.ErrBadFormat, traceID))
		return
	}

	result, err := h.coordinator.Activate(r.Context(), activation.ActivateParams{
		LicenseKey:  req.LicenseKey,
		HWID:        req.HWID,
		MachineName: req.MachineName,
		OSInfo:      req.OSInfo,
		ClientIP:    r.RemoteAddr,
		Owner:       r.Header.Get(ownerHeader),
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "activation rejected",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apperrors.MapError(err, traceID))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Deactivate handles POST /api/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())

	var req DeactivateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.MapError(apperrors.ErrBadFormat, traceID))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apperrors.MapError(apperrors.ErrBadFormat, traceID))
		return
	}

	err := h.coordinator.Deactivate(r.Context(), req.LicenseKey, req.DeviceID, r.Header.Get(ownerHeader))
	if err != nil {
		render.Render(w, r, apperrors.MapError(err, traceID))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]interface{}{
		"status":    "deactivated",
		"device_id": req.DeviceID,
		"trace_id":  traceID,
	})
}

// Status handles GET /api/license/{key}.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())
	key := chi.URLParam(r, "key")

	lic, err := h.coordinator.Status(r.Context(), key)
	if err != nil && lic == nil {
		render.Render(w, r, apperrors.MapError(err, traceID))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]interface{}{
		"license_key": lic.LicenseKey,
		"edition":     lic.Edition,
		"status":      lic.Status,
		"expiry_date": lic.ExpiryDate,
		"max_devices": lic.MaxDevices,
		"revision":    lic.ServerRevision,
		"trace_id":    traceID,
	})
}

// ListDevices handles GET /api/license/{key}/devices.
func (h *LicenseHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())
	key := chi.URLParam(r, "key")

	devices, err := h.coordinator.ListDevices(r.Context(), key, r.Header.Get(ownerHeader))
	if err != nil {
		render.Render(w, r, apperrors.MapError(err, traceID))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]interface{}{
		"devices":  devices,
		"count":    len(devices),
		"trace_id": traceID,
	})
}

// Revoke handles POST /api/license/{key}/revoke. Administrative: requires
// the configured admin token.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())
	key := chi.URLParam(r, "key")

	token := h.cfg.Security.AdminToken
	if token == "" || r.Header.Get(adminTokenHeader) != token {
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusForbidden,
			"/errors/forbidden",
			"Forbidden",
			"Administrative credentials required.",
			r.URL.Path,
		).WithExtension("trace_id", traceID))
		return
	}

	if err := h.coordinator.Revoke(r.Context(), key); err != nil {
		render.Render(w, r, apperrors.MapError(err, traceID))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]interface{}{
		"status":   "revoked",
		"trace_id": traceID,
	})
}
