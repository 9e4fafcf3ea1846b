package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "github.com/keyfortio/keyfort/internal/errors"
	"github.com/keyfortio/keyfort/internal/offline"
	"github.com/keyfortio/keyfort/internal/signer"
)

// OfflineHandler exposes the server side of the offline code exchange.
type OfflineHandler struct {
	codec  *offline.Codec
	signer *signer.Signer
	logger *slog.Logger
}

// NewOfflineHandler creates an offline handler.
func NewOfflineHandler(c *offline.Codec, s *signer.Signer, logger *slog.Logger) *OfflineHandler {
	return &OfflineHandler{
		codec:  c,
		signer: s,
		logger: logger.With(slog.String("handler", "offline")),
	}
}

// SubmitRequest carries a request code pasted in by an operator or portal.
type SubmitRequest struct {
	RequestCode string `json:"request_code"`
}

// Bind implements render.Binder.
func (s *SubmitRequest) Bind(*http.Request) error { return nil }

// Submit handles POST /api/offline/submit: consumes a request code and
// returns the signed response code.
func (h *OfflineHandler) Submit(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())

	var req SubmitRequest
	if err := render.Bind(r, &req); err != nil || req.RequestCode == "" {
		render.Render(w, r, apperrors.MapError(apperrors.ErrBadFormat, traceID))
		return
	}

	responseCode, err := h.codec.SubmitRequestCode(r.Context(), req.RequestCode)
	if err != nil {
		render.Render(w, r, apperrors.MapError(err, traceID))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]interface{}{
		"response_code": responseCode,
		"trace_id":      traceID,
	})
}

// PublicKey handles GET /api/offline/public-key: serves the PEM public
// key clients need for fully offline response validation. Distribute once,
// before the client goes dark.
func (h *OfflineHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pemData, err := h.signer.PublicKeyPEM()
	if err != nil {
		traceID := middleware.GetReqID(r.Context())
		render.Render(w, r, apperrors.MapError(err, traceID))
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(pemData))
}
