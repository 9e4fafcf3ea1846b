// Package http exposes the activation engine over a chi router: online
// activation, device management, the offline code exchange, and health.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	"github.com/keyfortio/keyfort/internal/activation"
	"github.com/keyfortio/keyfort/internal/config"
	"github.com/keyfortio/keyfort/internal/offline"
	"github.com/keyfortio/keyfort/internal/signer"
	"github.com/keyfortio/keyfort/internal/store"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	Coordinator *activation.Coordinator
	Codec       *offline.Codec
	Signer      *signer.Signer
	Store       *store.SQLStore
	Config      *config.Config
	Logger      *slog.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	sec := deps.Config.Security
	if sec.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   sec.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Owner-Email", "X-Admin-Token"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	licenseHandler := NewLicenseHandler(deps.Coordinator, deps.Config, deps.Logger)
	offlineHandler := NewOfflineHandler(deps.Codec, deps.Signer, deps.Logger)
	healthHandler := NewHealthHandler(deps.Store, deps.Logger)

	r.Get("/healthz", healthHandler.Check)

	r.Route("/api", func(r chi.Router) {
		// Activation and code submission are brute-forceable surfaces;
		// they get a per-IP rate limit.
		r.Group(func(r chi.Router) {
			if sec.RateLimit.Enabled {
				r.Use(httprate.LimitByIP(sec.RateLimit.Requests, sec.RateLimit.Window))
			}
			r.Post("/license/activate", licenseHandler.Activate)
			r.Post("/offline/submit", offlineHandler.Submit)
		})

		r.Post("/license/deactivate", licenseHandler.Deactivate)
		r.Get("/license/{key}", licenseHandler.Status)
		r.Get("/license/{key}/devices", licenseHandler.ListDevices)
		r.Post("/license/{key}/revoke", licenseHandler.Revoke)
		r.Get("/offline/public-key", offlineHandler.PublicKey)
	})

	return r
}

// requestLogger logs each request with its trace ID at Info.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("remote", r.RemoteAddr),
				slog.String("trace_id", middleware.GetReqID(r.Context())),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
