package http

import (
	"net/http"

	"github.com/atinyakov/identityhub/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// HealthPath is always reachable, with or without a client certificate.
const HealthPath = "/api/health"

// NewRouter constructs the status API.
//
// Routes:
//
//	GET /api/health  → Health
//	GET /api/status  → status.Status
//
// When requireClientCert is set every route except /api/health needs a TLS
// client certificate.
func NewRouter(status *StatusHandler, logger *zap.Logger, requireClientCert bool) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger))
	if requireClientCert {
		r.Use(middleware.RequireClientCert(HealthPath))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", Health)
		r.Get("/status", status.Status)
	})

	return r
}
