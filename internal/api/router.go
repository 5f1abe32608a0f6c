// SPDX-License-Identifier: MIT

// Package api binds the control plane to HTTP: the webhook ingress, the
// auth endpoints, and the tenant-scoped management surface.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/auth"
	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/display"
	"github.com/spotsense/spotsense/internal/downlink"
	"github.com/spotsense/spotsense/internal/health"
	"github.com/spotsense/spotsense/internal/ingest"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/ratelimit"
	"github.com/spotsense/spotsense/internal/reservation"
	"github.com/spotsense/spotsense/internal/store"
)

// Config tunes the HTTP edge.
type Config struct {
	// EdgeRequestsPerMin is the per-IP sliding-window limit applied to
	// everything behind the router. Zero disables it (tests).
	EdgeRequestsPerMin int
}

// Server holds the handler dependencies.
type Server struct {
	cfg          Config
	store        *store.Store
	coord        *coord.Store
	auth         *auth.Service
	issuer       *auth.TokenIssuer
	pipeline     *ingest.Pipeline
	reservations *reservation.Engine
	evaluator    *display.Evaluator
	queue        *downlink.Queue
	limiter      *ratelimit.Limiter
	recorder     *audit.Recorder
	health       *health.Manager
	logger       zerolog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(cfg Config, st *store.Store, cs *coord.Store, authSvc *auth.Service, issuer *auth.TokenIssuer,
	pipe *ingest.Pipeline, res *reservation.Engine, ev *display.Evaluator,
	q *downlink.Queue, lim *ratelimit.Limiter, rec *audit.Recorder, hm *health.Manager) *Server {
	return &Server{
		cfg:          cfg,
		store:        st,
		coord:        cs,
		auth:         authSvc,
		issuer:       issuer,
		pipeline:     pipe,
		reservations: res,
		evaluator:    ev,
		queue:        q,
		limiter:      lim,
		recorder:     rec,
		health:       hm,
		logger:       log.WithComponent("api"),
	}
}

// Routes builds the router with the canonical middleware stack.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(httpMetrics)
	r.Use(accessLog)
	if s.cfg.EdgeRequestsPerMin > 0 {
		r.Use(httprate.Limit(s.cfg.EdgeRequestsPerMin, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/health/live", s.health.ServeHealth)
	r.Get("/health/ready", s.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/uplink", s.handleWebhook)
	r.Post("/webhook/{slug}/uplink", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.authLimit)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/me", s.handleMe)
		r.Post("/auth/switch-tenant", s.handleSwitchTenant)

		r.Route("/spaces", func(r chi.Router) {
			r.Get("/", s.handleListSpaces)
			r.Route("/{spaceID}", func(r chi.Router) {
				r.Get("/", s.handleGetSpace)
				r.Post("/actuate", s.handleActuate)
				r.Post("/override", s.handleSetOverride)
				r.Delete("/override", s.handleClearOverride)
				r.Post("/sensor", s.handleAssignDevice("sensor"))
				r.Delete("/sensor", s.handleUnassignDevice("sensor"))
				r.Post("/display", s.handleAssignDevice("display"))
				r.Delete("/display", s.handleUnassignDevice("display"))
				r.Get("/reservations", s.handleListSpaceReservations)
				r.Get("/availability", s.handleAvailability)
			})
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", s.handleCreateReservation)
			r.Get("/{reservationID}", s.handleGetReservation)
			r.Delete("/{reservationID}", s.handleCancelReservation)
		})

		r.Get("/devices", s.handleListDevices)
		r.Get("/orphan-devices", s.handleListOrphans)
		r.Post("/orphan-devices/{eui}/assign", s.handleAssignOrphan)

		r.Get("/policy", s.handleGetPolicy)
		r.Put("/policy", s.handleReplacePolicy)

		r.Get("/audit", s.handleListAudit)

		r.Post("/service-keys", s.handleMintServiceKey)
	})

	return r
}
