// SPDX-License-Identifier: MIT

// Package api exposes the event service over HTTP: ingestion, queries,
// stream reads, processor and subscription registries, replay and
// projections.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhq/eventd/internal/pipeline"
	"github.com/meridianhq/eventd/internal/projection"
	"github.com/meridianhq/eventd/internal/replay"
	"github.com/meridianhq/eventd/internal/store"
	"github.com/meridianhq/eventd/internal/stream"
	"github.com/meridianhq/eventd/internal/subscription"
)

// Server bundles the service components behind the HTTP surface.
type Server struct {
	store         *store.Store
	streams       *stream.Manager
	processors    *pipeline.Registry
	pipe          *pipeline.Pipeline
	subscriptions *subscription.Registry
	router        *subscription.Router
	engine        *replay.Engine
	projections   *projection.Materializer

	rateLimit int
}

// Deps lists everything the server needs. All fields are required except
// RateLimit, where zero disables limiting.
type Deps struct {
	Store         *store.Store
	Streams       *stream.Manager
	Processors    *pipeline.Registry
	Pipeline      *pipeline.Pipeline
	Subscriptions *subscription.Registry
	Router        *subscription.Router
	Replay        *replay.Engine
	Projections   *projection.Materializer
	RateLimit     int
}

// New constructs the HTTP server facade.
func New(d Deps) *Server {
	return &Server{
		store:         d.Store,
		streams:       d.Streams,
		processors:    d.Processors,
		pipe:          d.Pipeline,
		subscriptions: d.Subscriptions,
		router:        d.Router,
		engine:        d.Replay,
		projections:   d.Projections,
		rateLimit:     d.RateLimit,
	}
}

// Handler builds the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(requestMetrics)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(rateLimit(s.rateLimit))
		}

		r.Route("/events", func(r chi.Router) {
			r.Post("/", s.handleAppend)
			r.Post("/batch", s.handleAppendBatch)
			r.Get("/", s.handleQuery)
			r.Get("/{id}", s.handleGetEvent)
			r.Get("/{id}/results", s.handleListResults)
			r.Post("/{id}/archive", s.handleArchive)
		})

		r.Get("/streams/{entityType}/{entityID}", s.handleReadStream)
		r.Get("/stats", s.handleStats)
		r.Post("/replay", s.handleReplay)

		r.Route("/processors", func(r chi.Router) {
			r.Post("/", s.handleRegisterProcessor)
			r.Get("/", s.handleListProcessors)
			r.Post("/{id}/toggle", s.handleToggleProcessor)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleCreateSubscription)
			r.Get("/", s.handleListSubscriptions)
			r.Get("/{id}", s.handleGetSubscription)
			r.Delete("/{id}", s.handleDeleteSubscription)
			r.Get("/{id}/deliveries", s.handleListDeliveries)
		})

		r.Route("/projections", func(r chi.Router) {
			r.Get("/{entityType}/{entityID}/{name}", s.handleGetProjection)
			r.Post("/{entityType}/{entityID}/{name}/rebuild", s.handleRebuildProjection)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
