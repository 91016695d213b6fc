// Package server exposes the pipeline over HTTP: a management API for
// the capability lifecycle and a dynamic dispatcher that routes
// unmatched requests to deployed capability modules.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"capsmith/internal/deploy"
	"capsmith/internal/health"
	"capsmith/internal/hotswap"
	"capsmith/internal/metrics"
	"capsmith/internal/registry"
	"capsmith/internal/review"
	"capsmith/internal/rollback"
	"capsmith/internal/validation"
)

// Server ties the management API and the dynamic dispatcher together.
type Server struct {
	store    *registry.Store
	pipeline *validation.Pipeline
	gate     *review.Gate
	engine   *deploy.Engine
	rollback *rollback.Manager
	table    *hotswap.Table
	loader   *hotswap.Loader
	detector *health.Detector
	breakers *health.Breakers
	analyzer health.Analyzer
	patches  *health.PatchGenerator
	metrics  *metrics.Registry
	logger   *zap.Logger

	http *http.Server
}

// Options carries the server's collaborators.
type Options struct {
	Store    *registry.Store
	Pipeline *validation.Pipeline
	Gate     *review.Gate
	Engine   *deploy.Engine
	Rollback *rollback.Manager
	Table    *hotswap.Table
	Loader   *hotswap.Loader
	Detector *health.Detector
	Breakers *health.Breakers
	Analyzer health.Analyzer
	Patches  *health.PatchGenerator
	Metrics  *metrics.Registry
	Logger   *zap.Logger
}

// New assembles the HTTP server on the given listen address.
func New(addr string, opts Options) *Server {
	s := &Server{
		store:    opts.Store,
		pipeline: opts.Pipeline,
		gate:     opts.Gate,
		engine:   opts.Engine,
		rollback: opts.Rollback,
		table:    opts.Table,
		loader:   opts.Loader,
		detector: opts.Detector,
		breakers: opts.Breakers,
		analyzer: opts.Analyzer,
		patches:  opts.Patches,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/capabilities", func(r chi.Router) {
			r.Post("/", s.createCapability)
			r.Get("/", s.listCapabilities)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getCapability)
				r.Post("/validate", s.validateCapability)
				r.Post("/submit-review", s.submitReview)
				r.Post("/deploy", s.deployCapability)
				r.Post("/rollback", s.rollbackCapability)
				r.Post("/undeploy", s.undeployCapability)
				r.Get("/snapshots", s.listSnapshots)
				r.Get("/history", s.rollbackHistory)
			})
		})
		r.Route("/reviews/{reviewID}", func(r chi.Router) {
			r.Post("/decide", s.decideReview)
			r.Post("/assign", s.assignReviewers)
			r.Post("/comments", s.addComment)
			r.Post("/checklist/{itemID}", s.toggleChecklistItem)
			r.Post("/escalate", s.escalateReview)
		})
		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.listIncidents)
			r.Post("/", s.openIncident)
			r.Post("/webhook", s.incidentWebhook)
			r.Post("/{id}/resolve", s.resolveIncident)
			r.Post("/{id}/analyze", s.analyzeIncident)
			r.Post("/{id}/patch", s.proposePatches)
			r.Post("/{id}/patch/accept", s.acceptPatch)
		})
		r.Get("/routes", s.listRoutes)
	})

	// Everything the API does not claim falls through to dispatch.
	r.NotFound(s.dispatch)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto the API's status contract: 404 for
// missing records, 400 with the reason for transition/policy/constraint
// violations, 500 with the failed steps for deploy and rollback
// failures.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		notFound   *registry.NotFoundError
		transition *registry.StateTransitionError
		dependency *registry.DependencyError
		policy     *review.PolicyViolation
		conflict   *hotswap.ConflictError
		step       *deploy.StepError
		partial    *rollback.PartialFailureError
	)
	switch {
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFound.Error()})
	case errors.As(err, &transition), errors.As(err, &dependency), errors.As(err, &policy):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &step):
		body := map[string]any{"errors": []string{step.Error()}}
		if errors.As(step.Err, &conflict) {
			body["conflicts"] = conflict.Conflicts
		}
		writeJSON(w, http.StatusInternalServerError, body)
	case errors.As(err, &partial):
		var failed []string
		if partial.Entry.Code.Attempted && !partial.Entry.Code.OK {
			failed = append(failed, "code: "+partial.Entry.Code.Error)
		}
		if partial.Entry.Database.Attempted && !partial.Entry.Database.OK {
			failed = append(failed, "database: "+partial.Entry.Database.Error)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errors": failed, "entry": partial.Entry})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
