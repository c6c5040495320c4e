package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// DefaultListLimit caps list responses when the caller gives no limit.
const DefaultListLimit = 100

// Runs submits runs and reports their status.
type Runs interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*engine.StatusReport, error)
}

// Catalog answers read-only queries against the state store.
type Catalog interface {
	ListRuns(ctx context.Context, limit int, statuses ...engine.RunStatus) ([]*engine.Run, error)
	ListResources(ctx context.Context, filter stores.ResourceFilter) ([]*stores.Resource, error)
	ListActivity(ctx context.Context, workspaceID string, limit int) ([]*stores.ActivityEntry, error)
	HealthCheck(ctx context.Context) error
}

// Server exposes run submission and status over HTTP.
type Server struct {
	runs    Runs
	catalog Catalog
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	router  chi.Router
}

// NewServer builds the router. A nil tel disables telemetry.
func NewServer(runs Runs, catalog Catalog, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	s := &Server{
		runs:    runs,
		catalog: catalog,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.trace)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", tel.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.submitRun)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{runID}", s.getRun)
		r.Get("/workspaces/{workspaceID}/resources", s.listResources)
		r.Get("/workspaces/{workspaceID}/activity", s.listActivity)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// trace opens a span per request.
func (s *Server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tel.Tracer.StartSpan(r.Context(), "http "+r.Method)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests logs one line per request through the service logger.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.WithFields(map[string]interface{}{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"trace_id":   telemetry.TraceID(r.Context()),
		}).Debug("request served")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "operation is required")
		return
	}

	// A known run id is answered without touching the engine.
	if req.RunID != "" {
		if _, err := s.runs.GetStatus(r.Context(), req.RunID); err == nil {
			writeJSON(w, http.StatusOK, SubmitRunResponse{RunID: req.RunID})
			return
		} else if !errors.Is(err, engine.ErrRunNotFound) {
			s.writeEngineError(w, err)
			return
		}
	}

	runID, err := s.runs.Submit(r.Context(), engine.SubmitRequest{
		RunID:     req.RunID,
		Operation: engine.OperationType(req.Operation),
		Params:    req.Params,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.logger.WithRunID(runID).WithField("operation", req.Operation).Info("run submitted")
	writeJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: runID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.runs.GetStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	var statuses []engine.RunStatus
	for _, raw := range r.URL.Query()["status"] {
		status := engine.RunStatus(raw)
		if err := status.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		statuses = append(statuses, status)
	}

	runs, err := s.catalog.ListRuns(r.Context(), limit, statuses...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	filter := stores.ResourceFilter{
		WorkspaceID:   chi.URLParam(r, "workspaceID"),
		ResourceType:  q.Get("type"),
		CloudPlatform: q.Get("platform"),
		Limit:         limit,
	}
	for _, raw := range q["state"] {
		state := stores.State(raw)
		if err := state.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
			return
		}
		filter.States = append(filter.States, state)
	}

	resources, err := s.catalog.ListResources(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if resources == nil {
		resources = []*stores.Resource{}
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.catalog.ListActivity(r.Context(), chi.URLParam(r, "workspaceID"), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []*stores.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeEngineError maps err onto a status code: validation errors are 400,
// unknown runs 404 and everything else 500.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ee *engine.EngineError
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", err.Error())
	case errors.As(err, &ee) && ee.Code == engine.ErrCodeValidation:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &ee) && ee.Class == engine.ErrorClassBusy:
		writeError(w, http.StatusConflict, "busy", err.Error())
	default:
		s.logger.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// parseLimit reads ?limit=, defaulting to DefaultListLimit.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
