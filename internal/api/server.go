// Package api serves the HTTP surface: health, metrics, the event stream and
// constellation submit/inspect/mutate endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AaronLay10/Constellation/internal/devices"
	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/log"
	"github.com/AaronLay10/Constellation/internal/observability"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
	"github.com/AaronLay10/Constellation/internal/storage/postgres"
	"github.com/AaronLay10/Constellation/internal/version"
)

const maxBodyBytes = 1 << 20

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server exposes a Hub over HTTP.
type Server struct {
	hub     *orchestrator.Hub
	metrics *observability.Metrics
	gather  http.Handler
	log     *logrus.Entry
}

// NewServer creates a server. metrics may be nil.
func NewServer(hub *orchestrator.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		hub:     hub,
		metrics: metrics,
		gather:  observability.MetricsHandler(),
		log:     log.WithComponent("api"),
	}
}

// WithGatherer serves /metrics from h instead of the default registry.
func (s *Server) WithGatherer(h http.Handler) *Server {
	s.gather = h
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler)
	r.Get("/metrics", s.gather.ServeHTTP)

	r.Get("/events", RequireAnyRole(eventsHandler))
	r.Get("/events/history", RequireAnyRole(eventsHistoryHandler))
	r.Get("/ws", RequireAnyRole(wsEventsHandler))

	r.Get("/constellations", RequireAnyRole(s.handleListConstellations))
	r.Post("/constellations", RequireAdmin(s.handleStartConstellation))
	r.Get("/constellations/{id}", RequireAnyRole(s.handleGetConstellation))
	r.Delete("/constellations/{id}", RequireAdmin(s.handleRetireConstellation))
	r.Post("/constellations/{id}/mutations", RequireAdmin(s.handleSubmitMutation))
	r.Get("/devices", RequireAnyRole(s.handleListDevices))
	r.Delete("/devices/{id}", RequireAdmin(s.handleUnregisterDevice))

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			s.metrics.ObserveHTTP("/ws", http.StatusSwitchingProtocols)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveHTTP(route, rec.code)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	host, _ := os.Hostname()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "constellation",
		Version:   version.Version,
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// eventsHandler returns the in-memory ring buffer, optionally filtered by
// constellation_id.
func eventsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := events.Snapshot()
	if id := r.URL.Query().Get("constellation_id"); id != "" {
		filtered := snapshot[:0:0]
		for _, e := range snapshot {
			if e.ConstellationID() == id {
				filtered = append(filtered, e)
			}
		}
		snapshot = filtered
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// eventsHistoryHandler queries the persistent audit log.
func eventsHistoryHandler(w http.ResponseWriter, r *http.Request) {
	store := events.GetStore()
	if store == nil {
		respondError(w, http.StatusServiceUnavailable, "history_unavailable", "event history is not configured")
		return
	}

	q := postgres.Query{
		ConstellationID: r.URL.Query().Get("constellation_id"),
		Event:           r.URL.Query().Get("event"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	rows, err := store.Query(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListConstellations(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.List())
}

func (s *Server) handleStartConstellation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	g, err := orchestrator.ParseInitialGraph(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
		return
	}

	o, err := s.hub.Start(*g)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrConstellationExists):
			respondError(w, http.StatusConflict, "constellation_exists", err.Error())
		case errors.Is(err, orchestrator.ErrInvalidGraph), errors.Is(err, orchestrator.ErrCycleDetected):
			respondError(w, http.StatusUnprocessableEntity, "invalid_graph", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		}
		return
	}
	s.log.WithFields(logrus.Fields{"constellation_id": o.ID(), "role": RoleFromContext(r.Context())}).Info("constellation started")
	respondJSON(w, http.StatusCreated, o.Snapshot())
}

type constellationResponse struct {
	orchestrator.Snapshot
	Report *orchestrator.Report `json:"report,omitempty"`
}

func (s *Server) handleGetConstellation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	o, ok := s.hub.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "constellation_not_found", fmt.Sprintf("constellation %s not found", id))
		return
	}

	resp := constellationResponse{Snapshot: o.Snapshot()}
	if report, done := o.Report(); done {
		report.Snapshot = orchestrator.Snapshot{}
		resp.Report = &report
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetireConstellation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.hub.Retire(id); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrConstellationNotFound):
			respondError(w, http.StatusNotFound, "constellation_not_found", err.Error())
		case errors.Is(err, orchestrator.ErrConstellationActive):
			respondError(w, http.StatusConflict, "constellation_active", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "retire_failed", err.Error())
		}
		return
	}
	s.log.WithFields(logrus.Fields{"constellation_id": id, "role": RoleFromContext(r.Context())}).Info("constellation retired")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitMutation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var m orchestrator.Mutation
	if err := json.Unmarshal(body, &m); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mutation", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := s.hub.Submit(ctx, id, m)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrConstellationNotFound):
			respondError(w, http.StatusNotFound, "constellation_not_found", err.Error())
		case errors.Is(err, orchestrator.ErrInvalidMutation):
			respondError(w, http.StatusUnprocessableEntity, "mutation_rejected", err.Error())
		case errors.Is(err, orchestrator.ErrOrchestratorStopped):
			respondError(w, http.StatusConflict, "constellation_stopped", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "mutation_failed", err.Error())
		}
		return
	}
	s.log.WithFields(logrus.Fields{
		"constellation_id": id,
		"kind":             out.Kind,
		"version":          out.Version,
		"role":             RoleFromContext(r.Context()),
	}).Info("mutation applied")
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	snapshot := s.hub.Registry().Snapshot()
	if status := strings.ToUpper(r.URL.Query().Get("status")); status != "" {
		filtered := snapshot[:0]
		for _, d := range snapshot {
			if d.Status == devices.Status(status) {
				filtered = append(filtered, d)
			}
		}
		snapshot = filtered
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].DeviceID < snapshot[j].DeviceID })
	respondJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if !s.hub.Unregister(id) {
		respondError(w, http.StatusNotFound, "device_not_found", fmt.Sprintf("device %s not found", id))
		return
	}
	s.log.WithFields(logrus.Fields{"device_id": id, "role": RoleFromContext(r.Context())}).Info("device unregistered")
	w.WriteHeader(http.StatusNoContent)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.New("empty body")
	}
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// ListenAndServe serves the router on port until ctx is cancelled. TLS is
// used when configured through InitTLS.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	tlsCfg, err := LoadTLSConfig()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logrus.Fields{"addr": srv.Addr, "tls": srv.TLSConfig != nil}).Info("listening")
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	events.CloseAllSubscribers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
