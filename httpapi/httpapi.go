// Package httpapi implements the HTTP control surface described in
// section 6 of the design specification: CRUD plus pause/resume/delete
// for store and load jobs, and the /metrics and /healthz endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/errs"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/supervisor"
)

// Server wires the supervisor and catalog behind a gorilla/mux router.
type Server struct {
	router *mux.Router
	super  *supervisor.Supervisor
	cat    catalog.Store
	log    zerolog.Logger

	// degraded is set by the caller when the catalog or bus is
	// unreachable; /healthz then answers 503 instead of 200.
	degraded func() bool
}

// New builds a Server. degraded reports whether the bridge is currently
// in degraded mode (section 7's Fatal-error behavior); pass a func that
// always returns false if no such signal exists.
func New(super *supervisor.Supervisor, cat catalog.Store, log zerolog.Logger, degraded func() bool) *Server {
	s := &Server{
		router: mux.NewRouter(),
		super:  super,
		cat:    cat,
		log:    log.With().Str("component", "httpapi").Logger(),
		degraded: degraded,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.HandleFunc("/api/v1/store/jobs", s.listStoreJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/store/jobs", s.createStoreJob).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/store/jobs/{id}", s.getStoreJob).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/store/jobs/{id}", s.deleteStoreJob).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/v1/store/jobs/{id}/pause", s.pauseStoreJob).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/store/jobs/{id}/resume", s.resumeStoreJob).Methods(http.MethodPost)

	s.router.HandleFunc("/api/v1/load/jobs", s.listLoadJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/load/jobs", s.createLoadJob).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/load/jobs/{id}", s.getLoadJob).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/load/jobs/{id}", s.deleteLoadJob).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/v1/load/jobs/{id}/pause", s.pauseLoadJob).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/load/jobs/{id}/resume", s.resumeLoadJob).Methods(http.MethodPost)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.degraded != nil && s.degraded() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statusForKind translates an errs.Kind into the HTTP status code table
// from section 7.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.Conflict:
		return http.StatusConflict
	case errs.Integrity:
		return http.StatusUnprocessableEntity
	case errs.Fatal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if err == catalog.ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	status := statusForKind(errs.KindOf(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (job.ID, error) {
	return job.ParseID(mux.Vars(r)["id"])
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}
