package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/metrics"
	"github.com/nats3bridge/nats3/supervisor"
)

// newTestServer wires a Server over a Supervisor with no live bus or
// object store connection. Every job created in these tests is posted
// with desired=Paused so the supervisor never attempts to start a real
// worker against those nil dependencies.
func newTestServer() (*Server, catalog.Store) {
	cat := catalog.NewMemoryStore()
	super := supervisor.New(cat, nil, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return New(super, cat, zerolog.Nop(), func() bool { return false }), cat
}

func TestHealthzOK(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusOK)
	}
}

func TestHealthzDegraded(t *testing.T) {
	cat := catalog.NewMemoryStore()
	super := supervisor.New(cat, nil, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	s := New(super, cat, zerolog.Nop(), func() bool { return true })

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestCreateAndGetStoreJob(t *testing.T) {
	s, _ := newTestServer()

	body := `{"name":"orders-archive","stream":"orders","subject":"orders.created","bucket":"archive","max_count":500,"desired":"Paused"}`
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/store/jobs", bytes.NewBufferString(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status: got %d want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}

	var created storeJobDTO
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "orders-archive" || created.MaxCount != 500 {
		t.Fatalf("unexpected created job: %+v", created)
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/store/jobs/"+created.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status: got %d want %d", w.Code, http.StatusOK)
	}
}

func TestCreateStoreJobMissingFields(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/store/jobs", bytes.NewBufferString(`{"name":"no-bucket"}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetStoreJobNotFound(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/store/jobs/"+job.NewID().String(), nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusNotFound)
	}
}

func TestListLoadJobsEmpty(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/load/jobs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusOK)
	}
	var out []loadJobDTO
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty list, got %d", len(out))
	}
}

func TestPauseUnknownJobIsNotFound(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/store/jobs/"+job.NewID().String()+"/pause", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected pausing an unknown job to return %d, got status %d", http.StatusNotFound, w.Code)
	}
}
