package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/metrics"
)

type fakeRunnable struct {
	started int32
	stopped int32
}

func (f *fakeRunnable) Run(ctx context.Context) error {
	atomic.AddInt32(&f.started, 1)
	<-ctx.Done()
	atomic.AddInt32(&f.stopped, 1)
	return nil
}

func newTestSupervisor() *Supervisor {
	return New(catalog.NewMemoryStore(), nil, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
}

func TestStartAndStopAndWait(t *testing.T) {
	s := newTestSupervisor()
	id := job.NewID()
	fr := &fakeRunnable{}

	if err := s.start(id, job.KindStore, fr); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait for the goroutine to actually begin Run before stopping.
	for i := 0; i < 100 && atomic.LoadInt32(&fr.started) == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&fr.started) == 0 {
		t.Fatal("expected worker to start")
	}

	s.stopAndWait(id)
	if atomic.LoadInt32(&fr.stopped) != 1 {
		t.Fatal("expected worker to have stopped after stopAndWait returns")
	}
}

func TestStartTwiceConflicts(t *testing.T) {
	s := newTestSupervisor()
	id := job.NewID()
	if err := s.start(id, job.KindStore, &fakeRunnable{}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	err := s.start(id, job.KindStore, &fakeRunnable{})
	if err == nil {
		t.Fatal("expected conflict starting the same job id twice")
	}
	s.stopAndWait(id)
}

func TestStopAndWaitNoOpWhenNotRunning(t *testing.T) {
	s := newTestSupervisor()
	// Should not block or panic for an id with no live worker.
	s.stopAndWait(job.NewID())
}
