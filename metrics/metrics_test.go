package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nats3bridge/nats3/job"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestChunkFlushedIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	id := job.NewID()

	m.ChunkFlushed(id, 4096)
	m.ChunkFlushed(id, 1024)

	if got := counterValue(t, m.ChunksWritten.WithLabelValues(id.String())); got != 2 {
		t.Errorf("chunks written: got %v want 2", got)
	}
	if got := counterValue(t, m.BytesWritten.WithLabelValues(id.String())); got != 5120 {
		t.Errorf("bytes written: got %v want 5120", got)
	}
}

func TestJobRunningGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobStarted(job.KindStore)
	m.JobStarted(job.KindStore)
	m.JobStopped(job.KindStore)

	var metric dto.Metric
	if err := m.JobsRunning.WithLabelValues(string(job.KindStore)).Write(&metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 1 {
		t.Errorf("jobs running: got %v want 1", got)
	}
}

func TestJobFailedIncrementsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	id := job.NewID()

	m.JobFailed(id, job.KindLoad)

	if got := counterValue(t, m.JobFailures.WithLabelValues(id.String(), string(job.KindLoad))); got != 1 {
		t.Errorf("job failures: got %v want 1", got)
	}
}
