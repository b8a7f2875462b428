// Package metrics implements the Prometheus metrics surface described in
// section 7 of the design specification.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nats3bridge/nats3/job"
)

// Metrics holds every counter and gauge the bridge exposes on /metrics.
type Metrics struct {
	ChunksWritten  *prometheus.CounterVec
	ChunksRead     *prometheus.CounterVec
	BytesWritten   *prometheus.CounterVec
	BytesRead      *prometheus.CounterVec
	MessagesIn     *prometheus.CounterVec
	MessagesOut    *prometheus.CounterVec
	JobFailures    *prometheus.CounterVec
	JobsRunning    *prometheus.GaugeVec
}

// New registers every metric against reg and returns the bound Metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChunksWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_chunks_written_total",
			Help: "Chunks successfully written to the object store.",
		}, []string{"job_id"}),
		ChunksRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_chunks_read_total",
			Help: "Chunks successfully read from the object store.",
		}, []string{"job_id"}),
		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_bytes_written_total",
			Help: "Compressed bytes written to the object store.",
		}, []string{"job_id"}),
		BytesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_bytes_read_total",
			Help: "Compressed bytes read from the object store.",
		}, []string{"job_id"}),
		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_messages_in_total",
			Help: "Bus messages consumed by store jobs.",
		}, []string{"job_id"}),
		MessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_messages_out_total",
			Help: "Bus messages published by load jobs.",
		}, []string{"job_id"}),
		JobFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_job_failures_total",
			Help: "Job failures by job id and kind.",
		}, []string{"job_id", "kind"}),
		JobsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nats3_jobs_running",
			Help: "Currently running jobs by kind.",
		}, []string{"kind"}),
	}
}

// JobStarted records a job entering Running, for jobs_running{kind}.
func (m *Metrics) JobStarted(kind job.Kind) {
	m.JobsRunning.WithLabelValues(string(kind)).Inc()
}

// JobStopped records a job leaving Running (paused, succeeded, or failed).
func (m *Metrics) JobStopped(kind job.Kind) {
	m.JobsRunning.WithLabelValues(string(kind)).Dec()
}

// JobFailed records a job failure by id and kind.
func (m *Metrics) JobFailed(id job.ID, kind job.Kind) {
	m.JobFailures.WithLabelValues(id.String(), string(kind)).Inc()
}

// ChunkFlushed records one store-job flush of n bytes.
func (m *Metrics) ChunkFlushed(id job.ID, bytes int64) {
	m.ChunksWritten.WithLabelValues(id.String()).Inc()
	m.BytesWritten.WithLabelValues(id.String()).Add(float64(bytes))
}

// ChunkLoaded records one load-job chunk GET of n bytes.
func (m *Metrics) ChunkLoaded(id job.ID, bytes int64) {
	m.ChunksRead.WithLabelValues(id.String()).Inc()
	m.BytesRead.WithLabelValues(id.String()).Add(float64(bytes))
}

// MessageConsumed records one bus message accumulated by a store job.
func (m *Metrics) MessageConsumed(id job.ID) {
	m.MessagesIn.WithLabelValues(id.String()).Inc()
}

// MessagePublished records one bus message replayed by a load job.
func (m *Metrics) MessagePublished(id job.ID) {
	m.MessagesOut.WithLabelValues(id.String()).Inc()
}
