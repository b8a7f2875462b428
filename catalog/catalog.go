// Package catalog implements the transactional metadata store described in
// section 4.3 of the design specification: the durable record of jobs,
// chunks, and load cursors that both workers and the supervisor treat as
// the single source of truth.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/nats3bridge/nats3/job"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("catalog: not found")

// ErrNameConflict is returned by Upsert*Job when a different job already
// owns the requested name, per the Conflict case in section 7.
var ErrNameConflict = errors.New("catalog: name already in use")

// ChunkSelector narrows SelectChunks to the window a load job reads,
// per section 4.3's discovery query ordered by (timestamp_start, sequence).
type ChunkSelector struct {
	Bucket    string
	Prefix    string
	Stream    string
	Subject   string
	FromTime  *time.Time
	ToTime    *time.Time
	AfterSeq  int64 // exclusive lower bound on sequence_number, for resuming a tail
	Limit     int
}

// Store is the catalog's contract. PostgresStore is the production
// implementation; MemoryStore backs unit tests and local development.
type Store interface {
	UpsertStoreJob(ctx context.Context, j job.StoreJob) error
	UpsertLoadJob(ctx context.Context, j job.LoadJob) error
	GetStoreJob(ctx context.Context, id job.ID) (job.StoreJob, error)
	GetLoadJob(ctx context.Context, id job.ID) (job.LoadJob, error)
	ListStoreJobs(ctx context.Context) ([]job.StoreJob, error)
	ListLoadJobs(ctx context.Context) ([]job.LoadJob, error)

	// SetStatus updates the observed status (and failure reason, if any)
	// of a job, validating the transition against job.Status.CanTransitionTo.
	SetStatus(ctx context.Context, id job.ID, kind job.Kind, status job.Status, reason string) error
	// SetDesired updates the durable desired status a job should converge
	// to, independent of the currently observed status.
	SetDesired(ctx context.Context, id job.ID, kind job.Kind, desired job.Status) error
	SoftDeleteJob(ctx context.Context, id job.ID, kind job.Kind) error

	// RecoverRunning lists every job whose observed status is Running,
	// for the supervisor's boot-time recovery scan.
	RecoverRunning(ctx context.Context) ([]job.StoreJob, []job.LoadJob, error)

	// WithJobLock serializes fn against any other caller holding the same
	// job's row lock, per section 5's per-job-id serialization rule.
	WithJobLock(ctx context.Context, id job.ID, fn func(ctx context.Context) error) error

	NextSequenceNumber(ctx context.Context) (int64, error)
	InsertChunk(ctx context.Context, c job.Chunk) error
	SelectChunks(ctx context.Context, sel ChunkSelector) ([]job.Chunk, error)
	MarkChunkDeleted(ctx context.Context, sequenceNumber int64) error
	PurgeDeletedChunks(ctx context.Context, olderThan time.Time) (int, error)
	// ListOrphanCandidates returns every chunk row in bucket/prefix created
	// before olderThan, soft-deleted rows included. The store worker's
	// Reconciler uses it as the set of keys the catalog knows about.
	ListOrphanCandidates(ctx context.Context, bucket, prefix string, olderThan time.Time) ([]job.Chunk, error)

	SaveLoadCursor(ctx context.Context, id job.ID, cur job.LoadCursor) error
	GetLoadCursor(ctx context.Context, id job.ID) (job.LoadCursor, error)
}
