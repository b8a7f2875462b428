// Package loadworker implements the S3 -> bus load job worker described
// in section 4.5 of the design specification: chunk-plan discovery,
// per-chunk GET -> decode -> publish -> cursor-advance, and tail mode.
package loadworker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/codec"
	"github.com/nats3bridge/nats3/errs"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/metrics"
	"github.com/nats3bridge/nats3/objectstore"
)

// Publisher is the bus-write dependency a load job replays through.
// *bus.Bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, subject string, headers, body []byte) error
}

// Worker replays chunks for a single load job until its context is
// canceled. With PollInterval set it never terminates on its own (tail
// mode); otherwise it returns once the discovered chunk plan is drained.
type Worker struct {
	jobID job.ID
	def   job.LoadJob

	bus     Publisher
	objects *objectstore.Store
	catalog catalog.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New builds a Worker for the given load job.
func New(def job.LoadJob, b Publisher, objects *objectstore.Store, cat catalog.Store, m *metrics.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		jobID:   def.ID,
		def:     def,
		bus:     b,
		objects: objects,
		catalog: cat,
		metrics: m,
		log:     log.With().Str("job_id", def.ID.String()).Str("job", "load").Logger(),
	}
}

// Run discovers and replays every chunk after the job's saved cursor, in
// (timestamp_start, sequence_number) order, per section 4.5. In tail mode
// it polls for newly arrived chunks after draining the current plan.
func (w *Worker) Run(ctx context.Context) error {
	for {
		cursor, err := w.catalog.GetLoadCursor(ctx, w.jobID)
		if err != nil {
			return err
		}

		chunks, err := w.catalog.SelectChunks(ctx, catalog.ChunkSelector{
			Bucket:   w.def.Bucket,
			Prefix:   w.def.Prefix,
			Stream:   w.def.Stream,
			Subject:  w.def.Subject,
			FromTime: w.def.FromTime,
			ToTime:   w.def.ToTime,
			AfterSeq: cursor.LastChunkSequenceCompleted,
		})
		if err != nil {
			return err
		}

		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := w.replay(ctx, c); err != nil {
				return err
			}
		}

		if w.def.PollInterval <= 0 {
			return nil
		}
		select {
		case <-time.After(w.def.PollInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

// replay GETs and decodes one chunk, publishes every record, and advances
// the cursor only after every record has been published — the cursor is
// chunk-granular, so a crash mid-chunk simply replays the whole chunk on
// recovery rather than resuming mid-stream.
func (w *Worker) replay(ctx context.Context, c job.Chunk) error {
	data, err := w.objects.Get(ctx, c.Bucket, c.Key)
	if err != nil {
		if err == objectstore.ErrNotFound {
			return w.handleMissingChunk(ctx, c)
		}
		return err
	}

	hdr, records, err := codec.Decode(data)
	if err != nil {
		return errs.Wrap(errs.Integrity, "decode chunk", err)
	}
	if hdr.ContentHash != c.ContentHash {
		return errs.New(errs.Integrity, "chunk content hash does not match catalog record")
	}

	for _, r := range records {
		if err := w.bus.Publish(ctx, w.def.WriteSubject, r.Headers, r.Body); err != nil {
			return err
		}
		w.metrics.MessagePublished(w.jobID)
	}

	w.metrics.ChunkLoaded(w.jobID, int64(len(data)))
	if err := w.catalog.SaveLoadCursor(ctx, w.jobID, job.LoadCursor{LastChunkSequenceCompleted: c.SequenceNumber}); err != nil {
		return err
	}
	w.log.Info().
		Int64("sequence_number", c.SequenceNumber).
		Int("record_count", len(records)).
		Str("key", c.Key).
		Msg("replayed chunk")

	if w.def.DeleteChunks {
		if err := w.deleteReplayedChunk(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// deleteReplayedChunk removes a fully-replayed chunk's object and marks its
// catalog row deleted, per section 4.5 step 4's delete_chunks option. The
// cursor has already advanced past c, so a failure here does not risk
// re-replaying it; the cleanup is not retried either, since later chunk
// plans start after the cursor and never select c again.
func (w *Worker) deleteReplayedChunk(ctx context.Context, c job.Chunk) error {
	if err := w.objects.Delete(ctx, c.Bucket, c.Key); err != nil {
		return err
	}
	return w.catalog.MarkChunkDeleted(ctx, c.SequenceNumber)
}

// handleMissingChunk resolves a GET-404 against the catalog's expectation
// per the design's decision: delete_chunks=false fails the job outright,
// since a missing chunk otherwise silently truncates the replayed stream;
// delete_chunks=true treats the object's prior deletion as expected and
// skips past it, advancing the cursor.
func (w *Worker) handleMissingChunk(ctx context.Context, c job.Chunk) error {
	if !w.def.DeleteChunks {
		return errs.New(errs.Integrity, "chunk object missing and delete_chunks is false")
	}
	w.log.Warn().Int64("sequence_number", c.SequenceNumber).Str("key", c.Key).
		Msg("chunk object missing, skipping because delete_chunks is true")
	return w.catalog.SaveLoadCursor(ctx, w.jobID, job.LoadCursor{LastChunkSequenceCompleted: c.SequenceNumber})
}
