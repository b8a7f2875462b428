// Package storeworker implements the bus -> S3 store job worker described
// in section 4.4 of the design specification: an Idle -> Accumulating ->
// Flushing batching state machine bound to a durable consumer.
package storeworker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/bus"
	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/codec"
	"github.com/nats3bridge/nats3/errs"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/metrics"
	"github.com/nats3bridge/nats3/objectstore"
)

// state tracks where the batching loop currently is, per section 4.4.
type state int

const (
	stateIdle state = iota
	stateAccumulating
	stateFlushing
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateAccumulating:
		return "Accumulating"
	case stateFlushing:
		return "Flushing"
	default:
		return "Unknown"
	}
}

const fetchBatchSize = 256

// maxFlushFailures bounds how many consecutive encode/PUT/catalog failures
// flush tolerates, with backoff between attempts, before giving up and
// failing the job. A single transient catalog hiccup must not end a job
// that would otherwise have succeeded on retry.
const maxFlushFailures = 5

// backoffWait bounds how long the worker sleeps after a transient fetch
// or flush error before retrying, doubling each attempt up to the cap.
func backoffWait(attempt int) time.Duration {
	d := 500 * time.Millisecond * time.Duration(1<<uint(attempt))
	const cap = 30 * time.Second
	if d > cap {
		d = cap
	}
	return d
}

// Worker runs a single store job's batching loop until its context is
// canceled, flushing any partial batch on the way out.
type Worker struct {
	jobID job.ID
	def   job.StoreJob

	bus     *bus.Bus
	objects *objectstore.Store
	catalog catalog.Store
	metrics *metrics.Metrics
	log     zerolog.Logger

	state       state
	records     []codec.Record
	pending     []bus.Message
	batchBytes  int64
	accumSince  time.Time
}

// New builds a Worker for the given store job.
func New(def job.StoreJob, b *bus.Bus, objects *objectstore.Store, cat catalog.Store, m *metrics.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		jobID:   def.ID,
		def:     def,
		bus:     b,
		objects: objects,
		catalog: cat,
		metrics: m,
		log:     log.With().Str("job_id", def.ID.String()).Str("job", "store").Logger(),
		state:   stateIdle,
	}
}

func (w *Worker) consumerName() string {
	if w.def.Consumer != "" {
		return w.def.Consumer
	}
	return fmt.Sprintf("nats3-store-%s", w.jobID)
}

// Run binds the job's durable consumer and batches deliveries into chunks
// until ctx is canceled. Any partially accumulated batch is flushed before
// returning, so pausing a store job never drops buffered messages.
func (w *Worker) Run(ctx context.Context) error {
	handle, err := w.bus.BindConsumer(ctx, w.def.Stream, w.consumerName(), w.def.Subject)
	if err != nil {
		return err
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return w.drainAndFlush(context.Background())
		default:
		}

		// Fetch no more than the batch still has room for, so a chunk never
		// exceeds MaxCount and a stalled flush pauses fetching.
		n := fetchBatchSize
		if mc := w.def.Batch.MaxCount; mc > 0 && mc-len(w.records) < n {
			n = mc - len(w.records)
		}
		msgs, err := handle.Fetch(ctx, n, 2*time.Second)
		if err != nil {
			if errs.KindOf(err) != errs.Transient {
				return err
			}
			attempt++
			w.log.Warn().Err(err).Int("attempt", attempt).Msg("fetch failed, backing off")
			select {
			case <-time.After(backoffWait(attempt)):
			case <-ctx.Done():
				return w.drainAndFlush(context.Background())
			}
			continue
		}
		attempt = 0

		for _, m := range msgs {
			if w.state == stateIdle {
				w.state = stateAccumulating
				w.accumSince = time.Now()
			}
			w.records = append(w.records, codec.Record{
				Subject:   m.Subject,
				Timestamp: m.Timestamp,
				Headers:   m.Headers,
				Body:      m.Body,
			})
			w.pending = append(w.pending, m)
			w.batchBytes += int64(len(m.Body))
			w.metrics.MessageConsumed(w.jobID)
		}

		if w.shouldFlush() {
			if err := w.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// shouldFlush reports whether any of the store job's threshold crossings
// from section 4.4 have been hit.
func (w *Worker) shouldFlush() bool {
	if len(w.records) == 0 {
		return false
	}
	b := w.def.Batch
	if b.MaxCount > 0 && len(w.records) >= b.MaxCount {
		return true
	}
	if b.MaxBytes > 0 && w.batchBytes >= b.MaxBytes {
		return true
	}
	if b.MaxAge > 0 && time.Since(w.accumSince) >= b.MaxAge {
		return true
	}
	return false
}

// drainAndFlush flushes any partial batch on shutdown, using ctx (not the
// canceled worker context) so the final write can complete.
func (w *Worker) drainAndFlush(ctx context.Context) error {
	if len(w.records) == 0 {
		return nil
	}
	return w.flush(ctx)
}

// flush implements the catalog-first-after-S3-PUT ordering from section
// 4.4: encode, PUT, insert the catalog row, then ack. Acking only after
// the catalog commit means a crash between PUT and ack simply redelivers
// the same messages into the next chunk; if the crash came before the
// catalog insert, the object is also orphaned and later swept by the
// Reconciler.
//
// On an encode or catalog failure the batch is preserved and the attempt
// retries with backoff, per section 4.4; only after maxFlushFailures
// consecutive failures does flush give up and return an error, which Run
// propagates to fail the job.
func (w *Worker) flush(ctx context.Context) error {
	w.state = stateFlushing
	defer func() { w.state = stateIdle }()

	records, pending, batchBytes := w.records, w.pending, w.batchBytes
	w.records, w.pending, w.batchBytes = nil, nil, 0

	var lastErr error
	for attempt := 0; attempt < maxFlushFailures; attempt++ {
		if attempt > 0 {
			w.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("flush failed, retrying after backoff")
			select {
			case <-time.After(backoffWait(attempt)):
			case <-ctx.Done():
				w.records, w.pending, w.batchBytes = records, pending, batchBytes
				return ctx.Err()
			}
		}
		if err := w.tryFlush(ctx, records, pending); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	// Every retry exhausted: restore the batch so a resumed job doesn't
	// silently lose the buffered messages, then fail the job.
	w.records, w.pending, w.batchBytes = records, pending, batchBytes
	return fmt.Errorf("flush failed after %d attempts: %w", maxFlushFailures, lastErr)
}

// tryFlush makes a single attempt to encode, PUT, and catalog one chunk
// from records/pending, acking pending only once the catalog row commits.
func (w *Worker) tryFlush(ctx context.Context, records []codec.Record, pending []bus.Message) error {
	data, hash, uncompressed, err := codec.Encode(records, w.def.Codec)
	if err != nil {
		return errs.Wrap(errs.Integrity, "encode chunk", err)
	}
	start, end := codec.TimestampBounds(records)

	seq, err := w.catalog.NextSequenceNumber(ctx)
	if err != nil {
		return err
	}
	key := objectstore.Key(w.def.Prefix, w.def.Stream, w.def.Subject, start.UnixNano(), seq, start)

	if _, err := w.objects.Put(ctx, w.def.Bucket, key, data); err != nil {
		return err
	}

	chunk := job.Chunk{
		SequenceNumber: seq,
		StoreJobID:     &w.jobID,
		Bucket:         w.def.Bucket,
		Prefix:         w.def.Prefix,
		Key:            key,
		Stream:         w.def.Stream,
		Consumer:       w.consumerName(),
		Subject:        w.def.Subject,
		TimestampStart: start,
		TimestampEnd:   end,
		MessageCount:   int64(len(records)),
		SizeBytes:      int64(len(data)),
		Codec:          w.def.Codec,
		ContentHash:    hash,
		SchemaVersion:  1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.catalog.InsertChunk(ctx, chunk); err != nil {
		return err
	}

	for _, m := range pending {
		if err := m.Ack(ctx); err != nil {
			w.log.Warn().Err(err).Msg("ack failed after committed flush; message will be redelivered")
		}
	}

	w.metrics.ChunkFlushed(w.jobID, int64(len(data)))
	w.log.Info().
		Int64("sequence_number", seq).
		Int("record_count", len(records)).
		Int64("uncompressed_bytes", uncompressed).
		Int("compressed_bytes", len(data)).
		Str("key", key).
		Msg("flushed chunk")
	return nil
}
