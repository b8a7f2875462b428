package storeworker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/objectstore"
)

// Reconciler sweeps a job's S3 prefix for objects whose catalog row never
// committed — the PUT in flush succeeded but the process crashed before
// InsertChunk ran — and deletes them, per section 4.4's orphan-object
// reconciliation note.
//
// SafetyWindow is supplied by the caller: a chunk younger than the window
// may simply be mid-flush, not orphaned. cmd/nats3 passes 2x
// RECONCILER_INTERVAL; the window is not derived from the S3 retry
// policy, and nothing checks that it exceeds the worst-case flush retry
// budget.
type Reconciler struct {
	objects      *objectstore.Store
	catalog      catalog.Store
	log          zerolog.Logger
	safetyWindow time.Duration
	interval     time.Duration
}

// NewReconciler builds a Reconciler with the given safety window and
// sweep interval.
func NewReconciler(objects *objectstore.Store, cat catalog.Store, safetyWindow, interval time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		objects:      objects,
		catalog:      cat,
		log:          log.With().Str("component", "reconciler").Logger(),
		safetyWindow: safetyWindow,
		interval:     interval,
	}
}

// Run sweeps on Reconciler's interval until ctx is canceled, covering
// every (bucket, prefix) pair any live store job currently writes to.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepAll(ctx); err != nil {
				r.log.Warn().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// SweepAll discovers the distinct (bucket, prefix) pairs in use by
// sampling the store-job table, then sweeps each once. Exported for the
// `nats3 reconcile` one-shot operator command.
func (r *Reconciler) SweepAll(ctx context.Context) error {
	jobs, err := r.catalog.ListStoreJobs(ctx)
	if err != nil {
		return err
	}
	type target struct{ bucket, prefix string }
	seen := make(map[target]bool)
	for _, j := range jobs {
		t := target{j.Bucket, j.Prefix}
		if seen[t] {
			continue
		}
		seen[t] = true
		if err := r.sweep(ctx, t.bucket, t.prefix); err != nil {
			r.log.Warn().Err(err).Str("bucket", t.bucket).Msg("sweep failed for bucket")
		}
	}
	return nil
}

// sweep lists every object under bucket/prefix and deletes any key that
// (a) has no matching non-deleted catalog row, at any row age, and
// (b) is itself older than the safety window, judged from the
// timestamp embedded in its key. A young unreferenced object is left
// alone — it may simply be mid-flush, with its catalog row not
// committed yet.
func (r *Reconciler) sweep(ctx context.Context, bucket, prefix string) error {
	cutoff := time.Now().Add(-r.safetyWindow)

	// ListOrphanCandidates filters on created_at < olderThan; passing a
	// point safely past "now" pulls in every row that currently exists,
	// including ones flushed a moment ago, so they still count as
	// referenced even though they're younger than cutoff.
	known, err := r.catalog.ListOrphanCandidates(ctx, bucket, prefix, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(known))
	for _, c := range known {
		if c.DeletedAt == nil {
			referenced[c.Key] = true
		}
	}

	continuation := ""
	for {
		page, err := r.objects.List(ctx, bucket, prefix, continuation)
		if err != nil {
			return err
		}
		for _, key := range page.Keys {
			if referenced[key] {
				continue
			}
			ts, ok := objectstore.KeyTimestamp(key)
			if !ok || ts.After(cutoff) {
				continue
			}
			if err := r.objects.Delete(ctx, bucket, key); err != nil {
				r.log.Warn().Err(err).Str("key", key).Msg("failed to delete orphaned object")
				continue
			}
			r.log.Warn().Str("bucket", bucket).Str("key", key).Msg("deleted orphaned object with no catalog row")
		}
		if page.NextContinuation == "" {
			break
		}
		continuation = page.NextContinuation
	}
	return nil
}
