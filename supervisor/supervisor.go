// Package supervisor implements the live-worker orchestration described
// in section 4.6 of the design specification: a map of running store and
// load jobs, boot-time recovery, and pause/resume/delete lifecycle
// operations serialized per job id through the catalog's row lock.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/bus"
	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/errs"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/loadworker"
	"github.com/nats3bridge/nats3/metrics"
	"github.com/nats3bridge/nats3/objectstore"
	"github.com/nats3bridge/nats3/storeworker"
)

// runnable is implemented by both storeworker.Worker and loadworker.Worker.
type runnable interface {
	Run(ctx context.Context) error
}

// handle tracks one live worker goroutine: how to stop it, and a
// rendezvous channel the supervisor waits on during drain so pause/
// resume/delete never race a half-stopped worker.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	kind   job.Kind
}

// Supervisor owns the live-worker map and reconciles desired vs observed
// job status, per section 4.6.
type Supervisor struct {
	catalog catalog.Store
	bus     *bus.Bus
	objects *objectstore.Store
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	workers map[job.ID]*handle
}

// New builds a Supervisor over the given dependencies.
func New(cat catalog.Store, b *bus.Bus, objects *objectstore.Store, m *metrics.Metrics, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		catalog: cat,
		bus:     b,
		objects: objects,
		metrics: m,
		log:     log.With().Str("component", "supervisor").Logger(),
		workers: make(map[job.ID]*handle),
	}
}

// Boot recovers every job whose observed status was Running at the last
// shutdown and resumes it, per section 4.6's crash-recovery note.
func (s *Supervisor) Boot(ctx context.Context) error {
	storeJobs, loadJobs, err := s.catalog.RecoverRunning(ctx)
	if err != nil {
		return err
	}
	for _, j := range storeJobs {
		s.log.Info().Str("job_id", j.ID.String()).Msg("recovering running store job")
		if err := s.startStoreJob(ctx, j); err != nil {
			s.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("failed to recover store job")
		}
	}
	for _, j := range loadJobs {
		s.log.Info().Str("job_id", j.ID.String()).Msg("recovering running load job")
		if err := s.startLoadJob(ctx, j); err != nil {
			s.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("failed to recover load job")
		}
	}
	return nil
}

// CreateStoreJob persists a new store job and starts it if its desired
// status is Running.
func (s *Supervisor) CreateStoreJob(ctx context.Context, j job.StoreJob) error {
	if j.Desired == job.Running {
		j.Status = job.Running
	} else {
		j.Status = job.Created
	}
	if err := s.catalog.UpsertStoreJob(ctx, j); err != nil {
		return err
	}
	if j.Status == job.Running {
		return s.startStoreJob(ctx, j)
	}
	return nil
}

// CreateLoadJob persists a new load job and starts it if its desired
// status is Running.
func (s *Supervisor) CreateLoadJob(ctx context.Context, j job.LoadJob) error {
	if j.Desired == job.Running {
		j.Status = job.Running
	} else {
		j.Status = job.Created
	}
	if err := s.catalog.UpsertLoadJob(ctx, j); err != nil {
		return err
	}
	if j.Status == job.Running {
		return s.startLoadJob(ctx, j)
	}
	return nil
}

// Pause stops a job's live worker and marks it Paused, serialized against
// any other mutation of the same job via the catalog row lock.
func (s *Supervisor) Pause(ctx context.Context, id job.ID, kind job.Kind) error {
	return s.catalog.WithJobLock(ctx, id, func(ctx context.Context) error {
		s.stopAndWait(id)
		if err := s.catalog.SetDesired(ctx, id, kind, job.Paused); err != nil {
			return err
		}
		return s.catalog.SetStatus(ctx, id, kind, job.Paused, "")
	})
}

// Resume restarts a job's worker from wherever its durable state left
// off (durable consumer position for store jobs, load cursor for load
// jobs) and marks it Running.
func (s *Supervisor) Resume(ctx context.Context, id job.ID, kind job.Kind) error {
	return s.catalog.WithJobLock(ctx, id, func(ctx context.Context) error {
		if err := s.catalog.SetDesired(ctx, id, kind, job.Running); err != nil {
			return err
		}
		if err := s.catalog.SetStatus(ctx, id, kind, job.Running, ""); err != nil {
			return err
		}
		if kind == job.KindStore {
			j, err := s.catalog.GetStoreJob(ctx, id)
			if err != nil {
				return err
			}
			return s.startStoreJob(ctx, j)
		}
		j, err := s.catalog.GetLoadJob(ctx, id)
		if err != nil {
			return err
		}
		return s.startLoadJob(ctx, j)
	})
}

// Delete stops a job's live worker, tears down its bus resources (the
// durable consumer, for store jobs), and soft-deletes its catalog row.
// Chunks already written are left in place; they belong to whichever
// load jobs still reference them.
func (s *Supervisor) Delete(ctx context.Context, id job.ID, kind job.Kind) error {
	return s.catalog.WithJobLock(ctx, id, func(ctx context.Context) error {
		s.stopAndWait(id)
		if kind == job.KindStore {
			j, err := s.catalog.GetStoreJob(ctx, id)
			if err != nil && err != catalog.ErrNotFound {
				return err
			}
			if err == nil {
				name := j.Consumer
				if name == "" {
					name = "nats3-store-" + id.String()
				}
				if err := s.bus.DeleteConsumer(ctx, j.Stream, name); err != nil {
					s.log.Warn().Err(err).Msg("failed to delete consumer during job delete")
				}
			}
		}
		return s.catalog.SoftDeleteJob(ctx, id, kind)
	})
}

func (s *Supervisor) startStoreJob(ctx context.Context, j job.StoreJob) error {
	w := storeworker.New(j, s.bus, s.objects, s.catalog, s.metrics, s.log)
	return s.start(j.ID, job.KindStore, w)
}

func (s *Supervisor) startLoadJob(ctx context.Context, j job.LoadJob) error {
	w := loadworker.New(j, s.bus, s.objects, s.catalog, s.metrics, s.log)
	return s.start(j.ID, job.KindLoad, w)
}

func (s *Supervisor) start(id job.ID, kind job.Kind, w runnable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[id]; exists {
		return errs.New(errs.Conflict, "job already running")
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{}), kind: kind}
	s.workers[id] = h
	s.metrics.JobStarted(kind)

	go func() {
		defer close(h.done)
		err := w.Run(workerCtx)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", id.String()).Msg("worker exited with error")
			s.metrics.JobFailed(id, kind)
			_ = s.catalog.SetStatus(context.Background(), id, kind, job.Failed, err.Error())
			if errs.KindOf(err) == errs.Integrity {
				// Integrity failures are not retried: drop the Running
				// desired status so Reconcile does not restart the job.
				_ = s.catalog.SetDesired(context.Background(), id, kind, job.Failed)
			}
		}
		s.metrics.JobStopped(kind)

		// Remove this worker's own handle from the live-worker map, unless
		// stopAndWait already removed it (Pause/Delete racing this exact
		// return). Checking identity rather than just presence avoids
		// deleting a newer handle if the job was already restarted.
		s.mu.Lock()
		if cur, ok := s.workers[id]; ok && cur == h {
			delete(s.workers, id)
		}
		s.mu.Unlock()
	}()
	return nil
}

// stopAndWait cancels a live worker's context and blocks until its
// goroutine has observed cancellation and returned, so callers never
// race a worker still mid-flush.
func (s *Supervisor) stopAndWait(id job.ID) {
	s.mu.Lock()
	h, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
}

// Reconcile runs once on Supervisor's health-reconciliation interval:
// any job whose desired status is Running but has no live worker (e.g.
// after a worker crashed without external intervention) is restarted.
func (s *Supervisor) Reconcile(ctx context.Context) {
	storeJobs, err := s.catalog.ListStoreJobs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile: list store jobs failed")
		return
	}
	for _, j := range storeJobs {
		if j.Desired != job.Running {
			continue
		}
		s.mu.Lock()
		_, running := s.workers[j.ID]
		s.mu.Unlock()
		if running {
			continue
		}
		s.log.Warn().Str("job_id", j.ID.String()).Msg("reconcile: restarting store job with no live worker")
		if err := s.startStoreJob(ctx, j); err != nil {
			s.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("reconcile: restart failed")
		}
	}

	loadJobs, err := s.catalog.ListLoadJobs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile: list load jobs failed")
		return
	}
	for _, j := range loadJobs {
		if j.Desired != job.Running {
			continue
		}
		s.mu.Lock()
		_, running := s.workers[j.ID]
		s.mu.Unlock()
		if running {
			continue
		}
		s.log.Warn().Str("job_id", j.ID.String()).Msg("reconcile: restarting load job with no live worker")
		if err := s.startLoadJob(ctx, j); err != nil {
			s.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("reconcile: restart failed")
		}
	}
}

// RunReconcileLoop runs Reconcile on interval until ctx is canceled.
func (s *Supervisor) RunReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}
