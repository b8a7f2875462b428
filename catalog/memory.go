package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats3bridge/nats3/errs"
	"github.com/nats3bridge/nats3/job"
)

func transitionErr(from, to job.Status) error {
	return fmt.Errorf("cannot transition from %s to %s", from, to)
}

// MemoryStore implements Store using in-process maps. It is primarily
// intended for testing and for running the bridge without a Postgres
// dependency during development.
type MemoryStore struct {
	mu sync.Mutex

	storeJobs map[job.ID]job.StoreJob
	loadJobs  map[job.ID]job.LoadJob
	chunks    map[int64]job.Chunk
	cursors   map[job.ID]job.LoadCursor
	nextSeq   int64

	locks map[job.ID]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		storeJobs: make(map[job.ID]job.StoreJob),
		loadJobs:  make(map[job.ID]job.LoadJob),
		chunks:    make(map[int64]job.Chunk),
		cursors:   make(map[job.ID]job.LoadCursor),
		locks:     make(map[job.ID]*sync.Mutex),
	}
}

func (s *MemoryStore) nameInUse(name string, kind job.Kind, except job.ID) bool {
	if kind == job.KindStore {
		for _, j := range s.storeJobs {
			if j.Name == name && j.ID != except && j.DeletedAt == nil {
				return true
			}
		}
		return false
	}
	for _, j := range s.loadJobs {
		if j.Name == name && j.ID != except && j.DeletedAt == nil {
			return true
		}
	}
	return false
}

func (s *MemoryStore) UpsertStoreJob(ctx context.Context, j job.StoreJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameInUse(j.Name, job.KindStore, j.ID) {
		return errs.Wrap(errs.Conflict, "store job name in use", ErrNameConflict)
	}
	s.storeJobs[j.ID] = j
	return nil
}

func (s *MemoryStore) UpsertLoadJob(ctx context.Context, j job.LoadJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameInUse(j.Name, job.KindLoad, j.ID) {
		return errs.Wrap(errs.Conflict, "load job name in use", ErrNameConflict)
	}
	s.loadJobs[j.ID] = j
	return nil
}

func (s *MemoryStore) GetStoreJob(ctx context.Context, id job.ID) (job.StoreJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.storeJobs[id]
	if !ok {
		return job.StoreJob{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) GetLoadJob(ctx context.Context, id job.ID) (job.LoadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.loadJobs[id]
	if !ok {
		return job.LoadJob{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) ListStoreJobs(ctx context.Context) ([]job.StoreJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.StoreJob, 0, len(s.storeJobs))
	for _, j := range s.storeJobs {
		if j.DeletedAt == nil {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLoadJobs(ctx context.Context) ([]job.LoadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.LoadJob, 0, len(s.loadJobs))
	for _, j := range s.loadJobs {
		if j.DeletedAt == nil {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id job.ID, kind job.Kind, status job.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if kind == job.KindStore {
		j, ok := s.storeJobs[id]
		if !ok {
			return ErrNotFound
		}
		if !j.Status.CanTransitionTo(status) && j.Status != status {
			return errs.Wrap(errs.Conflict, "illegal status transition", transitionErr(j.Status, status))
		}
		j.Status, j.Reason, j.UpdatedAt = status, reason, now
		s.storeJobs[id] = j
		return nil
	}
	j, ok := s.loadJobs[id]
	if !ok {
		return ErrNotFound
	}
	if !j.Status.CanTransitionTo(status) && j.Status != status {
		return errs.Wrap(errs.Conflict, "illegal status transition", transitionErr(j.Status, status))
	}
	j.Status, j.Reason, j.UpdatedAt = status, reason, now
	s.loadJobs[id] = j
	return nil
}

func (s *MemoryStore) SetDesired(ctx context.Context, id job.ID, kind job.Kind, desired job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if kind == job.KindStore {
		j, ok := s.storeJobs[id]
		if !ok {
			return ErrNotFound
		}
		j.Desired, j.UpdatedAt = desired, now
		s.storeJobs[id] = j
		return nil
	}
	j, ok := s.loadJobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Desired, j.UpdatedAt = desired, now
	s.loadJobs[id] = j
	return nil
}

func (s *MemoryStore) SoftDeleteJob(ctx context.Context, id job.ID, kind job.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if kind == job.KindStore {
		j, ok := s.storeJobs[id]
		if !ok {
			return ErrNotFound
		}
		j.DeletedAt = &now
		s.storeJobs[id] = j
		return nil
	}
	j, ok := s.loadJobs[id]
	if !ok {
		return ErrNotFound
	}
	j.DeletedAt = &now
	s.loadJobs[id] = j
	return nil
}

func (s *MemoryStore) RecoverRunning(ctx context.Context) ([]job.StoreJob, []job.LoadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sj []job.StoreJob
	var lj []job.LoadJob
	for _, j := range s.storeJobs {
		if j.Status == job.Running && j.DeletedAt == nil {
			sj = append(sj, j)
		}
	}
	for _, j := range s.loadJobs {
		if j.Status == job.Running && j.DeletedAt == nil {
			lj = append(lj, j)
		}
	}
	return sj, lj, nil
}

// WithJobLock serializes fn per job.ID using a private per-id mutex,
// standing in for the Postgres row lock taken via SELECT ... FOR UPDATE.
func (s *MemoryStore) WithJobLock(ctx context.Context, id job.ID, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *MemoryStore) NextSequenceNumber(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq, nil
}

func (s *MemoryStore) InsertChunk(ctx context.Context, c job.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[c.SequenceNumber] = c
	return nil
}

func (s *MemoryStore) SelectChunks(ctx context.Context, sel ChunkSelector) ([]job.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Chunk
	for _, c := range s.chunks {
		if c.DeletedAt != nil {
			continue
		}
		if c.Bucket != sel.Bucket || c.Stream != sel.Stream || c.Subject != sel.Subject {
			continue
		}
		if sel.Prefix != "" && c.Prefix != sel.Prefix {
			continue
		}
		if c.SequenceNumber <= sel.AfterSeq {
			continue
		}
		if sel.FromTime != nil && c.TimestampEnd.Before(*sel.FromTime) {
			continue
		}
		if sel.ToTime != nil && c.TimestampStart.After(*sel.ToTime) {
			continue
		}
		out = append(out, c)
	}
	sortChunks(out)
	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

func sortChunks(cs []job.Chunk) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && less(cs[j], cs[j-1]); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func less(a, b job.Chunk) bool {
	if !a.TimestampStart.Equal(b.TimestampStart) {
		return a.TimestampStart.Before(b.TimestampStart)
	}
	return a.SequenceNumber < b.SequenceNumber
}

func (s *MemoryStore) MarkChunkDeleted(ctx context.Context, sequenceNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[sequenceNumber]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	s.chunks[sequenceNumber] = c
	return nil
}

func (s *MemoryStore) PurgeDeletedChunks(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for seq, c := range s.chunks {
		if c.DeletedAt != nil && c.DeletedAt.Before(olderThan) {
			delete(s.chunks, seq)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListOrphanCandidates(ctx context.Context, bucket, prefix string, olderThan time.Time) ([]job.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Chunk
	for _, c := range s.chunks {
		if c.Bucket == bucket && c.Prefix == prefix && c.CreatedAt.Before(olderThan) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveLoadCursor(ctx context.Context, id job.ID, cur job.LoadCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[id] = cur
	return nil
}

func (s *MemoryStore) GetLoadCursor(ctx context.Context, id job.ID) (job.LoadCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[id], nil
}
