package storeworker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/objectstore"
)

func TestSweepDeletesUnreferencedOldObject(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()

	old := time.Now().Add(-time.Hour)
	key := objectstore.Key("", "orders", "orders.created", old.UnixNano(), 1, old)
	fs3.objects[key] = []byte("orphan")

	r := NewReconciler(objects, cat, 5*time.Minute, time.Minute, zerolog.Nop())
	if err := r.sweep(context.Background(), "archive", ""); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, ok := fs3.objects[key]; ok {
		t.Fatalf("expected orphaned object to be deleted")
	}
}

func TestSweepLeavesReferencedObject(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()

	old := time.Now().Add(-time.Hour)
	key := objectstore.Key("", "orders", "orders.created", old.UnixNano(), 1, old)
	fs3.objects[key] = []byte("referenced")
	if err := cat.InsertChunk(context.Background(), job.Chunk{
		SequenceNumber: 1, Bucket: "archive", Key: key, Stream: "orders", Subject: "orders.created",
		TimestampStart: old, TimestampEnd: old, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert chunk: %v", err)
	}

	r := NewReconciler(objects, cat, 5*time.Minute, time.Minute, zerolog.Nop())
	if err := r.sweep(context.Background(), "archive", ""); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, ok := fs3.objects[key]; !ok {
		t.Fatalf("expected referenced object to survive the sweep")
	}
}

func TestSweepLeavesYoungUnreferencedObject(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()

	now := time.Now()
	key := objectstore.Key("", "orders", "orders.created", now.UnixNano(), 1, now)
	fs3.objects[key] = []byte("mid-flush")

	r := NewReconciler(objects, cat, time.Hour, time.Minute, zerolog.Nop())
	if err := r.sweep(context.Background(), "archive", ""); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, ok := fs3.objects[key]; !ok {
		t.Fatalf("expected young unreferenced object to survive the sweep")
	}
}

func TestSweepAllCoversDistinctJobPrefixes(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()

	old := time.Now().Add(-time.Hour)
	keyA := objectstore.Key("a", "orders", "orders.created", old.UnixNano(), 1, old)
	keyB := objectstore.Key("b", "payments", "payments.made", old.UnixNano(), 2, old)
	fs3.objects[keyA] = []byte("orphan-a")
	fs3.objects[keyB] = []byte("orphan-b")

	now := time.Now().UTC()
	mustUpsert := func(name, prefix string) {
		t.Helper()
		if err := cat.UpsertStoreJob(context.Background(), job.StoreJob{
			Common: job.Common{ID: job.NewID(), Name: name, Kind: job.KindStore, Status: job.Running, CreatedAt: now, UpdatedAt: now},
			Bucket: "archive", Prefix: prefix,
		}); err != nil {
			t.Fatalf("upsert store job %s: %v", name, err)
		}
	}
	mustUpsert("job-a", "a")
	mustUpsert("job-b", "b")

	r := NewReconciler(objects, cat, 5*time.Minute, time.Minute, zerolog.Nop())
	if err := r.SweepAll(context.Background()); err != nil {
		t.Fatalf("SweepAll: %v", err)
	}

	if _, ok := fs3.objects[keyA]; ok {
		t.Errorf("expected orphan under prefix a to be deleted")
	}
	if _, ok := fs3.objects[keyB]; ok {
		t.Errorf("expected orphan under prefix b to be deleted")
	}
}
