package loadworker

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/codec"
	"github.com/nats3bridge/nats3/job"
	"github.com/nats3bridge/nats3/metrics"
	"github.com/nats3bridge/nats3/objectstore"
)

type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.objects[*in.Key] = data
	etag := "etag"
	return &s3.PutObjectOutput{ETag: &etag}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}


type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, headers, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, string(body))
	return nil
}

func testLoadJob() job.LoadJob {
	now := time.Now().UTC()
	return job.LoadJob{
		Common: job.Common{
			ID:        job.NewID(),
			Name:      "replay-test",
			Kind:      job.KindLoad,
			Status:    job.Running,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Bucket:       "archive",
		Stream:       "orders",
		Subject:      "orders.created",
		WriteSubject: "orders.replay",
	}
}

func writeChunk(t *testing.T, objects *objectstore.Store, cat catalog.Store, def job.LoadJob, seq int64, bodies ...string) job.Chunk {
	t.Helper()
	records := make([]codec.Record, len(bodies))
	base := time.Now().UTC()
	for i, b := range bodies {
		records[i] = codec.Record{Subject: def.Subject, Timestamp: base.Add(time.Duration(i) * time.Second), Body: []byte(b)}
	}
	data, hash, _, err := codec.Encode(records, job.CodecBinary)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	start, end := codec.TimestampBounds(records)
	key := objectstore.Key("", def.Stream, def.Subject, start.UnixNano(), seq, start)
	if _, err := objects.Put(context.Background(), def.Bucket, key, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	chunk := job.Chunk{
		SequenceNumber: seq,
		Bucket:         def.Bucket,
		Key:            key,
		Stream:         def.Stream,
		Subject:        def.Subject,
		TimestampStart: start,
		TimestampEnd:   end,
		MessageCount:   int64(len(bodies)),
		Codec:          job.CodecBinary,
		ContentHash:    hash,
		CreatedAt:      time.Now().UTC(),
	}
	if err := cat.InsertChunk(context.Background(), chunk); err != nil {
		t.Fatalf("insert chunk: %v", err)
	}
	return chunk
}

func TestRunReplaysChunksAndAdvancesCursor(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()
	def := testLoadJob()

	writeChunk(t, objects, cat, def, 1, "a", "b")
	writeChunk(t, objects, cat, def, 2, "c")

	pub := &fakePublisher{}
	m := metrics.New(prometheus.NewRegistry())
	w := New(def, pub, objects, cat, m, zerolog.Nop())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(pub.published) != 3 {
		t.Fatalf("expected 3 published records, got %d: %v", len(pub.published), pub.published)
	}

	cursor, err := cat.GetLoadCursor(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor.LastChunkSequenceCompleted != 2 {
		t.Errorf("expected cursor at sequence 2, got %d", cursor.LastChunkSequenceCompleted)
	}
}

func TestRunSkipsAlreadyCompletedChunks(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()
	def := testLoadJob()

	writeChunk(t, objects, cat, def, 1, "a")
	writeChunk(t, objects, cat, def, 2, "b")

	if err := cat.SaveLoadCursor(context.Background(), def.ID, job.LoadCursor{LastChunkSequenceCompleted: 1}); err != nil {
		t.Fatalf("save cursor: %v", err)
	}

	pub := &fakePublisher{}
	m := metrics.New(prometheus.NewRegistry())
	w := New(def, pub, objects, cat, m, zerolog.Nop())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0] != "b" {
		t.Fatalf("expected only chunk 2 replayed, got %v", pub.published)
	}
}

func TestMissingChunkFailsWithoutDeleteChunks(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()
	def := testLoadJob()

	c := writeChunk(t, objects, cat, def, 1, "a")
	delete(fs3.objects, c.Key)

	pub := &fakePublisher{}
	m := metrics.New(prometheus.NewRegistry())
	w := New(def, pub, objects, cat, m, zerolog.Nop())

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing chunk with delete_chunks false")
	}
}

func TestMissingChunkSkipsWithDeleteChunks(t *testing.T) {
	fs3 := newFakeS3()
	objects := objectstore.New(fs3, objectstore.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cat := catalog.NewMemoryStore()
	def := testLoadJob()
	def.DeleteChunks = true

	c := writeChunk(t, objects, cat, def, 1, "a")
	delete(fs3.objects, c.Key)
	writeChunk(t, objects, cat, def, 2, "b")

	pub := &fakePublisher{}
	m := metrics.New(prometheus.NewRegistry())
	w := New(def, pub, objects, cat, m, zerolog.Nop())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0] != "b" {
		t.Fatalf("expected chunk 1 skipped, chunk 2 replayed; got %v", pub.published)
	}
}
