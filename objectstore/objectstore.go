// Package objectstore implements the S3-compatible object store adapter
// described in section 4.2 of the design specification: put/get/delete/list
// with the chunk key layout and bounded retry on transient failures.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func bytesReader(data []byte) *bytes.Reader { return bytes.NewReader(data) }

// Client is the subset of the AWS S3 SDK this package depends on, mirroring
// the teacher's aws.S3Client interface-plus-impl split so the rest of the
// module never imports the SDK directly.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ Client = (*s3.Client)(nil)

// RetryPolicy bounds the exponential-backoff-with-jitter retry loop for
// transient failures, per the enumerated config surface in section 6.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the teacher's writer.go backoff shape
// (100ms base, 30s cap) generalized to S3 operations.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second}

// Store is the object store adapter used by store and load workers.
type Store struct {
	client Client
	retry  RetryPolicy
}

// New builds a Store over the given S3 client with the given retry policy.
func New(client Client, retry RetryPolicy) *Store {
	return &Store{client: client, retry: retry}
}

// Put writes bytes to bucket/key, retrying transient failures, and returns
// the resulting ETag. PUT is idempotent at the bucket/key level; the
// catalog guarantees keys are not reused across chunks.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte) (etag string, err error) {
	err = s.withRetry(ctx, func() error {
		out, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytesReader(data),
		})
		if putErr != nil {
			return putErr
		}
		if out.ETag != nil {
			etag = *out.ETag
		}
		return nil
	})
	return etag, err
}

// Get reads bucket/key in full. Returns ErrNotFound itself (not wrapped)
// when the SDK reports NoSuchKey/NotFound.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, func() error {
		out, getErr := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if getErr != nil {
			return getErr
		}
		defer func() { _ = out.Body.Close() }()
		body, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return readErr
		}
		data = body
		return nil
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes bucket/key. Deleting an already-absent key is not an error
// (S3 DeleteObject itself is idempotent this way).
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// ListPage is one page of a prefix listing.
type ListPage struct {
	Keys           []string
	NextContinuation string
}

// List lists keys under bucket/prefix, one page at a time, per section
// 4.2's discovery path used when the catalog is unavailable.
func (s *Store) List(ctx context.Context, bucket, prefix, continuation string) (ListPage, error) {
	var page ListPage
	err := s.withRetry(ctx, func() error {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		}
		if continuation != "" {
			input.ContinuationToken = aws.String(continuation)
		}
		out, listErr := s.client.ListObjectsV2(ctx, input)
		if listErr != nil {
			return listErr
		}
		keys := make([]string, 0, len(out.Contents))
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		page.Keys = keys
		if out.NextContinuationToken != nil {
			page.NextContinuation = *out.NextContinuationToken
		}
		return nil
	})
	return page, err
}

// Key builds the chunk object key per section 4.2's layout:
// {prefix}/{stream}/{subject}/{yyyy}/{mm}/{dd}/{timestampStartNanos}-{sequenceNumber}.chunk
// Ordering timestamp before sequence keeps lexical listing order close to
// temporal order within one stream/subject/day directory; keys of
// different streams or subjects sort by those path components first.
func Key(prefix, stream, subject string, timestampStartNanos, sequenceNumber int64, t time.Time) string {
	var b []byte
	if prefix != "" {
		b = append(b, prefix...)
		b = append(b, '/')
	}
	b = append(b, stream...)
	b = append(b, '/')
	b = append(b, subject...)
	b = append(b, '/')
	b = fmt.Appendf(b, "%04d/%02d/%02d/%d-%d.chunk", t.Year(), t.Month(), t.Day(), timestampStartNanos, sequenceNumber)
	return string(b)
}

// KeyTimestamp extracts the timestampStartNanos component embedded in a
// key built by Key, so callers that only have a listed key (no catalog
// row) can still judge its age — used by the store-job reconciler to
// avoid deleting an object that is simply mid-flush.
func KeyTimestamp(key string) (time.Time, bool) {
	base := key
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".chunk")
	dash := strings.IndexByte(base, '-')
	if dash < 0 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(base[:dash], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// ErrNotFound is returned by Get when bucket/key does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// isTransient reports whether err is a 5xx or network-class failure that
// should be retried, versus a permanent 4xx (other than retry-exempt 404,
// which callers handle via isNotFound before retrying would even help).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() >= 500
	}
	// Anything not a well-formed HTTP response error (DNS failure, reset
	// connection, context deadline from a lower layer) is treated as
	// transient network trouble.
	return true
}

// withRetry runs fn with exponential backoff and jitter up to s.retry's
// bounded budget, per section 4.2. Permanent failures (4xx other than 404)
// surface immediately.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	policy := s.retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepBackoff(ctx, policy, attempt) {
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if isNotFound(err) || !isTransient(err) {
			return err
		}
	}
	return fmt.Errorf("objectstore: exhausted %d attempts: %w", policy.MaxAttempts, lastErr)
}

func sleepBackoff(ctx context.Context, policy RetryPolicy, attempt int) bool {
	delay := policy.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay) + 1))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
