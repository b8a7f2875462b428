// Package job defines the durable job and chunk types described in
// section 3 of the design specification, plus the status state machine
// described in section 9's "job lifecycle as a state machine" note.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes a StoreJob from a LoadJob.
type Kind string

const (
	KindStore Kind = "store"
	KindLoad  Kind = "load"
)

// Status is the job lifecycle state as defined in section 3.
// It is represented as a sum type with an explicit transition table
// (CanTransitionTo) rather than ad-hoc mutable flags, per section 9.
type Status string

const (
	Created   Status = "Created"
	Running   Status = "Running"
	Paused    Status = "Paused"
	Succeeded Status = "Succeeded"
	Failed    Status = "Failed"
)

// transitions enumerates every legal Status -> Status edge. Any edge not
// present here is a Conflict, surfaced rather than silently ignored.
var transitions = map[Status]map[Status]bool{
	Created:   {Running: true, Failed: true},
	Running:   {Paused: true, Succeeded: true, Failed: true},
	Paused:    {Running: true, Failed: true},
	Succeeded: {},
	Failed:    {},
}

// CanTransitionTo reports whether moving from s to next is a legal
// transition under the table above.
func (s Status) CanTransitionTo(next Status) bool {
	edges, ok := transitions[s]
	if !ok {
		return false
	}
	return edges[next]
}

// ID is an opaque 128-bit job identifier, rendered as its canonical UUID
// string at the API boundary.
type ID uuid.UUID

// NewID generates a fresh random ID.
func NewID() ID { return ID(uuid.New()) }

// ParseID parses a canonical UUID string into an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }

// MarshalJSON renders an ID as its canonical string form.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses an ID from its canonical string form.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Common holds the fields every job has, as defined in section 3.
type Common struct {
	ID        ID
	Name      string
	Kind      Kind
	Status    Status // observed-status: reflects the currently running worker
	Desired   Status // desired-status: durable, what the supervisor should converge to
	Reason    string // failure reason, if Status == Failed
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time // tombstone set by Delete; the row itself is kept, not hard-deleted
}

// Batch is the store-job flush policy from section 3.
type Batch struct {
	MaxBytes int64
	MaxCount int
	MaxAge   time.Duration // zero means unbounded
}

// Codec identifies the chunk payload encoding.
type Codec string

const (
	CodecJSON   Codec = "Json"
	CodecBinary Codec = "Binary"
)

// StoreJob is a bus -> S3 job definition, per section 3.
type StoreJob struct {
	Common
	Stream       string
	Consumer     string // optional explicit consumer name; empty means derive one
	Subject      string
	Bucket       string
	Prefix       string
	Batch        Batch
	Codec        Codec
}

// LoadJob is an S3 -> bus job definition, per section 3.
type LoadJob struct {
	Common
	Bucket        string
	Prefix        string
	Stream        string // chunk selector only
	Subject       string // chunk selector only
	WriteSubject  string
	FromTime      *time.Time
	ToTime        *time.Time
	PollInterval  time.Duration // zero means no tail mode
	DeleteChunks  bool
	Consumer      string // optional read consumer name
}

// Chunk is the durable catalog entry for one S3 object, per section 3.
type Chunk struct {
	SequenceNumber int64
	StoreJobID     *ID // nullable to survive store-job deletion
	Bucket         string
	Prefix         string
	Key            string
	Stream         string
	Consumer       string
	Subject        string
	TimestampStart time.Time
	TimestampEnd   time.Time
	MessageCount   int64
	SizeBytes      int64
	Codec          Codec
	ContentHash    [32]byte
	SchemaVersion  int
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// LoadCursor is the durable position of a load job, per the
// ConsumerCursor section of section 3: chunk-granular, never intra-chunk.
type LoadCursor struct {
	LastChunkSequenceCompleted int64
	IntraChunkIndex            int // always 0; kept for wire-format compatibility
}
