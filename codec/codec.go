// Package codec implements the chunk wire format described in section 4.1
// of the design specification: encoding a batch of bus messages into a
// single self-describing, hashed, compressed object payload, and decoding
// it back.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/nats3bridge/nats3/job"
)

// magic identifies a chunk object. Readers reject anything else outright.
var magic = [4]byte{'N', 'S', '3', 0}

const formatVersion uint16 = 1

// codecTag is the 1-byte codec identifier on the wire. The low nibble
// selects the compression variant (0 = zstd default); the high nibble
// selects the payload framing (binary vs json), so a future compression
// change can't silently be misread by an older decoder.
type codecTag byte

const (
	tagBinaryZstdDefault codecTag = 0x00
	tagJSONZstdDefault   codecTag = 0x10
)

const headerSize = 4 + 2 + 1 + 1 + 8 + 8 + 32

// Record is one bus message as framed inside a chunk, per section 3's
// ChunkPayload model.
type Record struct {
	Subject   string
	Timestamp time.Time
	Headers   []byte // optional; nil if absent
	Body      []byte
}

// jsonRecord mirrors Record for the JSON codec, per section 4.1: a JSON
// array of {subject, timestamp, headers, body(base64)}.
type jsonRecord struct {
	Subject   string `json:"subject"`
	Timestamp int64  `json:"timestamp"`
	Headers   []byte `json:"headers,omitempty"`
	Body      []byte `json:"body"`
}

// CodecError is returned for any malformed input, classified per the
// taxonomy in section 4.1.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Reason)
}

func (e *CodecError) Unwrap() error { return e.Err }

var (
	ErrTruncated     = &CodecError{Reason: "Truncated"}
	ErrUnknownVersion = &CodecError{Reason: "UnknownVersion"}
	ErrUnknownCodec  = &CodecError{Reason: "UnknownCodec"}
	ErrHashMismatch  = &CodecError{Reason: "HashMismatch"}
	ErrBodyDecode    = &CodecError{Reason: "BodyDecode"}
)

// Header is the fixed, self-describing prefix of every chunk object.
type Header struct {
	Version          uint16
	Codec            job.Codec
	RecordCount      uint64
	UncompressedSize uint64
	ContentHash      [32]byte
}

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var decoder, _ = zstd.NewReader(nil)

// Encode frames records per the layout in section 4.1, compresses the
// framed bytes, hashes the uncompressed form, and prefixes the fixed
// header. It is total over any non-empty, well-formed records slice.
func Encode(records []Record, codec job.Codec) (data []byte, hash [32]byte, uncompressedSize int64, err error) {
	var framed []byte
	switch codec {
	case job.CodecBinary:
		framed, err = frameBinary(records)
	case job.CodecJSON:
		framed, err = frameJSON(records)
	default:
		return nil, hash, 0, &CodecError{Reason: "UnknownCodec", Err: fmt.Errorf("codec %q", codec)}
	}
	if err != nil {
		return nil, hash, 0, err
	}

	hash = sha256.Sum256(framed)
	compressed := encoder.EncodeAll(framed, nil)

	var tag codecTag
	if codec == job.CodecJSON {
		tag = tagJSONZstdDefault
	} else {
		tag = tagBinaryZstdDefault
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(compressed)))
	buf.Write(magic[:])
	writeUint16(buf, formatVersion)
	buf.WriteByte(byte(tag))
	buf.WriteByte(0) // reserved
	writeUint64(buf, uint64(len(records)))
	writeUint64(buf, uint64(len(framed)))
	buf.Write(hash[:])
	buf.Write(compressed)

	return buf.Bytes(), hash, int64(len(framed)), nil
}

// Decode validates the header, decompresses, and unframes records,
// verifying record count and content hash against the header.
func Decode(data []byte) (Header, []Record, error) {
	if len(data) < headerSize {
		return Header{}, nil, wrap(ErrTruncated, fmt.Errorf("got %d bytes, need at least %d", len(data), headerSize))
	}
	r := bytes.NewReader(data)

	var gotMagic [4]byte
	io.ReadFull(r, gotMagic[:])
	if gotMagic != magic {
		return Header{}, nil, wrap(ErrUnknownCodec, fmt.Errorf("bad magic %v", gotMagic))
	}

	version := readUint16(r)
	if version != formatVersion {
		return Header{}, nil, wrap(ErrUnknownVersion, fmt.Errorf("version %d", version))
	}

	tagByte, _ := r.ReadByte()
	tag := codecTag(tagByte)
	r.ReadByte() // reserved

	recordCount := readUint64(r)
	uncompressedSize := readUint64(r)
	var contentHash [32]byte
	io.ReadFull(r, contentHash[:])

	compressed := data[headerSize:]
	framed, err := decoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return Header{}, nil, wrap(ErrBodyDecode, err)
	}

	gotHash := sha256.Sum256(framed)
	if gotHash != contentHash {
		return Header{}, nil, wrap(ErrHashMismatch, fmt.Errorf("expected %x, got %x", contentHash, gotHash))
	}

	var codecKind job.Codec
	var records []Record
	switch tag {
	case tagBinaryZstdDefault:
		codecKind = job.CodecBinary
		records, err = unframeBinary(framed, recordCount)
	case tagJSONZstdDefault:
		codecKind = job.CodecJSON
		records, err = unframeJSON(framed, recordCount)
	default:
		return Header{}, nil, wrap(ErrUnknownCodec, fmt.Errorf("tag 0x%x", tagByte))
	}
	if err != nil {
		return Header{}, nil, err
	}

	hdr := Header{
		Version:          version,
		Codec:            codecKind,
		RecordCount:      recordCount,
		UncompressedSize: uncompressedSize,
		ContentHash:      contentHash,
	}
	return hdr, records, nil
}

func wrap(base *CodecError, err error) *CodecError {
	return &CodecError{Reason: base.Reason, Err: err}
}

// frameBinary implements the length-prefixed binary framing from
// section 4.1: subject, 8-byte unix-nanos timestamp, optional headers,
// body, each length-prefixed.
func frameBinary(records []Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, rec := range records {
		writeLP(buf, []byte(rec.Subject))
		writeUint64(buf, uint64(rec.Timestamp.UnixNano()))
		writeLP(buf, rec.Headers)
		writeLP(buf, rec.Body)
	}
	return buf.Bytes(), nil
}

// minBinaryRecordSize is the fewest bytes a single record can occupy in the
// binary framing: three 8-byte length prefixes (subject, headers, body, all
// possibly zero-length) plus the 8-byte timestamp.
const minBinaryRecordSize = 32

func unframeBinary(framed []byte, count uint64) ([]Record, error) {
	// The header's record count is outside the content hash's coverage, so
	// a corrupted count byte must be bound-checked against the framed
	// payload's actual size before it drives an allocation — otherwise a
	// single bit flip can request a multi-terabyte slice and panic instead
	// of returning a CodecError.
	if max := uint64(len(framed)) / minBinaryRecordSize; count > max {
		return nil, wrap(ErrTruncated, fmt.Errorf("record count %d implausible for %d framed bytes", count, len(framed)))
	}
	r := bytes.NewReader(framed)
	records := make([]Record, 0, count)
	for i := uint64(0); i < count; i++ {
		subject, err := readLP(r)
		if err != nil {
			return nil, wrap(ErrTruncated, err)
		}
		if r.Len() < 8 {
			return nil, wrap(ErrTruncated, fmt.Errorf("missing timestamp for record %d", i))
		}
		ts := int64(readUint64(r))
		headers, err := readLP(r)
		if err != nil {
			return nil, wrap(ErrTruncated, err)
		}
		body, err := readLP(r)
		if err != nil {
			return nil, wrap(ErrTruncated, err)
		}
		records = append(records, Record{
			Subject:   string(subject),
			Timestamp: time.Unix(0, ts).UTC(),
			Headers:   headers,
			Body:      body,
		})
	}
	if r.Len() != 0 {
		return nil, wrap(ErrTruncated, fmt.Errorf("%d trailing bytes after %d records", r.Len(), count))
	}
	return records, nil
}

// frameJSON implements the JSON codec from section 4.1: a JSON array of
// {subject, timestamp, headers, body(base64)}. goccy/go-json base64-encodes
// []byte fields automatically, matching encoding/json's convention.
func frameJSON(records []Record) ([]byte, error) {
	out := make([]jsonRecord, len(records))
	for i, rec := range records {
		out[i] = jsonRecord{
			Subject:   rec.Subject,
			Timestamp: rec.Timestamp.UnixNano(),
			Headers:   rec.Headers,
			Body:      rec.Body,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, wrap(ErrBodyDecode, err)
	}
	return data, nil
}

func unframeJSON(framed []byte, count uint64) ([]Record, error) {
	var raw []jsonRecord
	if err := json.Unmarshal(framed, &raw); err != nil {
		return nil, wrap(ErrBodyDecode, err)
	}
	if uint64(len(raw)) != count {
		return nil, wrap(ErrTruncated, fmt.Errorf("header says %d records, payload has %d", count, len(raw)))
	}
	records := make([]Record, len(raw))
	for i, rr := range raw {
		records[i] = Record{
			Subject:   rr.Subject,
			Timestamp: time.Unix(0, rr.Timestamp).UTC(),
			Headers:   rr.Headers,
			Body:      rr.Body,
		}
	}
	return records, nil
}

func writeLP(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func readLP(r *bytes.Reader) ([]byte, error) {
	if r.Len() < 8 {
		return nil, fmt.Errorf("short length prefix")
	}
	n := readUint64(r)
	if uint64(r.Len()) < n {
		return nil, fmt.Errorf("short body: want %d, have %d", n, r.Len())
	}
	b := make([]byte, n)
	io.ReadFull(r, b)
	return b, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) uint16 {
	var b [2]byte
	io.ReadFull(r, b[:])
	return binary.BigEndian.Uint16(b[:])
}

func readUint64(r *bytes.Reader) uint64 {
	var b [8]byte
	io.ReadFull(r, b[:])
	return binary.BigEndian.Uint64(b[:])
}

// TimestampBounds returns the min/max timestamp across records, per the
// catalog invariant in section 8 that timestamp_start/timestamp_end must
// bound every record's timestamp.
func TimestampBounds(records []Record) (start, end time.Time) {
	if len(records) == 0 {
		return time.Time{}, time.Time{}
	}
	start, end = records[0].Timestamp, records[0].Timestamp
	for _, r := range records[1:] {
		if r.Timestamp.Before(start) {
			start = r.Timestamp
		}
		if r.Timestamp.After(end) {
			end = r.Timestamp
		}
	}
	return start, end
}
