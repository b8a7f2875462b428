// Package bus implements the durable message bus adapter described in
// section 4 of the design specification: a JetStream-backed source for
// store jobs and sink for load jobs, wrapping durable consumers and
// publish-with-ack in the vocabulary the rest of the module uses.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nats3bridge/nats3/errs"
)

// Message is one bus message as delivered by a durable consumer, carrying
// enough to round-trip through the chunk codec and back out again.
type Message struct {
	Subject   string
	Headers   []byte
	Body      []byte
	Timestamp time.Time

	raw jetstream.Msg
}

// Ack acknowledges the underlying delivery. Workers call this only after
// the message is durably recorded in a flushed chunk.
func (m Message) Ack(ctx context.Context) error {
	if m.raw == nil {
		return nil
	}
	if err := m.raw.Ack(); err != nil {
		return errs.Wrap(errs.Transient, "ack message", err)
	}
	return nil
}

// Bus is the adapter used by store and load workers to read from and
// write to the durable bus.
type Bus struct {
	js jetstream.JetStream
	nc *nats.Conn
}

// Connect dials url and wraps the resulting connection's JetStream context.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "connect to bus", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errs.Wrap(errs.Fatal, "create jetstream context", err)
	}
	return &Bus{js: js, nc: nc}, nil
}

// Close closes the underlying connection without draining it.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// ConsumerHandle is a bound durable pull consumer a store job reads from.
type ConsumerHandle struct {
	consumer jetstream.Consumer
}

// BindConsumer creates (if absent) or binds to a durable pull consumer on
// stream filtered to subject, per section 4's "deliver-all, explicit ack"
// consumer policy. name is the consumer's durable name — callers derive one
// when the job does not specify an explicit consumer.
func (b *Bus) BindConsumer(ctx context.Context, stream, name, subject string) (*ConsumerHandle, error) {
	str, err := b.js.Stream(ctx, stream)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, fmt.Sprintf("stream %q not found", stream), err)
	}
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: subject,
		MaxAckPending: 1000,
	}
	cons, err := str.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, fmt.Sprintf("bind consumer %q on %q", name, stream), err)
	}
	return &ConsumerHandle{consumer: cons}, nil
}

// DeleteConsumer removes a durable consumer, used when a store job is
// deleted and its backlog position should not be resumed.
func (b *Bus) DeleteConsumer(ctx context.Context, stream, name string) error {
	str, err := b.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil
		}
		return errs.Wrap(errs.Transient, fmt.Sprintf("stream %q lookup", stream), err)
	}
	if err := str.DeleteConsumer(ctx, name); err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil
		}
		return errs.Wrap(errs.Transient, fmt.Sprintf("delete consumer %q", name), err)
	}
	return nil
}

// Fetch pulls up to max messages, waiting up to timeout for the first one.
// Returning zero messages with a nil error means the wait elapsed with
// nothing pending, not a failure.
func (h *ConsumerHandle) Fetch(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	batch, err := h.consumer.Fetch(max, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Transient, "fetch batch", err)
	}

	var out []Message
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		ts := time.Now().UTC()
		if err == nil {
			ts = meta.Timestamp
		}
		out = append(out, Message{
			Subject:   msg.Subject(),
			Body:      msg.Data(),
			Headers:   encodeHeaders(msg.Headers()),
			Timestamp: ts,
			raw:       msg,
		})
	}
	if err := batch.Error(); err != nil {
		return out, errs.Wrap(errs.Transient, "fetch batch drain", err)
	}
	return out, nil
}

// Publish writes body to subject with the given headers, per the load
// worker's replay path. It publishes through JetStream and waits for the
// stream's publish ack, so a subject that no stream captures returns an
// error rather than being delivered as a plain core-NATS message.
func (b *Bus) Publish(ctx context.Context, subject string, headers, body []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = body
	decodeHeaders(headers, msg.Header)
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return errs.Wrap(errs.Transient, fmt.Sprintf("publish to %q", subject), err)
	}
	return nil
}

// EncodeHeaders exposes encodeHeaders to callers outside the package that
// need to build a Publish-ready headers blob (nats3loadgen).
func EncodeHeaders(h nats.Header) []byte { return encodeHeaders(h) }

// encodeHeaders flattens NATS headers into the opaque Headers byte form
// the codec persists: each key and each value is written with a 4-byte
// big-endian length prefix (the chunk body framing uses 8-byte prefixes).
func encodeHeaders(h nats.Header) []byte {
	if len(h) == 0 {
		return nil
	}
	var buf []byte
	for k, values := range h {
		for _, v := range values {
			buf = appendLP(buf, []byte(k))
			buf = appendLP(buf, []byte(v))
		}
	}
	return buf
}

func decodeHeaders(data []byte, h nats.Header) {
	for len(data) > 0 {
		var k, v []byte
		k, data = readLP(data)
		v, data = readLP(data)
		if k == nil {
			return
		}
		h.Add(string(k), string(v))
	}
}

func appendLP(buf, b []byte) []byte {
	var length [4]byte
	n := uint32(len(b))
	length[0] = byte(n >> 24)
	length[1] = byte(n >> 16)
	length[2] = byte(n >> 8)
	length[3] = byte(n)
	buf = append(buf, length[:]...)
	return append(buf, b...)
}

func readLP(data []byte) (val []byte, rest []byte) {
	if len(data) < 4 {
		return nil, nil
	}
	n := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil
	}
	return data[:n], data[n:]
}
