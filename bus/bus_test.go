package bus

import (
	"testing"

	"github.com/nats-io/nats.go"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := nats.Header{}
	h.Add("x-trace-id", "abc123")
	h.Add("x-retry", "1")

	encoded := encodeHeaders(h)
	if encoded == nil {
		t.Fatalf("expected non-nil encoding for non-empty headers")
	}

	got := nats.Header{}
	decodeHeaders(encoded, got)

	if got.Get("x-trace-id") != "abc123" {
		t.Errorf("x-trace-id: got %q", got.Get("x-trace-id"))
	}
	if got.Get("x-retry") != "1" {
		t.Errorf("x-retry: got %q", got.Get("x-retry"))
	}
}

func TestEncodeHeadersEmpty(t *testing.T) {
	if encodeHeaders(nats.Header{}) != nil {
		t.Fatalf("expected nil encoding for empty headers")
	}
}
