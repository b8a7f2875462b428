package objectstore

import (
	"testing"
	"time"
)

func TestKeyTimestampRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	key := Key("archive", "orders", "orders.created", start.UnixNano(), 7, start)

	got, ok := KeyTimestamp(key)
	if !ok {
		t.Fatalf("expected KeyTimestamp to parse %q", key)
	}
	if !got.Equal(start) {
		t.Errorf("got %v want %v", got, start)
	}
}

func TestKeyTimestampMalformed(t *testing.T) {
	if _, ok := KeyTimestamp("not-a-chunk-key"); ok {
		t.Error("expected ok=false for a key with no embedded timestamp")
	}
}
