// Package main publishes synthetic messages to a bus subject, for
// exercising a store job end to end without a real upstream producer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nats3bridge/nats3/bus"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randomString(r *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

func randomBody(r *rand.Rand, id int, minLen, maxLen int) []byte {
	n := minLen + r.Intn(maxLen-minLen+1)
	return []byte(fmt.Sprintf(`{"id":%d,"payload":%q}`, id, randomString(r, n)))
}

func main() {
	busURL := flag.String("bus", "nats://127.0.0.1:4222", "message bus URL")
	subject := flag.String("subject", "", "subject to publish to")
	count := flag.Int("count", 100, "number of messages to publish")
	interval := flag.Duration("interval", 0, "delay between publishes (0 = as fast as possible)")
	minLen := flag.Int("min-len", 20, "minimum payload length")
	maxLen := flag.Int("max-len", 200, "maximum payload length")
	seed := flag.Int64("seed", 0, "random seed (0 = time-based)")
	flag.Parse()

	if *subject == "" {
		log.Fatal("subject is required")
	}

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(s))
	fmt.Printf("Using seed: %d\n", s)

	b, err := bus.Connect(*busURL)
	if err != nil {
		log.Fatalf("failed to connect to bus: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	success := 0
	for i := 0; i < *count; i++ {
		headers := bus.EncodeHeaders(nats.Header{"X-Message-Index": []string{fmt.Sprintf("%d", i)}})
		body := randomBody(r, i, *minLen, *maxLen)
		if err := b.Publish(ctx, *subject, headers, body); err != nil {
			fmt.Fprintf(os.Stderr, "failed to publish message %d: %v\n", i, err)
			continue
		}
		success++
		if (i+1)%50 == 0 {
			fmt.Printf("Published %d messages...\n", i+1)
		}
		if *interval > 0 {
			time.Sleep(*interval)
		}
	}

	fmt.Printf("Messages published: %d/%d\n", success, *count)
}
