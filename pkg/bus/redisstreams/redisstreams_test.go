package redisstreams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/healer-ai/p8fs/pkg/bus"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishAndDequeue(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	env := &bus.Envelope{
		TenantID: "tenant-A",
		Payload:  bus.IngestEvent{TenantID: "tenant-A", URI: "buckets/tenant-A/doc.md", Size: 5000},
	}
	if err := b.Publish(ctx, bus.TierSmall, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := b.Dequeue(ctx, bus.TierSmall)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.Payload.TenantID != "tenant-A" || got.Payload.URI != "buckets/tenant-A/doc.md" {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}

	if err := b.Ack(ctx, bus.TierSmall, got); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestDequeueEmptyReturnsErrEmpty(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Dequeue(context.Background(), bus.TierSmall)
	if !errors.Is(err, bus.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestNackBelowRetryCapDoesNotDeadLetter(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	b.retryCap = 3

	env := &bus.Envelope{TenantID: "tenant-A", Payload: bus.IngestEvent{TenantID: "tenant-A", URI: "u", Size: 1}}
	if err := b.Publish(ctx, bus.TierSmall, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := b.Dequeue(ctx, bus.TierSmall)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	got.Attempt = 0
	if err := b.Nack(ctx, bus.TierSmall, got, errors.New("boom")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	dlq, err := b.client.XLen(ctx, deadLetterStream(bus.TierSmall)).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if dlq != 0 {
		t.Fatalf("expected no dead-letter entries below retry cap, got %d", dlq)
	}
}

func TestNackAboveRetryCapDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	b.retryCap = 1

	env := &bus.Envelope{TenantID: "tenant-A", Payload: bus.IngestEvent{TenantID: "tenant-A", URI: "u", Size: 1}}
	if err := b.Publish(ctx, bus.TierSmall, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := b.Dequeue(ctx, bus.TierSmall)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	got.Attempt = 1
	if err := b.Nack(ctx, bus.TierSmall, got, errors.New("boom")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	dlq, err := b.client.XLen(ctx, deadLetterStream(bus.TierSmall)).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if dlq != 1 {
		t.Fatalf("expected 1 dead-letter entry above retry cap, got %d", dlq)
	}
}

func TestTierAckWaitOrdering(t *testing.T) {
	if bus.TierSmall.AckWait() >= bus.TierMedium.AckWait() {
		t.Fatal("SMALL ack-wait must be shorter than MEDIUM")
	}
	if bus.TierMedium.AckWait() >= bus.TierLarge.AckWait() {
		t.Fatal("MEDIUM ack-wait must be shorter than LARGE")
	}
	if bus.TierSmall.MaxInFlight() <= bus.TierLarge.MaxInFlight() {
		t.Fatal("SMALL max-in-flight must exceed LARGE")
	}
}

func TestRedeliveryBackoffGrows(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := bus.RedeliveryBackoff(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}
