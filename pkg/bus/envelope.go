// Package bus defines the tiered, durable message-bus contract (C3):
// named durable streams, durable consumers with explicit acknowledgment,
// redelivery with exponential backoff up to a retry cap, and dead-lettering
// past that cap. The contract is transport-agnostic; redisstreams provides
// the concrete Redis Streams implementation.
package bus

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Producer/Consumer/DeadLetter implementations.
var (
	// ErrEmpty is returned by Dequeue when no message is currently available.
	ErrEmpty = errors.New("bus: no message available")
	// ErrClosed reports use of a closed bus. The redisstreams implementation
	// does not return it.
	ErrClosed = errors.New("bus: queue is closed")
	// ErrOversize is returned when a payload exceeds DefaultMaxPayloadBytes.
	ErrOversize = errors.New("bus: payload exceeds maximum size")
	// ErrInvalid is returned by Envelope.Validate for structurally invalid envelopes.
	ErrInvalid = errors.New("bus: invalid envelope")
	// ErrTimeout is returned when a blocking operation exceeds its deadline.
	ErrTimeout = errors.New("bus: operation timed out")
)

// Tier identifies one of the three size bands, each with its own durable
// stream, consumer, ack-wait, and max-in-flight.
type Tier string

const (
	TierSmall  Tier = "SMALL"
	TierMedium Tier = "MEDIUM"
	TierLarge  Tier = "LARGE"

	// TierRaw identifies the single upstream stream of unclassified
	// object-store events that the ingress router (C2) consumes from and
	// classifies into one of the three size tiers above. It is not a size
	// band and carries no storage-worker consumer of its own.
	TierRaw Tier = "RAW"
)

// StreamName returns the stable stream identifier for this tier, e.g.
// "EVENTS_SMALL". TierRaw is the bare "EVENTS" stream, matching the naming
// convention of "EVENTS", "EVENTS_SMALL/MEDIUM/LARGE".
func (t Tier) StreamName() string {
	if t == TierRaw {
		return "EVENTS"
	}
	return "EVENTS_" + string(t)
}

// ConsumerName returns the stable durable-consumer name for this tier, e.g.
// "small-workers".
func (t Tier) ConsumerName() string {
	switch t {
	case TierSmall:
		return "small-workers"
	case TierMedium:
		return "medium-workers"
	case TierLarge:
		return "large-workers"
	case TierRaw:
		return "ingress-router"
	default:
		return "unknown-workers"
	}
}

// DefaultMaxPayloadBytes bounds a single envelope's payload.
const DefaultMaxPayloadBytes = 4 << 20 // 4 MiB

// DefaultRetryCap is the default number of redelivery attempts before a
// message moves to the dead-letter sink.
const DefaultRetryCap = 3

// AckWait returns the per-tier acknowledgment deadline.
func (t Tier) AckWait() time.Duration {
	switch t {
	case TierSmall:
		return 30 * time.Second
	case TierMedium:
		return 5 * time.Minute
	case TierLarge:
		return 30 * time.Minute
	case TierRaw:
		return 30 * time.Second
	default:
		return 30 * time.Second
	}
}

// MaxInFlight returns the per-tier in-flight message cap.
func (t Tier) MaxInFlight() int {
	switch t {
	case TierSmall:
		return 32
	case TierMedium:
		return 8
	case TierLarge:
		return 2
	case TierRaw:
		return 32
	default:
		return 1
	}
}

// IngestEvent is the bus wire format published by the ingress router:
// {tenant_id, uri, size, content_type_hint, timestamp, trace_id}.
type IngestEvent struct {
	TenantID        string    `json:"tenant_id"`
	URI             string    `json:"uri"`
	Size            int64     `json:"size"`
	ContentTypeHint string    `json:"content_type_hint,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"trace_id,omitempty"`
}

// Envelope wraps a message in transit: routing metadata plus the raw and
// typed payload.
type Envelope struct {
	Tier        Tier
	ID          string
	TenantID    string
	ProducedAt  time.Time
	Attempt     int
	PayloadJSON []byte
	Payload     IngestEvent

	// Receipt is an opaque, transport-specific token required to Ack/Nack
	// this specific delivery (e.g. a Redis Streams message id).
	Receipt string

	// LastError is populated by the transport after a failed delivery
	// attempt, for audit and dead-letter purposes.
	LastError string
}

// Validate checks the structural invariants an Envelope must satisfy before
// it is published: non-empty tenant id, non-negative attempt count, and a
// payload within size limits.
func (e *Envelope) Validate() error {
	if e.TenantID == "" {
		return ErrInvalid
	}
	if e.Attempt < 0 {
		return ErrInvalid
	}
	if len(e.PayloadJSON) > DefaultMaxPayloadBytes {
		return ErrOversize
	}
	return nil
}

// Producer publishes envelopes onto a tier's durable stream.
type Producer interface {
	Publish(ctx context.Context, tier Tier, env *Envelope) error
}

// Consumer pulls from a tier's durable consumer group with explicit
// acknowledgment.
type Consumer interface {
	// Dequeue blocks (subject to ctx) until a message is available or the
	// context is cancelled, returning ErrEmpty on a non-blocking empty poll.
	Dequeue(ctx context.Context, tier Tier) (*Envelope, error)

	// Ack acknowledges successful processing of the delivery identified by
	// env.Receipt.
	Ack(ctx context.Context, tier Tier, env *Envelope) error

	// Nack marks a delivery as failed; the transport redelivers it with
	// exponential backoff, up to the tier's retry cap, after which it is
	// dead-lettered.
	Nack(ctx context.Context, tier Tier, env *Envelope, cause error) error
}

// DeadLetter exposes the per-tier dead-letter sink.
type DeadLetter interface {
	MoveToDeadLetter(ctx context.Context, tier Tier, env *Envelope, cause error) error
}

// Bus composes Producer, Consumer, and DeadLetter into the full tiered-bus
// contract (C3).
type Bus interface {
	Producer
	Consumer
	DeadLetter

	// PreflightCleanup removes any stale consumer left behind by a prior run
	// whose name conflicts with the one about to be created.
	PreflightCleanup(ctx context.Context, tier Tier) error

	Close() error
}
