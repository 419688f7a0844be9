// Package redisstreams implements [bus.Bus] on top of Redis Streams
// consumer groups: XADD for publish, XREADGROUP for dequeue, XACK for ack,
// and XCLAIM/XPENDING-driven redelivery with exponential backoff past which
// messages move to a per-tier dead-letter stream.
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/healer-ai/p8fs/pkg/bus"
)

const fieldPayload = "payload"
const fieldAttempt = "attempt"
const fieldTenant = "tenant_id"

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithRetryCap overrides bus.DefaultRetryCap.
func WithRetryCap(n int) Option {
	return func(b *Bus) { b.retryCap = n }
}

// Bus is a [bus.Bus] backed by a Redis Streams client.
type Bus struct {
	client   *redis.Client
	log      *slog.Logger
	retryCap int
}

var _ bus.Bus = (*Bus)(nil)

// New connects to redisURL (parsed via redis.ParseURL) and pings it to fail
// fast on misconfiguration, mirroring the construction idiom used for the
// REM store's KV client.
func New(ctx context.Context, redisURL string, opts ...Option) (*Bus, error) {
	cfg, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstreams: parse url: %w", err)
	}
	client := redis.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstreams: ping: %w", err)
	}
	b := &Bus{client: client, log: slog.Default(), retryCap: bus.DefaultRetryCap}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error { return b.client.Close() }

// ensureGroup creates the tier's stream and consumer group if absent. Redis
// Streams auto-create the stream via MKSTREAM; a BUSYGROUP error means the
// group already exists and is not itself an error.
func (b *Bus) ensureGroup(ctx context.Context, tier bus.Tier) error {
	err := b.client.XGroupCreateMkStream(ctx, tier.StreamName(), tier.ConsumerName(), "$").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isBusyGroup(err) {
			return nil
		}
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// PreflightCleanup ensures the tier's consumer group exists and deletes every
// consumer in it whose idle time exceeds four times the tier's AckWait.
// Consumers idle for less than that are kept, and the group itself is left
// intact.
func (b *Bus) PreflightCleanup(ctx context.Context, tier bus.Tier) error {
	if err := b.ensureGroup(ctx, tier); err != nil {
		return fmt.Errorf("redisstreams: ensure group: %w", err)
	}
	consumers, err := b.client.XInfoConsumers(ctx, tier.StreamName(), tier.ConsumerName()).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil
		}
		return fmt.Errorf("redisstreams: list consumers: %w", err)
	}
	for _, c := range consumers {
		if c.Idle > tier.AckWait()*4 {
			if err := b.client.XGroupDelConsumer(ctx, tier.StreamName(), tier.ConsumerName(), c.Name).Err(); err != nil {
				b.log.Warn("redisstreams: failed to remove stale consumer", "tier", tier, "consumer", c.Name, "error", err)
			}
		}
	}
	return nil
}

func isNoGroup(err error) bool {
	return err != nil && len(err.Error()) >= 7 && err.Error()[:7] == "NOGROUP"
}

// Publish XADDs the envelope's payload onto the tier's stream.
func (b *Bus) Publish(ctx context.Context, tier bus.Tier, env *bus.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("redisstreams: marshal payload: %w", err)
	}
	if err := b.ensureGroup(ctx, tier); err != nil {
		return fmt.Errorf("redisstreams: ensure group: %w", err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: tier.StreamName(),
		Values: map[string]any{
			fieldPayload: payload,
			fieldAttempt: 0,
			fieldTenant:  env.TenantID,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redisstreams: xadd: %w", err)
	}
	env.ID = id
	return nil
}

// consumerID is the Redis Streams consumer name every Bus instance reads
// under. It is fixed: there is no option to set a per-process name, so
// several processes reading the same tier share this one consumer.
const consumerID = "worker"

// Dequeue reads the next pending message for this tier's consumer group,
// falling back to claiming any message whose ack-wait has elapsed for
// another consumer (redelivery).
func (b *Bus) Dequeue(ctx context.Context, tier bus.Tier) (*bus.Envelope, error) {
	if err := b.ensureGroup(ctx, tier); err != nil {
		return nil, fmt.Errorf("redisstreams: ensure group: %w", err)
	}

	if env, err := b.claimExpired(ctx, tier); err != nil {
		return nil, err
	} else if env != nil {
		return env, nil
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    tier.ConsumerName(),
		Consumer: consumerID,
		Streams:  []string{tier.StreamName(), ">"},
		Count:    1,
		Block:    time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, bus.ErrEmpty
		}
		return nil, fmt.Errorf("redisstreams: xreadgroup: %w", err)
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			return envelopeFromMessage(tier, msg), nil
		}
	}
	return nil, bus.ErrEmpty
}

// claimExpired looks for pending messages whose ack-wait has elapsed and
// reclaims one via XCLAIM, implementing redelivery.
func (b *Bus) claimExpired(ctx context.Context, tier bus.Tier) (*bus.Envelope, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: tier.StreamName(),
		Group:  tier.ConsumerName(),
		Idle:   tier.AckWait(),
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisstreams: xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	p := pending[0]
	if int(p.RetryCount) > b.retryCap {
		// Exceeded the redelivery cap: dead-letter and ack it off the PEL.
		msgs, err := b.client.XRange(ctx, tier.StreamName(), p.ID, p.ID).Result()
		if err == nil && len(msgs) > 0 {
			env := envelopeFromMessage(tier, msgs[0])
			env.Attempt = int(p.RetryCount)
			_ = b.MoveToDeadLetter(ctx, tier, env, fmt.Errorf("redisstreams: retry cap (%d) exceeded", b.retryCap))
		}
		_ = b.client.XAck(ctx, tier.StreamName(), tier.ConsumerName(), p.ID).Err()
		return nil, nil
	}

	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   tier.StreamName(),
		Group:    tier.ConsumerName(),
		Consumer: consumerID,
		MinIdle:  tier.AckWait(),
		Messages: []string{p.ID},
	}).Result()
	if err != nil || len(claimed) == 0 {
		return nil, nil
	}
	env := envelopeFromMessage(tier, claimed[0])
	env.Attempt = int(p.RetryCount)
	return env, nil
}

func envelopeFromMessage(tier bus.Tier, msg redis.XMessage) *bus.Envelope {
	env := &bus.Envelope{Tier: tier, Receipt: msg.ID, ProducedAt: time.Now()}
	if raw, ok := msg.Values[fieldPayload].(string); ok {
		env.PayloadJSON = []byte(raw)
		_ = json.Unmarshal(env.PayloadJSON, &env.Payload)
		env.TenantID = env.Payload.TenantID
	}
	return env
}

// Ack acknowledges the delivery, removing it from the consumer group's
// pending-entries list.
func (b *Bus) Ack(ctx context.Context, tier bus.Tier, env *bus.Envelope) error {
	if err := b.client.XAck(ctx, tier.StreamName(), tier.ConsumerName(), env.Receipt).Err(); err != nil {
		return fmt.Errorf("redisstreams: xack: %w", err)
	}
	return nil
}

// Nack leaves the message in the pending-entries list so it is picked up by
// claimExpired on a subsequent Dequeue once tier.AckWait() has elapsed;
// Nack then sleeps the attempt's exponential backoff so a tight retry loop
// does not hammer the same failing dependency.
func (b *Bus) Nack(ctx context.Context, tier bus.Tier, env *bus.Envelope, cause error) error {
	env.LastError = cause.Error()
	if env.Attempt+1 > b.retryCap {
		if err := b.MoveToDeadLetter(ctx, tier, env, cause); err != nil {
			return err
		}
		return b.Ack(ctx, tier, env)
	}
	delay := bus.RedeliveryBackoff(env.Attempt + 1)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// deadLetterStream returns the per-tier dead-letter stream name.
func deadLetterStream(tier bus.Tier) string { return tier.StreamName() + "_DLQ" }

// MoveToDeadLetter XADDs the original payload plus the last error onto the
// tier's dead-letter stream.
func (b *Bus) MoveToDeadLetter(ctx context.Context, tier bus.Tier, env *bus.Envelope, cause error) error {
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream(tier),
		Values: map[string]any{
			fieldPayload: env.PayloadJSON,
			"error":      cause.Error(),
			fieldTenant:  env.TenantID,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redisstreams: dead-letter xadd: %w", err)
	}
	b.log.Warn("redisstreams: message dead-lettered", "tier", tier, "tenant_id", env.TenantID, "cause", cause)
	return nil
}
