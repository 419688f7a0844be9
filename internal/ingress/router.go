// Package ingress implements the ingress router (C2): it consumes raw
// object-store events from the bus's upstream stream, validates each
// event's path, classifies it into a size tier, and republishes it onto
// exactly one tier-specific stream.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/healer-ai/p8fs/pkg/bus"
)

// Size band thresholds, exclusive-inclusive on the lower bound:
// SMALL [0, 100 MiB), MEDIUM [100 MiB, 1 GiB), LARGE [1 GiB, ∞).
const (
	SmallUpperBound  = 100 << 20 // 100 MiB
	MediumUpperBound = 1 << 30   // 1 GiB
)

// Classify maps a byte size to its size tier. An unknown or negative size
// is treated as SMALL, and the caller should log a warning in that case
// (see Router.route).
func Classify(size int64) bus.Tier {
	switch {
	case size < 0:
		return bus.TierSmall
	case size < SmallUpperBound:
		return bus.TierSmall
	case size < MediumUpperBound:
		return bus.TierMedium
	default:
		return bus.TierLarge
	}
}

// DiagnosticSink records malformed events for audit, without retrying them.
type DiagnosticSink interface {
	RecordMalformed(ctx context.Context, raw []byte, cause error) error
}

// Router consumes bus.TierRaw and republishes each valid event onto its
// classified tier.
type Router struct {
	bus  bus.Bus
	diag DiagnosticSink
	log  *slog.Logger
}

// New returns a Router reading from b's raw tier and republishing onto b's
// size tiers.
func New(b bus.Bus, diag DiagnosticSink, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{bus: b, diag: diag, log: log}
}

// Run consumes bus.TierRaw until ctx is cancelled, dispatching each event to
// route. A Dequeue returning bus.ErrEmpty is not an error — the router
// simply polls again after a short pause.
func (r *Router) Run(ctx context.Context) error {
	if err := r.bus.PreflightCleanup(ctx, bus.TierRaw); err != nil {
		return fmt.Errorf("ingress: preflight cleanup: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := r.bus.Dequeue(ctx, bus.TierRaw)
		if err != nil {
			if errors.Is(err, bus.ErrEmpty) {
				select {
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.log.Warn("ingress: dequeue failed, backing off", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		r.dispatch(ctx, env)
	}
}

// dispatch implements route's switch-by-outcome shape: path validation
// failures ack-and-drop, malformed payloads ack-and-diagnose, and publish
// failures nack for upstream redelivery — mirroring a command router's
// dispatch-by-discriminant, generalized here to dispatch-by-failure-class
// rather than by interaction type.
func (r *Router) dispatch(ctx context.Context, env *bus.Envelope) {
	switch classify := r.route(ctx, env); classify {
	case routeOutcomeDropped, routeOutcomeDiagnosed, routeOutcomePublished:
		if err := r.bus.Ack(ctx, bus.TierRaw, env); err != nil {
			r.log.Warn("ingress: ack failed after handling event", "error", err)
		}
	case routeOutcomePublishFailed:
		if err := r.bus.Nack(ctx, bus.TierRaw, env, errPublishFailed); err != nil {
			r.log.Warn("ingress: nack failed", "error", err)
		}
	}
}

type routeOutcome int

const (
	routeOutcomeDropped routeOutcome = iota
	routeOutcomeDiagnosed
	routeOutcomePublished
	routeOutcomePublishFailed
)

var errPublishFailed = errors.New("ingress: publish to size tier failed")

// route validates and classifies one event: a path-validation failure is
// dropped (not an error — non-
// tenant traffic is expected), a malformed/unparseable event is recorded
// to the diagnostic sink and dropped, and a publish failure is left
// un-acked for upstream redelivery.
func (r *Router) route(ctx context.Context, env *bus.Envelope) routeOutcome {
	if len(env.PayloadJSON) == 0 {
		r.recordMalformed(ctx, env, errors.New("ingress: empty payload"))
		return routeOutcomeDiagnosed
	}

	event := env.Payload
	tenantID, ok := tenantFromPath(event.URI)
	if !ok {
		r.log.Info("ingress: dropping non-tenant path", "uri", event.URI)
		return routeOutcomeDropped
	}
	if event.TenantID == "" {
		event.TenantID = tenantID
	} else if event.TenantID != tenantID {
		r.recordMalformed(ctx, env, fmt.Errorf("ingress: tenant_id %q does not match path tenant %q", event.TenantID, tenantID))
		return routeOutcomeDiagnosed
	}

	tier := Classify(event.Size)
	if event.Size < 0 {
		r.log.Warn("ingress: event has unknown/negative size, treating as SMALL", "uri", event.URI, "size", event.Size)
	}

	out := &bus.Envelope{
		TenantID:    event.TenantID,
		ProducedAt:  time.Now(),
		PayloadJSON: env.PayloadJSON,
		Payload:     event,
	}
	if err := out.Validate(); err != nil {
		r.recordMalformed(ctx, env, err)
		return routeOutcomeDiagnosed
	}
	if err := r.bus.Publish(ctx, tier, out); err != nil {
		r.log.Warn("ingress: publish failed, leaving for redelivery", "tier", tier, "error", err)
		return routeOutcomePublishFailed
	}
	return routeOutcomePublished
}

func (r *Router) recordMalformed(ctx context.Context, env *bus.Envelope, cause error) {
	r.log.Warn("ingress: malformed event", "error", cause)
	if r.diag == nil {
		return
	}
	if err := r.diag.RecordMalformed(ctx, env.PayloadJSON, cause); err != nil {
		r.log.Error("ingress: failed to record diagnostic", "error", err)
	}
}

// tenantFromPath validates that uri matches "buckets/{tenant_id}/..." and
// returns the extracted tenant id.
func tenantFromPath(uri string) (string, bool) {
	const prefix = "buckets/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	rest := uri[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 {
		return "", false
	}
	tenantID := rest[:idx]
	if idx+1 >= len(rest) {
		return "", false
	}
	return tenantID, true
}
