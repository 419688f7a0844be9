package storageworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/healer-ai/p8fs/internal/parser"
	"github.com/healer-ai/p8fs/internal/resilience"
	"github.com/healer-ai/p8fs/pkg/bus"
	"github.com/healer-ai/p8fs/pkg/provider/embeddings"
	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// EntityStore is the subset of the REM store access contract the storage
// worker writes to directly: Resource rows and their embeddings. It is
// satisfied by *postgres.Store without that package needing to depend on
// this one.
type EntityStore interface {
	UpsertEntity(ctx context.Context, tenantID, table string, row remstore.Row) error
	UpsertEmbedding(ctx context.Context, table string, emb remtypes.Embedding) error
	EmbeddingExists(ctx context.Context, table, entityID, fieldName, provider string) (bool, error)
}

// ReverseMappingTTL is how long a KV reverse-name mapping lives before it
// must be re-asserted by a later chunk write. Zero means no expiry.
const ReverseMappingTTL = 0

// DefaultMaxObjectBytes bounds how much of a single object a worker will
// read into memory before parsing.
const DefaultMaxObjectBytes = 512 << 20 // 512 MiB

// Worker runs one size tier's parse -> chunk -> embed -> upsert -> ack
// pipeline against a bounded pool of concurrent consumers.
type Worker struct {
	tier     bus.Tier
	bus      bus.Bus
	objects  ObjectStore
	parsers  *parser.Registry
	embedder embeddings.Provider
	breaker  *resilience.CircuitBreaker
	entities EntityStore
	kv       remstore.KV
	log      *slog.Logger

	maxObjectBytes int64
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithMaxObjectBytes overrides DefaultMaxObjectBytes.
func WithMaxObjectBytes(n int64) Option {
	return func(w *Worker) { w.maxObjectBytes = n }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// New returns a Worker bound to tier, consuming and republishing on b.
func New(tier bus.Tier, b bus.Bus, objects ObjectStore, parsers *parser.Registry, embedder embeddings.Provider, entities EntityStore, kv remstore.KV, opts ...Option) *Worker {
	w := &Worker{
		tier:     tier,
		bus:      b,
		objects:  objects,
		parsers:  parsers,
		embedder: embedder,
		entities: entities,
		kv:       kv,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "storageworker-embeddings-" + string(tier),
		}),
		maxObjectBytes: DefaultMaxObjectBytes,
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run spawns tier.MaxInFlight() independent consumer goroutines, each
// dequeuing, processing, and acknowledging one message at a time until ctx
// is cancelled. A goroutine's failure does not stop its siblings; each keeps
// consuming until ctx.Done().
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bus.PreflightCleanup(ctx, w.tier); err != nil {
		return fmt.Errorf("storageworker: preflight cleanup: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.tier.MaxInFlight(); i++ {
		g.Go(func() error {
			w.consumeLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.bus.Dequeue(ctx, w.tier)
		if err != nil {
			if errors.Is(err, bus.ErrEmpty) {
				select {
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
				}
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.log.Warn("storageworker: dequeue failed, backing off", "tier", w.tier, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		w.handle(ctx, env)
	}
}

func (w *Worker) handle(ctx context.Context, env *bus.Envelope) {
	if err := w.process(ctx, env); err != nil {
		if errors.Is(err, errBackpressure) {
			// Leave un-acked so the tier's ack-wait deadline triggers
			// redelivery once the rate limit clears, rather than burning a
			// retry attempt immediately.
			w.log.Warn("storageworker: embedding provider rate-limited, deferring ack", "tier", w.tier, "uri", env.Payload.URI)
			return
		}
		w.log.Warn("storageworker: processing failed, nacking for redelivery", "tier", w.tier, "uri", env.Payload.URI, "error", err)
		if nackErr := w.bus.Nack(ctx, w.tier, env, err); nackErr != nil {
			w.log.Error("storageworker: nack failed", "error", nackErr)
		}
		return
	}
	if err := w.bus.Ack(ctx, w.tier, env); err != nil {
		w.log.Error("storageworker: ack failed after successful processing", "error", err)
	}
}

var errBackpressure = errors.New("storageworker: embedding provider backpressure")

// process implements the per-event pipeline: resolve a parser for the
// object's extension, stream and parse it into chunks, then for each chunk
// write its Resource row, embedding, and KV reverse mapping in that order —
// the KV write and the ack both happen only after every prior write for that
// chunk has succeeded, so a crash mid-chunk always leaves a row reachable by
// re-processing rather than a dangling reverse mapping with no backing row.
func (w *Worker) process(ctx context.Context, env *bus.Envelope) error {
	event := env.Payload
	if event.TenantID == "" {
		return fmt.Errorf("storageworker: event missing tenant_id")
	}

	ext := extension(event.URI)
	p, err := w.parsers.Resolve(ext)
	if err != nil {
		if errors.Is(err, parser.ErrNoParser) {
			w.log.Info("storageworker: no parser for extension, skipping", "uri", event.URI, "ext", ext)
			return nil
		}
		return err
	}

	body, err := w.objects.Open(ctx, event.URI)
	if err != nil {
		return fmt.Errorf("storageworker: open object: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, w.maxObjectBytes+1))
	if err != nil {
		return fmt.Errorf("storageworker: read object: %w", err)
	}
	if int64(len(data)) > w.maxObjectBytes {
		return fmt.Errorf("storageworker: object %q exceeds max size %d bytes", event.URI, w.maxObjectBytes)
	}

	meta := parser.FileMeta{URI: event.URI, ContentTypeHint: event.ContentTypeHint, Extension: ext}
	chunks, err := p.Parse(ctx, meta, data)
	if err != nil {
		return fmt.Errorf("storageworker: parse %q: %w", event.URI, err)
	}

	for i, chunk := range chunks {
		if err := w.writeChunk(ctx, event.TenantID, event.URI, i, chunk); err != nil {
			return fmt.Errorf("storageworker: write chunk %d of %q: %w", i, event.URI, err)
		}
	}
	return nil
}

// writeChunk persists one parsed chunk's Resource row, its content
// embedding, and its KV reverse mapping, in that order, and is itself
// idempotent: redelivering the same chunk index recomputes the same
// Resource id and the same embedding-existence check, so no step duplicates
// work already done by a prior, uncommitted-ack attempt.
func (w *Worker) writeChunk(ctx context.Context, tenantID, uri string, index int, chunk parser.Chunk) error {
	id := remtypes.ResourceID(tenantID, uri, index)
	name := chunk.Name
	if name == "" {
		name = chunkName(uri, index)
	}

	resource := remtypes.Resource{
		ID:                id,
		TenantID:          tenantID,
		Name:              name,
		Category:          chunk.Category,
		Content:           chunk.Text,
		URI:               uri,
		Metadata:          chunk.Metadata,
		ResourceTimestamp: time.Now(),
		GraphPaths:        chunk.GraphPaths,
	}
	if err := w.entities.UpsertEntity(ctx, tenantID, "resources", resourceRow(resource)); err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}

	provider := w.embedder.ModelID()
	exists, err := w.entities.EmbeddingExists(ctx, "resources", id.String(), "content", provider)
	if err != nil {
		return fmt.Errorf("check embedding existence: %w", err)
	}
	if !exists {
		vec, err := w.embed(ctx, chunk.Text)
		if err != nil {
			return err
		}
		emb := remtypes.Embedding{
			EntityTable: "resources",
			EntityID:    id,
			FieldName:   "content",
			Vector:      vec,
			Dimension:   len(vec),
			Provider:    provider,
			TenantID:    tenantID,
		}
		if err := w.entities.UpsertEmbedding(ctx, "resources", emb); err != nil {
			return fmt.Errorf("upsert embedding: %w", err)
		}
	}

	if err := upsertReverseMapping(ctx, w.kv, tenantID, name, "resource", "resources", id.String(), ReverseMappingTTL); err != nil {
		return fmt.Errorf("upsert reverse mapping: %w", err)
	}
	return nil
}

// embed wraps the embedding call in the worker's circuit breaker, mapping a
// tripped breaker or a rate-limit-shaped error onto errBackpressure so the
// caller defers the ack rather than burning a retry attempt.
func (w *Worker) embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := w.breaker.Execute(func() error {
		v, err := w.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || isRateLimited(err) {
			return nil, errBackpressure
		}
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vec, nil
}

// isRateLimited reports whether err looks like a provider rate-limit
// response. Providers do not share a common sentinel error, so this matches
// on the conventional substring their HTTP clients surface.
func isRateLimited(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "rate limit") ||
		strings.Contains(strings.ToLower(err.Error()), "429")
}

// resourceRow flattens a Resource into the loosely-typed Row shape
// UpsertEntity expects.
func resourceRow(r remtypes.Resource) remstore.Row {
	return remstore.Row{
		TableName: "resources",
		Fields: map[string]any{
			"id":                 r.ID.String(),
			"name":               r.Name,
			"category":           r.Category,
			"content":            r.Content,
			"summary":            r.Summary,
			"uri":                r.URI,
			"metadata":           r.Metadata,
			"resource_timestamp": r.ResourceTimestamp,
			"graph_paths":        graphPathsJSON(r.GraphPaths),
		},
	}
}

func graphPathsJSON(edges []remtypes.InlineEdge) []any {
	out := make([]any, len(edges))
	for i, e := range edges {
		out[i] = map[string]any{
			"destination_label": e.DestinationLabel,
			"rel_type":          e.RelType,
			"weight":            e.Weight,
			"properties":        e.Properties,
		}
	}
	return out
}

// chunkName derives a default display name for a chunk that didn't produce
// its own: the object's base name, with a chunk suffix beyond the first.
func chunkName(uri string, index int) string {
	base := path.Base(uri)
	if index == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, index)
}
