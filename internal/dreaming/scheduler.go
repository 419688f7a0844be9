package dreaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healer-ai/p8fs/pkg/provider/embeddings"
	"github.com/healer-ai/p8fs/pkg/provider/llm"
	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// Defaults mirror the consolidator pattern this scheduler is grounded on: a
// generous period, since dreaming is a background enrichment cycle rather
// than a path anything blocks on.
const (
	defaultInterval          = 30 * time.Minute
	defaultLookbackWindow    = 24 * time.Hour
	defaultSemanticThreshold = 0.75
	defaultMaxPairsPerRun    = 50
	defaultBatchSize         = 100
)

// resourcesTable and embeddingField name the Resource row source and the
// summary-embedding field moments are indexed under.
const (
	resourcesTable        = "resources"
	summaryEmbeddingField = "summary"
)

// Config configures a [Scheduler].
type Config struct {
	// Store is where candidate Resources are read from and Moments, their
	// embeddings, and graph edges are written to.
	Store Store

	// LLM extracts Moments from Resource content and, in AffinityModeLLM,
	// classifies candidate Moment pairs.
	LLM llm.Provider

	// Embedder computes Moment summary embeddings for AffinityModeSemantic
	// and for summary-based retrieval.
	Embedder embeddings.Provider

	// Tenants is the fixed set of tenants this scheduler cycles over. A
	// production deployment would discover this dynamically; a static list
	// is sufficient for the scope of a single process.
	Tenants []string

	// Interval is how often the background loop runs a cycle for every
	// tenant. Defaults to 30 minutes if zero.
	Interval time.Duration

	// LookbackWindow bounds how far back a cycle looks for un-dreamed
	// Resources. Defaults to 24 hours if zero.
	LookbackWindow time.Duration

	// SemanticThreshold is the minimum cosine similarity for
	// AffinityModeSemantic to connect two Moments. Defaults to 0.75.
	SemanticThreshold float64

	// MaxPairsPerRun bounds how many affinity pairs a single cycle may
	// discover per tenant, regardless of mode; each pair is written as two
	// edges. Defaults to 50.
	MaxPairsPerRun int

	// AffinityMode selects semantic or LLM-based affinity discovery.
	// Defaults to AffinityModeSemantic.
	AffinityMode AffinityMode

	// BatchSize bounds how many candidate Resources a single cycle
	// considers per tenant. Defaults to 100.
	BatchSize int

	// Logger overrides the default slog.Default() logger.
	Logger *slog.Logger
}

// Scheduler runs the dreaming cycle on a timer, once per configured tenant
// per tick, materializing Moments and graph edges from what the storage
// worker pool already wrote. All methods are safe for concurrent use.
type Scheduler struct {
	store    Store
	llm      llm.Provider
	embedder embeddings.Provider
	tenants  []string

	interval          time.Duration
	lookbackWindow    time.Duration
	semanticThreshold float64
	maxPairsPerRun    int
	affinityMode      AffinityMode
	batchSize         int

	log *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// New returns a Scheduler built from cfg, applying defaults for any zero
// fields.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	lookback := cfg.LookbackWindow
	if lookback <= 0 {
		lookback = defaultLookbackWindow
	}
	threshold := cfg.SemanticThreshold
	if threshold <= 0 {
		threshold = defaultSemanticThreshold
	}
	maxPairs := cfg.MaxPairsPerRun
	if maxPairs <= 0 {
		maxPairs = defaultMaxPairsPerRun
	}
	mode := cfg.AffinityMode
	if mode == "" {
		mode = AffinityModeSemantic
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:             cfg.Store,
		llm:               cfg.LLM,
		embedder:          cfg.Embedder,
		tenants:           cfg.Tenants,
		interval:          interval,
		lookbackWindow:    lookback,
		semanticThreshold: threshold,
		maxPairsPerRun:    maxPairs,
		affinityMode:      mode,
		batchSize:         batchSize,
		log:               log,
		done:              make(chan struct{}),
	}
}

// Start begins the periodic dreaming loop in a background goroutine. The
// goroutine runs until [Scheduler.Stop] is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the dreaming loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

// runAll runs one cycle for every configured tenant. One tenant's failure is
// logged and does not prevent the others from running, the same posture the
// storage worker pool takes toward its per-goroutine consumers.
func (s *Scheduler) runAll(ctx context.Context) {
	for _, tenantID := range s.tenants {
		if _, err := s.RunOnce(ctx, tenantID); err != nil {
			s.log.Warn("dreaming: cycle failed", "tenant_id", tenantID, "error", err)
		}
	}
}

// RunOnce executes one full dreaming cycle for tenantID: extract Moments
// from un-dreamed Resources, discover affinity edges between the resulting
// Moments, and materialize every inline edge — old and new — into the graph
// namespace. The run's state machine (queued -> running ->
// succeeded|failed|skipped-empty) is persisted at each transition so a
// crash leaves a durable record of how far the cycle got.
func (s *Scheduler) RunOnce(ctx context.Context, tenantID string) (Run, error) {
	r := newRun(tenantID)
	if err := s.persist(ctx, r); err != nil {
		return r, err
	}

	r.Status = StatusRunning
	if err := s.persist(ctx, r); err != nil {
		return r, err
	}

	candidates, err := s.selectCandidates(ctx, tenantID)
	if err != nil {
		return s.fail(ctx, r, fmt.Errorf("select candidates: %w", err))
	}
	if len(candidates) == 0 {
		r.Status = StatusSkippedEmpty
		r.FinishedAt = time.Now()
		if err := s.persist(ctx, r); err != nil {
			return r, err
		}
		return r, nil
	}

	moments, vectors := s.extractMoments(ctx, tenantID, candidates)
	r.MomentsExtracted = len(moments)
	if len(moments) == 0 {
		r.Status = StatusSkippedEmpty
		r.FinishedAt = time.Now()
		if err := s.persist(ctx, r); err != nil {
			return r, err
		}
		return r, nil
	}

	for _, m := range moments {
		if err := s.store.UpsertEntity(ctx, tenantID, momentsTable, momentRow(m)); err != nil {
			return s.fail(ctx, r, fmt.Errorf("upsert moment %s: %w", m.ID, err))
		}
		if err := s.materializeRow(ctx, tenantID, m.Name, momentsTable, m.ID.String(), m.GraphPaths); err != nil {
			return s.fail(ctx, r, fmt.Errorf("materialize moment %s: %w", m.ID, err))
		}
	}

	edgesCreated, err := s.discoverAffinities(ctx, tenantID, moments, vectors)
	if err != nil {
		return s.fail(ctx, r, fmt.Errorf("discover affinities: %w", err))
	}
	r.EdgesCreated = edgesCreated

	r.Status = StatusSucceeded
	r.FinishedAt = time.Now()
	if err := s.persist(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}

func (s *Scheduler) fail(ctx context.Context, r Run, cause error) (Run, error) {
	r.Status = StatusFailed
	r.FinishedAt = time.Now()
	r.Error = cause.Error()
	if err := s.persist(ctx, r); err != nil {
		s.log.Error("dreaming: failed to persist failed run", "run_id", r.ID, "error", err)
	}
	return r, cause
}

// selectCandidates returns Resources within the lookback window, newest
// first, bounded by batchSize.
func (s *Scheduler) selectCandidates(ctx context.Context, tenantID string) ([]remstore.Row, error) {
	since := time.Now().Add(-s.lookbackWindow)
	return s.store.Select(ctx, tenantID, remstore.SelectQuery{
		Table: resourcesTable,
		Where: remstore.Where{
			Clause: "resource_timestamp >= :since",
			Args:   map[string]any{"since": since},
		},
		OrderBy: []string{"resource_timestamp DESC"},
		Limit:   s.batchSize,
	})
}

// extractMoments runs extractMoment over every candidate whose deterministic
// Moment id does not already exist, skipping and logging any that fail
// extraction or whose Moment already exists. It also computes and persists
// each new Moment's summary embedding, returning the resulting vectors
// keyed by moment id string for AffinityModeSemantic to reuse without a
// second embedding call.
func (s *Scheduler) extractMoments(ctx context.Context, tenantID string, candidates []remstore.Row) ([]remtypes.Moment, map[string][]float32) {
	moments := make([]remtypes.Moment, 0, len(candidates))
	vectors := make(map[string][]float32, len(candidates))

	for _, row := range candidates {
		resource, err := resourceFromRow(tenantID, row)
		if err != nil {
			s.log.Warn("dreaming: skipping malformed resource row", "error", err)
			continue
		}

		// Promote the Resource's own inline edges (written by the storage
		// worker pool, never materialized there) regardless of whether a
		// Moment is extracted from it this cycle. Idempotent: re-running
		// over an already-materialized Resource is a no-op merge.
		if err := s.materializeRow(ctx, tenantID, resource.Name, resourcesTable, resource.ID.String(), resource.GraphPaths); err != nil {
			s.log.Warn("dreaming: failed to materialize resource graph", "resource_id", resource.ID, "error", err)
		}

		const seq = 0
		id := remtypes.MomentID(resource.ID, seq)
		exists, err := s.momentExists(ctx, tenantID, id)
		if err != nil {
			s.log.Warn("dreaming: skipping resource, could not check moment existence", "resource_id", resource.ID, "error", err)
			continue
		}
		if exists {
			continue
		}

		m, err := extractMoment(ctx, s.llm, resource, seq)
		if err != nil {
			s.log.Warn("dreaming: skipping resource, extraction failed", "resource_id", resource.ID, "error", err)
			continue
		}

		vec, err := s.embedder.Embed(ctx, m.Summary)
		if err != nil {
			s.log.Warn("dreaming: skipping resource, embedding failed", "resource_id", resource.ID, "error", err)
			continue
		}
		if err := s.store.UpsertEmbedding(ctx, momentsTable, remtypes.Embedding{
			EntityTable: momentsTable,
			EntityID:    m.ID,
			FieldName:   summaryEmbeddingField,
			Vector:      vec,
			Dimension:   len(vec),
			Provider:    s.embedder.ModelID(),
			TenantID:    tenantID,
		}); err != nil {
			s.log.Warn("dreaming: skipping resource, embedding upsert failed", "resource_id", resource.ID, "error", err)
			continue
		}

		vectors[m.ID.String()] = vec
		moments = append(moments, *m)
	}
	return moments, vectors
}

func (s *Scheduler) momentExists(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	rows, err := s.store.Select(ctx, tenantID, remstore.SelectQuery{
		Table: momentsTable,
		Where: remstore.Where{
			Clause: "id = :id",
			Args:   map[string]any{"id": id.String()},
		},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// discoverAffinities builds affinity pairs per s.affinityMode, merges the
// implied InlineEdges into each Moment's graph_paths, re-upserts the
// affected rows, and materializes every new edge. It returns the count of
// distinct edges written.
func (s *Scheduler) discoverAffinities(ctx context.Context, tenantID string, moments []remtypes.Moment, vectors map[string][]float32) (int, error) {
	var pairs []affinityPair
	switch s.affinityMode {
	case AffinityModeLLM:
		pairs = buildLLMAffinities(ctx, s.llm, moments, s.maxPairsPerRun, func(err error) {
			s.log.Warn("dreaming: affinity classification failed, skipping pair", "error", err)
		})
	default:
		pairs = buildSemanticAffinities(moments, vectors, s.semanticThreshold, s.maxPairsPerRun)
	}
	if len(pairs) == 0 {
		return 0, nil
	}

	byID := make(map[uuid.UUID]*remtypes.Moment, len(moments))
	for i := range moments {
		byID[moments[i].ID] = &moments[i]
	}

	edgesCreated := 0
	for _, pair := range pairs {
		forward, backward := affinityEdges(pair)

		a := byID[pair.A.ID]
		b := byID[pair.B.ID]
		a.GraphPaths = remtypes.MergeEdges(a.GraphPaths, forward)
		b.GraphPaths = remtypes.MergeEdges(b.GraphPaths, backward)

		if err := s.store.UpsertEntity(ctx, tenantID, momentsTable, momentRow(*a)); err != nil {
			return edgesCreated, fmt.Errorf("upsert moment %s: %w", a.ID, err)
		}
		if err := s.store.UpsertEntity(ctx, tenantID, momentsTable, momentRow(*b)); err != nil {
			return edgesCreated, fmt.Errorf("upsert moment %s: %w", b.ID, err)
		}

		if err := s.mergeEdge(ctx, tenantID, a.Name, forward); err != nil {
			return edgesCreated, err
		}
		edgesCreated++
		if err := s.mergeEdge(ctx, tenantID, b.Name, backward); err != nil {
			return edgesCreated, err
		}
		edgesCreated++
	}
	return edgesCreated, nil
}

// materializeRow merges label's node and every one of its inline edges into
// the graph namespace — this is how the graph_paths a Resource or Moment
// already carries become traversable rather than staying a denormalized
// column only the owning row can see.
func (s *Scheduler) materializeRow(ctx context.Context, tenantID, label, table, entityID string, edges []remtypes.InlineEdge) error {
	node := remtypes.GraphNode{
		TenantID:     tenantID,
		Label:        label,
		BizKey:       entityID,
		EntityTable:  table,
		EntityID:     entityID,
		Materialized: true,
	}
	if err := s.store.GraphOp(ctx, tenantID, remstore.GraphOp{Kind: remstore.GraphOpMerge, Node: &node}); err != nil {
		return fmt.Errorf("materialize node %q: %w", label, err)
	}
	for _, e := range edges {
		if err := s.mergeEdge(ctx, tenantID, label, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) mergeEdge(ctx context.Context, tenantID, sourceLabel string, e remtypes.InlineEdge) error {
	edge := remtypes.GraphEdge{
		TenantID:    tenantID,
		SourceLabel: sourceLabel,
		DestLabel:   e.DestinationLabel,
		RelType:     e.RelType,
		Weight:      e.Weight,
		Properties:  e.Properties,
	}
	if err := s.store.GraphOp(ctx, tenantID, remstore.GraphOp{Kind: remstore.GraphOpMerge, Edge: &edge}); err != nil {
		return fmt.Errorf("materialize edge %s -> %s: %w", sourceLabel, e.DestinationLabel, err)
	}
	return nil
}
