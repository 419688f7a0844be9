package dreaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/healer-ai/p8fs/pkg/provider/llm"
	llmmock "github.com/healer-ai/p8fs/pkg/provider/llm/mock"
	embeddingsmock "github.com/healer-ai/p8fs/pkg/provider/embeddings/mock"
	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

const schedTestTenant = "tenant-a"

// fakeStore is an in-memory Store double. It stores rows using the same Go
// native field types resourceFromRow/momentRow expect, skipping the
// marshal/unmarshal round trip a real postgres-backed Store performs.
type fakeStore struct {
	mu sync.Mutex

	resources map[string]remstore.Row
	moments   map[string]remstore.Row
	runs      map[string]remstore.Row

	embeddings []remtypes.Embedding
	nodes      []remtypes.GraphNode
	edges      []remtypes.GraphEdge
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resources: map[string]remstore.Row{},
		moments:   map[string]remstore.Row{},
		runs:      map[string]remstore.Row{},
	}
}

func (s *fakeStore) tableFor(name string) map[string]remstore.Row {
	switch name {
	case resourcesTable:
		return s.resources
	case momentsTable:
		return s.moments
	case runsTable:
		return s.runs
	default:
		return nil
	}
}

func (s *fakeStore) Select(ctx context.Context, tenantID string, q remstore.SelectQuery) ([]remstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.tableFor(q.Table)
	if table == nil {
		return nil, fmt.Errorf("fakeStore: unknown table %q", q.Table)
	}
	if id, ok := q.Where.Args["id"]; ok {
		if row, ok := table[fmt.Sprintf("%v", id)]; ok {
			return []remstore.Row{row}, nil
		}
		return nil, nil
	}
	var out []remstore.Row
	for _, row := range table {
		out = append(out, row)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fakeStore) UpsertEntity(ctx context.Context, tenantID, table string, row remstore.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableFor(table)
	if t == nil {
		return fmt.Errorf("fakeStore: unknown table %q", table)
	}
	t[fmt.Sprintf("%v", row.Fields["id"])] = row
	return nil
}

func (s *fakeStore) UpsertEmbedding(ctx context.Context, table string, emb remtypes.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings = append(s.embeddings, emb)
	return nil
}

func (s *fakeStore) GraphOp(ctx context.Context, tenantID string, op remstore.GraphOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.Node != nil {
		s.nodes = append(s.nodes, *op.Node)
	}
	if op.Edge != nil {
		s.edges = append(s.edges, *op.Edge)
	}
	return nil
}

var _ Store = (*fakeStore)(nil)

func putResource(s *fakeStore, r remtypes.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.ID.String()] = remstore.Row{
		TableName: resourcesTable,
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

func putExistingMoment(s *fakeStore, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moments[id.String()] = remstore.Row{TableName: momentsTable, Fields: map[string]any{"id": id.String()}}
}

const validExtractionJSON = `{
	"resource_timestamp": "2026-01-10T09:00:00Z",
	"resource_ends_timestamp": "2026-01-10T09:10:00Z",
	"summary": "A short discussion.",
	"moment_type": "conversation",
	"present_persons": {},
	"speakers": []
}`

func newTestScheduler(store Store, llmProvider llm.Provider, embedder *embeddingsmock.Provider) *Scheduler {
	return New(Config{
		Store:    store,
		LLM:      llmProvider,
		Embedder: embedder,
		Tenants:  []string{schedTestTenant},
	})
}

func TestRunOnceSkipsEmptyWhenNoCandidates(t *testing.T) {
	store := newFakeStore()
	llmProvider := &llmmock.Provider{}
	embedder := &embeddingsmock.Provider{}
	sched := newTestScheduler(store, llmProvider, embedder)

	run, err := sched.RunOnce(context.Background(), schedTestTenant)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if run.Status != StatusSkippedEmpty {
		t.Fatalf("status = %q, want skipped-empty", run.Status)
	}
	if len(llmProvider.CompleteCalls) != 0 {
		t.Fatal("expected no LLM calls when there are no candidates")
	}
	if _, ok := store.runs[run.ID.String()]; !ok {
		t.Fatal("expected the run to be persisted")
	}
}

func TestRunOnceExtractsSingleMomentAndMaterializesNode(t *testing.T) {
	store := newFakeStore()
	resource := testResource()
	resource.TenantID = schedTestTenant
	putResource(store, resource)

	llmProvider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validExtractionJSON}}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{1, 0}, ModelIDValue: "test-embed"}
	sched := newTestScheduler(store, llmProvider, embedder)

	run, err := sched.RunOnce(context.Background(), schedTestTenant)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", run.Status)
	}
	if run.MomentsExtracted != 1 {
		t.Fatalf("moments extracted = %d, want 1", run.MomentsExtracted)
	}
	if run.EdgesCreated != 0 {
		t.Fatalf("edges created = %d, want 0 for a single moment", run.EdgesCreated)
	}
	if len(store.moments) != 1 {
		t.Fatalf("expected 1 persisted moment, got %d", len(store.moments))
	}
	if len(store.nodes) != 2 {
		t.Fatalf("expected both the resource's and the moment's nodes to be materialized, got %d nodes", len(store.nodes))
	}
	if len(llmProvider.CompleteCalls) != 1 {
		t.Fatalf("expected exactly one extraction call, got %d", len(llmProvider.CompleteCalls))
	}
}

func TestRunOnceDiscoversSemanticAffinityBetweenTwoMoments(t *testing.T) {
	store := newFakeStore()
	r1 := testResource()
	r1.TenantID = schedTestTenant
	r1.Name = "resource-1"
	r2 := testResource()
	r2.TenantID = schedTestTenant
	r2.Name = "resource-2"
	r2.ResourceTimestamp = r1.ResourceTimestamp.Add(time.Minute)
	putResource(store, r1)
	putResource(store, r2)

	llmProvider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validExtractionJSON}}
	// Identical vectors for both moments give cosine similarity 1.0, safely
	// above the default semantic threshold.
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{1, 0, 0}, ModelIDValue: "test-embed"}
	sched := newTestScheduler(store, llmProvider, embedder)

	run, err := sched.RunOnce(context.Background(), schedTestTenant)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if run.MomentsExtracted != 2 {
		t.Fatalf("moments extracted = %d, want 2", run.MomentsExtracted)
	}
	if run.EdgesCreated != 2 {
		t.Fatalf("edges created = %d, want 2 (bidirectional pair)", run.EdgesCreated)
	}
	// 2 resources + 2 moments, one node-materialization GraphOp each.
	if len(store.nodes) != 4 {
		t.Fatalf("expected 4 materialized nodes, got %d", len(store.nodes))
	}
	if len(store.edges) != 2 {
		t.Fatalf("expected 2 materialized edges, got %d", len(store.edges))
	}
	seenForward, seenBackward := false, false
	for _, e := range store.edges {
		if e.SourceLabel == "resource-1" && e.DestLabel == "resource-2" {
			seenForward = true
		}
		if e.SourceLabel == "resource-2" && e.DestLabel == "resource-1" {
			seenBackward = true
		}
	}
	if !seenForward || !seenBackward {
		t.Fatalf("expected a bidirectional edge pair, got %+v", store.edges)
	}
}

func TestRunOnceSkipsAlreadyDreamedResource(t *testing.T) {
	store := newFakeStore()
	resource := testResource()
	resource.TenantID = schedTestTenant
	putResource(store, resource)
	putExistingMoment(store, remtypes.MomentID(resource.ID, 0))

	llmProvider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validExtractionJSON}}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{1, 0}}
	sched := newTestScheduler(store, llmProvider, embedder)

	run, err := sched.RunOnce(context.Background(), schedTestTenant)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if run.Status != StatusSkippedEmpty {
		t.Fatalf("status = %q, want skipped-empty for an already-dreamed resource", run.Status)
	}
	if len(llmProvider.CompleteCalls) != 0 {
		t.Fatal("expected no LLM calls for a resource whose moment already exists")
	}
}

func TestSchedulerStartStopIsIdempotent(t *testing.T) {
	store := newFakeStore()
	llmProvider := &llmmock.Provider{}
	embedder := &embeddingsmock.Provider{}
	sched := newTestScheduler(store, llmProvider, embedder)
	sched.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	sched.Stop()
	sched.Stop() // must not panic on double Stop
}
