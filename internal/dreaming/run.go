package dreaming

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healer-ai/p8fs/pkg/remstore"
)

// Status is one state of a dreaming run's lifecycle.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusSkippedEmpty Status = "skipped-empty"
)

// runsTable is the dreaming_runs table name.
const runsTable = "dreaming_runs"

// Run is one execution of the dreaming cycle for a single tenant, persisted
// at each step of its queued -> running -> succeeded|failed|skipped-empty
// lifecycle so a crash leaves a durable record of the last state reached.
// The scheduler does not read these rows back: every cycle starts a new Run.
type Run struct {
	ID               uuid.UUID
	TenantID         string
	Status           Status
	StartedAt        time.Time
	FinishedAt       time.Time
	MomentsExtracted int
	EdgesCreated     int
	Error            string
}

func newRun(tenantID string) Run {
	return Run{ID: uuid.New(), TenantID: tenantID, Status: StatusQueued, StartedAt: time.Now()}
}

func runRow(r Run) remstore.Row {
	fields := map[string]any{
		"id":                r.ID.String(),
		"status":            string(r.Status),
		"started_at":        r.StartedAt,
		"moments_extracted": r.MomentsExtracted,
		"edges_created":     r.EdgesCreated,
		"error":             r.Error,
	}
	if !r.FinishedAt.IsZero() {
		fields["finished_at"] = r.FinishedAt
	}
	return remstore.Row{TableName: runsTable, Fields: fields}
}

// persist writes the run's current state, overwriting the prior row for the
// same id — each transition (queued -> running -> terminal) is its own call.
func (s *Scheduler) persist(ctx context.Context, r Run) error {
	if err := s.store.UpsertEntity(ctx, r.TenantID, runsTable, runRow(r)); err != nil {
		return fmt.Errorf("dreaming: persist run %s: %w", r.ID, err)
	}
	return nil
}
