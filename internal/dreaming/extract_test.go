package dreaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/healer-ai/p8fs/pkg/provider/llm"
	llmmock "github.com/healer-ai/p8fs/pkg/provider/llm/mock"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

func testResource() remtypes.Resource {
	return remtypes.Resource{
		ID:                uuid.New(),
		TenantID:          "tenant-a",
		Name:              "standup-notes",
		Category:          "note",
		Content:           "Alice and Bob discussed the Q3 roadmap this morning.",
		URI:               "s3://bucket/standup-notes.txt",
		ResourceTimestamp: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestExtractMomentParsesValidResponse(t *testing.T) {
	resource := testResource()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{
			"resource_timestamp": "2026-01-10T09:00:00Z",
			"resource_ends_timestamp": "2026-01-10T09:15:00Z",
			"summary": "Alice and Bob aligned on the Q3 roadmap.",
			"moment_type": "meeting",
			"emotion_tags": ["focused"],
			"topic_tags": ["roadmap", "q3"],
			"present_persons": {"alice": {"id": "alice", "label": "Alice"}, "bob": {"id": "bob", "label": "Bob"}},
			"speakers": [{"text": "Let's prioritize the API work.", "speaker_id": "alice", "timestamp": "2026-01-10T09:05:00Z", "emotion": "neutral"}]
		}`},
	}

	m, err := extractMoment(context.Background(), provider, resource, 0)
	if err != nil {
		t.Fatalf("extractMoment returned error: %v", err)
	}
	if m.ID != remtypes.MomentID(resource.ID, 0) {
		t.Fatalf("moment id not deterministic from resource id/seq")
	}
	if m.MomentType != remtypes.MomentMeeting {
		t.Fatalf("moment_type = %q, want meeting", m.MomentType)
	}
	if len(m.Speakers) != 1 || m.Speakers[0].SpeakerID != "alice" {
		t.Fatalf("speakers not parsed correctly: %+v", m.Speakers)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("extracted moment failed validation: %v", err)
	}
}

func TestExtractMomentStripsMarkdownFence(t *testing.T) {
	resource := testResource()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "```json\n" + `{
			"resource_timestamp": "2026-01-10T09:00:00Z",
			"resource_ends_timestamp": "2026-01-10T09:05:00Z",
			"summary": "A short note.",
			"moment_type": "observation",
			"present_persons": {},
			"speakers": []
		}` + "\n```"},
	}

	m, err := extractMoment(context.Background(), provider, resource, 0)
	if err != nil {
		t.Fatalf("extractMoment returned error: %v", err)
	}
	if m.MomentType != remtypes.MomentObservation {
		t.Fatalf("moment_type = %q, want observation", m.MomentType)
	}
}

func TestExtractMomentSkipsOnMalformedJSON(t *testing.T) {
	resource := testResource()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "this is not json at all"},
	}

	_, err := extractMoment(context.Background(), provider, resource, 0)
	if !errors.Is(err, ErrExtractionParseFailed) {
		t.Fatalf("expected ErrExtractionParseFailed, got %v", err)
	}
}

func TestExtractMomentSkipsOnInvariantViolation(t *testing.T) {
	resource := testResource()
	provider := &llmmock.Provider{
		// resource_ends_timestamp before resource_timestamp violates Moment.Validate.
		CompleteResponse: &llm.CompletionResponse{Content: `{
			"resource_timestamp": "2026-01-10T09:15:00Z",
			"resource_ends_timestamp": "2026-01-10T09:00:00Z",
			"summary": "Bad timestamps.",
			"moment_type": "observation",
			"present_persons": {},
			"speakers": []
		}`},
	}

	_, err := extractMoment(context.Background(), provider, resource, 0)
	if !errors.Is(err, ErrExtractionParseFailed) {
		t.Fatalf("expected ErrExtractionParseFailed for invariant violation, got %v", err)
	}
}

func TestExtractMomentNormalizesUnlistedSpeaker(t *testing.T) {
	resource := testResource()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{
			"resource_timestamp": "2026-01-10T09:00:00Z",
			"resource_ends_timestamp": "2026-01-10T09:10:00Z",
			"summary": "One speaker, forgotten in present_persons.",
			"moment_type": "conversation",
			"present_persons": {},
			"speakers": [{"text": "hello", "speaker_id": "carol", "timestamp": "2026-01-10T09:01:00Z", "emotion": ""}]
		}`},
	}

	m, err := extractMoment(context.Background(), provider, resource, 0)
	if err != nil {
		t.Fatalf("extractMoment returned error: %v", err)
	}
	if _, ok := m.PresentPersons["carol"]; !ok {
		t.Fatalf("expected carol to be synthesized into present_persons, got %+v", m.PresentPersons)
	}
}

func TestExtractMomentUnknownMomentTypeFallsBack(t *testing.T) {
	resource := testResource()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{
			"resource_timestamp": "2026-01-10T09:00:00Z",
			"resource_ends_timestamp": "2026-01-10T09:05:00Z",
			"summary": "Odd type.",
			"moment_type": "something-the-model-made-up",
			"present_persons": {},
			"speakers": []
		}`},
	}

	m, err := extractMoment(context.Background(), provider, resource, 0)
	if err != nil {
		t.Fatalf("extractMoment returned error: %v", err)
	}
	if m.MomentType != remtypes.MomentUnknown {
		t.Fatalf("moment_type = %q, want unknown fallback", m.MomentType)
	}
}

func TestExtractMomentPropagatesCompletionError(t *testing.T) {
	resource := testResource()
	provider := &llmmock.Provider{CompleteErr: errors.New("backend unavailable")}

	_, err := extractMoment(context.Background(), provider, resource, 0)
	if err == nil {
		t.Fatal("expected error from failed completion call")
	}
	if errors.Is(err, ErrExtractionParseFailed) {
		t.Fatal("a transport-level completion failure should not be reported as a parse failure")
	}
}
