package dreaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/healer-ai/p8fs/pkg/provider/llm"
	"github.com/healer-ai/p8fs/pkg/remtypes"
	"github.com/healer-ai/p8fs/pkg/types"
)

// ErrExtractionParseFailed is returned by extractMoment when the model's
// response cannot be parsed into a valid Moment, whether because the JSON
// itself is malformed or because the parsed fields violate Moment's
// invariants. The caller's response to this error is always the same:
// skip the resource and log it, writing no Moment.
var ErrExtractionParseFailed = errors.New("dreaming: extraction response did not parse into a valid moment")

// extractionSystemPromptTemplate instructs the model to emit exactly one
// JSON object describing the Moment this Resource represents. Asking for a
// best-effort guess on uncertain fields, rather than refusal, keeps
// low-signal content (a one-line note, a scrap with no clear speakers) from
// failing extraction outright — Validate still rejects anything structurally
// inconsistent.
const extractionSystemPromptTemplate = `You are extracting a structured Moment record from one piece of ingested content.

Identify:
- the time span the content covers (resource_timestamp, resource_ends_timestamp; both ISO 8601, end >= start)
- a one-paragraph summary
- the moment type: one of conversation, meeting, planning, reflection, observation, unknown
- emotion_tags and topic_tags: short lowercase words
- present_persons: every person identifiable in the content, keyed by a short fingerprint, each {"id", "label"}
- speakers: any identifiable speaker turns, each {"text", "speaker_id", "timestamp", "emotion"} — speaker_id must be a key of present_persons

If the content gives no reliable signal for a field, make your best guess rather than refusing — an empty speakers list and a single present person is a valid, minimal answer. Use the content's own timestamp hint as resource_timestamp when no finer signal exists, and a few minutes later as resource_ends_timestamp.

Respond with ONLY a JSON object in this exact shape, no prose, no markdown fences:
{"resource_timestamp":"2024-01-01T00:00:00Z","resource_ends_timestamp":"2024-01-01T00:05:00Z","summary":"...","moment_type":"conversation","emotion_tags":["..."],"topic_tags":["..."],"present_persons":{"fingerprint":{"id":"...","label":"..."}},"speakers":[{"text":"...","speaker_id":"...","timestamp":"2024-01-01T00:00:00Z","emotion":"..."}]}

Content name: %s
Content timestamp hint: %s

Content:
%s`

type extractionResponse struct {
	ResourceTimestamp     string                            `json:"resource_timestamp"`
	ResourceEndsTimestamp string                            `json:"resource_ends_timestamp"`
	Summary               string                            `json:"summary"`
	MomentType            string                            `json:"moment_type"`
	EmotionTags           []string                          `json:"emotion_tags"`
	TopicTags             []string                          `json:"topic_tags"`
	PresentPersons        map[string]remtypes.PresentPerson `json:"present_persons"`
	Speakers              []speakerResponse                 `json:"speakers"`
}

type speakerResponse struct {
	Text      string `json:"text"`
	SpeakerID string `json:"speaker_id"`
	Timestamp string `json:"timestamp"`
	Emotion   string `json:"emotion"`
}

// extractMoment invokes provider once on resource's content and turns the
// response into a validated Moment at sequence position seq within
// resource's extraction batch. Any failure along the way — a failed
// completion call, unparseable JSON, an invariant violation — is reported as
// (nil, error); the caller skips and logs, writing no Moment.
func extractMoment(ctx context.Context, provider llm.Provider, resource remtypes.Resource, seq int) (*remtypes.Moment, error) {
	prompt := fmt.Sprintf(extractionSystemPromptTemplate, resource.Name, resource.ResourceTimestamp.Format(time.RFC3339), resource.Content)
	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     []types.Message{{Role: "user", Content: "Extract the Moment now."}},
		Temperature:  0,
	})
	if err != nil {
		return nil, fmt.Errorf("dreaming: extraction completion: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty completion response", ErrExtractionParseFailed)
	}

	var parsed extractionResponse
	if err := json.Unmarshal([]byte(stripMarkdown(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParseFailed, err)
	}

	start, err := time.Parse(time.RFC3339, parsed.ResourceTimestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: resource_timestamp: %v", ErrExtractionParseFailed, err)
	}
	end, err := time.Parse(time.RFC3339, parsed.ResourceEndsTimestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: resource_ends_timestamp: %v", ErrExtractionParseFailed, err)
	}

	present := parsed.PresentPersons
	if present == nil {
		present = make(map[string]remtypes.PresentPerson)
	}
	speakers := make([]remtypes.SpeakerTurn, 0, len(parsed.Speakers))
	for _, sp := range parsed.Speakers {
		ts, err := time.Parse(time.RFC3339, sp.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: speaker timestamp: %v", ErrExtractionParseFailed, err)
		}
		if _, ok := present[sp.SpeakerID]; !ok {
			// A speaker turn naming an id the model forgot to list in
			// present_persons still gets an entry of its own, keyed by that
			// id — normalizing the mismatch rather than failing the whole
			// extraction over it.
			present[sp.SpeakerID] = remtypes.PresentPerson{ID: sp.SpeakerID, Label: sp.SpeakerID}
		}
		speakers = append(speakers, remtypes.SpeakerTurn{Text: sp.Text, SpeakerID: sp.SpeakerID, Timestamp: ts, Emotion: sp.Emotion})
	}

	momentType := remtypes.MomentType(parsed.MomentType)
	if !validMomentType(momentType) {
		momentType = remtypes.MomentUnknown
	}

	m := &remtypes.Moment{
		Resource: remtypes.Resource{
			ID:                remtypes.MomentID(resource.ID, seq),
			TenantID:          resource.TenantID,
			Name:              resource.Name,
			Category:          "moment",
			Content:           resource.Content,
			Summary:           parsed.Summary,
			URI:               resource.URI,
			ResourceTimestamp: start,
			GraphPaths:        resource.GraphPaths,
		},
		ResourceEndsTimestamp: end,
		MomentType:            momentType,
		EmotionTags:           parsed.EmotionTags,
		TopicTags:             parsed.TopicTags,
		PresentPersons:        present,
		Speakers:              speakers,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParseFailed, err)
	}
	return m, nil
}

func validMomentType(t remtypes.MomentType) bool {
	switch t {
	case remtypes.MomentConversation, remtypes.MomentMeeting, remtypes.MomentPlanning,
		remtypes.MomentReflection, remtypes.MomentObservation, remtypes.MomentUnknown:
		return true
	default:
		return false
	}
}

// stripMarkdown removes a leading/trailing ```json or ``` fence, a common
// habit of chat-tuned models even when explicitly told not to use one.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
