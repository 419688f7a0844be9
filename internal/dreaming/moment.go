package dreaming

import (
	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// momentsTable is the persisted table name for Moment rows.
const momentsTable = "moments"

// momentRow flattens a Moment into the loosely-typed Row shape UpsertEntity
// expects, mirroring storageworker's resourceRow for the wider Moment
// column set.
func momentRow(m remtypes.Moment) remstore.Row {
	return remstore.Row{
		TableName: momentsTable,
		Fields: map[string]any{
			"id":                      m.ID.String(),
			"name":                    m.Name,
			"category":                m.Category,
			"content":                 m.Content,
			"summary":                 m.Summary,
			"uri":                     m.URI,
			"metadata":                m.Metadata,
			"resource_timestamp":      m.ResourceTimestamp,
			"resource_ends_timestamp": m.ResourceEndsTimestamp,
			"moment_type":             string(m.MomentType),
			"emotion_tags":            stringsJSON(m.EmotionTags),
			"topic_tags":              stringsJSON(m.TopicTags),
			"present_persons":         presentPersonsJSON(m.PresentPersons),
			"speakers":                speakersJSON(m.Speakers),
			"location":                m.Location,
			"background_sounds":       m.BackgroundSounds,
			"graph_paths":             graphPathsJSON(m.GraphPaths),
		},
	}
}

func stringsJSON(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func presentPersonsJSON(persons map[string]remtypes.PresentPerson) map[string]any {
	out := make(map[string]any, len(persons))
	for k, p := range persons {
		out[k] = map[string]any{"id": p.ID, "label": p.Label}
	}
	return out
}

func speakersJSON(speakers []remtypes.SpeakerTurn) []any {
	out := make([]any, len(speakers))
	for i, s := range speakers {
		out[i] = map[string]any{
			"text":       s.Text,
			"speaker_id": s.SpeakerID,
			"timestamp":  s.Timestamp,
			"emotion":    s.Emotion,
		}
	}
	return out
}

// graphPathsJSON mirrors storageworker's helper of the same name: dreaming
// writes InlineEdges to the same graph_paths column, so the wire shape must
// match exactly.
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
