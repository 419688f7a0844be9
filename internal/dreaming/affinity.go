package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/healer-ai/p8fs/pkg/provider/llm"
	"github.com/healer-ai/p8fs/pkg/remtypes"
	"github.com/healer-ai/p8fs/pkg/types"
)

// AffinityMode selects how dreaming discovers additional edges between
// Moments that ingestion never connected directly.
type AffinityMode string

const (
	// AffinityModeSemantic links Moments whose summary embeddings exceed a
	// cosine-similarity threshold. Cheap, no model call per pair.
	AffinityModeSemantic AffinityMode = "semantic"

	// AffinityModeLLM asks the language model to classify each candidate
	// pair directly. More expensive per pair; it runs under the same
	// MaxPairsPerRun bound as AffinityModeSemantic.
	AffinityModeLLM AffinityMode = "llm"
)

// affinityRelType is the relationship type stamped on every edge dreaming
// discovers between Moments, distinguishing it from edges ingestion wrote
// directly.
const affinityRelType = "see_also"

// affinityPair is one discovered connection between two Moments, not yet
// written anywhere.
type affinityPair struct {
	A, B    remtypes.Moment
	Weight  float64
	RelType string
}

// buildSemanticAffinities scores every pair of moments by the cosine
// similarity of their summary embeddings (vectors keyed by moment id
// string), keeping pairs at or above threshold, strongest first, capped at
// maxPairs.
func buildSemanticAffinities(moments []remtypes.Moment, vectors map[string][]float32, threshold float64, maxPairs int) []affinityPair {
	var pairs []affinityPair
	for i := 0; i < len(moments); i++ {
		va, ok := vectors[moments[i].ID.String()]
		if !ok {
			continue
		}
		for j := i + 1; j < len(moments); j++ {
			vb, ok := vectors[moments[j].ID.String()]
			if !ok {
				continue
			}
			sim := cosineSimilarity(va, vb)
			if sim >= threshold {
				pairs = append(pairs, affinityPair{A: moments[i], B: moments[j], Weight: sim, RelType: affinityRelType})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Weight > pairs[j].Weight })
	if maxPairs > 0 && len(pairs) > maxPairs {
		pairs = pairs[:maxPairs]
	}
	return pairs
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0 for
// mismatched or zero-length inputs rather than dividing by zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// affinityClassifyPromptTemplate asks the model a strict yes/no/weight
// question about two Moment summaries, kept as narrow as the extraction
// prompt so a missed connection is cheap to retry on a later run rather
// than silently wrong.
const affinityClassifyPromptTemplate = `Two moment summaries are given below. Decide whether they are meaningfully related: same topic, same people, or an explicit follow-up/causal connection. Unrelated small talk or coincidental word overlap does not count.

Respond with ONLY a JSON object, no prose:
{"related": true, "rel_type": "see_also", "weight": 0.7}

"weight" must be in [0, 1] and reflect how strong the connection is. If unrelated, respond {"related": false, "rel_type": "", "weight": 0}.

Moment A: %s

Moment B: %s`

type affinityResponse struct {
	Related bool    `json:"related"`
	RelType string  `json:"rel_type"`
	Weight  float64 `json:"weight"`
}

// classifyAffinity asks provider whether a and b are related, returning
// (pair, true, nil) when they are. A parse failure or a "not related"
// verdict both yield (zero, false, ...) — the caller simply does not add an
// edge for this pair, the same graceful-skip posture as moment extraction.
func classifyAffinity(ctx context.Context, provider llm.Provider, a, b remtypes.Moment) (affinityPair, bool, error) {
	prompt := fmt.Sprintf(affinityClassifyPromptTemplate, a.Summary, b.Summary)
	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     []types.Message{{Role: "user", Content: "Classify now."}},
		Temperature:  0,
	})
	if err != nil {
		return affinityPair{}, false, fmt.Errorf("dreaming: affinity classification: %w", err)
	}
	if resp == nil {
		return affinityPair{}, false, nil
	}

	var parsed affinityResponse
	if err := json.Unmarshal([]byte(stripMarkdown(resp.Content)), &parsed); err != nil {
		return affinityPair{}, false, nil
	}
	if !parsed.Related || parsed.Weight <= 0 {
		return affinityPair{}, false, nil
	}
	weight := parsed.Weight
	if weight > 1 {
		weight = 1
	}
	relType := parsed.RelType
	if relType == "" {
		relType = affinityRelType
	}
	return affinityPair{A: a, B: b, Weight: weight, RelType: relType}, true, nil
}

// buildLLMAffinities classifies pairs of moments in ascending index order
// until maxPairs connections are found or every pair has been tried. A
// failed classification call for one pair is logged by the caller and does
// not stop the scan.
func buildLLMAffinities(ctx context.Context, provider llm.Provider, moments []remtypes.Moment, maxPairs int, onErr func(error)) []affinityPair {
	var pairs []affinityPair
	for i := 0; i < len(moments) && (maxPairs <= 0 || len(pairs) < maxPairs); i++ {
		for j := i + 1; j < len(moments) && (maxPairs <= 0 || len(pairs) < maxPairs); j++ {
			pair, ok, err := classifyAffinity(ctx, provider, moments[i], moments[j])
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			if ok {
				pairs = append(pairs, pair)
			}
		}
	}
	return pairs
}

// affinityEdges turns a discovered pair into the two InlineEdges it implies
// — dreaming's edges are always bidirectional, since "see also" has no
// inherent direction.
func affinityEdges(pair affinityPair) (forward, backward remtypes.InlineEdge) {
	forward = remtypes.InlineEdge{
		DestinationLabel: pair.B.Name,
		RelType:          pair.RelType,
		Weight:           pair.Weight,
		Properties:       map[string]any{"destination_entity_type": "moments"},
	}
	backward = remtypes.InlineEdge{
		DestinationLabel: pair.A.Name,
		RelType:          pair.RelType,
		Weight:           pair.Weight,
		Properties:       map[string]any{"destination_entity_type": "moments"},
	}
	return forward, backward
}
