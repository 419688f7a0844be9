// Package remtypes defines the Resource-Entity-Moment (REM) data model shared
// by the storage worker pool, the REM store, the query executor, and the
// dreaming workers.
//
// Every type here is tenant-scoped: tenant_id is mandatory on every row and
// every KV key, and nothing in this package constructs a zero-value tenant.
package remtypes

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// resourceNamespace is the fixed UUID namespace used to derive deterministic
// Resource ids via UUIDv5. Redelivery of the same (tenant_id, uri, chunk
// index) must always produce the same id.
var resourceNamespace = uuid.MustParse("6f6e9b8a-6e6a-4b7a-9c1a-6d6f6d656e74")

// momentNamespace is the fixed UUID namespace used to derive deterministic
// Moment ids from their source Resource and sequence position.
var momentNamespace = uuid.MustParse("6f6e9b8a-6e6a-4b7a-9c1a-6d6f6d656e75")

// InlineEdge is a small value record attached to a Resource or Moment
// describing one outbound graph edge by label, not by foreign key. Cycles in
// the row-relational model are avoided because InlineEdge points at a
// human-readable label rather than an id; cycles, if any, live exclusively in
// the graph namespace.
type InlineEdge struct {
	// DestinationLabel is the human-readable label of the edge target, not an id.
	DestinationLabel string `json:"destination_label"`

	// RelType is the relationship type (e.g. "see_also", "mentions").
	RelType string `json:"rel_type"`

	// Weight is in [0, 1].
	Weight float64 `json:"weight"`

	// Properties carries arbitrary edge metadata; it must include
	// "destination_entity_type" identifying the target's table/kind.
	Properties map[string]any `json:"properties"`
}

// DestinationEntityType returns the "destination_entity_type" property, or
// "" if absent.
func (e InlineEdge) DestinationEntityType() string {
	if e.Properties == nil {
		return ""
	}
	v, _ := e.Properties["destination_entity_type"].(string)
	return v
}

// Equal reports whether two edges are duplicates for union-merge purposes:
// same destination label and same relationship type. Dreaming workers rely on
// this to make edge writes idempotent.
func (e InlineEdge) Equal(other InlineEdge) bool {
	return e.DestinationLabel == other.DestinationLabel && e.RelType == other.RelType
}

// MergeEdges appends edges from add into existing, skipping any that are
// already present per InlineEdge.Equal. The result preserves existing's order
// followed by newly-added edges in add's order — merging the same edge set
// twice yields the same result as merging it once.
func MergeEdges(existing []InlineEdge, add ...InlineEdge) []InlineEdge {
	out := make([]InlineEdge, len(existing), len(existing)+len(add))
	copy(out, existing)
	for _, candidate := range add {
		dup := false
		for _, have := range out {
			if have.Equal(candidate) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, candidate)
		}
	}
	return out
}

// Resource is the atomic ingested content unit.
type Resource struct {
	ID       uuid.UUID      `json:"id"`
	TenantID string         `json:"tenant_id"`
	Name     string         `json:"name"`
	Category string         `json:"category"`
	Content  string         `json:"content"`
	Summary  string         `json:"summary,omitempty"`
	URI      string         `json:"uri"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// ResourceTimestamp is when the content was authored.
	ResourceTimestamp time.Time `json:"resource_timestamp"`

	// GraphPaths is the sequence of outbound InlineEdges attached to this row.
	GraphPaths []InlineEdge `json:"graph_paths,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the persisted table this row belongs to. Moment embeds
// Resource and overrides this.
func (Resource) TableName() string { return "resources" }

// ResourceID deterministically derives a Resource id from
// (tenant_id, uri, chunk_index) via UUIDv5, so redelivery of the same event
// produces the same row.
func ResourceID(tenantID, uri string, chunkIndex int) uuid.UUID {
	name := tenantID + "\x00" + uri + "\x00" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(resourceNamespace, []byte(name))
}

// SpeakerTurn is one utterance within a Moment's speaker timeline.
type SpeakerTurn struct {
	Text      string    `json:"text"`
	SpeakerID string    `json:"speaker_id"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   string    `json:"emotion,omitempty"`
}

// PresentPerson is the value half of Moment.PresentPersons, keyed by speaker
// fingerprint.
type PresentPerson struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// MomentType enumerates the small open set of moment classifications.
type MomentType string

const (
	MomentConversation MomentType = "conversation"
	MomentMeeting      MomentType = "meeting"
	MomentPlanning     MomentType = "planning"
	MomentReflection   MomentType = "reflection"
	MomentObservation  MomentType = "observation"
	MomentUnknown      MomentType = "unknown"
)

// Moment is a Resource subtype representing a time-bounded segment of
// experience, produced by the dreaming worker's moment-extraction task.
type Moment struct {
	Resource

	// ResourceEndsTimestamp is the end of the segment; must be ≥ ResourceTimestamp.
	ResourceEndsTimestamp time.Time `json:"resource_ends_timestamp"`

	MomentType MomentType `json:"moment_type"`

	EmotionTags []string `json:"emotion_tags,omitempty"`
	TopicTags   []string `json:"topic_tags,omitempty"`

	// PresentPersons maps speaker fingerprint -> {id, label}.
	PresentPersons map[string]PresentPerson `json:"present_persons,omitempty"`

	Speakers []SpeakerTurn `json:"speakers,omitempty"`

	Location         string `json:"location,omitempty"`
	BackgroundSounds string `json:"background_sounds,omitempty"`
}

// TableName returns "moments", overriding the embedded Resource.
func (Moment) TableName() string { return "moments" }

// MomentID deterministically derives a Moment id from its source Resource id
// and its sequence position within that resource's extraction batch.
func MomentID(sourceResourceID uuid.UUID, seq int) uuid.UUID {
	name := sourceResourceID.String() + "\x00" + strconv.Itoa(seq)
	return uuid.NewSHA1(momentNamespace, []byte(name))
}

// Validate checks the data-model invariants: resource_timestamp <=
// resource_ends_timestamp, and every speaker timestamp falls within
// [start, end], and every speaker_id appears in present_persons.
func (m Moment) Validate() error {
	if m.ResourceTimestamp.After(m.ResourceEndsTimestamp) {
		return &InvariantError{Field: "resource_ends_timestamp", Reason: "must be >= resource_timestamp"}
	}
	for _, s := range m.Speakers {
		if s.Timestamp.Before(m.ResourceTimestamp) || s.Timestamp.After(m.ResourceEndsTimestamp) {
			return &InvariantError{Field: "speakers[].timestamp", Reason: "out of [start, end] bounds"}
		}
		if _, ok := m.PresentPersons[s.SpeakerID]; !ok {
			return &InvariantError{Field: "speakers[].speaker_id", Reason: "not present in present_persons: " + s.SpeakerID}
		}
	}
	return nil
}

// InvariantError reports a violated data-model invariant (error taxonomy
// class for data-model invariant violations).
type InvariantError struct {
	Field  string
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violation on " + e.Field + ": " + e.Reason
}

// Metric names the distance function used by a vector search.
type Metric string

const (
	MetricCosine       Metric = "cosine"
	MetricL2           Metric = "l2"
	MetricInnerProduct Metric = "inner_product"
)

// Embedding is one vector row, keyed by (entity_table, entity_id, field_name,
// provider) — exactly one embedding exists per that tuple.
type Embedding struct {
	EntityTable string    `json:"entity_table"`
	EntityID    uuid.UUID `json:"entity_id"`
	FieldName   string    `json:"field_name"`
	Vector      []float32 `json:"vector"`
	Dimension   int       `json:"dimension"`
	Provider    string    `json:"provider"`
	TenantID    string    `json:"tenant_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks len(vector) == dimension, the quantified invariant on
// Embedding rows.
func (e Embedding) Validate() error {
	if len(e.Vector) != e.Dimension {
		return &InvariantError{Field: "dimension", Reason: "vector length does not match declared dimension"}
	}
	return nil
}

// KVValue is the value record stored under a reverse-name KV key.
type KVValue struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	TableName  string `json:"table_name"`

	// BlobKey is an optional binary-store key for O(1) access to raw content.
	BlobKey string `json:"blob_key,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// KVKey builds the reverse-name mapping key
// "{tenant_id}/{name}/{entity_type}" used by LOOKUP and storage-worker
// writes.
func KVKey(tenantID, name, entityType string) string {
	return tenantID + "/" + name + "/" + entityType
}

// KVPrefix builds the scan prefix "{tenant_id}/{name}/" used by LOOKUP step 1
// — the trailing slash ensures only exact-name matches across entity types,
// and the tenant prefix makes cross-tenant leakage structurally impossible.
func KVPrefix(tenantID, name string) string {
	return tenantID + "/" + name + "/"
}

// DeviceAuthKey builds the device-authorization KV key for a device code.
func DeviceAuthKey(code string) string { return "device-auth:" + code }

// UserCodeKey builds the device-authorization KV key for a user code.
func UserCodeKey(code string) string { return "user-code:" + code }

// Tenant is {tenant_id, email, public_key, metadata}.
type Tenant struct {
	TenantID  string         `json:"tenant_id"`
	Email     string         `json:"email"`
	PublicKey string         `json:"public_key"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TenantIDFromIMEI derives a deterministic tenant id from an IMEI:
// "tenant-{first-16-hex-chars-of-sha256(imei)}".
func TenantIDFromIMEI(imei string) string {
	sum := sha256.Sum256([]byte(imei))
	return "tenant-" + hex.EncodeToString(sum[:])[:16]
}

// GraphNode is a vertex in the labeled property graph layered on the
// relational store, keyed by label within a tenant.
type GraphNode struct {
	TenantID string `json:"tenant_id"`
	Label    string `json:"label"`
	BizKey   string `json:"biz_key"`

	// EntityTable and EntityID are set once the node is backed by a real row.
	// Materialized is false for orphan nodes: valid placeholders referenced by
	// an InlineEdge whose backing row does not yet exist.
	EntityTable  string `json:"entity_table,omitempty"`
	EntityID     string `json:"entity_id,omitempty"`
	Materialized bool   `json:"materialized"`
}

// GraphEdge is a materialized edge in the graph namespace, derived from
// Resource/Moment graph_paths plus edges written by dreaming workers.
type GraphEdge struct {
	TenantID    string         `json:"tenant_id"`
	SourceLabel string         `json:"source_label"`
	DestLabel   string         `json:"dest_label"`
	RelType     string         `json:"rel_type"`
	Weight      float64        `json:"weight"`
	Properties  map[string]any `json:"properties,omitempty"`

	// Seq is the edge's insertion order, used by TRAVERSE to break ties by
	// insertion order during traversal.
	Seq int64 `json:"seq"`
}
