package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RecordKind distinguishes the two row types the store holds.
type RecordKind string

const (
	KindMemory RecordKind = "memory"
	KindTrace  RecordKind = "trace"
)

// Record is the store's uniform row: indexed metadata for filtering plus the
// full JSON payload of the Memory or Trace. Memories carry an embedding;
// traces have a nil vector and are invisible to ANN queries.
type Record struct {
	ID          string
	Kind        RecordKind
	WorkspaceID string
	TraceID     string
	Timestamp   time.Time
	Outcome     Outcome
	Domain      string
	PatternTags []string
	HasError    bool
	Vector      []float32
	Payload     []byte
}

// Filter is a structured predicate over record metadata. Zero values mean
// "no constraint"; PatternTags use OR semantics.
type Filter struct {
	WorkspaceID string
	Kind        RecordKind
	TraceID     string
	Domain      string
	Outcome     Outcome
	Before      time.Time // matches Timestamp < Before
	PatternTags []string
	// ExcludeErrors drops records with error context when true.
	ExcludeErrors bool
	// OnlyErrors keeps only records with error context when true.
	OnlyErrors bool
}

// Matches evaluates the filter against a record. Backends that can push the
// predicate down (SQL, qdrant) do so; the local store and scan fallbacks use
// this directly.
func (f Filter) Matches(r Record) bool {
	if f.WorkspaceID != "" && r.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.TraceID != "" && r.TraceID != f.TraceID {
		return false
	}
	if f.Domain != "" && r.Domain != f.Domain {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.Before.IsZero() && !r.Timestamp.Before(f.Before) {
		return false
	}
	if f.ExcludeErrors && r.HasError {
		return false
	}
	if f.OnlyErrors && !r.HasError {
		return false
	}
	if len(f.PatternTags) > 0 {
		tagSet := make(map[string]struct{}, len(r.PatternTags))
		for _, t := range r.PatternTags {
			tagSet[t] = struct{}{}
		}
		found := false
		for _, t := range f.PatternTags {
			if _, ok := tagSet[t]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Match pairs a record with its similarity against a query embedding,
// cosine normalized to [0,1].
type Match struct {
	Record     Record
	Similarity float64
}

// Store is the capability interface every backend implements. The core never
// dereferences backend-specific handles; genealogy traversal, cleanup, and
// backup all go through Scan and Delete. Implementations are safe for
// concurrent use and never rely on caller-side serialization.
type Store interface {
	Upsert(ctx context.Context, records []Record) error
	ANNQuery(ctx context.Context, embedding []float32, k int, f Filter) ([]Match, error)
	Scan(ctx context.Context, f Filter) ([]Record, error)
	Delete(ctx context.Context, f Filter) (int, error)
	Count(ctx context.Context, f Filter) (int, error)
	Close() error
}

// MemoryRecord converts a Memory into its store row.
func MemoryRecord(m *Memory) (Record, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return Record{}, fmt.Errorf("marshal memory %s: %w", m.ID, err)
	}
	return Record{
		ID:          m.ID,
		Kind:        KindMemory,
		WorkspaceID: m.WorkspaceID,
		TraceID:     m.TraceID,
		Timestamp:   m.Timestamp,
		Outcome:     m.Outcome,
		Domain:      m.Domain,
		PatternTags: m.PatternTags,
		HasError:    m.ErrorContext != nil,
		Vector:      m.Embedding,
		Payload:     payload,
	}, nil
}

// TraceRecord converts a Trace into its store row.
func TraceRecord(t *Trace) (Record, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return Record{}, fmt.Errorf("marshal trace %s: %w", t.TraceID, err)
	}
	return Record{
		ID:          t.TraceID,
		Kind:        KindTrace,
		WorkspaceID: t.WorkspaceID,
		TraceID:     t.TraceID,
		Timestamp:   t.CreatedAt,
		Outcome:     t.Outcome,
		Payload:     payload,
	}, nil
}

// DecodeMemory unmarshals a memory record payload.
func DecodeMemory(r Record) (*Memory, error) {
	var m Memory
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode memory %s: %w", r.ID, err)
	}
	return &m, nil
}

// DecodeTrace unmarshals a trace record payload.
func DecodeTrace(r Record) (*Trace, error) {
	var t Trace
	if err := json.Unmarshal(r.Payload, &t); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", r.ID, err)
	}
	return &t, nil
}
