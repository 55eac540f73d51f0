package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a reasoning attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Difficulty buckets a learned pattern by task complexity.
type Difficulty string

const (
	DifficultySimple   Difficulty = "simple"
	DifficultyModerate Difficulty = "moderate"
	DifficultyComplex  Difficulty = "complex"
)

// StepKind identifies a trajectory step.
type StepKind string

const (
	StepThink    StepKind = "think"
	StepEvaluate StepKind = "evaluate"
	StepRefine   StepKind = "refine"
	StepJudge    StepKind = "judge"
)

// ErrorContext records a past failure so retrieval can surface it as a
// warning next to the memory.
type ErrorContext struct {
	ErrorType          string `json:"error_type"`
	FailurePattern     string `json:"failure_pattern"`
	CorrectiveGuidance string `json:"corrective_guidance"`
}

// Memory is the atomic unit of learning. Immutable once stored; revisions
// are new Memories linked through ParentID or DerivedFrom.
type Memory struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	TraceID     string    `json:"trace_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"embedding"`

	PatternTags []string   `json:"pattern_tags,omitempty"`
	Difficulty  Difficulty `json:"difficulty,omitempty"`
	Domain      string     `json:"domain,omitempty"`

	ErrorContext *ErrorContext `json:"error_context,omitempty"`

	ParentID       string   `json:"parent_id,omitempty"`
	DerivedFrom    []string `json:"derived_from,omitempty"`
	EvolutionStage int      `json:"evolution_stage"`

	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate enforces the required-field invariant. Learnings that fail it are
// dropped by the extractor, not stored.
func (m *Memory) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(m.Description) == "" {
		return &ValidationError{Field: "description", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(m.Content) == "" {
		return &ValidationError{Field: "content", Reason: "must be non-empty"}
	}
	if m.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "must be set"}
	}
	switch m.Difficulty {
	case "", DifficultySimple, DifficultyModerate, DifficultyComplex:
	default:
		return &ValidationError{Field: "difficulty", Reason: fmt.Sprintf("unknown value %q", m.Difficulty)}
	}
	if m.EvolutionStage < 0 {
		return &ValidationError{Field: "evolution_stage", Reason: "must be non-negative"}
	}
	return nil
}

// Parents returns the full set of direct ancestors: ParentID plus every
// DerivedFrom entry, deduplicated.
func (m *Memory) Parents() []string {
	seen := make(map[string]struct{}, len(m.DerivedFrom)+1)
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(m.ParentID)
	for _, id := range m.DerivedFrom {
		add(id)
	}
	return out
}

// TrajectoryStep is one entry in a trace's reasoning trajectory.
type TrajectoryStep struct {
	Iteration int       `json:"iteration"`
	Kind      StepKind  `json:"kind"`
	Content   string    `json:"content"`
	Score     float64   `json:"score,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// TraceMeta carries the reasoning parameters a trace ran with.
type TraceMeta struct {
	Model       string `json:"model,omitempty"`
	Effort      string `json:"effort,omitempty"`
	MattsK      int    `json:"matts_k,omitempty"`
	MattsMode   string `json:"matts_mode,omitempty"`
	Iterations  int    `json:"iterations"`
	TotalTokens int    `json:"total_tokens"`
}

// Trace is a single end-to-end reasoning attempt. Created at request entry,
// appended to per step, sealed at store time, never mutated after.
type Trace struct {
	TraceID       string           `json:"trace_id"`
	WorkspaceID   string           `json:"workspace_id"`
	ParentTraceID string           `json:"parent_trace_id,omitempty"`
	Task          string           `json:"task"`
	Trajectory    []TrajectoryStep `json:"trajectory"`
	Outcome       Outcome          `json:"outcome"`
	FinalScore    float64          `json:"final_score"`
	Metadata      TraceMeta        `json:"metadata"`
	CreatedAt     time.Time        `json:"created_at"`
	MemoryItems   []string         `json:"memory_items,omitempty"` // ids of extracted Memories
}

// NewTrace opens a trace for a task in a workspace.
func NewTrace(workspaceID, task string) *Trace {
	return &Trace{
		TraceID:     uuid.NewString(),
		WorkspaceID: workspaceID,
		Task:        task,
		CreatedAt:   time.Now().UTC(),
	}
}

// Append adds a step, stamping it with the current time.
func (t *Trace) Append(step TrajectoryStep) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	t.Trajectory = append(t.Trajectory, step)
}

// NormalizeTags lower-snake-cases pattern tags so the tag set stays an
// open-ended but consistent vocabulary.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		t = strings.ReplaceAll(t, " ", "_")
		t = strings.ReplaceAll(t, "-", "_")
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
