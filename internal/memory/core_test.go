package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeEmbed maps text deterministically onto a tiny vector space.
func fakeEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 4)
		for j, r := range t {
			v[j%4] += float32(r%13) / 13
		}
		out[i] = v
	}
	return out, nil
}

func failingEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("embedding endpoint down")
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	s, err := NewLocalStore("")
	if err != nil {
		t.Fatal(err)
	}
	return NewCore(s, fakeEmbed, NewScorer(0, 0, 0, 0, 0))
}

func validLearning(id, ws, traceID string) *Memory {
	return &Memory{
		ID:          id,
		WorkspaceID: ws,
		TraceID:     traceID,
		Title:       "lesson " + id,
		Description: "what we learned",
		Content:     "the full lesson body",
		Embedding:   []float32{1, 0, 0, 0},
		Outcome:     OutcomeSuccess,
		Timestamp:   time.Now().UTC(),
	}
}

func TestStoreTracePersistsBatch(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	trace := NewTrace(wsOne, "compute factorial")
	trace.Outcome = OutcomeSuccess
	trace.FinalScore = 0.9

	id, err := core.StoreTrace(ctx, trace, []*Memory{validLearning("l1", wsOne, trace.TraceID)})
	if err != nil {
		t.Fatal(err)
	}
	if id != trace.TraceID {
		t.Fatalf("returned trace id %s, want %s", id, trace.TraceID)
	}

	stats, err := core.Statistics(ctx, wsOne)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Traces != 1 || stats.Memories != 1 {
		t.Fatalf("stats = %+v, want 1 trace / 1 memory", stats)
	}
	if stats.SuccessRate != 1 {
		t.Fatalf("success rate = %v, want 1", stats.SuccessRate)
	}
	if len(trace.MemoryItems) != 1 || trace.MemoryItems[0] != "l1" {
		t.Fatalf("trace.MemoryItems = %v", trace.MemoryItems)
	}
}

func TestStoreTraceDropsInvalidLearnings(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	trace := NewTrace(wsOne, "task")
	invalid := validLearning("bad", wsOne, trace.TraceID)
	invalid.Title = "  "
	foreign := validLearning("foreign", wsTwo, trace.TraceID)

	if _, err := core.StoreTrace(ctx, trace, []*Memory{invalid, foreign, validLearning("ok", wsOne, trace.TraceID)}); err != nil {
		t.Fatal(err)
	}

	if got := core.DroppedLearnings(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	stats, _ := core.Statistics(ctx, wsOne)
	if stats.Memories != 1 {
		t.Fatalf("stored memories = %d, want only the valid one", stats.Memories)
	}
}

func TestRetrieveDegradesOnEmbeddingFailure(t *testing.T) {
	s, _ := NewLocalStore("")
	core := NewCore(s, failingEmbed, NewScorer(0, 0, 0, 0, 0))

	results, degraded, err := core.Retrieve(context.Background(), "query", wsOne, 3, RetrieveOpts{})
	if err != nil {
		t.Fatalf("embedding failure must degrade, not fail: %v", err)
	}
	if !degraded {
		t.Fatal("degraded flag must be set")
	}
	if len(results) != 0 {
		t.Fatalf("degraded retrieval returned %d results", len(results))
	}
}

func TestRetrieveScopedAndRanked(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	trace := NewTrace(wsOne, "seed")
	learning := validLearning("seed-mem", wsOne, trace.TraceID)
	vecs, _ := fakeEmbed(ctx, []string{"binary search duplicates"})
	learning.Embedding = vecs[0]
	if _, err := core.StoreTrace(ctx, trace, []*Memory{learning}); err != nil {
		t.Fatal(err)
	}

	results, degraded, err := core.Retrieve(ctx, "binary search duplicates", wsOne, 3, RetrieveOpts{})
	if err != nil || degraded {
		t.Fatalf("retrieve failed: err=%v degraded=%v", err, degraded)
	}
	if len(results) != 1 || results[0].Memory.ID != "seed-mem" {
		t.Fatalf("expected the seeded memory, got %v", results)
	}

	other, _, err := core.Retrieve(ctx, "binary search duplicates", wsTwo, 3, RetrieveOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatal("retrieval must not cross workspaces")
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	oldTrace := NewTrace(wsOne, "ancient task")
	oldTrace.CreatedAt = time.Now().UTC().AddDate(0, 0, -120)
	oldMem := validLearning("old", wsOne, oldTrace.TraceID)
	oldMem.Timestamp = oldTrace.CreatedAt
	if _, err := core.StoreTrace(ctx, oldTrace, []*Memory{oldMem}); err != nil {
		t.Fatal(err)
	}

	freshTrace := NewTrace(wsOne, "recent task")
	if _, err := core.StoreTrace(ctx, freshTrace, []*Memory{validLearning("fresh", wsOne, freshTrace.TraceID)}); err != nil {
		t.Fatal(err)
	}

	result, err := core.Cleanup(ctx, 30, wsOne)
	if err != nil {
		t.Fatal(err)
	}
	if result.DeletedTraces != 1 || result.DeletedMemories != 1 {
		t.Fatalf("cleanup = %+v, want 1 trace / 1 memory removed", result)
	}

	stats, _ := core.Statistics(ctx, wsOne)
	if stats.Traces != 1 || stats.Memories != 1 {
		t.Fatalf("post-cleanup stats = %+v", stats)
	}
}

func TestDeleteWorkspaceRequiresConfirmation(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	trace := NewTrace(wsOne, "task")
	if _, err := core.StoreTrace(ctx, trace, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := core.DeleteWorkspace(ctx, wsOne, false); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("unconfirmed delete must refuse, got %v", err)
	}

	n, err := core.DeleteWorkspace(ctx, wsOne, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d records, want 1", n)
	}
}
