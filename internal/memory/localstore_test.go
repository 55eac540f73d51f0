package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

const (
	wsOne = "1111111111111111"
	wsTwo = "2222222222222222"
)

func storeMemory(t *testing.T, s Store, m *Memory) {
	t.Helper()
	r, err := MemoryRecord(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(context.Background(), []Record{r}); err != nil {
		t.Fatal(err)
	}
}

func seedMemory(id, ws string, vec []float32, tags []string, withErr bool) *Memory {
	m := &Memory{
		ID:          id,
		WorkspaceID: ws,
		TraceID:     "trace-" + id,
		Title:       "title " + id,
		Description: "desc " + id,
		Content:     "content " + id,
		Embedding:   vec,
		PatternTags: tags,
		Outcome:     OutcomeSuccess,
		Timestamp:   time.Now().UTC(),
	}
	if withErr {
		m.ErrorContext = &ErrorContext{ErrorType: "off_by_one", FailurePattern: "bad bound"}
	}
	return m
}

func TestLocalStoreWorkspaceIsolation(t *testing.T) {
	s, err := NewLocalStore("")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	storeMemory(t, s, seedMemory("m1", wsOne, []float32{1, 0, 0}, nil, false))

	matches, err := s.ANNQuery(ctx, []float32{1, 0, 0}, 5, Filter{WorkspaceID: wsTwo, Kind: KindMemory})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("workspace %s leaked %d records from %s", wsTwo, len(matches), wsOne)
	}

	matches, err = s.ANNQuery(ctx, []float32{1, 0, 0}, 5, Filter{WorkspaceID: wsOne, Kind: KindMemory})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Record.ID != "m1" {
		t.Fatalf("owner workspace should retrieve its memory, got %v", matches)
	}
}

func TestLocalStoreANNOrdering(t *testing.T) {
	s, _ := NewLocalStore("")
	ctx := context.Background()

	storeMemory(t, s, seedMemory("close", wsOne, []float32{1, 0, 0}, nil, false))
	storeMemory(t, s, seedMemory("far", wsOne, []float32{0, 1, 0}, nil, false))

	matches, err := s.ANNQuery(ctx, []float32{0.9, 0.1, 0}, 2, Filter{WorkspaceID: wsOne})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Record.ID != "close" {
		t.Fatalf("nearest neighbor first, got %s", matches[0].Record.ID)
	}
	for _, m := range matches {
		if m.Similarity < 0 || m.Similarity > 1 {
			t.Fatalf("similarity %v outside [0,1]", m.Similarity)
		}
	}
}

func TestLocalStoreFilters(t *testing.T) {
	s, _ := NewLocalStore("")
	ctx := context.Background()

	storeMemory(t, s, seedMemory("plain", wsOne, []float32{1, 0}, []string{"binary_search"}, false))
	storeMemory(t, s, seedMemory("flagged", wsOne, []float32{1, 0}, []string{"binary_search", "loops"}, true))

	t.Run("ExcludeErrors", func(t *testing.T) {
		matches, err := s.ANNQuery(ctx, []float32{1, 0}, 5, Filter{WorkspaceID: wsOne, ExcludeErrors: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 1 || matches[0].Record.ID != "plain" {
			t.Fatalf("expected only the clean memory, got %v", matches)
		}
	})

	t.Run("OnlyErrors", func(t *testing.T) {
		records, err := s.Scan(ctx, Filter{WorkspaceID: wsOne, OnlyErrors: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 1 || records[0].ID != "flagged" {
			t.Fatalf("expected only the flagged memory, got %v", records)
		}
	})

	t.Run("TagsOrSemantics", func(t *testing.T) {
		records, err := s.Scan(ctx, Filter{WorkspaceID: wsOne, PatternTags: []string{"loops", "nonexistent"}})
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 1 || records[0].ID != "flagged" {
			t.Fatalf("tag OR filter failed, got %v", records)
		}
	})
}

func TestLocalStoreDeleteAndCount(t *testing.T) {
	s, _ := NewLocalStore("")
	ctx := context.Background()

	storeMemory(t, s, seedMemory("a", wsOne, []float32{1}, nil, false))
	storeMemory(t, s, seedMemory("b", wsOne, []float32{1}, nil, false))
	storeMemory(t, s, seedMemory("c", wsTwo, []float32{1}, nil, false))

	n, err := s.Delete(ctx, Filter{WorkspaceID: wsOne})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}

	remaining, err := s.Count(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 1 {
		t.Fatalf("count = %d, want 1", remaining)
	}
}

func TestLocalStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	ctx := context.Background()

	s, err := NewLocalStore(path)
	if err != nil {
		t.Fatal(err)
	}
	original := seedMemory("persist-me", wsOne, []float32{0.25, 0.5}, []string{"tag_a"}, true)
	storeMemory(t, s, original)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewLocalStore(path)
	if err != nil {
		t.Fatal(err)
	}
	records, err := reopened.Scan(ctx, Filter{WorkspaceID: wsOne})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("reloaded %d records, want 1", len(records))
	}

	m, err := DecodeMemory(records[0])
	if err != nil {
		t.Fatal(err)
	}
	// Immutability: required fields and embedding come back byte-identical.
	if m.Title != original.Title || m.Description != original.Description || m.Content != original.Content {
		t.Fatal("required fields changed across persistence")
	}
	if len(m.Embedding) != len(original.Embedding) {
		t.Fatal("embedding length changed across persistence")
	}
	for i := range m.Embedding {
		if m.Embedding[i] != original.Embedding[i] {
			t.Fatalf("embedding[%d] changed: %v vs %v", i, m.Embedding[i], original.Embedding[i])
		}
	}
	if m.ErrorContext == nil || m.ErrorContext.ErrorType != "off_by_one" {
		t.Fatal("error context lost across persistence")
	}
}
