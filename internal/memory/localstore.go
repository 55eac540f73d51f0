package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// LocalStore is the embedded vector_local backend: a mutex-guarded in-process
// map with brute-force cosine search and an optional JSON snapshot on disk.
// It doubles as the test backend.
type LocalStore struct {
	mu      sync.RWMutex
	records map[string]Record
	path    string // "" = memory only
}

// NewLocalStore opens the embedded store, loading a snapshot when path names
// an existing file.
func NewLocalStore(path string) (*LocalStore, error) {
	s := &LocalStore{
		records: make(map[string]Record),
		path:    path,
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type snapshotRecord struct {
	Record
	Payload json.RawMessage `json:"payload"`
}

func (s *LocalStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("localstore: read snapshot %s: %w", s.path, err)
	}
	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("localstore: parse snapshot %s: %w", s.path, err)
	}
	for _, sr := range records {
		r := sr.Record
		r.Payload = []byte(sr.Payload)
		s.records[r.ID] = r
	}
	log.Info().Int("records", len(s.records)).Str("path", s.path).Msg("localstore_snapshot_loaded")
	return nil
}

// persistLocked writes the snapshot. Must be called with the write lock held.
func (s *LocalStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	records := make([]snapshotRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, snapshotRecord{Record: r, Payload: json.RawMessage(r.Payload)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("localstore: marshal snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("localstore: create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("localstore: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("localstore: replace snapshot: %w", err)
	}
	return nil
}

// Upsert inserts or replaces records by id.
func (s *LocalStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			return &StorageError{Op: "upsert", Cause: fmt.Errorf("record without id")}
		}
		s.records[r.ID] = r
	}
	if err := s.persistLocked(); err != nil {
		return &StorageError{Op: "upsert", Cause: err}
	}
	return nil
}

// ANNQuery scores every matching memory record by cosine similarity and
// returns the top k, similarity normalized to [0,1].
func (s *LocalStore) ANNQuery(ctx context.Context, embedding []float32, k int, f Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, k)
	for _, r := range s.records {
		if r.Kind != KindMemory || len(r.Vector) == 0 {
			continue
		}
		if !f.Matches(r) {
			continue
		}
		sim := (cosineSimilarity(embedding, r.Vector) + 1) / 2
		matches = append(matches, Match{Record: r, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Scan returns all records matching the filter.
func (s *LocalStore) Scan(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes all records matching the filter and returns the count.
func (s *LocalStore) Delete(ctx context.Context, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, r := range s.records {
		if f.Matches(r) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.records, id)
	}
	if err := s.persistLocked(); err != nil {
		return 0, &StorageError{Op: "delete", Cause: err}
	}
	return len(ids), nil
}

// Count returns the number of records matching the filter.
func (s *LocalStore) Count(ctx context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if f.Matches(r) {
			n++
		}
	}
	return n, nil
}

// Close flushes the snapshot.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
