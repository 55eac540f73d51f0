package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spotty118/mattthinking/internal/embedding"
	"github.com/spotty118/mattthinking/internal/observability"
)

// RetrieveOpts narrows a retrieval. IncludeErrors defaults to true so failure
// learnings surface unless the caller opts out.
type RetrieveOpts struct {
	IncludeErrors *bool    `json:"include_errors,omitempty"`
	Domain        string   `json:"domain,omitempty"`
	PatternTags   []string `json:"pattern_tags,omitempty"`
	MinScore      float64  `json:"min_score,omitempty"`
}

func (o RetrieveOpts) includeErrors() bool {
	return o.IncludeErrors == nil || *o.IncludeErrors
}

// Stats aggregates a workspace (or the whole store when workspaceID is "").
type Stats struct {
	Traces      int     `json:"traces"`
	Memories    int     `json:"memories"`
	SuccessRate float64 `json:"success_rate"`
}

// CleanupResult reports what a retention sweep removed.
type CleanupResult struct {
	DeletedTraces   int       `json:"deleted_traces"`
	DeletedMemories int       `json:"deleted_memories"`
	FreedMBEst      float64   `json:"freed_mb_est"`
	Cutoff          time.Time `json:"cutoff_ts"`
}

// Core owns trace persistence, retrieval with composite ranking, genealogy,
// and retention. It is the only component that writes to the store.
type Core struct {
	store  Store
	embed  embedding.EmbedFunc
	scorer Scorer

	droppedLearnings atomic.Int64
}

// NewCore wires the memory core over a store backend and embedding function.
func NewCore(store Store, embed embedding.EmbedFunc, scorer Scorer) *Core {
	return &Core{store: store, embed: embed, scorer: scorer}
}

// Store exposes the underlying adapter for backup tooling.
func (c *Core) Store() Store { return c.store }

// DroppedLearnings returns how many invalid learnings were discarded.
func (c *Core) DroppedLearnings() int64 { return c.droppedLearnings.Load() }

// StoreTrace seals and persists a trace together with its extracted
// memories as one batch. On backend failure the partial write is rolled back
// so the trace never becomes visible half-stored. Invalid memories are
// dropped and counted before the write.
func (c *Core) StoreTrace(ctx context.Context, trace *Trace, memories []*Memory) (string, error) {
	log := observability.LoggerWithTrace(ctx)

	kept := make([]*Memory, 0, len(memories))
	for _, m := range memories {
		if err := m.Validate(); err != nil {
			c.droppedLearnings.Add(1)
			log.Warn().Err(err).Str("memory_id", m.ID).Msg("memory_learning_dropped")
			continue
		}
		if m.WorkspaceID != trace.WorkspaceID {
			c.droppedLearnings.Add(1)
			log.Warn().Str("memory_id", m.ID).Msg("memory_learning_workspace_mismatch")
			continue
		}
		kept = append(kept, m)
	}

	trace.MemoryItems = trace.MemoryItems[:0]
	records := make([]Record, 0, len(kept)+1)
	for _, m := range kept {
		r, err := MemoryRecord(m)
		if err != nil {
			return "", &StorageError{Op: "store", Cause: err}
		}
		records = append(records, r)
		trace.MemoryItems = append(trace.MemoryItems, m.ID)
	}
	tr, err := TraceRecord(trace)
	if err != nil {
		return "", &StorageError{Op: "store", Cause: err}
	}
	records = append(records, tr)

	if err := c.store.Upsert(ctx, records); err != nil {
		// Roll back whatever the backend may have applied.
		if _, delErr := c.store.Delete(ctx, Filter{WorkspaceID: trace.WorkspaceID, TraceID: trace.TraceID}); delErr != nil {
			log.Error().Err(delErr).Str("trace_id", trace.TraceID).Msg("memory_store_rollback_failed")
		}
		return "", err
	}

	log.Info().
		Str("trace_id", trace.TraceID).
		Str("workspace_id", trace.WorkspaceID).
		Int("memories", len(kept)).
		Msg("memory_store_complete")
	return trace.TraceID, nil
}

// Retrieve embeds the query, runs the filtered ANN search, and applies
// composite ranking. An embedding failure degrades to an empty result with
// the warning flag set rather than failing the request.
func (c *Core) Retrieve(ctx context.Context, query, workspaceID string, n int, opts RetrieveOpts) ([]ScoredMemory, bool, error) {
	log := observability.LoggerWithTrace(ctx)
	if n <= 0 {
		n = 5
	}

	vecs, err := c.embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		log.Warn().Err(err).Msg("memory_retrieve_embed_failed")
		return nil, true, nil
	}

	f := Filter{
		WorkspaceID:   workspaceID,
		Kind:          KindMemory,
		Domain:        opts.Domain,
		PatternTags:   NormalizeTags(opts.PatternTags),
		ExcludeErrors: !opts.includeErrors(),
	}
	// Over-fetch so composite re-ranking has headroom beyond raw similarity.
	matches, err := c.store.ANNQuery(ctx, vecs[0], n*3, f)
	if err != nil {
		return nil, false, err
	}

	ranked, err := c.scorer.Rank(matches, n, time.Now().UTC())
	if err != nil {
		return nil, false, &RetrievalError{Op: "rank", Cause: err}
	}
	if opts.MinScore > 0 {
		kept := ranked[:0]
		for _, sm := range ranked {
			if sm.Composite >= opts.MinScore {
				kept = append(kept, sm)
			}
		}
		ranked = kept
	}

	log.Debug().
		Str("workspace_id", workspaceID).
		Int("candidates", len(matches)).
		Int("returned", len(ranked)).
		Msg("memory_retrieve")
	return ranked, false, nil
}

// Genealogy resolves a memory's ancestry and descendants in its workspace.
func (c *Core) Genealogy(ctx context.Context, memoryID, workspaceID string) (*Genealogy, error) {
	return GenealogyOf(ctx, c.store, memoryID, workspaceID)
}

// Statistics aggregates counts and success rate, optionally scoped to one
// workspace.
func (c *Core) Statistics(ctx context.Context, workspaceID string) (Stats, error) {
	traces, err := c.store.Scan(ctx, Filter{WorkspaceID: workspaceID, Kind: KindTrace})
	if err != nil {
		return Stats{}, err
	}
	memCount, err := c.store.Count(ctx, Filter{WorkspaceID: workspaceID, Kind: KindMemory})
	if err != nil {
		return Stats{}, err
	}

	s := Stats{Traces: len(traces), Memories: memCount}
	if len(traces) > 0 {
		succeeded := 0
		for _, r := range traces {
			if r.Outcome == OutcomeSuccess {
				succeeded++
			}
		}
		s.SuccessRate = float64(succeeded) / float64(len(traces))
	}
	return s, nil
}

// Cleanup deletes traces and memories older than the retention window.
func (c *Core) Cleanup(ctx context.Context, retentionDays int, workspaceID string) (CleanupResult, error) {
	if retentionDays <= 0 {
		return CleanupResult{}, fmt.Errorf("memory: retention_days must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	// Estimate freed bytes from payload sizes before deleting.
	old, err := c.store.Scan(ctx, Filter{WorkspaceID: workspaceID, Before: cutoff})
	if err != nil {
		return CleanupResult{}, err
	}
	var bytes int
	for _, r := range old {
		bytes += len(r.Payload) + 4*len(r.Vector)
	}

	deletedMems, err := c.store.Delete(ctx, Filter{WorkspaceID: workspaceID, Kind: KindMemory, Before: cutoff})
	if err != nil {
		return CleanupResult{}, err
	}
	deletedTraces, err := c.store.Delete(ctx, Filter{WorkspaceID: workspaceID, Kind: KindTrace, Before: cutoff})
	if err != nil {
		return CleanupResult{}, err
	}

	observability.LoggerWithTrace(ctx).Info().
		Int("deleted_traces", deletedTraces).
		Int("deleted_memories", deletedMems).
		Time("cutoff", cutoff).
		Msg("memory_cleanup_complete")

	return CleanupResult{
		DeletedTraces:   deletedTraces,
		DeletedMemories: deletedMems,
		FreedMBEst:      float64(bytes) / (1024 * 1024),
		Cutoff:          cutoff,
	}, nil
}

// DeleteWorkspace removes every trace and memory in a workspace. Refuses
// without explicit confirmation.
func (c *Core) DeleteWorkspace(ctx context.Context, workspaceID string, confirm bool) (int, error) {
	if !confirm {
		return 0, fmt.Errorf("%w: deleting workspace %s", ErrConfirmationRequired, workspaceID)
	}
	if workspaceID == "" {
		return 0, fmt.Errorf("memory: workspace id required for delete")
	}
	n, err := c.store.Delete(ctx, Filter{WorkspaceID: workspaceID})
	if err != nil {
		return 0, err
	}
	observability.LoggerWithTrace(ctx).Info().
		Str("workspace_id", workspaceID).
		Int("deleted", n).
		Msg("memory_workspace_deleted")
	return n, nil
}
