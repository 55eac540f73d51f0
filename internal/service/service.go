package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spotty118/mattthinking/internal/config"
	"github.com/spotty118/mattthinking/internal/embedding"
	"github.com/spotty118/mattthinking/internal/llm"
	"github.com/spotty118/mattthinking/internal/memory"
	"github.com/spotty118/mattthinking/internal/observability"
	"github.com/spotty118/mattthinking/internal/reason"
	"github.com/spotty118/mattthinking/internal/workspace"
)

// GatewayStats is implemented by the LLM gateway; fakes in tests may leave
// it nil.
type GatewayStats interface {
	CacheStats() llm.CacheStats
	Stats() llm.APIStats
}

// Service is the request-to-core surface. The tool-protocol and HTTP layers
// translate their own framing to these calls and nothing else.
type Service struct {
	cfg   config.Config
	core  *memory.Core
	llm   llm.Completer
	stats GatewayStats
	embed embedding.EmbedFunc
}

// New wires the service. gatewayStats may be nil when the completer does not
// expose counters (tests).
func New(cfg config.Config, core *memory.Core, completer llm.Completer, gatewayStats GatewayStats, embed embedding.EmbedFunc) *Service {
	return &Service{cfg: cfg, core: core, llm: completer, stats: gatewayStats, embed: embed}
}

// SolveOptions mirrors the solve() surface options.
type SolveOptions struct {
	UseMemory        *bool   `json:"use_memory,omitempty"`
	EnableMatts      bool    `json:"enable_matts,omitempty"`
	MattsK           int     `json:"matts_k,omitempty"`
	MattsMode        string  `json:"matts_mode,omitempty"`
	RefineBest       bool    `json:"refine_best,omitempty"`
	StoreResult      *bool   `json:"store_result,omitempty"`
	MaxIterations    int     `json:"max_iterations,omitempty"`
	SuccessThreshold float64 `json:"success_threshold,omitempty"`
	Model            string  `json:"model,omitempty"`
	ReasoningEffort  string  `json:"reasoning_effort,omitempty"`
	Retrieve         memory.RetrieveOpts
}

func boolDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// SolveResult mirrors the solve() surface result.
type SolveResult struct {
	TraceID            string  `json:"trace_id,omitempty"`
	Solution           string  `json:"solution"`
	Score              float64 `json:"score"`
	Verdict            string  `json:"verdict"`
	Iterations         int     `json:"iterations"`
	EarlyTermination   bool    `json:"early_termination"`
	LoopDetected       bool    `json:"loop_detected"`
	MemoriesUsed       int     `json:"memories_used"`
	RetrievalDegraded  bool    `json:"retrieval_degraded,omitempty"`
	MattsDegraded      bool    `json:"matts_degraded,omitempty"`
	TotalTokens        int     `json:"total_tokens"`
	JudgeReasoning     string  `json:"judge_reasoning,omitempty"`
	LearningsExtracted int     `json:"learnings_extracted"`
}

// Solve runs the full pipeline: retrieve → reason (iterative or MaTTS) →
// judge → extract → persist.
func (s *Service) Solve(ctx context.Context, task, workspaceID string, opts SolveOptions) (SolveResult, error) {
	log := observability.LoggerWithTrace(ctx)

	if strings.TrimSpace(task) == "" {
		return SolveResult{}, fmt.Errorf("%w: empty task", reason.ErrInvalidTask)
	}
	if !workspace.ValidID(workspaceID) {
		return SolveResult{}, fmt.Errorf("%w: malformed workspace id %q", reason.ErrInvalidTask, workspaceID)
	}

	trace := memory.NewTrace(workspaceID, task)
	budget := reason.NewBudgeter(s.cfg.Reasoning.MaxPromptTokens, s.cfg.Reasoning.RequestBudget)
	controllerCfg := reason.ControllerConfig{
		Model:            opts.Model,
		Temperature:      s.cfg.Completions.Temperature,
		ReasoningEffort:  opts.ReasoningEffort,
		MaxIterations:    firstPositive(opts.MaxIterations, s.cfg.Reasoning.MaxIterations),
		SuccessThreshold: firstPositiveF(opts.SuccessThreshold, s.cfg.Reasoning.SuccessThreshold),
	}

	var rendered string
	var used []memory.ScoredMemory
	retrievalDegraded := false
	if boolDefault(opts.UseMemory, true) {
		var err error
		used, retrievalDegraded, err = s.core.Retrieve(ctx, task, workspaceID, s.cfg.Reasoning.RetrieveTopN, opts.Retrieve)
		if err != nil {
			return SolveResult{}, err
		}
		rendered = memory.RenderForPrompt(used)
	}

	result := SolveResult{
		MemoriesUsed:      len(used),
		RetrievalDegraded: retrievalDegraded,
	}

	var solution string
	var score float64
	if opts.EnableMatts {
		if opts.MattsK == 0 {
			opts.MattsK = reason.DefaultMattsK
		}
		if opts.MattsK < reason.MinMattsK || opts.MattsK > reason.MaxMattsK {
			return result, fmt.Errorf("%w: matts_k %d outside [%d,%d]", reason.ErrInvalidTask, opts.MattsK, reason.MinMattsK, reason.MaxMattsK)
		}
		orch := &reason.Orchestrator{LLM: s.llm, Budget: budget}
		mattsRes, err := orch.Run(ctx, task, rendered, reason.MattsConfig{
			K:           opts.MattsK,
			Mode:        opts.MattsMode,
			RefineBest:  opts.RefineBest,
			MaxParallel: s.cfg.Reasoning.MattsMaxParallel,
			Controller:  controllerCfg,
		})
		if err != nil {
			return result, err
		}
		for _, step := range mattsRes.Steps {
			trace.Append(step)
		}
		solution, score = mattsRes.Solution, mattsRes.Score
		result.Iterations = 1
		result.MattsDegraded = mattsRes.Degraded
		trace.Metadata.MattsK = opts.MattsK
		trace.Metadata.MattsMode = firstNonEmpty(opts.MattsMode, reason.ModeParallel)
	} else {
		controller := &reason.Controller{LLM: s.llm, Budget: budget, Config: controllerCfg}
		runRes, err := controller.Run(ctx, task, rendered)
		for _, step := range runRes.Steps {
			trace.Append(step)
		}
		result.Iterations = runRes.Iterations
		result.EarlyTermination = runRes.EarlyTermination
		result.LoopDetected = runRes.LoopDetected
		if err != nil {
			result.Solution = runRes.Solution
			result.Score = runRes.Score
			result.TotalTokens = budget.Used()
			return result, err
		}
		solution, score = runRes.Solution, runRes.Score
	}

	judge := &reason.Judge{LLM: s.llm, Model: opts.Model}
	judgeRes, err := judge.Judge(ctx, task, solution, score, budget)
	if err != nil {
		result.Solution = solution
		result.Score = score
		result.TotalTokens = budget.Used()
		return result, err
	}
	trace.Append(memory.TrajectoryStep{
		Iteration: result.Iterations,
		Kind:      memory.StepJudge,
		Content:   judgeRes.Reasoning,
		Score:     judgeRes.Score,
	})

	learnings, err := s.buildMemories(ctx, trace, judgeRes, used)
	if err != nil {
		log.Warn().Err(err).Msg("solve_learning_embed_failed")
		learnings = nil
	}

	trace.Outcome = judgeRes.Verdict
	trace.FinalScore = judgeRes.Score
	trace.Metadata.Model = firstNonEmpty(opts.Model, s.cfg.Completions.Model)
	trace.Metadata.Effort = firstNonEmpty(opts.ReasoningEffort, s.cfg.Completions.ReasoningEffort)
	trace.Metadata.Iterations = result.Iterations
	trace.Metadata.TotalTokens = budget.Used()

	result.Solution = solution
	result.Score = judgeRes.Score
	result.Verdict = string(judgeRes.Verdict)
	result.TotalTokens = budget.Used()
	result.JudgeReasoning = judgeRes.Reasoning
	result.LearningsExtracted = len(learnings)

	store := boolDefault(opts.StoreResult, true)
	if store && judgeRes.Verdict == memory.OutcomeFailure && !s.cfg.Reasoning.StoreFailures {
		store = false
	}
	if store {
		traceID, err := s.core.StoreTrace(ctx, trace, learnings)
		if err != nil {
			return result, err
		}
		result.TraceID = traceID
	}

	log.Info().
		Str("workspace_id", workspaceID).
		Str("trace_id", result.TraceID).
		Str("verdict", result.Verdict).
		Float64("score", result.Score).
		Int("memories_used", result.MemoriesUsed).
		Int("learnings", result.LearningsExtracted).
		Msg("solve_complete")
	return result, nil
}

// buildMemories turns judge learnings into Memories: embedding, provenance,
// and genealogy links to the memories the attempt consumed. A learning from
// a run that used prior memories derives from them; its stage is one past
// the deepest ancestor.
func (s *Service) buildMemories(ctx context.Context, trace *memory.Trace, judgeRes reason.JudgeResult, used []memory.ScoredMemory) ([]*memory.Memory, error) {
	if len(judgeRes.Learnings) == 0 {
		return nil, nil
	}

	texts := make([]string, len(judgeRes.Learnings))
	for i, l := range judgeRes.Learnings {
		texts[i] = l.Title + "\n" + l.Description + "\n" + l.Content
	}
	vecs, err := s.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("service: embedding count mismatch: got %d, want %d", len(vecs), len(texts))
	}

	var derivedFrom []string
	maxStage := -1
	for _, sm := range used {
		derivedFrom = append(derivedFrom, sm.Memory.ID)
		if sm.Memory.EvolutionStage > maxStage {
			maxStage = sm.Memory.EvolutionStage
		}
	}

	now := time.Now().UTC()
	memories := make([]*memory.Memory, len(judgeRes.Learnings))
	for i, l := range judgeRes.Learnings {
		memories[i] = &memory.Memory{
			ID:             uuid.NewString(),
			WorkspaceID:    trace.WorkspaceID,
			TraceID:        trace.TraceID,
			Title:          l.Title,
			Description:    l.Description,
			Content:        l.Content,
			Embedding:      vecs[i],
			PatternTags:    l.PatternTags,
			Difficulty:     l.Difficulty,
			Domain:         l.Domain,
			ErrorContext:   l.ErrorContext,
			DerivedFrom:    derivedFrom,
			EvolutionStage: maxStage + 1,
			Outcome:        judgeRes.Verdict,
			Timestamp:      now,
		}
	}
	return memories, nil
}

// Retrieve exposes composite-ranked memory search.
func (s *Service) Retrieve(ctx context.Context, query, workspaceID string, n int, opts memory.RetrieveOpts) ([]memory.ScoredMemory, error) {
	results, degraded, err := s.core.Retrieve(ctx, query, workspaceID, n, opts)
	if err != nil {
		return nil, err
	}
	if degraded {
		observability.LoggerWithTrace(ctx).Warn().Str("workspace_id", workspaceID).Msg("retrieve_degraded_empty")
	}
	return results, nil
}

// Genealogy resolves a memory's ancestry within its workspace.
func (s *Service) Genealogy(ctx context.Context, memoryID, workspaceID string) (*memory.Genealogy, error) {
	return s.core.Genealogy(ctx, memoryID, workspaceID)
}

// Statistics aggregates store, cache, and gateway counters.
type Statistics struct {
	Traces      int            `json:"traces"`
	Memories    int            `json:"memories"`
	SuccessRate float64        `json:"success_rate"`
	Dropped     int64          `json:"dropped_learnings"`
	Cache       llm.CacheStats `json:"cache"`
	API         llm.APIStats   `json:"api"`
}

// Statistics reads the aggregate view, optionally scoped to one workspace.
func (s *Service) Statistics(ctx context.Context, workspaceID string) (Statistics, error) {
	coreStats, err := s.core.Statistics(ctx, workspaceID)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		Traces:      coreStats.Traces,
		Memories:    coreStats.Memories,
		SuccessRate: coreStats.SuccessRate,
		Dropped:     s.core.DroppedLearnings(),
	}
	if s.stats != nil {
		stats.Cache = s.stats.CacheStats()
		stats.API = s.stats.Stats()
	}
	return stats, nil
}

// Cleanup removes traces and memories older than the retention window.
func (s *Service) Cleanup(ctx context.Context, retentionDays int, workspaceID string) (memory.CleanupResult, error) {
	return s.core.Cleanup(ctx, retentionDays, workspaceID)
}

// DeleteWorkspace destroys a workspace; requires explicit confirmation.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID string, confirm bool) (int, error) {
	return s.core.DeleteWorkspace(ctx, workspaceID, confirm)
}

// Backup archives a workspace (or everything) to a tar.gz file.
func (s *Service) Backup(ctx context.Context, path, workspaceID string, incremental bool) (memory.BackupResult, error) {
	return s.core.Backup(ctx, path, workspaceID, incremental)
}

// Restore loads an archive, optionally remapping into a target workspace.
func (s *Service) Restore(ctx context.Context, path, targetWorkspace string, overwrite bool) (memory.RestoreResult, error) {
	return s.core.Restore(ctx, path, targetWorkspace, overwrite)
}

// ValidateBackup checks an archive without touching the store.
func (s *Service) ValidateBackup(path string) (memory.BackupMetadata, error) {
	return s.core.Validate(path)
}

// RecordOutcome stores an externally produced trace and its learnings
// without running the reasoning loop (passive learning).
func (s *Service) RecordOutcome(ctx context.Context, trace *memory.Trace, memories []*memory.Memory) (string, error) {
	if trace == nil || trace.WorkspaceID == "" {
		return "", fmt.Errorf("%w: trace with workspace required", reason.ErrInvalidTask)
	}
	return s.core.StoreTrace(ctx, trace, memories)
}

// ResolveWorkspace maps a directory path to its deterministic workspace id.
func (s *Service) ResolveWorkspace(dir string) (string, error) {
	return workspace.ResolveID(dir)
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveF(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
