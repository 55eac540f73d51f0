package reason

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/spotty118/mattthinking/internal/llm"
	"github.com/spotty118/mattthinking/internal/memory"
	"github.com/spotty118/mattthinking/internal/observability"
)

// MaTTS modes.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// MaTTS parameter bounds.
const (
	MinMattsK          = 2
	MaxMattsK          = 10
	DefaultMattsK      = 3
	maxMattsConcurrent = 10
)

// MattsConfig parameterizes one fan-out.
type MattsConfig struct {
	K           int
	Mode        string
	RefineBest  bool
	MaxParallel int
	Controller  ControllerConfig
}

func (c *MattsConfig) applyDefaults() {
	if c.K == 0 {
		c.K = DefaultMattsK
	}
	if c.K < MinMattsK {
		c.K = MinMattsK
	}
	if c.K > MaxMattsK {
		c.K = MaxMattsK
	}
	if c.Mode == "" {
		c.Mode = ModeParallel
	}
	if c.MaxParallel <= 0 || c.MaxParallel > maxMattsConcurrent {
		c.MaxParallel = maxMattsConcurrent
	}
}

// Candidate records one MaTTS attempt, including its failure when it errored.
type Candidate struct {
	Index       int
	Solution    string
	Score       float64
	Feedback    string
	Tokens      int
	Steps       []memory.TrajectoryStep
	CompletedAt time.Time
	Err         error
}

// MattsResult is the merged outcome of a fan-out.
type MattsResult struct {
	Solution    string
	Score       float64
	Feedback    string
	Steps       []memory.TrajectoryStep
	Candidates  []Candidate
	Refined     bool
	Degraded    bool // best-effort result after minority failures
	TotalTokens int
}

// Orchestrator fans a task out into k independent think+evaluate attempts
// and selects the best. Candidate trajectories merge into the parent in
// candidate-index order so the merged trajectory is deterministic.
type Orchestrator struct {
	LLM    llm.Completer
	Budget *Budgeter
}

// Run executes the fan-out. Memories are retrieved once by the caller and
// shared across candidates. If at least ⌈k/2⌉ candidates fail the whole
// request fails with MattsDegradedError; fewer failures degrade to the best
// surviving candidate with the Degraded flag set.
func (o *Orchestrator) Run(ctx context.Context, task, renderedMemories string, cfg MattsConfig) (MattsResult, error) {
	cfg.applyDefaults()
	log := observability.LoggerWithTrace(ctx)

	candidates := make([]Candidate, cfg.K)
	runCandidate := func(ctx context.Context, i int) {
		controller := &Controller{LLM: o.LLM, Budget: o.Budget, Config: cfg.Controller}
		res, err := controller.ThinkOnce(ctx, task, renderedMemories)
		candidates[i] = Candidate{
			Index:       i,
			Solution:    res.Solution,
			Score:       res.Score,
			Feedback:    res.Feedback,
			Tokens:      stepTokens(res.Steps),
			Steps:       res.Steps,
			CompletedAt: time.Now().UTC(),
			Err:         err,
		}
	}

	switch cfg.Mode {
	case ModeSequential:
		for i := 0; i < cfg.K; i++ {
			if ctx.Err() != nil {
				return MattsResult{}, ctx.Err()
			}
			runCandidate(ctx, i)
		}
	default:
		// Parallel: bounded fan-out behind a semaphore; cancelling the parent
		// context cancels every outstanding candidate.
		sem := semaphore.NewWeighted(int64(cfg.MaxParallel))
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < cfg.K; i++ {
			i := i
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					candidates[i] = Candidate{Index: i, Err: err, CompletedAt: time.Now().UTC()}
					return nil
				}
				defer sem.Release(1)
				runCandidate(gctx, i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return MattsResult{}, err
		}
		if ctx.Err() != nil {
			return MattsResult{}, ctx.Err()
		}
	}

	// A budget abort anywhere ends the request; candidate errors otherwise
	// stay recorded without sinking the batch.
	for _, c := range candidates {
		if c.Err != nil && IsBudgetError(c.Err) {
			return MattsResult{}, c.Err
		}
	}

	var failed int
	survivors := make([]Candidate, 0, cfg.K)
	for _, c := range candidates {
		if c.Err != nil {
			failed++
			continue
		}
		survivors = append(survivors, c)
	}
	if failed >= (cfg.K+1)/2 {
		return MattsResult{}, &MattsDegradedError{K: cfg.K, Failed: failed}
	}

	best := selectBest(survivors)
	log.Info().
		Int("k", cfg.K).
		Str("mode", cfg.Mode).
		Int("failed", failed).
		Int("best_index", best.Index).
		Float64("best_score", best.Score).
		Msg("matts_selection_complete")

	result := MattsResult{
		Solution:   best.Solution,
		Score:      best.Score,
		Feedback:   best.Feedback,
		Candidates: candidates,
		Degraded:   failed > 0,
	}
	for _, c := range candidates {
		result.Steps = append(result.Steps, c.Steps...)
	}

	if cfg.RefineBest && best.Score < cfg.Controller.SuccessThreshold {
		controller := &Controller{LLM: o.LLM, Budget: o.Budget, Config: cfg.Controller}
		refined, err := controller.RefineOnce(ctx, task, best.Solution, best.Feedback)
		if err != nil {
			if IsBudgetError(err) {
				return MattsResult{}, err
			}
			log.Warn().Err(err).Msg("matts_refine_failed")
		} else {
			result.Steps = append(result.Steps, refined.Steps...)
			// Keep the refinement only on strict improvement.
			if refined.Score > best.Score {
				result.Solution = refined.Solution
				result.Score = refined.Score
				result.Feedback = refined.Feedback
				result.Refined = true
			}
		}
	}

	result.TotalTokens = o.Budget.Used()
	return result, nil
}

// selectBest picks max score, ties broken by lower token count, then
// earliest completion.
func selectBest(candidates []Candidate) Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if sorted[i].Tokens != sorted[j].Tokens {
			return sorted[i].Tokens < sorted[j].Tokens
		}
		return sorted[i].CompletedAt.Before(sorted[j].CompletedAt)
	})
	return sorted[0]
}

func stepTokens(steps []memory.TrajectoryStep) int {
	total := 0
	for _, s := range steps {
		total += s.Tokens
	}
	return total
}
