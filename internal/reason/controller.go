package reason

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spotty118/mattthinking/internal/llm"
	"github.com/spotty118/mattthinking/internal/memory"
	"github.com/spotty118/mattthinking/internal/observability"
)

const (
	// DefaultMaxIterations bounds the Think/Evaluate/Refine loop.
	DefaultMaxIterations = 3
	// DefaultSuccessThreshold is the score at which the loop stops early.
	DefaultSuccessThreshold = 0.8
)

// ControllerConfig parameterizes one reasoning run.
type ControllerConfig struct {
	Model            string
	Temperature      float64
	ReasoningEffort  string
	MaxIterations    int
	SuccessThreshold float64
}

func (c *ControllerConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
}

// RunResult is the controller's view of one reasoning attempt.
type RunResult struct {
	Solution         string
	Score            float64
	Feedback         string
	Steps            []memory.TrajectoryStep
	Iterations       int
	EarlyTermination bool
	LoopDetected     bool
	TotalTokens      int
}

// Controller drives the Think → Evaluate → Refine state machine with loop
// detection and token budgeting. One iteration is a (think|refine)+evaluate
// pair.
type Controller struct {
	LLM    llm.Completer
	Budget *Budgeter
	Config ControllerConfig
}

// Run executes the full iterative loop for a task.
func (c *Controller) Run(ctx context.Context, task, renderedMemories string) (RunResult, error) {
	c.Config.applyDefaults()
	if strings.TrimSpace(task) == "" {
		return RunResult{}, fmt.Errorf("%w: empty task", ErrInvalidTask)
	}

	log := observability.LoggerWithTrace(ctx)
	var result RunResult
	seen := newLoopDetector()

	var bestSolution string
	var bestScore float64
	var feedback string
	solution := ""

	for iter := 1; iter <= c.Config.MaxIterations; iter++ {
		result.Iterations = iter

		kind := memory.StepThink
		var prompt string
		if iter == 1 {
			prompt = thinkUserPrompt(task, renderedMemories, "")
		} else {
			kind = memory.StepRefine
			prompt = refineUserPrompt(task, solution, feedback)
		}

		text, tokens, err := c.call(ctx, systemFor(kind), prompt)
		if err != nil {
			result.copyBest(bestSolution, bestScore)
			return result, err
		}
		solution = text
		result.Steps = append(result.Steps, memory.TrajectoryStep{
			Iteration: iter, Kind: kind, Content: solution, Tokens: tokens,
		})

		if seen.repeated(kind, solution) {
			log.Warn().Int("iteration", iter).Str("kind", string(kind)).Msg("reason_loop_detected")
			result.LoopDetected = true
			result.copyBest(bestSolution, bestScore)
			result.TotalTokens = c.Budget.Used()
			return result, nil
		}

		score, evalFeedback, evalTokens, err := c.evaluate(ctx, task, solution)
		if err != nil {
			result.copyBest(bestSolution, bestScore)
			return result, err
		}
		feedback = evalFeedback
		result.Steps = append(result.Steps, memory.TrajectoryStep{
			Iteration: iter, Kind: memory.StepEvaluate, Content: solution,
			Score: score, Feedback: evalFeedback, Tokens: evalTokens,
		})

		if seen.repeated(memory.StepEvaluate, evalFeedback) {
			log.Warn().Int("iteration", iter).Msg("reason_loop_detected")
			result.LoopDetected = true
			if score > bestScore || bestSolution == "" {
				bestSolution, bestScore = solution, score
			}
			result.copyBest(bestSolution, bestScore)
			result.TotalTokens = c.Budget.Used()
			return result, nil
		}

		if score > bestScore || bestSolution == "" {
			bestSolution, bestScore = solution, score
		}
		log.Debug().
			Int("iteration", iter).
			Float64("score", score).
			Msg("reason_iteration_complete")

		if score >= c.Config.SuccessThreshold {
			result.EarlyTermination = iter < c.Config.MaxIterations
			break
		}
	}

	result.copyBest(bestSolution, bestScore)
	result.Feedback = feedback
	result.TotalTokens = c.Budget.Used()
	return result, nil
}

// ThinkOnce performs a single think+evaluate pair; MaTTS candidates use this.
func (c *Controller) ThinkOnce(ctx context.Context, task, renderedMemories string) (RunResult, error) {
	c.Config.applyDefaults()
	if strings.TrimSpace(task) == "" {
		return RunResult{}, fmt.Errorf("%w: empty task", ErrInvalidTask)
	}

	var result RunResult
	result.Iterations = 1

	solution, tokens, err := c.call(ctx, thinkSystemPrompt(), thinkUserPrompt(task, renderedMemories, ""))
	if err != nil {
		return result, err
	}
	result.Steps = append(result.Steps, memory.TrajectoryStep{
		Iteration: 1, Kind: memory.StepThink, Content: solution, Tokens: tokens,
	})

	score, feedback, evalTokens, err := c.evaluate(ctx, task, solution)
	if err != nil {
		return result, err
	}
	result.Steps = append(result.Steps, memory.TrajectoryStep{
		Iteration: 1, Kind: memory.StepEvaluate, Content: solution,
		Score: score, Feedback: feedback, Tokens: evalTokens,
	})

	result.Solution = solution
	result.Score = score
	result.Feedback = feedback
	result.TotalTokens = c.Budget.Used()
	return result, nil
}

// RefineOnce performs a single refine+evaluate pair on an existing solution.
func (c *Controller) RefineOnce(ctx context.Context, task, solution, feedback string) (RunResult, error) {
	c.Config.applyDefaults()

	var result RunResult
	result.Iterations = 1

	revised, tokens, err := c.call(ctx, refineSystemPrompt(), refineUserPrompt(task, solution, feedback))
	if err != nil {
		return result, err
	}
	result.Steps = append(result.Steps, memory.TrajectoryStep{
		Iteration: 1, Kind: memory.StepRefine, Content: revised, Tokens: tokens,
	})

	score, evalFeedback, evalTokens, err := c.evaluate(ctx, task, revised)
	if err != nil {
		return result, err
	}
	result.Steps = append(result.Steps, memory.TrajectoryStep{
		Iteration: 1, Kind: memory.StepEvaluate, Content: revised,
		Score: score, Feedback: evalFeedback, Tokens: evalTokens,
	})

	result.Solution = revised
	result.Score = score
	result.Feedback = evalFeedback
	result.TotalTokens = c.Budget.Used()
	return result, nil
}

func systemFor(kind memory.StepKind) string {
	if kind == memory.StepRefine {
		return refineSystemPrompt()
	}
	return thinkSystemPrompt()
}

// call runs one budget-checked LLM invocation.
func (c *Controller) call(ctx context.Context, system, user string) (string, int, error) {
	req := llm.CompletionRequest{
		Model:           c.Config.Model,
		Temperature:     c.Config.Temperature,
		ReasoningEffort: c.Config.ReasoningEffort,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: c.Budget.Fit(user)},
		},
	}
	resp, err := c.LLM.Complete(ctx, req)
	if err != nil {
		return "", 0, err
	}
	tokens := resp.TotalTokens()
	if err := c.Budget.Account(resp.PromptTokens, resp.CompletionTokens+resp.ReasoningTokens); err != nil {
		return resp.Text, tokens, err
	}
	return resp.Text, tokens, nil
}

type evalPayload struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// evaluate scores the current solution. Evaluation runs at temperature 0 so
// repeated evaluations of an unchanged solution are cache hits.
func (c *Controller) evaluate(ctx context.Context, task, solution string) (float64, string, int, error) {
	req := llm.CompletionRequest{
		Model:       c.Config.Model,
		Temperature: 0,
		Messages: []llm.Message{
			{Role: "system", Content: evaluateSystemPrompt()},
			{Role: "user", Content: c.Budget.Fit(evaluateUserPrompt(task, solution))},
		},
	}
	resp, err := c.LLM.Complete(ctx, req)
	if err != nil {
		return 0, "", 0, err
	}
	tokens := resp.TotalTokens()
	if err := c.Budget.Account(resp.PromptTokens, resp.CompletionTokens+resp.ReasoningTokens); err != nil {
		return 0, "", tokens, err
	}

	var payload evalPayload
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &payload); err != nil {
		// An unparseable evaluation is treated as a low score with the raw
		// text as feedback, keeping the loop moving.
		return 0.1, resp.Text, tokens, nil
	}
	if payload.Score < 0 {
		payload.Score = 0
	} else if payload.Score > 1 {
		payload.Score = 1
	}
	return payload.Score, payload.Feedback, tokens, nil
}

func (r *RunResult) copyBest(solution string, score float64) {
	r.Solution = solution
	r.Score = score
}

// loopDetector hashes (kind, normalized content) per trajectory step and
// flags a recurrence at the same kind within the request.
type loopDetector struct {
	seen map[memory.StepKind]map[string]bool
}

func newLoopDetector() *loopDetector {
	return &loopDetector{seen: make(map[memory.StepKind]map[string]bool)}
}

func (d *loopDetector) repeated(kind memory.StepKind, content string) bool {
	h := stepHash(content)
	if d.seen[kind] == nil {
		d.seen[kind] = make(map[string]bool)
	}
	if d.seen[kind][h] {
		return true
	}
	d.seen[kind][h] = true
	return false
}

// stepHash normalizes whitespace and case before hashing so trivially
// reworded repeats still collide.
func stepHash(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// IsBudgetError reports whether err aborted the run on token budget.
func IsBudgetError(err error) bool { return errors.Is(err, ErrTokenBudgetExceeded) }
