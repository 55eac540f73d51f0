package reason

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spotty118/mattthinking/internal/llm"
	"github.com/spotty118/mattthinking/internal/memory"
	"github.com/spotty118/mattthinking/internal/observability"
)

// Learning is the judge's raw extracted pattern before it becomes a Memory
// (the service attaches workspace, trace id, embedding, and genealogy).
type Learning struct {
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Content      string               `json:"content"`
	PatternTags  []string             `json:"pattern_tags"`
	Difficulty   memory.Difficulty    `json:"difficulty"`
	Domain       string               `json:"domain"`
	ErrorContext *memory.ErrorContext `json:"error_context,omitempty"`
}

// JudgeResult is the structured verdict for a finished solution.
type JudgeResult struct {
	Verdict   memory.Outcome `json:"verdict"`
	Score     float64        `json:"score"`
	Reasoning string         `json:"reasoning"`
	Learnings []Learning     `json:"learnings"`
}

// Judge scores solutions and extracts learnings through a deterministic
// (temperature 0) LLM call, so identical solutions hit the response cache.
type Judge struct {
	LLM   llm.Completer
	Model string
}

// Judge evaluates the final solution. On an unparseable response it retries
// once with a stricter instruction; a second failure downgrades the verdict
// to partial with the best known score and no learnings.
func (j *Judge) Judge(ctx context.Context, task, solution string, bestScore float64, budget *Budgeter) (JudgeResult, error) {
	log := observability.LoggerWithTrace(ctx)

	for _, strict := range []bool{false, true} {
		req := llm.CompletionRequest{
			Model:       j.Model,
			Temperature: 0,
			Messages: []llm.Message{
				{Role: "system", Content: judgeSystemPrompt(strict)},
				{Role: "user", Content: budget.Fit(judgeUserPrompt(task, solution))},
			},
		}
		resp, err := j.LLM.Complete(ctx, req)
		if err != nil {
			return JudgeResult{}, err
		}
		if err := budget.Account(resp.PromptTokens, resp.CompletionTokens+resp.ReasoningTokens); err != nil {
			return JudgeResult{}, err
		}

		result, parseErr := parseJudgeResponse(resp.Text)
		if parseErr == nil {
			result.normalize()
			return result, nil
		}
		log.Warn().Err(parseErr).Bool("strict_retry", !strict).Msg("judge_parse_failed")
	}

	// Both attempts failed to parse: downgrade rather than fail the request.
	return JudgeResult{
		Verdict:   memory.OutcomePartial,
		Score:     bestScore,
		Reasoning: "judge response could not be parsed",
	}, nil
}

// parseJudgeResponse accepts fenced or unfenced JSON payloads.
func parseJudgeResponse(text string) (JudgeResult, error) {
	payload := extractJSON(text)
	var result JudgeResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return JudgeResult{}, &ParseError{Cause: err}
	}
	return result, nil
}

// extractJSON strips markdown fences and isolates the outermost JSON object.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

// normalize clamps the score, defaults the verdict, and tidies learnings.
func (r *JudgeResult) normalize() {
	if r.Score < 0 {
		r.Score = 0
	} else if r.Score > 1 {
		r.Score = 1
	}
	switch r.Verdict {
	case memory.OutcomeSuccess, memory.OutcomeFailure, memory.OutcomePartial:
	default:
		r.Verdict = memory.OutcomePartial
	}
	for i := range r.Learnings {
		r.Learnings[i].PatternTags = memory.NormalizeTags(r.Learnings[i].PatternTags)
		// Failure verdicts must carry error context on every learning; the
		// extractor synthesizes a minimal one when the model omitted it.
		if r.Verdict == memory.OutcomeFailure && r.Learnings[i].ErrorContext == nil {
			r.Learnings[i].ErrorContext = &memory.ErrorContext{
				ErrorType:      "unspecified",
				FailurePattern: r.Reasoning,
			}
		}
	}
}
