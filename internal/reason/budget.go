package reason

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxPromptTokens bounds a single prompt before compression kicks in.
	DefaultMaxPromptTokens = 12000
	// DefaultRequestBudget bounds cumulative input+output tokens per request.
	DefaultRequestBudget = 100000
	// charsPerToken is the estimation heuristic: ~4 characters per token.
	charsPerToken = 4

	truncationMarker = "\n\n[... truncated for token budget ...]\n\n"
)

// EstimateTokens provides the chars/4 heuristic used when no model-specific
// tokenizer is wired in: ceil(runes/4).
func EstimateTokens(s string) int {
	n := len([]rune(s))
	return (n + charsPerToken - 1) / charsPerToken
}

// Compress shortens text that exceeds maxTokens by keeping the first and
// last 20% of the character budget (maxTokens*4 characters) joined by a
// truncation marker, so the result lands well under maxTokens. The head
// preserves the task statement, the tail the latest context.
func Compress(text string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	charBudget := maxTokens * charsPerToken
	keep := charBudget / 5 // 20% head + 20% tail of the budget
	if keep < 1 {
		keep = 1
	}
	if 2*keep >= len(runes) {
		return text
	}
	head := string(runes[:keep])
	tail := string(runes[len(runes)-keep:])
	out := head + truncationMarker + tail

	log.Warn().
		Int("before_tokens", EstimateTokens(text)).
		Int("after_tokens", EstimateTokens(out)).
		Int("max_tokens", maxTokens).
		Msg("prompt_compressed")
	return out
}

// Budgeter tracks cumulative token usage for one request. Safe for the
// concurrent accounting MaTTS candidates perform.
type Budgeter struct {
	MaxPromptTokens int
	RequestBudget   int

	used atomic.Int64
}

// NewBudgeter builds a budgeter, filling zero values with defaults.
func NewBudgeter(maxPromptTokens, requestBudget int) *Budgeter {
	if maxPromptTokens <= 0 {
		maxPromptTokens = DefaultMaxPromptTokens
	}
	if requestBudget <= 0 {
		requestBudget = DefaultRequestBudget
	}
	return &Budgeter{MaxPromptTokens: maxPromptTokens, RequestBudget: requestBudget}
}

// Fit compresses a prompt that exceeds the per-prompt ceiling.
func (b *Budgeter) Fit(prompt string) string {
	return Compress(prompt, b.MaxPromptTokens)
}

// Account accumulates usage and fails once the request budget is crossed.
func (b *Budgeter) Account(promptTokens, completionTokens int) error {
	total := b.used.Add(int64(promptTokens + completionTokens))
	if total > int64(b.RequestBudget) {
		return fmt.Errorf("%w: used %d of %d", ErrTokenBudgetExceeded, total, b.RequestBudget)
	}
	return nil
}

// Used returns the cumulative token count so far.
func (b *Budgeter) Used() int { return int(b.used.Load()) }
