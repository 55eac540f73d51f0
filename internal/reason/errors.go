package reason

import (
	"errors"
	"fmt"
)

// ErrInvalidTask rejects empty or unusable tasks before any LLM call.
var ErrInvalidTask = errors.New("reason: invalid task")

// ErrTokenBudgetExceeded aborts a request whose cumulative token usage
// crossed the per-request budget. The partial trajectory is still returned.
var ErrTokenBudgetExceeded = errors.New("reason: token budget exceeded")

// MattsDegradedError is returned when at least ⌈k/2⌉ of the k MaTTS
// candidates fail.
type MattsDegradedError struct {
	K      int
	Failed int
}

func (e *MattsDegradedError) Error() string {
	return fmt.Sprintf("reason: matts degraded: %d of %d candidates failed", e.Failed, e.K)
}

// ParseError reports an unparseable structured judge response. One stricter
// retry is attempted before downgrading the verdict to partial.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("reason: structured response parse failed: %v", e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }
