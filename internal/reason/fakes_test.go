package reason

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spotty118/mattthinking/internal/llm"
)

// fakeCompleter scripts responses by call role: think/refine calls walk the
// solutions list, evaluate calls walk evaluations, judge calls walk
// judgments. Optional per-call latency exercises MaTTS wall-time behavior.
type fakeCompleter struct {
	mu sync.Mutex

	solutions   []string
	evaluations []string
	judgments   []string

	solutionIdx int
	evalIdx     int
	judgeIdx    int

	latency     func(callIndex int) time.Duration
	failThinkAt map[int]error

	calls atomic.Int64
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Response, error) {
	n := int(f.calls.Add(1)) - 1
	if f.latency != nil {
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-time.After(f.latency(n)):
		}
	}

	system := req.Messages[0].Content
	f.mu.Lock()
	defer f.mu.Unlock()

	var text string
	switch {
	case strings.Contains(system, "strict evaluator"):
		text = f.next(f.evaluations, &f.evalIdx, `{"score": 0.5, "feedback": "default"}`)
	case strings.Contains(system, "judge a finished solution") || strings.Contains(system, "distill reusable learnings"):
		text = f.next(f.judgments, &f.judgeIdx, `{"verdict":"success","score":0.9,"reasoning":"fine","learnings":[]}`)
	default:
		idx := f.solutionIdx
		if err, ok := f.failThinkAt[idx]; ok {
			f.solutionIdx++
			return llm.Response{}, err
		}
		text = f.next(f.solutions, &f.solutionIdx, fmt.Sprintf("solution %d", idx))
	}

	return llm.Response{
		Text:             text,
		PromptTokens:     10,
		CompletionTokens: 5,
	}, nil
}

func (f *fakeCompleter) next(list []string, idx *int, fallback string) string {
	if *idx < len(list) {
		v := list[*idx]
		*idx++
		return v
	}
	*idx++
	return fallback
}

func evalJSON(score float64, feedback string) string {
	return fmt.Sprintf(`{"score": %g, "feedback": %q}`, score, feedback)
}
