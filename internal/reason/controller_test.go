package reason

import (
	"context"
	"errors"
	"testing"

	"github.com/spotty118/mattthinking/internal/memory"
)

func newController(f *fakeCompleter, maxIter int, threshold float64) *Controller {
	return &Controller{
		LLM:    f,
		Budget: NewBudgeter(0, 0),
		Config: ControllerConfig{
			MaxIterations:    maxIter,
			SuccessThreshold: threshold,
		},
	}
}

func TestControllerEarlyTermination(t *testing.T) {
	f := &fakeCompleter{
		solutions:   []string{"good answer"},
		evaluations: []string{evalJSON(0.95, "excellent")},
	}
	c := newController(f, 3, 0.8)

	res, err := c.Run(context.Background(), "task", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if !res.EarlyTermination {
		t.Fatal("score above threshold must terminate early")
	}
	if res.Solution != "good answer" || res.Score != 0.95 {
		t.Fatalf("result = %q / %v", res.Solution, res.Score)
	}
	// One think + one evaluate step.
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(res.Steps))
	}
	if res.Steps[0].Kind != memory.StepThink || res.Steps[1].Kind != memory.StepEvaluate {
		t.Fatalf("step kinds = %v %v", res.Steps[0].Kind, res.Steps[1].Kind)
	}
}

func TestControllerRefinesUntilMax(t *testing.T) {
	f := &fakeCompleter{
		solutions: []string{"attempt one", "attempt two", "attempt three"},
		evaluations: []string{
			evalJSON(0.3, "weak"),
			evalJSON(0.5, "better"),
			evalJSON(0.7, "closer"),
		},
	}
	c := newController(f, 3, 0.9)

	res, err := c.Run(context.Background(), "task", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 3 {
		t.Fatalf("iterations = %d, want max 3", res.Iterations)
	}
	if res.EarlyTermination {
		t.Fatal("exhausting iterations is not early termination")
	}
	// Best score seen is returned even though the threshold was never met.
	if res.Score != 0.7 || res.Solution != "attempt three" {
		t.Fatalf("best = %q / %v", res.Solution, res.Score)
	}

	kinds := make([]memory.StepKind, len(res.Steps))
	for i, s := range res.Steps {
		kinds[i] = s.Kind
	}
	want := []memory.StepKind{
		memory.StepThink, memory.StepEvaluate,
		memory.StepRefine, memory.StepEvaluate,
		memory.StepRefine, memory.StepEvaluate,
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("step %d kind = %v, want %v (all: %v)", i, kinds[i], want[i], kinds)
		}
	}
}

func TestControllerLoopDetection(t *testing.T) {
	// Refine returns the identical solution twice: the second occurrence at
	// the same kind terminates the loop.
	f := &fakeCompleter{
		solutions: []string{"first", "stuck", "stuck"},
		evaluations: []string{
			evalJSON(0.2, "fix a"),
			evalJSON(0.3, "fix b"),
			evalJSON(0.3, "fix b"),
		},
	}
	c := newController(f, 5, 0.9)

	res, err := c.Run(context.Background(), "task", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.LoopDetected {
		t.Fatal("repeated refine content must trip loop detection")
	}
	if res.Score != 0.3 {
		t.Fatalf("best score = %v, want 0.3", res.Score)
	}
}

func TestControllerWhitespaceInsensitiveLoopHash(t *testing.T) {
	if stepHash("Hello   World") != stepHash("hello world") {
		t.Fatal("loop hash must normalize whitespace and case")
	}
	if stepHash("alpha") == stepHash("beta") {
		t.Fatal("different content must hash differently")
	}
}

func TestControllerInvalidTask(t *testing.T) {
	c := newController(&fakeCompleter{}, 3, 0.8)
	_, err := c.Run(context.Background(), "   ", "")
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected invalid task, got %v", err)
	}
}

func TestControllerBudgetAbort(t *testing.T) {
	f := &fakeCompleter{
		solutions:   []string{"s1", "s2", "s3"},
		evaluations: []string{evalJSON(0.1, "f1"), evalJSON(0.1, "f2"), evalJSON(0.1, "f3")},
	}
	c := &Controller{
		LLM: f,
		// Each fake call accounts 15 tokens; the third call crosses 40.
		Budget: NewBudgeter(1000, 40),
		Config: ControllerConfig{MaxIterations: 5, SuccessThreshold: 0.9},
	}

	res, err := c.Run(context.Background(), "task", "")
	if !errors.Is(err, ErrTokenBudgetExceeded) {
		t.Fatalf("expected budget abort, got %v", err)
	}
	// The partial trajectory up to the abort is preserved.
	if len(res.Steps) == 0 {
		t.Fatal("budget abort must keep the partial trajectory")
	}
}

func TestControllerUnparseableEvaluation(t *testing.T) {
	f := &fakeCompleter{
		solutions:   []string{"answer"},
		evaluations: []string{"not json at all"},
	}
	c := newController(f, 1, 0.9)

	res, err := c.Run(context.Background(), "task", "")
	if err != nil {
		t.Fatal(err)
	}
	// An unparseable evaluation degrades to a low score, not a failure.
	if res.Score >= 0.5 {
		t.Fatalf("score = %v, want low fallback", res.Score)
	}
}

func TestThinkOnce(t *testing.T) {
	f := &fakeCompleter{
		solutions:   []string{"single shot"},
		evaluations: []string{evalJSON(0.6, "ok")},
	}
	c := newController(f, 3, 0.8)

	res, err := c.ThinkOnce(context.Background(), "task", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Solution != "single shot" || res.Score != 0.6 {
		t.Fatalf("result = %q / %v", res.Solution, res.Score)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want think+evaluate", len(res.Steps))
	}
}

func TestRefineOnce(t *testing.T) {
	f := &fakeCompleter{
		solutions:   []string{"revised"},
		evaluations: []string{evalJSON(0.85, "improved")},
	}
	c := newController(f, 3, 0.8)

	res, err := c.RefineOnce(context.Background(), "task", "draft", "tighten it")
	if err != nil {
		t.Fatal(err)
	}
	if res.Solution != "revised" || res.Score != 0.85 {
		t.Fatalf("result = %q / %v", res.Solution, res.Score)
	}
	if res.Steps[0].Kind != memory.StepRefine {
		t.Fatalf("first step kind = %v, want refine", res.Steps[0].Kind)
	}
}
