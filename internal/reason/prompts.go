package reason

import "fmt"

func thinkSystemPrompt() string {
	return `You are a careful problem solver. Work through the task step by step
and produce a complete, self-contained solution. If past experiences are
provided, reuse the strategies that worked and avoid the recorded failure
modes. Respond with the solution only.`
}

func thinkUserPrompt(task, renderedMemories, feedback string) string {
	prompt := ""
	if renderedMemories != "" {
		prompt += renderedMemories + "\n"
	}
	prompt += "## Task\n\n" + task + "\n"
	if feedback != "" {
		prompt += "\n## Feedback on Previous Attempt\n\n" + feedback + "\n"
	}
	return prompt
}

func evaluateSystemPrompt() string {
	return `You are a strict evaluator. Score the solution against the task on a
scale from 0.0 to 1.0 and give actionable feedback. You MUST respond with
valid JSON:

{"score": 0.0, "feedback": "what is wrong and how to fix it"}`
}

func evaluateUserPrompt(task, solution string) string {
	return fmt.Sprintf("## Task\n\n%s\n\n## Candidate Solution\n\n%s\n\nScore it and respond with JSON.", task, solution)
}

func refineSystemPrompt() string {
	return `You are revising a solution using evaluator feedback. Address every
point in the feedback while keeping what already works. Respond with the
revised solution only.`
}

func refineUserPrompt(task, solution, feedback string) string {
	return fmt.Sprintf("## Task\n\n%s\n\n## Current Solution\n\n%s\n\n## Evaluator Feedback\n\n%s\n\nProduce the revised solution.",
		task, solution, feedback)
}

func judgeSystemPrompt(strict bool) string {
	base := `You judge a finished solution and distill reusable learnings. Respond
with JSON in exactly this shape:

{
  "verdict": "success" | "failure" | "partial",
  "score": 0.0,
  "reasoning": "why this verdict",
  "learnings": [
    {
      "title": "short name of the pattern",
      "description": "one-sentence summary",
      "content": "the reusable lesson in full",
      "pattern_tags": ["tag_one", "tag_two"],
      "difficulty": "simple" | "moderate" | "complex",
      "domain": "short domain label",
      "error_context": {
        "error_type": "only when verdict is failure",
        "failure_pattern": "what went wrong",
        "corrective_guidance": "how to avoid it next time"
      }
    }
  ]
}

When the verdict is failure, every learning MUST include error_context.
Omit error_context entirely for successful learnings.`
	if strict {
		base += `

IMPORTANT: your previous response could not be parsed. Respond with ONLY the
JSON object. No prose, no code fences.`
	}
	return base
}

func judgeUserPrompt(task, solution string) string {
	return fmt.Sprintf("## Task\n\n%s\n\n## Final Solution\n\n%s\n\nJudge it and respond with JSON.", task, solution)
}
