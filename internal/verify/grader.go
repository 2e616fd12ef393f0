package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/llm"
	"github.com/bountyhub/bountyd/internal/model"
)

const graderSystem = `You grade the output of an automated worker against a task's success criteria.
Reply with only a JSON object: {"score": <integer 0-100>, "reasoning": "<one sentence>"}.
100 means the criteria are fully met, 0 means they are not met at all.`

// maxGradedOutput bounds how much worker output is sent to the grader.
const maxGradedOutput = 16 << 10

var errNoProvider = errors.New("no reasoning provider configured")

type gradeReply struct {
	Score     *float64 `json:"score"`
	Reasoning string   `json:"reasoning"`
}

func gradePrompt(task *model.Task, c model.Criterion, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if task.Criteria.Description != "" {
		fmt.Fprintf(&b, "\nSuccess criteria:\n%s\n", task.Criteria.Description)
	}
	if c.Value != "" {
		fmt.Fprintf(&b, "\nAlso check: %s\n", c.Value)
	}
	if len(output) > maxGradedOutput {
		output = output[:maxGradedOutput] + "\n[truncated]"
	}
	fmt.Fprintf(&b, "\nWorker output:\n<<<\n%s\n>>>\n", output)
	return b.String()
}

// parseGrade extracts the score from a grader reply, tolerating code fences
// and prose around the JSON object.
func parseGrade(text string) (float64, string, error) {
	s := strings.TrimSpace(text)
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}
	var g gradeReply
	if err := json.Unmarshal([]byte(s), &g); err != nil {
		return 0, "", fmt.Errorf("malformed grade %q: %w", truncate(text, 80), err)
	}
	if g.Score == nil {
		return 0, "", fmt.Errorf("grade has no score: %q", truncate(text, 80))
	}
	if *g.Score < 0 || *g.Score > 100 {
		return 0, "", fmt.Errorf("grade score %g out of range", *g.Score)
	}
	return *g.Score, g.Reasoning, nil
}

// grade scores an llm criterion. A score at or above the pass threshold
// passes, below the fail floor fails, and anything between is ambiguous.
func (e *Engine) grade(ctx context.Context, task *model.Task, c model.Criterion, output string) (model.CheckResult, error) {
	res := model.CheckResult{
		Name:     c.Name,
		Kind:     model.CriterionLLM,
		Weight:   weightOf(c),
		Required: c.Required,
	}
	if e.provider == nil {
		res.Ambiguous = true
		res.Detail = errNoProvider.Error()
		return res, errNoProvider
	}

	comp, err := e.provider.Complete(ctx, gradePrompt(task, c, output), llm.Constraints{
		MaxTokens:   256,
		Temperature: 0,
		System:      graderSystem,
		JSON:        true,
	})
	if err == nil {
		var score float64
		var reason string
		score, reason, err = parseGrade(comp.Text)
		if err == nil {
			res.Score = score
			res.Detail = reason
			pass, floor := e.Thresholds()
			switch {
			case score >= pass:
				res.Passed = true
			case score >= floor:
				res.Ambiguous = true
			}
			return res, nil
		}
	}

	res.Ambiguous = true
	res.Detail = err.Error()
	return res, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
