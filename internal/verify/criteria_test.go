package verify

import (
	"strings"
	"testing"

	"github.com/bountyhub/bountyd/internal/model"
)

func TestCheck(t *testing.T) {
	const doc = `{"status":"ok","count":42,"items":[{"id":"a1"},{"id":"b2"}],"ratio":"0.75","done":true}`

	tests := []struct {
		name          string
		criterion     model.Criterion
		output        string
		wantPassed    bool
		wantAmbiguous bool
	}{
		{
			name:       "contains present",
			criterion:  model.Criterion{Kind: model.CriterionContains, Value: "hello"},
			output:     "well hello there",
			wantPassed: true,
		},
		{
			name:      "contains missing",
			criterion: model.Criterion{Kind: model.CriterionContains, Value: "bye"},
			output:    "well hello there",
		},
		{
			name:       "not_contains absent",
			criterion:  model.Criterion{Kind: model.CriterionNotContains, Value: "panic"},
			output:     "all good",
			wantPassed: true,
		},
		{
			name:      "not_contains present",
			criterion: model.Criterion{Kind: model.CriterionNotContains, Value: "panic"},
			output:    "panic: runtime error",
		},
		{
			name:       "regex match",
			criterion:  model.Criterion{Kind: model.CriterionRegex, Value: `^result=\d+$`},
			output:     "result=17",
			wantPassed: true,
		},
		{
			name:      "regex no match",
			criterion: model.Criterion{Kind: model.CriterionRegex, Value: `^result=\d+$`},
			output:    "result=abc",
		},
		{
			name:          "invalid regex is ambiguous",
			criterion:     model.Criterion{Kind: model.CriterionRegex, Value: `([`},
			output:        "anything",
			wantAmbiguous: true,
		},
		{
			name:       "json field equals",
			criterion:  model.Criterion{Kind: model.CriterionJSONField, Path: "status", Value: "ok"},
			output:     doc,
			wantPassed: true,
		},
		{
			name:       "json field number equals",
			criterion:  model.Criterion{Kind: model.CriterionJSONField, Path: "count", Value: "42"},
			output:     doc,
			wantPassed: true,
		},
		{
			name:       "json field bool equals",
			criterion:  model.Criterion{Kind: model.CriterionJSONField, Path: "done", Value: "true"},
			output:     doc,
			wantPassed: true,
		},
		{
			name:       "json field array index",
			criterion:  model.Criterion{Kind: model.CriterionJSONField, Path: "items.1.id", Value: "b2"},
			output:     doc,
			wantPassed: true,
		},
		{
			name:       "json field exists",
			criterion:  model.Criterion{Kind: model.CriterionJSONField, Path: "items.0"},
			output:     doc,
			wantPassed: true,
		},
		{
			name:      "json field missing",
			criterion: model.Criterion{Kind: model.CriterionJSONField, Path: "items.5.id"},
			output:    doc,
		},
		{
			name:          "json field on non-json output",
			criterion:     model.Criterion{Kind: model.CriterionJSONField, Path: "status"},
			output:        "not json",
			wantAmbiguous: true,
		},
		{
			name:       "min length met",
			criterion:  model.Criterion{Kind: model.CriterionMinLength, Threshold: 5},
			output:     "héllo",
			wantPassed: true,
		},
		{
			name:      "min length short",
			criterion: model.Criterion{Kind: model.CriterionMinLength, Threshold: 10},
			output:    "short",
		},
		{
			name:       "max length met",
			criterion:  model.Criterion{Kind: model.CriterionMaxLength, Threshold: 5},
			output:     "short",
			wantPassed: true,
		},
		{
			name:      "max length exceeded",
			criterion: model.Criterion{Kind: model.CriterionMaxLength, Threshold: 3},
			output:    "short",
		},
		{
			name:       "numeric min met",
			criterion:  model.Criterion{Kind: model.CriterionNumericMin, Path: "count", Threshold: 40},
			output:     doc,
			wantPassed: true,
		},
		{
			name:       "numeric min from numeric string",
			criterion:  model.Criterion{Kind: model.CriterionNumericMin, Path: "ratio", Threshold: 0.5},
			output:     doc,
			wantPassed: true,
		},
		{
			name:      "numeric min below",
			criterion: model.Criterion{Kind: model.CriterionNumericMin, Path: "count", Threshold: 50},
			output:    doc,
		},
		{
			name:       "numeric min whole output",
			criterion:  model.Criterion{Kind: model.CriterionNumericMin, Threshold: 3},
			output:     " 3.5\n",
			wantPassed: true,
		},
		{
			name:      "numeric min non-number",
			criterion: model.Criterion{Kind: model.CriterionNumericMin, Path: "status", Threshold: 1},
			output:    doc,
		},
		{
			name:          "numeric min on non-json output",
			criterion:     model.Criterion{Kind: model.CriterionNumericMin, Path: "count", Threshold: 1},
			output:        "count: 7",
			wantAmbiguous: true,
		},
		{
			name:          "unknown kind",
			criterion:     model.Criterion{Kind: "sentiment"},
			output:        "anything",
			wantAmbiguous: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := check(tt.criterion, tt.output)
			if got.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (detail %q)", got.Passed, tt.wantPassed, got.Detail)
			}
			if got.Ambiguous != tt.wantAmbiguous {
				t.Errorf("Ambiguous = %v, want %v", got.Ambiguous, tt.wantAmbiguous)
			}
			wantScore := 0.0
			if tt.wantPassed {
				wantScore = 100
			}
			if got.Score != wantScore {
				t.Errorf("Score = %v, want %v", got.Score, wantScore)
			}
			if got.Detail == "" {
				t.Error("Detail should describe the result")
			}
		})
	}
}

func TestCheck_Weight(t *testing.T) {
	tests := []struct {
		weight float64
		want   float64
	}{
		{0, 1},
		{-2, 1},
		{2.5, 2.5},
	}
	for _, tt := range tests {
		got := check(model.Criterion{Kind: model.CriterionContains, Weight: tt.weight}, "x")
		if got.Weight != tt.want {
			t.Errorf("weight %v: got %v, want %v", tt.weight, got.Weight, tt.want)
		}
	}
}

func TestParseGrade(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantScore float64
		wantErr   string
	}{
		{name: "plain", text: `{"score": 92, "reasoning": "meets criteria"}`, wantScore: 92},
		{name: "fenced", text: "```json\n{\"score\": 55, \"reasoning\": \"partial\"}\n```", wantScore: 55},
		{name: "prose around", text: `Here you go: {"score": 0} done`, wantScore: 0},
		{name: "no json", text: "looks fine to me", wantErr: "malformed"},
		{name: "missing score", text: `{"reasoning": "ok"}`, wantErr: "no score"},
		{name: "out of range", text: `{"score": 140}`, wantErr: "out of range"},
		{name: "negative", text: `{"score": -1}`, wantErr: "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _, err := parseGrade(tt.text)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseGrade() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseGrade() error = %v", err)
			}
			if score != tt.wantScore {
				t.Errorf("score = %v, want %v", score, tt.wantScore)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	pass := func(w float64, required bool) model.CheckResult {
		return model.CheckResult{Passed: true, Score: 100, Weight: w, Required: required}
	}
	fail := func(w float64, required bool) model.CheckResult {
		return model.CheckResult{Score: 0, Weight: w, Required: required}
	}
	graded := func(score float64, ambiguous bool) model.CheckResult {
		return model.CheckResult{Kind: model.CriterionLLM, Score: score, Weight: 1, Passed: score >= 80, Ambiguous: ambiguous}
	}

	tests := []struct {
		name       string
		ev         evaluation
		wantStatus model.AuditStatus
		wantScore  float64
	}{
		{
			name:       "all pass",
			ev:         evaluation{checks: []model.CheckResult{pass(1, true), pass(1, false)}, ungraded: []bool{false, false}},
			wantStatus: model.AuditPassed,
			wantScore:  100,
		},
		{
			name:       "required failure beats high score",
			ev:         evaluation{checks: []model.CheckResult{fail(1, true), pass(9, false)}, ungraded: []bool{false, false}},
			wantStatus: model.AuditFailed,
			wantScore:  90,
		},
		{
			name:       "weighted between floor and threshold",
			ev:         evaluation{checks: []model.CheckResult{pass(2, false), fail(1, false)}, ungraded: []bool{false, false}},
			wantStatus: model.AuditNeedsReview,
			wantScore:  66.67,
		},
		{
			name:       "below floor",
			ev:         evaluation{checks: []model.CheckResult{pass(1, false), fail(3, false)}, ungraded: []bool{false, false}},
			wantStatus: model.AuditFailed,
			wantScore:  25,
		},
		{
			name:       "ambiguous grade",
			ev:         evaluation{checks: []model.CheckResult{pass(1, false), graded(65, true)}, ungraded: []bool{false, false}},
			wantStatus: model.AuditNeedsReview,
			wantScore:  82.5,
		},
		{
			name:       "score 92 passes",
			ev:         evaluation{checks: []model.CheckResult{graded(92, false)}, ungraded: []bool{false}},
			wantStatus: model.AuditPassed,
			wantScore:  92,
		},
		{
			name: "provider error never passes",
			ev: evaluation{
				checks:      []model.CheckResult{pass(1, false), {Kind: model.CriterionLLM, Weight: 1, Required: true, Ambiguous: true}},
				ungraded:    []bool{false, true},
				providerErr: errNoProvider,
			},
			wantStatus: model.AuditNeedsReview,
			wantScore:  100,
		},
		{
			name: "unscorable required check goes to review",
			ev: evaluation{
				checks:   []model.CheckResult{{Kind: model.CriterionJSONField, Weight: 1, Required: true, Ambiguous: true}},
				ungraded: []bool{true},
			},
			wantStatus: model.AuditNeedsReview,
			wantScore:  0,
		},
		{
			name:       "nothing to score",
			ev:         evaluation{reason: "none"},
			wantStatus: model.AuditNeedsReview,
			wantScore:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, score := decide(tt.ev, 80, 50)
			if status != tt.wantStatus {
				t.Errorf("status = %s, want %s", status, tt.wantStatus)
			}
			if score != tt.wantScore {
				t.Errorf("score = %v, want %v", score, tt.wantScore)
			}
		})
	}
}
