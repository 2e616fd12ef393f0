package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/model"
)

// TaskSpec is what a poster supplies to create a task.
type TaskSpec struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Reward         decimal.Decimal `json:"reward"`
	Currency       string          `json:"currency"`
	Criteria       model.Criteria  `json:"criteria"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	MaxSubmissions int             `json:"max_submissions"`
}

// SubmissionSpec is what a worker supplies to enter a task.
type SubmissionSpec struct {
	TaskID   string           `json:"task_id"`
	WorkerID string           `json:"worker_id"`
	Worker   model.WorkerSpec `json:"worker"`
	Priority int              `json:"priority"`
}

func (s *TaskSpec) validate(now time.Time) error {
	if strings.TrimSpace(s.Title) == "" {
		return errors.NewValidationError("title is required").WithField("title")
	}
	if !s.Reward.IsPositive() {
		return errors.NewValidationError("reward must be positive").WithField("reward").WithValue(s.Reward.String())
	}
	if !s.Reward.Equal(s.Reward.Round(2)) {
		return errors.NewValidationError("reward has more than two decimal places").WithField("reward").WithValue(s.Reward.String())
	}
	if s.Currency != "" {
		unit, err := currency.ParseISO(strings.ToUpper(s.Currency))
		if err != nil {
			return errors.NewValidationError("unknown currency").WithField("currency").WithValue(s.Currency)
		}
		s.Currency = unit.String()
	}
	if s.Deadline != nil && !s.Deadline.After(now) {
		return errors.NewValidationError("deadline must be in the future").WithField("deadline")
	}
	if s.MaxSubmissions < 0 {
		return errors.NewValidationError("max_submissions cannot be negative").WithField("max_submissions").WithValue(s.MaxSubmissions)
	}
	return validateCriteria(s.Criteria)
}

func validateCriteria(c model.Criteria) error {
	seen := make(map[string]bool, len(c.Metrics))
	for i, m := range c.Metrics {
		field := fmt.Sprintf("criteria.metrics[%d]", i)
		if m.Name == "" {
			return errors.NewValidationError("criterion needs a name").WithField(field + ".name")
		}
		if seen[m.Name] {
			return errors.NewValidationError("duplicate criterion name").WithField(field + ".name").WithValue(m.Name)
		}
		seen[m.Name] = true
		if m.Weight < 0 {
			return errors.NewValidationError("criterion weight cannot be negative").WithField(field + ".weight").WithValue(m.Weight)
		}

		switch m.Kind {
		case model.CriterionContains, model.CriterionNotContains:
			if m.Value == "" {
				return errors.NewValidationError("criterion needs a value").WithField(field + ".value")
			}
		case model.CriterionRegex:
			if _, err := regexp.Compile(m.Value); err != nil {
				return errors.NewValidationError("invalid pattern: "+err.Error()).WithField(field + ".value").WithValue(m.Value)
			}
		case model.CriterionJSONField, model.CriterionNumericMin:
			if m.Path == "" {
				return errors.NewValidationError("criterion needs a path").WithField(field + ".path")
			}
		case model.CriterionMinLength, model.CriterionMaxLength:
			if m.Threshold < 0 {
				return errors.NewValidationError("length threshold cannot be negative").WithField(field + ".threshold").WithValue(m.Threshold)
			}
		case model.CriterionLLM:
		default:
			return errors.NewValidationError("unknown criterion kind").WithField(field + ".kind").WithValue(string(m.Kind))
		}
	}
	return nil
}

func (s *SubmissionSpec) validate() error {
	if s.TaskID == "" {
		return errors.NewValidationError("task id is required").WithField("task_id")
	}
	if strings.TrimSpace(s.WorkerID) == "" {
		return errors.NewValidationError("worker id is required").WithField("worker_id")
	}
	switch s.Worker.Kind {
	case model.WorkerProcess:
		if len(s.Worker.Command) == 0 {
			return errors.NewValidationError("process workers need a command").WithField("worker.command")
		}
	case model.WorkerPrompt:
		if strings.TrimSpace(s.Worker.Prompt) == "" {
			return errors.NewValidationError("prompt workers need a prompt").WithField("worker.prompt")
		}
	default:
		return errors.NewValidationError("unknown worker kind").WithField("worker.kind").WithValue(string(s.Worker.Kind))
	}
	return nil
}
