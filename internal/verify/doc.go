// Package verify scores execution output against a task's success criteria.
//
// An audit is created for each completed execution and scored by
// [Engine.RunAutomated]. Structured criteria (substring, pattern, JSON field,
// length and numeric checks) are evaluated locally; llm criteria are graded
// by a reasoning provider. The weighted mean of the check scores, together
// with the required flags, yields one of three verdicts:
//
//   - passed: no required check failed and the score reached the pass threshold
//   - failed: a required check failed outright or the score fell below the fail floor
//   - needs_review: anything in between, including a provider that could not grade
//
// A provider failure never produces a pass. Reviewers settle needs_review
// audits through [Engine.SubmitManualReview], which freezes the audit; only
// notes may be added afterwards.
package verify
