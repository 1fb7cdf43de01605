package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationType names the sandbox step that produced a result.
type ValidationType string

const (
	ValidationCompile  ValidationType = "COMPILE"
	ValidationUnitTest ValidationType = "UNIT_TEST"
)

// FailureKind separates infrastructure faults from code faults.
type FailureKind string

const (
	FailureNone        FailureKind = "NONE"
	FailureCode        FailureKind = "CODE"
	FailureEnvironment FailureKind = "ENVIRONMENT"
	FailureProvision   FailureKind = "PROVISION"
)

// ParsedError is one compiler diagnostic.
type ParsedError struct {
	File     string `json:"file"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// ValidationResult is the outcome of one sandbox run for a job round.
type ValidationResult struct {
	CreatedAt   time.Time      `json:"created_at"`
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Type        ValidationType `json:"validation_type"`
	Command     string         `json:"command,omitempty"`
	Stdout      string         `json:"stdout"`
	Stderr      string         `json:"stderr"`
	FailureKind FailureKind    `json:"failure_kind"`
	Errors      []ParsedError  `json:"parsed_errors,omitempty"`
	Round       int            `json:"round"`
	ExitCode    int            `json:"exit_code"`
	DurationMs  int64          `json:"duration_ms"`
	Passed      bool           `json:"passed"`
}

// NewValidationResult returns an empty result for a job round.
func NewValidationResult(jobID string, round int, vt ValidationType) *ValidationResult {
	return &ValidationResult{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Round:       round,
		Type:        vt,
		FailureKind: FailureNone,
		CreatedAt:   time.Now().UTC(),
	}
}

// Output returns stderr when present, otherwise stdout.
func (v *ValidationResult) Output() string {
	if strings.TrimSpace(v.Stderr) != "" {
		return v.Stderr
	}
	return v.Stdout
}

// Summary is a short human readable description.
func (v *ValidationResult) Summary() string {
	if v.Passed {
		return fmt.Sprintf("%s passed in %dms", v.Type, v.DurationMs)
	}
	var errs, warns int
	for i := range v.Errors {
		if strings.EqualFold(v.Errors[i].Severity, "warning") {
			warns++
		} else {
			errs++
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s failed (%s): %d errors, %d warnings", v.Type, v.FailureKind, errs, warns)
	for i := range v.Errors {
		if i == 5 {
			fmt.Fprintf(&sb, "\n... %d more", len(v.Errors)-5)
			break
		}
		e := v.Errors[i]
		fmt.Fprintf(&sb, "\n  - %s:%d: %s", e.File, e.Line, e.Message)
	}
	return sb.String()
}
