package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrArtifactNotFound is returned for unknown artifact ids.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrContractLocked is returned when the design is changed after coding began.
	ErrContractLocked = errors.New("contract and schema are locked once coding has started")
	// ErrJobTerminal is returned when mutating a finished job.
	ErrJobTerminal = errors.New("job is in a terminal state")
)

// Stage names a pipeline step.
type Stage string

const (
	StageArchitect Stage = "Architect"
	StageCoder     Stage = "Coder"
	StageSandbox   Stage = "Sandbox"
	StageCoach     Stage = "Coach"
)

// InvalidInputError rejects a malformed request. It is never retried.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

// StageFailure is a stage that exhausted its attempt budget.
type StageFailure struct {
	Cause    error
	Stage    Stage
	Attempts int
}

func (e *StageFailure) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s stage failed", e.Stage)
	}
	return fmt.Sprintf("%s stage failed after %d attempts: %v", e.Stage, e.Attempts, e.Cause)
}

func (e *StageFailure) Unwrap() error { return e.Cause }

// CannotAutoFixError is the Coach declining to repair. It is terminal.
type CannotAutoFixError struct {
	Reason string
}

func (e *CannotAutoFixError) Error() string {
	return "cannot auto-fix: " + e.Reason
}

// RepairBudgetExhaustedError ends a job whose repair rounds are used up.
type RepairBudgetExhaustedError struct {
	Rounds int
}

func (e *RepairBudgetExhaustedError) Error() string {
	return fmt.Sprintf("repair budget exhausted after %d rounds", e.Rounds)
}

// SandboxProvisionError is an environment that could not be created.
// The sandbox reports it as a failing ValidationResult rather than returning it.
type SandboxProvisionError struct {
	Cause    error
	Provider string
}

func (e *SandboxProvisionError) Error() string {
	return fmt.Sprintf("sandbox provision failed (%s): %v", e.Provider, e.Cause)
}

func (e *SandboxProvisionError) Unwrap() error { return e.Cause }

// IsInvalidInput reports whether err carries an InvalidInputError.
func IsInvalidInput(err error) bool {
	var e *InvalidInputError
	return errors.As(err, &e)
}
