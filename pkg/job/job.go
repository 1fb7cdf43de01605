// Package job defines the durable records of a G3 generation job: the job
// itself, its versioned artifacts, sandbox validation results and the log
// entries streamed while it runs.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusPlanning  Status = "PLANNING"
	StatusCoding    Status = "CODING"
	StatusTesting   Status = "TESTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// DefaultMaxRounds bounds the repair loop when no configuration overrides it.
const DefaultMaxRounds = 3

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsRunning reports whether a worker currently owns the job.
func (s Status) IsRunning() bool {
	return s == StatusPlanning || s == StatusCoding || s == StatusTesting
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusQueued, StatusPlanning, StatusCoding, StatusTesting, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Job is one end-to-end generation request.
type Job struct {
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ContractLockedAt *time.Time        `json:"contract_locked_at,omitempty"`
	Blueprint        *Blueprint        `json:"blueprint,omitempty"`
	TargetStack      map[string]string `json:"target_stack,omitempty"`
	ID               string            `json:"id"`
	Requirement      string            `json:"requirement"`
	Status           Status            `json:"status"`
	ContractYAML     string            `json:"contract_yaml,omitempty"`
	DBSchemaSQL      string            `json:"db_schema_sql,omitempty"`
	SandboxID        string            `json:"sandbox_id,omitempty"`
	SandboxProvider  string            `json:"sandbox_provider,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	CurrentRound     int               `json:"current_round"`
	MaxRounds        int               `json:"max_rounds"`
	ErrorCount       int               `json:"error_count"`
	ContractLocked   bool              `json:"contract_locked"`
	BlueprintEnabled bool              `json:"blueprint_enabled"`
}

// New validates the requirement and returns a QUEUED job.
func New(requirement string, blueprint *Blueprint, maxRounds int) (*Job, error) {
	if strings.TrimSpace(requirement) == "" {
		return nil, &InvalidInputError{Field: "requirement", Reason: "must not be blank"}
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	now := time.Now().UTC()
	j := &Job{
		ID:           uuid.NewString(),
		Requirement:  strings.TrimSpace(requirement),
		Status:       StatusQueued,
		MaxRounds:    maxRounds,
		CreatedAt:    now,
		UpdatedAt:    now,
		TargetStack:  map[string]string{"backend": "java"},
		CurrentRound: 0,
	}
	if blueprint != nil && !blueprint.IsEmpty() {
		j.Blueprint = blueprint
		j.BlueprintEnabled = true
	}
	return j, nil
}

// CanRepair reports whether another repair round fits the budget.
func (j *Job) CanRepair() bool {
	return j.CurrentRound < j.MaxRounds
}

// NextRound advances the repair round counter.
func (j *Job) NextRound() error {
	if j.CurrentRound >= j.MaxRounds {
		return &RepairBudgetExhaustedError{Rounds: j.CurrentRound}
	}
	j.CurrentRound++
	j.touch()
	return nil
}

// SetDesign stores the Architect's output. It is rejected once the contract is locked.
func (j *Job) SetDesign(contractYAML, schemaSQL string) error {
	if j.ContractLocked {
		return ErrContractLocked
	}
	j.ContractYAML = contractYAML
	j.DBSchemaSQL = schemaSQL
	j.touch()
	return nil
}

// LockContract freezes contract and schema before code generation starts.
func (j *Job) LockContract() {
	if j.ContractLocked {
		return
	}
	now := time.Now().UTC()
	j.ContractLocked = true
	j.ContractLockedAt = &now
	j.touch()
}

// SetStatus records a status change and the lifecycle timestamps that go with it.
func (j *Job) SetStatus(s Status) {
	now := time.Now().UTC()
	j.Status = s
	if s == StatusPlanning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if s.IsTerminal() {
		j.CompletedAt = &now
	}
	j.UpdatedAt = now
}

// RecordError keeps the latest failure message.
func (j *Job) RecordError(msg string) {
	j.LastError = msg
	j.ErrorCount++
	j.touch()
}

// Clone returns a copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	c := *j
	if j.TargetStack != nil {
		c.TargetStack = make(map[string]string, len(j.TargetStack))
		for k, v := range j.TargetStack {
			c.TargetStack[k] = v
		}
	}
	if j.Blueprint != nil {
		bp := *j.Blueprint
		c.Blueprint = &bp
	}
	return &c
}

func (j *Job) touch() {
	j.UpdatedAt = time.Now().UTC()
}
