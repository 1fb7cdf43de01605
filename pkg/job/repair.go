package job

import (
	"time"

	"github.com/google/uuid"
)

// RepairAttempt is one Coach invocation recorded in session memory.
type RepairAttempt struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Signature    string    `json:"error_signature"`
	ErrorSummary string    `json:"error_summary"`
	Outcome      string    `json:"outcome"`
	Files        []string  `json:"files"`
	ErrorClasses []string  `json:"error_classes,omitempty"`
	Round        int       `json:"round"`
	Success      bool      `json:"success"`
}

// NewRepairAttempt stamps an attempt for jobID.
func NewRepairAttempt(jobID string, round int, files []string, success bool) RepairAttempt {
	return RepairAttempt{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Round:     round,
		Files:     append([]string(nil), files...),
		Success:   success,
		CreatedAt: time.Now().UTC(),
	}
}
