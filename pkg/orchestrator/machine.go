package orchestrator

import (
	"fmt"

	"g3/pkg/job"
)

// transitions lists the legal status changes. TESTING→CODING is the repair
// loop; any live status may fail.
var transitions = map[job.Status][]job.Status{
	job.StatusQueued:   {job.StatusPlanning, job.StatusFailed},
	job.StatusPlanning: {job.StatusCoding, job.StatusFailed},
	job.StatusCoding:   {job.StatusTesting, job.StatusFailed},
	job.StatusTesting:  {job.StatusCompleted, job.StatusCoding, job.StatusFailed},
}

// IllegalTransitionError is a status change outside the table.
type IllegalTransitionError struct {
	From job.Status
	To   job.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to job.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(j *job.Job, to job.Status) error {
	if !CanTransition(j.Status, to) {
		return &IllegalTransitionError{From: j.Status, To: to}
	}
	j.SetStatus(to)
	return nil
}
