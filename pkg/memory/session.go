// Package memory keeps per-job repair history for the Coach. The full log
// is append-only and never pruned; prompts read a compacted view of it.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"g3/pkg/job"
	"g3/pkg/utils"
)

const (
	// MaxSameErrorTolerance is the run length of identical signatures after
	// which the compacted view warns the Coach to change strategy.
	MaxSameErrorTolerance = 2
	// CompactEntries is how many recent attempts the compacted view lists.
	CompactEntries = 5
	// DefaultTokenBudget caps the compacted view.
	DefaultTokenBudget = 1200
)

// Session is the repair memory of one job. It is safe for concurrent use;
// in practice only the job's own worker writes to it.
type Session struct {
	jobID           string
	attempts        []job.RepairAttempt
	signatureCount  map[string]int
	repairedFiles   map[string]bool
	lastSignature   string
	consecutiveSame int
	tokenBudget     int
	mu              sync.RWMutex
}

// NewSession creates an empty memory for jobID.
func NewSession(jobID string) *Session {
	return &Session{
		jobID:          jobID,
		signatureCount: make(map[string]int),
		repairedFiles:  make(map[string]bool),
		tokenBudget:    DefaultTokenBudget,
	}
}

// Restore rebuilds a session from persisted attempts, oldest first.
func Restore(jobID string, attempts []job.RepairAttempt) *Session {
	s := NewSession(jobID)
	for i := range attempts {
		s.RecordSignature(attempts[i].Signature)
		s.AddRepairAttempt(attempts[i])
	}
	return s
}

// SetTokenBudget changes the cap on CoachContext.
func (s *Session) SetTokenBudget(tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tokens > 0 {
		s.tokenBudget = tokens
	}
}

// JobID returns the owning job.
func (s *Session) JobID() string {
	return s.jobID
}

// AddRepairAttempt appends a to the log.
func (s *Session) AddRepairAttempt(a job.RepairAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.JobID == "" {
		a.JobID = s.jobID
	}
	a.Files = append([]string(nil), a.Files...)
	s.attempts = append(s.attempts, a)
	for _, f := range a.Files {
		s.repairedFiles[f] = true
	}
}

// RecordSignature counts a build signature and tracks how many times in a
// row it has been seen. It reports whether the run has reached
// MaxSameErrorTolerance. A blank signature resets the run.
func (s *Session) RecordSignature(signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(signature) == "" {
		s.lastSignature = ""
		s.consecutiveSame = 0
		return false
	}
	s.signatureCount[signature]++
	if signature == s.lastSignature {
		s.consecutiveSame++
	} else {
		s.lastSignature = signature
		s.consecutiveSame = 1
	}
	return s.consecutiveSame >= MaxSameErrorTolerance
}

// IsRepeating reports whether signature would extend the current run to
// the tolerance.
func (s *Session) IsRepeating(signature string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if signature == "" || signature != s.lastSignature {
		return false
	}
	return s.consecutiveSame+1 >= MaxSameErrorTolerance
}

// ConsecutiveSame returns the current run length.
func (s *Session) ConsecutiveSame() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveSame
}

// SignatureCount returns how often signature has been recorded.
func (s *Session) SignatureCount(signature string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signatureCount[signature]
}

// Attempts returns a copy of the full log.
func (s *Session) Attempts() []job.RepairAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.RepairAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// Recent returns the last n attempts.
func (s *Session) Recent(n int) []job.RepairAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.attempts) == 0 {
		return nil
	}
	from := len(s.attempts) - n
	if from < 0 {
		from = 0
	}
	out := make([]job.RepairAttempt, len(s.attempts)-from)
	copy(out, s.attempts[from:])
	return out
}

// HasRepaired reports whether filePath appeared in any attempt.
func (s *Session) HasRepaired(filePath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repairedFiles[filePath]
}

// Len returns the number of attempts.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts)
}

// SuccessCount returns the number of successful attempts.
func (s *Session) SuccessCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.attempts {
		if s.attempts[i].Success {
			n++
		}
	}
	return n
}

// CoachContext renders the compacted view: the most recent attempts, the
// failed strategies grouped by error class, and a warning when the same
// signature keeps coming back. The result fits the token budget.
func (s *Session) CoachContext() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.attempts) == 0 {
		return "(first repair, no history)\n"
	}

	var sb strings.Builder
	sb.WriteString("### Repair history\n")
	from := 0
	if len(s.attempts) > CompactEntries {
		from = len(s.attempts) - CompactEntries
		fmt.Fprintf(&sb, "(%d earlier attempts omitted)\n", from)
	}
	for _, a := range s.attempts[from:] {
		outcome := "failed"
		if a.Success {
			outcome = "fixed"
		}
		fmt.Fprintf(&sb, "- round %d: %s -> %s (%s)\n", a.Round, strings.Join(a.Files, ", "), outcome, describeClasses(a.ErrorClasses))
		if a.Outcome != "" {
			fmt.Fprintf(&sb, "  note: %s\n", utils.TruncateChars(a.Outcome, 100))
		}
	}

	failedByClass := make(map[string][]int)
	for i := range s.attempts {
		if s.attempts[i].Success {
			continue
		}
		classes := s.attempts[i].ErrorClasses
		if len(classes) == 0 {
			classes = []string{""}
		}
		for _, c := range classes {
			failedByClass[Describe(c)] = append(failedByClass[Describe(c)], s.attempts[i].Round)
		}
	}
	if len(failedByClass) > 0 {
		sb.WriteString("\n### Strategies that already failed\n")
		keys := make([]string, 0, len(failedByClass))
		for k := range failedByClass {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s (%d times, rounds %v)\n", k, len(failedByClass[k]), failedByClass[k])
		}
	}

	if s.consecutiveSame >= MaxSameErrorTolerance {
		fmt.Fprintf(&sb, "\n### Warning\nThe same build error has come back %d times in a row. Use a different strategy:\n", s.consecutiveSame)
		sb.WriteString("- check method signatures against the interfaces they implement\n")
		sb.WriteString("- check return types match exactly\n")
		sb.WriteString("- check for references to classes that were never generated\n")
	}

	return utils.TruncateTokensSimple(sb.String(), s.tokenBudget)
}

func describeClasses(classes []string) string {
	if len(classes) == 0 {
		return Describe("")
	}
	parts := make([]string, len(classes))
	for i, c := range classes {
		parts[i] = Describe(c)
	}
	return strings.Join(parts, ", ")
}
