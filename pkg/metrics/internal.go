package metrics

import (
	"sync"
	"time"
)

// JobUsage aggregates model usage for one job.
type JobUsage struct {
	LastUpdated      time.Time `json:"last_updated"`
	JobID            string    `json:"job_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailedRequests   int64     `json:"failed_requests"`
	TotalCost        float64   `json:"total_cost_usd"`
}

// InternalRecorder keeps per-job usage in memory so status views work
// without a Prometheus server. It forwards everything to next.
type InternalRecorder struct {
	next Recorder
	jobs map[string]*JobUsage
	mu   sync.RWMutex
}

// NewInternalRecorder wraps next. A nil next discards forwarded observations.
func NewInternalRecorder(next Recorder) *InternalRecorder {
	if next == nil {
		next = Nop()
	}
	return &InternalRecorder{next: next, jobs: make(map[string]*JobUsage)}
}

func (r *InternalRecorder) ObserveRequest(req Request) {
	r.next.ObserveRequest(req)
	if req.JobID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.jobs[req.JobID]
	if !ok {
		u = &JobUsage{JobID: req.JobID}
		r.jobs[req.JobID] = u
	}
	u.RequestCount++
	u.LastUpdated = time.Now()
	if !req.Success {
		u.FailedRequests++
		return
	}
	u.PromptTokens += int64(req.PromptTokens)
	u.CompletionTokens += int64(req.CompletionTokens)
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	u.TotalCost += req.Cost
}

func (r *InternalRecorder) IncThrottle(provider, reason string) {
	r.next.IncThrottle(provider, reason)
}

func (r *InternalRecorder) ObserveQueueWait(provider string, d time.Duration) {
	r.next.ObserveQueueWait(provider, d)
}

func (r *InternalRecorder) ObserveJob(status string, d time.Duration) {
	r.next.ObserveJob(status, d)
}

func (r *InternalRecorder) ObserveValidation(failureKind string, passed bool, d time.Duration) {
	r.next.ObserveValidation(failureKind, passed, d)
}

func (r *InternalRecorder) IncRepairRound(outcome string) {
	r.next.IncRepairRound(outcome)
}

// JobUsage returns a copy of the usage for jobID, or nil.
func (r *InternalRecorder) JobUsage(jobID string) *JobUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Forget drops a job's usage.
func (r *InternalRecorder) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}
