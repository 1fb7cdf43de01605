// Package metrics records model, job and sandbox metrics in Prometheus and
// reads them back through the Prometheus query API.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives observations from the model middleware, the orchestrator
// and the sandbox.
type Recorder interface {
	ObserveRequest(r Request)
	IncThrottle(provider, reason string)
	ObserveQueueWait(provider string, d time.Duration)
	ObserveJob(status string, d time.Duration)
	ObserveValidation(failureKind string, passed bool, d time.Duration)
	IncRepairRound(outcome string)
}

// Request describes one completed model call.
type Request struct {
	Model            string
	Provider         string
	JobID            string
	Role             string
	ErrorType        string
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Success          bool
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that does nothing.
func Nop() Recorder { return NoopRecorder{} }

func (NoopRecorder) ObserveRequest(Request)                        {}
func (NoopRecorder) IncThrottle(string, string)                    {}
func (NoopRecorder) ObserveQueueWait(string, time.Duration)        {}
func (NoopRecorder) ObserveJob(string, time.Duration)              {}
func (NoopRecorder) ObserveValidation(string, bool, time.Duration) {}
func (NoopRecorder) IncRepairRound(string)                         {}

// PrometheusRecorder exports observations as Prometheus series.
type PrometheusRecorder struct {
	requestsTotal      *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
	costsTotal         *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	throttleTotal      *prometheus.CounterVec
	queueWaitTime      *prometheus.HistogramVec
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	validationsTotal   *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	repairRounds       *prometheus.CounterVec
}

var (
	defaultRecorder     *PrometheusRecorder //nolint:gochecknoglobals
	defaultRecorderOnce sync.Once           //nolint:gochecknoglobals
)

// Default returns the recorder registered with the default Prometheus registry.
func Default() *PrometheusRecorder {
	defaultRecorderOnce.Do(func() {
		defaultRecorder = NewPrometheusRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// NewPrometheusRecorder registers g3 series with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Model requests by model, provider, job, role and status",
		}, []string{"model", "provider", "job_id", "role", "status", "error_type"}),
		tokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Tokens used by model requests",
		}, []string{"model", "provider", "job_id", "role", "type"}),
		costsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_costs_total",
			Help: "Estimated cost in USD of model requests",
		}, []string{"model", "provider", "job_id"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Model request latency",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model", "provider", "role"}),
		throttleTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_throttle_total",
			Help: "Rate limiter waits and rejections",
		}, []string{"provider", "reason"}),
		queueWaitTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_queue_wait_duration_seconds",
			Help:    "Time spent waiting for rate limit capacity",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "g3_jobs_total",
			Help: "Jobs reaching a terminal status",
		}, []string{"status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "g3_job_duration_seconds",
			Help:    "Wall time from PLANNING to a terminal status",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"status"}),
		validationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "g3_validations_total",
			Help: "Sandbox validations by failure kind",
		}, []string{"failure_kind", "passed"}),
		validationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "g3_validation_duration_seconds",
			Help:    "Sandbox validation wall time",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"failure_kind"}),
		repairRounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "g3_repair_rounds_total",
			Help: "Repair rounds by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveRequest records one model call. Tokens and cost only count on success.
func (p *PrometheusRecorder) ObserveRequest(r Request) {
	status := "success"
	if !r.Success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(r.Model, r.Provider, r.JobID, r.Role, status, r.ErrorType).Inc()
	if r.Success {
		p.tokensTotal.WithLabelValues(r.Model, r.Provider, r.JobID, r.Role, "prompt").Add(float64(r.PromptTokens))
		p.tokensTotal.WithLabelValues(r.Model, r.Provider, r.JobID, r.Role, "completion").Add(float64(r.CompletionTokens))
		p.costsTotal.WithLabelValues(r.Model, r.Provider, r.JobID).Add(r.Cost)
	}
	p.requestDuration.WithLabelValues(r.Model, r.Provider, r.Role).Observe(r.Duration.Seconds())
}

func (p *PrometheusRecorder) IncThrottle(provider, reason string) {
	p.throttleTotal.WithLabelValues(provider, reason).Inc()
}

func (p *PrometheusRecorder) ObserveQueueWait(provider string, d time.Duration) {
	p.queueWaitTime.WithLabelValues(provider).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveJob(status string, d time.Duration) {
	p.jobsTotal.WithLabelValues(status).Inc()
	p.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveValidation(failureKind string, passed bool, d time.Duration) {
	ok := "false"
	if passed {
		ok = "true"
	}
	p.validationsTotal.WithLabelValues(failureKind, ok).Inc()
	p.validationDuration.WithLabelValues(failureKind).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRepairRound(outcome string) {
	p.repairRounds.WithLabelValues(outcome).Inc()
}
