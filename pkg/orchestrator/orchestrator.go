// Package orchestrator drives generation jobs through their lifecycle:
// QUEUED → PLANNING → CODING → TESTING → COMPLETED or FAILED, with a bounded
// repair loop between TESTING and CODING.
//
// Each job runs on one worker of a bounded pool and owns its state; jobs
// share nothing but the pool. Every stage reports progress as log entries
// that are streamed to subscribers, mirrored to the component logger and
// optionally appended to the audit log. Stage errors never escape a job:
// they become a FAILED status carrying the stage and the reason.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"g3/pkg/agents"
	"g3/pkg/config"
	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/metrics"
	"g3/pkg/persistence"
	"g3/pkg/planning"
	"g3/pkg/sandbox"
)

var (
	// ErrNoContract is returned when a job has not been designed yet.
	ErrNoContract = errors.New("job has no contract yet")
	// ErrNotRunning is returned by Submit and Execute before Start or after Stop.
	ErrNotRunning = errors.New("orchestrator is not running")

	errCancelled = errors.New("cancelled by request")
	errShutdown  = errors.New("interrupted by shutdown")
)

// Repository is the durable record surface the orchestrator needs.
// persistence.Store implements it.
type Repository interface {
	SaveJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, f persistence.JobFilter) ([]*job.Job, error)
	FailInterrupted(ctx context.Context, reason string) ([]string, error)

	AppendArtifacts(ctx context.Context, artifacts []*job.Artifact) error
	RecordArtifactValidation(ctx context.Context, artifacts []*job.Artifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]*job.Artifact, error)
	LatestArtifacts(ctx context.Context, jobID string) ([]*job.Artifact, error)
	GetArtifact(ctx context.Context, jobID, artifactID string) (*job.Artifact, error)

	AppendValidation(ctx context.Context, v *job.ValidationResult) error
	ListValidations(ctx context.Context, jobID string) ([]*job.ValidationResult, error)

	AppendRepairAttempt(ctx context.Context, a job.RepairAttempt) error
	ListRepairAttempts(ctx context.Context, jobID string) ([]job.RepairAttempt, error)
}

// Validator compiles an artifact set. sandbox.Service implements it.
type Validator interface {
	Validate(ctx context.Context, j *job.Job, artifacts []*job.Artifact) (*job.ValidationResult, error)
}

// Reaper removes sandbox environments left behind by finished jobs.
type Reaper interface {
	ReapOrphans(ctx context.Context, keep func(jobID string) bool) (int, error)
}

var (
	_ Repository = (*persistence.Store)(nil)
	_ Validator  = (*sandbox.Service)(nil)
	_ Reaper     = (*sandbox.Service)(nil)
)

// Options tune execution.
type Options struct {
	Manifests       *sandbox.ManifestMatcher
	JanitorSchedule string
	MaxRepairRounds int
	WorkerPoolSize  int
	QueueCapacity   int
	ReplaySize      int
	JobTimeout      time.Duration
	StreamRetention time.Duration
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Manifests:       sandbox.NewManifestMatcher(cfg.Sandbox.ManifestGlobs),
		JanitorSchedule: cfg.Janitor.Schedule,
		MaxRepairRounds: cfg.Orchestrator.MaxRepairRounds,
		WorkerPoolSize:  cfg.Orchestrator.WorkerPoolSize,
		QueueCapacity:   cfg.Orchestrator.QueueCapacity,
		JobTimeout:      cfg.Orchestrator.JobTimeout(),
		StreamRetention: time.Duration(cfg.Janitor.StreamRetentionMinutes) * time.Minute,
	}
}

func (o *Options) defaults() {
	if o.MaxRepairRounds <= 0 {
		o.MaxRepairRounds = job.DefaultMaxRounds
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = 4
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 64
	}
	if o.ReplaySize <= 0 {
		o.ReplaySize = DefaultReplaySize
	}
	if o.StreamRetention <= 0 {
		o.StreamRetention = 30 * time.Minute
	}
	if o.Manifests == nil {
		o.Manifests = sandbox.NewManifestMatcher(nil)
	}
}

// Deps are the collaborators of the orchestrator. Planning, Metrics,
// Events and Reaper are optional.
type Deps struct {
	Repo      Repository
	Architect agents.Architect
	Coder     agents.Coder
	Coach     agents.Coach
	Validator Validator
	Planning  *planning.Store
	Metrics   metrics.Recorder
	Events    job.LogSink
	Reaper    Reaper
}

// Orchestrator owns the worker pool and the per-job log streams.
type Orchestrator struct {
	deps      Deps
	logger    *logx.Logger
	pool      *workerPool
	cron      *cron.Cron
	brokers   map[string]*broker
	running   map[string]context.CancelCauseFunc
	cancelled map[string]bool
	opts      Options
	mu        sync.Mutex
	started   bool
}

// New creates an orchestrator. Call Start before submitting jobs.
func New(deps Deps, opts Options) *Orchestrator {
	opts.defaults()
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	o := &Orchestrator{
		deps:      deps,
		opts:      opts,
		logger:    logx.NewLogger("orchestrator"),
		brokers:   make(map[string]*broker),
		running:   make(map[string]context.CancelCauseFunc),
		cancelled: make(map[string]bool),
	}
	o.pool = newWorkerPool(opts.WorkerPoolSize, opts.QueueCapacity, o.runJob)
	return o
}

// Start fails jobs interrupted by a previous process, resubmits queued ones
// and starts the workers and the janitor.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is already running")
	}
	o.started = true
	o.mu.Unlock()

	failed, err := o.deps.Repo.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	for _, id := range failed {
		o.logger.Warn("Job %s was interrupted by a restart and is now FAILED", id)
	}

	queued, err := o.deps.Repo.ListJobs(ctx, persistence.JobFilter{Statuses: []job.Status{job.StatusQueued}})
	if err != nil {
		return fmt.Errorf("failed to list queued jobs: %w", err)
	}
	// Oldest first.
	for i := len(queued) - 1; i >= 0; i-- {
		o.brokerFor(queued[i].ID)
		o.pool.enqueue(queued[i].ID)
	}
	if len(queued) > 0 {
		o.logger.Info("Resubmitted %d queued jobs", len(queued))
	}

	o.pool.start(ctx)
	if err := o.startJanitor(ctx); err != nil {
		return err
	}
	o.logger.Info("Orchestrator started (workers=%d, max repair rounds=%d)", o.opts.WorkerPoolSize, o.opts.MaxRepairRounds)
	return nil
}

// Stop stops taking jobs and waits for running ones. When ctx expires first,
// running jobs are cancelled and marked FAILED.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.mu.Unlock()

	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	err := o.pool.shutdown(ctx)
	if err != nil {
		o.logger.Warn("Stop timed out, cancelling running jobs")
		o.mu.Lock()
		for _, cancel := range o.running {
			cancel(errShutdown)
		}
		o.mu.Unlock()
	}
	o.logger.Info("Orchestrator stopped")
	return err
}

func (o *Orchestrator) isStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// Submit validates the request, stores a QUEUED job and schedules it. A
// blank requirement returns an InvalidInputError and stores nothing.
func (o *Orchestrator) Submit(ctx context.Context, requirement string, bp *job.Blueprint) (*job.Job, error) {
	j, err := job.New(requirement, bp, o.opts.MaxRepairRounds)
	if err != nil {
		return nil, err
	}
	if !o.isStarted() {
		return nil, ErrNotRunning
	}
	if err := o.deps.Repo.SaveJob(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}
	o.emit(j.ID, job.LogRoleSystem, job.LogInfo, "job queued")
	o.pool.enqueue(j.ID)
	o.logger.Info("Job %s submitted", j.ID)
	return j.Clone(), nil
}

// Execute schedules an existing QUEUED job. It returns immediately; the job
// runs on the worker pool.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	if !o.isStarted() {
		return ErrNotRunning
	}
	j, err := o.deps.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s: %w", jobID, job.ErrJobTerminal)
	}
	if j.Status != job.StatusQueued {
		return fmt.Errorf("job %s is already %s", jobID, j.Status)
	}
	o.brokerFor(jobID)
	o.pool.enqueue(jobID)
	return nil
}

// GetStatus returns the stored job.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*job.Job, error) {
	return o.deps.Repo.GetJob(ctx, jobID)
}

// GetArtifacts returns the current version of every file, or every version
// when all is set.
func (o *Orchestrator) GetArtifacts(ctx context.Context, jobID string, all bool) ([]*job.Artifact, error) {
	if _, err := o.deps.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if all {
		return o.deps.Repo.ListArtifacts(ctx, jobID)
	}
	return o.deps.Repo.LatestArtifacts(ctx, jobID)
}

// GetArtifact returns one artifact version.
func (o *Orchestrator) GetArtifact(ctx context.Context, jobID, artifactID string) (*job.Artifact, error) {
	if _, err := o.deps.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.deps.Repo.GetArtifact(ctx, jobID, artifactID)
}

// Contract is the Architect's design of a job.
type Contract struct {
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	JobID        string     `json:"job_id"`
	ContractYAML string     `json:"contract_yaml"`
	SchemaSQL    string     `json:"db_schema_sql"`
	Locked       bool       `json:"locked"`
}

// GetContract returns the contract and schema. ErrNoContract means the
// Architect has not finished.
func (o *Orchestrator) GetContract(ctx context.Context, jobID string) (*Contract, error) {
	j, err := o.deps.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.ContractYAML == "" {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNoContract)
	}
	return &Contract{
		JobID:        j.ID,
		ContractYAML: j.ContractYAML,
		SchemaSQL:    j.DBSchemaSQL,
		Locked:       j.ContractLocked,
		LockedAt:     j.ContractLockedAt,
	}, nil
}

// ListJobs returns stored jobs newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, f persistence.JobFilter) ([]*job.Job, error) {
	return o.deps.Repo.ListJobs(ctx, f)
}

// Validations returns a job's sandbox runs oldest first.
func (o *Orchestrator) Validations(ctx context.Context, jobID string) ([]*job.ValidationResult, error) {
	return o.deps.Repo.ListValidations(ctx, jobID)
}

// RepairAttempts returns a job's repair log.
func (o *Orchestrator) RepairAttempts(ctx context.Context, jobID string) ([]job.RepairAttempt, error) {
	return o.deps.Repo.ListRepairAttempts(ctx, jobID)
}

// Cancel stops a job. A running job is interrupted at its next suspension
// point and its sandbox is still torn down; a waiting one fails at once.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	j, err := o.deps.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s: %w", jobID, job.ErrJobTerminal)
	}

	o.mu.Lock()
	if cancel, ok := o.running[jobID]; ok {
		o.mu.Unlock()
		cancel(errCancelled)
		o.logger.Info("Job %s: cancellation requested", jobID)
		return nil
	}
	if !o.pool.remove(jobID) {
		// Taken by a worker that has not registered yet.
		o.cancelled[jobID] = true
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	return o.failQueued(ctx, j, errCancelled.Error())
}

func (o *Orchestrator) failQueued(ctx context.Context, j *job.Job, reason string) error {
	if err := transition(j, job.StatusFailed); err != nil {
		return err
	}
	j.RecordError(reason)
	if err := o.deps.Repo.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("failed to store cancelled job: %w", err)
	}
	o.emit(j.ID, job.LogRoleSystem, job.LogError, "job failed: "+reason)
	o.closeStream(j.ID)
	o.deps.Metrics.ObserveJob(string(job.StatusFailed), 0)
	return nil
}

// PoolStats describes worker utilisation.
type PoolStats struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
	Waiting int `json:"waiting"`
	Streams int `json:"streams"`
}

// Stats returns a snapshot of the worker pool.
func (o *Orchestrator) Stats() PoolStats {
	active, waiting := o.pool.stats()
	o.mu.Lock()
	streams := len(o.brokers)
	o.mu.Unlock()
	return PoolStats{Workers: o.opts.WorkerPoolSize, Active: active, Waiting: waiting, Streams: streams}
}

// Subscription is a live view of one job's log stream. History holds the
// replayed entries; Entries yields later ones and is closed when the job
// finishes or the subscriber falls too far behind.
type Subscription struct {
	Entries <-chan job.LogEntry
	close   func()
	History []job.LogEntry
}

// Close detaches the subscriber.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// Subscribe attaches to a job's log stream. A finished job whose stream has
// been dropped yields an empty, closed subscription.
func (o *Orchestrator) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	j, err := o.deps.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	b, ok := o.brokers[jobID]
	o.mu.Unlock()
	if !ok {
		if !j.Status.IsTerminal() {
			b = o.brokerFor(jobID)
		} else {
			ch := make(chan job.LogEntry)
			close(ch)
			return &Subscription{Entries: ch}, nil
		}
	}
	history, ch, cancel := b.subscribe()
	return &Subscription{Entries: ch, History: history, close: cancel}, nil
}

func (o *Orchestrator) brokerFor(jobID string) *broker {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.brokers[jobID]
	if !ok {
		b = newBroker(jobID, o.opts.ReplaySize)
		o.brokers[jobID] = b
	}
	return b
}

func (o *Orchestrator) closeStream(jobID string) {
	o.mu.Lock()
	b, ok := o.brokers[jobID]
	o.mu.Unlock()
	if ok {
		b.close()
	}
}

// sinkFor returns the LogSink handed to agents working on jobID.
func (o *Orchestrator) sinkFor(jobID string) job.LogSink {
	b := o.brokerFor(jobID)
	logger := o.logger.WithJob(jobID)
	return func(e job.LogEntry) {
		if e.JobID == "" {
			e.JobID = jobID
		}
		e = b.publish(e)
		logger.Log(levelOf(e.Level), "[%s] %s", e.Role, e.Message)
		if o.deps.Events != nil {
			o.deps.Events(e)
		}
	}
}

func (o *Orchestrator) emit(jobID string, role job.LogRole, level job.LogLevel, msg string) {
	o.sinkFor(jobID)(job.NewLogEntry(jobID, role, level, msg))
}

func levelOf(l job.LogLevel) logx.Level {
	switch l {
	case job.LogWarn:
		return logx.LevelWarn
	case job.LogError:
		return logx.LevelError
	case job.LogHeartbeat:
		return logx.LevelDebug
	default:
		return logx.LevelInfo
	}
}
