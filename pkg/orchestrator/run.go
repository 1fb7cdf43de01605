package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"g3/pkg/agents"
	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/memory"
	"g3/pkg/planning"
)

// run is the state of one job execution. Only the job's own worker touches it.
type run struct {
	o       *Orchestrator
	j       *job.Job
	sink    job.LogSink
	logger  *logx.Logger
	mem     *memory.Session
	ctx     context.Context
	store   context.Context
	current []*job.Artifact
	results []*job.ValidationResult
	started time.Time
	stage   job.Stage
}

// runJob executes one job to a terminal status. It is the worker pool's
// entry point and never panics.
func (o *Orchestrator) runJob(ctx context.Context, jobID string) {
	logger := o.logger.WithJob(jobID)
	j, err := o.deps.Repo.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("Failed to load job: %v", err)
		return
	}
	if j.Status != job.StatusQueued {
		logger.Warn("Skipping job in status %s", j.Status)
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if o.opts.JobTimeout > 0 {
		var stop context.CancelFunc
		jobCtx, stop = context.WithTimeoutCause(jobCtx, o.opts.JobTimeout,
			fmt.Errorf("job timed out after %s", o.opts.JobTimeout))
		defer stop()
	}

	o.mu.Lock()
	if o.cancelled[jobID] {
		delete(o.cancelled, jobID)
		o.mu.Unlock()
		if err := o.failQueued(context.WithoutCancel(ctx), j, errCancelled.Error()); err != nil {
			logger.Error("Failed to cancel job: %v", err)
		}
		return
	}
	o.running[jobID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
	}()

	r := &run{
		o:       o,
		j:       j,
		sink:    o.sinkFor(jobID),
		logger:  logger,
		ctx:     jobCtx,
		store:   context.WithoutCancel(ctx),
		started: time.Now(),
		stage:   job.StageArchitect,
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Panic in %s stage: %v\n%s", r.stage, p, debug.Stack())
			r.fail(r.stage, fmt.Errorf("internal error: %v", p))
		}
	}()

	r.execute(jobCtx)
}

func (r *run) execute(ctx context.Context) {
	attempts, err := r.o.deps.Repo.ListRepairAttempts(r.store, r.j.ID)
	if err != nil {
		r.logger.Warn("Failed to restore repair memory: %v", err)
	}
	r.mem = memory.Restore(r.j.ID, attempts)

	if !r.design(ctx) {
		return
	}
	if !r.generate(ctx) {
		return
	}
	for {
		passed, ok := r.validate(ctx)
		if !ok {
			return
		}
		if passed {
			r.complete()
			return
		}
		if !r.j.CanRepair() {
			r.fail(job.StageCoach, &job.RepairBudgetExhaustedError{Rounds: r.j.CurrentRound})
			return
		}
		if !r.repair(ctx) {
			return
		}
	}
}

// design runs QUEUED → PLANNING → CODING.
func (r *run) design(ctx context.Context) bool {
	r.stage = job.StageArchitect
	if !r.move(job.StatusPlanning) {
		return false
	}
	r.say(job.LogRoleSystem, job.LogInfo, "planning started")
	r.initPlanning()

	d, err := r.o.deps.Architect.Design(ctx, r.j, r.sink)
	if err != nil {
		r.fail(job.StageArchitect, err)
		return false
	}
	if err := r.j.SetDesign(d.ContractYAML, d.SchemaSQL); err != nil {
		r.fail(job.StageArchitect, err)
		return false
	}
	r.say(job.LogRoleArchitect, job.LogSuccess,
		fmt.Sprintf("contract and schema ready (%s, %d attempts)", d.Model, d.Attempts))
	r.recordDesign()

	if !r.move(job.StatusCoding) {
		return false
	}
	r.j.LockContract()
	r.save()
	r.plan(func(ctx context.Context, p *planning.Store) error {
		return p.AppendDecision(ctx, r.j.ID, "Contract and schema locked", "code generation started", planning.BySystem)
	})
	return true
}

// generate runs the Coder for round 0.
func (r *run) generate(ctx context.Context) bool {
	r.stage = job.StageCoder
	artifacts, err := r.o.deps.Coder.Generate(ctx, r.j, r.j.CurrentRound, r.sink)
	if err != nil {
		r.fail(job.StageCoder, err)
		return false
	}
	if len(artifacts) == 0 {
		r.fail(job.StageCoder, errors.New("no usable files were generated"))
		return false
	}
	if err := r.o.deps.Repo.AppendArtifacts(r.store, artifacts); err != nil {
		r.fail(job.StageCoder, err)
		return false
	}
	r.current = job.Latest(artifacts)
	r.say(job.LogRoleCoder, job.LogSuccess, fmt.Sprintf("generated %d files", len(r.current)))
	r.plan(func(ctx context.Context, p *planning.Store) error {
		for _, ph := range []planning.Phase{planning.PhaseEntities, planning.PhaseMappers, planning.PhaseDTOs, planning.PhaseServices, planning.PhaseControllers} {
			if err := p.UpdatePhaseStatus(ctx, r.j.ID, ph, true, planning.ByCoder); err != nil {
				return err
			}
		}
		return p.IndexArtifacts(ctx, r.j.ID, r.current, planning.ByCoder)
	})
	return true
}

// validate runs one sandbox pass. ok is false when the job has ended.
func (r *run) validate(ctx context.Context) (passed, ok bool) {
	r.stage = job.StageSandbox
	if !r.move(job.StatusTesting) {
		return false, false
	}
	r.say(job.LogRoleExecutor, job.LogInfo, fmt.Sprintf("validating round %d (%d files)", r.j.CurrentRound, len(r.current)))

	result, err := r.o.deps.Validator.Validate(ctx, r.j, r.current)
	if err != nil {
		r.fail(job.StageSandbox, err)
		return false, false
	}
	if err := r.o.deps.Repo.AppendValidation(r.store, result); err != nil {
		r.fail(job.StageSandbox, err)
		return false, false
	}
	if err := r.o.deps.Repo.RecordArtifactValidation(r.store, r.current); err != nil {
		r.logger.Warn("Failed to store artifact validation state: %v", err)
	}
	r.results = append(r.results, result)
	r.save()

	if result.Passed {
		r.say(job.LogRoleExecutor, job.LogSuccess, fmt.Sprintf("round %d passed", r.j.CurrentRound))
		return true, true
	}

	r.say(job.LogRoleExecutor, job.LogWarn, fmt.Sprintf("round %d failed: %s", r.j.CurrentRound, result.Summary()))
	sig := memory.SignatureOf(result)
	if r.mem.RecordSignature(sig.Hash) {
		r.say(job.LogRoleSystem, job.LogWarn,
			fmt.Sprintf("the same build errors repeated %d rounds in a row", r.mem.ConsecutiveSame()))
	}
	r.plan(func(ctx context.Context, p *planning.Store) error {
		return p.AppendError(ctx, r.j.ID, result.Summary(), fmt.Sprintf("round %d sent to repair", r.j.CurrentRound), planning.BySystem)
	})
	return false, true
}

// repair runs TESTING → CODING and the Coach, advancing the round.
func (r *run) repair(ctx context.Context) bool {
	r.stage = job.StageCoach
	if !r.move(job.StatusCoding) {
		return false
	}
	r.say(job.LogRoleCoach, job.LogInfo, fmt.Sprintf("repair round %d of %d", r.j.CurrentRound+1, r.j.MaxRounds))

	res := r.o.deps.Coach.Fix(ctx, r.j, agents.FixRequest{
		Memory:  r.mem,
		Failing: r.failing(),
		Results: r.results,
	}, r.sink)
	if res.Attempt != nil {
		if err := r.o.deps.Repo.AppendRepairAttempt(r.store, *res.Attempt); err != nil {
			r.logger.Warn("Failed to store repair attempt: %v", err)
		}
	}
	r.o.deps.Metrics.IncRepairRound(res.Outcome.String())

	if res.Outcome != agents.OutcomeFixed {
		r.fail(job.StageCoach, res.AsError())
		return false
	}
	if len(res.Fixed) == 0 {
		r.fail(job.StageCoach, &job.StageFailure{Stage: job.StageCoach, Cause: errors.New("no usable fixed artifacts"), Attempts: 1})
		return false
	}
	if err := r.j.NextRound(); err != nil {
		r.fail(job.StageCoach, err)
		return false
	}
	for _, a := range res.Fixed {
		a.Round = r.j.CurrentRound
	}
	if err := r.o.deps.Repo.AppendArtifacts(r.store, res.Fixed); err != nil {
		r.fail(job.StageCoach, err)
		return false
	}
	r.current = job.Latest(append(r.current, res.Fixed...))
	r.save()

	r.say(job.LogRoleCoach, job.LogSuccess, fmt.Sprintf("round %d: repaired %d files", r.j.CurrentRound, len(res.Fixed)))
	r.plan(func(ctx context.Context, p *planning.Store) error {
		if err := p.UpdatePhaseStatus(ctx, r.j.ID, planning.PhaseRepair, true, planning.ByCoach); err != nil {
			return err
		}
		if err := p.AppendDecision(ctx, r.j.ID, fmt.Sprintf("Repair round %d", r.j.CurrentRound), oneLine(res.Report), planning.ByCoach); err != nil {
			return err
		}
		return p.IndexArtifacts(ctx, r.j.ID, res.Fixed, planning.ByCoach)
	})
	return true
}

// failing picks the artifacts the Coach should look at. When the build
// failed without naming a file and the environment is at fault, the build
// manifest is the only candidate.
func (r *run) failing() []*job.Artifact {
	var out []*job.Artifact
	for _, a := range r.current {
		if a.HasErrors {
			out = append(out, a)
		}
	}
	if len(out) > 0 || len(r.results) == 0 {
		return out
	}
	if r.results[len(r.results)-1].FailureKind == job.FailureEnvironment {
		for _, a := range r.current {
			if r.o.opts.Manifests.IsManifest(a.FilePath) {
				out = append(out, a)
			}
		}
	}
	return out
}

func (r *run) complete() {
	if !r.move(job.StatusCompleted) {
		return
	}
	r.plan(func(ctx context.Context, p *planning.Store) error {
		if err := p.UpdatePhaseStatus(ctx, r.j.ID, planning.PhaseValidation, true, planning.BySystem); err != nil {
			return err
		}
		return p.UpdateStatus(ctx, r.j.ID, "Completed", 100, "COMPLETED", planning.BySystem)
	})
	r.say(job.LogRoleSystem, job.LogSuccess, fmt.Sprintf("job completed after %d repair rounds", r.j.CurrentRound))
	r.finish()
}

// fail ends the job. Cancellation and timeouts replace err with their cause.
func (r *run) fail(stage job.Stage, err error) {
	if r.j.Status.IsTerminal() {
		return
	}
	reason := failureReason(stage, err)
	if cause := r.cancelCause(); cause != nil {
		reason = fmt.Sprintf("%s stage: %v", stage, cause)
	}
	r.j.RecordError(reason)
	r.j.SetStatus(job.StatusFailed)
	r.save()
	r.plan(func(ctx context.Context, p *planning.Store) error {
		return p.AppendError(ctx, r.j.ID, reason, "job failed", planning.BySystem)
	})
	r.logger.Error("Job failed in %s stage: %s", stage, reason)
	r.say(job.LogRoleSystem, job.LogError, "job failed: "+reason)
	r.finish()
}

// cancelCause returns why the job context ended, if it has.
func (r *run) cancelCause() error {
	if r.ctx == nil || r.ctx.Err() == nil {
		return nil
	}
	return context.Cause(r.ctx)
}

func (r *run) finish() {
	r.o.deps.Metrics.ObserveJob(string(r.j.Status), time.Since(r.started))
	r.o.closeStream(r.j.ID)
}

// failureReason renders the user-visible message of a FAILED job.
func failureReason(stage job.Stage, err error) string {
	if err == nil {
		return fmt.Sprintf("%s stage failed", stage)
	}
	var (
		sf *job.StageFailure
		be *job.RepairBudgetExhaustedError
	)
	switch {
	case errors.As(err, &sf), errors.As(err, &be):
		return err.Error()
	default:
		return fmt.Sprintf("%s stage: %v", stage, err)
	}
}

func (r *run) move(to job.Status) bool {
	if err := transition(r.j, to); err != nil {
		r.fail(r.stage, err)
		return false
	}
	r.save()
	return true
}

func (r *run) save() {
	if err := r.o.deps.Repo.SaveJob(r.store, r.j); err != nil {
		r.logger.Error("Failed to store job: %v", err)
	}
}

func (r *run) say(role job.LogRole, level job.LogLevel, msg string) {
	r.sink(job.NewLogEntry(r.j.ID, role, level, msg))
}

// plan applies a best-effort planning update.
func (r *run) plan(fn func(ctx context.Context, p *planning.Store) error) {
	if r.o.deps.Planning == nil {
		return
	}
	if err := fn(r.store, r.o.deps.Planning); err != nil {
		r.logger.Warn("Planning update failed: %v", err)
	}
}

func (r *run) initPlanning() {
	r.plan(func(ctx context.Context, p *planning.Store) error {
		if _, err := p.Get(ctx, r.j.ID, planning.TaskPlan); err == nil {
			return nil
		}
		return p.Initialize(ctx, r.j.ID, projectName(r.j.Requirement), r.j.Requirement, "")
	})
}

func (r *run) recordDesign() {
	r.plan(func(ctx context.Context, p *planning.Store) error {
		if err := p.UpdatePhaseStatus(ctx, r.j.ID, planning.PhaseDesign, true, planning.ByArchitect); err != nil {
			return err
		}
		if apis, err := planning.ContractAPIs(r.j.ContractYAML); err == nil && len(apis) > 0 {
			if err := p.AddAPIDesign(ctx, r.j.ID, apis, planning.ByArchitect); err != nil {
				return err
			}
		}
		if entities := planning.SchemaEntities(r.j.DBSchemaSQL); len(entities) > 0 {
			if err := p.AddEntityDesign(ctx, r.j.ID, entities, planning.ByArchitect); err != nil {
				return err
			}
		}
		return p.AppendDecision(ctx, r.j.ID, "API contract and database schema generated", "architect stage passed", planning.ByArchitect)
	})
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}

func projectName(requirement string) string {
	name := []rune(strings.Join(strings.Fields(requirement), " "))
	if len(name) > 60 {
		name = name[:60]
	}
	return string(name)
}
