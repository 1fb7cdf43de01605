// Package sandbox validates generated projects by compiling them inside an
// isolated environment.
//
// Every Validate call runs the full lifecycle: provision an environment,
// sync the current artifact set into it, run the build (and optionally the
// tests), parse the output and tear the environment down. Teardown happens
// on every path, including cancellation. A job never has two environments
// at once.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"g3/pkg/config"
	"g3/pkg/exec"
	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/metrics"
	"g3/pkg/utils"
)

// ErrEnvironmentBusy is returned when a job already has a live environment.
var ErrEnvironmentBusy = errors.New("sandbox environment already active for job")

// Service is the sandbox validator.
type Service struct {
	executor  exec.Executor
	metrics   metrics.Recorder
	manifests *ManifestMatcher
	logger    *logx.Logger
	active    map[string]string // jobID -> envID
	sleep     func(ctx context.Context, d time.Duration) error
	cfg       config.SandboxConfig
	opts      exec.Opts
	mu        sync.Mutex
}

// NewService creates a sandbox service on top of an executor.
func NewService(executor exec.Executor, cfg *config.SandboxConfig, recorder metrics.Recorder) *Service {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Service{
		executor:  executor,
		metrics:   recorder,
		manifests: NewManifestMatcher(cfg.ManifestGlobs),
		logger:    logx.NewLogger("sandbox"),
		active:    make(map[string]string),
		sleep:     sleepContext,
		cfg:       *cfg,
		opts:      exec.OptsFromConfig(cfg),
	}
}

// Provider names the executor backing the service.
func (s *Service) Provider() string {
	return string(s.executor.Name())
}

// Manifests returns the matcher used to recognise build descriptors.
func (s *Service) Manifests() *ManifestMatcher {
	return s.manifests
}

// ActiveEnvironments returns a snapshot of live environments by job.
func (s *Service) ActiveEnvironments() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.active))
	for k, v := range s.active {
		out[k] = v
	}
	return out
}

// Validate compiles the latest version of every artifact for the job's
// current round. Sandbox and build failures are reported in the returned
// result; an error is returned only when ctx is cancelled or the job already
// has a live environment. Compiler output is attached to failing artifacts in place.
func (s *Service) Validate(ctx context.Context, j *job.Job, artifacts []*job.Artifact) (*job.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vt := job.ValidationCompile
	if s.cfg.RunTests {
		vt = job.ValidationUnitTest
	}
	result := job.NewValidationResult(j.ID, j.CurrentRound, vt)
	result.Command = s.cfg.BuildCommand
	start := time.Now()
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		s.metrics.ObserveValidation(string(result.FailureKind), result.Passed, time.Since(start))
	}()

	if !s.claim(j.ID) {
		return nil, ErrEnvironmentBusy
	}
	defer s.release(j.ID)

	current := job.Latest(artifacts)

	workspace, err := s.sync(j.ID, current)
	if err != nil {
		s.provisionFailed(result, err)
		return result, nil
	}
	defer s.removeWorkspace(workspace)

	opts := s.opts
	opts.WorkDir = workspace
	envID, err := s.executor.Start(ctx, j.ID, &opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.provisionFailed(result, err)
		return result, nil
	}
	s.setEnv(j.ID, envID)
	j.SandboxID = envID
	j.SandboxProvider = s.Provider()
	defer s.teardown(ctx, envID)

	res, envReason, err := s.runWithEnvRetry(ctx, envID, s.cfg.BuildCommand, &opts)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 && s.cfg.RunTests && strings.TrimSpace(s.cfg.TestCommand) != "" {
		result.Command = s.cfg.BuildCommand + " && " + s.cfg.TestCommand
		testRes, testReason, err := s.runWithEnvRetry(ctx, envID, s.cfg.TestCommand, &opts)
		if err != nil {
			return nil, err
		}
		testRes.Stdout = res.Stdout + testRes.Stdout
		testRes.Stderr = res.Stderr + testRes.Stderr
		res, envReason = testRes, testReason
	}

	s.fillResult(result, res, envReason)
	s.attach(current, result)

	s.logger.Info("Job %s round %d: %s", j.ID, j.CurrentRound, result.Summary())
	return result, nil
}

// runWithEnvRetry runs a build command, re-running it while the failure
// looks environmental. The reason for the last environmental failure is
// returned alongside the final result.
func (s *Service) runWithEnvRetry(ctx context.Context, envID, line string, opts *exec.Opts) (exec.Result, string, error) {
	maxAttempts := s.cfg.EnvRetryMax
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		res    exec.Result
		reason string
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		res, err = s.executor.Run(ctx, envID, exec.ShellCommand(line), opts)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, "", ctxErr
		}
		if err != nil {
			// The executor could not run the command at all.
			res.ExitCode = -1
			res.Stderr = strings.TrimSpace(res.Stderr + "\n" + err.Error())
			reason = "command could not be executed: " + err.Error()
		} else if res.TimedOut {
			reason = fmt.Sprintf("build timed out after %s", opts.Timeout)
		} else if res.ExitCode == 0 {
			return res, "", nil
		} else {
			reason = DetectEnvironmentError(res.Stdout + "\n" + res.Stderr)
		}

		if reason == "" {
			return res, "", nil
		}
		if attempt < maxAttempts {
			s.logger.Warn("Environment failure in %s (%s), retrying in %s (attempt %d/%d)",
				envID, reason, s.cfg.EnvRetryDelay(), attempt+1, maxAttempts)
			if err := s.sleep(ctx, s.cfg.EnvRetryDelay()); err != nil {
				return res, "", err
			}
		}
	}

	s.logger.Warn("Environment failure persisted after %d attempts: %s", maxAttempts, reason)
	return res, reason, nil
}

func (s *Service) fillResult(result *job.ValidationResult, res exec.Result, envReason string) {
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	result.ExitCode = res.ExitCode
	result.Passed = res.ExitCode == 0 && envReason == "" && !res.TimedOut

	combined := res.Stdout + "\n" + res.Stderr
	result.Errors = ParseCompilerErrors(combined)

	switch {
	case result.Passed:
		result.FailureKind = job.FailureNone
	case envReason != "":
		result.FailureKind = job.FailureEnvironment
		result.Stderr = strings.TrimSpace(result.Stderr + "\nenvironment error: " + envReason)
	default:
		result.FailureKind = job.FailureCode
	}
}

// attach marks each artifact with this build's diagnostics and clears
// anything left from an earlier round. When a failed build names no
// generated file, the summary goes on the build manifest so a repair still
// has something to work on.
func (s *Service) attach(artifacts []*job.Artifact, result *job.ValidationResult) {
	if result.Passed {
		for _, a := range artifacts {
			a.MarkValid()
		}
		return
	}

	owned := assignErrors(artifacts, result.Errors)
	for _, a := range artifacts {
		if out, ok := owned[a]; ok {
			a.MarkError(out)
		} else {
			a.MarkValid()
		}
	}
	if len(owned) > 0 {
		return
	}

	for _, a := range artifacts {
		if s.manifests.IsManifest(a.FilePath) {
			a.MarkError(BuildFailureSummary(result.Stdout + "\n" + result.Stderr))
			return
		}
	}
}

func (s *Service) provisionFailed(result *job.ValidationResult, err error) {
	perr := &job.SandboxProvisionError{Provider: s.Provider(), Cause: err}
	s.logger.Error("Job %s: %v", result.JobID, perr)
	result.Passed = false
	result.ExitCode = -1
	result.FailureKind = job.FailureProvision
	result.Stderr = perr.Error()
}

// sync writes the artifact set into a fresh workspace directory.
func (s *Service) sync(jobID string, artifacts []*job.Artifact) (string, error) {
	dir := filepath.Join(s.cfg.WorkspaceRoot, "g3-"+utils.SanitizeIdentifier(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := utils.CleanDirectoryContents(dir); err != nil {
		return "", err
	}
	for _, a := range artifacts {
		if err := utils.WriteFile(dir, a.FilePath, a.Content); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}
	s.logger.Debug("Synced %d files into %s", len(artifacts), dir)
	return dir, nil
}

func (s *Service) removeWorkspace(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("Failed to remove workspace %s: %v", dir, err)
	}
}

// teardown stops the environment even when ctx has been cancelled.
func (s *Service) teardown(ctx context.Context, envID string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := s.executor.Stop(stopCtx, envID); err != nil {
		s.logger.Error("Failed to tear down environment %s: %v", envID, err)
	}
}

func (s *Service) claim(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[jobID]; busy {
		return false
	}
	s.active[jobID] = ""
	return true
}

func (s *Service) setEnv(jobID, envID string) {
	s.mu.Lock()
	s.active[jobID] = envID
	s.mu.Unlock()
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}

// ReapOrphans stops environments whose job is not active in this process
// and for which keep returns false. It needs an executor that can list
// environments; others are skipped.
func (s *Service) ReapOrphans(ctx context.Context, keep func(jobID string) bool) (int, error) {
	lister, ok := s.executor.(exec.Lister)
	if !ok {
		return 0, nil
	}
	envs, err := lister.ListEnvironments(ctx)
	if err != nil {
		return 0, err
	}

	active := s.ActiveEnvironments()
	reaped := 0
	for _, env := range envs {
		if _, live := active[env.JobID]; live {
			continue
		}
		if keep != nil && keep(env.JobID) {
			continue
		}
		if err := s.executor.Stop(ctx, env.ID); err != nil {
			s.logger.Warn("Failed to reap environment %s: %v", env.ID, err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.logger.Info("Reaped %d orphaned sandbox environments", reaped)
	}
	return reaped, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
