package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// LocalExec runs builds directly on the host without sandboxing. The
// environment is just the job's workspace directory.
type LocalExec struct {
	envs map[string]string // envID -> workdir
	mu   sync.Mutex
}

// NewLocalExec creates a new LocalExec executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{envs: make(map[string]string)}
}

// Name returns the executor type name.
func (e *LocalExec) Name() ExecutorType {
	return ExecutorTypeLocal
}

// Available returns true since local execution is always available.
func (e *LocalExec) Available() bool {
	return true
}

// Start registers the job workspace as an environment.
func (e *LocalExec) Start(_ context.Context, jobID string, opts *Opts) (string, error) {
	if opts == nil || opts.WorkDir == "" {
		return "", fmt.Errorf("local executor requires a working directory")
	}
	if _, err := os.Stat(opts.WorkDir); err != nil {
		return "", fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
	}

	envID := "local-" + jobID
	e.mu.Lock()
	e.envs[envID] = opts.WorkDir
	e.mu.Unlock()
	return envID, nil
}

// Run executes a command in the environment's directory.
func (e *LocalExec) Run(ctx context.Context, envID string, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}

	e.mu.Lock()
	dir, ok := e.envs[envID]
	e.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("environment %s not started", envID)
	}

	startTime := time.Now()

	if opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	execCmd.Dir = dir
	if opts != nil && len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	stdout, stderr, exitCode, err := e.executeCommand(execCmd)

	result := Result{
		ExitCode:     exitCode,
		Stdout:       stdout,
		Stderr:       stderr,
		Duration:     time.Since(startTime),
		ExecutorUsed: string(e.Name()),
		TimedOut:     errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	if result.TimedOut {
		return result, nil
	}
	return result, err
}

// Stop forgets the environment. The workspace directory belongs to the caller.
func (e *LocalExec) Stop(_ context.Context, envID string) error {
	e.mu.Lock()
	delete(e.envs, envID)
	e.mu.Unlock()
	return nil
}

// executeCommand runs the command and captures output.
func (e *LocalExec) executeCommand(cmd *exec.Cmd) (stdout, stderr string, exitCode int, err error) {
	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			// Non-zero exit codes are reported through ExitCode.
			return stdout, stderr, exitError.ExitCode(), nil
		}
		return stdout, stderr, -1, err
	}

	return stdout, stderr, 0, nil
}
