// Package exec provides the isolated build environments the sandbox runs
// generated projects in. An environment is started once per job, commands run
// inside it, and it is stopped afterward.
package exec

import (
	"context"
	"time"
)

// ExecutorType represents the type of executor.
type ExecutorType string

// Executor type constants.
const (
	ExecutorTypeLocal  ExecutorType = "local"
	ExecutorTypeDocker ExecutorType = "docker"
)

// JobLabel is the container label carrying the owning job ID.
const JobLabel = "g3.job"

// Executor provisions and drives build environments.
type Executor interface {
	// Start provisions an environment for jobID with opts.WorkDir mounted as
	// the project root and returns its ID.
	Start(ctx context.Context, jobID string, opts *Opts) (string, error)

	// Run executes cmd inside a started environment. A non-zero exit code is
	// reported in Result, not as an error.
	Run(ctx context.Context, envID string, cmd []string, opts *Opts) (Result, error)

	// Stop tears the environment down. Stopping an unknown environment is not an error.
	Stop(ctx context.Context, envID string) error

	// Name returns the executor type name for logging/debugging.
	Name() ExecutorType

	// Available returns true if this executor can be used in the current environment.
	Available() bool
}

// Lister is implemented by executors that can enumerate environments left
// behind by earlier processes.
type Lister interface {
	ListEnvironments(ctx context.Context) ([]Environment, error)
}

// Environment describes a live environment found by a Lister.
type Environment struct {
	ID    string
	JobID string
}

// Opts contains options for environment creation and command execution.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Opts struct {
	// Env contains environment variables (KEY=VALUE format)
	Env []string

	// ResourceLimits contains resource constraints.
	ResourceLimits *ResourceLimits

	// Timeout is the maximum duration for one command.
	Timeout time.Duration

	// WorkDir is the host directory holding the project.
	WorkDir string

	// User is the user to run the command as (for Docker/container executors)
	User string

	// Network is the container network mode; "none" disables networking.
	Network string

	// TmpfsSize bounds the writable scratch mounts.
	TmpfsSize string
}

// ResourceLimits defines resource constraints for command execution.
type ResourceLimits struct {
	// CPUs is the number of CPU cores to allocate (e.g., "2" or "1.5")
	CPUs string

	// Memory is the memory limit (e.g., "2g", "512m")
	Memory string

	// PIDs is the maximum number of processes/threads.
	PIDs int64
}

// Result contains the result of command execution.
type Result struct {
	// Stdout contains the standard output.
	Stdout string

	// Stderr contains the standard error output.
	Stderr string

	// ExecutorUsed indicates which executor was used (for debugging)
	ExecutorUsed string

	// Duration is how long the command took to execute.
	Duration time.Duration

	// ExitCode is the exit code of the command.
	ExitCode int

	// TimedOut is set when the command was killed by Opts.Timeout.
	TimedOut bool
}

// DefaultExecOpts returns default execution options.
func DefaultExecOpts() Opts {
	return Opts{
		Timeout:   10 * time.Minute,
		Network:   "bridge",
		TmpfsSize: "256m",
		ResourceLimits: &ResourceLimits{
			CPUs:   "2",
			Memory: "2g",
			PIDs:   1024,
		},
	}
}

// ShellCommand wraps a configured command line for execution by sh.
func ShellCommand(line string) []string {
	return []string{"sh", "-c", line}
}
