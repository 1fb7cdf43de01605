package mocks

import (
	"context"
	"fmt"
	"sync"

	"g3/pkg/exec"
)

// MockExecutor is a scripted exec.Executor. Each Run pops the next queued
// result; when the queue is empty the last result repeats.
type MockExecutor struct {
	startErr error
	results  []exec.Result
	runErrs  []error
	live     map[string]string // envID -> jobID
	Commands [][]string
	Starts   int
	Stops    int
	MaxLive  int
	mu       sync.Mutex
}

// NewMockExecutor creates an executor whose commands succeed.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{live: make(map[string]string)}
}

// QueueResult appends a command result.
func (m *MockExecutor) QueueResult(exitCode int, stdout, stderr string) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, exec.Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr, ExecutorUsed: "mock"})
	m.runErrs = append(m.runErrs, nil)
	return m
}

// QueueRunError appends a command that fails to execute at all.
func (m *MockExecutor) QueueRunError(err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, exec.Result{ExitCode: -1})
	m.runErrs = append(m.runErrs, err)
	return m
}

// FailStart makes Start return err.
func (m *MockExecutor) FailStart(err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
	return m
}

// Start implements exec.Executor.
func (m *MockExecutor) Start(_ context.Context, jobID string, _ *exec.Opts) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Starts++
	if m.startErr != nil {
		return "", m.startErr
	}
	envID := fmt.Sprintf("mock-%s-%d", jobID, m.Starts)
	m.live[envID] = jobID
	if n := len(m.live); n > m.MaxLive {
		m.MaxLive = n
	}
	return envID, nil
}

// Run implements exec.Executor.
func (m *MockExecutor) Run(_ context.Context, envID string, cmd []string, _ *exec.Opts) (exec.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[envID]; !ok {
		return exec.Result{}, fmt.Errorf("environment %s not started", envID)
	}
	m.Commands = append(m.Commands, cmd)

	if len(m.results) == 0 {
		return exec.Result{ExecutorUsed: "mock"}, nil
	}
	res, err := m.results[0], m.runErrs[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
		m.runErrs = m.runErrs[1:]
	}
	return res, err
}

// Stop implements exec.Executor.
func (m *MockExecutor) Stop(_ context.Context, envID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[envID]; ok {
		m.Stops++
		delete(m.live, envID)
	}
	return nil
}

// Name implements exec.Executor.
func (m *MockExecutor) Name() exec.ExecutorType {
	return "mock"
}

// Available implements exec.Executor.
func (m *MockExecutor) Available() bool {
	return true
}

// ListEnvironments implements exec.Lister.
func (m *MockExecutor) ListEnvironments(_ context.Context) ([]exec.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envs := make([]exec.Environment, 0, len(m.live))
	for id, job := range m.live {
		envs = append(envs, exec.Environment{ID: id, JobID: job})
	}
	return envs, nil
}

// Live returns the number of environments not yet stopped.
func (m *MockExecutor) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// CommandCount returns how many commands ran.
func (m *MockExecutor) CommandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Commands)
}
