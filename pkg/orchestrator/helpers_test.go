package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"g3/internal/mocks"
	"g3/pkg/agents"
	"g3/pkg/config"
	"g3/pkg/job"
	"g3/pkg/persistence"
	"g3/pkg/planning"
	"g3/pkg/router"
)

const (
	testContract = `openapi: 3.0.3
info:
  title: Users
  version: 1.0.0
paths:
  /users:
    get:
      responses:
        "200":
          description: ok
`
	testSchema = `CREATE TABLE users (
  id UUID PRIMARY KEY,
  email VARCHAR(255) NOT NULL
);`
	brokenA     = "public class A {\n  int x = 1\n}"
	compileFail = "src/main/java/A.java:2: error: ';' expected\n1 error"
)

// fakeArchitect returns a fixed design, or blocks until released.
type fakeArchitect struct {
	err     error
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (f *fakeArchitect) Design(ctx context.Context, j *job.Job, _ job.LogSink) (*agents.Design, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &agents.Design{ContractYAML: testContract, SchemaSQL: testSchema, Provider: "fake", Model: "fake-1", Attempts: 1}, nil
}

func (f *fakeArchitect) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCoder returns one artifact per path/content pair.
type fakeCoder struct {
	files [][2]string
	panic bool
}

func (f *fakeCoder) Generate(_ context.Context, j *job.Job, round int, _ job.LogSink) ([]*job.Artifact, error) {
	if f.panic {
		panic("coder exploded")
	}
	out := make([]*job.Artifact, 0, len(f.files))
	for _, p := range f.files {
		out = append(out, job.NewArtifact(j.ID, p[0], p[1], job.ProducerBackendCoder, round))
	}
	return out, nil
}

func defaultCoder() *fakeCoder {
	return &fakeCoder{files: [][2]string{
		{"src/main/java/A.java", brokenA},
		{"src/main/java/B.java", "public class B {}"},
	}}
}

// fakeCoach rewrites every failing file, or returns a scripted result.
type fakeCoach struct {
	result *agents.FixResult
	calls  int
	mu     sync.Mutex
}

func (f *fakeCoach) Fix(_ context.Context, j *job.Job, req agents.FixRequest, _ job.LogSink) agents.FixResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.result != nil {
		return *f.result
	}
	res := agents.FixResult{Outcome: agents.OutcomeFixed}
	files := make([]string, 0, len(req.Failing))
	for _, a := range req.Failing {
		next := a.NextVersion(a.Content+"\n// fixed", job.ProducerCoach)
		next.Round = j.CurrentRound + 1
		res.Fixed = append(res.Fixed, next)
		files = append(files, a.FilePath)
	}
	attempt := job.NewRepairAttempt(j.ID, j.CurrentRound+1, files, true)
	if req.Memory != nil {
		req.Memory.AddRepairAttempt(attempt)
	}
	res.Attempt = &attempt
	return res
}

func (f *fakeCoach) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeValidator passes or fails rounds from a script; the last verdict
// repeats. A failing round attaches compiler output to A.java.
type fakeValidator struct {
	verdicts []bool
	seen     [][]*job.Artifact
	mu       sync.Mutex
}

func (f *fakeValidator) Validate(_ context.Context, j *job.Job, artifacts []*job.Artifact) (*job.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.seen)
	f.seen = append(f.seen, artifacts)
	pass := true
	if len(f.verdicts) > 0 {
		pass = f.verdicts[len(f.verdicts)-1]
		if i < len(f.verdicts) {
			pass = f.verdicts[i]
		}
	}

	res := job.NewValidationResult(j.ID, j.CurrentRound, job.ValidationCompile)
	res.Command = "mvn -q compile"
	if pass {
		res.Passed = true
		for _, a := range artifacts {
			a.MarkValid()
		}
		return res, nil
	}
	res.ExitCode = 1
	res.Stderr = compileFail
	res.FailureKind = job.FailureCode
	res.Errors = []job.ParsedError{{File: "src/main/java/A.java", Line: 2, Message: "';' expected", Severity: "error"}}
	for _, a := range artifacts {
		if filepath.Base(a.FilePath) == "A.java" {
			a.MarkError(compileFail)
		}
	}
	return res, nil
}

func (f *fakeValidator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// statusLog wraps the store and records every distinct status written for a job.
type statusLog struct {
	*persistence.Store
	seen map[string][]job.Status
	mu   sync.Mutex
}

func (s *statusLog) SaveJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	h := s.seen[j.ID]
	if len(h) == 0 || h[len(h)-1] != j.Status {
		s.seen[j.ID] = append(h, j.Status)
	}
	s.mu.Unlock()
	return s.Store.SaveJob(ctx, j)
}

func (s *statusLog) history(id string) []job.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job.Status(nil), s.seen[id]...)
}

type harness struct {
	store     *persistence.Store
	repo      *statusLog
	architect *fakeArchitect
	coder     *fakeCoder
	coach     *fakeCoach
	validator *fakeValidator
	deps      Deps
	opts      Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "g3.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:     store,
		repo:      &statusLog{Store: store, seen: make(map[string][]job.Status)},
		architect: &fakeArchitect{},
		coder:     defaultCoder(),
		coach:     &fakeCoach{},
		validator: &fakeValidator{verdicts: []bool{true}},
		opts:      Options{WorkerPoolSize: 2, MaxRepairRounds: 3, JanitorSchedule: "@every 1h"},
	}
	h.deps = Deps{
		Repo:      h.repo,
		Architect: h.architect,
		Coder:     h.coder,
		Coach:     h.coach,
		Validator: h.validator,
		Planning:  planning.NewStore(store),
	}
	return h
}

// start builds and starts the orchestrator from the harness' current deps.
func (h *harness) start(t *testing.T) *Orchestrator {
	t.Helper()
	o := New(h.deps, h.opts)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o
}

// llmAgents wires the real agents to one scripted model.
func (h *harness) llmAgents(client *mocks.MockLLMClient) agents.Deps {
	only := []config.Candidate{{Provider: "primary", Model: "p-1"}}
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"primary": {Kind: config.ProviderAnthropic, DefaultModel: "p-1"},
		},
		Routing: map[string][]config.Candidate{
			config.TaskDesign:   only,
			config.TaskAnalysis: only,
			config.TaskCodegen:  only,
			config.TaskRepair:   only,
		},
	}
	return agents.Deps{
		Router:   router.New(cfg),
		Clients:  mocks.NewClientSource().With("primary", "p-1", client),
		Planning: h.deps.Planning,
	}
}

// waitDone follows the job's log stream until it closes and returns the
// stored job and every entry seen.
func waitDone(t *testing.T, o *Orchestrator, id string) (*job.Job, []job.LogEntry) {
	t.Helper()
	sub, err := o.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer sub.Close()

	entries := append([]job.LogEntry(nil), sub.History...)
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-sub.Entries:
			if !ok {
				j, err := o.GetStatus(context.Background(), id)
				require.NoError(t, err)
				require.True(t, j.Status.IsTerminal(), "stream closed while job is %s", j.Status)
				return j, entries
			}
			entries = append(entries, e)
		case <-timeout:
			t.Fatalf("job %s did not finish", id)
		}
	}
}

func submit(t *testing.T, o *Orchestrator, requirement string) *job.Job {
	t.Helper()
	j, err := o.Submit(context.Background(), requirement, nil)
	require.NoError(t, err)
	return j
}

var errBoom = errors.New("boom")
