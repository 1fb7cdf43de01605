package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/internal/mocks"
	"g3/pkg/config"
	"g3/pkg/exec"
	"g3/pkg/job"
)

const mavenFailure = `[INFO] Compiling 3 source files to /workspace/target/classes
[ERROR] COMPILATION ERROR :
[ERROR] /workspace/src/main/java/com/g3/app/service/TodoService.java:[12,5] cannot find symbol
  symbol:   class Todo
[ERROR] /workspace/src/main/java/com/g3/app/service/TodoService.java:[12,5] cannot find symbol
[INFO] BUILD FAILURE
[ERROR] Failed to execute goal org.apache.maven.plugins:maven-compiler-plugin:3.11.0:compile
`

func testConfig(t *testing.T) *config.SandboxConfig {
	t.Helper()
	return &config.SandboxConfig{
		Executor:        "mock",
		BuildCommand:    "mvn -q compile",
		TestCommand:     "mvn -q test",
		TimeoutSeconds:  60,
		EnvRetryMax:     3,
		EnvRetryDelayMs: 1,
		WorkspaceRoot:   t.TempDir(),
	}
}

func newTestService(t *testing.T, ex exec.Executor, cfg *config.SandboxConfig) *Service {
	t.Helper()
	s := NewService(ex, cfg, nil)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func testJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New("todo service", nil, 3)
	require.NoError(t, err)
	return j
}

func testArtifacts(jobID string) []*job.Artifact {
	return []*job.Artifact{
		job.NewArtifact(jobID, "pom.xml", "<project/>", job.ProducerBackendCoder, 0),
		job.NewArtifact(jobID, "src/main/java/com/g3/app/service/TodoService.java", "class TodoService {}", job.ProducerBackendCoder, 0),
		job.NewArtifact(jobID, "src/main/java/com/g3/app/entity/Todo.java", "class Todo {}", job.ProducerBackendCoder, 0),
	}
}

func TestParseCompilerErrors(t *testing.T) {
	errs := ParseCompilerErrors(mavenFailure + "src/main/java/A.java:3: error: ';' expected\nB.java:7: warning: unchecked call\n")
	require.Len(t, errs, 3)

	assert.Equal(t, job.ParsedError{
		File:     "/workspace/src/main/java/com/g3/app/service/TodoService.java",
		Line:     12,
		Column:   5,
		Severity: "error",
		Message:  "cannot find symbol",
	}, errs[0])
	assert.Equal(t, "src/main/java/A.java", errs[1].File)
	assert.Equal(t, 3, errs[1].Line)
	assert.Equal(t, "';' expected", errs[1].Message)
	assert.Equal(t, "warning", errs[2].Severity)

	assert.Empty(t, ParseCompilerErrors("   "))
}

func TestDetectEnvironmentError(t *testing.T) {
	tests := []struct {
		name   string
		output string
		env    bool
	}{
		{"dependency resolution", "[ERROR] Failed to execute goal on project app: Could not resolve dependencies for project", true},
		{"missing maven", "sh: 1: mvn: not found", true},
		{"network timeout", "java.net.SocketTimeoutException: Read timed out", true},
		{"bare build failure", "[INFO] BUILD FAILURE\n[INFO] Total time: 1s", true},
		{"compile error", mavenFailure, false},
		{"javac error", "A.java:3: error: ';' expected\nBUILD FAILURE", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectEnvironmentError(tt.output)
			if tt.env && got == "" {
				t.Errorf("expected environment error for %q", tt.output)
			}
			if !tt.env && got != "" {
				t.Errorf("unexpected environment error %q", got)
			}
		})
	}
}

func TestBuildFailureSummary(t *testing.T) {
	summary := BuildFailureSummary(mavenFailure)
	assert.Contains(t, summary, "BUILD FAILURE")
	assert.Contains(t, summary, "Failed to execute goal")
	assert.NotContains(t, summary, "[INFO] Compiling")

	assert.Equal(t, "build failed with no output", BuildFailureSummary(""))
	assert.Contains(t, BuildFailureSummary("something odd\nhappened"), "happened")
}

func TestManifestMatcher(t *testing.T) {
	m := NewManifestMatcher(nil)
	assert.True(t, m.IsManifest("pom.xml"))
	assert.True(t, m.IsManifest("backend/pom.xml"))
	assert.True(t, m.IsManifest("./frontend/package.json"))
	assert.False(t, m.IsManifest("src/main/java/Pom.java"))

	custom := NewManifestMatcher([]string{"[", "**/Makefile"})
	assert.True(t, custom.IsManifest("Makefile"))
	assert.False(t, custom.IsManifest("pom.xml"))
}

func TestValidatePasses(t *testing.T) {
	ex := mocks.NewMockExecutor().QueueResult(0, "BUILD SUCCESS", "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)
	arts := testArtifacts(j.ID)
	arts[1].MarkError("stale")

	res, err := s.Validate(context.Background(), j, arts)
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Equal(t, job.FailureNone, res.FailureKind)
	assert.Equal(t, job.ValidationCompile, res.Type)
	assert.Equal(t, j.ID, res.JobID)
	assert.Equal(t, 0, res.Round)
	for _, a := range arts {
		assert.False(t, a.HasErrors, a.FilePath)
		assert.NotNil(t, a.ValidatedAt)
	}

	assert.Equal(t, 1, ex.Starts)
	assert.Equal(t, 1, ex.Stops)
	assert.Equal(t, 0, ex.Live())
	assert.Equal(t, []string{"sh", "-c", "mvn -q compile"}, ex.Commands[0])
	assert.Equal(t, "mock", j.SandboxProvider)
	assert.NotEmpty(t, j.SandboxID)
	assert.Empty(t, s.ActiveEnvironments())
}

func TestValidateIsRepeatable(t *testing.T) {
	ex := mocks.NewMockExecutor().QueueResult(0, "BUILD SUCCESS", "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)
	arts := testArtifacts(j.ID)

	for i := 0; i < 2; i++ {
		res, err := s.Validate(context.Background(), j, arts)
		require.NoError(t, err)
		assert.True(t, res.Passed)
	}
	assert.Equal(t, 2, ex.Starts)
	assert.Equal(t, 1, ex.MaxLive)
}

func TestValidateCompileFailureAttachesOutput(t *testing.T) {
	ex := mocks.NewMockExecutor().QueueResult(1, mavenFailure, "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)
	arts := testArtifacts(j.ID)

	res, err := s.Validate(context.Background(), j, arts)
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Equal(t, job.FailureCode, res.FailureKind)
	require.Len(t, res.Errors, 1)

	assert.False(t, arts[0].HasErrors, "pom.xml has no diagnostics of its own")
	assert.True(t, arts[1].HasErrors)
	assert.Contains(t, arts[1].CompilerOutput, "TodoService.java:12:5: error: cannot find symbol")
	assert.False(t, arts[2].HasErrors)

	assert.Equal(t, 1, ex.CommandCount(), "code failures are not retried")
	assert.Equal(t, 0, ex.Live())
}

func TestValidateUnlocatedFailureGoesToManifest(t *testing.T) {
	ex := mocks.NewMockExecutor().QueueResult(1, "[ERROR] Failed to execute goal x: error: plugin misconfigured\n[INFO] BUILD FAILURE", "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)
	arts := testArtifacts(j.ID)

	res, err := s.Validate(context.Background(), j, arts)
	require.NoError(t, err)
	assert.Equal(t, job.FailureCode, res.FailureKind)
	assert.True(t, arts[0].HasErrors)
	assert.Contains(t, arts[0].CompilerOutput, "plugin misconfigured")
}

func TestValidateClearsErrorsFromEarlierRounds(t *testing.T) {
	const (
		round0 = "[ERROR] /workspace/src/A.java:[3,1] cannot find symbol B.bar\n" +
			"[ERROR] /workspace/src/B.java:[2,1] cannot find symbol A.foo\n[INFO] BUILD FAILURE\n"
		round1 = "[ERROR] /workspace/src/A.java:[4,1] incompatible types\n[INFO] BUILD FAILURE\n"
	)
	ex := mocks.NewMockExecutor().QueueResult(1, round0, "").QueueResult(1, round1, "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)
	a := job.NewArtifact(j.ID, "src/A.java", "class A {}", job.ProducerBackendCoder, 0)
	b := job.NewArtifact(j.ID, "src/B.java", "class B {}", job.ProducerBackendCoder, 0)

	_, err := s.Validate(context.Background(), j, []*job.Artifact{a, b})
	require.NoError(t, err)
	require.True(t, a.HasErrors)
	require.True(t, b.HasErrors)

	// Only A is repaired; the next build no longer mentions B.
	a1 := a.NextVersion("class A { int x; }", job.ProducerCoach)
	j.CurrentRound = 1
	res, err := s.Validate(context.Background(), j, []*job.Artifact{a1, b})
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.True(t, a1.HasErrors)
	assert.Contains(t, a1.CompilerOutput, "incompatible types")
	assert.False(t, b.HasErrors, "B has no diagnostics in this build")
	assert.Empty(t, b.CompilerOutput)
}

func TestValidateKeepsSameNamedFilesApart(t *testing.T) {
	const out = "[ERROR] /workspace/src/main/java/com/g3/app/entity/User.java:[3,1] cannot find symbol\n[INFO] BUILD FAILURE\n"
	ex := mocks.NewMockExecutor().QueueResult(1, out, "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)
	entity := job.NewArtifact(j.ID, "src/main/java/com/g3/app/entity/User.java", "class User {}", job.ProducerBackendCoder, 0)
	dto := job.NewArtifact(j.ID, "src/main/java/com/g3/app/dto/User.java", "class User {}", job.ProducerBackendCoder, 0)

	_, err := s.Validate(context.Background(), j, []*job.Artifact{entity, dto})
	require.NoError(t, err)

	assert.True(t, entity.HasErrors)
	assert.Contains(t, entity.CompilerOutput, "entity/User.java:3:1")
	assert.False(t, dto.HasErrors)
	assert.Empty(t, dto.CompilerOutput)
}

func TestMatchingArtifacts(t *testing.T) {
	entity := job.NewArtifact("j", "src/main/java/com/g3/app/entity/User.java", "x", job.ProducerBackendCoder, 0)
	dto := job.NewArtifact("j", "src/main/java/com/g3/app/dto/User.java", "x", job.ProducerBackendCoder, 0)
	todo := job.NewArtifact("j", "src/main/java/com/g3/app/entity/Todo.java", "x", job.ProducerBackendCoder, 0)
	superUser := job.NewArtifact("j", "src/main/java/com/g3/app/SuperUser.java", "x", job.ProducerBackendCoder, 0)
	all := []*job.Artifact{entity, dto, todo, superUser}

	tests := []struct {
		name     string
		reported string
		want     []*job.Artifact
	}{
		{"full path under mount", "/workspace/src/main/java/com/g3/app/dto/User.java", []*job.Artifact{dto}},
		{"relative path", "src/main/java/com/g3/app/entity/User.java", []*job.Artifact{entity}},
		{"windows separators", `C:\ws\src\main\java\com\g3\app\entity\Todo.java`, []*job.Artifact{todo}},
		{"unique base name", "target/generated/Todo.java", []*job.Artifact{todo}},
		{"ambiguous base name", "target/generated/User.java", nil},
		{"suffix without a boundary", "/workspace/xsrc/main/java/com/g3/app/SuperUser.java", []*job.Artifact{superUser}},
		{"unknown file", "/workspace/src/Other.java", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchingArtifacts(tt.reported, all))
		})
	}
}

func TestValidateRetriesEnvironmentFailures(t *testing.T) {
	ex := mocks.NewMockExecutor().
		QueueResult(1, "Could not transfer artifact org.springframework:spring-core", "").
		QueueResult(0, "BUILD SUCCESS", "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)

	res, err := s.Validate(context.Background(), j, testArtifacts(j.ID))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 2, ex.CommandCount())
}

func TestValidatePersistentEnvironmentFailure(t *testing.T) {
	ex := mocks.NewMockExecutor().QueueResult(1, "Could not resolve dependencies for project", "")
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)

	res, err := s.Validate(context.Background(), j, testArtifacts(j.ID))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, job.FailureEnvironment, res.FailureKind)
	assert.Contains(t, res.Stderr, "environment error: dependency resolution failed")
	assert.Equal(t, 3, ex.CommandCount())
	assert.Equal(t, 0, ex.Live())
}

func TestValidateProvisionFailure(t *testing.T) {
	ex := mocks.NewMockExecutor().FailStart(errors.New("daemon unreachable"))
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)

	res, err := s.Validate(context.Background(), j, testArtifacts(j.ID))
	require.NoError(t, err, "provisioning failures are reported in the result")
	assert.False(t, res.Passed)
	assert.Equal(t, job.FailureProvision, res.FailureKind)
	assert.Contains(t, res.Stderr, "daemon unreachable")
	assert.Equal(t, 0, ex.CommandCount())
	assert.Empty(t, s.ActiveEnvironments())
}

func TestValidateRejectsEscapingPaths(t *testing.T) {
	ex := mocks.NewMockExecutor()
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)
	arts := []*job.Artifact{job.NewArtifact(j.ID, "../evil.sh", "rm -rf /", job.ProducerBackendCoder, 0)}

	res, err := s.Validate(context.Background(), j, arts)
	require.NoError(t, err)
	assert.Equal(t, job.FailureProvision, res.FailureKind)
	assert.Equal(t, 0, ex.Starts)
}

func TestValidateRunsTests(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunTests = true
	ex := mocks.NewMockExecutor().
		QueueResult(0, "compiled\n", "").
		QueueResult(1, "src/test/java/TodoTest.java:9: error: assertion failed\n", "")
	s := newTestService(t, ex, cfg)
	j := testJob(t)

	res, err := s.Validate(context.Background(), j, testArtifacts(j.ID))
	require.NoError(t, err)
	assert.Equal(t, job.ValidationUnitTest, res.Type)
	assert.False(t, res.Passed)
	assert.True(t, strings.HasPrefix(res.Stdout, "compiled\n"))
	assert.Equal(t, []string{"sh", "-c", "mvn -q test"}, ex.Commands[1])
}

// blockingExecutor holds Run until the context is cancelled.
type blockingExecutor struct {
	*mocks.MockExecutor
	started chan struct{}
}

func (b *blockingExecutor) Run(ctx context.Context, _ string, _ []string, _ *exec.Opts) (exec.Result, error) {
	close(b.started)
	<-ctx.Done()
	return exec.Result{ExitCode: -1}, ctx.Err()
}

func TestValidateCancelledStillTearsDown(t *testing.T) {
	ex := &blockingExecutor{MockExecutor: mocks.NewMockExecutor(), started: make(chan struct{})}
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Validate(ctx, j, testArtifacts(j.ID))
		done <- err
	}()

	<-ex.started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("validate did not return after cancellation")
	}
	assert.Equal(t, 1, ex.Stops)
	assert.Equal(t, 0, ex.Live())
}

func TestValidateOneEnvironmentPerJob(t *testing.T) {
	ex := mocks.NewMockExecutor()
	s := newTestService(t, ex, testConfig(t))
	j := testJob(t)

	require.True(t, s.claim(j.ID))
	_, err := s.Validate(context.Background(), j, testArtifacts(j.ID))
	assert.ErrorIs(t, err, ErrEnvironmentBusy)
	s.release(j.ID)

	_, err = s.Validate(context.Background(), j, testArtifacts(j.ID))
	assert.NoError(t, err)
}

func TestWorkspaceIsRemoved(t *testing.T) {
	cfg := testConfig(t)
	ex := mocks.NewMockExecutor()
	s := newTestService(t, ex, cfg)
	j := testJob(t)

	_, err := s.Validate(context.Background(), j, testArtifacts(j.ID))
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.WorkspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(filepath.Join(cfg.WorkspaceRoot, "g3-"+j.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestReapOrphans(t *testing.T) {
	ex := mocks.NewMockExecutor()
	s := newTestService(t, ex, testConfig(t))
	ctx := context.Background()

	_, err := ex.Start(ctx, "done-job", &exec.Opts{})
	require.NoError(t, err)
	_, err = ex.Start(ctx, "running-job", &exec.Opts{})
	require.NoError(t, err)

	n, err := s.ReapOrphans(ctx, func(jobID string) bool { return jobID == "running-job" })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ex.Live())
}
