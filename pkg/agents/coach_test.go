package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/pkg/job"
	"g3/pkg/memory"
)

const (
	brokenUser = "package com.acme;\npublic class User { int x = ; }"
	fixedUser  = "package com.acme;\npublic class User { int x = 1; }"
	userPath   = "src/main/java/com/acme/User.java"
	userError  = "src/main/java/com/acme/User.java:2: error: illegal start of expression"
)

func failingResult(j *job.Job, kind job.FailureKind, stderr string) *job.ValidationResult {
	v := job.NewValidationResult(j.ID, j.CurrentRound, job.ValidationCompile)
	v.ExitCode = 1
	v.FailureKind = kind
	v.Stderr = stderr
	return v
}

func failingArtifact(j *job.Job, filePath, content, output string) *job.Artifact {
	a := job.NewArtifact(j.ID, filePath, content, job.ProducerBackendCoder, 0)
	if output != "" {
		a.MarkError(output)
	}
	return a
}

func TestFixRepairsFile(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWithSequence("x is missing a value", "1. assign 1 to x", "```java\n"+fixedUser+"\n```")

	j := designedJob(t)
	broken := failingArtifact(j, userPath, brokenUser, userError)
	mem := memory.NewSession(j.ID)

	res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
		Memory:  mem,
		Failing: []*job.Artifact{broken},
		Results: []*job.ValidationResult{failingResult(j, job.FailureCode, userError)},
	}, nil)

	require.Equal(t, OutcomeFixed, res.Outcome, res.Reason)
	require.NoError(t, res.AsError())
	require.Len(t, res.Fixed, 1)

	next := res.Fixed[0]
	assert.Equal(t, fixedUser, next.Content)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, broken.ID, next.ParentID)
	assert.Equal(t, 1, next.Round)
	assert.Equal(t, job.ProducerCoach, next.GeneratedBy)
	assert.Equal(t, brokenUser, broken.Content, "failing version is left untouched")

	prompts := f.primary.Prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[1], "x is missing a value", "plan sees the analysis")
	assert.Contains(t, prompts[2], "1. assign 1 to x", "fix sees the plan")
	assert.Contains(t, res.Report, "x is missing a value")

	require.Equal(t, 1, mem.Len())
	attempt := mem.Attempts()[0]
	assert.True(t, attempt.Success)
	assert.Equal(t, 1, attempt.Round)
	assert.Equal(t, []string{userPath}, attempt.Files)
	assert.NotEmpty(t, attempt.Signature)
	assert.Equal(t, attempt.ID, res.Attempt.ID)
}

func TestFixUsesHistory(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWithSequence("analysis", "plan", fixedUser)

	j := designedJob(t)
	mem := memory.NewSession(j.ID)
	prev := job.NewRepairAttempt(j.ID, 1, []string{userPath}, false)
	prev.Outcome = "declined"
	mem.AddRepairAttempt(prev)

	res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
		Memory:  mem,
		Failing: []*job.Artifact{failingArtifact(j, userPath, brokenUser, userError)},
	}, nil)
	require.Equal(t, OutcomeFixed, res.Outcome)
	assert.Contains(t, f.primary.Prompts()[1], "### Repair history")
	assert.Equal(t, 2, mem.Len())
}

func TestFixDeclinesUnrecognisedOutput(t *testing.T) {
	f := newFixture(t)
	j := designedJob(t)
	mem := memory.NewSession(j.ID)

	logs := &logCollector{}
	res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
		Memory:  mem,
		Failing: []*job.Artifact{failingArtifact(j, userPath, brokenUser, "")},
		Results: []*job.ValidationResult{failingResult(j, job.FailureCode, "Killed")},
	}, logs.sink())

	assert.Equal(t, OutcomeUnfixable, res.Outcome)
	var cannot *job.CannotAutoFixError
	require.ErrorAs(t, res.AsError(), &cannot)
	assert.Contains(t, cannot.Reason, "no recognisable compiler error")
	assert.Zero(t, f.primary.CallCount(), "no model call for an unfixable failure")
	assert.Len(t, logs.levels(job.LogError), 1)

	require.Equal(t, 1, mem.Len())
	assert.False(t, mem.Attempts()[0].Success)
}

func TestFixDeclinesProvisionFailure(t *testing.T) {
	f := newFixture(t)
	j := designedJob(t)

	res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
		Failing: []*job.Artifact{failingArtifact(j, userPath, brokenUser, userError)},
		Results: []*job.ValidationResult{failingResult(j, job.FailureProvision, "error: cannot connect to the docker daemon")},
	}, nil)
	assert.Equal(t, OutcomeUnfixable, res.Outcome)
	assert.Contains(t, res.Reason, "could not be provisioned")
}

func TestFixEnvironmentFailureOnlyForManifest(t *testing.T) {
	const resolveErr = "[ERROR] Failed to execute goal: Could not resolve dependencies for project com.acme:users"

	t.Run("source file", func(t *testing.T) {
		f := newFixture(t)
		j := designedJob(t)
		res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
			Failing: []*job.Artifact{failingArtifact(j, userPath, brokenUser, resolveErr)},
			Results: []*job.ValidationResult{failingResult(j, job.FailureEnvironment, resolveErr)},
		}, nil)
		assert.Equal(t, OutcomeUnfixable, res.Outcome)
	})

	t.Run("manifest", func(t *testing.T) {
		f := newFixture(t)
		f.primary.RespondWithSequence("bad version", "use 3.2.0", "<project><version>3.2.0</version></project>")
		j := designedJob(t)
		pom := failingArtifact(j, "pom.xml", "<project><version>9.9.9</version></project>", resolveErr)

		res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
			Failing: []*job.Artifact{pom},
			Results: []*job.ValidationResult{failingResult(j, job.FailureEnvironment, resolveErr)},
		}, nil)
		require.Equal(t, OutcomeFixed, res.Outcome)
		assert.Contains(t, f.primary.LastPrompt(), "You repair the build manifest")
		assert.Equal(t, "<project><version>3.2.0</version></project>", res.Fixed[0].Content)
	})
}

func TestFixUnchangedRewriteIsAnError(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWithSequence("analysis", "plan", brokenUser)
	f.secondary.RespondWith(brokenUser)

	j := designedJob(t)
	res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
		Failing: []*job.Artifact{failingArtifact(j, userPath, brokenUser, userError)},
	}, nil)

	assert.Equal(t, OutcomeError, res.Outcome)
	var sf *job.StageFailure
	require.ErrorAs(t, res.AsError(), &sf)
	assert.Equal(t, job.StageCoach, sf.Stage)
	assert.Contains(t, f.secondary.LastPrompt(), "identical to the failing file")
}

func TestFixSkipsUnusableFile(t *testing.T) {
	f := newFixture(t)
	j := designedJob(t)
	other := "src/main/java/com/acme/Mail.java"

	// User.java gets a good rewrite, Mail.java only ever gets its own content back.
	f.primary.RespondWithSequence("a", "p", fixedUser, "a", "p", "package com.acme;\nclass Mail { }")
	f.secondary.RespondWith("package com.acme;\nclass Mail { }")

	res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{
		Failing: []*job.Artifact{
			failingArtifact(j, userPath, brokenUser, userError),
			failingArtifact(j, other, "package com.acme;\nclass Mail { }", other+":2: error: cannot find symbol"),
		},
	}, nil)

	require.Equal(t, OutcomeFixed, res.Outcome)
	require.Len(t, res.Fixed, 1)
	assert.Equal(t, userPath, res.Fixed[0].FilePath)
	assert.Contains(t, res.Attempt.Outcome, "rewrote 1 of 2 files")
}

func TestFixCancelledIsRecorded(t *testing.T) {
	f := newFixture(t)
	j := designedJob(t)
	mem := memory.NewSession(j.ID)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewCoach(f.deps).Fix(ctx, j, FixRequest{
		Memory:  mem,
		Failing: []*job.Artifact{failingArtifact(j, userPath, brokenUser, userError)},
		Results: []*job.ValidationResult{failingResult(j, job.FailureCode, userError)},
	}, nil)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, f.primary.Prompts(), "no model call after cancellation")

	require.Equal(t, 1, mem.Len(), "every invocation leaves one attempt")
	attempt := mem.Attempts()[0]
	assert.False(t, attempt.Success)
	assert.Equal(t, []string{userPath}, attempt.Files)
	assert.Contains(t, attempt.Outcome, "context canceled")
	assert.Equal(t, attempt.ID, res.Attempt.ID)
}

func TestFixWithNothingFailing(t *testing.T) {
	f := newFixture(t)
	j := designedJob(t)
	res := NewCoach(f.deps).Fix(context.Background(), j, FixRequest{}, nil)
	assert.Equal(t, OutcomeUnfixable, res.Outcome)
	assert.NotNil(t, res.Attempt)
}

type denyAll struct{}

func (denyAll) Classify(*job.Artifact, string, job.FailureKind) (bool, string) {
	return false, "policy"
}

func TestFixCustomClassifier(t *testing.T) {
	f := newFixture(t)
	j := designedJob(t)
	res := NewCoach(f.deps).WithClassifier(denyAll{}).Fix(context.Background(), j, FixRequest{
		Failing: []*job.Artifact{failingArtifact(j, userPath, brokenUser, userError)},
	}, nil)
	assert.Equal(t, OutcomeUnfixable, res.Outcome)
	assert.Equal(t, "policy", res.Reason)
}

func TestPatternClassifierChineseMarker(t *testing.T) {
	c := NewPatternClassifier(nil)
	a := job.NewArtifact("j", "A.java", "class A {}", job.ProducerBackendCoder, 0)
	ok, _ := c.Classify(a, "A.java:1: 错误: 需要';'", job.FailureCode)
	assert.True(t, ok)
}

func TestSanitizeFixedContent(t *testing.T) {
	raw := "Here is the fix:\n```java\n" + fixedUser + "\n```\nThis compiles now."
	assert.Equal(t, fixedUser, SanitizeFixedContent(raw, "java"))

	raw = "// fixed\n" + fixedUser + "\n// end"
	assert.Equal(t, fixedUser, SanitizeFixedContent(raw, "java"))

	assert.Equal(t, "<project/>", SanitizeFixedContent("```xml\n<project/>\n```", "xml"))
	assert.Equal(t, "", SanitizeFixedContent("```\n```", "java"))
}
