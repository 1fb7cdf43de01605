package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"g3/pkg/agent/llm"
	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/memory"
	"g3/pkg/router"
	"g3/pkg/sandbox"
	"g3/pkg/templates"
	"g3/pkg/utils"
)

// FixOutcome is the kind of answer the Coach gives.
type FixOutcome int

const (
	// OutcomeFixed means at least one artifact has a new version.
	OutcomeFixed FixOutcome = iota
	// OutcomeUnfixable means the Coach declined; the job should stop repairing.
	OutcomeUnfixable
	// OutcomeError means a fix was attempted and produced nothing usable.
	OutcomeError
)

func (o FixOutcome) String() string {
	switch o {
	case OutcomeFixed:
		return "FIXED"
	case OutcomeUnfixable:
		return "UNFIXABLE"
	default:
		return "ERROR"
	}
}

// FixRequest carries everything the Coach looks at.
type FixRequest struct {
	Memory *memory.Session
	// Failing are the current versions of the artifacts with errors.
	Failing []*job.Artifact
	// Results are the job's validation results, oldest first.
	Results []*job.ValidationResult
}

// FixResult is the Coach's answer. Exactly one of Fixed, Reason or Err is
// meaningful, selected by Outcome.
type FixResult struct {
	Err     error
	Attempt *job.RepairAttempt
	Report  string
	Reason  string
	Fixed   []*job.Artifact
	Outcome FixOutcome
}

// AsError converts a non-fixed result into the job error taxonomy.
func (r FixResult) AsError() error {
	switch r.Outcome {
	case OutcomeFixed:
		return nil
	case OutcomeUnfixable:
		return &job.CannotAutoFixError{Reason: r.Reason}
	default:
		var sf *job.StageFailure
		if errors.As(r.Err, &sf) {
			return r.Err
		}
		return &job.StageFailure{Stage: job.StageCoach, Cause: r.Err, Attempts: 1}
	}
}

// Classifier decides whether build output is something the Coach can fix.
type Classifier interface {
	Classify(a *job.Artifact, output string, kind job.FailureKind) (fixable bool, reason string)
}

// PatternClassifier recognises compiler errors by an "error:" marker.
// Provisioning failures are never fixable. Environment failures are only
// fixable in the build manifest, where a bad dependency coordinate shows up
// as a resolution error.
type PatternClassifier struct {
	Pattern   *regexp.Regexp
	Manifests *sandbox.ManifestMatcher
}

// DefaultErrorPattern matches the error marker of javac, tsc and Maven output.
var DefaultErrorPattern = regexp.MustCompile(`(?i)error:|错误:`)

// NewPatternClassifier returns the default classifier.
func NewPatternClassifier(manifests *sandbox.ManifestMatcher) *PatternClassifier {
	return &PatternClassifier{Pattern: DefaultErrorPattern, Manifests: manifests}
}

// Classify implements Classifier.
func (c *PatternClassifier) Classify(a *job.Artifact, output string, kind job.FailureKind) (bool, string) {
	switch kind {
	case job.FailureProvision:
		return false, "the sandbox could not be provisioned; this is not a code problem"
	case job.FailureEnvironment:
		if c.Manifests != nil && c.Manifests.IsManifest(a.FilePath) {
			return true, ""
		}
		return false, "the build failed for environmental reasons; this is not a code problem"
	}
	if strings.TrimSpace(output) == "" {
		return false, "no build output for " + a.FilePath
	}
	if !c.Pattern.MatchString(output) {
		return false, "no recognisable compiler error in the output for " + a.FilePath
	}
	return true, ""
}

// CoachAgent implements Coach.
type CoachAgent struct {
	classifier Classifier
	logger     *logx.Logger
	deps       Deps
}

// NewCoach creates the Coach with the default classifier.
func NewCoach(deps Deps) *CoachAgent {
	deps.defaults()
	return &CoachAgent{
		deps:       deps,
		classifier: NewPatternClassifier(deps.Manifests),
		logger:     logx.NewLogger("coach"),
	}
}

// WithClassifier replaces the fixability heuristic.
func (c *CoachAgent) WithClassifier(cl Classifier) *CoachAgent {
	c.classifier = cl
	return c
}

type repairTarget struct {
	artifact *job.Artifact
	output   string
}

// Fix repairs each failing artifact through analysis, plan and rewrite.
// Any artifact the classifier rejects stops the whole fix before a model is
// called. Artifacts whose rewrite is unusable are skipped; the fix fails
// only when none is repaired. New versions are numbered for the next round.
func (c *CoachAgent) Fix(ctx context.Context, j *job.Job, req FixRequest, sink job.LogSink) FixResult {
	latest := latestFailure(req.Results)
	kind := job.FailureCode
	if latest != nil && latest.FailureKind != job.FailureNone {
		kind = latest.FailureKind
	}

	if len(req.Failing) == 0 {
		reason := "no failing artifact could be identified from the build output"
		emit(sink, j.ID, job.LogRoleCoach, job.LogError, "Cannot auto-fix: "+reason)
		return c.finish(j, req, latest, FixResult{Outcome: OutcomeUnfixable, Reason: reason})
	}

	targets := make([]repairTarget, 0, len(req.Failing))
	for _, a := range req.Failing {
		output := outputFor(a, latest)
		if ok, reason := c.classifier.Classify(a, output, kind); !ok {
			emit(sink, j.ID, job.LogRoleCoach, job.LogError, "Cannot auto-fix: "+reason)
			return c.finish(j, req, latest, FixResult{Outcome: OutcomeUnfixable, Reason: reason})
		}
		targets = append(targets, repairTarget{artifact: a, output: output})
	}

	history := ""
	if req.Memory != nil {
		history = req.Memory.CoachContext()
	}
	projectContext := ""
	if c.deps.Planning != nil {
		projectContext = c.deps.Planning.CompactContext(ctx, j.ID, c.deps.ContextBudget)
	}

	emit(sink, j.ID, job.LogRoleCoach, job.LogInfo, fmt.Sprintf("Repairing %d failing files (round %d)", len(targets), j.CurrentRound+1))

	var (
		fixed   []*job.Artifact
		report  strings.Builder
		lastErr error
	)
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return c.finish(j, req, latest, FixResult{Outcome: OutcomeError, Err: err, Report: report.String()})
		}

		analysis, next, err := c.repair(ctx, j, t, kind, history, projectContext, sink)
		fmt.Fprintf(&report, "### %s\n%s\n\n", t.artifact.FilePath, strings.TrimSpace(analysis))
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(j, req, latest, FixResult{Outcome: OutcomeError, Err: ctx.Err(), Report: report.String()})
			}
			lastErr = err
			c.logger.Warn("Job %s: no usable fix for %s: %v", j.ID, t.artifact.FilePath, err)
			emit(sink, j.ID, job.LogRoleCoach, job.LogWarn, fmt.Sprintf("Skipped %s: %s", t.artifact.FileName, oneLine(err.Error())))
			continue
		}
		fixed = append(fixed, next)
		emit(sink, j.ID, job.LogRoleCoach, job.LogSuccess, fmt.Sprintf("Repaired %s (v%d)", next.FilePath, next.Version))
	}

	if len(fixed) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no artifact could be repaired")
		}
		return c.finish(j, req, latest, FixResult{
			Outcome: OutcomeError,
			Err:     &job.StageFailure{Stage: job.StageCoach, Cause: fmt.Errorf("no artifact could be repaired: %w", lastErr), Attempts: c.deps.Attempts},
			Report:  report.String(),
		})
	}

	return c.finish(j, req, latest, FixResult{Outcome: OutcomeFixed, Fixed: fixed, Report: report.String()})
}

// repair runs the three-step chain for one artifact.
func (c *CoachAgent) repair(ctx context.Context, j *job.Job, t repairTarget, kind job.FailureKind, history, projectContext string, sink job.LogSink) (string, *job.Artifact, error) {
	a := t.artifact
	isManifest := c.deps.Manifests.IsManifest(a.FilePath)

	analysis, err := c.analyze(ctx, j, a.FileName, t.output, kind)
	if err != nil {
		c.logger.Warn("Job %s: analysis for %s failed, continuing without it: %v", j.ID, a.FilePath, err)
		analysis = "(analysis unavailable)"
	}

	plan, err := c.plan(ctx, j, a, t.output, analysis, history, projectContext)
	if err != nil {
		c.logger.Warn("Job %s: repair plan for %s failed, continuing without it: %v", j.ID, a.FilePath, err)
		plan = "(plan unavailable)"
	}

	tpl := templates.CoachFixTemplate
	if isManifest {
		tpl = templates.CoachManifestFixTemplate
	}
	data := &templates.TemplateData{
		FileName:       a.FileName,
		FilePath:       a.FilePath,
		Language:       a.Language,
		Content:        a.Content,
		CompilerOutput: t.output,
		FailureKind:    string(kind),
		Analysis:       analysis,
		Plan:           plan,
		History:        history,
		Context:        projectContext,
	}

	var next *job.Artifact
	fb := &fallback{deps: &c.deps, logger: c.logger, role: job.LogRoleCoach, stage: job.StageCoach}
	_, _, err = fb.run(ctx, j, router.TaskRepair, sink, func(ctx context.Context, client llm.LLMClient, _ router.Candidate, feedback *rejection) error {
		d := *data
		if feedback != nil {
			d.Plan = plan + "\n\nThe previous rewrite was rejected: " + feedback.reason
		}
		prompt, err := c.deps.Renderer.Render(tpl, &d)
		if err != nil {
			return err
		}
		raw, err := complete(ctx, client, prompt, llm.TemperatureDeterministic, 8000)
		if err != nil {
			return err
		}

		content := SanitizeFixedContent(raw, a.Language)
		if strings.TrimSpace(content) == "" {
			return reject("fix", "the rewrite was empty")
		}
		if content == strings.TrimSpace(a.Content) {
			return reject("fix", "the rewrite is identical to the failing file")
		}

		next = a.NextVersion(content, job.ProducerCoach)
		next.Round = j.CurrentRound + 1
		return nil
	})
	if err != nil {
		return analysis, nil, err
	}
	return analysis, next, nil
}

// AnalyzeError explains build output in a few lines. It makes a single
// call on the first analysis candidate.
func (c *CoachAgent) AnalyzeError(ctx context.Context, j *job.Job, fileName, output string) (string, error) {
	return c.analyze(ctx, j, fileName, output, job.FailureCode)
}

func (c *CoachAgent) analyze(ctx context.Context, j *job.Job, fileName, output string, kind job.FailureKind) (string, error) {
	if fileName == "" {
		fileName = "(project)"
	}
	prompt, err := c.deps.Renderer.Render(templates.CoachAnalyzeTemplate, &templates.TemplateData{
		FileName:       fileName,
		FailureKind:    string(kind),
		CompilerOutput: utils.TruncateChars(output, c.deps.CompilerOutputChars*2),
	})
	if err != nil {
		return "", err
	}
	return c.single(ctx, j, router.TaskAnalysis, prompt)
}

func (c *CoachAgent) plan(ctx context.Context, j *job.Job, a *job.Artifact, output, analysis, history, projectContext string) (string, error) {
	prompt, err := c.deps.Renderer.Render(templates.CoachPlanTemplate, &templates.TemplateData{
		FilePath:       a.FilePath,
		CompilerOutput: utils.TruncateChars(output, c.deps.CompilerOutputChars),
		Analysis:       analysis,
		History:        history,
		Context:        projectContext,
	})
	if err != nil {
		return "", err
	}
	return c.single(ctx, j, router.TaskAnalysis, prompt)
}

// single makes one call on the first candidate for task, without fallback.
func (c *CoachAgent) single(ctx context.Context, j *job.Job, task router.TaskType, prompt string) (string, error) {
	cand, err := c.deps.Router.Select(task, 0, nil)
	if err != nil {
		return "", err
	}
	client, err := c.deps.Clients.Client(cand.Provider, cand.Model)
	if err != nil {
		return "", err
	}
	callCtx := llm.WithCallInfo(ctx, llm.CallInfo{JobID: j.ID, Role: string(job.LogRoleCoach), Task: string(task), Provider: cand.Provider})
	out, err := complete(callCtx, client, prompt, llm.TemperatureDefault, 2000)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// finish records the attempt in session memory and on the result.
func (c *CoachAgent) finish(j *job.Job, req FixRequest, latest *job.ValidationResult, res FixResult) FixResult {
	files := make([]string, 0, len(req.Failing))
	if res.Outcome == OutcomeFixed {
		for _, a := range res.Fixed {
			files = append(files, a.FilePath)
		}
	} else {
		for _, a := range req.Failing {
			files = append(files, a.FilePath)
		}
	}

	attempt := job.NewRepairAttempt(j.ID, j.CurrentRound+1, files, res.Outcome == OutcomeFixed)
	sig := memory.SignatureOf(latest)
	attempt.Signature = sig.Hash
	attempt.ErrorClasses = sig.Classes
	if latest != nil {
		attempt.ErrorSummary = utils.TruncateChars(latest.Summary(), 500)
	}
	switch res.Outcome {
	case OutcomeFixed:
		attempt.Outcome = fmt.Sprintf("rewrote %d of %d files", len(res.Fixed), len(req.Failing))
	case OutcomeUnfixable:
		attempt.Outcome = "declined: " + res.Reason
	default:
		if res.Err != nil {
			attempt.Outcome = "failed: " + oneLine(res.Err.Error())
		}
	}

	if req.Memory != nil {
		req.Memory.AddRepairAttempt(attempt)
	}
	res.Attempt = &attempt
	return res
}

// latestFailure returns the most recent failing validation result.
func latestFailure(results []*job.ValidationResult) *job.ValidationResult {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i] != nil && !results[i].Passed {
			return results[i]
		}
	}
	return nil
}

// outputFor prefers output attached to the artifact, then the validation
// result's stderr, then its stdout.
func outputFor(a *job.Artifact, latest *job.ValidationResult) string {
	if strings.TrimSpace(a.CompilerOutput) != "" {
		return a.CompilerOutput
	}
	if latest != nil {
		return latest.Output()
	}
	return ""
}

var fencedBlockRe = regexp.MustCompile("(?s)```[\\w.+-]*[ \\t]*\\n(.*?)\\n?```")

// SanitizeFixedContent keeps the first fenced block of a reply, or the whole
// reply when it has none. For Java it also drops anything before the package
// declaration and after the final closing brace.
func SanitizeFixedContent(raw, language string) string {
	s := strings.TrimSpace(raw)
	if m := fencedBlockRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else {
		s = stripFence(s)
	}
	if strings.EqualFold(language, "java") {
		if i := strings.Index(s, "package "); i > 0 {
			s = s[i:]
		}
		if i := strings.LastIndex(s, "}"); i >= 0 {
			s = s[:i+1]
		}
	}
	return strings.TrimSpace(s)
}
