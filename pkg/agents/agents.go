// Package agents implements the three pipeline roles: the Architect designs
// the API contract and database schema, the Coder generates the project and
// the Coach repairs files that fail to build.
//
// Every model call goes through the router. A failed attempt (provider
// error, timeout or a rejected response) is reported back to the router,
// which picks the next candidate; the reason is fed into the next prompt
// when it is about the output itself. Attempts are strictly sequential.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"g3/pkg/agent"
	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
	"g3/pkg/config"
	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/planning"
	"g3/pkg/router"
	"g3/pkg/sandbox"
	"g3/pkg/templates"
)

// Architect produces the contract and schema for a job.
type Architect interface {
	Design(ctx context.Context, j *job.Job, sink job.LogSink) (*Design, error)
}

// Coder produces the first artifact set for a job.
type Coder interface {
	Generate(ctx context.Context, j *job.Job, round int, sink job.LogSink) ([]*job.Artifact, error)
}

// Coach repairs failing artifacts.
type Coach interface {
	Fix(ctx context.Context, j *job.Job, req FixRequest, sink job.LogSink) FixResult
}

// Design is the Architect's output.
type Design struct {
	ContractYAML string
	SchemaSQL    string
	Provider     string
	Model        string
	Attempts     int
}

// ErrPrecondition means a stage was invoked on a job that lacks its inputs.
var ErrPrecondition = errors.New("stage precondition not met")

// DefaultAttempts is the router attempt budget per stage.
const DefaultAttempts = 3

// Deps are the collaborators shared by the agents.
type Deps struct {
	Router    *router.Router
	Clients   agent.ClientSource
	Renderer  *templates.Renderer
	Planning  *planning.Store
	Manifests *sandbox.ManifestMatcher
	// Attempts bounds router fallback per stage.
	Attempts int
	// ContextBudget caps the compacted planning snapshot in tokens.
	ContextBudget int
	// CompilerOutputChars caps build output quoted in repair plans.
	CompilerOutputChars int
}

// DepsFromConfig fills the numeric limits from configuration.
func DepsFromConfig(cfg *config.Config, r *router.Router, clients agent.ClientSource, store *planning.Store) Deps {
	return Deps{
		Router:              r,
		Clients:             clients,
		Renderer:            templates.MustRenderer(),
		Planning:            store,
		Manifests:           sandbox.NewManifestMatcher(cfg.Sandbox.ManifestGlobs),
		Attempts:            cfg.Agents.RouteAttempts,
		ContextBudget:       cfg.Agents.ContextTokenBudget,
		CompilerOutputChars: cfg.Agents.CompilerOutputChars,
	}
}

func (d *Deps) defaults() {
	if d.Attempts <= 0 {
		d.Attempts = DefaultAttempts
	}
	if d.ContextBudget <= 0 {
		d.ContextBudget = 1500
	}
	if d.CompilerOutputChars <= 0 {
		d.CompilerOutputChars = 2000
	}
	if d.Renderer == nil {
		d.Renderer = templates.MustRenderer()
	}
	if d.Manifests == nil {
		d.Manifests = sandbox.NewManifestMatcher(nil)
	}
}

// rejection is a response that reached the model but failed a check. Its
// message is shown to the model on the next attempt.
type rejection struct {
	part   string
	reason string
}

func (r *rejection) Error() string {
	return r.part + " rejected: " + r.reason
}

func reject(part, format string, args ...any) error {
	return &rejection{part: part, reason: fmt.Sprintf(format, args...)}
}

// attemptFunc runs one routed attempt. feedback holds the last rejection, if any.
type attemptFunc func(ctx context.Context, client llm.LLMClient, cand router.Candidate, feedback *rejection) error

// fallback drives the router attempt loop for one stage.
type fallback struct {
	deps   *Deps
	logger *logx.Logger
	role   job.LogRole
	stage  job.Stage
}

// run returns the candidate that succeeded and the number of attempts used,
// or a StageFailure carrying the last error once the budget is spent.
func (f *fallback) run(ctx context.Context, j *job.Job, task router.TaskType, sink job.LogSink, fn attemptFunc) (router.Candidate, int, error) {
	var (
		last     *router.Failure
		lastErr  error
		feedback *rejection
	)
	for attempt := 0; attempt < f.deps.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return router.Candidate{}, attempt, err
		}

		cand, err := f.deps.Router.Select(task, attempt, last)
		if err != nil {
			return router.Candidate{}, attempt, &job.StageFailure{Stage: f.stage, Cause: err, Attempts: attempt}
		}

		client, err := f.deps.Clients.Client(cand.Provider, cand.Model)
		if err == nil {
			callCtx := llm.WithCallInfo(ctx, llm.CallInfo{
				JobID:    j.ID,
				Role:     string(f.role),
				Task:     string(task),
				Provider: cand.Provider,
			})
			err = fn(callCtx, client, cand, feedback)
		}
		if err == nil {
			return cand, attempt + 1, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cand, attempt + 1, ctxErr
		}

		lastErr = err
		last = &router.Failure{Candidate: cand, Reason: err.Error(), Attempt: attempt}
		var rej *rejection
		if errors.As(err, &rej) {
			feedback = rej
		}
		f.logger.Warn("Job %s: %s attempt %d/%d on %s failed: %v", j.ID, f.stage, attempt+1, f.deps.Attempts, cand, err)
		emit(sink, j.ID, f.role, job.LogWarn, fmt.Sprintf("attempt %d/%d on %s failed: %s", attempt+1, f.deps.Attempts, cand, oneLine(err.Error())))
	}
	return router.Candidate{}, f.deps.Attempts, &job.StageFailure{Stage: f.stage, Cause: lastErr, Attempts: f.deps.Attempts}
}

// complete sends a single user prompt and rejects blank replies.
func complete(ctx context.Context, client llm.LLMClient, prompt string, temperature float32, maxTokens int) (string, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	req.Temperature = temperature
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "model returned an empty response")
	}
	return resp.Content, nil
}

func emit(sink job.LogSink, jobID string, role job.LogRole, level job.LogLevel, msg string) {
	if sink == nil {
		return
	}
	sink(job.NewLogEntry(jobID, role, level, msg))
}

func oneLine(s string) string {
	return truncate(strings.Join(strings.Fields(s), " "), 200)
}

// stripFence removes a leading ```lang line and a trailing ``` line.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = ""
		}
	}
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
