package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"g3/pkg/agent/llm"
	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/router"
	"g3/pkg/templates"
)

// GeneratedFile is one entry of the Coder's structured reply.
type GeneratedFile struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// CoderAgent implements Coder for the backend stack.
type CoderAgent struct {
	deps     Deps
	logger   *logx.Logger
	producer job.Producer
}

// NewCoder creates the backend Coder.
func NewCoder(deps Deps) *CoderAgent {
	deps.defaults()
	return &CoderAgent{deps: deps, logger: logx.NewLogger("coder"), producer: job.ProducerBackendCoder}
}

// Generate asks for the full project as JSON. Every fallback attempt is a
// fresh generation. Entries with a blank path or blank content are dropped;
// an attempt that leaves nothing is rejected.
func (c *CoderAgent) Generate(ctx context.Context, j *job.Job, round int, sink job.LogSink) ([]*job.Artifact, error) {
	if err := checkCoderInputs(j); err != nil {
		return nil, &job.StageFailure{Stage: job.StageCoder, Cause: err}
	}

	projectContext := ""
	if c.deps.Planning != nil {
		projectContext = c.deps.Planning.CompactContext(ctx, j.ID, c.deps.ContextBudget)
	}
	blueprint := RenderBlueprint(j.Blueprint)

	emit(sink, j.ID, job.LogRoleCoder, job.LogInfo, "Generating backend code...")

	var artifacts []*job.Artifact
	fb := &fallback{deps: &c.deps, logger: c.logger, role: job.LogRoleCoder, stage: job.StageCoder}
	cand, _, err := fb.run(ctx, j, router.TaskCodegen, sink, func(ctx context.Context, client llm.LLMClient, cand router.Candidate, feedback *rejection) error {
		data := &templates.TemplateData{
			Requirement: j.Requirement,
			Contract:    j.ContractYAML,
			Schema:      j.DBSchemaSQL,
			Blueprint:   blueprint,
			Context:     projectContext,
		}
		if feedback != nil {
			data.Feedback = feedback.reason
		}
		prompt, err := c.deps.Renderer.Render(templates.CoderTemplate, data)
		if err != nil {
			return err
		}

		raw, err := complete(ctx, client, prompt, llm.TemperatureDeterministic, 16000)
		if err != nil {
			return err
		}

		files, parseErr := ParseGeneratedFiles(raw)
		if parseErr != nil && c.deps.Router.StrictJSON(cand.Provider) {
			c.logger.Info("Job %s: %s returned malformed JSON, requesting a structured rewrite", j.ID, cand)
			emit(sink, j.ID, job.LogRoleCoder, job.LogWarn, "Response was not valid JSON, asking the model to repair it")
			files, parseErr = c.repairJSON(ctx, client, raw)
		}
		if parseErr != nil {
			return reject("files", "response is not a valid file list: %v", parseErr)
		}

		kept := FilterGeneratedFiles(files)
		if dropped := len(files) - len(kept); dropped > 0 {
			c.logger.Debug("Job %s: dropped %d blank entries", j.ID, dropped)
		}
		if len(kept) == 0 {
			return reject("files", "no file with both a path and content")
		}

		artifacts = make([]*job.Artifact, 0, len(kept))
		for _, f := range kept {
			a := job.NewArtifact(j.ID, f.FilePath, f.Content, c.producer, round)
			if lang := strings.ToLower(strings.TrimSpace(f.Language)); lang != "" {
				a.Language = lang
			}
			artifacts = append(artifacts, a)
		}
		return nil
	})
	if err != nil {
		emit(sink, j.ID, job.LogRoleCoder, job.LogError, "Code generation failed: "+oneLine(err.Error()))
		return nil, err
	}

	emit(sink, j.ID, job.LogRoleCoder, job.LogSuccess, fmt.Sprintf("Generated %d files (%s)", len(artifacts), cand))
	return artifacts, nil
}

func (c *CoderAgent) repairJSON(ctx context.Context, client llm.LLMClient, raw string) ([]GeneratedFile, error) {
	prompt, err := c.deps.Renderer.Render(templates.JSONRepairTemplate, &templates.TemplateData{Raw: raw})
	if err != nil {
		return nil, err
	}
	fixed, err := complete(ctx, client, prompt, llm.TemperatureDeterministic, 16000)
	if err != nil {
		return nil, fmt.Errorf("json repair call failed: %w", err)
	}
	return ParseGeneratedFiles(fixed)
}

func checkCoderInputs(j *job.Job) error {
	var missing []string
	if strings.TrimSpace(j.Requirement) == "" {
		missing = append(missing, "requirement")
	}
	if strings.TrimSpace(j.ContractYAML) == "" {
		missing = append(missing, "contract")
	}
	if strings.TrimSpace(j.DBSchemaSQL) == "" {
		missing = append(missing, "schema")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: job has no %s", ErrPrecondition, strings.Join(missing, ", "))
	}
	return nil
}

// ParseGeneratedFiles decodes {"files":[...]} from a model reply, tolerating
// code fences and prose around the object. A bare array is accepted too.
func ParseGeneratedFiles(raw string) ([]GeneratedFile, error) {
	s := stripFence(raw)

	if strings.HasPrefix(s, "[") {
		var files []GeneratedFile
		if err := json.Unmarshal([]byte(s), &files); err == nil {
			return files, nil
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found")
	}

	var payload struct {
		Files []GeneratedFile `json:"files"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &payload); err != nil {
		return nil, err
	}
	if payload.Files == nil {
		return nil, fmt.Errorf(`missing "files" array`)
	}
	return payload.Files, nil
}

// FilterGeneratedFiles drops entries with a blank path or blank content. A
// path listed twice keeps its last entry at the position of the first.
func FilterGeneratedFiles(files []GeneratedFile) []GeneratedFile {
	index := make(map[string]int, len(files))
	out := make([]GeneratedFile, 0, len(files))
	for _, f := range files {
		f.FilePath = strings.TrimPrefix(strings.TrimSpace(f.FilePath), "./")
		if f.FilePath == "" || strings.TrimSpace(f.Content) == "" {
			continue
		}
		if i, dup := index[f.FilePath]; dup {
			out[i] = f
			continue
		}
		index[f.FilePath] = len(out)
		out = append(out, f)
	}
	return out
}
