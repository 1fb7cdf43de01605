// Package templates provides the prompt templates used by the Architect, Coder and Coach agents.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering. Each template reads
// only the fields it needs.
type TemplateData struct {
	Extra       map[string]any `json:"extra,omitempty"`
	Requirement string         `json:"requirement,omitempty"`
	Contract    string         `json:"contract,omitempty"`
	Schema      string         `json:"schema,omitempty"`
	// Blueprint is the rendered list of required tables and columns.
	Blueprint string `json:"blueprint,omitempty"`
	// Context is the compacted planning snapshot.
	Context string `json:"context,omitempty"`
	// Feedback carries the reason the previous attempt was rejected.
	Feedback string `json:"feedback,omitempty"`
	Raw      string `json:"raw,omitempty"`
	// Repair inputs.
	FileName       string `json:"file_name,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	Language       string `json:"language,omitempty"`
	Content        string `json:"content,omitempty"`
	CompilerOutput string `json:"compiler_output,omitempty"`
	FailureKind    string `json:"failure_kind,omitempty"`
	Analysis       string `json:"analysis,omitempty"`
	Plan           string `json:"plan,omitempty"`
	History        string `json:"history,omitempty"`
}

// StateTemplate names an embedded template.
type StateTemplate string

const (
	// ArchitectContractTemplate asks for the OpenAPI contract.
	ArchitectContractTemplate StateTemplate = "architect_contract.tpl.md"
	// ArchitectSchemaTemplate asks for the SQL schema given the contract.
	ArchitectSchemaTemplate StateTemplate = "architect_schema.tpl.md"
	// CoderTemplate asks for the full file set as JSON.
	CoderTemplate StateTemplate = "coder.tpl.md"
	// JSONRepairTemplate asks the model to restate malformed output as strict JSON.
	JSONRepairTemplate StateTemplate = "json_repair.tpl.md"
	// CoachAnalyzeTemplate is the first step of the repair chain.
	CoachAnalyzeTemplate StateTemplate = "coach_analyze.tpl.md"
	// CoachPlanTemplate is the second step of the repair chain.
	CoachPlanTemplate StateTemplate = "coach_plan.tpl.md"
	// CoachFixTemplate produces the replacement source file.
	CoachFixTemplate StateTemplate = "coach_fix.tpl.md"
	// CoachManifestFixTemplate produces the replacement build manifest.
	CoachManifestFixTemplate StateTemplate = "coach_manifest_fix.tpl.md"
)

// All lists every template the renderer loads.
var All = []StateTemplate{
	ArchitectContractTemplate,
	ArchitectSchemaTemplate,
	CoderTemplate,
	JSONRepairTemplate,
	CoachAnalyzeTemplate,
	CoachPlanTemplate,
	CoachFixTemplate,
	CoachManifestFixTemplate,
}

// Renderer handles template rendering for agent prompts.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[StateTemplate]*template.Template),
	}

	for _, name := range All {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"contains": strings.Contains,
			"trim":     strings.TrimSpace,
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// MustRenderer is NewRenderer for package-level wiring; embedded templates
// either parse or the binary is broken.
func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return buf.String(), nil
}

// GetAvailableTemplates returns a list of all available templates.
func (r *Renderer) GetAvailableTemplates() []StateTemplate {
	templates := make([]StateTemplate, 0, len(r.templates))
	for name := range r.templates {
		templates = append(templates, name)
	}
	return templates
}
