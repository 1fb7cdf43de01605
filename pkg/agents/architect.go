package agents

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"g3/pkg/agent/llm"
	"g3/pkg/job"
	"g3/pkg/logx"
	"g3/pkg/planning"
	"g3/pkg/router"
	"g3/pkg/templates"
)

var (
	contractAnchor = regexp.MustCompile(`(?im)^[ \t]*openapi[ \t]*:`)
	schemaAnchor   = regexp.MustCompile(`(?i)create\s+table`)
)

// requiredContractFields must appear at the top level of the contract.
var requiredContractFields = []string{"openapi", "info", "paths"}

// ArchitectAgent implements Architect.
type ArchitectAgent struct {
	deps   Deps
	logger *logx.Logger
}

// NewArchitect creates the Architect.
func NewArchitect(deps Deps) *ArchitectAgent {
	deps.defaults()
	return &ArchitectAgent{deps: deps, logger: logx.NewLogger("architect")}
}

// Design generates the contract, then the schema with the contract as
// context. Both must pass their gates within one attempt; a rejection of
// either restarts the attempt on the next routed candidate.
func (a *ArchitectAgent) Design(ctx context.Context, j *job.Job, sink job.LogSink) (*Design, error) {
	if strings.TrimSpace(j.Requirement) == "" {
		return nil, &job.StageFailure{Stage: job.StageArchitect, Cause: fmt.Errorf("%w: blank requirement", ErrPrecondition)}
	}

	emit(sink, j.ID, job.LogRoleArchitect, job.LogInfo, "Analysing requirement: "+truncate(j.Requirement, 60))
	blueprint := RenderBlueprint(j.Blueprint)

	var design Design
	fb := &fallback{deps: &a.deps, logger: a.logger, role: job.LogRoleArchitect, stage: job.StageArchitect}
	cand, attempts, err := fb.run(ctx, j, router.TaskDesign, sink, func(ctx context.Context, client llm.LLMClient, _ router.Candidate, feedback *rejection) error {
		contractFeedback, schemaFeedback := "", ""
		if feedback != nil {
			if feedback.part == "contract" {
				contractFeedback = feedback.reason
			} else {
				schemaFeedback = feedback.reason
			}
		}

		emit(sink, j.ID, job.LogRoleArchitect, job.LogInfo, "Generating API contract...")
		prompt, err := a.deps.Renderer.Render(templates.ArchitectContractTemplate, &templates.TemplateData{
			Requirement: j.Requirement,
			Feedback:    contractFeedback,
		})
		if err != nil {
			return err
		}
		raw, err := complete(ctx, client, prompt, llm.TemperatureDefault, 8000)
		if err != nil {
			return err
		}
		contract := SanitizeContract(raw)
		if err := ValidateContract(contract); err != nil {
			return err
		}
		emit(sink, j.ID, job.LogRoleArchitect, job.LogSuccess, "API contract generated")

		emit(sink, j.ID, job.LogRoleArchitect, job.LogInfo, "Generating database schema...")
		prompt, err = a.deps.Renderer.Render(templates.ArchitectSchemaTemplate, &templates.TemplateData{
			Requirement: j.Requirement,
			Contract:    contract,
			Blueprint:   blueprint,
			Feedback:    schemaFeedback,
		})
		if err != nil {
			return err
		}
		raw, err = complete(ctx, client, prompt, llm.TemperatureDeterministic, 4000)
		if err != nil {
			return err
		}
		schema := SanitizeSchema(raw)
		if err := ValidateSchema(schema); err != nil {
			return err
		}
		if violations := CheckBlueprint(schema, j.Blueprint); len(violations) > 0 {
			return reject("schema", "blueprint violations:\n- %s", strings.Join(violations, "\n- "))
		}
		if j.BlueprintEnabled {
			emit(sink, j.ID, job.LogRoleArchitect, job.LogSuccess, "Blueprint compliance passed")
		}

		design = Design{ContractYAML: contract, SchemaSQL: schema}
		return nil
	})
	if err != nil {
		emit(sink, j.ID, job.LogRoleArchitect, job.LogError, "Architecture design failed: "+oneLine(err.Error()))
		return nil, err
	}

	design.Provider, design.Model, design.Attempts = cand.Provider, cand.Model, attempts
	emit(sink, j.ID, job.LogRoleArchitect, job.LogSuccess, fmt.Sprintf("Architecture design complete (%s)", cand))
	return &design, nil
}

// SanitizeContract strips prose and code fences and anchors on the first
// openapi key.
func SanitizeContract(raw string) string {
	return anchored(raw, contractAnchor)
}

// SanitizeSchema strips prose and code fences and anchors on the first
// CREATE TABLE.
func SanitizeSchema(raw string) string {
	return anchored(raw, schemaAnchor)
}

func anchored(raw string, anchor *regexp.Regexp) string {
	s := strings.TrimSpace(raw)
	if loc := anchor.FindStringIndex(s); loc != nil {
		s = s[loc[0]:]
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(s)
	}
	return stripFence(s)
}

// ValidateContract checks that the contract parses and carries the mandatory
// top-level fields of an OpenAPI 3 document.
func ValidateContract(contract string) error {
	if strings.TrimSpace(contract) == "" {
		return reject("contract", "empty document")
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(contract), &doc); err != nil {
		return reject("contract", "not valid YAML: %v", err)
	}
	var missing []string
	for _, field := range requiredContractFields {
		if _, ok := doc[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return reject("contract", "missing top-level field(s): %s", strings.Join(missing, ", "))
	}
	if v := strings.TrimSpace(fmt.Sprint(doc["openapi"])); !strings.HasPrefix(v, "3") {
		return reject("contract", "openapi version %q is not 3.x", v)
	}
	return nil
}

// ValidateSchema checks for at least one table with a primary key.
func ValidateSchema(schema string) error {
	if strings.TrimSpace(schema) == "" {
		return reject("schema", "empty document")
	}
	upper := strings.ToUpper(schema)
	if !strings.Contains(upper, "CREATE TABLE") {
		return reject("schema", "no CREATE TABLE statement")
	}
	if !strings.Contains(upper, "PRIMARY KEY") {
		return reject("schema", "no PRIMARY KEY declaration")
	}
	return nil
}

// CheckBlueprint lists the ways schema departs from bp. Only UUID column
// types are enforced; other type names vary too much between dialects.
func CheckBlueprint(schema string, bp *job.Blueprint) []string {
	if bp.IsEmpty() {
		return nil
	}

	tables := make(map[string]planning.Entity)
	for _, e := range planning.SchemaEntities(schema) {
		tables[strings.ToLower(e.Name)] = e
	}

	var violations []string
	for _, t := range bp.Schema {
		name := strings.TrimSpace(t.TableName)
		if name == "" {
			continue
		}
		table, ok := tables[strings.ToLower(name)]
		if !ok {
			violations = append(violations, "missing required table: "+name)
			continue
		}
		cols := make(map[string]string, len(table.Attributes))
		for _, attr := range table.Attributes {
			cols[strings.ToLower(attr.Name)] = attr.Type
		}
		for _, c := range t.Columns {
			col := strings.TrimSpace(c.Name)
			// Composite key placeholders name the constraint, not a column.
			if col == "" || strings.EqualFold(col, "PRIMARY KEY") {
				continue
			}
			typ, ok := cols[strings.ToLower(col)]
			if !ok {
				violations = append(violations, fmt.Sprintf("table %s is missing required column: %s", name, col))
				continue
			}
			if strings.EqualFold(c.Type, "UUID") && !strings.HasPrefix(strings.ToUpper(typ), "UUID") {
				violations = append(violations, fmt.Sprintf("table %s column %s must be UUID, got %s", name, col, typ))
			}
		}
	}
	return violations
}

// RenderBlueprint formats a blueprint as a bullet list for prompts.
func RenderBlueprint(bp *job.Blueprint) string {
	if bp.IsEmpty() {
		return ""
	}
	tables := append([]job.BlueprintTable(nil), bp.Schema...)
	sort.SliceStable(tables, func(i, k int) bool { return tables[i].TableName < tables[k].TableName })

	var sb strings.Builder
	for _, t := range tables {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			if c.Type != "" {
				cols = append(cols, fmt.Sprintf("%s (%s)", c.Name, c.Type))
			} else {
				cols = append(cols, c.Name)
			}
		}
		fmt.Fprintf(&sb, "- %s: %s\n", t.TableName, strings.Join(cols, ", "))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
