package planning

import (
	"fmt"
	"regexp"
	"strings"
)

const timeLayout = "2006-01-02 15:04:05"

// Phase is a numbered step of the task plan.
type Phase int

const (
	PhaseDesign Phase = iota + 1
	PhaseEntities
	PhaseMappers
	PhaseDTOs
	PhaseServices
	PhaseControllers
	PhaseValidation
	PhaseRepair
)

var phaseTitles = map[Phase]string{
	PhaseDesign:      "Architecture design (Architect)",
	PhaseEntities:    "Entity generation",
	PhaseMappers:     "Mapper generation",
	PhaseDTOs:        "DTO generation",
	PhaseServices:    "Service generation",
	PhaseControllers: "Controller generation",
	PhaseValidation:  "Compile validation",
	PhaseRepair:      "Repair and polish (Coach)",
}

// Title returns the checklist label of a phase.
func (p Phase) Title() string {
	return phaseTitles[p]
}

// Section headings. Structured operations locate content by these.
const (
	headStatus    = "## Current status"
	headDecisions = "## Decisions"
	headErrors    = "## Errors"
	headFiles     = "## Files to generate"

	headEntities = "## Entity design"
	headAPIs     = "## API design"
	headProblems = "## Problems and solutions"

	headGenerated  = "## Generated files"
	headImports    = "## Import index"
	headSignatures = "## Class signatures"
	headGraph      = "## Dependency graph"

	placeholderRow3 = "| - | - | - |\n"
	placeholderRow5 = "| - | - | - | - | - |\n"
	pendingMarker   = "*none yet*\n"
)

// Class kinds indexed in the context document.
const (
	KindEntity  = "entity"
	KindMapper  = "mapper"
	KindService = "service"
)

// PlannedFile is one row of the task plan file list.
type PlannedFile struct {
	Path   string
	Type   string
	Status string
}

// Entity is one table described in the notes.
type Entity struct {
	Name        string
	Description string
	Attributes  []Attribute
}

// Attribute is one column of an Entity.
type Attribute struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// API is one operation of the contract described in the notes.
type API struct {
	Method       string
	Path         string
	Description  string
	RequestBody  string
	ResponseBody string
}

func initialTaskPlan(project, requirement, ts string) string {
	if requirement == "" {
		requirement = "To be defined"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task plan: %s\n\n", project)
	sb.WriteString("## Meta\n")
	fmt.Fprintf(&sb, "- **Created**: %s\n", ts)
	fmt.Fprintf(&sb, "- **Project**: %s\n\n", project)
	sb.WriteString("## Goal\n")
	sb.WriteString(requirement + "\n\n")
	sb.WriteString("## Phases\n")
	for p := PhaseDesign; p <= PhaseRepair; p++ {
		fmt.Fprintf(&sb, "- [ ] Phase %d: %s\n", p, p.Title())
	}
	sb.WriteString("\n")
	sb.WriteString(statusBlock(fmt.Sprintf("Phase 1 - %s", PhaseDesign.Title()), 0, "in progress"))
	sb.WriteString("\n")
	sb.WriteString(headDecisions + "\n")
	sb.WriteString("| Time | Decision | Reason |\n")
	sb.WriteString("|------|----------|--------|\n")
	fmt.Fprintf(&sb, "| %s | Task plan created | initialisation |\n\n", ts)
	sb.WriteString(headErrors + "\n")
	sb.WriteString("| Time | Error | Resolution |\n")
	sb.WriteString("|------|-------|------------|\n")
	sb.WriteString(placeholderRow3 + "\n")
	sb.WriteString(headFiles + "\n")
	sb.WriteString("*Determined during architecture design*\n")
	return sb.String()
}

func initialNotes(project, ts string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Notes: %s\n\n", project)
	fmt.Fprintf(&sb, "*Created: %s*\n\n", ts)
	sb.WriteString("## Architecture\n\n")
	sb.WriteString("### Stack\n")
	sb.WriteString("- **Backend**: Spring Boot 3\n")
	sb.WriteString("- **ORM**: MyBatis-Plus\n")
	sb.WriteString("- **Database**: PostgreSQL 15\n\n")
	sb.WriteString(headEntities + "\n\n")
	sb.WriteString("*Filled in after architecture design*\n\n")
	sb.WriteString(headAPIs + "\n\n")
	sb.WriteString("*Filled in after architecture design*\n\n")
	sb.WriteString(headProblems + "\n\n")
	sb.WriteString("| Problem | Solution | Reference |\n")
	sb.WriteString("|---------|----------|-----------|\n")
	sb.WriteString(placeholderRow3)
	return sb.String()
}

func initialContext(project, basePackage, ts string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Project context: %s\n\n", project)
	fmt.Fprintf(&sb, "*Last updated: %s*\n\n", ts)
	sb.WriteString("## Project\n\n")
	fmt.Fprintf(&sb, "- **Base package**: %s\n", basePackage)
	fmt.Fprintf(&sb, "- **Project**: %s\n\n", project)
	sb.WriteString(headGenerated + "\n\n")
	sb.WriteString("| Path | Class | Type | Status | Generated |\n")
	sb.WriteString("|------|-------|------|--------|-----------|\n")
	sb.WriteString(placeholderRow5 + "\n")
	sb.WriteString(headImports + "\n\n")
	sb.WriteString("*Classes available to import:*\n\n")
	for _, kind := range []string{KindEntity, KindMapper, KindService} {
		sb.WriteString(importTitle(kind) + "\n")
		sb.WriteString("```java\n// none yet\n```\n\n")
	}
	sb.WriteString(headSignatures + "\n\n")
	sb.WriteString("*Methods available to later agents:*\n\n")
	sb.WriteString(signatureTitle(KindEntity) + "\n")
	sb.WriteString(pendingMarker + "\n")
	sb.WriteString(signatureTitle(KindService) + "\n")
	sb.WriteString(pendingMarker + "\n")
	sb.WriteString(headGraph + "\n\n")
	sb.WriteString("```\nEntity -> Mapper -> Service -> Controller\n```\n")
	return sb.String()
}

func statusBlock(phase string, progress int, state string) string {
	return fmt.Sprintf("%s\n**Phase**: %s\n**Progress**: %d%%\n**State**: %s\n", headStatus, phase, progress, state)
}

func setPhase(content string, phase Phase, completed bool) string {
	open := fmt.Sprintf("- [ ] Phase %d:", phase)
	done := fmt.Sprintf("- [x] Phase %d:", phase)
	if completed {
		return strings.Replace(content, open, done, 1)
	}
	return strings.Replace(content, done, open, 1)
}

// insertRow appends row to the table that ends right before heading. The
// 3-column placeholder row of that table is dropped.
func insertRow(content, heading, row string) string {
	pos := strings.Index(content, heading)
	if pos <= 0 {
		return content + row
	}
	before := strings.TrimRight(content[:pos], "\n")
	if i := strings.LastIndex(before, "\n"); i >= 0 && before[i+1:]+"\n" == placeholderRow3 {
		before = before[:i]
	}
	return before + "\n" + row + "\n" + content[pos:]
}

func appendDecision(content, ts, decision, reason string) string {
	return insertRow(content, headErrors, fmt.Sprintf("| %s | %s | %s |\n", ts, cell(decision), cell(reason)))
}

func appendError(content, ts, errText, resolution string) string {
	return insertRow(content, headFiles, fmt.Sprintf("| %s | %s | %s |\n", ts, cell(errText), cell(resolution)))
}

func updateStatus(content, phase string, progress int, state string) string {
	return replaceSection(content, headStatus, statusBlock(phase, progress, state))
}

func updateFileList(content string, files []PlannedFile) string {
	var sb strings.Builder
	sb.WriteString(headFiles + "\n\n")
	sb.WriteString("| Path | Type | Status |\n")
	sb.WriteString("|------|------|--------|\n")
	for _, f := range files {
		status := f.Status
		if status == "" {
			status = "pending"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", f.Path, f.Type, status)
	}
	pos := strings.Index(content, headFiles)
	if pos <= 0 {
		return content + "\n" + sb.String()
	}
	return content[:pos] + sb.String()
}

func addEntityDesign(content string, entities []Entity) string {
	var sb strings.Builder
	sb.WriteString(headEntities + "\n\n")
	for _, e := range entities {
		fmt.Fprintf(&sb, "### %s\n%s\n\n", e.Name, e.Description)
		if len(e.Attributes) == 0 {
			continue
		}
		sb.WriteString("| Field | Type | Required | Description |\n")
		sb.WriteString("|-------|------|----------|-------------|\n")
		for _, a := range e.Attributes {
			req := "no"
			if a.Required {
				req = "yes"
			}
			desc := a.Description
			if desc == "" {
				desc = "-"
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", a.Name, a.Type, req, cell(desc))
		}
		sb.WriteString("\n")
	}
	return replaceSection(content, headEntities, sb.String())
}

func addAPIDesign(content string, apis []API) string {
	var sb strings.Builder
	sb.WriteString(headAPIs + "\n\n")
	sb.WriteString("| Method | Path | Description | Request | Response |\n")
	sb.WriteString("|--------|------|-------------|---------|----------|\n")
	for _, a := range apis {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n", a.Method, a.Path, cell(a.Description), orDash(a.RequestBody), orDash(a.ResponseBody))
	}
	sb.WriteString("\n")
	return replaceSection(content, headAPIs, sb.String())
}

func addProblemSolution(content, problem, solution, reference string) string {
	content = strings.Replace(content, headProblems+"\n\n| Problem | Solution | Reference |\n|---------|----------|-----------|\n"+placeholderRow3,
		headProblems+"\n\n| Problem | Solution | Reference |\n|---------|----------|-----------|\n", 1)
	row := fmt.Sprintf("| %s | %s | %s |\n", cell(problem), cell(solution), orDash(reference))
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + row
}

func addGeneratedFile(content, ts, filePath, className, fileType, status string) string {
	pos := strings.Index(content, headImports)
	if pos <= 0 {
		return content
	}
	before := strings.Replace(content[:pos], placeholderRow5, "", 1)
	before = strings.TrimRight(before, "\n")
	row := fmt.Sprintf("| %s | %s | %s | %s | %s |\n", filePath, orDash(className), fileType, status, ts)
	return before + "\n" + row + "\n" + content[pos:]
}

func importTitle(kind string) string {
	switch strings.ToLower(kind) {
	case KindEntity:
		return "### Entity classes"
	case KindMapper:
		return "### Mapper classes"
	case KindService:
		return "### Service classes"
	}
	return "### " + kind
}

func signatureTitle(kind string) string {
	switch strings.ToLower(kind) {
	case KindEntity:
		return "### Entity signatures"
	case KindService:
		return "### Service signatures"
	}
	return "### " + kind + " signatures"
}

func updateImportIndex(content, kind string, imports []string) string {
	title := importTitle(kind)
	var sb strings.Builder
	sb.WriteString(title + "\n```java\n")
	for _, imp := range imports {
		fmt.Fprintf(&sb, "import %s;\n", imp)
	}
	sb.WriteString("```\n")
	re := regexp.MustCompile(regexp.QuoteMeta(title) + "\\n```java\\n[\\s\\S]*?```\\n")
	loc := re.FindStringIndex(content)
	if loc == nil {
		return content
	}
	return content[:loc[0]] + sb.String() + content[loc[1]:]
}

func addClassSignature(content, kind, className, signature string) string {
	title := signatureTitle(kind)
	entry := fmt.Sprintf("\n#### %s\n```java\n%s\n```\n", className, signature)
	pos := strings.Index(content, title)
	if pos <= 0 {
		return content + entry
	}
	insert := len(content)
	if next := strings.Index(content[pos+len(title):], "\n### "); next >= 0 {
		insert = pos + len(title) + next
	} else if graph := strings.Index(content, headGraph); graph > pos {
		insert = graph - 1
	}
	body := strings.Replace(content[pos+len(title):insert], pendingMarker, "", 1)
	before := strings.TrimRight(content[:pos+len(title)]+body, "\n") + "\n"
	return before + entry + content[insert:]
}

func compactContext(content string) string {
	var sb strings.Builder
	sb.WriteString("# Available classes\n\n")
	if start, end := strings.Index(content, headImports), strings.Index(content, headSignatures); start > 0 && end > start {
		sb.WriteString(content[start:end])
	}
	sb.WriteString("\n## Key methods\n\n")
	if start, end := strings.Index(content, headSignatures), strings.Index(content, headGraph); start > 0 && end > start {
		sb.WriteString(content[start:end])
	}
	return sb.String()
}

// replaceSection swaps the block starting at heading, up to the next "## "
// heading, for block.
func replaceSection(content, heading, block string) string {
	start := strings.Index(content, heading)
	if start < 0 {
		return content + "\n" + block
	}
	end := len(content)
	if next := strings.Index(content[start+len(heading):], "\n## "); next >= 0 {
		end = start + len(heading) + next + 1
	}
	if !strings.HasSuffix(block, "\n\n") && end < len(content) {
		block = strings.TrimRight(block, "\n") + "\n\n"
	}
	return content[:start] + block + content[end:]
}

func cell(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return cell(s)
}
