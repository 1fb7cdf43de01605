package templates

import (
	"strings"
	"testing"
)

func TestNewRenderer(t *testing.T) {
	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("Failed to create renderer: %v", err)
	}

	if got := len(renderer.GetAvailableTemplates()); got != len(All) {
		t.Fatalf("expected %d templates, got %d", len(All), got)
	}

	for _, name := range All {
		if _, err := renderer.Render(name, &TemplateData{}); err != nil {
			t.Errorf("Failed to render template %s with empty data: %v", name, err)
		}
	}
}

func TestRenderArchitectContractIncludesFeedback(t *testing.T) {
	renderer := MustRenderer()

	out, err := renderer.Render(ArchitectContractTemplate, &TemplateData{
		Requirement: "A todo list service",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "A todo list service") {
		t.Error("requirement missing from prompt")
	}
	if strings.Contains(out, "Previous attempt was rejected") {
		t.Error("feedback section rendered without feedback")
	}

	out, err = renderer.Render(ArchitectContractTemplate, &TemplateData{
		Requirement: "A todo list service",
		Feedback:    "missing top-level field: paths",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "missing top-level field: paths") {
		t.Error("feedback missing from prompt")
	}
}

func TestRenderCoderSections(t *testing.T) {
	renderer := MustRenderer()

	out, err := renderer.Render(CoderTemplate, &TemplateData{
		Requirement: "REQ",
		Contract:    "openapi: 3.0.3",
		Schema:      "CREATE TABLE t (id UUID PRIMARY KEY);",
		Blueprint:   "- users: id(UUID)",
		Context:     "## Import index",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	order := []string{"## Coding standards", "REQ", "openapi: 3.0.3", "CREATE TABLE t", "## Blueprint constraints", "## Existing project context", "## Output rules"}
	last := -1
	for _, want := range order {
		idx := strings.Index(out, want)
		if idx < 0 {
			t.Fatalf("prompt missing %q", want)
		}
		if idx < last {
			t.Errorf("%q is out of order", want)
		}
		last = idx
	}
}

func TestRenderCoachFixDefaults(t *testing.T) {
	renderer := MustRenderer()

	out, err := renderer.Render(CoachFixTemplate, &TemplateData{
		FilePath:       "src/main/java/A.java",
		Language:       "java",
		Content:        "class A {}",
		CompilerOutput: "A.java:1: error: boom",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"(first repair)", "(no class index available)", "```java", "class A {}", "error: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	renderer := MustRenderer()
	if _, err := renderer.Render(StateTemplate("missing.tpl.md"), &TemplateData{}); err == nil {
		t.Error("expected error for unknown template")
	}
}
