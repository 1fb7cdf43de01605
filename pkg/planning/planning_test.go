package planning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/pkg/job"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	s := NewStore(NewMemoryRepository())
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, "job-1", "todo", "Build a todo API", ""))
	return s, ctx
}

func TestParseUpdater(t *testing.T) {
	for _, u := range []string{"system", "Architect", " coder ", "coach", "user"} {
		if _, err := ParseUpdater(u); err != nil {
			t.Errorf("ParseUpdater(%q): %v", u, err)
		}
	}
	if _, err := ParseUpdater("robot"); err == nil {
		t.Error("expected error for unknown updater")
	}
	if _, err := ParseFileType("diary"); err == nil {
		t.Error("expected error for unknown file type")
	}
}

func TestInitializeCreatesThreeDocuments(t *testing.T) {
	s, ctx := newTestStore(t)

	files, err := s.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, f := range files {
		assert.Equal(t, 1, f.Version)
		assert.Equal(t, BySystem, f.UpdatedBy)
	}
	plan := s.Content(ctx, "job-1", TaskPlan)
	assert.Contains(t, plan, "Build a todo API")
	assert.Contains(t, plan, "- [ ] Phase 8: Repair and polish (Coach)")
}

func TestUpdateAndAppendBumpVersion(t *testing.T) {
	s, ctx := newTestStore(t)

	f, err := s.Update(ctx, "job-1", Notes, "fresh", ByUser)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Version)
	assert.Equal(t, ByUser, f.UpdatedBy)

	f, err = s.Append(ctx, "job-1", Notes, "more", ByCoach)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Version)
	assert.Equal(t, "fresh\nmore", f.Content)

	_, err = s.Update(ctx, "job-2", Notes, "x", ByUser)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStructuredOperationCreatesMissingDocument(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	ctx := context.Background()

	require.NoError(t, s.AppendDecision(ctx, "job-9", "Contract locked", "coding started", ByArchitect))
	f, err := s.Get(ctx, "job-9", TaskPlan)
	require.NoError(t, err)
	assert.Equal(t, ByArchitect, f.UpdatedBy)
	assert.Contains(t, f.Content, "| Contract locked | coding started |")
}

func TestTaskPlanOperations(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.UpdatePhaseStatus(ctx, "job-1", PhaseDesign, true, ByArchitect))
	require.NoError(t, s.AppendDecision(ctx, "job-1", "Contract locked", "coder started", BySystem))
	require.NoError(t, s.AppendError(ctx, "job-1", "Coder stage failed", "job failed", BySystem))
	require.NoError(t, s.UpdateStatus(ctx, "job-1", "Phase 7 - Compile validation", 80, "testing", BySystem))
	require.NoError(t, s.UpdateFileList(ctx, "job-1", []PlannedFile{{Path: "pom.xml", Type: "CONFIG"}}, BySystem))

	plan := s.Content(ctx, "job-1", TaskPlan)
	assert.Contains(t, plan, "- [x] Phase 1:")
	assert.Contains(t, plan, "- [ ] Phase 2:")
	assert.Contains(t, plan, "**Progress**: 80%")
	assert.NotContains(t, plan, "**Progress**: 0%")
	assert.Contains(t, plan, "| pom.xml | CONFIG | pending |")

	decisions := plan[strings.Index(plan, headDecisions):strings.Index(plan, headErrors)]
	assert.Contains(t, decisions, "| 2026-01-02 03:04:05 | Contract locked | coder started |")
	assert.NotContains(t, decisions, "\n\n|", "rows must stay in one table")

	errs := plan[strings.Index(plan, headErrors):strings.Index(plan, headFiles)]
	assert.Contains(t, errs, "| Coder stage failed | job failed |")
	assert.NotContains(t, errs, placeholderRow3)

	require.NoError(t, s.UpdatePhaseStatus(ctx, "job-1", PhaseDesign, false, BySystem))
	assert.Contains(t, s.Content(ctx, "job-1", TaskPlan), "- [ ] Phase 1:")
}

func TestNotesOperations(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.AddEntityDesign(ctx, "job-1", []Entity{{
		Name:       "todo",
		Attributes: []Attribute{{Name: "id", Type: "UUID", Required: true}},
	}}, ByArchitect))
	require.NoError(t, s.AddAPIDesign(ctx, "job-1", []API{{Method: "GET", Path: "/todos", Description: "list"}}, ByArchitect))
	require.NoError(t, s.AddProblemSolution(ctx, "job-1", "missing getter", "add lombok", "", ByCoach))

	notes := s.Content(ctx, "job-1", Notes)
	assert.Contains(t, notes, "### todo")
	assert.Contains(t, notes, "| id | UUID | yes | - |")
	assert.Contains(t, notes, "| GET | /todos | list | - | - |")
	assert.Contains(t, notes, "| missing getter | add lombok | - |")
	assert.NotContains(t, notes, "*Filled in after architecture design*")
	assert.Less(t, strings.Index(notes, headEntities), strings.Index(notes, headAPIs))
	assert.Less(t, strings.Index(notes, headAPIs), strings.Index(notes, headProblems))
}

func TestContextOperationsAndCompactView(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.AddGeneratedFile(ctx, "job-1", "src/main/java/com/g3/app/entity/Todo.java", "Todo", "ENTITY", "generated", ByCoder))
	require.NoError(t, s.UpdateImportIndex(ctx, "job-1", KindEntity, []string{"com.g3.app.entity.Todo"}, ByCoder))
	require.NoError(t, s.AddClassSignature(ctx, "job-1", KindService, "TodoService", "public List<Todo> list();", ByCoder))

	doc := s.Content(ctx, "job-1", Context)
	assert.NotContains(t, doc, placeholderRow5)
	assert.Contains(t, doc, "| src/main/java/com/g3/app/entity/Todo.java | Todo | ENTITY | generated |")

	compact := s.CompactContext(ctx, "job-1", 4000)
	assert.Contains(t, compact, "import com.g3.app.entity.Todo;")
	assert.Contains(t, compact, "#### TodoService")
	assert.NotContains(t, compact, headGenerated)
	assert.NotContains(t, compact, headGraph)

	assert.Empty(t, s.CompactContext(ctx, "missing", 4000))
}

func TestIndexArtifacts(t *testing.T) {
	s, ctx := newTestStore(t)

	entity := job.NewArtifact("job-1", "src/main/java/com/g3/app/entity/Todo.java",
		"package com.g3.app.entity;\n\npublic class Todo {\n    public String getTitle() { return title; }\n}\n", job.ProducerBackendCoder, 0)
	service := job.NewArtifact("job-1", "src/main/java/com/g3/app/service/TodoService.java",
		"package com.g3.app.service;\n\npublic interface TodoService {\n    public Todo create(String title);\n}\n", job.ProducerBackendCoder, 0)
	pom := job.NewArtifact("job-1", "pom.xml", "<project/>", job.ProducerBackendCoder, 0)

	require.NoError(t, s.IndexArtifacts(ctx, "job-1", []*job.Artifact{entity, service, pom}, ByCoder))

	doc := s.Content(ctx, "job-1", Context)
	assert.Contains(t, doc, "| pom.xml | - |")
	assert.Contains(t, doc, "import com.g3.app.entity.Todo;")
	assert.Contains(t, doc, "import com.g3.app.service.TodoService;")
	assert.Contains(t, doc, "public String getTitle();")
	assert.Contains(t, doc, "public Todo create(String title);")
}

func TestDeleteByJob(t *testing.T) {
	s, ctx := newTestStore(t)
	n, err := s.Delete(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Empty(t, s.Content(ctx, "job-1", TaskPlan))
}

func TestContractAPIs(t *testing.T) {
	contract := `openapi: 3.0.3
info:
  title: Todo
  version: "1"
paths:
  /todos:
    get:
      summary: List todos
      responses:
        "200":
          content:
            application/json:
              schema:
                type: array
                items:
                  $ref: '#/components/schemas/Todo'
    post:
      operationId: createTodo
      requestBody:
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/CreateTodo'
      responses:
        "201":
          description: created
`
	apis, err := ContractAPIs(contract)
	require.NoError(t, err)
	require.Len(t, apis, 2)
	assert.Equal(t, API{Method: "GET", Path: "/todos", Description: "List todos", ResponseBody: "Todo"}, apis[0])
	assert.Equal(t, "createTodo", apis[1].Description)
	assert.Equal(t, "CreateTodo", apis[1].RequestBody)

	_, err = ContractAPIs("paths: [")
	assert.Error(t, err)
}

func TestSchemaEntities(t *testing.T) {
	schema := `CREATE TABLE IF NOT EXISTS todo (
  id UUID PRIMARY KEY,
  title VARCHAR(200) NOT NULL,
  price NUMERIC(10, 2),
  CONSTRAINT uq_title UNIQUE (title)
);
create table tag (id BIGINT, PRIMARY KEY (id));`

	entities := SchemaEntities(schema)
	require.Len(t, entities, 2)
	assert.Equal(t, "todo", entities[0].Name)
	require.Len(t, entities[0].Attributes, 3)
	assert.Equal(t, Attribute{Name: "title", Type: "VARCHAR(200)", Required: true}, entities[0].Attributes[1])
	assert.Equal(t, "NUMERIC(10, 2)", entities[0].Attributes[2].Type)
	assert.Equal(t, "tag", entities[1].Name)
	assert.Len(t, entities[1].Attributes, 1)
}
