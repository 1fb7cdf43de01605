package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/pkg/job"
)

const twoFiles = `{"files": [
  {"filePath": "pom.xml", "content": "<project/>", "language": "xml"},
  {"filePath": "src/main/java/com/acme/User.java", "content": "package com.acme;\npublic class User {}", "language": "java"}
]}`

func designedJob(t *testing.T) *job.Job {
	t.Helper()
	j := newJob(t, nil)
	require.NoError(t, j.SetDesign(validContract, validSchema))
	return j
}

func TestGenerateArtifacts(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWith("Here you go:\n```json\n" + twoFiles + "\n```")

	j := designedJob(t)
	arts, err := NewCoder(f.deps).Generate(context.Background(), j, 0, nil)
	require.NoError(t, err)
	require.Len(t, arts, 2)

	assert.Equal(t, "pom.xml", arts[0].FilePath)
	assert.Equal(t, "src/main/java/com/acme/User.java", arts[1].FilePath)
	assert.Equal(t, "User.java", arts[1].FileName)
	for _, a := range arts {
		assert.Equal(t, j.ID, a.JobID)
		assert.Equal(t, job.ProducerBackendCoder, a.GeneratedBy)
		assert.Equal(t, 0, a.Round)
		assert.Equal(t, 1, a.Version)
	}

	prompt := f.primary.LastPrompt()
	assert.Contains(t, prompt, j.Requirement)
	assert.Contains(t, prompt, "CREATE TABLE users")
}

func TestGenerateKeepsDeclaredLanguage(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWith(`{"files": [
  {"filePath": "Dockerfile", "content": "FROM eclipse-temurin:17", "language": " Dockerfile "},
  {"filePath": "src/main/resources/schema.sql", "content": "CREATE TABLE users (id BIGINT);"},
  {"filePath": "src/main/java/com/acme/User.java", "content": "package com.acme;\npublic class User {}", "language": ""}
]}`)

	arts, err := NewCoder(f.deps).Generate(context.Background(), designedJob(t), 0, nil)
	require.NoError(t, err)
	require.Len(t, arts, 3)

	assert.Equal(t, "dockerfile", arts[0].Language, "declared language wins over the path")
	assert.Equal(t, "sql", arts[1].Language, "missing language is inferred from the path")
	assert.Equal(t, "java", arts[2].Language, "blank language is inferred from the path")
}

func TestGenerateRequiresDesign(t *testing.T) {
	f := newFixture(t)
	j := newJob(t, nil)

	_, err := NewCoder(f.deps).Generate(context.Background(), j, 0, nil)
	require.ErrorIs(t, err, ErrPrecondition)

	var sf *job.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, job.StageCoder, sf.Stage)
	assert.Contains(t, err.Error(), "contract, schema")
	assert.Zero(t, f.primary.CallCount())
}

func TestGenerateStrictJSONRepair(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWith("files: pom.xml and User.java")
	f.secondary.RespondWithSequence(`{"files": [{"filePath": "pom.xml", "content": "<project/>"`, twoFiles)

	arts, err := NewCoder(f.deps).Generate(context.Background(), designedJob(t), 0, nil)
	require.NoError(t, err)
	assert.Len(t, arts, 2)

	assert.Equal(t, 1, f.primary.CallCount(), "non-strict provider gets no repair pass")
	prompts := f.secondary.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "does not parse")
	assert.Contains(t, prompts[0], "not a valid file list", "first rejection reaches the next candidate")
}

func TestGenerateRejectsBlankFiles(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWith(`{"files": [{"filePath": "", "content": "x"}, {"filePath": "A.java", "content": "  "}]}`)
	f.secondary.RespondWith(twoFiles)

	logs := &logCollector{}
	arts, err := NewCoder(f.deps).Generate(context.Background(), designedJob(t), 0, logs.sink())
	require.NoError(t, err)
	assert.Len(t, arts, 2)
	require.Len(t, logs.levels(job.LogWarn), 1)
	assert.Contains(t, logs.levels(job.LogWarn)[0], "no file with both a path and content")
}

func TestGenerateFailsAfterBudget(t *testing.T) {
	f := newFixture(t)
	f.primary.RespondWith("no")
	f.secondary.RespondWith("still no")

	_, err := NewCoder(f.deps).Generate(context.Background(), designedJob(t), 0, nil)
	var sf *job.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, 3, sf.Attempts)
}

func TestParseGeneratedFiles(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"plain", twoFiles, 2, false},
		{"fenced", "```json\n" + twoFiles + "\n```", 2, false},
		{"prose around", "Sure.\n" + twoFiles + "\nDone.", 2, false},
		{"bare array", `[{"filePath": "a.txt", "content": "a"}]`, 1, false},
		{"no object", "nothing here", 0, true},
		{"no files key", `{"result": []}`, 0, true},
		{"truncated", `{"files": [{"filePath": "a"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := ParseGeneratedFiles(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, files, tt.want)
		})
	}
}

func TestFilterGeneratedFiles(t *testing.T) {
	out := FilterGeneratedFiles([]GeneratedFile{
		{FilePath: "./A.java", Content: "v1"},
		{FilePath: "B.java", Content: ""},
		{FilePath: " ", Content: "x"},
		{FilePath: "C.java", Content: "c"},
		{FilePath: "A.java", Content: "v2"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, GeneratedFile{FilePath: "A.java", Content: "v2"}, out[0])
	assert.Equal(t, "C.java", out[1].FilePath)
}
