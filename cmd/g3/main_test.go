package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/pkg/api"
	"g3/pkg/job"
	"g3/pkg/metrics"
	"g3/pkg/orchestrator"
)

func testClient(srv *httptest.Server) *apiClient {
	return &apiClient{base: srv.URL, http: srv.Client()}
}

func TestClientSubmitAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var req api.SubmitRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Requirement == "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"code":"invalid_input","message":"requirement is required"}}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.SubmitResponse{JobID: "job-1", Status: job.StatusQueued})
		case r.URL.Path == "/jobs/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"job not found"}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := testClient(srv)
	ctx := context.Background()

	res, err := c.submit(ctx, "Build a todo API", nil)
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, job.StatusQueued, res.Status)

	_, err = c.submit(ctx, "", nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_input", apiErr.Code)

	_, err = c.job(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, err.Error(), "job not found")

	// Non-envelope bodies still surface the status.
	err = c.cancel(ctx, "x")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "server returned 502", err.Error())
}

func TestClientJobsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]*job.Job{{ID: "a", Status: job.StatusFailed}})
	}))
	defer srv.Close()

	jobs, err := testClient(srv).jobs(context.Background(), "FAILED,COMPLETED", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "limit=5&status=FAILED%2CCOMPLETED", gotQuery)
}

func TestClientArtifactContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/j1/artifacts/a1/content", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("package com.example;\n"))
	}))
	defer srv.Close()

	content, err := testClient(srv).artifactContent(context.Background(), "j1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "package com.example;\n", content)
}

func writeSSE(w http.ResponseWriter, id, event string, v any) {
	data, _ := json.Marshal(v)
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func TestFollowResumesAfterDrop(t *testing.T) {
	var (
		connects  atomic.Int32
		resumedAt atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		n := connects.Add(1)
		if n == 1 {
			writeSSE(w, "1", api.EventLog, job.LogEntry{Seq: 1, Role: job.LogRoleSystem, Level: job.LogInfo, Message: "job queued"})
			writeSSE(w, "", api.EventHeartbeat, job.LogEntry{Level: job.LogHeartbeat})
			return // drop the connection
		}
		resumedAt.Store(r.Header.Get("Last-Event-ID"))
		writeSSE(w, "2", api.EventLog, job.LogEntry{Seq: 2, Role: job.LogRoleExecutor, Level: job.LogSuccess, Message: "build passed"})
		writeSSE(w, "", api.EventDone, job.Job{ID: "j1", Status: job.StatusCompleted})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var seen []string
	final, err := testClient(srv).follow(ctx, "j1", func(e job.LogEntry) {
		seen = append(seen, e.Message)
	})
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, []string{"job queued", "build passed"}, seen)
	assert.Equal(t, int32(2), connects.Load())
	assert.Equal(t, "1", resumedAt.Load())
}

func TestFollowUnknownJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"job not found"}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).follow(context.Background(), "nope", func(job.LogEntry) {})
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestReadBlueprint(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "bp.json")
	yamlPath := filepath.Join(dir, "bp.yaml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"schema":[{"tableName":"users","columns":[{"name":"id","type":"BIGINT"}]}]}`), 0o644))
	require.NoError(t, os.WriteFile(yamlPath, []byte("schema:\n  - tableName: users\n    columns:\n      - name: id\n        type: BIGINT\n"), 0o644))

	for _, path := range []string{jsonPath, yamlPath} {
		bp, err := readBlueprint(path)
		require.NoError(t, err, path)
		require.Len(t, bp.Schema, 1)
		assert.Equal(t, "users", bp.Schema[0].TableName)
		require.Len(t, bp.Schema[0].Columns, 1)
	}

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err := readBlueprint(bad)
	assert.ErrorContains(t, err, "failed to parse blueprint")
}

func TestTables(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now()
	printJobs(&buf, []*job.Job{
		{ID: "j1", Status: job.StatusCompleted, CreatedAt: now, Requirement: "Build a\n todo   API"},
		{ID: "j2", Status: job.StatusQueued, CreatedAt: now, Requirement: "Library system"},
	})
	out := buf.String()
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "Build a todo API")
	assert.Contains(t, out, "TOTAL")

	buf.Reset()
	printArtifacts(&buf, []*job.Artifact{{ID: "a1", FilePath: "src/main/java/User.java", Version: 2, HasErrors: true}})
	assert.Contains(t, buf.String(), "User.java")
	assert.Contains(t, buf.String(), "yes")

	buf.Reset()
	printUsage(&buf, &metrics.JobUsage{PromptTokens: 10, CompletionTokens: 5, RequestCount: 3},
		[]metrics.ModelUsage{{Model: "claude-sonnet-4-5", PromptTokens: 10, CompletionTokens: 5, TotalCost: 0.0105}})
	assert.Contains(t, buf.String(), "claude-sonnet-4-5")
	assert.Contains(t, buf.String(), "0.0105")
	assert.Contains(t, buf.String(), "3 requests, 0 failed")

	buf.Reset()
	printPool(&buf, &orchestrator.PoolStats{Workers: 4, Active: 2, Waiting: 7})
	assert.Contains(t, buf.String(), "7")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\n\tb", 10))

	got := truncate("构建一个待办事项服务", 6)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "构建一...", got)
}
