package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"g3/pkg/api"
	"g3/pkg/job"
	"g3/pkg/orchestrator"
)

// apiClient is a thin JSON client for the G3 HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(viper.GetString("server"), "/"),
		http: &http.Client{},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Code    string
	Message string
	Status  int
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach G3 at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		b, err := io.ReadAll(resp.Body)
		*s = string(b)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	e := &apiError{Status: resp.StatusCode}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	return e
}

func (c *apiClient) submit(ctx context.Context, requirement string, bp *job.Blueprint) (*api.SubmitResponse, error) {
	var out api.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/jobs", api.SubmitRequest{Requirement: requirement, Blueprint: bp}, &out)
	return &out, err
}

func (c *apiClient) job(ctx context.Context, id string) (*job.Job, error) {
	var out job.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out)
	return &out, err
}

func (c *apiClient) jobs(ctx context.Context, status string, limit int) ([]*job.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*job.Job
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) artifacts(ctx context.Context, id string, all bool) ([]*job.Artifact, error) {
	path := "/jobs/" + url.PathEscape(id) + "/artifacts"
	if all {
		path += "?all=true"
	}
	var out []*job.Artifact
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) artifactContent(ctx context.Context, id, artifactID string) (string, error) {
	var out string
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/artifacts/"+url.PathEscape(artifactID)+"/content", nil, &out)
	return out, err
}

func (c *apiClient) cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *apiClient) stats(ctx context.Context) (*orchestrator.PoolStats, error) {
	var out orchestrator.PoolStats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return &out, err
}

// follow reads a job's log stream and calls onEntry for every log event. It
// returns the terminal job carried by the done event.
func (c *apiClient) follow(ctx context.Context, id string, onEntry func(job.LogEntry)) (*job.Job, error) {
	var lastID string
	for {
		final, err := c.followOnce(ctx, id, &lastID, onEntry)
		if final != nil || ctx.Err() != nil {
			return final, err
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		// Connection dropped mid-job; resume after the last seen entry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *apiClient) followOnce(ctx context.Context, id string, lastID *string, onEntry func(job.LogEntry)) (*job.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/jobs/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var event, data, eventID string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			eventID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			switch event {
			case api.EventLog:
				var e job.LogEntry
				if err := json.Unmarshal([]byte(data), &e); err == nil {
					onEntry(e)
				}
				if eventID != "" {
					*lastID = eventID
				}
			case api.EventDone:
				var j job.Job
				if err := json.Unmarshal([]byte(data), &j); err != nil {
					return nil, fmt.Errorf("malformed done event: %w", err)
				}
				return &j, nil
			}
			event, data, eventID = "", "", ""
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}
