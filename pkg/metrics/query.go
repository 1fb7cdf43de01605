package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ModelUsage is the token and cost totals for one model on one job.
type ModelUsage struct {
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService reads g3 series back from a Prometheus server.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService connects to the Prometheus server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// JobUsage returns the usage totals for jobID across all models.
func (q *QueryService) JobUsage(ctx context.Context, jobID string) (*JobUsage, error) {
	u := &JobUsage{JobID: jobID, LastUpdated: time.Now()}

	var err error
	if u.PromptTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{job_id=%q, type="prompt"})`, jobID)); err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if u.CompletionTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{job_id=%q, type="completion"})`, jobID)); err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if u.RequestCount, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_requests_total{job_id=%q})`, jobID)); err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	if u.FailedRequests, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_requests_total{job_id=%q, status="error"})`, jobID)); err != nil {
		return nil, fmt.Errorf("failed to query failed requests: %w", err)
	}
	cost, err := q.value(ctx, fmt.Sprintf(`sum(llm_costs_total{job_id=%q})`, jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to query cost: %w", err)
	}
	u.TotalCost = cost
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u, nil
}

// JobUsageByModel splits a job's token totals per model.
func (q *QueryService) JobUsageByModel(ctx context.Context, jobID string) ([]ModelUsage, error) {
	query := fmt.Sprintf(`sum by (model, type) (llm_tokens_total{job_id=%q})`, jobID)
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens by model: %w", err)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, nil
	}

	byModel := make(map[string]*ModelUsage)
	var order []string
	for _, sample := range vector {
		name := string(sample.Metric["model"])
		mu, exists := byModel[name]
		if !exists {
			mu = &ModelUsage{Model: name}
			byModel[name] = mu
			order = append(order, name)
		}
		switch sample.Metric["type"] {
		case "prompt":
			mu.PromptTokens = int64(sample.Value)
		case "completion":
			mu.CompletionTokens = int64(sample.Value)
		}
	}

	out := make([]ModelUsage, 0, len(order))
	for _, name := range order {
		cost, err := q.value(ctx, fmt.Sprintf(`sum(llm_costs_total{job_id=%q, model=%q})`, jobID, name))
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for %s: %w", name, err)
		}
		byModel[name].TotalCost = cost
		out = append(out, *byModel[name])
	}
	return out, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	v, err := q.value(ctx, query)
	return int64(v), err
}

func (q *QueryService) value(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err //nolint:wrapcheck // callers add context
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
