// Package router selects the (provider, model) pair that serves one attempt
// of a pipeline stage. Selection is a pure function of the routing table, the
// task type, the attempt number and the last failure.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"g3/pkg/config"
)

// TaskType is the kind of work being routed.
type TaskType string

const (
	TaskDesign   TaskType = config.TaskDesign
	TaskAnalysis TaskType = config.TaskAnalysis
	TaskCodegen  TaskType = config.TaskCodegen
	TaskRepair   TaskType = config.TaskRepair
)

// ErrNoCandidates means neither the routing table nor the provider list
// offers anything for the task.
var ErrNoCandidates = errors.New("no model candidates configured")

// Candidate is a provider key and model name.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) String() string {
	return c.Provider + ":" + c.Model
}

// Failure describes the attempt that just failed.
type Failure struct {
	Candidate
	Reason  string
	Attempt int
}

// Router holds an immutable routing table. It is safe for concurrent use.
type Router struct {
	routes     map[TaskType][]Candidate
	fallback   []Candidate
	strictJSON map[string]bool
}

// New builds a router from configuration. The config is copied.
func New(cfg *config.Config) *Router {
	r := &Router{
		routes:     make(map[TaskType][]Candidate, len(cfg.Routing)),
		strictJSON: make(map[string]bool),
	}
	for task, cands := range cfg.Routing {
		list := make([]Candidate, 0, len(cands))
		for _, c := range cands {
			model := c.Model
			if model == "" {
				if p, ok := cfg.Providers[c.Provider]; ok {
					model = p.DefaultModel
				}
			}
			list = append(list, Candidate{Provider: c.Provider, Model: model})
		}
		r.routes[TaskType(strings.ToUpper(task))] = list
	}
	keys := make([]string, 0, len(cfg.Providers))
	for k := range cfg.Providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.fallback = append(r.fallback, Candidate{Provider: k, Model: cfg.Providers[k].DefaultModel})
		if cfg.Providers[k].StrictJSON {
			r.strictJSON[k] = true
		}
	}
	return r
}

// Candidates returns the ordered options for task. DESIGN falls back to the
// ANALYSIS table; an empty table falls back to every provider by key order.
func (r *Router) Candidates(task TaskType) []Candidate {
	if c := r.routes[task]; len(c) > 0 {
		return c
	}
	if task == TaskDesign {
		if c := r.routes[TaskAnalysis]; len(c) > 0 {
			return c
		}
	}
	return r.fallback
}

// Select picks the candidate for attempt (0-based). It uses
// candidates[min(attempt, n-1)] and, when that equals the pair that just
// failed and another option exists, moves on to the next distinct one.
func (r *Router) Select(task TaskType, attempt int, last *Failure) (Candidate, error) {
	cands := r.Candidates(task)
	n := len(cands)
	if n == 0 {
		return Candidate{}, fmt.Errorf("route %s: %w", task, ErrNoCandidates)
	}
	if attempt < 0 {
		attempt = 0
	}
	idx := attempt
	if idx > n-1 {
		idx = n - 1
	}
	if last != nil && n >= 2 {
		for i := 0; i < n && cands[idx] == last.Candidate; i++ {
			idx = (idx + 1) % n
		}
	}
	return cands[idx], nil
}

// StrictJSON reports whether provider needs a structured-output repair pass.
func (r *Router) StrictJSON(provider string) bool {
	return r.strictJSON[provider]
}
