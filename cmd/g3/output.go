package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"g3/pkg/job"
	"g3/pkg/metrics"
	"g3/pkg/orchestrator"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJob(w io.Writer, j *job.Job) {
	tw := newTable(w)
	tw.AppendRows([]table.Row{
		{"ID", j.ID},
		{"Status", j.Status},
		{"Round", fmt.Sprintf("%d / %d", j.CurrentRound, j.MaxRounds)},
		{"Requirement", truncate(j.Requirement, 80)},
		{"Created", j.CreatedAt.Local().Format(time.DateTime)},
		{"Contract locked", j.ContractLocked},
	})
	if j.CompletedAt != nil {
		tw.AppendRow(table.Row{"Finished", j.CompletedAt.Local().Format(time.DateTime)})
	}
	if j.LastError != "" {
		tw.AppendRow(table.Row{"Last error", truncate(j.LastError, 100)})
	}
	tw.Render()
}

func printJobs(w io.Writer, jobs []*job.Job) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Status", "Round", "Created", "Requirement"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{j.ID, j.Status, j.CurrentRound, j.CreatedAt.Local().Format(time.DateTime), truncate(j.Requirement, 50)})
	}
	tw.AppendFooter(table.Row{"", "", "", "Total", len(jobs)})
	tw.Render()
}

func printArtifacts(w io.Writer, arts []*job.Artifact) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Path", "Type", "Round", "Version", "By", "Errors"})
	for _, a := range arts {
		errs := ""
		if a.HasErrors {
			errs = "yes"
		}
		tw.AppendRow(table.Row{a.ID, a.FilePath, a.Type, a.Round, a.Version, a.GeneratedBy, errs})
	}
	tw.Render()
}

func printUsage(w io.Writer, u *metrics.JobUsage, models []metrics.ModelUsage) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Model", "Prompt tokens", "Completion tokens", "Cost (USD)"})
	for _, m := range models {
		tw.AppendRow(table.Row{m.Model, m.PromptTokens, m.CompletionTokens, fmt.Sprintf("%.4f", m.TotalCost)})
	}
	tw.AppendFooter(table.Row{"Total", u.PromptTokens, u.CompletionTokens, fmt.Sprintf("%.4f", u.TotalCost)})
	tw.Render()
	fmt.Fprintf(w, "%d requests, %d failed\n", u.RequestCount, u.FailedRequests)
}

func printPool(w io.Writer, s *orchestrator.PoolStats) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Workers", "Active", "Waiting", "Streams"})
	tw.AppendRow(table.Row{s.Workers, s.Active, s.Waiting, s.Streams})
	tw.Render()
}

func printLogEntry(w io.Writer, e job.LogEntry) {
	fmt.Fprintf(w, "%s [%s] %s: %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Role, strings.ToUpper(string(e.Level)), e.Message)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
