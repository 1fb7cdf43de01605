package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"g3/pkg/job"
)

const jobColumns = `id, requirement, status, current_round, max_rounds, contract_yaml, db_schema_sql,
	contract_locked, contract_locked_at, blueprint_enabled, blueprint, target_stack,
	sandbox_id, sandbox_provider, last_error, error_count, created_at, updated_at, started_at, completed_at`

// SaveJob inserts or updates a job record.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	blueprint, err := marshalOptional(j.Blueprint)
	if err != nil {
		return fmt.Errorf("failed to encode blueprint for job %s: %w", j.ID, err)
	}
	stack, err := marshalOptional(j.TargetStack)
	if err != nil {
		return fmt.Errorf("failed to encode target stack for job %s: %w", j.ID, err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_round = excluded.current_round,
			max_rounds = excluded.max_rounds,
			contract_yaml = excluded.contract_yaml,
			db_schema_sql = excluded.db_schema_sql,
			contract_locked = excluded.contract_locked,
			contract_locked_at = excluded.contract_locked_at,
			sandbox_id = excluded.sandbox_id,
			sandbox_provider = excluded.sandbox_provider,
			last_error = excluded.last_error,
			error_count = excluded.error_count,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		j.ID, j.Requirement, string(j.Status), j.CurrentRound, j.MaxRounds, j.ContractYAML, j.DBSchemaSQL,
		boolInt(j.ContractLocked), formatTimePtr(j.ContractLockedAt), boolInt(j.BlueprintEnabled), blueprint, stack,
		j.SandboxID, j.SandboxProvider, j.LastError, j.ErrorCount,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob loads one job. Unknown ids return job.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return j, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []job.Status
	Limit    int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*job.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FailInterrupted marks every job a previous process left mid-pipeline as
// FAILED and returns their ids. Queued jobs are left for the caller to resubmit.
func (s *Store) FailInterrupted(ctx context.Context, reason string) ([]string, error) {
	jobs, err := s.ListJobs(ctx, JobFilter{Statuses: []job.Status{
		job.StatusPlanning, job.StatusCoding, job.StatusTesting,
	}})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		j.RecordError(reason)
		j.SetStatus(job.StatusFailed)
		if err := s.SaveJob(ctx, j); err != nil {
			return ids, err
		}
		ids = append(ids, j.ID)
	}
	if len(ids) > 0 {
		s.logger.Warn("Marked %d interrupted jobs as FAILED", len(ids))
	}
	return ids, nil
}

func scanJob(r scanner) (*job.Job, error) {
	var (
		j                                job.Job
		status                           string
		locked, bpEnabled                int
		lockedAt, startedAt, completedAt sql.NullString
		blueprint, stack                 sql.NullString
		createdAt, updatedAt             string
	)
	err := r.Scan(
		&j.ID, &j.Requirement, &status, &j.CurrentRound, &j.MaxRounds, &j.ContractYAML, &j.DBSchemaSQL,
		&locked, &lockedAt, &bpEnabled, &blueprint, &stack,
		&j.SandboxID, &j.SandboxProvider, &j.LastError, &j.ErrorCount, &createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	st, err := job.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	j.Status = st
	j.ContractLocked = locked != 0
	j.BlueprintEnabled = bpEnabled != 0
	j.ContractLockedAt = parseTimePtr(lockedAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)

	if blueprint.Valid && blueprint.String != "" {
		var bp job.Blueprint
		if err := json.Unmarshal([]byte(blueprint.String), &bp); err != nil {
			return nil, fmt.Errorf("failed to decode blueprint: %w", err)
		}
		j.Blueprint = &bp
	}
	if stack.Valid && stack.String != "" {
		if err := json.Unmarshal([]byte(stack.String), &j.TargetStack); err != nil {
			return nil, fmt.Errorf("failed to decode target stack: %w", err)
		}
	}
	return &j, nil
}

// marshalOptional encodes v as JSON, or NULL when v is nil or empty.
func marshalOptional(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *job.Blueprint:
		if t.IsEmpty() {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []job.ParsedError:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
