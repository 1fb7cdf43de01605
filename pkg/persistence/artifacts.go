package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"g3/pkg/job"
)

const artifactColumns = `id, job_id, file_path, file_name, content, language, artifact_type, generated_by,
	checksum, parent_artifact_id, compiler_output, generation_round, version, has_errors, created_at, validated_at`

// AppendArtifacts inserts new artifact versions in one transaction. An
// existing (job, path, version) is a conflict; versions are never replaced.
func (s *Store) AppendArtifacts(ctx context.Context, artifacts []*job.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare artifact insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range artifacts {
		_, err := stmt.ExecContext(ctx,
			a.ID, a.JobID, a.FilePath, a.FileName, a.Content, a.Language, string(a.Type), string(a.GeneratedBy),
			a.Checksum, nullString(a.ParentID), a.CompilerOutput, a.Round, a.Version, boolInt(a.HasErrors),
			formatTime(a.CreatedAt), formatTimePtr(a.ValidatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert artifact %s v%d: %w", a.FilePath, a.Version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifacts: %w", err)
	}
	return nil
}

// RecordArtifactValidation stores the validation outcome attached to
// existing versions. Content is never touched.
func (s *Store) RecordArtifactValidation(ctx context.Context, artifacts []*job.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range artifacts {
		_, err := tx.ExecContext(ctx,
			"UPDATE artifacts SET has_errors = ?, compiler_output = ?, validated_at = ? WHERE id = ?",
			boolInt(a.HasErrors), a.CompilerOutput, formatTimePtr(a.ValidatedAt), a.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update artifact %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifact validation: %w", err)
	}
	return nil
}

// ListArtifacts returns every version for a job ordered by path, round and version.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]*job.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+artifactColumns+" FROM artifacts WHERE job_id = ? ORDER BY file_path, generation_round, version",
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*job.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestArtifacts returns the current version of every path of a job.
func (s *Store) LatestArtifacts(ctx context.Context, jobID string) ([]*job.Artifact, error) {
	all, err := s.ListArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Latest(all), nil
}

// GetArtifact loads one version. Unknown ids return job.ErrArtifactNotFound.
func (s *Store) GetArtifact(ctx context.Context, jobID, artifactID string) (*job.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+artifactColumns+" FROM artifacts WHERE job_id = ? AND id = ?", jobID, artifactID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, job.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %s: %w", artifactID, err)
	}
	return a, nil
}

func scanArtifact(r scanner) (*job.Artifact, error) {
	var (
		a                   job.Artifact
		typ, producer       string
		parentID, validated sql.NullString
		hasErrors           int
		createdAt           string
	)
	err := r.Scan(
		&a.ID, &a.JobID, &a.FilePath, &a.FileName, &a.Content, &a.Language, &typ, &producer,
		&a.Checksum, &parentID, &a.CompilerOutput, &a.Round, &a.Version, &hasErrors, &createdAt, &validated,
	)
	if err != nil {
		return nil, err
	}
	a.Type = job.ArtifactType(typ)
	a.GeneratedBy = job.Producer(producer)
	a.ParentID = parentID.String
	a.HasErrors = hasErrors != 0
	a.CreatedAt = parseTime(createdAt)
	a.ValidatedAt = parseTimePtr(validated)
	return &a, nil
}

const validationColumns = `id, job_id, round, validation_type, command, stdout, stderr, failure_kind,
	parsed_errors, exit_code, duration_ms, passed, created_at`

// AppendValidation stores one sandbox run.
func (s *Store) AppendValidation(ctx context.Context, v *job.ValidationResult) error {
	parsed, err := marshalOptional(v.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode parsed errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validation_results (`+validationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.JobID, v.Round, string(v.Type), v.Command, v.Stdout, v.Stderr, string(v.FailureKind),
		parsed, v.ExitCode, v.DurationMs, boolInt(v.Passed), formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert validation result %s: %w", v.ID, err)
	}
	return nil
}

// ListValidations returns a job's validation results oldest first.
func (s *Store) ListValidations(ctx context.Context, jobID string) ([]*job.ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+validationColumns+" FROM validation_results WHERE job_id = ? ORDER BY round, created_at, rowid",
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*job.ValidationResult
	for rows.Next() {
		var (
			v                    job.ValidationResult
			typ, kind, createdAt string
			parsed               sql.NullString
			passed               int
		)
		if err := rows.Scan(&v.ID, &v.JobID, &v.Round, &typ, &v.Command, &v.Stdout, &v.Stderr, &kind,
			&parsed, &v.ExitCode, &v.DurationMs, &passed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan validation result: %w", err)
		}
		v.Type = job.ValidationType(typ)
		v.FailureKind = job.FailureKind(kind)
		v.Passed = passed != 0
		v.CreatedAt = parseTime(createdAt)
		if parsed.Valid && parsed.String != "" {
			if err := json.Unmarshal([]byte(parsed.String), &v.Errors); err != nil {
				return nil, fmt.Errorf("failed to decode parsed errors: %w", err)
			}
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// AppendRepairAttempt stores one Coach invocation.
func (s *Store) AppendRepairAttempt(ctx context.Context, a job.RepairAttempt) error {
	files, err := json.Marshal(a.Files)
	if err != nil {
		return fmt.Errorf("failed to encode repair files: %w", err)
	}
	classes, err := marshalOptional(a.ErrorClasses)
	if err != nil {
		return fmt.Errorf("failed to encode error classes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repair_attempts (id, job_id, round, files, success, error_signature, error_summary, error_classes, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.Round, string(files), boolInt(a.Success), a.Signature, a.ErrorSummary, classes,
		a.Outcome, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert repair attempt %s: %w", a.ID, err)
	}
	return nil
}

// ListRepairAttempts returns a job's repair log oldest first.
func (s *Store) ListRepairAttempts(ctx context.Context, jobID string) ([]job.RepairAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, round, files, success, error_signature, error_summary, error_classes, outcome, created_at
		FROM repair_attempts WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repair attempts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []job.RepairAttempt
	for rows.Next() {
		var (
			a                job.RepairAttempt
			files, createdAt string
			classes          sql.NullString
			success          int
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Round, &files, &success, &a.Signature, &a.ErrorSummary,
			&classes, &a.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan repair attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &a.Files); err != nil {
			return nil, fmt.Errorf("failed to decode repair files: %w", err)
		}
		if classes.Valid && classes.String != "" {
			if err := json.Unmarshal([]byte(classes.String), &a.ErrorClasses); err != nil {
				return nil, fmt.Errorf("failed to decode error classes: %w", err)
			}
		}
		a.Success = success != 0
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
