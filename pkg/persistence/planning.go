package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"g3/pkg/planning"
)

var _ planning.Repository = (*Store)(nil)

const planningColumns = "id, job_id, file_type, content, last_updated_by, version, created_at, updated_at"

// CreatePlanningFile inserts a planning document.
func (s *Store) CreatePlanningFile(ctx context.Context, f *planning.File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO planning_files (`+planningColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.JobID, string(f.Type), f.Content, string(f.UpdatedBy), f.Version,
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create planning file %s/%s: %w", f.JobID, f.Type, err)
	}
	return nil
}

// GetPlanningFile loads one document; a missing one returns planning.ErrNotFound.
func (s *Store) GetPlanningFile(ctx context.Context, jobID string, t planning.FileType) (*planning.File, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+planningColumns+" FROM planning_files WHERE job_id = ? AND file_type = ?", jobID, string(t))
	f, err := scanPlanningFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, planning.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load planning file %s/%s: %w", jobID, t, err)
	}
	return f, nil
}

// UpdatePlanningFile replaces content and bumps the version.
func (s *Store) UpdatePlanningFile(ctx context.Context, f *planning.File) error {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE planning_files
		SET content = ?, last_updated_by = ?, version = version + 1, updated_at = ?
		WHERE job_id = ? AND file_type = ?
		RETURNING version`,
		f.Content, string(f.UpdatedBy), formatTime(now), f.JobID, string(f.Type),
	)
	var version int
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return planning.ErrNotFound
		}
		return fmt.Errorf("failed to update planning file %s/%s: %w", f.JobID, f.Type, err)
	}
	f.Version = version
	f.UpdatedAt = now
	return nil
}

// ListPlanningFiles returns every document of a job ordered by type.
func (s *Store) ListPlanningFiles(ctx context.Context, jobID string) ([]*planning.File, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+planningColumns+" FROM planning_files WHERE job_id = ? ORDER BY file_type", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list planning files for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*planning.File
	for rows.Next() {
		f, err := scanPlanningFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan planning file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeletePlanningFiles removes every document of a job.
func (s *Store) DeletePlanningFiles(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM planning_files WHERE job_id = ?", jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete planning files for job %s: %w", jobID, err)
	}
	return res.RowsAffected()
}

func scanPlanningFile(r scanner) (*planning.File, error) {
	var (
		f                         planning.File
		typ, by, created, updated string
	)
	if err := r.Scan(&f.ID, &f.JobID, &typ, &f.Content, &by, &f.Version, &created, &updated); err != nil {
		return nil, err
	}
	ft, err := planning.ParseFileType(typ)
	if err != nil {
		return nil, err
	}
	u, err := planning.ParseUpdater(by)
	if err != nil {
		return nil, err
	}
	f.Type, f.UpdatedBy = ft, u
	f.CreatedAt = parseTime(created)
	f.UpdatedAt = parseTime(updated)
	return &f, nil
}
