package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 3

// InitializeDatabase opens the SQLite database at dbPath and brings its schema
// to CurrentSchemaVersion. It is idempotent.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func dsn(dbPath string) string {
	if dbPath == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if err := runMigration(tx, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(tx *sql.Tx, version int) error {
	switch version {
	case 1:
		return execAll(tx, schemaV1)
	case 2:
		return migrateToVersion2(tx)
	case 3:
		return migrateToVersion3(tx)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// schemaV1 is the initial layout: jobs, versioned artifacts, validation
// results and planning documents.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		requirement TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('QUEUED','PLANNING','CODING','TESTING','COMPLETED','FAILED')),
		current_round INTEGER NOT NULL DEFAULT 0,
		max_rounds INTEGER NOT NULL DEFAULT 3,
		contract_yaml TEXT NOT NULL DEFAULT '',
		db_schema_sql TEXT NOT NULL DEFAULT '',
		contract_locked INTEGER NOT NULL DEFAULT 0,
		contract_locked_at TEXT,
		blueprint_enabled INTEGER NOT NULL DEFAULT 0,
		blueprint TEXT,
		target_stack TEXT,
		sandbox_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		error_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		artifact_type TEXT NOT NULL DEFAULT 'OTHER',
		generated_by TEXT NOT NULL CHECK (generated_by IN ('ARCHITECT','BACKEND_CODER','FRONTEND_CODER','COACH')),
		checksum TEXT NOT NULL,
		parent_artifact_id TEXT,
		compiler_output TEXT NOT NULL DEFAULT '',
		generation_round INTEGER NOT NULL,
		version INTEGER NOT NULL,
		has_errors INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		validated_at TEXT,
		UNIQUE (job_id, file_path, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, file_path, generation_round)`,

	`CREATE TABLE IF NOT EXISTS validation_results (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		round INTEGER NOT NULL,
		validation_type TEXT NOT NULL,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		parsed_errors TEXT,
		exit_code INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		passed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validation_job ON validation_results(job_id, round)`,

	`CREATE TABLE IF NOT EXISTS planning_files (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		file_type TEXT NOT NULL CHECK (file_type IN ('task_plan','notes','context')),
		content TEXT NOT NULL,
		last_updated_by TEXT NOT NULL CHECK (last_updated_by IN ('system','architect','coder','coach','user')),
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (job_id, file_type)
	)`,
}

// migrateToVersion2 adds the repair attempt log.
func migrateToVersion2(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS repair_attempts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			round INTEGER NOT NULL,
			files TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			error_signature TEXT NOT NULL DEFAULT '',
			error_summary TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repair_job ON repair_attempts(job_id, created_at)`,
	})
}

// migrateToVersion3 separates infrastructure failures from code failures
// and records which sandbox provider ran each job.
func migrateToVersion3(tx *sql.Tx) error {
	return execAll(tx, []string{
		"ALTER TABLE validation_results ADD COLUMN failure_kind TEXT NOT NULL DEFAULT 'NONE'",
		"ALTER TABLE validation_results ADD COLUMN command TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE repair_attempts ADD COLUMN error_classes TEXT",
		"ALTER TABLE jobs ADD COLUMN sandbox_provider TEXT NOT NULL DEFAULT ''",
	})
}

func execAll(tx *sql.Tx, statements []string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// GetSchemaVersion returns the highest applied migration, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
