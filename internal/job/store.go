package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"gpudispatch/internal/apperrors"
)

// Store is the persistence collaborator consumed by the orchestrator's
// completion handlers. The core never reads job records on its own behalf;
// job and prompt data arrive as structured input from the caller.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	UpdateJob(ctx context.Context, id string, upd Update) error
	UpdateJobStatus(ctx context.Context, id, status string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	prompt_id     TEXT NOT NULL,
	operation     TEXT NOT NULL,
	config        TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	output_path   TEXT NOT NULL DEFAULT '',
	log_path      TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// SQLiteStore implements Store on a local sqlite database.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{conn: conn}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// CreateJob inserts a new job record in pending state.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC()
	if j.Status == "" {
		j.Status = StatePending
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO jobs (id, prompt_id, operation, config, status, output_path, log_path, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.PromptID, j.Operation, string(cfg), j.Status, j.OutputPath, j.LogPath, j.ErrorMessage, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, prompt_id, operation, config, status, output_path, log_path, error_message, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns all jobs, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, prompt_id, operation, config, status, output_path, log_path, error_message, created_at, updated_at
		 FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateJob applies the non-nil fields of upd to the job record.
func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, upd Update) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if upd.LogPath != nil {
		j.LogPath = *upd.LogPath
	}
	if upd.ErrorMessage != nil {
		j.ErrorMessage = *upd.ErrorMessage
	}
	if upd.OutputPath != nil {
		j.OutputPath = *upd.OutputPath
	}

	_, err = s.conn.ExecContext(ctx,
		`UPDATE jobs SET output_path = ?, log_path = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		j.OutputPath, j.LogPath, j.ErrorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

// UpdateJobStatus sets the job status.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job status %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var cfg string
	if err := row.Scan(&j.ID, &j.PromptID, &j.Operation, &cfg, &j.Status,
		&j.OutputPath, &j.LogPath, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &j, nil
}

// Verify SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
