package hostdl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobSchema is the download job log table.
const JobSchema = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id          TEXT PRIMARY KEY,
	address     TEXT NOT NULL,
	path        TEXT NOT NULL,
	state       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	bytes       INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_download_jobs_created ON download_jobs(created_at DESC);`

// Job is one row of the job log.
type Job struct {
	ID         string     `json:"id"`
	Address    string     `json:"address"`
	Path       string     `json:"path"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	Bytes      int64      `json:"bytes"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ErrJobNotFound is returned by Get for an unknown ID.
var ErrJobNotFound = errors.New("hostdl: job not found")

// JobLog persists download jobs in SQLite.
type JobLog struct {
	db *sql.DB
}

// NewJobLog applies the schema and wraps db.
func NewJobLog(db *sql.DB) (*JobLog, error) {
	if _, err := db.Exec(JobSchema); err != nil {
		return nil, fmt.Errorf("hostdl: job log schema: %w", err)
	}
	return &JobLog{db: db}, nil
}

// Insert records a newly issued job.
func (l *JobLog) Insert(ctx context.Context, j Job) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO download_jobs (id, address, path, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		j.ID, j.Address, j.Path, string(j.State), j.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("hostdl: insert job %s: %w", j.ID, err)
	}
	return nil
}

// Finish records the terminal state of a job.
func (l *JobLog) Finish(ctx context.Context, d Delta, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE download_jobs SET state = ?, error = ?, bytes = ?, finished_at = ? WHERE id = ?`,
		string(d.State), d.Error, d.Bytes, at.UnixMilli(), d.JobID)
	if err != nil {
		return fmt.Errorf("hostdl: finish job %s: %w", d.JobID, err)
	}
	return nil
}

// List returns the most recent jobs, newest first.
func (l *JobLog) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, address, path, state, error, bytes, created_at, finished_at
		 FROM download_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("hostdl: list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Get returns one job by ID.
func (l *JobLog) Get(ctx context.Context, id string) (Job, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, address, path, state, error, bytes, created_at, finished_at
		 FROM download_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (Job, error) {
	var (
		j        Job
		state    string
		created  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&j.ID, &j.Address, &j.Path, &state, &j.Error, &j.Bytes, &created, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return j, err
		}
		return j, fmt.Errorf("hostdl: scan job: %w", err)
	}
	j.State = State(state)
	j.CreatedAt = time.UnixMilli(created)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		j.FinishedAt = &t
	}
	return j, nil
}
