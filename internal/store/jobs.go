package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// JobStatus is the lifecycle state of a durable job.
type JobStatus string

const (
	JobUnfulfilled JobStatus = "unfulfilled"
	JobResolved    JobStatus = "resolved"
	JobRejected    JobStatus = "rejected"
)

// JobRecord is one row of the jobs table.
type JobRecord struct {
	ID               string          `json:"id"`
	Category         string          `json:"category"`
	ConcurrencyGroup string          `json:"concurrency_group,omitempty"`
	Args             json.RawMessage `json:"args"`
	Status           JobStatus       `json:"status"`
	TimeoutSec       int64           `json:"timeout_sec"`
	Priority         int64           `json:"priority"`
	CreatedAt        int64           `json:"created_at"`
	FinishedAt       int64           `json:"finished_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

// Reservation is a worker's claim on a job until LockedUntil (unix ms).
type Reservation struct {
	ID          int64  `json:"id"`
	JobID       string `json:"job_id"`
	WorkerID    string `json:"worker_id"`
	LockedUntil int64  `json:"locked_until"`
}

const jobColumns = `id, category, concurrency_group, args, status, timeout_sec, priority, created_at, finished_at, result`

func scanJob(row rowScanner) (JobRecord, error) {
	var (
		j        JobRecord
		group    sql.NullString
		finished sql.NullInt64
		args     []byte
		result   []byte
		status   string
	)
	if err := row.Scan(&j.ID, &j.Category, &group, &args, &status, &j.TimeoutSec, &j.Priority, &j.CreatedAt, &finished, &result); err != nil {
		return JobRecord{}, err
	}
	j.ConcurrencyGroup = group.String
	j.FinishedAt = finished.Int64
	j.Status = JobStatus(status)
	j.Args = json.RawMessage(args)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	return j, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertJob adds an unfulfilled job.
func (s *Store) InsertJob(ctx context.Context, j JobRecord) error {
	if len(j.Args) == 0 {
		j.Args = json.RawMessage("null")
	}
	_, err := s.adapter.ExecContext(ctx, `
		INSERT INTO jobs (id, category, concurrency_group, args, status, timeout_sec, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Category, nullable(j.ConcurrencyGroup), string(j.Args), string(JobUnfulfilled), j.TimeoutSec, j.Priority, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns the job with id, or nil.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	j, err := scanJob(s.adapter.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// ListJobs returns jobs with status (all jobs when status is empty), oldest
// first.
func (s *Store) ListJobs(ctx context.Context, status JobStatus) ([]JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.adapter.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []JobRecord{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ReserveJob claims the next runnable job in one of categories for
// workerID. A job is runnable when it is unfulfilled, has no live
// reservation, and no other job in its concurrency group holds a live
// reservation. Higher priority first, then oldest.
//
// The reservation lasts min(job timeout, maxTimeoutSec) from now. Returns
// nil, nil when nothing is runnable.
func (s *Store) ReserveJob(ctx context.Context, workerID string, categories []string, now, maxTimeoutSec int64) (*JobRecord, *Reservation, error) {
	if len(categories) == 0 {
		return nil, nil, nil
	}

	var (
		job *JobRecord
		res *Reservation
	)
	err := s.retry(ctx, "reserve job", func() error {
		job, res = nil, nil
		return s.adapter.Transaction(ctx, func(q Querier) error {
			args := []any{string(JobUnfulfilled)}
			for _, c := range categories {
				args = append(args, c)
			}
			args = append(args, now, string(JobUnfulfilled), now)

			j, err := scanJob(q.QueryRowContext(ctx, `
				SELECT `+jobColumns+` FROM jobs j
				WHERE j.status = ?
				  AND j.category IN (`+placeholders(len(categories))+`)
				  AND NOT EXISTS (
					SELECT 1 FROM job_reservations r
					WHERE r.job_id = j.id AND r.completed_at IS NULL AND r.locked_until > ?
				  )
				  AND (j.concurrency_group IS NULL OR NOT EXISTS (
					SELECT 1 FROM jobs j2
					JOIN job_reservations r2 ON r2.job_id = j2.id
					WHERE j2.concurrency_group = j.concurrency_group
					  AND j2.status = ?
					  AND r2.completed_at IS NULL
					  AND r2.locked_until > ?
				  ))
				ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
				LIMIT 1
			`, args...))
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select job: %w", err)
			}

			timeout := j.TimeoutSec
			if maxTimeoutSec > 0 && (timeout <= 0 || timeout > maxTimeoutSec) {
				timeout = maxTimeoutSec
			}
			r := Reservation{JobID: j.ID, WorkerID: workerID, LockedUntil: now + timeout*1000}
			if err := q.QueryRowContext(ctx, `
				INSERT INTO job_reservations (job_id, worker_id, created_at, locked_until)
				VALUES (?, ?, ?, ?)
				RETURNING id
			`, r.JobID, r.WorkerID, now, r.LockedUntil).Scan(&r.ID); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			job, res = &j, &r
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reserve job: %w", err)
	}
	return job, res, nil
}

// FinishJob records the outcome of a reserved job. It only writes when the
// job is still unfulfilled and the reservation is still the caller's: not
// completed, and either unexpired or not superseded by another worker's
// reservation. Reports whether the outcome was recorded.
func (s *Store) FinishJob(ctx context.Context, res Reservation, status JobStatus, result json.RawMessage, now int64) (bool, error) {
	var recorded bool
	err := s.retry(ctx, "finish job "+res.JobID, func() error {
		recorded = false
		return s.adapter.Transaction(ctx, func(q Querier) error {
			var current string
			if err := q.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, res.JobID).Scan(&current); err != nil {
				return fmt.Errorf("read job status: %w", err)
			}
			if JobStatus(current) != JobUnfulfilled {
				return nil
			}

			var (
				completed   sql.NullInt64
				lockedUntil int64
			)
			if err := q.QueryRowContext(ctx, `
				SELECT completed_at, locked_until FROM job_reservations WHERE id = ?
			`, res.ID).Scan(&completed, &lockedUntil); err != nil {
				return fmt.Errorf("read reservation: %w", err)
			}
			if completed.Valid {
				return nil
			}
			if lockedUntil <= now {
				var others int64
				if err := q.QueryRowContext(ctx, `
					SELECT COUNT(*) FROM job_reservations
					WHERE job_id = ? AND id <> ? AND completed_at IS NULL
				`, res.JobID, res.ID).Scan(&others); err != nil {
					return fmt.Errorf("count reservations: %w", err)
				}
				if others > 0 {
					return nil
				}
			}

			var resultArg any
			if len(result) > 0 {
				resultArg = string(result)
			}
			if _, err := q.ExecContext(ctx, `
				UPDATE jobs SET status = ?, result = ?, finished_at = ? WHERE id = ?
			`, string(status), resultArg, now, res.JobID); err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			if _, err := q.ExecContext(ctx, `
				UPDATE job_reservations SET completed_at = ? WHERE id = ?
			`, now, res.ID); err != nil {
				return fmt.Errorf("complete reservation: %w", err)
			}
			recorded = true
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", res.JobID, err)
	}
	return recorded, nil
}
