package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
)

type Queue struct {
	db     *database.DB
	policy Policy
	now    func() time.Time
}

func New(db *database.DB, policy Policy) *Queue {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.Lease <= 0 {
		policy.Lease = DefaultPolicy().Lease
	}
	return &Queue{db: db, policy: policy, now: time.Now}
}

// Enqueue inserts a job through exec, which may be a transaction owned by
// the caller.
func (q *Queue) Enqueue(ctx context.Context, exec database.Querier, jobType string, payload interface{}) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}

	now := q.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     data,
		Status:      StatusQueued,
		MaxAttempts: q.policy.MaxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, job.ID, job.Type, string(job.Payload), string(job.Status), job.MaxAttempts, job.RunAfter, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}

	return job, nil
}

// Claim leases the next runnable job of jobType. Queued jobs whose run_after
// has passed and running jobs whose lease expired are both eligible. Expired
// jobs with no attempts left are dead-lettered first. It returns nil when
// nothing is runnable.
func (q *Queue) Claim(ctx context.Context, jobType string) (*Job, error) {
	now := q.now().UTC()
	lockedUntil := now.Add(q.policy.Lease)

	dead, err := q.deadLetterExpired(ctx, now, jobType)
	if err != nil {
		return nil, err
	}
	if dead > 0 {
		slog.Error("Expired jobs moved to dead-letter state", "type", jobType, "count", dead)
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, locked_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE job_type = ?
			  AND ((status = ? AND run_after <= ?)
			    OR (status = ? AND locked_until < ? AND attempts < max_attempts))
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING id, job_type, payload, attempts, max_attempts, last_error
	`, string(StatusRunning), lockedUntil, now,
		jobType, string(StatusQueued), now, string(StatusRunning), now)

	var job Job
	var payload string
	err = row.Scan(&job.ID, &job.Type, &payload, &job.Attempts, &job.MaxAttempts, &job.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s job: %w", jobType, err)
	}

	job.Payload = json.RawMessage(payload)
	job.Status = StatusRunning
	job.LockedUntil = &lockedUntil
	job.UpdatedAt = now
	return &job, nil
}

// Complete marks a job as succeeded.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.now().UTC()
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, locked_until = NULL, completed_at = ?, updated_at = ? WHERE id = ?
	`, string(StatusSucceeded), now, now, job.ID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	job.Status = StatusSucceeded
	job.CompletedAt = &now
	return nil
}

// Fail records a failed attempt. Configuration errors and jobs that used up
// their attempts are dead-lettered; others are requeued with backoff.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.now().UTC()
	message := cause.Error()

	if fault.IsConfiguration(cause) || job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, locked_until = NULL, completed_at = ?, updated_at = ?
			WHERE id = ?
		`, string(StatusDead), message, now, now, job.ID)
		if err != nil {
			return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
		}
		job.Status = StatusDead
		job.CompletedAt = &now
		job.LastError = message

		slog.Error("Job moved to dead-letter state",
			"job_id", job.ID,
			"type", job.Type,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"configuration_error", fault.IsConfiguration(cause),
			"transient", fault.IsTransient(cause),
			"hint", fault.Hints(cause),
			"error", message)
		return nil
	}

	delay := q.policy.Backoff(job.Attempts)
	runAfter := now.Add(delay)
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, run_after = ?, locked_until = NULL, updated_at = ?
		WHERE id = ?
	`, string(StatusQueued), message, runAfter, now, job.ID)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	job.Status = StatusQueued
	job.RunAfter = runAfter
	job.LastError = message

	slog.Warn("Job retry scheduled",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"delay", delay.String(),
		"transient", fault.IsTransient(cause),
		"error", message)
	return nil
}

// Release returns an interrupted job to the queue without counting the
// attempt.
func (q *Queue) Release(ctx context.Context, job *Job) error {
	now := q.now().UTC()
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = MAX(attempts - 1, 0), locked_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusQueued), now, job.ID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}
	job.Status = StatusQueued
	return nil
}

// RecoverExpired requeues running jobs whose lease has expired, or
// dead-letters them when they have no attempts left.
func (q *Queue) RecoverExpired(ctx context.Context) (requeued, dead int64, err error) {
	now := q.now().UTC()

	dead, err = q.deadLetterExpired(ctx, now, "")
	if err != nil {
		return 0, 0, err
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, locked_until = NULL, run_after = ?, updated_at = ?
		WHERE status = ? AND locked_until < ?
	`, string(StatusQueued), now, now, string(StatusRunning), now)
	if err != nil {
		return 0, dead, fmt.Errorf("failed to requeue expired jobs: %w", err)
	}
	requeued, _ = res.RowsAffected()

	return requeued, dead, nil
}

// deadLetterExpired dead-letters running jobs whose lease expired on their
// last attempt. An empty jobType matches every type.
func (q *Queue) deadLetterExpired(ctx context.Context, now time.Time, jobType string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = 'lease expired', locked_until = NULL, completed_at = ?, updated_at = ?
		WHERE status = ? AND locked_until < ? AND attempts >= max_attempts
		  AND (? = '' OR job_type = ?)
	`, string(StatusDead), now, now, string(StatusRunning), now, jobType, jobType)
	if err != nil {
		return 0, fmt.Errorf("failed to dead-letter expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get returns a job by id, or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	var payload, status string
	err := q.db.QueryRowContext(ctx, `
		SELECT id, job_type, payload, status, attempts, max_attempts, run_after, locked_until,
		       last_error, created_at, updated_at, completed_at
		FROM jobs WHERE id = ?
	`, id).Scan(&job.ID, &job.Type, &payload, &status, &job.Attempts, &job.MaxAttempts, &job.RunAfter, &job.LockedUntil,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job.Payload = json.RawMessage(payload)
	job.Status = Status(status)
	return &job, nil
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	stats := map[Status]int{StatusQueued: 0, StatusRunning: 0, StatusSucceeded: 0, StatusDead: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}
