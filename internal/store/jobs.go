// ABOUTME: Store methods for the background job queue used by grant_sync.
// ABOUTME: Claiming uses FOR UPDATE SKIP LOCKED so workers never contend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job is a claimed job ready for execution by the worker pool.
type Job struct {
	ID       uuid.UUID
	Queue    string
	Payload  json.RawMessage
	Attempts int32
}

// EnqueueJob inserts a new job into the named queue and returns its ID.
// runAfter defaults to now() when nil.
func (s *Store) EnqueueJob(ctx context.Context, queue string, priority int32, payload json.RawMessage, maxAttempts int32, runAfter *time.Time) (uuid.UUID, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	var ra any
	if runAfter != nil {
		ra = *runAfter
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (queue, priority, payload, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))
		RETURNING id`,
		queue, priority, payload, maxAttempts, ra).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ClaimJob atomically claims one pending job from the named queue for the
// given workerID. Returns (nil, nil) when no job is currently available.
func (s *Store) ClaimJob(ctx context.Context, queue, workerID string) (*Job, error) {
	var j Job
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', locked_by = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'pending' AND run_after <= now()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload, attempts`,
		queue, workerID).Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job as succeeded.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'done', locked_by = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job as failed, applying exponential backoff for retry or
// moving it to 'dead' status once max_attempts is exhausted.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status     = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
		    run_after  = now() + (power(2, attempts) * interval '30 seconds'),
		    locked_by  = NULL,
		    last_error = NULLIF($2, ''),
		    updated_at = now()
		WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// RecoverStaleJobs resets jobs stuck in 'running' longer than staleAfter back
// to 'pending'. Returns the number of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', locked_by = NULL, updated_at = now()
		WHERE status = 'running' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(staleAfter.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
