// Package outbound owns the durable reply job queue and the dispatch
// idempotency ledger. Jobs live in Postgres; SQS (or the in-memory queue)
// only nudges workers to poll sooner.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobStatus is the lifecycle state of a reply job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one durable unit of reply work, keyed by the inbound message that
// triggered it.
type Job struct {
	ID                       uuid.UUID
	Provider                 string
	ConversationID           uuid.UUID
	InboundMessageID         uuid.UUID
	TriggerProviderMessageID string
	Status                   JobStatus
	DoneReason               string
	Attempts                 int
	Priority                 int
	CreatedAt                time.Time
}

// NewJob carries the fields required to enqueue a reply job.
type NewJob struct {
	Provider                 string
	ConversationID           uuid.UUID
	InboundMessageID         uuid.UUID
	TriggerProviderMessageID string
	Priority                 int
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobStore persists reply jobs in Postgres.
type JobStore struct {
	pool querier
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	if pool == nil {
		panic("outbound: pgx pool required")
	}
	return &JobStore{pool: pool}
}

func newJobStoreWithExec(exec querier) *JobStore {
	if exec == nil {
		panic("outbound: exec required")
	}
	return &JobStore{pool: exec}
}

// Enqueue inserts a queued job for the triggering inbound message. The unique
// index on (provider, trigger_provider_message_id) makes the insert a no-op
// when a job for that trigger already exists in any state; created reports
// whether this call won the insert.
func (s *JobStore) Enqueue(ctx context.Context, job NewJob) (created bool, err error) {
	if job.Provider == "" || job.TriggerProviderMessageID == "" {
		return false, errors.New("outbound: provider and trigger message id required")
	}
	query := `
		INSERT INTO reply_jobs (provider, conversation_id, inbound_message_id, trigger_provider_message_id, priority)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, trigger_provider_message_id) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, job.Provider, job.ConversationID, job.InboundMessageID, job.TriggerProviderMessageID, job.Priority)
	if err != nil {
		return false, fmt.Errorf("outbound: enqueue reply job: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ClaimNext atomically claims the oldest due queued job, bumping its attempt
// counter in the same statement. FOR UPDATE SKIP LOCKED keeps concurrent
// workers from claiming the same row. Returns nil when nothing is due.
func (s *JobStore) ClaimNext(ctx context.Context) (*Job, error) {
	query := `
		UPDATE reply_jobs
		SET status = 'running', attempts = attempts + 1, last_attempt_at = now()
		WHERE id = (
			SELECT id FROM reply_jobs
			WHERE status = 'queued' AND next_attempt_at <= now()
			ORDER BY priority DESC, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, provider, conversation_id, inbound_message_id, trigger_provider_message_id, attempts, priority, created_at
	`
	var job Job
	err := s.pool.QueryRow(ctx, query).Scan(
		&job.ID, &job.Provider, &job.ConversationID, &job.InboundMessageID,
		&job.TriggerProviderMessageID, &job.Attempts, &job.Priority, &job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("outbound: claim reply job: %w", err)
	}
	job.Status = JobStatusRunning
	return &job, nil
}

// MarkDone records a terminal success with the reason the job finished
// ("sent", "duplicate-blocked", "assigned-to-human", ...).
func (s *JobStore) MarkDone(ctx context.Context, jobID uuid.UUID, reason string) error {
	query := `
		UPDATE reply_jobs
		SET status = 'done', done_reason = $2
		WHERE id = $1 AND status = 'running'
	`
	if _, err := s.pool.Exec(ctx, query, jobID, reason); err != nil {
		return fmt.Errorf("outbound: mark job done: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure after the attempt cap is exhausted.
func (s *JobStore) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	query := `
		UPDATE reply_jobs
		SET status = 'failed', done_reason = $2
		WHERE id = $1 AND status = 'running'
	`
	if _, err := s.pool.Exec(ctx, query, jobID, reason); err != nil {
		return fmt.Errorf("outbound: mark job failed: %w", err)
	}
	return nil
}

// Requeue puts a running job back in the queue, eligible again after delay.
func (s *JobStore) Requeue(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	query := `
		UPDATE reply_jobs
		SET status = 'queued', next_attempt_at = now() + $2
		WHERE id = $1 AND status = 'running'
	`
	if _, err := s.pool.Exec(ctx, query, jobID, delay); err != nil {
		return fmt.Errorf("outbound: requeue job: %w", err)
	}
	return nil
}

// ReclaimStuck requeues jobs that have been running longer than maxAge,
// covering workers that died mid-attempt. Returns the number reclaimed.
func (s *JobStore) ReclaimStuck(ctx context.Context, maxAge time.Duration) (int64, error) {
	query := `
		UPDATE reply_jobs
		SET status = 'queued', next_attempt_at = now()
		WHERE status = 'running' AND last_attempt_at < now() - $1
	`
	ct, err := s.pool.Exec(ctx, query, maxAge)
	if err != nil {
		return 0, fmt.Errorf("outbound: reclaim stuck jobs: %w", err)
	}
	return ct.RowsAffected(), nil
}
