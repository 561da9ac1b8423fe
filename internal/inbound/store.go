// Package inbound records which physical provider messages have been seen.
// The unique index on (provider, provider_message_id) is the synchronization
// primitive: whoever wins the insert owns processing, everyone else observes
// a duplicate outcome.
package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome of a BeginProcessing attempt.
type Outcome string

const (
	OutcomeAccepted            Outcome = "accepted"
	OutcomeDuplicateInProgress Outcome = "duplicate-in-progress"
	OutcomeDuplicateCompleted  Outcome = "duplicate-completed"
)

// Result is the terminal state recorded by Finish.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists inbound dedup records in Postgres.
type Store struct {
	pool querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("inbound: pgx pool required")
	}
	return &Store{pool: pool}
}

func newStoreWithExec(exec querier) *Store {
	if exec == nil {
		panic("inbound: exec required")
	}
	return &Store{pool: exec}
}

// BeginProcessing claims a provider message for processing. Exactly one
// caller gets OutcomeAccepted per (provider, providerMessageID); concurrent
// and replayed deliveries observe a duplicate outcome instead. A previously
// FAILED record is reclaimed so reconciliation replays can retry it.
func (s *Store) BeginProcessing(ctx context.Context, provider, providerMessageID string) (Outcome, error) {
	insert := `
		INSERT INTO inbound_events (provider, provider_message_id)
		VALUES ($1, $2)
		ON CONFLICT (provider, provider_message_id) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, insert, provider, providerMessageID)
	if err != nil {
		return "", fmt.Errorf("inbound: begin processing: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return OutcomeAccepted, nil
	}

	var status string
	query := `
		SELECT processing_status FROM inbound_events
		WHERE provider = $1 AND provider_message_id = $2
	`
	if err := s.pool.QueryRow(ctx, query, provider, providerMessageID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row vanished between insert and read; treat as in progress.
			return OutcomeDuplicateInProgress, nil
		}
		return "", fmt.Errorf("inbound: read dedup status: %w", err)
	}

	switch status {
	case string(ResultCompleted):
		return OutcomeDuplicateCompleted, nil
	case string(ResultFailed):
		reclaim := `
			UPDATE inbound_events
			SET processing_status = 'processing', received_at = now(), processed_at = NULL
			WHERE provider = $1 AND provider_message_id = $2 AND processing_status = 'failed'
		`
		ct, err := s.pool.Exec(ctx, reclaim, provider, providerMessageID)
		if err != nil {
			return "", fmt.Errorf("inbound: reclaim failed record: %w", err)
		}
		if ct.RowsAffected() > 0 {
			return OutcomeAccepted, nil
		}
		return OutcomeDuplicateInProgress, nil
	default:
		return OutcomeDuplicateInProgress, nil
	}
}

// Finish transitions a claimed record to its terminal state and attaches the
// resolved conversation id for later lookup. Records are never deleted.
func (s *Store) Finish(ctx context.Context, provider, providerMessageID string, result Result, conversationID uuid.UUID) error {
	var convID any
	if conversationID != uuid.Nil {
		convID = conversationID
	}
	query := `
		UPDATE inbound_events
		SET processing_status = $3,
			processed_at = now(),
			conversation_id = COALESCE($4, conversation_id)
		WHERE provider = $1 AND provider_message_id = $2
	`
	if _, err := s.pool.Exec(ctx, query, provider, providerMessageID, string(result), convID); err != nil {
		return fmt.Errorf("inbound: finish %s: %w", result, err)
	}
	return nil
}
