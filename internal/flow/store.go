// Package flow tracks per-conversation intake flow state: which flow a
// conversation is in, the last question asked, and the data collected so far.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// State is the flow snapshot for one conversation.
type State struct {
	ConversationID  uuid.UUID
	FlowKey         string
	FlowStep        string
	LastQuestionKey string
	LastQuestionAt  *time.Time
	CollectedData   map[string]string
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists flow state in Postgres, one row per conversation.
type Store struct {
	pool querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("flow: pgx pool required")
	}
	return &Store{pool: pool}
}

func newStoreWithExec(exec querier) *Store {
	if exec == nil {
		panic("flow: exec required")
	}
	return &Store{pool: exec}
}

// EnsureState creates the state row for a conversation if it does not exist
// yet, leaving an existing row untouched.
func (s *Store) EnsureState(ctx context.Context, conversationID uuid.UUID, flowKey string) error {
	query := `
		INSERT INTO conversation_flow_states (conversation_id, flow_key)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, conversationID, flowKey); err != nil {
		return fmt.Errorf("flow: ensure state: %w", err)
	}
	return nil
}

// Get loads the flow state for a conversation. Returns nil when the
// conversation has no state row yet.
func (s *Store) Get(ctx context.Context, conversationID uuid.UUID) (*State, error) {
	query := `
		SELECT conversation_id, flow_key, flow_step, last_question_key, last_question_at, collected_data
		FROM conversation_flow_states
		WHERE conversation_id = $1
	`
	var (
		st      State
		rawData []byte
	)
	err := s.pool.QueryRow(ctx, query, conversationID).Scan(
		&st.ConversationID, &st.FlowKey, &st.FlowStep,
		&st.LastQuestionKey, &st.LastQuestionAt, &rawData,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: get state: %w", err)
	}
	st.CollectedData = map[string]string{}
	if len(rawData) > 0 {
		if err := json.Unmarshal(rawData, &st.CollectedData); err != nil {
			return nil, fmt.Errorf("flow: decode collected data: %w", err)
		}
	}
	return &st, nil
}

// WasQuestionAsked reports whether questionKey was the last question asked in
// the conversation within the given window. It is the anti-repeat gate the
// worker consults before sending a question again.
func (s *Store) WasQuestionAsked(ctx context.Context, conversationID uuid.UUID, questionKey string, window time.Duration) (bool, error) {
	if questionKey == "" {
		return false, nil
	}
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversation_flow_states
			WHERE conversation_id = $1
			  AND last_question_key = $2
			  AND last_question_at IS NOT NULL
			  AND last_question_at > now() - $3
		)
	`
	var asked bool
	if err := s.pool.QueryRow(ctx, query, conversationID, questionKey, window).Scan(&asked); err != nil {
		return false, fmt.Errorf("flow: check question asked: %w", err)
	}
	return asked, nil
}

// RecordQuestionAsked marks questionKey as the conversation's most recent
// question and optionally advances the flow step.
func (s *Store) RecordQuestionAsked(ctx context.Context, conversationID uuid.UUID, questionKey, flowStep string) error {
	query := `
		UPDATE conversation_flow_states
		SET last_question_key = $2,
			last_question_at = now(),
			flow_step = COALESCE(NULLIF($3, ''), flow_step),
			updated_at = now()
		WHERE conversation_id = $1
	`
	if _, err := s.pool.Exec(ctx, query, conversationID, questionKey, flowStep); err != nil {
		return fmt.Errorf("flow: record question: %w", err)
	}
	return nil
}

// RecordCollectedData merges fields into the conversation's collected data.
// The jsonb concatenation is merge-only: existing keys are overwritten when
// present in fields, but keys absent from fields are never dropped.
func (s *Store) RecordCollectedData(ctx context.Context, conversationID uuid.UUID, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("flow: encode collected data: %w", err)
	}
	query := `
		UPDATE conversation_flow_states
		SET collected_data = collected_data || $2::jsonb,
			updated_at = now()
		WHERE conversation_id = $1
	`
	if _, err := s.pool.Exec(ctx, query, conversationID, patch); err != nil {
		return fmt.Errorf("flow: record collected data: %w", err)
	}
	return nil
}
