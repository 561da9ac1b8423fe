package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Dispatch is one outbound send recorded at the moment it happened. Rows are
// created only when a send is actually attempted, never when a job is merely
// enqueued, so the table is the true idempotency boundary for outbound text.
type Dispatch struct {
	Provider                  string
	ConversationID            uuid.UUID
	TriggerProviderMessageID  string
	OutboundTextHash          string
	OutboundProviderMessageID string
}

// DispatchStore persists the outbound dedup ledger.
type DispatchStore struct {
	pool querier
}

func NewDispatchStore(pool *pgxpool.Pool) *DispatchStore {
	if pool == nil {
		panic("outbound: pgx pool required")
	}
	return &DispatchStore{pool: pool}
}

func newDispatchStoreWithExec(exec querier) *DispatchStore {
	if exec == nil {
		panic("outbound: exec required")
	}
	return &DispatchStore{pool: exec}
}

// AlreadySent reports whether a reply for this trigger was already dispatched
// to the conversation. Workers must check this before every send.
func (s *DispatchStore) AlreadySent(ctx context.Context, provider string, conversationID uuid.UUID, triggerProviderMessageID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM reply_dispatches
			WHERE provider = $1 AND conversation_id = $2 AND trigger_provider_message_id = $3
		)
	`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, provider, conversationID, triggerProviderMessageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("outbound: check dispatch: %w", err)
	}
	return exists, nil
}

// RecordDispatch writes the send record. created is false when another worker
// recorded a dispatch for the same trigger first; callers treat that as a
// duplicate send that already happened.
func (s *DispatchStore) RecordDispatch(ctx context.Context, d Dispatch) (created bool, err error) {
	query := `
		INSERT INTO reply_dispatches (provider, conversation_id, trigger_provider_message_id, outbound_text_hash, outbound_provider_message_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, conversation_id, trigger_provider_message_id) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, d.Provider, d.ConversationID, d.TriggerProviderMessageID, d.OutboundTextHash, d.OutboundProviderMessageID)
	if err != nil {
		return false, fmt.Errorf("outbound: record dispatch: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// HashText returns the hex sha256 of outbound text, stored instead of the
// text itself.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
