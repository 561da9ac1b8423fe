package crm

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

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the Postgres-backed CRM.
type Store struct {
	pool db
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("crm: pgx pool required")
	}
	return &Store{pool: pool}
}

func newStoreWithDB(pool db) *Store {
	if pool == nil {
		panic("crm: db required")
	}
	return &Store{pool: pool}
}

// UpsertInbound resolves the contact, conversation, and lead for an inbound
// message and records the message itself, all in one transaction. Every step
// is an upsert so replays and out-of-order deliveries converge on the same
// rows.
func (s *Store) UpsertInbound(ctx context.Context, in InboundMessage) (*InboundResult, error) {
	if in.Provider == "" || in.SenderExternalID == "" {
		return nil, errors.New("crm: provider and sender id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("crm: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res InboundResult

	contactQuery := `
		INSERT INTO contacts (provider, external_id, phone, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, external_id) DO UPDATE
		SET phone = COALESCE(NULLIF(EXCLUDED.phone, ''), contacts.phone),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), contacts.display_name),
			updated_at = now()
		RETURNING id
	`
	if err := tx.QueryRow(ctx, contactQuery, in.Provider, in.SenderExternalID, in.SenderPhone, in.SenderName).Scan(&res.ContactID); err != nil {
		return nil, fmt.Errorf("crm: upsert contact: %w", err)
	}

	conversationQuery := `
		INSERT INTO conversations (provider, contact_id, external_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, external_id) DO UPDATE SET updated_at = now()
		RETURNING id
	`
	if err := tx.QueryRow(ctx, conversationQuery, in.Provider, res.ContactID, in.SenderExternalID).Scan(&res.ConversationID); err != nil {
		return nil, fmt.Errorf("crm: upsert conversation: %w", err)
	}

	leadQuery := `
		INSERT INTO leads (contact_id, source)
		VALUES ($1, $2)
		ON CONFLICT (contact_id) DO UPDATE SET updated_at = now()
		RETURNING id
	`
	if err := tx.QueryRow(ctx, leadQuery, res.ContactID, in.Provider).Scan(&res.LeadID); err != nil {
		return nil, fmt.Errorf("crm: upsert lead: %w", err)
	}

	messageQuery := `
		INSERT INTO messages (conversation_id, direction, kind, body, media, provider_message_id)
		VALUES ($1, 'inbound', $2, $3, $4, $5)
		ON CONFLICT (provider_message_id) WHERE provider_message_id IS NOT NULL DO UPDATE
		SET kind = EXCLUDED.kind
		RETURNING id
	`
	var media any
	if len(in.Media) > 0 {
		media = in.Media
	}
	if err := tx.QueryRow(ctx, messageQuery, res.ConversationID, in.Kind, in.Body, media, in.ProviderMessageID).Scan(&res.MessageID); err != nil {
		return nil, fmt.Errorf("crm: insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("crm: commit upsert: %w", err)
	}
	return &res, nil
}

// ApplyStatus applies a delivery status update to the message it references.
// Updates for unknown messages are dropped, and repeating the same status is
// a no-op; a history row is written only when the status actually changed.
func (s *Store) ApplyStatus(ctx context.Context, providerMessageID, status string, occurredAt time.Time) error {
	if providerMessageID == "" || status == "" {
		return nil
	}
	update := `
		UPDATE messages
		SET provider_status = $2
		WHERE provider_message_id = $1 AND provider_status IS DISTINCT FROM $2
		RETURNING id
	`
	var messageID uuid.UUID
	if err := s.pool.QueryRow(ctx, update, providerMessageID, status).Scan(&messageID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("crm: apply status: %w", err)
	}

	history := `
		INSERT INTO message_status_history (message_id, status, occurred_at)
		VALUES ($1, $2, $3)
	`
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, history, messageID, status, occurredAt); err != nil {
		return fmt.Errorf("crm: record status history: %w", err)
	}
	return nil
}

// ConversationContext loads the conversation, its contact and lead, and the
// most recent transcript slice.
func (s *Store) ConversationContext(ctx context.Context, conversationID uuid.UUID) (*ConversationContext, error) {
	query := `
		SELECT c.id, c.provider, c.assigned_agent_id,
			ct.external_id, ct.phone, ct.display_name,
			l.id, l.status
		FROM conversations c
		JOIN contacts ct ON ct.id = c.contact_id
		JOIN leads l ON l.contact_id = ct.id
		WHERE c.id = $1
	`
	var cc ConversationContext
	err := s.pool.QueryRow(ctx, query, conversationID).Scan(
		&cc.ConversationID, &cc.Provider, &cc.AssignedAgentID,
		&cc.ContactExternalID, &cc.ContactPhone, &cc.ContactName,
		&cc.LeadID, &cc.LeadStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("crm: conversation %s not found", conversationID)
		}
		return nil, fmt.Errorf("crm: load conversation: %w", err)
	}

	recent := `
		SELECT direction, body, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 10
	`
	rows, err := s.pool.Query(ctx, recent, conversationID)
	if err != nil {
		return nil, fmt.Errorf("crm: load transcript: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry TranscriptEntry
		if err := rows.Scan(&entry.Direction, &entry.Body, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("crm: scan transcript row: %w", err)
		}
		cc.RecentMessages = append(cc.RecentMessages, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crm: iterate transcript: %w", err)
	}
	// Oldest first for prompt building.
	for i, j := 0, len(cc.RecentMessages)-1; i < j; i, j = i+1, j-1 {
		cc.RecentMessages[i], cc.RecentMessages[j] = cc.RecentMessages[j], cc.RecentMessages[i]
	}
	return &cc, nil
}

// RecordOutbound persists a sent reply as an outbound message row.
func (s *Store) RecordOutbound(ctx context.Context, rec OutboundRecord) (uuid.UUID, error) {
	query := `
		INSERT INTO messages (conversation_id, direction, kind, body, provider_message_id, provider_status)
		VALUES ($1, 'outbound', 'text', $2, NULLIF($3, ''), 'sent')
		RETURNING id
	`
	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, query, rec.ConversationID, rec.Body, rec.ProviderMessageID).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("crm: record outbound: %w", err)
	}
	return id, nil
}

// CreateFollowUpTask opens a human follow-up task for a lead. leadID may be
// nil when the lead could not be resolved.
func (s *Store) CreateFollowUpTask(ctx context.Context, leadID *uuid.UUID, reason, details string) error {
	query := `
		INSERT INTO follow_up_tasks (lead_id, reason, details)
		VALUES ($1, $2, $3)
	`
	if _, err := s.pool.Exec(ctx, query, leadID, reason, details); err != nil {
		return fmt.Errorf("crm: create follow-up task: %w", err)
	}
	return nil
}
