// Package crm persists the durable conversation records behind the webhook
// pipeline: contacts, conversations, leads, messages, and follow-up tasks.
package crm

import (
	"time"

	"github.com/google/uuid"
)

// InboundMessage is the normalized inbound message the webhook handler hands
// to the CRM for persistence.
type InboundMessage struct {
	Provider          string
	SenderExternalID  string
	SenderPhone       string
	SenderName        string
	ProviderMessageID string
	Kind              string
	Body              string
	Media             []byte
	SentAt            time.Time
}

// InboundResult reports the rows an inbound upsert resolved to.
type InboundResult struct {
	ContactID      uuid.UUID
	ConversationID uuid.UUID
	LeadID         uuid.UUID
	MessageID      uuid.UUID
}

// TranscriptEntry is one message of recent conversation history.
type TranscriptEntry struct {
	Direction string
	Body      string
	CreatedAt time.Time
}

// ConversationContext is everything the reply worker needs to know about a
// conversation before generating a reply.
type ConversationContext struct {
	ConversationID    uuid.UUID
	Provider          string
	ContactExternalID string
	ContactPhone      string
	ContactName       string
	AssignedAgentID   *uuid.UUID
	LeadID            uuid.UUID
	LeadStatus        string
	RecentMessages    []TranscriptEntry
}

// AssignedToHuman reports whether a human agent owns the conversation, which
// suppresses automated replies.
func (c *ConversationContext) AssignedToHuman() bool {
	return c != nil && c.AssignedAgentID != nil
}

// OutboundRecord is an outbound message to persist after a successful send.
type OutboundRecord struct {
	ConversationID    uuid.UUID
	Body              string
	ProviderMessageID string
}
