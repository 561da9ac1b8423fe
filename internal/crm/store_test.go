package crm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, newStoreWithDB(mock)
}

func TestUpsertInboundResolvesAllRows(t *testing.T) {
	mock, store := newMockStore(t)

	contactID := uuid.New()
	convID := uuid.New()
	leadID := uuid.New()
	msgID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO contacts").
		WithArgs("whatsapp", "15551234567", "+15551234567", "Amira").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(contactID))
	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs("whatsapp", contactID, "15551234567").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(convID))
	mock.ExpectQuery("INSERT INTO leads").
		WithArgs(contactID, "whatsapp").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(leadID))
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(convID, "text", "hello", nil, "wamid.1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(msgID))
	mock.ExpectCommit()

	res, err := store.UpsertInbound(context.Background(), InboundMessage{
		Provider:          "whatsapp",
		SenderExternalID:  "15551234567",
		SenderPhone:       "+15551234567",
		SenderName:        "Amira",
		ProviderMessageID: "wamid.1",
		Kind:              "text",
		Body:              "hello",
	})
	if err != nil {
		t.Fatalf("upsert inbound: %v", err)
	}
	if res.ConversationID != convID || res.MessageID != msgID || res.LeadID != leadID {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertInboundRollsBackOnError(t *testing.T) {
	mock, store := newMockStore(t)

	contactID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO contacts").
		WithArgs("whatsapp", "15551234567", "", "").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(contactID))
	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs("whatsapp", contactID, "15551234567").
		WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()

	_, err := store.UpsertInbound(context.Background(), InboundMessage{
		Provider:          "whatsapp",
		SenderExternalID:  "15551234567",
		ProviderMessageID: "wamid.1",
		Kind:              "text",
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestApplyStatusUnknownMessageIgnored(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectQuery("UPDATE messages").
		WithArgs("wamid.unknown", "delivered").
		WillReturnError(pgx.ErrNoRows)

	if err := store.ApplyStatus(context.Background(), "wamid.unknown", "delivered", time.Now()); err != nil {
		t.Fatalf("apply status: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no history insert: %v", err)
	}
}

func TestApplyStatusWritesHistoryOnChange(t *testing.T) {
	mock, store := newMockStore(t)

	msgID := uuid.New()
	occurred := time.Now().UTC()
	mock.ExpectQuery("UPDATE messages").
		WithArgs("wamid.1", "read").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(msgID))
	mock.ExpectExec("INSERT INTO message_status_history").
		WithArgs(msgID, "read", occurred).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.ApplyStatus(context.Background(), "wamid.1", "read", occurred); err != nil {
		t.Fatalf("apply status: %v", err)
	}
}

func TestApplyStatusEmptyArgsNoop(t *testing.T) {
	mock, store := newMockStore(t)

	if err := store.ApplyStatus(context.Background(), "", "delivered", time.Now()); err != nil {
		t.Fatalf("apply status: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no queries: %v", err)
	}
}

func TestConversationContextOrdersTranscriptOldestFirst(t *testing.T) {
	mock, store := newMockStore(t)

	convID := uuid.New()
	leadID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("SELECT c.id, c.provider").
		WithArgs(convID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider", "assigned_agent_id", "external_id", "phone", "display_name", "lead_id", "status",
		}).AddRow(convID, "whatsapp", nil, "15551234567", "+15551234567", "Amira", leadID, "new"))
	mock.ExpectQuery("SELECT direction, body, created_at").
		WithArgs(convID).
		WillReturnRows(pgxmock.NewRows([]string{"direction", "body", "created_at"}).
			AddRow("inbound", "second", now).
			AddRow("outbound", "first", now.Add(-time.Minute)))

	cc, err := store.ConversationContext(context.Background(), convID)
	if err != nil {
		t.Fatalf("conversation context: %v", err)
	}
	if cc.AssignedToHuman() {
		t.Fatal("conversation should not be assigned to a human")
	}
	if len(cc.RecentMessages) != 2 {
		t.Fatalf("expected 2 transcript entries, got %d", len(cc.RecentMessages))
	}
	if cc.RecentMessages[0].Body != "first" || cc.RecentMessages[1].Body != "second" {
		t.Fatalf("transcript not oldest-first: %+v", cc.RecentMessages)
	}
}

func TestConversationContextAssignedAgent(t *testing.T) {
	mock, store := newMockStore(t)

	convID := uuid.New()
	agentID := uuid.New()
	leadID := uuid.New()

	mock.ExpectQuery("SELECT c.id, c.provider").
		WithArgs(convID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider", "assigned_agent_id", "external_id", "phone", "display_name", "lead_id", "status",
		}).AddRow(convID, "whatsapp", &agentID, "15551234567", "", "", leadID, "engaged"))
	mock.ExpectQuery("SELECT direction, body, created_at").
		WithArgs(convID).
		WillReturnRows(pgxmock.NewRows([]string{"direction", "body", "created_at"}))

	cc, err := store.ConversationContext(context.Background(), convID)
	if err != nil {
		t.Fatalf("conversation context: %v", err)
	}
	if !cc.AssignedToHuman() {
		t.Fatal("expected conversation to be assigned to a human")
	}
}

func TestRecordOutbound(t *testing.T) {
	mock, store := newMockStore(t)

	convID := uuid.New()
	msgID := uuid.New()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(convID, "Thanks, noted!", "wamid.out.1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(msgID))

	id, err := store.RecordOutbound(context.Background(), OutboundRecord{
		ConversationID:    convID,
		Body:              "Thanks, noted!",
		ProviderMessageID: "wamid.out.1",
	})
	if err != nil {
		t.Fatalf("record outbound: %v", err)
	}
	if id != msgID {
		t.Fatalf("unexpected message id %s", id)
	}
}

func TestCreateFollowUpTask(t *testing.T) {
	mock, store := newMockStore(t)

	leadID := uuid.New()
	mock.ExpectExec("INSERT INTO follow_up_tasks").
		WithArgs(&leadID, "generator-timeout", "reply generation exceeded budget").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.CreateFollowUpTask(context.Background(), &leadID, "generator-timeout", "reply generation exceeded budget"); err != nil {
		t.Fatalf("create follow-up task: %v", err)
	}
}
