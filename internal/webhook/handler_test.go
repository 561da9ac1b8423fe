package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/visaflow-ai/visaflow/internal/crm"
	"github.com/visaflow-ai/visaflow/internal/inbound"
	"github.com/visaflow-ai/visaflow/internal/outbound"
	"github.com/visaflow-ai/visaflow/pkg/logging"
)

type staticSecrets struct {
	appSecret   string
	verifyToken string
}

func (s staticSecrets) AppSecret(string) string   { return s.appSecret }
func (s staticSecrets) VerifyToken(string) string { return s.verifyToken }

type fakeDedup struct {
	outcome   inbound.Outcome
	begun     []string
	finished  map[string]inbound.Result
	beginErr  error
	finishErr error
}

func newFakeDedup(outcome inbound.Outcome) *fakeDedup {
	return &fakeDedup{outcome: outcome, finished: map[string]inbound.Result{}}
}

func (f *fakeDedup) BeginProcessing(_ context.Context, _, id string) (inbound.Outcome, error) {
	f.begun = append(f.begun, id)
	return f.outcome, f.beginErr
}

func (f *fakeDedup) Finish(_ context.Context, _, id string, result inbound.Result, _ uuid.UUID) error {
	f.finished[id] = result
	return f.finishErr
}

type fakeIngest struct {
	upserts   []crm.InboundMessage
	statuses  []string
	upsertErr error
	result    *crm.InboundResult
}

func (f *fakeIngest) UpsertInbound(_ context.Context, in crm.InboundMessage) (*crm.InboundResult, error) {
	f.upserts = append(f.upserts, in)
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	return f.result, nil
}

func (f *fakeIngest) ApplyStatus(_ context.Context, id, status string, _ time.Time) error {
	f.statuses = append(f.statuses, id+":"+status)
	return nil
}

type fakeEnqueuer struct {
	jobs    []outbound.NewJob
	created bool
	err     error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job outbound.NewJob) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.jobs = append(f.jobs, job)
	return f.created, nil
}

type handlerFixture struct {
	dedup   *fakeDedup
	ingest  *fakeIngest
	jobs    *fakeEnqueuer
	queue   *outbound.MemoryQueue
	router  *chi.Mux
	secrets staticSecrets
}

func newHandlerFixture(outcome inbound.Outcome) *handlerFixture {
	f := &handlerFixture{
		dedup: newFakeDedup(outcome),
		ingest: &fakeIngest{result: &crm.InboundResult{
			ContactID:      uuid.New(),
			ConversationID: uuid.New(),
			LeadID:         uuid.New(),
			MessageID:      uuid.New(),
		}},
		jobs:    &fakeEnqueuer{created: true},
		queue:   outbound.NewMemoryQueue(8),
		secrets: staticSecrets{appSecret: "app-secret", verifyToken: "verify-me"},
	}
	h := NewHandler(f.secrets, f.dedup, f.ingest, f.jobs, businessNumber, logging.Default(),
		WithNudgeQueue(f.queue),
	)
	f.router = chi.NewRouter()
	f.router.Get("/webhooks/{provider}", h.HandleVerify)
	f.router.Post("/webhooks/{provider}", h.HandleEvent)
	return f
}

func (f *handlerFixture) post(t *testing.T, body []byte, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(body))
	if signed {
		req.Header.Set("X-Hub-Signature-256", sign(f.secrets.appSecret, body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleVerifyChallenge(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Fatalf("expected literal challenge, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("expected text/plain, got %q", ct)
	}
}

func TestHandleVerifyBadToken(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleEventAcceptedMessage(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)
	body := loadFixture(t, "text_message.json")

	rec := f.post(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.dedup.begun) != 1 {
		t.Fatalf("expected one dedup insert, got %d", len(f.dedup.begun))
	}
	if len(f.ingest.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(f.ingest.upserts))
	}
	up := f.ingest.upserts[0]
	if up.SenderName != "Amira Hassan" || up.Body != "Hi" || up.Kind != "text" {
		t.Fatalf("unexpected upsert: %+v", up)
	}
	if len(f.jobs.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(f.jobs.jobs))
	}
	if f.jobs.jobs[0].TriggerProviderMessageID == "" {
		t.Fatal("job must carry the trigger message id")
	}
	if got := f.dedup.finished[f.dedup.begun[0]]; got != inbound.ResultCompleted {
		t.Fatalf("expected completed, got %q", got)
	}

	// Enqueue nudges the worker queue.
	msgs, err := f.queue.Receive(context.Background(), 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one nudge, got %d (err %v)", len(msgs), err)
	}
}

func TestHandleEventDuplicateSkipsProcessing(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeDuplicateCompleted)
	body := loadFixture(t, "text_message.json")

	rec := f.post(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("duplicates must still be acknowledged, got %d", rec.Code)
	}
	if len(f.ingest.upserts) != 0 {
		t.Fatal("duplicate must not re-run the upsert")
	}
	if len(f.jobs.jobs) != 0 {
		t.Fatal("duplicate must not enqueue a job")
	}
	if len(f.dedup.finished) != 0 {
		t.Fatal("duplicate must not touch the dedup record")
	}
}

func TestHandleEventBadSignature(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)
	body := loadFixture(t, "text_message.json")

	rec := f.post(t, body, false)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(f.dedup.begun) != 0 {
		t.Fatal("rejected requests must not create dedup records")
	}
	if len(f.jobs.jobs) != 0 {
		t.Fatal("rejected requests must not create jobs")
	}
}

func TestHandleEventMalformedJSON(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)
	body := []byte(`{"object": "whatsapp_business_account", "entry": [`)

	rec := f.post(t, body, true)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEventStatusesOnlyCreateNoJobs(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)
	body := loadFixture(t, "statuses_only.json")

	rec := f.post(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(f.ingest.statuses) != 2 {
		t.Fatalf("expected two status applications, got %v", f.ingest.statuses)
	}
	if len(f.dedup.begun) != 0 {
		t.Fatal("status events must not write dedup records")
	}
	if len(f.jobs.jobs) != 0 {
		t.Fatal("status events must never create jobs")
	}
}

func TestHandleEventEchoCreatesNothing(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)
	body := loadFixture(t, "echo_message.json")

	rec := f.post(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(f.dedup.begun) != 0 || len(f.jobs.jobs) != 0 {
		t.Fatal("echo payloads must produce zero records and zero jobs")
	}
}

func TestHandleEventUpsertFailureStillAcks(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)
	f.ingest.upsertErr = errors.New("db down")
	body := loadFixture(t, "text_message.json")

	rec := f.post(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("post-verification failures must still return 200, got %d", rec.Code)
	}
	if got := f.dedup.finished[f.dedup.begun[0]]; got != inbound.ResultFailed {
		t.Fatalf("expected inbound record marked failed, got %q", got)
	}
	if len(f.jobs.jobs) != 0 {
		t.Fatal("no job may be created when the upsert fails")
	}
}

func TestHandleEventEnqueueFailureMarksFailed(t *testing.T) {
	f := newHandlerFixture(inbound.OutcomeAccepted)
	f.jobs.err = errors.New("queue down")
	body := loadFixture(t, "text_message.json")

	rec := f.post(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := f.dedup.finished[f.dedup.begun[0]]; got != inbound.ResultFailed {
		t.Fatalf("expected inbound record marked failed, got %q", got)
	}
}
