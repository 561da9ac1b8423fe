package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/visaflow-ai/visaflow/internal/crm"
	"github.com/visaflow-ai/visaflow/internal/inbound"
	"github.com/visaflow-ai/visaflow/internal/observability/metrics"
	"github.com/visaflow-ai/visaflow/internal/outbound"
	"github.com/visaflow-ai/visaflow/pkg/logging"
)

const maxBodyBytes = 1 << 20

// SecretSource resolves per-provider webhook credentials.
type SecretSource interface {
	AppSecret(provider string) string
	VerifyToken(provider string) string
}

type dedupStore interface {
	BeginProcessing(ctx context.Context, provider, providerMessageID string) (inbound.Outcome, error)
	Finish(ctx context.Context, provider, providerMessageID string, result inbound.Result, conversationID uuid.UUID) error
}

type crmIngest interface {
	UpsertInbound(ctx context.Context, in crm.InboundMessage) (*crm.InboundResult, error)
	ApplyStatus(ctx context.Context, providerMessageID, status string, occurredAt time.Time) error
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, job outbound.NewJob) (bool, error)
}

// Handler processes webhook callbacks. The POST path does only cheap work
// inline: verify, classify, dedup-insert, upsert, enqueue. Reply generation
// always happens later in the worker.
type Handler struct {
	secrets        SecretSource
	dedup          dedupStore
	crm            crmIngest
	jobs           jobEnqueuer
	queue          outbound.Queue
	metrics        *metrics.WebhookMetrics
	logger         *logging.Logger
	businessNumber string
}

// Option customizes handler behavior.
type Option func(*Handler)

// WithNudgeQueue makes the handler nudge workers after enqueueing a job.
// Nudge failures are logged and ignored; workers poll regardless.
func WithNudgeQueue(queue outbound.Queue) Option {
	return func(h *Handler) {
		h.queue = queue
	}
}

// WithMetrics wires inbound/latency counters.
func WithMetrics(m *metrics.WebhookMetrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func NewHandler(secrets SecretSource, dedup dedupStore, crmStore crmIngest, jobs jobEnqueuer, businessNumber string, logger *logging.Logger, opts ...Option) *Handler {
	if secrets == nil {
		panic("webhook: secret source required")
	}
	if dedup == nil {
		panic("webhook: dedup store required")
	}
	if crmStore == nil {
		panic("webhook: crm store required")
	}
	if jobs == nil {
		panic("webhook: job store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		secrets:        secrets,
		dedup:          dedup,
		crm:            crmStore,
		jobs:           jobs,
		logger:         logger,
		businessNumber: businessNumber,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleVerify answers the provider's subscription handshake.
// GET /webhooks/{provider}?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	expected := h.secrets.VerifyToken(provider)
	if mode != "subscribe" || expected == "" || token != expected {
		h.logger.Warn("webhook verification rejected", "provider", provider, "mode", mode)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// HandleEvent ingests one webhook delivery.
// POST /webhooks/{provider}
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := chi.URLParam(r, "provider")
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.secrets.AppSecret(provider), r.Header.Get("X-Hub-Signature-256"), body) {
		h.logger.Warn("webhook signature mismatch", "provider", provider)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	batch, err := Classify(body, h.businessNumber)
	if err != nil {
		h.logger.Warn("webhook payload unparseable", "provider", provider, "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	for _, st := range batch.Statuses {
		if err := h.crm.ApplyStatus(ctx, st.ProviderMessageID, st.Status, st.Timestamp); err != nil {
			h.logger.Error("failed to apply status event",
				"provider", provider,
				"provider_message_id", st.ProviderMessageID,
				"error", err,
			)
		}
		h.metrics.ObserveInbound("status", "applied")
	}

	for _, msg := range batch.Messages {
		h.ingestMessage(ctx, provider, msg)
	}

	h.metrics.ObserveWebhookLatency(provider, time.Since(start).Seconds())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// ingestMessage runs the message branch for one event. Failures after the
// dedup insert mark the record FAILED but never change the HTTP response.
func (h *Handler) ingestMessage(ctx context.Context, provider string, msg MessageEvent) {
	log := h.logger.With(
		"provider", provider,
		"provider_message_id", msg.ProviderMessageID,
		"kind", string(msg.Kind),
	)

	outcome, err := h.dedup.BeginProcessing(ctx, provider, msg.ProviderMessageID)
	if err != nil {
		log.Error("dedup insert failed", "error", err)
		return
	}
	h.metrics.ObserveInbound("message", string(outcome))
	if outcome != inbound.OutcomeAccepted {
		log.Info("duplicate delivery skipped", "outcome", string(outcome))
		return
	}

	var media []byte
	if msg.Media != nil {
		media, _ = json.Marshal(msg.Media)
	}
	res, err := h.crm.UpsertInbound(ctx, crm.InboundMessage{
		Provider:          provider,
		SenderExternalID:  msg.From,
		SenderPhone:       "+" + msg.From,
		SenderName:        msg.SenderName,
		ProviderMessageID: msg.ProviderMessageID,
		Kind:              string(msg.Kind),
		Body:              msg.Body,
		Media:             media,
		SentAt:            msg.Timestamp,
	})
	if err != nil {
		log.Error("inbound upsert failed", "error", err)
		if ferr := h.dedup.Finish(ctx, provider, msg.ProviderMessageID, inbound.ResultFailed, uuid.Nil); ferr != nil {
			log.Error("failed to mark inbound record failed", "error", ferr)
		}
		return
	}

	created, err := h.jobs.Enqueue(ctx, outbound.NewJob{
		Provider:                 provider,
		ConversationID:           res.ConversationID,
		InboundMessageID:         res.MessageID,
		TriggerProviderMessageID: msg.ProviderMessageID,
	})
	if err != nil {
		log.Error("job enqueue failed", "error", err)
		if ferr := h.dedup.Finish(ctx, provider, msg.ProviderMessageID, inbound.ResultFailed, res.ConversationID); ferr != nil {
			log.Error("failed to mark inbound record failed", "error", ferr)
		}
		return
	}

	if created && h.queue != nil {
		if err := h.queue.Send(ctx, msg.ProviderMessageID); err != nil {
			log.Warn("worker nudge failed", "error", err)
		}
	}

	if err := h.dedup.Finish(ctx, provider, msg.ProviderMessageID, inbound.ResultCompleted, res.ConversationID); err != nil {
		log.Error("failed to mark inbound record completed", "error", err)
	}
	log.Info("inbound message ingested", "conversation_id", res.ConversationID, "job_created", created)
}
