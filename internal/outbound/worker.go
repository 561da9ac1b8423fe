package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visaflow-ai/visaflow/internal/channels/whatsapp"
	"github.com/visaflow-ai/visaflow/internal/conversation"
	"github.com/visaflow-ai/visaflow/internal/crm"
	"github.com/visaflow-ai/visaflow/internal/flow"
	"github.com/visaflow-ai/visaflow/internal/observability/metrics"
	"github.com/visaflow-ai/visaflow/internal/reply"
	"github.com/visaflow-ai/visaflow/pkg/logging"
)

// Terminal done reasons recorded on reply jobs.
const (
	DoneSent             = "sent"
	DoneNoReply          = "no-reply"
	DoneAssignedToHuman  = "assigned-to-human"
	DoneDuplicateBlocked = "duplicate-blocked"
	DoneQuestionRepeat   = "duplicate-question"
	DoneGeneratorTimeout = "generator-timeout"
	FailedSendRejected   = "send-rejected"
	FailedAttemptsSpent  = "attempts-exhausted"
)

type jobQueue interface {
	ClaimNext(ctx context.Context) (*Job, error)
	MarkDone(ctx context.Context, jobID uuid.UUID, reason string) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error
	Requeue(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

type dispatchLedger interface {
	AlreadySent(ctx context.Context, provider string, conversationID uuid.UUID, triggerProviderMessageID string) (bool, error)
	RecordDispatch(ctx context.Context, d Dispatch) (bool, error)
}

type crmStore interface {
	ConversationContext(ctx context.Context, conversationID uuid.UUID) (*crm.ConversationContext, error)
	RecordOutbound(ctx context.Context, rec crm.OutboundRecord) (uuid.UUID, error)
	CreateFollowUpTask(ctx context.Context, leadID *uuid.UUID, reason, details string) error
}

type flowStore interface {
	EnsureState(ctx context.Context, conversationID uuid.UUID, flowKey string) error
	Get(ctx context.Context, conversationID uuid.UUID) (*flow.State, error)
	WasQuestionAsked(ctx context.Context, conversationID uuid.UUID, questionKey string, window time.Duration) (bool, error)
	RecordQuestionAsked(ctx context.Context, conversationID uuid.UUID, questionKey, flowStep string) error
	RecordCollectedData(ctx context.Context, conversationID uuid.UUID, fields map[string]string) error
}

// TextSender delivers one outbound text and returns the provider message id.
type TextSender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// Worker drains the reply job queue: claim, generate, dedup-check, send.
type Worker struct {
	jobs       jobQueue
	dispatches dispatchLedger
	crm        crmStore
	flows      flowStore
	generator  reply.Generator
	sender     TextSender
	queue      Queue
	transcript *conversation.TranscriptStore
	metrics    *metrics.WebhookMetrics
	logger     *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers         int
	pollInterval    time.Duration
	maxAttempts     int
	retryBaseDelay  time.Duration
	maxRetryDelay   time.Duration
	generatorBudget time.Duration
	questionWindow  time.Duration
	queue           Queue
	transcript      *conversation.TranscriptStore
	metrics         *metrics.WebhookMetrics
}

const (
	defaultWorkerCount     = 2
	defaultPollInterval    = 2 * time.Second
	defaultMaxAttempts     = 3
	defaultRetryBaseDelay  = 30 * time.Second
	defaultMaxRetryDelay   = 10 * time.Minute
	defaultGeneratorBudget = 4 * time.Second
	defaultQuestionWindow  = 30 * time.Minute
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if interval > 0 {
			cfg.pollInterval = interval
		}
	}
}

// WithMaxAttempts caps delivery attempts before a job is marked failed.
func WithMaxAttempts(attempts int) WorkerOption {
	return func(cfg *workerConfig) {
		if attempts > 0 {
			cfg.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay sets the base of the exponential retry backoff.
func WithRetryBaseDelay(delay time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if delay > 0 {
			cfg.retryBaseDelay = delay
		}
	}
}

// WithGeneratorBudget bounds how long one reply generation may take.
func WithGeneratorBudget(budget time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if budget > 0 {
			cfg.generatorBudget = budget
		}
	}
}

// WithQuestionRepeatWindow sets the anti-repeat window for flow questions.
func WithQuestionRepeatWindow(window time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if window > 0 {
			cfg.questionWindow = window
		}
	}
}

// WithNudgeQueue wires the queue workers block on between polls. Without it
// workers fall back to interval polling alone.
func WithNudgeQueue(queue Queue) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.queue = queue
	}
}

// WithTranscriptStore mirrors sent replies into the Redis transcript cache.
func WithTranscriptStore(store *conversation.TranscriptStore) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.transcript = store
	}
}

// WithMetrics wires outcome counters.
func WithMetrics(m *metrics.WebhookMetrics) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.metrics = m
	}
}

func NewWorker(jobs jobQueue, dispatches dispatchLedger, crmStore crmStore, flows flowStore, generator reply.Generator, sender TextSender, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if jobs == nil {
		panic("outbound: job store cannot be nil")
	}
	if dispatches == nil {
		panic("outbound: dispatch store cannot be nil")
	}
	if crmStore == nil {
		panic("outbound: crm store cannot be nil")
	}
	if flows == nil {
		panic("outbound: flow store cannot be nil")
	}
	if generator == nil {
		panic("outbound: generator cannot be nil")
	}
	if sender == nil {
		panic("outbound: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:         defaultWorkerCount,
		pollInterval:    defaultPollInterval,
		maxAttempts:     defaultMaxAttempts,
		retryBaseDelay:  defaultRetryBaseDelay,
		maxRetryDelay:   defaultMaxRetryDelay,
		generatorBudget: defaultGeneratorBudget,
		questionWindow:  defaultQuestionWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		jobs:       jobs,
		dispatches: dispatches,
		crm:        crmStore,
		flows:      flows,
		generator:  generator,
		sender:     sender,
		queue:      cfg.queue,
		transcript: cfg.transcript,
		metrics:    cfg.metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("reply worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("reply worker stopping", "worker_id", workerID)
			return
		default:
		}

		job, err := w.jobs.ClaimNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to claim reply job", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if job == nil {
			w.idle(ctx)
			continue
		}

		w.processJob(ctx, job)
	}
}

// idle waits for a nudge or for the poll interval, whichever comes first.
// Nudges carry no state; any receipt just means poll now.
func (w *Worker) idle(ctx context.Context) {
	if w.queue == nil {
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.pollInterval):
		}
		return
	}

	waitSecs := int(w.cfg.pollInterval / time.Second)
	if waitSecs < 1 {
		waitSecs = 1
	}
	msgs, err := w.queue.Receive(ctx, 10, waitSecs)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.logger.Warn("nudge queue receive failed", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.pollInterval):
		}
		return
	}
	for _, msg := range msgs {
		if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			w.logger.Warn("failed to delete nudge message", "error", err)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *Job) {
	log := w.logger.With(
		"job_id", job.ID,
		"conversation_id", job.ConversationID,
		"trigger", job.TriggerProviderMessageID,
		"attempt", job.Attempts,
	)
	log.Info("processing reply job")

	cc, err := w.crm.ConversationContext(ctx, job.ConversationID)
	if err != nil {
		log.Error("failed to load conversation", "error", err)
		w.retryOrFail(ctx, job, log)
		return
	}

	if cc.AssignedToHuman() {
		log.Info("conversation assigned to human, suppressing reply")
		w.finish(ctx, job, DoneAssignedToHuman, log)
		return
	}

	if err := w.flows.EnsureState(ctx, job.ConversationID, flow.DefaultFlowKey); err != nil {
		log.Error("failed to ensure flow state", "error", err)
		w.retryOrFail(ctx, job, log)
		return
	}
	state, err := w.flows.Get(ctx, job.ConversationID)
	if err != nil {
		log.Error("failed to load flow state", "error", err)
		w.retryOrFail(ctx, job, log)
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, w.cfg.generatorBudget)
	rep, err := w.generator.Generate(genCtx, reply.Request{
		Context:     cc,
		FlowState:   state,
		InboundText: lastInboundText(cc),
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The model blew its budget, not the caller. Hand the lead to a
			// human instead of leaving them waiting.
			log.Warn("reply generation exceeded budget, handing off")
			w.createFollowUp(ctx, cc, DoneGeneratorTimeout,
				fmt.Sprintf("reply generation for message %s exceeded %s", job.TriggerProviderMessageID, w.cfg.generatorBudget))
			w.finish(ctx, job, DoneGeneratorTimeout, log)
			return
		}
		log.Error("reply generation failed", "error", err)
		w.retryOrFail(ctx, job, log)
		return
	}

	if rep == nil || strings.TrimSpace(rep.Text) == "" {
		w.finish(ctx, job, DoneNoReply, log)
		return
	}

	if rep.QuestionKey != "" {
		asked, err := w.flows.WasQuestionAsked(ctx, job.ConversationID, rep.QuestionKey, w.cfg.questionWindow)
		if err != nil {
			log.Error("failed to check question history", "error", err)
			w.retryOrFail(ctx, job, log)
			return
		}
		if asked {
			log.Info("question already asked recently, suppressing", "question_key", rep.QuestionKey)
			w.recordLearned(ctx, job.ConversationID, rep, log)
			w.finish(ctx, job, DoneQuestionRepeat, log)
			return
		}
	}

	sent, err := w.dispatches.AlreadySent(ctx, job.Provider, job.ConversationID, job.TriggerProviderMessageID)
	if err != nil {
		log.Error("failed to check dispatch ledger", "error", err)
		w.retryOrFail(ctx, job, log)
		return
	}
	if sent {
		log.Info("reply already dispatched for this trigger")
		w.finish(ctx, job, DoneDuplicateBlocked, log)
		return
	}

	providerMessageID, err := w.sender.SendText(ctx, cc.ContactExternalID, rep.Text)
	if err != nil {
		if whatsapp.IsPermanent(err) {
			log.Error("send rejected permanently", "error", err)
			w.createFollowUp(ctx, cc, FailedSendRejected,
				fmt.Sprintf("provider rejected reply to message %s: %v", job.TriggerProviderMessageID, err))
			w.fail(ctx, job, FailedSendRejected, log)
			return
		}
		log.Warn("send failed, will retry", "error", err)
		w.retryOrFail(ctx, job, log)
		return
	}
	w.metrics.ObserveOutbound("sent")

	created, err := w.dispatches.RecordDispatch(ctx, Dispatch{
		Provider:                  job.Provider,
		ConversationID:            job.ConversationID,
		TriggerProviderMessageID:  job.TriggerProviderMessageID,
		OutboundTextHash:          HashText(rep.Text),
		OutboundProviderMessageID: providerMessageID,
	})
	if err != nil {
		log.Error("failed to record dispatch after send", "error", err)
	} else if !created {
		log.Warn("dispatch row already existed after send, concurrent delivery likely")
	}

	if _, err := w.crm.RecordOutbound(ctx, crm.OutboundRecord{
		ConversationID:    job.ConversationID,
		Body:              rep.Text,
		ProviderMessageID: providerMessageID,
	}); err != nil {
		log.Error("failed to persist outbound message", "error", err)
	}

	w.recordLearned(ctx, job.ConversationID, rep, log)
	if rep.QuestionKey != "" {
		if err := w.flows.RecordQuestionAsked(ctx, job.ConversationID, rep.QuestionKey, rep.FlowStep); err != nil {
			log.Error("failed to record question", "error", err)
		}
	}

	if w.transcript != nil {
		if err := w.transcript.Append(ctx, job.ConversationID.String(), conversation.TranscriptMessage{
			Role:              "assistant",
			Body:              rep.Text,
			ProviderMessageID: providerMessageID,
		}); err != nil {
			log.Warn("failed to append transcript", "error", err)
		}
	}

	w.finish(ctx, job, DoneSent, log)
}

func (w *Worker) recordLearned(ctx context.Context, conversationID uuid.UUID, rep *reply.Reply, log *logging.Logger) {
	if len(rep.Fields) == 0 {
		return
	}
	if err := w.flows.RecordCollectedData(ctx, conversationID, rep.Fields); err != nil {
		log.Error("failed to record collected data", "error", err)
	}
}

func (w *Worker) createFollowUp(ctx context.Context, cc *crm.ConversationContext, reason, details string) {
	var leadID *uuid.UUID
	if cc != nil && cc.LeadID != uuid.Nil {
		id := cc.LeadID
		leadID = &id
	}
	if err := w.crm.CreateFollowUpTask(ctx, leadID, reason, details); err != nil {
		w.logger.Error("failed to create follow-up task", "error", err, "reason", reason)
	}
}

func (w *Worker) finish(ctx context.Context, job *Job, reason string, log *logging.Logger) {
	if err := w.jobs.MarkDone(ctx, job.ID, reason); err != nil {
		log.Error("failed to mark job done", "error", err, "reason", reason)
		return
	}
	w.metrics.ObserveJobOutcome(reason)
	log.Info("reply job done", "reason", reason)
}

func (w *Worker) fail(ctx context.Context, job *Job, reason string, log *logging.Logger) {
	if err := w.jobs.MarkFailed(ctx, job.ID, reason); err != nil {
		log.Error("failed to mark job failed", "error", err, "reason", reason)
		return
	}
	w.metrics.ObserveJobOutcome(reason)
	log.Warn("reply job failed", "reason", reason)
}

// retryOrFail requeues the job with backoff, or fails it once attempts are
// spent and opens a follow-up task so the lead is not dropped silently.
func (w *Worker) retryOrFail(ctx context.Context, job *Job, log *logging.Logger) {
	if job.Attempts >= w.cfg.maxAttempts {
		w.createFollowUp(ctx, nil, FailedAttemptsSpent,
			fmt.Sprintf("reply job %s gave up after %d attempts (conversation %s)", job.ID, job.Attempts, job.ConversationID))
		w.fail(ctx, job, FailedAttemptsSpent, log)
		return
	}
	delay := retryDelay(w.cfg.retryBaseDelay, w.cfg.maxRetryDelay, job.Attempts)
	if err := w.jobs.Requeue(ctx, job.ID, delay); err != nil {
		log.Error("failed to requeue job", "error", err)
		return
	}
	log.Info("reply job requeued", "delay", delay.String())
}

// retryDelay doubles per attempt: base after the first try, 2x base after the
// second, and so on, capped at max.
func retryDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 16 {
		shift = 16
	}
	delay := base << shift
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func lastInboundText(cc *crm.ConversationContext) string {
	if cc == nil {
		return ""
	}
	for i := len(cc.RecentMessages) - 1; i >= 0; i-- {
		if cc.RecentMessages[i].Direction == "inbound" {
			return cc.RecentMessages[i].Body
		}
	}
	return ""
}
