package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visaflow-ai/visaflow/cmd/mainconfig"
	"github.com/visaflow-ai/visaflow/internal/api/router"
	"github.com/visaflow-ai/visaflow/internal/channels/whatsapp"
	appconfig "github.com/visaflow-ai/visaflow/internal/config"
	"github.com/visaflow-ai/visaflow/internal/crm"
	"github.com/visaflow-ai/visaflow/internal/flow"
	"github.com/visaflow-ai/visaflow/internal/inbound"
	"github.com/visaflow-ai/visaflow/internal/observability/metrics"
	"github.com/visaflow-ai/visaflow/internal/outbound"
	"github.com/visaflow-ai/visaflow/internal/reply"
	"github.com/visaflow-ai/visaflow/internal/webhook"
	"github.com/visaflow-ai/visaflow/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting visaflow API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	webhookMetrics := metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)

	inboundStore := inbound.NewStore(pool)
	crmStore := crm.NewStore(pool)
	jobStore := outbound.NewJobStore(pool)

	// In dev mode (USE_MEMORY_QUEUE) the reply worker runs in-process and the
	// nudge queue is a shared channel. In production the nudge goes through
	// SQS and a separate reply-worker binary drains the jobs.
	var nudgeQueue outbound.Queue
	var devWorker *outbound.Worker
	switch {
	case cfg.UseMemoryQueue:
		memQueue := outbound.NewMemoryQueue(64)
		nudgeQueue = memQueue
		devWorker = buildDevWorker(ctx, cfg, pool, memQueue, webhookMetrics, logger)
		devWorker.Start(ctx)
		logger.Info("dev mode: reply worker running in-process")
	case cfg.ReplyQueueURL != "":
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		nudgeQueue = outbound.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.ReplyQueueURL)
	default:
		logger.Warn("no nudge queue configured, workers rely on polling alone")
	}

	handlerOpts := []webhook.Option{webhook.WithMetrics(webhookMetrics)}
	if nudgeQueue != nil {
		handlerOpts = append(handlerOpts, webhook.WithNudgeQueue(nudgeQueue))
	}
	webhookHandler := webhook.NewHandler(
		appconfig.NewEnvSecretSource(cfg),
		inboundStore,
		crmStore,
		jobStore,
		cfg.WhatsAppBusinessNumber,
		logger,
		handlerOpts...,
	)

	r := router.New(&router.Config{
		Logger:         logger,
		WebhookHandler: webhookHandler,
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if devWorker != nil {
		cancel()
		waitCh := make(chan struct{})
		go func() {
			devWorker.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-shutdownCtx.Done():
			logger.Error("dev worker shutdown timed out")
		}
	}

	logger.Info("server stopped")
}

// buildDevWorker wires a full reply worker against the same pool and nudge
// queue as the HTTP handler, for single-binary local runs.
func buildDevWorker(ctx context.Context, cfg *appconfig.Config, pool *pgxpool.Pool, queue outbound.Queue, m *metrics.WebhookMetrics, logger *logging.Logger) *outbound.Worker {
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	var fallback reply.LLMClient
	if cfg.GeminiAPIKey != "" {
		gemini, err := reply.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Warn("gemini fallback unavailable", "error", err)
		} else {
			fallback = gemini
		}
	}
	client := reply.NewFallbackLLMClient(reply.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg)), fallback, logger.Logger)
	generator := reply.NewLLMGenerator(client, cfg.BedrockModelID, logger)

	sender := whatsapp.NewClient(cfg.WhatsAppAccessToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAPIBaseURL, logger)

	return outbound.NewWorker(
		outbound.NewJobStore(pool),
		outbound.NewDispatchStore(pool),
		crm.NewStore(pool),
		flow.NewStore(pool),
		generator,
		sender,
		logger,
		outbound.WithWorkerCount(cfg.WorkerCount),
		outbound.WithPollInterval(cfg.WorkerPollInterval),
		outbound.WithMaxAttempts(cfg.ReplyMaxAttempts),
		outbound.WithRetryBaseDelay(cfg.ReplyRetryBaseDelay),
		outbound.WithGeneratorBudget(cfg.ReplyGeneratorBudget),
		outbound.WithQuestionRepeatWindow(cfg.QuestionRepeatWindow),
		outbound.WithNudgeQueue(queue),
		outbound.WithMetrics(m),
	)
}
