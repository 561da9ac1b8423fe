package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/visaflow-ai/visaflow/cmd/mainconfig"
	"github.com/visaflow-ai/visaflow/internal/channels/whatsapp"
	appconfig "github.com/visaflow-ai/visaflow/internal/config"
	"github.com/visaflow-ai/visaflow/internal/conversation"
	"github.com/visaflow-ai/visaflow/internal/crm"
	"github.com/visaflow-ai/visaflow/internal/flow"
	"github.com/visaflow-ai/visaflow/internal/observability/metrics"
	"github.com/visaflow-ai/visaflow/internal/outbound"
	"github.com/visaflow-ai/visaflow/internal/reply"
	"github.com/visaflow-ai/visaflow/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting visaflow reply worker", "env", cfg.Env)

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

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	generator := buildGenerator(ctx, cfg, awsCfg, logger)
	sender := whatsapp.NewClient(cfg.WhatsAppAccessToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAPIBaseURL, logger)

	jobStore := outbound.NewJobStore(pool)
	dispatchStore := outbound.NewDispatchStore(pool)
	crmStore := crm.NewStore(pool)
	flowStore := flow.NewStore(pool)

	opts := []outbound.WorkerOption{
		outbound.WithWorkerCount(cfg.WorkerCount),
		outbound.WithPollInterval(cfg.WorkerPollInterval),
		outbound.WithMaxAttempts(cfg.ReplyMaxAttempts),
		outbound.WithRetryBaseDelay(cfg.ReplyRetryBaseDelay),
		outbound.WithGeneratorBudget(cfg.ReplyGeneratorBudget),
		outbound.WithQuestionRepeatWindow(cfg.QuestionRepeatWindow),
		outbound.WithMetrics(metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)),
	}

	switch {
	case cfg.UseMemoryQueue:
		opts = append(opts, outbound.WithNudgeQueue(outbound.NewMemoryQueue(64)))
	case cfg.ReplyQueueURL != "":
		opts = append(opts, outbound.WithNudgeQueue(outbound.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.ReplyQueueURL)))
	}

	if cfg.RedisAddr != "" {
		redisOpts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts = append(opts, outbound.WithTranscriptStore(
			conversation.NewTranscriptStore(redis.NewClient(redisOpts)),
		))
	}

	worker := outbound.NewWorker(jobStore, dispatchStore, crmStore, flowStore, generator, sender, logger, opts...)
	worker.Start(ctx)

	// Requeue jobs stranded in RUNNING by a worker that died mid-attempt.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := jobStore.ReclaimStuck(ctx, 5*time.Minute)
				if err != nil {
					logger.Error("failed to reclaim stuck jobs", "error", err)
					continue
				}
				if n > 0 {
					logger.Warn("reclaimed stuck reply jobs", "count", n)
				}
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down reply worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("reply worker stopped")
	case <-doneCtx.Done():
		logger.Error("reply worker shutdown timed out", "error", doneCtx.Err())
	}
}

// buildGenerator assembles the LLM chain: Bedrock primary, Gemini fallback
// when an API key is configured.
func buildGenerator(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) reply.Generator {
	primary := reply.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))

	var fallback reply.LLMClient
	if cfg.GeminiAPIKey != "" {
		gemini, err := reply.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Warn("gemini fallback unavailable", "error", err)
		} else {
			fallback = gemini
		}
	}

	client := reply.NewFallbackLLMClient(primary, fallback, logger.Logger)
	return reply.NewLLMGenerator(client, cfg.BedrockModelID, logger)
}
