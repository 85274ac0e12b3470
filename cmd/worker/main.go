// Command radsched-worker drains the order-intake queue and feeds each
// delivery to scheduling.Intake, which de-duplicates by order id before
// starting a new SMS scheduling session.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/quantumlife-health/radsched/internal/audit"
	"github.com/quantumlife-health/radsched/internal/config"
	"github.com/quantumlife-health/radsched/internal/consent"
	"github.com/quantumlife-health/radsched/internal/equipment"
	"github.com/quantumlife-health/radsched/internal/ingest"
	"github.com/quantumlife-health/radsched/internal/phoneid"
	"github.com/quantumlife-health/radsched/internal/ris"
	"github.com/quantumlife-health/radsched/internal/scheduling"
	"github.com/quantumlife-health/radsched/internal/smsgateway"
	"github.com/quantumlife-health/radsched/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting radsched order intake worker")

	if cfg.DatabaseURL == "" {
		logger.Error("order intake worker requires DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	phoneCodec := workerPhoneCodec(logger)
	risClient := workerRISClient(cfg, logger)
	sender := workerTelnyxSender(cfg, logger)
	if phoneCodec == nil || risClient == nil || sender == nil {
		logger.Error("order intake worker missing required dependency (phone codec, RIS client, or SMS sender)")
		os.Exit(1)
	}

	sessionStore := scheduling.NewStore(pool)
	consentStore := consent.NewStore(sqlDB)
	auditStore := audit.NewStore(sqlDB)
	equipCatalog := equipment.NewCatalog(pool, nil)

	engine := scheduling.NewEngine(sessionStore, consentStore, auditStore, equipCatalog, risClient, sender, phoneCodec, logger.Logger, scheduling.DefaultConfig())
	processed := scheduling.NewProcessedOrderStore(pool)
	intake := scheduling.NewIntake(engine, processed)

	queue := workerOrderQueue(ctx, cfg, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go runIntakeLoop(ctx, queue, intake, logger)

	<-stop
	logger.Info("order intake worker shutting down")
	cancel()
	time.Sleep(2 * time.Second)
}

// runIntakeLoop polls the order queue until ctx is cancelled, accepting each
// delivered order and deleting it from the queue once Intake.Accept
// succeeds. A failed Accept leaves the message in place for redelivery.
func runIntakeLoop(ctx context.Context, queue ingest.Queue, intake *scheduling.Intake, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := queue.Receive(ctx, 10, 20)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("order queue receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			job, err := ingest.DecodeOrderJob(msg.Body)
			if err != nil {
				logger.Error("failed to decode order job, dropping", "error", err, "message_id", msg.ID)
				_ = queue.Delete(ctx, msg.ReceiptHandle)
				continue
			}

			if err := intake.Accept(ctx, job.Order); err != nil {
				logger.Error("failed to accept order", "error", err, "order_id", job.Order.OrderID)
				continue
			}

			if err := queue.Delete(ctx, msg.ReceiptHandle); err != nil {
				logger.Error("failed to delete processed order message", "error", err, "message_id", msg.ID)
			}
			logger.Info("accepted order", "order_id", job.Order.OrderID)
		}
	}
}

func workerPhoneCodec(logger *logging.Logger) *phoneid.Codec {
	hashKey := []byte(os.Getenv("PHONE_HASH_KEY"))
	encKey := []byte(os.Getenv("PHONE_ENCRYPTION_KEY"))
	if len(hashKey) == 0 || len(encKey) != 32 {
		logger.Error("PHONE_HASH_KEY/PHONE_ENCRYPTION_KEY not configured correctly")
		return nil
	}
	codec, err := phoneid.NewCodec(hashKey, encKey)
	if err != nil {
		logger.Error("failed to build phone codec", "error", err)
		return nil
	}
	return codec
}

func workerRISClient(cfg *config.Config, logger *logging.Logger) *ris.Client {
	client, err := ris.New(ris.Config{
		BaseURL:    cfg.RISBaseURL,
		APIKey:     cfg.RISAPIKey,
		Timeout:    cfg.RISTimeout,
		MaxRetries: cfg.RISMaxRetries,
		BaseDelay:  cfg.RISBaseDelay,
		MaxDelay:   cfg.RISMaxDelay,
		Logger:     logger.Logger,
	})
	if err != nil {
		logger.Error("failed to configure RIS client", "error", err)
		return nil
	}
	return client
}

func workerTelnyxSender(cfg *config.Config, logger *logging.Logger) *smsgateway.TelnyxSender {
	sender, err := smsgateway.NewTelnyxSender(smsgateway.TelnyxConfig{
		APIKey:             cfg.TelnyxAPIKey,
		MessagingProfileID: cfg.TelnyxMessagingProfileID,
		FromNumber:         cfg.TelnyxFromNumber,
		WebhookSecret:      cfg.TelnyxWebhookSecret,
		Timeout:            cfg.TelnyxTimeout,
		Logger:             logger.Logger,
	})
	if err != nil {
		logger.Error("failed to configure telnyx sender", "error", err)
		return nil
	}
	return sender
}

// workerOrderQueue mirrors cmd/api's setupOrderQueue: the worker must poll
// the same queue the API enqueues to, so ORDER_INTAKE_QUEUE_URL selects SQS
// in any deployment that isn't a single-process dev setup.
func workerOrderQueue(ctx context.Context, cfg *config.Config, logger *logging.Logger) ingest.Queue {
	queueURL := os.Getenv("ORDER_INTAKE_QUEUE_URL")
	if queueURL == "" {
		logger.Warn("ORDER_INTAKE_QUEUE_URL not set, worker will idle on an empty in-memory queue")
		return ingest.NewMemoryQueue(1024)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(envOrDefaultRegion()))
	if err != nil {
		logger.Error("failed to load AWS config for order queue", "error", err)
		os.Exit(1)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(queueURL)
	})
	return ingest.NewSQSQueue(client, queueURL)
}

func envOrDefaultRegion() string {
	if v := os.Getenv("AWS_REGION"); v != "" {
		return v
	}
	return "us-east-1"
}
