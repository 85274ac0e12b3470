package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/quantumlife-health/radsched/internal/api/router"
	"github.com/quantumlife-health/radsched/internal/archive"
	"github.com/quantumlife-health/radsched/internal/audit"
	"github.com/quantumlife-health/radsched/internal/config"
	"github.com/quantumlife-health/radsched/internal/consent"
	"github.com/quantumlife-health/radsched/internal/equipment"
	"github.com/quantumlife-health/radsched/internal/http/handlers"
	"github.com/quantumlife-health/radsched/internal/ingest"
	observemetrics "github.com/quantumlife-health/radsched/internal/observability/metrics"
	"github.com/quantumlife-health/radsched/internal/monitor"
	"github.com/quantumlife-health/radsched/internal/phoneid"
	"github.com/quantumlife-health/radsched/internal/ris"
	"github.com/quantumlife-health/radsched/internal/scheduling"
	"github.com/quantumlife-health/radsched/internal/smsgateway"
	"github.com/quantumlife-health/radsched/migrations"
	"github.com/quantumlife-health/radsched/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting radsched API server", "env", cfg.Env, "port", cfg.Port)

	for _, issue := range cfg.SMSProviderIssues() {
		logger.Error("SMS PROVIDER MISCONFIGURATION", "issue", issue)
	}
	for _, issue := range cfg.RISIssues() {
		logger.Error("RIS MISCONFIGURATION", "issue", issue)
	}

	appCtx, stop := context.WithCancel(context.Background())
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := observemetrics.NewSchedulingMetrics(registry)

	dbPool := connectPostgresPool(appCtx, cfg.DatabaseURL, logger)
	if dbPool != nil {
		defer dbPool.Close()
	}
	sqlDB := connectSQLDB(dbPool, logger)
	if sqlDB != nil {
		defer sqlDB.Close()
		runAutoMigrate(sqlDB, logger)
	}

	redisClient := connectRedis(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	phoneCodec := setupPhoneCodec(logger)

	var (
		sessionStore *scheduling.Store
		consentStore *consent.Store
		auditStore   *audit.Store
		equipCatalog *equipment.Catalog
	)
	if dbPool != nil {
		sessionStore = scheduling.NewStore(dbPool)
		equipCatalog = equipment.NewCatalog(dbPool, redisClient)
	}
	if sqlDB != nil {
		consentStore = consent.NewStore(sqlDB)
		auditStore = audit.NewStore(sqlDB)
	}

	risClient := setupRISClient(cfg, logger)
	sender := setupTelnyxSender(cfg, logger)

	var engine *scheduling.Engine
	if sessionStore != nil && consentStore != nil && auditStore != nil && equipCatalog != nil && risClient != nil && sender != nil && phoneCodec != nil {
		engine = scheduling.NewEngine(sessionStore, consentStore, auditStore, equipCatalog, risClient, sender, phoneCodec, logger.Logger, scheduling.DefaultConfig())
	} else {
		logger.Warn("scheduling engine not fully configured, inbound webhooks will fail")
	}

	queue := setupOrderQueue(appCtx, cfg, logger)

	var webhookHandler *handlers.WebhookHandler
	if engine != nil {
		webhookHandler = handlers.NewWebhookHandler(handlers.WebhookConfig{
			Engine:  engine,
			Queue:   queue,
			Telnyx:  sender,
			Phone:   phoneCodec,
			Logger:  logger,
			Metrics: metrics,
		})
	}

	var adminHandler *handlers.AdminSessionsHandler
	if sessionStore != nil && auditStore != nil {
		adminHandler = handlers.NewAdminSessionsHandler(sessionStore, auditStore, engine, cfg.StuckSessionTimeout, logger)
	}

	stopSweepers := startSweepers(appCtx, engine, auditStore, cfg, logger, metrics)
	defer stopSweepers()

	routerCfg := &router.Config{
		Logger:             logger,
		Webhooks:           webhookHandler,
		Admin:              adminHandler,
		AdminJWTSecret:     cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		DB:                 sqlDB,
		RedisClient:        redisClient,
		HasSMSProvider:     len(cfg.SMSProviderIssues()) == 0,
		HasRISConfig:       len(cfg.RISIssues()) == 0,
	}
	r := router.New(routerCfg)

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

	stop()
	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func connectPostgresPool(ctx context.Context, dbURL string, logger *logging.Logger) *pgxpool.Pool {
	if dbURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to postgres")
	return pool
}

func connectSQLDB(pool *pgxpool.Pool, logger *logging.Logger) *sql.DB {
	if pool == nil {
		return nil
	}
	db := stdlib.OpenDBFromPool(pool)
	logger.Info("sql db wrapper initialized")
	return db
}

func runAutoMigrate(db *sql.DB, logger *logging.Logger) {
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		logger.Error("auto-migrate: failed to open migrations source", "error", err)
		return
	}
	dbDriver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		logger.Error("auto-migrate: failed to create db driver", "error", err)
		return
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		logger.Error("auto-migrate: failed to create migrator", "error", err)
		return
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("auto-migrate: migration failed", "error", err)
		return
	}
	logger.Info("auto-migrate: database migrations applied")
}

func connectRedis(cfg *config.Config, logger *logging.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unreachable, equipment cache disabled", "error", err)
		return client
	}
	logger.Info("connected to redis")
	return client
}

func setupPhoneCodec(logger *logging.Logger) *phoneid.Codec {
	hashKey := []byte(os.Getenv("PHONE_HASH_KEY"))
	encKey := []byte(os.Getenv("PHONE_ENCRYPTION_KEY"))
	if len(hashKey) == 0 || len(encKey) != 32 {
		logger.Error("PHONE_HASH_KEY/PHONE_ENCRYPTION_KEY not configured correctly; phone identity disabled")
		return nil
	}
	codec, err := phoneid.NewCodec(hashKey, encKey)
	if err != nil {
		logger.Error("failed to build phone codec", "error", err)
		return nil
	}
	return codec
}

func setupRISClient(cfg *config.Config, logger *logging.Logger) *ris.Client {
	if cfg.RISBaseURL == "" {
		return nil
	}
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

func setupTelnyxSender(cfg *config.Config, logger *logging.Logger) *smsgateway.TelnyxSender {
	if cfg.TelnyxAPIKey == "" {
		logger.Debug("telnyx sender not created: API key empty")
		return nil
	}
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

// setupOrderQueue wires the durable SQS-backed order intake queue when
// ORDER_INTAKE_QUEUE_URL is configured, falling back to an in-process
// MemoryQueue for local development.
func setupOrderQueue(ctx context.Context, cfg *config.Config, logger *logging.Logger) ingest.Queue {
	queueURL := os.Getenv("ORDER_INTAKE_QUEUE_URL")
	if queueURL == "" {
		logger.Warn("ORDER_INTAKE_QUEUE_URL not set, using in-memory order queue (not durable across restarts)")
		return ingest.NewMemoryQueue(1024)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(envOrDefault("AWS_REGION", "us-east-1")))
	if err != nil {
		logger.Error("failed to load AWS config for order queue, falling back to memory queue", "error", err)
		return ingest.NewMemoryQueue(1024)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(queueURL)
	})
	return ingest.NewSQSQueue(client, queueURL)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// startSweepers launches the three background monitor loops and returns a
// function that cancels them. It does not wait for the loops to exit.
func startSweepers(ctx context.Context, engine *scheduling.Engine, auditStore *audit.Store, cfg *config.Config, logger *logging.Logger, metrics *observemetrics.SchedulingMetrics) func() {
	sweepCtx, cancel := context.WithCancel(ctx)
	if engine == nil {
		return cancel
	}

	stuckSweeper := monitor.NewStuckSweeper(engine, logger.Logger).
		WithTimeout(cfg.StuckSessionTimeout).
		WithMaxRetries(cfg.StuckSessionMaxRetry).
		WithInterval(cfg.StuckSweepInterval)
	expirySweeper := monitor.NewExpirySweeper(engine, logger.Logger).
		WithInterval(cfg.ExpirySweepInterval)

	metrics.ObserveSweepAction("stuck", "started")
	metrics.ObserveSweepAction("expiry", "started")
	go stuckSweeper.Run(sweepCtx)
	go expirySweeper.Run(sweepCtx)

	if auditStore != nil {
		archiver := setupArchiver(ctx, cfg, logger)
		retentionSweeper := monitor.NewRetentionSweeper(auditStore, archiver, logger.Logger).
			WithRetentionDays(cfg.AuditRetentionDays).
			WithInterval(cfg.RetentionSweepInterval)
		metrics.ObserveSweepAction("retention", "started")
		go retentionSweeper.Run(sweepCtx)
	}

	return cancel
}

func setupArchiver(ctx context.Context, cfg *config.Config, logger *logging.Logger) *archive.Store {
	if cfg.S3ArchiveBucket == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(envOrDefault("AWS_REGION", "us-east-1")))
	if err != nil {
		logger.Error("failed to load AWS config for audit archiver, archiving disabled", "error", err)
		return nil
	}
	s3Client := s3.NewFromConfig(awsCfg)
	return archive.NewStore(s3Client, cfg.S3ArchiveBucket, logger.Logger)
}
