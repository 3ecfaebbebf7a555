package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-pushkey-service/internal/directory"
	"github.com/tinywideclouds/go-pushkey-service/internal/metrics"
	"github.com/tinywideclouds/go-pushkey-service/internal/platform/apns"
	"github.com/tinywideclouds/go-pushkey-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-pushkey-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-pushkey-service/internal/storage/memory"
	"github.com/tinywideclouds/go-pushkey-service/internal/storage/postgres"
	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
	"github.com/tinywideclouds/go-pushkey-service/pushkeyservice"
	"github.com/tinywideclouds/go-pushkey-service/pushkeyservice/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-pushkey-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Key Store (Decorated) ---
	keyStore, closeStore, err := newKeyStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("KeyStore initialization failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		keyStore = cache.NewCachedKeyStore(keyStore, redisClient, cfg.Redis.TTL, logger)
		logger.Info("KeyStore upgraded", "type", "redis_cached_"+cfg.Store.Backend)
	}

	// --- Metrics ---
	recorder := metrics.NewRecorder()

	// --- Directory ---
	dir := directory.New(keyStore, logger,
		directory.WithStrictRotation(cfg.StrictRotation),
		directory.WithObserver(recorder),
	)

	// --- Dispatcher ---
	apnsDispatcher, err := apns.NewDispatcher(cfg.APNS, logger)
	if err != nil {
		logger.Error("Failed to initialize APNs dispatcher", "err", err)
		os.Exit(1)
	}
	dispatcher := metrics.InstrumentDispatcher(apnsDispatcher, recorder)

	// --- Consumer (optional) ---
	var consumer messagepipeline.MessageConsumer
	if cfg.PipelineEnabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Consumer creation failed", "err", err)
			os.Exit(1)
		}
	}

	service, err := pushkeyservice.New(
		cfg,
		dir,
		dispatcher,
		consumer,
		logger,
		pushkeyservice.WithMetricsHandler(cfg.MetricsAddr, recorder.Handler()),
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "addr", cfg.ListenAddr, "store", cfg.Store.Backend)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newKeyStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pushkey.KeyStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("KeyStore initialized", "type", "firestore")
		return fsStore.NewKeyStore(fsClient, cfg.Store.Collection), func() { _ = fsClient.Close() }, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewKeyStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("KeyStore initialized", "type", "postgres")
		return store, pool.Close, nil

	default:
		logger.Warn("KeyStore initialized in memory; registrations are lost on restart")
		return memory.NewKeyStore(), func() {}, nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    10,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		cfg.ConsumerConfig(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
