package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushkey-service/internal/platform/apns"
)

const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"

	DefaultCacheTTL = 24 * time.Hour
)

type StoreConfig struct {
	Backend     string
	DatabaseURL string
	Collection  string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID   string
	ListenAddr  string
	MetricsAddr string

	CorsConfig middleware.CorsConfig
	Store      StoreConfig
	Redis      RedisConfig
	APNS       apns.Config

	Category       string
	StrictRotation bool

	// Queued push ingestion is enabled when SubscriptionID is set.
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	PubsubConsumerConfig   *messagepipeline.GooglePubsubConsumerConfig
}

// PipelineEnabled reports whether a Pub/Sub subscription is configured.
func (c *Config) PipelineEnabled() bool {
	return c.SubscriptionID != ""
}

// ConsumerConfig returns a copy of the consumer settings addressed to
// subscriptionName, typically the fully qualified subscription path.
func (c *Config) ConsumerConfig(subscriptionName string) *messagepipeline.GooglePubsubConsumerConfig {
	if c.PubsubConsumerConfig == nil {
		return messagepipeline.NewGooglePubsubConsumerDefaults(subscriptionName)
	}
	consumerCfg := *c.PubsubConsumerConfig
	consumerCfg.SubscriptionID = subscriptionName
	return &consumerCfg
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("METRICS_PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "METRICS_PORT", "source", "env")
		cfg.MetricsAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Store Overrides
	if val := os.Getenv("STORE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_BACKEND", "source", "env")
		cfg.Store.Backend = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "DATABASE_URL", "source", "env")
		cfg.Store.DatabaseURL = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// APNs Overrides
	if val := os.Getenv("APNS_AUTH_MODE"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_AUTH_MODE", "source", "env")
		cfg.APNS.AuthMode = val
	}
	if val := os.Getenv("APNS_CERT_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_CERT_PATH", "source", "env")
		cfg.APNS.CertPath = val
	}
	if val := os.Getenv("APNS_CERT_PASSWORD"); val != "" {
		cfg.APNS.CertPassword = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.APNS.P8KeyContent = val
		if cfg.APNS.AuthMode == "" {
			cfg.APNS.AuthMode = apns.AuthToken
		}
	}
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_TOPIC"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_TOPIC", "source", "env")
		cfg.APNS.Topic = val
	}
	if val := os.Getenv("APNS_PRODUCTION"); val != "" {
		production, _ := strconv.ParseBool(val)
		cfg.APNS.Production = production
	}
	if val := os.Getenv("APNS_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid APNS_TIMEOUT %q: %w", val, err)
		}
		cfg.APNS.Timeout = timeout
	}

	if val := os.Getenv("STRICT_ROTATION"); val != "" {
		strict, _ := strconv.ParseBool(val)
		cfg.StrictRotation = strict
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = DefaultCacheTTL
	}
	if cfg.APNS.Timeout <= 0 {
		cfg.APNS.Timeout = apns.DefaultTimeout
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}

	// 3. Final Validation
	if err := validate(cfg); err != nil {
		return nil, err
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendFirestore:
		if cfg.ProjectID == "" {
			return fmt.Errorf("project_id is required for the firestore store (set via YAML or PROJECT_ID env var)")
		}
	case BackendPostgres:
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres store (set via YAML or DATABASE_URL env var)")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.PipelineEnabled() && cfg.ProjectID == "" {
		return fmt.Errorf("project_id is required when subscription_id is set")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when the cache is enabled")
	}

	switch cfg.APNS.AuthMode {
	case apns.AuthToken:
		if cfg.APNS.P8KeyContent == "" || cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" {
			return fmt.Errorf("apns token auth requires p8_key, key_id and team_id")
		}
	case apns.AuthCertificate, "":
		if cfg.APNS.CertPath == "" {
			return fmt.Errorf("apns.cert_path is required (set via YAML or APNS_CERT_PATH env var)")
		}
	default:
		return fmt.Errorf("unknown apns auth_mode %q", cfg.APNS.AuthMode)
	}
	return nil
}
