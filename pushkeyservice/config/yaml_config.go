package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushkey-service/internal/platform/apns"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStoreConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	Collection  string `yaml:"collection"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlAPNSConfig struct {
	AuthMode     string `yaml:"auth_mode"`
	CertPath     string `yaml:"cert_path"`
	CertPassword string `yaml:"cert_password"`
	P8Key        string `yaml:"p8_key"`
	KeyID        string `yaml:"key_id"`
	TeamID       string `yaml:"team_id"`
	Topic        string `yaml:"topic"`
	Production   bool   `yaml:"production"`
	Timeout      string `yaml:"timeout"`
}

type YamlPushConfig struct {
	Category string `yaml:"category"`
	Sound    string `yaml:"sound"`
}

type YamlDirectoryConfig struct {
	StrictRotation bool `yaml:"strict_rotation"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string              `yaml:"project_id"`
	ListenAddr             string              `yaml:"listen_addr"`
	MetricsAddr            string              `yaml:"metrics_addr"`
	TopicID                string              `yaml:"topic_id"`
	SubscriptionID         string              `yaml:"subscription_id"`
	SubscriptionDLQTopicID string              `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                 `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig      `yaml:"cors"`
	StoreConfig            YamlStoreConfig     `yaml:"store"`
	RedisConfig            YamlRedisConfig     `yaml:"redis"`
	APNSConfig             YamlAPNSConfig      `yaml:"apns"`
	PushConfig             YamlPushConfig      `yaml:"push"`
	DirectoryConfig        YamlDirectoryConfig `yaml:"directory"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	apnsTimeout, err := parseDuration(baseCfg.APNSConfig.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid apns.timeout: %w", err)
	}
	redisTTL, err := parseDuration(baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.ttl: %w", err)
	}

	cfg := &Config{
		ProjectID:   baseCfg.ProjectID,
		ListenAddr:  baseCfg.ListenAddr,
		MetricsAddr: baseCfg.MetricsAddr,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Store: StoreConfig{
			Backend:     baseCfg.StoreConfig.Backend,
			DatabaseURL: baseCfg.StoreConfig.DatabaseURL,
			Collection:  baseCfg.StoreConfig.Collection,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		APNS: apns.Config{
			AuthMode:     baseCfg.APNSConfig.AuthMode,
			CertPath:     baseCfg.APNSConfig.CertPath,
			CertPassword: baseCfg.APNSConfig.CertPassword,
			P8KeyContent: baseCfg.APNSConfig.P8Key,
			KeyID:        baseCfg.APNSConfig.KeyID,
			TeamID:       baseCfg.APNSConfig.TeamID,
			Topic:        baseCfg.APNSConfig.Topic,
			Sound:        baseCfg.PushConfig.Sound,
			Production:   baseCfg.APNSConfig.Production,
			Timeout:      apnsTimeout,
		},
		Category:               baseCfg.PushConfig.Category,
		StrictRotation:         baseCfg.DirectoryConfig.StrictRotation,
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"store_backend", cfg.Store.Backend,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
