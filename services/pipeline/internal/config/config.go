package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Secrets may be
// left out of the file and supplied through the environment instead.
type FileConfig struct {
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	QueueDriver            string `yaml:"queueDriver"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	AmqpURL                string `yaml:"amqpURL"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxAttempts       int    `yaml:"queueMaxAttempts"`
	QueueVisibilitySeconds int    `yaml:"queueVisibilitySeconds"`

	FeedPollSeconds       int `yaml:"feedPollSeconds"`
	FeedRetryDelaySeconds int `yaml:"feedRetryDelaySeconds"`
	FeedMaxRetries        int `yaml:"feedMaxRetries"`

	AIProvider string `yaml:"aiProvider"`
	AIBaseURL  string `yaml:"aiBaseURL"`
	AIAPIKey   string `yaml:"aiAPIKey"`
	TextModel  string `yaml:"textModel"`
	ImageModel string `yaml:"imageModel"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.AIAPIKey == "" {
		cfg.AIAPIKey = os.Getenv("HANADIARY_AI_API_KEY")
	}
	if cfg.RedisPassword == "" {
		cfg.RedisPassword = os.Getenv("HANADIARY_REDIS_PASSWORD")
	}
	if cfg.MinioSecretKey == "" {
		cfg.MinioSecretKey = os.Getenv("HANADIARY_MINIO_SECRET_KEY")
	}
	if cfg.AmqpURL == "" {
		cfg.AmqpURL = os.Getenv("HANADIARY_AMQP_URL")
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	switch cfg.QueueDriver {
	case "", "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis queue driver")
		}
	case "amqp":
		if cfg.AmqpURL == "" {
			return errors.New("config: amqpURL is required for the amqp queue driver (set in config.yaml or HANADIARY_AMQP_URL)")
		}
	default:
		return fmt.Errorf("config: unknown queueDriver %q (want redis or amqp)", cfg.QueueDriver)
	}
	if cfg.TextModel == "" {
		return errors.New("config: textModel is required (set in config.yaml)")
	}
	if cfg.ImageModel == "" {
		return errors.New("config: imageModel is required (set in config.yaml)")
	}
	if cfg.AIProvider == "openai" && cfg.AIAPIKey == "" {
		return errors.New("config: aiAPIKey is required for the openai provider (set in config.yaml or HANADIARY_AI_API_KEY)")
	}
	return nil
}
