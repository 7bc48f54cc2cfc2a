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
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	TokenJWKSURL    string `yaml:"tokenJWKSURL"`
	TokenHMACSecret string `yaml:"tokenHMACSecret"`
	TokenIssuer     string `yaml:"tokenIssuer"`
	TokenAudience   string `yaml:"tokenAudience"`
	AdminToken      string `yaml:"adminToken"`

	QueueDriver   string `yaml:"queueDriver"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	AmqpURL       string `yaml:"amqpURL"`
	QueueName     string `yaml:"queueName"`
	QueueGroup    string `yaml:"queueGroup"`
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
	if cfg.TokenHMACSecret == "" {
		cfg.TokenHMACSecret = os.Getenv("HANADIARY_TOKEN_HMAC_SECRET")
	}
	if cfg.AdminToken == "" {
		cfg.AdminToken = os.Getenv("HANADIARY_ADMIN_TOKEN")
	}
	if cfg.MinioSecretKey == "" {
		cfg.MinioSecretKey = os.Getenv("HANADIARY_MINIO_SECRET_KEY")
	}
	if cfg.RedisPassword == "" {
		cfg.RedisPassword = os.Getenv("HANADIARY_REDIS_PASSWORD")
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.TokenJWKSURL == "" && cfg.TokenHMACSecret == "" {
		return errors.New("config: tokenJWKSURL or tokenHMACSecret is required (set in config.yaml or HANADIARY_TOKEN_HMAC_SECRET)")
	}
	return nil
}
