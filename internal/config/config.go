package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ProviderIDs lists every vendor the service knows how to call.
var ProviderIDs = []string{
	"openai", "anthropic", "google", "mistral", "deepseek", "xai", "maritaca", "ollama", "bedrock",
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

type Config struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Version  string `mapstructure:"version"`
	Instance string `mapstructure:"hostname"`

	StoreBackend string `mapstructure:"store_backend" validate:"oneof=memory sqlite postgres redis"`
	RedisURL     string `mapstructure:"redis_url" validate:"required_if=StoreBackend redis"`
	DatabaseURL  string `mapstructure:"database_url" validate:"required_if=StoreBackend postgres"`
	SQLitePath   string `mapstructure:"sqlite_path" validate:"required_if=StoreBackend sqlite"`
	CatalogPath  string `mapstructure:"catalog_path"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	AWSRegion           string `mapstructure:"aws_region" validate:"required_if=BedrockEnabled true"`
	AWSSecretsPrefix    string `mapstructure:"aws_secrets_prefix"`
	BedrockEnabled      bool   `mapstructure:"bedrock_enabled"`
	SNSTopicARN         string `mapstructure:"sns_topic_arn"`
	SQSRequestQueueURL  string `mapstructure:"sqs_request_queue_url" validate:"omitempty,url"`
	SQSResponseQueueURL string `mapstructure:"sqs_response_queue_url" validate:"omitempty,url"`

	// EncryptionKey seals runtime credentials. Empty means a random key per
	// process, so runtime keys do not survive a restart.
	EncryptionKey  string `mapstructure:"encryption_key"`
	KeysAPIEnabled bool   `mapstructure:"keys_api_enabled"`

	UseDistributedCircuitBreaker bool `mapstructure:"use_distributed_cb"`

	// CallTimeout bounds each vendor call; negative disables it.
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`

	// RateLimitRPM is per client address; 0 disables limiting.
	RateLimitRPM int `mapstructure:"rate_limit_rpm" validate:"gte=0"`

	// TrustForwardedFor keys the limit on X-Forwarded-For instead of the peer
	// address. Enable only behind a proxy that overwrites the header.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for"`

	Providers map[string]ProviderConfig `mapstructure:"-"`
}

// Load reads the environment and, when LLMDUEL_CONFIG names one, a YAML
// file. Environment variables win over the file.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("LLMDUEL_CONFIG"))
}

func LoadFile(path string) (*Config, error) {
	vip := viper.New()
	vip.SetConfigType("yaml")
	vip.AutomaticEnv()
	setDefaults(vip)

	if path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Providers = make(map[string]ProviderConfig, len(ProviderIDs))
	for _, id := range ProviderIDs {
		cfg.Providers[id] = ProviderConfig{
			APIKey:  strings.TrimSpace(vip.GetString(id + "_api_key")),
			BaseURL: strings.TrimRight(vip.GetString(id+"_base_url"), "/"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("addr", ":8080")
	vip.SetDefault("log_level", "info")
	vip.SetDefault("version", "dev")
	vip.SetDefault("hostname", "")
	vip.SetDefault("store_backend", "memory")
	vip.SetDefault("redis_url", "")
	vip.SetDefault("database_url", "")
	vip.SetDefault("sqlite_path", "")
	vip.SetDefault("catalog_path", "")
	vip.SetDefault("otlp_endpoint", "")
	vip.SetDefault("aws_region", "")
	vip.SetDefault("aws_secrets_prefix", "")
	vip.SetDefault("bedrock_enabled", false)
	vip.SetDefault("sns_topic_arn", "")
	vip.SetDefault("sqs_request_queue_url", "")
	vip.SetDefault("sqs_response_queue_url", "")
	vip.SetDefault("encryption_key", "")
	vip.SetDefault("keys_api_enabled", false)
	vip.SetDefault("use_distributed_cb", false)
	vip.SetDefault("call_timeout", 120*time.Second)
	vip.SetDefault("shutdown_timeout", 30*time.Second)
	vip.SetDefault("drain_timeout", 15*time.Second)
	vip.SetDefault("rate_limit_rpm", 100)
	vip.SetDefault("trust_forwarded_for", false)

	for _, id := range ProviderIDs {
		vip.SetDefault(id+"_api_key", "")
		vip.SetDefault(id+"_base_url", "")
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	var errs []error
	if c.UseDistributedCircuitBreaker && c.RedisURL == "" {
		errs = append(errs, errors.New("USE_DISTRIBUTED_CB requires REDIS_URL"))
	}
	if (c.SQSRequestQueueURL != "" || c.SNSTopicARN != "" || c.AWSSecretsPrefix != "") && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required when SQS, SNS or Secrets Manager is configured"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// APIKeys returns the configured credentials, keyed by provider id.
func (c *Config) APIKeys() map[string]string {
	keys := make(map[string]string)
	for id, p := range c.Providers {
		if p.APIKey != "" {
			keys[id] = p.APIKey
		}
	}
	return keys
}

// BaseURL returns the override for a provider, or def.
func (c *Config) BaseURL(provider, def string) string {
	if p, ok := c.Providers[provider]; ok && p.BaseURL != "" {
		return p.BaseURL
	}
	return def
}
