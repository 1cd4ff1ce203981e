package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch process
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	AWS      AWSConfig      `yaml:"aws"`
	SES      SESConfig      `yaml:"ses"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Tenants  []TenantConfig `yaml:"tenants"`
}

// ServerConfig holds the status API configuration
type ServerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Port    int      `yaml:"port"`
	Host    string   `yaml:"host"`
	Origins []string `yaml:"allowed_origins"`
}

// Addr returns host:port for ListenAndServe.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig controls the structured logger
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// WhatsAppConfig holds transport settings shared by every tenant session
type WhatsAppConfig struct {
	SendTimeoutSeconds    int     `yaml:"send_timeout_seconds"`
	MediaTimeoutSeconds   int     `yaml:"media_timeout_seconds"`
	CheckRatePerSecond    float64 `yaml:"check_rate_per_second"`
	RegistrationCacheDays int     `yaml:"registration_cache_days"`
	DefaultCountryCode    string  `yaml:"default_country_code"`
	LogLevel              string  `yaml:"log_level"`
}

// SendTimeout bounds text sends and registration checks.
func (c WhatsAppConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// MediaTimeout bounds media upload+send.
func (c WhatsAppConfig) MediaTimeout() time.Duration {
	return time.Duration(c.MediaTimeoutSeconds) * time.Second
}

// RegistrationCacheTTL is how long a positive registration check is reused.
func (c WhatsAppConfig) RegistrationCacheTTL() time.Duration {
	return time.Duration(c.RegistrationCacheDays) * 24 * time.Hour
}

// RedisConfig holds the Redis connection used for tenant locks
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the Postgres connection used for advisory locks
// when Redis is not configured
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// AWSConfig holds report archive and dispatch log settings
type AWSConfig struct {
	Region        string `yaml:"region"`
	Profile       string `yaml:"profile"` // Empty string uses default credential chain
	S3Bucket      string `yaml:"s3_bucket"`
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// Enabled reports whether any AWS sink is configured.
func (c AWSConfig) Enabled() bool {
	return c.S3Bucket != "" || c.DynamoDBTable != ""
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c AWSConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.Profile
}

// SESConfig holds daily report email settings
type SESConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"access_key"`
	SecretKey string   `yaml:"secret_key"`
	From      string   `yaml:"from"`
	To        []string `yaml:"to"`
}

// WebhookConfig holds the report webhook
type WebhookConfig struct {
	URL            string `yaml:"url"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request webhook timeout
func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DispatchConfig holds loop timings shared by all tenants
type DispatchConfig struct {
	RecoveryCooldownSeconds int `yaml:"recovery_cooldown_seconds"`
	IdleSleepMinutes        int `yaml:"idle_sleep_minutes"`
	BurstPauseMinutes       int `yaml:"burst_pause_minutes"`
	LockTTLSeconds          int `yaml:"lock_ttl_seconds"`
}

// Cooldown is the pause before the supervisor restarts a failed loop.
func (c DispatchConfig) Cooldown() time.Duration {
	return time.Duration(c.RecoveryCooldownSeconds) * time.Second
}

// IdleSleep is the pause after a pass that produced no sends.
func (c DispatchConfig) IdleSleep() time.Duration {
	return time.Duration(c.IdleSleepMinutes) * time.Minute
}

// BurstPause is the pause taken every burstPauseThreshold sends.
func (c DispatchConfig) BurstPause() time.Duration {
	return time.Duration(c.BurstPauseMinutes) * time.Minute
}

// LockTTL is the expiry of the tenant writer lock.
func (c DispatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// TenantConfig describes one client bot
type TenantConfig struct {
	ID                     string `yaml:"id"`
	DataDir                string `yaml:"data_dir"`
	Timezone               string `yaml:"timezone"`
	AdminChat              string `yaml:"admin_chat"`
	ResponderURL           string `yaml:"responder_url"`
	InboundDebounceSeconds int    `yaml:"inbound_debounce_seconds"`
	Disabled               bool   `yaml:"disabled"`
}

// Location resolves the tenant timezone.
func (c TenantConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// InboundDebounce is how long inbound messages of one chat are merged.
func (c TenantConfig) InboundDebounce() time.Duration {
	return time.Duration(c.InboundDebounceSeconds) * time.Second
}

// Tenant returns the tenant with the given id.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyDefaults(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults(baseDir string) error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
	if cfg.WhatsApp.SendTimeoutSeconds == 0 {
		cfg.WhatsApp.SendTimeoutSeconds = 30
	}
	if cfg.WhatsApp.MediaTimeoutSeconds == 0 {
		cfg.WhatsApp.MediaTimeoutSeconds = 300
	}
	if cfg.WhatsApp.CheckRatePerSecond == 0 {
		cfg.WhatsApp.CheckRatePerSecond = 1
	}
	if cfg.WhatsApp.RegistrationCacheDays == 0 {
		cfg.WhatsApp.RegistrationCacheDays = 30
	}
	if cfg.WhatsApp.DefaultCountryCode == "" {
		cfg.WhatsApp.DefaultCountryCode = "55"
	}
	if cfg.WhatsApp.LogLevel == "" {
		cfg.WhatsApp.LogLevel = "WARN"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = cfg.AWS.Region
	}
	if cfg.Webhook.MaxRetries == 0 {
		cfg.Webhook.MaxRetries = 3
	}
	if cfg.Webhook.TimeoutSeconds == 0 {
		cfg.Webhook.TimeoutSeconds = 15
	}
	if cfg.Dispatch.RecoveryCooldownSeconds == 0 {
		cfg.Dispatch.RecoveryCooldownSeconds = 60
	}
	if cfg.Dispatch.IdleSleepMinutes == 0 {
		cfg.Dispatch.IdleSleepMinutes = 240
	}
	if cfg.Dispatch.BurstPauseMinutes == 0 {
		cfg.Dispatch.BurstPauseMinutes = 60
	}
	if cfg.Dispatch.LockTTLSeconds == 0 {
		cfg.Dispatch.LockTTLSeconds = 90
	}

	seen := map[string]bool{}
	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		if t.ID == "" {
			return fmt.Errorf("tenant #%d has no id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
		if t.DataDir == "" {
			t.DataDir = filepath.Join("data", t.ID)
		}
		if !filepath.IsAbs(t.DataDir) {
			t.DataDir = filepath.Join(baseDir, t.DataDir)
		}
		if t.Timezone == "" {
			t.Timezone = "America/Sao_Paulo"
		}
		if t.InboundDebounceSeconds == 0 {
			t.InboundDebounceSeconds = 15
		}
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("REPORTS_S3_BUCKET"); v != "" {
		cfg.AWS.S3Bucket = v
	}
	if v := os.Getenv("DISPATCH_DYNAMODB_TABLE"); v != "" {
		cfg.AWS.DynamoDBTable = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SES_FROM"); v != "" {
		cfg.SES.From = v
	}
	if v := os.Getenv("SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
