// Package config loads the application configuration from config.yaml with
// .env and environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for both binaries.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Sender    SenderConfig    `yaml:"sender"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host. Containers listen on all interfaces.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// APIConfig holds control-surface auth settings.
type APIConfig struct {
	Token          string   `yaml:"token"`
	CronSecret     string   `yaml:"cron_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Count               int `yaml:"count"`
	MinCount            int `yaml:"min_count"`
	MaxCount            int `yaml:"max_count"`
	ClaimIntervalSecs   int `yaml:"claim_interval_seconds"`
	HeartbeatSecs       int `yaml:"heartbeat_seconds"`
	StaleAfterSecs      int `yaml:"stale_after_seconds"`
	DefaultBatchSize    int `yaml:"default_batch_size"`
	MaxJobRetries       int `yaml:"max_job_retries"`
	JobRetryDelaySecs   int `yaml:"job_retry_delay_seconds"`
	ShutdownGraceSecs   int `yaml:"shutdown_grace_seconds"`
	RecoveryIntervalSec int `yaml:"recovery_interval_seconds"`
}

// ClaimInterval is the idle sleep between claim attempts.
func (c WorkerConfig) ClaimInterval() time.Duration {
	return time.Duration(c.ClaimIntervalSecs) * time.Second
}

// HeartbeatInterval is how often each worker refreshes its heartbeat row.
func (c WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// StaleAfter is the heartbeat age past which a worker counts as dead.
func (c WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSecs) * time.Second
}

// JobRetryDelay is the base delay before a job-level retry becomes due.
func (c WorkerConfig) JobRetryDelay() time.Duration {
	return time.Duration(c.JobRetryDelaySecs) * time.Second
}

// ShutdownGrace bounds how long Stop waits for in-flight batches.
func (c WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

// RecoveryInterval is the cadence of the stale-claim recovery sweep.
func (c WorkerConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSec) * time.Second
}

// QueueConfig holds backpressure and retention settings.
type QueueConfig struct {
	MaxDepth         int     `yaml:"max_depth"`
	ResumeFraction   float64 `yaml:"resume_fraction"`
	RetentionDays    int     `yaml:"retention_days"`
	DepthPollSeconds int     `yaml:"depth_poll_seconds"`
}

// DepthPollInterval is the backpressure monitor cadence.
func (c QueueConfig) DepthPollInterval() time.Duration {
	return time.Duration(c.DepthPollSeconds) * time.Second
}

// RateProfile is one named rate-limit profile.
type RateProfile struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the profile's window duration.
func (p RateProfile) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// RateLimitConfig holds the named profiles plus the explicit default applied
// to unknown resource keys.
type RateLimitConfig struct {
	Default  RateProfile            `yaml:"default"`
	Profiles map[string]RateProfile `yaml:"profiles"`
}

// RetryConfig holds recipient-level retry settings.
type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	BaseDelaySecs    int `yaml:"base_delay_seconds"`
	MaxDelaySecs     int `yaml:"max_delay_seconds"`
	SweepIntervalSec int `yaml:"sweep_interval_seconds"`
	SweepBatchSize   int `yaml:"sweep_batch_size"`
	RetentionDays    int `yaml:"retention_days"`
}

// BaseDelay is the first-attempt retry delay.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySecs) * time.Second
}

// MaxDelay caps the backoff growth.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySecs) * time.Second
}

// SweepInterval is the retry sweeper cadence.
func (c RetryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// SESConfig holds AWS SES credentials.
type SESConfig struct {
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-send timeout.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SendAPIConfig holds the generic transactional-API sender settings.
type SendAPIConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-request timeout.
func (c SendAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SenderConfig selects and configures the outbound email provider.
// Provider is one of "ses", "api", "log".
type SenderConfig struct {
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	API      SendAPIConfig `yaml:"api"`
}

// SchedulerConfig holds campaign scheduler settings.
type SchedulerConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_seconds"`
	LockTTLSecs      int `yaml:"lock_ttl_seconds"`
}

// PollInterval is the scheduler cadence.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// LockTTL bounds how long a crashed scheduler instance blocks others.
func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecs) * time.Second
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 5
	}

	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 4
	}
	if cfg.Worker.MinCount == 0 {
		cfg.Worker.MinCount = 1
	}
	if cfg.Worker.MaxCount == 0 {
		cfg.Worker.MaxCount = 20
	}
	if cfg.Worker.ClaimIntervalSecs == 0 {
		cfg.Worker.ClaimIntervalSecs = 2
	}
	if cfg.Worker.HeartbeatSecs == 0 {
		cfg.Worker.HeartbeatSecs = 10
	}
	if cfg.Worker.StaleAfterSecs == 0 {
		cfg.Worker.StaleAfterSecs = 2 * cfg.Worker.HeartbeatSecs
	}
	if cfg.Worker.DefaultBatchSize == 0 {
		cfg.Worker.DefaultBatchSize = 100
	}
	if cfg.Worker.MaxJobRetries == 0 {
		cfg.Worker.MaxJobRetries = 3
	}
	if cfg.Worker.JobRetryDelaySecs == 0 {
		cfg.Worker.JobRetryDelaySecs = 120
	}
	if cfg.Worker.ShutdownGraceSecs == 0 {
		cfg.Worker.ShutdownGraceSecs = 30
	}
	if cfg.Worker.RecoveryIntervalSec == 0 {
		cfg.Worker.RecoveryIntervalSec = 120
	}

	if cfg.Queue.MaxDepth == 0 {
		cfg.Queue.MaxDepth = 100000
	}
	if cfg.Queue.ResumeFraction == 0 {
		cfg.Queue.ResumeFraction = 0.5
	}
	if cfg.Queue.RetentionDays == 0 {
		cfg.Queue.RetentionDays = 30
	}
	if cfg.Queue.DepthPollSeconds == 0 {
		cfg.Queue.DepthPollSeconds = 15
	}

	if cfg.RateLimit.Default.Limit == 0 {
		cfg.RateLimit.Default = RateProfile{Limit: 120, WindowSeconds: 60}
	}
	if cfg.RateLimit.Default.WindowSeconds == 0 {
		cfg.RateLimit.Default.WindowSeconds = 60
	}
	if cfg.RateLimit.Profiles == nil {
		cfg.RateLimit.Profiles = map[string]RateProfile{}
	}
	if _, ok := cfg.RateLimit.Profiles["email-sending"]; !ok {
		cfg.RateLimit.Profiles["email-sending"] = RateProfile{Limit: 600, WindowSeconds: 60}
	}
	if _, ok := cfg.RateLimit.Profiles["campaign-enqueue"]; !ok {
		cfg.RateLimit.Profiles["campaign-enqueue"] = RateProfile{Limit: 10, WindowSeconds: 60}
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelaySecs == 0 {
		cfg.Retry.BaseDelaySecs = 60
	}
	if cfg.Retry.MaxDelaySecs == 0 {
		cfg.Retry.MaxDelaySecs = 3600
	}
	if cfg.Retry.SweepIntervalSec == 0 {
		cfg.Retry.SweepIntervalSec = 30
	}
	if cfg.Retry.SweepBatchSize == 0 {
		cfg.Retry.SweepBatchSize = 100
	}
	if cfg.Retry.RetentionDays == 0 {
		cfg.Retry.RetentionDays = 7
	}

	if cfg.Sender.Provider == "" {
		cfg.Sender.Provider = "log"
	}
	if cfg.Sender.SES.Region == "" {
		cfg.Sender.SES.Region = "us-east-1"
	}
	if cfg.Sender.SES.TimeoutSeconds == 0 {
		cfg.Sender.SES.TimeoutSeconds = 30
	}
	if cfg.Sender.API.TimeoutSeconds == 0 {
		cfg.Sender.API.TimeoutSeconds = 30
	}
	if cfg.Sender.API.MaxRetries == 0 {
		cfg.Sender.API.MaxRetries = 3
	}

	if cfg.Scheduler.PollIntervalSecs == 0 {
		cfg.Scheduler.PollIntervalSecs = 30
	}
	if cfg.Scheduler.LockTTLSecs == 0 {
		cfg.Scheduler.LockTTLSecs = 60
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment-variable overrides. A
// .env file is read first when present, so secrets stay out of config.yaml
// locally and come from real env vars in deployment. A missing config file
// is not an error; defaults plus env vars carry a containerized deploy.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.API.CronSecret = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Worker.Count)
	}
	if v := os.Getenv("SENDER_PROVIDER"); v != "" {
		cfg.Sender.Provider = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Sender.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Sender.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Sender.SES.Region = v
	}
	if v := os.Getenv("SEND_API_URL"); v != "" {
		cfg.Sender.API.BaseURL = v
	}
	if v := os.Getenv("SEND_API_KEY"); v != "" {
		cfg.Sender.API.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

// Validate reports configuration that cannot possibly run.
func (cfg *Config) Validate() error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required (database.url or DATABASE_URL)")
	}
	if cfg.Worker.MinCount < 1 {
		return fmt.Errorf("worker.min_count must be >= 1")
	}
	if cfg.Worker.MaxCount < cfg.Worker.MinCount {
		return fmt.Errorf("worker.max_count %d below min_count %d", cfg.Worker.MaxCount, cfg.Worker.MinCount)
	}
	if cfg.Worker.Count < cfg.Worker.MinCount || cfg.Worker.Count > cfg.Worker.MaxCount {
		return fmt.Errorf("worker.count %d outside [%d, %d]", cfg.Worker.Count, cfg.Worker.MinCount, cfg.Worker.MaxCount)
	}
	return nil
}
