// Package config loads fluxline process configuration from defaults plus
// environment variables, with optional .env file support for local
// development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable a fluxline process reads at startup.
type Config struct {
	// Key-value store
	RedisHost           string        `env:"FLUXLINE_REDIS_HOST"`
	RedisPort           int           `env:"FLUXLINE_REDIS_PORT"`
	RedisDB             int           `env:"FLUXLINE_REDIS_DB"`
	RedisPassword       string        `env:"FLUXLINE_REDIS_PASSWORD"`
	RedisMaxConns       int           `env:"FLUXLINE_REDIS_MAX_CONNS"`
	RedisSocketTimeout  time.Duration `env:"FLUXLINE_REDIS_SOCKET_TIMEOUT"`
	RedisConnectTimeout time.Duration `env:"FLUXLINE_REDIS_CONNECT_TIMEOUT"`
	RedisHealthInterval time.Duration `env:"FLUXLINE_REDIS_HEALTH_INTERVAL"`

	// Relational store
	PostgresHost     string        `env:"FLUXLINE_POSTGRES_HOST"`
	PostgresPort     int           `env:"FLUXLINE_POSTGRES_PORT"`
	PostgresDB       string        `env:"FLUXLINE_POSTGRES_DB"`
	PostgresUser     string        `env:"FLUXLINE_POSTGRES_USER"`
	PostgresPassword string        `env:"FLUXLINE_POSTGRES_PASSWORD"`
	PostgresMinPool  int           `env:"FLUXLINE_POSTGRES_MIN_POOL"`
	PostgresMaxPool  int           `env:"FLUXLINE_POSTGRES_MAX_POOL"`
	CommandTimeout   time.Duration `env:"FLUXLINE_POSTGRES_COMMAND_TIMEOUT"`

	// Broker / result backend (redis URLs)
	BrokerURL        string `env:"FLUXLINE_BROKER_URL"`
	ResultBackendURL string `env:"FLUXLINE_RESULT_BACKEND_URL"`

	// HTTP surfaces
	WebhookAddr   string `env:"FLUXLINE_WEBHOOK_ADDR"`
	DashboardAddr string `env:"FLUXLINE_DASHBOARD_ADDR"`

	// Ingestion
	PollInterval time.Duration `env:"FLUXLINE_POLL_INTERVAL"`

	// Connector credentials; a platform without a token stays unregistered.
	GitHubToken   string `env:"FLUXLINE_GITHUB_TOKEN"`
	GitHubBaseURL string `env:"FLUXLINE_GITHUB_BASE_URL"`
	GitLabToken   string `env:"FLUXLINE_GITLAB_TOKEN"`
	GitLabBaseURL string `env:"FLUXLINE_GITLAB_BASE_URL"`

	// Notification targets; empty URLs leave the target unconfigured.
	SlackWebhookURL  string `env:"FLUXLINE_SLACK_WEBHOOK_URL"`
	NotifyWebhookURL string `env:"FLUXLINE_NOTIFY_WEBHOOK_URL"`

	// Webhook shared secrets; an empty secret disables signature checks for
	// that source.
	GitHubWebhookSecret  string `env:"FLUXLINE_GITHUB_WEBHOOK_SECRET"`
	GitLabWebhookSecret  string `env:"FLUXLINE_GITLAB_WEBHOOK_SECRET"`
	JenkinsWebhookSecret string `env:"FLUXLINE_JENKINS_WEBHOOK_SECRET"`

	// Scheduled tasks: the YAML file is the single authoritative source of
	// beat entries, loaded once at startup.
	ScheduleFile string `env:"FLUXLINE_SCHEDULE_FILE"`

	// Dashboard stream push interval.
	StreamInterval time.Duration `env:"FLUXLINE_STREAM_INTERVAL"`

	// Service identity
	ServiceName string `env:"FLUXLINE_SERVICE_NAME"`
	LogLevel    string `env:"FLUXLINE_LOG_LEVEL"`
}

// DefaultConfig returns defaults suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		RedisHost:           "localhost",
		RedisPort:           6379,
		RedisDB:             0,
		RedisMaxConns:       50,
		RedisSocketTimeout:  5 * time.Second,
		RedisConnectTimeout: 5 * time.Second,
		RedisHealthInterval: 30 * time.Second,

		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "fluxline",
		PostgresUser:    "fluxline",
		PostgresMinPool: 2,
		PostgresMaxPool: 10,
		CommandTimeout:  30 * time.Second,

		BrokerURL:        "redis://localhost:6379/1",
		ResultBackendURL: "redis://localhost:6379/2",

		WebhookAddr:   ":8080",
		DashboardAddr: ":8081",

		PollInterval:   30 * time.Second,
		ScheduleFile:   "schedules.yaml",
		StreamInterval: 5 * time.Second,

		ServiceName: "fluxline",
		LogLevel:    "info",
	}
}

// Load builds the configuration from defaults, an optional .env file, and
// the process environment, in that precedence order.
func Load(envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns host:port for the KV store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresDSN returns the connection string for the relational store.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable application_name=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresUser, c.PostgresPassword, c.ServiceName,
	)
}

// Validate rejects configurations no process could run with.
func (c *Config) Validate() error {
	if c.PostgresMinPool < 0 || c.PostgresMaxPool < c.PostgresMinPool {
		return fmt.Errorf("postgres pool bounds invalid: min=%d max=%d", c.PostgresMinPool, c.PostgresMaxPool)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.StreamInterval <= 0 {
		return fmt.Errorf("stream interval must be positive, got %s", c.StreamInterval)
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.RedisHost, "FLUXLINE_REDIS_HOST")
	setInt(&cfg.RedisPort, "FLUXLINE_REDIS_PORT")
	setInt(&cfg.RedisDB, "FLUXLINE_REDIS_DB")
	setString(&cfg.RedisPassword, "FLUXLINE_REDIS_PASSWORD")
	setInt(&cfg.RedisMaxConns, "FLUXLINE_REDIS_MAX_CONNS")
	setDuration(&cfg.RedisSocketTimeout, "FLUXLINE_REDIS_SOCKET_TIMEOUT")
	setDuration(&cfg.RedisConnectTimeout, "FLUXLINE_REDIS_CONNECT_TIMEOUT")
	setDuration(&cfg.RedisHealthInterval, "FLUXLINE_REDIS_HEALTH_INTERVAL")

	setString(&cfg.PostgresHost, "FLUXLINE_POSTGRES_HOST")
	setInt(&cfg.PostgresPort, "FLUXLINE_POSTGRES_PORT")
	setString(&cfg.PostgresDB, "FLUXLINE_POSTGRES_DB")
	setString(&cfg.PostgresUser, "FLUXLINE_POSTGRES_USER")
	setString(&cfg.PostgresPassword, "FLUXLINE_POSTGRES_PASSWORD")
	setInt(&cfg.PostgresMinPool, "FLUXLINE_POSTGRES_MIN_POOL")
	setInt(&cfg.PostgresMaxPool, "FLUXLINE_POSTGRES_MAX_POOL")
	setDuration(&cfg.CommandTimeout, "FLUXLINE_POSTGRES_COMMAND_TIMEOUT")

	setString(&cfg.BrokerURL, "FLUXLINE_BROKER_URL")
	setString(&cfg.ResultBackendURL, "FLUXLINE_RESULT_BACKEND_URL")

	setString(&cfg.WebhookAddr, "FLUXLINE_WEBHOOK_ADDR")
	setString(&cfg.DashboardAddr, "FLUXLINE_DASHBOARD_ADDR")

	setDuration(&cfg.PollInterval, "FLUXLINE_POLL_INTERVAL")
	setString(&cfg.GitHubToken, "FLUXLINE_GITHUB_TOKEN")
	setString(&cfg.GitHubBaseURL, "FLUXLINE_GITHUB_BASE_URL")
	setString(&cfg.GitLabToken, "FLUXLINE_GITLAB_TOKEN")
	setString(&cfg.GitLabBaseURL, "FLUXLINE_GITLAB_BASE_URL")
	setString(&cfg.SlackWebhookURL, "FLUXLINE_SLACK_WEBHOOK_URL")
	setString(&cfg.NotifyWebhookURL, "FLUXLINE_NOTIFY_WEBHOOK_URL")
	setString(&cfg.GitHubWebhookSecret, "FLUXLINE_GITHUB_WEBHOOK_SECRET")
	setString(&cfg.GitLabWebhookSecret, "FLUXLINE_GITLAB_WEBHOOK_SECRET")
	setString(&cfg.JenkinsWebhookSecret, "FLUXLINE_JENKINS_WEBHOOK_SECRET")
	setString(&cfg.ScheduleFile, "FLUXLINE_SCHEDULE_FILE")
	setDuration(&cfg.StreamInterval, "FLUXLINE_STREAM_INTERVAL")

	setString(&cfg.ServiceName, "FLUXLINE_SERVICE_NAME")
	setString(&cfg.LogLevel, "FLUXLINE_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
