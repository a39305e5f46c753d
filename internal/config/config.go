// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	// Bearer token required on /api/v1 ops endpoints. Empty disables auth
	// (development only).
	OpsAPIToken string `env:"OPS_API_TOKEN"`

	// ── Job queue ────────────────────────────────────────────────────────────────
	QueuePollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL"        envDefault:"2s"`
	QueueClaimBatchSize     int           `env:"QUEUE_CLAIM_BATCH_SIZE"     envDefault:"5"`
	QueueLockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT"         envDefault:"5m"`
	QueueMaxAttempts        int32         `env:"QUEUE_MAX_ATTEMPTS"         envDefault:"3"`
	QueueBackoffBaseSeconds int           `env:"QUEUE_BACKOFF_BASE_SECONDS" envDefault:"30"`

	// ── Outbox relay ─────────────────────────────────────────────────────────────
	RelayPollInterval       time.Duration `env:"RELAY_POLL_INTERVAL"        envDefault:"5s"`
	RelayClaimBatchSize     int           `env:"RELAY_CLAIM_BATCH_SIZE"     envDefault:"10"`
	RelayLockTimeout        time.Duration `env:"RELAY_LOCK_TIMEOUT"         envDefault:"2m"`
	RelayMaxAttempts        int32         `env:"RELAY_MAX_ATTEMPTS"         envDefault:"5"`
	RelayBackoffBaseSeconds int           `env:"RELAY_BACKOFF_BASE_SECONDS" envDefault:"15"`

	// ── Worker liveness ──────────────────────────────────────────────────────────
	// HeartbeatInterval is how often each worker process upserts its heartbeat.
	// StaleWorkerThreshold is how long a worker may go unseen before its row
	// locks are force-released. Deliberately independent of the per-row lock
	// timeouts above so a slow-but-alive worker is not treated as crashed.
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL"     envDefault:"15s"`
	StaleWorkerThreshold time.Duration `env:"STALE_WORKER_THRESHOLD" envDefault:"2m"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"caseq@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── SMS gateway ──────────────────────────────────────────────────────────────
	SMSGatewayURL   string `env:"SMS_GATEWAY_URL"`
	SMSGatewayToken string `env:"SMS_GATEWAY_TOKEN"`

	// ── Metrics / stats ──────────────────────────────────────────────────────────
	// Trailing window for completed/dead-lettered counts and p95 latency.
	StatsWindow time.Duration `env:"STATS_WINDOW" envDefault:"1h"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
