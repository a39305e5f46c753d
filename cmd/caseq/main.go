// Command caseq is the CaseQ queue engine binary.
//
// Subcommands:
//
//	serve    — ops HTTP API + embedded worker pool and outbox relay
//	worker   — standalone worker pool and relay only (scaled deployments)
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/caseq/caseq/internal/api"
	"github.com/caseq/caseq/internal/config"
	"github.com/caseq/caseq/internal/importer"
	"github.com/caseq/caseq/internal/metrics"
	"github.com/caseq/caseq/internal/relay"
	"github.com/caseq/caseq/internal/store"
	"github.com/caseq/caseq/internal/worker"
	"github.com/caseq/caseq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "caseq",
		Short: "CaseQ — durable job queue and transactional outbox engine",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ops HTTP API with an embedded worker pool and relay",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	registry := prometheus.NewRegistry()
	obs := metrics.New(registry, st)

	// Embedded worker pool and outbox relay. Both run until ctx is cancelled,
	// at which point in-flight work completes and the goroutines exit. The
	// goroutines are fire-and-forget here; they drain on ctx cancellation
	// which happens before or alongside HTTP server shutdown.
	pool := newWorkerPool(st, cfg, obs)
	go pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	rl := newRelay(st, cfg, obs)
	go rl.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	handler := api.NewServer(st, cfg, registry).Handler()

	// Explicit timeouts prevent Slowloris-style connection exhaustion.
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool and outbox relay (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	pool := newWorkerPool(st, cfg, nil)
	rl := newRelay(st, cfg, nil)

	go rl.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	slog.Info("worker started")
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// newWorkerPool wires the pool with one handler per job kind.
func newWorkerPool(st *store.Store, cfg *config.Config, obs *metrics.Metrics) *worker.Pool {
	pool := worker.New(st, worker.Config{
		PollInterval:         cfg.QueuePollInterval,
		ClaimBatchSize:       cfg.QueueClaimBatchSize,
		LockTimeout:          cfg.QueueLockTimeout,
		BackoffBaseSeconds:   cfg.QueueBackoffBaseSeconds,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		StaleWorkerThreshold: cfg.StaleWorkerThreshold,
	})
	if obs != nil {
		pool.SetMetrics(obs)
	}

	pool.Register(store.KindImportBatch, importer.NewBatchHandler(st))
	pool.Register(store.KindEnrich, stubHandler("enrich"))
	pool.Register(store.KindOutreach, stubHandler("outreach"))
	pool.Register(store.KindDocumentRender, stubHandler("document_render"))
	return pool
}

// stubHandler is a placeholder for job kinds whose business logic lives in a
// downstream service build. It acknowledges the job so queue mechanics
// (ordering, retry, dead-letter) can be exercised end to end.
func stubHandler(name string) worker.Handler {
	return func(_ context.Context, job store.Job) error {
		slog.Info("job handled", "handler", name, "job_id", job.ID, "payload_len", len(job.Payload))
		return nil
	}
}

// newRelay wires the outbox relay with one sender per channel.
func newRelay(st *store.Store, cfg *config.Config, obs *metrics.Metrics) *relay.Relay {
	rl := relay.New(st, relay.Config{
		PollInterval:         cfg.RelayPollInterval,
		ClaimBatchSize:       cfg.RelayClaimBatchSize,
		LockTimeout:          cfg.RelayLockTimeout,
		BackoffBaseSeconds:   cfg.RelayBackoffBaseSeconds,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		StaleWorkerThreshold: cfg.StaleWorkerThreshold,
	})
	if obs != nil {
		rl.SetMetrics(obs)
	}

	httpClient := relay.BuildSafeClient()
	rl.Register(store.ChannelWebhook, &relay.WebhookSender{Client: httpClient})
	rl.Register(store.ChannelEmail, &relay.EmailSender{Cfg: relay.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		FromName: "CaseQ",
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}})
	rl.Register(store.ChannelSMS, &relay.SMSSender{Client: httpClient, Cfg: relay.SMSGatewayConfig{
		URL:   cfg.SMSGatewayURL,
		Token: cfg.SMSGatewayToken,
	}})
	rl.Register(store.ChannelPDF, &relay.PDFSender{Store: st})
	return rl
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	// Simple protocol lets multi-statement migration files run natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool.
//
// Retries up to 10 times with linear backoff to handle container-orchestration
// startup races where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for. This catches
	// misconfigured deployments where migrations haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `caseq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
