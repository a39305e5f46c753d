// ABOUTME: Outbox relay: polls outbox_messages per channel, claims rows, and
// ABOUTME: dispatches them through registered Senders. At-least-once delivery.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caseq/caseq/internal/metrics"
	"github.com/caseq/caseq/internal/store"
)

// Sender dispatches one claimed outbox message on its channel.
//
// A non-nil return triggers retry with backoff up to the message's
// max_attempts, then dead_letter; wrap with store.Permanent to dead-letter
// immediately (malformed payload, unknown destination). Dispatch is
// at-least-once: senders must be idempotent or consult the message's
// CorrelationID before re-sending.
type Sender interface {
	Send(ctx context.Context, msg store.OutboxMessage) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg store.OutboxMessage) error

func (f SenderFunc) Send(ctx context.Context, msg store.OutboxMessage) error { return f(ctx, msg) }

// Config holds relay tuning parameters (sourced from config.Config).
type Config struct {
	PollInterval         time.Duration // per-channel claim tick; default 5s
	ClaimBatchSize       int           // messages claimed per tick; default 10
	LockTimeout          time.Duration // row-level visibility timeout; default 2m
	BackoffBaseSeconds   int           // retry backoff base; default 15
	HeartbeatInterval    time.Duration // liveness upsert cadence; default 15s
	StaleWorkerThreshold time.Duration // dead-worker reap threshold; default 2m
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ClaimBatchSize < 1 {
		c.ClaimBatchSize = 10
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Minute
	}
	if c.BackoffBaseSeconds < 1 {
		c.BackoffBaseSeconds = 15
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleWorkerThreshold <= 0 {
		c.StaleWorkerThreshold = 2 * time.Minute
	}
	return c
}

// Relay polls the outbox and dispatches messages through per-channel Senders.
type Relay struct {
	store    *store.Store
	cfg      Config
	workerID string
	hostname string
	obs      *metrics.Metrics // nil disables instrumentation
	mu       sync.RWMutex
	senders  map[store.Channel]Sender
	wg       sync.WaitGroup
}

// New creates a Relay backed by s.
func New(s *store.Store, cfg Config) *Relay {
	hostname, _ := os.Hostname() //nolint:errcheck
	return &Relay{
		store:    s,
		cfg:      cfg.withDefaults(),
		workerID: "relay-" + uuid.New().String(),
		hostname: hostname,
		senders:  make(map[store.Channel]Sender),
	}
}

// WorkerID returns the identifier this relay writes into locked_by.
func (r *Relay) WorkerID() string { return r.workerID }

// SetMetrics injects the prometheus instrumentation. Must be called before Start.
func (r *Relay) SetMetrics(m *metrics.Metrics) { r.obs = m }

// Register associates sender with the given channel. Must be called before
// Start. Panics on an unknown channel (startup programming error).
func (r *Relay) Register(channel store.Channel, sender Sender) {
	if !store.ValidChannel(channel) {
		panic(fmt.Sprintf("relay: register unknown channel %q", channel))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = sender
}

// Start launches one polling goroutine per registered channel plus the
// heartbeat goroutine, then blocks until ctx is cancelled. In-flight
// dispatches complete before Start returns.
func (r *Relay) Start(ctx context.Context) {
	r.mu.RLock()
	channels := make([]store.Channel, 0, len(r.senders))
	for c := range r.senders {
		channels = append(channels, c)
	}
	r.mu.RUnlock()

	r.beat(ctx, "running")

	var wg sync.WaitGroup
	for _, c := range channels {
		wg.Add(1)
		go func(channel store.Channel) {
			defer wg.Done()
			r.runChannel(ctx, channel)
		}(c)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runHeartbeat(ctx)
	}()

	wg.Wait()
	r.wg.Wait() // drain in-flight dispatch goroutines
	r.beat(context.WithoutCancel(ctx), "stopped")
	slog.Info("outbox relay stopped", "worker_id", r.workerID)
}

// RunOnce executes one claim tick for every registered channel and waits for
// all dispatches to finish. Used in tests only.
func (r *Relay) RunOnce(ctx context.Context) {
	r.mu.RLock()
	channels := make([]store.Channel, 0, len(r.senders))
	for c := range r.senders {
		channels = append(channels, c)
	}
	r.mu.RUnlock()
	for _, c := range channels {
		r.claimAndDispatch(ctx, c)
	}
	r.wg.Wait()
}

func (r *Relay) runChannel(ctx context.Context, channel store.Channel) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("relay channel started", "channel", channel, "worker_id", r.workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("relay channel stopping", "channel", channel)
			return
		case <-ticker.C:
			r.claimAndDispatch(ctx, channel)
		}
	}
}

func (r *Relay) claimAndDispatch(ctx context.Context, channel store.Channel) {
	start := time.Now()
	msgs, err := r.store.ClaimOutbox(ctx, channel, r.workerID, r.cfg.ClaimBatchSize, r.cfg.LockTimeout)
	if err != nil {
		slog.Error("claim outbox error", "channel", channel, "error", err)
		return
	}
	if r.obs != nil {
		r.obs.ObserveClaim(string(channel), time.Since(start), len(msgs))
	}
	for _, msg := range msgs {
		msg := msg
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.dispatch(ctx, msg)
		}()
	}
}

func (r *Relay) dispatch(ctx context.Context, msg store.OutboxMessage) {
	r.mu.RLock()
	sender := r.senders[msg.Channel]
	r.mu.RUnlock()

	err := r.invoke(ctx, sender, msg)
	if err == nil {
		if cerr := r.store.CompleteOutbox(ctx, msg.ID); cerr != nil {
			// Left processing on purpose; the stale-lock reap redelivers and
			// the sender's correlation_id dedup absorbs it.
			slog.Error("complete outbox error", "id", msg.ID, "error", cerr)
			return
		}
		if r.obs != nil {
			r.obs.OutboxCompleted(string(msg.Channel))
		}
		return
	}

	slog.Warn("outbox dispatch failed",
		"channel", msg.Channel, "id", msg.ID, "attempts", msg.Attempts, "error", err)
	if r.obs != nil {
		r.obs.OutboxFailed(string(msg.Channel))
	}

	if store.IsPermanent(err) {
		if derr := r.store.DeadLetterOutbox(ctx, msg.ID, err.Error()); derr != nil {
			slog.Error("dead letter outbox error", "id", msg.ID, "error", derr)
		}
		return
	}
	if ferr := r.store.FailOutbox(ctx, msg.ID, err.Error(), r.backoff(int(msg.Attempts))); ferr != nil {
		slog.Error("fail outbox error", "id", msg.ID, "error", ferr)
	}
}

func (r *Relay) invoke(ctx context.Context, sender Sender, msg store.OutboxMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panic: %v", p)
		}
	}()
	return sender.Send(ctx, msg)
}

// backoff mirrors the job pool's schedule: base·2^(attempt−1) with jitter.
func (r *Relay) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.cfg.BackoffBaseSeconds) * math.Pow(2, float64(attempt-1))
	jitter := 0.5 + rand.Float64() //nolint:gosec // G404: jitter is not security-sensitive
	return time.Duration(delay * jitter * float64(time.Second))
}

func (r *Relay) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx, "running")
		}
	}
}

func (r *Relay) beat(ctx context.Context, status string) {
	if err := r.store.RegisterHeartbeat(ctx, r.workerID, "relay", r.hostname, status); err != nil {
		slog.Error("register heartbeat error", "worker_id", r.workerID, "error", err)
	}
}
