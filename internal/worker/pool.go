package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caseq/caseq/internal/metrics"
	"github.com/caseq/caseq/internal/store"
)

// Config holds pool tuning parameters (sourced from config.Config).
type Config struct {
	PollInterval         time.Duration // per-kind claim tick; default 2s
	ClaimBatchSize       int           // jobs claimed per tick; default 5
	LockTimeout          time.Duration // row-level visibility timeout; default 5m
	BackoffBaseSeconds   int           // retry backoff base; default 30
	HeartbeatInterval    time.Duration // liveness upsert cadence; default 15s
	StaleWorkerThreshold time.Duration // dead-worker reap threshold; default 2m
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ClaimBatchSize < 1 {
		c.ClaimBatchSize = 5
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
	if c.BackoffBaseSeconds < 1 {
		c.BackoffBaseSeconds = 30
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleWorkerThreshold <= 0 {
		c.StaleWorkerThreshold = 2 * time.Minute
	}
	return c
}

// Pool manages a set of goroutine workers that claim and execute jobs. One
// polling goroutine runs per registered kind; shared goroutines maintain the
// heartbeat and reap locks abandoned by dead workers.
type Pool struct {
	store    *store.Store
	cfg      Config
	workerID string
	hostname string
	obs      *metrics.Metrics // nil disables instrumentation
	mu       sync.RWMutex
	handlers map[store.Kind]Handler
}

// New creates a Pool backed by s. A random workerID is generated at
// construction time to distinguish this process in the locked_by column.
func New(s *store.Store, cfg Config) *Pool {
	hostname, _ := os.Hostname() //nolint:errcheck // empty hostname is acceptable in the registry
	return &Pool{
		store:    s,
		cfg:      cfg.withDefaults(),
		workerID: "job-" + uuid.New().String(),
		hostname: hostname,
		handlers: make(map[store.Kind]Handler),
	}
}

// WorkerID returns the identifier this pool writes into locked_by.
func (p *Pool) WorkerID() string { return p.workerID }

// SetMetrics injects the prometheus instrumentation. Must be called before Start.
func (p *Pool) SetMetrics(m *metrics.Metrics) { p.obs = m }

// Register associates h with the given kind. Must be called before Start.
// Panics on an unknown kind: registration happens at startup from a fixed
// list, so this is a programming error, not an input error.
func (p *Pool) Register(kind store.Kind, h Handler) {
	if !store.ValidKind(kind) {
		panic(fmt.Sprintf("worker: register unknown kind %q", kind))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start launches one polling goroutine per registered kind plus the
// heartbeat and dead-worker-reap goroutines, then blocks until ctx is
// cancelled. In-flight jobs complete before Start returns.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	kinds := make([]store.Kind, 0, len(p.handlers))
	for k := range p.handlers {
		kinds = append(kinds, k)
	}
	p.mu.RUnlock()

	// Register before the first tick so the reaper sees this worker alive
	// from the moment it may hold locks.
	p.beat(ctx, "running")

	var wg sync.WaitGroup
	for _, k := range kinds {
		wg.Add(1)
		go func(kind store.Kind) {
			defer wg.Done()
			p.runKind(ctx, kind)
		}(k)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runHeartbeat(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runDeadWorkerReap(ctx)
	}()

	wg.Wait()
	// Best-effort final status; the registry row goes stale naturally if this
	// write is lost.
	p.beat(context.WithoutCancel(ctx), "stopped")
	slog.Info("worker pool stopped", "worker_id", p.workerID)
}

// runKind polls for jobs of one kind until ctx is cancelled. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runKind(ctx context.Context, kind store.Kind) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("worker kind started", "kind", kind, "worker_id", p.workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker kind stopping", "kind", kind)
			return
		case <-ticker.C:
			p.processBatch(ctx, kind)
		}
	}
}

// processBatch claims up to ClaimBatchSize jobs and executes them in claim
// order. Errors are logged but do not stop the polling loop.
func (p *Pool) processBatch(ctx context.Context, kind store.Kind) {
	start := time.Now()
	jobs, err := p.store.ClaimJobs(ctx, kind, p.workerID, p.cfg.ClaimBatchSize, p.cfg.LockTimeout)
	if err != nil {
		slog.Error("claim jobs error", "kind", kind, "error", err)
		return
	}
	if p.obs != nil {
		p.obs.ObserveClaim(string(kind), time.Since(start), len(jobs))
	}
	for _, job := range jobs {
		p.runJob(ctx, job)
	}
}

func (p *Pool) runJob(ctx context.Context, job store.Job) {
	p.mu.RLock()
	h := p.handlers[job.Kind]
	p.mu.RUnlock()

	if h == nil {
		// Unreachable while claims are driven by registered kinds; left in
		// case a future caller claims on behalf of another processor.
		slog.Error("no handler registered for kind", "kind", job.Kind, "job_id", job.ID)
		return
	}

	slog.Info("executing job",
		"kind", job.Kind, "job_id", job.ID, "attempts", job.Attempts)

	err := p.invoke(ctx, h, job)
	if err == nil {
		if cerr := p.store.CompleteJob(ctx, job.ID); cerr != nil {
			// Leave the row processing; the stale-lock reap recovers it and
			// the handler's idempotency absorbs the redelivery.
			slog.Error("complete job error", "job_id", job.ID, "error", cerr)
			return
		}
		if p.obs != nil {
			p.obs.JobCompleted(string(job.Kind))
		}
		slog.Info("job completed", "kind", job.Kind, "job_id", job.ID)
		return
	}

	slog.Error("job handler failed",
		"kind", job.Kind, "job_id", job.ID, "attempts", job.Attempts, "error", err)
	if p.obs != nil {
		p.obs.JobFailed(string(job.Kind))
	}

	if store.IsPermanent(err) {
		if derr := p.store.DeadLetterJob(ctx, job.ID, err.Error()); derr != nil {
			slog.Error("dead letter job error", "job_id", job.ID, "error", derr)
		}
		return
	}
	backoff := Backoff(p.cfg.BackoffBaseSeconds, int(job.Attempts))
	if ferr := p.store.FailJob(ctx, job.ID, err.Error(), backoff); ferr != nil {
		slog.Error("fail job error", "job_id", job.ID, "error", ferr)
	}
}

// invoke runs the handler, converting a panic into an error so a bad handler
// never takes the polling goroutine down with it.
func (p *Pool) invoke(ctx context.Context, h Handler, job store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// runHeartbeat upserts this worker's liveness record on a fixed cadence.
func (p *Pool) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx, "running")
		}
	}
}

func (p *Pool) beat(ctx context.Context, status string) {
	if err := p.store.RegisterHeartbeat(ctx, p.workerID, "job", p.hostname, status); err != nil {
		slog.Error("register heartbeat error", "worker_id", p.workerID, "error", err)
	}
}

// runDeadWorkerReap periodically releases locks held by workers whose
// heartbeat went stale. This fires before the per-row lock timeout when a
// whole process disappears, independent of the inline reap in ClaimJobs.
func (p *Pool) runDeadWorkerReap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleWorkerThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReapDeadWorkerLocks(ctx, p.cfg.StaleWorkerThreshold)
			if err != nil {
				slog.Error("dead worker reap error", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("released locks of stale workers", "count", n)
			}
		}
	}
}
