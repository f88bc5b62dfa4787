package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

// Handler processes one job run. A returned error schedules a retry until attempts run out.
type Handler func(ctx context.Context, job domain.Job) error

// ErrPermanent marks a failure that must not be retried.
var ErrPermanent = errors.New("jobs: permanent failure")

// RunnerDeps configures a Runner.
type RunnerDeps struct {
	Store        Store
	Queue        string
	Workers      int
	PollInterval time.Duration
	LockTTL      time.Duration
	WorkerID     string
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
	Metrics      *observability.Metrics
}

// Runner polls one queue and executes claimed jobs on a bounded worker pool. Backoff is applied
// by rescheduling the job, so no worker ever sleeps on a failed job.
type Runner struct {
	store        Store
	queue        string
	workers      int
	pollInterval time.Duration
	lockTTL      time.Duration
	workerID     string
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)
	metrics      *observability.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner validates deps and applies defaults.
func NewRunner(deps RunnerDeps) (*Runner, error) {
	if deps.Store == nil {
		return nil, errors.New("jobs runner: store is required")
	}
	r := &Runner{
		store:        deps.Store,
		queue:        strings.TrimSpace(deps.Queue),
		workers:      deps.Workers,
		pollInterval: deps.PollInterval,
		lockTTL:      deps.LockTTL,
		workerID:     strings.TrimSpace(deps.WorkerID),
		clock:        deps.Clock,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		handlers:     make(map[string]Handler),
	}
	if r.queue == "" {
		r.queue = DefaultQueue
	}
	if r.workers <= 0 {
		r.workers = 4
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 2 * time.Second
	}
	if r.lockTTL <= 0 {
		r.lockTTL = 5 * time.Minute
	}
	if r.workerID == "" {
		host, _ := os.Hostname()
		r.workerID = fmt.Sprintf("%s-%s", host, ulid.Make().String())
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.logger == nil {
		r.logger = func(context.Context, string, map[string]any) {}
	}
	return r, nil
}

// Register binds handler to jobType, replacing any previous binding.
func (r *Runner) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// Run polls until ctx is cancelled. In-flight jobs finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		processed, err := r.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger(ctx, "jobs.claim.error", map[string]any{"queue": r.queue, "error": err})
		}
		if processed > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims up to Workers due jobs and processes them concurrently, returning how many
// were processed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	claimed, err := r.store.Claim(ctx, r.queue, r.workerID, r.clock().UTC(), r.lockTTL, r.workers)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(r.workers)
	for _, job := range claimed {
		g.Go(func() error {
			r.process(gctx, job)
			return nil
		})
	}
	return len(claimed), g.Wait()
}

func (r *Runner) process(ctx context.Context, job domain.Job) {
	ctx = requestctx.WithDelivery(ctx, requestctx.Delivery{Source: "job:" + job.Type, ID: job.ID})
	job.Attempt++

	r.mu.RLock()
	handler, ok := r.handlers[job.Type]
	r.mu.RUnlock()

	var runErr error
	if !ok {
		runErr = fmt.Errorf("%w: no handler registered for %q", ErrPermanent, job.Type)
	} else {
		runErr = safeRun(ctx, handler, job)
	}

	now := r.clock().UTC()
	job.UpdatedAt = now
	job.LockedBy = ""
	job.LockedUntil = nil

	fields := map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.Attempt,
	}
	if id, ok := job.Payload["shipment_id"].(string); ok && id != "" {
		fields["shipment_id"] = id
	}

	switch {
	case runErr == nil:
		job.Status = domain.JobStatusSucceeded
		job.LastError = ""
		job.CompletedAt = &now
		r.logger(ctx, "jobs.succeeded", fields)
	case errors.Is(runErr, ErrPermanent) || job.Attempt >= maxAttempts(job):
		job.Status = domain.JobStatusFailed
		job.LastError = runErr.Error()
		job.CompletedAt = &now
		fields["error"] = runErr
		fields["max_attempts"] = maxAttempts(job)
		r.logger(ctx, "jobs.failed", fields)
	default:
		delay := BackoffFor(job.Backoff, job.Attempt)
		job.Status = domain.JobStatusQueued
		job.LastError = runErr.Error()
		job.NextRunAt = now.Add(delay)
		fields["error"] = runErr.Error()
		fields["retry_in"] = delay.String()
		r.logger(ctx, "jobs.retry.scheduled", fields)
	}
	if job.Status != domain.JobStatusQueued {
		r.metrics.JobCompleted(ctx, job.Type, string(job.Status))
	}

	if err := r.store.Save(ctx, job); err != nil {
		r.logger(ctx, "jobs.save.error", map[string]any{"job_id": job.ID, "error": err})
	}
}

func safeRun(ctx context.Context, handler Handler, job domain.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("jobs: handler panic: %v", rec)
		}
	}()
	return handler(ctx, job)
}

func maxAttempts(job domain.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return DefaultMaxAttempts
}
