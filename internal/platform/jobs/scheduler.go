package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/fulfillment/internal/domain"
)

const (
	DefaultQueue       = "shipping"
	DefaultMaxAttempts = 3
)

// DefaultBackoff is the delay before the 2nd, 3rd and later attempts.
var DefaultBackoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// Enqueuer is the scheduling surface used by services.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, opts ...EnqueueOption) (domain.Job, error)
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	queue       string
	maxAttempts int
	backoff     []time.Duration
	runAt       time.Time
}

// WithQueue routes the job to queue.
func WithQueue(queue string) EnqueueOption {
	return func(c *enqueueConfig) {
		if q := strings.TrimSpace(queue); q != "" {
			c.queue = q
		}
	}
}

// WithMaxAttempts bounds the number of runs before the job is marked failed.
func WithMaxAttempts(n int) EnqueueOption {
	return func(c *enqueueConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delays. When attempts outnumber delays the last delay repeats.
func WithBackoff(delays ...time.Duration) EnqueueOption {
	return func(c *enqueueConfig) {
		if len(delays) > 0 {
			c.backoff = append([]time.Duration(nil), delays...)
		}
	}
}

// WithRunAt delays the first run until at.
func WithRunAt(at time.Time) EnqueueOption {
	return func(c *enqueueConfig) { c.runAt = at }
}

// SchedulerDeps configures a Scheduler.
type SchedulerDeps struct {
	Store       Store
	Queue       string
	MaxAttempts int
	Backoff     []time.Duration
	Clock       func() time.Time
	IDGenerator func() string
}

// Scheduler persists jobs for the Runner.
type Scheduler struct {
	store       Store
	queue       string
	maxAttempts int
	backoff     []time.Duration
	clock       func() time.Time
	newID       func() string
}

// NewScheduler validates deps and applies defaults.
func NewScheduler(deps SchedulerDeps) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("jobs scheduler: store is required")
	}
	s := &Scheduler{
		store:       deps.Store,
		queue:       strings.TrimSpace(deps.Queue),
		maxAttempts: deps.MaxAttempts,
		backoff:     append([]time.Duration(nil), deps.Backoff...),
		clock:       deps.Clock,
		newID:       deps.IDGenerator,
	}
	if s.queue == "" {
		s.queue = DefaultQueue
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if len(s.backoff) == 0 {
		s.backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return "job_" + ulid.Make().String() }
	}
	return s, nil
}

// Enqueue stores a queued job and returns it.
func (s *Scheduler) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts ...EnqueueOption) (domain.Job, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return domain.Job{}, errors.New("jobs scheduler: job type is required")
	}
	cfg := enqueueConfig{queue: s.queue, maxAttempts: s.maxAttempts, backoff: s.backoff}
	for _, opt := range opts {
		opt(&cfg)
	}

	now := s.clock().UTC()
	runAt := now
	if !cfg.runAt.IsZero() {
		runAt = cfg.runAt.UTC()
	}
	job := domain.Job{
		ID:          s.newID(),
		Type:        jobType,
		Queue:       cfg.queue,
		Payload:     payload,
		Status:      domain.JobStatusQueued,
		MaxAttempts: cfg.maxAttempts,
		Backoff:     append([]time.Duration(nil), cfg.backoff...),
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// BackoffFor returns the delay after the given (1-based) failed attempt.
func BackoffFor(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	return backoff[idx]
}
