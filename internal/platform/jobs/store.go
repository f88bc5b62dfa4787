package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

// ErrJobNotFound is returned by Store.Get for unknown ids.
var ErrJobNotFound = errors.New("jobs: job not found")

// Store persists jobs. Claim must be atomic across workers: a claimed job is invisible to other
// claimers until its lock expires.
type Store interface {
	Insert(ctx context.Context, job domain.Job) error
	Claim(ctx context.Context, queue, worker string, now time.Time, lockTTL time.Duration, limit int) ([]domain.Job, error)
	Save(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
}

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]domain.Job)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("jobs: duplicate job id")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Claim implements Store. Running jobs whose lock has expired are reclaimed so a crashed worker
// does not strand work.
func (s *MemoryStore) Claim(_ context.Context, queue, worker string, now time.Time, lockTTL time.Duration, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Job
	for _, job := range s.jobs {
		if job.Queue == queue && claimable(job, now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Job, 0, len(due))
	for _, job := range due {
		job = lockJob(job, worker, now, lockTTL)
		s.jobs[job.ID] = job
		claimed = append(claimed, cloneJob(job))
	}
	return claimed, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// List returns every job in queue, for tests and diagnostics.
func (s *MemoryStore) List(queue string) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if queue == "" || job.Queue == queue {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func claimable(job domain.Job, now time.Time) bool {
	switch job.Status {
	case domain.JobStatusQueued:
		return !job.NextRunAt.After(now)
	case domain.JobStatusRunning:
		return job.LockedUntil != nil && !job.LockedUntil.After(now)
	default:
		return false
	}
}

func lockJob(job domain.Job, worker string, now time.Time, lockTTL time.Duration) domain.Job {
	until := now.Add(lockTTL)
	job.Status = domain.JobStatusRunning
	job.LockedBy = worker
	job.LockedUntil = &until
	job.UpdatedAt = now
	return job
}

func cloneJob(job domain.Job) domain.Job {
	if job.Payload != nil {
		payload := make(map[string]any, len(job.Payload))
		for k, v := range job.Payload {
			payload[k] = v
		}
		job.Payload = payload
	}
	job.Backoff = append([]time.Duration(nil), job.Backoff...)
	if job.LockedUntil != nil {
		t := *job.LockedUntil
		job.LockedUntil = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}
