package jobs

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hanko-field/fulfillment/internal/domain"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
)

const jobsCollection = "jobs"

type jobDocument struct {
	Type           string         `firestore:"type"`
	Queue          string         `firestore:"queue"`
	Payload        map[string]any `firestore:"payload,omitempty"`
	Status         string         `firestore:"status"`
	Attempt        int            `firestore:"attempt"`
	MaxAttempts    int            `firestore:"maxAttempts"`
	BackoffSeconds []int64        `firestore:"backoffSeconds,omitempty"`
	NextRunAt      time.Time      `firestore:"nextRunAt"`
	LockedBy       string         `firestore:"lockedBy,omitempty"`
	LockedUntil    *time.Time     `firestore:"lockedUntil,omitempty"`
	LastError      string         `firestore:"lastError,omitempty"`
	CreatedAt      time.Time      `firestore:"createdAt"`
	UpdatedAt      time.Time      `firestore:"updatedAt"`
	CompletedAt    *time.Time     `firestore:"completedAt,omitempty"`
}

// FirestoreStore keeps jobs in the "jobs" collection. Claim requires composite indexes on
// (queue, status, nextRunAt) and (queue, status, lockedUntil).
type FirestoreStore struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[jobDocument]
}

// NewFirestoreStore binds the store to provider.
func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{
		provider: provider,
		docs:     pfirestore.NewCollection[jobDocument](provider, jobsCollection),
	}
}

// Insert implements Store.
func (s *FirestoreStore) Insert(ctx context.Context, job domain.Job) error {
	return s.docs.Create(ctx, job.ID, toJobDocument(job))
}

// Claim implements Store. Both candidate queries run before any write, as Firestore
// transactions require; a competing claimer invalidates the read set and the loser retries.
func (s *FirestoreStore) Claim(ctx context.Context, queue, worker string, now time.Time, lockTTL time.Duration, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []domain.Job
	err := s.provider.RunInTx(ctx, func(ctx context.Context) error {
		claimed = claimed[:0]
		due, err := s.docs.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("queue", "==", queue).
				Where("status", "==", string(domain.JobStatusQueued)).
				Where("nextRunAt", "<=", now).
				OrderBy("nextRunAt", firestore.Asc).
				Limit(limit)
		})
		if err != nil {
			return err
		}
		stale, err := s.docs.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("queue", "==", queue).
				Where("status", "==", string(domain.JobStatusRunning)).
				Where("lockedUntil", "<=", now).
				Limit(limit)
		})
		if err != nil {
			return err
		}
		for _, doc := range append(due, stale...) {
			if len(claimed) == limit {
				break
			}
			job := lockJob(fromJobDocument(doc.ID, doc.Data), worker, now, lockTTL)
			if err := s.docs.Set(ctx, job.ID, toJobDocument(job)); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Save implements Store.
func (s *FirestoreStore) Save(ctx context.Context, job domain.Job) error {
	return s.docs.Set(ctx, job.ID, toJobDocument(job))
}

// Get implements Store.
func (s *FirestoreStore) Get(ctx context.Context, id string) (domain.Job, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, err
	}
	return fromJobDocument(doc.ID, doc.Data), nil
}

func toJobDocument(job domain.Job) jobDocument {
	backoff := make([]int64, 0, len(job.Backoff))
	for _, d := range job.Backoff {
		backoff = append(backoff, int64(d/time.Second))
	}
	return jobDocument{
		Type:           job.Type,
		Queue:          job.Queue,
		Payload:        job.Payload,
		Status:         string(job.Status),
		Attempt:        job.Attempt,
		MaxAttempts:    job.MaxAttempts,
		BackoffSeconds: backoff,
		NextRunAt:      job.NextRunAt.UTC(),
		LockedBy:       job.LockedBy,
		LockedUntil:    job.LockedUntil,
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt.UTC(),
		UpdatedAt:      job.UpdatedAt.UTC(),
		CompletedAt:    job.CompletedAt,
	}
}

func fromJobDocument(id string, doc jobDocument) domain.Job {
	backoff := make([]time.Duration, 0, len(doc.BackoffSeconds))
	for _, s := range doc.BackoffSeconds {
		backoff = append(backoff, time.Duration(s)*time.Second)
	}
	return domain.Job{
		ID:          id,
		Type:        doc.Type,
		Queue:       doc.Queue,
		Payload:     doc.Payload,
		Status:      domain.JobStatus(doc.Status),
		Attempt:     doc.Attempt,
		MaxAttempts: doc.MaxAttempts,
		Backoff:     backoff,
		NextRunAt:   doc.NextRunAt,
		LockedBy:    doc.LockedBy,
		LockedUntil: doc.LockedUntil,
		LastError:   doc.LastError,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		CompletedAt: doc.CompletedAt,
	}
}
