package lease

import (
	"context"
	"net/url"
	"time"

	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
)

const defaultCollection = "leases"

type leaseDocument struct {
	Key       string    `firestore:"key"`
	Owner     string    `firestore:"owner"`
	ExpiresAt time.Time `firestore:"expiresAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// FirestoreLocker stores leases as documents so every API and worker instance sees the same claim.
// Acquire runs in its own transaction; a concurrent acquirer loses the optimistic commit and
// observes the winner on retry.
type FirestoreLocker struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[leaseDocument]
	now      func() time.Time
}

// NewFirestoreLocker binds a locker to the leases collection.
func NewFirestoreLocker(provider *pfirestore.Provider, now func() time.Time) *FirestoreLocker {
	if now == nil {
		now = time.Now
	}
	return &FirestoreLocker{
		provider: provider,
		docs:     pfirestore.NewCollection[leaseDocument](provider, defaultCollection),
		now:      now,
	}
}

// Acquire implements Locker.
func (f *FirestoreLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := validate(key, owner, ttl); err != nil {
		return Lease{}, err
	}
	id := url.PathEscape(key)
	var granted Lease
	err := f.provider.RunInTx(ctx, func(ctx context.Context) error {
		now := f.now().UTC()
		doc, err := f.docs.Get(ctx, id)
		switch {
		case err == nil:
			if doc.Data.Owner != owner && now.Before(doc.Data.ExpiresAt) {
				return ErrHeld
			}
		case !pfirestore.IsNotFound(err):
			return err
		}
		granted = Lease{Key: key, Owner: owner, ExpiresAt: now.Add(ttl)}
		return f.docs.Set(ctx, id, leaseDocument{Key: key, Owner: owner, ExpiresAt: granted.ExpiresAt, UpdatedAt: now})
	})
	if err != nil {
		return Lease{}, err
	}
	return granted, nil
}

// Release implements Locker.
func (f *FirestoreLocker) Release(ctx context.Context, l Lease) error {
	id := url.PathEscape(l.Key)
	return f.provider.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := f.docs.Get(ctx, id)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return nil
			}
			return err
		}
		if doc.Data.Owner != l.Owner {
			return nil
		}
		return f.docs.Delete(ctx, id)
	})
}
