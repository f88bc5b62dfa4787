package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrHeld is returned when another owner holds an unexpired lease on the key.
var ErrHeld = errors.New("lease: held by another owner")

// Lease is a time-bounded exclusive claim on a key.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Locker grants exclusive leases. Acquire by the current owner renews the lease; an expired
// lease may be taken over by anyone.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// ShipmentKey is the lease key guarding work on one shipment.
func ShipmentKey(shipmentID string) string {
	return "shipment:" + strings.TrimSpace(shipmentID)
}

// MemoryLocker is a process-local Locker for tests and single-instance development.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryLocker constructs an empty MemoryLocker. A nil clock uses time.Now.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{leases: make(map[string]Lease), now: now}
}

// Acquire implements Locker.
func (m *MemoryLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := validate(key, owner, ttl); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if current, ok := m.leases[key]; ok && current.Owner != owner && now.Before(current.ExpiresAt) {
		return Lease{}, ErrHeld
	}
	l := Lease{Key: key, Owner: owner, ExpiresAt: now.Add(ttl)}
	m.leases[key] = l
	return l, nil
}

// Release implements Locker. Releasing a lease now owned by someone else is a no-op.
func (m *MemoryLocker) Release(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.leases[l.Key]; ok && current.Owner == l.Owner {
		delete(m.leases, l.Key)
	}
	return nil
}

func validate(key, owner string, ttl time.Duration) error {
	switch {
	case strings.TrimSpace(key) == "":
		return errors.New("lease: key is required")
	case strings.TrimSpace(owner) == "":
		return errors.New("lease: owner is required")
	case ttl <= 0:
		return errors.New("lease: ttl must be positive")
	}
	return nil
}
