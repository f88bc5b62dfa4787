package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockerExclusive(t *testing.T) {
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker(func() time.Time { return now })
	ctx := context.Background()
	key := ShipmentKey("shp_1")

	first, err := locker.Acquire(ctx, key, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, key, "worker-b", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := locker.Acquire(ctx, key, "worker-a", time.Minute); err != nil {
		t.Fatalf("expected owner to renew, got %v", err)
	}

	if err := locker.Release(ctx, first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := locker.Acquire(ctx, key, "worker-b", time.Minute); err != nil {
		t.Fatalf("expected lease to be free after release, got %v", err)
	}
}

func TestMemoryLockerExpiredLeaseCanBeTaken(t *testing.T) {
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker(func() time.Time { return now })
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "shipment:shp_2", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := locker.Acquire(ctx, "shipment:shp_2", "worker-b", time.Minute); err != nil {
		t.Fatalf("expected expired lease takeover, got %v", err)
	}

	// The stale holder must not release the new owner's lease.
	_ = locker.Release(ctx, stale)
	if _, err := locker.Acquire(ctx, "shipment:shp_2", "worker-c", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected worker-b to keep the lease, got %v", err)
	}
}

func TestMemoryLockerValidatesInput(t *testing.T) {
	locker := NewMemoryLocker(nil)
	for name, call := range map[string]func() error{
		"key":   func() error { _, err := locker.Acquire(context.Background(), "", "o", time.Second); return err },
		"owner": func() error { _, err := locker.Acquire(context.Background(), "k", "", time.Second); return err },
		"ttl":   func() error { _, err := locker.Acquire(context.Background(), "k", "o", 0); return err },
	} {
		if err := call(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
