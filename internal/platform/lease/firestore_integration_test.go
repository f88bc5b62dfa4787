//go:build integration

package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanko-field/fulfillment/internal/platform/firestore/firestoretest"
)

func TestFirestoreLockerIntegration(t *testing.T) {
	provider := firestoretest.Start(t, "fulfillment-leases")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var mu sync.Mutex
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	locker := NewFirestoreLocker(provider, clock)

	t.Run("held lease excludes other owners", func(t *testing.T) {
		key := ShipmentKey("shp_1")
		first, err := locker.Acquire(ctx, key, "worker-a", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if !first.ExpiresAt.Equal(clock().Add(time.Minute)) {
			t.Fatalf("unexpected expiry %s", first.ExpiresAt)
		}
		if _, err := locker.Acquire(ctx, key, "worker-b", time.Minute); !errors.Is(err, ErrHeld) {
			t.Fatalf("expected ErrHeld, got %v", err)
		}
		if _, err := locker.Acquire(ctx, key, "worker-a", time.Minute); err != nil {
			t.Fatalf("expected owner to renew, got %v", err)
		}

		if err := locker.Release(ctx, Lease{Key: key, Owner: "worker-b"}); err != nil {
			t.Fatalf("Release by non-owner: %v", err)
		}
		if _, err := locker.Acquire(ctx, key, "worker-b", time.Minute); !errors.Is(err, ErrHeld) {
			t.Fatalf("non-owner release must not free the lease, got %v", err)
		}

		if err := locker.Release(ctx, first); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if _, err := locker.Acquire(ctx, key, "worker-b", time.Minute); err != nil {
			t.Fatalf("expected lease to be free after release, got %v", err)
		}
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		key := ShipmentKey("shp_2")
		stale, err := locker.Acquire(ctx, key, "worker-a", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		advance(2 * time.Minute)

		taken, err := locker.Acquire(ctx, key, "worker-b", time.Minute)
		if err != nil {
			t.Fatalf("expected takeover of expired lease, got %v", err)
		}
		if taken.Owner != "worker-b" || !taken.ExpiresAt.Equal(clock().Add(time.Minute)) {
			t.Fatalf("unexpected lease %+v", taken)
		}

		if err := locker.Release(ctx, stale); err != nil {
			t.Fatalf("Release of stale lease: %v", err)
		}
		if _, err := locker.Acquire(ctx, key, "worker-a", time.Minute); !errors.Is(err, ErrHeld) {
			t.Fatalf("stale owner release must not free the new lease, got %v", err)
		}
	})

	t.Run("concurrent acquirers get one winner", func(t *testing.T) {
		key := ShipmentKey("shp_3")
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				if _, err := locker.Acquire(ctx, key, owner, time.Minute); err == nil {
					winners.Add(1)
				}
			}(fmt.Sprintf("worker-%d", i))
		}
		wg.Wait()
		if got := winners.Load(); got != 1 {
			t.Fatalf("expected exactly one winner, got %d", got)
		}
	})
}
