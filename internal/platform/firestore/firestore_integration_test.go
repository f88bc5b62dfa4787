//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/platform/firestore/firestoretest"
)

type counterDoc struct {
	Name  string `firestore:"name"`
	Count int    `firestore:"count"`
}

func TestCollectionJoinsTransaction(t *testing.T) {
	provider := startProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	coll := pfirestore.NewCollection[counterDoc](provider, "counters")
	if err := coll.Create(ctx, "c1", counterDoc{Name: "labels", Count: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := coll.Create(ctx, "c1", counterDoc{Name: "dup"})
	if !pfirestore.IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}

	if err := provider.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := coll.Get(ctx, "c1")
		if err != nil {
			return err
		}
		doc.Data.Count++
		return coll.Set(ctx, "c1", doc.Data)
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if err := coll.Update(ctx, "c1", []firestore.Update{{Path: "name", Value: "printed"}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	doc, err := coll.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data.Count != 2 || doc.Data.Name != "printed" {
		t.Fatalf("unexpected document %+v", doc.Data)
	}

	rollback := errors.New("rollback")
	if err := provider.RunInTx(ctx, func(ctx context.Context) error {
		if err := coll.Set(ctx, "c1", counterDoc{Name: "lost", Count: 99}); err != nil {
			return err
		}
		return rollback
	}); !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	doc, _ = coll.Get(ctx, "c1")
	if doc.Data.Count != 2 {
		t.Fatalf("expected rolled back write, got %+v", doc.Data)
	}

	if _, err := coll.Get(ctx, "missing"); !pfirestore.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := coll.First(ctx, func(q firestore.Query) firestore.Query { return q.Where("name", "==", "nope") }); !pfirestore.IsNotFound(err) {
		t.Fatalf("expected not found from First, got %v", err)
	}
}

func startProvider(t *testing.T) *pfirestore.Provider {
	t.Helper()
	return firestoretest.Start(t, "fulfillment-test")
}
