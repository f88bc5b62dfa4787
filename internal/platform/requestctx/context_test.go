package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerFallsBackToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger for bare context")
	}
	if Logger(WithLogger(context.Background(), nil)) != NoopLogger() {
		t.Fatalf("expected noop logger when nil stored")
	}
}

func TestWithDeliveryEnrichesLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = WithDelivery(ctx, Delivery{Source: "carrier", ID: "evt_1"})

	Logger(ctx).Info("received")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["delivery_source"] != "carrier" || fields["delivery_id"] != "evt_1" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if d, ok := DeliveryFrom(ctx); !ok || d.ID != "evt_1" {
		t.Fatalf("expected delivery on context, got %+v", d)
	}
}
