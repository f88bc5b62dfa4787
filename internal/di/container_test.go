package di

import (
	"context"
	"testing"

	"github.com/hanko-field/fulfillment/internal/platform/config"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/lease"
)

func TestNewContainerRequiresRegistry(t *testing.T) {
	infra := Infrastructure{Locker: lease.NewMemoryLocker(nil), JobStore: jobs.NewMemoryStore()}
	if _, err := NewContainer(context.Background(), config.Config{}, nil, infra); err == nil {
		t.Fatalf("expected error without registry")
	}
}

func TestBuildGateways(t *testing.T) {
	registry, err := buildGateways(config.GatewayConfig{
		StripeWebhookSecret: "whsec_test",
		HMACSecrets:         map[string]string{"pix": "pix-secret", "PagBank": "pagbank-secret"},
	})
	if err != nil {
		t.Fatalf("buildGateways: %v", err)
	}
	for _, name := range []string{"stripe", "pix", "pagbank"} {
		if _, ok := registry.Lookup(name); !ok {
			t.Errorf("expected gateway %s to be registered", name)
		}
	}
	if _, ok := registry.Lookup("paypal"); ok {
		t.Errorf("unexpected paypal gateway")
	}

	if _, err := buildGateways(config.GatewayConfig{HMACSecrets: map[string]string{"pix": " "}}); err == nil {
		t.Fatalf("expected error for blank hmac secret")
	}
}
