package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	payments  *PaymentRepository
	orders    *OrderRepository
	shipments *ShipmentRepository
	tracking  *TrackingRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository onto provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("repository registry requires firestore provider")
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	shipments, err := NewShipmentRepository(provider)
	if err != nil {
		return nil, err
	}
	tracking, err := NewTrackingRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, payments: payments, orders: orders, shipments: shipments, tracking: tracking}, nil
}

func (r *Registry) Payments() repositories.PaymentRepository   { return r.payments }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Shipments() repositories.ShipmentRepository { return r.shipments }
func (r *Registry) Tracking() repositories.TrackingRepository  { return r.tracking }

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
