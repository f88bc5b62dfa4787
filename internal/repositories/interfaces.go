package repositories

import (
	"context"

	domain "github.com/hanko-field/fulfillment/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Payments() PaymentRepository
	Orders() OrderRepository
	Shipments() ShipmentRepository
	Tracking() TrackingRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one transaction. Repository calls made with the
// context passed to fn join the transaction; reads must precede writes inside fn.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentRepository persists payment attempts. Payments are never deleted.
type PaymentRepository interface {
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByGatewayTransactionID(ctx context.Context, transactionID string) (domain.Payment, error)
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
}

// OrderRepository exposes the slice of order state this core may change.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) error
}

// ShipmentRepository persists shipments.
type ShipmentRepository interface {
	FindByID(ctx context.Context, shipmentID string) (domain.Shipment, error)
	FindByCarrierShipmentID(ctx context.Context, carrier, carrierShipmentID string) (domain.Shipment, error)
	Insert(ctx context.Context, shipment domain.Shipment) error
	Update(ctx context.Context, shipment domain.Shipment) error
}

// TrackingRepository stores carrier tracking events keyed by their dedup key.
type TrackingRepository interface {
	// Insert creates the event if its dedup key is unseen. The boolean reports whether a row was
	// created.
	Insert(ctx context.Context, event domain.ShipmentTracking) (bool, error)
	// Upsert creates or refreshes the event stored under its dedup key.
	Upsert(ctx context.Context, event domain.ShipmentTracking) error
	ListByShipment(ctx context.Context, shipmentID string) ([]domain.ShipmentTracking, error)
}
