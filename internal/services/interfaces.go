package services

import (
	"context"
	"errors"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/storage"
	"github.com/hanko-field/fulfillment/internal/repositories"
	"github.com/hanko-field/fulfillment/internal/shipping"
)

// Job types handled by FulfillmentJobs.
const (
	JobTypeAdvance      = "shipping.advance"
	JobTypeAdvanceBatch = "shipping.advance_batch"
	JobTypeTrackingSync = "shipping.tracking_sync"
)

var (
	// ErrUnknownGateway indicates a webhook for a gateway that is not registered.
	ErrUnknownGateway = errors.New("payments: unknown gateway")
	// ErrSignatureInvalid indicates the webhook signature did not verify.
	ErrSignatureInvalid = errors.New("payments: signature invalid")
	// ErrMalformedPayload indicates the webhook body could not be interpreted.
	ErrMalformedPayload = errors.New("payments: malformed payload")

	// ErrShipmentNotFound indicates the shipment does not exist.
	ErrShipmentNotFound = errors.New("fulfillment: shipment not found")
	// ErrShipmentBusy indicates another worker holds the shipment lease.
	ErrShipmentBusy = errors.New("fulfillment: shipment busy")
	// ErrCarrierRejected indicates the carrier answered a stage with Success=false.
	ErrCarrierRejected = errors.New("fulfillment: carrier rejected request")
	// ErrCarrierCancelFailed indicates the carrier refused or failed to cancel.
	ErrCarrierCancelFailed = errors.New("fulfillment: carrier cancel failed")
	// ErrShipmentNotCancellable indicates the shipment is past the point of cancellation.
	ErrShipmentNotCancellable = errors.New("fulfillment: shipment not cancellable")
	// ErrLabelUnavailable indicates the shipment has no purchased label to print.
	ErrLabelUnavailable = errors.New("fulfillment: label unavailable")
	// ErrUnknownCarrier indicates the shipment references a carrier that is not registered.
	ErrUnknownCarrier = errors.New("fulfillment: unknown carrier")
)

// EventPublisher emits domain events after the state change commits.
type EventPublisher interface {
	PublishPaymentStatusChanged(ctx context.Context, event domain.PaymentStatusChanged) error
	PublishShipmentStageAdvanced(ctx context.Context, event domain.ShipmentStageAdvanced) error
}

// GatewayResolver finds a payment gateway adapter by name.
type GatewayResolver interface {
	Lookup(name string) (payments.Gateway, bool)
}

// CarrierResolver finds a carrier adapter by name.
type CarrierResolver interface {
	Lookup(name string) (shipping.Carrier, bool)
}

// Notifier tells the customer a label exists. Failures are logged, never retried.
type Notifier interface {
	ShipmentLabelReady(ctx context.Context, shipment domain.Shipment) error
}

// LabelArchiver copies carrier label files into long-term storage.
type LabelArchiver interface {
	Archive(ctx context.Context, orderID, shipmentID string, kind storage.LabelKind, sourceURL string) (string, error)
}

type eventLogger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
