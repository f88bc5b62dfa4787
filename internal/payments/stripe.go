package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/fulfillment/internal/domain"
)

// StripeGateway verifies Stripe-Signature headers and maps PaymentIntent lifecycle events.
// The transaction id is the PaymentIntent id for every event, including refunds.
type StripeGateway struct {
	secret    string
	tolerance time.Duration
}

// NewStripeGateway builds a gateway for the webhook endpoint secret (whsec_...).
func NewStripeGateway(endpointSecret string) (*StripeGateway, error) {
	endpointSecret = strings.TrimSpace(endpointSecret)
	if endpointSecret == "" {
		return nil, errors.New("stripe: webhook endpoint secret is required")
	}
	return &StripeGateway{
		secret:    endpointSecret,
		tolerance: webhook.DefaultTolerance,
	}, nil
}

// Name implements Gateway.
func (g *StripeGateway) Name() string { return "stripe" }

// ValidateSignature implements Gateway.
func (g *StripeGateway) ValidateSignature(payload []byte, signature string) bool {
	return webhook.ValidatePayloadWithTolerance(payload, signature, g.secret, g.tolerance) == nil
}

var stripeIntentStatus = map[stripe.EventType]domain.PaymentStatus{
	"payment_intent.created":         domain.PaymentStatusPending,
	"payment_intent.requires_action": domain.PaymentStatusPending,
	"payment_intent.processing":      domain.PaymentStatusProcessing,
	"payment_intent.succeeded":       domain.PaymentStatusApproved,
	"payment_intent.payment_failed":  domain.PaymentStatusFailed,
	"payment_intent.canceled":        domain.PaymentStatusCancelled,
}

// Parse implements Gateway. Signature checks happen in ValidateSignature; API version
// mismatches are tolerated since only the object ids and amounts are read.
func (g *StripeGateway) Parse(payload []byte) (Notification, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return Notification{}, fmt.Errorf("%w: event %q has no data", ErrMalformedNotification, event.ID)
	}

	metadata := map[string]any{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"livemode":   event.Livemode,
	}

	if status, ok := stripeIntentStatus[event.Type]; ok {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return Notification{}, fmt.Errorf("%w: payment intent: %v", ErrMalformedNotification, err)
		}
		metadata["amount"] = intent.Amount
		metadata["currency"] = string(intent.Currency)
		if intent.LastPaymentError != nil {
			metadata["failure_code"] = string(intent.LastPaymentError.Code)
			metadata["failure_message"] = intent.LastPaymentError.Msg
		}
		return notification(intent.ID, status, metadata)
	}

	if event.Type == "charge.refunded" {
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return Notification{}, fmt.Errorf("%w: charge: %v", ErrMalformedNotification, err)
		}
		if charge.PaymentIntent == nil {
			return Notification{}, fmt.Errorf("%w: refunded charge %q has no payment intent", ErrMalformedNotification, charge.ID)
		}
		metadata["charge_id"] = charge.ID
		metadata["refunded_amount"] = charge.AmountRefunded
		metadata["currency"] = string(charge.Currency)
		return notification(charge.PaymentIntent.ID, domain.PaymentStatusRefunded, metadata)
	}

	return Notification{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
}

func notification(transactionID string, status domain.PaymentStatus, metadata map[string]any) (Notification, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return Notification{}, fmt.Errorf("%w: missing transaction id", ErrMalformedNotification)
	}
	return Notification{TransactionID: transactionID, Status: status, Metadata: metadata}, nil
}
