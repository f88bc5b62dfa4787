package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
)

// DefaultStatusMap translates the vocabulary common to PIX and bank-slip processors.
var DefaultStatusMap = map[string]domain.PaymentStatus{
	"paid":        domain.PaymentStatusApproved,
	"approved":    domain.PaymentStatusApproved,
	"succeeded":   domain.PaymentStatusApproved,
	"confirmed":   domain.PaymentStatusApproved,
	"completed":   domain.PaymentStatusApproved,
	"pending":     domain.PaymentStatusPending,
	"waiting":     domain.PaymentStatusPending,
	"created":     domain.PaymentStatusPending,
	"processing":  domain.PaymentStatusProcessing,
	"in_analysis": domain.PaymentStatusProcessing,
	"authorized":  domain.PaymentStatusProcessing,
	"declined":    domain.PaymentStatusDeclined,
	"denied":      domain.PaymentStatusDeclined,
	"rejected":    domain.PaymentStatusDeclined,
	"cancelled":   domain.PaymentStatusCancelled,
	"canceled":    domain.PaymentStatusCancelled,
	"expired":     domain.PaymentStatusCancelled,
	"voided":      domain.PaymentStatusCancelled,
	"refunded":    domain.PaymentStatusRefunded,
	"chargeback":  domain.PaymentStatusRefunded,
	"reversed":    domain.PaymentStatusRefunded,
	"failed":      domain.PaymentStatusFailed,
	"error":       domain.PaymentStatusFailed,
}

// HMACGateway handles processors that sign the raw JSON body with a shared secret.
type HMACGateway struct {
	name      string
	signature auth.BodySignature
	statuses  map[string]domain.PaymentStatus
}

// HMACOption customises an HMACGateway.
type HMACOption func(*HMACGateway)

// WithStatusMap overrides entries of DefaultStatusMap. Keys are matched case-insensitively.
func WithStatusMap(statuses map[string]domain.PaymentStatus) HMACOption {
	return func(g *HMACGateway) {
		for key, status := range statuses {
			g.statuses[strings.ToLower(strings.TrimSpace(key))] = status
		}
	}
}

// WithSignature replaces the body signature verifier, mostly to pin the clock in tests.
func WithSignature(signature auth.BodySignature) HMACOption {
	return func(g *HMACGateway) {
		g.signature = signature
	}
}

// NewHMACGateway registers a gateway called name with the given shared secret.
func NewHMACGateway(name, secret string, opts ...HMACOption) (*HMACGateway, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, errors.New("hmac gateway: name is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("hmac gateway %s: secret is required", name)
	}
	g := &HMACGateway{
		name:      name,
		signature: auth.NewBodySignature(secret),
		statuses:  make(map[string]domain.PaymentStatus, len(DefaultStatusMap)),
	}
	for key, status := range DefaultStatusMap {
		g.statuses[key] = status
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Name implements Gateway.
func (g *HMACGateway) Name() string { return g.name }

// ValidateSignature implements Gateway.
func (g *HMACGateway) ValidateSignature(payload []byte, signature string) bool {
	return g.signature.Verify(payload, signature) == nil
}

type hmacBody struct {
	TransactionID string `json:"transaction_id"`
	ID            string `json:"id"`
	Status        string `json:"status"`
}

// Parse implements Gateway. Every top-level field of the body is kept as metadata.
func (g *HMACGateway) Parse(payload []byte) (Notification, error) {
	var body hmacBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	var metadata map[string]any
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	raw := strings.ToLower(strings.TrimSpace(body.Status))
	if raw == "" {
		return Notification{}, fmt.Errorf("%w: missing status", ErrMalformedNotification)
	}
	status, ok := g.statuses[raw]
	if !ok {
		status, ok = domain.ParsePaymentStatus(raw)
	}
	if !ok {
		return Notification{}, fmt.Errorf("%w: unknown status %q", ErrMalformedNotification, body.Status)
	}

	transactionID := body.TransactionID
	if strings.TrimSpace(transactionID) == "" {
		transactionID = body.ID
	}
	metadata["gateway_status"] = body.Status
	return notification(transactionID, status, metadata)
}
