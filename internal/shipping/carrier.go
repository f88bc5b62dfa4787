package shipping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

// ErrCarrierUnavailable wraps transport failures and 5xx answers. Callers treat it as retryable.
var ErrCarrierUnavailable = errors.New("shipping: carrier unavailable")

// CartResult is the outcome of adding a shipment to the carrier cart.
type CartResult struct {
	Success bool
	CartID  string
	Message string
}

// CheckoutResult is the outcome of purchasing a cart.
type CheckoutResult struct {
	Success           bool
	CarrierShipmentID string
	Message           string
}

// LabelResult is the outcome of generating a label.
type LabelResult struct {
	Success        bool
	LabelURL       string
	TrackingNumber string
	Message        string
}

// PrintResult carries the printable label location.
type PrintResult struct {
	Success bool
	URL     string
	Message string
}

// TrackingEvent is one entry of the carrier tracking history.
type TrackingEvent struct {
	Code        string
	Description string
	Status      string
	City        string
	State       string
	Country     string
	OccurredAt  time.Time
	Raw         map[string]any
}

// Carrier is the contract every shipping aggregator adapter implements. Rejections come back
// as results with Success=false; transport problems come back as errors.
type Carrier interface {
	Name() string
	AddToCart(ctx context.Context, req domain.ShipmentRequest) (CartResult, error)
	Checkout(ctx context.Context, cartID string) (CheckoutResult, error)
	GenerateLabel(ctx context.Context, carrierShipmentID string) (LabelResult, error)
	PrintLabel(ctx context.Context, carrierShipmentID string) (PrintResult, error)
	CancelShipment(ctx context.Context, carrierShipmentID string) (bool, error)
	TrackingHistory(ctx context.Context, carrierShipmentID string) ([]TrackingEvent, error)
}

// Registry resolves carriers by case-insensitive name.
type Registry struct {
	carriers map[string]Carrier
}

// NewRegistry indexes carriers by Name().
func NewRegistry(carriers ...Carrier) (*Registry, error) {
	r := &Registry{carriers: make(map[string]Carrier, len(carriers))}
	for _, c := range carriers {
		if c == nil {
			return nil, errors.New("shipping: nil carrier")
		}
		key := normalizeName(c.Name())
		if key == "" {
			return nil, errors.New("shipping: carrier name is required")
		}
		if _, exists := r.carriers[key]; exists {
			return nil, fmt.Errorf("shipping: carrier %q registered twice", key)
		}
		r.carriers[key] = c
	}
	return r, nil
}

// Lookup returns the carrier registered under name.
func (r *Registry) Lookup(name string) (Carrier, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.carriers[normalizeName(name)]
	return c, ok
}

// Names lists registered carriers in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.carriers))
	for name := range r.carriers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
