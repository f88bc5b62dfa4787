package payments

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hanko-field/fulfillment/internal/domain"
)

var (
	// ErrMalformedNotification is returned by Parse when the body cannot be interpreted.
	ErrMalformedNotification = errors.New("payments: malformed notification")
	// ErrIgnoredEvent is returned by Parse for well-formed events that carry no payment status.
	ErrIgnoredEvent = errors.New("payments: event type not handled")
)

// Notification is a gateway webhook reduced to what reconciliation needs.
type Notification struct {
	TransactionID string
	Status        domain.PaymentStatus
	Metadata      map[string]any
}

// Gateway authenticates and decodes one payment processor's webhooks.
type Gateway interface {
	Name() string
	ValidateSignature(payload []byte, signature string) bool
	Parse(payload []byte) (Notification, error)
}

// Registry dispatches webhooks to gateways by case-insensitive name.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry indexes gateways by Name(). Duplicate or empty names are rejected.
func NewRegistry(gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, gw := range gateways {
		if gw == nil {
			return nil, errors.New("payments: nil gateway")
		}
		key := normalizeName(gw.Name())
		if key == "" {
			return nil, errors.New("payments: gateway name is required")
		}
		if _, exists := r.gateways[key]; exists {
			return nil, fmt.Errorf("payments: gateway %q registered twice", key)
		}
		r.gateways[key] = gw
	}
	return r, nil
}

// Lookup returns the gateway registered under name.
func (r *Registry) Lookup(name string) (Gateway, bool) {
	if r == nil {
		return nil, false
	}
	gw, ok := r.gateways[normalizeName(name)]
	return gw, ok
}

// Names lists registered gateway names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
