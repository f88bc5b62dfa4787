package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/storage"
	"github.com/hanko-field/fulfillment/internal/shipping"
)

type notFoundError struct{ what string }

func (e notFoundError) Error() string       { return e.what + " not found" }
func (e notFoundError) IsNotFound() bool    { return true }
func (e notFoundError) IsConflict() bool    { return false }
func (e notFoundError) IsUnavailable() bool { return false }

// memoryRepos implements every repository plus UnitOfWork. RunInTx serialises transactions and
// rolls back on error.
type memoryRepos struct {
	txMu sync.Mutex

	mu           sync.Mutex
	payments     map[string]domain.Payment
	orders       map[string]domain.Order
	shipments    map[string]domain.Shipment
	tracking     map[string]domain.ShipmentTracking
	paymentReads int
	orderUpdates int

	updatePaymentFunc func(domain.Payment) error
}

func newMemoryRepos() *memoryRepos {
	return &memoryRepos{
		payments:  map[string]domain.Payment{},
		orders:    map[string]domain.Order{},
		shipments: map[string]domain.Shipment{},
		tracking:  map[string]domain.ShipmentTracking{},
	}
}

func (m *memoryRepos) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	payments := make(map[string]domain.Payment, len(m.payments))
	for k, v := range m.payments {
		payments[k] = v
	}
	orders := make(map[string]domain.Order, len(m.orders))
	for k, v := range m.orders {
		orders[k] = v
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.payments, m.orders = payments, orders
		m.mu.Unlock()
		return err
	}
	return nil
}

type memoryPayments struct{ *memoryRepos }

func (m memoryPayments) FindByID(_ context.Context, id string) (domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return domain.Payment{}, notFoundError{"payment"}
	}
	return clonePayment(p), nil
}

func (m memoryPayments) FindByGatewayTransactionID(_ context.Context, tx string) (domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentReads++
	for _, p := range m.payments {
		if p.GatewayTransactionID == tx {
			return clonePayment(p), nil
		}
	}
	return domain.Payment{}, notFoundError{"payment"}
}

func (m memoryPayments) Insert(_ context.Context, p domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m memoryPayments) Update(_ context.Context, p domain.Payment) error {
	if m.updatePaymentFunc != nil {
		if err := m.updatePaymentFunc(p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func clonePayment(p domain.Payment) domain.Payment {
	p.GatewayResponse = append([]domain.GatewayResponseEntry(nil), p.GatewayResponse...)
	return p
}

type memoryOrders struct{ *memoryRepos }

func (m memoryOrders) FindByID(_ context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, notFoundError{"order"}
	}
	return o, nil
}

func (m memoryOrders) Update(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderUpdates++
	m.orders[o.ID] = o
	return nil
}

type memoryShipments struct{ *memoryRepos }

func (m memoryShipments) FindByID(_ context.Context, id string) (domain.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return domain.Shipment{}, notFoundError{"shipment"}
	}
	return s, nil
}

func (m memoryShipments) FindByCarrierShipmentID(_ context.Context, carrier, id string) (domain.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.shipments {
		if s.CarrierShipmentID == id && (carrier == "" || s.Carrier == carrier) {
			return s, nil
		}
	}
	return domain.Shipment{}, notFoundError{"shipment"}
}

func (m memoryShipments) Insert(_ context.Context, s domain.Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shipments[s.ID] = s
	return nil
}

func (m memoryShipments) Update(_ context.Context, s domain.Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shipments[s.ID] = s
	return nil
}

func (m *memoryRepos) shipment(id string) domain.Shipment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shipments[id]
}

type memoryTracking struct{ *memoryRepos }

func (m memoryTracking) Insert(_ context.Context, e domain.ShipmentTracking) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.DedupKey()
	if _, ok := m.tracking[key]; ok {
		return false, nil
	}
	m.tracking[key] = e
	return true, nil
}

func (m memoryTracking) Upsert(_ context.Context, e domain.ShipmentTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracking[e.DedupKey()] = e
	return nil
}

func (m memoryTracking) ListByShipment(_ context.Context, shipmentID string) ([]domain.ShipmentTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ShipmentTracking
	for _, e := range m.tracking {
		if e.ShipmentID == shipmentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventAt.Before(out[j].EventAt) })
	return out, nil
}

type stubCarrier struct {
	mu      sync.Mutex
	calls   map[string]int
	name    string
	addFunc func(domain.ShipmentRequest) (shipping.CartResult, error)
	buyFunc func(string) (shipping.CheckoutResult, error)
	genFunc func(string) (shipping.LabelResult, error)
	prtFunc func(string) (shipping.PrintResult, error)
	canFunc func(string) (bool, error)
	hisFunc func(string) ([]shipping.TrackingEvent, error)
}

func newStubCarrier() *stubCarrier {
	return &stubCarrier{
		name:  "aggregator",
		calls: map[string]int{},
		addFunc: func(domain.ShipmentRequest) (shipping.CartResult, error) {
			return shipping.CartResult{Success: true, CartID: "cart_1"}, nil
		},
		buyFunc: func(string) (shipping.CheckoutResult, error) {
			return shipping.CheckoutResult{Success: true, CarrierShipmentID: "cs_1"}, nil
		},
		genFunc: func(string) (shipping.LabelResult, error) {
			return shipping.LabelResult{Success: true, LabelURL: "https://labels.example.com/cs_1.pdf", TrackingNumber: "BR123"}, nil
		},
		prtFunc: func(string) (shipping.PrintResult, error) {
			return shipping.PrintResult{Success: true, URL: "https://labels.example.com/print/cs_1"}, nil
		},
		canFunc: func(string) (bool, error) { return true, nil },
		hisFunc: func(string) ([]shipping.TrackingEvent, error) { return nil, nil },
	}
}

func (c *stubCarrier) record(name string) {
	c.mu.Lock()
	c.calls[name]++
	c.mu.Unlock()
}

func (c *stubCarrier) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *stubCarrier) Name() string { return c.name }

func (c *stubCarrier) AddToCart(_ context.Context, req domain.ShipmentRequest) (shipping.CartResult, error) {
	c.record("add")
	return c.addFunc(req)
}

func (c *stubCarrier) Checkout(_ context.Context, cartID string) (shipping.CheckoutResult, error) {
	c.record("checkout")
	return c.buyFunc(cartID)
}

func (c *stubCarrier) GenerateLabel(_ context.Context, id string) (shipping.LabelResult, error) {
	c.record("generate")
	return c.genFunc(id)
}

func (c *stubCarrier) PrintLabel(_ context.Context, id string) (shipping.PrintResult, error) {
	c.record("print")
	return c.prtFunc(id)
}

func (c *stubCarrier) CancelShipment(_ context.Context, id string) (bool, error) {
	c.record("cancel")
	return c.canFunc(id)
}

func (c *stubCarrier) TrackingHistory(_ context.Context, id string) ([]shipping.TrackingEvent, error) {
	c.record("history")
	return c.hisFunc(id)
}

type carrierMap map[string]shipping.Carrier

func (m carrierMap) Lookup(name string) (shipping.Carrier, bool) {
	c, ok := m[name]
	return c, ok
}

type recordingPublisher struct {
	mu        sync.Mutex
	payments  []domain.PaymentStatusChanged
	shipments []domain.ShipmentStageAdvanced
	err       error
}

func (p *recordingPublisher) PublishPaymentStatusChanged(_ context.Context, e domain.PaymentStatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, e)
	return p.err
}

func (p *recordingPublisher) PublishShipmentStageAdvanced(_ context.Context, e domain.ShipmentStageAdvanced) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shipments = append(p.shipments, e)
	return p.err
}

func (p *recordingPublisher) stages() []domain.ShipmentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ShipmentStatus, 0, len(p.shipments))
	for _, e := range p.shipments {
		out = append(out, e.New)
	}
	return out
}

type loggedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, loggedEvent{name: event, fields: fields})
}

func (r *eventRecorder) find(name string) (loggedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return e, true
		}
	}
	return loggedEvent{}, false
}

type stubArchiver struct {
	calls []string
	err   error
}

func (a *stubArchiver) Archive(_ context.Context, orderID, shipmentID string, kind storage.LabelKind, sourceURL string) (string, error) {
	a.calls = append(a.calls, sourceURL)
	if a.err != nil {
		return "", a.err
	}
	return fmt.Sprintf("labels/%s/%s/%s.pdf", orderID, shipmentID, kind), nil
}

type stubNotifier struct {
	notified []string
}

func (n *stubNotifier) ShipmentLabelReady(_ context.Context, s domain.Shipment) error {
	n.notified = append(n.notified, s.ID)
	return nil
}

var errBoom = errors.New("boom")

var fixedNow = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

func stripeSignature(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}
