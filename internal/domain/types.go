package domain

import (
	"time"
)

// Order is the collaborator model this core marks as paid. Other order fields live with the
// checkout system and are not loaded here.
type Order struct {
	ID        string
	Status    OrderStatus
	PaidAt    *time.Time
	UpdatedAt time.Time
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// Payment captures one charge attempt against an order. An order may own several payments when
// earlier attempts failed.
type Payment struct {
	ID                   string
	OrderID              string
	Gateway              string
	GatewayTransactionID string
	Status               PaymentStatus
	Amount               int64
	Currency             string
	PaidAt               *time.Time
	RefundedAt           *time.Time
	RefundedAmount       int64
	GatewayResponse      []GatewayResponseEntry
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// GatewayResponseEntry is one audit record appended for every applied webhook.
type GatewayResponseEntry struct {
	PreviousStatus PaymentStatus
	NewStatus      PaymentStatus
	UpdatedAt      time.Time
	Metadata       map[string]any
}

// Shipment tracks the carrier-side fulfilment of an order.
type Shipment struct {
	ID                string
	OrderID           string
	Carrier           string
	Status            ShipmentStatus
	CartID            string
	CarrierShipmentID string
	TrackingNumber    string
	LabelURL          string
	PrintedLabelURL   string
	ArchivedLabelPath string
	Request           ShipmentRequest
	LabelGeneratedAt  *time.Time
	PostedAt          *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ShipmentRequest holds what the carrier needs to quote and buy a label.
type ShipmentRequest struct {
	ServiceCode string
	From        ShipmentAddress
	To          ShipmentAddress
	Packages    []ShipmentPackage
	Declared    int64
	Reference   string
}

// ShipmentAddress is a postal address as carriers expect it.
type ShipmentAddress struct {
	Name       string
	Phone      string
	Email      string
	Document   string
	Line1      string
	Line2      string
	Number     string
	District   string
	City       string
	State      string
	PostalCode string
	Country    string
}

// ShipmentPackage describes one parcel. Dimensions in centimetres, weight in grams.
type ShipmentPackage struct {
	Height int
	Width  int
	Length int
	Weight int
}

// ShipmentTracking is one carrier tracking event stored against a shipment.
type ShipmentTracking struct {
	ID          string
	ShipmentID  string
	EventCode   string
	Description string
	Status      string
	City        string
	State       string
	Country     string
	EventAt     time.Time
	RawData     map[string]any
	CreatedAt   time.Time
}

// Job is a durable unit of background work.
type Job struct {
	ID          string
	Type        string
	Queue       string
	Payload     map[string]any
	Status      JobStatus
	Attempt     int
	MaxAttempts int
	Backoff     []time.Duration
	NextRunAt   time.Time
	LockedBy    string
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// PaymentStatusChanged is emitted after a payment transition commits.
type PaymentStatusChanged struct {
	PaymentID  string
	OrderID    string
	Previous   PaymentStatus
	New        PaymentStatus
	OccurredAt time.Time
}

// ShipmentStageAdvanced is emitted after a shipment status change commits.
type ShipmentStageAdvanced struct {
	ShipmentID string
	OrderID    string
	Previous   ShipmentStatus
	New        ShipmentStatus
	OccurredAt time.Time
}
