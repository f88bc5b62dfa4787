package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const shipmentsCollection = "shipments"

// ShipmentRepository persists shipments in Firestore.
type ShipmentRepository struct {
	coll *pfirestore.Collection[shipmentDocument]
}

var _ repositories.ShipmentRepository = (*ShipmentRepository)(nil)

// NewShipmentRepository constructs a Firestore-backed shipment repository.
func NewShipmentRepository(provider *pfirestore.Provider) (*ShipmentRepository, error) {
	if provider == nil {
		return nil, errors.New("shipment repository requires firestore provider")
	}
	return &ShipmentRepository{coll: pfirestore.NewCollection[shipmentDocument](provider, shipmentsCollection)}, nil
}

// FindByID loads a shipment.
func (r *ShipmentRepository) FindByID(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	doc, err := r.coll.Get(ctx, strings.TrimSpace(shipmentID))
	if err != nil {
		return domain.Shipment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByCarrierShipmentID resolves a carrier-side id. An empty carrier matches any carrier.
func (r *ShipmentRepository) FindByCarrierShipmentID(ctx context.Context, carrier, carrierShipmentID string) (domain.Shipment, error) {
	carrierShipmentID = strings.TrimSpace(carrierShipmentID)
	if carrierShipmentID == "" {
		return domain.Shipment{}, pfirestore.NotFound("shipments.find_by_carrier_id", "carrier shipment id is empty")
	}
	carrier = strings.ToLower(strings.TrimSpace(carrier))
	doc, err := r.coll.First(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("carrierShipmentId", "==", carrierShipmentID)
		if carrier != "" {
			q = q.Where("carrier", "==", carrier)
		}
		return q
	})
	if err != nil {
		return domain.Shipment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Insert creates a shipment document.
func (r *ShipmentRepository) Insert(ctx context.Context, shipment domain.Shipment) error {
	return r.coll.Create(ctx, shipment.ID, toShipmentDocument(shipment))
}

// Update overwrites the shipment document.
func (r *ShipmentRepository) Update(ctx context.Context, shipment domain.Shipment) error {
	return r.coll.Set(ctx, shipment.ID, toShipmentDocument(shipment))
}

type shipmentDocument struct {
	OrderID           string                  `firestore:"orderId"`
	Carrier           string                  `firestore:"carrier"`
	Status            string                  `firestore:"status"`
	CartID            string                  `firestore:"cartId,omitempty"`
	CarrierShipmentID string                  `firestore:"carrierShipmentId,omitempty"`
	TrackingNumber    string                  `firestore:"trackingNumber,omitempty"`
	LabelURL          string                  `firestore:"labelUrl,omitempty"`
	PrintedLabelURL   string                  `firestore:"printedLabelUrl,omitempty"`
	ArchivedLabelPath string                  `firestore:"archivedLabelPath,omitempty"`
	Request           shipmentRequestDocument `firestore:"request"`
	LabelGeneratedAt  *time.Time              `firestore:"labelGeneratedAt"`
	PostedAt          *time.Time              `firestore:"postedAt"`
	DeliveredAt       *time.Time              `firestore:"deliveredAt"`
	CancelledAt       *time.Time              `firestore:"cancelledAt"`
	CreatedAt         time.Time               `firestore:"createdAt"`
	UpdatedAt         time.Time               `firestore:"updatedAt"`
}

type shipmentRequestDocument struct {
	ServiceCode string            `firestore:"serviceCode"`
	From        addressDocument   `firestore:"from"`
	To          addressDocument   `firestore:"to"`
	Packages    []packageDocument `firestore:"packages"`
	Declared    int64             `firestore:"declared"`
	Reference   string            `firestore:"reference,omitempty"`
}

type addressDocument struct {
	Name       string `firestore:"name"`
	Phone      string `firestore:"phone,omitempty"`
	Email      string `firestore:"email,omitempty"`
	Document   string `firestore:"document,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	Number     string `firestore:"number,omitempty"`
	District   string `firestore:"district,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country,omitempty"`
}

type packageDocument struct {
	Height int `firestore:"height"`
	Width  int `firestore:"width"`
	Length int `firestore:"length"`
	Weight int `firestore:"weight"`
}

func toShipmentDocument(s domain.Shipment) shipmentDocument {
	doc := shipmentDocument{
		OrderID:           s.OrderID,
		Carrier:           strings.ToLower(strings.TrimSpace(s.Carrier)),
		Status:            string(s.Status),
		CartID:            s.CartID,
		CarrierShipmentID: s.CarrierShipmentID,
		TrackingNumber:    s.TrackingNumber,
		LabelURL:          s.LabelURL,
		PrintedLabelURL:   s.PrintedLabelURL,
		ArchivedLabelPath: s.ArchivedLabelPath,
		Request: shipmentRequestDocument{
			ServiceCode: s.Request.ServiceCode,
			From:        addressDocument(s.Request.From),
			To:          addressDocument(s.Request.To),
			Declared:    s.Request.Declared,
			Reference:   s.Request.Reference,
		},
		LabelGeneratedAt: utcPtr(s.LabelGeneratedAt),
		PostedAt:         utcPtr(s.PostedAt),
		DeliveredAt:      utcPtr(s.DeliveredAt),
		CancelledAt:      utcPtr(s.CancelledAt),
		CreatedAt:        s.CreatedAt.UTC(),
		UpdatedAt:        s.UpdatedAt.UTC(),
	}
	for _, p := range s.Request.Packages {
		doc.Request.Packages = append(doc.Request.Packages, packageDocument(p))
	}
	return doc
}

func (d shipmentDocument) toDomain(id string) domain.Shipment {
	// Unknown values are kept so CanTransitionTo rejects them instead of guessing a stage.
	status, _ := domain.ParseShipmentStatus(d.Status)
	s := domain.Shipment{
		ID:                id,
		OrderID:           d.OrderID,
		Carrier:           d.Carrier,
		Status:            status,
		CartID:            d.CartID,
		CarrierShipmentID: d.CarrierShipmentID,
		TrackingNumber:    d.TrackingNumber,
		LabelURL:          d.LabelURL,
		PrintedLabelURL:   d.PrintedLabelURL,
		ArchivedLabelPath: d.ArchivedLabelPath,
		Request: domain.ShipmentRequest{
			ServiceCode: d.Request.ServiceCode,
			From:        domain.ShipmentAddress(d.Request.From),
			To:          domain.ShipmentAddress(d.Request.To),
			Declared:    d.Request.Declared,
			Reference:   d.Request.Reference,
		},
		LabelGeneratedAt: d.LabelGeneratedAt,
		PostedAt:         d.PostedAt,
		DeliveredAt:      d.DeliveredAt,
		CancelledAt:      d.CancelledAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	for _, p := range d.Request.Packages {
		s.Request.Packages = append(s.Request.Packages, domain.ShipmentPackage(p))
	}
	return s
}
