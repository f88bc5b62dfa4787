package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const trackingCollectionPattern = "shipments/%s/tracking"

// TrackingRepository stores tracking events under their shipment, keyed by dedup key.
type TrackingRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.TrackingRepository = (*TrackingRepository)(nil)

// NewTrackingRepository constructs a Firestore-backed tracking repository.
func NewTrackingRepository(provider *pfirestore.Provider) (*TrackingRepository, error) {
	if provider == nil {
		return nil, errors.New("tracking repository requires firestore provider")
	}
	return &TrackingRepository{provider: provider}, nil
}

func (r *TrackingRepository) collection(shipmentID string) (*pfirestore.Collection[trackingDocument], error) {
	shipmentID = strings.TrimSpace(shipmentID)
	if shipmentID == "" || strings.Contains(shipmentID, "/") {
		return nil, fmt.Errorf("tracking repository: invalid shipment id %q", shipmentID)
	}
	return pfirestore.NewCollection[trackingDocument](r.provider, fmt.Sprintf(trackingCollectionPattern, shipmentID)), nil
}

// Insert creates the event unless its dedup key already exists.
func (r *TrackingRepository) Insert(ctx context.Context, event domain.ShipmentTracking) (bool, error) {
	coll, err := r.collection(event.ShipmentID)
	if err != nil {
		return false, err
	}
	if err := coll.Create(ctx, event.DedupKey(), toTrackingDocument(event)); err != nil {
		if pfirestore.IsAlreadyExists(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Upsert writes the event under its dedup key, replacing any earlier copy.
func (r *TrackingRepository) Upsert(ctx context.Context, event domain.ShipmentTracking) error {
	coll, err := r.collection(event.ShipmentID)
	if err != nil {
		return err
	}
	return coll.Set(ctx, event.DedupKey(), toTrackingDocument(event))
}

// ListByShipment returns events ordered by event time.
func (r *TrackingRepository) ListByShipment(ctx context.Context, shipmentID string) ([]domain.ShipmentTracking, error) {
	coll, err := r.collection(shipmentID)
	if err != nil {
		return nil, err
	}
	docs, err := coll.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("eventAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.ShipmentTracking, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.Data.toDomain(shipmentID))
	}
	return events, nil
}

type trackingDocument struct {
	ID          string         `firestore:"id"`
	EventCode   string         `firestore:"eventCode"`
	Description string         `firestore:"description"`
	Status      string         `firestore:"status"`
	City        string         `firestore:"city,omitempty"`
	State       string         `firestore:"state,omitempty"`
	Country     string         `firestore:"country,omitempty"`
	EventAt     time.Time      `firestore:"eventAt"`
	RawData     map[string]any `firestore:"rawData,omitempty"`
	CreatedAt   time.Time      `firestore:"createdAt"`
}

func toTrackingDocument(e domain.ShipmentTracking) trackingDocument {
	return trackingDocument{
		ID:          e.ID,
		EventCode:   e.EventCode,
		Description: e.Description,
		Status:      e.Status,
		City:        e.City,
		State:       e.State,
		Country:     e.Country,
		EventAt:     e.EventAt.UTC(),
		RawData:     e.RawData,
		CreatedAt:   e.CreatedAt.UTC(),
	}
}

func (d trackingDocument) toDomain(shipmentID string) domain.ShipmentTracking {
	return domain.ShipmentTracking{
		ID:          d.ID,
		ShipmentID:  shipmentID,
		EventCode:   d.EventCode,
		Description: d.Description,
		Status:      d.Status,
		City:        d.City,
		State:       d.State,
		Country:     d.Country,
		EventAt:     d.EventAt,
		RawData:     d.RawData,
		CreatedAt:   d.CreatedAt,
	}
}
