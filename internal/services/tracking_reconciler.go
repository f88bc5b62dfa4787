package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/lease"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/repositories"
	"github.com/hanko-field/fulfillment/internal/shipping"
)

// IngestOutcome names how a carrier webhook was handled.
type IngestOutcome string

const (
	IngestAccepted IngestOutcome = "accepted"
	IngestDropped  IngestOutcome = "dropped"
)

// TrackingWebhook is the carrier push payload. Either reference identifies the shipment.
type TrackingWebhook struct {
	ShipmentID        string                `json:"shipment_id"`
	CarrierShipmentID string                `json:"carrier_shipment_id"`
	Event             *TrackingWebhookEvent `json:"event,omitempty"`
}

// TrackingWebhookEvent is the optional event carried inline by a push.
type TrackingWebhookEvent struct {
	Code        string         `json:"code"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	City        string         `json:"city"`
	State       string         `json:"state"`
	Country     string         `json:"country"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// IngestResult reports the webhook outcome and, when accepted, the follow-up sync. SyncJobID is
// set when the sync was queued; Sync is set when it ran inline.
type IngestResult struct {
	Outcome    IngestOutcome
	Reason     string
	ShipmentID string
	Inserted   bool
	SyncJobID  string
	Sync       SyncResult
}

// SyncResult summarises one FullSync.
type SyncResult struct {
	ShipmentID   string
	Events       int
	Previous     domain.ShipmentStatus
	Current      domain.ShipmentStatus
	Transitioned bool
}

// TrackingReconcilerDeps enumerates collaborators required by the reconciler.
type TrackingReconcilerDeps struct {
	Shipments repositories.ShipmentRepository
	Tracking  repositories.TrackingRepository
	Carriers  CarrierResolver
	Locker    lease.Locker
	// Jobs queues the full sync after a webhook. Without it the sync runs inside the request.
	Jobs        jobs.Enqueuer
	Events      EventPublisher
	Metrics     *observability.Metrics
	LeaseTTL    time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// TrackingReconciler stores carrier tracking events and derives delivered/returned transitions.
type TrackingReconciler struct {
	shipments repositories.ShipmentRepository
	tracking  repositories.TrackingRepository
	carriers  CarrierResolver
	locker    lease.Locker
	jobs      jobs.Enqueuer
	events    EventPublisher
	metrics   *observability.Metrics
	leaseTTL  time.Duration
	policy    *bluemonday.Policy
	now       func() time.Time
	newID     func() string
	logger    eventLogger
}

// NewTrackingReconciler validates deps.
func NewTrackingReconciler(deps TrackingReconcilerDeps) (*TrackingReconciler, error) {
	if deps.Shipments == nil {
		return nil, errors.New("tracking reconciler: shipment repository is required")
	}
	if deps.Tracking == nil {
		return nil, errors.New("tracking reconciler: tracking repository is required")
	}
	if deps.Carriers == nil {
		return nil, errors.New("tracking reconciler: carrier registry is required")
	}
	if deps.Locker == nil {
		return nil, errors.New("tracking reconciler: locker is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	ttl := deps.LeaseTTL
	if ttl <= 0 {
		ttl = defaultShipmentLeaseTTL
	}
	return &TrackingReconciler{
		shipments: deps.Shipments,
		tracking:  deps.Tracking,
		carriers:  deps.Carriers,
		locker:    deps.Locker,
		jobs:      deps.Jobs,
		events:    deps.Events,
		metrics:   deps.Metrics,
		leaseTTL:  ttl,
		policy:    bluemonday.StrictPolicy(),
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

// IngestWebhook stores the pushed event, if any, and then schedules a full history pull. Pushes
// that do not resolve to a shipment of the pushing carrier are dropped without error so the
// carrier stops retrying them.
func (r *TrackingReconciler) IngestWebhook(ctx context.Context, carrierName string, payload TrackingWebhook) (IngestResult, error) {
	carrierName = strings.ToLower(strings.TrimSpace(carrierName))
	shipmentID := strings.TrimSpace(payload.ShipmentID)
	carrierShipmentID := strings.TrimSpace(payload.CarrierShipmentID)
	fields := map[string]any{"carrier": carrierName, "shipmentId": shipmentID, "carrierShipmentId": carrierShipmentID}

	if shipmentID == "" && carrierShipmentID == "" {
		r.metrics.TrackingEvent(ctx, "webhook", "dropped")
		r.logger(ctx, "tracking.ingest.skipped", fields)
		return IngestResult{Outcome: IngestDropped, Reason: "missing_reference"}, nil
	}

	var (
		shipment domain.Shipment
		err      error
	)
	if shipmentID != "" {
		shipment, err = r.shipments.FindByID(ctx, shipmentID)
	} else {
		shipment, err = r.shipments.FindByCarrierShipmentID(ctx, carrierName, carrierShipmentID)
	}
	if err != nil {
		if isNotFound(err) {
			r.metrics.TrackingEvent(ctx, "webhook", "dropped")
			r.logger(ctx, "tracking.ingest.skipped", fields)
			return IngestResult{Outcome: IngestDropped, Reason: "unknown_shipment"}, nil
		}
		return IngestResult{}, fmt.Errorf("tracking: resolve shipment: %w", err)
	}
	if owner := strings.ToLower(strings.TrimSpace(shipment.Carrier)); owner != carrierName {
		r.metrics.TrackingEvent(ctx, "webhook", "dropped")
		fields["shipmentCarrier"] = owner
		r.logger(ctx, "tracking.ingest.skipped", fields)
		return IngestResult{Outcome: IngestDropped, Reason: "carrier_mismatch"}, nil
	}

	result := IngestResult{Outcome: IngestAccepted, ShipmentID: shipment.ID}
	if payload.Event != nil {
		event := r.trackingRow(shipment.ID, shipping.TrackingEvent{
			Code:        payload.Event.Code,
			Description: payload.Event.Description,
			Status:      payload.Event.Status,
			City:        payload.Event.City,
			State:       payload.Event.State,
			Country:     payload.Event.Country,
			OccurredAt:  payload.Event.OccurredAt,
			Raw:         payload.Event.Extra,
		})
		inserted, err := r.tracking.Insert(ctx, event)
		if err != nil {
			return IngestResult{}, fmt.Errorf("tracking: store webhook event for %s: %w", shipment.ID, err)
		}
		result.Inserted = inserted
		disposition := "duplicate"
		if inserted {
			disposition = "inserted"
		}
		r.metrics.TrackingEvent(ctx, "webhook", disposition)
	}

	if r.jobs != nil {
		job, err := r.jobs.Enqueue(ctx, JobTypeTrackingSync, map[string]any{"shipment_id": shipment.ID})
		if err != nil {
			return IngestResult{}, fmt.Errorf("tracking: schedule sync for %s: %w", shipment.ID, err)
		}
		result.SyncJobID = job.ID
	} else {
		sync, err := r.FullSync(ctx, shipment.ID)
		if err != nil {
			fields["shipmentId"] = shipment.ID
			fields["error"] = err
			r.logger(ctx, "tracking.sync.failed", fields)
		}
		result.Sync = sync
	}
	r.logger(ctx, "tracking.ingest.accepted", map[string]any{
		"shipmentId": shipment.ID,
		"inserted":   result.Inserted,
		"syncJobId":  result.SyncJobID,
	})
	return result, nil
}

// FullSync pulls the carrier history, stores every event by dedup key and applies the
// delivered/returned transition implied by the most recent stored event. Stored events include
// pushes the carrier history may not list yet.
func (r *TrackingReconciler) FullSync(ctx context.Context, shipmentID string) (result SyncResult, err error) {
	shipmentID = strings.TrimSpace(shipmentID)
	ctx, span := observability.StartSpan(ctx, "tracking.full_sync", attribute.String("shipment.id", shipmentID))
	defer func() { observability.EndSpan(span, err) }()

	shipment, err := r.load(ctx, shipmentID)
	if err != nil {
		return SyncResult{}, err
	}
	result = SyncResult{ShipmentID: shipment.ID, Previous: shipment.Status, Current: shipment.Status}
	if shipment.Status.IsTerminal() {
		r.logger(ctx, "tracking.sync.skipped", map[string]any{"shipmentId": shipment.ID, "reason": "terminal", "status": string(shipment.Status)})
		return result, nil
	}
	if shipment.CarrierShipmentID == "" {
		r.logger(ctx, "tracking.sync.skipped", map[string]any{"shipmentId": shipment.ID, "reason": "no carrier shipment"})
		return result, nil
	}
	carrier, ok := r.carriers.Lookup(shipment.Carrier)
	if !ok {
		return result, fmt.Errorf("%w: %q on shipment %s", ErrUnknownCarrier, shipment.Carrier, shipment.ID)
	}

	history, err := carrier.TrackingHistory(ctx, shipment.CarrierShipmentID)
	if err != nil {
		return result, fmt.Errorf("tracking: history for %s: %w", shipment.ID, err)
	}
	for _, item := range history {
		row := r.trackingRow(shipment.ID, item)
		if err := r.tracking.Upsert(ctx, row); err != nil {
			return result, fmt.Errorf("tracking: store event for %s: %w", shipment.ID, err)
		}
		r.metrics.TrackingEvent(ctx, "sync", "upserted")
	}
	result.Events = len(history)

	stored, err := r.tracking.ListByShipment(ctx, shipment.ID)
	if err != nil {
		return result, fmt.Errorf("tracking: list events for %s: %w", shipment.ID, err)
	}
	latest, ok := domain.LatestTrackingEvent(stored)
	if !ok {
		return result, nil
	}
	var target domain.ShipmentStatus
	switch {
	case latest.IsDeliveryEvent():
		target = domain.ShipmentStatusDelivered
	case latest.IsProblemEvent():
		target = domain.ShipmentStatusReturned
	default:
		return result, nil
	}
	if shipment.Status == target {
		return result, nil
	}

	updated, transitioned, err := r.transition(ctx, shipment.ID, target, latest)
	if err != nil {
		return result, err
	}
	result.Current = updated.Status
	result.Transitioned = transitioned
	return result, nil
}

func (r *TrackingReconciler) transition(ctx context.Context, shipmentID string, target domain.ShipmentStatus, latest domain.ShipmentTracking) (domain.Shipment, bool, error) {
	held, err := r.locker.Acquire(ctx, lease.ShipmentKey(shipmentID), "tracking_"+r.newID(), r.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return domain.Shipment{}, false, fmt.Errorf("%w: %s", ErrShipmentBusy, shipmentID)
	}
	if err != nil {
		return domain.Shipment{}, false, fmt.Errorf("tracking: acquire lease for %s: %w", shipmentID, err)
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), held); err != nil {
			r.logger(ctx, "tracking.lease.release_failed", map[string]any{"shipmentId": shipmentID, "error": err})
		}
	}()

	shipment, err := r.load(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, false, err
	}
	if shipment.Status == target {
		return shipment, false, nil
	}
	previous := shipment.Status
	now := r.now()
	if !shipment.TransitionTo(target, now) {
		r.logger(ctx, "tracking.transition.skipped", map[string]any{
			"shipmentId": shipment.ID,
			"status":     string(previous),
			"target":     string(target),
			"eventCode":  latest.EventCode,
		})
		return shipment, false, nil
	}
	if err := r.shipments.Update(ctx, shipment); err != nil {
		return domain.Shipment{}, false, fmt.Errorf("tracking: save shipment %s: %w", shipment.ID, err)
	}
	r.logger(ctx, "tracking.transition.applied", map[string]any{
		"shipmentId":     shipment.ID,
		"previousStatus": string(previous),
		"status":         string(target),
		"eventCode":      latest.EventCode,
	})
	publishStageAdvanced(ctx, r.events, r.logger, shipment, previous, now)
	return shipment, true, nil
}

func (r *TrackingReconciler) trackingRow(shipmentID string, event shipping.TrackingEvent) domain.ShipmentTracking {
	raw := make(map[string]any, len(event.Raw))
	for k, v := range event.Raw {
		raw[k] = v
	}
	row := domain.ShipmentTracking{
		ShipmentID:  shipmentID,
		EventCode:   strings.ToUpper(r.clean(event.Code)),
		Description: r.clean(event.Description),
		Status:      r.clean(event.Status),
		City:        r.clean(event.City),
		State:       r.clean(event.State),
		Country:     r.clean(event.Country),
		EventAt:     event.OccurredAt.UTC(),
		RawData:     raw,
		CreatedAt:   r.now(),
	}
	row.ID = "trk_" + row.DedupKey()[:24]
	return row
}

// clean strips markup and returns plain text.
func (r *TrackingReconciler) clean(value string) string {
	return strings.TrimSpace(html.UnescapeString(r.policy.Sanitize(value)))
}

func (r *TrackingReconciler) load(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	shipment, err := r.shipments.FindByID(ctx, shipmentID)
	if err != nil {
		if isNotFound(err) {
			return domain.Shipment{}, fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
		}
		return domain.Shipment{}, fmt.Errorf("tracking: load shipment %s: %w", shipmentID, err)
	}
	return shipment, nil
}
