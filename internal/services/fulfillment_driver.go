package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/lease"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/platform/storage"
	"github.com/hanko-field/fulfillment/internal/repositories"
	"github.com/hanko-field/fulfillment/internal/shipping"
)

const defaultShipmentLeaseTTL = 2 * time.Minute

// AdvanceMode selects how Advance continues after a successful stage.
type AdvanceMode int

const (
	// AdvanceModeEnqueue schedules a new shipping.advance job for the next stage.
	AdvanceModeEnqueue AdvanceMode = iota
	// AdvanceModeInline runs the remaining stages in the same call.
	AdvanceModeInline
)

// BatchResult reports which shipments AdvanceBatch queued and which it skipped.
type BatchResult struct {
	Enqueued []string
	Skipped  []SkippedShipment
}

// SkippedShipment names a shipment AdvanceBatch did not queue and why.
type SkippedShipment struct {
	ShipmentID string
	Reason     string
}

// FulfillmentDriverDeps enumerates collaborators required by the driver.
type FulfillmentDriverDeps struct {
	Shipments   repositories.ShipmentRepository
	Carriers    CarrierResolver
	Jobs        jobs.Enqueuer
	Locker      lease.Locker
	Events      EventPublisher
	Notifier    Notifier
	Labels      LabelArchiver
	Metrics     *observability.Metrics
	Mode        AdvanceMode
	LeaseTTL    time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// FulfillmentDriver moves shipments through the carrier label pipeline one stage at a time.
type FulfillmentDriver struct {
	shipments repositories.ShipmentRepository
	carriers  CarrierResolver
	jobs      jobs.Enqueuer
	locker    lease.Locker
	events    EventPublisher
	notifier  Notifier
	labels    LabelArchiver
	metrics   *observability.Metrics
	mode      AdvanceMode
	leaseTTL  time.Duration
	now       func() time.Time
	newID     func() string
	logger    eventLogger
}

type stage struct {
	name string
	to   domain.ShipmentStatus
	run  func(ctx context.Context, carrier shipping.Carrier, shipment *domain.Shipment) (string, bool, error)
}

// NewFulfillmentDriver validates deps.
func NewFulfillmentDriver(deps FulfillmentDriverDeps) (*FulfillmentDriver, error) {
	if deps.Shipments == nil {
		return nil, errors.New("fulfillment driver: shipment repository is required")
	}
	if deps.Carriers == nil {
		return nil, errors.New("fulfillment driver: carrier registry is required")
	}
	if deps.Locker == nil {
		return nil, errors.New("fulfillment driver: locker is required")
	}
	if deps.Jobs == nil && deps.Mode == AdvanceModeEnqueue {
		return nil, errors.New("fulfillment driver: job scheduler is required in enqueue mode")
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
	return &FulfillmentDriver{
		shipments: deps.Shipments,
		carriers:  deps.Carriers,
		jobs:      deps.Jobs,
		locker:    deps.Locker,
		events:    deps.Events,
		notifier:  deps.Notifier,
		labels:    deps.Labels,
		metrics:   deps.Metrics,
		mode:      deps.Mode,
		leaseTTL:  ttl,
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

func (d *FulfillmentDriver) stages() map[domain.ShipmentStatus]stage {
	return map[domain.ShipmentStatus]stage{
		domain.ShipmentStatusPending:   {name: "add_to_cart", to: domain.ShipmentStatusCartAdded, run: d.addToCart},
		domain.ShipmentStatusCartAdded: {name: "checkout", to: domain.ShipmentStatusPurchased, run: d.checkout},
		domain.ShipmentStatusPurchased: {name: "generate_label", to: domain.ShipmentStatusGenerated, run: d.generateLabel},
	}
}

// Advance runs the stage matching the shipment's stored status. Stages never run twice for the
// same status, so a retried job resumes where the last successful stage left off.
func (d *FulfillmentDriver) Advance(ctx context.Context, shipmentID string) (err error) {
	shipmentID = strings.TrimSpace(shipmentID)
	ctx, span := observability.StartSpan(ctx, "fulfillment.advance", attribute.String("shipment.id", shipmentID))
	defer func() { observability.EndSpan(span, err) }()

	held, err := d.acquire(ctx, shipmentID)
	if err != nil {
		return err
	}
	defer d.release(ctx, held)

	stages := d.stages()
	for {
		shipment, err := d.load(ctx, shipmentID)
		if err != nil {
			return err
		}
		current, ok := stages[shipment.Status]
		if !ok {
			d.logger(ctx, "fulfillment.advance.idle", map[string]any{"shipmentId": shipmentID, "status": string(shipment.Status)})
			return nil
		}
		carrier, err := d.carrier(shipment)
		if err != nil {
			return err
		}
		if err := d.runStage(ctx, carrier, shipment, current); err != nil {
			return err
		}
		if _, more := stages[current.to]; !more {
			return nil
		}
		if d.mode == AdvanceModeInline {
			continue
		}
		if _, err := d.jobs.Enqueue(ctx, JobTypeAdvance, map[string]any{"shipment_id": shipmentID}); err != nil {
			d.logger(ctx, "fulfillment.enqueue.failed", map[string]any{"shipmentId": shipmentID, "error": err})
			return fmt.Errorf("fulfillment: enqueue next stage for %s: %w", shipmentID, err)
		}
		return nil
	}
}

func (d *FulfillmentDriver) runStage(ctx context.Context, carrier shipping.Carrier, shipment domain.Shipment, st stage) error {
	previous := shipment.Status
	fields := map[string]any{"shipmentId": shipment.ID, "stage": st.name, "carrier": carrier.Name()}

	message, ok, err := st.run(ctx, carrier, &shipment)
	switch {
	case err != nil:
		d.metrics.StageResult(ctx, st.name, "error")
		fields["error"] = err
		d.logger(ctx, "fulfillment.stage.rejected", fields)
		return fmt.Errorf("fulfillment: %s for shipment %s: %w", st.name, shipment.ID, err)
	case !ok:
		d.metrics.StageResult(ctx, st.name, "rejected")
		fields["reason"] = message
		d.logger(ctx, "fulfillment.stage.rejected", fields)
		return fmt.Errorf("%w: %s for shipment %s: %s", ErrCarrierRejected, st.name, shipment.ID, message)
	}

	now := d.now()
	if !shipment.TransitionTo(st.to, now) {
		return fmt.Errorf("fulfillment: %s cannot move shipment %s from %s to %s", st.name, shipment.ID, previous, st.to)
	}
	if err := d.shipments.Update(ctx, shipment); err != nil {
		d.metrics.StageResult(ctx, st.name, "error")
		return fmt.Errorf("fulfillment: save shipment %s after %s: %w", shipment.ID, st.name, err)
	}
	d.metrics.StageResult(ctx, st.name, "succeeded")
	fields["status"] = string(st.to)
	d.logger(ctx, "fulfillment.stage.advanced", fields)
	d.publish(ctx, shipment, previous, now)

	if st.to == domain.ShipmentStatusGenerated {
		d.afterLabelGenerated(ctx, shipment)
	}
	return nil
}

func (d *FulfillmentDriver) addToCart(ctx context.Context, carrier shipping.Carrier, shipment *domain.Shipment) (string, bool, error) {
	res, err := carrier.AddToCart(ctx, shipment.Request)
	if err != nil || !res.Success {
		return res.Message, false, err
	}
	shipment.CartID = res.CartID
	return res.Message, true, nil
}

func (d *FulfillmentDriver) checkout(ctx context.Context, carrier shipping.Carrier, shipment *domain.Shipment) (string, bool, error) {
	res, err := carrier.Checkout(ctx, shipment.CartID)
	if err != nil || !res.Success {
		return res.Message, false, err
	}
	shipment.CarrierShipmentID = res.CarrierShipmentID
	return res.Message, true, nil
}

func (d *FulfillmentDriver) generateLabel(ctx context.Context, carrier shipping.Carrier, shipment *domain.Shipment) (string, bool, error) {
	res, err := carrier.GenerateLabel(ctx, shipment.CarrierShipmentID)
	if err != nil || !res.Success {
		return res.Message, false, err
	}
	shipment.LabelURL = res.LabelURL
	shipment.TrackingNumber = res.TrackingNumber
	return res.Message, true, nil
}

// afterLabelGenerated archives the label and notifies the customer. Neither step is retried.
func (d *FulfillmentDriver) afterLabelGenerated(ctx context.Context, shipment domain.Shipment) {
	if d.labels != nil && shipment.LabelURL != "" {
		path, err := d.labels.Archive(ctx, shipment.OrderID, shipment.ID, storage.LabelGenerated, shipment.LabelURL)
		if err != nil {
			d.logger(ctx, "fulfillment.label.archive_failed", map[string]any{"shipmentId": shipment.ID, "error": err})
		} else {
			shipment.ArchivedLabelPath = path
			shipment.UpdatedAt = d.now()
			if err := d.shipments.Update(ctx, shipment); err != nil {
				d.logger(ctx, "fulfillment.label.archive_failed", map[string]any{"shipmentId": shipment.ID, "error": err})
			}
		}
	}
	if d.notifier == nil {
		return
	}
	if err := d.notifier.ShipmentLabelReady(ctx, shipment); err != nil {
		d.logger(ctx, "fulfillment.notify.failed", map[string]any{"shipmentId": shipment.ID, "error": err})
		return
	}
	d.logger(ctx, "fulfillment.notify.sent", map[string]any{"shipmentId": shipment.ID, "orderId": shipment.OrderID})
}

// AdvanceBatch queues one advance job per eligible shipment. Missing and ineligible ids are
// reported in Skipped.
func (d *FulfillmentDriver) AdvanceBatch(ctx context.Context, shipmentIDs []string) (BatchResult, error) {
	if d.jobs == nil {
		return BatchResult{}, errors.New("fulfillment: job scheduler not configured")
	}
	result := BatchResult{}
	seen := make(map[string]struct{}, len(shipmentIDs))
	for _, raw := range shipmentIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		shipment, err := d.shipments.FindByID(ctx, id)
		if err != nil {
			reason := "lookup_failed"
			if isNotFound(err) {
				reason = "not_found"
			}
			result.Skipped = append(result.Skipped, SkippedShipment{ShipmentID: id, Reason: reason})
			continue
		}
		if !shipment.CanGenerateLabel() {
			result.Skipped = append(result.Skipped, SkippedShipment{ShipmentID: id, Reason: "status_" + string(shipment.Status)})
			continue
		}
		if _, err := d.jobs.Enqueue(ctx, JobTypeAdvance, map[string]any{"shipment_id": id}); err != nil {
			return result, fmt.Errorf("fulfillment: enqueue advance for %s: %w", id, err)
		}
		result.Enqueued = append(result.Enqueued, id)
	}
	if len(result.Skipped) > 0 {
		d.logger(ctx, "fulfillment.batch.skipped", map[string]any{"skipped": len(result.Skipped), "enqueued": len(result.Enqueued)})
	}
	return result, nil
}

// Cancel cancels a pre-posted shipment. When the carrier already holds the shipment it must
// confirm the cancellation first; a refusal leaves the local record untouched.
func (d *FulfillmentDriver) Cancel(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	shipmentID = strings.TrimSpace(shipmentID)
	held, err := d.acquire(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}
	defer d.release(ctx, held)

	shipment, err := d.load(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}
	if !shipment.CanBeCancelled() {
		return shipment, fmt.Errorf("%w: status %s", ErrShipmentNotCancellable, shipment.Status)
	}
	if shipment.CarrierShipmentID != "" {
		carrier, err := d.carrier(shipment)
		if err != nil {
			return shipment, err
		}
		ok, err := carrier.CancelShipment(ctx, shipment.CarrierShipmentID)
		if err != nil || !ok {
			fields := map[string]any{"shipmentId": shipment.ID, "carrierShipmentId": shipment.CarrierShipmentID}
			if err != nil {
				fields["error"] = err
			}
			d.logger(ctx, "fulfillment.cancel.rejected", fields)
			if err != nil {
				return shipment, fmt.Errorf("%w: %v", ErrCarrierCancelFailed, err)
			}
			return shipment, ErrCarrierCancelFailed
		}
	}

	previous := shipment.Status
	now := d.now()
	if !shipment.TransitionTo(domain.ShipmentStatusCancelled, now) {
		return shipment, fmt.Errorf("%w: status %s", ErrShipmentNotCancellable, previous)
	}
	if err := d.shipments.Update(ctx, shipment); err != nil {
		return domain.Shipment{}, fmt.Errorf("fulfillment: save cancelled shipment %s: %w", shipment.ID, err)
	}
	d.logger(ctx, "fulfillment.cancel.succeeded", map[string]any{"shipmentId": shipment.ID, "previousStatus": string(previous)})
	d.publish(ctx, shipment, previous, now)
	return shipment, nil
}

// PrintLabel fetches the printable label for a shipment whose label has been generated and, when
// an archive is configured, stores a copy.
func (d *FulfillmentDriver) PrintLabel(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	shipmentID = strings.TrimSpace(shipmentID)
	held, err := d.acquire(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}
	defer d.release(ctx, held)

	shipment, err := d.load(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}
	printable := shipment.Status == domain.ShipmentStatusGenerated || shipment.Status.IsPostPosted()
	if !printable || shipment.CarrierShipmentID == "" {
		return shipment, fmt.Errorf("%w: status %s", ErrLabelUnavailable, shipment.Status)
	}
	carrier, err := d.carrier(shipment)
	if err != nil {
		return shipment, err
	}
	res, err := carrier.PrintLabel(ctx, shipment.CarrierShipmentID)
	if err != nil {
		d.metrics.StageResult(ctx, "print_label", "error")
		return shipment, fmt.Errorf("fulfillment: print label for %s: %w", shipment.ID, err)
	}
	if !res.Success {
		d.metrics.StageResult(ctx, "print_label", "rejected")
		return shipment, fmt.Errorf("%w: print_label for shipment %s: %s", ErrCarrierRejected, shipment.ID, res.Message)
	}
	d.metrics.StageResult(ctx, "print_label", "succeeded")

	shipment.PrintedLabelURL = res.URL
	if d.labels != nil {
		path, err := d.labels.Archive(ctx, shipment.OrderID, shipment.ID, storage.LabelPrinted, res.URL)
		if err != nil {
			d.logger(ctx, "fulfillment.label.archive_failed", map[string]any{"shipmentId": shipment.ID, "error": err})
		} else {
			shipment.ArchivedLabelPath = path
		}
	}
	shipment.UpdatedAt = d.now()
	if err := d.shipments.Update(ctx, shipment); err != nil {
		return domain.Shipment{}, fmt.Errorf("fulfillment: save printed label for %s: %w", shipment.ID, err)
	}
	d.logger(ctx, "fulfillment.label.printed", map[string]any{"shipmentId": shipment.ID, "archived": shipment.ArchivedLabelPath != ""})
	return shipment, nil
}

func (d *FulfillmentDriver) acquire(ctx context.Context, shipmentID string) (lease.Lease, error) {
	if shipmentID == "" {
		return lease.Lease{}, fmt.Errorf("%w: empty id", ErrShipmentNotFound)
	}
	held, err := d.locker.Acquire(ctx, lease.ShipmentKey(shipmentID), "driver_"+d.newID(), d.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		d.logger(ctx, "fulfillment.shipment.busy", map[string]any{"shipmentId": shipmentID})
		return lease.Lease{}, fmt.Errorf("%w: %s", ErrShipmentBusy, shipmentID)
	}
	if err != nil {
		return lease.Lease{}, fmt.Errorf("fulfillment: acquire lease for %s: %w", shipmentID, err)
	}
	return held, nil
}

func (d *FulfillmentDriver) release(ctx context.Context, held lease.Lease) {
	if err := d.locker.Release(context.WithoutCancel(ctx), held); err != nil {
		d.logger(ctx, "fulfillment.lease.release_failed", map[string]any{"key": held.Key, "error": err})
	}
}

func (d *FulfillmentDriver) load(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	shipment, err := d.shipments.FindByID(ctx, shipmentID)
	if err != nil {
		if isNotFound(err) {
			return domain.Shipment{}, fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
		}
		return domain.Shipment{}, fmt.Errorf("fulfillment: load shipment %s: %w", shipmentID, err)
	}
	return shipment, nil
}

func (d *FulfillmentDriver) carrier(shipment domain.Shipment) (shipping.Carrier, error) {
	carrier, ok := d.carriers.Lookup(shipment.Carrier)
	if !ok {
		return nil, fmt.Errorf("%w: %q on shipment %s", ErrUnknownCarrier, shipment.Carrier, shipment.ID)
	}
	return carrier, nil
}

func (d *FulfillmentDriver) publish(ctx context.Context, shipment domain.Shipment, previous domain.ShipmentStatus, at time.Time) {
	publishStageAdvanced(ctx, d.events, d.logger, shipment, previous, at)
}

func publishStageAdvanced(ctx context.Context, events EventPublisher, logger eventLogger, shipment domain.Shipment, previous domain.ShipmentStatus, at time.Time) {
	if events == nil {
		return
	}
	err := events.PublishShipmentStageAdvanced(ctx, domain.ShipmentStageAdvanced{
		ShipmentID: shipment.ID,
		OrderID:    shipment.OrderID,
		Previous:   previous,
		New:        shipment.Status,
		OccurredAt: at,
	})
	if err != nil {
		logger(ctx, "fulfillment.event.publish_failed", map[string]any{
			"shipmentId": shipment.ID,
			"status":     string(shipment.Status),
			"error":      err,
		})
	}
}
