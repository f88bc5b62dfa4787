package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
)

// FulfillmentJobs adapts the driver and tracking reconciler to job handlers.
type FulfillmentJobs struct {
	driver   *FulfillmentDriver
	tracking *TrackingReconciler
	logger   eventLogger
}

// NewFulfillmentJobs binds the handlers. The tracking reconciler is optional.
func NewFulfillmentJobs(driver *FulfillmentDriver, tracking *TrackingReconciler, logger func(ctx context.Context, event string, fields map[string]any)) (*FulfillmentJobs, error) {
	if driver == nil {
		return nil, errors.New("fulfillment jobs: driver is required")
	}
	if logger == nil {
		logger = nopLogger
	}
	return &FulfillmentJobs{driver: driver, tracking: tracking, logger: logger}, nil
}

// Register installs every handler on runner.
func (j *FulfillmentJobs) Register(runner *jobs.Runner) {
	runner.Register(JobTypeAdvance, j.Advance)
	runner.Register(JobTypeAdvanceBatch, j.AdvanceBatch)
	if j.tracking != nil {
		runner.Register(JobTypeTrackingSync, j.TrackingSync)
	}
}

// Advance handles shipping.advance. A missing shipment is permanent; everything else retries.
func (j *FulfillmentJobs) Advance(ctx context.Context, job domain.Job) error {
	shipmentID, err := payloadString(job, "shipment_id")
	if err != nil {
		return err
	}
	err = j.driver.Advance(ctx, shipmentID)
	if errors.Is(err, ErrShipmentNotFound) || errors.Is(err, ErrUnknownCarrier) {
		return fmt.Errorf("%w: %v", jobs.ErrPermanent, err)
	}
	return err
}

// AdvanceBatch handles shipping.advance_batch.
func (j *FulfillmentJobs) AdvanceBatch(ctx context.Context, job domain.Job) error {
	ids, err := payloadStrings(job, "shipment_ids")
	if err != nil {
		return err
	}
	result, err := j.driver.AdvanceBatch(ctx, ids)
	if err != nil {
		return err
	}
	for _, skipped := range result.Skipped {
		j.logger(ctx, "fulfillment.batch.item.skipped", map[string]any{
			"jobId":      job.ID,
			"shipmentId": skipped.ShipmentID,
			"reason":     skipped.Reason,
		})
	}
	return nil
}

// TrackingSync handles shipping.tracking_sync.
func (j *FulfillmentJobs) TrackingSync(ctx context.Context, job domain.Job) error {
	shipmentID, err := payloadString(job, "shipment_id")
	if err != nil {
		return err
	}
	_, err = j.tracking.FullSync(ctx, shipmentID)
	if errors.Is(err, ErrShipmentNotFound) || errors.Is(err, ErrUnknownCarrier) {
		return fmt.Errorf("%w: %v", jobs.ErrPermanent, err)
	}
	return err
}

func payloadString(job domain.Job, key string) (string, error) {
	value, _ := job.Payload[key].(string)
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: job %s missing %s", jobs.ErrPermanent, job.ID, key)
	}
	return value, nil
}

// payloadStrings accepts []string from in-process payloads and []any after a Firestore round trip.
func payloadStrings(job domain.Job, key string) ([]string, error) {
	var out []string
	switch values := job.Payload[key].(type) {
	case []string:
		out = append(out, values...)
	case []any:
		for _, v := range values {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: job %s missing %s", jobs.ErrPermanent, job.ID, key)
	}
	return out, nil
}
