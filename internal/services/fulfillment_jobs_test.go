package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/lease"
	"github.com/hanko-field/fulfillment/internal/shipping"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newJobRunner(t *testing.T, f *driverFixture, handlers *FulfillmentJobs, recorder *eventRecorder) *jobs.Runner {
	t.Helper()
	runner, err := jobs.NewRunner(jobs.RunnerDeps{
		Store:    f.store,
		Workers:  1,
		WorkerID: "worker-1",
		Clock:    f.clock.Now,
		Logger:   recorder.log,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	handlers.Register(runner)
	return runner
}

func drain(t *testing.T, runner *jobs.Runner) {
	t.Helper()
	for i := 0; i < 20; i++ {
		n, err := runner.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n == 0 {
			return
		}
	}
	t.Fatalf("jobs did not settle")
}

func TestAdvanceJobsWalkTheLabelPipeline(t *testing.T) {
	f := newDriverFixture(t, AdvanceModeEnqueue)
	handlers, err := NewFulfillmentJobs(f.driver, nil, f.recorder.log)
	if err != nil {
		t.Fatalf("NewFulfillmentJobs: %v", err)
	}
	runner := newJobRunner(t, f, handlers, &eventRecorder{})

	if _, err := f.scheduler.Enqueue(context.Background(), JobTypeAdvanceBatch, map[string]any{"shipment_ids": []any{"shp_1", "shp_missing"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, runner)

	if got := f.repos.shipment("shp_1").Status; got != domain.ShipmentStatusGenerated {
		t.Fatalf("expected generated, got %s", got)
	}
	for _, job := range f.store.List(jobs.DefaultQueue) {
		if job.Status != domain.JobStatusSucceeded {
			t.Fatalf("expected every job to succeed, %s is %s", job.ID, job.Status)
		}
	}
	// batch + one advance per stage
	if got := len(f.store.List(jobs.DefaultQueue)); got != 4 {
		t.Fatalf("expected 4 jobs, got %d", got)
	}
	event, ok := f.recorder.find("fulfillment.batch.item.skipped")
	if !ok || event.fields["shipmentId"] != "shp_missing" || event.fields["reason"] != "not_found" {
		t.Fatalf("expected skipped item log, got %+v", event)
	}
	if len(f.notifier.notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.notified))
	}
}

func TestAdvanceJobRetriesThenFailsAndResumes(t *testing.T) {
	f := newDriverFixture(t, AdvanceModeEnqueue)
	handlers, err := NewFulfillmentJobs(f.driver, nil, f.recorder.log)
	if err != nil {
		t.Fatalf("NewFulfillmentJobs: %v", err)
	}
	runnerLog := &eventRecorder{}
	runner := newJobRunner(t, f, handlers, runnerLog)

	f.carrier.buyFunc = func(string) (shipping.CheckoutResult, error) {
		return shipping.CheckoutResult{}, shipping.ErrCarrierUnavailable
	}
	if _, err := f.scheduler.Enqueue(context.Background(), JobTypeAdvance, map[string]any{"shipment_id": "shp_1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, runner) // add_to_cart succeeds, checkout attempt 1 fails
	checkoutJob, err := f.store.Get(context.Background(), "job_002")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if checkoutJob.Status != domain.JobStatusQueued || !checkoutJob.NextRunAt.Equal(fixedNow.Add(60*time.Second)) {
		t.Fatalf("expected retry in 60s, got %+v", checkoutJob)
	}

	f.clock.Advance(60 * time.Second)
	drain(t, runner)
	checkoutJob, _ = f.store.Get(context.Background(), "job_002")
	if checkoutJob.Attempt != 2 || !checkoutJob.NextRunAt.Equal(f.clock.Now().Add(300*time.Second)) {
		t.Fatalf("expected retry in 300s after attempt 2, got %+v", checkoutJob)
	}

	f.clock.Advance(300 * time.Second)
	drain(t, runner)
	checkoutJob, _ = f.store.Get(context.Background(), "job_002")
	if checkoutJob.Status != domain.JobStatusFailed || checkoutJob.Attempt != 3 {
		t.Fatalf("expected job failed after 3 attempts, got %+v", checkoutJob)
	}
	event, ok := runnerLog.find("jobs.failed")
	if !ok || event.fields["shipment_id"] != "shp_1" {
		t.Fatalf("expected failure log naming the shipment, got %+v", event)
	}

	shipment := f.repos.shipment("shp_1")
	if shipment.Status != domain.ShipmentStatusCartAdded || shipment.CartID != "cart_1" {
		t.Fatalf("expected shipment parked at cart_added, got %+v", shipment)
	}
	if f.carrier.count("add") != 1 || f.carrier.count("checkout") != 3 {
		t.Fatalf("expected add once and checkout thrice, got add=%d checkout=%d", f.carrier.count("add"), f.carrier.count("checkout"))
	}

	f.carrier.buyFunc = func(string) (shipping.CheckoutResult, error) {
		return shipping.CheckoutResult{Success: true, CarrierShipmentID: "cs_1"}, nil
	}
	if _, err := f.scheduler.Enqueue(context.Background(), JobTypeAdvance, map[string]any{"shipment_id": "shp_1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, runner)
	if got := f.repos.shipment("shp_1").Status; got != domain.ShipmentStatusGenerated {
		t.Fatalf("expected resumed pipeline to reach generated, got %s", got)
	}
	if f.carrier.count("add") != 1 {
		t.Fatalf("add_to_cart must not rerun on resume")
	}
}

func TestFulfillmentJobsPermanentFailures(t *testing.T) {
	f := newDriverFixture(t, AdvanceModeEnqueue)
	handlers, err := NewFulfillmentJobs(f.driver, nil, nil)
	if err != nil {
		t.Fatalf("NewFulfillmentJobs: %v", err)
	}

	cases := map[string]domain.Job{
		"missing payload":  {ID: "job_a", Type: JobTypeAdvance, Payload: map[string]any{}},
		"unknown shipment": {ID: "job_b", Type: JobTypeAdvance, Payload: map[string]any{"shipment_id": "shp_missing"}},
	}
	for name, job := range cases {
		if err := handlers.Advance(context.Background(), job); !errors.Is(err, jobs.ErrPermanent) {
			t.Errorf("%s: expected permanent error, got %v", name, err)
		}
	}
	if err := handlers.AdvanceBatch(context.Background(), domain.Job{ID: "job_c", Payload: map[string]any{"shipment_ids": []any{}}}); !errors.Is(err, jobs.ErrPermanent) {
		t.Errorf("expected permanent error for empty batch, got %v", err)
	}

	f.carrier.addFunc = func(domain.ShipmentRequest) (shipping.CartResult, error) {
		return shipping.CartResult{}, shipping.ErrCarrierUnavailable
	}
	err = handlers.Advance(context.Background(), domain.Job{ID: "job_d", Payload: map[string]any{"shipment_id": "shp_1"}})
	if err == nil || errors.Is(err, jobs.ErrPermanent) {
		t.Fatalf("expected retryable error for carrier outage, got %v", err)
	}
}

func TestTrackingWebhookQueuesSyncThatRetriesPastLease(t *testing.T) {
	f := newDriverFixture(t, AdvanceModeEnqueue)
	shipment := f.repos.shipment("shp_1")
	shipment.Status = domain.ShipmentStatusInTransit
	shipment.CarrierShipmentID = "cs_1"
	f.repos.shipments["shp_1"] = shipment

	tracking, err := NewTrackingReconciler(TrackingReconcilerDeps{
		Shipments: memoryShipments{f.repos},
		Tracking:  memoryTracking{f.repos},
		Carriers:  carrierMap{"aggregator": f.carrier},
		Locker:    f.locker,
		Jobs:      f.scheduler,
		Events:    f.events,
		Clock:     f.clock.Now,
		Logger:    f.recorder.log,
	})
	if err != nil {
		t.Fatalf("NewTrackingReconciler: %v", err)
	}
	handlers, err := NewFulfillmentJobs(f.driver, tracking, f.recorder.log)
	if err != nil {
		t.Fatalf("NewFulfillmentJobs: %v", err)
	}
	runner := newJobRunner(t, f, handlers, &eventRecorder{})

	delivered := shipping.TrackingEvent{Code: "BDE", Status: "Entregue", OccurredAt: fixedNow.Add(-time.Hour)}
	f.carrier.hisFunc = func(string) ([]shipping.TrackingEvent, error) {
		return []shipping.TrackingEvent{delivered}, nil
	}
	// A label reprint is holding the shipment when the push arrives.
	if _, err := f.locker.Acquire(context.Background(), lease.ShipmentKey("shp_1"), "driver_x", 30*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	result, err := tracking.IngestWebhook(context.Background(), "aggregator", TrackingWebhook{
		ShipmentID: "shp_1",
		Event:      &TrackingWebhookEvent{Code: "BDE", Status: "Entregue", OccurredAt: delivered.OccurredAt},
	})
	if err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}
	if result.Outcome != IngestAccepted || !result.Inserted || result.SyncJobID == "" {
		t.Fatalf("expected accepted push with queued sync, got %+v", result)
	}
	if f.carrier.count("history") != 0 {
		t.Fatalf("webhook must not call the carrier inline")
	}
	queued := f.store.List(jobs.DefaultQueue)
	if len(queued) != 1 || queued[0].Type != JobTypeTrackingSync || queued[0].Payload["shipment_id"] != "shp_1" {
		t.Fatalf("expected one tracking sync job, got %+v", queued)
	}

	drain(t, runner) // lease still held: attempt 1 fails with busy
	job, err := f.store.Get(context.Background(), result.SyncJobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != domain.JobStatusQueued || job.Attempt != 1 {
		t.Fatalf("expected retry after busy shipment, got %+v", job)
	}
	if f.repos.shipment("shp_1").Status != domain.ShipmentStatusInTransit {
		t.Fatalf("shipment must not change while leased")
	}

	f.clock.Advance(60 * time.Second)
	drain(t, runner)
	job, _ = f.store.Get(context.Background(), result.SyncJobID)
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected sync job to succeed after the lease expired, got %+v", job)
	}
	if got := f.repos.shipment("shp_1").Status; got != domain.ShipmentStatusDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
}
