package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/config"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/lease"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/repositories"
	"github.com/hanko-field/fulfillment/internal/services"
	"github.com/hanko-field/fulfillment/internal/shipping"
)

// Infrastructure carries the adapters NewContainer cannot build from configuration alone.
// Production wiring passes Firestore and Pub/Sub backed values; tests pass in-memory ones.
type Infrastructure struct {
	Events   services.EventPublisher
	Notifier services.Notifier
	Labels   services.LabelArchiver
	Locker   lease.Locker
	JobStore jobs.Store
	Carriers []shipping.Carrier
	Metrics  *observability.Metrics
	Logger   observability.EventLogger
	Clock    func() time.Time
	WorkerID string
}

// Services bundles the reconciliation services handlers and jobs rely upon.
type Services struct {
	Payments    *services.PaymentReconciler
	Fulfillment *services.FulfillmentDriver
	Tracking    *services.TrackingReconciler
	Scheduler   *jobs.Scheduler
	Jobs        *services.FulfillmentJobs
}

// Container wires repositories, services, and the background runner for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Runner       *jobs.Runner
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Locker == nil {
		return nil, errors.New("shipment locker is required")
	}
	if infra.JobStore == nil {
		return nil, errors.New("job store is required")
	}
	if infra.Logger == nil {
		infra.Logger = observability.NopEventLogger
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	runner, err := jobs.NewRunner(jobs.RunnerDeps{
		Store:        infra.JobStore,
		Queue:        cfg.Jobs.Queue,
		Workers:      cfg.Jobs.Workers,
		PollInterval: cfg.Jobs.PollInterval,
		LockTTL:      cfg.Jobs.LockTTL,
		WorkerID:     infra.WorkerID,
		Clock:        infra.Clock,
		Logger:       infra.Logger,
		Metrics:      infra.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build job runner: %w", err)
	}
	svc.Jobs.Register(runner)

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Runner:       runner,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	gateways, err := buildGateways(cfg.Gateways)
	if err != nil {
		return Services{}, fmt.Errorf("build payment gateways: %w", err)
	}
	paymentSvc, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Gateways:   gateways,
		Payments:   reg.Payments(),
		Orders:     reg.Orders(),
		UnitOfWork: reg,
		Events:     infra.Events,
		Metrics:    infra.Metrics,
		Clock:      infra.Clock,
		Logger:     infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}
	svc.Payments = paymentSvc

	carriers, err := shipping.NewRegistry(infra.Carriers...)
	if err != nil {
		return Services{}, fmt.Errorf("build carrier registry: %w", err)
	}

	scheduler, err := jobs.NewScheduler(jobs.SchedulerDeps{
		Store:       infra.JobStore,
		Queue:       cfg.Jobs.Queue,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Backoff:     cfg.Jobs.Backoff,
		Clock:       infra.Clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build job scheduler: %w", err)
	}
	svc.Scheduler = scheduler

	mode := services.AdvanceModeEnqueue
	if cfg.Jobs.InlineAdvance {
		mode = services.AdvanceModeInline
	}
	driver, err := services.NewFulfillmentDriver(services.FulfillmentDriverDeps{
		Shipments: reg.Shipments(),
		Carriers:  carriers,
		Jobs:      scheduler,
		Locker:    infra.Locker,
		Events:    infra.Events,
		Notifier:  infra.Notifier,
		Labels:    infra.Labels,
		Metrics:   infra.Metrics,
		Mode:      mode,
		LeaseTTL:  cfg.Jobs.ShipmentLeaseTTL,
		Clock:     infra.Clock,
		Logger:    infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment driver: %w", err)
	}
	svc.Fulfillment = driver

	tracking, err := services.NewTrackingReconciler(services.TrackingReconcilerDeps{
		Shipments: reg.Shipments(),
		Tracking:  reg.Tracking(),
		Carriers:  carriers,
		Locker:    infra.Locker,
		Jobs:      scheduler,
		Events:    infra.Events,
		Metrics:   infra.Metrics,
		LeaseTTL:  cfg.Jobs.ShipmentLeaseTTL,
		Clock:     infra.Clock,
		Logger:    infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build tracking reconciler: %w", err)
	}
	svc.Tracking = tracking

	jobHandlers, err := services.NewFulfillmentJobs(driver, tracking, infra.Logger)
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment jobs: %w", err)
	}
	svc.Jobs = jobHandlers

	return svc, nil
}

func buildGateways(cfg config.GatewayConfig) (*payments.Registry, error) {
	var gateways []payments.Gateway
	if secret := strings.TrimSpace(cfg.StripeWebhookSecret); secret != "" {
		stripe, err := payments.NewStripeGateway(secret)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, stripe)
	}
	for name, secret := range cfg.HMACSecrets {
		gateway, err := payments.NewHMACGateway(name, secret)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", name, err)
		}
		gateways = append(gateways, gateway)
	}
	return payments.NewRegistry(gateways...)
}
