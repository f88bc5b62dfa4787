package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// ReconcileOutcome names how a payment webhook was handled.
type ReconcileOutcome string

const (
	OutcomeApplied            ReconcileOutcome = "applied"
	OutcomeNoop               ReconcileOutcome = "noop"
	OutcomeUnknownTransaction ReconcileOutcome = "unknown_transaction"
	OutcomeRegressionRejected ReconcileOutcome = "regression_rejected"
	OutcomeSignatureInvalid   ReconcileOutcome = "signature_invalid"
	OutcomeMalformedPayload   ReconcileOutcome = "malformed_payload"
	OutcomeUnknownGateway     ReconcileOutcome = "unknown_gateway"
	OutcomeSoftFailure        ReconcileOutcome = "soft_failure"
)

var refundedAmountKeys = []string{"refunded_amount", "amount_refunded"}

// ReconcileResult reports the outcome and, when a payment matched, its status before and after.
type ReconcileResult struct {
	Outcome   ReconcileOutcome
	PaymentID string
	Previous  domain.PaymentStatus
	Current   domain.PaymentStatus
}

// PaymentReconcilerDeps enumerates collaborators required by the reconciler.
type PaymentReconcilerDeps struct {
	Gateways   GatewayResolver
	Payments   repositories.PaymentRepository
	Orders     repositories.OrderRepository
	UnitOfWork repositories.UnitOfWork
	Events     EventPublisher
	Metrics    *observability.Metrics
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// PaymentReconciler applies gateway notifications to payments exactly once.
type PaymentReconciler struct {
	gateways GatewayResolver
	payments repositories.PaymentRepository
	orders   repositories.OrderRepository
	uow      repositories.UnitOfWork
	events   EventPublisher
	metrics  *observability.Metrics
	now      func() time.Time
	logger   eventLogger
}

// NewPaymentReconciler validates deps.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (*PaymentReconciler, error) {
	if deps.Gateways == nil {
		return nil, errors.New("payment reconciler: gateway registry is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment reconciler: payment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("payment reconciler: unit of work is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &PaymentReconciler{
		gateways: deps.Gateways,
		payments: deps.Payments,
		orders:   deps.Orders,
		uow:      deps.UnitOfWork,
		events:   deps.Events,
		metrics:  deps.Metrics,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// Reconcile authenticates, parses and applies one gateway webhook. Only the three request errors
// (unknown gateway, bad signature, malformed body) are returned; every other failure is logged and
// reported as OutcomeSoftFailure so the gateway receives an acknowledgement.
func (r *PaymentReconciler) Reconcile(ctx context.Context, gatewayName string, payload []byte, signature string) (result ReconcileResult, err error) {
	gatewayName = strings.ToLower(strings.TrimSpace(gatewayName))
	ctx, span := observability.StartSpan(ctx, "payments.reconcile", attribute.String("payment.gateway", gatewayName))
	defer func() {
		span.SetAttributes(attribute.String("payment.outcome", string(result.Outcome)))
		observability.EndSpan(span, err)
		r.metrics.ReconcileOutcome(ctx, gatewayName, string(result.Outcome))
	}()

	gateway, ok := r.gateways.Lookup(gatewayName)
	if !ok {
		r.logger(ctx, "payments.reconcile.gateway_unknown", map[string]any{"gateway": gatewayName})
		return ReconcileResult{Outcome: OutcomeUnknownGateway}, fmt.Errorf("%w: %s", ErrUnknownGateway, gatewayName)
	}

	if !gateway.ValidateSignature(payload, signature) {
		r.logger(ctx, "payments.reconcile.signature_invalid", map[string]any{
			"gateway":          gatewayName,
			"signaturePresent": strings.TrimSpace(signature) != "",
			"payloadBytes":     len(payload),
		})
		return ReconcileResult{Outcome: OutcomeSignatureInvalid}, ErrSignatureInvalid
	}

	notification, err := gateway.Parse(payload)
	if errors.Is(err, payments.ErrIgnoredEvent) {
		r.logger(ctx, "payments.reconcile.ignored", map[string]any{"gateway": gatewayName, "reason": err.Error()})
		return ReconcileResult{Outcome: OutcomeNoop}, nil
	}
	if err == nil && strings.TrimSpace(notification.TransactionID) == "" {
		err = errors.New("missing transaction id")
	}
	if err != nil {
		r.logger(ctx, "payments.reconcile.payload_invalid", map[string]any{"gateway": gatewayName, "error": err})
		return ReconcileResult{Outcome: OutcomeMalformedPayload}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	span.SetAttributes(attribute.String("payment.transaction_id", notification.TransactionID))

	fields := map[string]any{
		"gateway":       gatewayName,
		"transactionId": notification.TransactionID,
		"status":        string(notification.Status),
	}

	result, change, orderMissing, applyErr := r.apply(ctx, gatewayName, notification)
	if applyErr != nil {
		fields["error"] = applyErr
		r.logger(ctx, "payments.reconcile.failed", fields)
		return ReconcileResult{Outcome: OutcomeSoftFailure}, nil
	}

	fields["paymentId"] = result.PaymentID
	switch result.Outcome {
	case OutcomeUnknownTransaction:
		r.logger(ctx, "payments.reconcile.unmatched", fields)
	case OutcomeNoop:
		r.logger(ctx, "payments.reconcile.duplicate", fields)
	case OutcomeRegressionRejected:
		fields["currentStatus"] = string(result.Previous)
		r.logger(ctx, "payments.reconcile.regression_rejected", fields)
	case OutcomeApplied:
		fields["previousStatus"] = string(result.Previous)
		r.logger(ctx, "payments.reconcile.applied", fields)
		if orderMissing {
			r.logger(ctx, "payments.reconcile.order_missing", fields)
		}
		r.publish(ctx, change)
	}
	return result, nil
}

// apply runs the lookup and state change in one transaction. Firestore may call the closure more
// than once, so all outputs are reset at its start.
func (r *PaymentReconciler) apply(ctx context.Context, gateway string, n payments.Notification) (result ReconcileResult, change domain.PaymentStatusChanged, orderMissing bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("payments: reconcile panic: %v", rec)
		}
	}()

	err = r.uow.RunInTx(ctx, func(ctx context.Context) error {
		result = ReconcileResult{}
		change = domain.PaymentStatusChanged{}
		orderMissing = false

		payment, err := r.payments.FindByGatewayTransactionID(ctx, n.TransactionID)
		if err != nil {
			if isNotFound(err) {
				result.Outcome = OutcomeUnknownTransaction
				return nil
			}
			return fmt.Errorf("load payment: %w", err)
		}
		result.PaymentID = payment.ID
		result.Previous = payment.Status
		result.Current = payment.Status

		if payment.Status == n.Status {
			result.Outcome = OutcomeNoop
			return nil
		}
		if !payment.Status.CanTransitionTo(n.Status) {
			result.Outcome = OutcomeRegressionRejected
			return nil
		}

		now := r.now()
		var (
			order     domain.Order
			markOrder bool
		)
		if n.Status == domain.PaymentStatusApproved && payment.OrderID != "" {
			order, err = r.orders.FindByID(ctx, payment.OrderID)
			switch {
			case err == nil:
				markOrder = order.MarkAsPaid(now)
			case isNotFound(err):
				orderMissing = true
			default:
				return fmt.Errorf("load order %s: %w", payment.OrderID, err)
			}
		}

		metadata := cloneMetadata(n.Metadata)
		metadata["gateway"] = gateway
		entry := payment.ApplyStatus(n.Status, now, metadata, refundedAmount(n.Metadata))
		if err := r.payments.Update(ctx, payment); err != nil {
			return fmt.Errorf("save payment %s: %w", payment.ID, err)
		}
		if markOrder {
			if err := r.orders.Update(ctx, order); err != nil {
				return fmt.Errorf("save order %s: %w", order.ID, err)
			}
		}

		result.Outcome = OutcomeApplied
		result.Current = n.Status
		change = domain.PaymentStatusChanged{
			PaymentID:  payment.ID,
			OrderID:    payment.OrderID,
			Previous:   entry.PreviousStatus,
			New:        entry.NewStatus,
			OccurredAt: entry.UpdatedAt,
		}
		return nil
	})
	return result, change, orderMissing, err
}

func (r *PaymentReconciler) publish(ctx context.Context, change domain.PaymentStatusChanged) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishPaymentStatusChanged(ctx, change); err != nil {
		r.logger(ctx, "payments.event.publish_failed", map[string]any{
			"paymentId": change.PaymentID,
			"orderId":   change.OrderID,
			"status":    string(change.New),
			"error":     err,
		})
	}
}

func refundedAmount(metadata map[string]any) int64 {
	for _, key := range refundedAmountKeys {
		switch v := metadata[key].(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(math.Round(v))
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		}
	}
	return 0
}

func cloneMetadata(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
