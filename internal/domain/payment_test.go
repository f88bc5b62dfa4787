package domain

import (
	"testing"
	"time"
)

func TestPaymentStatusCanTransitionTo(t *testing.T) {
	all := []PaymentStatus{
		PaymentStatusPending,
		PaymentStatusProcessing,
		PaymentStatusApproved,
		PaymentStatusDeclined,
		PaymentStatusCancelled,
		PaymentStatusRefunded,
		PaymentStatusFailed,
	}

	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			var want bool
			switch {
			case from == to:
				want = false
			case !from.IsFinal():
				want = true
			default:
				want = from == PaymentStatusApproved && to == PaymentStatusRefunded
			}
			if got != want {
				t.Fatalf("%s -> %s: expected %v got %v", from, to, want, got)
			}
		}
	}
}

func TestPaymentStatusIsFinal(t *testing.T) {
	if PaymentStatusPending.IsFinal() || PaymentStatusProcessing.IsFinal() {
		t.Fatalf("pending and processing must not be final")
	}
	for _, status := range []PaymentStatus{PaymentStatusApproved, PaymentStatusDeclined, PaymentStatusCancelled, PaymentStatusRefunded, PaymentStatusFailed} {
		if !status.IsFinal() {
			t.Fatalf("expected %s to be final", status)
		}
	}
}

func TestParsePaymentStatus(t *testing.T) {
	status, ok := ParsePaymentStatus("  APPROVED ")
	if !ok || status != PaymentStatusApproved {
		t.Fatalf("expected approved, got %q ok=%v", status, ok)
	}
	if _, ok := ParsePaymentStatus("settled"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestPaymentApplyStatusApprovedThenRefunded(t *testing.T) {
	paidAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	refundAt := paidAt.Add(48 * time.Hour)
	payment := Payment{ID: "pay_1", Status: PaymentStatusPending, Amount: 12500}

	entry := payment.ApplyStatus(PaymentStatusApproved, paidAt, map[string]any{"source": "webhook"}, 0)
	if entry.PreviousStatus != PaymentStatusPending || entry.NewStatus != PaymentStatusApproved {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if payment.PaidAt == nil || !payment.PaidAt.Equal(paidAt) {
		t.Fatalf("expected paidAt to be set, got %v", payment.PaidAt)
	}

	payment.ApplyStatus(PaymentStatusRefunded, refundAt, nil, 0)
	if payment.RefundedAt == nil || !payment.RefundedAt.Equal(refundAt) {
		t.Fatalf("expected refundedAt to be set")
	}
	if payment.RefundedAmount != 12500 {
		t.Fatalf("expected full refund, got %d", payment.RefundedAmount)
	}
	if len(payment.GatewayResponse) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(payment.GatewayResponse))
	}
	if payment.GatewayResponse[0].Metadata["source"] != "webhook" {
		t.Fatalf("expected first entry metadata to be preserved")
	}
}

func TestPaymentApplyStatusPartialRefundKeepsFirstTimestamp(t *testing.T) {
	first := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	refundedAt := first.Add(-time.Hour)
	payment := Payment{Status: PaymentStatusApproved, Amount: 10000, RefundedAt: &refundedAt, RefundedAmount: 4000}

	payment.ApplyStatus(PaymentStatusRefunded, first, nil, 2000)
	if !payment.RefundedAt.Equal(refundedAt) || payment.RefundedAmount != 4000 {
		t.Fatalf("expected existing refund data to be kept, got %v %d", payment.RefundedAt, payment.RefundedAmount)
	}

	fresh := Payment{Status: PaymentStatusApproved, Amount: 10000}
	fresh.ApplyStatus(PaymentStatusRefunded, first, nil, 2500)
	if fresh.RefundedAmount != 2500 {
		t.Fatalf("expected partial refund amount, got %d", fresh.RefundedAmount)
	}
}

func TestOrderMarkAsPaidIsIdempotent(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	order := Order{ID: "ord_1", Status: OrderStatusPending}

	if !order.MarkAsPaid(now) {
		t.Fatalf("expected first call to mark order paid")
	}
	if order.Status != OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	if order.MarkAsPaid(now.Add(time.Minute)) {
		t.Fatalf("expected second call to be a no-op")
	}
	if !order.PaidAt.Equal(now) {
		t.Fatalf("expected paidAt to keep first value, got %v", order.PaidAt)
	}
}
