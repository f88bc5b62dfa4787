package domain

import (
	"strings"
	"time"
)

// PaymentStatus enumerates the payment lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusApproved   PaymentStatus = "approved"
	PaymentStatusDeclined   PaymentStatus = "declined"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusFailed     PaymentStatus = "failed"
)

var knownPaymentStatuses = map[PaymentStatus]struct{}{
	PaymentStatusPending:    {},
	PaymentStatusProcessing: {},
	PaymentStatusApproved:   {},
	PaymentStatusDeclined:   {},
	PaymentStatusCancelled:  {},
	PaymentStatusRefunded:   {},
	PaymentStatusFailed:     {},
}

// ParsePaymentStatus normalises a status string. The boolean is false for unknown values.
func ParsePaymentStatus(value string) (PaymentStatus, bool) {
	status := PaymentStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := knownPaymentStatuses[status]
	return status, ok
}

// IsFinal reports whether no further lifecycle transition is expected. Approved is final but may
// still move to refunded.
func (s PaymentStatus) IsFinal() bool {
	switch s {
	case PaymentStatusApproved, PaymentStatusDeclined, PaymentStatusCancelled, PaymentStatusRefunded, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a payment currently in s may move to next. Equal statuses are
// not a transition and return false.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next {
		return false
	}
	if !s.IsFinal() {
		return true
	}
	return s == PaymentStatusApproved && next == PaymentStatusRefunded
}

// ApplyStatus moves the payment to next, records side-effect timestamps, and appends an audit
// entry. Callers must check CanTransitionTo first. refundedAmount <= 0 means a full refund.
func (p *Payment) ApplyStatus(next PaymentStatus, now time.Time, metadata map[string]any, refundedAmount int64) GatewayResponseEntry {
	previous := p.Status
	p.Status = next

	switch next {
	case PaymentStatusApproved:
		if p.PaidAt == nil {
			ts := now
			p.PaidAt = &ts
		}
	case PaymentStatusRefunded:
		if p.RefundedAt == nil {
			ts := now
			p.RefundedAt = &ts
			if refundedAmount > 0 && refundedAmount <= p.Amount {
				p.RefundedAmount = refundedAmount
			} else {
				p.RefundedAmount = p.Amount
			}
		}
	}

	entry := GatewayResponseEntry{
		PreviousStatus: previous,
		NewStatus:      next,
		UpdatedAt:      now,
		Metadata:       cloneMap(metadata),
	}
	p.GatewayResponse = append(p.GatewayResponse, entry)
	p.UpdatedAt = now
	return entry
}

// MarkAsPaid records the first payment of the order. It returns false when the order was already
// paid, in which case nothing changes.
func (o *Order) MarkAsPaid(now time.Time) bool {
	if o.PaidAt != nil {
		return false
	}
	ts := now
	o.PaidAt = &ts
	if o.Status == "" || o.Status == OrderStatusPending {
		o.Status = OrderStatusProcessing
	}
	o.UpdatedAt = now
	return true
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
