package domain

import (
	"strings"
	"time"
)

// ShipmentStatus enumerates the shipment pipeline.
type ShipmentStatus string

const (
	ShipmentStatusPending        ShipmentStatus = "pending"
	ShipmentStatusCartAdded      ShipmentStatus = "cart_added"
	ShipmentStatusPurchased      ShipmentStatus = "purchased"
	ShipmentStatusGenerated      ShipmentStatus = "generated"
	ShipmentStatusPosted         ShipmentStatus = "posted"
	ShipmentStatusInTransit      ShipmentStatus = "in_transit"
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentStatusDelivered      ShipmentStatus = "delivered"
	ShipmentStatusReturned       ShipmentStatus = "returned"
	ShipmentStatusCancelled      ShipmentStatus = "cancelled"
)

// shipmentChain is the happy path in order. Position in the slice is the rank used for forward
// transitions.
var shipmentChain = []ShipmentStatus{
	ShipmentStatusPending,
	ShipmentStatusCartAdded,
	ShipmentStatusPurchased,
	ShipmentStatusGenerated,
	ShipmentStatusPosted,
	ShipmentStatusInTransit,
	ShipmentStatusOutForDelivery,
	ShipmentStatusDelivered,
}

func shipmentRank(s ShipmentStatus) int {
	for i, candidate := range shipmentChain {
		if candidate == s {
			return i
		}
	}
	return -1
}

// ParseShipmentStatus normalises a stored status value.
func ParseShipmentStatus(value string) (ShipmentStatus, bool) {
	status := ShipmentStatus(strings.ToLower(strings.TrimSpace(value)))
	if shipmentRank(status) >= 0 || status == ShipmentStatusReturned || status == ShipmentStatusCancelled {
		return status, true
	}
	return status, false
}

// IsPrePosted reports whether the carrier has not received the parcel yet.
func (s ShipmentStatus) IsPrePosted() bool {
	rank := shipmentRank(s)
	return rank >= 0 && rank < shipmentRank(ShipmentStatusPosted)
}

// IsPostPosted reports whether the parcel is with the carrier (or was delivered/returned).
func (s ShipmentStatus) IsPostPosted() bool {
	if s == ShipmentStatusReturned {
		return true
	}
	return shipmentRank(s) >= shipmentRank(ShipmentStatusPosted)
}

// IsTerminal reports whether the shipment can no longer change. Delivered is not terminal
// because the parcel may still come back.
func (s ShipmentStatus) IsTerminal() bool {
	return s == ShipmentStatusReturned || s == ShipmentStatusCancelled
}

// CanTransitionTo reports whether next is reachable from s. Forward moves along the chain may
// skip steps because carriers do not always report every intermediate state. A delivered parcel
// can still come back as returned.
func (s ShipmentStatus) CanTransitionTo(next ShipmentStatus) bool {
	if s == next || s.IsTerminal() {
		return false
	}
	switch next {
	case ShipmentStatusCancelled:
		return s.IsPrePosted()
	case ShipmentStatusReturned:
		return s.IsPostPosted()
	}
	if s == ShipmentStatusDelivered {
		return false
	}
	from, to := shipmentRank(s), shipmentRank(next)
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// CanGenerateLabel reports whether the label pipeline still has work to do.
func (s Shipment) CanGenerateLabel() bool {
	switch s.Status {
	case ShipmentStatusPending, ShipmentStatusCartAdded, ShipmentStatusPurchased:
		return true
	default:
		return false
	}
}

// CanBeCancelled reports whether the shipment has not been handed to the carrier yet.
func (s Shipment) CanBeCancelled() bool {
	switch s.Status {
	case ShipmentStatusPending, ShipmentStatusCartAdded, ShipmentStatusPurchased, ShipmentStatusGenerated:
		return true
	default:
		return false
	}
}

// IsTrackable reports whether carrier tracking is meaningful for the shipment.
func (s Shipment) IsTrackable() bool {
	if strings.TrimSpace(s.TrackingNumber) == "" {
		return false
	}
	switch s.Status {
	case ShipmentStatusPosted, ShipmentStatusInTransit, ShipmentStatusOutForDelivery, ShipmentStatusDelivered, ShipmentStatusReturned:
		return true
	default:
		return false
	}
}

// TransitionTo moves the shipment to next and stamps the state timestamps on first entry. It
// returns false, leaving the shipment untouched, when the move is not allowed.
func (s *Shipment) TransitionTo(next ShipmentStatus, now time.Time) bool {
	if !s.Status.CanTransitionTo(next) {
		return false
	}
	s.Status = next
	stamp := func(target **time.Time) {
		if *target == nil {
			ts := now
			*target = &ts
		}
	}
	switch next {
	case ShipmentStatusGenerated:
		stamp(&s.LabelGeneratedAt)
	case ShipmentStatusPosted:
		stamp(&s.PostedAt)
	case ShipmentStatusDelivered:
		stamp(&s.DeliveredAt)
	case ShipmentStatusCancelled:
		stamp(&s.CancelledAt)
	}
	s.UpdatedAt = now
	return true
}
