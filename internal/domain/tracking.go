package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var deliveryVocabulary = vocabulary(
	"delivered",
	"delivered to recipient",
	"entregue",
	"objeto entregue",
	"objeto entregue ao destinatario",
)

var problemVocabulary = vocabulary(
	"returned",
	"returned to sender",
	"return to sender",
	"devolvido",
	"devolucao",
	"objeto devolvido ao remetente",
	"extraviado",
	"lost",
	"roubado",
	"stolen",
	"recusado",
	"refused",
)

func vocabulary(terms ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		set[NormalizeTrackingStatus(term)] = struct{}{}
	}
	return set
}

// NormalizeTrackingStatus folds case, strips accents, and collapses whitespace so carrier
// vocabularies compare equal regardless of presentation.
func NormalizeTrackingStatus(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	// transformers carry state and are built per call
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	folded, _, err := transform.String(t, value)
	if err != nil {
		folded = strings.ToLower(value)
	}
	return strings.Join(strings.Fields(folded), " ")
}

// IsDeliveryEvent reports whether the carrier status says the parcel reached the recipient.
func (t ShipmentTracking) IsDeliveryEvent() bool {
	_, ok := deliveryVocabulary[NormalizeTrackingStatus(t.Status)]
	return ok
}

// IsProblemEvent reports whether the carrier status says the parcel is coming back or is lost.
func (t ShipmentTracking) IsProblemEvent() bool {
	_, ok := problemVocabulary[NormalizeTrackingStatus(t.Status)]
	return ok
}

// DedupKey identifies the carrier event independently of how often it was ingested.
func (t ShipmentTracking) DedupKey() string {
	return TrackingDedupKey(t.ShipmentID, t.EventCode, t.EventAt)
}

// TrackingDedupKey hashes (shipment, event code, event time) into a stable document key.
func TrackingDedupKey(shipmentID, eventCode string, eventAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(shipmentID)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(eventCode))))
	h.Write([]byte{0})
	h.Write([]byte(eventAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// LatestTrackingEvent returns the event with the greatest EventAt. Ties keep the later element.
func LatestTrackingEvent(events []ShipmentTracking) (ShipmentTracking, bool) {
	if len(events) == 0 {
		return ShipmentTracking{}, false
	}
	latest := events[0]
	for _, event := range events[1:] {
		if !event.EventAt.Before(latest.EventAt) {
			latest = event
		}
	}
	return latest, true
}
