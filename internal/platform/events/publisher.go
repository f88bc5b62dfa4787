package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/fulfillment/internal/domain"
)

const (
	TypePaymentStatusChanged  = "payment.status_changed"
	TypeShipmentStageAdvanced = "shipment.stage_advanced"
	TypeShipmentLabelReady    = "shipment.label_ready"
)

// Envelope is the JSON body of every message on the events topic.
type Envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// PaymentStatusChangedData is the data of a payment.status_changed message.
type PaymentStatusChangedData struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Previous  string `json:"previous"`
	New       string `json:"new"`
}

// ShipmentStageAdvancedData is the data of a shipment.stage_advanced message.
type ShipmentStageAdvancedData struct {
	ShipmentID string `json:"shipmentId"`
	OrderID    string `json:"orderId"`
	Previous   string `json:"previous"`
	New        string `json:"new"`
}

// ShipmentLabelReadyData is the data of a shipment.label_ready message. The notification service
// consumes it to email the customer.
type ShipmentLabelReadyData struct {
	ShipmentID        string `json:"shipmentId"`
	OrderID           string `json:"orderId"`
	Carrier           string `json:"carrier"`
	TrackingNumber    string `json:"trackingNumber,omitempty"`
	LabelURL          string `json:"labelUrl,omitempty"`
	ArchivedLabelPath string `json:"archivedLabelPath,omitempty"`
}

// PubSubPublisher publishes domain events to a Pub/Sub topic. Messages carry the order id as
// ordering key so consumers see one order's events in commit order.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher wraps topic and enables message ordering on it.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("events publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishPaymentStatusChanged implements services.EventPublisher.
func (p *PubSubPublisher) PublishPaymentStatusChanged(ctx context.Context, event domain.PaymentStatusChanged) error {
	data := PaymentStatusChangedData{
		PaymentID: event.PaymentID,
		OrderID:   event.OrderID,
		Previous:  string(event.Previous),
		New:       string(event.New),
	}
	attrs := map[string]string{}
	setAttr(attrs, "aggregate_id", event.PaymentID)
	setAttr(attrs, "status", string(event.New))
	_, err := p.publish(ctx, TypePaymentStatusChanged, event.OrderID, event.OccurredAt, data, attrs)
	return err
}

// PublishShipmentStageAdvanced implements services.EventPublisher.
func (p *PubSubPublisher) PublishShipmentStageAdvanced(ctx context.Context, event domain.ShipmentStageAdvanced) error {
	data := ShipmentStageAdvancedData{
		ShipmentID: event.ShipmentID,
		OrderID:    event.OrderID,
		Previous:   string(event.Previous),
		New:        string(event.New),
	}
	attrs := map[string]string{}
	setAttr(attrs, "aggregate_id", event.ShipmentID)
	setAttr(attrs, "status", string(event.New))
	_, err := p.publish(ctx, TypeShipmentStageAdvanced, event.OrderID, event.OccurredAt, data, attrs)
	return err
}

// ShipmentLabelReady implements services.Notifier.
func (p *PubSubPublisher) ShipmentLabelReady(ctx context.Context, shipment domain.Shipment) error {
	occurredAt := shipment.UpdatedAt
	if shipment.LabelGeneratedAt != nil {
		occurredAt = *shipment.LabelGeneratedAt
	}
	data := ShipmentLabelReadyData{
		ShipmentID:        shipment.ID,
		OrderID:           shipment.OrderID,
		Carrier:           shipment.Carrier,
		TrackingNumber:    shipment.TrackingNumber,
		LabelURL:          shipment.LabelURL,
		ArchivedLabelPath: shipment.ArchivedLabelPath,
	}
	attrs := map[string]string{}
	setAttr(attrs, "aggregate_id", shipment.ID)
	setAttr(attrs, "carrier", shipment.Carrier)
	_, err := p.publish(ctx, TypeShipmentLabelReady, shipment.OrderID, occurredAt, data, attrs)
	return err
}

func (p *PubSubPublisher) publish(ctx context.Context, eventType, orderID string, occurredAt time.Time, data any, attrs map[string]string) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("events publisher: not initialised")
	}
	raw, err := p.marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", eventType, err)
	}
	body, err := p.marshal(Envelope{Type: eventType, OccurredAt: occurredAt.UTC(), Data: raw})
	if err != nil {
		return "", fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	attrs["event_type"] = eventType
	setAttr(attrs, "order_id", orderID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        body,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(orderID),
	})
	id, err := result.Get(ctx)
	if err != nil {
		if key := strings.TrimSpace(orderID); key != "" {
			p.topic.ResumePublish(key)
		}
		return "", fmt.Errorf("publish %s: %w", eventType, err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
