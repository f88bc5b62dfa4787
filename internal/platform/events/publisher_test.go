package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/fulfillment/internal/domain"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "fulfillment-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestPublishPaymentStatusChanged(t *testing.T) {
	srv, topic := newTestTopic(t)
	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}

	occurred := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	err = publisher.PublishPaymentStatusChanged(context.Background(), domain.PaymentStatusChanged{
		PaymentID:  "pay_1",
		OrderID:    "ord_1",
		Previous:   domain.PaymentStatusPending,
		New:        domain.PaymentStatusApproved,
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("PublishPaymentStatusChanged: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.Attributes["event_type"] != TypePaymentStatusChanged || msg.Attributes["order_id"] != "ord_1" || msg.Attributes["aggregate_id"] != "pay_1" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
	if msg.OrderingKey != "ord_1" {
		t.Fatalf("expected ordering key ord_1, got %q", msg.OrderingKey)
	}

	var envelope Envelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Type != TypePaymentStatusChanged || !envelope.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	var data PaymentStatusChangedData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Previous != "pending" || data.New != "approved" {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestPublishShipmentStageAdvanced(t *testing.T) {
	srv, topic := newTestTopic(t)
	publisher, _ := NewPubSubPublisher(topic)

	err := publisher.PublishShipmentStageAdvanced(context.Background(), domain.ShipmentStageAdvanced{
		ShipmentID: "shp_1",
		OrderID:    "ord_1",
		Previous:   domain.ShipmentStatusPending,
		New:        domain.ShipmentStatusCartAdded,
		OccurredAt: time.Date(2025, 5, 6, 9, 5, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("PublishShipmentStageAdvanced: %v", err)
	}
	messages := srv.Messages()
	if len(messages) != 1 || messages[0].Attributes["aggregate_id"] != "shp_1" || messages[0].Attributes["status"] != "cart_added" {
		t.Fatalf("unexpected messages %+v", messages)
	}
}

func TestShipmentLabelReady(t *testing.T) {
	srv, topic := newTestTopic(t)
	publisher, _ := NewPubSubPublisher(topic)

	generated := time.Date(2025, 5, 6, 9, 10, 0, 0, time.UTC)
	err := publisher.ShipmentLabelReady(context.Background(), domain.Shipment{
		ID:                "shp_1",
		OrderID:           "ord_1",
		Carrier:           "aggregator",
		TrackingNumber:    "BR123",
		LabelURL:          "https://labels.example.com/cs_1.pdf",
		ArchivedLabelPath: "labels/ord_1/shp_1/generated.pdf",
		LabelGeneratedAt:  &generated,
	})
	if err != nil {
		t.Fatalf("ShipmentLabelReady: %v", err)
	}
	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Attributes["event_type"] != TypeShipmentLabelReady || messages[0].Attributes["carrier"] != "aggregator" {
		t.Fatalf("unexpected attributes %v", messages[0].Attributes)
	}
	var envelope Envelope
	if err := json.Unmarshal(messages[0].Data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if !envelope.OccurredAt.Equal(generated) {
		t.Fatalf("expected label generation time, got %s", envelope.OccurredAt)
	}
	var data ShipmentLabelReadyData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.TrackingNumber != "BR123" || data.ArchivedLabelPath != "labels/ord_1/shp_1/generated.pdf" {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
