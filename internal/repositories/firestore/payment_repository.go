package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const paymentsCollection = "payments"

// PaymentRepository persists payments in Firestore. Checkout owns the document shape beyond the
// fields listed in paymentDocument, so updates only touch reconciled fields.
type PaymentRepository struct {
	coll *pfirestore.Collection[paymentDocument]
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{coll: pfirestore.NewCollection[paymentDocument](provider, paymentsCollection)}, nil
}

// FindByID loads a payment by document id.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	doc, err := r.coll.Get(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByGatewayTransactionID loads the payment a gateway notification refers to.
func (r *PaymentRepository) FindByGatewayTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.Payment{}, pfirestore.NotFound("payments.find_by_transaction", "transaction id is empty")
	}
	doc, err := r.coll.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("gatewayTransactionId", "==", transactionID)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Insert creates a payment document.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	return r.coll.Create(ctx, payment.ID, toPaymentDocument(payment))
}

// Update writes the reconciled fields of payment.
func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	doc := toPaymentDocument(payment)
	return r.coll.Update(ctx, payment.ID, []firestore.Update{
		{Path: "status", Value: doc.Status},
		{Path: "paidAt", Value: doc.PaidAt},
		{Path: "refundedAt", Value: doc.RefundedAt},
		{Path: "refundedAmount", Value: doc.RefundedAmount},
		{Path: "gatewayResponse", Value: doc.GatewayResponse},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	})
}

type paymentDocument struct {
	OrderID              string                    `firestore:"orderId"`
	Gateway              string                    `firestore:"gateway"`
	GatewayTransactionID string                    `firestore:"gatewayTransactionId"`
	Status               string                    `firestore:"status"`
	Amount               int64                     `firestore:"amount"`
	Currency             string                    `firestore:"currency"`
	PaidAt               *time.Time                `firestore:"paidAt"`
	RefundedAt           *time.Time                `firestore:"refundedAt"`
	RefundedAmount       int64                     `firestore:"refundedAmount"`
	GatewayResponse      []gatewayResponseDocument `firestore:"gatewayResponse"`
	CreatedAt            time.Time                 `firestore:"createdAt"`
	UpdatedAt            time.Time                 `firestore:"updatedAt"`
}

type gatewayResponseDocument struct {
	PreviousStatus string         `firestore:"previousStatus"`
	NewStatus      string         `firestore:"newStatus"`
	UpdatedAt      time.Time      `firestore:"updatedAt"`
	Metadata       map[string]any `firestore:"metadata,omitempty"`
}

func toPaymentDocument(p domain.Payment) paymentDocument {
	doc := paymentDocument{
		OrderID:              p.OrderID,
		Gateway:              p.Gateway,
		GatewayTransactionID: p.GatewayTransactionID,
		Status:               string(p.Status),
		Amount:               p.Amount,
		Currency:             p.Currency,
		PaidAt:               utcPtr(p.PaidAt),
		RefundedAt:           utcPtr(p.RefundedAt),
		RefundedAmount:       p.RefundedAmount,
		CreatedAt:            p.CreatedAt.UTC(),
		UpdatedAt:            p.UpdatedAt.UTC(),
	}
	for _, entry := range p.GatewayResponse {
		doc.GatewayResponse = append(doc.GatewayResponse, gatewayResponseDocument{
			PreviousStatus: string(entry.PreviousStatus),
			NewStatus:      string(entry.NewStatus),
			UpdatedAt:      entry.UpdatedAt.UTC(),
			Metadata:       entry.Metadata,
		})
	}
	return doc
}

func (d paymentDocument) toDomain(id string) domain.Payment {
	p := domain.Payment{
		ID:                   id,
		OrderID:              d.OrderID,
		Gateway:              d.Gateway,
		GatewayTransactionID: d.GatewayTransactionID,
		Status:               domain.PaymentStatus(d.Status),
		Amount:               d.Amount,
		Currency:             d.Currency,
		PaidAt:               d.PaidAt,
		RefundedAt:           d.RefundedAt,
		RefundedAmount:       d.RefundedAmount,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
	for _, entry := range d.GatewayResponse {
		p.GatewayResponse = append(p.GatewayResponse, domain.GatewayResponseEntry{
			PreviousStatus: domain.PaymentStatus(entry.PreviousStatus),
			NewStatus:      domain.PaymentStatus(entry.NewStatus),
			UpdatedAt:      entry.UpdatedAt,
			Metadata:       entry.Metadata,
		})
	}
	return p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
