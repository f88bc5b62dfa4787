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

const ordersCollection = "orders"

// OrderRepository reads and updates the payment-related fields of checkout orders.
type OrderRepository struct {
	coll *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{coll: pfirestore.NewCollection[orderDocument](provider, ordersCollection)}, nil
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.coll.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		ID:        doc.ID,
		Status:    domain.OrderStatus(doc.Data.Status),
		PaidAt:    doc.Data.PaidAt,
		UpdatedAt: doc.Data.UpdatedAt,
	}, nil
}

// Update writes status, paidAt and updatedAt only.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.coll.Update(ctx, order.ID, []firestore.Update{
		{Path: "status", Value: string(order.Status)},
		{Path: "paidAt", Value: utcPtr(order.PaidAt)},
		{Path: "updatedAt", Value: order.UpdatedAt.UTC()},
	})
}

type orderDocument struct {
	Status    string     `firestore:"status"`
	PaidAt    *time.Time `firestore:"paidAt"`
	UpdatedAt time.Time  `firestore:"updatedAt"`
}
