package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hazelcart/fulfillment/internal/domain"
	pfirestore "github.com/hazelcart/fulfillment/internal/platform/firestore"
)

const ordersCollection = "orders"

type orderDocument struct {
	ID                string              `firestore:"-"`
	OrderNumber       string              `firestore:"orderNumber"`
	Status            string              `firestore:"status"`
	FulfillmentMethod string              `firestore:"fulfillmentMethod"`
	Customer          orderCustomerDoc    `firestore:"customer"`
	Totals            orderTotalsDoc      `firestore:"totals"`
	Lines             []orderLineDocument `firestore:"lines"`
	IdempotencyKey    string              `firestore:"idempotencyKey,omitempty"`
	PaidAt            *time.Time          `firestore:"paidAt,omitempty"`
	PackedAt          *time.Time          `firestore:"packedAt,omitempty"`
	DispatchedAt      *time.Time          `firestore:"dispatchedAt,omitempty"`
	DeliveredAt       *time.Time          `firestore:"deliveredAt,omitempty"`
	CollectedAt       *time.Time          `firestore:"collectedAt,omitempty"`
	CancelledAt       *time.Time          `firestore:"cancelledAt,omitempty"`
	CancelReason      string              `firestore:"cancelReason,omitempty"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
}

type orderCustomerDoc struct {
	Name  string `firestore:"name"`
	Email string `firestore:"email"`
	Phone string `firestore:"phone,omitempty"`
}

type orderTotalsDoc struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type orderLineDocument struct {
	ID                string `firestore:"id"`
	ProductID         string `firestore:"productId"`
	Name              string `firestore:"name"`
	Quantity          int    `firestore:"quantity"`
	UnitPrice         int64  `firestore:"unitPrice"`
	LineTotal         int64  `firestore:"lineTotal"`
	ResolvedProductID string `firestore:"resolvedProductId,omitempty"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLineDocument{
			ID:                line.ID,
			ProductID:         line.ProductID,
			Name:              line.Name,
			Quantity:          line.Quantity,
			UnitPrice:         line.UnitPrice,
			LineTotal:         line.LineTotal,
			ResolvedProductID: line.ResolvedProductID,
		})
	}
	return orderDocument{
		OrderNumber:       order.OrderNumber,
		Status:            string(order.Status),
		FulfillmentMethod: string(order.FulfillmentMethod),
		Customer: orderCustomerDoc{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Totals: orderTotalsDoc{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Lines:          lines,
		IdempotencyKey: order.IdempotencyKey,
		PaidAt:         order.PaidAt,
		PackedAt:       order.PackedAt,
		DispatchedAt:   order.DispatchedAt,
		DeliveredAt:    order.DeliveredAt,
		CollectedAt:    order.CollectedAt,
		CancelledAt:    order.CancelledAt,
		CancelReason:   order.CancelReason,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
}

func decodeOrderDocument(doc orderDocument) domain.Order {
	lines := make([]domain.OrderLine, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		lines = append(lines, domain.OrderLine{
			ID:                line.ID,
			ProductID:         line.ProductID,
			Name:              line.Name,
			Quantity:          line.Quantity,
			UnitPrice:         line.UnitPrice,
			LineTotal:         line.LineTotal,
			ResolvedProductID: line.ResolvedProductID,
		})
	}
	return domain.Order{
		ID:                doc.ID,
		OrderNumber:       doc.OrderNumber,
		Status:            domain.OrderStatus(doc.Status),
		FulfillmentMethod: domain.FulfillmentMethod(doc.FulfillmentMethod),
		Customer: domain.Customer{
			Name:  doc.Customer.Name,
			Email: doc.Customer.Email,
			Phone: doc.Customer.Phone,
		},
		Totals: domain.OrderTotals{
			Subtotal: doc.Totals.Subtotal,
			Shipping: doc.Totals.Shipping,
			Discount: doc.Totals.Discount,
			Total:    doc.Totals.Total,
		},
		Lines:          lines,
		IdempotencyKey: doc.IdempotencyKey,
		PaidAt:         doc.PaidAt,
		PackedAt:       doc.PackedAt,
		DispatchedAt:   doc.DispatchedAt,
		DeliveredAt:    doc.DeliveredAt,
		CollectedAt:    doc.CollectedAt,
		CancelledAt:    doc.CancelledAt,
		CancelReason:   doc.CancelReason,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

// OrderRepository persists orders in the orders collection.
type OrderRepository struct {
	base *pfirestore.BaseRepository[domain.Order]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.Order) (any, error) {
		return encodeOrderDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Order, error) {
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Order{}, err
		}
		doc.ID = snap.Ref.ID
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = snap.CreateTime
		}
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = snap.UpdateTime
		}
		return decodeOrderDocument(doc), nil
	}

	base := pfirestore.NewBaseRepository[domain.Order](provider, ordersCollection, encoder, decoder)
	return &OrderRepository{base: base}, nil
}

// Insert stores a new order document, failing if the ID already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		return errors.New("order repository: id is required")
	}
	_, err := r.base.Create(ctx, order.ID, order)
	return err
}

// Update replaces the order document state.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		return errors.New("order repository: id is required")
	}
	_, err := r.base.Set(ctx, order.ID, order)
	return err
}

// FindByID loads an order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data, nil
}

// FindByNumber returns the order holding the given human-facing order number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order repository: order number is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderNumber", "==", orderNumber).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_number", notFoundErr("order number "+orderNumber))
	}
	return docs[0].Data, nil
}
