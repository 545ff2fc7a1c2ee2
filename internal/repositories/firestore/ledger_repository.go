package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hazelcart/fulfillment/internal/domain"
	pfirestore "github.com/hazelcart/fulfillment/internal/platform/firestore"
	"github.com/hazelcart/fulfillment/internal/repositories"
)

const (
	movementsCollection = "stockMovements"

	defaultMovementListLimit = 100
)

type movementDocument struct {
	ID             string    `firestore:"-"`
	ProductID      string    `firestore:"productId"`
	OrderID        string    `firestore:"orderId,omitempty"`
	Delta          int       `firestore:"delta"`
	Reason         string    `firestore:"reason"`
	IdempotencyKey string    `firestore:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

func encodeMovementDocument(movement domain.StockMovement) movementDocument {
	return movementDocument{
		ProductID:      movement.ProductID,
		OrderID:        movement.OrderID,
		Delta:          movement.Delta,
		Reason:         string(movement.Reason),
		IdempotencyKey: movement.IdempotencyKey,
		CreatedAt:      movement.CreatedAt,
	}
}

func decodeMovementDocument(doc movementDocument) domain.StockMovement {
	return domain.StockMovement{
		ID:             doc.ID,
		ProductID:      doc.ProductID,
		OrderID:        doc.OrderID,
		Delta:          doc.Delta,
		Reason:         domain.MovementReason(doc.Reason),
		IdempotencyKey: doc.IdempotencyKey,
		CreatedAt:      doc.CreatedAt,
	}
}

// LedgerRepository appends stock movements to the stockMovements collection.
// Movement IDs double as idempotency keys, so duplicates surface as conflicts.
type LedgerRepository struct {
	base *pfirestore.BaseRepository[domain.StockMovement]
}

// NewLedgerRepository constructs a Firestore-backed stock ledger repository.
func NewLedgerRepository(provider *pfirestore.Provider) (*LedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("ledger repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.StockMovement) (any, error) {
		return encodeMovementDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.StockMovement, error) {
		var doc movementDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.StockMovement{}, err
		}
		doc.ID = snap.Ref.ID
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = snap.CreateTime
		}
		return decodeMovementDocument(doc), nil
	}

	base := pfirestore.NewBaseRepository[domain.StockMovement](provider, movementsCollection, encoder, decoder)
	return &LedgerRepository{base: base}, nil
}

// InsertMovement appends a movement, failing with LedgerErrorMovementExists when
// the movement ID was already recorded.
func (r *LedgerRepository) InsertMovement(ctx context.Context, movement domain.StockMovement) error {
	if r == nil || r.base == nil {
		return errors.New("ledger repository not initialised")
	}
	movement.ID = strings.TrimSpace(movement.ID)
	if movement.ID == "" {
		return errors.New("ledger repository: movement id is required")
	}
	if strings.TrimSpace(movement.ProductID) == "" {
		return errors.New("ledger repository: product id is required")
	}

	if _, err := r.base.Create(ctx, movement.ID, movement); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return repositories.NewLedgerError(repositories.LedgerErrorMovementExists,
				fmt.Sprintf("movement %s already recorded", movement.ID), err)
		}
		return err
	}
	return nil
}

// FindMovement loads a movement by its identifier.
func (r *LedgerRepository) FindMovement(ctx context.Context, movementID string) (domain.StockMovement, error) {
	if r == nil || r.base == nil {
		return domain.StockMovement{}, errors.New("ledger repository not initialised")
	}
	movementID = strings.TrimSpace(movementID)
	if movementID == "" {
		return domain.StockMovement{}, errors.New("ledger repository: movement id is required")
	}
	doc, err := r.base.Get(ctx, movementID)
	if err != nil {
		return domain.StockMovement{}, err
	}
	return doc.Data, nil
}

// ListByProduct returns the movement history for a product, newest first.
func (r *LedgerRepository) ListByProduct(ctx context.Context, productID string, filter repositories.LedgerFilter) ([]domain.StockMovement, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, errors.New("ledger repository: product id is required")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultMovementListLimit
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("productId", "==", productID)
		if filter.Reason != "" {
			q = q.Where("reason", "==", string(filter.Reason))
		}
		return q.OrderBy("createdAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	movements := make([]domain.StockMovement, 0, len(docs))
	for _, doc := range docs {
		movements = append(movements, doc.Data)
	}
	return movements, nil
}

// ListByOrder returns every movement triggered by an order.
func (r *LedgerRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.StockMovement, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("ledger repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	movements := make([]domain.StockMovement, 0, len(docs))
	for _, doc := range docs {
		movements = append(movements, doc.Data)
	}
	return movements, nil
}
