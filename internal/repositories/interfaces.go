package repositories

import (
	"context"
	"time"

	"github.com/hazelcart/fulfillment/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Catalog() CatalogRepository
	Ledger() LedgerRepository
	Notifications() NotificationRepository
	Counters() CounterRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and fulfilment timestamps.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
}

// CatalogRepository manages product documents including stock on hand.
type CatalogRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	ListActive(ctx context.Context) ([]domain.Product, error)
	UpdateStock(ctx context.Context, productID string, stockOnHand int, updatedAt time.Time) error
}

// LedgerFilter narrows movement queries.
type LedgerFilter struct {
	Reason domain.MovementReason
	Limit  int
}

// LedgerRepository owns the append-only stock movement log. Inserting a
// movement whose ID already exists must fail with a conflict so deduction
// replays can be detected.
type LedgerRepository interface {
	InsertMovement(ctx context.Context, movement domain.StockMovement) error
	FindMovement(ctx context.Context, movementID string) (domain.StockMovement, error)
	ListByProduct(ctx context.Context, productID string, filter LedgerFilter) ([]domain.StockMovement, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.StockMovement, error)
}

// NotificationRepository persists webhook delivery attempts and their retry schedule.
type NotificationRepository interface {
	Insert(ctx context.Context, attempt domain.NotificationAttempt) error
	Update(ctx context.Context, attempt domain.NotificationAttempt) error
	FindByID(ctx context.Context, attemptID string) (domain.NotificationAttempt, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.NotificationAttempt, error)
}

// CounterRepository issues monotonically increasing sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}
