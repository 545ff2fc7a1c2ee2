package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hazelcart/fulfillment/internal/platform/firestore"
	"github.com/hazelcart/fulfillment/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repositories.Registry interface.
type Registry struct {
	provider      *pfirestore.Provider
	orders        *OrderRepository
	catalog       *CatalogRepository
	ledger        *LedgerRepository
	notifications *NotificationRepository
	counters      *CounterRepository
}

// NewRegistry wires every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedgerRepository(provider)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      provider,
		orders:        orders,
		catalog:       catalog,
		ledger:        ledger,
		notifications: notifications,
		counters:      counters,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Catalog returns the product catalog repository.
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }

// Ledger returns the stock movement repository.
func (r *Registry) Ledger() repositories.LedgerRepository { return r.ledger }

// Notifications returns the notification attempt repository.
func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// RunInTx executes fn inside a Firestore transaction. Repository calls made
// with the derived context read and write through that transaction, so either
// every mutation in fn commits or none do. Nested calls reuse the enclosing
// transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry: firestore provider is required")
	}
	if _, ok := pfirestore.TransactionFrom(ctx); ok {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	})
}
