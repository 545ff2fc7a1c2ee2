package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hazelcart/fulfillment/internal/platform/firestore"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository issues sequence numbers backed by Firestore transactions.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil, nil)
	return &CounterRepository{
		provider: provider,
		counters: base,
	}, nil
}

// Next atomically increments the counter identified by counterID and returns the new value.
// When invoked inside an active transaction the increment joins that transaction.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, errors.New("counter repository: counter id is required")
	}
	if step <= 0 {
		step = 1
	}

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		return r.nextInTx(ctx, tx, id, step)
	}

	var nextValue int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		value, err := r.nextInTx(ctx, tx, id, step)
		if err != nil {
			return err
		}
		nextValue = value
		return nil
	})
	if err != nil {
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return nextValue, nil
}

func (r *CounterRepository) nextInTx(ctx context.Context, tx *firestore.Transaction, id string, step int64) (int64, error) {
	ref, err := r.counters.DocumentRef(ctx, id)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()

	snapshot, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		doc := counterDocument{CurrentValue: step, UpdatedAt: now}
		if err := tx.Create(ref, doc); err != nil {
			return 0, err
		}
		return doc.CurrentValue, nil
	}
	if err != nil {
		return 0, err
	}

	var doc counterDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return 0, fmt.Errorf("firestore counters decode %s: %w", id, err)
	}

	doc.CurrentValue += step
	doc.UpdatedAt = now
	if err := tx.Set(ref, doc); err != nil {
		return 0, err
	}
	return doc.CurrentValue, nil
}
