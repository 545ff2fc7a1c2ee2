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

const (
	attemptsCollection = "notificationAttempts"

	defaultDueListLimit = 50
)

type attemptDocument struct {
	ID           string    `firestore:"-"`
	Kind         string    `firestore:"kind"`
	OrderID      string    `firestore:"orderId"`
	Payload      []byte    `firestore:"payload"`
	AttemptCount int       `firestore:"attemptCount"`
	MaxAttempts  int       `firestore:"maxAttempts"`
	Outcome      string    `firestore:"outcome"`
	LastError    string    `firestore:"lastError,omitempty"`
	NextRetryAt  time.Time `firestore:"nextRetryAt"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func encodeAttemptDocument(attempt domain.NotificationAttempt) attemptDocument {
	return attemptDocument{
		Kind:         attempt.Kind,
		OrderID:      attempt.OrderID,
		Payload:      attempt.Payload,
		AttemptCount: attempt.AttemptCount,
		MaxAttempts:  attempt.MaxAttempts,
		Outcome:      string(attempt.Outcome),
		LastError:    attempt.LastError,
		NextRetryAt:  attempt.NextRetryAt,
		CreatedAt:    attempt.CreatedAt,
		UpdatedAt:    attempt.UpdatedAt,
	}
}

func decodeAttemptDocument(doc attemptDocument) domain.NotificationAttempt {
	return domain.NotificationAttempt{
		ID:           doc.ID,
		Kind:         doc.Kind,
		OrderID:      doc.OrderID,
		Payload:      doc.Payload,
		AttemptCount: doc.AttemptCount,
		MaxAttempts:  doc.MaxAttempts,
		Outcome:      domain.NotificationOutcome(doc.Outcome),
		LastError:    doc.LastError,
		NextRetryAt:  doc.NextRetryAt,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// NotificationRepository persists webhook delivery attempts.
type NotificationRepository struct {
	base *pfirestore.BaseRepository[domain.NotificationAttempt]
}

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.NotificationAttempt) (any, error) {
		return encodeAttemptDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.NotificationAttempt, error) {
		var doc attemptDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.NotificationAttempt{}, err
		}
		doc.ID = snap.Ref.ID
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = snap.CreateTime
		}
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = snap.UpdateTime
		}
		return decodeAttemptDocument(doc), nil
	}

	base := pfirestore.NewBaseRepository[domain.NotificationAttempt](provider, attemptsCollection, encoder, decoder)
	return &NotificationRepository{base: base}, nil
}

// Insert stores a new delivery attempt record.
func (r *NotificationRepository) Insert(ctx context.Context, attempt domain.NotificationAttempt) error {
	if r == nil || r.base == nil {
		return errors.New("notification repository not initialised")
	}
	attempt.ID = strings.TrimSpace(attempt.ID)
	if attempt.ID == "" {
		return errors.New("notification repository: attempt id is required")
	}
	_, err := r.base.Create(ctx, attempt.ID, attempt)
	return err
}

// Update replaces the attempt record state.
func (r *NotificationRepository) Update(ctx context.Context, attempt domain.NotificationAttempt) error {
	if r == nil || r.base == nil {
		return errors.New("notification repository not initialised")
	}
	attempt.ID = strings.TrimSpace(attempt.ID)
	if attempt.ID == "" {
		return errors.New("notification repository: attempt id is required")
	}
	_, err := r.base.Set(ctx, attempt.ID, attempt)
	return err
}

// FindByID loads an attempt by its identifier.
func (r *NotificationRepository) FindByID(ctx context.Context, attemptID string) (domain.NotificationAttempt, error) {
	if r == nil || r.base == nil {
		return domain.NotificationAttempt{}, errors.New("notification repository not initialised")
	}
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return domain.NotificationAttempt{}, errors.New("notification repository: attempt id is required")
	}
	doc, err := r.base.Get(ctx, attemptID)
	if err != nil {
		return domain.NotificationAttempt{}, err
	}
	return doc.Data, nil
}

// ListDue returns deliverable attempts whose retry time has elapsed, oldest
// first. Both freshly enqueued and previously failed attempts qualify;
// terminal outcomes never reappear.
func (r *NotificationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.NotificationAttempt, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("notification repository not initialised")
	}
	if limit <= 0 {
		limit = defaultDueListLimit
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("outcome", "in", []string{
			string(domain.NotificationPending),
			string(domain.NotificationFailed),
		}).
			Where("nextRetryAt", "<=", now.UTC()).
			OrderBy("nextRetryAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.NotificationAttempt, 0, len(docs))
	for _, doc := range docs {
		attempts = append(attempts, doc.Data)
	}
	return attempts, nil
}
