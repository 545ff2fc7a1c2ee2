package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hazelcart/fulfillment/internal/domain"
	"github.com/hazelcart/fulfillment/internal/repositories"
)

const (
	eventOrderAdvanced = "order.advanced"
	eventOrderNoOp     = "order.advance_noop"

	orderNumberCounter = "orders"
	orderNumberPrefix  = "HZ"

	notificationOutcomeEnqueued = "enqueued"
	notificationOutcomeSkipped  = "skipped"
	notificationOutcomeFailed   = "enqueue_failed"
)

// ReconciliationServiceDeps bundles the collaborators required to construct the orchestrator.
type ReconciliationServiceDeps struct {
	Orders       repositories.OrderRepository
	Catalog      repositories.CatalogRepository
	Counters     repositories.CounterRepository
	Resolver     ProductResolver
	StateMachine OrderStateMachine
	Ledger       StockLedger
	Dispatcher   NotificationDispatcher
	Events       OrderEventPublisher
	UnitOfWork   repositories.UnitOfWork
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	orders     repositories.OrderRepository
	catalog    repositories.CatalogRepository
	counters   repositories.CounterRepository
	resolver   ProductResolver
	machine    OrderStateMachine
	ledger     StockLedger
	dispatcher NotificationDispatcher
	events     OrderEventPublisher
	unit       repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewReconciliationService wires dependencies into a ReconciliationService implementation.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("reconciliation service: catalog repository is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("reconciliation service: product resolver is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("reconciliation service: stock ledger is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("reconciliation service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconciliationService{
		orders:     deps.Orders,
		catalog:    deps.Catalog,
		counters:   deps.Counters,
		resolver:   deps.Resolver,
		machine:    deps.StateMachine,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		unit:       deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Advance validates and applies one status transition. Everything up to the
// status write happens inside a single unit of work; a failure on any line
// aborts the whole transition with no stock deducted. Firestore rejects reads
// issued after the first buffered write of a transaction, so the unit of work
// is strictly read phase then write phase: lookups and the deduction plan
// first, then the counter's read-modify-write at the boundary, then the
// movement, stock, and order writes. Webhook enqueue and event publication run
// strictly after commit and never fail the call.
func (s *reconciliationService) Advance(ctx context.Context, cmd AdvanceCommand) (AdvanceResult, error) {
	if err := validateAdvanceInput(cmd); err != nil {
		return AdvanceResult{}, err
	}

	var (
		result   AdvanceResult
		effects  SideEffectSet
		previous domain.OrderStatus
	)

	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapOrderError(err, cmd.OrderID)
		}
		previous = order.Status

		effects, err = s.machine.NextSideEffects(order.Status, cmd.RequestedStatus, order.FulfillmentMethod)
		if err != nil {
			return err
		}
		if effects.NoOp {
			result = AdvanceResult{Order: order, NoOp: true}
			return nil
		}

		now := s.clock()
		summary := StockProcessingSummary{}
		var plan DeductionPlan

		if effects.DeductStock {
			snapshot, err := s.catalogSnapshot(txCtx, now)
			if err != nil {
				return err
			}

			// Resolution is pure, so every line is resolved before the first
			// deduction is planned.
			for i := range order.Lines {
				resolution, err := s.resolver.Resolve(order.Lines[i], snapshot)
				if err != nil {
					return err
				}
				order.Lines[i].ResolvedProductID = resolution.ProductID
			}

			items := make([]DeductStockCommand, 0, len(order.Lines))
			for _, line := range order.Lines {
				items = append(items, DeductStockCommand{
					ProductID: line.ResolvedProductID,
					OrderID:   order.ID,
					Quantity:  line.Quantity,
				})
			}
			plan, err = s.ledger.PrepareDeductions(txCtx, items)
			if err != nil {
				return err
			}
			summary.ItemsProcessed = len(items)
			summary.ItemsSuccessful = len(items)
		}

		// Last read, first write of the transaction.
		if order.OrderNumber == "" {
			number, err := s.nextOrderNumber(txCtx, now)
			if err != nil {
				return err
			}
			order.OrderNumber = number
		}

		if effects.DeductStock {
			if err := s.ledger.CommitDeductions(txCtx, plan); err != nil {
				return err
			}
		}

		updated := s.machine.Apply(order, cmd.RequestedStatus, now)
		if cmd.RequestedStatus == domain.OrderStatusCancelled {
			updated.CancelReason = strings.TrimSpace(cmd.CancelReason)
		}
		if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
			updated.IdempotencyKey = key
		}

		if err := s.orders.Update(txCtx, updated); err != nil {
			return s.mapOrderError(err, cmd.OrderID)
		}

		result = AdvanceResult{Order: updated, StockProcessing: summary}
		return nil
	})
	if err != nil {
		return AdvanceResult{}, err
	}

	if result.NoOp {
		s.logger(ctx, eventOrderNoOp, map[string]any{
			"orderId": result.Order.ID,
			"status":  string(result.Order.Status),
		})
		return result, nil
	}

	result.Notification = s.notify(ctx, effects, previous, result.Order)
	s.publishEvent(ctx, previous, result.Order)

	s.logger(ctx, eventOrderAdvanced, map[string]any{
		"orderId":        result.Order.ID,
		"previousStatus": string(previous),
		"status":         string(result.Order.Status),
		"itemsDeducted":  result.StockProcessing.ItemsSuccessful,
	})
	return result, nil
}

func (s *reconciliationService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapOrderError(err, orderID)
	}
	return order, nil
}

func (s *reconciliationService) catalogSnapshot(ctx context.Context, now time.Time) (domain.CatalogSnapshot, error) {
	products, err := s.catalog.ListActive(ctx)
	if err != nil {
		return domain.CatalogSnapshot{}, fmt.Errorf("load catalog snapshot: %w", err)
	}
	return domain.CatalogSnapshot{Products: products, TakenAt: now}, nil
}

func (s *reconciliationService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	if s.counters == nil {
		return "", nil
	}
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", fmt.Errorf("issue order number: %w", err)
	}
	return fmt.Sprintf("%s-%d-%06d", orderNumberPrefix, now.Year(), seq), nil
}

// notify enqueues the webhook for the committed transition. Enqueue failures
// are logged and reflected in the summary, never returned to the caller.
func (s *reconciliationService) notify(ctx context.Context, effects SideEffectSet, previous domain.OrderStatus, order domain.Order) NotificationSummary {
	if !effects.EmitWebhook || s.dispatcher == nil {
		return NotificationSummary{Outcome: notificationOutcomeSkipped}
	}

	attemptID, err := s.dispatcher.Enqueue(ctx, effects.WebhookKind, buildWebhookPayload(previous, order))
	if err != nil {
		s.logger(ctx, eventWebhookEnqueued, map[string]any{
			"orderId": order.ID,
			"kind":    effects.WebhookKind,
			"error":   err.Error(),
		})
		return NotificationSummary{Outcome: notificationOutcomeFailed}
	}
	return NotificationSummary{Enqueued: true, AttemptID: attemptID, Outcome: notificationOutcomeEnqueued}
}

func (s *reconciliationService) publishEvent(ctx context.Context, previous domain.OrderStatus, order domain.Order) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishOrderEvent(ctx, OrderEventMessage{
		EventID:           "evt_" + s.newID(),
		Type:              webhookEventStatusChanged,
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		PreviousStatus:    string(previous),
		CurrentStatus:     string(order.Status),
		FulfillmentMethod: string(order.FulfillmentMethod),
		OccurredAt:        order.UpdatedAt,
		IdempotencyKey:    order.IdempotencyKey,
	})
	if err != nil {
		s.logger(ctx, eventOrderAdvanced, map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *reconciliationService) mapOrderError(err error, orderID string) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: order %s", ErrConflict, orderID)
		}
	}
	return err
}

func buildWebhookPayload(previous domain.OrderStatus, order domain.Order) WebhookPayload {
	items := make([]WebhookItem, 0, len(order.Lines))
	for _, line := range order.Lines {
		items = append(items, WebhookItem{
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		})
	}

	return WebhookPayload{
		Event:             webhookEventStatusChanged,
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		PreviousStatus:    string(previous),
		NewStatus:         string(order.Status),
		FulfillmentMethod: string(order.FulfillmentMethod),
		Customer: WebhookCustomer{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Items: items,
		Totals: WebhookTotals{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Timestamp: order.UpdatedAt,
	}
}

func validateAdvanceInput(cmd AdvanceCommand) error {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(string(cmd.RequestedStatus)) == "" {
		return fmt.Errorf("%w: requested status is required", ErrInvalidInput)
	}
	return nil
}
