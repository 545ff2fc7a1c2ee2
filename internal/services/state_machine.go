package services

import (
	"fmt"
	"time"

	"github.com/hazelcart/fulfillment/internal/domain"
)

const (
	webhookEventStatusChanged = "order_status_changed"

	webhookKindPacked         = "order.packed"
	webhookKindOutForDelivery = "order.out_for_delivery"
	webhookKindDelivered      = "order.delivered"
	webhookKindCollected      = "order.collected"
	webhookKindCancelled      = "order.cancelled"
)

var fulfillmentTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusUnpaid: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:   {domain.OrderStatusPacked, domain.OrderStatusCancelled},
	domain.OrderStatusPacked: {
		domain.OrderStatusOutForDelivery,
		domain.OrderStatusCollected,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

var webhookKinds = map[domain.OrderStatus]string{
	domain.OrderStatusPacked:         webhookKindPacked,
	domain.OrderStatusOutForDelivery: webhookKindOutForDelivery,
	domain.OrderStatusDelivered:      webhookKindDelivered,
	domain.OrderStatusCollected:      webhookKindCollected,
	domain.OrderStatusCancelled:      webhookKindCancelled,
}

// SideEffectSet describes what the orchestrator must perform for a transition.
// The set is advisory: the state machine decides, the orchestrator executes.
type SideEffectSet struct {
	NoOp        bool
	DeductStock bool
	EmitWebhook bool
	WebhookKind string
}

// OrderStateMachine validates status transitions and derives their side effects.
// All methods are pure functions of their arguments.
type OrderStateMachine struct{}

// NewOrderStateMachine constructs the state machine.
func NewOrderStateMachine() OrderStateMachine {
	return OrderStateMachine{}
}

// NextSideEffects reports whether current -> requested is legal for the given
// fulfilment method and which effects it implies. Requesting the current
// status is accepted as an idempotent no-op with an empty effect set.
func (OrderStateMachine) NextSideEffects(current, requested domain.OrderStatus, method domain.FulfillmentMethod) (SideEffectSet, error) {
	if !requested.Valid() {
		return SideEffectSet{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, requested)
	}

	if requested == current {
		return SideEffectSet{NoOp: true}, nil
	}

	if !transitionAllowed(current, requested, method) {
		return SideEffectSet{}, &InvalidTransitionError{From: current, To: requested}
	}

	effects := SideEffectSet{}
	if requested == domain.OrderStatusPaid {
		effects.DeductStock = true
	}
	if kind, ok := webhookKinds[requested]; ok {
		effects.EmitWebhook = true
		effects.WebhookKind = kind
	}
	return effects, nil
}

// Apply stamps the transition onto a copy of the order: status, the
// per-status timestamp, and UpdatedAt. It assumes the transition was already
// validated by NextSideEffects.
func (OrderStateMachine) Apply(order domain.Order, requested domain.OrderStatus, now time.Time) domain.Order {
	now = now.UTC()
	order.Status = requested
	order.UpdatedAt = now

	switch requested {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusPacked:
		order.PackedAt = &now
	case domain.OrderStatusOutForDelivery:
		order.DispatchedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCollected:
		order.CollectedAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	}
	return order
}

func transitionAllowed(current, requested domain.OrderStatus, method domain.FulfillmentMethod) bool {
	next, ok := fulfillmentTransitions[current]
	if !ok {
		// Terminal states allow nothing.
		return false
	}

	for _, candidate := range next {
		if candidate != requested {
			continue
		}
		// The packed branch is constrained by the fulfilment method: collection
		// orders cannot enter the delivery leg and vice versa.
		if current == domain.OrderStatusPacked {
			switch requested {
			case domain.OrderStatusOutForDelivery:
				return method == domain.FulfillmentDelivery
			case domain.OrderStatusCollected:
				return method == domain.FulfillmentCollection
			}
		}
		return true
	}
	return false
}
