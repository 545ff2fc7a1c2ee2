package domain

import "time"

// OrderStatus enumerates the lifecycle states an order moves through.
type OrderStatus string

const (
	// OrderStatusUnpaid is the initial state after checkout.
	OrderStatusUnpaid OrderStatus = "unpaid"
	// OrderStatusPaid indicates payment has been confirmed and stock deducted.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusPacked indicates the order has been physically assembled.
	OrderStatusPacked OrderStatus = "packed"
	// OrderStatusOutForDelivery indicates a delivery order has left the warehouse.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered is terminal for the delivery branch.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCollected is terminal for the collection branch.
	OrderStatusCollected OrderStatus = "collected"
	// OrderStatusCancelled is terminal and reachable from any non-terminal state.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition is legal from the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCollected, OrderStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the value is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusUnpaid, OrderStatusPaid, OrderStatusPacked,
		OrderStatusOutForDelivery, OrderStatusDelivered,
		OrderStatusCollected, OrderStatusCancelled:
		return true
	}
	return false
}

// FulfillmentMethod selects the branch an order takes after packing.
type FulfillmentMethod string

const (
	// FulfillmentCollection means the customer picks the order up.
	FulfillmentCollection FulfillmentMethod = "collection"
	// FulfillmentDelivery means the order is couriered.
	FulfillmentDelivery FulfillmentMethod = "delivery"
)

// Customer captures the contact details included in webhook payloads.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// OrderTotals holds monetary aggregates in integer minor currency units.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Discount int64
	Total    int64
}

// Order is the aggregate owned by the reconciliation orchestrator. It is
// mutated only through validated status transitions.
type Order struct {
	ID                string
	OrderNumber       string
	Status            OrderStatus
	FulfillmentMethod FulfillmentMethod
	Customer          Customer
	Totals            OrderTotals
	Lines             []OrderLine
	IdempotencyKey    string

	PaidAt       *time.Time
	PackedAt     *time.Time
	DispatchedAt *time.Time
	DeliveredAt  *time.Time
	CollectedAt  *time.Time
	CancelledAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderLine belongs to exactly one order. ProductID is the reference recorded
// at checkout time and may be empty or stale; Name is the free text captured
// alongside it. ResolvedProductID is assigned once by the product resolver.
type OrderLine struct {
	ID                string
	ProductID         string
	Name              string
	Quantity          int
	UnitPrice         int64
	LineTotal         int64
	ResolvedProductID string
}

// Product is a catalog entry whose stock level is mutated only by the ledger.
// StockOnHand never drops below zero.
type Product struct {
	ID           string
	Name         string
	SKU          string
	StockOnHand  int
	InitialStock int
	Active       bool
	UpdatedAt    time.Time
}

// CatalogSnapshot is the immutable set of active products the resolver
// evaluates against. Products are ordered by ID so resolution is
// deterministic.
type CatalogSnapshot struct {
	Products []Product
	TakenAt  time.Time
}

// MovementReason classifies ledger entries.
type MovementReason string

const (
	// MovementReasonSale is an order-driven deduction.
	MovementReasonSale MovementReason = "sale"
	// MovementReasonRestock is an inbound stock increase.
	MovementReasonRestock MovementReason = "restock"
	// MovementReasonManualAdjustment is an operator-driven change.
	MovementReasonManualAdjustment MovementReason = "manual_adjustment"
	// MovementReasonCorrection compensates an earlier movement.
	MovementReasonCorrection MovementReason = "correction"
)

// Valid reports whether the value is a known movement reason.
func (r MovementReason) Valid() bool {
	switch r {
	case MovementReasonSale, MovementReasonRestock,
		MovementReasonManualAdjustment, MovementReasonCorrection:
		return true
	}
	return false
}

// StockMovement is one append-only ledger row. Movements are never updated or
// deleted; a mistake is compensated by a new movement with an opposite delta.
type StockMovement struct {
	ID             string
	ProductID      string
	OrderID        string
	Delta          int
	Reason         MovementReason
	IdempotencyKey string
	CreatedAt      time.Time
}

// NotificationOutcome tracks the delivery lifecycle of a webhook event.
type NotificationOutcome string

const (
	// NotificationPending means the attempt is queued or awaiting retry.
	NotificationPending NotificationOutcome = "pending"
	// NotificationSucceeded means the endpoint acknowledged the delivery.
	NotificationSucceeded NotificationOutcome = "succeeded"
	// NotificationFailed means the last attempt failed but retries remain.
	NotificationFailed NotificationOutcome = "failed"
	// NotificationFailedTerminal means all attempts are exhausted.
	NotificationFailedTerminal NotificationOutcome = "failed_terminal"
)

// NotificationAttempt records one webhook event and its delivery state.
type NotificationAttempt struct {
	ID           string
	Kind         string
	OrderID      string
	Payload      []byte
	AttemptCount int
	MaxAttempts  int
	Outcome      NotificationOutcome
	LastError    string
	NextRetryAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
