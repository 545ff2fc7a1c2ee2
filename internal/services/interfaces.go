package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazelcart/fulfillment/internal/domain"
)

var (
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("fulfillment: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("fulfillment: order not found")
	// ErrInvalidTransition indicates an illegal status transition was requested.
	ErrInvalidTransition = errors.New("fulfillment: invalid status transition")
	// ErrInsufficientStock indicates a deduction would drive stock below zero.
	ErrInsufficientStock = errors.New("fulfillment: insufficient stock")
	// ErrProductAmbiguous indicates a line matched more than one catalog product.
	ErrProductAmbiguous = errors.New("fulfillment: product resolution ambiguous")
	// ErrProductNotFound indicates a line matched no catalog product.
	ErrProductNotFound = errors.New("fulfillment: product not found")
	// ErrConflict indicates optimistic concurrency conflicts or duplicates.
	ErrConflict = errors.New("fulfillment: conflict")
)

// InvalidTransitionError carries the rejected transition endpoints.
type InvalidTransitionError struct {
	From domain.OrderStatus
	To   domain.OrderStatus
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("fulfillment: invalid status transition %s -> %s", e.From, e.To)
}

// Unwrap ties the error to ErrInvalidTransition for errors.Is checks.
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientStockError reports how far a deduction exceeded availability.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("fulfillment: insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// Unwrap ties the error to ErrInsufficientStock for errors.Is checks.
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ProductAmbiguousError lists the catalog candidates an order line matched.
type ProductAmbiguousError struct {
	LineID     string
	Query      string
	Candidates []string
}

// Error implements the error interface.
func (e *ProductAmbiguousError) Error() string {
	return fmt.Sprintf("fulfillment: line %s resolves ambiguously to [%s]", e.LineID, strings.Join(e.Candidates, ", "))
}

// Unwrap ties the error to ErrProductAmbiguous for errors.Is checks.
func (e *ProductAmbiguousError) Unwrap() error { return ErrProductAmbiguous }

// ProductNotFoundError reports a line that matched no catalog product.
type ProductNotFoundError struct {
	LineID string
	Query  string
}

// Error implements the error interface.
func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("fulfillment: line %s matched no catalog product (query %q)", e.LineID, e.Query)
}

// Unwrap ties the error to ErrProductNotFound for errors.Is checks.
func (e *ProductNotFoundError) Unwrap() error { return ErrProductNotFound }

// ResolutionMethod names the rule that matched an order line to a product.
type ResolutionMethod string

const (
	// ResolutionByID means the line's product ID matched an active product.
	ResolutionByID ResolutionMethod = "id"
	// ResolutionByName means the line's captured name matched a display name exactly.
	ResolutionByName ResolutionMethod = "name"
	// ResolutionByContainment means a unique substring containment match was found.
	ResolutionByContainment ResolutionMethod = "containment"
)

// Resolution is the outcome of matching one order line against the catalog.
type Resolution struct {
	ProductID  string
	Method     ResolutionMethod
	Confidence float64
}

// ProductResolver deterministically maps order lines onto catalog products.
type ProductResolver interface {
	Resolve(line domain.OrderLine, catalog domain.CatalogSnapshot) (Resolution, error)
}

// DeductStockCommand requests an idempotent sale deduction for one order line.
type DeductStockCommand struct {
	ProductID string
	OrderID   string
	Quantity  int
}

// Deduction reports the movement written (or replayed) and the resulting level.
type Deduction struct {
	Movement    domain.StockMovement
	StockOnHand int
	Replayed    bool
}

// StockLevelUpdate is the stock level one product ends up at once a plan commits.
type StockLevelUpdate struct {
	ProductID   string
	StockOnHand int
}

// DeductionPlan is the read-phase outcome of a batch of sale deductions: the
// per-item results plus the movement inserts and level writes that commit
// them. Preparing only reads and committing only writes, so a batch stays
// legal inside a Firestore transaction, which rejects reads issued after the
// first buffered write.
type DeductionPlan struct {
	Items   []Deduction
	Inserts []domain.StockMovement
	Updates []StockLevelUpdate
}

// AdjustStockCommand appends a manual movement (restock, correction, adjustment).
type AdjustStockCommand struct {
	ProductID string
	Delta     int
	Reason    domain.MovementReason
}

// Adjustment reports the appended movement and the resulting level.
type Adjustment struct {
	Movement    domain.StockMovement
	StockOnHand int
}

// MovementQuery narrows movement listings for operational tooling.
type MovementQuery struct {
	Reason domain.MovementReason
	Limit  int
}

// StockLedger owns the append-only movement log and the non-negative stock invariant.
type StockLedger interface {
	Deduct(ctx context.Context, cmd DeductStockCommand) (Deduction, error)
	PrepareDeductions(ctx context.Context, items []DeductStockCommand) (DeductionPlan, error)
	CommitDeductions(ctx context.Context, plan DeductionPlan) error
	Adjust(ctx context.Context, cmd AdjustStockCommand) (Adjustment, error)
	ListMovements(ctx context.Context, productID string, query MovementQuery) ([]domain.StockMovement, error)
}

// WebhookPayload is the JSON body delivered to the fulfilment webhook endpoint.
type WebhookPayload struct {
	Event             string          `json:"event"`
	OrderID           string          `json:"order_id"`
	OrderNumber       string          `json:"order_number"`
	PreviousStatus    string          `json:"previous_status"`
	NewStatus         string          `json:"new_status"`
	FulfillmentMethod string          `json:"fulfillment_method"`
	Customer          WebhookCustomer `json:"customer"`
	Items             []WebhookItem   `json:"items"`
	Totals            WebhookTotals   `json:"totals"`
	Timestamp         time.Time       `json:"timestamp"`
}

// WebhookCustomer mirrors the order's customer block.
type WebhookCustomer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// WebhookItem mirrors one order line.
type WebhookItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

// WebhookTotals mirrors the order's monetary totals in integer minor units.
type WebhookTotals struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

// NotificationDispatcher delivers webhooks at-least-once with bounded retries.
// Delivery failures are recorded and alerted, never surfaced to the transition
// that enqueued them.
type NotificationDispatcher interface {
	Enqueue(ctx context.Context, kind string, payload WebhookPayload) (string, error)
	Run(ctx context.Context) error
}

// AdvanceCommand requests a validated order status transition.
type AdvanceCommand struct {
	OrderID         string
	RequestedStatus domain.OrderStatus
	IdempotencyKey  string
	CancelReason    string
}

// StockProcessingSummary reports per-line deduction outcomes for an Advance call.
type StockProcessingSummary struct {
	ItemsProcessed  int
	ItemsSuccessful int
	ItemsFailed     int
	Errors          []string
}

// NotificationSummary reports the post-commit webhook enqueue outcome.
type NotificationSummary struct {
	Enqueued  bool
	AttemptID string
	Outcome   string
}

// AdvanceResult is the orchestrator's answer to an Advance call.
type AdvanceResult struct {
	Order           domain.Order
	NoOp            bool
	StockProcessing StockProcessingSummary
	Notification    NotificationSummary
}

// ReconciliationService sequences transition validation, resolution, deduction,
// and persistence inside one unit of work, with notification strictly after commit.
type ReconciliationService interface {
	Advance(ctx context.Context, cmd AdvanceCommand) (AdvanceResult, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// OrderEventMessage is published to the order event topic after each committed transition.
type OrderEventMessage struct {
	EventID           string    `json:"event_id"`
	Type              string    `json:"type"`
	OrderID           string    `json:"order_id"`
	OrderNumber       string    `json:"order_number"`
	PreviousStatus    string    `json:"previous_status"`
	CurrentStatus     string    `json:"current_status"`
	FulfillmentMethod string    `json:"fulfillment_method"`
	OccurredAt        time.Time `json:"occurred_at"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEventMessage) (string, error)
}

// AlertMessage is published to the operational alert topic.
type AlertMessage struct {
	AlertID    string    `json:"alert_id"`
	Kind       string    `json:"kind"`
	OrderID    string    `json:"order_id,omitempty"`
	AttemptID  string    `json:"attempt_id,omitempty"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AlertPublisher surfaces terminal failures to the operational alerting channel.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert AlertMessage) (string, error)
}
