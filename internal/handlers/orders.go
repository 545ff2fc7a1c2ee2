package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazelcart/fulfillment/internal/domain"
	"github.com/hazelcart/fulfillment/internal/platform/httpx"
	"github.com/hazelcart/fulfillment/internal/services"
)

const maxAdvanceBodySize = 16 * 1024

type advanceOrderRequest struct {
	RequestedStatus string `json:"requested_status"`
	IdempotencyKey  string `json:"idempotency_key"`
	CancelReason    string `json:"cancel_reason"`
}

// OrderHandlers exposes the order transition and read endpoints.
type OrderHandlers struct {
	reconciliation services.ReconciliationService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(reconciliation services.ReconciliationService) *OrderHandlers {
	return &OrderHandlers{reconciliation: reconciliation}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:advance", h.advanceOrder)
}

func (h *OrderHandlers) advanceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdvanceBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req advanceOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.RequestedStatus) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "requested_status is required", http.StatusBadRequest))
		return
	}

	result, err := h.reconciliation.Advance(ctx, services.AdvanceCommand{
		OrderID:         orderID,
		RequestedStatus: domain.OrderStatus(strings.TrimSpace(req.RequestedStatus)),
		IdempotencyKey:  strings.TrimSpace(req.IdempotencyKey),
		CancelReason:    strings.TrimSpace(req.CancelReason),
	})
	if err != nil {
		writeAdvanceError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildAdvanceResponse(result))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.reconciliation.GetOrder(ctx, orderID)
	if err != nil {
		writeAdvanceError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type advanceResponse struct {
	OrderID         string                 `json:"order_id"`
	OrderNumber     string                 `json:"order_number,omitempty"`
	Status          string                 `json:"status"`
	NoOp            bool                   `json:"no_op,omitempty"`
	StockProcessing stockProcessingPayload `json:"stock_processing"`
	Notification    notificationPayload    `json:"notification"`
}

type stockProcessingPayload struct {
	ItemsProcessed  int      `json:"items_processed"`
	ItemsSuccessful int      `json:"items_successful"`
	ItemsFailed     int      `json:"items_failed"`
	Errors          []string `json:"errors"`
}

type notificationPayload struct {
	Enqueued  bool   `json:"enqueued"`
	AttemptID string `json:"attempt_id,omitempty"`
	Outcome   string `json:"outcome"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string             `json:"id"`
	OrderNumber       string             `json:"order_number,omitempty"`
	Status            string             `json:"status"`
	FulfillmentMethod string             `json:"fulfillment_method"`
	Customer          customerPayload    `json:"customer"`
	Totals            orderTotalsPayload `json:"totals"`
	Lines             []orderLinePayload `json:"lines"`
	CancelReason      string             `json:"cancel_reason,omitempty"`
	PaidAt            string             `json:"paid_at,omitempty"`
	PackedAt          string             `json:"packed_at,omitempty"`
	DispatchedAt      string             `json:"dispatched_at,omitempty"`
	DeliveredAt       string             `json:"delivered_at,omitempty"`
	CollectedAt       string             `json:"collected_at,omitempty"`
	CancelledAt       string             `json:"cancelled_at,omitempty"`
	CreatedAt         string             `json:"created_at"`
	UpdatedAt         string             `json:"updated_at"`
}

type customerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

type orderLinePayload struct {
	ID                string `json:"id"`
	ProductID         string `json:"product_id,omitempty"`
	ResolvedProductID string `json:"resolved_product_id,omitempty"`
	Name              string `json:"name"`
	Quantity          int    `json:"quantity"`
	UnitPrice         int64  `json:"unit_price"`
	LineTotal         int64  `json:"line_total"`
}

func buildAdvanceResponse(result services.AdvanceResult) advanceResponse {
	errs := result.StockProcessing.Errors
	if errs == nil {
		errs = []string{}
	}
	return advanceResponse{
		OrderID:     result.Order.ID,
		OrderNumber: result.Order.OrderNumber,
		Status:      string(result.Order.Status),
		NoOp:        result.NoOp,
		StockProcessing: stockProcessingPayload{
			ItemsProcessed:  result.StockProcessing.ItemsProcessed,
			ItemsSuccessful: result.StockProcessing.ItemsSuccessful,
			ItemsFailed:     result.StockProcessing.ItemsFailed,
			Errors:          errs,
		},
		Notification: notificationPayload{
			Enqueued:  result.Notification.Enqueued,
			AttemptID: result.Notification.AttemptID,
			Outcome:   result.Notification.Outcome,
		},
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	lines := make([]orderLinePayload, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLinePayload{
			ID:                line.ID,
			ProductID:         line.ProductID,
			ResolvedProductID: line.ResolvedProductID,
			Name:              line.Name,
			Quantity:          line.Quantity,
			UnitPrice:         line.UnitPrice,
			LineTotal:         line.LineTotal,
		})
	}

	created := order.CreatedAt
	updated := order.UpdatedAt
	return orderPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		Status:            string(order.Status),
		FulfillmentMethod: string(order.FulfillmentMethod),
		Customer: customerPayload{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Lines:        lines,
		CancelReason: order.CancelReason,
		PaidAt:       formatTimestamp(order.PaidAt),
		PackedAt:     formatTimestamp(order.PackedAt),
		DispatchedAt: formatTimestamp(order.DispatchedAt),
		DeliveredAt:  formatTimestamp(order.DeliveredAt),
		CollectedAt:  formatTimestamp(order.CollectedAt),
		CancelledAt:  formatTimestamp(order.CancelledAt),
		CreatedAt:    formatTimestamp(&created),
		UpdatedAt:    formatTimestamp(&updated),
	}
}

func writeAdvanceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var (
		transitionErr *services.InvalidTransitionError
		stockErr      *services.InsufficientStockError
		ambiguousErr  *services.ProductAmbiguousError
		notFoundErr   *services.ProductNotFoundError
	)

	switch {
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.As(err, &transitionErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict).
			WithDetails(map[string]any{
				"from": string(transitionErr.From),
				"to":   string(transitionErr.To),
			}))
	case errors.As(err, &stockErr):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict).
			WithDetails(map[string]any{
				"product_id": stockErr.ProductID,
				"requested":  stockErr.Requested,
				"available":  stockErr.Available,
			}))
	case errors.As(err, &ambiguousErr):
		httpx.WriteError(ctx, w, httpx.NewError("product_ambiguous", err.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{
				"line_id":    ambiguousErr.LineID,
				"candidates": ambiguousErr.Candidates,
			}))
	case errors.As(err, &notFoundErr):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{
				"line_id": notFoundErr.LineID,
			}))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
