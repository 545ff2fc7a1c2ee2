package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazelcart/fulfillment/internal/domain"
	"github.com/hazelcart/fulfillment/internal/platform/httpx"
	"github.com/hazelcart/fulfillment/internal/services"
)

const maxAdjustmentBodySize = 4 * 1024

type adjustStockRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// ProductHandlers exposes the stock ledger endpoints.
type ProductHandlers struct {
	ledger services.StockLedger
}

// NewProductHandlers constructs a new ProductHandlers instance.
func NewProductHandlers(ledger services.StockLedger) *ProductHandlers {
	return &ProductHandlers{ledger: ledger}
}

// Routes registers the /products endpoints.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{productID}/movements", h.listMovements)
	r.Post("/{productID}/adjustments", h.adjustStock)
}

func (h *ProductHandlers) listMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	query := services.MovementQuery{
		Reason: domain.MovementReason(strings.TrimSpace(r.URL.Query().Get("reason"))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		query.Limit = limit
	}

	movements, err := h.ledger.ListMovements(ctx, productID, query)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	payload := make([]movementPayload, 0, len(movements))
	for _, movement := range movements {
		payload = append(payload, buildMovementPayload(movement))
	}
	httpx.WriteJSON(w, http.StatusOK, movementListResponse{Movements: payload})
}

func (h *ProductHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdjustmentBodySize)
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

	var req adjustStockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	adjustment, err := h.ledger.Adjust(ctx, services.AdjustStockCommand{
		ProductID: productID,
		Delta:     req.Delta,
		Reason:    domain.MovementReason(strings.TrimSpace(req.Reason)),
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, adjustmentResponse{
		Movement:    buildMovementPayload(adjustment.Movement),
		StockOnHand: adjustment.StockOnHand,
	})
}

type movementListResponse struct {
	Movements []movementPayload `json:"movements"`
}

type adjustmentResponse struct {
	Movement    movementPayload `json:"movement"`
	StockOnHand int             `json:"stock_on_hand"`
}

type movementPayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	OrderID   string `json:"order_id,omitempty"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

func buildMovementPayload(movement domain.StockMovement) movementPayload {
	created := movement.CreatedAt
	return movementPayload{
		ID:        movement.ID,
		ProductID: movement.ProductID,
		OrderID:   movement.OrderID,
		Delta:     movement.Delta,
		Reason:    string(movement.Reason),
		CreatedAt: formatTimestamp(&created),
	}
}

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var stockErr *services.InsufficientStockError
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.As(err, &stockErr):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict).
			WithDetails(map[string]any{
				"product_id": stockErr.ProductID,
				"requested":  stockErr.Requested,
				"available":  stockErr.Available,
			}))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
