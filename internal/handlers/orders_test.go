package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazelcart/fulfillment/internal/domain"
	"github.com/hazelcart/fulfillment/internal/services"
)

type stubReconciliationService struct {
	advanceFn func(context.Context, services.AdvanceCommand) (services.AdvanceResult, error)
	getFn     func(context.Context, string) (domain.Order, error)
}

func (s *stubReconciliationService) Advance(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
	if s.advanceFn != nil {
		return s.advanceFn(ctx, cmd)
	}
	return services.AdvanceResult{}, errors.New("not implemented")
}

func (s *stubReconciliationService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func newOrderRouter(service services.ReconciliationService) chi.Router {
	handler := NewOrderHandlers(service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func TestOrderHandlersAdvanceSuccess(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	var captured services.AdvanceCommand
	service := &stubReconciliationService{
		advanceFn: func(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
			captured = cmd
			return services.AdvanceResult{
				Order: domain.Order{
					ID:          "ord_1",
					OrderNumber: "HZ-2026-000001",
					Status:      domain.OrderStatusPaid,
					PaidAt:      &now,
					CreatedAt:   now,
					UpdatedAt:   now,
				},
				StockProcessing: services.StockProcessingSummary{
					ItemsProcessed:  2,
					ItemsSuccessful: 2,
				},
				Notification: services.NotificationSummary{Outcome: "skipped"},
			}, nil
		},
	}

	router := newOrderRouter(service)
	body := `{"requested_status":"paid","idempotency_key":"key-1"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" {
		t.Fatalf("expected order id ord_1, got %s", captured.OrderID)
	}
	if captured.RequestedStatus != domain.OrderStatusPaid {
		t.Fatalf("expected requested status paid, got %s", captured.RequestedStatus)
	}
	if captured.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key key-1, got %s", captured.IdempotencyKey)
	}

	var resp advanceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.OrderID != "ord_1" || resp.OrderNumber != "HZ-2026-000001" {
		t.Fatalf("unexpected response identity: %#v", resp)
	}
	if resp.Status != "paid" {
		t.Fatalf("expected status paid, got %s", resp.Status)
	}
	if resp.StockProcessing.ItemsProcessed != 2 || resp.StockProcessing.ItemsSuccessful != 2 {
		t.Fatalf("unexpected stock processing summary: %#v", resp.StockProcessing)
	}
	if resp.StockProcessing.Errors == nil {
		t.Fatalf("expected errors to marshal as an empty array")
	}
	if resp.Notification.Outcome != "skipped" {
		t.Fatalf("expected notification outcome skipped, got %s", resp.Notification.Outcome)
	}
}

func TestOrderHandlersAdvanceCancelReason(t *testing.T) {
	var captured services.AdvanceCommand
	service := &stubReconciliationService{
		advanceFn: func(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
			captured = cmd
			return services.AdvanceResult{
				Order: domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusCancelled},
			}, nil
		},
	}

	router := newOrderRouter(service)
	body := `{"requested_status":"cancelled","cancel_reason":"customer request"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.CancelReason != "customer request" {
		t.Fatalf("expected cancel reason to pass through, got %q", captured.CancelReason)
	}
}

func TestOrderHandlersAdvanceEmptyBody(t *testing.T) {
	router := newOrderRouter(&stubReconciliationService{})
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader("   "))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersAdvanceInvalidJSON(t *testing.T) {
	router := newOrderRouter(&stubReconciliationService{})
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersAdvanceMissingStatus(t *testing.T) {
	router := newOrderRouter(&stubReconciliationService{})
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader(`{"idempotency_key":"k"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersAdvanceInvalidTransition(t *testing.T) {
	service := &stubReconciliationService{
		advanceFn: func(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
			return services.AdvanceResult{}, &services.InvalidTransitionError{
				From: domain.OrderStatusUnpaid,
				To:   domain.OrderStatusDelivered,
			}
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader(`{"requested_status":"delivered"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var resp struct {
		Error string `json:"error"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if resp.Error != "invalid_transition" {
		t.Fatalf("expected code invalid_transition, got %s", resp.Error)
	}
	if resp.From != "unpaid" || resp.To != "delivered" {
		t.Fatalf("unexpected transition details: %#v", resp)
	}
}

func TestOrderHandlersAdvanceInsufficientStock(t *testing.T) {
	service := &stubReconciliationService{
		advanceFn: func(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
			return services.AdvanceResult{}, &services.InsufficientStockError{
				ProductID: "prod_espresso",
				Requested: 5,
				Available: 2,
			}
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader(`{"requested_status":"paid"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var resp struct {
		Error     string `json:"error"`
		ProductID string `json:"product_id"`
		Requested int    `json:"requested"`
		Available int    `json:"available"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if resp.Error != "insufficient_stock" {
		t.Fatalf("expected code insufficient_stock, got %s", resp.Error)
	}
	if resp.ProductID != "prod_espresso" || resp.Requested != 5 || resp.Available != 2 {
		t.Fatalf("unexpected details: %#v", resp)
	}
}

func TestOrderHandlersAdvanceAmbiguousProduct(t *testing.T) {
	service := &stubReconciliationService{
		advanceFn: func(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
			return services.AdvanceResult{}, &services.ProductAmbiguousError{
				LineID:     "line-2",
				Query:      "grinder",
				Candidates: []string{"prod_grinder", "prod_grinder_pro"},
			}
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:advance", strings.NewReader(`{"requested_status":"paid"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "product_ambiguous") {
		t.Fatalf("expected product_ambiguous code, got %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "prod_grinder_pro") {
		t.Fatalf("expected candidates in details, got %s", rr.Body.String())
	}
}

func TestOrderHandlersAdvanceOrderNotFound(t *testing.T) {
	service := &stubReconciliationService{
		advanceFn: func(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
			return services.AdvanceResult{}, services.ErrOrderNotFound
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_missing:advance", strings.NewReader(`{"requested_status":"paid"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderSuccess(t *testing.T) {
	paidAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	service := &stubReconciliationService{
		getFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			if orderID != "ord_1" {
				t.Fatalf("expected order id ord_1, got %s", orderID)
			}
			return domain.Order{
				ID:                "ord_1",
				OrderNumber:       "HZ-2026-000001",
				Status:            domain.OrderStatusPaid,
				FulfillmentMethod: domain.FulfillmentCollection,
				Customer:          domain.Customer{Name: "Ari", Email: "ari@example.com"},
				Totals:            domain.OrderTotals{Subtotal: 1800, Total: 1800},
				Lines: []domain.OrderLine{
					{ID: "line-1", ProductID: "prod_espresso", ResolvedProductID: "prod_espresso", Name: "Espresso Beans", Quantity: 2, UnitPrice: 900, LineTotal: 1800},
				},
				PaidAt:    &paidAt,
				CreatedAt: paidAt,
				UpdatedAt: paidAt,
			}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.ID != "ord_1" || resp.Order.OrderNumber != "HZ-2026-000001" {
		t.Fatalf("unexpected order identity: %#v", resp.Order)
	}
	if resp.Order.FulfillmentMethod != "collection" {
		t.Fatalf("expected fulfillment method collection, got %s", resp.Order.FulfillmentMethod)
	}
	if resp.Order.PaidAt != paidAt.Format(time.RFC3339Nano) {
		t.Fatalf("expected paid_at %s, got %s", paidAt.Format(time.RFC3339Nano), resp.Order.PaidAt)
	}
	if resp.Order.CancelledAt != "" {
		t.Fatalf("expected cancelled_at to be omitted, got %s", resp.Order.CancelledAt)
	}
	if len(resp.Order.Lines) != 1 || resp.Order.Lines[0].ResolvedProductID != "prod_espresso" {
		t.Fatalf("unexpected lines: %#v", resp.Order.Lines)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubReconciliationService{
		getFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
