package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNewRouterHealthEndpoints(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected %s to return 200, got %d", path, rr.Code)
		}
	}
}

func TestNewRouterUnknownRoute(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error != "route_not_found" {
		t.Fatalf("expected route_not_found, got %s", resp.Error)
	}
}

func TestNewRouterUnregisteredGroupNotImplemented(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected status 501, got %d", rr.Code)
	}
}

func TestNewRouterMountsRegistrars(t *testing.T) {
	router := NewRouter(
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/{orderID}", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithProductRoutes(func(r chi.Router) {
			r.Get("/{productID}/movements", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
	)

	for _, path := range []string{"/api/v1/orders/ord_1", "/api/v1/products/prod_1/movements"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected %s to return 200, got %d", path, rr.Code)
		}
	}
}

func TestNewRouterGroupMiddleware(t *testing.T) {
	var sawHeader bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sawHeader = true
			next.ServeHTTP(w, req)
		})
	}

	router := NewRouter(
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/{orderID}", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithOrderMiddlewares(mw),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !sawHeader {
		t.Fatalf("expected order middleware to run")
	}

	sawHeader = false
	req = httptest.NewRequest(http.MethodGet, "/api/v1/products/prod_1/movements", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if sawHeader {
		t.Fatalf("expected order middleware to be scoped to /orders")
	}
}
