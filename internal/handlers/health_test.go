package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthz(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	handlers := NewHealthHandlers(WithHealthClock(func() time.Time { return now }))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handlers.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp["status"])
	}
	if resp["timestamp"] != now.Format(time.RFC3339) {
		t.Fatalf("unexpected timestamp: %v", resp["timestamp"])
	}
}

func TestReadyzAllChecksPass(t *testing.T) {
	handlers := NewHealthHandlers(
		WithReadinessCheck("firestore", func(ctx context.Context) error { return nil }),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %s", resp.Status)
	}
	if resp.Checks["firestore"]["status"] != "ok" {
		t.Fatalf("expected firestore check ok, got %#v", resp.Checks["firestore"])
	}
}

func TestReadyzFailingCheck(t *testing.T) {
	handlers := NewHealthHandlers(
		WithReadinessCheck("firestore", func(ctx context.Context) error { return nil }),
		WithReadinessCheck("pubsub", func(ctx context.Context) error { return errors.New("broker unreachable") }),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var resp struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "unavailable" {
		t.Fatalf("expected status unavailable, got %s", resp.Status)
	}
	if resp.Checks["pubsub"]["status"] != "unavailable" {
		t.Fatalf("expected pubsub check unavailable, got %#v", resp.Checks["pubsub"])
	}
	if resp.Checks["pubsub"]["error"] != "broker unreachable" {
		t.Fatalf("expected check error message, got %#v", resp.Checks["pubsub"])
	}
	if resp.Checks["firestore"]["status"] != "ok" {
		t.Fatalf("expected firestore check ok, got %#v", resp.Checks["firestore"])
	}
}
