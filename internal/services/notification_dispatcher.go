package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hazelcart/fulfillment/internal/domain"
	"github.com/hazelcart/fulfillment/internal/repositories"
)

const (
	eventWebhookEnqueued  = "webhook.enqueued"
	eventWebhookDelivered = "webhook.delivered"
	eventWebhookRetry     = "webhook.retry"
	eventWebhookExhausted = "webhook.exhausted"

	alertKindWebhookExhausted = "webhook_delivery_exhausted"

	signatureHeader = "X-Webhook-Signature"
	eventHeader     = "X-Webhook-Event"
	deliveryHeader  = "X-Webhook-Delivery"
)

// HTTPDoer is the subset of *http.Client the dispatcher depends on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookDispatcherConfig tunes delivery, signing, and the retry schedule.
type WebhookDispatcherConfig struct {
	EndpointURL    string
	SigningSecret  string
	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

// NotificationDispatcherDeps bundles the collaborators required to construct a dispatcher.
type NotificationDispatcherDeps struct {
	Notifications repositories.NotificationRepository
	HTTPClient    HTTPDoer
	Alerts        AlertPublisher
	Config        WebhookDispatcherConfig
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	attempts repositories.NotificationRepository
	client   HTTPDoer
	alerts   AlertPublisher
	cfg      WebhookDispatcherConfig
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewNotificationDispatcher wires dependencies into a NotificationDispatcher implementation.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification dispatcher: notification repository is required")
	}
	if strings.TrimSpace(deps.Config.EndpointURL) == "" {
		return nil, errors.New("notification dispatcher: endpoint url is required")
	}

	cfg := deps.Config
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 20 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
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

	return &notificationDispatcher{
		attempts: deps.Notifications,
		client:   client,
		alerts:   deps.Alerts,
		cfg:      cfg,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Enqueue persists a pending delivery attempt and returns its ID. Delivery
// itself happens on the Run loop; Enqueue never blocks on the network.
func (d *notificationDispatcher) Enqueue(ctx context.Context, kind string, payload WebhookPayload) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", fmt.Errorf("%w: webhook kind is required", ErrInvalidInput)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode webhook payload: %w", err)
	}

	now := d.clock()
	attempt := domain.NotificationAttempt{
		ID:          "na_" + d.newID(),
		Kind:        kind,
		OrderID:     payload.OrderID,
		Payload:     body,
		MaxAttempts: d.cfg.MaxAttempts,
		Outcome:     domain.NotificationPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := d.attempts.Insert(ctx, attempt); err != nil {
		return "", fmt.Errorf("persist webhook attempt: %w", err)
	}

	d.logger(ctx, eventWebhookEnqueued, map[string]any{
		"attemptId": attempt.ID,
		"kind":      kind,
		"orderId":   payload.OrderID,
	})
	return attempt.ID, nil
}

// Run polls for due attempts until the context is cancelled. It is intended
// to be launched once as a long-lived goroutine alongside the HTTP server.
func (d *notificationDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.drainDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.drainDue(ctx)
		}
	}
}

func (d *notificationDispatcher) drainDue(ctx context.Context) {
	due, err := d.attempts.ListDue(ctx, d.clock(), d.cfg.BatchSize)
	if err != nil {
		d.logger(ctx, eventWebhookRetry, map[string]any{"error": err.Error()})
		return
	}
	for _, attempt := range due {
		if ctx.Err() != nil {
			return
		}
		d.deliver(ctx, attempt)
	}
}

// deliver performs one HTTP attempt and records the outcome. Failures are
// absorbed into the attempt record; nothing propagates to callers.
func (d *notificationDispatcher) deliver(ctx context.Context, attempt domain.NotificationAttempt) {
	deliveryErr := d.post(ctx, attempt)

	now := d.clock()
	attempt.AttemptCount++
	attempt.UpdatedAt = now

	if deliveryErr == nil {
		attempt.Outcome = domain.NotificationSucceeded
		attempt.LastError = ""
		if err := d.attempts.Update(ctx, attempt); err != nil {
			d.logger(ctx, eventWebhookDelivered, map[string]any{"attemptId": attempt.ID, "error": err.Error()})
			return
		}
		d.logger(ctx, eventWebhookDelivered, map[string]any{
			"attemptId": attempt.ID,
			"kind":      attempt.Kind,
			"attempts":  attempt.AttemptCount,
		})
		return
	}

	attempt.LastError = deliveryErr.Error()

	if attempt.AttemptCount >= attempt.MaxAttempts {
		attempt.Outcome = domain.NotificationFailedTerminal
		if err := d.attempts.Update(ctx, attempt); err != nil {
			d.logger(ctx, eventWebhookExhausted, map[string]any{"attemptId": attempt.ID, "error": err.Error()})
			return
		}
		d.logger(ctx, eventWebhookExhausted, map[string]any{
			"attemptId": attempt.ID,
			"kind":      attempt.Kind,
			"orderId":   attempt.OrderID,
			"lastError": attempt.LastError,
		})
		d.raiseAlert(ctx, attempt, now)
		return
	}

	attempt.Outcome = domain.NotificationFailed
	attempt.NextRetryAt = now.Add(d.backoff(attempt.AttemptCount))
	if err := d.attempts.Update(ctx, attempt); err != nil {
		d.logger(ctx, eventWebhookRetry, map[string]any{"attemptId": attempt.ID, "error": err.Error()})
		return
	}
	d.logger(ctx, eventWebhookRetry, map[string]any{
		"attemptId":   attempt.ID,
		"kind":        attempt.Kind,
		"attempts":    attempt.AttemptCount,
		"nextRetryAt": attempt.NextRetryAt,
		"lastError":   attempt.LastError,
	})
}

func (d *notificationDispatcher) post(ctx context.Context, attempt domain.NotificationAttempt) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.cfg.EndpointURL, bytes.NewReader(attempt.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, attempt.Kind)
	req.Header.Set(deliveryHeader, attempt.ID)
	if d.cfg.SigningSecret != "" {
		req.Header.Set(signatureHeader, signBody(d.cfg.SigningSecret, attempt.Payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *notificationDispatcher) raiseAlert(ctx context.Context, attempt domain.NotificationAttempt, now time.Time) {
	if d.alerts == nil {
		return
	}
	_, err := d.alerts.PublishAlert(ctx, AlertMessage{
		AlertID:    "alert_" + d.newID(),
		Kind:       alertKindWebhookExhausted,
		OrderID:    attempt.OrderID,
		AttemptID:  attempt.ID,
		Reason:     attempt.LastError,
		OccurredAt: now,
	})
	if err != nil {
		d.logger(ctx, eventWebhookExhausted, map[string]any{
			"attemptId": attempt.ID,
			"error":     err.Error(),
		})
	}
}

// backoff doubles the base per prior attempt up to the cap, then keeps a
// random half-to-full slice of the window so synchronized retries spread out.
func (d *notificationDispatcher) backoff(attemptCount int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			delay = d.cfg.BackoffCap
			break
		}
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
