package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hazelcart/fulfillment/internal/services"
)

// PubSubOrderEventPublisher publishes committed order transitions to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order event message on the configured topic.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "currentStatus", event.CurrentStatus)
	if key := strings.TrimSpace(event.IdempotencyKey); key != "" {
		attrs["idempotencyKey"] = key
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

// PubSubAlertPublisher publishes operational alerts to a Pub/Sub topic.
type PubSubAlertPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubAlertPublisher constructs a Pub/Sub backed alert publisher.
func NewPubSubAlertPublisher(topic *pubsub.Topic) (*PubSubAlertPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub alert publisher: topic is required")
	}
	return &PubSubAlertPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishAlert enqueues an alert message on the configured topic.
func (p *PubSubAlertPublisher) PublishAlert(ctx context.Context, alert services.AlertMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub alert publisher: not initialised")
	}

	data, err := p.marshal(alert)
	if err != nil {
		return "", fmt.Errorf("marshal alert: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "alertId", alert.AlertID)
	setAttr(attrs, "kind", alert.Kind)
	setAttr(attrs, "orderId", alert.OrderID)
	setAttr(attrs, "attemptId", alert.AttemptID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish alert: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
