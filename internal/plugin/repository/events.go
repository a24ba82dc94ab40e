package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orbishost/internal/common/mq"
	"orbishost/internal/plugin/policy"
	appErr "orbishost/pkg/errors"
)

// LifecycleEventType tags what a lifecycle event reports.
type LifecycleEventType string

const (
	// EventStateChanged reports a plugin state transition.
	EventStateChanged LifecycleEventType = "state_changed"
	// EventViolation reports resource limit violations.
	EventViolation LifecycleEventType = "violation"
)

// LifecycleEvent carries plugin lifecycle updates for async processing.
type LifecycleEvent struct {
	Type       LifecycleEventType `json:"type"`
	Plugin     string             `json:"plugin"`
	Status     string             `json:"status,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Violations []policy.Violation `json:"violations,omitempty"`
	CreatedAt  int64              `json:"created_at"`
}

// EventPublisher publishes plugin lifecycle events.
type EventPublisher interface {
	PublishStateChange(ctx context.Context, plugin, status, reason string) error
	PublishViolations(ctx context.Context, plugin string, violations []policy.Violation) error
}

// MQEventPublisher publishes lifecycle events to a message queue.
type MQEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQEventPublisher creates a new MQ lifecycle event publisher.
func NewMQEventPublisher(producer mq.Producer, topic string) *MQEventPublisher {
	return &MQEventPublisher{producer: producer, topic: topic}
}

// PublishStateChange publishes a state transition event.
func (p *MQEventPublisher) PublishStateChange(ctx context.Context, plugin, status, reason string) error {
	return p.publish(ctx, LifecycleEvent{
		Type:   EventStateChanged,
		Plugin: plugin,
		Status: status,
		Reason: reason,
	})
}

// PublishViolations publishes a resource violation event.
func (p *MQEventPublisher) PublishViolations(ctx context.Context, plugin string, violations []policy.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return p.publish(ctx, LifecycleEvent{
		Type:       EventViolation,
		Plugin:     plugin,
		Violations: violations,
	})
}

func (p *MQEventPublisher) publish(ctx context.Context, event LifecycleEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	if event.Plugin == "" {
		return appErr.ValidationError("plugin", "required")
	}
	event.CreatedAt = time.Now().Unix()
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.Plugin
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish lifecycle event failed")
	}
	return nil
}

// NopEventPublisher drops every event. Used when no brokers are
// configured so the manager does not have to branch on nil.
type NopEventPublisher struct{}

func (NopEventPublisher) PublishStateChange(ctx context.Context, plugin, status, reason string) error {
	return nil
}

func (NopEventPublisher) PublishViolations(ctx context.Context, plugin string, violations []policy.Violation) error {
	return nil
}
