package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic carries workflow lifecycle events from the engine back to this core
const Topic = "workflow-events"

const eventTypeMetadataKey = "event_type"

// EventType identifies one workflow lifecycle event
type EventType string

const (
	// WorkflowCompletedEvent signals a run finished successfully
	WorkflowCompletedEvent EventType = "workflow:completed"
	// WorkflowFailedEvent signals a run finished with an error
	WorkflowFailedEvent EventType = "workflow:failed"
)

// WorkflowCompleted is the payload of a completion event
type WorkflowCompleted struct {
	ExecutionID string `json:"execution_id"`
}

// WorkflowFailed is the payload of a failure event
type WorkflowFailed struct {
	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
}

// EventHandler consumes one decoded event
type EventHandler func(ctx context.Context, event interface{}) error

// EventBus is the process-wide bus for workflow lifecycle events
type EventBus interface {
	Publish(ctx context.Context, eventType EventType, event interface{}) error
	Handle(eventType EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
	Close() error
}

// WatermillEventBus implements EventBus on a watermill publisher/subscriber
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu       sync.RWMutex
	handlers map[EventType]EventHandler
}

// NewWatermillEventBus wraps an existing watermill publisher/subscriber pair
func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		handlers:   make(map[EventType]EventHandler),
	}
}

// NewInProcessEventBus builds an in-memory gochannel bus. The single
// scheduler instance this core targets needs no external broker.
func NewInProcessEventBus() *WatermillEventBus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NopLogger{},
	)
	return NewWatermillEventBus(pubSub, pubSub)
}

// Publish emits one event on the workflow topic
func (eb *WatermillEventBus) Publish(ctx context.Context, eventType EventType, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(eventTypeMetadataKey, string(eventType))
	msg.SetContext(ctx)

	return eb.publisher.Publish(Topic, msg)
}

// Handle registers the handler for one event type. Must be called before
// Subscribe.
func (eb *WatermillEventBus) Handle(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = handler
}

// Subscribe starts consuming the workflow topic until ctx is cancelled
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := EventType(msg.Metadata.Get(eventTypeMetadataKey))

			eb.mu.RLock()
			handler, exists := eb.handlers[eventType]
			eb.mu.RUnlock()

			if !exists {
				msg.Ack()
				continue
			}

			var event interface{}
			switch eventType {
			case WorkflowCompletedEvent:
				event = &WorkflowCompleted{}
			case WorkflowFailedEvent:
				event = &WorkflowFailed{}
			default:
				msg.Ack()
				continue
			}

			if err := json.Unmarshal(msg.Payload, event); err != nil {
				msg.Nack()
				continue
			}

			if err := handler(ctx, event); err != nil {
				msg.Nack()
				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

// Close shuts down the underlying publisher and subscriber
func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}
	return eb.subscriber.Close()
}
