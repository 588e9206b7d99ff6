package messaging

import (
	"context"
	"encoding/json"
)

type inMemoryEvent struct {
	queue   string
	payload []byte
}

func (e *inMemoryEvent) Type() string {
	return e.queue
}

func (e *inMemoryEvent) Payload() []byte {
	return e.payload
}

func (e *inMemoryEvent) Ack() error {
	return nil
}

func (e *inMemoryEvent) Nack() error {
	return nil
}

func (e *inMemoryEvent) Reject() error {
	return nil
}

// InMemoryQueue is a Publisher and Receiver in one process, used by tests
// and by the CLI when no broker is configured. Events beyond the buffer
// are dropped rather than blocking the publisher.
type InMemoryQueue struct {
	events chan Event
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make(chan Event, 100),
	}
}

func (q *InMemoryQueue) publishEventInternal(queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	select {
	case q.events <- &inMemoryEvent{queue: queue, payload: data}:
	default:
	}

	return nil
}

func (q *InMemoryQueue) PublishJobEvent(ctx context.Context, payload JobEventPayload) error {
	return q.publishEventInternal(JobEventQueue, payload)
}

func (q *InMemoryQueue) PublishEndpointEvent(ctx context.Context, payload EndpointEventPayload) error {
	return q.publishEventInternal(EndpointEventQueue, payload)
}

func (q *InMemoryQueue) Events() <-chan Event {
	return q.events
}

func (q *InMemoryQueue) Close() {
	if q.events != nil {
		close(q.events)
		q.events = nil
	}
}
