package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	JobEventQueue      = "job_events"
	EndpointEventQueue = "endpoint_events"
	RetryDelay         = 5 * time.Second
	MaxConnectRetry    = 5
)

const (
	JobSubmitted = "job.submitted"
	JobRunning   = "job.running"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobStopped   = "job.stopped"

	EndpointCreated = "endpoint.created"
	EndpointDeleted = "endpoint.deleted"
)

type Event interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type JobEventPayload struct {
	Event   string
	JobId   uuid.UUID
	JobName string
	Status  string

	ArtifactPath  string
	FailureReason string
}

type EndpointEventPayload struct {
	Event        string
	EndpointName string
	Status       string
}

type Publisher interface {
	PublishJobEvent(ctx context.Context, payload JobEventPayload) error

	PublishEndpointEvent(ctx context.Context, payload EndpointEventPayload) error

	Close()
}

type Receiver interface {
	Events() <-chan Event

	Close()
}
