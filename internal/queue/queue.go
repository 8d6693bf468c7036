// Package queue carries job messages from the dispatcher to workers.
package queue

import (
	"context"
	"fmt"

	"github.com/docchat/api/internal/model"
)

// Queue publishes job messages. Delivery is at-least-once; consumers must be idempotent.
type Queue interface {
	Enqueue(ctx context.Context, msg *model.JobMessage) error
}

// Handler processes one message. A non-nil error asks the broker to redeliver.
type Handler func(ctx context.Context, msg *model.JobMessage) error

// DropFunc closes out a job whose message the broker is about to discard after
// its last delivery failed with cause. A non-nil error keeps the message.
type DropFunc func(ctx context.Context, msg *model.JobMessage, cause error) error

// Asynq task types, AMQP routing keys and asynq queue names per request type.
const (
	TaskTypeDirect   = "job:direct"
	TaskTypeWorkflow = "job:workflow"

	RoutingKeyDirect   = "job.direct"
	RoutingKeyWorkflow = "job.workflow"

	QueueDirect   = "direct"
	QueueWorkflow = "workflow"
)

type route struct {
	taskType   string
	routingKey string
	queue      string
}

func routeFor(rt model.RequestType) (route, error) {
	switch rt {
	case model.RequestTypeDirect:
		return route{TaskTypeDirect, RoutingKeyDirect, QueueDirect}, nil
	case model.RequestTypeWorkflow:
		return route{TaskTypeWorkflow, RoutingKeyWorkflow, QueueWorkflow}, nil
	}
	return route{}, fmt.Errorf("queue: no route for request type %q", rt)
}
