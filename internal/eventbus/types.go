package eventbus

import (
	"context"
	"fmt"

	"github.com/cugtyt/agentflow-distributed/internal/events"
)

type Handler func(ctx context.Context, env events.Envelope)

type Subscription interface {
	Channel() string
	Unsubscribe() error
}

type EventBus interface {
	Publish(ctx context.Context, channel string, env events.Envelope) error
	Subscribe(channel string, handler Handler) (Subscription, error)
	Close() error
}

// TransportError reports that the bus could not accept a message.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Emit wraps msg in an envelope from sender and publishes it on channel.
func Emit(ctx context.Context, bus EventBus, channel, from string, msg events.Message) error {
	env, err := events.NewEnvelope(from, msg)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, channel, env)
}
