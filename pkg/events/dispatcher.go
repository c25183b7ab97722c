// Package events provides the ordered lifecycle event stream and the
// dispatch loop that feeds the reconciler. Events are processed strictly in
// arrival order on a single goroutine; no coalescing happens at this layer.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
)

// ErrStreamClosed is returned by a Stream when no further events will ever
// arrive. The dispatch loop treats it as a clean shutdown.
var ErrStreamClosed = errors.New("event stream closed")

// Handler consumes one event. Handlers absorb their own errors; anything a
// handler cannot absorb must panic, which tears down the process by policy.
type Handler func(ctx context.Context, ev models.Event)

// Stream yields lifecycle events in arrival order.
type Stream interface {
	Next(ctx context.Context) (models.Event, error)
}

// Dispatcher routes events to handlers registered by kind string.
type Dispatcher struct {
	handlers map[string][]Handler
	log      zerolog.Logger
}

func NewDispatcher(log logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		log:      log.WithComponent("dispatcher"),
	}
}

// AddHandler registers interest in an event kind. Not safe to call once Run
// has started.
func (d *Dispatcher) AddHandler(kind string, h Handler) {
	d.handlers[kind] = append(d.handlers[kind], h)
}

// Run consumes the stream until it closes, the context is canceled, or the
// stream fails. A stream failure is fatal to the caller by policy; per-event
// errors never escape the handlers.
func (d *Dispatcher) Run(ctx context.Context, stream Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) || errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("event stream failed: %w", err)
		}

		d.dispatch(ctx, ev)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev models.Event) {
	handlers := d.handlers[ev.Kind]
	if len(handlers) == 0 {
		d.log.Debug().Str("kind", ev.Kind).Msg("No handler registered for event kind")
		return
	}

	d.log.Debug().Str("kind", ev.Kind).Str("vm", ev.VM).Msg("Dispatching event")

	for _, h := range handlers {
		h(ctx, ev)
	}
}
