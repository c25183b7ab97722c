package events

import (
	"context"

	"github.com/vigilhq/devtray/pkg/models"
)

// ChanStream is an in-process Stream backed by a channel. It is the stream
// of choice for tests and for embedding the daemon behind a local event
// source.
type ChanStream struct {
	ch chan models.Event
}

func NewChanStream(buffer int) *ChanStream {
	return &ChanStream{ch: make(chan models.Event, buffer)}
}

// Emit enqueues an event, blocking if the buffer is full.
func (s *ChanStream) Emit(ctx context.Context, ev models.Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the stream as finished. Emit must not be called afterwards.
func (s *ChanStream) Close() {
	close(s.ch)
}

// Next implements Stream.
func (s *ChanStream) Next(ctx context.Context) (models.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return models.Event{}, ErrStreamClosed
		}

		return ev, nil
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}
