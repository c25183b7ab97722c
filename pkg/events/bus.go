package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
)

const (
	// EventSource identifies this daemon in CloudEvent envelopes.
	EventSource = "devtray"

	// EventType is the CloudEvent type for lifecycle events.
	EventType = "com.vigilhq.devtray.lifecycle"

	defaultFetchBatch   = 10
	defaultFetchMaxWait = 5 * time.Second
	fetchRetryDelay     = time.Second
)

// SubjectForKind maps an event kind to a bus subject under the given prefix.
// Kind strings contain ':' which is not legal in subjects.
func SubjectForKind(prefix, kind string) string {
	return prefix + "." + strings.ReplaceAll(kind, ":", ".")
}

// Publisher publishes lifecycle events to JetStream as CloudEvents. The
// host-side event forwarder uses it; the daemon itself only consumes.
type Publisher struct {
	js     jetstream.JetStream
	prefix string
}

func NewPublisher(js jetstream.JetStream, subjectPrefix string) *Publisher {
	return &Publisher{js: js, prefix: subjectPrefix}
}

// PublishEvent wraps the event in a CloudEvent envelope and publishes it.
func (p *Publisher) PublishEvent(ctx context.Context, ev models.Event) error {
	now := time.Now()

	envelope := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          EventSource,
		Type:            EventType,
		DataContentType: "application/json",
		Subject:         SubjectForKind(p.prefix, ev.Kind),
		Time:            &now,
		Data:            ev,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	if _, err := p.js.Publish(ctx, envelope.Subject, payload); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}

	return nil
}

// eventEnvelope is the consuming-side view of a CloudEvent whose data is a
// lifecycle event.
type eventEnvelope struct {
	ID   string       `json:"id"`
	Type string       `json:"type"`
	Data models.Event `json:"data"`
}

// BusStream is a Stream backed by a durable JetStream pull consumer. Events
// are fetched in small batches but still surfaced one at a time, preserving
// the arrival-order guarantee of the dispatch layer.
type BusStream struct {
	consumer jetstream.Consumer
	log      zerolog.Logger
	pending  []models.Event
}

// NewBusStream gets or creates the named durable consumer on the stream.
func NewBusStream(
	ctx context.Context,
	js jetstream.JetStream,
	streamName, consumerName, filterSubject string,
	log logger.Logger,
) (*BusStream, error) {
	consumer, err := js.Consumer(ctx, streamName, consumerName)
	if err != nil {
		cfg := jetstream.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxAckPending: 1000,
		}
		if filterSubject != "" {
			cfg.FilterSubject = filterSubject
		}

		consumer, err = js.CreateConsumer(ctx, streamName, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer %s on stream %s: %w", consumerName, streamName, err)
		}
	}

	return &BusStream{
		consumer: consumer,
		log:      log.WithComponent("bus-stream"),
	}, nil
}

// Next implements Stream. Fetch errors are retried; only context
// cancellation ends the stream.
func (s *BusStream) Next(ctx context.Context) (models.Event, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return models.Event{}, err
		}

		msgs, err := s.consumer.Fetch(defaultFetchBatch, jetstream.FetchMaxWait(defaultFetchMaxWait))
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to fetch lifecycle events, retrying")
			time.Sleep(fetchRetryDelay)

			continue
		}

		for msg := range msgs.Messages() {
			s.consume(msg)
		}

		if fetchErr := msgs.Error(); fetchErr != nil {
			s.log.Warn().Err(fetchErr).Msg("Fetch error on lifecycle event stream")
		}
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]

	return ev, nil
}

func (s *BusStream) consume(msg jetstream.Msg) {
	var envelope eventEnvelope

	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		// A malformed event can never become valid; ack it away.
		s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Dropping undecodable lifecycle event")
		_ = msg.Ack()

		return
	}

	if envelope.Data.Kind == "" {
		s.log.Warn().Str("id", envelope.ID).Msg("Dropping lifecycle event without kind")
		_ = msg.Ack()

		return
	}

	s.pending = append(s.pending, envelope.Data)
	_ = msg.Ack()
}
