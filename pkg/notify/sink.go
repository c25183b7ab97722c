// Package notify delivers user-facing notifications and implements the
// debounce window that coalesces device add/remove bursts per VM.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
)

// Sink accepts notifications for presentation. Posting a notification whose
// ID is already outstanding replaces the prior one; every implementation
// must preserve that contract (or hand it to a presenter that does).
type Sink interface {
	Notify(ctx context.Context, n models.Notification) error
}

// LogSink writes notifications to the structured log. Default sink for
// headless deployments.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("notifications")}
}

func (s *LogSink) Notify(_ context.Context, n models.Notification) error {
	ev := s.log.Info()
	if n.Error {
		ev = s.log.Error()
	}

	ev.Str("id", n.ID).
		Str("title", n.Title).
		Str("body", n.Body).
		Str("priority", string(n.Priority)).
		Msg("Notification")

	return nil
}

// NotificationType is the CloudEvent type for notifications on the bus.
const NotificationType = "com.vigilhq.devtray.notification"

// BusSink publishes notifications to JetStream so a desktop presenter can
// render them. The notification ID rides in the envelope subject field; the
// presenter replaces any outstanding notification with the same identity.
type BusSink struct {
	js      jetstream.JetStream
	subject string
}

func NewBusSink(js jetstream.JetStream, subject string) *BusSink {
	return &BusSink{js: js, subject: subject}
}

func (s *BusSink) Notify(ctx context.Context, n models.Notification) error {
	now := time.Now()

	envelope := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          "devtray",
		Type:            NotificationType,
		DataContentType: "application/json",
		Subject:         n.ID,
		Time:            &now,
		Data:            n,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if _, err := s.js.Publish(ctx, s.subject, payload); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}
