package attach

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
)

const defaultToggleTimeout = 30 * time.Second

// ToggleRequest is the bus payload a presenter sends to flip a device.
type ToggleRequest struct {
	BackendDomain string `json:"backend_domain"`
	Ident         string `json:"ident"`
	TargetVM      string `json:"target_vm"`
}

// ToggleReply reports the outcome of a toggle request.
type ToggleReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ControlServer answers toggle requests on a NATS subject. It stands in for
// the tray menu: anything that can publish a request can flip a device.
type ControlServer struct {
	nc      *nats.Conn
	coord   *Coordinator
	subject string
	timeout time.Duration
	log     zerolog.Logger
	sub     *nats.Subscription
}

func NewControlServer(nc *nats.Conn, coord *Coordinator, subject string, log logger.Logger) *ControlServer {
	return &ControlServer{
		nc:      nc,
		coord:   coord,
		subject: subject,
		timeout: defaultToggleTimeout,
		log:     log.WithComponent("control"),
	}
}

// Start subscribes to the control subject.
func (s *ControlServer) Start() error {
	sub, err := s.nc.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	s.sub = sub
	s.log.Info().Str("subject", s.subject).Msg("Control server listening")

	return nil
}

// Stop drains the subscription, letting in-flight requests finish.
func (s *ControlServer) Stop() error {
	if s.sub == nil {
		return nil
	}

	return s.sub.Drain()
}

func (s *ControlServer) handle(msg *nats.Msg) {
	var req ToggleRequest

	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, ToggleReply{Error: fmt.Sprintf("bad request: %v", err)})
		return
	}

	if req.Ident == "" || req.TargetVM == "" {
		s.reply(msg, ToggleReply{Error: "backend_domain, ident and target_vm are required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := models.DeviceKey{BackendDomain: req.BackendDomain, Ident: req.Ident}

	if err := s.coord.Toggle(ctx, key, req.TargetVM); err != nil {
		s.log.Warn().Err(err).Str("device", key.String()).Str("target", req.TargetVM).
			Msg("Toggle request failed")
		s.reply(msg, ToggleReply{Error: err.Error()})

		return
	}

	s.reply(msg, ToggleReply{OK: true})
}

func (s *ControlServer) reply(msg *nats.Msg, r ToggleReply) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(r)
	if err != nil {
		return
	}

	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Msg("Failed to respond to toggle request")
	}
}
