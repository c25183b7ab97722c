// Package tray assembles the devtrayd service: snapshot load, event
// dispatch, reconciliation, debounced notifications, the toggle control
// listener, and the disk space monitor.
package tray

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/attach"
	"github.com/vigilhq/devtray/pkg/diskspace"
	"github.com/vigilhq/devtray/pkg/events"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/natsutil"
	"github.com/vigilhq/devtray/pkg/notify"
	"github.com/vigilhq/devtray/pkg/reconciler"
	"github.com/vigilhq/devtray/pkg/registry"
	"github.com/vigilhq/devtray/pkg/snapshot"
)

// Server owns the assembled pipeline. Construction takes the snapshot and
// wires everything; Run drives the dispatch loop and sidecars until the
// context ends or the loop fails.
type Server struct {
	cfg *Config
	log logger.Logger

	nc     *nats.Conn
	stream events.Stream

	registry   *registry.Registry
	dispatcher *events.Dispatcher
	debouncer  *notify.Debouncer
	control    *attach.ControlServer
	monitor    *diskspace.Monitor

	// Coordinator is exported for callers that drive toggles in-process
	// instead of over the control subject.
	Coordinator *attach.Coordinator
}

// NewServer builds the pipeline. dir and att are the host admin bindings;
// stream may be nil when cfg.NATS.URL is set, in which case the bus stream
// is used.
func NewServer(
	ctx context.Context,
	cfg *Config,
	dir admin.Directory,
	att admin.Attacher,
	stream events.Stream,
	log logger.Logger,
) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      log,
		stream:   stream,
		registry: registry.New(),
	}

	var js jetstream.JetStream

	if cfg.NATS.URL != "" {
		nc, err := natsutil.Connect(cfg.NATS.URL, cfg.NATS.Security, log, nats.Name("devtrayd"))
		if err != nil {
			return nil, err
		}

		s.nc = nc

		js, err = jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		if _, err := natsutil.EnsureStream(ctx, js, cfg.NATS.Stream,
			[]string{cfg.NATS.SubjectPrefix + ".>"}); err != nil {
			nc.Close()
			return nil, err
		}

		if s.stream == nil {
			s.stream, err = events.NewBusStream(ctx, js,
				cfg.NATS.Stream, cfg.NATS.Consumer, cfg.NATS.SubjectPrefix+".>", log)
			if err != nil {
				nc.Close()
				return nil, err
			}
		}
	}

	if s.stream == nil {
		return nil, fmt.Errorf("no event stream: set nats.url or supply a stream")
	}

	var sink notify.Sink = notify.NewLogSink(log)
	if js != nil && cfg.NATS.NotifySubject != "" {
		sink = notify.NewBusSink(js, cfg.NATS.NotifySubject)
	}

	if err := snapshot.Load(ctx, dir, s.registry, log); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to load initial snapshot: %w", err)
	}

	s.debouncer = notify.NewDebouncer(sink, time.Duration(cfg.DebounceWindow), log)
	s.dispatcher = events.NewDispatcher(log)
	reconciler.New(dir, s.registry, s.debouncer, log).Register(s.dispatcher)

	s.Coordinator = attach.NewCoordinator(dir, att, s.registry, sink, log)

	if s.nc != nil && cfg.NATS.ControlSubject != "" {
		s.control = attach.NewControlServer(s.nc, s.Coordinator, cfg.NATS.ControlSubject, log)
	}

	if cfg.DiskSpace.Enabled {
		s.monitor = diskspace.NewMonitor(dir, sink,
			time.Duration(cfg.DiskSpace.Interval), cfg.DiskSpace.HostPath, log)
	}

	return s, nil
}

// Registry exposes the live device/VM view.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Run blocks until the context is canceled or the dispatch loop fails. A
// dispatch loop failure is fatal for the process; the registry cannot be
// trusted after the event order breaks.
func (s *Server) Run(ctx context.Context) error {
	if s.control != nil {
		if err := s.control.Start(); err != nil {
			return fmt.Errorf("failed to start control listener: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.dispatcher.Run(ctx, s.stream)
	})

	if s.monitor != nil {
		g.Go(func() error {
			return s.monitor.Run(ctx)
		})
	}

	err := g.Wait()

	if s.control != nil {
		if stopErr := s.control.Stop(); stopErr != nil {
			s.log.Warn().Err(stopErr).Msg("Failed to stop control listener")
		}
	}

	s.close()

	return err
}

func (s *Server) close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
