//go:build linux

// Package service is the producer-facing entry point: it opens the
// listening socket and poller, runs the reactor on its own goroutine and
// hands frames to it through a latest-wins mailbox.
package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/framecast/internal/encoder"
	"github.com/zsiec/framecast/internal/mailbox"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/netpoll"
	"github.com/zsiec/framecast/internal/reactor"
	"github.com/zsiec/framecast/internal/rtsp"
)

// Config holds the service settings. Zero values fall back to the reactor
// defaults, except Encoders, which is required.
type Config struct {
	Port        int
	Encoders    encoder.Factory
	PollTimeout time.Duration
	MaxEvents   int
	ReadBuffer  int
	Host        string
	Log         *slog.Logger
}

// Service owns a running reactor.
type Service struct {
	log     *slog.Logger
	mailbox *mailbox.Mailbox[media.Frame]
	reactor *reactor.Reactor
	port    int

	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// New binds the port and starts serving. Startup failures are returned and
// leave nothing running.
func New(cfg Config) (*Service, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	log := cfg.Log.With("component", "service")

	l, err := netpoll.Listen(cfg.Port, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	p, err := netpoll.NewPoller(cfg.MaxEvents)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("service: %w", err)
	}

	mb := mailbox.New[media.Frame]()
	r, err := reactor.New(reactor.Config{
		Listener:    l,
		Poller:      p,
		Mailbox:     mb,
		Encoders:    cfg.Encoders,
		PollTimeout: cfg.PollTimeout,
		ReadBuffer:  cfg.ReadBuffer,
		Host:        cfg.Host,
		Log:         cfg.Log,
	})
	if err != nil {
		p.Close()
		l.Close()
		return nil, fmt.Errorf("service: %w", err)
	}

	s := &Service{
		log:     log,
		mailbox: mb,
		reactor: r,
		port:    l.Port(),
		done:    make(chan struct{}),
	}
	go s.run()
	log.Info("service started", "port", s.port)
	return s, nil
}

func (s *Service) run() {
	defer close(s.done)
	if err := s.reactor.Run(); err != nil {
		s.err = err
		s.log.Error("reactor exited", "error", err)
	}
}

// Store hands a frame to the reactor. delayMs is the presentation interval
// since the previous frame. A frame not yet consumed is replaced. Store
// never blocks and is safe from any goroutine.
func (s *Service) Store(frame media.Frame, delayMs int) {
	s.mailbox.Store(frame, delayMs)
}

// Stop stops the reactor and waits for it to release every socket. It is
// safe to call repeatedly and from several goroutines.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.reactor.Stop()
		s.log.Info("service stopping")
	})
	<-s.done
}

// Close stops the service and returns the error the reactor exited with.
func (s *Service) Close() error {
	s.Stop()
	return s.err
}

// Done is closed once the reactor goroutine has exited, whether from Stop
// or from a media error.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Err returns the reactor's exit error. It is nil while running and after
// a clean stop.
func (s *Service) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Port returns the bound TCP port.
func (s *Service) Port() int { return s.port }

// Drops returns how many stored frames were replaced before the reactor
// consumed them.
func (s *Service) Drops() uint64 { return s.mailbox.Drops() }

// Frames returns the number of frames encoded so far.
func (s *Service) Frames() uint64 { return s.reactor.Frames() }

// Sessions returns a recent snapshot of the connected clients.
func (s *Service) Sessions() []rtsp.SessionStats { return s.reactor.Sessions() }
