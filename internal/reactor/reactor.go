//go:build linux

package reactor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/framecast/internal/encoder"
	"github.com/zsiec/framecast/internal/h264"
	"github.com/zsiec/framecast/internal/mailbox"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/netpoll"
	"github.com/zsiec/framecast/internal/rtp"
	"github.com/zsiec/framecast/internal/rtsp"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultPollTimeout = 10 * time.Millisecond
	DefaultReadBuffer  = 65535
)

const clientInterest = netpoll.Readable | netpoll.Writable | netpoll.Hangup | netpoll.EdgeTriggered

// Config wires a Reactor to its listener, poller and frame source. The
// reactor takes ownership of Listener and Poller and closes them when Run
// returns.
type Config struct {
	Listener *netpoll.Listener
	Poller   *netpoll.Poller
	Mailbox  *mailbox.Mailbox[media.Frame]
	Encoders encoder.Factory

	PollTimeout time.Duration
	ReadBuffer  int

	// Host is the address announced in the SDP origin line. Empty means
	// the first non-loopback IPv4 address.
	Host string
	Log  *slog.Logger
}

type client struct {
	conn    *netpoll.Conn
	session *rtsp.Session
}

// Reactor is the event loop. Run must be called from exactly one goroutine;
// Stop and the snapshot accessors are safe from any goroutine.
type Reactor struct {
	log      *slog.Logger
	listener *netpoll.Listener
	poller   *netpoll.Poller
	mailbox  *mailbox.Mailbox[media.Frame]
	factory  encoder.Factory
	timeout  time.Duration
	host     string

	encoder     encoder.Encoder
	sps, pps    []byte
	description string

	sessions map[int]*client
	scratch  []byte
	sizes    []int
	dropped  []int

	stopped  atomic.Bool
	frames   atomic.Uint64
	snapshot atomic.Pointer[[]rtsp.SessionStats]
}

// New validates cfg and registers the listener with the poller.
func New(cfg Config) (*Reactor, error) {
	switch {
	case cfg.Listener == nil:
		return nil, fmt.Errorf("%w: listener", ErrMissingDependency)
	case cfg.Poller == nil:
		return nil, fmt.Errorf("%w: poller", ErrMissingDependency)
	case cfg.Mailbox == nil:
		return nil, fmt.Errorf("%w: mailbox", ErrMissingDependency)
	case cfg.Encoders == nil:
		return nil, fmt.Errorf("%w: encoder factory", ErrMissingDependency)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	if cfg.Host == "" {
		cfg.Host = rtsp.HostIPv4()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	if err := cfg.Poller.Add(cfg.Listener.Fd(), netpoll.Readable|netpoll.EdgeTriggered); err != nil {
		return nil, fmt.Errorf("reactor: register listener: %w", err)
	}

	r := &Reactor{
		log:      cfg.Log.With("component", "reactor"),
		listener: cfg.Listener,
		poller:   cfg.Poller,
		mailbox:  cfg.Mailbox,
		factory:  cfg.Encoders,
		timeout:  cfg.PollTimeout,
		host:     cfg.Host,
		sessions: make(map[int]*client),
		scratch:  make([]byte, cfg.ReadBuffer),
	}
	empty := []rtsp.SessionStats{}
	r.snapshot.Store(&empty)
	return r, nil
}

// Stop asks Run to return at the next iteration. It does not wait.
func (r *Reactor) Stop() {
	r.stopped.Store(true)
}

// Run serves clients until Stop is called or a poll or tick error occurs.
// Every session, the poller and the listener are closed before it returns.
func (r *Reactor) Run() error {
	defer r.shutdown()
	r.log.Info("reactor started", "host", r.host, "poll_timeout", r.timeout)

	for !r.stopped.Load() {
		ready, err := r.poller.Wait(r.timeout)
		if err != nil {
			return fmt.Errorf("reactor: %w", err)
		}

		for _, ev := range ready {
			if ev.Fd == r.listener.Fd() {
				r.acceptAll()
				continue
			}
			r.service(ev)
		}
		r.removeDropped()

		if err := r.tick(); err != nil {
			r.log.Error("media tick failed", "error", err)
			return err
		}
		r.removeDropped()
		r.publish()
	}
	return nil
}

func (r *Reactor) acceptAll() {
	for {
		conn, err := netpoll.Accept(r.listener.Fd())
		if errors.Is(err, netpoll.ErrWouldBlock) {
			return
		}
		if err != nil {
			r.log.Warn("accept failed", "error", err)
			return
		}
		if err := r.poller.Add(conn.Fd(), clientInterest); err != nil {
			r.log.Warn("register client failed", "remote", conn.Peer(), "error", err)
			conn.Close()
			continue
		}
		session := rtsp.New(conn, conn.Peer(), r.describe, r.log)
		session.SetParameterSets(r.parameterSets)
		r.sessions[conn.Fd()] = &client{conn: conn, session: session}
	}
}

// service handles one client readiness event. Hangup is acted on after
// reads and writes so a final request is still answered.
func (r *Reactor) service(ev netpoll.Ready) {
	c, ok := r.sessions[ev.Fd]
	if !ok {
		return
	}

	if ev.Has(netpoll.Readable) {
		if err := r.drain(c); err != nil {
			r.log.Debug("client read failed", "remote", c.conn.Peer(), "error", err)
			r.dropped = append(r.dropped, ev.Fd)
			return
		}
	}
	if ev.Has(netpoll.Writable) {
		if err := c.session.Flush(); err != nil {
			r.log.Debug("client write failed", "remote", c.conn.Peer(), "error", err)
			r.dropped = append(r.dropped, ev.Fd)
			return
		}
	}
	if ev.Has(netpoll.Hangup) {
		r.dropped = append(r.dropped, ev.Fd)
	}
}

// drain reads until the socket would block. Edge-triggered readiness is not
// repeated for data left unread.
func (r *Reactor) drain(c *client) error {
	for {
		n, err := c.conn.Read(r.scratch)
		if errors.Is(err, netpoll.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := c.session.HandleData(r.scratch[:n]); err != nil {
			return err
		}
	}
}

func (r *Reactor) removeDropped() {
	for _, fd := range r.dropped {
		r.remove(fd)
	}
	r.dropped = r.dropped[:0]
}

// remove deregisters fd, forgets its session and only then closes the socket.
func (r *Reactor) remove(fd int) {
	c, ok := r.sessions[fd]
	if !ok {
		return
	}
	if err := r.poller.Remove(fd); err != nil {
		r.log.Debug("deregister client failed", "remote", c.conn.Peer(), "error", err)
	}
	delete(r.sessions, fd)
	c.session.Close()
	c.conn.Close()
}

func (r *Reactor) describe() string {
	return r.description
}

func (r *Reactor) parameterSets() (sps, pps []byte) {
	return r.sps, r.pps
}

// tick moves at most one frame from the mailbox to every session. Frames
// overwritten in the mailbox never reach the encoder, so when that happened
// every session is resynced to the next keyframe.
func (r *Reactor) tick() error {
	frame, delay, lost, ok := r.mailbox.TakeChecked()
	if !ok {
		return nil
	}
	seq := r.frames.Load()

	if r.encoder == nil {
		enc, err := r.factory(frame.Width, frame.Height)
		if err != nil {
			return &TickError{Frame: seq, Op: "create encoder", Err: err}
		}
		r.encoder = enc
	}

	units, err := r.encoder.Encode(frame, delay)
	if err != nil {
		return &TickError{Frame: seq, Op: "encode", Err: err}
	}
	r.frames.Add(1)
	r.refreshDescription()

	if lost {
		r.log.Debug("frames overwritten before encoding, resyncing sessions",
			"frame", seq, "sessions", len(r.sessions), "drops", r.mailbox.Drops())
		for _, c := range r.sessions {
			c.session.Resync()
		}
	}

	if len(units) == 0 || len(r.sessions) == 0 {
		return nil
	}

	r.sizes = r.sizes[:0]
	for _, u := range units {
		r.sizes = append(r.sizes, rtp.ExpectedSize(len(u.Payload)))
	}
	ticks := media.DelayTicks(delay)
	for fd, c := range r.sessions {
		if err := c.session.SendAccessUnit(units, r.sizes, ticks); err != nil {
			r.log.Debug("client media write failed", "remote", c.conn.Peer(), "error", err)
			r.dropped = append(r.dropped, fd)
		}
	}
	return nil
}

// refreshDescription rebuilds the SDP when the encoder reports new
// parameter sets.
func (r *Reactor) refreshDescription() {
	sps, pps := r.encoder.ParameterSets()
	if len(sps) == 0 || len(pps) == 0 {
		return
	}
	if bytes.Equal(sps, r.sps) && bytes.Equal(pps, r.pps) {
		return
	}
	r.sps = bytes.Clone(sps)
	r.pps = bytes.Clone(pps)
	r.description = rtsp.BuildDescription(r.host, r.sps, r.pps)

	info, err := h264.ParseSPS(r.sps)
	if err != nil {
		r.log.Warn("stream description updated, SPS not parsed", "error", err)
		return
	}
	r.log.Info("stream description updated",
		"width", info.Width,
		"height", info.Height,
		"codec", info.CodecString(),
		"fps", info.FrameRate)
}

func (r *Reactor) publish() {
	prev := r.snapshot.Load()
	if len(*prev) == 0 && len(r.sessions) == 0 {
		return
	}
	stats := make([]rtsp.SessionStats, 0, len(r.sessions))
	for _, c := range r.sessions {
		stats = append(stats, c.session.Stats())
	}
	r.snapshot.Store(&stats)
}

func (r *Reactor) shutdown() {
	for fd := range r.sessions {
		r.remove(fd)
	}
	r.publish()
	if err := r.poller.Close(); err != nil {
		r.log.Warn("close poller failed", "error", err)
	}
	if err := r.listener.Close(); err != nil {
		r.log.Warn("close listener failed", "error", err)
	}
	r.log.Info("reactor stopped", "frames", r.frames.Load())
}

// Sessions returns the session counters as of the last loop iteration.
func (r *Reactor) Sessions() []rtsp.SessionStats {
	return *r.snapshot.Load()
}

// SessionCount returns the number of connected clients as of the last loop
// iteration.
func (r *Reactor) SessionCount() int {
	return len(*r.snapshot.Load())
}

// Frames returns the number of frames encoded so far.
func (r *Reactor) Frames() uint64 {
	return r.frames.Load()
}
