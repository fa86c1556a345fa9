package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framecast/internal/encoder"
	"github.com/zsiec/framecast/internal/mpegts"
)

// ErrNoSRTAddress is returned when an SRT source has neither a listen nor a
// pull address.
var ErrNoSRTAddress = errors.New("source: SRT source needs a listen or pull address")

// srtReadBufferSize holds ten SRT payloads of seven TS packets each.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT receive latency (120ms).
const srtLatencyNs = 120_000_000

const (
	srtDialTimeout = 10 * time.Second
	srtPullRetry   = time.Second

	// Frame delays derived from PTS above this are treated as timestamp jumps.
	maxDelayMs = 10_000

	// srtMaxLag is how far behind its schedule forward may fall before it
	// restarts the schedule instead of catching up.
	srtMaxLag = 500 * time.Millisecond
)

// SRT receives an MPEG transport stream over SRT and forwards the H.264 access
// units it carries as they arrive. Frame delays follow the stream's PTS.
//
// In listen mode one publisher is served at a time; further callers are
// rejected until it disconnects. In pull mode the remote listener is dialed
// and redialed whenever the feed ends.
type SRT struct {
	// Listen is the local address publishers connect to, e.g. ":6000".
	Listen string
	// Pull is a remote SRT listener to dial instead of listening.
	Pull string
	// StreamID is sent when pulling. When listening and set, publishers must
	// present the same stream key.
	StreamID string
	// FPS paces frame delays while the stream carries no usable PTS.
	FPS    int
	Format encoder.Format

	Log *slog.Logger

	frames   atomic.Uint64
	sessions atomic.Uint64
	busy     atomic.Bool
}

// Frames returns the number of frames handed to the sink.
func (s *SRT) Frames() uint64 { return s.frames.Load() }

// Sessions returns how many SRT connections have been served.
func (s *SRT) Sessions() uint64 { return s.sessions.Load() }

// Run receives until ctx is done. Cancellation is not an error.
func (s *SRT) Run(ctx context.Context, sink Sink) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	switch {
	case s.Listen != "":
		return s.listen(ctx, sink, log.With("component", "srt-listener"))
	case s.Pull != "":
		return s.pull(ctx, sink, log.With("component", "srt-caller"))
	}
	return ErrNoSRTAddress
}

func (s *SRT) listen(ctx context.Context, sink Sink, log *slog.Logger) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.Listen, cfg)
	if err != nil {
		return fmt.Errorf("source: SRT listen on %s: %w", s.Listen, err)
	}
	log.Info("listening", "addr", s.Listen)

	want := streamKey(s.StreamID)
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if s.busy.Load() {
			return srtgo.RejPeer
		}
		if s.StreamID != "" && streamKey(req.StreamID) != want {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("accept error", "error", err)
			continue
		}
		if !s.busy.CompareAndSwap(false, true) {
			log.Warn("rejecting second publisher", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		log.Info("publish", "stream_key", streamKey(conn.StreamID()), "remote", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.busy.Store(false)
			s.receive(ctx, conn, conn.RemoteAddr().String(), sink, log)
		}()
	}
}

func (s *SRT) pull(ctx context.Context, sink Sink, log *slog.Logger) error {
	for {
		conn, err := s.dial(ctx, log)
		switch {
		case err == nil:
			s.receive(ctx, conn, s.Pull, sink, log)
		case ctx.Err() != nil:
			return nil
		default:
			log.Warn("dial failed", "address", s.Pull, "error", err, "retry_in", srtPullRetry)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(srtPullRetry):
		}
	}
}

// dial connects to the pull address, giving up after srtDialTimeout.
func (s *SRT) dial(ctx context.Context, log *slog.Logger) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = s.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/framecast"
	}
	log.Info("dialing", "address", s.Pull, "stream_id", cfg.StreamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.Pull, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", s.Pull, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial %s timed out after %s", s.Pull, srtDialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// receive demuxes conn into sink until the peer goes away or ctx is done.
func (s *SRT) receive(ctx context.Context, conn io.ReadCloser, remote string, sink Sink, log *slog.Logger) {
	s.sessions.Add(1)
	log = log.With("remote", remote)

	closeConn := sync.OnceFunc(func() { conn.Close() })
	stop := context.AfterFunc(ctx, closeConn)
	defer stop()
	defer closeConn()

	start := time.Now()
	before := s.frames.Load()
	d := mpegts.NewDemuxer(bufio.NewReaderSize(conn, srtReadBufferSize), log)
	err := s.forward(ctx, d, sink, log)
	if err != nil && ctx.Err() == nil {
		log.Debug("read error", "error", err)
	}

	st := d.Stats()
	log.Info("connection closed",
		"frames", s.frames.Load()-before,
		"packets", st.Packets,
		"discontinuities", st.Discontinuities,
		"uptime_ms", time.Since(start).Milliseconds(),
	)
}

// forward hands every access unit read from d to sink. The delay of each
// frame is its PTS distance from the previous one, or 1000/FPS when that is
// unknown or implausible. Frames are released on that schedule rather than
// as fast as they are read, so a burst from the network does not overwrite
// access units in the sink before they are taken.
func (s *SRT) forward(ctx context.Context, d *mpegts.Demuxer, sink Sink, log *slog.Logger) error {
	fallback := 40
	if s.FPS > 0 {
		fallback = 1000 / s.FPS
	}
	fr := framer{format: s.Format}

	var prev int64
	havePrev := false
	var due time.Time
	for {
		au, err := d.ReadAccessUnit()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		frame, err := fr.frame(au.Data)
		if err != nil {
			log.Warn("skipping access unit", "error", err)
			continue
		}

		delay := fallback
		if au.HasPTS {
			if havePrev {
				if ms := mpegts.TimestampDelta(prev, au.PTS) / 90; ms > 0 && ms <= maxDelayMs {
					delay = int(ms)
				}
			}
			prev, havePrev = au.PTS, true
		}

		now := time.Now()
		if due.IsZero() {
			due = now
		} else {
			due = due.Add(time.Duration(delay) * time.Millisecond)
			if lag := now.Sub(due); lag > srtMaxLag {
				log.Debug("behind schedule, restarting it", "lag", lag)
				due = now
			} else if lag < 0 {
				if err := sleepUntil(ctx, due); err != nil {
					return err
				}
			}
		}

		frame.Captured = time.Now()
		sink.Store(frame, delay)
		s.frames.Add(1)
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// streamKey normalizes an SRT stream id: a leading "/" and "live/" prefix are
// dropped and an empty key becomes "default".
func streamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
