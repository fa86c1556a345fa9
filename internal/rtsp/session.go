package rtsp

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/rtp"
)

// MaxRequestSize bounds the request accumulator. A client that sends more
// than this without a blank line has its pending bytes discarded.
const MaxRequestSize = 64 * 1024

const (
	statusOK     = "RTSP/1.0 200 OK\r\n"
	publicHeader = "Public: OPTIONS, DESCRIBE, SETUP, TEARDOWN, PLAY, PAUSE\r\n\r\n"
	transport    = "Transport: RTP/AVP/TCP;interleaved=0-1\r\n\r\n"
	dateFormat   = "Mon, 02 Jan 2006 15:04:05 GMT"
)

var (
	headerEnd    = []byte("\r\n\r\n")
	crlf         = []byte("\r\n")
	cseqKey      = []byte("CSeq:")
	versionToken = []byte(" RTSP/1.")

	methodOptions  = []byte("OPTIONS ")
	methodDescribe = []byte("DESCRIBE ")
	methodSetup    = []byte("SETUP ")
	methodPlay     = []byte("PLAY ")
)

// Writer is the non-blocking connection a session writes to. A short count
// with a nil error means the connection cannot take more bytes right now.
type Writer interface {
	Write(p []byte) (int, error)
}

// DescriptionSource returns the current SDP body. It may return an empty
// string before the stream's parameter sets are known.
type DescriptionSource func() string

// ParameterSetSource returns the latest SPS and PPS of the stream, either of
// which may be nil before they are known.
type ParameterSetSource func() (sps, pps []byte)

// State is the session lifecycle state.
type State int32

// Session states.
const (
	StateConnected State = iota
	StatePlaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStats is a snapshot of per-session counters.
type SessionStats struct {
	ID             string    `json:"id"`
	Remote         string    `json:"remote"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connectedAt"`
	Requests       int64     `json:"requests"`
	PacketsSent    int64     `json:"packetsSent"`
	BytesSent      int64     `json:"bytesSent"`
	UnitsForwarded int64     `json:"unitsForwarded"`
	UnitsGated     int64     `json:"unitsGated"`
}

// Session is one connected RTSP client.
type Session struct {
	id     string
	peer   string
	conn   Writer
	desc   DescriptionSource
	params ParameterSetSource
	log    *slog.Logger
	now    func() time.Time

	state      State
	gate       gateState
	packetizer *rtp.Packetizer

	// pendingDelay carries timestamp advances from access units the gate
	// held back so the next forwarded unit lands at the right time.
	pendingDelay uint32

	request []byte

	resp     []byte
	respSent int

	// media[boundary:] starts on an interleaved frame and boundary <=
	// mediaSent. A response may only be written when the two are equal.
	media     []byte
	mediaSent int
	boundary  int

	connectedAt    time.Time
	requests       int64
	packetsSent    int64
	bytesSent      int64
	unitsForwarded int64
	unitsGated     int64
}

// New creates a session for a freshly accepted connection. If log is nil,
// slog.Default() is used.
func New(conn Writer, peer string, desc DescriptionSource, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if desc == nil {
		desc = func() string { return "" }
	}
	noParams := func() (sps, pps []byte) { return nil, nil }
	id := uuid.NewString()
	s := &Session{
		id:          id,
		peer:        peer,
		conn:        conn,
		desc:        desc,
		params:      noParams,
		log:         log.With("session", id, "remote", peer),
		now:         time.Now,
		packetizer:  rtp.NewRandomPacketizer(),
		connectedAt: time.Now(),
	}
	s.log.Info("client connected")
	return s
}

// SetParameterSets installs the source of parameter sets sent ahead of a
// keyframe that arrives before the session has forwarded both.
func (s *Session) SetParameterSets(src ParameterSetSource) {
	if src != nil {
		s.params = src
	}
}

// ID returns the session identifier announced in SETUP and PLAY responses.
func (s *Session) ID() string { return s.id }

// Peer returns the client address.
func (s *Session) Peer() string { return s.peer }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// HandleData feeds bytes read from the connection. Every complete header
// block is scanned for the OPTIONS, DESCRIBE, SETUP and PLAY keywords, in
// that order, and each one found is answered. Queued output is then
// flushed; a returned error is a write failure.
func (s *Session) HandleData(p []byte) error {
	if s.state == StateClosed || len(p) == 0 {
		return nil
	}
	s.request = append(s.request, p...)

	consumed := 0
	for {
		end := bytes.Index(s.request[consumed:], headerEnd)
		if end < 0 {
			break
		}
		block := s.request[consumed : consumed+end+len(headerEnd)]
		s.handleBlock(block)
		consumed += end + len(headerEnd)
	}
	if consumed > 0 {
		n := copy(s.request, s.request[consumed:])
		s.request = s.request[:n]
	}
	if len(s.request) > MaxRequestSize {
		s.log.Debug("request too large, discarding", "bytes", len(s.request))
		s.request = s.request[:0]
	}
	return s.Flush()
}

func (s *Session) handleBlock(block []byte) {
	cseq := findCSeq(block)
	if cseq == nil {
		s.log.Debug("request without CSeq ignored", "bytes", len(block))
		return
	}

	if bytes.Contains(block, methodOptions) {
		s.reply(cseq, publicHeader)
	}
	if bytes.Contains(block, methodDescribe) {
		s.replyDescribe(block, cseq)
	}
	if bytes.Contains(block, methodSetup) {
		s.reply(cseq, "Session: "+s.id+"\r\n"+transport)
	}
	if bytes.Contains(block, methodPlay) {
		s.replyPlay(cseq)
	}
}

// findCSeq returns the CSeq header line including its CRLF, or nil.
func findCSeq(block []byte) []byte {
	i := bytes.Index(block, cseqKey)
	if i < 0 {
		return nil
	}
	j := bytes.Index(block[i:], crlf)
	if j < 0 {
		return nil
	}
	return block[i : i+j+len(crlf)]
}

func (s *Session) reply(cseq []byte, headers string) {
	s.compactResponses()
	s.resp = append(s.resp, statusOK...)
	s.resp = append(s.resp, cseq...)
	s.resp = append(s.resp, headers...)
	s.requests++
}

func (s *Session) replyDescribe(block, cseq []byte) {
	base, ok := contentBase(block)
	if !ok {
		s.log.Debug("DESCRIBE without request URL ignored")
		return
	}
	body := s.desc()
	headers := "Date: " + s.date() + "\r\n" +
		"Content-Base: " + base + "\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" +
		body
	s.reply(cseq, headers)
}

// contentBase extracts the DESCRIBE request URL and ensures it ends in '/'.
func contentBase(block []byte) (string, bool) {
	i := bytes.Index(block, methodDescribe)
	if i < 0 {
		return "", false
	}
	rest := block[i+len(methodDescribe):]
	j := bytes.Index(rest, versionToken)
	if j < 0 {
		return "", false
	}
	url := string(bytes.TrimSpace(rest[:j]))
	if url == "" {
		return "", false
	}
	if url[len(url)-1] != '/' {
		url += "/"
	}
	return url, true
}

func (s *Session) replyPlay(cseq []byte) {
	s.reply(cseq, "Date: "+s.date()+"\r\nSession: "+s.id+"\r\n\r\n")
	if s.state == StateConnected {
		s.state = StatePlaying
		s.log.Info("client playing")
	}
}

func (s *Session) date() string {
	return s.now().UTC().Format(dateFormat)
}

// compactResponses drops responses that are already on the wire.
func (s *Session) compactResponses() {
	if s.respSent == 0 {
		return
	}
	n := copy(s.resp, s.resp[s.respSent:])
	s.resp = s.resp[:n]
	s.respSent = 0
}

// SendAccessUnit queues the units of one access unit. sizes[i] must equal
// rtp.ExpectedSize(len(units[i].Payload)). Units the session's gate holds
// back are skipped, except that a keyframe reaching a session without both
// parameter sets is preceded by the ones from SetParameterSets when those
// are known. The first forwarded unit advances the RTP timestamp by delay
// plus any delay carried from skipped access units; the others reuse it.
// Nothing happens unless the session is playing.
func (s *Session) SendAccessUnit(units []media.Unit, sizes []int, delay uint32) error {
	if s.state != StatePlaying {
		return nil
	}
	if len(sizes) != len(units) {
		return fmt.Errorf("rtsp: %d sizes for %d units", len(sizes), len(units))
	}

	s.pendingDelay += delay
	queued := false
	for i, u := range units {
		if u.Kind == media.KindIDR && s.gate < gateParams {
			sps, pps := s.params()
			if len(sps) > 0 && len(pps) > 0 {
				if !queued {
					s.compactMedia()
					queued = true
				}
				if err := s.queueParameterSets(sps, pps); err != nil {
					return err
				}
			}
		}

		admit, next := s.gate.step(u.Kind)
		if !admit {
			s.unitsGated++
			continue
		}
		if next != s.gate {
			s.log.Debug("gate advanced", "from", s.gate, "to", next, "kind", u.Kind)
			s.gate = next
		}

		if !queued {
			s.compactMedia()
			queued = true
		}
		if err := s.queue(u.Payload, sizes[i]); err != nil {
			return fmt.Errorf("rtsp: serialize %v unit: %w", u.Kind, err)
		}
	}
	if !queued {
		return nil
	}
	return s.Flush()
}

func (s *Session) queueParameterSets(sps, pps []byte) error {
	if err := s.queue(sps, rtp.ExpectedSize(len(sps))); err != nil {
		return fmt.Errorf("rtsp: serialize cached SPS: %w", err)
	}
	if err := s.queue(pps, rtp.ExpectedSize(len(pps))); err != nil {
		return fmt.Errorf("rtsp: serialize cached PPS: %w", err)
	}
	s.log.Debug("parameter sets sent ahead of keyframe", "from", s.gate)
	s.gate = gateParams
	return nil
}

// queue packetizes one unit onto the media buffer. size must be its
// rtp.ExpectedSize.
func (s *Session) queue(payload []byte, size int) error {
	start := len(s.media)
	s.media = slices.Grow(s.media, size)[:start+size]
	n, err := s.packetizer.Serialize(payload, s.media[start:], s.pendingDelay)
	if err != nil {
		s.media = s.media[:start]
		return err
	}
	s.media = s.media[:start+n]
	s.pendingDelay = 0
	s.unitsForwarded++
	return nil
}

// Resync makes a live session hold everything until the next keyframe.
// The caller uses it when access units were lost before reaching the
// session, so that no slice goes out without its references.
func (s *Session) Resync() {
	if s.gate != gateLive {
		return
	}
	s.log.Debug("access units lost, waiting for keyframe")
	s.gate = gateParams
}

// compactMedia drops fully written packets so the unflushed tail sits at
// the front of the buffer, ahead of anything appended next.
func (s *Session) compactMedia() {
	if s.mediaSent == len(s.media) {
		s.media = s.media[:0]
		s.mediaSent = 0
		s.boundary = 0
		return
	}
	if s.boundary == 0 {
		return
	}
	n := copy(s.media, s.media[s.boundary:])
	s.media = s.media[:n]
	s.mediaSent -= s.boundary
	s.boundary = 0
}

// Flush writes as much queued output as the connection accepts. A packet
// already partly written is finished before any response goes out. The
// returned error is a write failure; the connection should be dropped.
func (s *Session) Flush() error {
	if s.state == StateClosed {
		return nil
	}

	if s.mediaSent != s.boundary {
		target := rtp.NextBoundary(s.media, s.boundary, s.mediaSent)
		done, err := s.writeMedia(target)
		if err != nil || !done {
			return err
		}
	}

	if s.respSent < len(s.resp) {
		n, err := s.write(s.resp[s.respSent:])
		s.respSent += n
		if err != nil {
			return err
		}
		if s.respSent < len(s.resp) {
			return nil
		}
		s.resp = s.resp[:0]
		s.respSent = 0
	}

	if s.mediaSent < len(s.media) {
		if _, err := s.writeMedia(len(s.media)); err != nil {
			return err
		}
	}
	return nil
}

// writeMedia writes media up to limit and reports whether it got there.
func (s *Session) writeMedia(limit int) (bool, error) {
	n, err := s.write(s.media[s.mediaSent:limit])
	s.mediaSent += n
	s.advanceBoundary()
	if err != nil {
		return false, err
	}
	return s.mediaSent == limit, nil
}

func (s *Session) advanceBoundary() {
	for s.boundary < s.mediaSent {
		next := rtp.NextBoundary(s.media, s.boundary, s.boundary+1)
		if next > s.mediaSent {
			return
		}
		s.boundary = next
		s.packetsSent++
	}
}

// write loops until p is written, the connection pushes back, or an error
// occurs. It returns the number of bytes written.
func (s *Session) write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := s.conn.Write(p[total:])
		total += n
		s.bytesSent += int64(n)
		if err != nil {
			return total, fmt.Errorf("rtsp: write to %s: %w", s.peer, err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Pending reports the number of queued bytes not yet written.
func (s *Session) Pending() int {
	return len(s.resp) - s.respSent + len(s.media) - s.mediaSent
}

// Close marks the session closed. Later data and media are ignored. The
// caller owns the connection and closes it.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	st := s.Stats()
	s.log.Info("client disconnected",
		"requests", st.Requests,
		"packets", st.PacketsSent,
		"bytes", st.BytesSent,
		"units_forwarded", st.UnitsForwarded,
		"units_gated", st.UnitsGated,
		"duration", time.Since(st.ConnectedAt).Round(time.Millisecond))
}

// Stats returns the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:             s.id,
		Remote:         s.peer,
		State:          s.state.String(),
		ConnectedAt:    s.connectedAt,
		Requests:       s.requests,
		PacketsSent:    s.packetsSent,
		BytesSent:      s.bytesSent,
		UnitsForwarded: s.unitsForwarded,
		UnitsGated:     s.unitsGated,
	}
}
