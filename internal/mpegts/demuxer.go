package mpegts

import (
	"bytes"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/framecast/internal/h264"
)

// AccessUnit is one H.264 access unit in Annex B form. PTS is on the 90 kHz
// clock and only meaningful when HasPTS is set.
type AccessUnit struct {
	PTS    int64
	HasPTS bool
	Data   []byte
}

// Stats counts what a Demuxer has read.
type Stats struct {
	Packets         uint64 `json:"packets"`
	SkippedBytes    uint64 `json:"skippedBytes"`
	Discontinuities uint64 `json:"discontinuities"`
	Errors          uint64 `json:"errors"`
}

// Demuxer reads transport stream packets from r and yields the access units
// of the first H.264 stream announced in a PMT. It is not safe for
// concurrent use.
type Demuxer struct {
	r   io.Reader
	log *slog.Logger
	pkt [PacketSize]byte

	pmtPIDs   map[uint16]bool
	psi       map[uint16]*sectionBuffer
	videoPID  uint16
	haveVideo bool

	pes     []byte
	pesOpen bool
	lastCC  uint8
	haveCC  bool

	queue []AccessUnit
	eof   bool
	stats Stats
}

// NewDemuxer creates a Demuxer reading from r. If log is nil, slog.Default()
// is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		r:       r,
		log:     log.With("component", "mpegts"),
		pmtPIDs: make(map[uint16]bool),
		psi:     make(map[uint16]*sectionBuffer),
	}
}

// VideoPID returns the PID of the selected H.264 stream, if one was found.
func (d *Demuxer) VideoPID() (uint16, bool) { return d.videoPID, d.haveVideo }

// Stats returns the counters so far.
func (d *Demuxer) Stats() Stats { return d.stats }

// ReadAccessUnit returns the next access unit. At the end of the input the
// final PES is flushed and io.EOF follows once everything buffered has been
// returned. Other read errors are returned as is.
func (d *Demuxer) ReadAccessUnit() (AccessUnit, error) {
	for {
		if len(d.queue) > 0 {
			au := d.queue[0]
			d.queue = d.queue[1:]
			return au, nil
		}
		if d.eof {
			return AccessUnit{}, io.EOF
		}
		if err := d.readPacket(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.flushPES()
				continue
			}
			return AccessUnit{}, err
		}
		d.handlePacket(d.pkt[:])
	}
}

// readPacket fills d.pkt with the next packet, sliding forward byte by byte
// until a sync byte leads the buffer.
func (d *Demuxer) readPacket() error {
	buf := d.pkt[:]
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return err
	}
	for buf[0] != syncByte {
		i := bytes.IndexByte(buf[1:], syncByte)
		if i < 0 {
			d.stats.SkippedBytes += PacketSize
			if _, err := io.ReadFull(d.r, buf); err != nil {
				return err
			}
			continue
		}
		d.stats.SkippedBytes += uint64(i + 1)
		n := copy(buf, buf[i+1:])
		if _, err := io.ReadFull(d.r, buf[n:]); err != nil {
			return err
		}
	}
	d.stats.Packets++
	return nil
}

func (d *Demuxer) handlePacket(buf []byte) {
	h, payload, err := parsePacket(buf)
	if err != nil {
		d.stats.Errors++
		d.log.Debug("skipping packet", "error", err)
		return
	}
	if h.pid == pidNull {
		return
	}

	switch {
	case h.pid == pidPAT || d.pmtPIDs[h.pid]:
		if !h.transportErr {
			d.handlePSI(h, payload)
		}
	case d.haveVideo && h.pid == d.videoPID:
		if h.transportErr {
			d.stats.Errors++
			d.resetPES()
			return
		}
		d.handleVideo(h, payload)
	}
}

func (d *Demuxer) handlePSI(h header, payload []byte) {
	if payload == nil {
		return
	}
	sb, ok := d.psi[h.pid]
	if !ok {
		sb = &sectionBuffer{}
		d.psi[h.pid] = sb
	}
	section := sb.add(h.pusi, payload)
	if section == nil {
		return
	}

	if h.pid == pidPAT {
		pids, err := parsePAT(section)
		if err != nil {
			d.stats.Errors++
			d.log.Debug("skipping PAT", "error", err)
			return
		}
		for _, pid := range pids {
			d.pmtPIDs[pid] = true
		}
		return
	}

	streams, err := parsePMT(section)
	if err != nil {
		d.stats.Errors++
		d.log.Debug("skipping PMT", "pid", h.pid, "error", err)
		return
	}
	if d.haveVideo {
		return
	}
	for _, es := range streams {
		if es.streamType == StreamTypeH264 {
			d.videoPID, d.haveVideo = es.pid, true
			d.log.Info("video stream selected", "pid", es.pid, "pmt_pid", h.pid)
			return
		}
	}
	d.log.Warn("program has no H.264 stream", "pmt_pid", h.pid, "streams", len(streams))
}

func (d *Demuxer) handleVideo(h header, payload []byte) {
	if !h.hasPayload {
		return
	}
	if d.haveCC && !h.discontinuity {
		want := (d.lastCC + 1) & 0x0F
		if h.cc == d.lastCC {
			return
		}
		if h.cc != want {
			d.stats.Discontinuities++
			d.log.Debug("continuity error, dropping partial PES", "pid", h.pid, "cc", h.cc, "want", want)
			d.resetPES()
		}
	}
	d.lastCC, d.haveCC = h.cc, true

	switch {
	case h.pusi:
		d.flushPES()
		d.pes = append(d.pes, payload...)
		d.pesOpen = true
	case d.pesOpen:
		d.pes = append(d.pes, payload...)
	default:
		return
	}
	if n := pesLength(d.pes); n > 0 && len(d.pes) >= n {
		d.flushPES()
	}
}

// flushPES parses the buffered PES and queues its access units. Ownership
// of the buffer moves to the queued units.
func (d *Demuxer) flushPES() {
	if !d.pesOpen {
		return
	}
	buf := d.pes
	d.resetPES()

	p, err := parsePES(buf)
	if err != nil {
		d.stats.Errors++
		d.log.Debug("skipping PES", "error", err)
		return
	}
	for i, au := range h264.SplitAccessUnits(p.data) {
		out := AccessUnit{Data: au}
		if i == 0 {
			out.PTS, out.HasPTS = p.pts, p.hasPTS
		}
		d.queue = append(d.queue, out)
	}
}

func (d *Demuxer) resetPES() {
	d.pes, d.pesOpen = nil, false
}
