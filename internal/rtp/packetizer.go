// Package rtp serializes H.264 NAL units into RTP packets (RFC 3550,
// RFC 6184 packetization-mode=1) wrapped in RTSP interleaved framing
// (RFC 2326 §10.12), ready to be written to the RTSP control connection.
//
// Units shorter than FragmentThreshold travel as a single NAL unit packet;
// longer units are split into FU-A fragments.
package rtp

import (
	"encoding/binary"
	"io"
	"math/rand/v2"
)

// Wire sizes and constants.
const (
	InterleavedSize = 4
	HeaderSize      = 12
	FUSize          = 2

	// FragmentThreshold is the largest payload carried by one packet. Units
	// of at least this many bytes are fragmented.
	FragmentThreshold = 1460

	// MaxPacketSize bounds every packet Serialize emits, framing included.
	MaxPacketSize = InterleavedSize + HeaderSize + FUSize + FragmentThreshold

	Magic        = 0x24
	MediaChannel = 0
	PayloadType  = 96

	version    = 0x80
	markerBit  = 0x80
	fuaType    = 28
	fuStartBit = 0x80
	fuEndBit   = 0x40
)

// ExpectedSize returns the exact number of bytes Serialize writes for a unit
// of n bytes, without serializing anything.
func ExpectedSize(n int) int {
	if n < FragmentThreshold {
		return InterleavedSize + HeaderSize + n
	}
	// The NAL header byte is folded into the FU indicator/header pair.
	n--
	fragments := (n + FragmentThreshold - 1) / FragmentThreshold
	return fragments*(InterleavedSize+HeaderSize+FUSize) + n
}

// FragmentCount returns the number of packets Serialize emits for a unit of
// n bytes.
func FragmentCount(n int) int {
	if n < FragmentThreshold {
		return 1
	}
	return (n - 1 + FragmentThreshold - 1) / FragmentThreshold
}

// Packetizer owns the sequence number and timestamp state of one RTP
// channel. It is not safe for concurrent use.
type Packetizer struct {
	channel   byte
	seq       uint16
	timestamp uint32
	ssrc      uint32
}

// NewPacketizer returns a Packetizer for the media channel starting at
// sequence number 0 with the given SSRC and initial timestamp.
func NewPacketizer(ssrc, timestamp uint32) *Packetizer {
	return &Packetizer{
		channel:   MediaChannel,
		ssrc:      ssrc,
		timestamp: timestamp,
	}
}

// NewRandomPacketizer returns a Packetizer with a random SSRC and initial
// timestamp, as RFC 3550 §5.1 recommends.
func NewRandomPacketizer() *Packetizer {
	return NewPacketizer(rand.Uint32(), rand.Uint32())
}

// Sequence returns the sequence number the next packet will carry.
func (p *Packetizer) Sequence() uint16 { return p.seq }

// Timestamp returns the timestamp of the most recently serialized unit.
func (p *Packetizer) Timestamp() uint32 { return p.timestamp }

// SSRC returns the synchronization source identifier.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Serialize writes unit as one or more interleaved RTP packets into out and
// returns the number of bytes written, which always equals
// ExpectedSize(len(unit)). The timestamp advances by delay once per call,
// before the first packet, so every fragment of a unit shares a timestamp.
func (p *Packetizer) Serialize(unit, out []byte, delay uint32) (int, error) {
	size := ExpectedSize(len(unit))
	if len(out) < size {
		return 0, io.ErrShortBuffer
	}
	p.timestamp += delay

	if len(unit) < FragmentThreshold {
		off := p.putFraming(out, HeaderSize+len(unit), true)
		copy(out[off:], unit)
		return size, nil
	}

	indicator := unit[0]&0xE0 | fuaType
	nalType := unit[0] & 0x1F
	rest := unit[1:]

	pos := 0
	for sent := 0; sent < len(rest); {
		chunk := min(FragmentThreshold, len(rest)-sent)
		last := sent+chunk == len(rest)

		pos += p.putFraming(out[pos:], HeaderSize+FUSize+chunk, last)

		header := nalType
		if sent == 0 {
			header |= fuStartBit
		}
		if last {
			header |= fuEndBit
		}
		out[pos] = indicator
		out[pos+1] = header
		pos += FUSize

		pos += copy(out[pos:], rest[sent:sent+chunk])
		sent += chunk
	}
	return pos, nil
}

// putFraming writes the interleaved header and the RTP fixed header for a
// packet whose RTP length (header plus payload) is rtpLen, consuming one
// sequence number. It returns the number of bytes written.
func (p *Packetizer) putFraming(b []byte, rtpLen int, marker bool) int {
	b[0] = Magic
	b[1] = p.channel
	binary.BigEndian.PutUint16(b[2:4], uint16(rtpLen))

	h := b[InterleavedSize:]
	h[0] = version
	h[1] = PayloadType
	if marker {
		h[1] |= markerBit
	}
	binary.BigEndian.PutUint16(h[2:4], p.seq)
	binary.BigEndian.PutUint32(h[4:8], p.timestamp)
	binary.BigEndian.PutUint32(h[8:12], p.ssrc)
	p.seq++

	return InterleavedSize + HeaderSize
}

// NextBoundary walks the interleaved frames of buf starting at the frame
// boundary start and returns the first boundary at or after off. If the
// frames run past the end of buf, len(buf) is returned.
func NextBoundary(buf []byte, start, off int) int {
	pos := start
	for pos < off {
		if pos+InterleavedSize > len(buf) {
			return len(buf)
		}
		pos += InterleavedSize + int(binary.BigEndian.Uint16(buf[pos+2:pos+4]))
	}
	return min(pos, len(buf))
}
