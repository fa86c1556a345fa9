package mpegts

import (
	"errors"
	"fmt"
)

// ErrPES is wrapped by PES header parse failures.
var ErrPES = errors.New("mpegts: bad PES packet")

// ptsMask keeps the 33 significant bits of a PTS.
const ptsMask = 1<<33 - 1

type pesPacket struct {
	pts    int64
	hasPTS bool
	data   []byte
}

// pesLength returns the declared PES packet length in bytes including its
// six-byte prefix, or 0 when the packet is unbounded.
func pesLength(buf []byte) int {
	if len(buf) < 6 {
		return 0
	}
	n := int(buf[4])<<8 | int(buf[5])
	if n == 0 {
		return 0
	}
	return 6 + n
}

func parsePES(buf []byte) (pesPacket, error) {
	var p pesPacket
	if len(buf) < 9 {
		return p, fmt.Errorf("%w: %d bytes", ErrPES, len(buf))
	}
	if buf[0] != 0 || buf[1] != 0 || buf[2] != 1 {
		return p, fmt.Errorf("%w: no start code prefix", ErrPES)
	}
	// Video stream ids 0xE0-0xEF always carry the optional header.
	if buf[3]&0xF0 != 0xE0 {
		return p, fmt.Errorf("%w: stream id 0x%02X is not video", ErrPES, buf[3])
	}

	start := 9 + int(buf[8])
	if start > len(buf) {
		return p, fmt.Errorf("%w: header length %d exceeds packet", ErrPES, buf[8])
	}
	if buf[7]&0x80 != 0 && len(buf) >= 14 {
		p.pts = decodeTimestamp(buf[9:14])
		p.hasPTS = true
	}

	end := len(buf)
	if n := pesLength(buf); n > 0 && n < end {
		end = n
	}
	if start > end {
		start = end
	}
	p.data = buf[start:end]
	return p, nil
}

func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

// EncodeTimestamp writes pts in the five-byte PES form with the given
// four-bit prefix (0x2 for a lone PTS).
func EncodeTimestamp(dst []byte, prefix byte, pts int64) {
	pts &= ptsMask
	dst[0] = prefix<<4 | byte(pts>>29)&0x0E | 1
	dst[1] = byte(pts >> 22)
	dst[2] = byte(pts>>14)&0xFE | 1
	dst[3] = byte(pts >> 7)
	dst[4] = byte(pts<<1) | 1
}

// TimestampDelta returns b-a on the wrapping 33-bit PTS clock.
func TimestampDelta(a, b int64) int64 {
	return (b - a) & ptsMask
}
