// Package mpegts extracts H.264 access units from an MPEG transport stream.
// It follows PAT and PMT to the first AVC elementary stream, reassembles its
// PES packets and hands back Annex B access units with their 90 kHz PTS.
package mpegts

import (
	"errors"
	"fmt"
)

// PacketSize is the size of one transport stream packet.
const PacketSize = 188

// StreamTypeH264 is the PMT stream_type of an AVC elementary stream.
const StreamTypeH264 = 0x1B

const (
	syncByte = 0x47
	pidPAT   = 0x0000
	pidNull  = 0x1FFF
)

// ErrPacket is wrapped by errors about a single malformed packet.
var ErrPacket = errors.New("mpegts: malformed packet")

type header struct {
	pid           uint16
	cc            uint8
	pusi          bool
	transportErr  bool
	hasPayload    bool
	discontinuity bool
}

// parsePacket returns the header and the payload of buf. The payload aliases
// buf.
func parsePacket(buf []byte) (header, []byte, error) {
	var h header
	if len(buf) != PacketSize {
		return h, nil, fmt.Errorf("%w: size %d", ErrPacket, len(buf))
	}
	if buf[0] != syncByte {
		return h, nil, fmt.Errorf("%w: sync byte 0x%02X", ErrPacket, buf[0])
	}

	h.transportErr = buf[1]&0x80 != 0
	h.pusi = buf[1]&0x40 != 0
	h.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAF := buf[3]&0x20 != 0
	h.hasPayload = buf[3]&0x10 != 0
	h.cc = buf[3] & 0x0F

	off := 4
	if hasAF {
		afLen := int(buf[4])
		if afLen > 0 {
			h.discontinuity = buf[5]&0x80 != 0
		}
		off += 1 + afLen
		if off > PacketSize {
			return h, nil, fmt.Errorf("%w: adaptation field length %d", ErrPacket, afLen)
		}
	}
	if !h.hasPayload || off == PacketSize {
		return h, nil, nil
	}
	return h, buf[off:], nil
}

var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC32 computes the MPEG-2 CRC that terminates every PSI section. Run over a
// whole section including its trailing CRC it yields zero.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
