// Package mpegtstest builds small single-program transport streams for tests.
package mpegtstest

import (
	"encoding/binary"

	"github.com/zsiec/framecast/internal/mpegts"
)

// PIDs used by Muxer.
const (
	PMTPID   = 0x1000
	VideoPID = 0x0100
)

// Stream is one PMT entry.
type Stream struct {
	Type byte
	PID  uint16
}

// Muxer writes PAT, PMT and video PES packets with running continuity
// counters. The zero value muxes H.264 on VideoPID.
type Muxer struct {
	// Streams overrides the PMT entries when non-empty.
	Streams []Stream
	// Unbounded writes video PES packets with a zero length field.
	Unbounded bool

	cc map[uint16]uint8
}

// Mux returns tables followed by one PES per access unit, PTS advancing by
// step from start.
func Mux(aus [][]byte, start, step int64) []byte {
	var m Muxer
	out := m.Tables(nil)
	for i, au := range aus {
		out = m.PES(out, start+int64(i)*step, au)
	}
	return out
}

// Tables appends a PAT and a PMT.
func (m *Muxer) Tables(dst []byte) []byte {
	streams := m.Streams
	if len(streams) == 0 {
		streams = []Stream{{Type: mpegts.StreamTypeH264, PID: VideoPID}}
	}
	dst = append(dst, m.Packet(0, true, psi(PATSection(PMTPID)))...)
	return append(dst, m.Packet(PMTPID, true, psi(PMTSection(VideoPID, streams...)))...)
}

// PES appends au as one PES on VideoPID, split across as many packets as it
// needs.
func (m *Muxer) PES(dst []byte, pts int64, au []byte) []byte {
	hdr := make([]byte, 14, 14+len(au))
	copy(hdr, []byte{0x00, 0x00, 0x01, 0xE0})
	if n := 8 + len(au); !m.Unbounded && n <= 0xFFFF {
		binary.BigEndian.PutUint16(hdr[4:], uint16(n))
	}
	hdr[6] = 0x80
	hdr[7] = 0x80
	hdr[8] = 5
	mpegts.EncodeTimestamp(hdr[9:], 0x2, pts)
	pes := append(hdr, au...)

	for first := true; len(pes) > 0; first = false {
		n := min(len(pes), mpegts.PacketSize-4)
		dst = append(dst, m.Packet(VideoPID, first, pes[:n])...)
		pes = pes[n:]
	}
	return dst
}

// Packet builds one packet carrying payload, padding with adaptation field
// stuffing when the payload is short. payload must fit in 184 bytes.
func (m *Muxer) Packet(pid uint16, pusi bool, payload []byte) []byte {
	if m.cc == nil {
		m.cc = make(map[uint16]uint8)
	}
	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F
	return Packet(pid, cc, pusi, payload)
}

// Packet builds one packet with an explicit continuity counter.
func Packet(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, mpegts.PacketSize)
	buf[0] = 0x47
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)

	space := mpegts.PacketSize - 4
	if len(payload) == space {
		buf[3] = 0x10 | cc&0x0F
		copy(buf[4:], payload)
		return buf
	}
	buf[3] = 0x30 | cc&0x0F
	afLen := space - 1 - len(payload)
	buf[4] = byte(afLen)
	if afLen > 0 {
		buf[5] = 0x00
		for i := 6; i < 5+afLen; i++ {
			buf[i] = 0xFF
		}
	}
	copy(buf[5+afLen:], payload)
	return buf
}

// PATSection builds a PAT announcing one program on pmtPID.
func PATSection(pmtPID uint16) []byte {
	s := []byte{
		0x00, 0xB0, 0x00,
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return finishSection(s)
}

// PMTSection builds a PMT listing streams.
func PMTSection(pcrPID uint16, streams ...Stream) []byte {
	s := []byte{
		0x02, 0xB0, 0x00,
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
		0xF0, 0x00,
	}
	for _, st := range streams {
		s = append(s, st.Type, 0xE0|byte(st.PID>>8)&0x1F, byte(st.PID), 0xF0, 0x00)
	}
	return finishSection(s)
}

// finishSection fills in section_length and appends the CRC.
func finishSection(s []byte) []byte {
	n := len(s) - 3 + 4
	s[1] |= byte(n>>8) & 0x0F
	s[2] = byte(n)
	return binary.BigEndian.AppendUint32(s, mpegts.CRC32(s))
}

func psi(section []byte) []byte {
	return append([]byte{0x00}, section...)
}
