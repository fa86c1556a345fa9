package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// ErrSection is wrapped by PAT and PMT parse failures.
var ErrSection = errors.New("mpegts: bad PSI section")

// sectionBuffer reassembles one PSI section that may span packets.
type sectionBuffer struct {
	buf []byte
}

// add appends a packet payload and returns a complete section once enough
// bytes have arrived. Bytes after the first section are discarded.
func (s *sectionBuffer) add(pusi bool, payload []byte) []byte {
	if pusi {
		if len(payload) == 0 {
			s.buf = s.buf[:0]
			return nil
		}
		ptr := int(payload[0])
		if 1+ptr > len(payload) {
			s.buf = s.buf[:0]
			return nil
		}
		s.buf = append(s.buf[:0], payload[1+ptr:]...)
	} else {
		if len(s.buf) == 0 {
			return nil
		}
		s.buf = append(s.buf, payload...)
	}

	if len(s.buf) < 3 {
		return nil
	}
	if s.buf[0] == 0xFF {
		s.buf = s.buf[:0]
		return nil
	}
	total := 3 + (int(s.buf[1]&0x0F)<<8 | int(s.buf[2]))
	if len(s.buf) < total {
		return nil
	}
	section := s.buf[:total]
	s.buf = nil
	return section
}

func checkSection(data []byte, tableID byte, minLen int) error {
	if len(data) < minLen {
		return fmt.Errorf("%w: table 0x%02X too short (%d bytes)", ErrSection, tableID, len(data))
	}
	if data[0] != tableID {
		return fmt.Errorf("%w: table id 0x%02X, want 0x%02X", ErrSection, data[0], tableID)
	}
	if data[1]&0x80 == 0 {
		return fmt.Errorf("%w: section syntax indicator clear", ErrSection)
	}
	if CRC32(data) != 0 {
		return fmt.Errorf("%w: table 0x%02X CRC mismatch", ErrSection, tableID)
	}
	return nil
}

// parsePAT returns the PMT PIDs of every program, skipping the network PID.
func parsePAT(data []byte) ([]uint16, error) {
	if err := checkSection(data, tableIDPAT, 12); err != nil {
		return nil, err
	}
	var pids []uint16
	for i := 8; i+4 <= len(data)-4; i += 4 {
		program := uint16(data[i])<<8 | uint16(data[i+1])
		if program == 0 {
			continue
		}
		pids = append(pids, uint16(data[i+2]&0x1F)<<8|uint16(data[i+3]))
	}
	return pids, nil
}

type elementaryStream struct {
	pid        uint16
	streamType uint8
}

func parsePMT(data []byte) ([]elementaryStream, error) {
	if err := checkSection(data, tableIDPMT, 16); err != nil {
		return nil, err
	}
	end := len(data) - 4
	off := 12 + (int(data[10]&0x0F)<<8 | int(data[11]))

	var streams []elementaryStream
	for off+5 <= end {
		streams = append(streams, elementaryStream{
			streamType: data[off],
			pid:        uint16(data[off+1]&0x1F)<<8 | uint16(data[off+2]),
		})
		off += 5 + (int(data[off+3]&0x0F)<<8 | int(data[off+4]))
	}
	return streams, nil
}
