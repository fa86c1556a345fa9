// Package h264 holds the small amount of H.264 bitstream knowledge the server
// needs: NAL unit classification, Annex B access unit splitting for file
// input, and SPS parsing for stream geometry and SDP parameters.
package h264

import (
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// NAL unit types from ITU-T H.264 Table 7-1 that the server cares about.
const (
	NALTypeSlice = byte(mch264.NALUTypeNonIDR)
	NALTypeIDR   = byte(mch264.NALUTypeIDR)
	NALTypeSEI   = byte(mch264.NALUTypeSEI)
	NALTypeSPS   = byte(mch264.NALUTypeSPS)
	NALTypePPS   = byte(mch264.NALUTypePPS)
	NALTypeAUD   = byte(mch264.NALUTypeAccessUnitDelimiter)
)

// Type returns the nal_unit_type of a NAL unit that starts with its header
// byte. It returns 0 for an empty unit.
func Type(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// IsVCL reports whether t is a coded slice type.
func IsVCL(t byte) bool {
	return t >= NALTypeSlice && t <= NALTypeIDR
}

// startsAccessUnit reports whether a non-VCL NAL of type t must open a new
// access unit when it follows a VCL NAL (H.264 7.4.1.2.3).
func startsAccessUnit(t byte) bool {
	switch {
	case t == NALTypeAUD, t == NALTypeSEI, t == NALTypeSPS, t == NALTypePPS:
		return true
	case t >= 14 && t <= 18:
		return true
	}
	return false
}

// firstSliceOfPicture reports whether a VCL NAL has first_mb_in_slice == 0,
// which is coded as the single bit '1' right after the header.
func firstSliceOfPicture(nalu []byte) bool {
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

type nalSpan struct {
	start int // start code offset
	data  int // first byte after the start code
	end   int
}

// scanStartCodes finds every NAL unit in an Annex B stream. Both 3-byte and
// 4-byte start codes are recognized. Empty units are skipped.
func scanStartCodes(data []byte) []nalSpan {
	var spans []nalSpan
	n := len(data)
	for i := 0; i+2 < n; {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case i+3 < n && data[i+2] == 0 && data[i+3] == 1:
			spans = append(spans, nalSpan{start: i, data: i + 4})
			i += 4
		case data[i+2] == 1:
			spans = append(spans, nalSpan{start: i, data: i + 3})
			i += 3
		default:
			i++
		}
	}

	out := spans[:0]
	for idx := range spans {
		end := n
		if idx+1 < len(spans) {
			end = spans[idx+1].start
		}
		if spans[idx].data >= end {
			continue
		}
		spans[idx].end = end
		out = append(out, spans[idx])
	}
	return out
}

// SplitNALUs returns the NAL units of an Annex B stream without their start
// codes. The returned slices alias data.
func SplitNALUs(data []byte) [][]byte {
	spans := scanStartCodes(data)
	if len(spans) == 0 {
		return nil
	}
	nalus := make([][]byte, len(spans))
	for i, s := range spans {
		nalus[i] = data[s.data:s.end]
	}
	return nalus
}

// SplitAccessUnits groups an Annex B elementary stream into access units.
// Each returned slice aliases data, begins with a start code and contains
// every NAL unit of one picture, including the parameter sets and SEI that
// precede it. Bytes before the first start code are ignored.
func SplitAccessUnits(data []byte) [][]byte {
	spans := scanStartCodes(data)
	if len(spans) == 0 {
		return nil
	}

	var units [][]byte
	auStart := spans[0].start
	sawVCL := false
	for _, s := range spans {
		nalu := data[s.data:s.end]
		t := Type(nalu)

		boundary := false
		switch {
		case t == NALTypeAUD:
			boundary = s.start != auStart
		case IsVCL(t):
			boundary = sawVCL && firstSliceOfPicture(nalu)
		case startsAccessUnit(t):
			boundary = sawVCL
		}

		if boundary {
			units = append(units, data[auStart:s.start])
			auStart = s.start
			sawVCL = false
		}
		if IsVCL(t) {
			sawVCL = true
		}
	}
	units = append(units, data[auStart:spans[len(spans)-1].end])
	return units
}
