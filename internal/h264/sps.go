package h264

import (
	"errors"
	"fmt"
)

// ErrSPSTooShort is returned when an SPS ends before a required field.
var ErrSPSTooShort = errors.New("h264: SPS data too short")

// SPSInfo is the subset of a sequence parameter set the server reports.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	// FrameRate is derived from VUI timing info and is zero when absent.
	FrameRate float64
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.42E01E".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// ProfileLevelID returns the RFC 6184 profile-level-id fmtp value.
func (s SPSInfo) ProfileLevelID() string {
	return fmt.Sprintf("%02x%02x%02x", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// bitReader reads an RBSP MSB first. The first overrun is sticky: later reads
// return zero and err stays set, so a parse can check once per section.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (br *bitReader) bit() uint {
	if br.err != nil {
		return 0
	}
	if br.pos >= len(br.data)*8 {
		br.err = ErrSPSTooShort
		return 0
	}
	v := uint(br.data[br.pos/8]>>(7-br.pos%8)) & 1
	br.pos++
	return v
}

func (br *bitReader) bits(n int) uint {
	var v uint
	for range n {
		v = v<<1 | br.bit()
	}
	return v
}

func (br *bitReader) flag() bool { return br.bit() == 1 }

func (br *bitReader) ue() uint {
	zeros := 0
	for br.bit() == 0 {
		if br.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			br.err = ErrSPSTooShort
			return 0
		}
	}
	return 1<<zeros - 1 + br.bits(zeros)
}

func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// highProfile reports whether profile_idc carries chroma format and scaling
// matrix fields (H.264 7.3.2.1.1).
func highProfile(idc uint) bool {
	switch idc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an SPS NAL unit, header byte included and start code
// excluded.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, ErrSPSTooShort
	}
	br := &bitReader{data: unescapeRBSP(nalu[1:])}

	info := SPSInfo{
		ProfileIDC:      byte(br.bits(8)),
		ConstraintFlags: byte(br.bits(8)),
		LevelIDC:        byte(br.bits(8)),
	}
	br.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfile(uint(info.ProfileIDC)) {
		chromaFormat = br.ue()
		if chromaFormat == 3 {
			separatePlanes = br.flag()
		}
		br.ue()  // bit_depth_luma_minus8
		br.ue()  // bit_depth_chroma_minus8
		br.bit() // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := range lists {
				if !br.flag() {
					continue
				}
				if i < 6 {
					br.skipScalingList(16)
				} else {
					br.skipScalingList(64)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.bit()
		br.se()
		br.se()
		for range br.ue() {
			br.se()
		}
	}
	br.ue()  // max_num_ref_frames
	br.bit() // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightUnits := br.ue() + 1
	frameMbsOnly := br.bit()
	if frameMbsOnly == 0 {
		br.bit() // mb_adaptive_frame_field_flag
	}
	br.bit() // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes, chromaFormat == 0, chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	cropX := subW
	cropY := subH * (2 - frameMbsOnly)

	info.Width = int(widthMbs*16 - cropX*(cropL+cropR))
	info.Height = int(heightUnits*16*(2-frameMbsOnly) - cropY*(cropT+cropB))

	if br.flag() {
		info.FrameRate = parseVUITiming(br)
	}
	return info, nil
}

// parseVUITiming walks the VUI up to timing_info and returns the frame rate.
// A truncated VUI yields zero.
func parseVUITiming(br *bitReader) float64 {
	if br.flag() { // aspect_ratio_info_present_flag
		if br.bits(8) == 255 {
			br.bits(32)
		}
	}
	if br.flag() { // overscan_info_present_flag
		br.bit()
	}
	if br.flag() { // video_signal_type_present_flag
		br.bits(4)
		if br.flag() {
			br.bits(24)
		}
	}
	if br.flag() { // chroma_loc_info_present_flag
		br.ue()
		br.ue()
	}
	if !br.flag() { // timing_info_present_flag
		return 0
	}
	units := br.bits(32)
	scale := br.bits(32)
	if br.err != nil || units == 0 {
		return 0
	}
	return float64(scale) / float64(2*units)
}

// unescapeRBSP removes emulation prevention bytes (00 00 03).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
