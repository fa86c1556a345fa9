// Package media defines the frame and encoded-unit types that flow from the
// producer through the encoder and packetizer to RTSP sessions.
package media

import "time"

// ClockRate is the RTP clock rate for H.264 video (RFC 6184).
const ClockRate = 90000

// Frame is a single picture handed from the producer to the streaming
// service. The service never inspects Data; it is passed to the encoder
// as-is. For the pass-through encoders Data holds one already-encoded
// access unit.
type Frame struct {
	Width    int
	Height   int
	Data     []byte
	Captured time.Time
}

// Empty reports whether the frame carries no data.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// UnitKind classifies an encoded unit for the per-session gating rule.
type UnitKind uint8

// Encoded unit kinds. KindSPS and KindPPS are the two parameter sets a
// decoder needs before any slice; KindIDR is a keyframe slice.
const (
	KindOther UnitKind = iota
	KindSPS
	KindPPS
	KindIDR
	KindSlice
)

func (k UnitKind) String() string {
	switch k {
	case KindSPS:
		return "sps"
	case KindPPS:
		return "pps"
	case KindIDR:
		return "idr"
	case KindSlice:
		return "slice"
	default:
		return "other"
	}
}

// KindOf classifies a NAL unit by the type bits of its header byte.
func KindOf(header byte) UnitKind {
	switch header & 0x1F {
	case 7:
		return KindSPS
	case 8:
		return KindPPS
	case 5:
		return KindIDR
	case 1, 2, 3, 4:
		return KindSlice
	default:
		return KindOther
	}
}

// Unit is one NAL unit emitted by the encoder. Payload includes the NAL
// header byte and no start code or length prefix.
type Unit struct {
	Kind    UnitKind
	Payload []byte
}

// NewUnit builds a Unit from raw NAL bytes, classifying it by its header.
func NewUnit(payload []byte) Unit {
	if len(payload) == 0 {
		return Unit{Kind: KindOther}
	}
	return Unit{Kind: KindOf(payload[0]), Payload: payload}
}

// IsKeyframe reports whether the unit is an IDR slice.
func (u Unit) IsKeyframe() bool {
	return u.Kind == KindIDR
}

// IsParameterSet reports whether the unit is an SPS or PPS.
func (u Unit) IsParameterSet() bool {
	return u.Kind == KindSPS || u.Kind == KindPPS
}

// DelayTicks converts an inter-frame delay in milliseconds into RTP clock
// ticks. Negative delays yield zero.
func DelayTicks(ms int) uint32 {
	if ms <= 0 {
		return 0
	}
	return uint32(int64(ms) * ClockRate / 1000)
}
