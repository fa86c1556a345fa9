package rtsp

import "github.com/zsiec/framecast/internal/media"

// gateState tracks what a session has forwarded so far, so that no slice is
// sent before the client can decode it.
type gateState uint8

const (
	gateEmpty   gateState = iota // nothing forwarded
	gateHaveSPS                  // SPS forwarded, PPS missing
	gateHavePPS                  // PPS forwarded, SPS missing
	gateParams                   // both parameter sets, no keyframe yet
	gateLive                     // keyframe forwarded, everything passes
)

func (g gateState) String() string {
	switch g {
	case gateEmpty:
		return "empty"
	case gateHaveSPS:
		return "have-sps"
	case gateHavePPS:
		return "have-pps"
	case gateParams:
		return "params"
	case gateLive:
		return "live"
	default:
		return "unknown"
	}
}

type gateRule struct {
	admit bool
	next  gateState
}

const numKinds = int(media.KindSlice) + 1

// gateTable is indexed by current state and unit kind. Parameter sets always
// pass, a keyframe needs both parameter sets, anything else needs a keyframe.
var gateTable = [...][numKinds]gateRule{
	gateEmpty: {
		media.KindOther: {false, gateEmpty},
		media.KindSPS:   {true, gateHaveSPS},
		media.KindPPS:   {true, gateHavePPS},
		media.KindIDR:   {false, gateEmpty},
		media.KindSlice: {false, gateEmpty},
	},
	gateHaveSPS: {
		media.KindOther: {false, gateHaveSPS},
		media.KindSPS:   {true, gateHaveSPS},
		media.KindPPS:   {true, gateParams},
		media.KindIDR:   {false, gateHaveSPS},
		media.KindSlice: {false, gateHaveSPS},
	},
	gateHavePPS: {
		media.KindOther: {false, gateHavePPS},
		media.KindSPS:   {true, gateParams},
		media.KindPPS:   {true, gateHavePPS},
		media.KindIDR:   {false, gateHavePPS},
		media.KindSlice: {false, gateHavePPS},
	},
	gateParams: {
		media.KindOther: {false, gateParams},
		media.KindSPS:   {true, gateParams},
		media.KindPPS:   {true, gateParams},
		media.KindIDR:   {true, gateLive},
		media.KindSlice: {false, gateParams},
	},
	gateLive: {
		media.KindOther: {true, gateLive},
		media.KindSPS:   {true, gateLive},
		media.KindPPS:   {true, gateLive},
		media.KindIDR:   {true, gateLive},
		media.KindSlice: {true, gateLive},
	},
}

// step reports whether a unit of kind k may be forwarded and the state that
// follows. Unknown kinds are treated as KindOther.
func (g gateState) step(k media.UnitKind) (admit bool, next gateState) {
	if int(k) >= numKinds {
		k = media.KindOther
	}
	r := gateTable[g][k]
	return r.admit, r.next
}
