package rtsp

import (
	"testing"

	"github.com/zsiec/framecast/internal/media"
)

// referenceGate is the plain three-flag rule the table encodes.
type referenceGate struct {
	sps, pps, idr bool
}

func (r *referenceGate) admit(k media.UnitKind) bool {
	switch k {
	case media.KindSPS:
		r.sps = true
		return true
	case media.KindPPS:
		r.pps = true
		return true
	case media.KindIDR:
		if r.sps && r.pps {
			r.idr = true
			return true
		}
		return false
	default:
		return r.idr
	}
}

var allKinds = []media.UnitKind{
	media.KindOther, media.KindSPS, media.KindPPS, media.KindIDR, media.KindSlice,
}

func TestGateMatchesReferenceForAllSequences(t *testing.T) {
	t.Parallel()
	const length = 5
	total := 1
	for range length {
		total *= len(allKinds)
	}

	seq := make([]media.UnitKind, length)
	for n := range total {
		v := n
		for i := range seq {
			seq[i] = allKinds[v%len(allKinds)]
			v /= len(allKinds)
		}

		var ref referenceGate
		g := gateEmpty
		for i, k := range seq {
			want := ref.admit(k)
			got, next := g.step(k)
			if got != want {
				t.Fatalf("sequence %v, unit %d (%v): admit %v, want %v", seq, i, k, got, want)
			}
			if got {
				g = next
			}
		}
	}
}

func TestGateUnknownKindIsOther(t *testing.T) {
	t.Parallel()
	admit, next := gateParams.step(media.UnitKind(200))
	if admit || next != gateParams {
		t.Errorf("got (%v, %v), want (false, params)", admit, next)
	}
	admit, _ = gateLive.step(media.UnitKind(200))
	if !admit {
		t.Error("unknown kind should pass once live")
	}
}

func TestGateStateString(t *testing.T) {
	t.Parallel()
	for g, want := range map[gateState]string{
		gateEmpty:    "empty",
		gateHaveSPS:  "have-sps",
		gateHavePPS:  "have-pps",
		gateParams:   "params",
		gateLive:     "live",
		gateState(9): "unknown",
	} {
		if got := g.String(); got != want {
			t.Errorf("gateState(%d) = %q, want %q", g, got, want)
		}
	}
}
