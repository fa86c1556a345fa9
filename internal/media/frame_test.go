package media

import "testing"

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header byte
		want   UnitKind
	}{
		{0x67, KindSPS},
		{0x68, KindPPS},
		{0x65, KindIDR},
		{0x41, KindSlice},
		{0x01, KindSlice},
		{0x06, KindOther}, // SEI
		{0x09, KindOther}, // AUD
		{0x7C, KindOther}, // FU-A indicator
	}
	for _, tt := range tests {
		if got := KindOf(tt.header); got != tt.want {
			t.Errorf("KindOf(0x%02X): got %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestNewUnit(t *testing.T) {
	t.Parallel()

	u := NewUnit([]byte{0x65, 0x88, 0x84})
	if !u.IsKeyframe() {
		t.Error("IDR unit should be a keyframe")
	}
	if u.IsParameterSet() {
		t.Error("IDR unit is not a parameter set")
	}

	empty := NewUnit(nil)
	if empty.Kind != KindOther {
		t.Errorf("empty unit kind: got %v, want %v", empty.Kind, KindOther)
	}
}

func TestDelayTicks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ms   int
		want uint32
	}{
		{40, 3600},
		{33, 2970},
		{1000, 90000},
		{0, 0},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := DelayTicks(tt.ms); got != tt.want {
			t.Errorf("DelayTicks(%d): got %d, want %d", tt.ms, got, tt.want)
		}
	}
}
