package mpegts_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/framecast/internal/mpegts"
	"github.com/zsiec/framecast/internal/mpegts/mpegtstest"
)

var (
	testSPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xC0, 0x1E, 0xD9, 0x00, 0xA0, 0x47, 0xFE, 0xC8}
	testPPS = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80}
)

func idr(size int) []byte {
	au := append([]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88}, bytes.Repeat([]byte{0xAB}, size)...)
	return au
}

func slice(size int) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A}, bytes.Repeat([]byte{0xCD}, size)...)
}

func keyframe(size int) []byte {
	var au []byte
	au = append(au, testSPS...)
	au = append(au, testPPS...)
	return append(au, idr(size)...)
}

func readAll(t *testing.T, d *mpegts.Demuxer) []mpegts.AccessUnit {
	t.Helper()
	var out []mpegts.AccessUnit
	for {
		au, err := d.ReadAccessUnit()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadAccessUnit: %v", err)
		}
		out = append(out, au)
	}
}

func TestDemuxer_AccessUnits(t *testing.T) {
	t.Parallel()

	aus := [][]byte{keyframe(3000), slice(10), slice(500), keyframe(183)}
	d := mpegts.NewDemuxer(bytes.NewReader(mpegtstest.Mux(aus, 90000, 3600)), nil)
	got := readAll(t, d)

	if len(got) != len(aus) {
		t.Fatalf("got %d access units, want %d", len(got), len(aus))
	}
	for i := range aus {
		if !bytes.Equal(got[i].Data, aus[i]) {
			t.Errorf("au %d: data mismatch (%d bytes, want %d)", i, len(got[i].Data), len(aus[i]))
		}
		if !got[i].HasPTS || got[i].PTS != 90000+int64(i)*3600 {
			t.Errorf("au %d: PTS = %d (%v), want %d", i, got[i].PTS, got[i].HasPTS, 90000+int64(i)*3600)
		}
	}
	pid, ok := d.VideoPID()
	if !ok || pid != mpegtstest.VideoPID {
		t.Errorf("VideoPID() = %d, %v", pid, ok)
	}
	if s := d.Stats(); s.Packets == 0 || s.Errors != 0 || s.Discontinuities != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestDemuxer_UnboundedPES(t *testing.T) {
	t.Parallel()

	m := mpegtstest.Muxer{Unbounded: true}
	stream := m.Tables(nil)
	stream = m.PES(stream, 0, keyframe(400))
	stream = m.PES(stream, 3000, slice(50))

	got := readAll(t, mpegts.NewDemuxer(bytes.NewReader(stream), nil))
	if len(got) != 2 {
		t.Fatalf("got %d access units, want 2", len(got))
	}
	if !bytes.Equal(got[1].Data, slice(50)) {
		t.Error("last PES not flushed at end of input")
	}
}

func TestDemuxer_BeforeTables(t *testing.T) {
	t.Parallel()

	var m mpegtstest.Muxer
	var stream []byte
	stream = m.PES(stream, 0, keyframe(100))
	stream = m.Tables(stream)
	stream = m.PES(stream, 3000, keyframe(100))

	got := readAll(t, mpegts.NewDemuxer(bytes.NewReader(stream), nil))
	if len(got) != 1 || got[0].PTS != 3000 {
		t.Fatalf("got %d access units, want only the one after the PMT", len(got))
	}
}

func TestDemuxer_Resync(t *testing.T) {
	t.Parallel()

	stream := append([]byte{0x00, 0x12, 0x34, 0x56, 0x78}, mpegtstest.Mux([][]byte{keyframe(200)}, 0, 0)...)
	d := mpegts.NewDemuxer(bytes.NewReader(stream), nil)
	got := readAll(t, d)
	if len(got) != 1 {
		t.Fatalf("got %d access units, want 1", len(got))
	}
	if s := d.Stats(); s.SkippedBytes != 5 {
		t.Errorf("SkippedBytes = %d, want 5", s.SkippedBytes)
	}
}

func TestDemuxer_ContinuityError(t *testing.T) {
	t.Parallel()

	m := mpegtstest.Muxer{Unbounded: true}
	stream := m.Tables(nil)
	first := m.PES(nil, 0, keyframe(600))
	// Drop the second packet of the first PES.
	stream = append(stream, first[:mpegts.PacketSize]...)
	stream = append(stream, first[2*mpegts.PacketSize:]...)
	stream = m.PES(stream, 3000, keyframe(100))

	d := mpegts.NewDemuxer(bytes.NewReader(stream), nil)
	got := readAll(t, d)
	if len(got) != 1 || got[0].PTS != 3000 {
		t.Fatalf("got %d access units, want only the intact one", len(got))
	}
	if d.Stats().Discontinuities != 1 {
		t.Errorf("Discontinuities = %d, want 1", d.Stats().Discontinuities)
	}
}

func TestDemuxer_DuplicatePacket(t *testing.T) {
	t.Parallel()

	m := mpegtstest.Muxer{}
	stream := m.Tables(nil)
	pes := m.PES(nil, 0, keyframe(600))
	stream = append(stream, pes[:2*mpegts.PacketSize]...)
	stream = append(stream, pes[mpegts.PacketSize:]...)

	got := readAll(t, mpegts.NewDemuxer(bytes.NewReader(stream), nil))
	if len(got) != 1 || !bytes.Equal(got[0].Data, keyframe(600)) {
		t.Fatalf("duplicate packet not dropped: %d access units", len(got))
	}
}

func TestDemuxer_NoVideo(t *testing.T) {
	t.Parallel()

	m := mpegtstest.Muxer{Streams: []mpegtstest.Stream{{Type: 0x0F, PID: 0x101}}}
	stream := m.Tables(nil)
	stream = m.PES(stream, 0, keyframe(100))

	d := mpegts.NewDemuxer(bytes.NewReader(stream), nil)
	if got := readAll(t, d); len(got) != 0 {
		t.Fatalf("got %d access units from a stream without H.264", len(got))
	}
	if _, ok := d.VideoPID(); ok {
		t.Error("VideoPID() reported a stream")
	}
}

func TestDemuxer_CorruptTable(t *testing.T) {
	t.Parallel()

	var m mpegtstest.Muxer
	tables := m.Tables(nil)
	tables[mpegts.PacketSize-6] ^= 0xFF // inside the PAT section, which ends the packet
	stream := m.PES(tables, 0, keyframe(100))

	d := mpegts.NewDemuxer(bytes.NewReader(stream), nil)
	if got := readAll(t, d); len(got) != 0 {
		t.Fatalf("got %d access units despite a corrupt PAT", len(got))
	}
	if d.Stats().Errors == 0 {
		t.Error("corrupt PAT not counted")
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestDemuxer_ReadError(t *testing.T) {
	t.Parallel()

	want := errors.New("boom")
	_, err := mpegts.NewDemuxer(failingReader{want}, nil).ReadAccessUnit()
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestTimestamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b int64
		want int64
	}{
		{name: "forward", a: 1000, b: 4600, want: 3600},
		{name: "wrap", a: 1<<33 - 1800, b: 1800, want: 3600},
		{name: "equal", a: 5, b: 5, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := mpegts.TimestampDelta(tc.a, tc.b); got != tc.want {
				t.Errorf("TimestampDelta(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}

	for _, pts := range []int64{0, 1, 90000, 1<<32 + 12345, 1<<33 - 1} {
		m := mpegtstest.Muxer{}
		stream := m.Tables(nil)
		stream = m.PES(stream, pts, keyframe(10))
		got := readAll(t, mpegts.NewDemuxer(bytes.NewReader(stream), nil))
		if len(got) != 1 || got[0].PTS != pts {
			t.Errorf("PTS %d did not round trip", pts)
		}
	}
}
