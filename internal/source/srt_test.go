package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/framecast/internal/encoder"
	"github.com/zsiec/framecast/internal/mpegts"
	"github.com/zsiec/framecast/internal/mpegts/mpegtstest"
)

func annexB(t *testing.T, nalus ...[]byte) []byte {
	t.Helper()
	b, err := mch264.AnnexB(nalus).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestSRTForward(t *testing.T) {
	t.Parallel()

	aus := [][]byte{
		annexB(t, sps256x192, pps, idr),
		annexB(t, slice),
		annexB(t, slice),
		annexB(t, slice),
	}
	m := mpegtstest.Muxer{}
	stream := m.Tables(nil)
	stream = m.PES(stream, 1<<33-3003, aus[0])
	// The second PTS wraps the 33-bit clock and the third jumps a minute.
	stream = m.PES(stream, 0, aus[1])
	stream = m.PES(stream, 90000*60, aus[2])
	stream = m.PES(stream, 90000*60+1800, aus[3])

	sink := &recordingSink{}
	src := &SRT{FPS: 25}
	d := mpegts.NewDemuxer(bytes.NewReader(stream), nil)
	if err := src.forward(context.Background(), d, sink, slog.Default()); err != nil {
		t.Fatalf("forward: %v", err)
	}

	frames := sink.snapshot()
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	wantDelays := []int{40, 33, 40, 20}
	for i, want := range wantDelays {
		if sink.delays[i] != want {
			t.Errorf("delay %d = %d, want %d", i, sink.delays[i], want)
		}
	}
	for i, fr := range frames {
		if fr.Width != 256 || fr.Height != 192 {
			t.Errorf("frame %d: %dx%d, want 256x192", i, fr.Width, fr.Height)
		}
		if !bytes.Equal(fr.Data, aus[i]) {
			t.Errorf("frame %d: data mismatch", i)
		}
	}
	if src.Frames() != 4 {
		t.Errorf("Frames() = %d, want 4", src.Frames())
	}
}

func TestSRTForwardAVCC(t *testing.T) {
	t.Parallel()

	stream := mpegtstest.Mux([][]byte{annexB(t, sps256x192, pps, idr)}, 0, 0)
	sink := &recordingSink{}
	src := &SRT{FPS: 30, Format: encoder.FormatAVCC}
	if err := src.forward(context.Background(), mpegts.NewDemuxer(bytes.NewReader(stream), nil), sink, slog.Default()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	frames := sink.snapshot()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	var au mch264.AVCC
	if err := au.Unmarshal(frames[0].Data); err != nil {
		t.Fatalf("unmarshal avcc: %v", err)
	}
	if len(au) != 3 || sink.delays[0] != 33 {
		t.Errorf("got %d NAL units, delay %d", len(au), sink.delays[0])
	}
}

func TestSRTForwardPacesBurst(t *testing.T) {
	t.Parallel()

	aus := [][]byte{annexB(t, sps256x192, pps, idr)}
	for range 5 {
		aus = append(aus, annexB(t, slice))
	}
	stream := mpegtstest.Mux(aus, 0, 3600)

	sink := &recordingSink{}
	src := &SRT{FPS: 25}
	if err := src.forward(context.Background(), mpegts.NewDemuxer(bytes.NewReader(stream), nil), sink, slog.Default()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	frames := sink.snapshot()
	if len(frames) != len(aus) {
		t.Fatalf("got %d frames, want %d", len(frames), len(aus))
	}
	for i, fr := range frames {
		want := time.Duration(i*40-2) * time.Millisecond
		if got := fr.Captured.Sub(frames[0].Captured); got < want {
			t.Errorf("frame %d released %v after the first, want at least %v", i, got, want)
		}
	}
}

func TestSRTForwardStopsOnCancel(t *testing.T) {
	t.Parallel()

	aus := [][]byte{annexB(t, sps256x192, pps, idr), annexB(t, slice), annexB(t, slice)}
	stream := mpegtstest.Mux(aus, 0, 90000*5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}
	start := time.Now()
	err := (&SRT{}).forward(ctx, mpegts.NewDemuxer(bytes.NewReader(stream), nil), sink, slog.Default())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(sink.snapshot()); n != 1 {
		t.Errorf("got %d frames, want 1", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("forward took %v after cancel", elapsed)
	}
}

func TestSRTRunWithoutAddress(t *testing.T) {
	t.Parallel()
	if err := (&SRT{}).Run(context.Background(), &recordingSink{}); !errors.Is(err, ErrNoSRTAddress) {
		t.Fatalf("err = %v, want ErrNoSRTAddress", err)
	}
}

func TestStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := streamKey(tc.streamID); got != tc.want {
				t.Errorf("streamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}
