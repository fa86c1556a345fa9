package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/framecast/internal/mpegts/mpegtstest"
)

func accessUnits(n int) [][]byte {
	aus := make([][]byte, n)
	for i := range aus {
		aus[i] = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, byte(i)}
	}
	return aus
}

func TestStreamDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want time.Duration
	}{
		{name: "25 frames at 25fps", data: mpegtstest.Mux(accessUnits(25), 1000, 3600), want: time.Second},
		{name: "wraps the clock", data: mpegtstest.Mux(accessUnits(50), 1<<33-90000, 1800), want: time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := streamDuration(tc.data)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("streamDuration = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStreamDurationErrors(t *testing.T) {
	t.Parallel()

	if _, err := streamDuration(mpegtstest.Mux(nil, 0, 0)); err == nil {
		t.Error("expected an error for a file without video")
	}
	if _, err := streamDuration(mpegtstest.Mux(accessUnits(1), 0, 0)); err == nil {
		t.Error("expected an error for a single timestamp")
	}
}

func TestPace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sent    int64
		rate    float64
		elapsed time.Duration
		want    time.Duration
	}{
		{name: "ahead", sent: 2000, rate: 1000, elapsed: time.Second, want: time.Second},
		{name: "on time", sent: 1000, rate: 1000, elapsed: time.Second, want: 0},
		{name: "behind", sent: 500, rate: 1000, elapsed: time.Second, want: -500 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := pace(tc.sent, tc.rate, tc.elapsed); got != tc.want {
				t.Errorf("pace = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStreamWritesOnce(t *testing.T) {
	t.Parallel()

	data := mpegtstest.Mux(accessUnits(30), 0, 3600)
	var buf bytes.Buffer
	if err := stream(context.Background(), &buf, data, 1e9, false, slog.Default()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("wrote %d bytes, want %d", buf.Len(), len(data))
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := stream(ctx, &buf, mpegtstest.Mux(accessUnits(5), 0, 3600), 1e9, true, slog.Default()); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes after cancel", buf.Len())
	}
}
