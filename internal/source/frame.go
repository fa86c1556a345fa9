package source

import (
	"context"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/framecast/internal/encoder"
	"github.com/zsiec/framecast/internal/h264"
	"github.com/zsiec/framecast/internal/media"
)

// Sink receives frames. service.Service implements it.
type Sink interface {
	Store(frame media.Frame, delayMs int)
}

// Source produces frames into a Sink until its context is done.
type Source interface {
	Run(ctx context.Context, sink Sink) error
	Frames() uint64
}

var (
	_ Source = (*File)(nil)
	_ Source = (*SRT)(nil)
)

// framer turns Annex B access units into frames, carrying the geometry of
// the most recent SPS forward to the units that follow it.
type framer struct {
	format        encoder.Format
	width, height int
}

func (f *framer) frame(au []byte) (media.Frame, error) {
	nalus := h264.SplitNALUs(au)
	for _, n := range nalus {
		if h264.Type(n) != h264.NALTypeSPS {
			continue
		}
		if info, err := h264.ParseSPS(n); err == nil {
			f.width, f.height = info.Width, info.Height
		}
	}

	payload := au
	if f.format == encoder.FormatAVCC {
		var err error
		if payload, err = mch264.AVCC(nalus).Marshal(); err != nil {
			return media.Frame{}, fmt.Errorf("avcc: %w", err)
		}
	}
	return media.Frame{Width: f.width, Height: f.height, Data: payload}, nil
}
