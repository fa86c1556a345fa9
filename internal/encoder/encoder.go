// Package encoder turns producer frames into the NAL units the reactor
// packetizes. The reactor builds one encoder lazily, sized to the first frame
// it sees, and asks it for the latest parameter sets whenever it needs to
// describe the stream.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/framecast/internal/media"
)

// Encoder converts one frame into encoded units. Implementations are driven
// from the reactor goroutine only.
type Encoder interface {
	// Encode returns the units of one access unit. delayMs is the
	// presentation interval since the previous frame.
	Encode(frame media.Frame, delayMs int) ([]media.Unit, error)

	// ParameterSets returns the most recently produced SPS and PPS, either
	// of which is nil until first seen.
	ParameterSets() (sps, pps []byte)
}

// Factory builds an encoder for frames of the given dimensions.
type Factory func(width, height int) (Encoder, error)

// Format is the framing of already-encoded frame data.
type Format int

// Supported frame framings.
const (
	// FormatAnnexB frames carry start-code delimited NAL units.
	FormatAnnexB Format = iota
	// FormatAVCC frames carry 4-byte big-endian length prefixed NAL units.
	FormatAVCC
)

// ErrUnknownFormat is returned by ParseFormat for an unrecognized name.
var ErrUnknownFormat = errors.New("encoder: unknown frame format")

// ParseFormat maps a configuration value ("annexb" or "avcc") to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "annexb", "annex-b", "":
		return FormatAnnexB, nil
	case "avcc", "avc":
		return FormatAVCC, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func (f Format) String() string {
	switch f {
	case FormatAnnexB:
		return "annexb"
	case FormatAVCC:
		return "avcc"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Passthrough is an Encoder for frames that already hold one encoded access
// unit. It splits the frame into NAL units and remembers the last SPS and
// PPS it saw.
type Passthrough struct {
	log    *slog.Logger
	format Format
	width  int
	height int

	sps []byte
	pps []byte

	frames uint64
}

// NewPassthrough creates a pass-through encoder for frames of the given
// dimensions. If log is nil, slog.Default() is used.
func NewPassthrough(format Format, width, height int, log *slog.Logger) (*Passthrough, error) {
	if format != FormatAnnexB && format != FormatAVCC {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, format)
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Passthrough{
		log:    log.With("component", "encoder"),
		format: format,
		width:  width,
		height: height,
	}
	p.log.Info("encoder created", "format", format, "width", width, "height", height)
	return p, nil
}

// NewFactory returns a Factory that builds Passthrough encoders.
func NewFactory(format Format, log *slog.Logger) Factory {
	return func(width, height int) (Encoder, error) {
		return NewPassthrough(format, width, height, log)
	}
}

// Encode splits frame.Data into NAL units. An empty frame yields no units.
// The returned payloads alias frame.Data.
func (p *Passthrough) Encode(frame media.Frame, delayMs int) ([]media.Unit, error) {
	if frame.Empty() {
		return nil, nil
	}

	nalus, err := p.split(frame.Data)
	if err != nil {
		return nil, fmt.Errorf("encoder: frame %d: %w", p.frames, err)
	}
	p.frames++

	units := make([]media.Unit, 0, len(nalus))
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		u := media.NewUnit(nalu)
		switch u.Kind {
		case media.KindSPS:
			if !bytes.Equal(p.sps, nalu) {
				p.sps = bytes.Clone(nalu)
			}
		case media.KindPPS:
			if !bytes.Equal(p.pps, nalu) {
				p.pps = bytes.Clone(nalu)
			}
		}
		units = append(units, u)
	}

	if frame.Width != 0 && (frame.Width != p.width || frame.Height != p.height) {
		p.log.Debug("frame size differs from encoder size",
			"frame_width", frame.Width, "frame_height", frame.Height,
			"width", p.width, "height", p.height)
	}
	return units, nil
}

func (p *Passthrough) split(data []byte) ([][]byte, error) {
	switch p.format {
	case FormatAVCC:
		var au mch264.AVCC
		if err := au.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("avcc: %w", err)
		}
		return au, nil
	default:
		var au mch264.AnnexB
		if err := au.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("annex b: %w", err)
		}
		return au, nil
	}
}

// ParameterSets returns the latest SPS and PPS.
func (p *Passthrough) ParameterSets() (sps, pps []byte) {
	return p.sps, p.pps
}

// Frames returns the number of frames encoded so far.
func (p *Passthrough) Frames() uint64 {
	return p.frames
}
