// Package source feeds the streaming service with H.264 access units, either
// from a file on disk paced at a fixed frame rate or live from an SRT
// contribution feed.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zsiec/framecast/internal/encoder"
	"github.com/zsiec/framecast/internal/h264"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/mpegts"
)

// ErrNoAccessUnits is returned when the input holds no H.264 access units.
var ErrNoAccessUnits = errors.New("source: no access units in input")

// ErrInvalidFPS is returned when the frame rate is not positive.
var ErrInvalidFPS = errors.New("source: frame rate must be positive")

const watchDebounce = 100 * time.Millisecond

// File plays an Annex B elementary stream or an MPEG transport stream, one
// access unit per frame interval. Transport streams are recognized by their
// content, not their name.
type File struct {
	Path   string
	FPS    int
	Format encoder.Format

	// Loop restarts from the beginning at end of input, rereading the file.
	Loop bool
	// Watch rereads the file as soon as it is written or replaced.
	Watch bool

	Log *slog.Logger

	frames atomic.Uint64
	loads  atomic.Uint64

	mu       sync.Mutex
	debounce *time.Timer
}

// Frames returns the number of frames handed to the sink.
func (f *File) Frames() uint64 { return f.frames.Load() }

// Loads returns how many times the input has been read.
func (f *File) Loads() uint64 { return f.loads.Load() }

// Run paces frames into sink until ctx is done or, without Loop, the input
// is exhausted. Cancellation is not an error.
func (f *File) Run(ctx context.Context, sink Sink) error {
	if f.FPS <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFPS, f.FPS)
	}
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "source", "path", f.Path)

	frames, err := f.load(log)
	if err != nil {
		return err
	}
	log.Info("input loaded", "frames", len(frames), "fps", f.FPS, "format", f.Format)

	reload := make(chan struct{}, 1)
	if f.Watch {
		stop, err := f.watch(ctx, reload, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	delayMs := 1000 / f.FPS
	ticker := time.NewTicker(time.Second / time.Duration(f.FPS))
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reload:
			fresh, err := f.load(log)
			if err != nil {
				log.Warn("reload failed, keeping previous input", "error", err)
				continue
			}
			frames, next = fresh, 0
			log.Info("input reloaded", "frames", len(frames))

		case <-ticker.C:
			if next == len(frames) {
				if !f.Loop {
					log.Info("end of input", "sent", f.frames.Load())
					return nil
				}
				if fresh, err := f.load(log); err != nil {
					log.Warn("reopen failed, replaying previous input", "error", err)
				} else {
					frames = fresh
					log.Debug("input reopened")
				}
				next = 0
			}
			fr := frames[next]
			fr.Captured = time.Now()
			sink.Store(fr, delayMs)
			f.frames.Add(1)
			next++
		}
	}
}

// load reads the input and splits it into frames. Width and height come
// from the most recent SPS preceding each access unit.
func (f *File) load(log *slog.Logger) ([]media.Frame, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	var units [][]byte
	if isTransportStream(data) {
		if units, err = demuxAll(data, log); err != nil {
			return nil, err
		}
	} else {
		units = h264.SplitAccessUnits(data)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAccessUnits, f.Path)
	}
	f.loads.Add(1)

	fr := framer{format: f.Format}
	frames := make([]media.Frame, 0, len(units))
	for _, au := range units {
		frame, err := fr.frame(au)
		if err != nil {
			return nil, fmt.Errorf("source: access unit %d: %w", len(frames), err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// isTransportStream reports whether data starts with two sync bytes one
// packet apart, or is a single packet.
func isTransportStream(data []byte) bool {
	if len(data) < mpegts.PacketSize || data[0] != 0x47 {
		return false
	}
	return len(data) < 2*mpegts.PacketSize || data[mpegts.PacketSize] == 0x47
}

func demuxAll(data []byte, log *slog.Logger) ([][]byte, error) {
	d := mpegts.NewDemuxer(bytes.NewReader(data), log)
	var units [][]byte
	for {
		au, err := d.ReadAccessUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source: demux: %w", err)
		}
		units = append(units, au.Data)
	}
	if s := d.Stats(); s.Errors > 0 || s.Discontinuities > 0 {
		log.Warn("transport stream damaged", "errors", s.Errors, "discontinuities", s.Discontinuities)
	}
	return units, nil
}

// watch signals reload whenever the input file is written or recreated.
// The directory is watched so that editors that replace the file by rename
// are still seen.
func (f *File) watch(ctx context.Context, reload chan<- struct{}, log *slog.Logger) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("source: create watcher: %w", err)
	}
	dir := filepath.Dir(f.Path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("source: watch %s: %w", dir, err)
	}
	name := filepath.Base(f.Path)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				f.debounceReload(reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("watch error", "error", err)
			}
		}
	}()

	return func() {
		w.Close()
		<-done
		f.mu.Lock()
		if f.debounce != nil {
			f.debounce.Stop()
		}
		f.mu.Unlock()
	}, nil
}

func (f *File) debounceReload(reload chan<- struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.debounce != nil {
		f.debounce.Stop()
	}
	f.debounce = time.AfterFunc(watchDebounce, func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	})
}
