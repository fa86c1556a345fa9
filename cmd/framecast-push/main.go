// Command framecast-push streams an MPEG-TS file to an SRT listener in real
// time, for feeding `framecast --srt-listen` during development.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/framecast/internal/mpegts"
)

const (
	chunkSize   = mpegts.PacketSize * 7
	retryDelay  = time.Second
	logInterval = 10 * time.Second
)

type options struct {
	addr     string
	streamID string
	duration time.Duration
	loop     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "framecast-push <file.ts>",
		Short:         "Push an MPEG-TS file to an SRT listener at its natural rate",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			err := push(ctx, args[0], opts, slog.Default())
			if err != nil {
				slog.Error("push failed", "error", err)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:6000", "SRT listener address")
	f.StringVar(&opts.streamID, "stream-id", "", "SRT stream id (default: live/<file name>)")
	f.DurationVar(&opts.duration, "duration", 0, "play-out duration of the file (default: from its PTS span)")
	f.BoolVar(&opts.loop, "loop", false, "restart at end of file")
	return cmd
}

func push(ctx context.Context, path string, opts options, log *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data)%mpegts.PacketSize != 0 {
		log.Warn("file size is not a whole number of packets", "size", len(data))
	}

	duration := opts.duration
	if duration <= 0 {
		if duration, err = streamDuration(data); err != nil {
			return fmt.Errorf("%w (set --duration)", err)
		}
	}
	streamID := opts.streamID
	if streamID == "" {
		base := filepath.Base(path)
		streamID = "live/" + strings.TrimSuffix(base, filepath.Ext(base))
	}
	rate := float64(len(data)) / duration.Seconds()
	log = log.With("stream_id", streamID, "addr", opts.addr)
	log.Info("pushing", "file", path, "bytes", len(data), "duration", duration, "bytes_per_sec", int(rate))

	for {
		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID
		conn, err := srt.Dial(opts.addr, cfg)
		if err != nil {
			log.Warn("connect failed, retrying", "error", err)
		} else {
			log.Info("connected")
			err = stream(ctx, conn, data, rate, opts.loop, log)
			conn.Close()
			if err == nil || ctx.Err() != nil {
				return nil
			}
			log.Warn("connection lost, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

// stream writes data in SRT-sized chunks, sleeping against a single clock so
// the rate holds across loop boundaries.
func stream(ctx context.Context, w io.Writer, data []byte, rate float64, loop bool, log *slog.Logger) error {
	start := time.Now()
	lastLog := start
	var sent int64

	for pass := 1; ; pass++ {
		for i := 0; i < len(data); i += chunkSize {
			if ctx.Err() != nil {
				return nil
			}
			end := min(i+chunkSize, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			if d := pace(sent, rate, time.Since(start)); d > 0 {
				time.Sleep(d)
			}
			if time.Since(lastLog) >= logInterval {
				log.Info("progress", "pass", pass, "sent_mb", float64(sent)/(1<<20),
					"rate", int(float64(sent)/time.Since(start).Seconds()))
				lastLog = time.Now()
			}
		}
		if !loop {
			log.Info("end of file", "sent", sent)
			return nil
		}
	}
}

// pace returns how long to wait so that sent bytes do not run ahead of rate.
func pace(sent int64, rate float64, elapsed time.Duration) time.Duration {
	due := time.Duration(float64(sent) / rate * float64(time.Second))
	return due - elapsed
}

// streamDuration returns the span between the first and last video PTS plus
// one frame interval.
func streamDuration(data []byte) (time.Duration, error) {
	d := mpegts.NewDemuxer(bytes.NewReader(data), slog.New(slog.DiscardHandler))
	var first, last, prev, frame int64
	seen := false
	for {
		au, err := d.ReadAccessUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if !au.HasPTS {
			continue
		}
		if !seen {
			first, seen = au.PTS, true
		} else if delta := mpegts.TimestampDelta(prev, au.PTS); frame == 0 && delta < 90000 {
			frame = delta
		}
		prev, last = au.PTS, au.PTS
	}
	if !seen {
		return 0, errors.New("no video timestamps in file")
	}
	span := mpegts.TimestampDelta(first, last) + frame
	if span == 0 {
		return 0, errors.New("video timestamps do not advance")
	}
	return time.Duration(span) * time.Second / 90000, nil
}
