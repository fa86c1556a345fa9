//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/encoder"
	"github.com/zsiec/framecast/internal/service"
	"github.com/zsiec/framecast/internal/source"
)

var version = "dev"

func getVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:   "framecast",
		Short: "Serve an H.264 elementary stream to RTSP clients over interleaved TCP",
		Example: "  framecast --input camera.h264 --fps 30\n" +
			"  framecast --input recording.ts --loop=false\n" +
			"  framecast --srt-listen :6000 --srt-stream-id live/cam1\n" +
			"  framecast --config $HOME/.framecast/config.toml --watch",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if err := config.Load(&cfg, cfgPath, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, _ := config.ParseLevel(cfg.LogLevel)
			if os.Getenv("DEBUG") != "" {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			err := run(cmd.Context(), cfg)
			if err != nil {
				slog.Error("framecast failed", "error", err)
			}
			return err
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.framecast/config.toml)")
	f.IntVar(&cfg.Port, "port", cfg.Port, "RTSP listen port")
	f.IntVar(&cfg.FPS, "fps", cfg.FPS, "frames per second to pace the input at")
	f.StringVar(&cfg.Input, "input", cfg.Input, "H.264 Annex B elementary stream or MPEG-TS file to serve")
	f.StringVar(&cfg.Format, "format", cfg.Format, "frame framing handed to the encoder (annexb or avcc)")
	f.BoolVar(&cfg.Loop, "loop", cfg.Loop, "restart the input at end of file")
	f.BoolVar(&cfg.Watch, "watch", cfg.Watch, "reload the input when the file changes")
	f.StringVar(&cfg.SRTListen, "srt-listen", cfg.SRTListen, "accept an MPEG-TS publisher over SRT on this address instead of reading --input")
	f.StringVar(&cfg.SRTPull, "srt-pull", cfg.SRTPull, "pull MPEG-TS over SRT from this remote listener instead of reading --input")
	f.StringVar(&cfg.SRTStreamID, "srt-stream-id", cfg.SRTStreamID, "SRT stream id sent when pulling or required of publishers")
	f.StringVar(&cfg.Host, "host", cfg.Host, "address announced in the session description (default: first non-loopback IPv4)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "readiness wait bound per reactor iteration")
	f.IntVar(&cfg.MaxEvents, "max-events", cfg.MaxEvents, "readiness events handled per iteration")
	f.IntVar(&cfg.ReadBuffer, "read-buffer", cfg.ReadBuffer, "client read buffer size in bytes")

	return root
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := slog.Default()
	log.Info("framecast starting",
		"version", getVersion(),
		"port", cfg.Port,
		"input", cfg.Input,
		"srt_listen", cfg.SRTListen,
		"srt_pull", cfg.SRTPull,
		"fps", cfg.FPS,
		"format", cfg.Format,
	)

	svc, err := service.New(service.Config{
		Port:        cfg.Port,
		Encoders:    encoder.NewFactory(cfg.FrameFormat(), log),
		PollTimeout: cfg.PollTimeout,
		MaxEvents:   cfg.MaxEvents,
		ReadBuffer:  cfg.ReadBuffer,
		Host:        cfg.Host,
		Log:         log,
	})
	if err != nil {
		return err
	}
	defer svc.Stop()

	src := newSource(cfg, log)

	ctx, finish := context.WithCancel(ctx)
	defer finish()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer finish()
		if err := src.Run(ctx, svc); err != nil {
			return err
		}
		if ctx.Err() == nil {
			log.Info("input finished")
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-svc.Done():
			if err := svc.Err(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("service stopped unexpectedly")
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		svc.Stop()
		return nil
	})

	err = g.Wait()
	log.Info("framecast stopped",
		"frames", svc.Frames(),
		"dropped", svc.Drops(),
		"sent", src.Frames(),
	)
	return err
}

func newSource(cfg config.Config, log *slog.Logger) source.Source {
	if cfg.SRTListen != "" || cfg.SRTPull != "" {
		return &source.SRT{
			Listen:   cfg.SRTListen,
			Pull:     cfg.SRTPull,
			StreamID: cfg.SRTStreamID,
			FPS:      cfg.FPS,
			Format:   cfg.FrameFormat(),
			Log:      log,
		}
	}
	return &source.File{
		Path:   cfg.Input,
		FPS:    cfg.FPS,
		Format: cfg.FrameFormat(),
		Loop:   cfg.Loop,
		Watch:  cfg.Watch,
		Log:    log,
	}
}
