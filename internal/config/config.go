// Package config resolves the server configuration from defaults, a TOML
// file, FRAMECAST_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/framecast/internal/encoder"
)

// DefaultPort is the RTSP port served when none is configured.
const DefaultPort = 5555

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds the resolved settings for the framecast binary.
type Config struct {
	Port   int
	FPS    int
	Input  string
	Format string
	Loop   bool
	Watch  bool
	Host   string

	// SRTListen and SRTPull take frames from an SRT feed instead of Input.
	SRTListen   string
	SRTPull     string
	SRTStreamID string

	LogLevel    string
	PollTimeout time.Duration
	MaxEvents   int
	ReadBuffer  int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Port:        DefaultPort,
		FPS:         25,
		Format:      "annexb",
		Loop:        true,
		LogLevel:    "info",
		PollTimeout: 10 * time.Millisecond,
		MaxEvents:   32,
		ReadBuffer:  65535,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.FPS <= 0 || c.FPS > 1000 {
		return fmt.Errorf("%w: fps must be between 1 and 1000, got %d", ErrInvalid, c.FPS)
	}
	sources := 0
	for _, v := range []string{c.Input, c.SRTListen, c.SRTPull} {
		if v != "" {
			sources++
		}
	}
	switch sources {
	case 0:
		return fmt.Errorf("%w: one of input, srt-listen or srt-pull is required", ErrInvalid)
	case 1:
	default:
		return fmt.Errorf("%w: input, srt-listen and srt-pull are mutually exclusive", ErrInvalid)
	}
	if _, err := encoder.ParseFormat(c.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll timeout must be positive", ErrInvalid)
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("%w: max events must be positive", ErrInvalid)
	}
	if c.ReadBuffer <= 0 {
		return fmt.Errorf("%w: read buffer must be positive", ErrInvalid)
	}
	return nil
}

// FrameFormat returns the parsed input framing. Call after Validate.
func (c *Config) FrameFormat() encoder.Format {
	f, _ := encoder.ParseFormat(c.Format)
	return f
}

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// setter applies values unless the matching flag was set explicitly.
type setter struct {
	changed map[string]bool
}

func (s setter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s setter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s setter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s setter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s setter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	s.setInt(flag, i, dst)
	return nil
}

func (s setter) setBoolFromString(flag, value string, dst *bool) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = b
	return nil
}
