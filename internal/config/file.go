package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// File mirrors Config with TOML-friendly types. Pointers distinguish an
// absent boolean from false.
type File struct {
	Port        int    `toml:"port"`
	FPS         int    `toml:"fps"`
	Input       string `toml:"input"`
	Format      string `toml:"format"`
	Loop        *bool  `toml:"loop"`
	Watch       *bool  `toml:"watch"`
	Host        string `toml:"host"`
	SRTListen   string `toml:"srt_listen"`
	SRTPull     string `toml:"srt_pull"`
	SRTStreamID string `toml:"srt_stream_id"`
	LogLevel    string `toml:"log_level"`
	PollTimeout string `toml:"poll_timeout"`
	MaxEvents   int    `toml:"max_events"`
	ReadBuffer  int    `toml:"read_buffer"`
}

// LoadFile reads and parses a TOML config file.
func LoadFile(path string) (File, error) {
	var fc File
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("config: %w", err)
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultPath returns $HOME/.framecast/config.toml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".framecast", "config.toml")
	}
	return ""
}

// ApplyFile copies file values into cfg, skipping flags in changed.
func ApplyFile(cfg *Config, fc File, changed map[string]bool) error {
	s := setter{changed: changed}

	s.setInt("port", fc.Port, &cfg.Port)
	s.setInt("fps", fc.FPS, &cfg.FPS)
	s.setString("input", fc.Input, &cfg.Input)
	s.setString("format", fc.Format, &cfg.Format)
	s.setBool("loop", fc.Loop, &cfg.Loop)
	s.setBool("watch", fc.Watch, &cfg.Watch)
	s.setString("host", fc.Host, &cfg.Host)
	s.setString("srt-listen", fc.SRTListen, &cfg.SRTListen)
	s.setString("srt-pull", fc.SRTPull, &cfg.SRTPull)
	s.setString("srt-stream-id", fc.SRTStreamID, &cfg.SRTStreamID)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	if err := s.setDuration("poll-timeout", fc.PollTimeout, &cfg.PollTimeout); err != nil {
		return err
	}
	s.setInt("max-events", fc.MaxEvents, &cfg.MaxEvents)
	s.setInt("read-buffer", fc.ReadBuffer, &cfg.ReadBuffer)
	return nil
}

// Load applies the file at path, if it exists, then the environment. An
// empty path means DefaultPath. A missing default file is not an error; a
// missing explicit one is.
func Load(cfg *Config, path string, changed map[string]bool) error {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		fc, err := LoadFile(path)
		switch {
		case err == nil:
			if err := ApplyFile(cfg, fc, changed); err != nil {
				return err
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return err
		}
	}
	return ApplyEnv(cfg, os.LookupEnv, changed)
}
