package config

// EnvPrefix prefixes every environment variable the binary reads.
const EnvPrefix = "FRAMECAST_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv copies FRAMECAST_* values into cfg, skipping flags in changed.
// Environment values override the config file.
func ApplyEnv(cfg *Config, lookup LookupFunc, changed map[string]bool) error {
	s := setter{changed: changed}
	get := func(name string) string {
		v, _ := lookup(EnvPrefix + name)
		return v
	}

	if err := s.setIntFromString("port", get("PORT"), &cfg.Port); err != nil {
		return err
	}
	if err := s.setIntFromString("fps", get("FPS"), &cfg.FPS); err != nil {
		return err
	}
	s.setString("input", get("INPUT"), &cfg.Input)
	s.setString("format", get("FORMAT"), &cfg.Format)
	if err := s.setBoolFromString("loop", get("LOOP"), &cfg.Loop); err != nil {
		return err
	}
	if err := s.setBoolFromString("watch", get("WATCH"), &cfg.Watch); err != nil {
		return err
	}
	s.setString("host", get("HOST"), &cfg.Host)
	s.setString("srt-listen", get("SRT_LISTEN"), &cfg.SRTListen)
	s.setString("srt-pull", get("SRT_PULL"), &cfg.SRTPull)
	s.setString("srt-stream-id", get("SRT_STREAM_ID"), &cfg.SRTStreamID)
	s.setString("log-level", get("LOG_LEVEL"), &cfg.LogLevel)
	if err := s.setDuration("poll-timeout", get("POLL_TIMEOUT"), &cfg.PollTimeout); err != nil {
		return err
	}
	if err := s.setIntFromString("max-events", get("MAX_EVENTS"), &cfg.MaxEvents); err != nil {
		return err
	}
	if err := s.setIntFromString("read-buffer", get("READ_BUFFER"), &cfg.ReadBuffer); err != nil {
		return err
	}
	return nil
}
