package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} references are expanded from the environment before
// decoding.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. With no
// paths it loads ./.env if present.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("config: load env %v: %w", paths, err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// ── Endpoint ──
	if cfg.Endpoint.BaseURL == "" {
		errs = append(errs, errors.New("endpoint.base_url is required"))
	} else if u, err := url.Parse(cfg.Endpoint.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("endpoint.base_url %q: %w", cfg.Endpoint.BaseURL, err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("endpoint.base_url scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
		}
		if u.Host == "" {
			errs = append(errs, fmt.Errorf("endpoint.base_url %q has no host", cfg.Endpoint.BaseURL))
		}
	}

	// ── Audio ──
	a := cfg.Audio
	if a.CaptureRate != DefaultCaptureRate {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is unsupported; the agent accepts %d", a.CaptureRate, DefaultCaptureRate))
	}
	if a.PlaybackRate != DefaultPlaybackRate {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d is unsupported; the agent sends %d", a.PlaybackRate, DefaultPlaybackRate))
	}
	if a.Jitter() < 0 {
		errs = append(errs, fmt.Errorf("audio.jitter_margin %v must not be negative", a.Jitter()))
	}
	if a.Input.Driver != "" && !a.Input.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("audio.input.driver %q is invalid; valid values: ffmpeg", a.Input.Driver))
	}
	if a.Input.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input.sample_rate %d must be positive", a.Input.SampleRate))
	}
	if a.Input.Block < 0 {
		errs = append(errs, fmt.Errorf("audio.input.block %v must be positive", a.Input.Block))
	}
	if a.Output.Driver != "" && !a.Output.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("audio.output.driver %q is invalid; valid values: ffplay", a.Output.Driver))
	}
	if a.Output.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d must be positive", a.Output.SampleRate))
	}
	if a.Output.Queue < 0 {
		errs = append(errs, fmt.Errorf("audio.output.queue %d must be positive", a.Output.Queue))
	}

	// ── Session ──
	s := cfg.Session
	if s.Reconnects() < 0 {
		errs = append(errs, fmt.Errorf("session.max_reconnects %d must not be negative", s.Reconnects()))
	}
	if s.ReconnectDelay < 0 || s.MaxReconnectDelay < 0 {
		errs = append(errs, errors.New("session reconnect delays must not be negative"))
	}
	if s.MaxReconnectDelay > 0 && s.MaxReconnectDelay < s.ReconnectDelay {
		slog.Warn("config: session.max_reconnect_delay is below reconnect_delay; backoff disabled",
			"reconnect_delay", s.ReconnectDelay,
			"max_reconnect_delay", s.MaxReconnectDelay,
		)
	}
	if s.SpeakingDebounce < 0 {
		errs = append(errs, fmt.Errorf("session.speaking_debounce %v must not be negative", s.SpeakingDebounce))
	}
	if s.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("session.history_size %d must not be negative", s.HistorySize))
	}

	// ── Transport ──
	t := cfg.Transport
	if t.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("transport.send_queue %d must be positive", t.SendQueue))
	}
	if t.KeepaliveInterval() < 0 || t.DialTimeout < 0 {
		errs = append(errs, errors.New("transport intervals must not be negative"))
	}
	if t.Breaker.MaxFailures < 0 || t.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("transport.breaker values must not be negative"))
	}

	return errors.Join(errs...)
}
