// Package config provides the configuration schema, loader and file watcher
// for the voicecoach client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// InputDriver selects the microphone implementation.
type InputDriver string

const (
	// InputFFmpeg captures with an ffmpeg child process.
	InputFFmpeg InputDriver = "ffmpeg"
)

// IsValid reports whether d is a recognised input driver.
func (d InputDriver) IsValid() bool { return d == InputFFmpeg }

// OutputDriver selects the speaker implementation.
type OutputDriver string

const (
	// OutputFFplay plays through an ffplay child process.
	OutputFFplay OutputDriver = "ffplay"
)

// IsValid reports whether d is a recognised output driver.
func (d OutputDriver) IsValid() bool { return d == OutputFFplay }

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = ":9090"
	DefaultCaptureRate      = 16000
	DefaultPlaybackRate     = 24000
	DefaultJitterMargin     = 50 * time.Millisecond
	DefaultInputSampleRate  = 48000
	DefaultInputBlock       = 20 * time.Millisecond
	DefaultOutputQueue      = 64
	DefaultMaxReconnects    = 3
	DefaultReconnectDelay   = time.Second
	DefaultSpeakingDebounce = time.Second
	DefaultHistorySize      = 10
	DefaultSendQueue        = 32
	DefaultPingInterval     = 20 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig holds the local ops server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Set to "off" to disable it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EndpointConfig locates the voice coaching agent.
type EndpointConfig struct {
	// BaseURL is the agent's http(s) or ws(s) base address
	// (e.g., "ws://localhost:8000").
	BaseURL string `yaml:"base_url"`

	// BrandID is the brand whose coaching agent is used.
	BrandID string `yaml:"brand_id"`
}

// AudioConfig holds the wire formats and the local device settings.
type AudioConfig struct {
	// CaptureRate is the uplink PCM rate. Only 16000 is accepted by the agent.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the downlink PCM rate. Only 24000 is sent by the agent.
	PlaybackRate int `yaml:"playback_rate"`

	// JitterMargin is the lead added when playback restarts after a gap.
	// Zero restarts playback at the device's current time.
	JitterMargin *time.Duration `yaml:"jitter_margin"`

	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`
}

// Jitter returns the configured jitter margin.
func (c AudioConfig) Jitter() time.Duration {
	return orDefault(c.JitterMargin, DefaultJitterMargin)
}

// InputConfig configures the microphone.
type InputConfig struct {
	Driver InputDriver `yaml:"driver"`

	// Device is the capture device; empty selects the platform default.
	Device string `yaml:"device"`

	// Format is the ffmpeg input format; empty selects the platform default.
	Format string `yaml:"format"`

	// SampleRate is the device's native rate.
	SampleRate int `yaml:"sample_rate"`

	// Block is the duration of one captured block.
	Block time.Duration `yaml:"block"`
}

// OutputConfig configures the speaker.
type OutputConfig struct {
	Driver OutputDriver `yaml:"driver"`

	// SampleRate is the rate fed to the output device.
	SampleRate int `yaml:"sample_rate"`

	// Queue bounds the buffers awaiting playback.
	Queue int `yaml:"queue"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	// MaxReconnects is the number of automatic reconnects after a graceful
	// session_ended. Zero disables reconnecting.
	MaxReconnects *int `yaml:"max_reconnects"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	SpeakingDebounce  time.Duration `yaml:"speaking_debounce"`
	HistorySize       int           `yaml:"history_size"`
}

// Reconnects returns the configured reconnect limit.
func (c SessionConfig) Reconnects() int {
	return orDefault(c.MaxReconnects, DefaultMaxReconnects)
}

// TransportConfig tunes the websocket client.
type TransportConfig struct {
	SendQueue int `yaml:"send_queue"`

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval *time.Duration `yaml:"ping_interval"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// KeepaliveInterval returns the configured ping interval.
func (c TransportConfig) KeepaliveInterval() time.Duration {
	return orDefault(c.PingInterval, DefaultPingInterval)
}

// BreakerConfig tunes the circuit breaker in front of dials.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued fields with their defaults. Pointer fields
// stay nil when unset, since zero is a meaningful value for them; read them
// through their accessors.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ListenAddr, DefaultListenAddr)
	setDefault(&c.Server.LogLevel, LogInfo)

	setDefault(&c.Audio.CaptureRate, DefaultCaptureRate)
	setDefault(&c.Audio.PlaybackRate, DefaultPlaybackRate)
	setDefault(&c.Audio.Input.Driver, InputFFmpeg)
	setDefault(&c.Audio.Input.SampleRate, DefaultInputSampleRate)
	setDefault(&c.Audio.Input.Block, DefaultInputBlock)
	setDefault(&c.Audio.Output.Driver, OutputFFplay)
	setDefault(&c.Audio.Output.SampleRate, DefaultPlaybackRate)
	setDefault(&c.Audio.Output.Queue, DefaultOutputQueue)

	setDefault(&c.Session.ReconnectDelay, DefaultReconnectDelay)
	setDefault(&c.Session.SpeakingDebounce, DefaultSpeakingDebounce)
	setDefault(&c.Session.HistorySize, DefaultHistorySize)

	setDefault(&c.Transport.SendQueue, DefaultSendQueue)
	setDefault(&c.Transport.DialTimeout, DefaultDialTimeout)
	setDefault(&c.Transport.Breaker.MaxFailures, DefaultBreakerFailures)
	setDefault(&c.Transport.Breaker.ResetTimeout, DefaultBreakerReset)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

func orDefault[T any](field *T, def T) T {
	if field == nil {
		return def
	}
	return *field
}
