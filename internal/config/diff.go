package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SpeakingDebounceChanged bool
	NewSpeakingDebounce     time.Duration

	JitterMarginChanged bool
	NewJitterMargin     time.Duration

	// RestartRequired lists the top-level sections whose changes are ignored
	// until restart.
	RestartRequired []string
}

// Empty reports whether d carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SpeakingDebounceChanged && !d.JitterMarginChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.SpeakingDebounce != new.Session.SpeakingDebounce {
		d.SpeakingDebounceChanged = true
		d.NewSpeakingDebounce = new.Session.SpeakingDebounce
	}
	if old.Audio.Jitter() != new.Audio.Jitter() {
		d.JitterMarginChanged = true
		d.NewJitterMargin = new.Audio.Jitter()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Endpoint != new.Endpoint {
		d.RestartRequired = append(d.RestartRequired, "endpoint")
	}
	oldAudio, newAudio := old.Audio, new.Audio
	oldAudio.JitterMargin, newAudio.JitterMargin = nil, nil
	if oldAudio != newAudio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !sessionRestartEqual(old.Session, new.Session) {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if !transportRestartEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	return d
}

// sessionRestartEqual compares the session fields that are not hot-reloaded.
func sessionRestartEqual(a, b SessionConfig) bool {
	return a.Reconnects() == b.Reconnects() &&
		a.ReconnectDelay == b.ReconnectDelay &&
		a.MaxReconnectDelay == b.MaxReconnectDelay &&
		a.HistorySize == b.HistorySize
}

func transportRestartEqual(a, b TransportConfig) bool {
	return a.SendQueue == b.SendQueue &&
		a.KeepaliveInterval() == b.KeepaliveInterval() &&
		a.DialTimeout == b.DialTimeout &&
		a.Breaker == b.Breaker
}
