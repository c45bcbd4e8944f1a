// Package app wires the voicecoach subsystems into a running client.
//
// The App owns the full lifecycle: New builds the devices, the websocket
// client and the voice session from the config, Run drives one conversation
// next to the local ops server and the config watcher, and Shutdown releases
// everything in order.
//
// For testing, inject doubles via functional options (WithMicrophone,
// WithSpeaker, WithDialer, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/internal/clock"
	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/health"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/internal/session"
	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/ffmpeg"
)

// ListenOff disables the ops server when used as server.listen_addr.
const ListenOff = "off"

// ErrNoBrand is returned by [New] when neither the config nor the caller
// names a brand.
var ErrNoBrand = errors.New("app: brand id is required")

// errFinished ends the run group when the conversation reaches a terminal
// state on its own.
var errFinished = errors.New("app: conversation finished")

// App owns all subsystem lifetimes for one voice coaching conversation.
type App struct {
	cfg     *config.Config
	brandID string

	mic     audio.Microphone
	speaker audio.Speaker
	dialer  transport.Dialer
	metrics *observe.Metrics
	scrape  http.Handler
	clk     clock.Clock

	logLevel   *slog.LevelVar
	configPath string
	interval   time.Duration
	observers  []session.Observer

	session  *session.Session
	watcher  *config.Watcher
	listener net.Listener
	server   *http.Server

	// ended receives the first terminal snapshot after Start.
	ended chan session.Snapshot

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects a microphone instead of the configured input driver.
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSpeaker injects a speaker instead of the configured output driver.
func WithSpeaker(s audio.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithDialer injects a transport dialer instead of a websocket client.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics. Default: the
// Prometheus default registry via [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithClock sets the clock used by the session and the circuit breaker.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithLogLevel lets config reloads adjust the process log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigWatch reloads hot-reloadable settings when the file at path
// changes. A zero interval uses [config.DefaultWatchInterval].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.interval = interval
	}
}

// WithObserver receives every session snapshot.
func WithObserver(o session.Observer) Option {
	return func(a *App) { a.observers = append(a.observers, o) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds an App from cfg. brandID overrides endpoint.brand_id when
// non-empty. The ops server socket is bound here so its address is known
// before [App.Run].
func New(cfg *config.Config, brandID string, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		brandID: brandID,
		ended:   make(chan session.Snapshot, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.brandID == "" {
		a.brandID = cfg.Endpoint.BrandID
	}
	if a.brandID == "" {
		return nil, ErrNoBrand
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clk == nil {
		a.clk = clock.Real{}
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Transport ─────────────────────────────────────────────────────
	if a.dialer == nil {
		a.dialer = a.newClient()
	}

	// ── 3. Session ───────────────────────────────────────────────────────
	a.session = a.newSession()
	a.closers = append(a.closers, func() error {
		a.session.Stop()
		return nil
	})

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload, config.WithInterval(a.interval))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	// ── 5. Ops server ────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init ops server: %w", err)
	}

	slog.Info("app initialised",
		"brand", a.brandID,
		"endpoint", cfg.Endpoint.BaseURL,
		"ops_addr", a.Addr(),
	)
	return a, nil
}

func (a *App) initDevices() error {
	in, out := a.cfg.Audio.Input, a.cfg.Audio.Output
	if a.mic == nil {
		switch in.Driver {
		case config.InputFFmpeg, "":
			a.mic = &ffmpeg.Microphone{
				Device:     in.Device,
				Format:     in.Format,
				SampleRate: in.SampleRate,
				Block:      in.Block,
			}
		default:
			return fmt.Errorf("unknown input driver %q", in.Driver)
		}
	}
	if a.speaker == nil {
		switch out.Driver {
		case config.OutputFFplay, "":
			a.speaker = &ffmpeg.Speaker{
				DeviceRate: out.SampleRate,
				Queue:      out.Queue,
			}
		default:
			return fmt.Errorf("unknown output driver %q", out.Driver)
		}
	}
	return nil
}

func (a *App) newClient() *transport.Client {
	t := a.cfg.Transport
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "agent-dial",
		MaxFailures:  t.Breaker.MaxFailures,
		ResetTimeout: t.Breaker.ResetTimeout,
		Clock:        a.clk,
	})
	return transport.NewClient(
		transport.WithSendQueue(t.SendQueue),
		transport.WithPingInterval(t.KeepaliveInterval()),
		transport.WithDialTimeout(t.DialTimeout),
		transport.WithBreaker(breaker),
		transport.WithMetrics(a.metrics),
	)
}

func (a *App) newSession() *session.Session {
	s := a.cfg.Session
	opts := []session.Option{
		session.WithClock(a.clk),
		session.WithMetrics(a.metrics),
		session.WithReconnectPolicy(session.ReconnectPolicy{
			MaxAttempts: s.Reconnects(),
			Delay:       s.ReconnectDelay,
			MaxDelay:    s.MaxReconnectDelay,
		}),
		session.WithSpeakingDebounce(s.SpeakingDebounce),
		session.WithJitterMargin(a.cfg.Audio.Jitter()),
		session.WithHistorySize(s.HistorySize),
	}
	for _, o := range a.observers {
		opts = append(opts, session.WithObserver(o))
	}
	// Last, so Run returns only after every observer saw the final snapshot.
	opts = append(opts, session.WithObserver(a.watchTerminal))
	return session.New(a.mic, a.speaker, a.dialer, a.cfg.Endpoint.BaseURL, opts...)
}

func (a *App) initServer() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" || addr == ListenOff {
		return nil
	}
	mux := http.NewServeMux()
	health.New(health.SessionChecker(a.session.Snapshot)).Register(mux)
	mux.Handle("GET "+observe.RouteMetrics, a.scrape)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := a.server.Shutdown(ctx)
		// Serve may never have run.
		_ = a.listener.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the voice session.
func (a *App) Session() *session.Session { return a.session }

// Addr returns the ops server address, or "" when it is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the conversation and blocks until ctx is cancelled or the
// conversation ends on its own. A conversation that ends in
// [session.StateError] is reported as the returned error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			slog.Info("ops server listening", "addr", a.Addr())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error { return a.converse(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, errFinished) {
		return err
	}
	return nil
}

// converse runs one conversation to its end.
func (a *App) converse(ctx context.Context) error {
	if err := a.session.Start(ctx, a.brandID); err != nil {
		if errors.Is(err, session.ErrStopped) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("app: start session: %w", err)
	}
	select {
	case <-ctx.Done():
		a.session.Stop()
		return nil
	case snap := <-a.ended:
		if snap.Status == session.StateError {
			return fmt.Errorf("app: session failed: %w", snap.Err)
		}
		slog.Info("conversation finished", "message", snap.Message)
		return errFinished
	}
}

// watchTerminal forwards the first Idle or Error snapshot to a.ended.
func (a *App) watchTerminal(snap session.Snapshot) {
	if snap.Status != session.StateIdle && snap.Status != session.StateError {
		return
	}
	select {
	case a.ended <- snap:
	default:
	}
}

// reload applies the hot-reloadable part of a config change.
func (a *App) reload(_, _ *config.Config, d config.ConfigDiff) {
	a.ApplyDiff(d)
}

// ApplyDiff applies the hot-reloadable settings in d to the running app.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SpeakingDebounceChanged {
		a.session.SetSpeakingDebounce(d.NewSpeakingDebounce)
		slog.Info("speaking debounce changed", "debounce", d.NewSpeakingDebounce)
	}
	if d.JitterMarginChanged {
		a.session.SetJitterMargin(d.NewJitterMargin)
		slog.Info("jitter margin changed", "margin", d.NewJitterMargin)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect on restart", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config log level to a slog level. Unknown values map to
// [slog.LevelInfo].
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the conversation and the ops server. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
