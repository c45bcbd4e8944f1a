// Package session drives one voice coaching conversation: it acquires the
// microphone and speaker, connects to the remote agent, streams audio both
// ways, and follows the agent's control messages through the lifecycle
// described by [Transition].
//
// A [Session] is single-writer. All mutable state lives behind one mutex and
// every input (a user call, a transport callback, a timer) becomes an event
// applied under that mutex. Blocking work such as device acquisition and
// dialling runs outside the lock on behalf of a numbered attempt; results
// belonging to an attempt that has since been superseded are released and
// discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicecoach/internal/capture"
	"github.com/MrWong99/voicecoach/internal/clock"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/playback"
	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/pkg/audio"
)

// DefaultSpeakingDebounce is how long the agent counts as speaking after its
// last audio frame.
const DefaultSpeakingDebounce = time.Second

// Snapshot is a read-only view of a [Session].
type Snapshot struct {
	Status State

	// Speaking is true while agent audio keeps arriving.
	Speaking bool

	// Reconnects is the number of automatic reconnects used so far.
	Reconnects int

	// Transcript is the most recent turn transcript.
	Transcript string

	// Message is a human-readable line describing the last notable change.
	Message string

	// Err is set in [StateError].
	Err error
}

// Observer receives snapshots in the order they were produced. Observers run
// outside the session lock but must not call [Session.Start] or
// [Session.Stop] synchronously.
type Observer func(Snapshot)

// Option is a functional option for [New].
type Option func(*Session)

// WithClock sets the clock used for debouncing and reconnect delays.
// Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithSpeakingDebounce sets the speaking debounce. Default: 1s.
func WithSpeakingDebounce(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithJitterMargin sets the playback jitter margin. Default:
// [playback.DefaultJitterMargin].
func WithJitterMargin(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.jitter = d
		}
	}
}

// WithReconnectPolicy sets the reconnect policy. Default:
// [DefaultReconnectPolicy].
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(s *Session) {
		s.policy = p.normalized()
	}
}

// WithHistorySize sets how many transcripts are carried across reconnects.
// Default: [DefaultHistorySize].
func WithHistorySize(n int) Option {
	return func(s *Session) {
		s.history = NewHistory(n)
	}
}

// WithObserver registers an observer. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// attempt is one connection attempt. Its resources are installed by the
// connect job and released by teardown.
type attempt struct {
	epoch   uint64
	conn    transport.Conn
	out     audio.OutputStream
	sched   *playback.Scheduler
	capture *capture.Pipeline

	// ready is closed once conn is installed; done once the attempt is torn
	// down. Transport callbacks wait for either.
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (a *attempt) finish() {
	a.closeOnce.Do(func() { close(a.done) })
}

// event is one input to the state machine.
type event struct {
	kind  EventKind
	frame audio.AudioFrame
	text  string
	err   error
}

// connectJob carries what the blocking part of a connection attempt needs.
type connectJob struct {
	att     *attempt
	ctx     context.Context
	cancel  context.CancelFunc
	acquire bool
	brandID string
	context string
}

// work is the outcome of a dispatch that must run outside the lock.
type work struct {
	closers []func()
	job     *connectJob
}

// Session is one voice coaching conversation.
//
// All methods are safe for concurrent use.
type Session struct {
	mic       audio.Microphone
	speaker   audio.Speaker
	dialer    transport.Dialer
	baseURL   string
	clk       clock.Clock
	policy    ReconnectPolicy
	metrics   *observe.Metrics
	observers []Observer

	// emitMu serialises observer delivery.
	emitMu sync.Mutex

	mu             sync.Mutex
	state          State
	brandID        string
	epoch          uint64
	attempts       int
	debounce       time.Duration
	jitter         time.Duration
	speaking       bool
	speakDeadline  time.Time
	speakTimer     clock.Timer
	speakGen       uint64
	reconnectTimer clock.Timer
	transcript     string
	message        string
	err            error
	history        *History
	att            *attempt
	input          audio.InputStream
	cancelConnect  context.CancelFunc
	outbox         []Snapshot
}

// New creates an idle [Session]. baseURL is the agent's http(s) or ws(s)
// base address.
func New(mic audio.Microphone, speaker audio.Speaker, dialer transport.Dialer, baseURL string, opts ...Option) *Session {
	s := &Session{
		mic:      mic,
		speaker:  speaker,
		dialer:   dialer,
		baseURL:  baseURL,
		clk:      clock.Real{},
		policy:   DefaultReconnectPolicy(),
		debounce: DefaultSpeakingDebounce,
		jitter:   playback.DefaultJitterMargin,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.history == nil {
		s.history = NewHistory(DefaultHistorySize)
	}
	return s
}

// ── Public API ────────────────────────────────────────────────────────────────

// Start begins a conversation with the agent for brandID. It returns once the
// devices are held and the connection is open; the session then waits in
// [StateConnecting] for the agent's "connected" message.
//
// Start is a no-op returning nil while a conversation is already underway.
// It returns [ErrStopped] if [Session.Stop] interrupted the attempt, or the
// typed error that moved the session to [StateError]. Cancelling ctx aborts
// the initial attempt only.
func (s *Session) Start(ctx context.Context, brandID string) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateActive, StateEnding:
		state := s.state
		s.mu.Unlock()
		slog.Debug("session: start ignored", "state", state)
		return nil
	}
	s.brandID = brandID
	w := s.dispatchLocked(event{kind: EventStart})
	s.mu.Unlock()

	if w.job != nil {
		stop := context.AfterFunc(ctx, w.job.cancel)
		defer stop()
	}
	return s.run(w)
}

// Stop ends the conversation and releases every resource. When Stop returns
// no device or transport callback is running on the session's behalf and no
// further snapshot will be delivered until the next Start.
func (s *Session) Stop() {
	s.mu.Lock()
	w := s.dispatchLocked(event{kind: EventStop})
	s.mu.Unlock()
	_ = s.run(w)
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// History returns the transcripts retained for reconnects.
func (s *Session) History() []Entry {
	return s.history.Recent()
}

// SetSpeakingDebounce changes the speaking debounce for subsequent frames.
func (s *Session) SetSpeakingDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// SetJitterMargin changes the playback jitter margin, including for the
// current connection.
func (s *Session) SetJitterMargin(d time.Duration) {
	if d < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jitter = d
	if s.att != nil && s.att.sched != nil {
		s.att.sched.SetJitterMargin(d)
	}
}

// ── Dispatch ──────────────────────────────────────────────────────────────────

// dispatchLocked applies ev and any follow-up events it causes. It never
// blocks; the returned work must be passed to run after unlocking.
func (s *Session) dispatchLocked(ev event) work {
	var w work
	queue := []event{ev}
	ctx := context.Background()

	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		from := s.state
		next, effects, ok := Transition(from, ev.kind, s.policy.Allows(s.attempts))
		if !ok {
			slog.Debug("session: ignoring event", "state", from, "event", ev.kind)
			continue
		}
		s.state = next
		s.annotateLocked(from, next, ev)

	apply:
		for _, eff := range effects {
			switch eff {
			case EffectResetAttempts:
				s.attempts = 0
			case EffectClearHistory:
				s.history.Clear()
			case EffectConnect:
				w.job = s.connectLocked(ev.kind == EventReconnectDue)
			case EffectNotify:
				s.outbox = append(s.outbox, s.snapshotLocked())
			case EffectStartCapture:
				if err := s.startCaptureLocked(); err != nil {
					queue = append(queue, event{kind: EventConnectFailed, err: err})
					break apply
				}
			case EffectReleaseAll:
				w.closers = append(w.closers, s.teardownLocked(true)...)
			case EffectTeardown:
				w.closers = append(w.closers, s.teardownLocked(false)...)
			case EffectScheduleReconnect:
				s.scheduleReconnectLocked()
			case EffectPlay:
				if s.att != nil && s.att.sched != nil {
					s.att.sched.Enqueue(ev.frame)
				}
			case EffectMarkSpeaking:
				s.markSpeakingLocked()
			case EffectClearSpeaking:
				s.clearSpeakingLocked()
			case EffectRecordTranscript:
				s.transcript = ev.text
				s.history.Append(ev.text, s.clk.Now())
			}
		}

		if from != next {
			s.metrics.RecordTransition(ctx, from.String(), next.String())
			slog.Info("session: state changed",
				"from", from,
				"to", next,
				"event", ev.kind,
				"reconnects", s.attempts,
			)
		}
	}
	return w
}

// annotateLocked sets the message and error that accompany a transition.
func (s *Session) annotateLocked(from, next State, ev event) {
	switch ev.kind {
	case EventStart:
		s.message = ""
		s.err = nil
		s.transcript = ""
	case EventConnected:
		s.message = ""
	case EventSessionEnded:
		if next == StateIdle {
			s.message = "Reconnect limit reached. Start a new session to continue."
			slog.Info("session: conversation ended", "reason", ErrReconnectExhausted)
		}
	case EventSessionComplete:
		s.message = ev.text
		if s.message == "" {
			s.message = "Session complete."
		}
	case EventConnectFailed, EventRemoteError, EventClosed:
		if next != StateError {
			return
		}
		s.err = ev.err
		s.message = userMessage(ev.err)
		s.metrics.RecordSessionError(context.Background(), errorKind(ev.err))
		slog.Warn("session: failed", "state", from, "err", ev.err)
	case EventStop:
		if from != StateIdle {
			s.message = "Session stopped."
			s.err = nil
		}
	}
}

// run executes the work of a dispatch. It returns the connect job's error.
func (s *Session) run(w work) error {
	for _, c := range w.closers {
		c()
	}
	s.flush()
	if w.job != nil {
		return s.connect(w.job)
	}
	return nil
}

// flush delivers queued snapshots in order.
func (s *Session) flush() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, snap := range pending {
		for _, o := range s.observers {
			o(snap)
		}
	}
}

// handle applies ev if att is still current.
func (s *Session) handle(att *attempt, ev event) {
	s.mu.Lock()
	if s.att != att {
		s.mu.Unlock()
		return
	}
	w := s.dispatchLocked(ev)
	s.mu.Unlock()
	_ = s.run(w)
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Status:     s.state,
		Speaking:   s.speaking,
		Reconnects: s.attempts,
		Transcript: s.transcript,
		Message:    s.message,
		Err:        s.err,
	}
}

// ── Effects ───────────────────────────────────────────────────────────────────

// connectLocked opens a new attempt and returns the job that will fill it.
func (s *Session) connectLocked(reconnect bool) *connectJob {
	s.epoch++
	att := &attempt{
		epoch: s.epoch,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.att = att
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConnect = cancel
	if reconnect {
		s.metrics.Reconnects.Add(context.Background(), 1)
	}
	return &connectJob{
		att:     att,
		ctx:     ctx,
		cancel:  cancel,
		acquire: s.input == nil,
		brandID: s.brandID,
		context: s.history.Context(),
	}
}

// teardownLocked detaches the current attempt and returns the closers that
// release its resources. With releaseMic the microphone goes too.
func (s *Session) teardownLocked(releaseMic bool) []func() {
	var closers []func()
	s.epoch++

	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopSpeakingTimerLocked()
	s.speaking = false

	if att := s.att; att != nil {
		s.att = nil
		att.finish()
		if att.capture != nil {
			closers = append(closers, att.capture.Stop)
		}
		if att.conn != nil {
			conn := att.conn
			closers = append(closers, func() {
				if err := conn.Close(); err != nil {
					slog.Debug("session: close connection", "conn_id", conn.ID(), "err", err)
				}
			})
		}
		if att.out != nil {
			out := att.out
			closers = append(closers, func() {
				if err := out.Close(); err != nil {
					slog.Debug("session: close speaker", "err", err)
				}
			})
		}
	}

	if releaseMic && s.input != nil {
		in := s.input
		s.input = nil
		closers = append(closers, func() {
			if err := in.Close(); err != nil {
				slog.Debug("session: close microphone", "err", err)
			}
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		})
	}
	return closers
}

func (s *Session) startCaptureLocked() error {
	att := s.att
	if att == nil || att.conn == nil || s.input == nil {
		return &DeviceError{Device: "microphone", Err: audio.ErrDeviceUnavailable}
	}
	p := capture.New(s.input, att.conn, capture.WithMetrics(s.metrics))
	if err := p.Start(); err != nil {
		return &DeviceError{Device: "microphone", Err: err}
	}
	att.capture = p
	return nil
}

func (s *Session) scheduleReconnectLocked() {
	s.attempts++
	delay := s.policy.Backoff(s.attempts)
	s.message = fmt.Sprintf("Session renewed, continuing (%d/%d)", s.attempts, s.policy.MaxAttempts)
	epoch := s.epoch
	s.reconnectTimer = s.clk.AfterFunc(delay, func() { s.reconnectDue(epoch) })
	slog.Info("session: reconnect scheduled", "attempt", s.attempts, "delay", delay)
}

func (s *Session) reconnectDue(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != StateEnding {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	w := s.dispatchLocked(event{kind: EventReconnectDue})
	s.mu.Unlock()

	if err := s.run(w); err != nil && !errors.Is(err, ErrStopped) {
		slog.Warn("session: reconnect failed", "err", err)
	}
}

// markSpeakingLocked pushes the speaking deadline. Only one timer is armed
// at a time; when it fires early it re-arms for the remainder.
func (s *Session) markSpeakingLocked() {
	s.speakDeadline = s.clk.Now().Add(s.debounce)
	if !s.speaking {
		s.speaking = true
		s.outbox = append(s.outbox, s.snapshotLocked())
	}
	if s.speakTimer == nil {
		s.armSpeakingLocked(s.debounce)
	}
}

func (s *Session) armSpeakingLocked(d time.Duration) {
	s.speakGen++
	gen := s.speakGen
	s.speakTimer = s.clk.AfterFunc(d, func() { s.speakingDue(gen) })
}

func (s *Session) speakingDue(gen uint64) {
	s.mu.Lock()
	if gen != s.speakGen || s.speakTimer == nil {
		s.mu.Unlock()
		return
	}
	s.speakTimer = nil
	if now := s.clk.Now(); now.Before(s.speakDeadline) {
		s.armSpeakingLocked(s.speakDeadline.Sub(now))
		s.mu.Unlock()
		return
	}
	w := s.dispatchLocked(event{kind: EventSpeakingTimeout})
	s.mu.Unlock()
	_ = s.run(w)
}

func (s *Session) clearSpeakingLocked() {
	s.stopSpeakingTimerLocked()
	if s.speaking {
		s.speaking = false
		s.outbox = append(s.outbox, s.snapshotLocked())
	}
}

func (s *Session) stopSpeakingTimerLocked() {
	if s.speakTimer != nil {
		s.speakTimer.Stop()
		s.speakTimer = nil
	}
	s.speakGen++
}

// ── Connect ───────────────────────────────────────────────────────────────────

// connect runs the blocking part of an attempt outside the lock.
func (s *Session) connect(job *connectJob) (err error) {
	defer job.cancel()
	att := job.att
	ctx, span := observe.StartSpan(job.ctx, "session.connect",
		trace.WithAttributes(
			attribute.Int64("attempt", int64(att.epoch)),
			attribute.Bool("with_context", job.context != ""),
		),
	)
	defer func() {
		if err != nil && !errors.Is(err, ErrStopped) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "connect failed")
		}
		span.End()
	}()
	log := observe.Logger(ctx).With("attempt", att.epoch)

	url, err := transport.Endpoint(s.baseURL, job.brandID, job.context)
	if err != nil {
		return s.fail(att, &ConfigError{Err: err})
	}

	if job.acquire {
		in, err := s.mic.Acquire(ctx)
		if err != nil {
			return s.fail(att, classifyMicError(err))
		}
		s.mu.Lock()
		if s.att != att {
			s.mu.Unlock()
			_ = in.Close()
			return ErrStopped
		}
		s.input = in
		s.mu.Unlock()
		s.metrics.ActiveSessions.Add(context.Background(), 1)
		log.Debug("session: microphone acquired", "rate", in.SampleRate())
	}

	out, err := s.speaker.Open(ctx, audio.PlaybackRate)
	if err != nil {
		return s.fail(att, &DeviceError{Device: "speaker", Err: err})
	}

	conn, err := s.dialer.Dial(ctx, url, &attemptHandler{s: s, att: att})
	if err != nil {
		_ = out.Close()
		return s.fail(att, &ConnectionError{Op: "dial", Code: -1, Err: err})
	}

	s.mu.Lock()
	if s.att != att {
		s.mu.Unlock()
		_ = conn.Close()
		_ = out.Close()
		return ErrStopped
	}
	att.conn = conn
	att.out = out
	att.sched = playback.New(out,
		playback.WithJitterMargin(s.jitter),
		playback.WithMetrics(s.metrics),
	)
	close(att.ready)
	w := s.dispatchLocked(event{kind: EventTransportOpen})
	s.mu.Unlock()

	log.Info("session: connection open", "conn_id", conn.ID(), "with_context", job.context != "")
	return s.run(w)
}

// fail reports err for att unless the attempt was superseded.
func (s *Session) fail(att *attempt, err error) error {
	s.mu.Lock()
	if s.att != att {
		s.mu.Unlock()
		return ErrStopped
	}
	w := s.dispatchLocked(event{kind: EventConnectFailed, err: err})
	s.mu.Unlock()
	_ = s.run(w)
	return err
}

// ── Transport callbacks ───────────────────────────────────────────────────────

// attemptHandler routes transport callbacks of one attempt into the session.
type attemptHandler struct {
	s   *Session
	att *attempt
}

// wait blocks until the attempt is installed or torn down.
func (h *attemptHandler) wait() bool {
	select {
	case <-h.att.ready:
		return true
	case <-h.att.done:
		return false
	}
}

// HandleAudio implements [transport.Handler].
func (h *attemptHandler) HandleAudio(frame audio.AudioFrame) {
	if h.wait() {
		h.s.handle(h.att, event{kind: EventAudio, frame: frame})
	}
}

// HandleControl implements [transport.Handler].
func (h *attemptHandler) HandleControl(msg transport.ControlMessage) {
	if !h.wait() {
		return
	}
	var ev event
	switch msg.Type {
	case transport.ControlConnected:
		ev = event{kind: EventConnected}
	case transport.ControlTurnComplete:
		ev = event{kind: EventTurnComplete}
	case transport.ControlTranscript:
		ev = event{kind: EventTranscript, text: msg.Text}
	case transport.ControlSessionEnded:
		ev = event{kind: EventSessionEnded}
	case transport.ControlSessionComplete:
		ev = event{kind: EventSessionComplete, text: msg.Message}
	case transport.ControlError:
		ev = event{kind: EventRemoteError, err: &ProtocolError{Message: msg.Message}}
	default:
		return
	}
	h.s.handle(h.att, ev)
}

// HandleClose implements [transport.Handler].
func (h *attemptHandler) HandleClose(info transport.CloseInfo) {
	if info.Local || !h.wait() {
		return
	}
	cause := info.Err
	if cause == nil {
		cause = fmt.Errorf("closed by agent: %q", info.Reason)
	}
	h.s.handle(h.att, event{
		kind: EventClosed,
		err:  &ConnectionError{Op: "read", Code: info.Code, Err: cause},
	})
}

var _ transport.Handler = (*attemptHandler)(nil)
