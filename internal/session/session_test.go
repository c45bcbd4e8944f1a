package session_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	clockmock "github.com/MrWong99/voicecoach/internal/clock/mock"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/session"
	"github.com/MrWong99/voicecoach/internal/transport"
	transportmock "github.com/MrWong99/voicecoach/internal/transport/mock"
	"github.com/MrWong99/voicecoach/pkg/audio"
	audiomock "github.com/MrWong99/voicecoach/pkg/audio/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// snapshots records every snapshot delivered to an observer.
type snapshots struct {
	mu   sync.Mutex
	list []session.Snapshot
}

func (r *snapshots) observe(s session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, s)
}

func (r *snapshots) all() []session.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Snapshot(nil), r.list...)
}

func (r *snapshots) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

type harness struct {
	mic     *audiomock.Microphone
	speaker *audiomock.Speaker
	dialer  *transportmock.Dialer
	clk     *clockmock.Clock
	snaps   *snapshots
	s       *session.Session
}

func newHarness(t *testing.T, opts ...session.Option) *harness {
	t.Helper()
	h := &harness{
		mic:     &audiomock.Microphone{},
		speaker: &audiomock.Speaker{},
		dialer:  &transportmock.Dialer{},
		clk:     clockmock.New(time.Unix(1_700_000_000, 0)),
		snaps:   &snapshots{},
	}
	base := []session.Option{
		session.WithClock(h.clk),
		session.WithMetrics(newTestMetrics(t)),
		session.WithObserver(h.snaps.observe),
	}
	h.s = session.New(h.mic, h.speaker, h.dialer, "http://agent.test", append(base, opts...)...)
	t.Cleanup(h.s.Stop)
	return h
}

// activate starts the session and delivers "connected".
func (h *harness) activate(t *testing.T) *transportmock.Conn {
	t.Helper()
	if err := h.s.Start(t.Context(), "acme"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := h.dialer.Last()
	if conn == nil {
		t.Fatal("no connection dialled")
	}
	conn.Control(transport.ControlMessage{Type: transport.ControlConnected})
	if got := h.s.Snapshot().Status; got != session.StateActive {
		t.Fatalf("status = %v, want active", got)
	}
	return conn
}

func (h *harness) inputStream(t *testing.T) *audiomock.InputStream {
	t.Helper()
	streams := h.mic.Streams()
	if len(streams) != 1 {
		t.Fatalf("acquired %d microphone streams, want 1", len(streams))
	}
	return streams[0]
}

// pcm24k returns n samples of s16 silence-free PCM at the playback rate.
func pcm24k(n int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.EncodePCM16(samples)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_ConnectsAndActivates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.s.Start(t.Context(), "acme"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.s.Snapshot().Status; got != session.StateConnecting {
		t.Fatalf("status before connected = %v, want connecting", got)
	}
	stream := h.inputStream(t)
	if stream.Started() {
		t.Error("capture started before the agent was connected")
	}

	calls := h.dialer.Calls()
	if len(calls) != 1 {
		t.Fatalf("dial calls = %d, want 1", len(calls))
	}
	u, err := url.Parse(calls[0].URL)
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	if u.Scheme != "ws" || u.Path != "/api/brands/acme/voice-coaching" || u.RawQuery != "" {
		t.Errorf("dial url = %q", calls[0].URL)
	}
	if oc := h.speaker.OpenCalls; len(oc) != 1 || oc[0].SampleRate != audio.PlaybackRate {
		t.Errorf("speaker open calls = %+v, want one at %d Hz", oc, audio.PlaybackRate)
	}

	h.dialer.Last().Control(transport.ControlMessage{Type: transport.ControlConnected})
	if got := h.s.Snapshot().Status; got != session.StateActive {
		t.Fatalf("status = %v, want active", got)
	}
	if !stream.Started() {
		t.Error("capture not attached after connected")
	}

	var statuses []session.State
	for _, s := range h.snaps.all() {
		statuses = append(statuses, s.Status)
	}
	want := []session.State{session.StateConnecting, session.StateActive}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("observed statuses = %v, want %v", statuses, want)
	}
}

func TestStart_WhileConnectingIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.Gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Start(t.Context(), "acme") }()
	waitFor(t, "acquire in flight", func() bool { return h.mic.AcquireCount() == 1 })

	if err := h.s.Start(t.Context(), "acme"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	close(h.mic.Gate)
	if err := <-errCh; err != nil {
		t.Fatalf("first Start: %v", err)
	}

	if n := h.mic.AcquireCount(); n != 1 {
		t.Errorf("microphone acquired %d times, want 1", n)
	}
	if n := len(h.dialer.Connections()); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}

	// Also a no-op once active.
	h.dialer.Last().Control(transport.ControlMessage{Type: transport.ControlConnected})
	if err := h.s.Start(t.Context(), "acme"); err != nil {
		t.Fatalf("Start while active: %v", err)
	}
	if n := len(h.dialer.Connections()); n != 1 {
		t.Errorf("connections after Start while active = %d, want 1", n)
	}
}

func TestStart_RestartsAfterError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)
	conn.Drop(transport.CloseInfo{Code: -1, Err: errors.New("EOF")})
	if got := h.s.Snapshot().Status; got != session.StateError {
		t.Fatalf("status = %v, want error", got)
	}

	h.activate(t)
	snap := h.s.Snapshot()
	if snap.Err != nil || snap.Message != "" {
		t.Errorf("restart kept stale error: %+v", snap)
	}
	if n := h.mic.AcquireCount(); n != 2 {
		t.Errorf("acquire count = %d, want 2", n)
	}
}

// ── Errors ────────────────────────────────────────────────────────────────────

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.AcquireError = fmt.Errorf("ffmpeg: %w", audio.ErrPermissionDenied)

	err := h.s.Start(t.Context(), "acme")
	var pe *session.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("Start error = %v, want PermissionError", err)
	}
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Error("PermissionError does not unwrap to audio.ErrPermissionDenied")
	}

	snap := h.s.Snapshot()
	if snap.Status != session.StateError {
		t.Errorf("status = %v, want error", snap.Status)
	}
	if !strings.Contains(snap.Message, "permission") {
		t.Errorf("message = %q", snap.Message)
	}
	if len(h.dialer.Calls()) != 0 {
		t.Error("dialled despite missing microphone permission")
	}
	if len(h.speaker.OpenCalls) != 0 {
		t.Error("speaker opened despite missing microphone permission")
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.AcquireError = audio.ErrDeviceUnavailable

	err := h.s.Start(t.Context(), "acme")
	var de *session.DeviceError
	if !errors.As(err, &de) || de.Device != "microphone" {
		t.Fatalf("Start error = %v, want microphone DeviceError", err)
	}
}

func TestStart_SpeakerFailureReleasesMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.speaker.OpenError = errors.New("no output device")

	err := h.s.Start(t.Context(), "acme")
	var de *session.DeviceError
	if !errors.As(err, &de) || de.Device != "speaker" {
		t.Fatalf("Start error = %v, want speaker DeviceError", err)
	}
	if !h.inputStream(t).Closed() {
		t.Error("microphone not released after speaker failure")
	}
}

func TestStart_DialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.DialError = errors.New("connection refused")

	err := h.s.Start(t.Context(), "acme")
	var ce *session.ConnectionError
	if !errors.As(err, &ce) || ce.Op != "dial" {
		t.Fatalf("Start error = %v, want dial ConnectionError", err)
	}

	snap := h.s.Snapshot()
	if snap.Status != session.StateError {
		t.Errorf("status = %v, want error", snap.Status)
	}
	if snap.Message != "Connection failed. Check that the backend is running." {
		t.Errorf("message = %q", snap.Message)
	}
	if !h.inputStream(t).Closed() {
		t.Error("microphone not released")
	}
	if out := h.speaker.Streams(); len(out) != 1 || !out[0].Closed() {
		t.Error("speaker not released")
	}
}

func TestStart_EndpointErrorsAreConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		baseURL string
		brand   string
		wantMsg string
	}{
		{"empty brand", "http://agent.test", "", "No brand selected. Choose a brand and try again."},
		{"blank brand", "http://agent.test", "  ", "No brand selected. Choose a brand and try again."},
		{"bad scheme", "ftp://agent.test", "acme", "Invalid agent address. Check endpoint.base_url in the configuration."},
		{"no host", "ws://", "acme", "Invalid agent address. Check endpoint.base_url in the configuration."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mic, speaker, dialer := &audiomock.Microphone{}, &audiomock.Speaker{}, &transportmock.Dialer{}
			s := session.New(mic, speaker, dialer, tt.baseURL,
				session.WithClock(clockmock.New(time.Unix(0, 0))),
				session.WithMetrics(newTestMetrics(t)),
			)
			t.Cleanup(s.Stop)

			err := s.Start(t.Context(), tt.brand)
			var ce *session.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Start error = %v, want ConfigError", err)
			}
			var conn *session.ConnectionError
			if errors.As(err, &conn) {
				t.Errorf("endpoint error reported as a connection error: %v", err)
			}

			snap := s.Snapshot()
			if snap.Status != session.StateError || snap.Message != tt.wantMsg {
				t.Errorf("snapshot = %+v, want error with %q", snap, tt.wantMsg)
			}
			if mic.AcquireCount() != 0 || len(speaker.Streams()) != 0 || len(dialer.Calls()) != 0 {
				t.Error("devices or transport touched for an unusable endpoint")
			}
		})
	}
}

func TestSession_AbruptCloseIsError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)

	conn.Drop(transport.CloseInfo{Code: 1011, Err: errors.New("internal error")})

	snap := h.s.Snapshot()
	if snap.Status != session.StateError {
		t.Fatalf("status = %v, want error", snap.Status)
	}
	var ce *session.ConnectionError
	if !errors.As(snap.Err, &ce) || ce.Op != "read" || ce.Code != 1011 {
		t.Errorf("Err = %v, want read ConnectionError with code 1011", snap.Err)
	}
	if !conn.Closed() || !h.inputStream(t).Closed() {
		t.Error("resources not released after abrupt close")
	}
	if len(h.dialer.Calls()) != 1 {
		t.Error("abrupt close must not reconnect")
	}
}

func TestSession_RemoteError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)

	conn.Control(transport.ControlMessage{Type: transport.ControlError, Message: "Brand not found"})

	snap := h.s.Snapshot()
	if snap.Status != session.StateError {
		t.Fatalf("status = %v, want error", snap.Status)
	}
	var pe *session.ProtocolError
	if !errors.As(snap.Err, &pe) {
		t.Errorf("Err = %v, want ProtocolError", snap.Err)
	}
	if snap.Message != "Brand not found" {
		t.Errorf("message = %q, want remote message", snap.Message)
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestSession_CaptureReachesTransport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)

	block := make([]float32, 960) // 20 ms at 48 kHz
	if !h.inputStream(t).Emit(block) {
		t.Fatal("capture callback not registered")
	}

	sent := conn.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if sent[0].SampleRate != audio.CaptureRate || len(sent[0].Data) != 640 {
		t.Errorf("frame = %d Hz / %d bytes, want 16000 Hz / 640 bytes", sent[0].SampleRate, len(sent[0].Data))
	}
}

func TestSession_PlaybackIsContiguous(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithJitterMargin(50*time.Millisecond))
	conn := h.activate(t)

	conn.Audio(pcm24k(480))
	conn.Audio(pcm24k(480))

	out := h.speaker.Streams()[0]
	plays := out.Plays()
	if len(plays) != 2 {
		t.Fatalf("plays = %d, want 2", len(plays))
	}
	if plays[0].At != 50*time.Millisecond || plays[1].At != 70*time.Millisecond {
		t.Errorf("scheduled at %v and %v, want 50ms and 70ms", plays[0].At, plays[1].At)
	}
}

func TestSession_SpeakingDebounce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithSpeakingDebounce(time.Second))
	conn := h.activate(t)

	conn.Audio(pcm24k(480))
	if !h.s.Snapshot().Speaking {
		t.Fatal("not speaking after inbound audio")
	}

	h.clk.Advance(600 * time.Millisecond)
	conn.Audio(pcm24k(480))

	// The first deadline passes, but the second frame pushed it to 1.6s.
	h.clk.Advance(600 * time.Millisecond)
	if !h.s.Snapshot().Speaking {
		t.Fatal("speaking cleared before the pushed deadline")
	}

	h.clk.Advance(400 * time.Millisecond)
	if h.s.Snapshot().Speaking {
		t.Fatal("still speaking after the debounce elapsed")
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}

	var flips []bool
	for _, s := range h.snaps.all() {
		if s.Status == session.StateActive {
			flips = append(flips, s.Speaking)
		}
	}
	if fmt.Sprint(flips) != "[false true false]" {
		t.Errorf("speaking notifications = %v, want one per change", flips)
	}
}

func TestSession_TurnCompleteClearsSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)

	conn.Audio(pcm24k(480))
	conn.Control(transport.ControlMessage{Type: transport.ControlTurnComplete})

	if h.s.Snapshot().Speaking {
		t.Error("turn_complete did not clear speaking")
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
}

func TestSession_TranscriptsRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithHistorySize(2))
	conn := h.activate(t)

	for _, text := range []string{"one", " ", "two", "three"} {
		conn.Control(transport.ControlMessage{Type: transport.ControlTranscript, Text: text})
	}
	if got := h.s.Snapshot().Transcript; got != "three" {
		t.Errorf("transcript = %q, want %q", got, "three")
	}
	hist := h.s.History()
	if len(hist) != 2 || hist[0].Text != "two" || hist[1].Text != "three" {
		t.Errorf("history = %+v, want [two three]", hist)
	}
}

// ── Reconnect ─────────────────────────────────────────────────────────────────

func TestSession_SessionEndedReconnectsWithSameMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithReconnectPolicy(session.ReconnectPolicy{MaxAttempts: 3, Delay: time.Second}))
	first := h.activate(t)
	first.Control(transport.ControlMessage{Type: transport.ControlTranscript, Text: "Hello there"})

	first.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})

	snap := h.s.Snapshot()
	if snap.Status != session.StateEnding {
		t.Fatalf("status = %v, want ending", snap.Status)
	}
	if snap.Message != "Session renewed, continuing (1/3)" || snap.Reconnects != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	stream := h.inputStream(t)
	if stream.Closed() {
		t.Fatal("microphone released across a graceful boundary")
	}
	if stream.Started() {
		t.Error("capture still attached while ending")
	}
	if !first.Closed() || !h.speaker.Streams()[0].Closed() {
		t.Error("per-attempt resources not released while ending")
	}

	h.clk.Advance(999 * time.Millisecond)
	if n := len(h.dialer.Calls()); n != 1 {
		t.Fatalf("reconnected before the delay (%d dials)", n)
	}
	h.clk.Advance(time.Millisecond)

	calls := h.dialer.Calls()
	if len(calls) != 2 {
		t.Fatalf("dials = %d, want 2", len(calls))
	}
	u, _ := url.Parse(calls[1].URL)
	if got := u.Query().Get("context"); got != "Hello there" {
		t.Errorf("reconnect context = %q, want %q", got, "Hello there")
	}

	h.dialer.Last().Control(transport.ControlMessage{Type: transport.ControlConnected})
	if got := h.s.Snapshot().Status; got != session.StateActive {
		t.Fatalf("status after reconnect = %v, want active", got)
	}
	if n := h.mic.AcquireCount(); n != 1 {
		t.Errorf("microphone acquired %d times, want 1", n)
	}
	if !stream.Started() {
		t.Error("capture not reattached to the retained microphone")
	}
}

func TestSession_ReconnectStartsFreshPlaybackTimeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithReconnectPolicy(session.ReconnectPolicy{MaxAttempts: 1, Delay: time.Second}))
	first := h.activate(t)
	first.Audio(pcm24k(480))
	first.Audio(pcm24k(480))

	first.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})
	h.clk.Advance(time.Second)
	second := h.dialer.Last()
	second.Control(transport.ControlMessage{Type: transport.ControlConnected})
	second.Audio(pcm24k(480))

	streams := h.speaker.Streams()
	if len(streams) != 2 {
		t.Fatalf("opened %d output streams, want one per attempt", len(streams))
	}
	before, after := streams[0].Plays(), streams[1].Plays()
	if len(before) != 2 || len(after) != 1 {
		t.Fatalf("plays = %d then %d, want 2 then 1", len(before), len(after))
	}
	if after[0].At != before[0].At {
		t.Errorf("first frame after reconnect at %v, want the fresh-timeline start %v", after[0].At, before[0].At)
	}
}

func TestSession_ReconnectLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithReconnectPolicy(session.ReconnectPolicy{MaxAttempts: 1, Delay: time.Second}))
	conn := h.activate(t)
	conn.Control(transport.ControlMessage{Type: transport.ControlTranscript, Text: "hi"})

	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})
	h.clk.Advance(time.Second)
	conn = h.dialer.Last()
	conn.Control(transport.ControlMessage{Type: transport.ControlConnected})

	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})

	snap := h.s.Snapshot()
	if snap.Status != session.StateIdle {
		t.Fatalf("status = %v, want idle", snap.Status)
	}
	if snap.Err != nil {
		t.Errorf("Err = %v, want nil for an exhausted reconnect budget", snap.Err)
	}
	if !strings.Contains(snap.Message, "Reconnect limit") {
		t.Errorf("message = %q", snap.Message)
	}
	if !h.inputStream(t).Closed() {
		t.Error("microphone not released")
	}
	if len(h.s.History()) != 0 {
		t.Error("history kept after the conversation ended")
	}
	if n := len(h.dialer.Calls()); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestSession_ZeroReconnectsEndsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithReconnectPolicy(session.ReconnectPolicy{MaxAttempts: 0}))
	conn := h.activate(t)

	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})

	if got := h.s.Snapshot().Status; got != session.StateIdle {
		t.Errorf("status = %v, want idle", got)
	}
}

func TestSession_GracefulEndWinsOverClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)

	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})
	conn.Drop(transport.CloseInfo{Code: 1006, Err: errors.New("unexpected EOF")})

	snap := h.s.Snapshot()
	if snap.Status != session.StateEnding || snap.Err != nil {
		t.Errorf("snapshot = %+v, want ending without error", snap)
	}
}

func TestSession_ReconnectBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithReconnectPolicy(session.ReconnectPolicy{
		MaxAttempts: 3, Delay: time.Second, MaxDelay: 4 * time.Second,
	}))
	conn := h.activate(t)

	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})
	h.clk.Advance(time.Second)
	conn = h.dialer.Last()
	conn.Control(transport.ControlMessage{Type: transport.ControlConnected})
	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})

	h.clk.Advance(time.Second)
	if n := len(h.dialer.Calls()); n != 2 {
		t.Fatalf("second reconnect after 1s (%d dials), want doubled delay", n)
	}
	h.clk.Advance(time.Second)
	if n := len(h.dialer.Calls()); n != 3 {
		t.Errorf("dials = %d after 2s, want 3", n)
	}
}

// ── Stop ──────────────────────────────────────────────────────────────────────

func TestStop_ReleasesEverythingAndSilencesCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)
	conn.Audio(pcm24k(480))
	stream := h.inputStream(t)

	h.s.Stop()

	snap := h.s.Snapshot()
	if snap.Status != session.StateIdle || snap.Speaking {
		t.Errorf("snapshot = %+v, want idle and not speaking", snap)
	}
	if !stream.Closed() || stream.Started() {
		t.Error("microphone not released")
	}
	if !conn.Closed() {
		t.Error("connection not closed")
	}
	if !h.speaker.Streams()[0].Closed() {
		t.Error("speaker not closed")
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}

	before := h.snaps.count()
	conn.Audio(pcm24k(480))
	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})
	conn.Drop(transport.CloseInfo{Code: -1, Err: errors.New("EOF")})
	h.clk.Advance(10 * time.Second)
	if stream.Emit(make([]float32, 960)) {
		t.Error("capture callback still registered")
	}

	if after := h.snaps.count(); after != before {
		t.Errorf("observer called %d times after Stop", after-before)
	}
	if got := h.s.Snapshot().Status; got != session.StateIdle {
		t.Errorf("late callbacks changed status to %v", got)
	}
}

func TestStop_WhileEndingCancelsReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)
	conn.Control(transport.ControlMessage{Type: transport.ControlSessionEnded})

	h.s.Stop()
	h.clk.Advance(5 * time.Second)

	if n := len(h.dialer.Calls()); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if !h.inputStream(t).Closed() {
		t.Error("microphone not released")
	}
}

func TestStop_InterruptsConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.Gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Start(context.Background(), "acme") }()
	waitFor(t, "dial in flight", func() bool { return len(h.dialer.Calls()) == 1 })

	h.s.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, session.ErrStopped) {
			t.Errorf("Start error = %v, want ErrStopped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if !h.inputStream(t).Closed() {
		t.Error("microphone not released")
	}
	if got := h.s.Snapshot().Status; got != session.StateIdle {
		t.Errorf("status = %v, want idle", got)
	}
}

func TestStop_IdleIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.s.Stop()
	if h.snaps.count() != 0 {
		t.Error("Stop on an idle session notified observers")
	}
}

func TestSession_SessionComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)
	conn.Control(transport.ControlMessage{Type: transport.ControlTranscript, Text: "bye"})

	conn.Control(transport.ControlMessage{Type: transport.ControlSessionComplete, Message: "Great session!"})

	snap := h.s.Snapshot()
	if snap.Status != session.StateIdle || snap.Message != "Great session!" || snap.Err != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(h.s.History()) != 0 {
		t.Error("history not cleared")
	}
	if !h.inputStream(t).Closed() || !conn.Closed() {
		t.Error("resources not released")
	}
}

func TestSession_SetJitterMarginAppliesToCurrentConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.activate(t)
	h.s.SetJitterMargin(120 * time.Millisecond)

	conn.Audio(pcm24k(480))

	plays := h.speaker.Streams()[0].Plays()
	if len(plays) != 1 || plays[0].At != 120*time.Millisecond {
		t.Errorf("plays = %+v, want first frame at 120ms", plays)
	}
}
