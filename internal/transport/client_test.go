package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	clockmock "github.com/MrWong99/voicecoach/internal/clock/mock"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgent launches a fake remote agent. The handler receives the accepted
// connection; the server is closed when the test finishes.
func startAgent(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// writeRaw sends a frame of the given type.
func writeRaw(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newClient(t *testing.T, opts ...transport.Option) *transport.Client {
	t.Helper()
	opts = append([]transport.Option{transport.WithMetrics(newTestMetrics(t))}, opts...)
	return transport.NewClient(opts...)
}

// recorder is a transport.Handler that forwards events to channels.
type recorder struct {
	audio    chan audio.AudioFrame
	controls chan transport.ControlMessage
	closes   chan transport.CloseInfo

	mu         sync.Mutex
	closeCalls int
}

func newRecorder() *recorder {
	return &recorder{
		audio:    make(chan audio.AudioFrame, 16),
		controls: make(chan transport.ControlMessage, 16),
		closes:   make(chan transport.CloseInfo, 4),
	}
}

func (r *recorder) HandleAudio(f audio.AudioFrame)           { r.audio <- f }
func (r *recorder) HandleControl(m transport.ControlMessage) { r.controls <- m }
func (r *recorder) HandleClose(info transport.CloseInfo) {
	r.mu.Lock()
	r.closeCalls++
	r.mu.Unlock()
	r.closes <- info
}

func (r *recorder) waitClose(t *testing.T) transport.CloseInfo {
	t.Helper()
	select {
	case info := <-r.closes:
		return info
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for HandleClose")
		return transport.CloseInfo{}
	}
}

func waitDone(t *testing.T, conn transport.Conn) {
	t.Helper()
	d, ok := conn.(interface{ Done() <-chan struct{} })
	if !ok {
		t.Fatal("connection does not expose Done")
	}
	select {
	case <-d.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection goroutines did not exit")
	}
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_SendsHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := startAgent(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		<-conn.CloseRead(context.Background()).Done()
	})

	conn, err := newClient(t).Dial(t.Context(), wsURL(srv), newRecorder())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case h := <-headers:
		if got := h.Get(transport.HeaderSessionID); got != conn.ID() {
			t.Errorf("%s = %q, want %q", transport.HeaderSessionID, got, conn.ID())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for upgrade request")
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(t).Dial(t.Context(), wsURL(srv), newRecorder())
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDial_BreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "agent",
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		Clock:        clockmock.New(time.Unix(0, 0)),
	})
	c := newClient(t, transport.WithBreaker(cb))

	for range 2 {
		if _, err := c.Dial(t.Context(), wsURL(srv), newRecorder()); err == nil {
			t.Fatal("expected dial error")
		}
	}
	_, err := c.Dial(t.Context(), wsURL(srv), newRecorder())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("server hits = %d, want 2", hits)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestInbound_AudioAndControl(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "connected"})
		writeRaw(t, conn, websocket.MessageBinary, pcm)
		writeJSON(t, conn, map[string]any{"type": "transcript", "text": "hello"})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	conn, err := newClient(t).Dial(t.Context(), wsURL(srv), rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case m := <-rec.controls:
		if m.Type != transport.ControlConnected {
			t.Errorf("first control = %q, want connected", m.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for connected")
	}
	select {
	case f := <-rec.audio:
		if string(f.Data) != string(pcm) {
			t.Errorf("audio = %v, want %v", f.Data, pcm)
		}
		if f.SampleRate != audio.PlaybackRate {
			t.Errorf("rate = %d, want %d", f.SampleRate, audio.PlaybackRate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
	select {
	case m := <-rec.controls:
		if m.Type != transport.ControlTranscript || m.Text != "hello" {
			t.Errorf("control = %+v, want transcript hello", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}
}

func TestInbound_MalformedControlIgnored(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		writeRaw(t, conn, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"type": "unknown_thing"})
		writeJSON(t, conn, map[string]any{"type": "turn_complete"})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	conn, err := newClient(t).Dial(t.Context(), wsURL(srv), rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case m := <-rec.controls:
		if m.Type != transport.ControlTurnComplete {
			t.Errorf("control = %q, want turn_complete (malformed ones skipped)", m.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for turn_complete")
	}
	select {
	case info := <-rec.closes:
		t.Fatalf("connection closed after malformed message: %+v", info)
	default:
	}
}

// ── Close classification ──────────────────────────────────────────────────────

func TestClose_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		serverEnd func(conn *websocket.Conn)
		wantClean bool
		wantCode  int
	}{
		{
			name:      "normal closure",
			serverEnd: func(conn *websocket.Conn) { conn.Close(websocket.StatusNormalClosure, "bye") },
			wantClean: true,
			wantCode:  int(websocket.StatusNormalClosure),
		},
		{
			name:      "going away",
			serverEnd: func(conn *websocket.Conn) { conn.Close(websocket.StatusGoingAway, "restart") },
			wantClean: true,
			wantCode:  int(websocket.StatusGoingAway),
		},
		{
			name:      "internal error",
			serverEnd: func(conn *websocket.Conn) { conn.Close(websocket.StatusInternalError, "boom") },
			wantClean: false,
			wantCode:  int(websocket.StatusInternalError),
		},
		{
			name:      "abrupt",
			serverEnd: func(conn *websocket.Conn) { conn.CloseNow() },
			wantClean: false,
			wantCode:  -1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
				tc.serverEnd(conn)
			})

			rec := newRecorder()
			conn, err := newClient(t).Dial(t.Context(), wsURL(srv), rec)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			info := rec.waitClose(t)
			if info.Clean != tc.wantClean {
				t.Errorf("Clean = %v, want %v (err %v)", info.Clean, tc.wantClean, info.Err)
			}
			if info.Code != tc.wantCode {
				t.Errorf("Code = %d, want %d", info.Code, tc.wantCode)
			}
			if info.Local {
				t.Error("Local = true for a remote close")
			}
			waitDone(t, conn)
		})
	}
}

func TestClose_Local(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		// Keep reading so the close handshake completes.
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	conn, err := newClient(t).Dial(t.Context(), wsURL(srv), rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info := rec.waitClose(t)
	if !info.Local || !info.Clean {
		t.Errorf("info = %+v, want local clean close", info)
	}
	waitDone(t, conn)

	// Idempotent, and HandleClose fires once.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closeCalls != 1 {
		t.Errorf("HandleClose calls = %d, want 1", rec.closeCalls)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_WritesBinaryFrames(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 4)
	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				got <- data
			}
		}
	})

	conn, err := newClient(t).Dial(t.Context(), wsURL(srv), newRecorder())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	frame := audio.AudioFrame{Data: []byte{0x10, 0x00, 0x20, 0x00}, SampleRate: audio.CaptureRate, Channels: 1}
	if !conn.SendAudio(frame) {
		t.Fatal("SendAudio returned false on an open connection")
	}
	select {
	case data := <-got:
		if string(data) != string(frame.Data) {
			t.Errorf("server received %v, want %v", data, frame.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestSendAudio_DropsNewestWhenQueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	received := make(chan []byte, 8)
	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.SetReadLimit(1 << 20)
		<-release
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			received <- data
		}
	})

	conn, err := newClient(t, transport.WithSendQueue(2)).Dial(t.Context(), wsURL(srv), newRecorder())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The write pump may already hold one frame; the queue holds two more.
	// Whatever is accepted, rejected frames are always the newest ones.
	accepted := 0
	firstRejected := -1
	for i := range 64 {
		big := make([]byte, 1<<16)
		big[0] = byte(i)
		if conn.SendAudio(audio.AudioFrame{Data: big, SampleRate: audio.CaptureRate, Channels: 1}) {
			if firstRejected >= 0 {
				break
			}
			accepted++
		} else if firstRejected < 0 {
			firstRejected = i
		}
	}
	if firstRejected < 0 {
		t.Fatal("no frame was dropped with a full queue")
	}
	close(release)

	for i := range accepted {
		select {
		case data := <-received:
			if int(data[0]) != i {
				t.Errorf("received frame %d, want %d (oldest frames kept in order)", data[0], i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestSendAudio_AfterCloseDropped(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	conn, err := newClient(t).Dial(t.Context(), wsURL(srv), newRecorder())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_ = conn.Close()

	if conn.SendAudio(audio.AudioFrame{Data: []byte{0, 0}, SampleRate: audio.CaptureRate, Channels: 1}) {
		t.Error("SendAudio after Close returned true")
	}
}

func TestKeepalive_Pings(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		// Reading lets the server answer pings automatically.
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	conn, err := newClient(t, transport.WithPingInterval(20*time.Millisecond)).Dial(t.Context(), wsURL(srv), rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	select {
	case info := <-rec.closes:
		t.Fatalf("connection closed during keepalive: %+v", info)
	default:
	}
	_ = conn.Close()
	waitDone(t, conn)
}
