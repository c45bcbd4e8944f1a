package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/pkg/audio"
)

var (
	_ Dialer = (*Client)(nil)
	_ Conn   = (*wsConn)(nil)
)

// HeaderSessionID carries the connection id on the upgrade request.
const HeaderSessionID = "X-Session-Id"

const (
	defaultSendQueue    = 32
	defaultPingInterval = 20 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultReadLimit    = 1 << 20

	pingTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [NewClient].
type Option func(*Client)

// WithSendQueue sets the capacity of the per-connection outbound queue.
// When the queue is full, new frames are dropped. Default: 32.
func WithSendQueue(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sendQueue = n
		}
	}
}

// WithPingInterval sets the keepalive ping interval. Zero disables pings.
// Default: 20s.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithDialTimeout bounds the websocket handshake. Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithBreaker routes every dial through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client dials websocket connections to the remote agent.
type Client struct {
	sendQueue    int
	pingInterval time.Duration
	dialTimeout  time.Duration
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	httpClient   *http.Client
}

// NewClient creates a [Client].
func NewClient(opts ...Option) *Client {
	c := &Client{
		sendQueue:    defaultSendQueue,
		pingInterval: defaultPingInterval,
		dialTimeout:  defaultDialTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Dial implements [Dialer].
func (c *Client) Dial(ctx context.Context, url string, h Handler) (Conn, error) {
	id := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "transport.dial")
	defer span.End()
	log := observe.Logger(ctx).With("conn_id", id)

	header := http.Header{}
	header.Set(HeaderSessionID, id)
	observe.InjectHeaders(ctx, header)

	start := time.Now()
	var ws *websocket.Conn
	dial := func() error {
		dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
		var err error
		ws, _, err = websocket.Dial(dctx, url, &websocket.DialOptions{
			HTTPClient: c.httpClient,
			HTTPHeader: header,
		})
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(dial)
	} else {
		err = dial()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		log.Debug("transport: dial failed", "err", err)
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	ws.SetReadLimit(defaultReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &wsConn{
		id:      id,
		log:     log,
		ws:      ws,
		handler: h,
		metrics: c.metrics,
		sendCh:  make(chan audio.AudioFrame, c.sendQueue),
		ctx:     connCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	conn.wg.Add(2)
	go conn.readLoop()
	go conn.writeLoop()
	if c.pingInterval > 0 {
		conn.wg.Add(1)
		go conn.keepaliveLoop(c.pingInterval)
	}
	go func() {
		conn.wg.Wait()
		close(conn.done)
	}()

	log.Debug("transport: connected")
	return conn, nil
}

// ── Connection ────────────────────────────────────────────────────────────────

type wsConn struct {
	id      string
	log     *slog.Logger
	ws      *websocket.Conn
	handler Handler
	metrics *observe.Metrics
	sendCh  chan audio.AudioFrame

	ctx    context.Context
	cancel context.CancelFunc
	local  atomic.Bool
	wg     sync.WaitGroup
	done   chan struct{}

	closeOnce sync.Once
}

// ID implements [Conn].
func (c *wsConn) ID() string { return c.id }

// SendAudio implements [Conn]. Drop policy: drop-newest.
func (c *wsConn) SendAudio(frame audio.AudioFrame) bool {
	if c.ctx.Err() != nil || frame.Empty() {
		return false
	}
	select {
	case c.sendCh <- frame:
		return true
	default:
		c.metrics.RecordDrop(context.Background(), observe.DirectionOutbound)
		return false
	}
}

// Close implements [Conn].
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.local.Store(true)
		if err := c.ws.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			c.log.Debug("transport: close handshake incomplete", "err", err)
		}
		c.cancel()
	})
	return nil
}

// Done is closed once every goroutine of the connection has exited.
func (c *wsConn) Done() <-chan struct{} { return c.done }

// readLoop reads frames and dispatches them. It owns the HandleClose call.
func (c *wsConn) readLoop() {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.metrics.FramesReceived.Add(ctx, 1)
			c.handler.HandleAudio(audio.AudioFrame{
				Data:       data,
				SampleRate: audio.PlaybackRate,
				Channels:   1,
			})
		case websocket.MessageText:
			msg, err := ParseControl(data)
			if err != nil {
				c.log.Warn("transport: ignoring control message", "err", err)
				continue
			}
			c.metrics.RecordControl(ctx, string(msg.Type))
			c.handler.HandleControl(msg)
		}
	}
}

// finish classifies the read error and reports the close.
func (c *wsConn) finish(err error) {
	local := c.local.Load()
	c.cancel()
	_ = c.ws.CloseNow()

	info := CloseInfo{
		Code:  int(websocket.CloseStatus(err)),
		Local: local,
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		info.Reason = ce.Reason
	}
	switch {
	case local:
		info.Clean = true
	case info.Code == int(websocket.StatusNormalClosure), info.Code == int(websocket.StatusGoingAway):
		info.Clean = true
	default:
		info.Err = err
	}
	c.log.Debug("transport: closed",
		"code", info.Code,
		"clean", info.Clean,
		"local", info.Local,
	)
	c.handler.HandleClose(info)
}

// writeLoop drains the send queue onto the socket.
func (c *wsConn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendCh:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageBinary, frame.Data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.log.Debug("transport: write failed", "err", err)
				}
				return
			}
			c.metrics.FramesSent.Add(context.Background(), 1)
		}
	}
}

// keepaliveLoop pings the agent so idle connections survive proxies.
func (c *wsConn) keepaliveLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				c.log.Debug("transport: ping failed", "err", err)
			}
			cancel()
		}
	}
}
