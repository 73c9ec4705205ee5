// ABOUTME: Websocket client with connection state, reconnect backoff and keepalive pings
// ABOUTME: Delivers inbound frames in wire order from a single read goroutine

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-inbox/internal/protocol"
)

// State is the connection state exposed to the inbox.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateDisconnected State = "DISCONNECTED"
)

// ErrNotConnected is returned by Send when the state is not CONNECTED.
var ErrNotConnected = errors.New("transport not connected")

const (
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 1 << 20
)

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is sent as a bearer token and as the token query parameter.
	Token string

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is a reconnecting websocket connection.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	onFrame func(raw []byte)
	onState func(State)

	writeMu sync.Mutex
}

// New creates a client. Nothing is dialed until Run.
func New(opts Options) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		dialer: dialer,
		logger: logger.With("component", "transport"),
		state:  StateDisconnected,
	}
}

// OnFrame sets the inbound frame callback. It runs on the read goroutine, one
// frame at a time, and must not block for long. Set it before Run.
func (c *Client) OnFrame(fn func(raw []byte)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

// OnStateChange sets the state callback. It runs on the Run goroutine with no
// locks held, so it may call Send. Set it before Run.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes env to the connection.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// The read loop sees the broken connection and reconnects.
		_ = conn.Close()
		return fmt.Errorf("write %s: %w", env.Action, err)
	}
	return nil
}

// Run connects and keeps the connection up until ctx ends. It returns
// ctx.Err() after moving to DISCONNECTED.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	attempt := 0
	for {
		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			sleep := c.backoff(attempt)
			c.logger.Warn("websocket dial failed",
				"attempt", attempt,
				"sleep", sleep,
				"error", err)
			if !sleepCtx(ctx, sleep) {
				return ctx.Err()
			}
			continue
		}

		if attempt > 0 {
			c.logger.Info("websocket reconnected", "attempt", attempt+1)
		} else {
			c.logger.Info("websocket connected", "url", c.opts.URL)
		}
		attempt = 0

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("websocket connection lost", "error", err)
		attempt = 1
		c.setState(StateReconnecting)
		if !sleepCtx(ctx, c.backoff(attempt)) {
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	header := http.Header{}
	if c.opts.Token != "" {
		q := target.Query()
		q.Set("token", c.opts.Token)
		target.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	pongWait := 2 * c.opts.PingInterval
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(ctx, conn, done)
	}()

	err := c.readLoop(conn, pongWait)

	close(done)
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	wg.Wait()
	return err
}

func (c *Client) readLoop(conn *websocket.Conn, pongWait time.Duration) error {
	c.mu.Lock()
	onFrame := c.onFrame
	c.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if onFrame != nil {
			onFrame(data)
		}
	}
}

// keepalive pings the server and closes the connection when ctx ends, which
// unblocks the read loop.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			_ = conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()

	c.logger.Debug("state changed", "state", s)
	if fn != nil {
		fn(s)
	}
}

// backoff returns the delay before dial attempt n+1: MinBackoff doubled per
// failed attempt, capped at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.MinBackoff
	for i := 1; i < attempt && d < c.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.opts.MaxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
