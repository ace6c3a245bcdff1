package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/metrics"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the client uses. Abstracted so tests
// can inject a fake connection.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// DialFunc establishes one WebSocket connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Config configures the transport client.
type Config struct {
	WSURL    string
	TokenURL string // anti-forgery token endpoint; empty disables the fetch
	UserID   string
	Token    string // auth credential sent in the connect frame

	Heartbeat     time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int
	TokenTimeout  time.Duration

	Logger *slog.Logger
	Dial   DialFunc // optional override for tests
}

// Client owns the one authenticated publish/subscribe session of a chat
// session: handshake, heartbeats, and bounded-exponential-backoff reconnection.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   DialFunc

	mu         sync.Mutex
	state      domain.ConnState
	conn       Conn
	gen        int // connection generation; guards stale read-loop callbacks
	attempt    int
	retryTimer *time.Timer
	closed     bool
	ctx        context.Context

	writeMu sync.Mutex

	subsMu    sync.RWMutex
	subs      map[string]map[int]func([]byte)
	stateSubs map[int]func(domain.ConnState)
	nextSubID int
}

var _ domain.Transport = (*Client)(nil)

// New creates a transport client. Connect must be called to establish the session.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 8 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 5 * time.Second
	}
	c := &Client{
		cfg:       cfg,
		logger:    cfg.Logger,
		dial:      cfg.Dial,
		state:     domain.StateDisconnected,
		subs:      make(map[string]map[int]func([]byte)),
		stateSubs: make(map[int]func(domain.ConnState)),
	}
	if c.dial == nil {
		c.dial = c.dialWebSocket
	}
	return c
}

func (c *Client) dialWebSocket(ctx context.Context) (Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.WSURL, err)
	}
	return conn, nil
}

// Connect starts the session. The first attempt runs synchronously; failures
// feed the reconnect loop rather than being returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport already closed")
	}
	c.ctx = ctx
	c.mu.Unlock()

	c.connectOnce(ctx)
	return nil
}

// connectOnce performs one token-fetch + dial + handshake cycle.
func (c *Client) connectOnce(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setState(domain.StateConnecting)

	// Short-lived anti-forgery credential. Failure is non-fatal: the
	// handshake proceeds without it.
	csrf := ""
	if c.cfg.TokenURL != "" {
		tok, err := fetchToken(ctx, c.cfg.TokenURL, c.cfg.TokenTimeout)
		if err != nil {
			c.logger.Warn("anti-forgery token fetch failed, continuing without",
				"url", c.cfg.TokenURL, "err", err)
		} else {
			csrf = tok
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.handleFailure(ctx, err)
		return
	}

	if err := c.handshake(conn, csrf); err != nil {
		conn.Close()
		c.handleFailure(ctx, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempt = 0
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.setState(domain.StateConnected)
	c.logger.Info("transport connected", "user", c.cfg.UserID)
	metrics.Collector.Counter("transport_connects_total", "Successful transport connects").Inc()

	go c.readLoop(ctx, conn, gen)
	if c.cfg.Heartbeat > 0 {
		go c.heartbeat(ctx, conn, gen)
	}
}

func (c *Client) handshake(conn Conn, csrf string) error {
	payload, err := json.Marshal(connectPayload{
		UserID: c.cfg.UserID,
		Token:  c.cfg.Token,
		CSRF:   csrf,
	})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Type: frameConnect, Payload: payload})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	var resp Frame
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("handshake decode: %w", err)
	}
	if resp.Type != frameConnected {
		return fmt.Errorf("handshake rejected: %s %s", resp.Type, resp.Error)
	}
	conn.SetReadDeadline(time.Time{})
	return nil
}

// handleFailure schedules the next reconnect attempt, or parks the client in
// the terminal error state once the cap is exhausted.
func (c *Client) handleFailure(ctx context.Context, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.cfg.MaxReconnects {
		c.mu.Unlock()
		c.setState(domain.StateError)
		c.logger.Error("transport gave up reconnecting",
			"attempts", c.cfg.MaxReconnects,
			"err", fmt.Errorf("%w: %w", domain.ErrRetriesExhausted, err))
		return
	}
	c.attempt++
	attempt := c.attempt
	delay := backoffDelay(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	changed := c.state != domain.StateDisconnected
	c.state = domain.StateDisconnected
	c.retryTimer = time.AfterFunc(delay, func() { c.connectOnce(ctx) })
	c.mu.Unlock()

	if changed {
		c.notifyState(domain.StateDisconnected)
	}
	c.logger.Warn("transport connect failed, retrying",
		"attempt", attempt, "delay", delay, "err", err)
	metrics.Collector.Counter("transport_reconnects_total", "Reconnect attempts scheduled").Inc()
}

// backoffDelay returns min(base * 2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen int) {
	if c.cfg.Heartbeat > 0 {
		deadline := 2 * c.cfg.Heartbeat
		conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onConnError(ctx, conn, gen, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid transport frame", "err", err)
			continue
		}

		switch frame.Type {
		case frameMessage:
			c.dispatch(frame.Topic, frame.Payload)
		case frameError:
			c.logger.Warn("transport server error", "err", frame.Error)
		}
	}
}

// onConnError handles an abnormal closure of the active connection.
func (c *Client) onConnError(ctx context.Context, conn Conn, gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.setState(domain.StateDisconnected)
		c.logger.Info("transport closed by server")
		return
	}

	c.logger.Warn("transport connection lost", "err", err)
	c.handleFailure(ctx, err)
}

func (c *Client) heartbeat(ctx context.Context, conn Conn, gen int) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.closed || gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Read loop will observe the broken connection.
				return
			}
		}
	}
}

// Publish sends a payload to a destination over the live session.
func (c *Client) Publish(destination string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != domain.StateConnected || conn == nil {
		return domain.ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	data, err := json.Marshal(Frame{Type: frameSend, Destination: destination, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

// Subscribe registers a topic handler and returns its disposer.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) domain.Disposer {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func([]byte))
	}
	c.subs[topic][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			delete(c.subs[topic], id)
		})
	}
}

// OnStateChange observes connection state transitions.
func (c *Client) OnStateChange(handler func(domain.ConnState)) domain.Disposer {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.stateSubs[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			delete(c.stateSubs, id)
		})
	}
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.subsMu.RLock()
	handlers := make([]func([]byte), 0, len(c.subs[topic]))
	for _, h := range c.subs[topic] {
		handlers = append(handlers, h)
	}
	c.subsMu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// State returns the current connection state.
func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s domain.ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	connected := int64(0)
	if s == domain.StateConnected {
		connected = 1
	}
	metrics.Collector.Gauge("transport_connected", "1 while the websocket session is up").Set(connected)

	c.notifyState(s)
}

func (c *Client) notifyState(s domain.ConnState) {
	c.subsMu.RLock()
	handlers := make([]func(domain.ConnState), 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		handlers = append(handlers, h)
	}
	c.subsMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// Reconnect resets the attempt counter after cap exhaustion and retries once.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed || c.state != domain.StateError {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	ctx := c.ctx
	c.mu.Unlock()

	c.logger.Info("manual reconnect requested")
	go c.connectOnce(ctx)
}

// Disconnect tears the session down. Pending reconnect timers are cancelled;
// the client cannot be reused afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	c.setState(domain.StateDisconnected)
	c.logger.Info("transport disconnected")
}
