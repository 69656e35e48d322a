package condochat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// PushEvent is an application event received on a subscribed channel. Data
// holds the event payload as JSON, unwrapped if the server sent it as a
// JSON-encoded string.
type PushEvent struct {
	Channel string
	Event   string
	Data    json.RawMessage
}

// PushHandler receives the events of one channel, one at a time, in the
// order the server sent them.
type PushHandler func(PushEvent)

// PushClient is the publish/subscribe transport the engine listens on.
type PushClient interface {
	Subscribe(ctx context.Context, channel string, h PushHandler) (*Subscription, error)
}

type pusherFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// PusherError is sent by the server on protocol failures.
type PusherError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *PusherError) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

func unwrapData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return json.RawMessage(s)
		}
	}
	return raw
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push client.
type RealtimeConfig struct {
	AppKey  string
	Cluster string
	// Host overrides ws-<cluster>.pusher.com. It may carry a ws:// or
	// wss:// scheme.
	Host     string
	Insecure bool

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// ActivityTimeout is the idle interval between pings. The server's
	// activity_timeout wins when it is shorter.
	ActivityTimeout time.Duration
	PongTimeout     time.Duration
	// QueueSize bounds the per-channel delivery buffer.
	QueueSize int
	Logger    *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Cluster == "" {
		c.Cluster = "mt1"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = 120 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *RealtimeConfig) endpoint() string {
	base := c.Host
	if !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://") {
		if base == "" {
			base = "ws-" + c.Cluster + ".pusher.com"
		}
		scheme := "wss://"
		if c.Insecure {
			scheme = "ws://"
		}
		base = scheme + base
	}
	q := url.Values{}
	q.Set("protocol", "7")
	q.Set("client", "condochat-go")
	q.Set("version", Version)
	q.Set("flash", "false")
	return strings.TrimRight(base, "/") + "/app/" + url.PathEscape(c.AppKey) + "?" + q.Encode()
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Connection Events
// ============================================================================

type connectionEvents struct {
	mu             sync.RWMutex
	onConnected    []func(socketID string)
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onError        []func(*PusherError)
}

func (d *connectionEvents) emitConnected(socketID string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(socketID)
	}
}

func (d *connectionEvents) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *connectionEvents) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

func (d *connectionEvents) emitError(e *PusherError) {
	d.mu.RLock()
	handlers := append([]func(*PusherError){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(e)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and its 1-based number.
// A connection that stayed up for a minute resets the attempt count.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a Pusher protocol 7 client over WebSocket with
// auto-reconnect, heartbeat and per-channel ordered delivery. Channels stay
// registered across reconnects and are subscribed again on every new
// connection.
type RealtimeClient struct {
	config           RealtimeConfig
	logger           *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	socketID         string
	activityTimeout  time.Duration
	intentionalClose bool
	events           *connectionEvents
	recon            *reconnector
	cancelFn         context.CancelFunc
	pongCh           chan struct{}

	subsMu sync.Mutex
	subs   map[string]*Subscription
}

// NewRealtimeClient creates a disconnected client.
func NewRealtimeClient(config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		config:          config,
		logger:          config.Logger.With("component", "realtime"),
		state:           StateDisconnected,
		activityTimeout: config.ActivityTimeout,
		events:          &connectionEvents{},
		recon:           newReconnector(&config),
		pongCh:          make(chan struct{}, 1),
		subs:            make(map[string]*Subscription),
	}
}

// OnConnected registers a handler called after each successful handshake.
func (c *RealtimeClient) OnConnected(h func(socketID string)) {
	c.events.mu.Lock()
	c.events.onConnected = append(c.events.onConnected, h)
	c.events.mu.Unlock()
}

// OnDisconnected registers a handler for connection loss.
func (c *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	c.events.mu.Lock()
	c.events.onDisconnected = append(c.events.onDisconnected, h)
	c.events.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (c *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.events.mu.Lock()
	c.events.onReconnecting = append(c.events.onReconnecting, h)
	c.events.mu.Unlock()
}

// OnError registers a handler for pusher:error frames.
func (c *RealtimeClient) OnError(h func(*PusherError)) {
	c.events.mu.Lock()
	c.events.onError = append(c.events.onError, h)
	c.events.mu.Unlock()
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketID returns the id assigned by the server on the current connection.
func (c *RealtimeClient) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Connect dials the push service and waits for the connection handshake.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.config.endpoint(), nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	established, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return err
	}

	// The connection outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.conn = conn
	c.cancelFn = cancel
	c.state = StateConnected
	c.socketID = established.SocketID
	c.activityTimeout = c.config.ActivityTimeout
	if server := time.Duration(established.ActivityTimeout) * time.Second; server > 0 && server < c.activityTimeout {
		c.activityTimeout = server
	}
	c.mu.Unlock()
	c.recon.markConnected()

	c.logger.Info("push connected", "socket_id", established.SocketID)

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)

	c.resubscribe(connCtx)
	c.events.emitConnected(established.SocketID)
	return nil
}

func (c *RealtimeClient) handshake(ctx context.Context, conn *websocket.Conn) (*connectionEstablished, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var frame pusherFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	switch frame.Event {
	case "pusher:connection_established":
		var est connectionEstablished
		if err := json.Unmarshal(unwrapData(frame.Data), &est); err != nil {
			return nil, fmt.Errorf("decode connection data: %w", err)
		}
		return &est, nil
	case "pusher:error":
		var perr PusherError
		if err := json.Unmarshal(unwrapData(frame.Data), &perr); err != nil {
			return nil, fmt.Errorf("decode pusher error: %w", err)
		}
		return nil, &perr
	}
	return nil, fmt.Errorf("expected 'pusher:connection_established', got '%s'", frame.Event)
}

// Disconnect closes the connection and stops reconnecting. Subscriptions
// stay registered and resume on the next Connect.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.socketID = ""
	c.mu.Unlock()
	c.recon.reset()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.events.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
		return err
	}
	return nil
}

// Subscribe registers h for channel. Only one subscription per channel may
// be open at a time. When the client is not connected the subscription is
// sent on the next successful Connect.
func (c *RealtimeClient) Subscribe(ctx context.Context, channel string, h PushHandler) (*Subscription, error) {
	if channel == "" {
		return nil, errors.New("channel name is empty")
	}
	c.subsMu.Lock()
	if _, ok := c.subs[channel]; ok {
		c.subsMu.Unlock()
		return nil, fmt.Errorf("channel %s already subscribed", channel)
	}
	sub := newSubscription(channel, h, c.config.QueueSize, c.unsubscribe)
	c.subs[channel] = sub
	c.subsMu.Unlock()

	if c.State() == StateConnected {
		if err := c.send(ctx, subscribeFrame("pusher:subscribe", channel)); err != nil {
			c.logger.Warn("subscribe deferred to reconnect", "channel", channel, "error", err)
		}
	}
	return sub, nil
}

func (c *RealtimeClient) unsubscribe(sub *Subscription) {
	c.subsMu.Lock()
	if c.subs[sub.channel] == sub {
		delete(c.subs, sub.channel)
	}
	c.subsMu.Unlock()

	if c.State() != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.send(ctx, subscribeFrame("pusher:unsubscribe", sub.channel)); err != nil {
		c.logger.Debug("unsubscribe not sent", "channel", sub.channel, "error", err)
	}
}

func (c *RealtimeClient) resubscribe(ctx context.Context) {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.subsMu.Unlock()

	for _, ch := range channels {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.send(sctx, subscribeFrame("pusher:subscribe", ch)); err != nil {
			c.logger.Warn("resubscribe failed", "channel", ch, "error", err)
		}
		cancel()
	}
}

func subscribeFrame(event, channel string) *pusherFrame {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return &pusherFrame{Event: event, Data: data}
}

func (c *RealtimeClient) send(ctx context.Context, frame *pusherFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends pusher:ping and waits for the pong.
func (c *RealtimeClient) Ping(ctx context.Context) error {
	select {
	case <-c.pongCh:
	default:
	}

	if err := c.send(ctx, &pusherFrame{Event: "pusher:ping", Data: json.RawMessage("{}")}); err != nil {
		return err
	}

	timer := time.NewTimer(c.config.PongTimeout)
	defer timer.Stop()
	select {
	case <-c.pongCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RealtimeClient) setState(s RealtimeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if c.intentionalClose || c.conn != conn {
				c.mu.Unlock()
				return
			}
			c.state = StateDisconnected
			c.conn = nil
			c.socketID = ""
			c.mu.Unlock()

			c.logger.Warn("push connection lost", "error", err)
			c.events.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.scheduleReconnect(ctx)
			}
			return
		}

		var frame pusherFrame
		if json.Unmarshal(data, &frame) != nil {
			c.logger.Debug("undecodable push frame dropped", "size", len(data))
			continue
		}

		switch frame.Event {
		case "pusher:ping":
			if err := c.send(ctx, &pusherFrame{Event: "pusher:pong", Data: json.RawMessage("{}")}); err != nil {
				c.logger.Debug("pong not sent", "error", err)
			}
		case "pusher:pong":
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		case "pusher:error":
			var perr PusherError
			if json.Unmarshal(unwrapData(frame.Data), &perr) == nil {
				c.logger.Warn("push server error", "code", perr.Code, "message", perr.Message)
				c.events.emitError(&perr)
			}
		case "pusher_internal:subscription_succeeded":
			c.logger.Debug("channel subscribed", "channel", frame.Channel)
		default:
			if frame.Channel == "" {
				continue
			}
			c.subsMu.Lock()
			sub := c.subs[frame.Channel]
			c.subsMu.Unlock()
			if sub == nil {
				c.logger.Debug("event for unknown channel dropped", "channel", frame.Channel, "event", frame.Event)
				continue
			}
			sub.deliver(PushEvent{Channel: frame.Channel, Event: frame.Event, Data: unwrapData(frame.Data)})
		}
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context) {
	c.mu.Lock()
	interval := c.activityTimeout
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if err := c.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("heartbeat failed", "error", err)
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (c *RealtimeClient) scheduleReconnect(ctx context.Context) {
	for {
		delay, attempt := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.events.emitReconnecting(attempt, delay)
		c.logger.Info("push reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.config.PongTimeout)
		err := c.Connect(dialCtx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("push reconnect failed", "attempt", attempt, "error", err)
		if !c.recon.shouldReconnect() {
			c.setState(StateDisconnected)
			return
		}
	}
}
