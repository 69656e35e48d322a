package condochat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake Pusher server
// ============================================================================

const establishedFrame = `{"event":"pusher:connection_established","data":"{\"socket_id\":\"123.456\",\"activity_timeout\":120}"}`

type fakePusher struct {
	srv       *httptest.Server
	handshake string
	frames    chan pusherFrame

	mu    sync.Mutex
	conn  *websocket.Conn
	conns int
}

func newFakePusher(t *testing.T) *fakePusher {
	t.Helper()
	f := &fakePusher{handshake: establishedFrame, frames: make(chan pusherFrame, 256)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePusher) host() string {
	return "ws://" + strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakePusher) serve(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/app/test-key") || r.URL.Query().Get("protocol") != "7" {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte(f.handshake)); err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.conns++
	f.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var fr pusherFrame
		if json.Unmarshal(data, &fr) != nil {
			continue
		}
		switch fr.Event {
		case "pusher:subscribe":
			var d struct {
				Channel string `json:"channel"`
			}
			_ = json.Unmarshal(unwrapData(fr.Data), &d)
			f.write(fmt.Sprintf(`{"event":"pusher_internal:subscription_succeeded","channel":%q,"data":"{}"}`, d.Channel))
		case "pusher:ping":
			f.write(`{"event":"pusher:pong","data":"{}"}`)
		}
		f.frames <- fr
	}
}

func (f *fakePusher) write(frame string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// emit sends an application event, with the data as a JSON string when
// asString is set and as an object otherwise.
func (f *fakePusher) emit(channel, event, data string, asString bool) {
	if asString {
		b, _ := json.Marshal(data)
		data = string(b)
	}
	f.write(fmt.Sprintf(`{"event":%q,"channel":%q,"data":%s}`, event, channel, data))
}

func (f *fakePusher) drop() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (f *fakePusher) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

// waitFrame returns the next client frame with the given event name.
func (f *fakePusher) waitFrame(t *testing.T, event string) pusherFrame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case fr := <-f.frames:
			if fr.Event == event {
				return fr
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
			return pusherFrame{}
		}
	}
}

func frameChannel(fr pusherFrame) string {
	var d struct {
		Channel string `json:"channel"`
	}
	_ = json.Unmarshal(unwrapData(fr.Data), &d)
	return d.Channel
}

func newTestRealtime(t *testing.T, f *fakePusher, mutate func(*RealtimeConfig)) *RealtimeClient {
	t.Helper()
	cfg := RealtimeConfig{AppKey: "test-key", Host: f.host()}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewRealtimeClient(cfg)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func recv(t *testing.T, ch <-chan PushEvent) PushEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return PushEvent{}
	}
}

// ============================================================================
// Configuration
// ============================================================================

func TestRealtimeConfig_Endpoint(t *testing.T) {
	t.Run("cluster host", func(t *testing.T) {
		cfg := RealtimeConfig{AppKey: "abc", Cluster: "eu"}
		cfg.defaults()
		u := cfg.endpoint()
		assert.True(t, strings.HasPrefix(u, "wss://ws-eu.pusher.com/app/abc?"), u)
		assert.Contains(t, u, "protocol=7")
		assert.Contains(t, u, "client=condochat-go")
	})

	t.Run("explicit host keeps scheme", func(t *testing.T) {
		cfg := RealtimeConfig{AppKey: "abc", Host: "ws://127.0.0.1:6001/"}
		cfg.defaults()
		assert.True(t, strings.HasPrefix(cfg.endpoint(), "ws://127.0.0.1:6001/app/abc?"))
	})

	t.Run("insecure bare host", func(t *testing.T) {
		cfg := RealtimeConfig{AppKey: "abc", Host: "soketi.local:6001", Insecure: true}
		cfg.defaults()
		assert.True(t, strings.HasPrefix(cfg.endpoint(), "ws://soketi.local:6001/app/abc?"))
	})
}

func TestReconnector_Backoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    300 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	d, n := r.nextDelay()
	assert.Equal(t, 1, n)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.LessOrEqual(t, d, 150*time.Millisecond)

	d, n = r.nextDelay()
	assert.Equal(t, 2, n)
	assert.GreaterOrEqual(t, d, 200*time.Millisecond)
	assert.LessOrEqual(t, d, 250*time.Millisecond)

	d, _ = r.nextDelay()
	assert.Equal(t, 300*time.Millisecond, d)
	assert.False(t, r.shouldReconnect())

	r.reset()
	assert.True(t, r.shouldReconnect())
}

// ============================================================================
// Connection
// ============================================================================

func TestRealtime_Connect(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, nil)

	connected := make(chan string, 1)
	c.OnConnected(func(id string) { connected <- id })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "123.456", c.SocketID())

	select {
	case id := <-connected:
		assert.Equal(t, "123.456", id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected not called")
	}

	require.NoError(t, c.Ping(context.Background()))

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRealtime_HandshakeError(t *testing.T) {
	f := newFakePusher(t)
	f.handshake = `{"event":"pusher:error","data":{"code":4001,"message":"App key test-key not in this cluster"}}`
	c := newTestRealtime(t, f, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)

	var perr *PusherError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 4001, perr.Code)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRealtime_AnswersServerPing(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, nil)
	require.NoError(t, c.Connect(context.Background()))

	f.write(`{"event":"pusher:ping","data":"{}"}`)
	f.waitFrame(t, "pusher:pong")
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestRealtime_DeliversInOrder(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, nil)
	require.NoError(t, c.Connect(context.Background()))

	events := make(chan PushEvent, 64)
	sub, err := c.Subscribe(context.Background(), "chat.1", func(ev PushEvent) { events <- ev })
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, "chat.1", frameChannel(f.waitFrame(t, "pusher:subscribe")))

	const n = 40
	for i := 1; i <= n; i++ {
		f.emit("chat.1", `App\Events\NewChatMessage`, fmt.Sprintf(`{"id":%d}`, i), i%2 == 0)
	}

	for i := 1; i <= n; i++ {
		ev := recv(t, events)
		assert.Equal(t, "chat.1", ev.Channel)
		assert.Equal(t, `App\Events\NewChatMessage`, ev.Event)
		var p struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &p), string(ev.Data))
		require.Equal(t, i, p.ID)
	}
}

func TestRealtime_CloseStopsDelivery(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, nil)
	require.NoError(t, c.Connect(context.Background()))

	var stale atomic.Int32
	sub1, err := c.Subscribe(context.Background(), "chat.1", func(PushEvent) { stale.Add(1) })
	require.NoError(t, err)
	markers := make(chan PushEvent, 1)
	sub2, err := c.Subscribe(context.Background(), "chat.2", func(ev PushEvent) { markers <- ev })
	require.NoError(t, err)
	defer sub2.Close()
	f.waitFrame(t, "pusher:subscribe")
	f.waitFrame(t, "pusher:subscribe")

	sub1.Close()
	sub1.Close()
	assert.True(t, sub1.Closed())
	assert.Equal(t, "chat.1", frameChannel(f.waitFrame(t, "pusher:unsubscribe")))

	f.emit("chat.1", "NewChatMessage", `{"id":1}`, false)
	f.emit("chat.2", "NewChatMessage", `{"id":2}`, false)
	recv(t, markers)
	assert.Equal(t, int32(0), stale.Load())
}

func TestRealtime_OneSubscriptionPerChannel(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, nil)

	sub, err := c.Subscribe(context.Background(), "chat.1", func(PushEvent) {})
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background(), "chat.1", func(PushEvent) {})
	assert.Error(t, err)

	sub.Close()
	again, err := c.Subscribe(context.Background(), "chat.1", func(PushEvent) {})
	require.NoError(t, err)
	again.Close()
}

func TestRealtime_SubscribeBeforeConnect(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, nil)

	events := make(chan PushEvent, 1)
	sub, err := c.Subscribe(context.Background(), "chat.3", func(ev PushEvent) { events <- ev })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "chat.3", frameChannel(f.waitFrame(t, "pusher:subscribe")))

	f.emit("chat.3", "NewOffer", `{"offerId":1}`, true)
	assert.Equal(t, "NewOffer", recv(t, events).Event)
}

func TestRealtime_ReconnectResubscribes(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, func(cfg *RealtimeConfig) {
		cfg.AutoReconnect = true
		cfg.ReconnectBaseDelay = 10 * time.Millisecond
		cfg.ReconnectMaxDelay = 50 * time.Millisecond
	})
	reconnecting := make(chan int, 4)
	c.OnReconnecting(func(attempt int, _ time.Duration) { reconnecting <- attempt })
	disconnected := make(chan struct{}, 4)
	c.OnDisconnected(func(int, string) { disconnected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	events := make(chan PushEvent, 4)
	sub, err := c.Subscribe(context.Background(), "chat.7", func(ev PushEvent) { events <- ev })
	require.NoError(t, err)
	defer sub.Close()
	f.waitFrame(t, "pusher:subscribe")

	f.drop()

	assert.Equal(t, "chat.7", frameChannel(f.waitFrame(t, "pusher:subscribe")))
	assert.Equal(t, 2, f.connections())
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
	select {
	case attempt := <-reconnecting:
		assert.Equal(t, 1, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnecting not called")
	}

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	f.emit("chat.7", "MessageStatusUpdated", `{"message_id":5}`, true)
	assert.JSONEq(t, `{"message_id":5}`, string(recv(t, events).Data))
}

func TestRealtime_ServerErrorReachesHandler(t *testing.T) {
	f := newFakePusher(t)
	c := newTestRealtime(t, f, nil)
	errs := make(chan *PusherError, 1)
	c.OnError(func(perr *PusherError) { errs <- perr })

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.write(`{"event":"pusher:error","data":{"code":4201,"message":"Pong reply not received"}}`)

	select {
	case perr := <-errs:
		assert.Equal(t, 4201, perr.Code)
		assert.Equal(t, "Pong reply not received", perr.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	assert.Equal(t, StateConnected, c.State())
}
