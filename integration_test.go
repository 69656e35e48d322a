//go:build integration

package condochat_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/condominio/condochat"
	"github.com/shopspring/decimal"
)

// helpers ---------------------------------------------------------------

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("CONDOCHAT_TOKEN_TEST")
	if tok == "" {
		t.Fatal("CONDOCHAT_TOKEN_TEST environment variable is required")
	}
	return tok
}

func newClient(t *testing.T) *condochat.Client {
	t.Helper()
	return condochat.NewClient(token(t), condochat.WithBaseURL(envOr("CONDOCHAT_BASE_URL_TEST", condochat.DefaultBaseURL)))
}

func newRealtime(t *testing.T) *condochat.RealtimeClient {
	t.Helper()
	key := os.Getenv("CONDOCHAT_PUSH_KEY_TEST")
	if key == "" {
		t.Skip("CONDOCHAT_PUSH_KEY_TEST not set")
	}
	rt := condochat.NewRealtimeClient(condochat.RealtimeConfig{
		AppKey:        key,
		Cluster:       envOr("CONDOCHAT_PUSH_CLUSTER_TEST", "eu"),
		Host:          os.Getenv("CONDOCHAT_PUSH_HOST_TEST"),
		AutoReconnect: true,
	})
	t.Cleanup(func() { _ = rt.Disconnect() })
	return rt
}

func chatID(t *testing.T) condochat.ChatID {
	t.Helper()
	v := os.Getenv("CONDOCHAT_CHAT_ID_TEST")
	if v == "" {
		t.Skip("CONDOCHAT_CHAT_ID_TEST not set")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		t.Fatalf("invalid CONDOCHAT_CHAT_ID_TEST: %v", err)
	}
	return condochat.ChatID(id)
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_ListChats(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := client.Chats.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if list.SelfID == 0 {
		t.Error("expected non-zero user_id")
	}
	t.Logf("List: %d chats for user %d", len(list.Chats), list.SelfID)
}

func TestIntegration_History(t *testing.T) {
	client := newClient(t)
	id := chatID(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h, err := client.Chats.History(ctx, id)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if h.SelfID == 0 {
		t.Error("expected non-zero userId")
	}
	if h.Skipped > 0 {
		t.Errorf("%d items could not be decoded", h.Skipped)
	}
	t.Logf("History: %d items, listing %d", len(h.Items), h.ListingID)
}

// =======================================================================
// Engine round trip
// =======================================================================

func TestIntegration_SendMessageEcho(t *testing.T) {
	client := newClient(t)
	rt := newRealtime(t)
	id := chatID(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	confirmed := make(chan condochat.ItemID, 4)
	engine := condochat.NewEngine(client.Chats, rt, condochat.WithOnChange(func(s *condochat.Session) {
		for _, it := range s.Snapshot() {
			if m, ok := it.(*condochat.Message); ok && m.ClientID != "" && !m.Provisional() {
				select {
				case confirmed <- m.ID:
				default:
				}
			}
		}
	}))
	defer engine.Close()

	if _, err := engine.Open(ctx, id); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	// Give the subscription a moment to reach the server.
	time.Sleep(time.Second)

	text := fmt.Sprintf("integration %d", time.Now().UnixNano())
	if err := engine.SendMessage(ctx, text); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	select {
	case got := <-confirmed:
		t.Logf("message confirmed with id %d", got)
	case <-ctx.Done():
		t.Fatal("no push echo for the sent message")
	}
}

func TestIntegration_SendOffer(t *testing.T) {
	if os.Getenv("CONDOCHAT_ALLOW_OFFERS_TEST") == "" {
		t.Skip("set CONDOCHAT_ALLOW_OFFERS_TEST to send real offers")
	}
	client := newClient(t)
	rt := newRealtime(t)
	id := chatID(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine := condochat.NewEngine(client.Chats, rt)
	defer engine.Close()
	if _, err := engine.Open(ctx, id); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := engine.SendOffer(ctx, decimal.RequireFromString("1.00")); err != nil {
		t.Fatalf("SendOffer returned error: %v", err)
	}
}
