package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// TestConnectAuthenticatesKeySecret verifies the vendor-A auth form sends
// {"action":"auth","key":...,"secret":...} as the first frame.
func TestConnectAuthenticatesKeySecret(t *testing.T) {
	var received map[string]string
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		json.Unmarshal(msg, &received)
		close(done)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	conn := New(Config{
		URL:      wsURL(server),
		AuthForm: AuthFormKeySecret,
		Key:      "k1",
		Secret:   "s1",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth frame")
	}

	if received["action"] != "auth" || received["key"] != "k1" || received["secret"] != "s1" {
		t.Fatalf("unexpected auth frame: %+v", received)
	}
}

// TestConnectAuthenticatesParams verifies the vendor-B auth form sends
// {"action":"auth","params":...}.
func TestConnectAuthenticatesParams(t *testing.T) {
	var received map[string]string
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		json.Unmarshal(msg, &received)
		close(done)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	conn := New(Config{
		URL:        wsURL(server),
		AuthForm:   AuthFormParams,
		AuthParams: "my-api-key",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth frame")
	}

	if received["action"] != "auth" || received["params"] != "my-api-key" {
		t.Fatalf("unexpected auth frame: %+v", received)
	}
}

// TestListenSentAfterKeySecretAuth verifies the vendor-A handshake sends
// {"action":"listen","data":{"streams":[...]}} right after auth.
func TestListenSentAfterKeySecretAuth(t *testing.T) {
	var mu sync.Mutex
	var frames []map[string]json.RawMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]json.RawMessage
			json.Unmarshal(msg, &m)
			mu.Lock()
			frames = append(frames, m)
			mu.Unlock()
		}
	}))
	defer server.Close()

	conn := New(Config{
		URL:      wsURL(server),
		AuthForm: AuthFormKeySecret,
		Key:      "k1",
		Secret:   "s1",
		Streams:  []string{"trade_updates"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) < 2 {
		t.Fatalf("expected auth then listen frames, got %d frames", len(frames))
	}
	var action string
	json.Unmarshal(frames[1]["action"], &action)
	if action != "listen" {
		t.Fatalf("second frame action = %q, want listen", action)
	}
	var data struct {
		Streams []string `json:"streams"`
	}
	json.Unmarshal(frames[1]["data"], &data)
	if len(data.Streams) != 1 || data.Streams[0] != "trade_updates" {
		t.Fatalf("unexpected listen data: %+v", data)
	}
}

// TestSubscribeSendsAfterAuth verifies that a Subscribe call, once
// streaming, is forwarded upstream as an {"action":"subscribe",...} frame.
func TestSubscribeSendsAfterAuth(t *testing.T) {
	var mu sync.Mutex
	var frames []map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]string
			json.Unmarshal(msg, &m)
			mu.Lock()
			frames = append(frames, m)
			mu.Unlock()
		}
	}))
	defer server.Close()

	conn := New(Config{
		URL:      wsURL(server),
		AuthForm: AuthFormNone,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != StateStreaming && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if conn.State() != StateStreaming {
		t.Fatalf("connection never reached streaming state: %v", conn.State())
	}

	if err := conn.Subscribe("T.*,Q.*"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) == 0 {
		t.Fatal("expected at least one frame sent upstream")
	}
	last := frames[len(frames)-1]
	if last["action"] != "subscribe" || last["params"] != "T.*,Q.*" {
		t.Fatalf("unexpected subscribe frame: %+v", last)
	}
}

// TestOnMessageInvoked verifies upstream text frames reach the configured
// OnMessage callback.
func TestOnMessageInvoked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"T","sym":"AAPL","p":150}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	received := make(chan []byte, 1)
	conn := New(Config{
		URL:       wsURL(server),
		AuthForm:  AuthFormNone,
		OnMessage: func(data []byte) { received <- data },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	defer conn.Close()

	select {
	case msg := <-received:
		if !strings.Contains(string(msg), "AAPL") {
			t.Fatalf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

// TestReconnectsImmediatelyAfterNormalClose verifies that a server-initiated
// graceful close causes a prompt reconnect rather than waiting out the
// backoff delay.
func TestReconnectsImmediatelyAfterNormalClose(t *testing.T) {
	var mu sync.Mutex
	connects := 0
	closeOnce := make(chan struct{}, 1)
	closeOnce <- struct{}{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connects++
		mu.Unlock()

		select {
		case <-closeOnce:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		default:
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}))
	defer server.Close()

	conn := New(Config{
		URL:      wsURL(server),
		AuthForm: AuthFormNone,
		Backoff:  BackoffDoubling,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := connects
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if connects < 2 {
		t.Fatalf("expected a prompt reconnect after normal close, got %d connects", connects)
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	c := New(Config{Backoff: BackoffDoubling})
	if got := c.initialDelay(); got != time.Second {
		t.Fatalf("initial delay = %v, want 1s", got)
	}
	next := c.nextDelay(time.Second)
	if next != 2*time.Second {
		t.Fatalf("next delay = %v, want 2s", next)
	}
	capped := c.nextDelay(50 * time.Second)
	if capped != 60*time.Second {
		t.Fatalf("capped delay = %v, want 60s", capped)
	}

	f := New(Config{Backoff: BackoffFixed})
	if got := f.initialDelay(); got != 5*time.Second {
		t.Fatalf("fixed initial delay = %v, want 5s", got)
	}
	if got := f.nextDelay(5 * time.Second); got != 5*time.Second {
		t.Fatalf("fixed next delay = %v, want 5s", got)
	}
}
