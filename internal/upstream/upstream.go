// Package upstream implements a resilient WebSocket connection to an
// upstream market-data or firehose vendor: authenticate, subscribe,
// stream, and reconnect with the configured backoff policy on failure,
// re-sending the current subscription set after every reconnect.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// AuthForm selects how a Connection authenticates with its upstream.
type AuthForm int

const (
	// AuthFormKeySecret sends {"action":"auth","key":...,"secret":...},
	// the vendor-A form (Alpaca-style trade-updates).
	AuthFormKeySecret AuthForm = iota
	// AuthFormParams sends {"action":"auth","params":...}, the vendor-B
	// form used by both the filtered-proxy's and the ms-aggregator's own
	// firehose connections, each a separate authenticated hop to the
	// vendor.
	AuthFormParams
	// AuthFormNone skips authentication entirely, for any upstream that
	// trusts the caller outright. Unused by the three shipped binaries
	// today; every upstream hop here is a direct vendor connection and
	// needs its own auth.
	AuthFormNone
)

// BackoffPolicy selects the reconnect delay schedule.
type BackoffPolicy int

const (
	// BackoffDoubling starts at 1s and doubles up to a 60s cap.
	BackoffDoubling BackoffPolicy = iota
	// BackoffFixed retries at a constant 5s interval, matching the
	// original Rust upstream.rs's plain retry loop.
	BackoffFixed
)

// State is a Connection's current lifecycle stage.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Config configures a Connection.
type Config struct {
	URL        string
	AuthForm   AuthForm
	Key        string
	Secret     string
	AuthParams string
	Backoff    BackoffPolicy

	// Streams, for AuthFormKeySecret, is sent as a post-auth
	// {"action":"listen","data":{"streams":...}} frame instead of the
	// generic subscribe grammar (vendor-A's trade-updates protocol has
	// no TYPE.SYMBOL subscriptions, only a fixed set of named streams).
	Streams []string

	// OnMessage is invoked from a single internal goroutine for every
	// upstream data frame (text or binary), in order.
	OnMessage func(data []byte)

	// Logger tags every log line; if nil a default is constructed.
	Logger *log.Logger
}

// Connection manages one resilient upstream WebSocket connection.
type Connection struct {
	cfg Config

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions string // last subscription string sent, re-sent on reconnect

	state atomic.Int32

	sendChan chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New constructs a Connection; call Run to start it.
func New(cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[UPSTREAM] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		cfg:      cfg,
		sendChan: make(chan []byte, 256),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Run connects and streams until ctx is canceled or Close is called,
// reconnecting according to the configured backoff policy on any
// failure.
func (c *Connection) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	delay := c.initialDelay()
	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.connectAndStream()
		if err != nil {
			c.logger.Printf("upstream connection failed: %v", err)
		} else {
			c.logger.Println("upstream closed normally")
		}

		if c.ctx.Err() != nil {
			return
		}

		if err == nil {
			// A session that closed normally resets the backoff and
			// reconnects immediately, matching the original's behavior
			// on Ok(()).
			delay = c.initialDelay()
			continue
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = c.nextDelay(delay)
	}
}

func (c *Connection) initialDelay() time.Duration {
	switch c.cfg.Backoff {
	case BackoffFixed:
		return 5 * time.Second
	default:
		return 1 * time.Second
	}
}

func (c *Connection) nextDelay(prev time.Duration) time.Duration {
	if c.cfg.Backoff == BackoffFixed {
		return 5 * time.Second
	}
	next := prev * 2
	if next > 60*time.Second {
		next = 60 * time.Second
	}
	return next
}

// Subscribe updates the live subscription string and, if currently
// streaming, sends it upstream immediately. The same string is re-sent
// automatically on every future reconnect.
func (c *Connection) Subscribe(params string) error {
	c.mu.Lock()
	c.subscriptions = params
	c.mu.Unlock()

	if c.State() != StateStreaming {
		return nil
	}
	return c.sendSubscribe(params)
}

func (c *Connection) sendSubscribe(params string) error {
	msg := map[string]string{"action": "subscribe", "params": params}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("subscribe send timed out")
	}
}

// sendListen sends the vendor-A {"action":"listen","data":{"streams":...}}
// handshake frame that follows a successful key/secret auth.
func (c *Connection) sendListen(streams []string) error {
	msg := map[string]any{
		"action": "listen",
		"data":   map[string][]string{"streams": streams},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal listen: %w", err)
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("listen send timed out")
	}
}

// Unsubscribe sends a one-off {"action":"unsubscribe","params":...}
// upstream, if currently streaming. Unlike Subscribe it does not alter
// the subscription string re-sent on reconnect; callers that want a key
// dropped permanently must also update the params passed to a later
// Subscribe call.
func (c *Connection) Unsubscribe(params string) error {
	if c.State() != StateStreaming {
		return nil
	}
	msg := map[string]string{"action": "unsubscribe", "params": params}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal unsubscribe: %w", err)
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("unsubscribe send timed out")
	}
}

func (c *Connection) connectAndStream() error {
	c.setState(StateConnecting)
	c.logger.Printf("connecting to %s", c.cfg.URL)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readErrCh := make(chan error, 1)
	readDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go c.readPump(conn, readErrCh, readDone, &wg)
	go c.writePump(conn, readDone, &wg)

	if err := c.authenticate(); err != nil {
		conn.Close()
		wg.Wait()
		return fmt.Errorf("authenticate: %w", err)
	}

	if c.cfg.AuthForm == AuthFormKeySecret && len(c.cfg.Streams) > 0 {
		c.setState(StateSubscribing)
		if err := c.sendListen(c.cfg.Streams); err != nil {
			conn.Close()
			wg.Wait()
			return fmt.Errorf("listen: %w", err)
		}
	}

	c.mu.Lock()
	params := c.subscriptions
	c.mu.Unlock()
	if params != "" {
		c.setState(StateSubscribing)
		if err := c.sendSubscribe(params); err != nil {
			conn.Close()
			wg.Wait()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.setState(StateStreaming)
	c.logger.Println("streaming")

	wg.Wait()
	c.setState(StateDisconnected)
	err := <-readErrCh
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil
	}
	return err
}

func (c *Connection) authenticate() error {
	if c.cfg.AuthForm == AuthFormNone {
		return nil
	}
	c.setState(StateAuthenticating)

	var msg map[string]string
	switch c.cfg.AuthForm {
	case AuthFormKeySecret:
		msg = map[string]string{"action": "auth", "key": c.cfg.Key, "secret": c.cfg.Secret}
	case AuthFormParams:
		msg = map[string]string{"action": "auth", "params": c.cfg.AuthParams}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("auth send timed out")
	}
}

func (c *Connection) readPump(conn *websocket.Conn, errCh chan<- error, done chan<- struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(message)
		}
	}
}

func (c *Connection) writePump(conn *websocket.Conn, readDone <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer conn.Close()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-c.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Printf("write error: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Printf("ping error: %v", err)
				return
			}
		}
	}
}

// Close shuts the connection down permanently.
func (c *Connection) Close() {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
