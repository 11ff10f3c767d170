// Package clientsession manages one downstream client's WebSocket
// connection: accept, trust-the-caller auth (or auto-auth on first
// subscribe), subscribe/unsubscribe dispatch, and cleanup on close.
package clientsession

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"polygon-proxy/internal/types"
)

// Handler is implemented by each proxy variant's subscription wiring:
// the filtered-proxy forwards to two upstream Connections, the
// ms-aggregator forwards to its aggregator-side Subscription Manager,
// trade-updates-proxy forwards to its own simpler filter.
type Handler interface {
	// Subscribe registers client's interest in params. An error means at
	// least one item of params was rejected; handlers may still have
	// applied the valid items. The session reports the error to the
	// client rather than dropping the connection. since, when non-nil,
	// requests backfill bars generated from the rolling trade buffer at
	// or after that millisecond timestamp before live delivery begins;
	// handlers that don't support backfill ignore it.
	Subscribe(client types.ClientID, params string, since *int64) error
	// Unsubscribe drops client's interest in params.
	Unsubscribe(client types.ClientID, params string)
	// Remove drops every subscription belonging to client, called once
	// on disconnect.
	Remove(client types.ClientID)
}

// Session is a single downstream client's connection state machine:
// Accepted -> (Authenticated) -> Subscribed -> Closed.
type Session struct {
	ID      types.ClientID
	conn    *websocket.Conn
	handler Handler
	logger  *log.Logger

	send          chan []byte
	closed        chan struct{}
	authenticated bool
}

// New wraps conn as a Session identified by id, dispatching
// subscribe/unsubscribe traffic to handler.
func New(id types.ClientID, conn *websocket.Conn, handler Handler, logger *log.Logger) *Session {
	return &Session{
		ID:      id,
		conn:    conn,
		handler: handler,
		logger:  logger,
		send:    make(chan []byte, 100),
		closed:  make(chan struct{}),
	}
}

// TrySend implements router.ClientSender: a non-blocking, buffered
// delivery to this client's write loop. Used on the firehose/router
// path, where a full queue should be dropped rather than stalling the
// router.
func (s *Session) TrySend(msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// SendBlocking delivers msg to this client's write loop, blocking up to
// timeout if the queue is currently full. It returns false if timeout
// elapses first or the session has already disconnected. Used on the
// bar-delivery path, where cardinality is low enough that backpressure
// is preferable to a silent drop.
func (s *Session) SendBlocking(msg []byte, timeout time.Duration) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	case <-s.closed:
		return false
	case <-time.After(timeout):
		return false
	}
}

// Run drives the session until the client disconnects or the
// connection errors, then deregisters it from handler. It blocks the
// caller, so callers invoke it in its own goroutine per accepted
// connection.
func (s *Session) Run() {
	done := make(chan struct{})
	go s.writeLoop(done)
	defer close(done)
	defer close(s.closed)

	s.conn.SetPingHandler(func(data string) error {
		s.TrySend([]byte(fmt.Sprintf("pong:%s", data)))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleFrame(data)
	}

	s.handler.Remove(s.ID)
	s.logger.Printf("client %s disconnected", s.ID)
}

func (s *Session) handleFrame(data []byte) {
	var frame types.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Printf("client %s sent invalid frame: %v", s.ID, err)
		return
	}

	switch frame.Action {
	case "auth":
		s.authenticated = true
		s.reply(types.StatusMessage{Status: types.StatusAuthSuccess, Message: "authenticated"})
		s.logger.Printf("client %s authenticated", s.ID)

	case "subscribe":
		if !s.authenticated {
			s.authenticated = true
			s.logger.Printf("client %s auto-authenticated", s.ID)
		}
		if err := s.handler.Subscribe(s.ID, frame.Params, frame.Since); err != nil {
			s.reply(types.StatusMessage{Status: types.StatusError, Message: err.Error()})
			return
		}
		s.reply(types.StatusMessage{Status: types.StatusSuccess, Message: fmt.Sprintf("subscribed to %s", frame.Params)})

	case "unsubscribe":
		s.handler.Unsubscribe(s.ID, frame.Params)
		s.reply(types.StatusMessage{Status: types.StatusSuccess, Message: fmt.Sprintf("unsubscribed from %s", frame.Params)})

	default:
		s.logger.Printf("client %s sent unknown action %q", s.ID, frame.Action)
	}
}

func (s *Session) reply(msg types.StatusMessage) {
	data, err := types.MarshalStatus(msg)
	if err != nil {
		return
	}
	s.TrySend(data)
}

func (s *Session) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
