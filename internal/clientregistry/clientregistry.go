// Package clientregistry tracks the live client Sessions a proxy binary
// is serving, keyed by client ID, so background delivery (emitted bars,
// relayed upstream frames) can reach a specific client's outbound queue.
package clientregistry

import (
	"sync"
	"time"

	"polygon-proxy/internal/clientsession"
	"polygon-proxy/internal/logging"
	"polygon-proxy/internal/types"
)

// Registry is a concurrency-safe map of connected client Sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[types.ClientID]*clientsession.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[types.ClientID]*clientsession.Session)}
}

// Register adds sess under id, replacing any prior entry.
func (r *Registry) Register(id types.ClientID, sess *clientsession.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sess
}

// Deregister removes id, if present.
func (r *Registry) Deregister(id types.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// TrySend delivers data to id's outbound queue, if id is currently
// registered. It returns false if id is unknown or its queue is full.
func (r *Registry) TrySend(id types.ClientID, data []byte) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return sess.TrySend(data)
}

// SendBlocking delivers data to id's outbound queue, blocking up to
// timeout if the queue is full, rather than dropping immediately — the
// aggregator-path delivery policy, distinct from TrySend's non-blocking
// router-path drop-on-full (bar cardinality is small enough that
// backpressure is acceptable). It returns false if id is unknown, the
// session disconnects while waiting, or timeout elapses first.
func (r *Registry) SendBlocking(id types.ClientID, data []byte, timeout time.Duration) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return sess.SendBlocking(data, timeout)
}

// DeliverRaw sends data to every client in ids, logging a warning for
// any whose outbound queue is full. Unknown client IDs are skipped
// silently (the client disconnected between filtering and delivery).
func (r *Registry) DeliverRaw(ids []types.ClientID, data []byte, logger *logging.Logger) {
	for _, id := range ids {
		r.mu.Lock()
		sess, ok := r.sessions[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if !sess.TrySend(data) {
			logger.Warnf("dropped message for client %s: outbound queue full", id)
		}
	}
}
