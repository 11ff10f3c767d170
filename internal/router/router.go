// Package router fans an upstream message batch out to downstream
// clients, filtered per client by the router-side Subscription Manager.
package router

import (
	"log"
	"sync"

	"polygon-proxy/internal/routersub"
	"polygon-proxy/internal/types"
)

// ClientSender is the minimal send surface a Router needs for a
// registered downstream client: a non-blocking, buffered outbound queue.
type ClientSender interface {
	TrySend(msg []byte) bool
}

// Router routes one upstream message batch at a time to every
// downstream client whose subscriptions match it.
type Router struct {
	subs *routersub.Manager

	mu      sync.Mutex
	clients map[types.ClientID]ClientSender

	logger *log.Logger
}

// New constructs a Router over subs, logging dropped/unroutable sends
// with logger.
func New(subs *routersub.Manager, logger *log.Logger) *Router {
	return &Router{
		subs:    subs,
		clients: make(map[types.ClientID]ClientSender),
		logger:  logger,
	}
}

// Register associates client with the sender used to deliver its
// filtered messages.
func (r *Router) Register(client types.ClientID, sender ClientSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client] = sender
}

// Deregister removes client's sender; subsequent routed messages for it
// are silently dropped.
func (r *Router) Deregister(client types.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, client)
}

// RouteMessage filters message per-client via the Subscription Manager
// and delivers each client's filtered subset through a non-blocking
// send. A client whose outbound queue is full loses this batch rather
// than blocking the router's read loop.
func (r *Router) RouteMessage(message []byte) {
	perClient := r.subs.GetFilteredMessagesPerClient(message)
	if len(perClient) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for client, filtered := range perClient {
		sender, ok := r.clients[client]
		if !ok {
			continue
		}
		if !sender.TrySend(filtered) {
			r.logger.Printf("dropped message for client %s: outbound queue full", client)
		}
	}
}
