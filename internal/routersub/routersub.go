// Package routersub is the router-side Subscription Manager: it tracks
// which downstream clients want which "TYPE.SYMBOL" keys (or the global
// wildcard), and derives the upstream subscription strings the Router
// proxy needs to send to the firehose and ms-aggregator upstreams.
package routersub

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"polygon-proxy/internal/types"
)

// unsubDebounce is the grace period before a dropped symbol is actually
// unsubscribed upstream, giving a flapping client time to resubscribe
// without causing an upstream subscribe/unsubscribe storm.
const unsubDebounce = 30 * time.Second

// Manager is the router-side Subscription Manager described in
// spec.md §4.3.
type Manager struct {
	mu sync.Mutex

	clientSubs      map[types.ClientID]map[string]struct{}
	wildcardClients map[types.ClientID]struct{}
	keyToClients    map[string]map[types.ClientID]struct{}
	pendingUnsubs   map[string]time.Time
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		clientSubs:      make(map[types.ClientID]map[string]struct{}),
		wildcardClients: make(map[types.ClientID]struct{}),
		keyToClients:    make(map[string]map[types.ClientID]struct{}),
		pendingUnsubs:   make(map[string]time.Time),
	}
}

// AddSubscription records client's interest in the keys parsed from the
// comma-separated params string, clearing any pending debounced
// unsubscribe for keys it reclaims.
func (m *Manager) AddSubscription(client types.ClientID, params string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range types.ParseSubscriptionItems(params) {
		if key == types.Wildcard {
			m.wildcardClients[client] = struct{}{}
		} else {
			clients := m.keyToClients[key]
			if clients == nil {
				clients = make(map[types.ClientID]struct{})
				m.keyToClients[key] = clients
			}
			clients[client] = struct{}{}
		}

		subs := m.clientSubs[client]
		if subs == nil {
			subs = make(map[string]struct{})
			m.clientSubs[client] = subs
		}
		subs[key] = struct{}{}

		delete(m.pendingUnsubs, key)
	}
}

// RemoveSubscription drops client's interest in the keys parsed from
// params. A specific key whose last subscriber just left is scheduled
// for a debounced upstream unsubscribe, unless any wildcard client is
// still active (wildcard clients keep every upstream subscription alive
// regardless of per-key bookkeeping).
func (m *Manager) RemoveSubscription(client types.ClientID, params string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range types.ParseSubscriptionItems(params) {
		if key == types.Wildcard {
			delete(m.wildcardClients, client)
		} else if clients, ok := m.keyToClients[key]; ok {
			delete(clients, client)
			if len(clients) == 0 && len(m.wildcardClients) == 0 {
				m.pendingUnsubs[key] = time.Now()
			}
		}

		if subs, ok := m.clientSubs[client]; ok {
			delete(subs, key)
		}
	}
}

// GetFilteredMessagesPerClient parses an upstream JSON-array message
// batch and returns, per interested client, the JSON-array-encoded
// subset of messages that client should receive: every message for
// wildcard clients, plus messages matching a client's specific "ev.sym"
// keys. Messages lacking either the "ev" or the "sym" field (status/control
// frames) go to wildcard clients only. Clients with no matching messages
// are omitted from the result.
func (m *Manager) GetFilteredMessagesPerClient(message []byte) map[types.ClientID][]byte {
	m.mu.Lock()
	wildcards := make([]types.ClientID, 0, len(m.wildcardClients))
	for c := range m.wildcardClients {
		wildcards = append(wildcards, c)
	}
	m.mu.Unlock()

	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		result := make(map[types.ClientID][]byte, len(wildcards))
		for _, c := range wildcards {
			result[c] = message
		}
		return result
	}

	clientMsgs := make(map[types.ClientID][]json.RawMessage, len(wildcards))
	for _, c := range wildcards {
		clientMsgs[c] = []json.RawMessage{}
	}

	for _, item := range raw {
		var header types.EventHeader
		_ = json.Unmarshal(item, &header)

		for _, c := range wildcards {
			clientMsgs[c] = append(clientMsgs[c], item)
		}

		if !header.HasKey() {
			continue
		}

		m.mu.Lock()
		clients := m.keyToClients[header.Key()]
		targets := make([]types.ClientID, 0, len(clients))
		for c := range clients {
			targets = append(targets, c)
		}
		m.mu.Unlock()

		for _, c := range targets {
			clientMsgs[c] = append(clientMsgs[c], item)
		}
	}

	result := make(map[types.ClientID][]byte, len(clientMsgs))
	for c, msgs := range clientMsgs {
		if len(msgs) == 0 {
			continue
		}
		encoded, err := json.Marshal(msgs)
		if err != nil {
			continue
		}
		result[c] = encoded
	}
	return result
}

// GetFirehoseSubscription returns the upstream subscription string for
// the non-bar partition (T, Q, LULD, FMV). Any wildcard client collapses
// it to the fixed set; bar-partition keys are always excluded, since
// bars are served by the ms-aggregator upstream instead.
func (m *Manager) GetFirehoseSubscription() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.wildcardClients) > 0 {
		return "T.*,Q.*,LULD.*,FMV.*"
	}
	return joinSortedKeys(m.keyToClients, func(key string) bool {
		return !types.IsBarSubscription(key)
	})
}

// GetMsAggregatorSubscription returns the upstream subscription string
// for the bar partition (A, AM, <N>Ms). Wildcard clients collapse it to
// the native-bar set only: millisecond bars require an explicit interval
// and are never implied by "*".
func (m *Manager) GetMsAggregatorSubscription() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.wildcardClients) > 0 {
		return "A.*,AM.*"
	}
	return joinSortedKeys(m.keyToClients, types.IsBarSubscription)
}

func joinSortedKeys(keyToClients map[string]map[types.ClientID]struct{}, keep func(string) bool) string {
	keys := make([]string, 0, len(keyToClients))
	for key := range keyToClients {
		if keep(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// CleanupPendingUnsubs returns the keys whose debounce period has
// elapsed and removes them from the pending set; callers send these as
// an upstream unsubscribe.
func (m *Manager) CleanupPendingUnsubs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var due []string
	for key, scheduled := range m.pendingUnsubs {
		if now.Sub(scheduled) > unsubDebounce {
			due = append(due, key)
			delete(m.pendingUnsubs, key)
		}
	}
	return due
}

// HasClients reports whether any client currently has a subscription.
func (m *Manager) HasClients() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, subs := range m.clientSubs {
		if len(subs) > 0 {
			return true
		}
	}
	return false
}

// HasSubscription reports whether any client (wildcard or specific) is
// currently subscribed to key.
func (m *Manager) HasSubscription(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.wildcardClients) > 0 {
		return true
	}
	clients, ok := m.keyToClients[key]
	return ok && len(clients) > 0
}

// WildcardClients returns every client currently holding a global
// wildcard subscription, for relays that need to fall back to
// wildcard-only delivery for keyless messages.
func (m *Manager) WildcardClients() []types.ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ClientID, 0, len(m.wildcardClients))
	for c := range m.wildcardClients {
		out = append(out, c)
	}
	return out
}

// ClientsInterestedIn returns every client subscribed to key, directly
// (keyToClients) or via the global wildcard. Used by relays that don't
// batch events into the firehose's JSON-array wire shape and so can't
// use GetFilteredMessagesPerClient.
func (m *Manager) ClientsInterestedIn(key string) []types.ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ClientID, 0, len(m.keyToClients[key])+len(m.wildcardClients))
	for c := range m.keyToClients[key] {
		out = append(out, c)
	}
	for c := range m.wildcardClients {
		out = append(out, c)
	}
	return out
}

// RemoveClient drops every subscription belonging to client, scheduling
// debounced upstream unsubscribes for any specific key left with no
// subscribers.
func (m *Manager) RemoveClient(client types.ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.clientSubs[client]
	if !ok {
		return
	}
	delete(m.clientSubs, client)

	for key := range subs {
		if key == types.Wildcard {
			delete(m.wildcardClients, client)
			continue
		}
		if clients, ok := m.keyToClients[key]; ok {
			delete(clients, client)
			if len(clients) == 0 && len(m.wildcardClients) == 0 {
				m.pendingUnsubs[key] = time.Now()
			}
		}
	}
}
