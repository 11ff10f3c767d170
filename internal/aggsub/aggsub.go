// Package aggsub is the aggregator-side Subscription Manager: it owns
// the live set of Bar Aggregators and the rolling Trade Buffer, and maps
// client interest onto (symbol, interval) bar keys.
package aggsub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"polygon-proxy/internal/baraggregator"
	"polygon-proxy/internal/tradebuffer"
	"polygon-proxy/internal/types"
)

// Stats reports aggregator/client/buffer occupancy, logged periodically.
type Stats struct {
	NumAggregators     int
	NumClients         int
	NumWildcardClients int
	BufferSymbols      int
	BufferTrades       int
}

// EmittedBar pairs a bar ready for delivery with the client that should
// receive it.
type EmittedBar struct {
	Client types.ClientID
	Bar    types.MsBar
}

// Manager is the aggregator-side Subscription Manager described in
// spec.md §4.5.
type Manager struct {
	mu sync.Mutex

	aggregators         map[types.BarKey]*baraggregator.Aggregator
	clientSubscriptions map[types.ClientID]map[types.BarKey]struct{}
	keyToClients        map[types.BarKey]map[types.ClientID]struct{}
	wildcardSubs        map[types.ClientID]map[int64]struct{} // client -> set of intervals

	tradeBuffer *tradebuffer.Buffer

	barDelayMs    int64
	minIntervalMs int64
	maxIntervalMs int64
}

// New returns a Manager validating subscribed intervals to
// [minIntervalMs, maxIntervalMs] and emitting bars barDelayMs after their
// window closes.
func New(minIntervalMs, maxIntervalMs, barDelayMs int64) *Manager {
	return &Manager{
		aggregators:         make(map[types.BarKey]*baraggregator.Aggregator),
		clientSubscriptions: make(map[types.ClientID]map[types.BarKey]struct{}),
		keyToClients:        make(map[types.BarKey]map[types.ClientID]struct{}),
		wildcardSubs:        make(map[types.ClientID]map[int64]struct{}),
		tradeBuffer:         tradebuffer.New(),
		barDelayMs:          barDelayMs,
		minIntervalMs:       minIntervalMs,
		maxIntervalMs:       maxIntervalMs,
	}
}

// TradeBuffer exposes the rolling trade buffer for direct trade ingestion
// by the caller's upstream-read loop.
func (m *Manager) TradeBuffer() *tradebuffer.Buffer {
	return m.tradeBuffer
}

// GenerateBarsSince synthesizes backfill bars for symbol at the given
// interval from buffered trades at or after sinceMs.
func (m *Manager) GenerateBarsSince(symbol string, intervalMs, sinceMs int64) []types.MsBar {
	return m.tradeBuffer.GenerateBarsSince(symbol, intervalMs, sinceMs)
}

// Subscribe parses a comma-separated "<N>Ms.SYMBOL" subscription list and
// registers client's interest in each, lazily creating aggregators as
// needed. It accumulates parse/range errors across items rather than
// failing fast, returning both the successfully subscribed items and a
// combined error if any item failed.
func (m *Manager) Subscribe(client types.ClientID, params string) (subscribed []string, err error) {
	items := strings.Split(params, ",")

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}

		sub, ok := types.ParseMsSubscription(item)
		if !ok {
			errs = append(errs, fmt.Sprintf("invalid subscription format: %s", item))
			continue
		}
		if sub.IntervalMs < m.minIntervalMs || sub.IntervalMs > m.maxIntervalMs {
			errs = append(errs, fmt.Sprintf("interval %dms out of range (%d-%d ms)", sub.IntervalMs, m.minIntervalMs, m.maxIntervalMs))
			continue
		}

		if sub.Symbol == types.Wildcard {
			intervals := m.wildcardSubs[client]
			if intervals == nil {
				intervals = make(map[int64]struct{})
				m.wildcardSubs[client] = intervals
			}
			intervals[sub.IntervalMs] = struct{}{}
		} else {
			key := types.BarKey{Symbol: sub.Symbol, IntervalMs: sub.IntervalMs}

			if _, ok := m.aggregators[key]; !ok {
				m.aggregators[key] = baraggregator.New(key.Symbol, key.IntervalMs)
			}

			subs := m.clientSubscriptions[client]
			if subs == nil {
				subs = make(map[types.BarKey]struct{})
				m.clientSubscriptions[client] = subs
			}
			subs[key] = struct{}{}

			clients := m.keyToClients[key]
			if clients == nil {
				clients = make(map[types.ClientID]struct{})
				m.keyToClients[key] = clients
			}
			clients[client] = struct{}{}
		}

		subscribed = append(subscribed, item)
	}

	if len(errs) > 0 {
		return subscribed, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return subscribed, nil
}

// Unsubscribe parses the same grammar as Subscribe and drops client's
// interest in each item. Unlike the router-side manager, there is no
// debounce here: an aggregator with no remaining subscribers is torn
// down immediately.
func (m *Manager) Unsubscribe(client types.ClientID, params string) {
	items := strings.Split(params, ",")

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		sub, ok := types.ParseMsSubscription(item)
		if !ok {
			continue
		}

		if sub.Symbol == types.Wildcard {
			if intervals, ok := m.wildcardSubs[client]; ok {
				delete(intervals, sub.IntervalMs)
			}
			continue
		}

		key := types.BarKey{Symbol: sub.Symbol, IntervalMs: sub.IntervalMs}
		if subs, ok := m.clientSubscriptions[client]; ok {
			delete(subs, key)
		}
		if clients, ok := m.keyToClients[key]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(m.keyToClients, key)
				delete(m.aggregators, key)
			}
		}
	}
}

// RemoveClient drops every subscription belonging to client, tearing
// down any aggregator left with no subscribers.
func (m *Manager) RemoveClient(client types.ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keys, ok := m.clientSubscriptions[client]; ok {
		for key := range keys {
			if clients, ok := m.keyToClients[key]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(m.keyToClients, key)
					delete(m.aggregators, key)
				}
			}
		}
		delete(m.clientSubscriptions, client)
	}
	delete(m.wildcardSubs, client)
}

// ProcessTrade always buffers trade for replay, then folds it into every
// live aggregator for its symbol.
func (m *Manager) ProcessTrade(symbol string, timestamp int64, price decimal.Decimal, size int64) {
	m.tradeBuffer.Store(symbol, timestamp, price, size)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.aggregators) == 0 {
		return
	}
	for key, agg := range m.aggregators {
		if key.Symbol != symbol {
			continue
		}
		agg.AddTrade(timestamp, price, size)
	}
}

// CheckAndEmitBars emits every aggregator whose window has closed and
// settled, fanning each emitted bar out to its specific subscribers plus
// any wildcard client subscribed to that bar's interval.
func (m *Manager) CheckAndEmitBars() []EmittedBar {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EmittedBar
	for key, agg := range m.aggregators {
		if !agg.IsReady(m.barDelayMs) {
			continue
		}
		bar := agg.EmitAndReset()
		if bar == nil {
			continue
		}

		recipients := make(map[types.ClientID]struct{})
		for client := range m.keyToClients[key] {
			recipients[client] = struct{}{}
		}
		for client, intervals := range m.wildcardSubs {
			if _, ok := intervals[key.IntervalMs]; ok {
				recipients[client] = struct{}{}
			}
		}

		for client := range recipients {
			out = append(out, EmittedBar{Client: client, Bar: *bar})
		}
	}
	return out
}

// Stats reports current aggregator/client/buffer occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	numAggregators := len(m.aggregators)
	numClients := len(m.clientSubscriptions)
	numWildcard := len(m.wildcardSubs)
	m.mu.Unlock()

	bufStats := m.tradeBuffer.Stats()
	return Stats{
		NumAggregators:     numAggregators,
		NumClients:         numClients,
		NumWildcardClients: numWildcard,
		BufferSymbols:      bufStats.NumSymbols,
		BufferTrades:       bufStats.TotalTrades,
	}
}

// PruneBuffer drops trades older than the buffer's retention window.
func (m *Manager) PruneBuffer(now int64) {
	m.tradeBuffer.PruneAll(now)
}
