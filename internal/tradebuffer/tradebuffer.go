// Package tradebuffer holds a short rolling history of trades per symbol,
// deep enough to synthesize backfill bars for a client that subscribes
// with a "since" timestamp.
package tradebuffer

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polygon-proxy/internal/types"
)

// DefaultMaxAge is the default retention window: 60 seconds.
const DefaultMaxAge = 60 * time.Second

// Stats reports operational visibility into the buffer, logged
// periodically rather than exposed over any wire protocol.
type Stats struct {
	NumSymbols  int
	TotalTrades int
	MaxAge      time.Duration
}

// Buffer is a rolling per-symbol deque of trades, pruned to MaxAge.
type Buffer struct {
	mu     sync.Mutex
	trades map[string][]types.BufferedTrade
	maxAge time.Duration
}

// New returns a Buffer with the default 60s retention window.
func New() *Buffer {
	return WithDuration(DefaultMaxAge)
}

// WithDuration returns a Buffer retaining trades no older than maxAge.
func WithDuration(maxAge time.Duration) *Buffer {
	return &Buffer{
		trades: make(map[string][]types.BufferedTrade),
		maxAge: maxAge,
	}
}

// Store records a trade, pruning anything older than maxAge from the
// front of that symbol's queue.
func (b *Buffer) Store(symbol string, timestamp int64, price decimal.Decimal, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.trades[symbol]
	queue = append(queue, types.BufferedTrade{Timestamp: timestamp, Price: price, Size: size})
	queue = pruneFront(queue, timestamp, b.maxAge)
	b.trades[symbol] = queue
}

// pruneFront drops trades older than (currentTime - maxAge) from the
// front of an ordered-by-timestamp queue.
func pruneFront(queue []types.BufferedTrade, currentTime int64, maxAge time.Duration) []types.BufferedTrade {
	cutoff := currentTime - maxAge.Milliseconds()
	if cutoff < 0 {
		cutoff = 0
	}
	i := 0
	for i < len(queue) && queue[i].Timestamp < cutoff {
		i++
	}
	if i == 0 {
		return queue
	}
	return append([]types.BufferedTrade(nil), queue[i:]...)
}

// GetTradesSince returns all buffered trades for symbol at or after sinceMs.
func (b *Buffer) GetTradesSince(symbol string, sinceMs int64) []types.BufferedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.trades[symbol]
	out := make([]types.BufferedTrade, 0, len(queue))
	for _, t := range queue {
		if t.Timestamp >= sinceMs {
			out = append(out, t)
		}
	}
	return out
}

// GenerateBarsSince synthesizes millisecond bars for symbol from buffered
// trades at or after sinceMs, one bar per interval-aligned window up to
// the last buffered trade. Empty windows are skipped.
func (b *Buffer) GenerateBarsSince(symbol string, intervalMs, sinceMs int64) []types.MsBar {
	trades := b.GetTradesSince(symbol, sinceMs)
	if len(trades) == 0 {
		return nil
	}

	firstWindowStart := (sinceMs / intervalMs) * intervalMs

	lastTradeTS := trades[0].Timestamp
	for _, t := range trades {
		if t.Timestamp > lastTradeTS {
			lastTradeTS = t.Timestamp
		}
	}

	var bars []types.MsBar
	for windowStart := firstWindowStart; windowStart <= lastTradeTS; windowStart += intervalMs {
		windowEnd := windowStart + intervalMs

		var (
			open, high, low, close decimal.Decimal
			volume                 int64
			numTrades              int64
			haveData               bool
		)
		for _, t := range trades {
			if t.Timestamp < windowStart || t.Timestamp >= windowEnd {
				continue
			}
			if !haveData {
				open = t.Price
				high = t.Price
				low = t.Price
				haveData = true
			} else {
				if t.Price.GreaterThan(high) {
					high = t.Price
				}
				if t.Price.LessThan(low) {
					low = t.Price
				}
			}
			close = t.Price
			volume += t.Size
			numTrades++
		}

		if !haveData {
			continue
		}

		bars = append(bars, types.MsBar{
			Ev:         types.EventTypeMsBar,
			Symbol:     symbol,
			IntervalMs: intervalMs,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      close,
			Volume:     volume,
			NumTrades:  numTrades,
			Start:      windowStart,
			End:        windowEnd,
		})
	}

	return bars
}

// Stats reports buffer occupancy across all symbols.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, queue := range b.trades {
		total += len(queue)
	}
	return Stats{NumSymbols: len(b.trades), TotalTrades: total, MaxAge: b.maxAge}
}

// PruneAll drops trades older than maxAge across every symbol, removing
// symbols left with an empty queue. Intended to be called periodically
// for symbols that have gone quiet and stopped triggering Store-time
// pruning.
func (b *Buffer) PruneAll(now int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for symbol, queue := range b.trades {
		pruned := pruneFront(queue, now, b.maxAge)
		if len(pruned) == 0 {
			delete(b.trades, symbol)
		} else {
			b.trades[symbol] = pruned
		}
	}
}
