// Package baraggregator accumulates trades into a single OHLCV bar over
// a fixed-width time window, emitting and resetting as windows close.
package baraggregator

import (
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"polygon-proxy/internal/types"
)

// Aggregator accumulates one symbol's trades into successive
// interval-wide bars. It is not safe for concurrent use; the
// aggregator-side Subscription Manager serializes all access under its
// single manager-wide lock (there is no per-key locking).
type Aggregator struct {
	symbol     string
	intervalMs int64

	open, high, low, close decimal.Decimal
	haveData               bool
	volume                 int64
	numTrades              int64
	sumPriceSize           []float64 // prices, parallel to weights, for VWAP
	sumWeights             []float64

	windowStart int64
	windowEnd   int64

	now func() int64
}

// New constructs an Aggregator for symbol with the given interval,
// anchoring its first window to the interval boundary at or before now.
func New(symbol string, intervalMs int64) *Aggregator {
	return newWithClock(symbol, intervalMs, defaultNow)
}

// newWithClock is the test seam: it lets tests pin "now" deterministically.
func newWithClock(symbol string, intervalMs int64, now func() int64) *Aggregator {
	n := now()
	windowStart := (n / intervalMs) * intervalMs
	return &Aggregator{
		symbol:      symbol,
		intervalMs:  intervalMs,
		windowStart: windowStart,
		windowEnd:   windowStart + intervalMs,
		now:         now,
	}
}

func defaultNow() int64 {
	return time.Now().UnixMilli()
}

// Symbol returns the aggregator's symbol.
func (a *Aggregator) Symbol() string { return a.symbol }

// IntervalMs returns the aggregator's window width.
func (a *Aggregator) IntervalMs() int64 { return a.intervalMs }

// WindowEnd returns the exclusive end of the current window, in epoch ms.
func (a *Aggregator) WindowEnd() int64 { return a.windowEnd }

// AddTrade folds a trade into the current window. Trades outside
// [windowStart, windowEnd) are dropped silently: too-early trades are
// late data for a window already closed, too-late trades belong to a
// future window this aggregator hasn't advanced to yet.
func (a *Aggregator) AddTrade(timestamp int64, price decimal.Decimal, size int64) {
	if timestamp < a.windowStart || timestamp >= a.windowEnd {
		return
	}

	if !a.haveData {
		a.open = price
		a.high = price
		a.low = price
		a.haveData = true
	} else {
		if price.GreaterThan(a.high) {
			a.high = price
		}
		if price.LessThan(a.low) {
			a.low = price
		}
	}
	a.close = price
	a.volume += size
	a.numTrades++

	pf, _ := price.Float64()
	sf := float64(size)
	a.sumPriceSize = append(a.sumPriceSize, pf)
	a.sumWeights = append(a.sumWeights, sf)
}

// IsReady reports whether the current window has closed and its
// settlement delay has elapsed.
func (a *Aggregator) IsReady(delayMs int64) bool {
	return a.now() >= a.windowEnd+delayMs
}

// HasData reports whether any trade has landed in the current window.
func (a *Aggregator) HasData() bool {
	return a.haveData
}

// EmitAndReset emits the current bar (nil if the window had no trades)
// and advances to the next window regardless.
func (a *Aggregator) EmitAndReset() *types.MsBar {
	if !a.haveData {
		a.advanceWindow()
		return nil
	}

	vwap := decimal.Zero
	if sum := sumOf(a.sumWeights); sum > 0 {
		mean := stat.Mean(a.sumPriceSize, a.sumWeights)
		vwap = decimal.NewFromFloat(mean)
	} else {
		vwap = a.close
	}

	bar := &types.MsBar{
		Ev:         types.EventTypeMsBar,
		Symbol:     a.symbol,
		IntervalMs: a.intervalMs,
		Open:       a.open,
		High:       a.high,
		Low:        a.low,
		Close:      a.close,
		Volume:     a.volume,
		VWAP:       vwap,
		Start:      a.windowStart,
		End:        a.windowEnd,
		NumTrades:  a.numTrades,
	}

	a.advanceWindow()
	return bar
}

// ForceEmit flushes the current bar regardless of readiness, for
// graceful-shutdown callers whose intent is "emit whatever you have now."
func (a *Aggregator) ForceEmit() *types.MsBar {
	return a.EmitAndReset()
}

func (a *Aggregator) advanceWindow() {
	a.windowStart = a.windowEnd
	a.windowEnd = a.windowStart + a.intervalMs
	a.haveData = false
	a.open = decimal.Decimal{}
	a.high = decimal.Decimal{}
	a.low = decimal.Decimal{}
	a.close = decimal.Decimal{}
	a.volume = 0
	a.numTrades = 0
	a.sumPriceSize = nil
	a.sumWeights = nil
}

func sumOf(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}
