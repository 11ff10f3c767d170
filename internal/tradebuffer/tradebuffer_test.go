package tradebuffer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestStoreAndRetrieve(t *testing.T) {
	buf := WithDuration(10 * time.Second)

	buf.Store("AAPL", 1000, d(150.0), 100)
	buf.Store("AAPL", 2000, d(151.0), 200)
	buf.Store("AAPL", 3000, d(149.0), 150)

	if got := buf.GetTradesSince("AAPL", 0); len(got) != 3 {
		t.Fatalf("since 0: got %d trades, want 3", len(got))
	}
	if got := buf.GetTradesSince("AAPL", 2000); len(got) != 2 {
		t.Fatalf("since 2000: got %d trades, want 2", len(got))
	}
	if got := buf.GetTradesSince("AAPL", 5000); len(got) != 0 {
		t.Fatalf("since 5000: got %d trades, want 0", len(got))
	}
}

func TestPruning(t *testing.T) {
	buf := WithDuration(5 * time.Second)

	buf.Store("AAPL", 1000, d(150.0), 100)
	buf.Store("AAPL", 2000, d(151.0), 200)
	buf.Store("AAPL", 10000, d(152.0), 300)

	got := buf.GetTradesSince("AAPL", 0)
	if len(got) != 1 {
		t.Fatalf("got %d trades, want 1", len(got))
	}
	if got[0].Timestamp != 10000 {
		t.Fatalf("got timestamp %d, want 10000", got[0].Timestamp)
	}
}

func TestGenerateBarsSince(t *testing.T) {
	buf := WithDuration(60 * time.Second)

	const base = int64(1000000)
	buf.Store("MGRX", base+50, d(1.60), 500)
	buf.Store("MGRX", base+120, d(1.62), 200)
	buf.Store("MGRX", base+180, d(1.65), 800)
	buf.Store("MGRX", base+300, d(1.64), 400)
	buf.Store("MGRX", base+450, d(1.68), 300)

	bars := buf.GenerateBarsSince("MGRX", 250, base)
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}

	b0 := bars[0]
	if !b0.Open.Equal(d(1.60)) || !b0.Close.Equal(d(1.65)) || !b0.High.Equal(d(1.65)) || !b0.Low.Equal(d(1.60)) {
		t.Fatalf("bar0 OHLC mismatch: %+v", b0)
	}
	if b0.Volume != 1500 {
		t.Fatalf("bar0 volume = %d, want 1500", b0.Volume)
	}
	if b0.NumTrades != 3 {
		t.Fatalf("bar0 numTrades = %d, want 3", b0.NumTrades)
	}

	b1 := bars[1]
	if !b1.Open.Equal(d(1.64)) || !b1.Close.Equal(d(1.68)) {
		t.Fatalf("bar1 OHLC mismatch: %+v", b1)
	}
	if b1.Volume != 700 {
		t.Fatalf("bar1 volume = %d, want 700", b1.Volume)
	}
	if b1.NumTrades != 2 {
		t.Fatalf("bar1 numTrades = %d, want 2", b1.NumTrades)
	}
}

func TestMultipleSymbolsAndStats(t *testing.T) {
	buf := WithDuration(60 * time.Second)

	buf.Store("AAPL", 1000, d(150.0), 100)
	buf.Store("MGRX", 1000, d(1.60), 500)
	buf.Store("TSLA", 1000, d(250.0), 50)

	if len(buf.GetTradesSince("AAPL", 0)) != 1 {
		t.Fatalf("AAPL trades mismatch")
	}
	if len(buf.GetTradesSince("MGRX", 0)) != 1 {
		t.Fatalf("MGRX trades mismatch")
	}
	if len(buf.GetTradesSince("TSLA", 0)) != 1 {
		t.Fatalf("TSLA trades mismatch")
	}
	if len(buf.GetTradesSince("UNKNOWN", 0)) != 0 {
		t.Fatalf("UNKNOWN trades mismatch")
	}

	stats := buf.Stats()
	if stats.NumSymbols != 3 {
		t.Fatalf("stats.NumSymbols = %d, want 3", stats.NumSymbols)
	}
	if stats.TotalTrades != 3 {
		t.Fatalf("stats.TotalTrades = %d, want 3", stats.TotalTrades)
	}
}

func TestPruneAll(t *testing.T) {
	buf := WithDuration(5 * time.Second)

	buf.Store("AAPL", 1000, d(150.0), 100)
	buf.Store("MSFT", 1000, d(300.0), 10)

	buf.PruneAll(10000)

	if got := buf.GetTradesSince("AAPL", 0); len(got) != 0 {
		t.Fatalf("expected AAPL pruned, got %d trades", len(got))
	}
	stats := buf.Stats()
	if stats.NumSymbols != 0 {
		t.Fatalf("expected empty symbols after prune, got %d", stats.NumSymbols)
	}
}
