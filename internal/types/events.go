package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// EventHeader extracts just enough of an upstream event to route it: the
// event type ("T", "Q", "A", "AM", "MB", ...) and the symbol it concerns.
// Events lacking either field (status/control frames) are routed to
// wildcard clients only, per spec.
type EventHeader struct {
	Ev  string `json:"ev"`
	Sym string `json:"sym"`
}

// HasKey reports whether both ev and sym were present and non-empty.
func (h EventHeader) HasKey() bool {
	return h.Ev != "" && h.Sym != ""
}

// Key returns the "TYPE.SYMBOL" subscription key for this event.
func (h EventHeader) Key() string {
	return MakeKey(h.Ev, h.Sym)
}

// Trade is an upstream trade event ("ev":"T"). Additional upstream fields
// (exchange, conditions, tape, ...) are not modeled; callers that need the
// full event forward the original json.RawMessage, not this struct — this
// type exists only for trade ingestion into the bar aggregator pipeline.
type Trade struct {
	Ev        string          `json:"ev"`
	Symbol    string          `json:"sym"`
	Price     decimal.Decimal `json:"p"`
	Size      int64           `json:"s"`
	Timestamp int64           `json:"t"`
}

// MsBar is a synthetic millisecond-interval bar emitted by the ms-aggregator.
// Field layout matches the wire schema in spec.md §6.
type MsBar struct {
	Ev         string          `json:"ev"`
	Symbol     string          `json:"sym"`
	IntervalMs int64           `json:"interval"`
	Open       decimal.Decimal `json:"o"`
	High       decimal.Decimal `json:"h"`
	Low        decimal.Decimal `json:"l"`
	Close      decimal.Decimal `json:"c"`
	Volume     int64           `json:"v"`
	VWAP       decimal.Decimal `json:"vw"`
	Start      int64           `json:"s"`
	End        int64           `json:"e"`
	NumTrades  int64           `json:"n"`
}

// EventTypeMsBar is the synthetic event type for generated millisecond bars.
const EventTypeMsBar = "MB"

// StatusMessage is a downstream acknowledgement frame, sent as a
// single-element JSON array: `[{"status":"...","message":"..."}]`.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	StatusAuthSuccess = "auth_success"
	StatusSuccess     = "success"
	StatusError       = "error"
)

// ClientFrame is the decoded shape of a downstream client -> server frame.
// Auth, subscribe and unsubscribe all share this envelope.
type ClientFrame struct {
	Action string `json:"action"`
	Params string `json:"params"`
	Key    string `json:"key,omitempty"`
	Secret string `json:"secret,omitempty"`
	Since  *int64 `json:"since,omitempty"`
}

// BarKey identifies one live Bar Aggregator: a (symbol, interval) pair.
type BarKey struct {
	Symbol     string
	IntervalMs int64
}

// BufferedTrade is the minimal record kept by the Trade Buffer: enough to
// replay historical bars, nothing else.
type BufferedTrade struct {
	Timestamp int64
	Price     decimal.Decimal
	Size      int64
}

// MarshalStatus serializes a slice of StatusMessage as the wire array the
// client protocol expects.
func MarshalStatus(msgs ...StatusMessage) ([]byte, error) {
	return json.Marshal(msgs)
}
