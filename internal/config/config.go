// Package config loads process configuration from the environment (and
// an optional .env file), mirroring the field names and defaults of the
// upstream Rust services this module reimplements.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads a .env file into the process environment, if one exists.
// A missing file is not an error, matching dotenv::dotenv().ok() in the
// original sources. Each Load* function below calls this itself.
func Load() {
	_ = godotenv.Load()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvRequired(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%s must be set", key)
	}
	return v, nil
}

func getEnvInt(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v == "true" || v == "1"
}

// FilteredProxyConfig configures cmd/filtered-proxy.
type FilteredProxyConfig struct {
	FirehoseURL     string
	MsAggregatorURL string
	PolygonAPIKey   string
	StocksPort      int64
	LogLevel        string
}

// LoadFilteredProxy reads FilteredProxyConfig from the environment.
func LoadFilteredProxy() (FilteredProxyConfig, error) {
	Load()
	port, err := getEnvInt("FILTERED_PROXY_PORT", 8765)
	if err != nil {
		return FilteredProxyConfig{}, err
	}
	return FilteredProxyConfig{
		FirehoseURL:     getEnv("FIREHOSE_URL", "ws://localhost:8767"),
		MsAggregatorURL: getEnv("MS_AGGREGATOR_URL", "ws://localhost:8768"),
		PolygonAPIKey:   getEnv("POLYGON_API_KEY", ""),
		StocksPort:      port,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}, nil
}

// MsAggregatorConfig configures cmd/ms-aggregator.
type MsAggregatorConfig struct {
	FirehoseURL     string
	PolygonAPIKey   string
	AggregatorPort  int64
	MinIntervalMs   int64
	MaxIntervalMs   int64
	TimerIntervalMs int64
	BarDelayMs      int64
	LogLevel        string
	EnableFakeData  bool
}

// LoadMsAggregator reads MsAggregatorConfig from the environment.
// FIREHOSE_URL and POLYGON_API_KEY are required; everything else has a
// default matching the original service.
func LoadMsAggregator() (MsAggregatorConfig, error) {
	Load()
	firehoseURL, err := getEnvRequired("FIREHOSE_URL")
	if err != nil {
		return MsAggregatorConfig{}, err
	}
	apiKey, err := getEnvRequired("POLYGON_API_KEY")
	if err != nil {
		return MsAggregatorConfig{}, err
	}

	port, err := getEnvInt("AGGREGATOR_PORT", 8768)
	if err != nil {
		return MsAggregatorConfig{}, err
	}
	minInterval, err := getEnvInt("MIN_INTERVAL_MS", 1)
	if err != nil {
		return MsAggregatorConfig{}, err
	}
	maxInterval, err := getEnvInt("MAX_INTERVAL_MS", 60000)
	if err != nil {
		return MsAggregatorConfig{}, err
	}
	timerInterval, err := getEnvInt("TIMER_INTERVAL_MS", 10)
	if err != nil {
		return MsAggregatorConfig{}, err
	}
	barDelay, err := getEnvInt("BAR_DELAY_MS", 20)
	if err != nil {
		return MsAggregatorConfig{}, err
	}

	cfg := MsAggregatorConfig{
		FirehoseURL:     firehoseURL,
		PolygonAPIKey:   apiKey,
		AggregatorPort:  port,
		MinIntervalMs:   minInterval,
		MaxIntervalMs:   maxInterval,
		TimerIntervalMs: timerInterval,
		BarDelayMs:      barDelay,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		EnableFakeData:  getEnvBool("ENABLE_FAKE_DATA", false),
	}
	return cfg, cfg.Validate()
}

// Validate applies the same bounds checks as the original service.
func (c MsAggregatorConfig) Validate() error {
	if c.MinIntervalMs < 1 {
		return fmt.Errorf("min_interval_ms must be at least 1")
	}
	if c.MaxIntervalMs > 60000 {
		return fmt.Errorf("max_interval_ms must not exceed 60000 (60 seconds)")
	}
	if c.MinIntervalMs > c.MaxIntervalMs {
		return fmt.Errorf("min_interval_ms must not exceed max_interval_ms")
	}
	if c.TimerIntervalMs <= 0 {
		return fmt.Errorf("timer_interval_ms must be greater than 0")
	}
	return nil
}

// Feed selects which Alpaca trade-updates environment to connect to.
type Feed int

const (
	FeedPaper Feed = iota
	FeedLive
)

// WSURL returns the upstream trade-updates WebSocket URL for the feed.
func (f Feed) WSURL() string {
	switch f {
	case FeedLive:
		return "wss://api.alpaca.markets/stream"
	default:
		return "wss://paper-api.alpaca.markets/stream"
	}
}

// Name returns the feed's human-readable name.
func (f Feed) Name() string {
	switch f {
	case FeedLive:
		return "live"
	default:
		return "paper"
	}
}

// FeedFromPath parses a URL path segment ("/paper" or "/live") into a
// Feed, defaulting to paper for anything else.
func FeedFromPath(path string) Feed {
	switch path {
	case "/live":
		return FeedLive
	default:
		return FeedPaper
	}
}

// TradeUpdatesProxyConfig configures cmd/trade-updates-proxy.
type TradeUpdatesProxyConfig struct {
	AlpacaAPIKey    string
	AlpacaAPISecret string
	LiveAPIKey      string
	LiveAPISecret   string
	ProxyPort       int64
	LogLevel        string
}

// LoadTradeUpdatesProxy reads TradeUpdatesProxyConfig from the
// environment. ALPACA_API_KEY/SECRET are required for the paper feed;
// the live-feed credentials are optional (absence disables /live).
func LoadTradeUpdatesProxy() (TradeUpdatesProxyConfig, error) {
	Load()
	apiKey, err := getEnvRequired("ALPACA_API_KEY")
	if err != nil {
		return TradeUpdatesProxyConfig{}, err
	}
	apiSecret, err := getEnvRequired("ALPACA_API_SECRET")
	if err != nil {
		return TradeUpdatesProxyConfig{}, err
	}
	port, err := getEnvInt("TRADE_UPDATES_PROXY_PORT", 8099)
	if err != nil {
		return TradeUpdatesProxyConfig{}, err
	}

	return TradeUpdatesProxyConfig{
		AlpacaAPIKey:    apiKey,
		AlpacaAPISecret: apiSecret,
		LiveAPIKey:      getEnv("ALPACA_LIVE_API_KEY", ""),
		LiveAPISecret:   getEnv("ALPACA_LIVE_API_SECRET", ""),
		ProxyPort:       port,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}, nil
}

// HasLiveCredentials reports whether the live feed is configured.
func (c TradeUpdatesProxyConfig) HasLiveCredentials() bool {
	return c.LiveAPIKey != "" && c.LiveAPISecret != ""
}
