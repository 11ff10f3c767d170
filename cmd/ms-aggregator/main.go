// Command ms-aggregator runs the millisecond bar aggregator: it ingests
// trades from a firehose upstream, folds them into live Bar Aggregators
// keyed by (symbol, interval), and streams settled bars to subscribed
// downstream clients.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"polygon-proxy/internal/aggsub"
	"polygon-proxy/internal/clientregistry"
	"polygon-proxy/internal/clientsession"
	"polygon-proxy/internal/config"
	"polygon-proxy/internal/logging"
	"polygon-proxy/internal/types"
	"polygon-proxy/internal/upstream"
)

// statsInterval matches the original service's periodic stats log.
const statsInterval = 10 * time.Second

// pruneInterval bounds how often the trade buffer is swept for
// entries past its retention window.
const pruneInterval = 30 * time.Second

// barSendTimeout bounds the blocking bar-delivery send: bar cardinality
// is low enough that backpressure is acceptable, but a disconnected or
// permanently stuck client must not hang the timer task forever.
const barSendTimeout = 5 * time.Second

// aggHandler adapts aggsub.Manager to clientsession.Handler: the
// manager's Subscribe also returns the accepted item list, which the
// session protocol doesn't surface back to the client individually.
//
// A subscribe carrying a non-nil since first drains backfill bars
// generated from the rolling trade buffer directly to the requesting
// client, then registers the live subscription. Registration happens
// strictly after backfill generation, so the only window for a
// duplicate is a live bar that closes between the two steps.
type aggHandler struct {
	mgr      *aggsub.Manager
	registry *clientregistry.Registry
	logger   *logging.Logger
}

func (h *aggHandler) Subscribe(client types.ClientID, params string, since *int64) error {
	if since != nil {
		h.sendBackfill(client, params, *since)
	}

	subscribed, err := h.mgr.Subscribe(client, params)
	if len(subscribed) > 0 {
		h.logger.Infof("client %s subscribed to: %v", client, subscribed)
	}
	return err
}

// sendBackfill generates and delivers historical bars for every
// specific (non-wildcard) "<N>Ms.SYMBOL" item in params.
func (h *aggHandler) sendBackfill(client types.ClientID, params string, sinceMs int64) {
	for _, raw := range strings.Split(params, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		sub, ok := types.ParseMsSubscription(item)
		if !ok || sub.Symbol == types.Wildcard {
			continue
		}
		bars := h.mgr.GenerateBarsSince(sub.Symbol, sub.IntervalMs, sinceMs)
		if len(bars) == 0 {
			continue
		}
		data, err := json.Marshal(bars)
		if err != nil {
			continue
		}
		if !h.registry.SendBlocking(client, data, barSendTimeout) {
			h.logger.Warnf("backfill delivery to client %s timed out or disconnected", client)
		}
	}
}

func (h *aggHandler) Unsubscribe(client types.ClientID, params string) {
	h.mgr.Unsubscribe(client, params)
}

func (h *aggHandler) Remove(client types.ClientID) {
	h.mgr.RemoveClient(client)
}

func main() {
	cfg, err := config.LoadMsAggregator()
	if err != nil {
		log.Fatalf("[MS-AGGREGATOR] config error: %v", err)
	}

	logger := logging.New("[MS-AGGREGATOR] ", logging.ParseLevel(cfg.LogLevel))
	logger.Infof("starting ms-aggregator on port %d", cfg.AggregatorPort)
	logger.Infof("firehose url: %s", cfg.FirehoseURL)
	logger.Infof("interval range: %dms - %dms", cfg.MinIntervalMs, cfg.MaxIntervalMs)
	logger.Infof("timer interval: %dms, bar delay: %dms", cfg.TimerIntervalMs, cfg.BarDelayMs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := aggsub.New(cfg.MinIntervalMs, cfg.MaxIntervalMs, cfg.BarDelayMs)
	registry := clientregistry.New()

	firehose := upstream.New(upstream.Config{
		URL:        cfg.FirehoseURL,
		AuthForm:   upstream.AuthFormParams,
		AuthParams: cfg.PolygonAPIKey,
		Backoff:    upstream.BackoffFixed,
		OnMessage: func(data []byte) {
			ingestTrades(mgr, data)
		},
		Logger: logging.New("[FIREHOSE] ", logging.ParseLevel(cfg.LogLevel)).Std(),
	})
	go firehose.Run(ctx)
	if err := firehose.Subscribe("T.*"); err != nil {
		logger.Warnf("initial firehose subscribe failed: %v", err)
	}

	go runTimer(ctx, mgr, registry, logger, time.Duration(cfg.TimerIntervalMs)*time.Millisecond)
	go runPruner(ctx, mgr)

	handler := &aggHandler{mgr: mgr, registry: registry, logger: logger}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade failed: %v", err)
			return
		}

		clientID := uuid.NewString()
		logger.Infof("client %s connected from %s", clientID, r.RemoteAddr)

		sess := clientsession.New(clientID, conn, handler, logger.Std())
		registry.Register(clientID, sess)
		defer registry.Deregister(clientID)

		sess.Run()
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.AggregatorPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Infof("websocket server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Errorf("server error: %v", err)
		os.Exit(1)
	}
}

// ingestTrades decodes an upstream JSON-array batch and feeds every
// trade event into the subscription manager; non-trade events are
// silently ignored.
func ingestTrades(mgr *aggsub.Manager, data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for _, item := range raw {
		var trade types.Trade
		if err := json.Unmarshal(item, &trade); err != nil {
			continue
		}
		if trade.Ev != "T" {
			continue
		}
		mgr.ProcessTrade(trade.Symbol, trade.Timestamp, trade.Price, trade.Size)
	}
}

func runTimer(ctx context.Context, mgr *aggsub.Manager, registry *clientregistry.Registry, logger *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, eb := range mgr.CheckAndEmitBars() {
				data, err := json.Marshal([]types.MsBar{eb.Bar})
				if err != nil {
					continue
				}
				if !registry.SendBlocking(eb.Client, data, barSendTimeout) {
					logger.Warnf("bar delivery to client %s timed out or disconnected", eb.Client)
				}
			}
		case <-statsTicker.C:
			stats := mgr.Stats()
			logger.Infof("stats: %d aggregators, %d clients, %d wildcard clients, %d buffered symbols, %d buffered trades",
				stats.NumAggregators, stats.NumClients, stats.NumWildcardClients, stats.BufferSymbols, stats.BufferTrades)
		}
	}
}

func runPruner(ctx context.Context, mgr *aggsub.Manager) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.PruneBuffer(time.Now().UnixMilli())
		}
	}
}
