// Command trade-updates-proxy relays a vendor-A (Alpaca-style) trade
// updates stream to subscribed downstream clients, for both the paper
// and (optionally) live trading environments, filtered per client by
// event type and order symbol (e.g. "fill.AAPL").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"polygon-proxy/internal/clientregistry"
	"polygon-proxy/internal/clientsession"
	"polygon-proxy/internal/config"
	"polygon-proxy/internal/logging"
	"polygon-proxy/internal/routersub"
	"polygon-proxy/internal/types"
	"polygon-proxy/internal/upstream"
)

// tradeUpdateEnvelope is the minimal shape of a vendor-A trade_updates
// frame needed to derive a routing key; the full payload is relayed to
// clients unmodified.
type tradeUpdateEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Event string `json:"event"`
		Order struct {
			Symbol string `json:"symbol"`
		} `json:"order"`
	} `json:"data"`
}

// routingKey derives a "EVENT.SYMBOL" key (e.g. "fill.AAPL") from a raw
// trade_updates frame, or ok=false if either field is absent (auth/listen
// acks and the like).
func routingKey(data []byte) (key string, ok bool) {
	var env tradeUpdateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	if env.Data.Event == "" || env.Data.Order.Symbol == "" {
		return "", false
	}
	return types.MakeKey(env.Data.Event, env.Data.Order.Symbol), true
}

// feed bundles one vendor-A upstream with the Subscription Manager and
// client registry serving it.
type feed struct {
	name     string
	subs     *routersub.Manager
	registry *clientregistry.Registry
	conn     *upstream.Connection
	logger   *logging.Logger
}

func newFeed(name, url, key, secret string, logger *logging.Logger) *feed {
	f := &feed{
		name:     name,
		subs:     routersub.New(),
		registry: clientregistry.New(),
		logger:   logger,
	}
	f.conn = upstream.New(upstream.Config{
		URL:      url,
		AuthForm: upstream.AuthFormKeySecret,
		Key:      key,
		Secret:   secret,
		Backoff:  upstream.BackoffDoubling,
		Streams:  []string{"trade_updates"},
		OnMessage: func(data []byte) {
			f.relay(data)
		},
		Logger: logging.New(fmt.Sprintf("[%s] ", name), logger.Level()).Std(),
	})
	return f
}

func (f *feed) relay(data []byte) {
	key, ok := routingKey(data)
	var targets []types.ClientID
	if ok {
		targets = dedupe(f.subs.ClientsInterestedIn(key))
	} else {
		targets = f.subs.WildcardClients()
	}
	f.registry.DeliverRaw(targets, data, f.logger)
}

func dedupe(ids []types.ClientID) []types.ClientID {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[types.ClientID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// feedHandler adapts a feed's Subscription Manager to clientsession.Handler.
type feedHandler struct {
	f *feed
}

func (h *feedHandler) Subscribe(client types.ClientID, params string, since *int64) error {
	h.f.subs.AddSubscription(client, params)
	return nil
}

func (h *feedHandler) Unsubscribe(client types.ClientID, params string) {
	h.f.subs.RemoveSubscription(client, params)
}

func (h *feedHandler) Remove(client types.ClientID) {
	h.f.subs.RemoveClient(client)
}

func sanityCheckAccount(apiKey, apiSecret, baseURL string, logger *logging.Logger) {
	client := alpaca.NewClient(alpaca.ClientOpts{APIKey: apiKey, APISecret: apiSecret, BaseURL: baseURL})
	if _, err := client.GetAccount(); err != nil {
		logger.Warnf("account sanity check failed (continuing anyway): %v", err)
		return
	}
	logger.Infof("account sanity check passed")
}

func main() {
	cfg, err := config.LoadTradeUpdatesProxy()
	if err != nil {
		log.Fatalf("[TRADE-UPDATES-PROXY] config error: %v", err)
	}

	logger := logging.New("[TRADE-UPDATES-PROXY] ", logging.ParseLevel(cfg.LogLevel))
	logger.Infof("starting trade-updates proxy on port %d", cfg.ProxyPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paper := newFeed("PAPER", config.FeedPaper.WSURL(), cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, logger)
	go paper.conn.Run(ctx)
	go sanityCheckAccount(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, "https://paper-api.alpaca.markets", logger)

	feeds := map[config.Feed]*feed{config.FeedPaper: paper}

	if cfg.HasLiveCredentials() {
		live := newFeed("LIVE", config.FeedLive.WSURL(), cfg.LiveAPIKey, cfg.LiveAPISecret, logger)
		go live.conn.Run(ctx)
		go sanityCheckAccount(cfg.LiveAPIKey, cfg.LiveAPISecret, "https://api.alpaca.markets", logger)
		feeds[config.FeedLive] = live
		logger.Infof("live endpoint enabled")
	} else {
		logger.Infof("live endpoint disabled: no live credentials configured")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	handleFeed := func(w http.ResponseWriter, r *http.Request, which config.Feed) {
		f, ok := feeds[which]
		if !ok {
			http.Error(w, "feed not configured", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade failed: %v", err)
			return
		}

		clientID := uuid.NewString()
		logger.Infof("[%s] client %s connected from %s", f.name, clientID, r.RemoteAddr)

		sess := clientsession.New(clientID, conn, &feedHandler{f: f}, logger.Std())
		f.registry.Register(clientID, sess)
		defer f.registry.Deregister(clientID)

		sess.Run()
	}

	mux.HandleFunc("/paper", func(w http.ResponseWriter, r *http.Request) { handleFeed(w, r, config.FeedPaper) })
	mux.HandleFunc("/trade-updates-paper", func(w http.ResponseWriter, r *http.Request) { handleFeed(w, r, config.FeedPaper) })
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) { handleFeed(w, r, config.FeedLive) })
	mux.HandleFunc("/trade-updates-live", func(w http.ResponseWriter, r *http.Request) { handleFeed(w, r, config.FeedLive) })

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.ProxyPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Errorf("server error: %v", err)
		os.Exit(1)
	}
}
