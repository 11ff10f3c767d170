// Command filtered-proxy runs the downstream-facing subscription router:
// it accepts client WebSocket connections, tracks each client's
// subscriptions, and fans out filtered messages received from two
// upstream connections (a firehose for trades/quotes and the
// ms-aggregator for bar data).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"polygon-proxy/internal/clientsession"
	"polygon-proxy/internal/config"
	"polygon-proxy/internal/logging"
	"polygon-proxy/internal/router"
	"polygon-proxy/internal/routersub"
	"polygon-proxy/internal/types"
	"polygon-proxy/internal/upstream"
)

// cleanupInterval is how often pending debounced unsubscribes are swept
// and pushed upstream as explicit unsubscribe commands.
const cleanupInterval = 5 * time.Second

// proxyHandler implements clientsession.Handler by keeping the
// router-side Subscription Manager in sync with both upstream
// Connections: any subscribe/unsubscribe/disconnect re-derives the full
// subscription string for each upstream and re-sends it.
type proxyHandler struct {
	subs     *routersub.Manager
	firehose *upstream.Connection
	msAgg    *upstream.Connection
	logger   *logging.Logger
}

func (h *proxyHandler) Subscribe(client types.ClientID, params string, since *int64) error {
	h.subs.AddSubscription(client, params)
	h.resync()
	return nil
}

func (h *proxyHandler) Unsubscribe(client types.ClientID, params string) {
	h.subs.RemoveSubscription(client, params)
	h.resync()
}

func (h *proxyHandler) Remove(client types.ClientID) {
	h.subs.RemoveClient(client)
	h.resync()
}

func (h *proxyHandler) resync() {
	if err := h.firehose.Subscribe(h.subs.GetFirehoseSubscription()); err != nil {
		h.logger.Warnf("firehose resubscribe failed: %v", err)
	}
	if err := h.msAgg.Subscribe(h.subs.GetMsAggregatorSubscription()); err != nil {
		h.logger.Warnf("ms-aggregator resubscribe failed: %v", err)
	}
}

// runCleanup periodically sweeps debounced unsubscribes and tells both
// upstreams to drop them explicitly, matching the original
// cleanup_pending_unsubs sweep.
func (h *proxyHandler) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range h.subs.CleanupPendingUnsubs() {
				target := h.firehose
				if types.IsBarSubscription(key) {
					target = h.msAgg
				}
				if err := target.Unsubscribe(key); err != nil {
					h.logger.Warnf("upstream unsubscribe of %s failed: %v", key, err)
				}
			}
		}
	}
}

func main() {
	cfg, err := config.LoadFilteredProxy()
	if err != nil {
		log.Fatalf("[FILTERED-PROXY] config error: %v", err)
	}

	logger := logging.New("[FILTERED-PROXY] ", logging.ParseLevel(cfg.LogLevel))
	logger.Infof("starting filtered proxy on port %d", cfg.StocksPort)
	logger.Infof("firehose url: %s", cfg.FirehoseURL)
	logger.Infof("ms-aggregator url: %s", cfg.MsAggregatorURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subs := routersub.New()
	rt := router.New(subs, logger.Std())

	firehose := upstream.New(upstream.Config{
		URL:        cfg.FirehoseURL,
		AuthForm:   upstream.AuthFormParams,
		AuthParams: cfg.PolygonAPIKey,
		Backoff:    upstream.BackoffFixed,
		OnMessage:  rt.RouteMessage,
		Logger:     logging.New("[FIREHOSE] ", logging.ParseLevel(cfg.LogLevel)).Std(),
	})
	msAgg := upstream.New(upstream.Config{
		URL:        cfg.MsAggregatorURL,
		AuthForm:   upstream.AuthFormParams,
		AuthParams: cfg.PolygonAPIKey,
		Backoff:    upstream.BackoffFixed,
		OnMessage:  rt.RouteMessage,
		Logger:     logging.New("[MS-AGGREGATOR] ", logging.ParseLevel(cfg.LogLevel)).Std(),
	})

	go firehose.Run(ctx)
	go msAgg.Run(ctx)

	handler := &proxyHandler{subs: subs, firehose: firehose, msAgg: msAgg, logger: logger}
	go handler.runCleanup(ctx)

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
		rt.Register(clientID, sess)
		defer rt.Deregister(clientID)

		sess.Run()
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.StocksPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Infof("listening on %s", addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		logger.Errorf("server error: %v", err)
		os.Exit(1)
	case sig := <-sigChan:
		logger.Infof("received %s, shutting down", sig)
		if subs.HasClients() {
			logger.Infof("final unsubscribe sweep for remaining debounced keys")
			for _, key := range subs.CleanupPendingUnsubs() {
				target := firehose
				if types.IsBarSubscription(key) {
					target = msAgg
				}
				_ = target.Unsubscribe(key)
			}
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
}
