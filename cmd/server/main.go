package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/vantex/exchange/internal/api"
	"github.com/vantex/exchange/internal/auth"
	"github.com/vantex/exchange/internal/config"
	"github.com/vantex/exchange/internal/db"
	"github.com/vantex/exchange/internal/engine"
	"github.com/vantex/exchange/internal/ledger"
	"github.com/vantex/exchange/internal/prices"
	"github.com/vantex/exchange/internal/withdrawal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // public read-only stream
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsHub struct {
	engine *engine.Engine
	symbol string

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newWSHub(e *engine.Engine, symbol string) *wsHub {
	return &wsHub{engine: e, symbol: symbol, clients: make(map[*wsClient]bool)}
}

// broadcast pushes the current anonymous book snapshot to every client and
// drops clients whose connection has gone away.
func (h *wsHub) broadcast() {
	bids, asks, err := h.engine.Snapshot(h.symbol)
	if err != nil {
		return
	}
	data, err := json.Marshal(struct {
		Symbol string         `json:"symbol"`
		Bids   []engine.Level `json:"bids"`
		Asks   []engine.Level `json:"asks"`
	}{Symbol: h.symbol, Bids: bids, Asks: asks})
	if err != nil {
		log.Printf("failed to marshal order book: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.conn.Close()
		}
	}
}

func (h *wsHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade connection: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.broadcast()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	l := ledger.New(database)
	e := engine.New(l, database)
	wf := withdrawal.New(l, database)
	authService := auth.NewService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	priceClient := prices.NewClient(cfg.Prices.FeedURL)

	// Rebuild in-memory state from the database. Balances come first so
	// restored orders find their holds already in place.
	balances, err := database.ListBalances(ctx)
	if err != nil {
		log.Fatalf("failed to load balances: %v", err)
	}
	for _, b := range balances {
		l.Restore(b.UserID, b.Coin, b.Available, b.Held)
	}
	openOrders, err := database.GetOpenOrders(ctx)
	if err != nil {
		log.Fatalf("failed to load open orders: %v", err)
	}
	e.Restore(openOrders)
	withdrawals, err := database.GetAllWithdrawals(ctx)
	if err != nil {
		log.Fatalf("failed to load withdrawal requests: %v", err)
	}
	wf.Restore(withdrawals)
	log.Printf("restored %d balances, %d open orders, %d withdrawal requests",
		len(balances), len(openOrders), len(withdrawals))

	// Warm the price cache, then keep it fresh on a schedule.
	if err := priceClient.Refresh(ctx); err != nil {
		log.Printf("initial price refresh failed: %v", err)
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Prices.RefreshCron, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := priceClient.Refresh(refreshCtx); err != nil {
			log.Printf("price refresh failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("invalid price refresh schedule %q: %v", cfg.Prices.RefreshCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(database, l, e, wf, authService, priceClient)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	hub := newWSHub(e, "BTCUSDT")
	r.Get("/ws/orderbook", hub.handle)
	r.Mount("/", handler.Router())

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			hub.broadcast()
		}
	}()

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("server stopped")
}
