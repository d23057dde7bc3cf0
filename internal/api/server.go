// Package api exposes the bot's control surface: a REST API for
// status, positions and manual orders, and a websocket stream carrying
// the same payloads the Kafka outbox publishes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/engine"
	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/market"
	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/risk"
	"github.com/primetrades/primetrades/internal/strategy"
	"github.com/primetrades/primetrades/internal/trade"
)

// Deps are the components the control surface reads and drives.
type Deps struct {
	Engine  *engine.Engine
	Ledger  *ledger.Ledger
	Board   *market.Board
	Gate    *risk.Gate
	Runner  *strategy.Runner
	Gateway exchange.Gateway
	Health  *obs.HealthChecker
}

// Server handles the REST API and websocket connections.
type Server struct {
	deps    Deps
	hub     *Hub
	router  *mux.Router
	http    *http.Server
	logger  *zap.Logger
	started time.Time
}

// NewServer builds the server and its routes. Call Start to listen.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:    deps,
		hub:     NewHub(logger),
		router:  mux.NewRouter(),
		logger:  logger,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/balance", s.handleBalance).Methods("GET")
	api.HandleFunc("/price/{symbol}", s.handlePrice).Methods("GET")

	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	// Fixed paths are registered before the {clientID} wildcard.
	api.HandleFunc("/orders/cancel-all", s.handleCancelAll).Methods("POST")
	api.HandleFunc("/orders/{clientID}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{clientID}/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/symbols/{symbol}/resume", s.handleResumeSymbol).Methods("POST")
	api.HandleFunc("/reconcile", s.handleReconcile).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/healthz", s.deps.Health.Handler()).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Broadcast forwards a payload to websocket subscribers. Satisfies
// engine.Notifier; safe to call before Start.
func (s *Server) Broadcast(channel string, payload any) {
	s.hub.Broadcast(channel, payload)
}

// Handler returns the routed handler with CORS applied. Exposed for
// tests; Start wires it into the listener.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start runs the hub and blocks serving HTTP until Shutdown.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logger.Info("control api listening", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections, drains in-flight requests and
// disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Ledger.Snapshot()
	respondJSON(w, http.StatusOK, StatusResponse{
		Gateway:           s.deps.Gateway.Name(),
		Paused:            s.deps.Runner.Paused(),
		HaltedSymbols:     s.deps.Gate.Halted(),
		OpenOrders:        len(s.deps.Engine.Open()),
		Cash:              snap.Cash,
		Equity:            snap.Equity(s.deps.Board.Marks()),
		CommittedExposure: s.deps.Gate.Committed(),
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Ledger.Snapshot()
	marks := s.deps.Board.Marks()

	out := make([]PositionInfo, 0, len(snap.Positions))
	for sym, p := range snap.Positions {
		out = append(out, positionInfo(p, marks[sym]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = "USDT"
	}
	bal, err := s.deps.Gateway.Balance(r.Context(), asset)
	if err != nil {
		respondError(w, http.StatusBadGateway, "balance query failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, BalanceResponse{Asset: asset, Balance: bal})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	price, ok := s.deps.Board.Last(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no price observed for symbol", symbol)
		return
	}
	respondJSON(w, http.StatusOK, PriceResponse{Symbol: symbol, Price: price, At: nowMillis()})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	open := s.deps.Engine.Open()
	out := make([]OrderInfo, len(open))
	for i, o := range open {
		out[i] = orderInfo(o)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientID"]
	o, err := s.deps.Engine.Get(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, trade.ErrUnknownOrder) {
			respondError(w, http.StatusNotFound, "unknown order", clientID)
			return
		}
		respondError(w, http.StatusInternalServerError, "order lookup failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(o))
}

// handlePlaceOrder runs a manual order through the same risk gate the
// strategies use. Nothing reaches the engine unchecked.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	intent, err := intentFromRequest(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	order, violation := s.deps.Gate.Evaluate(intent, s.deps.Ledger.Snapshot())
	if violation != nil {
		respondError(w, http.StatusUnprocessableEntity,
			"rejected by risk gate: "+string(violation.Reason), violation.Detail)
		return
	}

	if err := s.deps.Engine.Place(order); err != nil {
		s.deps.Gate.Release(order.ClientID)
		respondError(w, http.StatusInternalServerError, "failed to place order", err.Error())
		return
	}

	s.logger.Info("manual order placed",
		zap.String("client_id", order.ClientID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.Float64("qty", order.Qty),
	)
	respondJSON(w, http.StatusCreated, orderInfo(order))
}

func intentFromRequest(req PlaceOrderRequest) (trade.Intent, error) {
	var side trade.Side
	switch req.Side {
	case string(trade.Buy):
		side = trade.Buy
	case string(trade.Sell):
		side = trade.Sell
	default:
		return trade.Intent{}, errors.New(`side must be "BUY" or "SELL"`)
	}

	var typ trade.OrderType
	switch req.Type {
	case "", string(trade.Market):
		typ = trade.Market
	case string(trade.Limit):
		if req.Price <= 0 {
			return trade.Intent{}, errors.New("limit orders require a positive price")
		}
		typ = trade.Limit
	case string(trade.StopLimit):
		if req.StopPrice <= 0 || req.Price <= 0 {
			return trade.Intent{}, errors.New("stop orders require positive stop_price and price")
		}
		typ = trade.StopLimit
	default:
		return trade.Intent{}, errors.New("type must be MARKET, LIMIT or STOP")
	}

	if req.Symbol == "" {
		return trade.Intent{}, errors.New("symbol is required")
	}
	if req.Qty <= 0 {
		return trade.Intent{}, errors.New("qty must be positive")
	}

	return trade.Intent{
		Symbol:     req.Symbol,
		Side:       side,
		Qty:        req.Qty,
		Type:       typ,
		LimitPrice: req.Price,
		StopPrice:  req.StopPrice,
		Strategy:   "manual",
		At:         time.Now(),
	}, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientID"]
	err := s.deps.Engine.Cancel(clientID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status":    "cancel requested",
			"client_id": clientID,
		})
	case errors.Is(err, trade.ErrUnknownOrder):
		respondError(w, http.StatusNotFound, "unknown order", clientID)
	case errors.Is(err, trade.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "order is already terminal", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "cancel failed", err.Error())
	}
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Engine.CancelAll()
	s.logger.Info("cancel-all requested", zap.Int("orders", n))
	respondJSON(w, http.StatusAccepted, map[string]int{"cancelling": n})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Runner.Pause()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Runner.Resume()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleResumeSymbol clears a halt set by an invariant defect. Manual
// on purpose: someone should look at the defect before trading resumes.
func (s *Server) handleResumeSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.deps.Gate.Resume(symbol) {
		respondError(w, http.StatusNotFound, "symbol is not halted", symbol)
		return
	}
	s.logger.Info("symbol trading resumed", zap.String("symbol", symbol))
	respondJSON(w, http.StatusOK, map[string]string{"resumed": symbol})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Reconcile()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "reconciliation scheduled"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	respondJSON(w, status, ErrorResponse{Error: errMsg, Detail: detail})
}
