// Package server exposes the HTTP API and the per-order WebSocket feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"order_engine/internal/core"
	"order_engine/internal/pipeline"
	apperrors "order_engine/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "order_engine_websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// Options configures the ingress server
type Options struct {
	Addr           string
	AllowedOrigins []string
	MaxConnections int
	RateLimit      float64
	RateBurst      int
	Production     bool
}

// Server serves order creation, the order status WebSocket and the
// quarantine maintenance API
type Server struct {
	pipe           *pipeline.Pipeline
	srv            *http.Server
	logger         core.ILogger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	maxConnections int
	connSemaphore  chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int

	production bool
	addr       string
}

// NewServer creates a new Server
func NewServer(pipe *pipeline.Pipeline, logger core.ILogger, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	s := &Server{
		pipe:           pipe,
		logger:         logger.WithField("component", "server"),
		allowedOrigins: opts.AllowedOrigins,
		maxConnections: opts.MaxConnections,
		connSemaphore:  make(chan struct{}, opts.MaxConnections),
		rateLimit:      rate.Limit(opts.RateLimit),
		rateBurst:      opts.RateBurst,
		production:     opts.Production,
		addr:           opts.Addr,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// checkOrigin validates the WebSocket connection origin against the whitelist
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients carry no Origin header
		return true
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("rejected connection with invalid origin", "origin", origin, "error", err)
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				s.logger.Warn("rejected wildcard origin in production mode",
					"origin", origin, "remote_addr", r.RemoteAddr)
				websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("rejected connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Run starts the HTTP server and blocks until the context is cancelled
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /api/orders/{id}/connections", s.handleOrderConnections)
	mux.HandleFunc("GET /api/connection/info", s.handleConnectionInfo)
	mux.HandleFunc("GET /ws/order/{id}", s.handleOrderSocket)
	mux.HandleFunc("GET /api/dlq/failed-orders", s.handleDLQList)
	mux.HandleFunc("GET /api/dlq/stats", s.handleDLQStats)
	mux.HandleFunc("DELETE /api/dlq/clear", s.handleDLQClear)
	mux.HandleFunc("DELETE /api/dlq/clear/failed", s.handleDLQClearFailed)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("starting server", "addr", s.addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

type createOrderRequest struct {
	TokenIn  string   `json:"token_in"`
	TokenOut string   `json:"token_out"`
	Amount   float64  `json:"amount"`
	Slippage *float64 `json:"slippage"`
	Kind     string   `json:"kind"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	slippage := 0.01
	if req.Slippage != nil {
		slippage = *req.Slippage
	}

	order, err := s.pipe.CreateOrder(r.Context(), pipeline.CreateRequest{
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		Amount:   decimal.NewFromFloat(req.Amount),
		Slippage: slippage,
		Kind:     core.OrderKind(req.Kind),
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrUnknownOrderKind) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to create order", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order_id": order.ID,
		"status":   order.Status,
		"ws_url":   "/ws/order/" + order.ID,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.pipe.Order(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			s.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("failed to load order", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// handleOrderConnections lists the order's subscriber links, newest first.
// At most one is active; the rest are history from superseded or closed
// channels.
func (s *Server) handleOrderConnections(w http.ResponseWriter, r *http.Request) {
	links, err := s.pipe.Connections(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			s.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("failed to list subscriber links", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(links),
		"connections": links,
	})
}

func (s *Server) handleConnectionInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"websocket_url": "/ws/order/{order_id}",
		"message":       "create an order first, then connect to its WebSocket feed to start processing",
	})
}

// handleOrderSocket upgrades the connection, attaches a subscriber to the
// order and pumps its status events until the feed or the peer closes.
func (s *Server) handleOrderSocket(w http.ResponseWriter, r *http.Request) {
	if s.rateLimit > 0 {
		ip := s.getRemoteIP(r)
		if !s.getIPLimiter(ip).Allow() {
			s.logger.Warn("ip rate limit exceeded", "ip", ip)
			websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.WithLabelValues("/ws/order").Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues("/ws/order").Dec()
		}()
	default:
		s.logger.Warn("max connections reached")
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	orderID := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	link, err := s.pipe.AttachSubscriber(r.Context(), orderID)
	if err != nil {
		msg := "internal error"
		switch {
		case errors.Is(err, apperrors.ErrOrderNotFound):
			msg = "order not found"
		case errors.Is(err, apperrors.ErrOrderAlreadyProcessed):
			msg = "order already processed"
		default:
			s.logger.Error("failed to attach subscriber", "order_id", orderID, "error", err)
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteJSON(errorFrame(msg))
		return
	}
	defer s.pipe.DetachSubscriber(context.Background(), link.ID)

	s.logger.Info("subscriber connected", "order_id", orderID, "remote_addr", r.RemoteAddr)

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(connectionFrame(orderID)); err != nil {
		return
	}

	// The read pump only detects peer disconnects; clients send nothing.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("read error", "order_id", orderID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-link.Events():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("write error", "order_id", orderID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			return
		}
	}
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if reason := q.Get("reason"); reason != "" {
		orders, err := s.pipe.Quarantine().ListByReason(ctx, reason)
		if err != nil {
			s.logger.Error("failed to list quarantined orders", "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(orders), "orders": orders})
		return
	}

	limit := parseIntParam(q.Get("limit"), 50)
	offset := parseIntParam(q.Get("offset"), 0)
	orders, err := s.pipe.Quarantine().List(ctx, limit, offset)
	if err != nil {
		s.logger.Error("failed to list quarantined orders", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(orders), "orders": orders})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipe.Quarantine().Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read quarantine stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQClear(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.pipe.Quarantine().ClearAll(r.Context())
	if err != nil {
		s.logger.Error("failed to clear quarantine", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": cleared})
}

func (s *Server) handleDLQClearFailed(w http.ResponseWriter, r *http.Request) {
	cleared := s.pipe.Quarantine().ClearExhausted(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": cleared})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// getIPLimiter returns the per-IP limiter, creating one on first sight
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if v, ok := s.ipLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

func (s *Server) getRemoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func connectionFrame(orderID string) map[string]interface{} {
	return map[string]interface{}{
		"type":      "connection",
		"status":    "connected",
		"order_id":  orderID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func errorFrame(msg string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "error",
		"message": msg,
	}
}
