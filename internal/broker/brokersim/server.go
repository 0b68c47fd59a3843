package brokersim

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"papertrade/internal/core"
)

// Server exposes a Sim over the broker wire contract:
//
//	POST   /orders
//	DELETE /orders/{id}
//	GET    /orders?client_order_id=...
//	GET    /orders/open
//	GET    /positions
//	GET    /stream            (WebSocket, resume with ?since=<seq>)
//
// Any non-empty X-PT-KEY is accepted; the simulator verifies presence,
// not identity, since both processes carry their own pair.
type Server struct {
	sim    *Sim
	logger core.ILogger
	srv    *http.Server

	upgrader websocket.Upgrader
}

// NewServer wraps a simulator in its HTTP surface.
func NewServer(sim *Sim, logger core.ILogger) *Server {
	return &Server{
		sim:    sim,
		logger: logger.WithField("component", "brokersim"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routing mux, usable directly with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", s.requireKey(s.handleOrders))
	mux.HandleFunc("/orders/", s.requireKey(s.handleOrderByID))
	mux.HandleFunc("/positions", s.requireKey(s.handlePositions))
	mux.HandleFunc("/stream", s.requireKey(s.handleStream))
	return mux
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Broker simulator listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-PT-KEY")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePlace(w, r)
	case http.MethodGet:
		s.handleGetByClientID(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type placeBody struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	Type          string `json:"type"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var body placeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if body.ClientOrderID == "" || body.Symbol == "" {
		writeError(w, http.StatusBadRequest, "client_order_id and symbol are required")
		return
	}
	side := core.Side(strings.ToUpper(body.Side))
	if side != core.SideBuy && side != core.SideSell {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}

	qty, err := decimal.NewFromString(body.Qty)
	if err != nil || qty.LessThanOrEqual(decimal.Zero) {
		writeError(w, http.StatusBadRequest, "qty must be a positive decimal")
		return
	}

	limitPrice := decimal.Zero
	if body.Type == "limit" {
		if body.LimitPrice == "" {
			writeError(w, http.StatusBadRequest, "limit orders require limit_price")
			return
		}
		if limitPrice, err = decimal.NewFromString(body.LimitPrice); err != nil || limitPrice.LessThanOrEqual(decimal.Zero) {
			writeError(w, http.StatusBadRequest, "limit_price must be a positive decimal")
			return
		}
	}

	order, err := s.sim.Place(body.ClientOrderID, body.Symbol, side, qty, limitPrice)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orderJSON(order))
}

func (s *Server) handleGetByClientID(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("client_order_id")
	if cid == "" {
		writeError(w, http.StatusBadRequest, "client_order_id is required")
		return
	}
	order, ok := s.sim.GetByClientID(cid)
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, orderJSON(order))
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	if rest == "open" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		orders := s.sim.OpenOrders()
		out := make([]map[string]string, 0, len(orders))
		for _, o := range orders {
			out = append(out, orderJSON(o))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	order, err := s.sim.Cancel(rest)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orderJSON(order))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	positions := s.sim.Positions()
	out := make([]map[string]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, map[string]string{
			"symbol":          p.Symbol,
			"qty":             p.Qty.String(),
			"avg_entry_price": p.AvgEntryPrice.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	since := uint64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an unsigned integer")
			return
		}
		since = parsed
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.sim.Subscribe(since)
	defer cancel()

	// Drain client frames so pings are answered and closes noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func orderJSON(o *Order) map[string]string {
	out := map[string]string{
		"order_id":        o.OrderID,
		"client_order_id": o.ClientOrderID,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"qty":             o.Qty.String(),
		"filled_qty":      o.FilledQty.String(),
		"avg_fill_price":  o.AvgFillPrice.String(),
		"status":          o.Status,
		"updated_at":      o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.Reason != "" {
		out["reason"] = o.Reason
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
