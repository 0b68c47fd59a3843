package liveserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// SnapshotFunc assembles the current whole state, keyed by channel.
// Served on SUBSCRIBE and RESYNC.
type SnapshotFunc func() map[string]interface{}

// HaltFunc raises the emergency halt. Returns false when the halt was
// already active; the endpoint is idempotent either way.
type HaltFunc func(reason string) bool

// Server is the observer-facing WebSocket endpoint. Observers are
// strictly read-only except for the emergency halt.
type Server struct {
	hub            *Hub
	srv            *http.Server
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	snapshot SnapshotFunc
	halt     HaltFunc

	// Connection limits
	maxConnections int
	connSemaphore  chan struct{}

	// Per-IP rate limiting
	rateLimitEnabled bool
	ipLimiters       sync.Map // map[string]*rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int

	production bool
}

// NewServer creates a server. snapshot and halt must be non-nil.
func NewServer(hub *Hub, snapshot SnapshotFunc, halt HaltFunc, logger Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:              hub,
		logger:           logger,
		snapshot:         snapshot,
		halt:             halt,
		allowedOrigins:   allowedOrigins,
		maxConnections:   100,
		connSemaphore:    make(chan struct{}, 100),
		rateLimitEnabled: true,
		rateLimit:        10.0, // connections per second per IP
		rateBurst:        20,
		production:       false,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the connection origin against the whitelist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if s.logger != nil {
			s.logger.Warn("Rejected connection with missing Origin header", "remote_addr", r.RemoteAddr)
		}
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected connection with invalid Origin", "origin", origin, "error", err)
		}
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			if s.logger != nil {
				s.logger.Warn("Connection allowed via wildcard origin (insecure for production)",
					"origin", origin, "remote_addr", r.RemoteAddr)
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected connection from unauthorized origin",
			"origin", origin, "remote_addr", r.RemoteAddr)
	}
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/system/emergency-halt", s.handleEmergencyHalt)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting live server", "addr", addr)
	}

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
		return s.Stop(context.Background())
	}
}

// Handler returns the mux for tests that mount it on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/system/emergency-halt", s.handleEmergencyHalt)
	return mux
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("Stopping live server")
	}
	return s.srv.Shutdown(ctx)
}

// handleWebSocket upgrades the connection and runs the frame pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rateLimitEnabled {
		ip := s.getRemoteIP(r)
		if !s.getIPLimiter(ip).Allow() {
			if s.logger != nil {
				s.logger.Warn("IP rate limit exceeded", "ip", ip)
			}
			websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		if s.logger != nil {
			s.logger.Warn("Max connections reached")
		}
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("WebSocket upgrade failed", "error", err)
		}
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)

	// The handshake is the first frame and consumes seq 1.
	client.Send(Envelope{
		Type: TypeHandshake,
		TS:   time.Now().UTC(),
		Payload: Handshake{
			SessionID:  client.id,
			ServerTime: time.Now().UTC(),
		},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

// writePump drains the client buffer onto the wire.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-client.Frames():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				if s.logger != nil {
					s.logger.Warn("Write error", "client_id", client.id, "error", err)
				}
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles SUBSCRIBE and RESYNC frames. Anything else from the
// client is ignored; observers cannot mutate state over this socket.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if s.logger != nil {
					s.logger.Warn("Read error", "client_id", client.id, "error", err)
				}
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			if s.logger != nil {
				s.logger.Warn("Malformed client frame", "client_id", client.id, "error", err)
			}
			continue
		}

		switch frame.Type {
		case TypeSubscribe:
			client.Subscribe(frame.Channels)
			s.sendSnapshot(client)
		case TypeResync:
			// No replay: a lost frame means a fresh snapshot.
			s.sendSnapshot(client)
		}
	}
}

// sendSnapshot sends the subscribed slice of the current whole state.
func (s *Server) sendSnapshot(client *Client) {
	full := s.snapshot()
	subscribed := make(map[string]interface{})
	for _, ch := range client.Subscriptions() {
		if payload, ok := full[ch]; ok {
			subscribed[ch] = payload
		}
	}
	client.Send(Envelope{
		Type:    TypeSnapshot,
		TS:      time.Now().UTC(),
		Payload: subscribed,
	})
}

// handleHealth reports the observer endpoint's own liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

// handleEmergencyHalt raises the kill switch. Idempotent: a second
// POST reports the halt as already active and changes nothing.
func (s *Server) handleEmergencyHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual_emergency_halt"
	}

	raised := s.halt(body.Reason)
	if s.logger != nil {
		s.logger.Warn("Emergency halt requested", "reason", body.Reason, "newly_raised", raised)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"halted":         true,
		"already_halted": !raised,
		"reason":         body.Reason,
	})
}

// ClientCount returns the number of connected observers.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// SetProduction enables strict origin handling.
func (s *Server) SetProduction(prod bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.production = prod
}

// SetMaxConnections updates the connection cap.
func (s *Server) SetMaxConnections(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = max
	s.connSemaphore = make(chan struct{}, max)
}

// SetRateLimit updates the per-IP connection rate parameters.
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst
	s.ipLimiters = sync.Map{}
}

// getRemoteIP extracts the client IP address.
func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates the rate limiter for an IP.
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return actual.(*rate.Limiter)
}
