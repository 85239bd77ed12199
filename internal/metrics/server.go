package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeagg/internal/aggregator"
	"github.com/web3guy0/tradeagg/internal/config"
)

// Server exposes the monitoring surface: a health probe, JSON metrics
// snapshots (overall and per-topic), a Prometheus scrape endpoint, a
// reset-metrics admin action, and a websocket push feed.
type Server struct {
	cfg           config.MonitoringConfig
	collector     *Collector
	maxQueueDepth int
	router        *chi.Mux
	http          *http.Server

	upgrader websocket.Upgrader

	wsMu    sync.Mutex
	clients map[*websocket.Conn]*wsClient

	startedAt time.Time
}

// wsClient tracks one websocket connection's topic subscriptions and
// serializes writes to it — the heartbeat and topic pushes both write from
// goroutines other than the connection's own read loop.
type wsClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, subs: make(map[string]struct{})}
}

func (c *wsClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsClient) subscribe(channels []string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
}

func (c *wsClient) unsubscribe(channels []string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
}

func (c *wsClient) isSubscribed(channel string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

// wsInbound is the client -> server websocket message shape: subscribe and
// unsubscribe name topics, ping expects a pong.
type wsInbound struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// wsOutbound is the server -> client websocket message shape.
type wsOutbound struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// NewServer builds the monitoring HTTP server over collector. It also
// wires its websocket broadcast to core's event stream directly, since
// the Collector's own job is Prometheus/history, not fan-out to clients.
// maxQueueDepth is the configured queue capacity, used only to score the
// queueDepth health check.
func NewServer(cfg config.MonitoringConfig, collector *Collector, core *aggregator.Core, maxQueueDepth int) *Server {
	s := &Server{
		cfg:           cfg,
		collector:     collector,
		maxQueueDepth: maxQueueDepth,
		router:        chi.NewRouter(),
		clients:       make(map[*websocket.Conn]*wsClient),
		startedAt:     time.Now(),
		upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.logMiddleware)
	s.setupRoutes()
	for _, kind := range []aggregator.EventKind{
		aggregator.EventOrderSubmitted, aggregator.EventOrderRejected, aggregator.EventOrderProcessed,
		aggregator.EventOrderFailed, aggregator.EventOrderCancelled, aggregator.EventFillProcessed,
	} {
		core.On(kind, s.Broadcast)
	}
	s.http = &http.Server{
		Addr:         cfg.HTTPHost + ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", promhttp.Handler().ServeHTTP)
	s.router.Route("/api/metrics", func(r chi.Router) {
		r.Get("/", s.handleMetricsSnapshot)
		r.Get("/history", s.handleHistory)
		r.Get("/orders", s.handleOrdersSlice)
		r.Get("/risk", s.handleRiskSlice)
		r.Get("/queue", s.handleQueueSlice)
		r.Get("/sltp", s.handleSLTPSlice)
		r.Get("/stream", s.handleWS)
	})
	s.router.Route("/api/control", func(r chi.Router) {
		r.Post("/reset-metrics", s.handleResetMetrics)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).Dur("duration", time.Since(start)).Msg("monitoring: http request")
	})
}

// ComponentStatus is the tristate health of one named check or of the
// aggregate /health response.
type ComponentStatus string

const (
	StatusHealthy  ComponentStatus = "healthy"
	StatusWarning  ComponentStatus = "warning"
	StatusCritical ComponentStatus = "critical"
)

// ComponentCheck is one named health check's result.
type ComponentCheck struct {
	Name   string          `json:"name"`
	Status ComponentStatus `json:"status"`
	Detail string          `json:"detail,omitempty"`
}

type healthResponse struct {
	Status  ComponentStatus  `json:"status"`
	Uptime  time.Duration    `json:"uptimeNanos"`
	Version string           `json:"version"`
	Checks  []ComponentCheck `json:"checks"`
}

// healthChecks scores queue depth, process memory, and the order
// violation rate (rejected+failed over received) into named, tristate
// component checks.
func (s *Server) healthChecks() []ComponentCheck {
	q := s.collector.Queue()
	queueStatus := StatusHealthy
	queueDetail := fmt.Sprintf("depth=%d", q.Depth)
	if s.maxQueueDepth > 0 {
		ratio := float64(q.Depth) / float64(s.maxQueueDepth)
		switch {
		case ratio >= 1:
			queueStatus = StatusCritical
		case ratio >= 0.8:
			queueStatus = StatusWarning
		}
		queueDetail = fmt.Sprintf("depth=%d/%d", q.Depth, s.maxQueueDepth)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memMB := mem.Alloc / (1024 * 1024)
	memStatus := StatusHealthy
	switch {
	case memMB >= 1024:
		memStatus = StatusCritical
	case memMB >= 512:
		memStatus = StatusWarning
	}

	rate := s.collector.ViolationRate()
	violationStatus := StatusHealthy
	switch {
	case rate >= 0.5:
		violationStatus = StatusCritical
	case rate >= 0.2:
		violationStatus = StatusWarning
	}

	return []ComponentCheck{
		{Name: "queueDepth", Status: queueStatus, Detail: queueDetail},
		{Name: "memory", Status: memStatus, Detail: fmt.Sprintf("%dMB", memMB)},
		{Name: "violationRate", Status: violationStatus, Detail: fmt.Sprintf("%.2f", rate)},
	}
}

func worstStatus(checks []ComponentCheck) ComponentStatus {
	status := StatusHealthy
	for _, c := range checks {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusWarning {
			status = StatusWarning
		}
	}
	return status
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthChecks()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  worstStatus(checks),
		Uptime:  time.Since(s.startedAt),
		Version: "tradeagg",
		Checks:  checks,
	})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.RefreshGauges()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleOrdersSlice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Orders())
}

func (s *Server) handleRiskSlice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Risk())
}

func (s *Server) handleQueueSlice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Queue())
}

func (s *Server) handleSLTPSlice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.SLTP())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.History())
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	s.collector.ResetHistory()
	w.WriteHeader(http.StatusNoContent)
}

// handleWS upgrades the connection and speaks the push protocol: the
// server greets with "welcome", the client opts into named topics with
// "subscribe"/"unsubscribe", "ping" gets a "pong", and every topic push
// arrives as a "metrics" message carrying "channel" and "data".
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("monitoring: websocket upgrade failed")
		return
	}
	client := newWSClient(conn)

	s.wsMu.Lock()
	s.clients[conn] = client
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.clients, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.WSHeartbeat * 2))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSHeartbeat * 2))
		return nil
	})

	if err := client.writeJSON(wsOutbound{Type: "welcome"}); err != nil {
		return
	}

	for {
		var msg wsInbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			client.subscribe(msg.Channels)
			_ = client.writeJSON(wsOutbound{Type: "subscribed", Data: msg.Channels})
		case "unsubscribe":
			client.unsubscribe(msg.Channels)
			_ = client.writeJSON(wsOutbound{Type: "unsubscribed", Data: msg.Channels})
		case "ping":
			_ = client.writeJSON(wsOutbound{Type: "pong"})
		default:
			log.Debug().Str("type", msg.Type).Msg("monitoring: unrecognized websocket message type")
		}
	}
}

// Broadcast pushes a lifecycle event to every client subscribed to the
// topic it belongs to ("risk" for rejections, "orders" for everything
// else) plus the catch-all "aggregator" topic.
func (s *Server) Broadcast(ev aggregator.Event) {
	entry := HistoryEntry{At: ev.At, Kind: ev.Kind, OrderID: orderID(ev), Reason: ev.Reason}
	topic := "orders"
	if ev.Kind == aggregator.EventOrderRejected {
		topic = "risk"
	}
	s.publish(topic, entry)
	s.publish("aggregator", entry)
}

// publish pushes data to every connected client subscribed to topic,
// dropping any connection that can't keep up rather than blocking.
func (s *Server) publish(topic string, data any) {
	s.wsMu.Lock()
	targets := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.wsMu.Unlock()
	if len(targets) == 0 {
		return
	}
	msg := wsOutbound{Type: "metrics", Channel: topic, Data: data}
	for _, c := range targets {
		if !c.isSubscribed(topic) {
			continue
		}
		if err := c.writeJSON(msg); err != nil {
			s.wsMu.Lock()
			delete(s.clients, c.conn)
			s.wsMu.Unlock()
			c.conn.Close()
		}
	}
}

func orderID(ev aggregator.Event) string {
	if ev.Order == nil {
		return ""
	}
	return ev.Order.ID
}

// runHeartbeat pings every connected client on WSHeartbeat, pruning dead
// connections the ping itself reveals, and pushes a fresh snapshot to
// clients subscribed to the "metrics" topic.
func (s *Server) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WSHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wsMu.Lock()
			targets := make([]*wsClient, 0, len(s.clients))
			for _, c := range s.clients {
				targets = append(targets, c)
			}
			s.wsMu.Unlock()
			for _, c := range targets {
				if err := c.ping(); err != nil {
					s.wsMu.Lock()
					delete(s.clients, c.conn)
					s.wsMu.Unlock()
					c.conn.Close()
				}
			}
			s.publish("metrics", s.collector.RefreshGauges())
		}
	}
}

// Start runs the HTTP server and the websocket heartbeat loop until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.runHeartbeat(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", s.http.Addr).Msg("monitoring: http server starting")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
