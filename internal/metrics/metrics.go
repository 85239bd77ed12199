// Package metrics implements the Metrics & Monitoring Surface:
// Prometheus collectors fed by the Aggregator Core's event stream, a ring
// buffer of recent events for the HTTP/WS surface, and counters mirroring
// the Source Registry and Risk Engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/web3guy0/tradeagg/internal/aggregator"
	"github.com/web3guy0/tradeagg/internal/model"
)

var (
	ordersReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeagg_orders_received_total",
			Help: "Total orders submitted to the aggregator, by source",
		},
		[]string{"source"},
	)

	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeagg_orders_rejected_total",
			Help: "Total orders rejected, by reason",
		},
		[]string{"reason"},
	)

	ordersDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeagg_orders_dispatched_total",
			Help: "Total orders successfully dispatched downstream",
		},
		[]string{"instrument"},
	)

	fillsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeagg_fills_processed_total",
			Help: "Total fill reports processed",
		},
		[]string{"instrument"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeagg_queue_depth",
		Help: "Current Priority Queue Manager depth",
	})

	openPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeagg_open_positions",
		Help: "Current number of non-flat positions",
	})

	orderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradeagg_order_receive_to_dispatch_seconds",
			Help:    "Time from order received to dispatched",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority"},
	)
)

func init() {
	prometheus.MustRegister(ordersReceived, ordersRejected, ordersDispatched, fillsProcessed, queueDepth, openPositions, orderLatency)
}

// HistoryEntry is a single ring-buffer record surfaced over HTTP/WS.
type HistoryEntry struct {
	At      time.Time       `json:"at"`
	Kind    aggregator.EventKind `json:"kind"`
	OrderID string          `json:"orderId,omitempty"`
	Reason  model.ErrorKind `json:"reason,omitempty"`
}

// Collector subscribes to the Aggregator Core's event stream and feeds
// both the Prometheus collectors above and a bounded in-memory history
// for the HTTP surface's recent-activity endpoint.
type Collector struct {
	mu      sync.Mutex
	history []HistoryEntry
	cap     int

	totalReceived   int64
	totalRejected   int64
	totalDispatched int64
	totalFailed     int64
	totalFills      int64
	violationsByReason map[model.ErrorKind]int64

	core *aggregator.Core
}

// OrdersSlice is the focused /api/metrics/orders view: counts by outcome,
// unaffected by history trimming.
type OrdersSlice struct {
	Received   int64          `json:"received"`
	Rejected   int64          `json:"rejected"`
	Dispatched int64          `json:"dispatched"`
	Failed     int64          `json:"failed"`
	Sources    []model.Source `json:"sources"`
}

// RiskSlice is the focused /api/metrics/risk view: TotalRejected counts
// rejected orders; ByReason counts both rejected and failed orders, keyed
// by the event's ErrorKind.
type RiskSlice struct {
	TotalRejected int64                     `json:"totalRejected"`
	ByReason      map[model.ErrorKind]int64 `json:"byReason"`
}

// QueueSlice is the focused /api/metrics/queue view.
type QueueSlice struct {
	Depth    int `json:"depth"`
	MaxDepth int `json:"maxDepth"`
}

// SLTPSlice is the focused /api/metrics/sltp view: fills processed stands
// in as the denominator for bracket-eligible events, since every completed
// entry fill is a candidate for SL/TP computation.
type SLTPSlice struct {
	FillsProcessed int64 `json:"fillsProcessed"`
}

// NewCollector wires a Collector to core's event stream. capHistory bounds
// the ring buffer (see config.MonitoringConfig.HistorySize).
func NewCollector(core *aggregator.Core, capHistory int) *Collector {
	if capHistory <= 0 {
		capHistory = 300
	}
	c := &Collector{core: core, cap: capHistory, violationsByReason: make(map[model.ErrorKind]int64)}
	core.On(aggregator.EventOrderSubmitted, c.onSubmitted)
	core.On(aggregator.EventOrderRejected, c.onRejected)
	core.On(aggregator.EventOrderProcessed, c.onProcessed)
	core.On(aggregator.EventOrderFailed, c.onFailed)
	core.On(aggregator.EventOrderCancelled, c.onCancelled)
	core.On(aggregator.EventFillProcessed, c.onFill)
	return c
}

func (c *Collector) record(ev aggregator.Event) {
	entry := HistoryEntry{At: ev.At, Kind: ev.Kind, Reason: ev.Reason}
	if ev.Order != nil {
		entry.OrderID = ev.Order.ID
	}
	c.mu.Lock()
	c.history = append(c.history, entry)
	if len(c.history) > c.cap {
		c.history = c.history[len(c.history)-c.cap:]
	}
	c.mu.Unlock()
}

func (c *Collector) onSubmitted(ev aggregator.Event) {
	c.record(ev)
	ordersReceived.WithLabelValues(ev.Order.Source).Inc()
	c.mu.Lock()
	c.totalReceived++
	c.mu.Unlock()
}

func (c *Collector) onRejected(ev aggregator.Event) {
	c.record(ev)
	ordersRejected.WithLabelValues(string(ev.Reason)).Inc()
	c.mu.Lock()
	c.totalRejected++
	c.violationsByReason[ev.Reason]++
	c.mu.Unlock()
}

func (c *Collector) onProcessed(ev aggregator.Event) {
	c.record(ev)
	if ev.Order.State == model.StateDispatched {
		ordersDispatched.WithLabelValues(ev.Order.Instrument).Inc()
		if !ev.Order.ReceivedAt.IsZero() {
			orderLatency.WithLabelValues(ev.Order.Priority.String()).Observe(ev.Order.DispatchedAt.Sub(ev.Order.ReceivedAt).Seconds())
		}
		c.mu.Lock()
		c.totalDispatched++
		c.mu.Unlock()
	}
}

func (c *Collector) onFailed(ev aggregator.Event) {
	c.record(ev)
	ordersRejected.WithLabelValues(string(ev.Reason)).Inc()
	c.mu.Lock()
	c.totalFailed++
	c.violationsByReason[ev.Reason]++
	c.mu.Unlock()
}

func (c *Collector) onCancelled(ev aggregator.Event) {
	c.record(ev)
}

func (c *Collector) onFill(ev aggregator.Event) {
	c.record(ev)
	if ev.Fill != nil {
		fillsProcessed.WithLabelValues(ev.Fill.Instrument).Inc()
		c.mu.Lock()
		c.totalFills++
		c.mu.Unlock()
	}
}

// Orders returns the focused orders slice.
func (c *Collector) Orders() OrdersSlice {
	snap := c.core.MetricsSnapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	return OrdersSlice{
		Received:   c.totalReceived,
		Rejected:   c.totalRejected,
		Dispatched: c.totalDispatched,
		Failed:     c.totalFailed,
		Sources:    snap.Sources,
	}
}

// Risk returns the focused risk slice.
func (c *Collector) Risk() RiskSlice {
	c.mu.Lock()
	defer c.mu.Unlock()
	byReason := make(map[model.ErrorKind]int64, len(c.violationsByReason))
	for k, v := range c.violationsByReason {
		byReason[k] = v
	}
	return RiskSlice{TotalRejected: c.totalRejected, ByReason: byReason}
}

// Queue returns the focused queue slice.
func (c *Collector) Queue() QueueSlice {
	snap := c.core.MetricsSnapshot()
	return QueueSlice{Depth: snap.QueueDepth, MaxDepth: snap.QueueMaxDepth}
}

// SLTP returns the focused sl/tp slice.
func (c *Collector) SLTP() SLTPSlice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SLTPSlice{FillsProcessed: c.totalFills}
}

// ViolationRate is the fraction of received orders rejected or failed,
// used by the health check surface.
func (c *Collector) ViolationRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalReceived == 0 {
		return 0
	}
	return float64(c.totalRejected+c.totalFailed) / float64(c.totalReceived)
}

// RefreshGauges recomputes the point-in-time gauges from a fresh
// aggregator snapshot. Called on a short ticker by the monitoring server.
func (c *Collector) RefreshGauges() aggregator.Snapshot {
	snap := c.core.MetricsSnapshot()
	queueDepth.Set(float64(snap.QueueDepth))
	openPositions.Set(float64(len(snap.Positions)))
	return snap
}

// History returns a copy of the current ring buffer, newest last.
func (c *Collector) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HistoryEntry, len(c.history))
	copy(out, c.history)
	return out
}

// ResetHistory clears the ring buffer, used by the reset-metrics admin
// endpoint. Prometheus counters are cumulative by design and are not
// reset here.
func (c *Collector) ResetHistory() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}
