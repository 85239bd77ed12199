package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradeagg/internal/aggregator"
	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/downstream"
	"github.com/web3guy0/tradeagg/internal/model"
	"github.com/web3guy0/tradeagg/internal/queue"
	"github.com/web3guy0/tradeagg/internal/registry"
	"github.com/web3guy0/tradeagg/internal/risk"
	"github.com/web3guy0/tradeagg/internal/sltp"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Risk: config.RiskConfig{MaxOrderSize: 100, MaxPositionSize: 500, MaxOrdersPerMinute: 100, MaxOrdersPerSymbol: 100,
			MaxPositionValue: decimal.NewFromInt(1_000_000), MaxOpenPositions: 5, MaxDailyLoss: decimal.NewFromInt(1000), MaxDailyProfit: decimal.NewFromInt(1_000_000)},
		Queue: config.QueueConfig{
			MaxQueueSize: 100, MaxOrdersPerSymbol: 10, ProcessingInterval: 5 * time.Millisecond,
			MaxConcurrentOrders: 4, MaxRetryAttempts: 1, RetryBaseDelay: 5 * time.Millisecond, RetryMaxDelay: 10 * time.Millisecond,
		},
	}
	reg := registry.New()
	specs := map[string]model.ContractSpec{"ES": {Instrument: "ES", TickSize: decimal.NewFromFloat(0.25)}}
	sltpCalc := sltp.New(config.SLTPConfig{CalculateSLTP: false}, specs)
	down := downstream.New(acceptingRequester{}, config.DownstreamConfig{
		SubmitTimeout: time.Second, CancelTimeout: time.Second, QueryTimeout: time.Second, RetryCount: 1,
	})
	q := queue.New(cfg.Queue, downstream.NewQueueDispatcher(down))
	riskEngine := risk.New(cfg.Risk, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})
	core := aggregator.New(cfg, riskEngine, q, sltpCalc, reg, down, specs)
	collector := NewCollector(core, 10)
	monCfg := config.MonitoringConfig{HTTPHost: "127.0.0.1", HTTPPort: 0, WSHeartbeat: time.Second, HistorySize: 10}
	s := NewServer(monCfg, collector, core, cfg.Queue.MaxQueueSize)
	return s, httptest.NewServer(s.router)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, StatusHealthy, body.Status)
	assert.Len(t, body.Checks, 3)
}

func TestHandleFocusedSlicesReturnData(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()

	order := &model.Order{ID: "o-1", Source: "bot-1", Instrument: "ES", Quantity: 1, Side: model.SideBuy, Kind: model.KindMarket}
	require.NoError(t, s.collector.core.SubmitOrder(context.Background(), order))

	for _, path := range []string{"/api/metrics/orders", "/api/metrics/risk", "/api/metrics/queue", "/api/metrics/sltp"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}

	var orders OrdersSlice
	resp, err := http.Get(ts.URL + "/api/metrics/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&orders))
	assert.Equal(t, int64(1), orders.Received)
}

func TestHandleMetricsSnapshotReturnsSnapshot(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()

	order := &model.Order{ID: "o-1", Source: "bot-1", Instrument: "ES", Quantity: 1, Side: model.SideBuy, Kind: model.KindMarket}
	require.NoError(t, s.collector.core.SubmitOrder(context.Background(), order))

	resp, err := http.Get(ts.URL + "/api/metrics/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleHistoryReturnsRecordedEvents(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()

	order := &model.Order{ID: "o-1", Source: "bot-1", Instrument: "ES", Quantity: 1, Side: model.SideBuy, Kind: model.KindMarket}
	require.NoError(t, s.collector.core.SubmitOrder(context.Background(), order))

	resp, err := http.Get(ts.URL + "/api/metrics/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []HistoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.NotEmpty(t, entries)
}

func TestHandleResetMetricsClearsHistory(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()

	order := &model.Order{ID: "o-1", Source: "bot-1", Instrument: "ES", Quantity: 1, Side: model.SideBuy, Kind: model.KindMarket}
	require.NoError(t, s.collector.core.SubmitOrder(context.Background(), order))
	require.NotEmpty(t, s.collector.History())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/control/reset-metrics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, s.collector.History())
}

func TestBroadcastWithNoConnectionsIsNoop(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()
	assert.NotPanics(t, func() {
		s.Broadcast(aggregator.Event{Kind: aggregator.EventOrderSubmitted})
	})
}
