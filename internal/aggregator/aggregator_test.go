package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/downstream"
	"github.com/web3guy0/tradeagg/internal/model"
	"github.com/web3guy0/tradeagg/internal/queue"
	"github.com/web3guy0/tradeagg/internal/registry"
	"github.com/web3guy0/tradeagg/internal/risk"
	"github.com/web3guy0/tradeagg/internal/sltp"
)

type stubRequester struct {
	accepted bool
	reason   string
}

func (r *stubRequester) Request(ctx context.Context, targetChannel string, payload any, timeout time.Duration, maxAttempts int) (model.Envelope, error) {
	return model.Envelope{Payload: map[string]any{"Accepted": r.accepted, "Reason": r.reason, "BrokerID": "b-1"}}, nil
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxQueueSize:        100,
		MaxOrdersPerSymbol:  10,
		ProcessingInterval:  5 * time.Millisecond,
		MaxConcurrentOrders: 4,
		MaxRetryAttempts:    1,
		RetryBaseDelay:      5 * time.Millisecond,
		RetryMaxDelay:       10 * time.Millisecond,
	}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderSize:       100,
		MaxPositionSize:    500,
		MaxPositionValue:   decimal.NewFromInt(1_000_000),
		MaxOpenPositions:   5,
		MaxDailyLoss:       decimal.NewFromInt(1000),
		MaxDailyProfit:     decimal.NewFromInt(1_000_000),
		MaxAccountDrawdown: decimal.NewFromFloat(0.5),
		MaxOrdersPerMinute: 100,
		MaxOrdersPerSymbol: 100,
	}
}

func newTestCore(t *testing.T, accepted bool) (*Core, *queue.Queue) {
	t.Helper()
	cfg := &config.Config{Risk: testRiskConfig(), Queue: testQueueConfig()}
	reg := registry.New()
	specs := map[string]model.ContractSpec{"ES": {Instrument: "ES", TickSize: decimal.NewFromFloat(0.25)}}
	sltpCalc := sltp.New(config.SLTPConfig{CalculateSLTP: false}, specs)
	down := downstream.New(&stubRequester{accepted: accepted, reason: "rejected by broker"}, config.DownstreamConfig{
		SubmitTimeout: time.Second, CancelTimeout: time.Second, QueryTimeout: time.Second, RetryCount: 1,
	})
	qd := downstream.NewQueueDispatcher(down)
	q := queue.New(cfg.Queue, qd)

	placeholder := risk.New(cfg.Risk, nil)
	c := New(cfg, placeholder, q, sltpCalc, reg, down, specs)
	c.risk = risk.New(cfg.Risk, c.PositionLookup)
	return c, q
}

func mkOrder(id, accountID, instrument string, qty int64, side model.Side) *model.Order {
	return &model.Order{
		ID:         id,
		Source:     "bot-1",
		AccountID:  accountID,
		Instrument: instrument,
		Quantity:   qty,
		Side:       side,
		Kind:       model.KindMarket,
	}
}

func TestSubmitOrderAcceptsValidOrder(t *testing.T) {
	c, _ := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))
	assert.Equal(t, model.StateQueued, order.State)
}

func TestSubmitOrderRejectsInvalidOrder(t *testing.T) {
	c, _ := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "", 1, model.SideBuy)
	err := c.SubmitOrder(context.Background(), order)
	require.Error(t, err)
	assert.Equal(t, model.StateRejected, order.State)
}

func TestSubmitOrderRejectsOversizedOrderViaRisk(t *testing.T) {
	c, _ := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 10_000, model.SideBuy)
	err := c.SubmitOrder(context.Background(), order)
	require.Error(t, err)
	assert.Equal(t, model.StateRejected, order.State)
}

func TestSubmitOrderRejectsWhenShuttingDown(t *testing.T) {
	c, _ := newTestCore(t, true)
	require.NoError(t, c.Shutdown(context.Background()))

	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	err := c.SubmitOrder(context.Background(), order)
	require.Error(t, err)
	assert.ErrorContains(t, err, string(model.ErrShutdown))
}

func TestCancelQueuedOrderRemovesFromQueue(t *testing.T) {
	c, _ := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	require.NoError(t, c.CancelOrder(context.Background(), "o-1"))
	assert.Equal(t, model.StateCancelled, order.State)
}

func TestCancelUnknownOrderErrors(t *testing.T) {
	c, _ := newTestCore(t, true)
	err := c.CancelOrder(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorContains(t, err, string(model.ErrUnknownOrder))
}

func TestProcessFillUnknownOrderErrors(t *testing.T) {
	c, _ := newTestCore(t, true)
	err := c.ProcessFill(context.Background(), &model.Fill{OrderID: "ghost"})
	require.Error(t, err)
	assert.ErrorContains(t, err, string(model.ErrUnknownOrder))
}

func TestProcessFillFullyFillsAndOpensPosition(t *testing.T) {
	c, q := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 2, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool {
		return order.State == model.StateDispatched || order.State == model.StateFilled
	}, time.Second, 5*time.Millisecond)

	fill := &model.Fill{
		OrderID:            "o-1",
		Instrument:         "ES",
		Side:               model.SideBuy,
		FillPrice:          decimal.NewFromFloat(5000),
		FillQuantity:       2,
		CumulativeQuantity: 2,
		FillTime:           time.Now(),
	}
	require.NoError(t, c.ProcessFill(context.Background(), fill))
	assert.Equal(t, model.StateFilled, order.State)

	size, _, ok := c.PositionLookup("acct-1", "ES")
	require.True(t, ok)
	assert.Equal(t, int64(2), size)
}

func TestProcessFillDropsLateFill(t *testing.T) {
	c, q := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 4, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	require.Eventually(t, func() bool {
		return order.State == model.StateDispatched
	}, time.Second, 5*time.Millisecond)

	first := &model.Fill{OrderID: "o-1", Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromInt(5000), FillQuantity: 3, CumulativeQuantity: 3, FillTime: time.Now()}
	require.NoError(t, c.ProcessFill(context.Background(), first))

	stale := &model.Fill{OrderID: "o-1", Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromInt(5000), FillQuantity: 1, CumulativeQuantity: 1, FillTime: time.Now()}
	err := c.ProcessFill(context.Background(), stale)
	require.Error(t, err)
	assert.ErrorContains(t, err, string(model.ErrLateFill))
}

func TestProcessFillRealizesPnLOnClosingFill(t *testing.T) {
	c, q := newTestCore(t, true)
	opener := mkOrder("o-1", "acct-1", "ES", 2, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), opener))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	require.Eventually(t, func() bool {
		return opener.State == model.StateDispatched
	}, time.Second, 5*time.Millisecond)

	entryFill := &model.Fill{OrderID: "o-1", Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromInt(5000), FillQuantity: 2, CumulativeQuantity: 2, FillTime: time.Now()}
	require.NoError(t, c.ProcessFill(context.Background(), entryFill))

	closer := mkOrder("o-2", "acct-1", "ES", 2, model.SideSell)
	require.NoError(t, c.SubmitOrder(context.Background(), closer))
	require.Eventually(t, func() bool {
		return closer.State == model.StateDispatched
	}, time.Second, 5*time.Millisecond)

	exitFill := &model.Fill{OrderID: "o-2", Instrument: "ES", Side: model.SideSell, FillPrice: decimal.NewFromInt(5010), FillQuantity: 2, CumulativeQuantity: 2, FillTime: time.Now()}
	require.NoError(t, c.ProcessFill(context.Background(), exitFill))

	_, _, ok := c.PositionLookup("acct-1", "ES")
	require.True(t, ok)
	snap := c.MetricsSnapshot()
	assert.Empty(t, snap.Positions, "closed position should no longer be tracked")
	assert.True(t, c.risk.Stats("acct-1").DailyPnL.Equal(decimal.NewFromInt(20)), "(5010-5000)*2 realized")
}

func TestHandleMarketDataUpdateMarksUnrealizedPnL(t *testing.T) {
	c, q := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	require.Eventually(t, func() bool {
		return order.State == model.StateDispatched
	}, time.Second, 5*time.Millisecond)

	fill := &model.Fill{OrderID: "o-1", Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromInt(5000), FillQuantity: 1, CumulativeQuantity: 1, FillTime: time.Now()}
	require.NoError(t, c.ProcessFill(context.Background(), fill))

	c.HandleMarketDataUpdate("ES", decimal.NewFromInt(5010))
	snap := c.MetricsSnapshot()
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].UnrealizedPnL.Equal(decimal.NewFromInt(10)))
}

func TestBracketChildNeverSpawnsFurtherBrackets(t *testing.T) {
	c, _ := newTestCore(t, true)
	parent := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	parent.LinkedBracketOf = "grandparent"
	fill := &model.Fill{OrderID: "o-1", Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromInt(5000), FillQuantity: 1}
	// maybeBuildBrackets should return immediately without panicking or submitting.
	c.maybeBuildBrackets(context.Background(), parent, fill)
	assert.Empty(t, c.activeOrders)
}

func TestEventSubscriberReceivesOrderSubmittedEvent(t *testing.T) {
	c, _ := newTestCore(t, true)
	var gotKind EventKind
	c.On(EventOrderSubmitted, func(ev Event) {
		gotKind = ev.Kind
	})
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))
	assert.Equal(t, EventOrderSubmitted, gotKind)
}

func TestApplyStatusUpdateCancelsDispatchedOrder(t *testing.T) {
	c, q := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	require.Eventually(t, func() bool {
		return order.State == model.StateDispatched
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.ApplyStatusUpdate("o-1", model.StateCancelled, ""))
	assert.Equal(t, model.StateCancelled, order.State)
	assert.NotContains(t, c.activeOrders, "o-1")
}

func TestApplyStatusUpdateFailsDispatchedOrderAndRecordsRejection(t *testing.T) {
	c, q := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	require.Eventually(t, func() bool {
		return order.State == model.StateDispatched
	}, time.Second, 5*time.Millisecond)

	var gotReason model.ErrorKind
	c.On(EventOrderFailed, func(ev Event) { gotReason = ev.Reason })

	require.NoError(t, c.ApplyStatusUpdate("o-1", model.StateFailed, model.ErrDownstreamRejected))
	assert.Equal(t, model.StateFailed, order.State)
	assert.Equal(t, model.ErrDownstreamRejected, gotReason)
	assert.Equal(t, int64(1), c.registry.Get("bot-1").Rejected)
}

func TestApplyStatusUpdateAckIsNoopOnDispatchedOrder(t *testing.T) {
	c, q := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	require.Eventually(t, func() bool {
		return order.State == model.StateDispatched
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.ApplyStatusUpdate("o-1", model.StateDispatched, ""))
	assert.Equal(t, model.StateDispatched, order.State)
	assert.Contains(t, c.activeOrders, "o-1")
}

func TestApplyStatusUpdateUnknownOrderErrors(t *testing.T) {
	c, _ := newTestCore(t, true)
	err := c.ApplyStatusUpdate("ghost", model.StateCancelled, "")
	require.Error(t, err)
	assert.ErrorContains(t, err, string(model.ErrUnknownOrder))
}

func TestMetricsSnapshotReportsQueueDepth(t *testing.T) {
	c, _ := newTestCore(t, true)
	order := mkOrder("o-1", "acct-1", "ES", 1, model.SideBuy)
	require.NoError(t, c.SubmitOrder(context.Background(), order))

	snap := c.MetricsSnapshot()
	assert.Equal(t, 1, snap.ActiveOrders)
	assert.GreaterOrEqual(t, snap.QueueMaxDepth, 1)
}
