package notify

import (
	"context"
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

type acceptingRequester struct{}

func (acceptingRequester) Request(ctx context.Context, targetChannel string, payload any, timeout time.Duration, maxAttempts int) (model.Envelope, error) {
	return model.Envelope{Payload: map[string]any{"Accepted": true, "BrokerID": "b-1"}}, nil
}

func newTestCore(t *testing.T) *aggregator.Core {
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
	return aggregator.New(cfg, riskEngine, q, sltpCalc, reg, down, specs)
}

func TestNewDisabledReturnsNoopNotifier(t *testing.T) {
	n, err := New(config.NotifyConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, n.enabled)
}

func TestDisabledNotifierSendIsNoop(t *testing.T) {
	n, err := New(config.NotifyConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() { n.send("hello") })
}

func TestWireRiskPauseForwardsToDisabledNotifierWithoutPanicking(t *testing.T) {
	n, err := New(config.NotifyConfig{Enabled: false})
	require.NoError(t, err)

	cfg := config.RiskConfig{MaxOrderSize: 100, PauseOnDailyLoss: true, MaxDailyLoss: decimal.NewFromInt(100)}
	engine := risk.New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})
	n.WireRiskPause(engine)

	assert.NotPanics(t, func() {
		engine.RecordPnL("acct-1", decimal.NewFromInt(-150))
		engine.Evaluate(&model.Order{ID: "o-1", AccountID: "acct-1", Instrument: "ES", Quantity: 1, Side: model.SideBuy}, time.Now())
	})
}

func TestWireCoreForwardsOrderFailedWithoutPanicking(t *testing.T) {
	n, err := New(config.NotifyConfig{Enabled: false})
	require.NoError(t, err)
	core := newTestCore(t)
	n.WireCore(core)

	order := &model.Order{ID: "o-1", Source: "bot-1", Instrument: "ES", Quantity: 1, Side: model.SideBuy, Kind: model.KindMarket}
	assert.NotPanics(t, func() {
		_ = core.SubmitOrder(context.Background(), order)
	})
}

func TestShutdownOnDisabledNotifierIsNoop(t *testing.T) {
	n, err := New(config.NotifyConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() { n.Shutdown("test shutdown") })
}
