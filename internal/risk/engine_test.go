package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/model"
)

func baseConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderSize:       100,
		MaxPositionSize:    500,
		MaxPositionValue:   decimal.NewFromInt(1_000_000),
		MaxOpenPositions:   5,
		MaxDailyLoss:       decimal.NewFromInt(1000),
		MaxDailyProfit:     decimal.NewFromInt(1_000_000),
		MaxAccountDrawdown: decimal.NewFromFloat(0.5),
		MaxOrdersPerMinute: 10,
		MaxOrdersPerSymbol: 5,
	}
}

func order(accountID, instrument string, qty int64, side model.Side) *model.Order {
	return &model.Order{
		ID:         "ord-1",
		AccountID:  accountID,
		Instrument: instrument,
		Quantity:   qty,
		Side:       side,
		Kind:       model.KindMarket,
	}
}

func TestEvaluateAcceptsCleanOrder(t *testing.T) {
	e := New(baseConfig(), func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})
	v := e.Evaluate(order("acct-1", "ES", 1, model.SideBuy), time.Now())
	assert.Equal(t, model.DecisionAccept, v.Decision)
	assert.Empty(t, v.Violations)
}

func TestEvaluateRejectsOversizedOrder(t *testing.T) {
	cfg := baseConfig()
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})
	v := e.Evaluate(order("acct-1", "ES", 1000, model.SideBuy), time.Now())
	assert.Equal(t, model.DecisionReject, v.Decision)
	assert.Contains(t, v.Violations, "ORDER_SIZE")
}

func TestEvaluateReportsEveryViolationInOnePass(t *testing.T) {
	cfg := baseConfig()
	cfg.Whitelist = []string{"NQ"}
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 490, decimal.NewFromInt(5000), true
	})
	o := order("acct-1", "ES", 1000, model.SideBuy)
	v := e.Evaluate(o, time.Now())

	assert.Equal(t, model.DecisionReject, v.Decision)
	assert.Contains(t, v.Violations, "ORDER_SIZE")
	assert.Contains(t, v.Violations, "POSITION_SIZE")
	assert.Contains(t, v.Violations, "INSTRUMENT_WHITELIST")
}

func TestEvaluateReducingOrderSkipsOpenPositionsRule(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenPositions = 0
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 10, decimal.NewFromInt(100), true
	})
	e.SetOpenPositions("acct-1", 5)

	reducing := order("acct-1", "ES", 5, model.SideSell)
	v := e.Evaluate(reducing, time.Now())
	assert.NotContains(t, v.Violations, "OPEN_POSITIONS")
}

func TestEvaluateOpensPositionsRuleBlocksNonReducingOrder(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenPositions = 1
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})
	e.SetOpenPositions("acct-1", 1)

	v := e.Evaluate(order("acct-1", "ES", 1, model.SideBuy), time.Now())
	assert.Contains(t, v.Violations, "OPEN_POSITIONS")
}

func TestEvaluatePausesAccountOnDailyLoss(t *testing.T) {
	cfg := baseConfig()
	cfg.PauseOnDailyLoss = true
	cfg.MaxDailyLoss = decimal.NewFromInt(100)

	var pausedAccount, pausedReason string
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})
	e.OnPause(func(accountID, reason string) {
		pausedAccount = accountID
		pausedReason = reason
	})
	e.RecordPnL("acct-1", decimal.NewFromInt(-150))

	v := e.Evaluate(order("acct-1", "ES", 1, model.SideBuy), time.Now())
	assert.Contains(t, v.Violations, "DAILY_LOSS")
	assert.Contains(t, v.Violations, "PAUSED")
	assert.Equal(t, "acct-1", pausedAccount)
	assert.NotEmpty(t, pausedReason)
}

func TestShadowModeAcceptsButFlagsViolations(t *testing.T) {
	cfg := baseConfig()
	cfg.ShadowMode = true
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})

	v := e.Evaluate(order("acct-1", "ES", 1000, model.SideBuy), time.Now())
	assert.Equal(t, model.DecisionAccept, v.Decision)
	assert.True(t, v.ShadowOnly)
	assert.Contains(t, v.Violations, "ORDER_SIZE")
}

func TestBracketChildIsExemptFromRateLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOrdersPerMinute = 1
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})

	first := order("acct-1", "ES", 1, model.SideBuy)
	e.Evaluate(first, time.Now())

	child := order("acct-1", "ES", 1, model.SideSell)
	child.LinkedBracketOf = first.ID
	v := e.Evaluate(child, time.Now())
	assert.NotContains(t, v.Violations, "RATE_LIMIT_MINUTE")
}

func TestNilPositionLookupDefersWhenNoOtherViolations(t *testing.T) {
	e := New(baseConfig(), nil)
	v := e.Evaluate(order("acct-1", "ES", 1, model.SideBuy), time.Now())
	assert.Equal(t, model.DecisionDefer, v.Decision)
}

func TestSetShadowModeTogglesLive(t *testing.T) {
	cfg := baseConfig()
	e := New(cfg, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		return 0, decimal.Zero, true
	})
	require.False(t, e.shadowMode)
	e.SetShadowMode(true)
	v := e.Evaluate(order("acct-1", "ES", 1000, model.SideBuy), time.Now())
	assert.True(t, v.ShadowOnly)
}
