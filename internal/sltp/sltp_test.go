package sltp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/model"
)

func esSpec() map[string]model.ContractSpec {
	return map[string]model.ContractSpec{
		"ES": {Instrument: "ES", TickSize: decimal.NewFromFloat(0.25)},
	}
}

func TestComputeDisabledReturnsUncalculated(t *testing.T) {
	c := New(config.SLTPConfig{CalculateSLTP: false}, esSpec())
	res := c.Compute(&model.Fill{Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromInt(5000)})
	assert.False(t, res.Calculated)
}

func TestComputeFixedTicksLongPosition(t *testing.T) {
	cfg := config.SLTPConfig{
		CalculateSLTP:         true,
		TakeProfitMode:        config.StopModeFixedTicks,
		StopOffsetTicks:       8,
		TakeProfitOffsetTicks: 16,
	}
	c := New(cfg, esSpec())
	fill := &model.Fill{Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromFloat(5000.00), FillQuantity: 2}

	res := c.Compute(fill)
	require.True(t, res.Calculated)
	// 8 ticks * 0.25 = 2.00 below entry; 16 ticks * 0.25 = 4.00 above entry
	assert.True(t, res.StopLoss.Equal(decimal.NewFromFloat(4998.00)), "got %s", res.StopLoss)
	assert.True(t, res.TakeProfit.Equal(decimal.NewFromFloat(5004.00)), "got %s", res.TakeProfit)
}

func TestComputeFixedTicksShortPosition(t *testing.T) {
	cfg := config.SLTPConfig{
		CalculateSLTP:         true,
		TakeProfitMode:        config.StopModeFixedTicks,
		StopOffsetTicks:       8,
		TakeProfitOffsetTicks: 16,
	}
	c := New(cfg, esSpec())
	fill := &model.Fill{Instrument: "ES", Side: model.SideSell, FillPrice: decimal.NewFromFloat(5000.00), FillQuantity: 2}

	res := c.Compute(fill)
	require.True(t, res.Calculated)
	assert.True(t, res.StopLoss.Equal(decimal.NewFromFloat(5002.00)), "got %s", res.StopLoss)
	assert.True(t, res.TakeProfit.Equal(decimal.NewFromFloat(4996.00)), "got %s", res.TakeProfit)
}

func TestComputeRiskRewardMode(t *testing.T) {
	cfg := config.SLTPConfig{
		CalculateSLTP:   true,
		TakeProfitMode:  config.StopModeRiskReward,
		StopOffsetTicks: 4,
		RiskRewardRatio: decimal.NewFromInt(3),
	}
	c := New(cfg, esSpec())
	fill := &model.Fill{Instrument: "ES", Side: model.SideBuy, FillPrice: decimal.NewFromFloat(5000.00), FillQuantity: 1}

	res := c.Compute(fill)
	require.True(t, res.Calculated)
	// stop offset = 4 * 0.25 = 1.00; tp offset = 1.00 * 3 = 3.00
	assert.True(t, res.StopLoss.Equal(decimal.NewFromFloat(4999.00)), "got %s", res.StopLoss)
	assert.True(t, res.TakeProfit.Equal(decimal.NewFromFloat(5003.00)), "got %s", res.TakeProfit)
}

func TestComputeZeroTickSizeIsInvalidGeometry(t *testing.T) {
	cfg := config.SLTPConfig{
		CalculateSLTP:         true,
		TakeProfitMode:        config.StopModeFixedTicks,
		StopOffsetTicks:       0,
		TakeProfitOffsetTicks: 0,
	}
	c := New(cfg, map[string]model.ContractSpec{})
	fill := &model.Fill{Instrument: "UNKNOWN", Side: model.SideBuy, FillPrice: decimal.NewFromInt(100)}

	res := c.Compute(fill)
	assert.False(t, res.Calculated)
	assert.Equal(t, model.ErrInvalidGeometry, res.Reason)
}

func TestBuildChildrenProducesOppositeSideLinkedHighPriorityOrders(t *testing.T) {
	parent := &model.Order{ID: "parent-1", Source: "bot-1", AccountID: "acct-1", Instrument: "ES", Side: model.SideBuy}
	fill := &model.Fill{FillQuantity: 2, Side: model.SideBuy}
	res := Result{StopLoss: decimal.NewFromInt(4998), TakeProfit: decimal.NewFromInt(5004), Calculated: true}

	stop, tp := BuildChildren(parent, fill, res)
	require.NotNil(t, stop)
	require.NotNil(t, tp)

	assert.Equal(t, model.SideSell, stop.Side)
	assert.Equal(t, model.SideSell, tp.Side)
	assert.Equal(t, parent.ID, stop.LinkedBracketOf)
	assert.Equal(t, parent.ID, tp.LinkedBracketOf)
	assert.Equal(t, model.PriorityHigh, stop.Priority)
	assert.Equal(t, model.PriorityHigh, tp.Priority)
	assert.Equal(t, model.KindStop, stop.Kind)
	assert.Equal(t, model.KindLimit, tp.Kind)
	assert.NotEqual(t, stop.ID, tp.ID)
}

func TestBuildChildrenReturnsNilWhenNotCalculated(t *testing.T) {
	parent := &model.Order{ID: "parent-1"}
	fill := &model.Fill{}
	stop, tp := BuildChildren(parent, fill, Result{Calculated: false})
	assert.Nil(t, stop)
	assert.Nil(t, tp)
}
