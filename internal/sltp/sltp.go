// Package sltp implements the SL/TP Calculator: given a fill, it
// optionally derives bracket stop-loss/take-profit prices from contract
// tick metadata and a configured policy.
package sltp

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/idgen"
	"github.com/web3guy0/tradeagg/internal/model"
)

// Result is the outcome of a Compute call.
type Result struct {
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	Calculated  bool
	Reason      model.ErrorKind
}

// Calculator computes bracket levels per a configured SLTPConfig.
type Calculator struct {
	cfg   config.SLTPConfig
	specs map[string]model.ContractSpec
}

// New creates a Calculator. specs supplies per-instrument tick metadata;
// cfg.TickSizeOverrides takes precedence when present.
func New(cfg config.SLTPConfig, specs map[string]model.ContractSpec) *Calculator {
	if cfg.EnableTrailingStop && !cfg.CalculateSLTP {
		log.Warn().Msg("sltp: EnableTrailingStop set while CalculateSLTP is off; trailing stop has no effect")
	}
	return &Calculator{cfg: cfg, specs: specs}
}

func (c *Calculator) tickSize(instrument string) decimal.Decimal {
	if ov, ok := c.cfg.TickSizeOverrides[instrument]; ok {
		return ov
	}
	if spec, ok := c.specs[instrument]; ok {
		return spec.TickSize
	}
	return decimal.Zero
}

// Compute derives stop-loss/take-profit prices for fill under the
// Calculator's policy. calculateSLTP defaults off; callers that want
// brackets must pass a Calculator built from a config with
// CalculateSLTP=true.
func (c *Calculator) Compute(fill *model.Fill) Result {
	if !c.cfg.CalculateSLTP {
		return Result{Calculated: false}
	}

	tick := c.tickSize(fill.Instrument)
	entry := fill.FillPrice

	stopOffset := tick.Mul(decimal.NewFromInt(c.cfg.StopOffsetTicks))
	tpOffset := c.takeProfitOffset(tick, stopOffset)

	var sl, tp decimal.Decimal
	if fill.Side == model.SideBuy {
		sl = entry.Sub(stopOffset)
		tp = entry.Add(tpOffset)
		sl = snap(sl, tick, false) // round away from entry (down)
		tp = snap(tp, tick, true)  // round toward target (up)
		if !(sl.LessThan(entry) && entry.LessThan(tp)) {
			return Result{Calculated: false, Reason: model.ErrInvalidGeometry}
		}
	} else {
		sl = entry.Add(stopOffset)
		tp = entry.Sub(tpOffset)
		sl = snap(sl, tick, true)
		tp = snap(tp, tick, false)
		if !(tp.LessThan(entry) && entry.LessThan(sl)) {
			return Result{Calculated: false, Reason: model.ErrInvalidGeometry}
		}
	}

	return Result{StopLoss: sl, TakeProfit: tp, Calculated: true}
}

func (c *Calculator) takeProfitOffset(tick, stopOffset decimal.Decimal) decimal.Decimal {
	switch c.cfg.TakeProfitMode {
	case config.StopModeRiskReward:
		return stopOffset.Mul(c.cfg.RiskRewardRatio)
	default:
		return tick.Mul(decimal.NewFromInt(c.cfg.TakeProfitOffsetTicks))
	}
}

func snap(price, tick decimal.Decimal, roundUp bool) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick)
	if roundUp {
		units = units.Ceil()
	} else {
		units = units.Floor()
	}
	return units.Mul(tick)
}

// BuildChildren constructs the two bracket child orders: opposite side,
// linked to the parent, priority HIGH.
func BuildChildren(parent *model.Order, fill *model.Fill, res Result) (stopChild, tpChild *model.Order) {
	if !res.Calculated {
		return nil, nil
	}
	side := fill.Side.Opposite()
	base := model.Order{
		Source:          parent.Source,
		AccountID:       parent.AccountID,
		Instrument:      parent.Instrument,
		Side:            side,
		Priority:        model.PriorityHigh,
		LinkedBracketOf: parent.ID,
		Quantity:        fill.FillQuantity,
		State:           model.StateReceived,
	}

	stop := base
	stop.ID = idgen.NewOrderID()
	stop.Kind = model.KindStop
	stop.StopPrice = res.StopLoss

	tp := base
	tp.ID = idgen.NewOrderID()
	tp.Kind = model.KindLimit
	tp.Price = res.TakeProfit

	return &stop, &tp
}
