package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskState is the rolling set of counters the Risk Engine evaluates
// every candidate order against, tracked per account plus one global
// instance.
type RiskState struct {
	AccountID                   string
	DailyPnL                    decimal.Decimal
	DailyLoss                   decimal.Decimal
	DailyProfit                 decimal.Decimal
	OpenPositionsCount          int
	MarginUsed                  decimal.Decimal
	DrawdownFromPeak            decimal.Decimal
	PeakEquity                  decimal.Decimal
	OrdersInLastMinute          int
	OrdersPerSymbolInLastMinute map[string]int
	Paused                      bool
	PausedUntil                 time.Time
	SessionStartAt              time.Time
	windowStart                 time.Time
}

// NewRiskState returns a zeroed RiskState with its session boundary
// anchored to now.
func NewRiskState(accountID string) *RiskState {
	now := time.Now()
	return &RiskState{
		AccountID:                   accountID,
		OrdersPerSymbolInLastMinute: make(map[string]int),
		SessionStartAt:              now,
		windowStart:                 now,
	}
}

// RollRateWindow resets the per-minute counters on a fixed-window boundary.
// Called on every evaluation; cheap no-op inside the current window.
func (rs *RiskState) RollRateWindow(now time.Time) {
	if now.Sub(rs.windowStart) >= time.Minute {
		rs.OrdersInLastMinute = 0
		rs.OrdersPerSymbolInLastMinute = make(map[string]int)
		rs.windowStart = now
	}
}

// ResetSession zeroes the daily counters at the configured session
// boundary (default midnight local).
func (rs *RiskState) ResetSession(now time.Time) {
	rs.DailyPnL = decimal.Zero
	rs.DailyLoss = decimal.Zero
	rs.DailyProfit = decimal.Zero
	rs.DrawdownFromPeak = decimal.Zero
	rs.Paused = false
	rs.PausedUntil = time.Time{}
	rs.SessionStartAt = now
}

// RecordOrder increments the rate counters for the given instrument.
func (rs *RiskState) RecordOrder(instrument string) {
	rs.OrdersInLastMinute++
	rs.OrdersPerSymbolInLastMinute[instrument]++
}

// RecordPnL applies realized PnL to the daily counters, equity peak, and
// drawdown, matching the sign conventions the risk rules check against.
func (rs *RiskState) RecordPnL(pnl decimal.Decimal) {
	rs.DailyPnL = rs.DailyPnL.Add(pnl)
	if pnl.IsNegative() {
		rs.DailyLoss = rs.DailyLoss.Add(pnl.Abs())
	} else {
		rs.DailyProfit = rs.DailyProfit.Add(pnl)
	}

	equity := rs.DailyPnL
	if equity.GreaterThan(rs.PeakEquity) {
		rs.PeakEquity = equity
	}
	if !rs.PeakEquity.IsZero() {
		rs.DrawdownFromPeak = rs.PeakEquity.Sub(equity).Div(rs.PeakEquity)
	}
}

// Decision is the outcome of a Risk Engine evaluation.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
	DecisionDefer  Decision = "DEFER"
)

// RiskVerdict carries a Decision plus diagnostics: every violation found
// in one evaluation pass, not just the first.
type RiskVerdict struct {
	Decision   Decision
	Reason     ErrorKind
	Violations []string
	RiskScore  float64
	ShadowOnly bool
}
