// Package risk implements the Risk Engine: pre-trade validation of every
// candidate order against per-account and global limits. Every rule runs
// on each order, so a verdict always reports every violation found rather
// than stopping at the first.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/model"
)

// PositionLookup resolves a position's current size and value so the
// engine can project the effect of a candidate order without depending on
// the Aggregator Core directly.
type PositionLookup func(accountID, instrument string) (size int64, lastPrice decimal.Decimal, ok bool)

// Engine evaluates candidate orders against the configured RiskConfig and
// the rolling RiskState for the order's account plus a global instance.
type Engine struct {
	mu     sync.Mutex
	cfg    config.RiskConfig
	states map[string]*model.RiskState // per-account
	global *model.RiskState

	positions PositionLookup

	shadowMode bool
	onPause    func(accountID, reason string)
}

// New creates a Risk Engine. lookup may be nil in tests that never
// exercise the position-size rule.
func New(cfg config.RiskConfig, lookup PositionLookup) *Engine {
	return &Engine{
		cfg:        cfg,
		states:     make(map[string]*model.RiskState),
		global:     model.NewRiskState("*global*"),
		positions:  lookup,
		shadowMode: cfg.ShadowMode,
	}
}

// OnPause registers a callback invoked whenever an account transitions
// into paused, e.g. to drive operator alerting.
func (e *Engine) OnPause(fn func(accountID, reason string)) {
	e.onPause = fn
}

// SetShadowMode toggles the live-mutable shadow-mode flag through a
// narrow admin entry point.
func (e *Engine) SetShadowMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shadowMode = on
}

func (e *Engine) stateFor(accountID string) *model.RiskState {
	st, ok := e.states[accountID]
	if !ok {
		st = model.NewRiskState(accountID)
		e.states[accountID] = st
	}
	return st
}

// Evaluate runs every configured rule against order and returns a
// verdict carrying every violation found, not just the first.
func (e *Engine) Evaluate(order *model.Order, now time.Time) model.RiskVerdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(order.AccountID)
	st.RollRateWindow(now)
	e.global.RollRateWindow(now)
	maybeResetSession(st, now)
	maybeResetSession(e.global, now)

	var violations []string
	deferred := false

	// 1. Pause state.
	if st.Paused || e.global.Paused {
		violations = append(violations, "PAUSED")
	}

	// 2. Order size.
	if order.Quantity > e.cfg.MaxOrderSize {
		violations = append(violations, "ORDER_SIZE")
	}

	// 3. Position size / value.
	var positionSize int64
	var lastPrice decimal.Decimal
	havePosition := false
	if e.positions != nil {
		positionSize, lastPrice, havePosition = e.positions(order.AccountID, order.Instrument)
	} else {
		deferred = true
	}
	reducing := order.IsReducing(positionSize)
	if havePosition {
		delta := order.Quantity
		projected := positionSize
		if order.Side == model.SideBuy {
			projected += delta
		} else {
			projected -= delta
		}
		if abs64(projected) > e.cfg.MaxPositionSize {
			violations = append(violations, "POSITION_SIZE")
		}
		if !lastPrice.IsZero() {
			projectedValue := lastPrice.Mul(decimal.NewFromInt(abs64(projected)))
			if projectedValue.GreaterThan(e.cfg.MaxPositionValue) {
				violations = append(violations, "POSITION_VALUE")
			}
		}
	}

	// 4. Open positions (reducing orders are always allowed through).
	if !reducing && st.OpenPositionsCount >= e.cfg.MaxOpenPositions {
		violations = append(violations, "OPEN_POSITIONS")
	}

	// 5. Daily loss / profit.
	wasPaused := st.Paused
	if st.DailyLoss.GreaterThanOrEqual(e.cfg.MaxDailyLoss) {
		violations = append(violations, "DAILY_LOSS")
		if e.cfg.PauseOnDailyLoss {
			st.Paused = true
		}
	}
	if st.DailyProfit.GreaterThanOrEqual(e.cfg.MaxDailyProfit) {
		violations = append(violations, "DAILY_PROFIT")
	}

	// 6. Account drawdown.
	if st.DrawdownFromPeak.GreaterThan(e.cfg.MaxAccountDrawdown) {
		violations = append(violations, "ACCOUNT_DRAWDOWN")
	}

	// 7. Rate limits (bracket children are exempted; caller signals that by
	// leaving LinkedBracketOf set).
	if order.LinkedBracketOf == "" {
		if st.OrdersInLastMinute >= e.cfg.MaxOrdersPerMinute {
			violations = append(violations, "RATE_LIMIT_MINUTE")
		}
		if st.OrdersPerSymbolInLastMinute[order.Instrument] >= e.cfg.MaxOrdersPerSymbol {
			violations = append(violations, "RATE_LIMIT_SYMBOL")
		}
	}

	// 8. Trading hours.
	if e.cfg.TradingHoursEnable && !withinTradingHours(now, e.cfg.TradingHoursStart, e.cfg.TradingHoursEnd) {
		violations = append(violations, "TRADING_HOURS")
	}

	// 9. Instrument whitelist.
	if len(e.cfg.Whitelist) > 0 && !contains(e.cfg.Whitelist, order.Instrument) {
		violations = append(violations, "INSTRUMENT_WHITELIST")
	}

	// Rate counters increment even in shadow mode, so the shadow report
	// reflects what would have been limited had shadow mode been off.
	st.RecordOrder(order.Instrument)
	e.global.RecordOrder(order.Instrument)

	verdict := model.RiskVerdict{RiskScore: e.riskScore(st, order)}

	switch {
	case len(violations) > 0:
		verdict.Decision = model.DecisionReject
		verdict.Reason = model.ErrRiskViolation
		verdict.Violations = violations
		log.Debug().Str("order", order.ID).Strs("violations", violations).Msg("risk: order rejected")
	case deferred:
		verdict.Decision = model.DecisionDefer
		verdict.Reason = model.ErrUnknown
	default:
		verdict.Decision = model.DecisionAccept
	}

	if e.shadowMode {
		verdict.ShadowOnly = verdict.Decision != model.DecisionAccept
		if verdict.Decision == model.DecisionReject {
			verdict.Decision = model.DecisionAccept
		}
	}

	if !wasPaused && st.Paused && e.onPause != nil {
		e.onPause(order.AccountID, "daily loss limit hit")
	}

	return verdict
}

// riskScore is an informational 0-100 score attached to ACCEPT decisions
// for the metrics surface; it never gates admission.
func (e *Engine) riskScore(st *model.RiskState, order *model.Order) float64 {
	score := 0.0
	score += float64(st.OrdersInLastMinute) * 1.5
	if !e.cfg.MaxDailyLoss.IsZero() && st.DailyLoss.IsPositive() {
		score += st.DailyLoss.Div(e.cfg.MaxDailyLoss).InexactFloat64() * 50
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// RecordPnL applies realized PnL from a closing fill to the account's
// rolling state, called by the Aggregator Core after processFill.
func (e *Engine) RecordPnL(accountID string, pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateFor(accountID)
	st.RecordPnL(pnl)
	e.global.RecordPnL(pnl)
}

// SetOpenPositions updates the account's open-position count, called by
// the Aggregator Core whenever a position opens or is evicted.
func (e *Engine) SetOpenPositions(accountID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateFor(accountID).OpenPositionsCount = n
}

// Stats returns a read-only snapshot of an account's risk state for the
// metrics surface.
func (e *Engine) Stats(accountID string) model.RiskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.stateFor(accountID)
}

func maybeResetSession(st *model.RiskState, now time.Time) {
	if now.YearDay() != st.SessionStartAt.YearDay() || now.Year() != st.SessionStartAt.Year() {
		st.ResetSession(now)
	}
}

func withinTradingHours(now time.Time, start, end string) bool {
	layout := "15:04"
	s, errS := time.Parse(layout, start)
	e, errE := time.Parse(layout, end)
	if errS != nil || errE != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	sm := s.Hour()*60 + s.Minute()
	em := e.Hour()*60 + e.Minute()
	if sm <= em {
		return cur >= sm && cur <= em
	}
	// window wraps midnight
	return cur >= sm || cur <= em
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
