// Package aggregator implements the Aggregator Core: the single
// orchestrator every order and fill passes through, from submission
// through risk evaluation, queueing, dispatch, and fill-driven position
// and PnL tracking. Position bookkeeping uses a weighted-average entry
// formula, extended with realized PnL on reducing and closing fills.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/downstream"
	"github.com/web3guy0/tradeagg/internal/idgen"
	"github.com/web3guy0/tradeagg/internal/model"
	"github.com/web3guy0/tradeagg/internal/queue"
	"github.com/web3guy0/tradeagg/internal/registry"
	"github.com/web3guy0/tradeagg/internal/risk"
	"github.com/web3guy0/tradeagg/internal/sltp"
)

// Core owns every order and position in flight. All mutation happens
// under mu; nothing here blocks on downstream I/O directly — that is the
// Priority Queue Manager's job.
type Core struct {
	cfg *config.Config

	risk       *risk.Engine
	queue      *queue.Queue
	sltp       *sltp.Calculator
	registry   *registry.Registry
	downstream *downstream.Adapter
	specs      map[string]model.ContractSpec

	events *EventBus

	mu           sync.RWMutex
	activeOrders map[string]*model.Order
	positions    map[model.PositionKey]*model.Position
	lastCumQty   map[string]int64
	lastPrice    map[string]decimal.Decimal
	shuttingDown bool
}

// New wires a Core over its already-constructed components. Queue must be
// the same instance whose Run loop is driving dispatch; New registers the
// dispatch-outcome callback that drives order-state transitions.
func New(cfg *config.Config, riskEngine *risk.Engine, q *queue.Queue, sltpCalc *sltp.Calculator, reg *registry.Registry, down *downstream.Adapter, specs map[string]model.ContractSpec) *Core {
	c := &Core{
		cfg:          cfg,
		risk:         riskEngine,
		queue:        q,
		sltp:         sltpCalc,
		registry:     reg,
		downstream:   down,
		specs:        specs,
		events:       newEventBus(),
		activeOrders: make(map[string]*model.Order),
		positions:    make(map[model.PositionKey]*model.Position),
		lastCumQty:   make(map[string]int64),
		lastPrice:    make(map[string]decimal.Decimal),
	}
	c.queue.OnEvent(c.onDispatchEvent)
	return c
}

// On registers a subscriber to the Core's internal event stream (metrics,
// audit, notify). Must be called before the Core starts processing.
func (c *Core) On(kind EventKind, fn func(Event)) {
	c.events.On(kind, fn)
}

// SubmitOrder runs a producer's order through validation, risk, and
// enqueueing: RECEIVED -> VALIDATED -> QUEUED.
func (c *Core) SubmitOrder(ctx context.Context, order *model.Order) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return fmt.Errorf("%s: aggregator is shutting down", model.ErrShutdown)
	}
	c.mu.Unlock()

	now := time.Now()
	if order.ID == "" {
		order.ID = idgen.NewOrderID()
	}
	order.State = model.StateReceived
	order.ReceivedAt = now
	c.registry.RecordOrder(order.Source)
	c.events.emit(Event{Kind: EventOrderSubmitted, At: now, Order: order})

	if reason, ok := validate(order); !ok {
		c.rejectReceived(order, reason, now)
		return fmt.Errorf("%s: %s", model.ErrValidation, reason)
	}
	order.Transition(model.StateValidated, now)

	verdict := c.risk.Evaluate(order, now)
	if verdict.Decision == model.DecisionReject {
		order.RejectionReason = verdict.Reason
		order.Transition(model.StateRejected, now)
		c.registry.RecordRejection(order.Source)
		c.events.emit(Event{Kind: EventOrderRejected, At: now, Order: order, Reason: verdict.Reason})
		return fmt.Errorf("%s: %v", verdict.Reason, verdict.Violations)
	}
	if verdict.ShadowOnly {
		log.Info().Str("order", order.ID).Msg("aggregator: shadow mode would have rejected this order")
	}

	decision := c.queue.Enqueue(order)
	if decision != model.QueueAccepted {
		reason := model.ErrQueueFull
		if decision == model.QueueRejectedSymbolLimit {
			reason = model.ErrSymbolLimit
		}
		order.RejectionReason = reason
		order.Transition(model.StateRejected, now)
		c.registry.RecordRejection(order.Source)
		c.events.emit(Event{Kind: EventOrderRejected, At: now, Order: order, Reason: reason})
		return fmt.Errorf("%s: order %s", reason, order.ID)
	}

	order.Transition(model.StateQueued, now)
	c.mu.Lock()
	c.activeOrders[order.ID] = order
	c.mu.Unlock()
	c.events.emit(Event{Kind: EventOrderProcessed, At: now, Order: order})
	return nil
}

func (c *Core) rejectReceived(order *model.Order, reason string, now time.Time) {
	order.RejectionReason = model.ErrValidation
	order.Transition(model.StateRejected, now)
	c.registry.RecordRejection(order.Source)
	c.events.emit(Event{Kind: EventOrderRejected, At: now, Order: order, Reason: model.ErrValidation})
	log.Debug().Str("order", order.ID).Str("reason", reason).Msg("aggregator: order failed validation")
}

// validate applies field-level checks before an order is handed to the
// Risk Engine.
func validate(order *model.Order) (string, bool) {
	if order.Instrument == "" {
		return "missing instrument", false
	}
	if order.Quantity <= 0 {
		return "quantity must be positive", false
	}
	if order.Side != model.SideBuy && order.Side != model.SideSell {
		return "invalid side", false
	}
	if (order.Kind == model.KindLimit || order.Kind == model.KindStopLimit) && !order.Price.IsPositive() {
		return "limit price must be positive", false
	}
	if (order.Kind == model.KindStop || order.Kind == model.KindStopLimit) && !order.StopPrice.IsPositive() {
		return "stop price must be positive", false
	}
	return "", true
}

// CancelOrder cancels an order: a queued order is pulled before dispatch,
// a dispatched order is cancelled via the Downstream Adapter, anything
// else is NOT_CANCELLABLE.
func (c *Core) CancelOrder(ctx context.Context, orderID string) error {
	c.mu.Lock()
	order, ok := c.activeOrders[orderID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %s", model.ErrUnknownOrder, orderID)
	}

	now := time.Now()
	switch order.State {
	case model.StateQueued:
		if !c.queue.Remove(orderID) {
			return fmt.Errorf("%s: %s already left the queue", model.ErrNotCancellable, orderID)
		}
		order.Transition(model.StateCancelled, now)
	case model.StateDispatched, model.StatePartiallyFilled:
		if err := c.downstream.CancelOrder(ctx, orderID); err != nil {
			return err
		}
		order.Transition(model.StateCancelled, now)
	default:
		return fmt.Errorf("%s: %s is in state %s", model.ErrNotCancellable, orderID, order.State)
	}

	c.mu.Lock()
	delete(c.activeOrders, orderID)
	c.mu.Unlock()
	c.events.emit(Event{Kind: EventOrderCancelled, At: now, Order: order})
	return nil
}

// ApplyStatusUpdate applies a broker-pushed order:status confirmation for
// an order this process did not itself just transition. ACK is
// informational only — dispatch already reflects locally the moment the
// Priority Queue Manager reports success. CANCELLED and FAILED finalize the
// order the same way an operator-initiated cancel or a permanent dispatch
// failure would; an order this process already finalized (including one
// this same update produced, echoed back over the shared channel) is no
// longer in activeOrders and comes back as UNKNOWN_ORDER.
func (c *Core) ApplyStatusUpdate(orderID string, state model.OrderState, reason model.ErrorKind) error {
	c.mu.Lock()
	order, ok := c.activeOrders[orderID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %s", model.ErrUnknownOrder, orderID)
	}
	if state == model.StateDispatched {
		return nil
	}
	if !model.CanTransition(order.State, state) {
		return fmt.Errorf("%s: %s cannot move from %s to %s", model.ErrNotCancellable, orderID, order.State, state)
	}

	now := time.Now()
	if state == model.StateFailed {
		order.RejectionReason = reason
	}
	order.Transition(state, now)
	c.mu.Lock()
	delete(c.activeOrders, orderID)
	c.mu.Unlock()

	switch state {
	case model.StateCancelled:
		c.events.emit(Event{Kind: EventOrderCancelled, At: now, Order: order})
	case model.StateFailed:
		c.registry.RecordRejection(order.Source)
		c.events.emit(Event{Kind: EventOrderFailed, At: now, Order: order, Reason: reason})
	}
	return nil
}

// onDispatchEvent is the Priority Queue Manager's callback, invoked after
// every terminal dispatch attempt.
func (c *Core) onDispatchEvent(order *model.Order, outcome queue.DispatchOutcome, reason model.ErrorKind) {
	now := time.Now()
	switch outcome {
	case queue.DispatchSuccess:
		order.Transition(model.StateDispatched, now)
		c.events.emit(Event{Kind: EventOrderProcessed, At: now, Order: order})
	case queue.DispatchPermanentFailure:
		if order.State == model.StateQueued {
			order.Transition(model.StateDispatched, now)
		}
		order.RejectionReason = reason
		order.Transition(model.StateFailed, now)
		c.mu.Lock()
		delete(c.activeOrders, order.ID)
		c.mu.Unlock()
		c.registry.RecordRejection(order.Source)
		c.events.emit(Event{Kind: EventOrderFailed, At: now, Order: order, Reason: reason})
	}
}

// ProcessFill applies a broker fill report: order state transition,
// position update, bracket-order generation, and risk PnL tracking. A
// cumulative quantity below what was already observed for this order is
// a LATE_FILL and is dropped.
func (c *Core) ProcessFill(ctx context.Context, fill *model.Fill) error {
	c.mu.Lock()
	order, ok := c.activeOrders[fill.OrderID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: fill for unknown order %s", model.ErrUnknownOrder, fill.OrderID)
	}
	prevCum := c.lastCumQty[fill.OrderID]
	if fill.CumulativeQuantity < prevCum {
		c.mu.Unlock()
		log.Warn().Str("order", fill.OrderID).Msg("aggregator: dropping out-of-order fill")
		return fmt.Errorf("%s: order %s", model.ErrLateFill, fill.OrderID)
	}
	c.lastCumQty[fill.OrderID] = fill.CumulativeQuantity
	realized := c.updatePosition(fill, order, fill.CumulativeQuantity-prevCum)
	c.mu.Unlock()

	now := fill.FillTime
	if now.IsZero() {
		now = time.Now()
	}
	if fill.CumulativeQuantity >= order.Quantity {
		order.Transition(model.StateFilled, now)
	} else if order.State == model.StateDispatched {
		order.Transition(model.StatePartiallyFilled, now)
	}

	if !realized.IsZero() {
		c.risk.RecordPnL(order.AccountID, realized)
	}
	c.mu.RLock()
	openCount := c.countOpenPositions(order.AccountID)
	c.mu.RUnlock()
	c.risk.SetOpenPositions(order.AccountID, openCount)

	c.registry.RecordFill(order.Source)
	c.events.emit(Event{Kind: EventFillProcessed, At: now, Order: order, Fill: fill})

	if order.State == model.StateFilled {
		c.mu.Lock()
		delete(c.activeOrders, order.ID)
		c.mu.Unlock()
		c.maybeBuildBrackets(ctx, order, fill)
	}
	return nil
}

// maybeBuildBrackets computes and submits SL/TP children for a completed
// entry fill, if the SL/TP Calculator is enabled and the geometry is
// valid. Bracket children flow back through SubmitOrder like any other
// order; the Risk Engine exempts them from rate limiting by inspecting
// LinkedBracketOf.
func (c *Core) maybeBuildBrackets(ctx context.Context, order *model.Order, fill *model.Fill) {
	if order.LinkedBracketOf != "" {
		return // a bracket child's own fill never spawns further brackets
	}
	res := c.sltp.Compute(fill)
	if !res.Calculated {
		if res.Reason != "" {
			log.Warn().Str("order", order.ID).Str("reason", string(res.Reason)).Msg("aggregator: sl/tp geometry invalid, skipping brackets")
		}
		return
	}
	stop, tp := sltp.BuildChildren(order, fill, res)
	for _, child := range []*model.Order{stop, tp} {
		if child == nil {
			continue
		}
		if err := c.SubmitOrder(ctx, child); err != nil {
			log.Warn().Str("parent", order.ID).Err(err).Msg("aggregator: bracket child rejected")
		}
	}
}

// updatePosition applies qty (the marginal size of fill: its cumulative
// quantity minus the previously observed cumulative quantity) to the
// account/instrument position, using a weighted-average-entry formula for
// same-direction fills and realizing PnL on fills that reduce or flip the
// position. Caller holds c.mu.
func (c *Core) updatePosition(fill *model.Fill, order *model.Order, qty int64) decimal.Decimal {
	key := model.PositionKey{AccountID: order.AccountID, Instrument: fill.Instrument}
	pos, ok := c.positions[key]
	if !ok {
		pos = &model.Position{AccountID: order.AccountID, Instrument: fill.Instrument, OpenedAt: time.Now()}
		c.positions[key] = pos
	}

	signedQty := qty
	if fill.Side == model.SideSell {
		signedQty = -signedQty
	}

	var realized decimal.Decimal
	switch {
	case pos.Size == 0 || sameSign(pos.Size, signedQty):
		totalCost := pos.AveragePrice.Mul(decimal.NewFromInt(abs64(pos.Size))).
			Add(fill.FillPrice.Mul(decimal.NewFromInt(abs64(signedQty))))
		newSize := pos.Size + signedQty
		if newSize != 0 {
			pos.AveragePrice = totalCost.Div(decimal.NewFromInt(abs64(newSize)))
		}
		pos.Size = newSize
	default:
		closingQty := min64(abs64(pos.Size), abs64(signedQty))
		if pos.Size > 0 {
			realized = fill.FillPrice.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(closingQty))
		} else {
			realized = pos.AveragePrice.Sub(fill.FillPrice).Mul(decimal.NewFromInt(closingQty))
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)

		if abs64(signedQty) > abs64(pos.Size) {
			remaining := abs64(signedQty) - abs64(pos.Size)
			pos.AveragePrice = fill.FillPrice
			if signedQty > 0 {
				pos.Size = remaining
			} else {
				pos.Size = -remaining
			}
		} else {
			pos.Size += signedQty
			if pos.Size == 0 {
				pos.AveragePrice = decimal.Zero
			}
		}
	}

	pos.LastUpdatedAt = time.Now()
	if pos.IsFlat() {
		delete(c.positions, key)
	}
	return realized
}

// PositionLookup implements risk.PositionLookup, giving the Risk Engine
// visibility into current exposure without depending on the Core type
// directly. It always reports ok=true; an account/instrument with no
// open position answers size zero.
func (c *Core) PositionLookup(accountID, instrument string) (int64, decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[model.PositionKey{AccountID: accountID, Instrument: instrument}]
	price := c.lastPrice[instrument]
	if !ok {
		return 0, price, true
	}
	return pos.Size, price, true
}

func (c *Core) countOpenPositions(accountID string) int {
	n := 0
	for key, pos := range c.positions {
		if key.AccountID == accountID && !pos.IsFlat() {
			n++
		}
	}
	return n
}

// HandleMarketDataUpdate marks open positions in instrument to market,
// used by the metrics surface to report live unrealized PnL.
func (c *Core) HandleMarketDataUpdate(instrument string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPrice[instrument] = price
	for key, pos := range c.positions {
		if key.Instrument != instrument {
			continue
		}
		if pos.Size > 0 {
			pos.UnrealizedPnL = price.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(pos.Size))
		} else if pos.Size < 0 {
			pos.UnrealizedPnL = pos.AveragePrice.Sub(price).Mul(decimal.NewFromInt(-pos.Size))
		}
		pos.LastUpdatedAt = time.Now()
	}
}

// Snapshot is a point-in-time view of the Aggregator Core for the
// metrics surface.
type Snapshot struct {
	ActiveOrders  int
	QueueDepth    int
	QueueMaxDepth int
	Positions     []model.Position
	Sources       []model.Source
}

// MetricsSnapshot gathers a read-only snapshot of current state.
func (c *Core) MetricsSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	positions := make([]model.Position, 0, len(c.positions))
	for _, p := range c.positions {
		positions = append(positions, *p)
	}
	return Snapshot{
		ActiveOrders:  len(c.activeOrders),
		QueueDepth:    c.queue.Depth(),
		QueueMaxDepth: c.queue.MaxDepth(),
		Positions:     positions,
		Sources:       c.registry.Snapshot(),
	}
}

// Shutdown stops accepting new orders. In-flight orders already queued or
// dispatched are left to finish; the caller is expected to stop the
// Priority Queue Manager's Run loop separately once it has drained.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()
	log.Info().Msg("aggregator: shutting down, no longer accepting new orders")
	return nil
}

func sameSign(a, b int64) bool {
	return (a >= 0) == (b >= 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
