// Package model holds the shared record types that flow between the
// aggregator's components: orders, fills, positions, risk state, queue
// entries, source identities, and contract metadata.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side, used when building bracket children.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kind is the order type.
type Kind string

const (
	KindMarket    Kind = "MARKET"
	KindLimit     Kind = "LIMIT"
	KindStop      Kind = "STOP"
	KindStopLimit Kind = "STOP_LIMIT"
)

// Priority is the dispatch priority class.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// OrderState is a position in the order state machine.
type OrderState string

const (
	StateReceived        OrderState = "RECEIVED"
	StateValidated       OrderState = "VALIDATED"
	StateQueued          OrderState = "QUEUED"
	StateDispatched      OrderState = "DISPATCHED"
	StateFilled          OrderState = "FILLED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateRejected        OrderState = "REJECTED"
	StateCancelled       OrderState = "CANCELLED"
	StateFailed          OrderState = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateFailed, StateFilled:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the order state machine's valid edges. It is
// consulted by Order.Transition so a bad caller can never silently corrupt
// the lifecycle.
var validTransitions = map[OrderState]map[OrderState]bool{
	StateReceived:        {StateValidated: true, StateRejected: true},
	StateValidated:       {StateQueued: true, StateRejected: true},
	StateQueued:          {StateDispatched: true, StateCancelled: true},
	StateDispatched:      {StateFilled: true, StatePartiallyFilled: true, StateCancelled: true, StateFailed: true},
	StatePartiallyFilled: {StateFilled: true, StateCancelled: true, StateFailed: true},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to OrderState) bool {
	return validTransitions[from][to]
}

// ErrorKind is the producer-facing error taxonomy.
type ErrorKind string

const (
	ErrValidation           ErrorKind = "VALIDATION"
	ErrRiskViolation        ErrorKind = "RISK_VIOLATION"
	ErrQueueFull            ErrorKind = "QUEUE_FULL"
	ErrSymbolLimit          ErrorKind = "SYMBOL_LIMIT"
	ErrDownstreamTimeout    ErrorKind = "DOWNSTREAM_TIMEOUT"
	ErrDownstreamRejected   ErrorKind = "DOWNSTREAM_REJECTED"
	ErrDownstreamUnavail    ErrorKind = "DOWNSTREAM_UNAVAILABLE"
	ErrBusDisconnected      ErrorKind = "BUS_DISCONNECTED"
	ErrBusBufferOverflow    ErrorKind = "BUS_BUFFER_OVERFLOW"
	ErrLateFill             ErrorKind = "LATE_FILL"
	ErrUnknownOrder         ErrorKind = "UNKNOWN_ORDER"
	ErrInvalidGeometry      ErrorKind = "INVALID_GEOMETRY"
	ErrShutdown             ErrorKind = "SHUTDOWN"
	ErrNotCancellable       ErrorKind = "NOT_CANCELLABLE"
	ErrUnknown              ErrorKind = "UNKNOWN"
)

// Order is a trade instruction moving through the aggregator pipeline.
type Order struct {
	ID              string
	Source          string // Source.ID
	AccountID       string
	Instrument      string
	Side            Side
	Kind            Kind
	Quantity        int64
	Price           decimal.Decimal
	StopPrice       decimal.Decimal
	Priority        Priority
	ReceivedAt      time.Time
	ValidatedAt     time.Time
	DispatchedAt    time.Time
	TerminalAt      time.Time
	State           OrderState
	RejectionReason ErrorKind
	LinkedBracketOf string
	Attempts        int
}

// Transition moves the order to a new state if the edge is legal, stamping
// the matching timestamp. It returns false (and leaves the order untouched)
// on an illegal edge so callers can treat it as a programming error.
func (o *Order) Transition(to OrderState, at time.Time) bool {
	if !CanTransition(o.State, to) {
		return false
	}
	o.State = to
	switch to {
	case StateValidated:
		o.ValidatedAt = at
	case StateDispatched:
		o.DispatchedAt = at
	}
	if to.IsTerminal() {
		o.TerminalAt = at
	}
	return true
}

// IsReducing reports whether this order would reduce rather than grow the
// magnitude of the given position size — used by the open-positions rule.
func (o *Order) IsReducing(positionSize int64) bool {
	if positionSize == 0 {
		return false
	}
	if positionSize > 0 {
		return o.Side == SideSell
	}
	return o.Side == SideBuy
}

// Fill is an execution report from the broker.
type Fill struct {
	OrderID            string
	Instrument         string
	Side               Side
	FillPrice          decimal.Decimal
	FillQuantity       int64
	CumulativeQuantity int64
	FillTime           time.Time
	Source             string
}

// Position is net exposure per (accountId, instrument).
type Position struct {
	AccountID     string
	Instrument    string
	Size          int64 // signed; sign = direction
	AveragePrice  decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	OpenedAt      time.Time
	LastUpdatedAt time.Time
}

// IsFlat reports whether the position has no exposure and may be evicted.
func (p *Position) IsFlat() bool {
	return p.Size == 0
}

// PositionKey identifies a position by account and instrument.
type PositionKey struct {
	AccountID  string
	Instrument string
}

// SourceKind classifies a producer identity.
type SourceKind string

const (
	SourceBot     SourceKind = "BOT"
	SourceManual  SourceKind = "MANUAL"
	SourceSystem  SourceKind = "SYSTEM"
)

// Source is a producer identity tracked by the Source Registry.
type Source struct {
	ID           string
	Kind         SourceKind
	DisplayName  string
	StrategyTag  string
	LastSeenAt   time.Time
	Received     int64
	Processed    int64
	Rejected     int64
}

// ContractSpec is static per-instrument metadata loaded at startup.
type ContractSpec struct {
	Instrument     string
	TickSize       decimal.Decimal
	TickValue      decimal.Decimal
	DollarPerPoint decimal.Decimal
}

// SnapToTick rounds price to the nearest multiple of the contract's tick
// size, in the given direction ("up" or "down").
func (c ContractSpec) SnapToTick(price decimal.Decimal, roundUp bool) decimal.Decimal {
	if c.TickSize.IsZero() {
		return price
	}
	units := price.Div(c.TickSize)
	if roundUp {
		units = units.Ceil()
	} else {
		units = units.Floor()
	}
	return units.Mul(c.TickSize)
}
