package model

import "time"

// QueueEntry is an order awaiting dispatch, ordered within its priority
// class by EnqueuedAt (strict FIFO).
type QueueEntry struct {
	Order      *Order
	EnqueuedAt time.Time
	Priority   Priority
	Attempts   int
}

// QueueDecision is the outcome of Queue.Enqueue.
type QueueDecision string

const (
	QueueAccepted            QueueDecision = "ACCEPTED"
	QueueRejectedFull        QueueDecision = "REJECTED_FULL"
	QueueRejectedSymbolLimit QueueDecision = "REJECTED_SYMBOL_LIMIT"
)

// Envelope is the message wrapper carried on every bus channel.
type Envelope struct {
	Type            string
	Timestamp       int64 // millisecond epoch
	Source          string
	Payload         any
	RequestID       string
	ResponseChannel string
}

// PendingRequest is an outstanding request/response correlation tracked by
// the pub/sub Bus Adapter.
type PendingRequest struct {
	RequestID         string
	ResponseChannel   string
	Deadline          time.Time
	AttemptsRemaining int
	Done              chan Envelope
}
