// Package queue implements the Priority Queue Manager: three FIFOs
// keyed by priority, capacity and per-symbol caps, and a cooperative
// scheduler that dispatches in parallel without blocking on I/O, backing
// off exponentially on transient dispatch failures.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/model"
)

// DispatchOutcome classifies the result of a dispatch attempt.
type DispatchOutcome int

const (
	DispatchSuccess DispatchOutcome = iota
	DispatchTransientFailure
	DispatchPermanentFailure
)

// Dispatcher sends a dequeued order downstream. Implementations
// decide transient vs. permanent failure classification.
type Dispatcher interface {
	Dispatch(ctx context.Context, order *model.Order) (DispatchOutcome, error)
}

// Queue is the three-FIFO priority queue manager.
type Queue struct {
	cfg config.QueueConfig

	mu         sync.Mutex
	fifos      map[model.Priority][]*model.QueueEntry
	perSymbol  map[string]int
	size       int

	dispatcher Dispatcher
	onEvent    func(order *model.Order, outcome DispatchOutcome, reason model.ErrorKind)

	concurrency chan struct{}
	rateMu      sync.Mutex
	rateWindow  time.Time
	rateCount   int

	maxDepth int
}

// New creates a Queue backed by dispatcher.
func New(cfg config.QueueConfig, dispatcher Dispatcher) *Queue {
	return &Queue{
		cfg:         cfg,
		fifos:       map[model.Priority][]*model.QueueEntry{},
		perSymbol:   map[string]int{},
		dispatcher:  dispatcher,
		concurrency: make(chan struct{}, cfg.MaxConcurrentOrders),
		rateWindow:  time.Now(),
	}
}

// OnEvent registers a callback invoked once a dispatch reaches a terminal
// outcome (success, permanent failure, or retries exhausted), so the
// Aggregator Core can update order state. Retried attempts do not invoke it.
func (q *Queue) OnEvent(fn func(order *model.Order, outcome DispatchOutcome, reason model.ErrorKind)) {
	q.onEvent = fn
}

// Enqueue admits order into its priority FIFO, enforcing global capacity
// and the per-symbol cap.
func (q *Queue) Enqueue(order *model.Order) model.QueueDecision {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cfg.MaxQueueSize {
		return model.QueueRejectedFull
	}
	limit := q.cfg.MaxOrdersPerSymbol
	if limit > 0 && q.perSymbol[order.Instrument] >= limit {
		return model.QueueRejectedSymbolLimit
	}

	entry := &model.QueueEntry{
		Order:      order,
		EnqueuedAt: time.Now(),
		Priority:   order.Priority,
	}
	q.fifos[order.Priority] = append(q.fifos[order.Priority], entry)
	q.perSymbol[order.Instrument]++
	q.size++
	if q.size > q.maxDepth {
		q.maxDepth = q.size
	}
	return model.QueueAccepted
}

// Depth returns the current total queue size across all priorities.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// MaxDepth returns the highest depth observed since construction.
func (q *Queue) MaxDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxDepth
}

// popHighest removes and returns the head of the highest non-empty
// priority FIFO, or nil if every FIFO is empty.
func (q *Queue) popHighest() *model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		fifo := q.fifos[p]
		if len(fifo) == 0 {
			continue
		}
		entry := fifo[0]
		q.fifos[p] = fifo[1:]
		q.size--
		q.perSymbol[entry.Order.Instrument]--
		return entry
	}
	return nil
}

// requeue puts entry back at the head of its own priority class so a
// retried order does not lose its place behind newer arrivals of the
// same priority.
func (q *Queue) requeue(entry *model.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifos[entry.Priority] = append([]*model.QueueEntry{entry}, q.fifos[entry.Priority]...)
	q.size++
	q.perSymbol[entry.Order.Instrument]++
}

// Remove excises the queued order with orderID from its priority FIFO,
// used by CancelOrder to cancel an order that has not yet been
// dispatched. Reports whether an entry was found and removed.
func (q *Queue) Remove(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p, fifo := range q.fifos {
		for i, entry := range fifo {
			if entry.Order.ID != orderID {
				continue
			}
			q.fifos[p] = append(fifo[:i], fifo[i+1:]...)
			q.size--
			q.perSymbol[entry.Order.Instrument]--
			return true
		}
	}
	return false
}

// allowRate reports whether the global per-second rate limit permits one
// more dispatch right now, rolling the fixed window as needed.
func (q *Queue) allowRate() bool {
	if q.cfg.MaxOrdersPerSecond <= 0 {
		return true
	}
	q.rateMu.Lock()
	defer q.rateMu.Unlock()
	now := time.Now()
	if now.Sub(q.rateWindow) >= time.Second {
		q.rateWindow = now
		q.rateCount = 0
	}
	if q.rateCount >= q.cfg.MaxOrdersPerSecond {
		return false
	}
	q.rateCount++
	return true
}

// Run is the scheduler loop: at each tick, while concurrency and
// rate allow, pop the highest non-empty FIFO and dispatch in parallel. It
// blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ProcessingInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				select {
				case q.concurrency <- struct{}{}:
				default:
					goto nextTick
				}
				if !q.allowRate() {
					<-q.concurrency
					break
				}
				entry := q.popHighest()
				if entry == nil {
					<-q.concurrency
					break
				}
				wg.Add(1)
				go func(e *model.QueueEntry) {
					defer wg.Done()
					defer func() { <-q.concurrency }()
					q.dispatchOne(ctx, e)
				}(entry)
			}
		nextTick:
		}
	}
}

// dispatchOne sends entry downstream and applies the failure semantics
// success marks DISPATCHED; transient failure re-enqueues with
// exponential backoff up to MaxRetryAttempts, then FAILED; permanent
// failure marks FAILED immediately.
func (q *Queue) dispatchOne(ctx context.Context, entry *model.QueueEntry) {
	outcome, err := q.dispatcher.Dispatch(ctx, entry.Order)
	switch outcome {
	case DispatchSuccess:
		if q.onEvent != nil {
			q.onEvent(entry.Order, outcome, "")
		}
	case DispatchPermanentFailure:
		log.Warn().Str("order", entry.Order.ID).Err(err).Msg("queue: permanent dispatch failure")
		if q.onEvent != nil {
			q.onEvent(entry.Order, outcome, model.ErrDownstreamRejected)
		}
	case DispatchTransientFailure:
		entry.Attempts++
		if entry.Attempts > q.cfg.MaxRetryAttempts {
			log.Warn().Str("order", entry.Order.ID).Int("attempts", entry.Attempts).Msg("queue: retry budget exhausted")
			if q.onEvent != nil {
				q.onEvent(entry.Order, DispatchPermanentFailure, model.ErrDownstreamUnavail)
			}
			return
		}
		delay := backoff(q.cfg.RetryBaseDelay, q.cfg.RetryMaxDelay, entry.Attempts)
		entry.Order.Attempts = entry.Attempts
		go func() {
			select {
			case <-time.After(delay):
				q.requeue(entry)
			case <-ctx.Done():
			}
		}()
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	return d
}
