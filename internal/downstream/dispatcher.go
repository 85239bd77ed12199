package downstream

import (
	"context"
	"errors"

	"github.com/web3guy0/tradeagg/internal/model"
	"github.com/web3guy0/tradeagg/internal/queue"
)

// QueueDispatcher adapts Adapter.SubmitOrder to queue.Dispatcher,
// classifying outcomes per the following failure semantics:
// downstream timeouts/unavailability are transient (retry), a broker
// rejection is permanent.
type QueueDispatcher struct {
	adapter *Adapter
}

// NewQueueDispatcher wraps adapter for use by the Priority Queue Manager.
func NewQueueDispatcher(adapter *Adapter) *QueueDispatcher {
	return &QueueDispatcher{adapter: adapter}
}

// Dispatch submits order and classifies the result for the queue's retry
// state machine.
func (d *QueueDispatcher) Dispatch(ctx context.Context, order *model.Order) (queue.DispatchOutcome, error) {
	res, err := d.adapter.SubmitOrder(ctx, order)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return queue.DispatchTransientFailure, err
		}
		return queue.DispatchTransientFailure, err
	}
	if !res.Accepted {
		return queue.DispatchPermanentFailure, errors.New(res.Reason)
	}
	return queue.DispatchSuccess, nil
}
