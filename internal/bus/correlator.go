package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeagg/internal/model"
)

// correlator implements request/response over pub/sub: a bounded map from
// requestId to PendingRequest, deadline-driven eviction, and exactly one
// completion point per request.
type correlator struct {
	bus *Bus

	mu      sync.Mutex
	pending map[string]*model.PendingRequest
}

func newCorrelator(b *Bus) *correlator {
	return &correlator{
		bus:     b,
		pending: make(map[string]*model.PendingRequest),
	}
}

func (c *correlator) request(ctx context.Context, targetChannel string, payload any, timeout time.Duration, maxAttempts int) (model.Envelope, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	requestID := c.bus.newRequestID()
	responseChannel := requestID + ":resp"

	done := make(chan model.Envelope, 1)
	subID := c.bus.Subscribe(ctx, responseChannel, func(_ context.Context, env model.Envelope) {
		c.complete(requestID, env)
	})
	defer c.bus.Unsubscribe(responseChannel, subID)

	c.mu.Lock()
	c.pending[requestID] = &model.PendingRequest{
		RequestID:         requestID,
		ResponseChannel:   responseChannel,
		AttemptsRemaining: maxAttempts,
		Done:              done,
	}
	c.mu.Unlock()
	defer c.evict(requestID)

	wait := timeout
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		env := model.Envelope{
			Type:            targetChannel,
			Timestamp:       time.Now().UnixMilli(),
			Source:          c.bus.sourceID,
			Payload:         payload,
			RequestID:       requestID,
			ResponseChannel: responseChannel,
		}
		if err := c.bus.publishEnvelope(targetChannel, env); err != nil {
			return model.Envelope{}, err
		}

		select {
		case resp := <-done:
			return resp, nil
		case <-ctx.Done():
			return model.Envelope{}, ctx.Err()
		case <-time.After(wait):
			log.Warn().Str("request_id", requestID).Str("channel", targetChannel).
				Int("attempt", attempt).Msg("bus: request timed out, retrying")
			wait *= 2
		}
	}
	return model.Envelope{}, fmt.Errorf("%s: %s after %d attempts", model.ErrDownstreamTimeout, targetChannel, maxAttempts)
}

// respond publishes payload on the private channel for requestID. It is
// the only path that completes a PendingRequest; a second call for the
// same requestID finds nothing pending and is silently dropped.
func (c *correlator) respond(requestID string, payload any) error {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.bus.publishEnvelope(pr.ResponseChannel, model.Envelope{
		Type:      pr.ResponseChannel,
		Timestamp: time.Now().UnixMilli(),
		Source:    c.bus.sourceID,
		Payload:   payload,
		RequestID: requestID,
	})
}

// complete delivers env to the single waiter for requestID and removes
// the entry, guaranteeing exactly-once completion.
func (c *correlator) complete(requestID string, env model.Envelope) {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.Done <- env:
	default:
	}
}

func (c *correlator) evict(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *correlator) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pr := range c.pending {
		close(pr.Done)
		delete(c.pending, id)
	}
}
