// Package bus implements the aggregator's in-process pub/sub transport:
// typed publish/subscribe plus a request/response correlator for traffic
// that crosses to the external Connection Manager. It is the sole point
// of coupling to the shared message bus — every other component talks to
// it by channel name, never to a transport directly.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeagg/internal/model"
)

// Handler processes a message delivered on a subscribed channel.
type Handler func(ctx context.Context, env model.Envelope)

type subscription struct {
	id      uint64
	channel string
	handler Handler
	ch      chan model.Envelope
	cancel  context.CancelFunc
}

// Config tunes the broker's buffering and reconnect-buffer behavior.
type Config struct {
	SubscriberBufferSize int           // per-subscriber channel depth, default 256
	PublishBufferCap     int           // reconnect replay buffer cap, default 1000
	ReconnectBaseWait    time.Duration // default 500ms
	ReconnectMaxWait     time.Duration // default 30s
}

func (c *Config) setDefaults() {
	if c.SubscriberBufferSize == 0 {
		c.SubscriberBufferSize = 256
	}
	if c.PublishBufferCap == 0 {
		c.PublishBufferCap = 1000
	}
	if c.ReconnectBaseWait == 0 {
		c.ReconnectBaseWait = 500 * time.Millisecond
	}
	if c.ReconnectMaxWait == 0 {
		c.ReconnectMaxWait = 30 * time.Second
	}
}

// Bus is the in-process pub/sub adapter order producers and the aggregator
// core publish and subscribe through.
type Bus struct {
	cfg Config

	mu       sync.RWMutex
	subs     map[string]map[uint64]*subscription
	nextID   atomic.Uint64
	nextReq  atomic.Uint64
	sourceID string

	connMu     sync.Mutex
	connected  bool
	replayBuf  []model.Envelope
	wg         sync.WaitGroup

	correlator *correlator
}

// New creates a Bus identifying itself as sourceID in published envelopes.
func New(sourceID string, cfg Config) *Bus {
	cfg.setDefaults()
	b := &Bus{
		cfg:       cfg,
		subs:      make(map[string]map[uint64]*subscription),
		sourceID:  sourceID,
		connected: true,
	}
	b.correlator = newCorrelator(b)
	return b
}

// Subscribe registers handler for channel. Each call adds an independent,
// separately-cancellable registration identified by the returned id;
// subscribing the same handler to the same channel twice delivers every
// message to it twice.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) uint64 {
	id := b.nextID.Add(1)
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      id,
		channel: channel,
		handler: handler,
		ch:      make(chan model.Envelope, b.cfg.SubscriberBufferSize),
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*subscription)
	}
	b.subs[channel][id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runSubscription(subCtx, sub)
	return id
}

// Unsubscribe cancels a previously registered subscription.
func (b *Bus) Unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	subs, ok := b.subs[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, ok := subs[id]
	if ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subs, channel)
		}
	}
	b.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Publish is fire-and-forget: it wraps payload in an Envelope and fans it
// out to every subscriber of channel. A disconnected bus buffers the
// envelope for replay on reconnect up to PublishBufferCap; past that cap
// the publish fails fast with BUS_BUFFER_OVERFLOW.
func (b *Bus) Publish(channel string, payload any) error {
	env := model.Envelope{
		Type:      channel,
		Timestamp: time.Now().UnixMilli(),
		Source:    b.sourceID,
		Payload:   payload,
	}
	return b.publishEnvelope(channel, env)
}

// Forward republishes payload on channel, preserving requestID and
// responseChannel from a message this bus did not originate. Unlike
// Publish, which always starts a fresh exchange, Forward relays one already
// in flight: a producer's directory request arriving on one channel,
// re-addressed to the Connection Manager without losing the producer's own
// correlation fields.
func (b *Bus) Forward(channel string, payload any, requestID, responseChannel string) error {
	env := model.Envelope{
		Type:            channel,
		Timestamp:       time.Now().UnixMilli(),
		Source:          b.sourceID,
		Payload:         payload,
		RequestID:       requestID,
		ResponseChannel: responseChannel,
	}
	return b.publishEnvelope(channel, env)
}

func (b *Bus) publishEnvelope(channel string, env model.Envelope) error {
	b.connMu.Lock()
	if !b.connected {
		if len(b.replayBuf) >= b.cfg.PublishBufferCap {
			b.connMu.Unlock()
			return fmt.Errorf("%s: publish buffer full", model.ErrBusBufferOverflow)
		}
		b.replayBuf = append(b.replayBuf, env)
		b.connMu.Unlock()
		return nil
	}
	b.connMu.Unlock()

	b.deliver(channel, env)
	return nil
}

func (b *Bus) deliver(channel string, env model.Envelope) {
	b.mu.RLock()
	subs := b.subs[channel]
	targets := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		default:
			log.Warn().Str("channel", channel).Uint64("sub", sub.id).Msg("bus: subscriber buffer full, dropping message")
		}
	}
}

func (b *Bus) runSubscription(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.ch:
			if !ok {
				return
			}
			b.safeInvoke(ctx, sub, env)
		}
	}
}

// safeInvoke guarantees a handler panic never reaches the transport; every
// handler exception is caught and logged rather than crashing the bus.
func (b *Bus) safeInvoke(ctx context.Context, sub *subscription, env model.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("channel", sub.channel).Interface("panic", r).Msg("bus: handler panicked")
		}
	}()
	sub.handler(ctx, env)
}

// Disconnect simulates a transport disconnect: further publishes buffer
// instead of delivering.
func (b *Bus) Disconnect() {
	b.connMu.Lock()
	b.connected = false
	b.connMu.Unlock()
	log.Warn().Msg("bus: transport disconnected, buffering publishes")
}

// Reconnect restores delivery and replays buffered publishes in order.
// Subscriptions were never torn down, so they "auto-restore" trivially.
func (b *Bus) Reconnect() {
	b.connMu.Lock()
	buffered := b.replayBuf
	b.replayBuf = nil
	b.connected = true
	b.connMu.Unlock()

	for _, env := range buffered {
		b.deliver(env.Type, env)
	}
	log.Info().Int("replayed", len(buffered)).Msg("bus: transport reconnected")
}

// Request synthesizes a requestId and private responseChannel, publishes
// payload on targetChannel, and waits for a matching response, retrying
// with exponential backoff up to maxAttempts.
func (b *Bus) Request(ctx context.Context, targetChannel string, payload any, timeout time.Duration, maxAttempts int) (model.Envelope, error) {
	return b.correlator.request(ctx, targetChannel, payload, timeout, maxAttempts)
}

// Respond publishes payload on the private channel associated with
// requestID, completing the matching PendingRequest exactly once.
func (b *Bus) Respond(requestID string, payload any) error {
	return b.correlator.respond(requestID, payload)
}

// newRequestID returns a process-unique correlation id.
func (b *Bus) newRequestID() string {
	return fmt.Sprintf("%s-%d", b.sourceID, b.nextReq.Add(1))
}

// Close tears down all subscriptions and waits for their goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subs = make(map[string]map[uint64]*subscription)
	b.mu.Unlock()
	b.wg.Wait()
	b.correlator.close()
}
