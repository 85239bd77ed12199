// Package downstream implements the Downstream Adapter: a uniform
// call interface to the external Connection Manager, built entirely on
// top of the Bus Adapter's request/response correlator.
package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/model"
)

// Requester is the subset of the Bus Adapter the downstream package needs,
// kept narrow so tests can fake it without pulling in the whole bus.
type Requester interface {
	Request(ctx context.Context, targetChannel string, payload any, timeout time.Duration, maxAttempts int) (model.Envelope, error)
}

const channelRequests = "connection-manager:requests"

// Adapter wraps the Connection Manager's RPC surface into typed methods.
type Adapter struct {
	bus Requester
	cfg config.DownstreamConfig
}

// New creates a Downstream Adapter over bus.
func New(bus Requester, cfg config.DownstreamConfig) *Adapter {
	return &Adapter{bus: bus, cfg: cfg}
}

// SubmitOrderResult is the decoded reply to submitOrder.
type SubmitOrderResult struct {
	Accepted bool
	BrokerID string
	Reason   string
}

// SubmitOrder forwards order to the Connection Manager for placement.
func (a *Adapter) SubmitOrder(ctx context.Context, order *model.Order) (SubmitOrderResult, error) {
	env, err := a.bus.Request(ctx, channelRequests, map[string]any{
		"method": "SUBMIT_ORDER",
		"order":  order,
	}, a.cfg.SubmitTimeout, a.cfg.RetryCount)
	if err != nil {
		return SubmitOrderResult{}, classify(err)
	}
	var res SubmitOrderResult
	if !decode(env.Payload, &res) {
		return SubmitOrderResult{}, fmt.Errorf("%s: malformed submitOrder reply", model.ErrUnknown)
	}
	return res, nil
}

// CancelOrder requests cancellation of a dispatched order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	env, err := a.bus.Request(ctx, channelRequests, map[string]any{
		"method":  "CANCEL_ORDER",
		"orderId": orderID,
	}, a.cfg.CancelTimeout, a.cfg.RetryCount)
	if err != nil {
		return classify(err)
	}
	var res struct{ Accepted bool }
	if !decode(env.Payload, &res) || !res.Accepted {
		return fmt.Errorf("%s: cancel rejected", model.ErrDownstreamRejected)
	}
	return nil
}

// Account is a decoded account record returned by getAccounts.
type Account struct {
	ID      string
	Balance string
	Equity  string
}

// GetAccounts queries the Connection Manager's account directory.
func (a *Adapter) GetAccounts(ctx context.Context) ([]Account, error) {
	env, err := a.bus.Request(ctx, channelRequests, map[string]any{"method": "GET_ACCOUNTS"}, a.cfg.QueryTimeout, a.cfg.RetryCount)
	if err != nil {
		return nil, classify(err)
	}
	var res struct{ Accounts []Account }
	if !decode(env.Payload, &res) {
		return nil, fmt.Errorf("%s: malformed getAccounts reply", model.ErrUnknown)
	}
	return res.Accounts, nil
}

// GetActiveContracts queries the active instrument directory.
func (a *Adapter) GetActiveContracts(ctx context.Context) ([]model.ContractSpec, error) {
	env, err := a.bus.Request(ctx, channelRequests, map[string]any{"method": "GET_ACTIVE_CONTRACTS"}, a.cfg.QueryTimeout, a.cfg.RetryCount)
	if err != nil {
		return nil, classify(err)
	}
	var res struct{ Contracts []model.ContractSpec }
	if !decode(env.Payload, &res) {
		return nil, fmt.Errorf("%s: malformed getActiveContracts reply", model.ErrUnknown)
	}
	return res.Contracts, nil
}

// Statistics is a decoded reply to getStatistics.
type Statistics struct {
	OrdersToday int64
	VolumeToday string
}

// GetStatistics queries broker-side statistics; uses the longer query
// timeout since this is not latency-sensitive.
func (a *Adapter) GetStatistics(ctx context.Context) (Statistics, error) {
	env, err := a.bus.Request(ctx, channelRequests, map[string]any{"method": "GET_STATISTICS"}, a.cfg.QueryTimeout, a.cfg.RetryCount)
	if err != nil {
		return Statistics{}, classify(err)
	}
	var res Statistics
	if !decode(env.Payload, &res) {
		return Statistics{}, fmt.Errorf("%s: malformed getStatistics reply", model.ErrUnknown)
	}
	return res, nil
}

// decode round-trips payload through JSON into out, since over-the-bus
// payloads arrive as untyped any (map[string]interface{} in the common
// case, already-typed structs in tests).
func decode(payload any, out any) bool {
	if payload == nil {
		return false
	}
	if raw, ok := payload.([]byte); ok {
		return json.Unmarshal(raw, out) == nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("downstream: failed to re-marshal payload")
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func classify(err error) error {
	if err == context.DeadlineExceeded {
		return fmt.Errorf("%s: %w", model.ErrDownstreamTimeout, err)
	}
	return fmt.Errorf("%s: %w", model.ErrDownstreamUnavail, err)
}
