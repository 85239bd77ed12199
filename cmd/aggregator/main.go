// Command aggregator runs the trading aggregator: it receives orders and
// fills from producers over the in-process bus, evaluates and queues
// orders, dispatches them to the downstream Connection Manager, and
// exposes a monitoring surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeagg/internal/aggregator"
	"github.com/web3guy0/tradeagg/internal/audit"
	"github.com/web3guy0/tradeagg/internal/bus"
	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/downstream"
	"github.com/web3guy0/tradeagg/internal/metrics"
	"github.com/web3guy0/tradeagg/internal/model"
	"github.com/web3guy0/tradeagg/internal/notify"
	"github.com/web3guy0/tradeagg/internal/queue"
	"github.com/web3guy0/tradeagg/internal/registry"
	"github.com/web3guy0/tradeagg/internal/risk"
	"github.com/web3guy0/tradeagg/internal/sltp"
)

const version = "1.0.0"

// Bus channel names are part of the wire contract shared with producers and
// the Connection Manager; renaming any of them breaks every conforming
// client, so these must match the documented names exactly.
const (
	channelOrders        = "aggregator:orders"      // in: MANUAL_ORDER {order, source} or {cancelOrderId}
	channelRequests      = "aggregator:requests"     // in: directory/statistics requests, forwarded downstream
	channelMarketDataIn  = "market:data"             // in: raw ticks
	channelMarketDataOut = "aggregator:market-data"  // out: republished ticks
	channelFills         = "order:fills"             // in
	channelOrderStatus   = "order:status"            // in/out: ACK/CANCELLED/FAILED
	channelEvents        = "aggregator:events"       // out: lifecycle events
	channelConnRequests  = "connection-manager:requests"
	channelConnResponses = "connection-manager:responses"
)

// manualOrderMessage is the payload shape on channelOrders: either a new
// order to submit (Order set, Source optionally overriding Order.Source) or
// a cancellation (CancelOrderID set).
type manualOrderMessage struct {
	Order         *model.Order
	Source        string
	CancelOrderID string
}

// orderStatusMessage is the payload shape on channelOrderStatus, in both
// directions.
type orderStatusMessage struct {
	OrderID string
	Status  model.OrderState
	Reason  model.ErrorKind
}

// marketTick is the payload shape expected on channelMarketDataIn and
// republished unchanged on channelMarketDataOut.
type marketTick struct {
	Instrument string
	Price      decimal.Decimal
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("🚀 aggregator starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageBus := bus.New("aggregator-core", bus.Config{
		PublishBufferCap:  cfg.Bus.PublishBufferSize,
		ReconnectBaseWait: cfg.Bus.ReconnectBaseWait,
		ReconnectMaxWait:  cfg.Bus.ReconnectMaxWait,
	})
	defer messageBus.Close()

	downstreamAdapter := downstream.New(messageBus, cfg.Downstream)

	contracts, err := downstreamAdapter.GetActiveContracts(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load active contracts at startup, sl/tp tick sizing may be unavailable")
	}
	specs := make(map[string]model.ContractSpec, len(contracts))
	for _, c := range contracts {
		specs[c.Instrument] = c
	}

	reg := registry.New()
	sltpCalc := sltp.New(cfg.SLTP, specs)

	// The Risk Engine's position lookup closes over core, which does not
	// exist yet; core is wired in before the engine ever evaluates an order.
	var core *aggregator.Core
	riskEngine := risk.New(cfg.Risk, func(accountID, instrument string) (int64, decimal.Decimal, bool) {
		if core == nil {
			return 0, decimal.Zero, false
		}
		return core.PositionLookup(accountID, instrument)
	})

	dispatcher := downstream.NewQueueDispatcher(downstreamAdapter)
	orderQueue := queue.New(cfg.Queue, dispatcher)

	core = aggregator.New(cfg, riskEngine, orderQueue, sltpCalc, reg, downstreamAdapter, specs)

	auditLog, err := audit.Open(cfg.Audit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit log")
	}
	auditLog.Wire(core)

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telegram notifier")
	}
	notifier.WireRiskPause(riskEngine)
	notifier.WireCore(core)

	collector := metrics.NewCollector(core, cfg.Monitoring.HistorySize)
	monitoringServer := metrics.NewServer(cfg.Monitoring, collector, core, cfg.Queue.MaxQueueSize)

	messageBus.Subscribe(ctx, channelOrders, func(ctx context.Context, env model.Envelope) {
		msg, ok := env.Payload.(manualOrderMessage)
		if !ok {
			log.Warn().Msg("aggregator: malformed message on aggregator:orders, ignoring")
			return
		}
		if msg.CancelOrderID != "" {
			if err := core.CancelOrder(ctx, msg.CancelOrderID); err != nil {
				log.Debug().Err(err).Str("order", msg.CancelOrderID).Msg("aggregator: cancel rejected")
			}
			return
		}
		if msg.Order == nil {
			log.Warn().Msg("aggregator: aggregator:orders message carries neither an order nor a cancellation, ignoring")
			return
		}
		if msg.Source != "" {
			msg.Order.Source = msg.Source
		}
		if err := core.SubmitOrder(ctx, msg.Order); err != nil {
			log.Debug().Err(err).Str("order", msg.Order.ID).Msg("aggregator: order not accepted")
		}
	})

	messageBus.Subscribe(ctx, channelFills, func(ctx context.Context, env model.Envelope) {
		fill, ok := env.Payload.(*model.Fill)
		if !ok {
			log.Warn().Msg("aggregator: malformed fill report, ignoring")
			return
		}
		if err := core.ProcessFill(ctx, fill); err != nil {
			log.Warn().Err(err).Str("order", fill.OrderID).Msg("aggregator: fill not processed")
		}
	})

	messageBus.Subscribe(ctx, channelMarketDataIn, func(ctx context.Context, env model.Envelope) {
		tick, ok := env.Payload.(marketTick)
		if !ok {
			return
		}
		core.HandleMarketDataUpdate(tick.Instrument, tick.Price)
		if err := messageBus.Publish(channelMarketDataOut, tick); err != nil {
			log.Warn().Err(err).Str("instrument", tick.Instrument).Msg("aggregator: failed to republish market tick")
		}
	})

	messageBus.Subscribe(ctx, channelOrderStatus, func(ctx context.Context, env model.Envelope) {
		msg, ok := env.Payload.(orderStatusMessage)
		if !ok {
			return
		}
		if msg.Status != model.StateCancelled && msg.Status != model.StateFailed {
			return // ACK is informational; we already hold DISPATCHED locally
		}
		if err := core.ApplyStatusUpdate(msg.OrderID, msg.Status, msg.Reason); err != nil {
			log.Debug().Err(err).Str("order", msg.OrderID).Msg("aggregator: broker status update not applied")
		}
	})

	for _, kind := range []aggregator.EventKind{
		aggregator.EventOrderSubmitted, aggregator.EventOrderProcessed, aggregator.EventOrderRejected,
		aggregator.EventOrderFailed, aggregator.EventOrderCancelled, aggregator.EventFillProcessed,
	} {
		core.On(kind, func(ev aggregator.Event) {
			entry := metrics.HistoryEntry{At: ev.At, Kind: ev.Kind, Reason: ev.Reason}
			if ev.Order != nil {
				entry.OrderID = ev.Order.ID
			}
			if err := messageBus.Publish(channelEvents, entry); err != nil {
				log.Warn().Str("kind", string(ev.Kind)).Err(err).Msg("aggregator: failed to publish lifecycle event")
			}
		})
	}
	core.On(aggregator.EventOrderProcessed, func(ev aggregator.Event) {
		if ev.Order == nil || ev.Order.State != model.StateDispatched {
			return
		}
		publishOrderStatus(messageBus, ev.Order.ID, model.StateDispatched, "")
	})
	core.On(aggregator.EventOrderCancelled, func(ev aggregator.Event) {
		if ev.Order == nil {
			return
		}
		publishOrderStatus(messageBus, ev.Order.ID, model.StateCancelled, "")
	})
	core.On(aggregator.EventOrderFailed, func(ev aggregator.Event) {
		if ev.Order == nil {
			return
		}
		publishOrderStatus(messageBus, ev.Order.ID, model.StateFailed, ev.Reason)
	})

	wireDirectoryForwarding(ctx, messageBus)

	go orderQueue.Run(ctx)
	go func() {
		if err := monitoringServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("monitoring server exited")
		}
	}()

	log.Info().Int("port", cfg.Monitoring.HTTPPort).Msg("✅ aggregator ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	notifier.Shutdown("operator requested shutdown")
	_ = core.Shutdown(shutdownCtx)
	cancel()

	log.Info().Msg("👋 goodbye")
}

func publishOrderStatus(messageBus *bus.Bus, orderID string, status model.OrderState, reason model.ErrorKind) {
	msg := orderStatusMessage{OrderID: orderID, Status: status, Reason: reason}
	if err := messageBus.Publish(channelOrderStatus, msg); err != nil {
		log.Warn().Str("order", orderID).Err(err).Msg("aggregator: failed to publish order status")
	}
}

// wireDirectoryForwarding implements the directory-request relay: a
// producer publishes on channelRequests with its own requestId and a
// private responseChannel; the aggregator forwards the payload to the
// Connection Manager on channelConnRequests under the same requestId, and
// republishes the first matching reply seen on channelConnResponses onto
// the producer's responseChannel. A second reply for the same requestId
// finds nothing pending and is dropped.
func wireDirectoryForwarding(ctx context.Context, messageBus *bus.Bus) {
	var mu sync.Mutex
	pending := make(map[string]string) // requestId -> caller's responseChannel

	messageBus.Subscribe(ctx, channelRequests, func(ctx context.Context, env model.Envelope) {
		if env.RequestID == "" || env.ResponseChannel == "" {
			log.Warn().Msg("aggregator: directory request missing requestId/responseChannel, dropping")
			return
		}
		mu.Lock()
		pending[env.RequestID] = env.ResponseChannel
		mu.Unlock()
		if err := messageBus.Forward(channelConnRequests, env.Payload, env.RequestID, env.ResponseChannel); err != nil {
			log.Warn().Str("request_id", env.RequestID).Err(err).Msg("aggregator: failed to forward directory request")
		}
	})

	messageBus.Subscribe(ctx, channelConnResponses, func(ctx context.Context, env model.Envelope) {
		mu.Lock()
		responseChannel, ok := pending[env.RequestID]
		if ok {
			delete(pending, env.RequestID)
		}
		mu.Unlock()
		if !ok {
			log.Debug().Str("request_id", env.RequestID).Msg("aggregator: dropping unmatched or duplicate downstream response")
			return
		}
		if err := messageBus.Publish(responseChannel, env.Payload); err != nil {
			log.Warn().Str("request_id", env.RequestID).Err(err).Msg("aggregator: failed to republish directory response")
		}
	})
}
