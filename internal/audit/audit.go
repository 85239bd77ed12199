// Package audit persists a durable trail of order lifecycle and fill
// events for post-trade reconciliation, using gorm.io/gorm so the same
// audit log can run against sqlite for a single operator deployment or
// Postgres for a shared one.
package audit

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/web3guy0/tradeagg/internal/aggregator"
	"github.com/web3guy0/tradeagg/internal/config"
)

// OrderEvent is a single row of the order lifecycle audit trail.
type OrderEvent struct {
	ID         uint `gorm:"primaryKey"`
	OrderID    string `gorm:"index"`
	Source     string
	Instrument string
	Side       string
	Kind       string
	Quantity   int64
	State      string
	Reason     string
	At         time.Time `gorm:"index"`
}

// FillEvent is a single row of the processed-fill audit trail.
type FillEvent struct {
	ID           uint `gorm:"primaryKey"`
	OrderID      string `gorm:"index"`
	Instrument   string
	Side         string
	FillPrice    string
	FillQuantity int64
	CumulativeQty int64
	At           time.Time `gorm:"index"`
}

// Log is the audit trail, a no-op when disabled so callers never branch
// on whether persistence is configured.
type Log struct {
	db      *gorm.DB
	enabled bool
}

// Open connects to the configured driver and migrates the audit schema.
// An empty cfg.Enabled yields a disabled, no-op Log rather than an error,
// so the aggregator can run without persistence configured.
func Open(cfg config.AuditConfig) (*Log, error) {
	if !cfg.Enabled {
		log.Warn().Msg("audit: disabled, order/fill history will not be persisted")
		return &Log{enabled: false}, nil
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderEvent{}, &FillEvent{}); err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.Driver).Msg("audit: connected")
	return &Log{db: db, enabled: true}, nil
}

// Wire subscribes the Log to every lifecycle event the Aggregator Core
// emits, so the audit trail stays current without the rest of the
// application knowing it exists.
func (l *Log) Wire(core *aggregator.Core) {
	if !l.enabled {
		return
	}
	record := func(ev aggregator.Event) { l.recordOrder(ev) }
	core.On(aggregator.EventOrderSubmitted, record)
	core.On(aggregator.EventOrderRejected, record)
	core.On(aggregator.EventOrderProcessed, record)
	core.On(aggregator.EventOrderFailed, record)
	core.On(aggregator.EventOrderCancelled, record)
	core.On(aggregator.EventFillProcessed, l.recordFill)
}

func (l *Log) recordOrder(ev aggregator.Event) {
	if ev.Order == nil {
		return
	}
	row := OrderEvent{
		OrderID:    ev.Order.ID,
		Source:     ev.Order.Source,
		Instrument: ev.Order.Instrument,
		Side:       string(ev.Order.Side),
		Kind:       string(ev.Order.Kind),
		Quantity:   ev.Order.Quantity,
		State:      string(ev.Order.State),
		Reason:     string(ev.Reason),
		At:         ev.At,
	}
	if err := l.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("order", ev.Order.ID).Msg("audit: failed to persist order event")
	}
}

func (l *Log) recordFill(ev aggregator.Event) {
	if ev.Fill == nil {
		return
	}
	row := FillEvent{
		OrderID:       ev.Fill.OrderID,
		Instrument:    ev.Fill.Instrument,
		Side:          string(ev.Fill.Side),
		FillPrice:     ev.Fill.FillPrice.String(),
		FillQuantity:  ev.Fill.FillQuantity,
		CumulativeQty: ev.Fill.CumulativeQuantity,
		At:            ev.At,
	}
	if err := l.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("order", ev.Fill.OrderID).Msg("audit: failed to persist fill event")
	}
}

// OrderHistory returns the persisted lifecycle rows for orderID, oldest
// first, for reconciliation tooling.
func (l *Log) OrderHistory(orderID string) ([]OrderEvent, error) {
	if !l.enabled {
		return nil, nil
	}
	var rows []OrderEvent
	err := l.db.Where("order_id = ?", orderID).Order("at asc").Find(&rows).Error
	return rows, err
}

// FillCountSince counts persisted fills for instrument at or after since,
// for reconciliation reports built on the audit trail rather than live
// in-memory state.
func (l *Log) FillCountSince(instrument string, since time.Time) (int64, error) {
	if !l.enabled {
		return 0, nil
	}
	var count int64
	err := l.db.Model(&FillEvent{}).Where("instrument = ? AND at >= ?", instrument, since).Count(&count).Error
	return count, err
}

// AveragePrice is a convenience decimal parse used by reconciliation
// reports built on top of FillEvent rows.
func AveragePrice(rows []FillEvent) decimal.Decimal {
	total := decimal.Zero
	qty := int64(0)
	for _, r := range rows {
		p, err := decimal.NewFromString(r.FillPrice)
		if err != nil {
			continue
		}
		total = total.Add(p.Mul(decimal.NewFromInt(r.FillQuantity)))
		qty += r.FillQuantity
	}
	if qty == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(qty))
}
