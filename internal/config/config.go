// Package config loads and types the aggregator's startup configuration.
// Config is treated as an immutable snapshot handed to every component's
// constructor and never replaced. Shadow mode is changed at runtime only
// through risk.Engine.SetShadowMode; pause state lives in the Risk
// Engine's per-account state, set by the daily-loss rule and cleared at
// session reset, and has no admin toggle.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type RiskConfig struct {
	MaxOrderSize       int64
	MaxPositionSize    int64
	MaxPositionValue   decimal.Decimal
	MaxOpenPositions   int
	MaxDailyLoss       decimal.Decimal
	MaxDailyProfit     decimal.Decimal
	MaxAccountDrawdown decimal.Decimal
	MaxOrdersPerMinute int
	MaxOrdersPerSymbol int
	PauseOnDailyLoss   bool
	TradingHoursStart  string // "HH:MM"
	TradingHoursEnd    string
	TradingHoursEnable bool
	ShadowMode         bool
	Whitelist          []string // empty = no whitelist
}

type QueueConfig struct {
	MaxQueueSize         int
	MaxOrdersPerSymbol   int
	ProcessingInterval   time.Duration
	MaxConcurrentOrders  int
	MaxOrdersPerSecond   int
	MaxRetryAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
}

type StopMode string

const (
	StopModeFixedTicks  StopMode = "FIXED_TICKS"
	StopModePercent     StopMode = "PERCENT"
	StopModeRiskReward  StopMode = "RISK_REWARD"
)

type SLTPConfig struct {
	CalculateSLTP         bool
	StopMode              StopMode
	TakeProfitMode        StopMode
	StopOffsetTicks       int64
	TakeProfitOffsetTicks int64
	RiskRewardRatio       decimal.Decimal
	EnableTrailingStop    bool
	TickSizeOverrides     map[string]decimal.Decimal
}

type BusConfig struct {
	Host               string
	Port               int
	PublishBufferSize  int
	ReconnectBaseWait  time.Duration
	ReconnectMaxWait   time.Duration
}

type DownstreamConfig struct {
	SubmitTimeout     time.Duration
	CancelTimeout     time.Duration
	QueryTimeout      time.Duration
	RetryCount        int
}

type MonitoringConfig struct {
	HTTPHost         string
	HTTPPort         int
	WSHeartbeat      time.Duration
	HistorySize      int
}

type AuditConfig struct {
	Enabled bool
	Driver  string // "sqlite" or "postgres"
	DSN     string
}

type NotifyConfig struct {
	Enabled        bool
	TelegramToken  string
	TelegramChatID int64
}

// Config is the immutable, process-wide configuration snapshot.
type Config struct {
	Debug       bool
	LogLevel    zerolog.Level
	SessionZone string // IANA timezone name for the session boundary

	Risk       RiskConfig
	Queue      QueueConfig
	SLTP       SLTPConfig
	Bus        BusConfig
	Downstream DownstreamConfig
	Monitoring MonitoringConfig
	Audit      AuditConfig
	Notify     NotifyConfig
}

// Load reads a .env file if present, then fills Config from the
// environment using an os.Getenv+strconv helper pattern.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Debug:       getEnvBool("DEBUG", false),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		SessionZone: getEnv("SESSION_TIMEZONE", "Local"),

		Risk: RiskConfig{
			MaxOrderSize:       int64(getEnvInt("RISK_MAX_ORDER_SIZE", 10)),
			MaxPositionSize:    int64(getEnvInt("RISK_MAX_POSITION_SIZE", 20)),
			MaxPositionValue:   getEnvDecimal("RISK_MAX_POSITION_VALUE", decimal.NewFromInt(100000)),
			MaxOpenPositions:   getEnvInt("RISK_MAX_OPEN_POSITIONS", 5),
			MaxDailyLoss:       getEnvDecimal("RISK_MAX_DAILY_LOSS", decimal.NewFromInt(2000)),
			MaxDailyProfit:     getEnvDecimal("RISK_MAX_DAILY_PROFIT", decimal.NewFromInt(10000)),
			MaxAccountDrawdown: getEnvDecimal("RISK_MAX_ACCOUNT_DRAWDOWN", decimal.NewFromFloat(0.20)),
			MaxOrdersPerMinute: getEnvInt("RISK_MAX_ORDERS_PER_MINUTE", 30),
			MaxOrdersPerSymbol: getEnvInt("RISK_MAX_ORDERS_PER_SYMBOL", 10),
			PauseOnDailyLoss:   getEnvBool("RISK_PAUSE_ON_DAILY_LOSS", true),
			TradingHoursStart:  getEnv("RISK_TRADING_HOURS_START", "00:00"),
			TradingHoursEnd:    getEnv("RISK_TRADING_HOURS_END", "23:59"),
			TradingHoursEnable: getEnvBool("RISK_TRADING_HOURS_ENABLE", false),
			ShadowMode:         getEnvBool("RISK_SHADOW_MODE", false),
		},

		Queue: QueueConfig{
			MaxQueueSize:        getEnvInt("QUEUE_MAX_SIZE", 500),
			MaxOrdersPerSymbol:  getEnvInt("QUEUE_MAX_PER_SYMBOL", 50),
			ProcessingInterval:  getEnvDuration("QUEUE_PROCESSING_INTERVAL", 100*time.Millisecond),
			MaxConcurrentOrders: getEnvInt("QUEUE_MAX_CONCURRENT", 8),
			MaxOrdersPerSecond:  getEnvInt("QUEUE_MAX_ORDERS_PER_SECOND", 20),
			MaxRetryAttempts:    getEnvInt("QUEUE_MAX_RETRY_ATTEMPTS", 5),
			RetryBaseDelay:      getEnvDuration("QUEUE_RETRY_BASE_DELAY", 200*time.Millisecond),
			RetryMaxDelay:       getEnvDuration("QUEUE_RETRY_MAX_DELAY", 10*time.Second),
		},

		SLTP: SLTPConfig{
			CalculateSLTP:         getEnvBool("SLTP_CALCULATE", false),
			StopMode:              StopMode(getEnv("SLTP_STOP_MODE", string(StopModeFixedTicks))),
			TakeProfitMode:        StopMode(getEnv("SLTP_TAKE_PROFIT_MODE", string(StopModeFixedTicks))),
			StopOffsetTicks:       int64(getEnvInt("SLTP_STOP_OFFSET_TICKS", 10)),
			TakeProfitOffsetTicks: int64(getEnvInt("SLTP_TAKE_PROFIT_OFFSET_TICKS", 20)),
			RiskRewardRatio:       getEnvDecimal("SLTP_RISK_REWARD_RATIO", decimal.NewFromInt(2)),
			EnableTrailingStop:    getEnvBool("SLTP_ENABLE_TRAILING_STOP", false),
			TickSizeOverrides:     map[string]decimal.Decimal{},
		},

		Bus: BusConfig{
			Host:              getEnv("BUS_HOST", "127.0.0.1"),
			Port:              getEnvInt("BUS_PORT", 4222),
			PublishBufferSize: getEnvInt("BUS_PUBLISH_BUFFER_SIZE", 1000),
			ReconnectBaseWait: getEnvDuration("BUS_RECONNECT_BASE_WAIT", 500*time.Millisecond),
			ReconnectMaxWait:  getEnvDuration("BUS_RECONNECT_MAX_WAIT", 30*time.Second),
		},

		Downstream: DownstreamConfig{
			SubmitTimeout: getEnvDuration("DOWNSTREAM_SUBMIT_TIMEOUT", 8*time.Second),
			CancelTimeout: getEnvDuration("DOWNSTREAM_CANCEL_TIMEOUT", 8*time.Second),
			QueryTimeout:  getEnvDuration("DOWNSTREAM_QUERY_TIMEOUT", 15*time.Second),
			RetryCount:    getEnvInt("DOWNSTREAM_RETRY_COUNT", 3),
		},

		Monitoring: MonitoringConfig{
			HTTPHost:    getEnv("MONITORING_HTTP_HOST", "0.0.0.0"),
			HTTPPort:    getEnvInt("MONITORING_HTTP_PORT", 8090),
			WSHeartbeat: getEnvDuration("MONITORING_WS_HEARTBEAT", 15*time.Second),
			HistorySize: getEnvInt("MONITORING_HISTORY_SIZE", 300),
		},

		Audit: AuditConfig{
			Enabled: getEnvBool("AUDIT_ENABLED", false),
			Driver:  getEnv("AUDIT_DRIVER", "sqlite"),
			DSN:     getEnv("AUDIT_DSN", "data/audit.db"),
		},

		Notify: NotifyConfig{
			Enabled:       getEnvBool("NOTIFY_ENABLED", false),
			TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		},
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.TelegramChatID = id
	}

	if cfg.Notify.Enabled && cfg.Notify.TelegramToken == "" {
		return nil, fmt.Errorf("NOTIFY_ENABLED requires TELEGRAM_BOT_TOKEN")
	}

	return cfg, nil
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return defaultValue
}
