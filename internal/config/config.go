// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Env       string
	Port      string
	LogLevel  slog.Level
	JWTSecret string // empty disables auth
}

// StoreConfig holds persistence and cache configuration.
type StoreConfig struct {
	DatabaseURL   string // empty selects the in-memory store
	RunMigrations bool
	RedisURL      string
	CacheTTL      time.Duration
	QuoteTTL      time.Duration
}

// EventsConfig holds quote ingest and settlement event fan-out settings.
// Each transport is disabled when its address is empty.
type EventsConfig struct {
	KafkaBrokers    []string
	SettlementTopic string
	QuoteTopic      string // empty disables Kafka quote ingest
	GroupID         string
	NATSURL         string
	NATSSubject     string
	RedisChannel    string
}

// SettlementConfig controls the settlement scheduler.
type SettlementConfig struct {
	PollInterval time.Duration
	ApplyTimeout time.Duration
	MaxQuoteAge  time.Duration
	Workers      int
}

// PlacementConfig holds bet placement limits.
type PlacementConfig struct {
	MinStake            decimal.Decimal
	MaxStake            decimal.Decimal
	MaxLeverage         decimal.Decimal
	MaxStakePerSymbol   decimal.Decimal
	MaxStakePerExchange decimal.Decimal
}

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Events     EventsConfig
	Settlement SettlementConfig
	Placement  PlacementConfig
}

// Load reads the environment. Every malformed value is reported in the
// returned error.
func Load() (Config, error) {
	var p parser
	cfg := Config{
		Server: ServerConfig{
			Env:       getEnv("ENV", "development"),
			Port:      getEnv("PORT", "8080"),
			LogLevel:  p.level("LOG_LEVEL", slog.LevelInfo),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Store: StoreConfig{
			DatabaseURL:   os.Getenv("DATABASE_URL"),
			RunMigrations: p.bool("RUN_MIGRATIONS", true),
			RedisURL:      os.Getenv("REDIS_URL"),
			CacheTTL:      p.duration("CACHE_TTL", 30*time.Second),
			QuoteTTL:      p.duration("QUOTE_TTL", 15*time.Minute),
		},
		Events: EventsConfig{
			KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
			SettlementTopic: getEnv("KAFKA_SETTLEMENT_TOPIC", "bet.settled"),
			QuoteTopic:      os.Getenv("KAFKA_QUOTE_TOPIC"),
			GroupID:         getEnv("KAFKA_GROUP_ID", "bet-settlement"),
			NATSURL:         os.Getenv("NATS_URL"),
			NATSSubject:     getEnv("NATS_SUBJECT", "bets.settled"),
			RedisChannel:    getEnv("REDIS_CHANNEL", "bet_settlements"),
		},
		Settlement: SettlementConfig{
			PollInterval: p.duration("POLL_INTERVAL", 2*time.Second),
			ApplyTimeout: p.duration("APPLY_TIMEOUT", 5*time.Second),
			MaxQuoteAge:  p.duration("MAX_QUOTE_AGE", 0),
			Workers:      p.int("SETTLE_WORKERS", 4),
		},
		Placement: PlacementConfig{
			MinStake:            p.decimal("MIN_STAKE", "100"),
			MaxStake:            p.decimal("MAX_STAKE", "1000000"),
			MaxLeverage:         p.decimal("MAX_LEVERAGE", "10"),
			MaxStakePerSymbol:   p.decimal("MAX_STAKE_PER_SYMBOL", "100000"),
			MaxStakePerExchange: p.decimal("MAX_STAKE_PER_EXCHANGE", "500000"),
		},
	}

	if cfg.Settlement.PollInterval <= 0 {
		p.fail("POLL_INTERVAL", "must be positive")
	}
	if cfg.Settlement.ApplyTimeout <= 0 {
		p.fail("APPLY_TIMEOUT", "must be positive")
	}
	if cfg.Settlement.Workers < 1 {
		p.fail("SETTLE_WORKERS", "must be at least 1")
	}
	if cfg.Placement.MinStake.GreaterThan(cfg.Placement.MaxStake) {
		p.fail("MIN_STAKE", "must not exceed MAX_STAKE")
	}
	if cfg.Placement.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		p.fail("MAX_LEVERAGE", "must be at least 1")
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Production reports whether ENV names a production deployment.
func (c Config) Production() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects parse errors so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) fail(key, msg string) {
	p.errs = append(p.errs, fmt.Errorf("%s %s", key, msg))
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	v := getEnv(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return decimal.RequireFromString(def)
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return l
}
