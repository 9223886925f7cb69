// Package config loads the engine configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/engine"
	"github.com/moonbet/market-engine/internal/games"
	"github.com/moonbet/market-engine/internal/ratelimit"
)

// Config is the full engine configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	JWTSecret   string

	StartingBalance decimal.Decimal

	Trading engine.Config
	Slots   games.SlotConfig
	LootBox games.LootBoxConfig

	RateLimits    map[string]ratelimit.Rule
	RateRetention time.Duration
	PurgeInterval time.Duration
}

// Default returns the configuration with every table and bound at its
// default value.
func Default() Config {
	return Config{
		Port:            "8080",
		CacheTTL:        30 * time.Second,
		StartingBalance: decimal.NewFromInt(1000),

		Trading: engine.Config{
			MinPrice:     decimal.NewFromFloat(0.01),
			MaxPrice:     decimal.NewFromFloat(0.99),
			MaxShares:    decimal.NewFromInt(10000),
			CancelRefund: true,
		},

		// Design return-to-player ≈ 94.1% (Σ p³·multiplier over the table).
		Slots: games.SlotConfig{
			MinBet:    decimal.NewFromInt(1),
			MaxBet:    decimal.NewFromInt(500),
			TargetRTP: decimal.NewFromFloat(0.940875),
			Symbols: []games.Symbol{
				{Name: "cherry", Weight: 45, Multiplier: decimal.NewFromInt(7)},
				{Name: "lemon", Weight: 25, Multiplier: decimal.NewFromInt(12)},
				{Name: "bell", Weight: 15, Multiplier: decimal.NewFromInt(22)},
				{Name: "diamond", Weight: 10, Multiplier: decimal.NewFromInt(35)},
				{Name: "seven", Weight: 5, Multiplier: decimal.NewFromInt(50)},
			},
		},

		LootBox: games.LootBoxConfig{
			Price: decimal.NewFromInt(50),
			Tiers: []games.Tier{
				{Rarity: "common", Weight: 60, Items: []games.Item{
					{Name: "wooden token", Value: decimal.NewFromInt(10)},
					{Name: "lucky penny", Value: decimal.NewFromInt(15)},
					{Name: "brass pin", Value: decimal.NewFromInt(20)},
				}},
				{Rarity: "uncommon", Weight: 25, Items: []games.Item{
					{Name: "silver coin", Value: decimal.NewFromInt(35)},
					{Name: "jade charm", Value: decimal.NewFromInt(45)},
				}},
				{Rarity: "rare", Weight: 10, Items: []games.Item{
					{Name: "gold ingot", Value: decimal.NewFromInt(80)},
					{Name: "ruby ring", Value: decimal.NewFromInt(100)},
				}},
				{Rarity: "epic", Weight: 4, Items: []games.Item{
					{Name: "dragon scale", Value: decimal.NewFromInt(200)},
					{Name: "phoenix feather", Value: decimal.NewFromInt(300)},
				}},
				{Rarity: "legendary", Weight: 1, Items: []games.Item{
					{Name: "crown of moonbet", Value: decimal.NewFromInt(1000)},
				}},
			},
		},

		RateLimits: map[string]ratelimit.Rule{
			ratelimit.OpExecuteTrade:  {MaxCalls: 20, Window: time.Minute},
			ratelimit.OpResolveMarket: {MaxCalls: 5, Window: time.Minute},
			ratelimit.OpCancelMarket:  {MaxCalls: 5, Window: time.Minute},
			ratelimit.OpCreateMarket:  {MaxCalls: 10, Window: time.Minute},
			ratelimit.OpPlaySlots:     {MaxCalls: 30, Window: time.Minute},
			ratelimit.OpOpenLootBox:   {MaxCalls: 30, Window: time.Minute},
		},
		RateRetention: time.Hour,
		PurgeInterval: 10 * time.Minute,
	}
}

// FromEnv returns the default configuration with environment overrides
// applied.
func FromEnv() (Config, error) {
	c := Default()

	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")
	c.JWTSecret = os.Getenv("JWT_SECRET")

	var err error
	if c.StartingBalance, err = envDecimal("STARTING_BALANCE", c.StartingBalance); err != nil {
		return c, err
	}
	if c.Trading.MinPrice, err = envDecimal("MIN_PRICE", c.Trading.MinPrice); err != nil {
		return c, err
	}
	if c.Trading.MaxPrice, err = envDecimal("MAX_PRICE", c.Trading.MaxPrice); err != nil {
		return c, err
	}
	if c.Trading.MaxShares, err = envDecimal("MAX_SHARES", c.Trading.MaxShares); err != nil {
		return c, err
	}
	if c.Slots.MinBet, err = envDecimal("SLOT_MIN_BET", c.Slots.MinBet); err != nil {
		return c, err
	}
	if c.Slots.MaxBet, err = envDecimal("SLOT_MAX_BET", c.Slots.MaxBet); err != nil {
		return c, err
	}
	if c.LootBox.Price, err = envDecimal("LOOTBOX_PRICE", c.LootBox.Price); err != nil {
		return c, err
	}

	if v := os.Getenv("CANCEL_REFUND"); v != "" {
		refund, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("CANCEL_REFUND: %w", err)
		}
		c.Trading.CancelRefund = refund
	}

	return c, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Trading.MinPrice.IsNegative() || c.Trading.MaxPrice.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("config: price bounds must stay within [0, 1]")
	}
	if c.Trading.MinPrice.GreaterThanOrEqual(c.Trading.MaxPrice) {
		return errors.New("config: MIN_PRICE must be below MAX_PRICE")
	}
	if !c.Trading.MaxShares.IsPositive() {
		return errors.New("config: MAX_SHARES must be positive")
	}
	if !c.StartingBalance.IsPositive() {
		return errors.New("config: STARTING_BALANCE must be positive")
	}
	if c.Slots.MinBet.GreaterThan(c.Slots.MaxBet) {
		return errors.New("config: SLOT_MIN_BET must not exceed SLOT_MAX_BET")
	}
	if len(c.Slots.Symbols) == 0 || c.Slots.TotalWeight() <= 0 {
		return errors.New("config: slot symbol table must have positive total weight")
	}
	if !c.LootBox.Price.IsPositive() {
		return errors.New("config: LOOTBOX_PRICE must be positive")
	}
	if len(c.LootBox.Tiers) == 0 || c.LootBox.TotalWeight() <= 0 {
		return errors.New("config: loot box tier table must have positive total weight")
	}
	for _, tier := range c.LootBox.Tiers {
		if len(tier.Items) == 0 {
			return fmt.Errorf("config: loot box tier %q has no items", tier.Rarity)
		}
	}
	return nil
}

func envDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
