// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one leg of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Direction is the sign of a trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == DirectionBuy || d == DirectionSell }

// MarketStatus is the lifecycle state of a market. Transitions are
// monotonic: active → resolved or active → cancelled, never back.
type MarketStatus string

const (
	StatusActive    MarketStatus = "active"
	StatusResolved  MarketStatus = "resolved"
	StatusCancelled MarketStatus = "cancelled"
)

// Account holds one user's play-money balance. Balance is only ever
// mutated through the ledger primitives; it never goes negative.
type Account struct {
	ID          string          `json:"id" db:"id"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	IsAdmin     bool            `json:"is_admin" db:"is_admin"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Market is one binary-outcome prediction market. While active,
// YesPrice + NoPrice = 1. Outcome is empty until the market resolves.
type Market struct {
	ID          string          `json:"id" db:"id"`
	CreatorID   string          `json:"creator_id" db:"creator_id"`
	Question    string          `json:"question" db:"question"`
	Status      MarketStatus    `json:"status" db:"status"`
	Outcome     Side            `json:"outcome,omitempty" db:"outcome"`
	YesPrice    decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice     decimal.Decimal `json:"no_price" db:"no_price"`
	TotalVolume decimal.Decimal `json:"total_volume" db:"total_volume"`
	SharesYes   decimal.Decimal `json:"shares_yes" db:"shares_yes"`
	SharesNo    decimal.Decimal `json:"shares_no" db:"shares_no"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SharesOutstanding returns the outstanding share count for one side.
func (m *Market) SharesOutstanding(side Side) decimal.Decimal {
	if side == SideYes {
		return m.SharesYes
	}
	return m.SharesNo
}

// Trade is an immutable record of one executed trade. Once created,
// these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Direction Direction       `json:"direction" db:"direction"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Cost      decimal.Decimal `json:"cost" db:"cost"` // shares × price
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is an account's accumulated holdings on one side of one market,
// keyed uniquely by (account, market, side). A position with zero shares
// is deleted, never stored.
type Position struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Side         Side            `json:"side" db:"side"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis returns shares × average price.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Shares.Mul(p.AveragePrice)
}

// RateLimitWindow is one fixed-window counter, keyed by (account, operation).
// Created on first call, reset when the window expires, purged when stale.
type RateLimitWindow struct {
	AccountID   string    `json:"account_id" db:"account_id"`
	Operation   string    `json:"operation" db:"operation"`
	CallCount   int       `json:"call_count" db:"call_count"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
}

// AuditEvent is one append-only record of a privileged operation, written
// on both success and failure paths. Never updated or deleted.
type AuditEvent struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id,omitempty" db:"account_id"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   string    `json:"resource_id" db:"resource_id"`
	Details      string    `json:"details" db:"details"`
	Success      bool      `json:"success" db:"success"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
