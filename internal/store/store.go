// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/moonbet/market-engine/internal/model"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every multi-entity mutation runs
// through Atomic: the callback either commits as one unit or rolls back
// as one unit. PostgreSQL is the source of truth; Redis provides a
// read-through cache layer over market reads.
type Store interface {
	// --- Read-only queries (outside any transaction) ---

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListPositionsByAccount returns all open positions for an account.
	ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)

	// ListTradesByAccount returns all trades for an account, oldest first.
	ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error)

	// Atomic runs fn inside one atomic unit. Either every write fn makes
	// commits, or none do. Implementations must guarantee that two
	// concurrent units touching the same account row cannot both read a
	// stale balance (serializable isolation or equivalent locking).
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the entity operations available inside an atomic unit.
type Tx interface {
	// --- Accounts ---

	// GetAccountForUpdate reads an account and locks its row for the
	// remainder of the unit.
	GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error)

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// SetAccountBalance writes a balance. Internal maintenance primitive:
	// only the ledger package may call it, and only on a locked row.
	SetAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// --- Markets ---

	// GetMarketForUpdate reads a market and locks its row.
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// UpdateMarketAggregates writes prices, volume, and shares outstanding
	// after a trade.
	UpdateMarketAggregates(ctx context.Context, id string, yesPrice, noPrice, totalVolume, sharesYes, sharesNo decimal.Decimal) error

	// SetMarketStatus transitions a market's lifecycle state. Outcome is
	// empty for cancellation.
	SetMarketStatus(ctx context.Context, id string, status model.MarketStatus, outcome model.Side) error

	// --- Immutable trades ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// --- Positions ---

	// GetPosition retrieves the position keyed by (account, market, side).
	GetPosition(ctx context.Context, accountID, marketID string, side model.Side) (*model.Position, error)

	// UpsertPosition creates or replaces a position.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position (shares reached exactly zero).
	DeletePosition(ctx context.Context, accountID, marketID string, side model.Side) error

	// ListPositionsByMarket returns all positions on a market, optionally
	// filtered to one side (empty side = both).
	ListPositionsByMarket(ctx context.Context, marketID string, side model.Side) ([]model.Position, error)

	// --- Rate limit windows ---

	// GetRateWindowForUpdate reads a window row and locks it.
	GetRateWindowForUpdate(ctx context.Context, accountID, operation string) (*model.RateLimitWindow, error)

	// PutRateWindow creates or replaces a window row.
	PutRateWindow(ctx context.Context, w *model.RateLimitWindow) error

	// PurgeRateWindows deletes windows whose start is before cutoff and
	// returns the number removed.
	PurgeRateWindows(ctx context.Context, cutoff time.Time) (int64, error)

	// --- Audit ---

	// InsertAuditEvent appends an audit record. Append-only.
	InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error
}
