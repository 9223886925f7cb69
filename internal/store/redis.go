package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market reads. Atomic units run entirely against the primary;
// the wrapper tracks which markets a unit touches and invalidates their
// cache entries after the unit commits.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	// Balances are never cached: a stale balance read is worse than a
	// primary round-trip.
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.primary.ListPositionsByAccount(ctx, accountID)
}

func (s *CachedStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	return s.primary.ListTradesByAccount(ctx, accountID)
}

// Atomic delegates to the primary and invalidates the cache entries of
// every market the unit wrote to, after commit.
func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		tracking := &trackingTx{Tx: tx}
		if err := fn(tracking); err != nil {
			return err
		}
		touched = tracking.markets
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range touched {
		s.rdb.Del(ctx, marketKey(id))
	}
	return nil
}

// trackingTx records the IDs of markets written inside a unit.
type trackingTx struct {
	Tx
	markets []string
}

func (t *trackingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.markets = append(t.markets, m.ID)
	return t.Tx.CreateMarket(ctx, m)
}

func (t *trackingTx) UpdateMarketAggregates(ctx context.Context, id string, yesPrice, noPrice, totalVolume, sharesYes, sharesNo decimal.Decimal) error {
	t.markets = append(t.markets, id)
	return t.Tx.UpdateMarketAggregates(ctx, id, yesPrice, noPrice, totalVolume, sharesYes, sharesNo)
}

func (t *trackingTx) SetMarketStatus(ctx context.Context, id string, status model.MarketStatus, outcome model.Side) error {
	t.markets = append(t.markets, id)
	return t.Tx.SetMarketStatus(ctx, id, status, outcome)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
