package games

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/audit"
	"github.com/moonbet/market-engine/internal/ledger"
	"github.com/moonbet/market-engine/internal/metrics"
	"github.com/moonbet/market-engine/internal/ratelimit"
	"github.com/moonbet/market-engine/internal/store"
)

// Item is one loot box item with its fixed credit value.
type Item struct {
	Name  string
	Value decimal.Decimal
}

// Tier is one rarity tier: a draw weight and the items drawn uniformly
// within it.
type Tier struct {
	Rarity string
	Weight int
	Items  []Item
}

// LootBoxConfig is the fixed entry price and rarity table.
type LootBoxConfig struct {
	Price decimal.Decimal
	Tiers []Tier
}

// TotalWeight returns the sum of all tier weights.
func (c LootBoxConfig) TotalWeight() int {
	total := 0
	for _, t := range c.Tiers {
		total += t.Weight
	}
	return total
}

// OpenResult is the outcome of one loot box open.
type OpenResult struct {
	ItemName   string          `json:"item_name"`
	Rarity     string          `json:"rarity"`
	Value      decimal.Decimal `json:"value"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// LootBox is the loot box engine.
type LootBox struct {
	store   store.Store
	src     Source
	limiter *ratelimit.Limiter
	audit   *audit.Recorder
	cfg     LootBoxConfig
}

// NewLootBox creates a loot box engine.
func NewLootBox(st store.Store, src Source, limiter *ratelimit.Limiter, recorder *audit.Recorder, cfg LootBoxConfig) *LootBox {
	return &LootBox{store: st, src: src, limiter: limiter, audit: recorder, cfg: cfg}
}

// Open stakes the fixed entry price, draws one rarity tier from the
// weighted table and one item uniformly within it, and credits the item's
// value. Debit, draw, and credit commit as one unit.
func (l *LootBox) Open(ctx context.Context, callerID string) (OpenResult, error) {
	var result OpenResult

	if err := l.limiter.Check(ctx, callerID, ratelimit.OpOpenLootBox); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.RateLimitRejections.WithLabelValues(ratelimit.OpOpenLootBox).Inc()
		}
		l.audit.Record(ctx, callerID, "open_loot_box", "loot_box", "", err.Error(), false)
		return result, err
	}

	err := l.store.Atomic(ctx, func(tx store.Tx) error {
		balance, err := ledger.Debit(ctx, tx, callerID, l.cfg.Price)
		if err != nil {
			return err
		}

		weights := make([]int, len(l.cfg.Tiers))
		for i, t := range l.cfg.Tiers {
			weights[i] = t.Weight
		}
		tier := l.cfg.Tiers[weightedPick(l.src, weights, l.cfg.TotalWeight())]
		item := tier.Items[l.src.Intn(len(tier.Items))]

		result.ItemName = item.Name
		result.Rarity = tier.Rarity
		result.Value = item.Value

		result.NewBalance = balance
		if item.Value.IsPositive() {
			balance, err = ledger.Credit(ctx, tx, callerID, item.Value)
			if err != nil {
				return err
			}
			result.NewBalance = balance
		}
		return nil
	})
	if err != nil {
		l.audit.Record(ctx, callerID, "open_loot_box", "loot_box", "", err.Error(), false)
		return OpenResult{}, err
	}

	metrics.LootBoxOpensTotal.WithLabelValues(result.Rarity).Inc()

	details := fmt.Sprintf("item=%s rarity=%s value=%s", result.ItemName, result.Rarity, result.Value)
	l.audit.Record(ctx, callerID, "open_loot_box", "loot_box", "", details, true)

	slog.Info("loot box opened",
		"account", callerID,
		"item", result.ItemName,
		"rarity", result.Rarity,
		"value", result.Value.String(),
	)
	return result, nil
}
