// Package book maintains per-account, per-market, per-side positions with
// weighted-average cost. Fills are applied inside the same atomic unit as
// the ledger movement for the trade: both commit or neither does.
package book

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/store"
)

// ErrInsufficientShares is returned when a sell exceeds the held shares.
var ErrInsufficientShares = errors.New("book: insufficient shares")

// AvgPriceScale is the number of decimal places the weighted-average
// price is rounded to.
var AvgPriceScale int32 = 4

// ApplyFill applies one trade fill to the position book.
//
// Buy with no existing position creates one at the fill price. Buy onto
// an existing position re-weights the average:
//
//	newAvg = (oldAvg·oldShares + price·shares) / (oldShares + shares)
//
// Sell reduces shares and leaves the average price unchanged; the
// position is deleted when shares reach exactly zero.
func ApplyFill(ctx context.Context, tx store.Tx, accountID, marketID string, side model.Side, direction model.Direction, shares, price decimal.Decimal) error {
	pos, err := tx.GetPosition(ctx, accountID, marketID, side)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = nil
	case err != nil:
		return err
	}

	now := time.Now().UTC()

	if direction == model.DirectionBuy {
		if pos == nil {
			return tx.UpsertPosition(ctx, &model.Position{
				AccountID:    accountID,
				MarketID:     marketID,
				Side:         side,
				Shares:       shares,
				AveragePrice: price,
				UpdatedAt:    now,
			})
		}

		newShares := pos.Shares.Add(shares)
		weighted := pos.AveragePrice.Mul(pos.Shares).Add(price.Mul(shares))
		pos.AveragePrice = weighted.Div(newShares).Round(AvgPriceScale)
		pos.Shares = newShares
		pos.UpdatedAt = now
		return tx.UpsertPosition(ctx, pos)
	}

	// Sell.
	if pos == nil || pos.Shares.LessThan(shares) {
		return fmt.Errorf("sell %s %s shares on %s: %w", side, shares, marketID, ErrInsufficientShares)
	}

	pos.Shares = pos.Shares.Sub(shares)
	if pos.Shares.IsZero() {
		return tx.DeletePosition(ctx, accountID, marketID, side)
	}
	pos.UpdatedAt = now
	return tx.UpsertPosition(ctx, pos)
}
