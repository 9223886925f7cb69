// Package engine implements trade execution and the market settlement
// state machine. Every operation validates before mutating, runs its
// domain writes as one atomic unit, and writes exactly one audit record
// on both success and failure paths.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/audit"
	"github.com/moonbet/market-engine/internal/auth"
	"github.com/moonbet/market-engine/internal/book"
	"github.com/moonbet/market-engine/internal/ledger"
	"github.com/moonbet/market-engine/internal/metrics"
	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/ratelimit"
	"github.com/moonbet/market-engine/internal/store"
)

var (
	// ErrMarketNotActive is returned when trading against a resolved or
	// cancelled market.
	ErrMarketNotActive = errors.New("engine: market is not active")

	// ErrAlreadyResolved is returned when resolving or cancelling a market
	// that already left the active state.
	ErrAlreadyResolved = errors.New("engine: market already resolved or cancelled")
)

// ValidationError reports a caller input rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid %s: %s", e.Field, e.Reason)
}

// Config holds the trade validation bounds. Prices use the fractional
// [0,1] scale throughout.
type Config struct {
	MinPrice  decimal.Decimal
	MaxPrice  decimal.Decimal
	MaxShares decimal.Decimal

	// CancelRefund controls whether cancelling a market refunds every
	// position's cost basis and removes the positions.
	CancelRefund bool
}

// Engine executes trades and settles markets.
type Engine struct {
	store   store.Store
	limiter *ratelimit.Limiter
	audit   *audit.Recorder
	cfg     Config
}

// New creates an engine.
func New(st store.Store, limiter *ratelimit.Limiter, recorder *audit.Recorder, cfg Config) *Engine {
	return &Engine{store: st, limiter: limiter, audit: recorder, cfg: cfg}
}

// TradeInput is one requested trade. The caller identity is resolved
// server-side and passed separately; it is never part of client input.
type TradeInput struct {
	MarketID  string
	Side      model.Side
	Direction model.Direction
	Shares    decimal.Decimal
	Price     decimal.Decimal
}

// TradeResult is the outcome of one executed trade.
type TradeResult struct {
	TradeID    string          `json:"trade_id"`
	Cost       decimal.Decimal `json:"cost"`
	NewBalance decimal.Decimal `json:"new_balance"`
	YesPrice   decimal.Decimal `json:"yes_price"`
	NoPrice    decimal.Decimal `json:"no_price"`
}

func (e *Engine) validateTrade(in TradeInput) error {
	if !in.Side.Valid() {
		return &ValidationError{Field: "side", Reason: "must be yes or no"}
	}
	if !in.Direction.Valid() {
		return &ValidationError{Field: "direction", Reason: "must be buy or sell"}
	}
	if !in.Shares.IsPositive() {
		return &ValidationError{Field: "shares", Reason: "must be positive"}
	}
	if in.Shares.GreaterThan(e.cfg.MaxShares) {
		return &ValidationError{Field: "shares", Reason: "exceeds per-trade ceiling " + e.cfg.MaxShares.String()}
	}
	if in.Price.LessThan(e.cfg.MinPrice) || in.Price.GreaterThan(e.cfg.MaxPrice) {
		return &ValidationError{
			Field:  "price",
			Reason: fmt.Sprintf("must be in [%s, %s]", e.cfg.MinPrice, e.cfg.MaxPrice),
		}
	}
	return nil
}

// ExecuteTrade validates and executes one trade: ledger movement, trade
// record, position fill, and market aggregates commit as one atomic unit.
func (e *Engine) ExecuteTrade(ctx context.Context, caller *model.Account, in TradeInput) (TradeResult, error) {
	start := time.Now()
	var result TradeResult

	if caller == nil {
		return result, auth.ErrUnauthenticated
	}

	if err := e.validateTrade(in); err != nil {
		e.audit.Record(ctx, caller.ID, "execute_trade", "market", in.MarketID, err.Error(), false)
		return result, err
	}

	if err := e.limiter.Check(ctx, caller.ID, ratelimit.OpExecuteTrade); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.RateLimitRejections.WithLabelValues(ratelimit.OpExecuteTrade).Inc()
		}
		e.audit.Record(ctx, caller.ID, "execute_trade", "market", in.MarketID, err.Error(), false)
		return result, err
	}

	cost := in.Shares.Mul(in.Price)

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(ctx, in.MarketID)
		if err != nil {
			return err
		}
		if market.Status != model.StatusActive {
			return ErrMarketNotActive
		}

		var balance decimal.Decimal
		if in.Direction == model.DirectionBuy {
			balance, err = ledger.Debit(ctx, tx, caller.ID, cost)
		} else {
			// An oversell fails in ApplyFill below and rolls this
			// credit back with the rest of the unit.
			balance, err = ledger.Credit(ctx, tx, caller.ID, cost)
		}
		if err != nil {
			return err
		}

		trade := &model.Trade{
			ID:        uuid.New().String(),
			AccountID: caller.ID,
			MarketID:  in.MarketID,
			Side:      in.Side,
			Direction: in.Direction,
			Shares:    in.Shares,
			Price:     in.Price,
			Cost:      cost,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		if err := book.ApplyFill(ctx, tx, caller.ID, in.MarketID, in.Side, in.Direction, in.Shares, in.Price); err != nil {
			return err
		}

		// Market aggregates: volume always grows; shares outstanding move
		// with the trade's sign. The executed price becomes the market's
		// quote, keeping yes + no = 1.
		sharesYes, sharesNo := market.SharesYes, market.SharesNo
		delta := in.Shares
		if in.Direction == model.DirectionSell {
			delta = delta.Neg()
		}
		if in.Side == model.SideYes {
			sharesYes = sharesYes.Add(delta)
		} else {
			sharesNo = sharesNo.Add(delta)
		}

		one := decimal.NewFromInt(1)
		yesPrice := in.Price
		if in.Side == model.SideNo {
			yesPrice = one.Sub(in.Price)
		}
		noPrice := one.Sub(yesPrice)

		totalVolume := market.TotalVolume.Add(cost)
		if err := tx.UpdateMarketAggregates(ctx, in.MarketID, yesPrice, noPrice, totalVolume, sharesYes, sharesNo); err != nil {
			return err
		}

		result = TradeResult{
			TradeID:    trade.ID,
			Cost:       cost,
			NewBalance: balance,
			YesPrice:   yesPrice,
			NoPrice:    noPrice,
		}
		return nil
	})
	if err != nil {
		e.audit.Record(ctx, caller.ID, "execute_trade", "market", in.MarketID, err.Error(), false)
		return TradeResult{}, err
	}

	metrics.TradesTotal.WithLabelValues(string(in.Side), string(in.Direction)).Inc()
	metrics.TradeLatency.Observe(time.Since(start).Seconds())

	details := fmt.Sprintf("trade=%s %s %s shares=%s price=%s cost=%s",
		result.TradeID, in.Direction, in.Side, in.Shares, in.Price, cost)
	e.audit.Record(ctx, caller.ID, "execute_trade", "market", in.MarketID, details, true)

	slog.Info("trade executed",
		"trade_id", result.TradeID,
		"account", caller.ID,
		"market", in.MarketID,
		"side", in.Side,
		"direction", in.Direction,
		"shares", in.Shares.String(),
		"price", in.Price.String(),
		"cost", cost.String(),
	)
	return result, nil
}

// ResolveResult is the outcome of one market settlement.
type ResolveResult struct {
	Outcome   model.Side      `json:"outcome"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	Winners   int             `json:"winners"`
}

// ResolveMarket fixes a market's outcome and pays every winning position
// one unit of balance per share. Only the market's creator or an admin
// may resolve. The status transition and the payout loop are one atomic
// unit, so no trade can execute once resolution begins.
func (e *Engine) ResolveMarket(ctx context.Context, caller *model.Account, marketID string, outcome model.Side) (ResolveResult, error) {
	var result ResolveResult

	if caller == nil {
		return result, auth.ErrUnauthenticated
	}

	if !outcome.Valid() {
		err := &ValidationError{Field: "outcome", Reason: "must be yes or no"}
		e.audit.Record(ctx, caller.ID, "resolve_market", "market", marketID, err.Error(), false)
		return result, err
	}

	if err := e.limiter.Check(ctx, caller.ID, ratelimit.OpResolveMarket); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.RateLimitRejections.WithLabelValues(ratelimit.OpResolveMarket).Inc()
		}
		e.audit.Record(ctx, caller.ID, "resolve_market", "market", marketID, err.Error(), false)
		return result, err
	}

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(caller, market.CreatorID); err != nil {
			return err
		}
		if market.Status != model.StatusActive {
			return ErrAlreadyResolved
		}

		if err := tx.SetMarketStatus(ctx, marketID, model.StatusResolved, outcome); err != nil {
			return err
		}

		// Each winning share redeems for exactly one unit. Losing
		// positions already paid their cost at trade time. Positions are
		// retained as historical record against the resolved market.
		winners, err := tx.ListPositionsByMarket(ctx, marketID, outcome)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, p := range winners {
			if _, err := ledger.Credit(ctx, tx, p.AccountID, p.Shares); err != nil {
				return err
			}
			total = total.Add(p.Shares)
		}

		// The payout must equal the winning side's shares outstanding;
		// drift between positions and market aggregates surfaces here.
		if !total.Equal(market.SharesOutstanding(outcome)) {
			slog.Warn("settlement payout does not match shares outstanding",
				"market", marketID,
				"paid", total.String(),
				"outstanding", market.SharesOutstanding(outcome).String(),
			)
		}

		result = ResolveResult{Outcome: outcome, TotalPaid: total, Winners: len(winners)}
		return nil
	})
	if err != nil {
		e.audit.Record(ctx, caller.ID, "resolve_market", "market", marketID, err.Error(), false)
		return ResolveResult{}, err
	}

	totalF, _ := result.TotalPaid.Float64()
	metrics.SettlementPayouts.Add(totalF)

	details := fmt.Sprintf("outcome=%s paid=%s winners=%d", outcome, result.TotalPaid, result.Winners)
	e.audit.Record(ctx, caller.ID, "resolve_market", "market", marketID, details, true)

	slog.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"total_paid", result.TotalPaid.String(),
		"winners", result.Winners,
	)
	return result, nil
}

// CancelResult is the outcome of one market cancellation.
type CancelResult struct {
	Refunded  decimal.Decimal `json:"refunded"`
	Positions int             `json:"positions"`
}

// CancelMarket transitions a market to cancelled. When CancelRefund is
// enabled, every position on the market is refunded its cost basis
// (shares × average price) and removed; otherwise positions stand and no
// balance moves. Creator-or-admin only, same as resolution.
func (e *Engine) CancelMarket(ctx context.Context, caller *model.Account, marketID string) (CancelResult, error) {
	var result CancelResult

	if caller == nil {
		return result, auth.ErrUnauthenticated
	}

	if err := e.limiter.Check(ctx, caller.ID, ratelimit.OpCancelMarket); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.RateLimitRejections.WithLabelValues(ratelimit.OpCancelMarket).Inc()
		}
		e.audit.Record(ctx, caller.ID, "cancel_market", "market", marketID, err.Error(), false)
		return result, err
	}

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(caller, market.CreatorID); err != nil {
			return err
		}
		if market.Status != model.StatusActive {
			return ErrAlreadyResolved
		}

		if err := tx.SetMarketStatus(ctx, marketID, model.StatusCancelled, ""); err != nil {
			return err
		}

		if !e.cfg.CancelRefund {
			return nil
		}

		positions, err := tx.ListPositionsByMarket(ctx, marketID, "")
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, p := range positions {
			refund := p.CostBasis()
			if _, err := ledger.Credit(ctx, tx, p.AccountID, refund); err != nil {
				return err
			}
			if err := tx.DeletePosition(ctx, p.AccountID, p.MarketID, p.Side); err != nil {
				return err
			}
			total = total.Add(refund)
		}
		result = CancelResult{Refunded: total, Positions: len(positions)}
		return nil
	})
	if err != nil {
		e.audit.Record(ctx, caller.ID, "cancel_market", "market", marketID, err.Error(), false)
		return CancelResult{}, err
	}

	details := fmt.Sprintf("refunded=%s positions=%d", result.Refunded, result.Positions)
	e.audit.Record(ctx, caller.ID, "cancel_market", "market", marketID, details, true)

	slog.Info("market cancelled",
		"market", marketID,
		"refunded", result.Refunded.String(),
		"positions", result.Positions,
	)
	return result, nil
}

// CreateMarket opens a new market at the given initial yes-price
// (0.5 when zero). The question text is opaque content to the engine.
func (e *Engine) CreateMarket(ctx context.Context, caller *model.Account, question string, yesPrice decimal.Decimal) (*model.Market, error) {
	if caller == nil {
		return nil, auth.ErrUnauthenticated
	}

	if yesPrice.IsZero() {
		yesPrice = decimal.NewFromFloat(0.5)
	}
	if yesPrice.LessThan(e.cfg.MinPrice) || yesPrice.GreaterThan(e.cfg.MaxPrice) {
		err := &ValidationError{
			Field:  "yes_price",
			Reason: fmt.Sprintf("must be in [%s, %s]", e.cfg.MinPrice, e.cfg.MaxPrice),
		}
		e.audit.Record(ctx, caller.ID, "create_market", "market", "", err.Error(), false)
		return nil, err
	}

	if err := e.limiter.Check(ctx, caller.ID, ratelimit.OpCreateMarket); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.RateLimitRejections.WithLabelValues(ratelimit.OpCreateMarket).Inc()
		}
		e.audit.Record(ctx, caller.ID, "create_market", "market", "", err.Error(), false)
		return nil, err
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		CreatorID:   caller.ID,
		Question:    question,
		Status:      model.StatusActive,
		YesPrice:    yesPrice,
		NoPrice:     decimal.NewFromInt(1).Sub(yesPrice),
		TotalVolume: decimal.Zero,
		SharesYes:   decimal.Zero,
		SharesNo:    decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateMarket(ctx, market)
	})
	if err != nil {
		e.audit.Record(ctx, caller.ID, "create_market", "market", market.ID, err.Error(), false)
		return nil, err
	}

	e.audit.Record(ctx, caller.ID, "create_market", "market", market.ID, "yes_price="+yesPrice.String(), true)

	slog.Info("market created",
		"market", market.ID,
		"creator", caller.ID,
		"yes_price", yesPrice.String(),
	)
	return market, nil
}
