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

// ErrBetOutOfRange is returned when a stake is outside the configured bounds.
var ErrBetOutOfRange = errors.New("games: bet out of range")

// Symbol is one reel symbol with its draw weight and three-of-a-kind
// payout multiplier.
type Symbol struct {
	Name       string
	Weight     int
	Multiplier decimal.Decimal
}

// SlotConfig is the fixed probability and payout table for the slot
// machine. TargetRTP documents the design return-to-player; it is
// verified against the table empirically in tests.
type SlotConfig struct {
	MinBet    decimal.Decimal
	MaxBet    decimal.Decimal
	Symbols   []Symbol
	TargetRTP decimal.Decimal
}

// TotalWeight returns the sum of all symbol weights.
func (c SlotConfig) TotalWeight() int {
	total := 0
	for _, s := range c.Symbols {
		total += s.Weight
	}
	return total
}

// TheoreticalRTP computes the long-run return-to-player implied by the
// table: Σ p³·multiplier over symbols, where p = weight/totalWeight.
func (c SlotConfig) TheoreticalRTP() decimal.Decimal {
	total := decimal.NewFromInt(int64(c.TotalWeight()))
	rtp := decimal.Zero
	for _, s := range c.Symbols {
		p := decimal.NewFromInt(int64(s.Weight)).Div(total)
		rtp = rtp.Add(p.Pow(decimal.NewFromInt(3)).Mul(s.Multiplier))
	}
	return rtp
}

// SpinResult is the outcome of one slot spin.
type SpinResult struct {
	Symbols    [3]string       `json:"symbols"`
	Won        bool            `json:"won"`
	Payout     decimal.Decimal `json:"payout"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// Slots is the slot machine engine.
type Slots struct {
	store   store.Store
	src     Source
	limiter *ratelimit.Limiter
	audit   *audit.Recorder
	cfg     SlotConfig
}

// NewSlots creates a slot machine engine.
func NewSlots(st store.Store, src Source, limiter *ratelimit.Limiter, recorder *audit.Recorder, cfg SlotConfig) *Slots {
	return &Slots{store: st, src: src, limiter: limiter, audit: recorder, cfg: cfg}
}

// Spin stakes bet, draws three independent weighted symbols, and pays
// bet × multiplier on exact three-of-a-kind. Debit, draw, and credit
// commit as one unit.
func (s *Slots) Spin(ctx context.Context, callerID string, bet decimal.Decimal) (SpinResult, error) {
	var result SpinResult

	if bet.LessThan(s.cfg.MinBet) || bet.GreaterThan(s.cfg.MaxBet) {
		err := fmt.Errorf("bet %s outside [%s, %s]: %w", bet, s.cfg.MinBet, s.cfg.MaxBet, ErrBetOutOfRange)
		s.audit.Record(ctx, callerID, "play_slots", "slot_spin", "", err.Error(), false)
		return result, err
	}

	if err := s.limiter.Check(ctx, callerID, ratelimit.OpPlaySlots); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.RateLimitRejections.WithLabelValues(ratelimit.OpPlaySlots).Inc()
		}
		s.audit.Record(ctx, callerID, "play_slots", "slot_spin", "", err.Error(), false)
		return result, err
	}

	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		balance, err := ledger.Debit(ctx, tx, callerID, bet)
		if err != nil {
			return err
		}

		totalWeight := s.cfg.TotalWeight()
		weights := make([]int, len(s.cfg.Symbols))
		for i, sym := range s.cfg.Symbols {
			weights[i] = sym.Weight
		}

		first := weightedPick(s.src, weights, totalWeight)
		allMatch := true
		for reel := 0; reel < 3; reel++ {
			idx := first
			if reel > 0 {
				idx = weightedPick(s.src, weights, totalWeight)
				if idx != first {
					allMatch = false
				}
			}
			result.Symbols[reel] = s.cfg.Symbols[idx].Name
		}

		result.Payout = decimal.Zero
		if allMatch {
			// Three-of-a-kind only; the matched symbol keys the multiplier.
			for _, sym := range s.cfg.Symbols {
				if sym.Name == result.Symbols[0] {
					result.Payout = bet.Mul(sym.Multiplier)
					break
				}
			}
		}
		result.Won = result.Payout.IsPositive()

		result.NewBalance = balance
		if result.Won {
			balance, err = ledger.Credit(ctx, tx, callerID, result.Payout)
			if err != nil {
				return err
			}
			result.NewBalance = balance
		}
		return nil
	})
	if err != nil {
		s.audit.Record(ctx, callerID, "play_slots", "slot_spin", "", err.Error(), false)
		return SpinResult{}, err
	}

	outcome := "lose"
	if result.Won {
		outcome = "win"
		payoutF, _ := result.Payout.Float64()
		metrics.SlotPayoutTotal.Add(payoutF)
	}
	metrics.SlotSpinsTotal.WithLabelValues(outcome).Inc()

	details := fmt.Sprintf("bet=%s symbols=%v payout=%s", bet, result.Symbols, result.Payout)
	s.audit.Record(ctx, callerID, "play_slots", "slot_spin", "", details, true)

	slog.Info("slot spin",
		"account", callerID,
		"bet", bet.String(),
		"symbols", result.Symbols,
		"payout", result.Payout.String(),
	)
	return result, nil
}
