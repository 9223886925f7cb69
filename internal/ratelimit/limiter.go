// Package ratelimit implements a fixed-window, per-caller, per-operation
// call-frequency guard. Windows live in the store as keyed rows rather
// than in-process counters, so limits survive restarts and hold across
// multiple engine instances.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/store"
)

// ErrLimitExceeded is returned when a caller exceeds an operation's
// call budget for the current window.
var ErrLimitExceeded = errors.New("ratelimit: limit exceeded")

// Operation names guarded by the limiter.
const (
	OpExecuteTrade  = "execute_trade"
	OpResolveMarket = "resolve_market"
	OpCancelMarket  = "cancel_market"
	OpCreateMarket  = "create_market"
	OpPlaySlots     = "play_slots"
	OpOpenLootBox   = "open_loot_box"
)

// Rule is the call budget for one operation.
type Rule struct {
	MaxCalls int
	Window   time.Duration
}

// Limiter checks fixed-window budgets against store-backed window rows.
type Limiter struct {
	store     store.Store
	rules     map[string]Rule
	retention time.Duration

	now func() time.Time // injectable for tests
}

// New creates a limiter. Operations without a rule are not limited.
// Retention is how long an expired window row is kept before PurgeStale
// removes it.
func New(st store.Store, rules map[string]Rule, retention time.Duration) *Limiter {
	return &Limiter{
		store:     st,
		rules:     rules,
		retention: retention,
		now:       time.Now,
	}
}

// Check counts one call of operation by accountID against the current
// window. The first call in a window (or a call after the window expired)
// resets the counter to 1; otherwise the counter increments, and once it
// passes the rule's budget the call fails with ErrLimitExceeded. The
// increment is persisted even on the failing call, so a hammering caller
// keeps being counted. Must be called, and succeed, before the guarded
// operation mutates any state.
func (l *Limiter) Check(ctx context.Context, accountID, operation string) error {
	rule, ok := l.rules[operation]
	if !ok {
		return nil
	}

	now := l.now().UTC()
	exceeded := false
	err := l.store.Atomic(ctx, func(tx store.Tx) error {
		w, err := tx.GetRateWindowForUpdate(ctx, accountID, operation)
		switch {
		case errors.Is(err, store.ErrNotFound):
			w = nil
		case err != nil:
			return err
		}

		if w == nil || now.Sub(w.WindowStart) >= rule.Window {
			return tx.PutRateWindow(ctx, &model.RateLimitWindow{
				AccountID:   accountID,
				Operation:   operation,
				CallCount:   1,
				WindowStart: now,
			})
		}

		w.CallCount++
		// The increment commits even when the budget is blown; the
		// exceeded flag is surfaced after the unit so the write is
		// not rolled back with the error.
		exceeded = w.CallCount > rule.MaxCalls
		return tx.PutRateWindow(ctx, w)
	})
	if err != nil {
		return err
	}
	if exceeded {
		return ErrLimitExceeded
	}
	return nil
}

// PurgeStale removes window rows whose start is older than the retention
// horizon and returns the number removed. Run periodically.
func (l *Limiter) PurgeStale(ctx context.Context) (int64, error) {
	cutoff := l.now().UTC().Add(-l.retention)
	var purged int64
	err := l.store.Atomic(ctx, func(tx store.Tx) error {
		n, err := tx.PurgeRateWindows(ctx, cutoff)
		purged = n
		return err
	})
	return purged, err
}
