package games_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/audit"
	"github.com/moonbet/market-engine/internal/games"
	"github.com/moonbet/market-engine/internal/ledger"
	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/ratelimit"
	"github.com/moonbet/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// scriptedSource replays a fixed sequence of rolls.
type scriptedSource struct {
	rolls []int
	i     int
}

func (s *scriptedSource) Intn(n int) int {
	if s.i >= len(s.rolls) {
		panic("scriptedSource: out of rolls")
	}
	v := s.rolls[s.i] % n
	s.i++
	return v
}

// Weights 45/25/15/10/5 out of 100; a roll of 95..99 lands on seven.
func testSlotConfig() games.SlotConfig {
	return games.SlotConfig{
		MinBet: d(1),
		MaxBet: d(1000),
		Symbols: []games.Symbol{
			{Name: "cherry", Weight: 45, Multiplier: d(7)},
			{Name: "lemon", Weight: 25, Multiplier: d(12)},
			{Name: "bell", Weight: 15, Multiplier: d(22)},
			{Name: "diamond", Weight: 10, Multiplier: d(35)},
			{Name: "seven", Weight: 5, Multiplier: d(50)},
		},
		TargetRTP: decimal.RequireFromString("0.940875"),
	}
}

func newSlotsEnv(t *testing.T, src games.Source, balance float64, rules map[string]ratelimit.Rule) (*games.Slots, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	err := ms.Atomic(context.Background(), func(tx store.Tx) error {
		return tx.CreateAccount(context.Background(), &model.Account{
			ID:        "player1",
			Balance:   d(balance),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	if rules == nil {
		rules = map[string]ratelimit.Rule{
			ratelimit.OpPlaySlots: {MaxCalls: 1000, Window: time.Minute},
		}
	}
	limiter := ratelimit.New(ms, rules, time.Hour)
	recorder := audit.NewRecorder(ms)
	return games.NewSlots(ms, src, limiter, recorder, testSlotConfig()), ms
}

func TestSpin_ThreeSevensPaysFiftyTimesBet(t *testing.T) {
	src := &scriptedSource{rolls: []int{95, 96, 99}}
	slots, ms := newSlotsEnv(t, src, 10000, nil)

	result, err := slots.Spin(context.Background(), "player1", d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [3]string{"seven", "seven", "seven"}
	if result.Symbols != want {
		t.Errorf("expected three sevens, got %v", result.Symbols)
	}
	if !result.Won {
		t.Error("expected a win")
	}
	if !result.Payout.Equal(d(5000)) {
		t.Errorf("expected payout 5000, got %s", result.Payout)
	}
	if !result.NewBalance.Equal(d(14900)) {
		t.Errorf("expected balance 14900, got %s", result.NewBalance)
	}

	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(14900)) {
		t.Errorf("stored balance should be 14900, got %s", account.Balance)
	}
}

func TestSpin_MixedReelsLoseTheStake(t *testing.T) {
	// cherry, lemon, seven.
	src := &scriptedSource{rolls: []int{0, 50, 99}}
	slots, ms := newSlotsEnv(t, src, 10000, nil)

	result, err := slots.Spin(context.Background(), "player1", d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Won {
		t.Errorf("mixed reels %v should lose", result.Symbols)
	}
	if !result.Payout.IsZero() {
		t.Errorf("expected zero payout, got %s", result.Payout)
	}
	if !result.NewBalance.Equal(d(9900)) {
		t.Errorf("expected balance 9900, got %s", result.NewBalance)
	}

	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(9900)) {
		t.Errorf("stored balance should be 9900, got %s", account.Balance)
	}
}

func TestSpin_TwoOfAKindIsNotAWin(t *testing.T) {
	// cherry, cherry, lemon.
	src := &scriptedSource{rolls: []int{0, 1, 50}}
	slots, _ := newSlotsEnv(t, src, 10000, nil)

	result, err := slots.Spin(context.Background(), "player1", d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Won || !result.Payout.IsZero() {
		t.Errorf("two of a kind must not pay, got won=%v payout=%s", result.Won, result.Payout)
	}
}

func TestSpin_BetOutOfRange(t *testing.T) {
	src := &scriptedSource{}
	slots, ms := newSlotsEnv(t, src, 10000, nil)

	for _, bet := range []float64{0.5, 1001} {
		_, err := slots.Spin(context.Background(), "player1", d(bet))
		if !errors.Is(err, games.ErrBetOutOfRange) {
			t.Errorf("bet %v: expected ErrBetOutOfRange, got %v", bet, err)
		}
	}

	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(10000)) {
		t.Errorf("rejected bets must not move the balance, got %s", account.Balance)
	}

	// Both rejections are audited as failures.
	var failures int
	for _, e := range ms.AuditEvents() {
		if e.Action == "play_slots" && !e.Success {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("expected 2 failure audit events, got %d", failures)
	}
}

func TestSpin_InsufficientFunds(t *testing.T) {
	src := &scriptedSource{rolls: []int{0, 0, 0}}
	slots, ms := newSlotsEnv(t, src, 50, nil)

	_, err := slots.Spin(context.Background(), "player1", d(100))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(50)) {
		t.Errorf("failed spin must not move the balance, got %s", account.Balance)
	}
}

func TestSpin_RateLimited(t *testing.T) {
	src := &scriptedSource{rolls: []int{0, 50, 99}}
	slots, ms := newSlotsEnv(t, src, 10000, map[string]ratelimit.Rule{
		ratelimit.OpPlaySlots: {MaxCalls: 1, Window: time.Minute},
	})

	if _, err := slots.Spin(context.Background(), "player1", d(10)); err != nil {
		t.Fatalf("first spin: %v", err)
	}
	_, err := slots.Spin(context.Background(), "player1", d(10))
	if !errors.Is(err, ratelimit.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// Only the first spin's stake was taken.
	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(9990)) {
		t.Errorf("expected balance 9990, got %s", account.Balance)
	}
}

func TestSpin_SuccessIsAudited(t *testing.T) {
	src := &scriptedSource{rolls: []int{0, 50, 99}}
	slots, ms := newSlotsEnv(t, src, 10000, nil)

	if _, err := slots.Spin(context.Background(), "player1", d(10)); err != nil {
		t.Fatalf("spin: %v", err)
	}

	events := ms.AuditEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	e := events[0]
	if e.AccountID != "player1" || e.Action != "play_slots" || !e.Success {
		t.Errorf("unexpected audit event: %+v", e)
	}
}
