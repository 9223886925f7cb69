package games_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moonbet/market-engine/internal/audit"
	"github.com/moonbet/market-engine/internal/games"
	"github.com/moonbet/market-engine/internal/ledger"
	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/ratelimit"
	"github.com/moonbet/market-engine/internal/store"
)

// Tier weights 60/25/10/4/1 out of 100; a roll of 99 lands on legendary.
func testLootBoxConfig() games.LootBoxConfig {
	return games.LootBoxConfig{
		Price: d(50),
		Tiers: []games.Tier{
			{Rarity: "common", Weight: 60, Items: []games.Item{
				{Name: "wooden token", Value: d(10)},
				{Name: "paper hat", Value: d(20)},
			}},
			{Rarity: "uncommon", Weight: 25, Items: []games.Item{
				{Name: "bronze coin", Value: d(40)},
			}},
			{Rarity: "rare", Weight: 10, Items: []games.Item{
				{Name: "silver chalice", Value: d(120)},
			}},
			{Rarity: "epic", Weight: 4, Items: []games.Item{
				{Name: "golden idol", Value: d(400)},
			}},
			{Rarity: "legendary", Weight: 1, Items: []games.Item{
				{Name: "crown", Value: d(1000)},
			}},
		},
	}
}

func newLootBoxEnv(t *testing.T, src games.Source, balance float64, rules map[string]ratelimit.Rule) (*games.LootBox, *store.MemoryStore) {
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
			ratelimit.OpOpenLootBox: {MaxCalls: 1000, Window: time.Minute},
		}
	}
	limiter := ratelimit.New(ms, rules, time.Hour)
	recorder := audit.NewRecorder(ms)
	return games.NewLootBox(ms, src, limiter, recorder, testLootBoxConfig()), ms
}

func TestOpen_CommonTierItemDraw(t *testing.T) {
	// Tier roll 0 lands on common; item roll 1 picks the second item.
	src := &scriptedSource{rolls: []int{0, 1}}
	lb, ms := newLootBoxEnv(t, src, 1000, nil)

	result, err := lb.Open(context.Background(), "player1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rarity != "common" || result.ItemName != "paper hat" {
		t.Errorf("expected common/paper hat, got %s/%s", result.Rarity, result.ItemName)
	}
	if !result.Value.Equal(d(20)) {
		t.Errorf("expected value 20, got %s", result.Value)
	}
	// 1000 - 50 + 20.
	if !result.NewBalance.Equal(d(970)) {
		t.Errorf("expected balance 970, got %s", result.NewBalance)
	}

	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(970)) {
		t.Errorf("stored balance should be 970, got %s", account.Balance)
	}
}

func TestOpen_LegendaryRoll(t *testing.T) {
	src := &scriptedSource{rolls: []int{99, 0}}
	lb, _ := newLootBoxEnv(t, src, 1000, nil)

	result, err := lb.Open(context.Background(), "player1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rarity != "legendary" || result.ItemName != "crown" {
		t.Errorf("expected legendary/crown, got %s/%s", result.Rarity, result.ItemName)
	}
	// 1000 - 50 + 1000.
	if !result.NewBalance.Equal(d(1950)) {
		t.Errorf("expected balance 1950, got %s", result.NewBalance)
	}
}

func TestOpen_TierBoundaries(t *testing.T) {
	cases := []struct {
		roll   int
		rarity string
	}{
		{0, "common"}, {59, "common"},
		{60, "uncommon"}, {84, "uncommon"},
		{85, "rare"}, {94, "rare"},
		{95, "epic"}, {98, "epic"},
		{99, "legendary"},
	}
	for _, tc := range cases {
		src := &scriptedSource{rolls: []int{tc.roll, 0}}
		lb, _ := newLootBoxEnv(t, src, 1000, nil)

		result, err := lb.Open(context.Background(), "player1")
		if err != nil {
			t.Fatalf("roll %d: %v", tc.roll, err)
		}
		if result.Rarity != tc.rarity {
			t.Errorf("roll %d: expected %s, got %s", tc.roll, tc.rarity, result.Rarity)
		}
	}
}

func TestOpen_InsufficientFunds(t *testing.T) {
	src := &scriptedSource{rolls: []int{0, 0}}
	lb, ms := newLootBoxEnv(t, src, 10, nil)

	_, err := lb.Open(context.Background(), "player1")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(10)) {
		t.Errorf("failed open must not move the balance, got %s", account.Balance)
	}

	// The failure is still audited.
	events := ms.AuditEvents()
	if len(events) != 1 || events[0].Success {
		t.Errorf("expected one failure audit event, got %+v", events)
	}
}

func TestOpen_RateLimited(t *testing.T) {
	src := &scriptedSource{rolls: []int{0, 0}}
	lb, ms := newLootBoxEnv(t, src, 1000, map[string]ratelimit.Rule{
		ratelimit.OpOpenLootBox: {MaxCalls: 1, Window: time.Minute},
	})

	if _, err := lb.Open(context.Background(), "player1"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := lb.Open(context.Background(), "player1")
	if !errors.Is(err, ratelimit.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// Only the first open's price was taken; the first draw paid 10 back.
	account, _ := ms.GetAccount(context.Background(), "player1")
	if !account.Balance.Equal(d(960)) {
		t.Errorf("expected balance 960, got %s", account.Balance)
	}
}

func TestLootBoxConfig_TotalWeight(t *testing.T) {
	if got := testLootBoxConfig().TotalWeight(); got != 100 {
		t.Errorf("expected total weight 100, got %d", got)
	}
}
