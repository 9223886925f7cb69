package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moonbet/market-engine/internal/store"
)

func newTestLimiter(rules map[string]Rule) (*Limiter, *time.Time) {
	ms := store.NewMemoryStore()
	l := New(ms, rules, time.Hour)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestCheck_WithinBudget(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		OpExecuteTrade: {MaxCalls: 5, Window: time.Minute},
	})

	for i := 0; i < 5; i++ {
		if err := l.Check(context.Background(), "acct1", OpExecuteTrade); err != nil {
			t.Fatalf("call %d should pass: %v", i+1, err)
		}
	}
}

func TestCheck_BudgetExhausted(t *testing.T) {
	l, clock := newTestLimiter(map[string]Rule{
		OpExecuteTrade: {MaxCalls: 20, Window: time.Minute},
	})

	// 20 calls spread over the window all pass.
	for i := 0; i < 20; i++ {
		*clock = clock.Add(2 * time.Second)
		if err := l.Check(context.Background(), "acct1", OpExecuteTrade); err != nil {
			t.Fatalf("call %d should pass: %v", i+1, err)
		}
	}

	// The 21st inside the same window fails.
	*clock = clock.Add(time.Second)
	if err := l.Check(context.Background(), "acct1", OpExecuteTrade); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("21st call should fail with ErrLimitExceeded, got %v", err)
	}

	// The first call of the next window passes again.
	*clock = clock.Add(time.Minute)
	if err := l.Check(context.Background(), "acct1", OpExecuteTrade); err != nil {
		t.Fatalf("fresh window call should pass: %v", err)
	}
}

func TestCheck_RejectedCallStillCounts(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		OpPlaySlots: {MaxCalls: 1, Window: time.Minute},
	})

	if err := l.Check(context.Background(), "acct1", OpPlaySlots); err != nil {
		t.Fatalf("first call: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Check(context.Background(), "acct1", OpPlaySlots); !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("hammering call %d should fail, got %v", i+1, err)
		}
	}
}

func TestCheck_IndependentPerCallerAndOperation(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		OpExecuteTrade: {MaxCalls: 1, Window: time.Minute},
		OpPlaySlots:    {MaxCalls: 1, Window: time.Minute},
	})

	if err := l.Check(context.Background(), "acct1", OpExecuteTrade); err != nil {
		t.Fatalf("acct1 trade: %v", err)
	}
	if err := l.Check(context.Background(), "acct1", OpExecuteTrade); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("acct1 second trade should fail, got %v", err)
	}

	// Same caller, different operation.
	if err := l.Check(context.Background(), "acct1", OpPlaySlots); err != nil {
		t.Errorf("acct1 slots should have its own budget: %v", err)
	}
	// Same operation, different caller.
	if err := l.Check(context.Background(), "acct2", OpExecuteTrade); err != nil {
		t.Errorf("acct2 trade should have its own budget: %v", err)
	}
}

func TestCheck_UnknownOperationUnlimited(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{})

	for i := 0; i < 100; i++ {
		if err := l.Check(context.Background(), "acct1", "not_configured"); err != nil {
			t.Fatalf("unconfigured operation should never be limited: %v", err)
		}
	}
}

func TestPurgeStale(t *testing.T) {
	ms := store.NewMemoryStore()
	l := New(ms, map[string]Rule{
		OpExecuteTrade: {MaxCalls: 5, Window: time.Minute},
	}, time.Hour)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	if err := l.Check(context.Background(), "old", OpExecuteTrade); err != nil {
		t.Fatalf("seed old window: %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	if err := l.Check(context.Background(), "fresh", OpExecuteTrade); err != nil {
		t.Fatalf("seed fresh window: %v", err)
	}

	purged, err := l.PurgeStale(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged window, got %d", purged)
	}
}
