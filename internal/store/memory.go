package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moonbet/market-engine/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Atomic units run against a cloned state that is
// swapped in only on success, so a failed unit leaves no writes behind.
// The store mutex is held for the whole unit, which serializes all
// units — the test-grade equivalent of serializable isolation.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type posKey struct {
	accountID string
	marketID  string
	side      model.Side
}

type rateKey struct {
	accountID string
	operation string
}

type memState struct {
	accounts    map[string]*model.Account
	markets     map[string]*model.Market
	trades      []model.Trade
	positions   map[posKey]*model.Position
	rateWindows map[rateKey]*model.RateLimitWindow
	audits      []model.AuditEvent
}

func newMemState() *memState {
	return &memState{
		accounts:    make(map[string]*model.Account),
		markets:     make(map[string]*model.Market),
		positions:   make(map[posKey]*model.Position),
		rateWindows: make(map[rateKey]*model.RateLimitWindow),
	}
}

// clone deep-copies the state so an aborted unit can be discarded.
func (s *memState) clone() *memState {
	c := newMemState()
	for id, a := range s.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for id, m := range s.markets {
		cp := *m
		c.markets[id] = &cp
	}
	for k, p := range s.positions {
		cp := *p
		c.positions[k] = &cp
	}
	for k, w := range s.rateWindows {
		cp := *w
		c.rateWindows[k] = &cp
	}
	c.trades = append([]model.Trade(nil), s.trades...)
	c.audits = append([]model.AuditEvent(nil), s.audits...)
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// --- Read-only queries ---

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.state.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for k, p := range s.state.positions {
		if k.accountID == accountID {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, accountID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.state.trades {
		if t.AccountID == accountID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// Atomic runs fn against a clone of the current state and swaps the
// clone in only when fn succeeds.
func (s *MemoryStore) Atomic(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memoryTx{state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// memoryTx operates directly on the working clone. Row locking is a
// no-op: the store mutex already serializes whole units.
type memoryTx struct {
	state *memState
}

func (t *memoryTx) GetAccountForUpdate(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (t *memoryTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, exists := t.state.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	cp := *a
	t.state.accounts[a.ID] = &cp
	return nil
}

func (t *memoryTx) SetAccountBalance(_ context.Context, id string, balance decimal.Decimal) error {
	a, ok := t.state.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.Balance = balance
	return nil
}

func (t *memoryTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (t *memoryTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, exists := t.state.markets[m.ID]; exists {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	t.state.markets[m.ID] = &cp
	return nil
}

func (t *memoryTx) UpdateMarketAggregates(_ context.Context, id string, yesPrice, noPrice, totalVolume, sharesYes, sharesNo decimal.Decimal) error {
	m, ok := t.state.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.YesPrice = yesPrice
	m.NoPrice = noPrice
	m.TotalVolume = totalVolume
	m.SharesYes = sharesYes
	m.SharesNo = sharesNo
	return nil
}

func (t *memoryTx) SetMarketStatus(_ context.Context, id string, status model.MarketStatus, outcome model.Side) error {
	m, ok := t.state.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	m.Outcome = outcome
	return nil
}

func (t *memoryTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.state.trades = append(t.state.trades, *tr)
	return nil
}

func (t *memoryTx) GetPosition(_ context.Context, accountID, marketID string, side model.Side) (*model.Position, error) {
	p, ok := t.state.positions[posKey{accountID, marketID, side}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", accountID, marketID, side, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTx) UpsertPosition(_ context.Context, p *model.Position) error {
	cp := *p
	t.state.positions[posKey{p.AccountID, p.MarketID, p.Side}] = &cp
	return nil
}

func (t *memoryTx) DeletePosition(_ context.Context, accountID, marketID string, side model.Side) error {
	delete(t.state.positions, posKey{accountID, marketID, side})
	return nil
}

func (t *memoryTx) ListPositionsByMarket(_ context.Context, marketID string, side model.Side) ([]model.Position, error) {
	var positions []model.Position
	for k, p := range t.state.positions {
		if k.marketID != marketID {
			continue
		}
		if side != "" && k.side != side {
			continue
		}
		positions = append(positions, *p)
	}
	return positions, nil
}

func (t *memoryTx) GetRateWindowForUpdate(_ context.Context, accountID, operation string) (*model.RateLimitWindow, error) {
	w, ok := t.state.rateWindows[rateKey{accountID, operation}]
	if !ok {
		return nil, fmt.Errorf("rate window %s/%s: %w", accountID, operation, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (t *memoryTx) PutRateWindow(_ context.Context, w *model.RateLimitWindow) error {
	cp := *w
	t.state.rateWindows[rateKey{w.AccountID, w.Operation}] = &cp
	return nil
}

func (t *memoryTx) PurgeRateWindows(_ context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	for k, w := range t.state.rateWindows {
		if w.WindowStart.Before(cutoff) {
			delete(t.state.rateWindows, k)
			purged++
		}
	}
	return purged, nil
}

func (t *memoryTx) InsertAuditEvent(_ context.Context, e *model.AuditEvent) error {
	t.state.audits = append(t.state.audits, *e)
	return nil
}

// AuditEvents returns a copy of all recorded audit events. Test helper.
func (s *MemoryStore) AuditEvents() []model.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.AuditEvent(nil), s.state.audits...)
}

// Trades returns a copy of all recorded trades. Test helper.
func (s *MemoryStore) Trades() []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Trade(nil), s.state.trades...)
}
