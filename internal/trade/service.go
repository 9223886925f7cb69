// Package trade provides the HTTP handlers for the privileged operation
// surface: trade execution, market lifecycle, the chance games, and the
// caller's balance/portfolio reads.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/auth"
	"github.com/moonbet/market-engine/internal/book"
	"github.com/moonbet/market-engine/internal/engine"
	"github.com/moonbet/market-engine/internal/games"
	"github.com/moonbet/market-engine/internal/ledger"
	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/ratelimit"
	"github.com/moonbet/market-engine/internal/store"
)

// Service wires the domain engines to the HTTP surface.
type Service struct {
	store   store.Store
	engine  *engine.Engine
	slots   *games.Slots
	lootBox *games.LootBox
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, slots *games.Slots, lootBox *games.LootBox, hub *WSHub) *Service {
	return &Service{
		store:   st,
		engine:  eng,
		slots:   slots,
		lootBox: lootBox,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question string          `json:"question"`
	YesPrice decimal.Decimal `json:"yes_price"` // 0 → default 0.5
}

// TradeRequest is the JSON body for POST /trades. The caller's identity
// comes from the verified session, never from the body.
type TradeRequest struct {
	MarketID  string          `json:"market_id"`
	Side      model.Side      `json:"side"`
	Direction model.Direction `json:"direction"`
	Shares    decimal.Decimal `json:"shares"`
	Price     decimal.Decimal `json:"price"`
}

// ResolveRequest is the JSON body for market resolution.
type ResolveRequest struct {
	Outcome model.Side `json:"outcome"`
}

// SlotsRequest is the JSON body for a slot spin.
type SlotsRequest struct {
	Bet decimal.Decimal `json:"bet"`
}

// --- HTTP handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.engine.CreateMarket(r.Context(), caller, req.Question, req.YesPrice)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ExecuteTrade handles POST /api/v1/trades
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.engine.ExecuteTrade(r.Context(), caller, engine.TradeInput{
		MarketID:  req.MarketID,
		Side:      req.Side,
		Direction: req.Direction,
		Shares:    req.Shares,
		Price:     req.Price,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: req.MarketID,
			Side:     string(req.Side),
			Shares:   req.Shares.String(),
			YesPrice: result.YesPrice.String(),
			NoPrice:  result.NoPrice.String(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	result, err := s.engine.ResolveMarket(r.Context(), caller, marketID, req.Outcome)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			Outcome:  string(result.Outcome),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// CancelMarket handles POST /api/v1/markets/{marketID}/cancel
func (s *Service) CancelMarket(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	result, err := s.engine.CancelMarket(r.Context(), caller, marketID)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_cancelled",
			MarketID: marketID,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// PlaySlots handles POST /api/v1/games/slots
func (s *Service) PlaySlots(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var req SlotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.slots.Spin(r.Context(), caller.ID, req.Bet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// OpenLootBox handles POST /api/v1/games/lootbox
func (s *Service) OpenLootBox(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.lootBox.Open(r.Context(), caller.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Me handles GET /api/v1/me — the caller's account snapshot.
func (s *Service) Me(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	// Re-read for the freshest balance; the context copy may be stale.
	account, err := s.store.GetAccount(r.Context(), caller.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Portfolio handles GET /api/v1/portfolio — the caller's open positions.
func (s *Service) Portfolio(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	positions, err := s.store.ListPositionsByAccount(r.Context(), caller.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Error mapping ---

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var validation *engine.ValidationError

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, auth.ErrForbidden):
		writeJSONError(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &validation), errors.Is(err, games.ErrBetOutOfRange):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrMarketNotActive),
		errors.Is(err, engine.ErrAlreadyResolved),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, book.ErrInsufficientShares):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		writeJSONError(w, err.Error(), http.StatusTooManyRequests)
	default:
		// Storage/transaction failure: the unit rolled back and the
		// caller may retry.
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
