// Package api provides the HTTP surface of the market engine: market
// creation and listing, trade execution and preview, resolution, trade
// history, portfolios, leaderboards, and the WebSocket price feed.
//
// Authentication is out of scope: callers arrive with a validated identity
// and pass it as user_id. All monetary values use shopspring/decimal.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/engine"
	"github.com/Galhadarr/circlebet/internal/ledger"
	"github.com/Galhadarr/circlebet/internal/lmsr"
	"github.com/Galhadarr/circlebet/internal/model"
	"github.com/Galhadarr/circlebet/internal/store"
)

// Service handles HTTP requests against the engine and its collaborators.
type Service struct {
	engine *engine.Engine
	store  store.Store
	ledger ledger.Ledger
	hub    *WSHub
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(e *engine.Engine, st store.Store, lg ledger.Ledger, hub *WSHub) *Service {
	return &Service{engine: e, store: st, ledger: lg, hub: hub}
}

// Routes mounts all endpoints under the given router.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/circles/{circleID}", func(r chi.Router) {
		r.Post("/markets", s.CreateMarket)
		r.Get("/markets", s.ListMarkets)
		r.Get("/leaderboard", s.Leaderboard)
	})

	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", s.GetMarket)
		r.Post("/trades", s.ExecuteTrade)
		r.Post("/preview", s.PreviewTrade)
		r.Post("/resolve", s.ResolveMarket)
		r.Get("/trades", s.MarketTrades)
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/trades", s.UserTrades)
		r.Get("/portfolio", s.Portfolio)
	})
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	EndTime     time.Time `json:"end_time"`
}

// TradeRequest is the JSON body for trade execution and preview.
// For BUY, amount is currency to spend; for SELL, shares to liquidate.
type TradeRequest struct {
	UserID    string          `json:"user_id"`
	Side      model.Side      `json:"side"`
	Direction model.Direction `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for market resolution.
type ResolveRequest struct {
	UserID  string        `json:"user_id"`
	Outcome model.Outcome `json:"outcome"`
}

// MarketResponse is a market with its current prices.
type MarketResponse struct {
	model.Market
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
}

// MarketDetailResponse adds trade-log aggregates to a market view.
type MarketDetailResponse struct {
	MarketResponse
	TotalVolume decimal.Decimal `json:"total_volume"`
	BettorCount int             `json:"bettor_count"`
}

// PortfolioHolding is one priced position in a portfolio view.
type PortfolioHolding struct {
	MarketID     string          `json:"market_id"`
	MarketTitle  string          `json:"market_title"`
	CircleID     string          `json:"circle_id"`
	Status       string          `json:"status"`
	YesShares    decimal.Decimal `json:"yes_shares"`
	NoShares     decimal.Decimal `json:"no_shares"`
	PriceYes     decimal.Decimal `json:"current_price_yes"`
	PriceNo      decimal.Decimal `json:"current_price_no"`
	CurrentValue decimal.Decimal `json:"current_value"`
}

// LeaderboardEntry is one ranked row of a circle leaderboard.
type LeaderboardEntry struct {
	Rank    int             `json:"rank"`
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

func marketResponse(m *model.Market) MarketResponse {
	resp := MarketResponse{Market: *m}
	if mm, err := lmsr.New(m.B); err == nil {
		resp.PriceYes = mm.PriceYes(m.QYes, m.QNo)
		resp.PriceNo = mm.PriceNo(m.QYes, m.QNo)
	}
	return resp
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/circles/{circleID}/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	circleID := chi.URLParam(r, "circleID")

	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Title == "" {
		writeError(w, "user_id and title are required", http.StatusBadRequest)
		return
	}

	m, err := s.engine.CreateMarket(r.Context(), req.UserID, circleID, req.Title, req.Description, req.EndTime)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, marketResponse(m))
}

// ListMarkets handles GET /api/v1/circles/{circleID}/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListCircleMarkets(r.Context(), chi.URLParam(r, "circleID"))
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	resp := make([]MarketResponse, 0, len(markets))
	for i := range markets {
		resp = append(resp, marketResponse(&markets[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	marketID := chi.URLParam(r, "marketID")

	m, err := s.store.GetMarket(ctx, marketID)
	if errors.Is(err, store.ErrMarketNotFound) {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}

	volume, err := s.store.MarketVolume(ctx, marketID)
	if err != nil {
		writeError(w, "failed to load market volume", http.StatusInternalServerError)
		return
	}
	bettors, err := s.store.MarketBettorCount(ctx, marketID)
	if err != nil {
		writeError(w, "failed to load bettor count", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, MarketDetailResponse{
		MarketResponse: marketResponse(m),
		TotalVolume:    volume,
		BettorCount:    bettors,
	})
}

// ExecuteTrade handles POST /api/v1/markets/{marketID}/trades
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.engine.ExecuteTrade(r.Context(), req.UserID,
		chi.URLParam(r, "marketID"), req.Side, req.Direction, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PreviewTrade handles POST /api/v1/markets/{marketID}/preview
// Read-only: returns an advisory quote, takes no lock, mutates nothing.
func (s *Service) PreviewTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	preview, err := s.engine.PreviewTrade(r.Context(),
		chi.URLParam(r, "marketID"), req.Side, req.Direction, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	m, err := s.engine.ResolveMarket(r.Context(), req.UserID,
		chi.URLParam(r, "marketID"), req.Outcome)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse(m))
}

// MarketTrades handles GET /api/v1/markets/{marketID}/trades
func (s *Service) MarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// UserTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) UserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Portfolio handles GET /api/v1/users/{userID}/portfolio
// Returns the user's nonzero holdings marked to current market prices.
func (s *Service) Portfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	holdings, err := s.store.HoldingsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}

	items := []PortfolioHolding{}
	for _, h := range holdings {
		if h.YesShares.IsZero() && h.NoShares.IsZero() {
			continue
		}
		m, err := s.store.GetMarket(ctx, h.MarketID)
		if err != nil {
			continue
		}
		mm, err := lmsr.New(m.B)
		if err != nil {
			continue
		}
		pYes := mm.PriceYes(m.QYes, m.QNo)
		pNo := mm.PriceNo(m.QYes, m.QNo)

		items = append(items, PortfolioHolding{
			MarketID:     m.ID,
			MarketTitle:  m.Title,
			CircleID:     m.CircleID,
			Status:       string(m.Status),
			YesShares:    h.YesShares,
			NoShares:     h.NoShares,
			PriceYes:     pYes,
			PriceNo:      pNo,
			CurrentValue: h.YesShares.Mul(pYes).Add(h.NoShares.Mul(pNo)),
		})
	}
	writeJSON(w, http.StatusOK, map[string][]PortfolioHolding{"holdings": items})
}

// Leaderboard handles GET /api/v1/circles/{circleID}/leaderboard
// Members ranked by balance, descending.
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.CircleBalances(r.Context(), chi.URLParam(r, "circleID"))
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}

	board := make([]LeaderboardEntry, 0, len(entries))
	for i, e := range entries {
		board = append(board, LeaderboardEntry{
			Rank:    i + 1,
			UserID:  e.UserID,
			Balance: e.Balance,
		})
	}
	writeJSON(w, http.StatusOK, board)
}

// --- Error mapping ---

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrMarketNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrNotCircleMember),
		errors.Is(err, engine.ErrNotCircleAdmin):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrMarketNotOpen),
		errors.Is(err, engine.ErrMarketNotClosed):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrSellNotAllowed),
		errors.Is(err, engine.ErrEndTimeNotFuture),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidDirection),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidOutcome):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
