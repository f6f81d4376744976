package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/api"
	"github.com/Galhadarr/circlebet/internal/engine"
	"github.com/Galhadarr/circlebet/internal/model"
	"github.com/Galhadarr/circlebet/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	circleID = "circle-1"
	adminID  = "admin"
	aliceID  = "alice"
)

// newTestEnv creates the HTTP service with an in-memory store, a seeded
// circle, and a chi router mounted the way cmd/server does.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()

	ms := store.NewMemoryStore()
	ms.AddCircle(circleID, adminID)
	ms.AddMember(adminID, circleID, d(10000))
	ms.AddMember(aliceID, circleID, d(10000))

	eng, err := engine.New(ms, ms, engine.Config{
		DefaultLiquidityB: d(100),
		AllowSell:         true,
	}, nil)
	if err != nil {
		t.Fatalf("engine setup: %v", err)
	}

	svc := api.NewService(eng, ms, ms, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createMarket(t *testing.T, router chi.Router) api.MarketResponse {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/circles/"+circleID+"/markets", api.CreateMarketRequest{
		UserID:  adminID,
		Title:   "Will the home team win?",
		EndTime: time.Now().UTC().Add(24 * time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

// --- Market creation ---

func TestCreateMarket(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMarket(t, router)

	if m.ID == "" {
		t.Error("expected non-empty market id")
	}
	if m.Status != model.StatusOpen {
		t.Errorf("expected OPEN, got %s", m.Status)
	}
	if !m.PriceYes.Equal(d(0.5)) || !m.PriceNo.Equal(d(0.5)) {
		t.Errorf("new market should price at 0.5/0.5, got %s/%s", m.PriceYes, m.PriceNo)
	}
}

func TestCreateMarket_Errors(t *testing.T) {
	_, router := newTestEnv(t)
	path := "/api/v1/circles/" + circleID + "/markets"

	w := doJSON(t, router, "POST", path, api.CreateMarketRequest{
		UserID: adminID, EndTime: time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing title: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", path, api.CreateMarketRequest{
		UserID: "stranger", Title: "t", EndTime: time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-member: expected 403, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", path, api.CreateMarketRequest{
		UserID: adminID, Title: "t", EndTime: time.Now().Add(-time.Hour),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("past end time: expected 400, got %d", w.Code)
	}
}

func TestListMarkets(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)
	createMarket(t, router)

	w := doJSON(t, router, "GET", "/api/v1/circles/"+circleID+"/markets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var markets []api.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 2 {
		t.Errorf("expected 2 markets, got %d", len(markets))
	}
}

// --- Trading ---

func TestExecuteTrade_Buy(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMarket(t, router)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades", api.TradeRequest{
		UserID:    aliceID,
		Side:      model.SideYes,
		Direction: model.DirectionBuy,
		Amount:    d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if resp.Shares.LessThanOrEqual(decimal.Zero) {
		t.Errorf("shares should be positive, got %s", resp.Shares)
	}
	if !resp.NewBalance.Equal(d(9900)) {
		t.Errorf("balance should be 9900, got %s", resp.NewBalance)
	}
	if resp.NewPriceYes.LessThanOrEqual(d(0.5)) {
		t.Errorf("YES price should rise, got %s", resp.NewPriceYes)
	}
}

func TestExecuteTrade_ErrorStatusCodes(t *testing.T) {
	ms, router := newTestEnv(t)
	m := createMarket(t, router)
	tradePath := "/api/v1/markets/" + m.ID + "/trades"

	cases := []struct {
		name string
		req  api.TradeRequest
		path string
		want int
	}{
		{"non-member", api.TradeRequest{UserID: "stranger", Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(10)}, tradePath, http.StatusForbidden},
		{"bad side", api.TradeRequest{UserID: aliceID, Side: "MAYBE", Direction: model.DirectionBuy, Amount: d(10)}, tradePath, http.StatusBadRequest},
		{"zero amount", api.TradeRequest{UserID: aliceID, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(0)}, tradePath, http.StatusBadRequest},
		{"over balance", api.TradeRequest{UserID: aliceID, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(99999)}, tradePath, http.StatusBadRequest},
		{"oversell", api.TradeRequest{UserID: aliceID, Side: model.SideYes, Direction: model.DirectionSell, Amount: d(10)}, tradePath, http.StatusBadRequest},
		{"unknown market", api.TradeRequest{UserID: aliceID, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(10)}, "/api/v1/markets/nope/trades", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", tc.path, tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	// CLOSED market rejects trades with 409.
	if _, err := ms.CloseExpired(context.Background(), time.Now().UTC().Add(48*time.Hour)); err != nil {
		t.Fatalf("close expired: %v", err)
	}
	w := doJSON(t, router, "POST", tradePath, api.TradeRequest{
		UserID: aliceID, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("closed market: expected 409, got %d", w.Code)
	}
}

func TestPreviewTrade(t *testing.T) {
	ms, router := newTestEnv(t)
	m := createMarket(t, router)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/preview", api.TradeRequest{
		Side:      model.SideYes,
		Direction: model.DirectionBuy,
		Amount:    d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var p engine.Preview
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.EstimatedShares.LessThanOrEqual(decimal.Zero) {
		t.Errorf("estimated shares should be positive, got %s", p.EstimatedShares)
	}

	// Preview must not move the market.
	got, _ := ms.GetMarket(context.Background(), m.ID)
	if !got.QYes.IsZero() {
		t.Errorf("preview must not mutate, q_yes=%s", got.QYes)
	}
}

// --- Market detail / history ---

// brokenStore fails every market read, simulating a storage outage.
type brokenStore struct {
	store.Store
}

func (brokenStore) GetMarket(context.Context, string) (*model.Market, error) {
	return nil, errors.New("connection refused")
}

func TestGetMarket_StatusCodes(t *testing.T) {
	_, router := newTestEnv(t)

	// Unknown market: 404.
	w := doJSON(t, router, "GET", "/api/v1/markets/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown market: expected 404, got %d", w.Code)
	}

	// Storage failure: 500, not 404.
	ms := store.NewMemoryStore()
	ms.AddCircle(circleID, adminID)
	ms.AddMember(adminID, circleID, d(10000))
	eng, err := engine.New(ms, ms, engine.Config{DefaultLiquidityB: d(100)}, nil)
	if err != nil {
		t.Fatalf("engine setup: %v", err)
	}
	svc := api.NewService(eng, brokenStore{Store: ms}, ms, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w = doJSON(t, r, "GET", "/api/v1/markets/any", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("store failure: expected 500, got %d", w.Code)
	}
}

func TestGetMarket_DetailAggregates(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMarket(t, router)

	for _, user := range []string{adminID, aliceID} {
		w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades", api.TradeRequest{
			UserID: user, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(50),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("trade: %d %s", w.Code, w.Body.String())
		}
	}

	w := doJSON(t, router, "GET", "/api/v1/markets/"+m.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail api.MarketDetailResponse
	json.Unmarshal(w.Body.Bytes(), &detail)

	if !detail.TotalVolume.Equal(d(100)) {
		t.Errorf("expected volume 100, got %s", detail.TotalVolume)
	}
	if detail.BettorCount != 2 {
		t.Errorf("expected 2 bettors, got %d", detail.BettorCount)
	}
	if detail.PriceYes.LessThanOrEqual(d(0.5)) {
		t.Errorf("expected YES price above 0.5, got %s", detail.PriceYes)
	}
}

func TestMarketTrades_History(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMarket(t, router)

	doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades", api.TradeRequest{
		UserID: aliceID, Side: model.SideNo, Direction: model.DirectionBuy, Amount: d(25),
	})

	w := doJSON(t, router, "GET", "/api/v1/markets/"+m.ID+"/trades", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Side != model.SideNo || trades[0].Direction != model.DirectionBuy {
		t.Errorf("unexpected trade record: %+v", trades[0])
	}
	// price_at_trade is the pre-trade YES price, also for NO trades.
	if !trades[0].PriceAtTrade.Equal(d(0.5)) {
		t.Errorf("expected price_at_trade 0.5, got %s", trades[0].PriceAtTrade)
	}
}

// --- Resolution ---

func TestResolveMarket_Flow(t *testing.T) {
	ms, router := newTestEnv(t)
	m := createMarket(t, router)
	resolvePath := "/api/v1/markets/" + m.ID + "/resolve"

	doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades", api.TradeRequest{
		UserID: aliceID, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(100),
	})

	// OPEN market: 409.
	w := doJSON(t, router, "POST", resolvePath, api.ResolveRequest{UserID: adminID, Outcome: model.OutcomeYes})
	if w.Code != http.StatusConflict {
		t.Errorf("open market: expected 409, got %d", w.Code)
	}

	if _, err := ms.CloseExpired(context.Background(), time.Now().UTC().Add(48*time.Hour)); err != nil {
		t.Fatalf("close expired: %v", err)
	}

	// Non-admin: 403.
	w = doJSON(t, router, "POST", resolvePath, api.ResolveRequest{UserID: aliceID, Outcome: model.OutcomeYes})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", w.Code)
	}

	// Admin resolves.
	w = doJSON(t, router, "POST", resolvePath, api.ResolveRequest{UserID: adminID, Outcome: model.OutcomeYes})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved api.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if resolved.Status != model.StatusResolved || resolved.Outcome != model.OutcomeYes {
		t.Errorf("expected RESOLVED/YES, got %s/%s", resolved.Status, resolved.Outcome)
	}

	// Second attempt: 409.
	w = doJSON(t, router, "POST", resolvePath, api.ResolveRequest{UserID: adminID, Outcome: model.OutcomeNo})
	if w.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", w.Code)
	}
}

// --- Portfolio / leaderboard ---

func TestPortfolio(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMarket(t, router)

	doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades", api.TradeRequest{
		UserID: aliceID, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(100),
	})

	w := doJSON(t, router, "GET", "/api/v1/users/"+aliceID+"/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string][]api.PortfolioHolding
	json.Unmarshal(w.Body.Bytes(), &resp)

	holdings := resp["holdings"]
	if len(holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(holdings))
	}
	h := holdings[0]
	if h.MarketID != m.ID || h.YesShares.LessThanOrEqual(decimal.Zero) {
		t.Errorf("unexpected holding: %+v", h)
	}
	if !h.CurrentValue.Equal(h.YesShares.Mul(h.PriceYes)) {
		t.Errorf("current value should be shares*price: %+v", h)
	}
}

func TestLeaderboard_RankedByBalance(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMarket(t, router)

	// Alice spends, dropping below the admin.
	doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades", api.TradeRequest{
		UserID: aliceID, Side: model.SideYes, Direction: model.DirectionBuy, Amount: d(500),
	})

	w := doJSON(t, router, "GET", "/api/v1/circles/"+circleID+"/leaderboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var board []api.LeaderboardEntry
	json.Unmarshal(w.Body.Bytes(), &board)

	if len(board) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(board))
	}
	if board[0].UserID != adminID || board[0].Rank != 1 {
		t.Errorf("expected admin ranked first, got %+v", board[0])
	}
	if board[1].UserID != aliceID || !board[1].Balance.Equal(d(9500)) {
		t.Errorf("expected alice at 9500, got %+v", board[1])
	}
}
