package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/ledger"
	"github.com/Galhadarr/circlebet/internal/model"
	"github.com/Galhadarr/circlebet/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, status model.MarketStatus) (*store.MemoryStore, *model.Market) {
	t.Helper()

	ms := store.NewMemoryStore()
	ms.AddCircle("c1", "admin")
	ms.AddMember("u1", "c1", d(100))

	m := &model.Market{
		ID:       "m1",
		CircleID: "c1",
		Title:    "test market",
		EndTime:  time.Now().UTC().Add(time.Hour),
		QYes:     decimal.Zero,
		QNo:      decimal.Zero,
		B:        d(100),
		Status:   status,
		Outcome:  model.OutcomeNone,
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return ms, m
}

func buyApply(marketID string, delta decimal.Decimal) store.TradeApply {
	return store.TradeApply{
		MarketID: marketID,
		CircleID: "c1",
		PrevQYes: decimal.Zero,
		PrevQNo:  decimal.Zero,
		QYes:     d(10),
		QNo:      decimal.Zero,
		Holding:  model.Holding{UserID: "u1", MarketID: marketID, YesShares: d(10)},
		Trade: model.Trade{
			ID: "t1", UserID: "u1", MarketID: marketID,
			Side: model.SideYes, Direction: model.DirectionBuy,
			Amount: delta.Abs(), Shares: d(10), PriceAtTrade: d(0.5),
			Timestamp: time.Now().UTC(),
		},
		BalanceDelta: delta,
	}
}

func TestApplyTrade_CommitsAllState(t *testing.T) {
	ms, m := seed(t, model.StatusOpen)
	ctx := context.Background()

	newBal, err := ms.ApplyTrade(ctx, buyApply(m.ID, d(-40)))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !newBal.Equal(d(60)) {
		t.Errorf("balance: want 60, got %s", newBal)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if !got.QYes.Equal(d(10)) {
		t.Errorf("q_yes: want 10, got %s", got.QYes)
	}
	h, _ := ms.GetHolding(ctx, "u1", m.ID)
	if h == nil || !h.YesShares.Equal(d(10)) {
		t.Errorf("holding not written: %+v", h)
	}
	trades, _ := ms.TradesByMarket(ctx, m.ID)
	if len(trades) != 1 {
		t.Errorf("trade log: want 1 row, got %d", len(trades))
	}
}

func TestApplyTrade_ConflictWhenNotOpen(t *testing.T) {
	ms, m := seed(t, model.StatusClosed)

	_, err := ms.ApplyTrade(context.Background(), buyApply(m.ID, d(-40)))
	if !errors.Is(err, store.ErrMarketConflict) {
		t.Fatalf("expected ErrMarketConflict, got %v", err)
	}

	// Nothing committed.
	bal, _ := ms.Balance(context.Background(), "u1", "c1")
	if !bal.Equal(d(100)) {
		t.Errorf("balance should be untouched, got %s", bal)
	}
	trades, _ := ms.TradesByMarket(context.Background(), m.ID)
	if len(trades) != 0 {
		t.Errorf("no trade row should be written, got %d", len(trades))
	}
}

func TestApplyTrade_InsufficientFundsAbortsAll(t *testing.T) {
	ms, m := seed(t, model.StatusOpen)

	_, err := ms.ApplyTrade(context.Background(), buyApply(m.ID, d(-101)))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, _ := ms.GetMarket(context.Background(), m.ID)
	if !got.QYes.IsZero() {
		t.Errorf("market must not move on a rejected trade, q_yes=%s", got.QYes)
	}
	h, _ := ms.GetHolding(context.Background(), "u1", m.ID)
	if h != nil {
		t.Errorf("no holding should be written, got %+v", h)
	}
}

func TestApplyTrade_RejectsMismatchedQuantities(t *testing.T) {
	ms, m := seed(t, model.StatusOpen)
	ctx := context.Background()

	if _, err := ms.ApplyTrade(ctx, buyApply(m.ID, d(-40))); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// A second apply computed from the original quantities must lose the
	// compare-and-set instead of overwriting the first trade's state.
	_, err := ms.ApplyTrade(ctx, buyApply(m.ID, d(-40)))
	if !errors.Is(err, store.ErrStaleMarket) {
		t.Fatalf("expected ErrStaleMarket, got %v", err)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if !got.QYes.Equal(d(10)) {
		t.Errorf("first trade's quantities must survive: q_yes=%s", got.QYes)
	}
	bal, _ := ms.Balance(ctx, "u1", "c1")
	if !bal.Equal(d(60)) {
		t.Errorf("rejected apply must not touch the balance: got %s", bal)
	}
	trades, _ := ms.TradesByMarket(ctx, m.ID)
	if len(trades) != 1 {
		t.Errorf("rejected apply must not log a trade: got %d rows", len(trades))
	}
}

func TestApplyResolution_RequiresClosed(t *testing.T) {
	ms, m := seed(t, model.StatusOpen)

	err := ms.ApplyResolution(context.Background(), m.ID, model.OutcomeYes, nil)
	if !errors.Is(err, store.ErrMarketConflict) {
		t.Fatalf("expected ErrMarketConflict, got %v", err)
	}
}

func TestApplyResolution_PaysAndZeroesHoldings(t *testing.T) {
	ms, m := seed(t, model.StatusOpen)
	ctx := context.Background()

	if _, err := ms.ApplyTrade(ctx, buyApply(m.ID, d(-40))); err != nil {
		t.Fatalf("apply trade: %v", err)
	}
	if _, err := ms.CloseExpired(ctx, time.Now().UTC().Add(2*time.Hour)); err != nil {
		t.Fatalf("close: %v", err)
	}

	err := ms.ApplyResolution(ctx, m.ID, model.OutcomeYes,
		[]store.Payout{{UserID: "u1", Amount: d(10)}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if got.Status != model.StatusResolved || got.Outcome != model.OutcomeYes {
		t.Errorf("expected RESOLVED/YES, got %s/%s", got.Status, got.Outcome)
	}
	bal, _ := ms.Balance(ctx, "u1", "c1")
	if !bal.Equal(d(70)) {
		t.Errorf("balance: want 70, got %s", bal)
	}
	h, _ := ms.GetHolding(ctx, "u1", m.ID)
	if h == nil || !h.YesShares.IsZero() {
		t.Errorf("holding should be zeroed but kept, got %+v", h)
	}
}

func TestCloseExpired_OnlyOpenAndPast(t *testing.T) {
	ms, m := seed(t, model.StatusResolved)
	ctx := context.Background()

	count, err := ms.CloseExpired(ctx, time.Now().UTC().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if count != 0 {
		t.Errorf("resolved market must not be swept, count=%d", count)
	}
	got, _ := ms.GetMarket(ctx, m.ID)
	if got.Status != model.StatusResolved {
		t.Errorf("status changed: %s", got.Status)
	}
}
