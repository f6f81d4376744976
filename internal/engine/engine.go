// Package engine orchestrates the prediction-market core: market creation,
// atomic trade execution against the LMSR market maker, the
// OPEN → CLOSED → RESOLVED lifecycle, resolution payouts, and the expiry
// sweep. Persistence and balances are collaborators passed in; the pricing
// math lives in the lmsr package.
//
// All monetary values use shopspring/decimal, never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/ledger"
	"github.com/Galhadarr/circlebet/internal/lmsr"
	"github.com/Galhadarr/circlebet/internal/metrics"
	"github.com/Galhadarr/circlebet/internal/model"
	"github.com/Galhadarr/circlebet/internal/store"
)

// Config carries the engine's settings. There is no global settings object;
// the value is passed to New and fixed for the engine's lifetime.
type Config struct {
	// DefaultLiquidityB is the LMSR liquidity parameter assigned to every
	// new market. Must be positive.
	DefaultLiquidityB decimal.Decimal

	// AllowSell enables SELL trades. When false, sells are rejected with
	// ErrSellNotAllowed.
	AllowSell bool
}

// PriceNotifier receives price updates after committed state changes.
// Implemented by the WebSocket hub; nil notifiers are allowed.
type PriceNotifier interface {
	NotifyPrice(marketID string, priceYes, priceNo decimal.Decimal, status model.MarketStatus)
}

// Engine executes trades and lifecycle transitions. Operations on the same
// market are serialized by a per-market mutex held for the full
// read-validate-mutate span; operations on different markets run
// concurrently.
type Engine struct {
	store    store.Store
	ledger   ledger.Ledger
	cfg      Config
	notifier PriceNotifier

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates an engine. The default liquidity parameter is validated here
// so a misconfigured b surfaces at startup, not on the first trade.
func New(st store.Store, lg ledger.Ledger, cfg Config, notifier PriceNotifier) (*Engine, error) {
	if _, err := lmsr.New(cfg.DefaultLiquidityB); err != nil {
		return nil, fmt.Errorf("engine: invalid default liquidity: %w", err)
	}
	return &Engine{
		store:    st,
		ledger:   lg,
		cfg:      cfg,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// marketLock returns the mutex guarding one market's mutable state.
func (e *Engine) marketLock(marketID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	mu, ok := e.locks[marketID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[marketID] = mu
	}
	return mu
}

func (e *Engine) notify(m *model.Market, priceYes, priceNo decimal.Decimal) {
	if e.notifier != nil {
		e.notifier.NotifyPrice(m.ID, priceYes, priceNo, m.Status)
	}
}

// --- Market creation ---

// CreateMarket opens a new market in a circle. The caller must be a circle
// member and the end time must be in the future. Quantities start at zero,
// so both prices start at exactly 0.5.
func (e *Engine) CreateMarket(ctx context.Context, userID, circleID, title, description string, endTime time.Time) (*model.Market, error) {
	member, err := e.ledger.IsMember(ctx, userID, circleID)
	if err != nil {
		return nil, fmt.Errorf("membership check: %w", err)
	}
	if !member {
		return nil, ErrNotCircleMember
	}

	now := time.Now().UTC()
	if !endTime.After(now) {
		return nil, ErrEndTimeNotFuture
	}

	m := &model.Market{
		ID:          uuid.New().String(),
		CircleID:    circleID,
		Title:       title,
		Description: description,
		EndTime:     endTime,
		QYes:        decimal.Zero,
		QNo:         decimal.Zero,
		B:           e.cfg.DefaultLiquidityB,
		Status:      model.StatusOpen,
		CreatorID:   userID,
		CreatedAt:   now,
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	metrics.MarketsCreated.Inc()
	slog.Info("market created",
		"market_id", m.ID,
		"circle_id", circleID,
		"creator", userID,
		"end_time", endTime,
		"b", m.B.String(),
	)
	return m, nil
}

// --- Trade execution ---

// TradeResult is the settlement summary returned from ExecuteTrade.
type TradeResult struct {
	TradeID       string          `json:"trade_id"`
	Side          model.Side      `json:"side"`
	Direction     model.Direction `json:"direction"`
	Shares        decimal.Decimal `json:"shares"`
	AmountSettled decimal.Decimal `json:"amount_settled"`
	PriceBefore   decimal.Decimal `json:"price_at_trade"`
	NewPriceYes   decimal.Decimal `json:"new_price_yes"`
	NewPriceNo    decimal.Decimal `json:"new_price_no"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

// maxTradeAttempts bounds recomputation when the quantity compare-and-set
// inside ApplyTrade loses to a read that had gone stale (a cache-served
// market row).
const maxTradeAttempts = 3

// ExecuteTrade settles one buy or sell against the market maker.
//
// The market's mutex is held for the entire read-validate-mutate span, so
// concurrent trades against one market observe strictly serial semantics.
// Every validation gate runs before any mutation; the mutation itself is a
// single atomic store unit, compare-and-set on the quantities the trade was
// computed from. If that loses (the read was served stale), the trade is
// recomputed from fresh state. A numerically degenerate trade (zero shares
// or zero proceeds) is not an error: it settles as a zero-effect trade and
// still appends a trade record.
//
// For BUY, amount is currency to spend and the debit is exactly amount.
// For SELL, amount is the share quantity to liquidate and the credit is the
// priced proceeds.
func (e *Engine) ExecuteTrade(ctx context.Context, userID, marketID string, side model.Side, direction model.Direction, amount decimal.Decimal) (*TradeResult, error) {
	if side != model.SideYes && side != model.SideNo {
		return nil, ErrInvalidSide
	}
	if direction != model.DirectionBuy && direction != model.DirectionSell {
		return nil, ErrInvalidDirection
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	mu := e.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	var (
		res *TradeResult
		err error
	)
	for attempt := 0; attempt < maxTradeAttempts; attempt++ {
		res, err = e.tradeAttempt(ctx, userID, marketID, side, direction, amount)
		if !errors.Is(err, store.ErrStaleMarket) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrStaleMarket) {
			return nil, fmt.Errorf("apply trade: %w", err)
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side), string(direction)).Inc()
	metrics.TradeLatency.WithLabelValues(string(direction)).Observe(time.Since(start).Seconds())
	slog.Info("trade executed",
		"trade_id", res.TradeID,
		"user", userID,
		"market_id", marketID,
		"side", side,
		"direction", direction,
		"amount", res.AmountSettled.String(),
		"shares", res.Shares.String(),
		"price_before", res.PriceBefore.String(),
		"new_price_yes", res.NewPriceYes.String(),
	)

	if e.notifier != nil {
		// The conditional apply only commits against an OPEN market.
		e.notifier.NotifyPrice(marketID, res.NewPriceYes, res.NewPriceNo, model.StatusOpen)
	}
	return res, nil
}

// tradeAttempt runs one read-validate-compute-apply pass. Must be called
// with the market lock held. ErrStaleMarket passes through untranslated so
// ExecuteTrade can re-read and recompute.
func (e *Engine) tradeAttempt(ctx context.Context, userID, marketID string, side model.Side, direction model.Direction, amount decimal.Decimal) (*TradeResult, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrMarketNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, fmt.Errorf("load market: %w", err)
	}
	if m.Status != model.StatusOpen {
		return nil, ErrMarketNotOpen
	}

	member, err := e.ledger.IsMember(ctx, userID, m.CircleID)
	if err != nil {
		return nil, fmt.Errorf("membership check: %w", err)
	}
	if !member {
		return nil, ErrNotCircleMember
	}

	holding, err := e.store.GetHolding(ctx, userID, marketID)
	if err != nil {
		return nil, fmt.Errorf("load holding: %w", err)
	}
	if holding == nil {
		holding = &model.Holding{
			UserID:    userID,
			MarketID:  marketID,
			YesShares: decimal.Zero,
			NoShares:  decimal.Zero,
		}
	}

	mm, err := lmsr.New(m.B)
	if err != nil {
		return nil, fmt.Errorf("market %s has invalid liquidity %s: %w", m.ID, m.B, err)
	}

	// The pre-trade YES price is recorded for every trade, whatever its
	// side or direction, so the audit log is one consistent price series.
	priceBefore := mm.PriceYes(m.QYes, m.QNo)
	isYes := side == model.SideYes

	newQYes, newQNo := m.QYes, m.QNo
	var tradeAmount, tradeShares, balanceDelta decimal.Decimal

	switch direction {
	case model.DirectionBuy:
		balance, err := e.ledger.Balance(ctx, userID, m.CircleID)
		if err != nil {
			if errors.Is(err, ledger.ErrNoSuchMember) {
				return nil, ErrNotCircleMember
			}
			return nil, fmt.Errorf("load balance: %w", err)
		}
		if balance.LessThan(amount) {
			return nil, ErrInsufficientBalance
		}

		shares := mm.SharesForBuy(m.QYes, m.QNo, isYes, amount)
		if isYes {
			newQYes = m.QYes.Add(shares)
			holding.YesShares = holding.YesShares.Add(shares)
		} else {
			newQNo = m.QNo.Add(shares)
			holding.NoShares = holding.NoShares.Add(shares)
		}

		// The debit is always the requested spend, not a derived cost.
		balanceDelta = amount.Neg()
		tradeAmount = amount
		tradeShares = shares

	case model.DirectionSell:
		if !e.cfg.AllowSell {
			return nil, ErrSellNotAllowed
		}

		sharesToSell := amount
		if isYes && holding.YesShares.LessThan(sharesToSell) {
			return nil, ErrInsufficientShares
		}
		if !isYes && holding.NoShares.LessThan(sharesToSell) {
			return nil, ErrInsufficientShares
		}

		proceeds := mm.AmountForSell(m.QYes, m.QNo, isYes, sharesToSell)
		if isYes {
			newQYes = m.QYes.Sub(sharesToSell)
			holding.YesShares = holding.YesShares.Sub(sharesToSell)
		} else {
			newQNo = m.QNo.Sub(sharesToSell)
			holding.NoShares = holding.NoShares.Sub(sharesToSell)
		}

		balanceDelta = proceeds
		tradeAmount = proceeds
		tradeShares = sharesToSell
	}

	trade := model.Trade{
		ID:           uuid.New().String(),
		UserID:       userID,
		MarketID:     marketID,
		Side:         side,
		Direction:    direction,
		Amount:       tradeAmount,
		Shares:       tradeShares,
		PriceAtTrade: priceBefore,
		Timestamp:    time.Now().UTC(),
	}

	newBalance, err := e.store.ApplyTrade(ctx, store.TradeApply{
		MarketID:     marketID,
		CircleID:     m.CircleID,
		PrevQYes:     m.QYes,
		PrevQNo:      m.QNo,
		QYes:         newQYes,
		QNo:          newQNo,
		Holding:      *holding,
		Trade:        trade,
		BalanceDelta: balanceDelta,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStaleMarket):
			// Our read was stale; the caller re-reads and recomputes.
			return nil, err
		case errors.Is(err, store.ErrMarketConflict):
			// The sweeper closed the market between our read and the
			// conditional apply; the trade loses with a domain error.
			return nil, ErrMarketNotOpen
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return nil, ErrInsufficientBalance
		case errors.Is(err, ledger.ErrNoSuchMember):
			return nil, ErrNotCircleMember
		}
		return nil, fmt.Errorf("apply trade: %w", err)
	}

	newPriceYes := mm.PriceYes(newQYes, newQNo)
	newPriceNo := mm.PriceNo(newQYes, newQNo)

	return &TradeResult{
		TradeID:       trade.ID,
		Side:          side,
		Direction:     direction,
		Shares:        tradeShares,
		AmountSettled: tradeAmount,
		PriceBefore:   priceBefore,
		NewPriceYes:   newPriceYes,
		NewPriceNo:    newPriceNo,
		NewBalance:    newBalance,
	}, nil
}

// --- Preview ---

// Preview is the advisory quote returned from PreviewTrade.
type Preview struct {
	EstimatedShares decimal.Decimal `json:"estimated_shares"`
	NewPriceYes     decimal.Decimal `json:"estimated_price_after_yes"`
	NewPriceNo      decimal.Decimal `json:"estimated_price_after_no"`
	PriceImpact     decimal.Decimal `json:"price_impact"`
}

// PreviewTrade quotes a hypothetical trade without mutating anything. It
// takes no lock: a concurrent trade may commit in between, and the quote is
// then stale. The real trade re-reads fresh state under the market lock.
func (e *Engine) PreviewTrade(ctx context.Context, marketID string, side model.Side, direction model.Direction, amount decimal.Decimal) (*Preview, error) {
	if side != model.SideYes && side != model.SideNo {
		return nil, ErrInvalidSide
	}
	if direction != model.DirectionBuy && direction != model.DirectionSell {
		return nil, ErrInvalidDirection
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrMarketNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, fmt.Errorf("load market: %w", err)
	}

	mm, err := lmsr.New(m.B)
	if err != nil {
		return nil, fmt.Errorf("market %s has invalid liquidity %s: %w", m.ID, m.B, err)
	}

	currentPriceYes := mm.PriceYes(m.QYes, m.QNo)
	isYes := side == model.SideYes

	var estimated decimal.Decimal
	newQYes, newQNo := m.QYes, m.QNo

	if direction == model.DirectionBuy {
		estimated = mm.SharesForBuy(m.QYes, m.QNo, isYes, amount)
		if isYes {
			newQYes = newQYes.Add(estimated)
		} else {
			newQNo = newQNo.Add(estimated)
		}
	} else {
		estimated = mm.AmountForSell(m.QYes, m.QNo, isYes, amount)
		if isYes {
			newQYes = newQYes.Sub(amount)
		} else {
			newQNo = newQNo.Sub(amount)
		}
	}

	newPriceYes := mm.PriceYes(newQYes, newQNo)
	newPriceNo := mm.PriceNo(newQYes, newQNo)

	return &Preview{
		EstimatedShares: estimated,
		NewPriceYes:     newPriceYes,
		NewPriceNo:      newPriceNo,
		PriceImpact:     newPriceYes.Sub(currentPriceYes).Abs(),
	}, nil
}

// --- Resolution ---

// ResolveMarket settles a CLOSED market to the given outcome: every holder
// is credited one currency unit per winning-side share, all of the market's
// holdings are zeroed (kept as history), and the market becomes RESOLVED.
// Only the circle's creator may resolve, and RESOLVED is terminal: a
// second attempt fails with ErrMarketNotClosed.
//
// The market lock is held for the whole payout fan-out. A CLOSED market
// cannot be traded, so the lock is largely uncontended, but it prevents two
// concurrent resolutions from double-paying.
func (e *Engine) ResolveMarket(ctx context.Context, adminID, marketID string, outcome model.Outcome) (*model.Market, error) {
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return nil, ErrInvalidOutcome
	}

	mu := e.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrMarketNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, fmt.Errorf("load market: %w", err)
	}

	admin, err := e.ledger.IsAdmin(ctx, adminID, m.CircleID)
	if err != nil {
		return nil, fmt.Errorf("admin check: %w", err)
	}
	if !admin {
		return nil, ErrNotCircleAdmin
	}

	if m.Status != model.StatusClosed {
		return nil, ErrMarketNotClosed
	}

	holdings, err := e.store.HoldingsByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	// One winning share pays one currency unit; losing shares pay nothing.
	var payouts []store.Payout
	for _, h := range holdings {
		payout := h.YesShares
		if outcome == model.OutcomeNo {
			payout = h.NoShares
		}
		if payout.IsPositive() {
			payouts = append(payouts, store.Payout{UserID: h.UserID, Amount: payout})
		}
	}

	if err := e.store.ApplyResolution(ctx, marketID, outcome, payouts); err != nil {
		if errors.Is(err, store.ErrMarketConflict) {
			return nil, ErrMarketNotClosed
		}
		return nil, fmt.Errorf("apply resolution: %w", err)
	}

	m.Status = model.StatusResolved
	m.Outcome = outcome

	metrics.MarketsResolved.WithLabelValues(string(outcome)).Inc()
	slog.Info("market resolved",
		"market_id", marketID,
		"outcome", outcome,
		"payouts", len(payouts),
		"resolved_by", adminID,
	)

	if mm, err := lmsr.New(m.B); err == nil {
		e.notify(m, mm.PriceYes(m.QYes, m.QNo), mm.PriceNo(m.QYes, m.QNo))
	}
	return m, nil
}

// --- Expiry sweep ---

// SweepExpired transitions every OPEN market whose end time has passed to
// CLOSED, as one batched conditional update, and returns the count. Run by
// the Sweeper; safe to invoke directly.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	count, err := e.store.CloseExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("close expired markets: %w", err)
	}
	if count > 0 {
		metrics.MarketsSwept.Add(float64(count))
		slog.Info("closed expired markets", "count", count)
	}
	return count, nil
}
