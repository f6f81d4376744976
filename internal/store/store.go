// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Mutations that must be all-or-nothing, like a trade settlement and a
// resolution payout fan-out, are expressed as single Store calls so each
// implementation can make them atomic its own way: one mutex hold in
// memory, one transaction in PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/model"
)

var (
	// ErrMarketNotFound is returned for lookups of unknown market IDs.
	ErrMarketNotFound = errors.New("store: market not found")

	// ErrMarketConflict is returned when a conditional mutation found the
	// market in a different lifecycle state than required, e.g. a trade
	// apply racing the expiry sweeper, or a second resolution attempt.
	ErrMarketConflict = errors.New("store: market state conflict")

	// ErrStaleMarket is returned when ApplyTrade's quantity compare-and-set
	// found cumulative quantities different from the ones the caller read.
	// The caller re-reads fresh state and recomputes the trade.
	ErrStaleMarket = errors.New("store: market quantities changed since read")
)

// TradeApply is the atomic unit of one settled trade: the market's new
// cumulative quantities, the trader's new holding, the immutable trade
// record, and the signed balance change (negative for buys, positive for
// sells). Either everything commits or nothing does.
//
// PrevQYes/PrevQNo are the quantities the caller computed from; the market
// mutation is a compare-and-set against them, so a trade derived from a
// stale read fails with ErrStaleMarket instead of clobbering newer state.
type TradeApply struct {
	MarketID     string
	CircleID     string
	PrevQYes     decimal.Decimal
	PrevQNo      decimal.Decimal
	QYes         decimal.Decimal
	QNo          decimal.Decimal
	Holding      model.Holding
	Trade        model.Trade
	BalanceDelta decimal.Decimal
}

// Payout is one user's credit at market resolution.
type Payout struct {
	UserID string
	Amount decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListCircleMarkets returns a circle's markets, newest first.
	ListCircleMarkets(ctx context.Context, circleID string) ([]model.Market, error)

	// --- Atomic mutation units ---

	// ApplyTrade commits one settled trade as a unit and returns the
	// trader's new balance. The market row mutation is conditional on
	// status == OPEN and on the quantities still matching PrevQYes/PrevQNo.
	// ErrMarketConflict means the sweeper (or a resolution) won the race;
	// ErrStaleMarket means the quantities moved since the caller's read.
	// Either way nothing was applied.
	ApplyTrade(ctx context.Context, a TradeApply) (decimal.Decimal, error)

	// ApplyResolution sets the market's outcome and RESOLVED status,
	// credits every payout, and zeroes all of the market's holdings, as a
	// unit. Conditional on status == CLOSED; ErrMarketConflict otherwise.
	ApplyResolution(ctx context.Context, marketID string, outcome model.Outcome, payouts []Payout) error

	// CloseExpired transitions every market with status == OPEN and
	// end_time < now to CLOSED in one batched conditional update and
	// returns how many were transitioned.
	CloseExpired(ctx context.Context, now time.Time) (int64, error)

	// --- Holdings ---

	// GetHolding returns a user's holding in a market, or nil if the user
	// has never traded there.
	GetHolding(ctx context.Context, userID, marketID string) (*model.Holding, error)

	// HoldingsByMarket returns every holding row for a market.
	HoldingsByMarket(ctx context.Context, marketID string) ([]model.Holding, error)

	// HoldingsByUser returns every holding row for a user.
	HoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error)

	// --- Immutable trade log ---

	// TradesByMarket returns a market's trades, newest first.
	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// TradesByUser returns a user's trades, newest first.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// MarketVolume returns the sum of trade amounts for a market.
	MarketVolume(ctx context.Context, marketID string) (decimal.Decimal, error)

	// MarketBettorCount returns the number of distinct users who traded
	// in a market.
	MarketBettorCount(ctx context.Context, marketID string) (int, error)
}
