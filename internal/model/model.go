// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market.
// Transitions: OPEN → CLOSED (expiry sweeper) → RESOLVED (circle admin).
type MarketStatus string

const (
	StatusOpen     MarketStatus = "OPEN"
	StatusClosed   MarketStatus = "CLOSED"
	StatusResolved MarketStatus = "RESOLVED"
)

// Outcome is the resolved result of a market. Empty until resolution.
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeYes  Outcome = "YES"
	OutcomeNo   Outcome = "NO"
)

// Side is the outcome side a trade is placed on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Direction distinguishes buys from sells.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Market is the state of one binary prediction market inside a circle.
// QYes/QNo are the cumulative net shares issued per side, the LMSR state
// variable. B is fixed at creation and never changes.
//
// Invariant: Outcome is non-empty iff Status == RESOLVED.
type Market struct {
	ID          string          `json:"id" db:"id"`
	CircleID    string          `json:"circle_id" db:"circle_id"`
	Title       string          `json:"title" db:"title"`
	Description string          `json:"description,omitempty" db:"description"`
	EndTime     time.Time       `json:"end_time" db:"end_time"`
	QYes        decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo         decimal.Decimal `json:"q_no" db:"q_no"`
	B           decimal.Decimal `json:"b" db:"b"`
	Status      MarketStatus    `json:"status" db:"status"`
	Outcome     Outcome         `json:"outcome,omitempty" db:"outcome"`
	CreatorID   string          `json:"creator_id" db:"creator_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a user's outstanding share position in one market.
// Created lazily on the first trade, zeroed (never deleted) at resolution.
type Holding struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	YesShares decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares" db:"no_shares"`
}

// Trade is an immutable record of one executed trade. Written exactly once,
// never modified or deleted; forms the audit log behind volume and bettor
// aggregates.
//
// PriceAtTrade is always the pre-trade YES price, regardless of side or
// direction, so the audit log reads as one consistent price series.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Side         Side            `json:"side" db:"side"`
	Direction    Direction       `json:"direction" db:"direction"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	PriceAtTrade decimal.Decimal `json:"price_at_trade" db:"price_at_trade"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}
