// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(2) for binary markets)
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal, never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately rounded to 8 decimal places.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidLiquidity is returned when b <= 0.
var ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

// Scale is the number of decimal places for all price/cost/share rounding.
// Every float64 result crosses into the decimal domain through a single
// half-up rounding at this scale.
const Scale int32 = 8

// saturationDiff is the point beyond which exp((qNo-qYes)/b) is treated as
// infinite: the YES price saturates to exactly 0 or 1 instead of risking
// float64 overflow.
const saturationDiff = 500.0

// MarketMaker implements the LMSR cost function for one binary market.
// It is stateless: market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b float64
}

// New creates an LMSR market maker with the given liquidity parameter b.
// Higher b → more liquidity, lower price impact per trade.
func New(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b.InexactFloat64()}, nil
}

// round converts a float64 result into the canonical 8-digit decimal
// representation with half-up rounding. This is the only crossing point
// from the transcendental interior to the money domain.
func round(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(Scale)
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(exp(qYes/b) + exp(qNo/b))
//
// evaluated as b * (maxQ/b + ln(exp((qYes-maxQ)/b) + exp((qNo-maxQ)/b)))
// so both exp arguments are <= 0 and can never overflow.
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	maxQ := math.Max(qy, qn)
	lse := maxQ/m.b + math.Log(math.Exp((qy-maxQ)/m.b)+math.Exp((qn-maxQ)/m.b))
	return round(m.b * lse)
}

// PriceYes computes the instantaneous YES price (probability):
//
//	p_yes = 1 / (1 + exp((qNo - qYes) / b))
//
// When (qNo-qYes)/b is far outside ±500 the exponential saturates and the
// price is exactly 0 or 1, with no overflow or NaN.
func (m *MarketMaker) PriceYes(qYes, qNo decimal.Decimal) decimal.Decimal {
	diff := (qNo.InexactFloat64() - qYes.InexactFloat64()) / m.b
	switch {
	case diff > saturationDiff:
		return decimal.Zero
	case diff < -saturationDiff:
		return decimal.NewFromInt(1)
	}
	return round(1.0 / (1.0 + math.Exp(diff)))
}

// PriceNo returns the instantaneous NO price: 1 - p_yes, always by
// definition rather than an independent derivation, so the two prices sum
// to exactly 1 at the configured scale.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.PriceYes(qYes, qNo))
}

// SharesForBuy solves for the shares received when spending amount on one
// side. The new cumulative quantity satisfies
//
//	cost(newQ, qOther) - cost(qYes, qNo) = amount
//
// rearranged through the log-sum-exp factoring so the only exponentials
// evaluated are exp of non-positive arguments plus a single
// exp(amount/b + (maxQ-qOther)/b):
//
//	term = exp(amount/b + (maxQ-qOther)/b) * sumExp - 1
//	newQ = qOther + b * ln(term)
//
// A numerically degenerate term <= 0 (amount too small relative to b)
// yields zero shares, not an error; callers treat that as a no-op trade.
// A negative share result from rounding is clamped to zero.
func (m *MarketMaker) SharesForBuy(qYes, qNo decimal.Decimal, yes bool, amount decimal.Decimal) decimal.Decimal {
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()
	amt := amount.InexactFloat64()

	qSide, qOther := qy, qn
	if !yes {
		qSide, qOther = qn, qy
	}

	maxQ := math.Max(qy, qn)
	sumExp := math.Exp((qy-maxQ)/m.b) + math.Exp((qn-maxQ)/m.b)

	term := math.Exp(amt/m.b+(maxQ-qOther)/m.b)*sumExp - 1.0
	if term <= 0 {
		return decimal.Zero
	}

	newQ := m.b * (qOther/m.b + math.Log(term))
	shares := newQ - qSide
	if shares < 0 {
		return decimal.Zero
	}
	return round(shares)
}

// AmountForSell computes the proceeds for liquidating shares on one side:
//
//	proceeds = cost(qYes, qNo) - cost(qYes, qNo with side reduced)
//
// If the reduced quantity would go negative the result is zero; this is a
// pricing primitive, not an authorization gate; the caller rejects oversells
// against the holding before applying. Proceeds are never negative.
func (m *MarketMaker) AmountForSell(qYes, qNo decimal.Decimal, yes bool, shares decimal.Decimal) decimal.Decimal {
	var newQYes, newQNo decimal.Decimal
	if yes {
		newQYes = qYes.Sub(shares)
		newQNo = qNo
		if newQYes.IsNegative() {
			return decimal.Zero
		}
	} else {
		newQYes = qYes
		newQNo = qNo.Sub(shares)
		if newQNo.IsNegative() {
			return decimal.Zero
		}
	}

	proceeds := m.Cost(qYes, qNo).Sub(m.Cost(newQYes, newQNo))
	if proceeds.IsNegative() {
		return decimal.Zero
	}
	return proceeds
}
