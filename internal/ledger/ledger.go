// Package ledger defines the balance and membership collaborator the engine
// trades against. Each circle is a private group with its own currency pool:
// every member holds one spendable balance per circle, seeded at join time.
//
// The engine only validates and reads through this interface; balance
// mutations that belong to a trade or a resolution travel through the
// store's atomic units instead, so they commit or fail together with the
// market mutation.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a debit would push a balance
	// below zero. Balances are enforced non-negative before any debit.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrNoSuchMember is returned when a (user, circle) pair has no
	// balance record, i.e. the user is not a member of the circle.
	ErrNoSuchMember = errors.New("ledger: no balance record for user in circle")
)

// Entry is one member's balance inside a circle, used for leaderboards.
type Entry struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// Ledger is the membership/balance collaborator.
type Ledger interface {
	// IsMember reports whether the user holds a balance record in the circle.
	IsMember(ctx context.Context, userID, circleID string) (bool, error)

	// IsAdmin reports whether the user is the circle's creator/admin.
	IsAdmin(ctx context.Context, userID, circleID string) (bool, error)

	// Balance returns the user's spendable balance in the circle.
	// Returns ErrNoSuchMember for non-members.
	Balance(ctx context.Context, userID, circleID string) (decimal.Decimal, error)

	// Credit adds amount to the balance and returns the new balance.
	Credit(ctx context.Context, userID, circleID string, amount decimal.Decimal) (decimal.Decimal, error)

	// Debit subtracts amount from the balance and returns the new balance.
	// Fails with ErrInsufficientFunds before the balance would go negative.
	Debit(ctx context.Context, userID, circleID string, amount decimal.Decimal) (decimal.Decimal, error)

	// CircleBalances returns every member's balance in the circle,
	// ordered by balance descending.
	CircleBalances(ctx context.Context, circleID string) ([]Entry, error)
}
