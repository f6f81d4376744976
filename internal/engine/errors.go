package engine

import "errors"

// Validation failures are local and synchronous: the engine never retries
// them, and no partial state is persisted on any of these paths. Callers
// correct the request and resubmit.
var (
	// ErrMarketNotFound is returned for unknown market IDs.
	ErrMarketNotFound = errors.New("engine: market not found")

	// ErrMarketNotOpen is returned when a trade targets a market outside
	// the OPEN state.
	ErrMarketNotOpen = errors.New("engine: market is not open for trading")

	// ErrMarketNotClosed is returned when resolution is attempted on a
	// market outside the CLOSED state.
	ErrMarketNotClosed = errors.New("engine: market must be closed before resolution")

	// ErrNotCircleMember is returned when a trade or market creation comes
	// from a user without a balance record in the market's circle.
	ErrNotCircleMember = errors.New("engine: user is not a member of this circle")

	// ErrNotCircleAdmin is returned when resolution is attempted by anyone
	// other than the circle's creator.
	ErrNotCircleAdmin = errors.New("engine: only the circle creator can resolve markets")

	// ErrInsufficientBalance is returned when a BUY exceeds the user's
	// circle balance.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrInsufficientShares is returned when a SELL exceeds the user's
	// held shares on that side.
	ErrInsufficientShares = errors.New("engine: insufficient shares to sell")

	// ErrSellNotAllowed is returned when selling is disabled by
	// configuration.
	ErrSellNotAllowed = errors.New("engine: selling shares is not enabled")

	// ErrEndTimeNotFuture is returned when a market is created with an end
	// time that is not in the future.
	ErrEndTimeNotFuture = errors.New("engine: end time must be in the future")

	// ErrInvalidSide is returned for sides other than YES or NO.
	ErrInvalidSide = errors.New("engine: side must be YES or NO")

	// ErrInvalidDirection is returned for directions other than BUY or SELL.
	ErrInvalidDirection = errors.New("engine: direction must be BUY or SELL")

	// ErrInvalidAmount is returned when the trade amount is not positive.
	ErrInvalidAmount = errors.New("engine: amount must be positive")

	// ErrInvalidOutcome is returned when resolution names an outcome other
	// than YES or NO.
	ErrInvalidOutcome = errors.New("engine: outcome must be YES or NO")
)
