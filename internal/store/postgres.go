package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/ledger"
	"github.com/Galhadarr/circlebet/internal/model"
)

// PostgresStore implements Store and ledger.Ledger using PostgreSQL as the
// source of truth. All monetary values are stored as NUMERIC for exact
// decimal precision. Each atomic mutation unit runs in one transaction
// with a conditional UPDATE on the market's status, so a trade racing the
// expiry sweeper loses cleanly with ErrMarketConflict instead of clobbering
// the transition.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `id, circle_id, title, COALESCE(description, ''), end_time,
       q_yes::TEXT, q_no::TEXT, b::TEXT, status, COALESCE(outcome, ''), creator_id, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var qYes, qNo, b, status, outcome string

	err := row.Scan(&m.ID, &m.CircleID, &m.Title, &m.Description, &m.EndTime,
		&qYes, &qNo, &b, &status, &outcome, &m.CreatorID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.QYes, _ = decimal.NewFromString(qYes)
	m.QNo, _ = decimal.NewFromString(qNo)
	m.B, _ = decimal.NewFromString(b)
	m.Status = model.MarketStatus(status)
	m.Outcome = model.Outcome(outcome)
	return &m, nil
}

// --- Store: markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, circle_id, title, description, end_time, q_yes, q_no, b, status, creator_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		m.ID, m.CircleID, m.Title, m.Description, m.EndTime,
		m.QYes.String(), m.QNo.String(), m.B.String(),
		string(m.Status), m.CreatorID, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListCircleMarkets(ctx context.Context, circleID string) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE circle_id = $1 ORDER BY created_at DESC`,
		circleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Store: atomic units ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, a TradeApply) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE markets SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC
		 WHERE id = $1 AND status = 'OPEN'
		   AND q_yes = $4::NUMERIC AND q_no = $5::NUMERIC`,
		a.MarketID, a.QYes.String(), a.QNo.String(),
		a.PrevQYes.String(), a.PrevQNo.String())
	if err != nil {
		return decimal.Zero, err
	}
	if tag.RowsAffected() == 0 {
		// Classify: lifecycle lost to the sweeper/resolution, or the
		// quantities moved under a stale read.
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM markets WHERE id = $1`, a.MarketID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrMarketNotFound
		}
		if err != nil {
			return decimal.Zero, err
		}
		if status != string(model.StatusOpen) {
			return decimal.Zero, ErrMarketConflict
		}
		return decimal.Zero, ErrStaleMarket
	}

	h := a.Holding
	_, err = tx.Exec(ctx,
		`INSERT INTO holdings (user_id, market_id, yes_shares, no_shares)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (user_id, market_id)
		 DO UPDATE SET yes_shares = EXCLUDED.yes_shares, no_shares = EXCLUDED.no_shares`,
		h.UserID, h.MarketID, h.YesShares.String(), h.NoShares.String())
	if err != nil {
		return decimal.Zero, err
	}

	t := a.Trade
	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, side, direction, amount, shares, price_at_trade, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.UserID, t.MarketID, string(t.Side), string(t.Direction),
		t.Amount.String(), t.Shares.String(), t.PriceAtTrade.String(), t.Timestamp)
	if err != nil {
		return decimal.Zero, err
	}

	// The balance condition repeats the engine's pre-check inside the
	// transaction so a concurrent spend elsewhere in the circle cannot
	// drive the balance negative.
	var newBalS string
	err = tx.QueryRow(ctx,
		`UPDATE circle_members SET balance = balance + $3::NUMERIC
		 WHERE user_id = $1 AND circle_id = $2 AND balance + $3::NUMERIC >= 0
		 RETURNING balance::TEXT`,
		t.UserID, a.CircleID, a.BalanceDelta.String()).Scan(&newBalS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ledger.ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	newBal, _ := decimal.NewFromString(newBalS)
	return newBal, nil
}

func (s *PostgresStore) ApplyResolution(ctx context.Context, marketID string, outcome model.Outcome, payouts []Payout) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var circleID string
	err = tx.QueryRow(ctx,
		`UPDATE markets SET status = 'RESOLVED', outcome = $2
		 WHERE id = $1 AND status = 'CLOSED'
		 RETURNING circle_id`,
		marketID, string(outcome)).Scan(&circleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMarketConflict
	}
	if err != nil {
		return err
	}

	for _, p := range payouts {
		_, err = tx.Exec(ctx,
			`UPDATE circle_members SET balance = balance + $3::NUMERIC
			 WHERE user_id = $1 AND circle_id = $2`,
			p.UserID, circleID, p.Amount.String())
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE holdings SET yes_shares = 0, no_shares = 0 WHERE market_id = $1`,
		marketID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = 'CLOSED' WHERE status = 'OPEN' AND end_time < $1`,
		now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Store: holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, userID, marketID string) (*model.Holding, error) {
	var h model.Holding
	var yes, no string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT
		 FROM holdings WHERE user_id = $1 AND market_id = $2`,
		userID, marketID).Scan(&h.UserID, &h.MarketID, &yes, &no)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.YesShares, _ = decimal.NewFromString(yes)
	h.NoShares, _ = decimal.NewFromString(no)
	return &h, nil
}

func (s *PostgresStore) HoldingsByMarket(ctx context.Context, marketID string) ([]model.Holding, error) {
	return s.queryHoldings(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT
		 FROM holdings WHERE market_id = $1`, marketID)
}

func (s *PostgresStore) HoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.queryHoldings(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT
		 FROM holdings WHERE user_id = $1`, userID)
}

func (s *PostgresStore) queryHoldings(ctx context.Context, sql string, arg any) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var yes, no string
		if err := rows.Scan(&h.UserID, &h.MarketID, &yes, &no); err != nil {
			return nil, err
		}
		h.YesShares, _ = decimal.NewFromString(yes)
		h.NoShares, _ = decimal.NewFromString(no)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// --- Store: trade log ---

const tradeColumns = `id, user_id, market_id, side, direction,
       amount::TEXT, shares::TEXT, price_at_trade::TEXT, timestamp`

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY timestamp DESC`,
		marketID)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY timestamp DESC`,
		userID)
}

func (s *PostgresStore) queryTrades(ctx context.Context, sql string, arg any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, direction, amount, shares, price string

		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &side, &direction,
			&amount, &shares, &price, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Direction = model.Direction(direction)
		t.Amount, _ = decimal.NewFromString(amount)
		t.Shares, _ = decimal.NewFromString(shares)
		t.PriceAtTrade, _ = decimal.NewFromString(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) MarketVolume(ctx context.Context, marketID string) (decimal.Decimal, error) {
	var volS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM trades WHERE market_id = $1`,
		marketID).Scan(&volS)
	if err != nil {
		return decimal.Zero, err
	}
	vol, _ := decimal.NewFromString(volS)
	return vol, nil
}

func (s *PostgresStore) MarketBettorCount(ctx context.Context, marketID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM trades WHERE market_id = $1`,
		marketID).Scan(&count)
	return count, err
}

// --- ledger.Ledger ---

func (s *PostgresStore) IsMember(ctx context.Context, userID, circleID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM circle_members WHERE user_id = $1 AND circle_id = $2)`,
		userID, circleID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) IsAdmin(ctx context.Context, userID, circleID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM circles WHERE id = $1 AND creator_id = $2)`,
		circleID, userID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Balance(ctx context.Context, userID, circleID string) (decimal.Decimal, error) {
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM circle_members WHERE user_id = $1 AND circle_id = $2`,
		userID, circleID).Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	if err != nil {
		return decimal.Zero, err
	}
	bal, _ := decimal.NewFromString(balS)
	return bal, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID, circleID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.adjustBalance(ctx, userID, circleID, amount)
}

func (s *PostgresStore) Debit(ctx context.Context, userID, circleID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.adjustBalance(ctx, userID, circleID, amount.Neg())
}

func (s *PostgresStore) adjustBalance(ctx context.Context, userID, circleID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var newBalS string
	err := s.pool.QueryRow(ctx,
		`UPDATE circle_members SET balance = balance + $3::NUMERIC
		 WHERE user_id = $1 AND circle_id = $2 AND balance + $3::NUMERIC >= 0
		 RETURNING balance::TEXT`,
		userID, circleID, delta.String()).Scan(&newBalS)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either no membership row or the debit would go negative.
		if member, merr := s.IsMember(ctx, userID, circleID); merr == nil && member {
			return decimal.Zero, ledger.ErrInsufficientFunds
		}
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	if err != nil {
		return decimal.Zero, err
	}
	newBal, _ := decimal.NewFromString(newBalS)
	return newBal, nil
}

func (s *PostgresStore) CircleBalances(ctx context.Context, circleID string) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, balance::TEXT FROM circle_members
		 WHERE circle_id = $1 ORDER BY balance DESC, user_id`,
		circleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var balS string
		if err := rows.Scan(&e.UserID, &balS); err != nil {
			return nil, err
		}
		e.Balance, _ = decimal.NewFromString(balS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
