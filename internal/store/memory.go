package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/ledger"
	"github.com/Galhadarr/circlebet/internal/model"
)

type circleState struct {
	adminID  string
	balances map[string]decimal.Decimal // userID → balance
}

// MemoryStore implements Store and ledger.Ledger with in-memory maps. Used
// for testing and development. Not suitable for production (no persistence).
//
// Keeping both behind one mutex makes the atomic units trivially
// all-or-nothing: validation happens before any map write.
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[string]*model.Market
	holdings map[string]*model.Holding // userID+"/"+marketID
	trades   []model.Trade
	circles  map[string]*circleState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]*model.Market),
		holdings: make(map[string]*model.Holding),
		circles:  make(map[string]*circleState),
	}
}

func holdingKey(userID, marketID string) string {
	return userID + "/" + marketID
}

// --- Circle seeding (dev/test surface; circle CRUD lives outside the engine) ---

// AddCircle registers a circle and its admin.
func (s *MemoryStore) AddCircle(circleID, adminID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circles[circleID] = &circleState{
		adminID:  adminID,
		balances: make(map[string]decimal.Decimal),
	}
}

// AddMember gives a user a balance record in a circle.
func (s *MemoryStore) AddMember(userID, circleID string, initialBalance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.circles[circleID]; ok {
		c.balances[userID] = initialBalance
	}
}

// --- Store: markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListCircleMarkets(_ context.Context, circleID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []model.Market
	for _, m := range s.markets {
		if m.CircleID == circleID {
			markets = append(markets, *m)
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

// --- Store: atomic units ---

func (s *MemoryStore) ApplyTrade(_ context.Context, a TradeApply) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[a.MarketID]
	if !ok {
		return decimal.Zero, ErrMarketNotFound
	}
	if m.Status != model.StatusOpen {
		return decimal.Zero, ErrMarketConflict
	}
	if !m.QYes.Equal(a.PrevQYes) || !m.QNo.Equal(a.PrevQNo) {
		return decimal.Zero, ErrStaleMarket
	}

	c, ok := s.circles[a.CircleID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	bal, ok := c.balances[a.Trade.UserID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	newBal := bal.Add(a.BalanceDelta)
	if newBal.IsNegative() {
		return decimal.Zero, ledger.ErrInsufficientFunds
	}

	// All gates passed; mutate everything.
	m.QYes = a.QYes
	m.QNo = a.QNo
	h := a.Holding
	s.holdings[holdingKey(h.UserID, h.MarketID)] = &h
	s.trades = append(s.trades, a.Trade)
	c.balances[a.Trade.UserID] = newBal
	return newBal, nil
}

func (s *MemoryStore) ApplyResolution(_ context.Context, marketID string, outcome model.Outcome, payouts []Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return ErrMarketNotFound
	}
	if m.Status != model.StatusClosed {
		return ErrMarketConflict
	}
	c, ok := s.circles[m.CircleID]
	if !ok {
		return ledger.ErrNoSuchMember
	}

	m.Status = model.StatusResolved
	m.Outcome = outcome

	for _, p := range payouts {
		c.balances[p.UserID] = c.balances[p.UserID].Add(p.Amount)
	}

	// Holdings are emptied, not deleted; they remain as history.
	for _, h := range s.holdings {
		if h.MarketID == marketID {
			h.YesShares = decimal.Zero
			h.NoShares = decimal.Zero
		}
	}
	return nil
}

func (s *MemoryStore) CloseExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, m := range s.markets {
		if m.Status == model.StatusOpen && m.EndTime.Before(now) {
			m.Status = model.StatusClosed
			count++
		}
	}
	return count, nil
}

// --- Store: holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, userID, marketID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey(userID, marketID)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) HoldingsByMarket(_ context.Context, marketID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.MarketID == marketID {
			result = append(result, *h)
		}
	}
	return result, nil
}

func (s *MemoryStore) HoldingsByUser(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			result = append(result, *h)
		}
	}
	return result, nil
}

// --- Store: trade log ---

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].MarketID == marketID {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID == userID {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) MarketVolume(_ context.Context, marketID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	volume := decimal.Zero
	for _, t := range s.trades {
		if t.MarketID == marketID {
			volume = volume.Add(t.Amount)
		}
	}
	return volume, nil
}

func (s *MemoryStore) MarketBettorCount(_ context.Context, marketID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, t := range s.trades {
		if t.MarketID == marketID {
			seen[t.UserID] = struct{}{}
		}
	}
	return len(seen), nil
}

// --- ledger.Ledger ---

func (s *MemoryStore) IsMember(_ context.Context, userID, circleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.circles[circleID]
	if !ok {
		return false, nil
	}
	_, ok = c.balances[userID]
	return ok, nil
}

func (s *MemoryStore) IsAdmin(_ context.Context, userID, circleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.circles[circleID]
	if !ok {
		return false, nil
	}
	return c.adminID == userID, nil
}

func (s *MemoryStore) Balance(_ context.Context, userID, circleID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.circles[circleID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	bal, ok := c.balances[userID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	return bal, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID, circleID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.circles[circleID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	bal, ok := c.balances[userID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	bal = bal.Add(amount)
	c.balances[userID] = bal
	return bal, nil
}

func (s *MemoryStore) Debit(_ context.Context, userID, circleID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.circles[circleID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	bal, ok := c.balances[userID]
	if !ok {
		return decimal.Zero, ledger.ErrNoSuchMember
	}
	bal = bal.Sub(amount)
	if bal.IsNegative() {
		return decimal.Zero, ledger.ErrInsufficientFunds
	}
	c.balances[userID] = bal
	return bal, nil
}

func (s *MemoryStore) CircleBalances(_ context.Context, circleID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.circles[circleID]
	if !ok {
		return nil, nil
	}
	entries := make([]ledger.Entry, 0, len(c.balances))
	for userID, bal := range c.balances {
		entries = append(entries, ledger.Entry{UserID: userID, Balance: bal})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Balance.Equal(entries[j].Balance) {
			return entries[i].Balance.GreaterThan(entries[j].Balance)
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}
