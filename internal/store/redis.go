package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Galhadarr/circlebet/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market reads. Reads check Redis first and repopulate misses
// with SET NX, so a slow read cannot overwrite a row cached by a commit
// that finished after the read left the primary. Commits write the
// committed row back into the cache.
//
// The cache is still advisory, never authoritative: ApplyTrade's
// compare-and-set on the market's quantities rejects any trade computed
// from a stale read with ErrStaleMarket, and the caller recomputes from
// fresh state. The expiry sweeper's batch close cannot name the affected
// keys, so the TTL bounds how long a swept market can still read as OPEN;
// the status condition inside ApplyTrade rejects those trades.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	// NX: never clobber a row a concurrent commit already cached.
	if data, err := json.Marshal(m); err == nil {
		s.rdb.SetNX(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, a TradeApply) (decimal.Decimal, error) {
	newBal, err := s.primary.ApplyTrade(ctx, a)
	if err != nil {
		if errors.Is(err, ErrStaleMarket) {
			// The cached row fed a stale read; drop it so the retry
			// reads the primary.
			s.rdb.Del(ctx, marketKey(a.MarketID))
		}
		return decimal.Zero, err
	}
	s.recache(ctx, a.MarketID)
	return newBal, nil
}

func (s *CachedStore) ApplyResolution(ctx context.Context, marketID string, outcome model.Outcome, payouts []Payout) error {
	if err := s.primary.ApplyResolution(ctx, marketID, outcome, payouts); err != nil {
		return err
	}
	s.recache(ctx, marketID)
	return nil
}

// recache writes the committed row back into the cache, or drops the key
// if the re-read fails.
func (s *CachedStore) recache(ctx context.Context, marketID string) {
	m, err := s.primary.GetMarket(ctx, marketID)
	if err != nil {
		s.rdb.Del(ctx, marketKey(marketID))
		return
	}
	s.cacheMarket(ctx, m)
}

func (s *CachedStore) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	// Swept market keys age out via TTL.
	return s.primary.CloseExpired(ctx, now)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCircleMarkets(ctx context.Context, circleID string) ([]model.Market, error) {
	return s.primary.ListCircleMarkets(ctx, circleID)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, marketID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, marketID)
}

func (s *CachedStore) HoldingsByMarket(ctx context.Context, marketID string) ([]model.Holding, error) {
	return s.primary.HoldingsByMarket(ctx, marketID)
}

func (s *CachedStore) HoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.primary.HoldingsByUser(ctx, userID)
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.TradesByMarket(ctx, marketID)
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.TradesByUser(ctx, userID)
}

func (s *CachedStore) MarketVolume(ctx context.Context, marketID string) (decimal.Decimal, error) {
	return s.primary.MarketVolume(ctx, marketID)
}

func (s *CachedStore) MarketBettorCount(ctx context.Context, marketID string) (int, error) {
	return s.primary.MarketBettorCount(ctx, marketID)
}
