package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Galhadarr/circlebet/internal/engine"
	"github.com/Galhadarr/circlebet/internal/model"
	"github.com/Galhadarr/circlebet/internal/store"
)

// seedExpiredMarket inserts an OPEN market whose end time already passed,
// bypassing the creation gate.
func seedExpiredMarket(t *testing.T, ms *store.MemoryStore) string {
	t.Helper()
	id := uuid.NewString()
	err := ms.CreateMarket(context.Background(), &model.Market{
		ID:        id,
		CircleID:  circleID,
		Title:     "already over",
		EndTime:   time.Now().UTC().Add(-time.Minute),
		QYes:      d(0),
		QNo:       d(0),
		B:         d(100),
		Status:    model.StatusOpen,
		Outcome:   model.OutcomeNone,
		CreatorID: adminID,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return id
}

func TestSweepExpired_ClosesOnlyPastEndTime(t *testing.T) {
	eng, ms := newTestEnv(t, true)
	expired := seedExpiredMarket(t, ms)
	open := createMarket(t, eng)

	count, err := eng.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 market closed, got %d", count)
	}

	m, _ := ms.GetMarket(context.Background(), expired)
	if m.Status != model.StatusClosed {
		t.Errorf("expired market should be CLOSED, got %s", m.Status)
	}
	m, _ = ms.GetMarket(context.Background(), open.ID)
	if m.Status != model.StatusOpen {
		t.Errorf("future market should stay OPEN, got %s", m.Status)
	}
}

func TestSweeper_RunsImmediatelyAndStops(t *testing.T) {
	eng, ms := newTestEnv(t, true)
	expired := seedExpiredMarket(t, ms)

	sw := engine.NewSweeper(eng, time.Hour)
	sw.Start(context.Background())
	defer sw.Stop()

	// The first tick fires on start, not after the first interval.
	deadline := time.After(2 * time.Second)
	for {
		m, err := ms.GetMarket(context.Background(), expired)
		if err != nil {
			t.Fatalf("get market: %v", err)
		}
		if m.Status == model.StatusClosed {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sweeper did not close the expired market on its first tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSweeper_StopWaitsForInFlightTick(t *testing.T) {
	eng, _ := newTestEnv(t, true)
	sw := engine.NewSweeper(eng, 5*time.Millisecond)
	sw.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	sw.Stop() // must return without deadlocking
}

// flakyStore fails CloseExpired a fixed number of times, then delegates.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return 0, errors.New("storage unavailable")
	}
	return f.Store.CloseExpired(ctx, now)
}

func TestSweeper_RecoversAfterFailedTick(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.AddCircle(circleID, adminID)
	ms.AddMember(adminID, circleID, d(10000))
	expired := seedExpiredMarket(t, ms)

	fs := &flakyStore{Store: ms}
	fs.failures.Store(2)

	eng, err := engine.New(fs, ms, engine.Config{
		DefaultLiquidityB: d(100),
		AllowSell:         true,
	}, nil)
	if err != nil {
		t.Fatalf("engine setup: %v", err)
	}

	sw := engine.NewSweeper(eng, 10*time.Millisecond)
	sw.Start(context.Background())
	defer sw.Stop()

	deadline := time.After(2 * time.Second)
	for {
		m, _ := ms.GetMarket(context.Background(), expired)
		if m.Status == model.StatusClosed {
			if fs.calls.Load() < 3 {
				t.Errorf("expected at least 3 sweep attempts, got %d", fs.calls.Load())
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("sweeper did not recover after failed ticks")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
