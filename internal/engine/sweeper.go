package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Galhadarr/circlebet/internal/metrics"
)

// Sweeper is the recurring background loop that closes expired markets.
// Each tick runs one batched conditional update; a failed tick is logged
// and the loop continues on the next interval. Stop cancels the loop and
// waits for the in-flight tick to finish, so no batch update is abandoned
// half-applied.
type Sweeper struct {
	engine   *Engine
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper running at the given interval.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   e,
		interval: interval,
	}
}

// Start begins the sweep loop. The loop stops when Stop is called or the
// parent context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run(ctx)

	slog.Info("expiry sweeper started", "interval", s.interval)
}

// Stop signals cancellation and waits for the in-flight tick to complete.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("expiry sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on start so a restart does not leave stale OPEN
	// markets waiting for the first interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.engine.SweepExpired(ctx); err != nil {
		// Transient storage errors are recoverable: log and let the next
		// tick retry.
		metrics.SweepErrors.Inc()
		slog.Error("expiry sweep failed", "err", err)
	}
}
