package sim

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/util"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = time.Second

// Ticker is the part of the Environment the scheduler drives.
type Ticker interface {
	Tick() market.TickResult
}

// TickListener is called with the result of every tick, after the
// environment lock has been released.
type TickListener func(market.TickResult)

// Scheduler advances an environment on a fixed period.
type Scheduler struct {
	Env      Ticker
	Interval time.Duration
	Clock    util.Clock
	Logger   *zap.SugaredLogger

	// LogEvery controls how often progress is logged at info level
	// (every N ticks). Zero disables progress logging.
	LogEvery int64

	mu        sync.RWMutex
	listeners []TickListener
}

func NewScheduler(env Ticker, interval time.Duration, clock util.Clock, logger *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = util.NopSugar()
	}
	return &Scheduler{
		Env:      env,
		Interval: interval,
		Clock:    clock,
		Logger:   logger,
	}
}

// OnTick registers a listener. Listeners run on the scheduler goroutine in
// registration order.
func (s *Scheduler) OnTick(l TickListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Run ticks the environment every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Logger.Infow("scheduler_started", "interval_ms", s.Interval.Milliseconds())
	for {
		select {
		case <-ctx.Done():
			s.Logger.Infow("scheduler_stopped")
			return ctx.Err()
		case <-s.Clock.After(s.Interval):
			s.step()
		}
	}
}

// RunN processes n ticks back to back, without waiting. For tests and
// offline replays.
func (s *Scheduler) RunN(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.step()
	}
	return nil
}

func (s *Scheduler) step() {
	res := s.Env.Tick()

	for _, t := range res.Trades {
		s.Logger.Debugw("trade_executed",
			"tick", t.Tick,
			"symbol", t.Symbol,
			"price", t.Price,
			"volume", t.Volume,
			"buyer", t.Buyer,
			"seller", t.Seller,
		)
	}
	if s.LogEvery > 0 && (res.Tick%s.LogEvery == 0 || len(res.Trades) > 0) {
		s.Logger.Infow("tick_progress",
			"tick", res.Tick,
			"trades", len(res.Trades),
			"prices", res.State.Prices,
		)
	}

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		s.notify(l, res)
	}
}

// notify isolates a panicking listener so the tick loop keeps running.
func (s *Scheduler) notify(l TickListener, res market.TickResult) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Errorw("tick_listener_panic", "tick", res.Tick, "panic", r)
		}
	}()
	l(res)
}
