// Package sweep keeps every open session's action time margins current.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/sessions"
)

// DefaultInterval is the delay between two sweep ticks.
const DefaultInterval = 5 * time.Second

// Store is the subset of sessions.Store the sweep needs.
type Store interface {
	ListSweepable(ctx context.Context) ([]*models.Session, error)
	Get(ctx context.Context, code string) (*models.Session, error)
	UpdateActions(ctx context.Context, code string, expectedVersion int64, actions []models.Action) (*models.Session, error)
}

// LeaderGate decides whether this instance should sweep. Acquire is called before every tick.
type LeaderGate interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the tick interval. Non-positive values keep DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLeaderGate makes the sweeper tick only while it holds the gate.
func WithLeaderGate(g LeaderGate) Option {
	return func(s *Sweeper) { s.gate = g }
}

// Sweeper recomputes time margins for all open sessions on a fixed interval.
// Sessions are processed one at a time so writes to a session are never concurrent within a tick.
type Sweeper struct {
	store    Store
	clock    clockwork.Clock
	logger   *zap.Logger
	interval time.Duration
	gate     LeaderGate

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. Call Start to begin ticking.
func NewSweeper(store Store, clock clockwork.Clock, logger *zap.Logger, opts ...Option) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{store: store, clock: clock, logger: logger, interval: DefaultInterval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one tick immediately and then one per interval until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
	s.logger.Info("time-margin sweep started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	<-s.done
	s.logger.Info("time-margin sweep stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			if s.gate != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := s.gate.Release(releaseCtx); err != nil {
					s.logger.Warn("sweep leader release failed", zap.Error(err))
				}
				cancel()
			}
			return
		case <-ticker.Chan():
			s.safeTick(ctx)
		}
	}
}

// safeTick keeps a failing or panicking tick from ending the loop.
func (s *Sweeper) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepTicksTotal.WithLabelValues("failed").Inc()
			s.logger.Error("sweep tick panicked", zap.Any("panic", r))
		}
	}()
	n, err := s.RunTick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("sweep tick failed", zap.Error(err))
		return
	}
	s.logger.Debug("sweep tick finished", zap.Int("sessions_updated", n))
}

// RunTick recomputes margins for every open session with actions and returns how many were updated.
// Per-session failures are logged and skipped; only a failed listing aborts the tick.
func (s *Sweeper) RunTick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepTickDuration.Observe(time.Since(start).Seconds()) }()

	if s.gate != nil {
		leader, err := s.gate.Acquire(ctx)
		if err != nil {
			metrics.SweepTicksTotal.WithLabelValues("failed").Inc()
			return 0, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !leader {
			metrics.SweepTicksTotal.WithLabelValues("skipped").Inc()
			return 0, nil
		}
	}

	list, err := s.store.ListSweepable(ctx)
	if err != nil {
		metrics.SweepTicksTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("list sweepable sessions: %w", err)
	}

	now := s.clock.Now()
	updated := 0
	for _, session := range list {
		if err := ctx.Err(); err != nil {
			metrics.SweepTicksTotal.WithLabelValues("failed").Inc()
			return updated, err
		}
		ok, err := s.sweepSession(ctx, session, now)
		if err != nil {
			metrics.SweepSessionFailures.Inc()
			s.logger.Warn("sweep session failed", zap.String("code", session.Code), zap.Error(err))
			continue
		}
		if ok {
			updated++
		}
	}
	metrics.SweepSessionsUpdated.Add(float64(updated))
	metrics.SweepTicksTotal.WithLabelValues("ok").Inc()
	return updated, nil
}

// sweepSession writes fresh margins for one session. A concurrent writer costs one re-read;
// a session that ended in the meantime is left alone.
func (s *Sweeper) sweepSession(ctx context.Context, session *models.Session, now time.Time) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if session.Ended() {
			return false, nil
		}
		next := Recompute(session.Actions, now)
		_, err := s.store.UpdateActions(ctx, session.Code, session.Version, next)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sessions.ErrVersionConflict) {
			return false, err
		}
		metrics.ActionVersionConflicts.WithLabelValues("sweep").Inc()
		session, err = s.store.Get(ctx, session.Code)
		if err != nil {
			return false, err
		}
	}
	return false, sessions.ErrVersionConflict
}

// Recompute returns a copy of actions whose TimeMargin is the seconds elapsed since StartTime.
// Actions without a StartTime get a nil margin. Negative margins are kept as is.
func Recompute(actions []models.Action, now time.Time) []models.Action {
	out := models.CloneActions(actions)
	for i := range out {
		out[i].TimeMargin = out[i].MarginAt(now)
	}
	return out
}
