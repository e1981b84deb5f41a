package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/deadbolt/internal/metrics"
)

// LeaderElector manages leader election using a distributed lock.
// It blocks on the lock until granted, then health-checks the session
// backing it until leadership is lost or Stop is called.
type LeaderElector struct {
	lock   DistributedLock
	logger zerolog.Logger

	isLeader     atomic.Bool
	renewalRate  time.Duration
	retryBackoff time.Duration

	onBecomeLeader func()
	onLoseLeader   func()

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// LeaderElectorOption configures a LeaderElector.
type LeaderElectorOption func(*LeaderElector)

// WithRenewalRate sets how often the leader checks that its session is alive.
// Non-positive values are ignored.
func WithRenewalRate(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		if d > 0 {
			e.renewalRate = d
		}
	}
}

// WithRetryBackoff sets how long to wait before campaigning again after a
// failed acquisition or a lost leadership. Non-positive values are ignored.
func WithRetryBackoff(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		if d > 0 {
			e.retryBackoff = d
		}
	}
}

// WithOnBecomeLeader sets a callback that's called when this instance becomes leader.
func WithOnBecomeLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onBecomeLeader = fn
	}
}

// WithOnLoseLeader sets a callback that's called when this instance loses leadership.
// It runs before the lock is released, so the next leader cannot start until it returns.
func WithOnLoseLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onLoseLeader = fn
	}
}

// NewLeaderElector creates a new leader elector with the given lock.
func NewLeaderElector(lock DistributedLock, logger zerolog.Logger, opts ...LeaderElectorOption) *LeaderElector {
	e := &LeaderElector{
		lock:         lock,
		logger:       logger,
		renewalRate:  5 * time.Second,
		retryBackoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the leader election loop.
// It keeps campaigning for leadership until Stop is called or ctx is done.
func (e *LeaderElector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop stops the leader election loop and releases leadership if held.
func (e *LeaderElector) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
	e.wg.Wait()

	if e.isLeader.Load() {
		e.isLeader.Store(false)
		// The callback must finish leader-only work before the lock is
		// handed to the next leader.
		if e.onLoseLeader != nil {
			e.onLoseLeader()
		}
		if err := e.lock.Release(ctx); err != nil {
			e.logger.Error().Err(err).Msg("failed to release lock on shutdown")
		} else {
			e.logger.Info().Msg("released leadership on shutdown")
		}
		metrics.RecordLeadershipTransition("released", false)
	}
}

// IsLeader returns true if this instance is currently the leader.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *LeaderElector) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		if err := e.lock.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error().Err(err).Msg("failed to acquire leadership")
			if !e.sleep(ctx, e.retryBackoff) {
				return
			}
			continue
		}

		e.logger.Info().Msg("acquired leadership")
		e.isLeader.Store(true)
		metrics.RecordLeadershipTransition("acquired", true)
		if e.onBecomeLeader != nil {
			e.onBecomeLeader()
		}

		// Stop releases leadership held when ctx ends.
		if !e.hold(ctx) {
			return
		}

		e.loseLeadership(ctx)
		if !e.sleep(ctx, e.retryBackoff) {
			return
		}
	}
}

// hold health-checks the held lock every renewalRate. It returns true when
// the check fails and false when ctx is done.
func (e *LeaderElector) hold(ctx context.Context) bool {
	ticker := time.NewTicker(e.renewalRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := e.lock.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return false
				}
				e.logger.Warn().Err(err).Msg("leader session check failed, lost leader status")
				return true
			}
			e.logger.Debug().Msg("leader session alive")
		}
	}
}

func (e *LeaderElector) loseLeadership(ctx context.Context) {
	e.isLeader.Store(false)
	metrics.RecordLeadershipTransition("lost", false)

	if e.onLoseLeader != nil {
		e.onLoseLeader()
	}
	if err := e.lock.Release(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("release after lost leadership")
	}
}

func (e *LeaderElector) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
