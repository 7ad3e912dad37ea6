// Package renewal schedules proactive access token renewal.
//
// A Scheduler owns at most one pending timer. Arming replaces the previous
// timer, so a credential pair generation never has two renewals queued.
package renewal

import (
	"context"
	"sync"
	"time"
)

// DefaultMargin is how long before expiry a renewal fires.
const DefaultMargin = 30 * time.Second

// Interval returns expiresIn minus margin, clamped at zero. Zero means no
// proactive renewal should be scheduled.
func Interval(expiresIn, margin time.Duration) time.Duration {
	if d := expiresIn - margin; d > 0 {
		return d
	}
	return 0
}

type Scheduler struct {
	fire func(ctx context.Context)

	mu         sync.Mutex
	timer      *time.Timer
	interval   time.Duration
	generation uint64
	closed     bool

	// ctx is handed to callbacks and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that calls fire when an armed timer expires.
func New(fire func(ctx context.Context)) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fire:   fire,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Arm schedules a one-shot callback after interval, replacing any pending
// one. It returns false, leaving nothing armed, when interval is not positive
// or the scheduler is closed.
func (s *Scheduler) Arm(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if s.closed || interval <= 0 {
		return false
	}

	gen := s.generation
	s.interval = interval
	s.timer = time.AfterFunc(interval, func() { s.run(gen) })
	return true
}

// Disarm cancels the pending timer, if any. It is safe to call at any time,
// including from inside the callback.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Pending returns the interval of the armed timer.
func (s *Scheduler) Pending() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return 0, false
	}
	return s.interval, true
}

// Close disarms the scheduler, cancels a running callback's context and waits
// for it to return. Later Arm calls are no-ops. Close must not be called from
// the callback itself.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// stopLocked invalidates the current generation so a timer that already
// fired but has not taken the lock yet becomes a no-op.
func (s *Scheduler) stopLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.interval = 0
}

func (s *Scheduler) run(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.interval = 0
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.fire(s.ctx)
}
