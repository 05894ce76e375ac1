package trade

import (
	"sync"
	"time"
)

// Scheduler defers settlement work. The real implementation wraps
// time.AfterFunc; tests substitute one that fires instantly or not at all,
// decoupling settlement from the wall clock.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// TimerScheduler schedules on the real clock.
type TimerScheduler struct{}

func (TimerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// ImmediateScheduler runs the callback synchronously. Test double.
type ImmediateScheduler struct{}

func (ImmediateScheduler) AfterFunc(_ time.Duration, fn func()) {
	fn()
}

// ManualScheduler queues callbacks until Fire is called. Test double for
// exercising timer-vs-override races.
type ManualScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func (s *ManualScheduler) AfterFunc(_ time.Duration, fn func()) {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

// Fire runs all queued callbacks.
func (s *ManualScheduler) Fire() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
