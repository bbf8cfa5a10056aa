package rotation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the period between caption rotations.
const DefaultInterval = 3200 * time.Millisecond

// TickFunc receives the caption set length captured when the running task
// was started.
type TickFunc func(length int)

// Stats summarises scheduler activity.
type Stats struct {
	Ticks    uint64 `json:"ticks"`
	Restarts uint64 `json:"restarts"`
	Length   int    `json:"length"`
	Running  bool   `json:"running"`
}

// Scheduler runs a repeating rotation task. Each task captures the caption
// set length it was started with and owns a cancellation token; Reset and
// Stop invalidate the token and wait for the task goroutine to exit, so the
// tick callback must not call back into the scheduler.
type Scheduler struct {
	interval time.Duration
	onTick   TickFunc
	ticks    atomic.Uint64

	mu       sync.Mutex
	parent   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	length   int
	restarts uint64
}

// NewScheduler constructs an idle scheduler. A non-positive interval falls
// back to DefaultInterval.
func NewScheduler(interval time.Duration, onTick TickFunc) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval, onTick: onTick}
}

// Interval reports the tick period.
func (s *Scheduler) Interval() time.Duration {
	if s == nil {
		return 0
	}
	return s.interval
}

// Start binds the scheduler to ctx and launches a task for length. Once ctx
// ends no further ticks fire.
func (s *Scheduler) Start(ctx context.Context, length int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	s.restartLocked(length)
}

// Reset cancels the running task and starts a new one capturing length. A
// length of zero leaves the scheduler idle. Before Start, Reset only records
// the length.
func (s *Scheduler) Reset(length int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartLocked(length)
}

// Stop cancels the running task and detaches the scheduler from its context.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.parent = nil
}

// Stats reports counters for diagnostics.
func (s *Scheduler) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Ticks:    s.ticks.Load(),
		Restarts: s.restarts,
		Length:   s.length,
		Running:  s.cancel != nil && s.parent != nil && s.parent.Err() == nil,
	}
}

func (s *Scheduler) restartLocked(length int) {
	s.stopLocked()
	s.length = length
	if length <= 0 || s.parent == nil || s.parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.restarts++
	go s.run(ctx, length, done)
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Scheduler) run(ctx context.Context, length int, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.ticks.Add(1)
			if s.onTick != nil {
				s.onTick(length)
			}
		}
	}
}
