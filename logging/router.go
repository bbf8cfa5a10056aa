package logging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router delivers published events to its sinks from one dispatch
// goroutine. Publish never blocks: when the queue is full the event is
// dropped and counted.
type Router struct {
	fields      map[string]any
	minSeverity Severity
	now         func() time.Time
	sinks       []NamedSink
	fallback    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropWarn rate.Sometimes
	failWarn rate.Sometimes

	delivered   atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

type RouterStats struct {
	EventsTotal  uint64 `json:"eventsTotal"`
	DroppedTotal uint64 `json:"droppedTotal"`
	WriteErrors  uint64 `json:"writeErrors"`
}

type RouterOption func(*Router)

// WithClock stamps events published without a time using now.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter starts dispatching to sinks. Drops and sink failures are
// reported on fallback, at most once per cfg.DropWarnInterval each.
func NewRouter(cfg Config, fallback *zap.Logger, sinks []NamedSink, opts ...RouterOption) *Router {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultConfig().BufferSize
	}
	warnEvery := cfg.DropWarnInterval
	if warnEvery <= 0 {
		warnEvery = 5 * time.Second
	}

	r := &Router{
		fields:      cfg.CloneFields(),
		minSeverity: cfg.MinimumSeverity,
		now:         time.Now,
		fallback:    fallback.Named("events"),
		queue:       make(chan Event, bufferSize),
		done:        make(chan struct{}),
		dropWarn:    rate.Sometimes{First: 1, Interval: warnEvery},
		failWarn:    rate.Sometimes{First: 1, Interval: warnEvery},
	}
	for _, named := range sinks {
		if named.Sink != nil {
			r.sinks = append(r.sinks, named)
		}
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.run()
	return r
}

func (r *Router) run() {
	defer close(r.done)
	for event := range r.queue {
		r.deliver(event)
	}
}

func (r *Router) deliver(event Event) {
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.now()
	}
	event = mergeFields(event, r.fields)
	r.delivered.Add(1)

	for _, named := range r.sinks {
		if err := named.Sink.Write(event); err != nil {
			r.writeErrors.Add(1)
			r.failWarn.Do(func() {
				r.fallback.Warn("sink write failed", zap.String("sink", named.Name), zap.Error(err))
			})
		}
	}
}

// Publish implements Publisher.
func (r *Router) Publish(_ context.Context, event Event) {
	if r == nil || event.Type == "" {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.dropWarn.Do(func() {
			r.fallback.Warn("dropping event", zap.String("type", string(event.Type)), zap.Uint64("tick", event.Tick))
		})
	}
}

// Close stops accepting events, delivers what is queued and closes the
// sinks. It returns ctx's error if delivery does not finish in time.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, named := range r.sinks {
		if err := named.Sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	if r == nil {
		return RouterStats{}
	}
	return RouterStats{
		EventsTotal:  r.delivered.Load(),
		DroppedTotal: r.dropped.Load(),
		WriteErrors:  r.writeErrors.Load(),
	}
}

func (r *Router) Sink(name string) Sink {
	for _, named := range r.sinks {
		if named.Name == name {
			return named.Sink
		}
	}
	return nil
}
