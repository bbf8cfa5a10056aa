package sinks

import (
	"context"
	"sync"

	"caption-sky/server/logging"
)

type Memory struct {
	mu     sync.RWMutex
	events []logging.Event
}

func NewMemory() *Memory {
	return &Memory{events: make([]logging.Event, 0)}
}

func (s *Memory) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, logging.CloneEvent(event))
	return nil
}

func (s *Memory) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]logging.Event, len(s.events))
	copy(copied, s.events)
	return copied
}

// Types lists the recorded event types in order.
func (s *Memory) Types() []logging.EventType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]logging.EventType, len(s.events))
	for i, event := range s.events {
		types[i] = event.Type
	}
	return types
}

func (s *Memory) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
}

func (s *Memory) Close(context.Context) error {
	return nil
}
