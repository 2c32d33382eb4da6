package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
)

// Slot hands frames from the capture goroutine to the broadcast goroutine.
// It holds at most one frame; a Put over an untaken frame replaces it, so a
// slow consumer only ever sees the freshest capture.
type Slot struct {
	mu      sync.Mutex
	ch      chan frame.Frame
	dropped atomic.Uint64
}

// NewSlot creates an empty slot
func NewSlot() *Slot {
	return &Slot{ch: make(chan frame.Frame, 1)}
}

// Put stores f without blocking and reports whether it replaced a frame
// that was never taken.
func (s *Slot) Put(f frame.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	select {
	case <-s.ch:
		replaced = true
		s.dropped.Add(1)
	default:
	}
	s.ch <- f
	return replaced
}

// Take waits for the next frame
func (s *Slot) Take(ctx context.Context) (frame.Frame, error) {
	select {
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case f := <-s.ch:
		return f, nil
	}
}

// Dropped returns the number of frames replaced before being taken
func (s *Slot) Dropped() uint64 {
	return s.dropped.Load()
}
