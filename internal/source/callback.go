package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
)

// Callback adapts a push-style driver, one that invokes a callback from its
// own capture thread, to the pull Source interface. Only the latest
// undelivered frame is kept.
type Callback struct {
	mu      sync.Mutex
	pending *frame.Frame
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewCallback creates an adapter
func NewCallback() *Callback {
	return &Callback{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Deliver is the callback registered with the driver. It never blocks.
// Malformed frames are dropped here. The pixel data is copied, so the driver
// may reuse its buffer as soon as Deliver returns.
func (c *Callback) Deliver(raw frame.Frame, captured time.Time) {
	raw.Captured = captured
	if err := raw.Validate(); err != nil {
		logger.WithComponent("callback").Warn().Err(err).Msg("Dropping frame from driver")
		return
	}
	raw.Data = append([]byte(nil), raw.Data...)

	c.mu.Lock()
	if c.pending != nil {
		c.dropped.Add(1)
	}
	c.pending = &raw
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// NextFrame waits for the next delivered frame
func (c *Callback) NextFrame(ctx context.Context) (frame.Frame, error) {
	for {
		c.mu.Lock()
		if p := c.pending; p != nil {
			c.pending = nil
			c.mu.Unlock()
			return *p, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		case <-c.done:
			return frame.Frame{}, ErrClosed
		case <-c.ready:
		}
	}
}

// Dropped returns the number of frames overwritten before being consumed
func (c *Callback) Dropped() uint64 {
	return c.dropped.Load()
}

// Close wakes any waiting NextFrame
func (c *Callback) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
