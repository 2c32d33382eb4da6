package source

import (
	"context"
	"errors"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
)

var (
	// ErrTransient marks a failed capture that should be skipped
	ErrTransient = errors.New("transient capture error")

	// ErrFatal marks a capture failure that ends the capture loop
	ErrFatal = errors.New("fatal capture error")

	// ErrClosed is returned by NextFrame after Close
	ErrClosed = errors.New("source closed")
)

// Source produces timestamped frames. NextFrame blocks until a frame is
// available, the context is cancelled, or capture fails. A single goroutine
// calls NextFrame; it owns any device state behind the source.
type Source interface {
	NextFrame(ctx context.Context) (frame.Frame, error)
	Close() error
}

// IsFatal reports whether err should stop the capture loop. Context
// cancellation and closed sources count as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return false
	}
	return true
}

// pacer releases one tick per period. The first tick is immediate.
type pacer struct {
	period time.Duration
	next   time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	now := time.Now()
	if p.next.IsZero() {
		p.next = now
	}

	if d := p.next.Sub(now); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	p.next = p.next.Add(p.period)
	// never try to catch up on missed ticks
	if behind := time.Now(); p.next.Before(behind) {
		p.next = behind
	}
	return nil
}
