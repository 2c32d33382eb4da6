package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
	"github.com/bryanchriswhite/SensorStreamer/internal/source/ser"
)

// Replay cycles through the frames of a recorded SER file at a fixed period,
// wrapping to the first frame after the last.
type Replay struct {
	file   *ser.File
	pace   pacer
	mu     sync.Mutex
	idx    int
	closed bool
}

// OpenReplay opens path for replay
func OpenReplay(path string, period time.Duration) (*Replay, error) {
	f, err := ser.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	h := f.Header()
	logger.WithComponent("replay").Info().
		Str("path", path).
		Int("frames", h.FrameCount).
		Int("width", h.Width).
		Int("height", h.Height).
		Int("depth", h.PixelDepth).
		Msg("Recording opened")

	return NewReplay(f, period), nil
}

// NewReplay replays an already opened SER file
func NewReplay(f *ser.File, period time.Duration) *Replay {
	if period <= 0 {
		period = DefaultSyntheticConfig().Period
	}
	return &Replay{file: f, pace: pacer{period: period}}
}

// NextFrame waits for the next period and returns the next recorded frame.
// A frame that cannot be read is reported as transient and skipped.
func (r *Replay) NextFrame(ctx context.Context) (frame.Frame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return frame.Frame{}, ErrClosed
	}
	r.mu.Unlock()

	if err := r.pace.wait(ctx); err != nil {
		return frame.Frame{}, err
	}

	r.mu.Lock()
	idx := r.idx
	r.idx++
	if r.idx >= r.file.Header().FrameCount {
		r.idx = 0
	}
	r.mu.Unlock()

	f, err := r.file.Frame(idx, time.Now())
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return f, nil
}

// Close closes the recording
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
