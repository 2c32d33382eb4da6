package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
)

var (
	// ErrTimeout is returned by a Device when no frame arrived in time
	ErrTimeout = errors.New("capture timeout")

	// ErrDisconnected is returned by a Device that lost its camera
	ErrDisconnected = errors.New("device disconnected")
)

// minWait is the floor of the per-frame wait, whatever the exposure
const minWait = time.Second

// Device is a camera driver binding. Controls (exposure, gain, ROI) are
// configured before Start and are not touched per frame.
type Device interface {
	// Start begins video capture
	Start() error

	// Stop ends video capture
	Stop() error

	// NextFrame blocks for at most timeout waiting for a frame
	NextFrame(timeout time.Duration) (frame.Frame, error)

	// DroppedFrames returns the driver's dropped frame count
	DroppedFrames() int

	// Exposure returns the configured exposure time
	Exposure() time.Duration
}

// HardwareOptions configures a Hardware source
type HardwareOptions struct {
	// MaxConsecutiveErrors turns a run of failed captures into a fatal error
	MaxConsecutiveErrors int
}

// Hardware pulls frames from a Device. Each pull waits at most twice the
// exposure (and at least two seconds) so cancellation is observed in bounded
// time even if the driver never delivers.
type Hardware struct {
	dev  Device
	opts HardwareOptions

	mu          sync.Mutex
	started     bool
	closed      bool
	consecutive int
	last        time.Time
	rate        float64
}

// NewHardware wraps dev
func NewHardware(dev Device, opts HardwareOptions) *Hardware {
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 10
	}
	return &Hardware{dev: dev, opts: opts}
}

// WaitTimeout returns the per-frame wait for an exposure
func WaitTimeout(exposure time.Duration) time.Duration {
	return 2 * max(exposure, minWait)
}

// NextFrame starts the device on first use and pulls the next frame.
func (h *Hardware) NextFrame(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	if err := h.ensureStarted(); err != nil {
		return frame.Frame{}, err
	}

	f, err := h.dev.NextFrame(WaitTimeout(h.dev.Exposure()))
	if err == nil {
		err = f.Validate()
	}
	if err != nil {
		return frame.Frame{}, h.classify(err)
	}

	h.mu.Lock()
	h.consecutive = 0
	if !h.last.IsZero() {
		if dt := f.Captured.Sub(h.last).Seconds(); dt > 0 {
			h.rate = 1 / dt
		}
	}
	h.last = f.Captured
	h.mu.Unlock()

	return f, nil
}

func (h *Hardware) ensureStarted() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.started {
		return nil
	}
	if err := h.dev.Start(); err != nil {
		return fmt.Errorf("%w: failed to start capture: %v", ErrFatal, err)
	}
	h.started = true
	return nil
}

func (h *Hardware) classify(err error) error {
	if errors.Is(err, ErrDisconnected) {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	h.mu.Lock()
	h.consecutive++
	n := h.consecutive
	h.mu.Unlock()

	if n >= h.opts.MaxConsecutiveErrors {
		return fmt.Errorf("%w: %d consecutive capture failures, last: %v", ErrFatal, n, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// FrameRate returns the frame rate estimated from the last two frames
func (h *Hardware) FrameRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rate
}

// Close stops capture and reports the driver's dropped frame count
func (h *Hardware) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	if !h.started {
		return nil
	}

	logger.WithComponent("hardware").Info().
		Int("dropped_frames", h.dev.DroppedFrames()).
		Float64("frame_rate", h.rate).
		Msg("Stopping capture")
	return h.dev.Stop()
}
