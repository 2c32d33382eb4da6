package gstsource

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
	"github.com/bryanchriswhite/SensorStreamer/internal/source"
)

// Stream runs a Device in push mode: the appsink's new-sample callback
// hands frames to a source.Callback and NextFrame takes the latest one.
// The pipeline starts on the first NextFrame.
type Stream struct {
	dev *Device
	cb  *source.Callback

	once     sync.Once
	startErr error
}

var _ source.Source = (*Stream)(nil)

// NewStream creates an unstarted push-mode source
func NewStream(cfg Config) *Stream {
	return &Stream{
		dev: New(cfg),
		cb:  source.NewCallback(),
	}
}

// NextFrame starts the pipeline on first use and waits for the next frame.
// End of stream closes the source, which ends the capture loop.
func (s *Stream) NextFrame(ctx context.Context) (frame.Frame, error) {
	s.once.Do(func() {
		s.startErr = s.dev.StartPush(s.cb.Deliver, func() { s.cb.Close() })
	})
	if s.startErr != nil {
		return frame.Frame{}, fmt.Errorf("%w: failed to start capture: %v", source.ErrFatal, s.startErr)
	}
	return s.cb.NextFrame(ctx)
}

// Close stops the pipeline and wakes a waiting NextFrame
func (s *Stream) Close() error {
	s.cb.Close()
	logger.WithComponent("gstreamer").Info().
		Int("dropped_frames", s.dev.DroppedFrames()).
		Uint64("superseded", s.cb.Dropped()).
		Msg("Stopping capture")
	return s.dev.Stop()
}
