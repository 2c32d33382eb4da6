// Package gstsource binds a GStreamer capture pipeline as a hardware Device.
package gstsource

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
	"github.com/bryanchriswhite/SensorStreamer/internal/source"
)

// DefaultPipeline captures 16-bit grayscale from a V4L2 camera
const DefaultPipeline = "v4l2src device=%s do-timestamp=true ! " +
	"videoconvert ! " +
	"video/x-raw,format=GRAY16_LE ! " +
	"appsink name=sink emit-signals=false max-buffers=2 drop=true"

// Config describes the capture pipeline
type Config struct {
	// Device is substituted into DefaultPipeline when Pipeline is empty
	Device string

	// Pipeline is a full gst-launch description ending in an appsink named
	// "sink" that produces GRAY8 or GRAY16_LE buffers
	Pipeline string

	// Exposure is reported to the capture loop to size its wait
	Exposure time.Duration
}

// Device pulls frames from a GStreamer appsink
type Device struct {
	cfg      Config
	mu       sync.Mutex
	pipeline *gst.Pipeline
	appsink  *app.Sink
	running  bool
	dropped  atomic.Int64

	// pulls is read-held for the duration of every TryPullSample so Stop
	// can release the pipeline only once no pull is using it
	pulls sync.RWMutex
}

var initOnce sync.Once

var _ source.Device = (*Device)(nil)

// New creates an unstarted device
func New(cfg Config) *Device {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	return &Device{cfg: cfg}
}

// Describe returns the gst-launch description used by Start
func (d *Device) Describe() string {
	if d.cfg.Pipeline != "" {
		return d.cfg.Pipeline
	}
	return fmt.Sprintf(DefaultPipeline, d.cfg.Device)
}

// Start builds the pipeline and sets it playing
func (d *Device) Start() error {
	return d.start(nil)
}

// StartPush is Start with frames pushed to deliver from the appsink's
// streaming thread instead of pulled with NextFrame. End of stream is
// reported through eos.
func (d *Device) StartPush(deliver func(frame.Frame, time.Time), eos func()) error {
	return d.start(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			f, err := d.frameFromSample(sample, time.Now())
			if err != nil {
				// skip the frame, keep the stream
				d.dropped.Add(1)
				logger.WithComponent("gstreamer").Warn().Err(err).Msg("Dropping sample")
				return gst.FlowOK
			}
			deliver(f, f.Captured)
			return gst.FlowOK
		},
		EOSFunc: func(sink *app.Sink) {
			logger.WithComponent("gstreamer").Warn().Msg("End of stream")
			if eos != nil {
				eos()
			}
		},
	})
}

func (d *Device) start(callbacks *app.SinkCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("pipeline already running")
	}

	log := logger.WithComponent("gstreamer")
	initOnce.Do(func() { gst.Init(nil) })

	desc := d.Describe()
	log.Debug().Str("pipeline", desc).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("failed to get appsink: %w", err)
	}
	sink := app.SinkFromElement(sinkElement)
	if callbacks != nil {
		sink.SetCallbacks(callbacks)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	d.pipeline = pipeline
	d.appsink = sink
	d.running = true

	log.Info().
		Str("device", d.cfg.Device).
		Bool("push", callbacks != nil).
		Msg("GStreamer pipeline started")
	return nil
}

// Stop tears the pipeline down. Setting the pipeline to NULL flushes the
// appsink, which releases a pending pull; the pipeline is unreferenced
// only after that pull has returned.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	pipeline := d.pipeline
	d.pipeline = nil
	d.appsink = nil
	d.mu.Unlock()

	if pipeline != nil {
		pipeline.SetState(gst.StateNull)
		d.pulls.Lock()
		pipeline.Unref()
		d.pulls.Unlock()
	}

	logger.WithComponent("gstreamer").Info().Msg("GStreamer pipeline stopped")
	return nil
}

// NextFrame pulls one sample, waiting at most timeout
func (d *Device) NextFrame(timeout time.Duration) (frame.Frame, error) {
	d.mu.Lock()
	sink := d.appsink
	if !d.running || sink == nil {
		d.mu.Unlock()
		return frame.Frame{}, source.ErrDisconnected
	}
	d.pulls.RLock()
	d.mu.Unlock()
	defer d.pulls.RUnlock()

	// Don't Unref the sample; go-gst releases it
	sample := sink.TryPullSample(timeout)
	if sample == nil {
		if sink.IsEOS() {
			return frame.Frame{}, fmt.Errorf("%w: end of stream", source.ErrDisconnected)
		}
		return frame.Frame{}, source.ErrTimeout
	}
	captured := time.Now()

	f, err := d.frameFromSample(sample, captured)
	if err != nil {
		d.dropped.Add(1)
		return frame.Frame{}, err
	}
	return f, nil
}

func (d *Device) frameFromSample(sample *gst.Sample, captured time.Time) (frame.Frame, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return frame.Frame{}, fmt.Errorf("sample without buffer")
	}

	caps := sample.GetCaps()
	if caps == nil {
		return frame.Frame{}, fmt.Errorf("sample without caps")
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return frame.Frame{}, fmt.Errorf("caps without structure")
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	format, _ := structure.GetValue("format")

	w, ok := width.(int)
	if !ok {
		return frame.Frame{}, fmt.Errorf("caps without width")
	}
	h, ok := height.(int)
	if !ok {
		return frame.Frame{}, fmt.Errorf("caps without height")
	}

	sampleType := frame.Uint16
	if f, _ := format.(string); f == "GRAY8" {
		sampleType = frame.Uint8
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return frame.Frame{}, fmt.Errorf("failed to map buffer")
	}
	defer buffer.Unmap()

	// copy out; GStreamer reuses the buffer
	want := w * h * sampleType.Size()
	data := mapInfo.Bytes()
	if len(data) < want {
		return frame.Frame{}, fmt.Errorf("%w: buffer has %d bytes, %dx%d %s needs %d",
			frame.ErrMalformed, len(data), w, h, sampleType, want)
	}
	pix := make([]byte, want)
	copy(pix, data[:want])

	return frame.New(h, w, sampleType, pix, captured)
}

// DroppedFrames returns the number of samples that could not be converted
func (d *Device) DroppedFrames() int {
	return int(d.dropped.Load())
}

// Exposure returns the configured exposure
func (d *Device) Exposure() time.Duration {
	return d.cfg.Exposure
}
