// Package pipeline runs the capture and broadcast loops. Capture starts
// lazily when the first viewer connects and runs until Stop; it is never
// started twice in a process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/broadcast"
	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
	"github.com/bryanchriswhite/SensorStreamer/internal/metrics"
	"github.com/bryanchriswhite/SensorStreamer/internal/processor"
	"github.com/bryanchriswhite/SensorStreamer/internal/registry"
	"github.com/bryanchriswhite/SensorStreamer/internal/source"
	"github.com/bryanchriswhite/SensorStreamer/internal/wire"
)

// DefaultStopTimeout bounds Stop when Options.StopTimeout is unset. It covers
// one hardware wait at the minimum exposure.
const DefaultStopTimeout = 4 * time.Second

// ErrStopTimeout is returned by Stop when the loops did not exit in time
var ErrStopTimeout = errors.New("pipeline did not stop in time")

// State is the lifecycle of the capture loop
type State int32

const (
	NotStarted State = iota
	Running
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Options configures a Pipeline
type Options struct {
	Source      source.Source
	Broadcast   broadcast.Options
	StopTimeout time.Duration
}

// Stats is a point-in-time view of the pipeline
type Stats struct {
	State           string          `json:"state"`
	Clients         int             `json:"clients"`
	Captured        uint64          `json:"captured"`
	TransientErrors uint64          `json:"transient_errors"`
	Superseded      uint64          `json:"superseded"`
	Broadcast       broadcast.Stats `json:"broadcast"`
	LastCaptured    time.Time       `json:"last_captured,omitzero"`
	Error           string          `json:"error,omitempty"`
}

// Pipeline owns the source, the client registry and the broadcaster
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options

	src         source.Source
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	slot        *Slot

	state     atomic.Int32
	captured  atomic.Uint64
	transient atomic.Uint64
	wg        sync.WaitGroup
	stopOnce  sync.Once

	mu     sync.RWMutex
	err    error
	latest *processor.Result
}

// New creates a stopped pipeline. Nothing is captured until the first
// client is registered through ClientOpened, or Start is called.
func New(ctx context.Context, opts Options) *Pipeline {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &Pipeline{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		src:      opts.Source,
		registry: registry.New(),
		slot:     NewSlot(),
	}
	p.broadcaster = broadcast.New(p.registry, p.encode, opts.Broadcast)
	return p
}

// encode processes a frame for broadcast and keeps the result for snapshots
func (p *Pipeline) encode(f frame.Frame) ([]wire.Message, error) {
	res, err := processor.Process(f)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.latest = &res
	p.mu.Unlock()

	logger.WithComponent("pipeline").Debug().
		Time("captured", f.Captured).
		Int("saturated", res.Saturated).
		Msg("Frame processed")

	return wire.Encode(res.Frame, res.Histogram, f.Captured)
}

// Registry returns the client registry
func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// ClientOpened registers c and starts capture if c is the first client
func (p *Pipeline) ClientOpened(c registry.Client) {
	first := p.registry.Add(c)
	metrics.SetClients(p.registry.Len())
	if first {
		p.Start()
	}
}

// ClientClosed unregisters c. It is safe to call for a client the
// broadcaster already dropped.
func (p *Pipeline) ClientClosed(c registry.Client, code int, reason string) {
	logger.WithComponent("pipeline").Info().
		Str("client", c.ID()).
		Int("code", code).
		Str("reason", reason).
		Msg("Client closed")

	p.registry.Remove(c)
	metrics.SetClients(p.registry.Len())
}

// Start launches the capture and broadcast loops. Only the first call does
// anything; it reports whether this call started them.
func (p *Pipeline) Start() bool {
	if !p.state.CompareAndSwap(int32(NotStarted), int32(Running)) {
		return false
	}

	logger.WithComponent("pipeline").Info().Msg("Starting capture")
	metrics.SetRunning()

	p.wg.Add(2)
	go p.captureLoop()
	go p.broadcastLoop()
	return true
}

func (p *Pipeline) captureLoop() {
	defer p.wg.Done()
	log := logger.WithComponent("capture")

	for {
		f, err := p.src.NextFrame(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if !source.IsFatal(err) {
				p.transient.Add(1)
				metrics.CaptureError(false)
				metrics.FrameDropped(metrics.DropCaptureError)
				log.Warn().Err(err).Msg("Capture failed, skipping frame")
				continue
			}

			metrics.CaptureError(true)
			p.setErr(err)
			log.Error().Err(err).Msg("Capture stopped")
			return
		}

		p.captured.Add(1)
		metrics.FrameCaptured()
		if p.slot.Put(f) {
			metrics.FrameDropped(metrics.DropSuperseded)
		}
	}
}

func (p *Pipeline) broadcastLoop() {
	defer p.wg.Done()
	log := logger.WithComponent("broadcast")

	for {
		f, err := p.slot.Take(p.ctx)
		if err != nil {
			return
		}
		outcome := p.broadcaster.Deliver(f)
		log.Trace().Stringer("outcome", outcome).Msg("Frame delivered")
	}
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Err returns the fatal error that stopped capture, if any
func (p *Pipeline) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// Latest returns the most recent processed frame
func (p *Pipeline) Latest() (processor.Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return processor.Result{}, false
	}
	return *p.latest, true
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	s := Stats{
		State:           p.State().String(),
		Clients:         p.registry.Len(),
		Captured:        p.captured.Load(),
		TransientErrors: p.transient.Load(),
		Superseded:      p.slot.Dropped(),
		Broadcast:       p.broadcaster.Stats(),
	}
	if res, ok := p.Latest(); ok {
		s.LastCaptured = res.Frame.Captured
	}
	if err := p.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// Stop cancels both loops, waits for them at most the configured timeout and
// closes the source. Viewer connections are left to the transport.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.opts.StopTimeout):
			err = fmt.Errorf("%w after %v", ErrStopTimeout, p.opts.StopTimeout)
		}

		if cerr := p.src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close source: %w", cerr)
		}
		logger.WithComponent("pipeline").Info().
			Uint64("captured", p.captured.Load()).
			Uint64("superseded", p.slot.Dropped()).
			Msg("Pipeline stopped")
	})
	return err
}
