package source

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
)

// SyntheticConfig parametrises the moving Gaussian blob generator
type SyntheticConfig struct {
	Rows   int
	Cols   int
	Period time.Duration

	// Sigma is the blob width in pixels
	Sigma float64
	// Amplitude is the blob peak above background, in 12-bit counts
	Amplitude float64
	// Background is the constant offset, in 12-bit counts
	Background float64
	// Jitter is the maximum random background shift per frame
	Jitter float64
	// Noise is the standard deviation of per-pixel noise
	Noise float64
	// Wander is the maximum blob centre displacement from the frame centre
	Wander float64

	Seed uint64
}

// DefaultSyntheticConfig returns the defaults of the camera simulator
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Rows:       1080,
		Cols:       1920,
		Period:     100 * time.Millisecond,
		Sigma:      125,
		Amplitude:  2048,
		Background: 512,
		Jitter:     128,
		Noise:      128,
		Wander:     100,
	}
}

// Synthetic generates uint16 frames holding a Gaussian blob at a random
// position plus noise, scaled by 16 like a 12-bit sensor packed in 16 bits.
type Synthetic struct {
	cfg    SyntheticConfig
	rng    *rand.Rand
	pace   pacer
	xs     []float64
	ys     []float64
	mu     sync.Mutex
	closed bool
}

// NewSynthetic creates a generator. Zero fields fall back to defaults.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	def := DefaultSyntheticConfig()
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	if cfg.Cols <= 0 {
		cfg.Cols = def.Cols
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.Sigma <= 0 {
		cfg.Sigma = def.Sigma
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	// pixel coordinates relative to the frame centre
	xs := make([]float64, cfg.Cols)
	for i := range xs {
		xs[i] = float64(i - cfg.Cols/2)
	}
	ys := make([]float64, cfg.Rows)
	for i := range ys {
		ys[i] = float64(i - cfg.Rows/2)
	}

	return &Synthetic{
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		pace: pacer{period: cfg.Period},
		xs:   xs,
		ys:   ys,
	}
}

// NextFrame waits for the next period and renders a frame.
func (s *Synthetic) NextFrame(ctx context.Context) (frame.Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return frame.Frame{}, ErrClosed
	}

	if err := s.pace.wait(ctx); err != nil {
		return frame.Frame{}, err
	}
	return s.Render(time.Now())
}

// Render produces one frame immediately.
func (s *Synthetic) Render(captured time.Time) (frame.Frame, error) {
	cfg := s.cfg
	cx := s.rng.Float64() * cfg.Wander
	cy := s.rng.Float64() * cfg.Wander
	offset := cfg.Background + s.rng.Float64()*cfg.Jitter
	twoSigma2 := 2 * cfg.Sigma * cfg.Sigma

	// separable exponent: exp(-(dx²+dy²)/2σ²) = exp(-dx²/2σ²)·exp(-dy²/2σ²)
	gx := make([]float64, cfg.Cols)
	for i, x := range s.xs {
		d := x - cx
		gx[i] = math.Exp(-d * d / twoSigma2)
	}

	data := make([]byte, cfg.Rows*cfg.Cols*2)
	for r, y := range s.ys {
		d := y - cy
		gy := cfg.Amplitude * math.Exp(-d*d/twoSigma2)
		row := data[r*cfg.Cols*2:]
		for c := range gx {
			v := (gy*gx[c] + offset + s.rng.NormFloat64()*cfg.Noise) * 16
			binary.LittleEndian.PutUint16(row[c*2:], clampUint16(v))
		}
	}

	return frame.New(cfg.Rows, cfg.Cols, frame.Uint16, data, captured)
}

// Close stops the generator.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func clampUint16(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v)
	}
}
