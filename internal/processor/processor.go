// Package processor normalizes raw sensor frames and computes the display
// histogram sent alongside each frame.
package processor

import (
	"encoding/binary"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
)

const (
	// Shift maps a 16-bit ADC word onto the 12-bit effective range
	Shift = 4

	// Bins is the fixed histogram resolution
	Bins = 1024

	// RangeMax is the exclusive upper bound of the histogram domain
	RangeMax = 4096

	binWidth = RangeMax / Bins
)

// Histogram holds bin midpoints and counts. The last count is always zero.
type Histogram struct {
	Edges  []float64
	Counts []uint32
}

// Result is the output of Process.
type Result struct {
	Frame     frame.Frame
	Histogram Histogram

	// Saturated counts samples that fell in the last bin or above the domain
	Saturated int
}

// Process normalizes f and computes its histogram. f is never modified.
func Process(f frame.Frame) (Result, error) {
	if err := f.Validate(); err != nil {
		return Result{}, err
	}

	norm := Normalize(f)
	hist, saturated := ComputeHistogram(norm)
	return Result{Frame: norm, Histogram: hist, Saturated: saturated}, nil
}

// Normalize right-shifts every sample by Shift into a new buffer of the same
// sample type.
func Normalize(f frame.Frame) frame.Frame {
	out := make([]byte, len(f.Data))

	switch f.Type {
	case frame.Uint8:
		for i, v := range f.Data {
			out[i] = v >> Shift
		}
	case frame.Uint16:
		for i := 0; i+1 < len(f.Data); i += 2 {
			binary.LittleEndian.PutUint16(out[i:], binary.LittleEndian.Uint16(f.Data[i:])>>Shift)
		}
	case frame.Uint32:
		for i := 0; i+3 < len(f.Data); i += 4 {
			binary.LittleEndian.PutUint32(out[i:], binary.LittleEndian.Uint32(f.Data[i:])>>Shift)
		}
	}

	return frame.Frame{
		Rows:     f.Rows,
		Cols:     f.Cols,
		Type:     f.Type,
		Data:     out,
		Captured: f.Captured,
	}
}

// Midpoints returns the centre of each of the Bins equal-width bins over
// [0, RangeMax).
func Midpoints() []float64 {
	edges := make([]float64, Bins)
	for i := range edges {
		edges[i] = float64(i*binWidth) + binWidth/2.0
	}
	return edges
}

// ComputeHistogram bins the samples of f. Samples in the last bin or at or
// above RangeMax form the saturation bucket: they are counted in the returned
// saturated total and the last bin's count is left at zero.
func ComputeHistogram(f frame.Frame) (Histogram, int) {
	counts := make([]uint32, Bins)
	saturated := 0

	n := f.Len()
	for i := 0; i < n; i++ {
		bin := f.Sample(i) / binWidth
		if bin >= Bins-1 {
			saturated++
			continue
		}
		counts[bin]++
	}

	return Histogram{Edges: Midpoints(), Counts: counts}, saturated
}
