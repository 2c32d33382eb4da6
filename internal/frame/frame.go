// Package frame holds the immutable image sample grid that flows from a
// capture source through processing to the wire.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"time"
)

// ErrMalformed is returned for frames whose shape, sample type or buffer
// length cannot be processed.
var ErrMalformed = errors.New("malformed frame")

// SampleType names the unsigned integer type of a sample. The values match
// numpy dtype names because they are sent to viewers verbatim.
type SampleType string

const (
	Uint8  SampleType = "uint8"
	Uint16 SampleType = "uint16"
	Uint32 SampleType = "uint32"
)

// Size returns the sample width in bytes, or 0 for an unknown type.
func (t SampleType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32:
		return 4
	default:
		return 0
	}
}

// Valid reports whether the sample type is supported.
func (t SampleType) Valid() bool {
	return t.Size() > 0
}

// Frame is one captured or synthesized 2D grid of samples. Data is row-major,
// little-endian at the native sample width. A Frame is never mutated after
// construction; transforms allocate new buffers.
type Frame struct {
	Rows     int
	Cols     int
	Type     SampleType
	Data     []byte
	Captured time.Time
}

// New builds a frame and validates it.
func New(rows, cols int, t SampleType, data []byte, captured time.Time) (Frame, error) {
	f := Frame{Rows: rows, Cols: cols, Type: t, Data: data, Captured: captured}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// FromUint16 copies samples into a little-endian uint16 frame.
func FromUint16(rows, cols int, samples []uint16, captured time.Time) (Frame, error) {
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	return New(rows, cols, Uint16, data, captured)
}

// Validate checks shape, sample type and buffer length.
func (f Frame) Validate() error {
	if f.Rows <= 0 || f.Cols <= 0 {
		return fmt.Errorf("%w: shape (%d, %d)", ErrMalformed, f.Rows, f.Cols)
	}
	if !f.Type.Valid() {
		return fmt.Errorf("%w: unsupported sample type %q", ErrMalformed, f.Type)
	}
	if want := f.Rows * f.Cols * f.Type.Size(); len(f.Data) != want {
		return fmt.Errorf("%w: buffer has %d bytes, shape (%d, %d) %s needs %d",
			ErrMalformed, len(f.Data), f.Rows, f.Cols, f.Type, want)
	}
	return nil
}

// Len returns the number of samples.
func (f Frame) Len() int {
	return f.Rows * f.Cols
}

// Shape returns [rows, cols].
func (f Frame) Shape() [2]int {
	return [2]int{f.Rows, f.Cols}
}

// Sample returns the i-th sample in row-major order.
func (f Frame) Sample(i int) uint32 {
	switch f.Type {
	case Uint8:
		return uint32(f.Data[i])
	case Uint16:
		return uint32(binary.LittleEndian.Uint16(f.Data[i*2:]))
	default:
		return binary.LittleEndian.Uint32(f.Data[i*4:])
	}
}

// Image returns a grayscale copy suitable for image encoders. uint32 samples
// are clamped to 16 bits.
func (f Frame) Image() image.Image {
	rect := image.Rect(0, 0, f.Cols, f.Rows)
	if f.Type == Uint8 {
		img := image.NewGray(rect)
		copy(img.Pix, f.Data)
		return img
	}

	img := image.NewGray16(rect)
	for i := 0; i < f.Len(); i++ {
		v := f.Sample(i)
		if v > 0xffff {
			v = 0xffff
		}
		// image.Gray16 is big-endian
		img.Pix[i*2] = byte(v >> 8)
		img.Pix[i*2+1] = byte(v)
	}
	return img
}
