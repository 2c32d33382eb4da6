// Package ser reads SER video files, the uncompressed frame sequence format
// written by planetary and solar capture software. Only monochrome files are
// supported.
package ser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
)

const (
	// HeaderSize is the fixed size of the file header
	HeaderSize = 178

	fileID = "LUCAM-RECORDER"

	// ColorMono is the only supported colour id
	ColorMono = 0
)

var (
	// ErrInvalid is returned for files that are not SER files
	ErrInvalid = errors.New("invalid SER file")

	// ErrUnsupported is returned for SER variants this reader cannot decode
	ErrUnsupported = errors.New("unsupported SER file")
)

// ticks between 0001-01-01 and the Unix epoch, in 100 ns units
const epochTicks = 621355968000000000

// Header is the decoded SER file header
type Header struct {
	LuID         int32
	ColorID      int32
	LittleEndian bool
	Width        int
	Height       int
	PixelDepth   int
	FrameCount   int
	Observer     string
	Instrument   string
	Telescope    string
	DateTime     time.Time
	DateTimeUTC  time.Time
}

// SampleType returns the frame sample type for the header's pixel depth
func (h Header) SampleType() frame.SampleType {
	if h.PixelDepth <= 8 {
		return frame.Uint8
	}
	return frame.Uint16
}

// FrameSize returns the number of bytes per frame
func (h Header) FrameSize() int {
	return h.Width * h.Height * h.SampleType().Size()
}

type rawHeader struct {
	FileID       [14]byte
	LuID         int32
	ColorID      int32
	LittleEndian int32
	ImageWidth   int32
	ImageHeight  int32
	PixelDepth   int32
	FrameCount   int32
	Observer     [40]byte
	Instrument   [40]byte
	Telescope    [40]byte
	DateTime     int64
	DateTimeUTC  int64
}

// File is an open SER file
type File struct {
	r      io.ReaderAt
	closer io.Closer
	header Header
}

// Open opens and validates a SER file
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sf, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf.closer = f
	return sf, nil
}

// NewReader reads the header from r
func NewReader(r io.ReaderAt) (*File, error) {
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalid, err)
	}

	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if string(raw.FileID[:]) != fileID {
		return nil, fmt.Errorf("%w: bad file id %q", ErrInvalid, raw.FileID[:])
	}
	if raw.ColorID != ColorMono {
		return nil, fmt.Errorf("%w: colour id %d", ErrUnsupported, raw.ColorID)
	}
	if raw.PixelDepth < 1 || raw.PixelDepth > 16 {
		return nil, fmt.Errorf("%w: pixel depth %d", ErrUnsupported, raw.PixelDepth)
	}
	if raw.ImageWidth <= 0 || raw.ImageHeight <= 0 || raw.FrameCount <= 0 {
		return nil, fmt.Errorf("%w: %dx%d with %d frames",
			ErrInvalid, raw.ImageWidth, raw.ImageHeight, raw.FrameCount)
	}

	return &File{
		r: r,
		header: Header{
			LuID:         raw.LuID,
			ColorID:      raw.ColorID,
			LittleEndian: raw.LittleEndian != 0,
			Width:        int(raw.ImageWidth),
			Height:       int(raw.ImageHeight),
			PixelDepth:   int(raw.PixelDepth),
			FrameCount:   int(raw.FrameCount),
			Observer:     trimField(raw.Observer[:]),
			Instrument:   trimField(raw.Instrument[:]),
			Telescope:    trimField(raw.Telescope[:]),
			DateTime:     fromTicks(raw.DateTime),
			DateTimeUTC:  fromTicks(raw.DateTimeUTC),
		},
	}, nil
}

// Header returns the decoded header
func (f *File) Header() Header {
	return f.header
}

// Frame reads frame i. 16-bit big-endian files are converted to the
// little-endian layout used by frame.Frame.
func (f *File) Frame(i int, captured time.Time) (frame.Frame, error) {
	h := f.header
	if i < 0 || i >= h.FrameCount {
		return frame.Frame{}, fmt.Errorf("frame %d out of range [0, %d)", i, h.FrameCount)
	}

	size := h.FrameSize()
	data := make([]byte, size)
	off := int64(HeaderSize) + int64(i)*int64(size)
	if _, err := f.r.ReadAt(data, off); err != nil {
		return frame.Frame{}, fmt.Errorf("reading frame %d: %w", i, err)
	}

	if h.SampleType() == frame.Uint16 && !h.LittleEndian {
		for j := 0; j+1 < len(data); j += 2 {
			data[j], data[j+1] = data[j+1], data[j]
		}
	}

	return frame.New(h.Height, h.Width, h.SampleType(), data, captured)
}

// Close closes the underlying file, if any
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// EncodeHeader serializes h. Used to write test fixtures.
func EncodeHeader(h Header) []byte {
	raw := rawHeader{
		LuID:        h.LuID,
		ColorID:     h.ColorID,
		ImageWidth:  int32(h.Width),
		ImageHeight: int32(h.Height),
		PixelDepth:  int32(h.PixelDepth),
		FrameCount:  int32(h.FrameCount),
		DateTime:    toTicks(h.DateTime),
		DateTimeUTC: toTicks(h.DateTimeUTC),
	}
	copy(raw.FileID[:], fileID)
	if h.LittleEndian {
		raw.LittleEndian = 1
	}
	copy(raw.Observer[:], h.Observer)
	copy(raw.Instrument[:], h.Instrument)
	copy(raw.Telescope[:], h.Telescope)

	var buf bytes.Buffer
	// writes to a bytes.Buffer cannot fail
	_ = binary.Write(&buf, binary.LittleEndian, raw)
	return buf.Bytes()
}

func trimField(b []byte) string {
	return string(bytes.TrimRight(b, "\x00 "))
}

func fromTicks(ticks int64) time.Time {
	if ticks <= 0 {
		return time.Time{}
	}
	return time.Unix(0, (ticks-epochTicks)*100).UTC()
}

func toTicks(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()/100 + epochTicks
}
