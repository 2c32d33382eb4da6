package ser

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
)

func fixture(h Header, pixels []byte) *bytes.Reader {
	return bytes.NewReader(append(EncodeHeader(h), pixels...))
}

func TestHeaderRoundTrip(t *testing.T) {
	recorded := time.Date(2024, 3, 1, 21, 30, 0, 0, time.UTC)
	h := Header{
		LittleEndian: true,
		Width:        4,
		Height:       2,
		PixelDepth:   12,
		FrameCount:   1,
		Observer:     "observer",
		Instrument:   "ZWO ASI290MM",
		Telescope:    "C8",
		DateTimeUTC:  recorded,
	}
	if got := len(EncodeHeader(h)); got != HeaderSize {
		t.Fatalf("expected %d byte header, got %d", HeaderSize, got)
	}

	f, err := NewReader(fixture(h, make([]byte, 16)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got := f.Header()
	if got.Width != 4 || got.Height != 2 || got.PixelDepth != 12 || got.FrameCount != 1 {
		t.Errorf("unexpected geometry %+v", got)
	}
	if got.Instrument != "ZWO ASI290MM" || got.Telescope != "C8" {
		t.Errorf("unexpected strings %q %q", got.Instrument, got.Telescope)
	}
	if !got.DateTimeUTC.Equal(recorded) {
		t.Errorf("expected %v, got %v", recorded, got.DateTimeUTC)
	}
	if got.SampleType() != frame.Uint16 || got.FrameSize() != 16 {
		t.Errorf("expected 16-bit frames of 16 bytes, got %s %d", got.SampleType(), got.FrameSize())
	}
}

func TestFrame_BigEndianSwapped(t *testing.T) {
	h := Header{Width: 2, Height: 1, PixelDepth: 16, FrameCount: 2}
	pixels := []byte{
		0x01, 0x02, 0x00, 0x10, // frame 0, big-endian
		0x0f, 0xff, 0x00, 0x00, // frame 1
	}
	f, err := NewReader(fixture(h, pixels))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	fr, err := f.Frame(0, time.Now())
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if fr.Sample(0) != 0x0102 || fr.Sample(1) != 0x0010 {
		t.Errorf("expected 0x0102 0x0010, got 0x%x 0x%x", fr.Sample(0), fr.Sample(1))
	}

	fr, err = f.Frame(1, time.Now())
	if err != nil || fr.Sample(0) != 0x0fff {
		t.Errorf("expected 0x0fff in frame 1, got %v", err)
	}

	if _, err := f.Frame(2, time.Now()); err == nil {
		t.Error("expected out of range error")
	}
}

func TestFrame_EightBit(t *testing.T) {
	h := Header{Width: 3, Height: 1, PixelDepth: 8, FrameCount: 1}
	f, err := NewReader(fixture(h, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	fr, err := f.Frame(0, time.Now())
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if fr.Type != frame.Uint8 || fr.Sample(2) != 3 {
		t.Errorf("unexpected frame %s %v", fr.Type, fr.Data)
	}
}

func TestNewReader_Rejects(t *testing.T) {
	good := Header{Width: 1, Height: 1, PixelDepth: 8, FrameCount: 1}

	bad := EncodeHeader(good)
	copy(bad, "NOT-A-SER-FILE")
	if _, err := NewReader(bytes.NewReader(bad)); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for bad id, got %v", err)
	}

	colour := good
	colour.ColorID = 100
	if _, err := NewReader(fixture(colour, []byte{0})); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for colour, got %v", err)
	}

	if _, err := NewReader(bytes.NewReader([]byte("LUCAM"))); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for truncated header, got %v", err)
	}
}
