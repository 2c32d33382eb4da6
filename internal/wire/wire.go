// Package wire implements the binary viewer protocol. Every message starts
// with a 4-byte little-endian magic identifying its kind:
//
//	0x325a329a  frame info       UTF-8 JSON {timestamp, shape, dtype}
//	0x348da5f8  frame histogram  1024 x u32 bin midpoints, then 1024 x u32 counts
//	0xf8a3f8a3  frame header     raw pixel bytes, row-major, native width
//
// A produced frame is always sent as info, histogram, header in that order.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/processor"
)

// Kind is the magic value leading every message.
type Kind uint32

const (
	KindFrameHeader    Kind = 0xf8a3f8a3
	KindFrameInfo      Kind = 0x325a329a
	KindFrameHistogram Kind = 0x348da5f8
)

const magicSize = 4

var (
	// ErrShortMessage is returned for messages without a complete magic or body
	ErrShortMessage = errors.New("message too short")

	// ErrUnknownKind is returned for messages with an unrecognised magic
	ErrUnknownKind = errors.New("unknown message kind")
)

func (k Kind) String() string {
	switch k {
	case KindFrameHeader:
		return "frame-header"
	case KindFrameInfo:
		return "frame-info"
	case KindFrameHistogram:
		return "frame-histogram"
	default:
		return fmt.Sprintf("unknown(0x%08x)", uint32(k))
	}
}

// Message is a fully self-contained encoded message. Data includes the magic.
type Message struct {
	Kind Kind
	Data []byte
}

// Body returns the bytes after the magic.
func (m Message) Body() []byte {
	return m.Data[magicSize:]
}

// Info is the JSON body of a frame info message.
type Info struct {
	Timestamp string `json:"timestamp"`
	Shape     [2]int `json:"shape"`
	DType     string `json:"dtype"`
}

// Time parses the info timestamp.
func (i Info) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, i.Timestamp)
}

// Encode serializes a normalized frame and its histogram into the three
// messages sent per frame. No returned slice aliases f.Data.
func Encode(f frame.Frame, hist processor.Histogram, ts time.Time) ([]Message, error) {
	info, err := EncodeInfo(f, ts)
	if err != nil {
		return nil, err
	}
	histogram, err := EncodeHistogram(hist)
	if err != nil {
		return nil, err
	}
	return []Message{info, histogram, EncodeFrame(f)}, nil
}

// EncodeInfo builds the frame info message.
func EncodeInfo(f frame.Frame, ts time.Time) (Message, error) {
	body, err := json.Marshal(Info{
		Timestamp: ts.Format(time.RFC3339Nano),
		Shape:     f.Shape(),
		DType:     string(f.Type),
	})
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal frame info: %w", err)
	}
	return build(KindFrameInfo, body), nil
}

// EncodeHistogram builds the histogram message. Midpoints are truncated to
// u32 as viewers expect integer edges.
func EncodeHistogram(hist processor.Histogram) (Message, error) {
	if len(hist.Edges) != processor.Bins || len(hist.Counts) != processor.Bins {
		return Message{}, fmt.Errorf("histogram must have %d bins, got %d edges and %d counts",
			processor.Bins, len(hist.Edges), len(hist.Counts))
	}

	data := make([]byte, magicSize+processor.Bins*8)
	binary.LittleEndian.PutUint32(data, uint32(KindFrameHistogram))

	edges := data[magicSize:]
	counts := data[magicSize+processor.Bins*4:]
	for i := 0; i < processor.Bins; i++ {
		binary.LittleEndian.PutUint32(edges[i*4:], uint32(hist.Edges[i]))
		binary.LittleEndian.PutUint32(counts[i*4:], hist.Counts[i])
	}
	return Message{Kind: KindFrameHistogram, Data: data}, nil
}

// EncodeFrame builds the raw pixel message.
func EncodeFrame(f frame.Frame) Message {
	return build(KindFrameHeader, f.Data)
}

func build(kind Kind, body []byte) Message {
	data := make([]byte, magicSize+len(body))
	binary.LittleEndian.PutUint32(data, uint32(kind))
	copy(data[magicSize:], body)
	return Message{Kind: kind, Data: data}
}

// Decode identifies a received message by its magic.
func Decode(data []byte) (Message, error) {
	if len(data) < magicSize {
		return Message{}, ErrShortMessage
	}
	kind := Kind(binary.LittleEndian.Uint32(data))
	switch kind {
	case KindFrameHeader, KindFrameInfo, KindFrameHistogram:
		return Message{Kind: kind, Data: data}, nil
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// DecodeInfo parses a frame info message.
func DecodeInfo(m Message) (Info, error) {
	var info Info
	if m.Kind != KindFrameInfo {
		return info, fmt.Errorf("expected %s, got %s", KindFrameInfo, m.Kind)
	}
	if err := json.Unmarshal(m.Body(), &info); err != nil {
		return info, fmt.Errorf("failed to parse frame info: %w", err)
	}
	return info, nil
}

// DecodeHistogram parses a histogram message.
func DecodeHistogram(m Message) (processor.Histogram, error) {
	if m.Kind != KindFrameHistogram {
		return processor.Histogram{}, fmt.Errorf("expected %s, got %s", KindFrameHistogram, m.Kind)
	}
	body := m.Body()
	if len(body) != processor.Bins*8 {
		return processor.Histogram{}, fmt.Errorf("%w: histogram body has %d bytes", ErrShortMessage, len(body))
	}

	hist := processor.Histogram{
		Edges:  make([]float64, processor.Bins),
		Counts: make([]uint32, processor.Bins),
	}
	counts := body[processor.Bins*4:]
	for i := 0; i < processor.Bins; i++ {
		hist.Edges[i] = float64(binary.LittleEndian.Uint32(body[i*4:]))
		hist.Counts[i] = binary.LittleEndian.Uint32(counts[i*4:])
	}
	return hist, nil
}

// DecodeFrame rebuilds a frame from a header message and the info that
// preceded it.
func DecodeFrame(m Message, info Info) (frame.Frame, error) {
	if m.Kind != KindFrameHeader {
		return frame.Frame{}, fmt.Errorf("expected %s, got %s", KindFrameHeader, m.Kind)
	}
	ts, err := info.Time()
	if err != nil {
		ts = time.Time{}
	}
	data := append([]byte(nil), m.Body()...)
	return frame.New(info.Shape[0], info.Shape[1], frame.SampleType(info.DType), data, ts)
}

// Peak returns the midpoint and count of the fullest bin. edge is NaN when
// every count is zero.
func Peak(hist processor.Histogram) (edge float64, count uint32) {
	edge = math.NaN()
	for i, c := range hist.Counts {
		if c > count {
			count = c
			edge = hist.Edges[i]
		}
	}
	return edge, count
}
