package broadcast

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
	"github.com/bryanchriswhite/SensorStreamer/internal/metrics"
	"github.com/bryanchriswhite/SensorStreamer/internal/registry"
	"github.com/bryanchriswhite/SensorStreamer/internal/wire"
)

// EncodeFunc turns a raw frame into the messages sent for it
type EncodeFunc func(f frame.Frame) ([]wire.Message, error)

// Outcome describes what Deliver did with a frame
type Outcome int

const (
	Sent Outcome = iota
	NoClients
	RateLimited
	EncodeFailed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case NoClients:
		return "no_clients"
	case RateLimited:
		return "rate_limited"
	case EncodeFailed:
		return "encode_failed"
	default:
		return "unknown"
	}
}

// Options configures a Broadcaster
type Options struct {
	// MinInterval is the minimum time between two broadcast frames. Frames
	// arriving sooner are dropped for every viewer. Zero disables the limit.
	MinInterval time.Duration

	// BackpressureWarnBytes logs viewers whose send backlog exceeds it.
	// Zero disables the check.
	BackpressureWarnBytes int
}

// Stats counts what the broadcaster did with delivered frames
type Stats struct {
	Sent         uint64 `json:"sent"`
	NoClients    uint64 `json:"no_clients"`
	RateLimited  uint64 `json:"rate_limited"`
	EncodeFailed uint64 `json:"encode_failed"`
	SendFailures uint64 `json:"send_failures"`
}

// Broadcaster fans encoded frames out to every registered client
type Broadcaster struct {
	registry *registry.Registry
	encode   EncodeFunc
	limiter  *rate.Limiter
	opts     Options
	now      func() time.Time

	sent         atomic.Uint64
	noClients    atomic.Uint64
	rateLimited  atomic.Uint64
	encodeFailed atomic.Uint64
	sendFailures atomic.Uint64
}

// New creates a broadcaster over reg using encode for admitted frames
func New(reg *registry.Registry, encode EncodeFunc, opts Options) *Broadcaster {
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Broadcaster{
		registry: reg,
		encode:   encode,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		now:      time.Now,
	}
}

// Deliver encodes and broadcasts f unless nobody is listening or the global
// rate limit drops it. Dropped frames are never encoded. A malformed frame is
// rejected before it can consume the rate limit.
func (b *Broadcaster) Deliver(f frame.Frame) Outcome {
	log := logger.WithComponent("broadcast")

	if b.registry.Len() == 0 {
		b.noClients.Add(1)
		metrics.FrameDropped(metrics.DropNoClients)
		return NoClients
	}

	if err := f.Validate(); err != nil {
		b.encodeFailed.Add(1)
		metrics.FrameDropped(metrics.DropMalformed)
		log.Warn().Err(err).Msg("Dropping malformed frame")
		return EncodeFailed
	}

	if !b.limiter.AllowN(b.now(), 1) {
		b.rateLimited.Add(1)
		metrics.FrameDropped(metrics.DropRateLimited)
		log.Trace().Time("captured", f.Captured).Msg("Frame dropped by rate limit")
		return RateLimited
	}

	msgs, err := b.encode(f)
	if err != nil {
		b.encodeFailed.Add(1)
		metrics.FrameDropped(metrics.DropMalformed)
		log.Warn().Err(err).Msg("Dropping frame that could not be encoded")
		return EncodeFailed
	}

	b.Broadcast(msgs)
	return Sent
}

// Broadcast sends msgs, in order, to every client in a registry snapshot. A
// client whose send fails is removed and closed; the remaining clients still
// receive the frame. Returns the number of clients that got every message.
func (b *Broadcaster) Broadcast(msgs []wire.Message) int {
	clients := b.registry.Snapshot()
	if len(clients) == 0 {
		return 0
	}

	log := logger.WithComponent("broadcast")
	var failed []registry.Client
	delivered := 0

	for _, c := range clients {
		if err := sendAll(c, msgs); err != nil {
			log.Warn().
				Err(err).
				Str("client", c.ID()).
				Msg("Error sending message to client")
			failed = append(failed, c)
			continue
		}
		delivered++

		if b.opts.BackpressureWarnBytes > 0 {
			if buffered := c.BufferedAmount(); buffered > b.opts.BackpressureWarnBytes {
				log.Warn().
					Str("client", c.ID()).
					Int("buffered_bytes", buffered).
					Msg("Client backpressure")
			}
		}
	}

	for _, c := range failed {
		b.sendFailures.Add(1)
		metrics.SendFailure()
		b.registry.Remove(c)
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("client", c.ID()).Msg("Close after send failure")
		}
	}
	metrics.SetClients(b.registry.Len())

	if delivered > 0 {
		b.sent.Add(1)
		metrics.FrameBroadcast(delivered * len(msgs))
	}
	return delivered
}

func sendAll(c registry.Client, msgs []wire.Message) error {
	for _, m := range msgs {
		if err := c.Send(m.Data); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns counters since creation
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Sent:         b.sent.Load(),
		NoClients:    b.noClients.Load(),
		RateLimited:  b.rateLimited.Load(),
		EncodeFailed: b.encodeFailed.Load(),
		SendFailures: b.sendFailures.Load(),
	}
}
