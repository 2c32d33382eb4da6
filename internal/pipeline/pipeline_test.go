package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/source"
	"github.com/bryanchriswhite/SensorStreamer/internal/wire"
)

type fakeClient struct {
	id     string
	mu     sync.Mutex
	kinds  []wire.Kind
	closed bool
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, wire.Kind(binary.LittleEndian.Uint32(data)))
	return nil
}

func (c *fakeClient) BufferedAmount() int { return 0 }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) received() []wire.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Kind(nil), c.kinds...)
}

// scriptedSource returns frames every tick and fails with the scripted errors
type scriptedSource struct {
	calls  atomic.Int64
	errAt  map[int64]error
	period time.Duration
	closed atomic.Bool
}

func (s *scriptedSource) NextFrame(ctx context.Context) (frame.Frame, error) {
	n := s.calls.Add(1)
	select {
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case <-time.After(s.period):
	}
	if err, ok := s.errAt[n]; ok {
		return frame.Frame{}, err
	}
	return frame.FromUint16(2, 2, []uint16{0, 16, 4096, 65535}, time.Now())
}

func (s *scriptedSource) Close() error {
	s.closed.Store(true)
	return nil
}

// stuckSource blocks in NextFrame until release is closed, ignoring ctx
type stuckSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func (s *stuckSource) NextFrame(ctx context.Context) (frame.Frame, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return frame.Frame{}, source.ErrClosed
}

func (s *stuckSource) Close() error {
	s.closed.Store(true)
	return nil
}

// blockingClient holds every Send until release is closed
type blockingClient struct {
	release chan struct{}
	sends   atomic.Int64
}

func (c *blockingClient) ID() string { return "blocking" }

func (c *blockingClient) Send(data []byte) error {
	c.sends.Add(1)
	<-c.release
	return nil
}

func (c *blockingClient) BufferedAmount() int { return 0 }

func (c *blockingClient) Close() error { return nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPipeline_NotStartedWithoutClients(t *testing.T) {
	src := &scriptedSource{period: time.Millisecond}
	p := New(context.Background(), Options{Source: src})
	defer p.Stop()

	time.Sleep(30 * time.Millisecond)
	if p.State() != NotStarted {
		t.Errorf("expected not_started, got %s", p.State())
	}
	if n := src.calls.Load(); n != 0 {
		t.Errorf("expected no capture before the first client, got %d calls", n)
	}
}

func TestPipeline_StartsOnce(t *testing.T) {
	src := &scriptedSource{period: time.Millisecond}
	p := New(context.Background(), Options{Source: src})
	defer p.Stop()

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Start() {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Errorf("expected exactly one successful Start, got %d", started.Load())
	}
	if p.State() != Running {
		t.Errorf("expected running, got %s", p.State())
	}
}

func TestPipeline_ConcurrentFirstClients(t *testing.T) {
	src := &scriptedSource{period: time.Millisecond}
	p := New(context.Background(), Options{Source: src})
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.ClientOpened(&fakeClient{id: fmt.Sprintf("c%d", i)})
		}(i)
	}
	wg.Wait()

	if p.State() != Running {
		t.Errorf("expected running, got %s", p.State())
	}
	if p.Registry().Len() != 20 {
		t.Errorf("expected 20 clients, got %d", p.Registry().Len())
	}
}

func TestPipeline_DeliversMessagesInOrder(t *testing.T) {
	src := &scriptedSource{period: 2 * time.Millisecond}
	p := New(context.Background(), Options{Source: src})
	defer p.Stop()

	c := &fakeClient{id: "viewer"}
	p.ClientOpened(c)

	waitFor(t, 2*time.Second, func() bool { return len(c.received()) >= 6 })

	kinds := c.received()
	want := []wire.Kind{wire.KindFrameInfo, wire.KindFrameHistogram, wire.KindFrameHeader}
	for i := 0; i+3 <= len(kinds); i += 3 {
		for j, k := range want {
			if kinds[i+j] != k {
				t.Fatalf("message %d: expected %s, got %s", i+j, k, kinds[i+j])
			}
		}
	}

	res, ok := p.Latest()
	if !ok {
		t.Fatal("expected a latest frame")
	}
	if got := res.Frame.Sample(3); got != 65535>>4 {
		t.Errorf("expected normalized sample %d, got %d", 65535>>4, got)
	}
}

func TestPipeline_ClientClosedStopsDelivery(t *testing.T) {
	src := &scriptedSource{period: 2 * time.Millisecond}
	p := New(context.Background(), Options{Source: src})
	defer p.Stop()

	c := &fakeClient{id: "viewer"}
	p.ClientOpened(c)
	waitFor(t, 2*time.Second, func() bool { return len(c.received()) >= 3 })

	p.ClientClosed(c, 1000, "bye")
	p.ClientClosed(c, 1000, "bye")
	time.Sleep(20 * time.Millisecond)
	n := len(c.received())
	time.Sleep(30 * time.Millisecond)

	if got := len(c.received()); got != n {
		t.Errorf("expected no messages after close, got %d more", got-n)
	}
	if p.State() != Running {
		t.Errorf("expected capture to keep running, got %s", p.State())
	}
}

func TestPipeline_TransientErrorsAreSkipped(t *testing.T) {
	src := &scriptedSource{
		period: time.Millisecond,
		errAt:  map[int64]error{1: source.ErrTransient, 2: source.ErrTransient},
	}
	p := New(context.Background(), Options{Source: src})
	defer p.Stop()

	p.ClientOpened(&fakeClient{id: "viewer"})
	waitFor(t, 2*time.Second, func() bool { return p.Stats().Captured >= 3 })

	if p.Err() != nil {
		t.Errorf("expected no fatal error, got %v", p.Err())
	}
	if got := p.Stats().TransientErrors; got != 2 {
		t.Errorf("expected 2 transient errors, got %d", got)
	}
}

func TestPipeline_FatalErrorHaltsCapture(t *testing.T) {
	src := &scriptedSource{
		period: time.Millisecond,
		errAt:  map[int64]error{3: source.ErrFatal},
	}
	p := New(context.Background(), Options{Source: src})
	defer p.Stop()

	c := &fakeClient{id: "viewer"}
	p.ClientOpened(c)
	waitFor(t, 2*time.Second, func() bool { return p.Err() != nil })

	calls := src.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if src.calls.Load() != calls {
		t.Errorf("expected capture to halt after fatal error")
	}
	if p.Stats().Error == "" {
		t.Error("expected error in stats")
	}
	if c.closed {
		t.Error("expected connections to stay open")
	}
}

func TestPipeline_StopClosesSource(t *testing.T) {
	src := &scriptedSource{period: time.Millisecond}
	p := New(context.Background(), Options{Source: src, StopTimeout: time.Second})
	p.ClientOpened(&fakeClient{id: "viewer"})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.closed.Load() {
		t.Error("expected source closed")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSlot_LatestWins(t *testing.T) {
	s := NewSlot()
	for i := byte(1); i <= 3; i++ {
		f, _ := frame.New(1, 1, frame.Uint8, []byte{i}, time.Now())
		s.Put(f)
	}

	f, err := s.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if f.Sample(0) != 3 {
		t.Errorf("expected latest frame, got %d", f.Sample(0))
	}
	if s.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", s.Dropped())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Take(ctx); err == nil {
		t.Error("expected empty slot to wait until the context ends")
	}
}

func TestPipeline_StopTimesOutOnStuckSource(t *testing.T) {
	src := &stuckSource{entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(src.release) })

	p := New(context.Background(), Options{Source: src, StopTimeout: 100 * time.Millisecond})
	p.ClientOpened(&fakeClient{id: "viewer"})

	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected capture to call the source")
	}

	start := time.Now()
	err := p.Stop()
	if !errors.Is(err, ErrStopTimeout) {
		t.Errorf("expected ErrStopTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected Stop to return near its timeout, took %v", elapsed)
	}
	if !src.closed.Load() {
		t.Error("expected source closed even after a timeout")
	}
}

func TestPipeline_SlowClientDoesNotThrottleCapture(t *testing.T) {
	src := &scriptedSource{period: 2 * time.Millisecond}
	p := New(context.Background(), Options{Source: src, StopTimeout: time.Second})
	defer p.Stop()

	c := &blockingClient{release: make(chan struct{})}
	defer close(c.release)

	p.ClientOpened(c)
	waitFor(t, 2*time.Second, func() bool { return c.sends.Load() >= 1 })

	before := p.Stats().Captured
	time.Sleep(100 * time.Millisecond)
	stats := p.Stats()

	if stats.Captured-before < 10 {
		t.Errorf("expected capture to keep its cadence while a send is blocked, got %d new frames", stats.Captured-before)
	}
	if stats.Superseded == 0 {
		t.Error("expected frames to be superseded while the broadcaster is blocked")
	}
	if got := c.sends.Load(); got != 1 {
		t.Errorf("expected the blocked broadcaster to stay on its first send, got %d", got)
	}
}
