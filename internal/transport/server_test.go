package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/image/tiff"

	"github.com/bryanchriswhite/SensorStreamer/internal/frame"
	"github.com/bryanchriswhite/SensorStreamer/internal/pipeline"
	"github.com/bryanchriswhite/SensorStreamer/internal/processor"
	"github.com/bryanchriswhite/SensorStreamer/internal/registry"
)

type closeEvent struct {
	id     string
	code   int
	reason string
}

type fakePipeline struct {
	mu     sync.Mutex
	opened []registry.Client
	closed []closeEvent
	latest *processor.Result
	openCh chan registry.Client
	doneCh chan closeEvent
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		openCh: make(chan registry.Client, 8),
		doneCh: make(chan closeEvent, 8),
	}
}

func (p *fakePipeline) ClientOpened(c registry.Client) {
	p.mu.Lock()
	p.opened = append(p.opened, c)
	p.mu.Unlock()
	p.openCh <- c
}

func (p *fakePipeline) ClientClosed(c registry.Client, code int, reason string) {
	ev := closeEvent{id: c.ID(), code: code, reason: reason}
	p.mu.Lock()
	p.closed = append(p.closed, ev)
	p.mu.Unlock()
	p.doneCh <- ev
}

func (p *fakePipeline) Stats() pipeline.Stats {
	return pipeline.Stats{State: "running", Clients: 1, Captured: 42}
}

func (p *fakePipeline) Latest() (processor.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return processor.Result{}, false
	}
	return *p.latest, true
}

func startServer(t *testing.T, p Pipeline, opts Options) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer(p, opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return ws
}

func awaitOpen(t *testing.T, p *fakePipeline) registry.Client {
	t.Helper()
	select {
	case c := <-p.openCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected ClientOpened")
		return nil
	}
}

func awaitClose(t *testing.T, p *fakePipeline) closeEvent {
	t.Helper()
	select {
	case ev := <-p.doneCh:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("expected ClientClosed")
		return closeEvent{}
	}
}

func TestWebSocket_SendAndClose(t *testing.T) {
	p := newFakePipeline()
	ts := startServer(t, p, Options{})

	ws := dial(t, ts, "/ws")
	defer ws.Close()

	c := awaitOpen(t, p)
	if c.ID() == "" {
		t.Error("expected connection id")
	}

	for _, msg := range []string{"one", "two", "three"} {
		if err := c.Send([]byte(msg)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"one", "two", "three"} {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if kind != websocket.BinaryMessage || string(data) != want {
			t.Errorf("expected binary %q, got %d %q", want, kind, data)
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("write close: %v", err)
	}

	ev := awaitClose(t, p)
	if ev.code != websocket.CloseNormalClosure || ev.reason != "bye" {
		t.Errorf("expected 1000 bye, got %d %q", ev.code, ev.reason)
	}
	if err := c.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestWebSocket_UpgradeOnAnyPath(t *testing.T) {
	p := newFakePipeline()
	ts := startServer(t, p, Options{})

	ws := dial(t, ts, "/")
	defer ws.Close()
	awaitOpen(t, p)
}

func TestWebSocket_ServerCloseReportsClient(t *testing.T) {
	p := newFakePipeline()
	ts := startServer(t, p, Options{})

	ws := dial(t, ts, "/ws")
	defer ws.Close()

	c := awaitOpen(t, p)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ev := awaitClose(t, p)
	if ev.id != c.ID() {
		t.Errorf("expected close for %s, got %s", c.ID(), ev.id)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close from server, got %v", err)
	}
}

func TestShutdown_ClosesViewersAndRejectsLateUpgrades(t *testing.T) {
	p := newFakePipeline()
	srv := NewServer(p, Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, ts, "/ws")
	defer ws.Close()
	awaitOpen(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}

	late := dial(t, ts, "/ws")
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected late viewer to be closed with going-away, got %v", err)
	}

	p.mu.Lock()
	opened := len(p.opened)
	p.mu.Unlock()
	if opened != 1 {
		t.Errorf("expected only the first viewer to be opened, got %d", opened)
	}
}

func TestWebSocket_IdleTimeout(t *testing.T) {
	p := newFakePipeline()
	ts := startServer(t, p, Options{Conn: ConnOptions{IdleTimeout: 100 * time.Millisecond}})

	// a dialer that never reads never answers pings
	ws := dial(t, ts, "/ws")
	defer ws.Close()

	awaitOpen(t, p)
	ev := awaitClose(t, p)
	if ev.code != websocket.CloseAbnormalClosure {
		t.Errorf("expected abnormal closure on idle, got %d %q", ev.code, ev.reason)
	}
}

func TestConn_SendBufferLimits(t *testing.T) {
	c := &Conn{
		id:   "slow",
		opts: ConnOptions{MaxBufferedBytes: 10, QueueLength: 2},
		send: make(chan []byte, 2),
		done: make(chan struct{}),
	}

	if err := c.Send(make([]byte, 8)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(make([]byte, 8)); !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull on bytes, got %v", err)
	}
	if got := c.BufferedAmount(); got != 8 {
		t.Errorf("expected 8 buffered bytes, got %d", got)
	}

	if err := c.Send([]byte{1}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if err := c.Send([]byte{1}); !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull on queue length, got %v", err)
	}
	if got := c.BufferedAmount(); got != 9 {
		t.Errorf("expected 9 buffered bytes, got %d", got)
	}
}

func TestHealth(t *testing.T) {
	ts := startServer(t, newFakePipeline(), Options{})

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header")
	}
}

func TestStats(t *testing.T) {
	ts := startServer(t, newFakePipeline(), Options{})

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var stats pipeline.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.State != "running" || stats.Captured != 42 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSnapshot(t *testing.T) {
	p := newFakePipeline()
	ts := startServer(t, p, Options{})

	resp, err := http.Get(ts.URL + "/api/snapshot.tiff")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before any frame, got %d", resp.StatusCode)
	}

	f, err := frame.FromUint16(2, 3, []uint16{0, 1, 2, 3, 4, 4095}, time.Now())
	if err != nil {
		t.Fatalf("FromUint16: %v", err)
	}
	p.mu.Lock()
	p.latest = &processor.Result{Frame: f}
	p.mu.Unlock()

	resp, err = http.Get(ts.URL + "/api/snapshot.tiff")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "image/tiff" {
		t.Errorf("expected image/tiff, got %s", resp.Header.Get("Content-Type"))
	}
	img, err := tiff.Decode(resp.Body)
	if err != nil {
		t.Fatalf("tiff.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Errorf("expected 3x2 image, got %v", b)
	}
}

func TestIndex(t *testing.T) {
	ts := startServer(t, newFakePipeline(), Options{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
