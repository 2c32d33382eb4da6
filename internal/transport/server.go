// Package transport serves viewers over WebSocket and exposes the HTTP API.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/image/tiff"

	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
	"github.com/bryanchriswhite/SensorStreamer/internal/metrics"
	"github.com/bryanchriswhite/SensorStreamer/internal/pipeline"
	"github.com/bryanchriswhite/SensorStreamer/internal/processor"
	"github.com/bryanchriswhite/SensorStreamer/internal/registry"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Pipeline is what the server needs from the capture pipeline
type Pipeline interface {
	ClientOpened(c registry.Client)
	ClientClosed(c registry.Client, code int, reason string)
	Stats() pipeline.Stats
	Latest() (processor.Result, bool)
}

// Options configures the server
type Options struct {
	Port int
	Conn ConnOptions
}

// Server represents the HTTP and WebSocket server
type Server struct {
	router   *mux.Router
	pipeline Pipeline
	opts     Options
	upgrader websocket.Upgrader
	http     *http.Server

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates a new server for p
func NewServer(p Pipeline, opts Options) *Server {
	opts.Conn = opts.Conn.withDefaults()
	s := &Server{
		router:   mux.NewRouter(),
		pipeline: p,
		opts:     opts,
		conns:    make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin: func(r *http.Request) bool {
				return true // viewers are served from anywhere
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.handleWebSocket)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/snapshot.tiff", s.handleSnapshot).Methods("GET")

	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// any other path accepts an upgrade too
	s.router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return websocket.IsWebSocketUpgrade(r)
	}).HandlerFunc(s.handleWebSocket)

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithComponent("server").Info().Msgf("Starting server on http://localhost%s", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, then closes every viewer with 1001.
// Upgrades that complete after this point are closed with 1001 right away.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	s.mu.Lock()
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("transport")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	c := newConn(ws, s.opts.Conn)
	if !s.track(c) {
		c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	log.Info().
		Str("client", c.ID()).
		Str("remote", c.RemoteAddr()).
		Msg("Viewer connected")

	go c.writePump()
	s.pipeline.ClientOpened(c)

	code, reason := c.readPump()
	c.CloseWithReason(code, reason)
	s.pipeline.ClientClosed(c, code, reason)
}

// track registers c unless the server is shutting down
func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.pipeline.Stats())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	res, ok := s.pipeline.Latest()
	if !ok {
		http.Error(w, "No frame captured yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/tiff")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Last-Modified", res.Frame.Captured.UTC().Format(http.TimeFormat))
	if err := tiff.Encode(w, res.Frame.Image(), &tiff.Options{Compression: tiff.Deflate}); err != nil {
		logger.WithComponent("server").Warn().Err(err).Msg("Failed to encode snapshot")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}
