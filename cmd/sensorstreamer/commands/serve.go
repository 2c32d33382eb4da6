package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SensorStreamer/internal/broadcast"
	"github.com/bryanchriswhite/SensorStreamer/internal/config"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
	"github.com/bryanchriswhite/SensorStreamer/internal/pipeline"
	"github.com/bryanchriswhite/SensorStreamer/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SensorStreamer server",
	Long: `Start the WebSocket frame server.

Capture starts when the first viewer connects and keeps running until the
server stops. Viewers connect to ws://host:port/ws (or any path).`,
	Example: `  # Start server on default port (8080) with the synthetic source
  sensorstreamer serve

  # Replay a recording
  SENSORSTREAMER_SOURCE_KIND=ser SENSORSTREAMER_SOURCE_SER_PATH=capture.ser sensorstreamer serve

  # Start with debug logging on a custom port
  sensorstreamer serve --port 9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Str("source", cfg.Source.Kind).
		Msg("Configuration loaded")

	configMgr.Watch(nil)

	src, err := newSource(cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := pipeline.New(ctx, pipeline.Options{
		Source: src,
		Broadcast: broadcast.Options{
			MinInterval:           cfg.Broadcast.MinInterval,
			BackpressureWarnBytes: cfg.Broadcast.BackpressureWarnBytes,
		},
		StopTimeout: stopTimeout(cfg.Source),
	})

	server := transport.NewServer(p, transport.Options{
		Port: cfg.ServerPort,
		Conn: transportOptions(cfg.Transport),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Str("viewer", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("websocket", fmt.Sprintf("ws://localhost:%d/ws", cfg.ServerPort)).
		Msg("SensorStreamer is running, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully...")
	case err := <-errCh:
		if err != nil {
			p.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown incomplete")
	}
	if err := p.Stop(); err != nil {
		log.Warn().Err(err).Msg("Pipeline shutdown incomplete")
	}
	if err := p.Err(); err != nil {
		log.Error().Err(err).Msg("Capture had stopped")
	}
	return nil
}

func transportOptions(cfg config.TransportConfig) transport.ConnOptions {
	return transport.ConnOptions{
		MaxMessageSize:   cfg.MaxMessageSize,
		MaxBufferedBytes: cfg.MaxBufferedBytes,
		QueueLength:      cfg.QueueLength,
		IdleTimeout:      cfg.IdleTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}
}
