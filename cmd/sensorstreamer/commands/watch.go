package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SensorStreamer/internal/wire"
)

var watchCount int

var watchCmd = &cobra.Command{
	Use:   "watch URL",
	Short: "Connect to a server and print incoming frames",
	Long: `Connect to a SensorStreamer WebSocket, decode the frame messages and print
one line per frame with its timestamp, shape and histogram peak.`,
	Example: `  # Watch a local server
  sensorstreamer watch ws://localhost:8080/ws

  # Stop after 10 frames
  sensorstreamer watch ws://localhost:8080/ws --count 10`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().IntVarP(&watchCount, "count", "c", 0, "stop after this many frames (0 = forever)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, args[0], nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	return watchFrames(ctx, conn, watchCount)
}

// watchFrames prints one line per completed frame
func watchFrames(ctx context.Context, conn *websocket.Conn, limit int) error {
	var (
		info    wire.Info
		hasInfo bool
		peak    float64
		count   uint32
		frames  int
	)

	for limit <= 0 || frames < limit {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		msg, err := wire.Decode(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping message: %v\n", err)
			continue
		}

		switch msg.Kind {
		case wire.KindFrameInfo:
			if info, err = wire.DecodeInfo(msg); err != nil {
				return err
			}
			hasInfo = true

		case wire.KindFrameHistogram:
			hist, err := wire.DecodeHistogram(msg)
			if err != nil {
				return err
			}
			peak, count = wire.Peak(hist)

		case wire.KindFrameHeader:
			if !hasInfo {
				continue
			}
			f, err := wire.DecodeFrame(msg, info)
			if err != nil {
				return err
			}
			frames++
			fmt.Printf("%s  %dx%d %s  %d bytes  peak %.0f (%d)\n",
				info.Timestamp, f.Rows, f.Cols, f.Type, len(f.Data), peak, count)
			hasInfo = false
		}
	}
	return nil
}
