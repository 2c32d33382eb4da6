package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SensorStreamer/internal/processor"
	"github.com/bryanchriswhite/SensorStreamer/internal/source/ser"
	"github.com/bryanchriswhite/SensorStreamer/internal/wire"
)

var inspectFrames int

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE.ser",
	Short: "Describe a SER recording",
	Long: `Print the header of a SER recording and, optionally, the histogram peak
of its first frames as the server would compute it.`,
	Example: `  # Show the header
  sensorstreamer inspect capture.ser

  # Also summarize the first 5 frames
  sensorstreamer inspect capture.ser --frames 5`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().IntVarP(&inspectFrames, "frames", "n", 0, "number of frames to summarize")
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := ser.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	h := f.Header()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", args[0])
	fmt.Fprintf(w, "Size:\t%dx%d\n", h.Width, h.Height)
	fmt.Fprintf(w, "Depth:\t%d bit (%s)\n", h.PixelDepth, h.SampleType())
	fmt.Fprintf(w, "Frames:\t%d\n", h.FrameCount)
	fmt.Fprintf(w, "Observer:\t%s\n", h.Observer)
	fmt.Fprintf(w, "Instrument:\t%s\n", h.Instrument)
	fmt.Fprintf(w, "Telescope:\t%s\n", h.Telescope)
	if !h.DateTimeUTC.IsZero() {
		fmt.Fprintf(w, "Recorded:\t%s\n", h.DateTimeUTC.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	n := min(inspectFrames, h.FrameCount)
	if n <= 0 {
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRAME\tPEAK\tCOUNT\tSATURATED")
	for i := 0; i < n; i++ {
		fr, err := f.Frame(i, time.Now())
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		res, err := processor.Process(fr)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		edge, count := wire.Peak(res.Histogram)
		fmt.Fprintf(w, "%d\t%.0f\t%d\t%d\n", i, edge, count, res.Saturated)
	}
	return w.Flush()
}
