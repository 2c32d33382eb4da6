package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SensorStreamer/internal/config"
	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "sensorstreamer",
		Short: "SensorStreamer - live camera frames and histograms over WebSocket",
		Long: `SensorStreamer captures frames from a camera, a recorded SER file or a
synthetic generator and streams them, with a 1024-bin intensity histogram,
to every connected WebSocket viewer.

Features:
  • Synthetic, SER replay and GStreamer (V4L2) frame sources
  • 12-bit normalization and histogram per frame
  • Compact binary wire protocol (info, histogram, raw pixels)
  • Capture starts with the first viewer
  • Global broadcast rate limit
  • Prometheus metrics and TIFF snapshots`,
		SilenceUsage: true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/sensorstreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable console logs")
}

// loadConfig opens the config file and applies the global flags on top
func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := map[string]string{
		"server_port": "port",
		"log_level":   "log-level",
		"log_pretty":  "log-pretty",
	}
	for key, name := range flags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := configMgr.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", name, err)
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
