package commands

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/SensorStreamer/internal/config"
	"github.com/bryanchriswhite/SensorStreamer/internal/source"
	"github.com/bryanchriswhite/SensorStreamer/internal/source/gstsource"
)

// newSource builds the configured capture source
func newSource(cfg config.SourceConfig) (source.Source, error) {
	switch cfg.Kind {
	case config.SourceSynthetic:
		sc := source.DefaultSyntheticConfig()
		sc.Rows, sc.Cols = cfg.Rows, cfg.Cols
		sc.Period = cfg.Period
		sc.Seed = cfg.Seed
		return source.NewSynthetic(sc), nil

	case config.SourceSER:
		return source.OpenReplay(cfg.SERPath, cfg.Period)

	case config.SourceGStreamer:
		gc := gstsource.Config{
			Device:   cfg.Device,
			Pipeline: cfg.Pipeline,
			Exposure: cfg.Exposure,
		}
		if cfg.Push {
			return gstsource.NewStream(gc), nil
		}
		return source.NewHardware(gstsource.New(gc), source.HardwareOptions{
			MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		}), nil

	default:
		return nil, fmt.Errorf("unknown source kind: %s", cfg.Kind)
	}
}

// stopTimeout is how long shutdown waits for one capture to finish
func stopTimeout(cfg config.SourceConfig) time.Duration {
	if cfg.Kind == config.SourceGStreamer {
		return source.WaitTimeout(cfg.Exposure) + time.Second
	}
	return 2*cfg.Period + time.Second
}
