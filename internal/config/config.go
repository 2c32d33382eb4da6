// Package config loads, validates and persists the server configuration.
// Values come from defaults, the YAML file, SENSORSTREAMER_* environment
// variables and bound command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. SENSORSTREAMER_SERVER_PORT
const EnvPrefix = "SENSORSTREAMER"

// Source kinds
const (
	SourceSynthetic = "synthetic"
	SourceSER       = "ser"
	SourceGStreamer = "gstreamer"
)

// Config represents the application configuration
type Config struct {
	ServerPort int             `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string          `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool            `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Source     SourceConfig    `json:"source" yaml:"source" mapstructure:"source"`
	Broadcast  BroadcastConfig `json:"broadcast" yaml:"broadcast" mapstructure:"broadcast"`
	Transport  TransportConfig `json:"transport" yaml:"transport" mapstructure:"transport"`
}

// SourceConfig selects and tunes the capture source
type SourceConfig struct {
	Kind   string        `json:"kind" yaml:"kind" mapstructure:"kind"`
	Period time.Duration `json:"period" yaml:"period" mapstructure:"period"`
	Rows   int           `json:"rows" yaml:"rows" mapstructure:"rows"`
	Cols   int           `json:"cols" yaml:"cols" mapstructure:"cols"`
	Seed   uint64        `json:"seed" yaml:"seed" mapstructure:"seed"`

	// SERPath is the recording replayed by the ser source
	SERPath string `json:"ser_path" yaml:"ser_path" mapstructure:"ser_path"`

	// Device, Pipeline and Exposure configure the gstreamer source. Push
	// takes frames from the appsink callback instead of polling it.
	Device               string        `json:"device" yaml:"device" mapstructure:"device"`
	Pipeline             string        `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`
	Exposure             time.Duration `json:"exposure" yaml:"exposure" mapstructure:"exposure"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors" yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
	Push                 bool          `json:"push" yaml:"push" mapstructure:"push"`
}

// BroadcastConfig tunes fan-out to viewers
type BroadcastConfig struct {
	MinInterval           time.Duration `json:"min_interval" yaml:"min_interval" mapstructure:"min_interval"`
	BackpressureWarnBytes int           `json:"backpressure_warn_bytes" yaml:"backpressure_warn_bytes" mapstructure:"backpressure_warn_bytes"`
}

// TransportConfig bounds viewer connections
type TransportConfig struct {
	MaxMessageSize   int64         `json:"max_message_size" yaml:"max_message_size" mapstructure:"max_message_size"`
	MaxBufferedBytes int           `json:"max_buffered_bytes" yaml:"max_buffered_bytes" mapstructure:"max_buffered_bytes"`
	QueueLength      int           `json:"queue_length" yaml:"queue_length" mapstructure:"queue_length"`
	IdleTimeout      time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
}

// Defaults returns the default configuration
func Defaults() Config {
	return Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Source: SourceConfig{
			Kind:                 SourceSynthetic,
			Period:               100 * time.Millisecond,
			Rows:                 1080,
			Cols:                 1920,
			Device:               "/dev/video0",
			Exposure:             100 * time.Millisecond,
			MaxConsecutiveErrors: 10,
		},
		Broadcast: BroadcastConfig{
			MinInterval:           150 * time.Millisecond,
			BackpressureWarnBytes: 16 << 20,
		},
		Transport: TransportConfig{
			MaxMessageSize:   64 << 20,
			MaxBufferedBytes: 64 << 20,
			QueueLength:      64,
			IdleTimeout:      12 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)

	v.SetDefault("source.kind", d.Source.Kind)
	v.SetDefault("source.period", d.Source.Period)
	v.SetDefault("source.rows", d.Source.Rows)
	v.SetDefault("source.cols", d.Source.Cols)
	v.SetDefault("source.seed", d.Source.Seed)
	v.SetDefault("source.ser_path", d.Source.SERPath)
	v.SetDefault("source.device", d.Source.Device)
	v.SetDefault("source.pipeline", d.Source.Pipeline)
	v.SetDefault("source.exposure", d.Source.Exposure)
	v.SetDefault("source.max_consecutive_errors", d.Source.MaxConsecutiveErrors)
	v.SetDefault("source.push", d.Source.Push)

	v.SetDefault("broadcast.min_interval", d.Broadcast.MinInterval)
	v.SetDefault("broadcast.backpressure_warn_bytes", d.Broadcast.BackpressureWarnBytes)

	v.SetDefault("transport.max_message_size", d.Transport.MaxMessageSize)
	v.SetDefault("transport.max_buffered_bytes", d.Transport.MaxBufferedBytes)
	v.SetDefault("transport.queue_length", d.Transport.QueueLength)
	v.SetDefault("transport.idle_timeout", d.Transport.IdleTimeout)
	v.SetDefault("transport.write_timeout", d.Transport.WriteTimeout)
}

// Validate checks a configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s (use: trace, debug, info, warn, error)", c.LogLevel)
	}

	switch c.Source.Kind {
	case SourceSynthetic:
		if c.Source.Rows <= 0 || c.Source.Cols <= 0 {
			return fmt.Errorf("invalid source shape: %dx%d", c.Source.Rows, c.Source.Cols)
		}
	case SourceSER:
		if c.Source.SERPath == "" {
			return fmt.Errorf("source.ser_path is required for the ser source")
		}
	case SourceGStreamer:
	default:
		return fmt.Errorf("invalid source.kind: %s (use: %s, %s, %s)",
			c.Source.Kind, SourceSynthetic, SourceSER, SourceGStreamer)
	}
	if c.Source.Period <= 0 {
		return fmt.Errorf("invalid source.period: %v", c.Source.Period)
	}
	if c.Broadcast.MinInterval < 0 {
		return fmt.Errorf("invalid broadcast.min_interval: %v", c.Broadcast.MinInterval)
	}
	if c.Transport.IdleTimeout <= 0 {
		return fmt.Errorf("invalid transport.idle_timeout: %v", c.Transport.IdleTimeout)
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	v          *viper.Viper
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultConfigPath returns $HOME/.config/sensorstreamer/config.yaml
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "sensorstreamer", "config.yaml"), nil
}

// NewManager creates a new configuration manager. A missing config file is
// created with the defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{v: v, configPath: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		d := Defaults()
		if err := m.write(&d); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := m.reload(); err != nil {
		return nil, err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("source", m.config.Source.Kind).
		Msg("Config loaded")
	return m, nil
}

// reload decodes the merged settings into a fresh Config
func (m *Manager) reload() error {
	cfg, err := decode(m.v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// BindPFlag overrides key with flag when the flag is set
func (m *Manager) BindPFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return nil
	}
	if err := m.v.BindPFlag(key, flag); err != nil {
		return err
	}
	return m.reload()
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// GetViper returns the underlying viper instance
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// fileLayer reads the defaults and the config file only. Environment
// variables and flags are deliberately absent so they are never persisted.
func (m *Manager) fileLayer() (*viper.Viper, error) {
	fv := viper.New()
	setDefaults(fv)
	fv.SetConfigFile(m.configPath)
	fv.SetConfigType("yaml")
	if err := fv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return fv, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Set parses value according to key's type, validates the result and saves
// it. Only the file contents and the new value are written; environment and
// flag overrides stay in effect for this process but are not persisted.
func (m *Manager) Set(key, value string) error {
	key = strings.ToLower(key)

	fv, err := m.fileLayer()
	if err != nil {
		return err
	}
	current := fv.Get(key)
	if current == nil {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	var parsed any
	switch current.(type) {
	case int:
		parsed, err = strconv.Atoi(value)
	case int64:
		parsed, err = strconv.ParseInt(value, 10, 64)
	case uint64:
		parsed, err = strconv.ParseUint(value, 10, 64)
	case bool:
		parsed, err = strconv.ParseBool(value)
	case time.Duration:
		parsed, err = time.ParseDuration(value)
	case string:
		parsed = value
	default:
		return fmt.Errorf("configuration key %s cannot be set from the command line", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %s", key, value)
	}

	fv.Set(key, parsed)
	persisted, err := decode(fv)
	if err != nil {
		return err
	}

	previous := m.v.Get(key)
	m.v.Set(key, parsed)
	if err := m.reload(); err != nil {
		m.v.Set(key, previous)
		return err
	}
	return m.write(persisted)
}

// Save writes the defaults merged with the config file back to disk,
// without environment or flag overrides
func (m *Manager) Save() error {
	fv, err := m.fileLayer()
	if err != nil {
		return err
	}
	cfg, err := decode(fv)
	if err != nil {
		return err
	}
	return m.write(cfg)
}

func (m *Manager) write(cfg *Config) error {
	log := logger.WithComponent("config")
	log.Debug().Str("path", m.configPath).Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Info().Str("path", m.configPath).Msg("Config saved successfully")
	return nil
}

// Watch reloads the configuration whenever the file changes and applies the
// new log level immediately. onChange, if set, receives every valid reload;
// settings other than the log level take effect on restart.
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		log := logger.WithComponent("config")
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.reload(); err != nil {
			log.Warn().Err(err).Str("path", e.Name).Msg("Ignoring invalid config change")
			return
		}

		cfg := m.Get()
		lvl := logger.SetLevel(cfg.LogLevel)
		log.Info().
			Str("path", e.Name).
			Stringer("log_level", lvl).
			Msg("Config reloaded")

		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}
