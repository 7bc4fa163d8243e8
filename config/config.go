package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
)

// Sentinel validation errors.
var (
	ErrInvalidPort      = errors.New("invalid server port")
	ErrInvalidStorePath = errors.New("store path cannot be empty")
	ErrInvalidFreeSpace = errors.New("invalid store.min_free_space")
	ErrInvalidDriver    = errors.New("unknown display driver")
	ErrInvalidPolicy    = errors.New("unknown display policy")
	ErrInvalidBuffer    = errors.New("buffer sizes must be positive")
	ErrInvalidSignature = errors.New("invalid analysis signature")
	ErrInvalidLogLevel  = errors.New("invalid log level")
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// CELL_SENSOR_SERVER_PORT=9000.
const EnvPrefix = "CELL_SENSOR"

const maxPort = 65535

// DefaultConfigPaths are tried in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"/etc/cell-sensor/config.json",
	"config.json",
}

// Config represents the application configuration
type Config struct {
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Display  DisplayConfig  `mapstructure:"display" yaml:"display"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// StoreConfig configures the recording store.
type StoreConfig struct {
	// Path is the directory holding the manifest and entry files
	Path string `mapstructure:"path" yaml:"path"`
	// MinFreeSpace is a human readable size ("16MB"); new entries are refused below it
	MinFreeSpace string `mapstructure:"min_free_space" yaml:"min_free_space"`
	// MinFreeBytes is MinFreeSpace parsed by LoadConfig
	MinFreeBytes uint64 `mapstructure:"-" yaml:"-"`
}

// CaptureConfig configures the diag frame source.
type CaptureConfig struct {
	// Device is the diag character device or a container dump to replay
	Device string `mapstructure:"device" yaml:"device"`
	// StartPaused skips the implicit first recording at startup
	StartPaused bool `mapstructure:"start_paused" yaml:"start_paused"`
	// ControlBuffer is the capacity of the control message channel
	ControlBuffer int `mapstructure:"control_buffer" yaml:"control_buffer"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// DebugMode makes the control surface read-only and skips opening the device
	DebugMode bool `mapstructure:"debug_mode" yaml:"debug_mode"`
}

// HealthConfig configures the gRPC health service.
type HealthConfig struct {
	// Address to listen on, e.g. ":9090". Empty disables the service
	Address string `mapstructure:"address" yaml:"address"`
}

// DisplayConfig configures the operator indicator.
type DisplayConfig struct {
	// UILevel 0 hides all indicator output
	UILevel int    `mapstructure:"ui_level" yaml:"ui_level"`
	Driver  string `mapstructure:"driver" yaml:"driver"`
	LEDDir  string `mapstructure:"led_dir" yaml:"led_dir"`
	Buffer  int    `mapstructure:"buffer" yaml:"buffer"`
	// Policy is "block" (backpressure into capture) or "drop" (drop when full)
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// SignatureConfig describes one byte-pattern heuristic.
type SignatureConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Description string `mapstructure:"description" yaml:"description"`
	// Pattern is hex encoded
	Pattern  string `mapstructure:"pattern" yaml:"pattern"`
	Severity string `mapstructure:"severity" yaml:"severity"`
}

// AnalysisConfig configures the analyzer harness and finalization worker.
type AnalysisConfig struct {
	Signatures []SignatureConfig `mapstructure:"signatures" yaml:"signatures"`
	QueueSize  int               `mapstructure:"queue_size" yaml:"queue_size"`
}

// LoggingConfig configures the leveled logger.
type LoggingConfig struct {
	// Level is the minimum log level to output (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file. If empty, logs to stdout only
	File string `mapstructure:"file" yaml:"file"`
	// MaxSizeMB is the maximum size of log file before rotation
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// LogRetentionDays is how long rotated log files are kept
	LogRetentionDays int `mapstructure:"log_retention_days" yaml:"log_retention_days"`
}

// LoadConfig loads configuration from a file and CELL_SENSOR_* environment
// variables. An empty path searches DefaultConfigPaths; if none exists the
// defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = firstExisting(DefaultConfigPaths)
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "/data/cell-sensor/qmdl")
	v.SetDefault("store.min_free_space", "16MB")

	v.SetDefault("capture.device", "/dev/diag")
	v.SetDefault("capture.start_paused", false)
	v.SetDefault("capture.control_buffer", 4)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug_mode", false)

	v.SetDefault("health.address", "")

	v.SetDefault("display.ui_level", 1)
	v.SetDefault("display.driver", "log")
	v.SetDefault("display.led_dir", "/sys/class/leds")
	v.SetDefault("display.buffer", 16)
	v.SetDefault("display.policy", "block")

	v.SetDefault("analysis.queue_size", 8)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.log_retention_days", 7)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return ErrInvalidStorePath
	}
	minFree, err := humanize.ParseBytes(c.Store.MinFreeSpace)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidFreeSpace, c.Store.MinFreeSpace, err)
	}
	c.Store.MinFreeBytes = minFree

	switch c.Display.Driver {
	case "log", "led":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Display.Driver)
	}
	switch c.Display.Policy {
	case "block", "drop":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.Display.Policy)
	}
	if c.Display.Buffer <= 0 || c.Analysis.QueueSize <= 0 || c.Capture.ControlBuffer <= 0 {
		return ErrInvalidBuffer
	}
	for i, sig := range c.Analysis.Signatures {
		if sig.Name == "" {
			return fmt.Errorf("%w: signature %d has no name", ErrInvalidSignature, i)
		}
		if b, err := hex.DecodeString(sig.Pattern); err != nil || len(b) == 0 {
			return fmt.Errorf("%w: %s: pattern must be non-empty hex", ErrInvalidSignature, sig.Name)
		}
	}
	if _, err := logger.ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLogLevel, err)
	}
	return nil
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// InitializeLogging sets up the default logger based on config
func (c *Config) InitializeLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logConfig := logger.Config{
		LogLevel:      level,
		LogFile:       c.Logging.File,
		MaxSizeMB:     c.Logging.MaxSizeMB,
		RetentionDays: c.Logging.LogRetentionDays,
	}
	if err := logger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
