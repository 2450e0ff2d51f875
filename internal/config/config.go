// Package config holds application configuration: device selection, stream
// parameters, and the OSC output target. Values come from built-in defaults,
// optionally overridden by a YAML file, then by command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DeviceConfig selects the tracker. When Address is set the scan phase is
// skipped and the device is dialed directly.
type DeviceConfig struct {
	Name    string `yaml:"name" default:"Nx Tracker 2"`
	Address string `yaml:"address" default:""`
}

// StreamConfig holds stream and discovery parameters.
type StreamConfig struct {
	// Rate is the single-byte sample rate request sent to the tracker's
	// control characteristic. 255 requests the highest rate; 0 is reserved
	// for the stop command and is rejected by Validate.
	Rate           int      `yaml:"rate" default:"255"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ScanDuration   Duration `yaml:"scan_duration"`
}

// OSCConfig is the UDP output target.
type OSCConfig struct {
	Host    string `yaml:"host" default:"127.0.0.1"`
	Port    int    `yaml:"port" default:"9000"`
	Address string `yaml:"address" default:"/quat"`
}

// Config is the application configuration root. An empty LogLevel defers to
// the command's own default, so quiet interactive commands stay quiet.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	Stream   StreamConfig `yaml:"stream"`
	OSC      OSCConfig    `yaml:"osc"`
	LogLevel string       `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	// The tag mechanism does not reach the named Duration type.
	cfg.Stream.ConnectTimeout = Duration(30 * time.Second)
	cfg.Stream.ScanDuration = Duration(10 * time.Second)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are an error so a
// typo does not silently fall back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	// An empty file (io.EOF) means all defaults.
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when given, otherwise returns the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.Device.Name == "" && c.Device.Address == "" {
		return fmt.Errorf("either device.name or device.address must be set")
	}
	if c.Stream.Rate < 1 || c.Stream.Rate > 255 {
		return fmt.Errorf("stream.rate must be in 1..255, got %d", c.Stream.Rate)
	}
	if c.Stream.ConnectTimeout <= 0 {
		return fmt.Errorf("stream.connect_timeout must be positive")
	}
	if c.Stream.ScanDuration <= 0 {
		return fmt.Errorf("stream.scan_duration must be positive")
	}
	if c.OSC.Port < 1 || c.OSC.Port > 65535 {
		return fmt.Errorf("osc.port must be in 1..65535, got %d", c.OSC.Port)
	}
	if !strings.HasPrefix(c.OSC.Address, "/") {
		return fmt.Errorf("osc.address must start with '/', got %q", c.OSC.Address)
	}
	return nil
}
