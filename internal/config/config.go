package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/CamRec/internal/logic/control"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

// MaxConfigFileBytes caps the size of a settings file.
const MaxConfigFileBytes = 1 << 20

// Hard-coded fallbacks for keys missing from the settings file.
const (
	DefaultFramerate       = 30
	DefaultPreviewInterval = 30 // ms
	DefaultPreviewWidth    = 800
	DefaultPreviewHeight   = 600
	DefaultCameraType      = "mock"
	DefaultMQTTTopic       = "camrec"
	DefaultMQTTClientID    = "camrec"
)

// CameraConfig selects and sizes the capture device.
// Type is one of "mock", "opencv" or "gstreamer".
type CameraConfig struct {
	Type   string `yaml:"type"`
	Index  int    `yaml:"index"`  // opencv device index
	Source string `yaml:"source"` // gstreamer source element, e.g. "v4l2src device=/dev/video0"
	Width  int    `yaml:"width"`  // 0 = driver default
	Height int    `yaml:"height"` // 0 = driver default
}

// PreviewConfig sets the preview tick and the display box.
type PreviewConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	Width      int `yaml:"width"`
	Height     int `yaml:"height"`
}

// GPIOConfig wires the optional recording lamp and record button (BCM numbering, 0 = not used).
type GPIOConfig struct {
	Mock      bool `yaml:"mock"`
	LampPin   int  `yaml:"lamp_pin"`
	ButtonPin int  `yaml:"button_pin"`
}

// MQTTConfig enables event publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Config aggregates all application settings. It is read once at startup.
type Config struct {
	DefaultSaveDirectory string        `yaml:"default_save_directory"`
	DefaultFramerate     int           `yaml:"default_framerate"`
	DefaultCompression   string        `yaml:"default_compression"`
	DebugLevel           int           `yaml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	Camera               CameraConfig  `yaml:"camera"`
	Preview              PreviewConfig `yaml:"preview"`
	GPIO                 GPIOConfig    `yaml:"gpio"`
	MQTT                 MQTTConfig    `yaml:"mqtt"`
}

// Default returns the settings used when no file provides them.
func Default() *Config {
	cfg := &Config{GPIO: GPIOConfig{Mock: true}}
	cfg.applyDefaults()
	return cfg
}

// ValidateConfigPath rejects paths that climb out of their directory and
// files that are not YAML or JSON.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return nil
	default:
		return fmt.Errorf("config file must be .yaml, .yml or .json, got %q", path)
	}
}

// Load reads a YAML (or JSON) settings file and returns the configuration
// with defaults filled in.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	cfg := Config{GPIO: GPIOConfig{Mock: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DefaultSaveDirectory == "" {
		c.DefaultSaveDirectory = defaultSaveDirectory()
	}
	c.DefaultSaveDirectory = expandHome(c.DefaultSaveDirectory)
	if c.DefaultFramerate == 0 {
		c.DefaultFramerate = DefaultFramerate
	}
	if c.DefaultCompression == "" {
		c.DefaultCompression = recorder.DefaultCodec
	}
	c.DefaultCompression = strings.ToUpper(strings.TrimSpace(c.DefaultCompression))
	if c.Camera.Type == "" {
		c.Camera.Type = DefaultCameraType
	}
	if c.Preview.IntervalMs <= 0 {
		c.Preview.IntervalMs = DefaultPreviewInterval
	}
	if c.Preview.Width <= 0 {
		c.Preview.Width = DefaultPreviewWidth
	}
	if c.Preview.Height <= 0 {
		c.Preview.Height = DefaultPreviewHeight
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultMQTTTopic
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultMQTTClientID
	}
}

// Validate checks ranges that have no sensible fallback.
func (c *Config) Validate() error {
	if c.DefaultFramerate < control.MinFramerate || c.DefaultFramerate > control.MaxFramerate {
		return fmt.Errorf("default_framerate must be between %d and %d, got %d",
			control.MinFramerate, control.MaxFramerate, c.DefaultFramerate)
	}
	if !recorder.SupportedCodec(c.DefaultCompression) {
		return fmt.Errorf("default_compression %q is not supported (want one of %s)",
			c.DefaultCompression, strings.Join(recorder.Codecs, ", "))
	}
	switch c.Camera.Type {
	case "mock", "opencv", "gstreamer":
	default:
		return fmt.Errorf("unsupported camera.type: %s", c.Camera.Type)
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("camera size must not be negative, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.DebugLevel < 0 || c.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.DebugLevel)
	}
	if c.GPIO.LampPin < 0 || c.GPIO.ButtonPin < 0 {
		return fmt.Errorf("gpio pins must not be negative")
	}
	if c.GPIO.LampPin != 0 && c.GPIO.LampPin == c.GPIO.ButtonPin {
		return fmt.Errorf("gpio lamp_pin and button_pin must differ, both are %d", c.GPIO.LampPin)
	}
	return nil
}

// PreviewInterval returns the preview tick period.
func (c *Config) PreviewInterval() time.Duration {
	return time.Duration(c.Preview.IntervalMs) * time.Millisecond
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return strings.TrimSpace(c.MQTT.Broker) != ""
}

func defaultSaveDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "Videos"
	}
	return filepath.Join(home, "Videos")
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
