package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxReassemblyWindow matches the bound the reassembler clamps to.
const maxReassemblyWindow = 1024

type Config struct {
	Log    LogConfig    `yaml:"log"`
	Device DeviceConfig `yaml:"device"`
	Bridge BridgeConfig `yaml:"bridge"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DeviceConfig struct {
	CommandAddr string `yaml:"command_addr"`
	StatusAddr  string `yaml:"status_addr"`
	// MediaPort is used with the address learned from START.
	MediaPort int `yaml:"media_port"`
	// Destination fixes the media destination (host:port) instead.
	Destination   string          `yaml:"destination"`
	ChunkSize     int             `yaml:"chunk_size"`
	Capture       CaptureConfig   `yaml:"capture"`
	Recordings    RecordingConfig `yaml:"recordings"`
	StatsInterval time.Duration   `yaml:"stats_interval"`
	MetricsAddr   string          `yaml:"metrics_addr"`
}

type CaptureConfig struct {
	// Source is "dir" or "exec".
	Source  string   `yaml:"source"`
	Dir     string   `yaml:"dir"`
	Pattern string   `yaml:"pattern"`
	Command []string `yaml:"command"`
	FPS     float64  `yaml:"fps"`
}

type RecordingConfig struct {
	Dir       string `yaml:"dir"`
	MaxBytes  int64  `yaml:"max_bytes"`
	Extension string `yaml:"extension"`
}

type BridgeConfig struct {
	DeviceHost  string `yaml:"device_host"`
	CommandPort int    `yaml:"command_port"`
	StatusPort  int    `yaml:"status_port"`
	// MediaAddr is where the bridge listens for chunks.
	MediaAddr string `yaml:"media_addr"`
	HTTPAddr  string `yaml:"http_addr"`
	StaticDir string `yaml:"static_dir"`
	// Encoding of status channel bodies, "json" or "msgpack".
	Encoding       string           `yaml:"encoding"`
	PollInterval   time.Duration    `yaml:"poll_interval"`
	ListEvery      int              `yaml:"list_every"`
	RequestTimeout time.Duration    `yaml:"request_timeout"`
	BackoffInitial time.Duration    `yaml:"backoff_initial"`
	BackoffMax     time.Duration    `yaml:"backoff_max"`
	CommandRetries int              `yaml:"command_retries"`
	Reassembly     ReassemblyConfig `yaml:"reassembly"`
}

type ReassemblyConfig struct {
	Window     uint32        `yaml:"window"`
	MaxEntries int           `yaml:"max_entries"`
	Timeout    time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Device: DeviceConfig{
			CommandAddr: ":5002",
			StatusAddr:  ":5003",
			MediaPort:   5001,
			ChunkSize:   1384,
			Capture: CaptureConfig{
				Source:  "dir",
				Dir:     "frames",
				Pattern: "*.jpg",
				FPS:     15,
			},
			Recordings: RecordingConfig{
				Dir:       "recordings",
				MaxBytes:  500 * 1024 * 1024,
				Extension: ".mjpeg",
			},
			StatsInterval: 5 * time.Second,
		},
		Bridge: BridgeConfig{
			DeviceHost:     "127.0.0.1",
			CommandPort:    5002,
			StatusPort:     5003,
			MediaAddr:      ":5001",
			HTTPAddr:       ":8080",
			Encoding:       "msgpack",
			PollInterval:   time.Second,
			ListEvery:      5,
			RequestTimeout: 2 * time.Second,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			CommandRetries: 3,
			Reassembly: ReassemblyConfig{
				Window:     16,
				MaxEntries: 8,
				Timeout:    time.Second,
			},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) ValidateDevice() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	d := c.Device
	if err := validateAddr("command_addr", d.CommandAddr); err != nil {
		return err
	}
	if err := validateAddr("status_addr", d.StatusAddr); err != nil {
		return err
	}
	if err := validatePort("media_port", d.MediaPort); err != nil {
		return err
	}
	if d.Destination != "" {
		if err := validateAddr("destination", d.Destination); err != nil {
			return err
		}
	}
	if d.ChunkSize < 1 || d.ChunkSize > 1384 {
		return fmt.Errorf("invalid chunk_size: %d (must be between 1-1384)", d.ChunkSize)
	}
	switch d.Capture.Source {
	case "dir":
		if d.Capture.Dir == "" {
			return fmt.Errorf("capture.dir must be set for the dir source")
		}
	case "exec":
		if len(d.Capture.Command) == 0 {
			return fmt.Errorf("capture.command must be set for the exec source")
		}
	default:
		return fmt.Errorf("invalid capture source: %s (must be one of: dir, exec)", d.Capture.Source)
	}
	if d.Capture.FPS < 0 {
		return fmt.Errorf("invalid capture fps: %g (must be non-negative)", d.Capture.FPS)
	}
	if d.Recordings.Dir == "" {
		return fmt.Errorf("recordings.dir must be set")
	}
	if d.Recordings.MaxBytes < 0 {
		return fmt.Errorf("invalid recordings.max_bytes: %d (must be non-negative)", d.Recordings.MaxBytes)
	}
	if d.StatsInterval <= 0 {
		return fmt.Errorf("invalid stats_interval: %s (must be positive)", d.StatsInterval)
	}
	if d.MetricsAddr != "" {
		return validateAddr("metrics_addr", d.MetricsAddr)
	}
	return nil
}

func (c *Config) ValidateBridge() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	b := c.Bridge
	if b.DeviceHost == "" {
		return fmt.Errorf("device_host must be set")
	}
	if err := validatePort("command_port", b.CommandPort); err != nil {
		return err
	}
	if err := validatePort("status_port", b.StatusPort); err != nil {
		return err
	}
	if err := validateAddr("media_addr", b.MediaAddr); err != nil {
		return err
	}
	if err := validateAddr("http_addr", b.HTTPAddr); err != nil {
		return err
	}
	switch b.Encoding {
	case "json", "msgpack":
	default:
		return fmt.Errorf("invalid encoding: %s (must be one of: json, msgpack)", b.Encoding)
	}
	if b.PollInterval <= 0 || b.RequestTimeout <= 0 {
		return fmt.Errorf("poll_interval and request_timeout must be positive")
	}
	if b.ListEvery < 1 {
		return fmt.Errorf("invalid list_every: %d (must be at least 1)", b.ListEvery)
	}
	if b.BackoffInitial <= 0 || b.BackoffMax < b.BackoffInitial {
		return fmt.Errorf("invalid backoff: initial %s, max %s", b.BackoffInitial, b.BackoffMax)
	}
	if b.CommandRetries < 0 {
		return fmt.Errorf("invalid command_retries: %d (must be non-negative)", b.CommandRetries)
	}
	if b.Reassembly.Window == 0 || b.Reassembly.Window > maxReassemblyWindow {
		return fmt.Errorf("invalid reassembly window: %d (must be between 1-%d)", b.Reassembly.Window, maxReassemblyWindow)
	}
	if b.Reassembly.MaxEntries < 1 || b.Reassembly.Timeout <= 0 {
		return fmt.Errorf("invalid reassembly settings: %+v", b.Reassembly)
	}
	return nil
}

func (l LogConfig) validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if strings.ToLower(l.Level) == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %v)", l.Level, validLevels)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", l.Format)
	}
	return nil
}

// CommandAddr is the device command endpoint as seen from the bridge.
func (b BridgeConfig) CommandAddr() string {
	return net.JoinHostPort(b.DeviceHost, fmt.Sprint(b.CommandPort))
}

func (b BridgeConfig) StatusAddr() string {
	return net.JoinHostPort(b.DeviceHost, fmt.Sprint(b.StatusPort))
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d (must be between 1-65535)", name, port)
	}
	return nil
}

func validateAddr(name, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, addr, err)
	}
	return nil
}
