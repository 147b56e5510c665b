package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"madoka-go-home/internal/frame"
)

// Config is the daemon configuration, read from YAML or TOML.
type Config struct {
	Unit       UnitConfig     `yaml:"unit" toml:"unit"`
	Protocol   ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Retry      RetryConfig    `yaml:"retry" toml:"retry"`
	Daemon     DaemonConfig   `yaml:"daemon" toml:"daemon"`
	MQTT       MQTTConfig     `yaml:"mqtt" toml:"mqtt"`
	Web        WebConfig      `yaml:"web" toml:"web"`
	Store      StoreConfig    `yaml:"store" toml:"store"`
	Trace      TraceConfig    `yaml:"trace" toml:"trace"`
	Log        LogConfig      `yaml:"log" toml:"log"`
	Exec       ExecConfig     `yaml:"exec" toml:"exec"`
	ScriptsDir string         `yaml:"scripts_dir" toml:"scripts_dir"`
}

type UnitConfig struct {
	Address          string        `yaml:"address" toml:"address"`
	Adapter          string        `yaml:"adapter" toml:"adapter"`
	ForceDisconnect  bool          `yaml:"force_disconnect" toml:"force_disconnect"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" toml:"discovery_timeout"`
	Link             string        `yaml:"link" toml:"link"` // ble, serial or simulator
	SerialPort       string        `yaml:"serial_port" toml:"serial_port"`
	SerialBaud       int           `yaml:"serial_baud" toml:"serial_baud"`
}

type ProtocolConfig struct {
	Checksum         string        `yaml:"checksum" toml:"checksum"`
	ExchangeTimeout  time.Duration `yaml:"exchange_timeout" toml:"exchange_timeout"`
	ExchangeRetries  int           `yaml:"exchange_retries" toml:"exchange_retries"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	ConfirmAttempts  int           `yaml:"confirm_attempts" toml:"confirm_attempts"`
	ConfirmInterval  time.Duration `yaml:"confirm_interval" toml:"confirm_interval"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
	Jitter       float64       `yaml:"jitter" toml:"jitter"`
}

type DaemonConfig struct {
	UpdateInterval time.Duration `yaml:"update_interval" toml:"update_interval"`
}

type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	Broker         string `yaml:"broker" toml:"broker"`
	ID             string `yaml:"id" toml:"id"`
	Username       string `yaml:"username" toml:"username"`
	Password       string `yaml:"password" toml:"password"`
	RootTopic      string `yaml:"root_topic" toml:"root_topic"`
	RootTopicOnly  bool   `yaml:"root_topic_only" toml:"root_topic_only"`
	DiscoveryTopic string `yaml:"discovery_topic" toml:"discovery_topic"`
	FriendlyName   string `yaml:"friendly_name" toml:"friendly_name"`
}

type WebConfig struct {
	Listen         string   `yaml:"listen" toml:"listen"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	MDNS           bool     `yaml:"mdns" toml:"mdns"`
	MDNSInterface  string   `yaml:"mdns_interface" toml:"mdns_interface"`
}

type StoreConfig struct {
	Path       string `yaml:"path" toml:"path"`
	MaxHistory int    `yaml:"max_history" toml:"max_history"`
}

type TraceConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

type ExecConfig struct {
	Allowlist []string      `yaml:"allowlist" toml:"allowlist"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Unit.Adapter = "hci0"
	cfg.Unit.ForceDisconnect = true
	cfg.Unit.DiscoveryTimeout = 5 * time.Second
	cfg.Unit.Link = "ble"
	cfg.Unit.SerialBaud = 115200
	cfg.Protocol.Checksum = "none"
	cfg.Retry.Jitter = 0.2
	cfg.Daemon.UpdateInterval = 15 * time.Second
	cfg.MQTT.RootTopic = "/madoka"
	cfg.MQTT.FriendlyName = "Madoka friendly name"
	cfg.Web.Listen = "127.0.0.1:8080"
	cfg.Store.Path = "madoka-home.db"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Exec.Timeout = 10 * time.Second
	cfg.ScriptsDir = "scripts"
	return cfg
}

// loadConfig reads path over the defaults. Files ending in .toml are TOML,
// anything else YAML.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse config: unknown keys %v", undecoded)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Unit.Address == "" {
		return fmt.Errorf("unit.address is required")
	}
	switch c.Unit.Link {
	case "ble", "simulator":
	case "serial":
		if c.Unit.SerialPort == "" {
			return fmt.Errorf("unit.serial_port is required for the serial link")
		}
	default:
		return fmt.Errorf("unit.link must be ble, serial or simulator, got %q", c.Unit.Link)
	}
	if _, err := frame.ChecksumByName(c.Protocol.Checksum); err != nil {
		return fmt.Errorf("protocol.checksum: %w", err)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1, got %v", c.Retry.Jitter)
	}
	if c.Daemon.UpdateInterval <= 0 {
		return fmt.Errorf("daemon.update_interval must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
}

// newLogger builds the configured logger. The returned closer releases the
// log file, if any.
func newLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.WriteCloser = nopCloser{os.Stdout}
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), out, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
