// Package config loads gateway settings from HCL or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/robfig/cron/v3"
	"github.com/usfsci/bridge-x/pkg/bridgex/ble"
	"github.com/usfsci/bridge-x/pkg/bridgex/frame"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"github.com/usfsci/bridge-x/pkg/bridgex/server"
	"gopkg.in/yaml.v3"
)

// maxSocketPath leaves room for the terminating NUL in sockaddr_un.sun_path.
const maxSocketPath = 107

// Config holds all gateway configuration.
type Config struct {
	SocketPath    string        `yaml:"socket_path"`
	RelayCapacity int           `yaml:"relay_capacity"`
	QueueSize     int           `yaml:"queue_size"`
	MaxFrameSize  int           `yaml:"max_frame_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ErrorReplies  bool          `yaml:"error_replies"`
	LogLevel      string        `yaml:"log_level"`
	StatsSchedule string        `yaml:"stats_schedule"` // cron spec, empty disables
	OTel          bool          `yaml:"otel"`
	BLE           BLEConfig     `yaml:"ble"`
}

// BLEConfig holds the peripheral settings.
type BLEConfig struct {
	Enabled      bool   `yaml:"enabled"`
	LocalName    string `yaml:"local_name"`
	ServiceUUID  string `yaml:"service_uuid"`
	RXUUID       string `yaml:"rx_uuid"`
	TXUUID       string `yaml:"tx_uuid"`
	ChunkSize    int    `yaml:"chunk_size"`
	LoopbackEcho bool   `yaml:"loopback_echo"` // only used when Enabled is false
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	return &Config{
		SocketPath:    server.DefaultSocketPath,
		RelayCapacity: relay.DefaultCapacity,
		QueueSize:     server.DefaultQueueSize,
		MaxFrameSize:  frame.MaxFrameSize,
		WriteTimeout:  server.DefaultWriteTimeout,
		LogLevel:      "info",
		BLE: BLEConfig{
			LocalName:   ble.DefaultLocalName,
			ServiceUUID: ble.DefaultServiceUUID,
			RXUUID:      ble.DefaultRXUUID,
			TXUUID:      ble.DefaultTXUUID,
			ChunkSize:   ble.DefaultChunkSize,
		},
	}
}

// Load reads a config file. The format is chosen by extension: .hcl, or
// .yaml/.yml. Missing fields keep their defaults. A leading ~ in the socket
// path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".hcl":
		if err := decodeHCL(path, data, cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}

	cfg.SocketPath = expandTilde(cfg.SocketPath)
	return cfg, nil
}

// hclFile mirrors Config with optional fields so absent attributes leave
// defaults alone.
type hclFile struct {
	SocketPath    *string `hcl:"socket_path,optional"`
	RelayCapacity *int    `hcl:"relay_capacity,optional"`
	QueueSize     *int    `hcl:"queue_size,optional"`
	MaxFrameSize  *int    `hcl:"max_frame_size,optional"`
	WriteTimeout  *string `hcl:"write_timeout,optional"`
	ErrorReplies  *bool   `hcl:"error_replies,optional"`
	LogLevel      *string `hcl:"log_level,optional"`
	StatsSchedule *string `hcl:"stats_schedule,optional"`
	OTel          *bool   `hcl:"otel,optional"`
	BLE           *hclBLE `hcl:"ble,block"`
}

type hclBLE struct {
	Enabled      *bool   `hcl:"enabled,optional"`
	LocalName    *string `hcl:"local_name,optional"`
	ServiceUUID  *string `hcl:"service_uuid,optional"`
	RXUUID       *string `hcl:"rx_uuid,optional"`
	TXUUID       *string `hcl:"tx_uuid,optional"`
	ChunkSize    *int    `hcl:"chunk_size,optional"`
	LoopbackEcho *bool   `hcl:"loopback_echo,optional"`
}

func decodeHCL(filename string, data []byte, cfg *Config) error {
	var file hclFile
	if err := hclsimple.Decode(filename, data, nil, &file); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	set(&cfg.SocketPath, file.SocketPath)
	set(&cfg.RelayCapacity, file.RelayCapacity)
	set(&cfg.QueueSize, file.QueueSize)
	set(&cfg.MaxFrameSize, file.MaxFrameSize)
	set(&cfg.ErrorReplies, file.ErrorReplies)
	set(&cfg.LogLevel, file.LogLevel)
	set(&cfg.StatsSchedule, file.StatsSchedule)
	set(&cfg.OTel, file.OTel)

	if file.WriteTimeout != nil {
		d, err := time.ParseDuration(*file.WriteTimeout)
		if err != nil {
			return fmt.Errorf("parsing config file: write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}

	if b := file.BLE; b != nil {
		set(&cfg.BLE.Enabled, b.Enabled)
		set(&cfg.BLE.LocalName, b.LocalName)
		set(&cfg.BLE.ServiceUUID, b.ServiceUUID)
		set(&cfg.BLE.RXUUID, b.RXUUID)
		set(&cfg.BLE.TXUUID, b.TXUUID)
		set(&cfg.BLE.ChunkSize, b.ChunkSize)
		set(&cfg.BLE.LoopbackEcho, b.LoopbackEcho)
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

var uuidPattern = regexp.MustCompile(`^([0-9a-fA-F]{4}|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// StatsParser parses stats_schedule: standard five-field specs, an optional
// leading seconds field, or descriptors such as @every 1m.
var StatsParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	if len(c.SocketPath) > maxSocketPath {
		return fmt.Errorf("socket_path must be at most %d bytes, got %d", maxSocketPath, len(c.SocketPath))
	}

	if c.RelayCapacity <= 0 {
		return fmt.Errorf("relay_capacity must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be > 0")
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > frame.MaxFrameSize {
		return fmt.Errorf("max_frame_size must be between 1 and %d, got %d", frame.MaxFrameSize, c.MaxFrameSize)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.StatsSchedule != "" {
		if _, err := StatsParser.Parse(c.StatsSchedule); err != nil {
			return fmt.Errorf("stats_schedule: %w", err)
		}
	}

	return c.BLE.validate()
}

func (b *BLEConfig) validate() error {
	if b.ChunkSize <= 0 || b.ChunkSize > 512 {
		return fmt.Errorf("ble.chunk_size must be between 1 and 512, got %d", b.ChunkSize)
	}
	if b.LocalName == "" {
		return fmt.Errorf("ble.local_name must not be empty")
	}
	for name, uuid := range map[string]string{
		"ble.service_uuid": b.ServiceUUID,
		"ble.rx_uuid":      b.RXUUID,
		"ble.tx_uuid":      b.TXUUID,
	} {
		if !uuidPattern.MatchString(uuid) {
			return fmt.Errorf("%s is not a valid UUID: %q", name, uuid)
		}
	}
	if strings.EqualFold(b.RXUUID, b.TXUUID) {
		return fmt.Errorf("ble.rx_uuid and ble.tx_uuid must differ")
	}
	return nil
}

// GATT returns the peripheral settings in the form the ble package takes.
func (b *BLEConfig) GATT() ble.GATTConfig {
	return ble.GATTConfig{
		LocalName:   b.LocalName,
		ServiceUUID: b.ServiceUUID,
		RXUUID:      b.RXUUID,
		TXUUID:      b.TXUUID,
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
