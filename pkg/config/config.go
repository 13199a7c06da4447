// Package config loads the agent's TOML configuration. Every value has a
// default suitable for a stock device image; the file narrows them down to
// the deployment at hand.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	// DefaultPath is where the device image installs the agent config.
	DefaultPath = "/etc/otagent/config.toml"

	defaultServerPort       = 12345
	defaultChunkSize        = 1024
	defaultDialTimeoutSecs  = 10
	defaultCooldownSecs     = 30
	defaultTelemetryAddress = "127.0.0.1:9641"
)

// Config is the root of the agent configuration.
type Config struct {
	Server      Server      `toml:"server"`
	Network     Network     `toml:"network"`
	Flash       Flash       `toml:"flash"`
	Update      Update      `toml:"update"`
	Telemetry   Telemetry   `toml:"telemetry"`
	Diagnostics Diagnostics `toml:"diagnostics"`
}

// Server locates the fixed update server. The address and port are static
// configuration; nothing is negotiated on the wire.
type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Network carries the link interface and the join credentials. Credentials
// are opaque to the agent and handed to the platform's supplicant as-is.
type Network struct {
	Interface  string `toml:"interface"`
	SSID       string `toml:"ssid"`
	Passphrase string `toml:"passphrase"`
}

// Flash describes the storage layout: the backing image, the boot record,
// and the partition table enumerated at startup.
type Flash struct {
	ImagePath      string      `toml:"image_path"`
	BootRecordPath string      `toml:"boot_record_path"`
	Partitions     []Partition `toml:"partitions"`
}

// Partition is one storage slot entry of the configured table.
type Partition struct {
	Label   string `toml:"label"`
	Type    string `toml:"type"`
	Subtype string `toml:"subtype"`
	Offset  int64  `toml:"offset"`
	Size    int64  `toml:"size"`
}

// Update tunes the receiver and the agent's retry behavior.
type Update struct {
	ChunkSize            int `toml:"chunk_size"`
	DialTimeoutSeconds   int `toml:"dial_timeout_seconds"`
	RetryCooldownSeconds int `toml:"retry_cooldown_seconds"`
}

// Telemetry configures the prometheus endpoint.
type Telemetry struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

// Diagnostics configures log forwarding over a second session to the same
// server. Optional; the update path does not depend on it.
type Diagnostics struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
}

// DialTimeout is the single-attempt connect timeout.
func (u Update) DialTimeout() time.Duration {
	return time.Duration(u.DialTimeoutSeconds) * time.Second
}

// RetryCooldown is the agent-level pause after a failed attempt.
func (u Update) RetryCooldown() time.Duration {
	return time.Duration(u.RetryCooldownSeconds) * time.Second
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config")
	}
	return Parse(raw)
}

// Parse unmarshals a raw TOML document, fills defaults and validates.
func Parse(raw []byte) (*Config, error) {
	config := Config{}
	if err := toml.Unmarshal(raw, &config); err != nil {
		return nil, errors.Wrap(err, "unable to parse config")
	}
	config.defaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Update.ChunkSize == 0 {
		c.Update.ChunkSize = defaultChunkSize
	}
	if c.Update.DialTimeoutSeconds == 0 {
		c.Update.DialTimeoutSeconds = defaultDialTimeoutSecs
	}
	if c.Update.RetryCooldownSeconds == 0 {
		c.Update.RetryCooldownSeconds = defaultCooldownSecs
	}
	if c.Telemetry.ListenAddress == "" {
		c.Telemetry.ListenAddress = defaultTelemetryAddress
	}
	if c.Diagnostics.Level == "" {
		c.Diagnostics.Level = "warning"
	}
}

func (c *Config) validate() error {
	switch {
	case c.Server.Host == "":
		return errors.New("server.host must be provided")
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	case c.Flash.ImagePath == "":
		return errors.New("flash.image_path must be provided")
	case c.Flash.BootRecordPath == "":
		return errors.New("flash.boot_record_path must be provided")
	case len(c.Flash.Partitions) == 0:
		return errors.New("flash.partitions must list at least one slot")
	case c.Update.ChunkSize < 1:
		return errors.Errorf("update.chunk_size %d is not usable", c.Update.ChunkSize)
	}
	for _, p := range c.Flash.Partitions {
		if p.Label == "" {
			return errors.New("every partition needs a label")
		}
		if p.Size <= 0 {
			return errors.Errorf("partition %q needs a positive size", p.Label)
		}
		if p.Offset < 0 {
			return errors.Errorf("partition %q has a negative offset", p.Label)
		}
	}
	return nil
}
