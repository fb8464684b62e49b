// Package config loads the observer configuration from a YAML file, with
// flag and environment overrides layered on top by the entrypoint.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"meshmap/internal/meshproto"
)

// Config is the full observer configuration.
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// MQTTConfig is the uplink broker connection.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	RootTopic string `yaml:"root_topic"`
	ClientID  string `yaml:"client_id"`
}

// DatabaseConfig locates the SQLite state file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig is the read API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// IngestConfig tunes the decode pipeline.
type IngestConfig struct {
	// ChannelKey is the base64 AES key used to open encrypted payloads.
	ChannelKey string   `yaml:"channel_key"`
	Workers    int      `yaml:"workers"`
	QueueSize  int      `yaml:"queue_size"`
	Freshness  Duration `yaml:"freshness_window"`
}

// Duration wraps time.Duration so YAML accepts "12h" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads the config file at path, or returns defaults when path is
// empty.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the defaults for a public-mesh observer.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults.
func (c *Config) applyDefaults() {
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "mqtt.meshtastic.org"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Username == "" {
		c.MQTT.Username = "meshdev"
	}
	if c.MQTT.Password == "" {
		c.MQTT.Password = "large4cats"
	}
	if c.MQTT.RootTopic == "" {
		c.MQTT.RootTopic = "msh"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "meshmap"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./meshmap.db"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Ingest.ChannelKey == "" {
		c.Ingest.ChannelKey = meshproto.DefaultChannelKey
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = 1024
	}
	if c.Ingest.Freshness == 0 {
		c.Ingest.Freshness = Duration(24 * time.Hour)
	}
}

func (c *Config) validate() error {
	if _, err := meshproto.ParseChannelKey(c.Ingest.ChannelKey); err != nil {
		return fmt.Errorf("ingest.channel_key: %w", err)
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	return nil
}

// ChannelKey returns the parsed AES key bytes.
func (c *Config) ChannelKey() ([]byte, error) {
	return meshproto.ParseChannelKey(c.Ingest.ChannelKey)
}
