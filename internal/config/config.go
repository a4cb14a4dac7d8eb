package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Sync    SyncConfig    `yaml:"sync"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Demo    DemoConfig    `yaml:"demo"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	AuthToken       string        `yaml:"auth_token"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	MongoURI string `yaml:"mongo_uri"`
	Database string `yaml:"database"`
}

// SyncConfig tunes sessions and their connections.
type SyncConfig struct {
	SendBuffer      int           `yaml:"send_buffer"`
	DeferredLimit   int           `yaml:"deferred_limit"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
	MutationTimeout time.Duration `yaml:"mutation_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	StrictPayloads  bool          `yaml:"strict_payloads"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DemoConfig controls the demo pad and its wandering markers.
type DemoConfig struct {
	Enabled  bool          `yaml:"enabled"`
	PadID    string        `yaml:"pad_id"`
	WriteID  string        `yaml:"write_id"`
	Markers  int           `yaml:"markers"`
	Interval time.Duration `yaml:"interval"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			MongoURI: "mongodb://localhost:27017",
			Database: "padsync",
		},
		Sync: SyncConfig{
			SendBuffer:      256,
			DeferredLimit:   4096,
			WriteTimeout:    10 * time.Second,
			PongTimeout:     60 * time.Second,
			PingInterval:    30 * time.Second,
			StreamTimeout:   2 * time.Minute,
			MutationTimeout: 30 * time.Second,
			MaxMessageSize:  1 << 20,
			StrictPayloads:  true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Demo: DemoConfig{
			PadID:    "demo",
			WriteID:  "demo-write",
			Markers:  5,
			Interval: time.Second,
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver"))
		}
		if c.Store.Database == "" {
			errs = append(errs, errors.New("store.database is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of %q, %q", c.Store.Driver, DriverMemory, DriverMongo))
	}
	if c.Sync.SendBuffer < 1 {
		errs = append(errs, errors.New("sync.send_buffer must be positive"))
	}
	if c.Sync.DeferredLimit < 1 {
		errs = append(errs, errors.New("sync.deferred_limit must be positive"))
	}
	if c.Sync.WriteTimeout <= 0 || c.Sync.PongTimeout <= 0 || c.Sync.StreamTimeout <= 0 || c.Sync.MutationTimeout <= 0 {
		errs = append(errs, errors.New("sync timeouts must be positive"))
	}
	if c.Sync.PingInterval <= 0 || c.Sync.PingInterval >= c.Sync.PongTimeout {
		errs = append(errs, errors.New("sync.ping_interval must be positive and shorter than sync.pong_timeout"))
	}
	if c.Sync.MaxMessageSize < 1 {
		errs = append(errs, errors.New("sync.max_message_size must be positive"))
	}
	if c.Demo.Enabled {
		if c.Demo.PadID == "" || c.Demo.WriteID == "" || c.Demo.PadID == c.Demo.WriteID {
			errs = append(errs, errors.New("demo.pad_id and demo.write_id must be set and differ"))
		}
		if c.Demo.Interval <= 0 {
			errs = append(errs, errors.New("demo.interval must be positive"))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// GenerateToken returns a random 32 character hex token for server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
