package arenachat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stationfy/arena-chat-sdk-sub000/docstore"
	"github.com/stationfy/arena-chat-sdk-sub000/socket"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	// AllSites turns the socket transport on for every site.
	AllSites = "*"
)

// Config is the top-level configuration of a Context.
type Config struct {
	Socket    SocketConfig        `yaml:"socket"`
	Transport TransportConfig     `yaml:"transport"`
	Docstore  DocstoreConfig      `yaml:"docstore"`
	Logging   telemetry.LogConfig `yaml:"logging"`
	Metrics   MetricsConfig       `yaml:"metrics"`
}

// SocketConfig locates the realtime socket and tunes its sessions.
type SocketConfig struct {
	URL    string            `yaml:"url"`
	Params map[string]string `yaml:"params"`

	socket.Config `yaml:",inline"`
}

// TransportConfig holds the per-site transport feature flag.
type TransportConfig struct {
	// SocketSites lists the site ids whose channels read over the socket.
	// Every other site reads from the push service.
	SocketSites []string `yaml:"socket_sites"`
}

// DocstoreConfig selects the push service backend.
type DocstoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns an in-memory configuration with production socket
// timings.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads a YAML configuration file, expanding ${VAR} references
// from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a single YAML document. Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := socket.DefaultConfig()
	if cfg.Socket.ConnectTimeout == 0 {
		cfg.Socket.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.Socket.ReconnectInterval == 0 {
		cfg.Socket.ReconnectInterval = defaults.ReconnectInterval
	}
	if cfg.Socket.MaxReconnectAttempts == 0 {
		cfg.Socket.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.Socket.HeartbeatInterval == 0 {
		cfg.Socket.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Socket.MaxMissedPings == 0 {
		cfg.Socket.MaxMissedPings = defaults.MaxMissedPings
	}
	if cfg.Socket.RequestTimeout == 0 {
		cfg.Socket.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.Socket.WriteTimeout == 0 {
		cfg.Socket.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Socket.MaxPendingRequests == 0 {
		cfg.Socket.MaxPendingRequests = defaults.MaxPendingRequests
	}
	if cfg.Docstore.Backend == "" {
		cfg.Docstore.Backend = BackendMemory
	}
	if cfg.Docstore.Redis.Addr == "" {
		cfg.Docstore.Redis.Addr = "localhost:6379"
	}
	if cfg.Docstore.Redis.Prefix == "" {
		cfg.Docstore.Redis.Prefix = docstore.DefaultRedisPrefix
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Socket.ConnectTimeout < 0 || c.Socket.ReconnectInterval < 0 || c.Socket.HeartbeatInterval < 0 ||
		c.Socket.RequestTimeout < 0 || c.Socket.WriteTimeout < 0 {
		problems = append(problems, "socket timeouts must not be negative")
	}
	if c.Socket.MaxReconnectAttempts < 0 || c.Socket.MaxMissedPings < 0 || c.Socket.MaxPendingRequests < 0 {
		problems = append(problems, "socket limits must not be negative")
	}
	if len(c.Transport.SocketSites) > 0 && strings.TrimSpace(c.Socket.URL) == "" {
		problems = append(problems, "socket.url is required when transport.socket_sites is set")
	}
	if c.Socket.URL != "" {
		if _, err := socket.NormalizeEndpoint(c.Socket.URL, nil); err != nil {
			problems = append(problems, fmt.Sprintf("socket.url: %v", err))
		}
	}

	switch c.Docstore.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Docstore.Redis.Addr) == "" {
			problems = append(problems, "docstore.redis.addr is required for the redis backend")
		}
		if c.Docstore.Redis.DB < 0 {
			problems = append(problems, "docstore.redis.db must not be negative")
		}
	default:
		problems = append(problems, fmt.Sprintf("docstore.backend %q is not one of memory, redis", c.Docstore.Backend))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not one of json, text", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SocketEnabled reports whether channels of siteID read over the socket.
func (c *Config) SocketEnabled(siteID string) bool {
	if strings.TrimSpace(c.Socket.URL) == "" {
		return false
	}
	for _, site := range c.Transport.SocketSites {
		if site == AllSites || site == siteID {
			return true
		}
	}
	return false
}

// socketParams converts the configured query parameters for endpoint
// normalization.
func (c *Config) socketParams() map[string]interface{} {
	if len(c.Socket.Params) == 0 {
		return nil
	}
	params := make(map[string]interface{}, len(c.Socket.Params))
	for key, value := range c.Socket.Params {
		params[key] = value
	}
	return params
}
