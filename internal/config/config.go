// Package config loads and validates the broker's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Listeners  map[string]ListenerConfig `yaml:"listeners"`
	Auth       AuthConfig                `yaml:"auth"`
	TopicCheck TopicCheckConfig          `yaml:"topic_check"`
	Storage    StorageConfig             `yaml:"storage"`
	Limits     LimitsConfig              `yaml:"limits"`
	QoS        QoSConfig                 `yaml:"qos"`
	Logging    LoggingConfig             `yaml:"logging"`
	Metrics    MetricsConfig             `yaml:"metrics"`

	// SysInterval is the publish period for $SYS/broker/... metrics;
	// 0 disables the publisher.
	SysInterval time.Duration `yaml:"sys_interval"`
	// TimeoutDisconnectDelay is how long a graceful shutdown waits, after
	// closing the listeners, before closing the remaining connections.
	TimeoutDisconnectDelay time.Duration `yaml:"timeout_disconnect_delay"`
	// CleanSessionDefault is parsed but not read by the broker; every
	// CONNECT carries its own clean-session flag, which is what is used.
	CleanSessionDefault bool `yaml:"clean_session_default"`
}

// ListenerConfig describes one bound network endpoint. Kind is "tcp" or
// "ws"; either may be wrapped in TLS.
type ListenerConfig struct {
	Kind           string    `yaml:"type"` // "tcp" or "ws"
	Bind           string    `yaml:"bind"`
	Path           string    `yaml:"path"` // WS upgrade path, default "/mqtt"
	MaxConnections int       `yaml:"max_connections"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS/SSL settings for one listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"ssl"`
	CertFile string `yaml:"certfile"`
	KeyFile  string `yaml:"keyfile"`
	CAFile   string `yaml:"cafile"`
}

// AuthConfig selects the authentication plugins consulted on CONNECT; an
// empty Plugins list allows anonymous
// connections, matching plugin.Bus's default-vote policy.
type AuthConfig struct {
	Plugins        []string `yaml:"plugins"`
	AllowAnonymous bool     `yaml:"allow_anonymous"`
	// Users is the credential table consumed by the built-in "static"
	// auth plugin.
	Users map[string]string `yaml:"users"`
}

// TopicCheckConfig selects the topic-access plugins consulted on every
// PUBLISH/SUBSCRIBE.
type TopicCheckConfig struct {
	Enabled bool     `yaml:"enabled"`
	Plugins []string `yaml:"plugins"`
}

// StorageConfig contains persistence settings for session/retained state.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "bbolt"
	Path    string `yaml:"path"`
}

// LimitsConfig contains connection and message limits.
type LimitsConfig struct {
	MaxClients          int           `yaml:"max_clients"`
	MaxMessageSize      int64         `yaml:"max_message_size"`
	MaxInflightMessages int           `yaml:"max_inflight_messages"`
	OutboundQueueDepth  int           `yaml:"outbound_queue_depth"`
	FilterTimeout       time.Duration `yaml:"filter_timeout"`
	RetainedMessages    bool          `yaml:"retained_messages"`
}

// QoSConfig contains Quality of Service settings.
type QoSConfig struct {
	MaxQoS        byte          `yaml:"max_qos"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for missing configuration options.
func (c *Config) setDefaults() {
	if len(c.Listeners) == 0 {
		c.Listeners = map[string]ListenerConfig{
			"default": {Kind: "tcp", Bind: ":1883"},
		}
	}
	for name, l := range c.Listeners {
		if l.Kind == "" {
			l.Kind = "tcp"
		}
		if l.Kind == "ws" && l.Path == "" {
			l.Path = "/mqtt"
		}
		c.Listeners[name] = l
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/mqtt.db"
	}

	if c.Limits.MaxClients == 0 {
		c.Limits.MaxClients = 1000
	}
	if c.Limits.MaxMessageSize == 0 {
		c.Limits.MaxMessageSize = 256 * 1024
	}
	if c.Limits.MaxInflightMessages == 0 {
		c.Limits.MaxInflightMessages = 100
	}
	if c.Limits.OutboundQueueDepth == 0 {
		c.Limits.OutboundQueueDepth = 1000
	}
	if c.Limits.FilterTimeout == 0 {
		c.Limits.FilterTimeout = 3 * time.Second
	}

	if c.QoS.MaxQoS == 0 {
		c.QoS.MaxQoS = 2
	}
	if c.QoS.RetryInterval == 0 {
		c.QoS.RetryInterval = 10 * time.Second
	}
	if c.QoS.MaxRetries == 0 {
		c.QoS.MaxRetries = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.SysInterval == 0 {
		c.SysInterval = 10 * time.Second
	}
	if c.TimeoutDisconnectDelay == 0 {
		c.TimeoutDisconnectDelay = 5 * time.Second
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	for name, l := range c.Listeners {
		if l.Bind == "" {
			return fmt.Errorf("listener %q: bind address required", name)
		}
		if l.Kind != "tcp" && l.Kind != "ws" {
			return fmt.Errorf("listener %q: invalid type %q (must be tcp or ws)", name, l.Kind)
		}
		if l.TLS.Enabled && (l.TLS.CertFile == "" || l.TLS.KeyFile == "") {
			return fmt.Errorf("listener %q: ssl enabled but certfile or keyfile not specified", name)
		}
	}

	validBackends := map[string]bool{"memory": true, "bbolt": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s (must be memory or bbolt)", c.Storage.Backend)
	}

	if c.QoS.MaxQoS > 2 {
		return fmt.Errorf("invalid max_qos: %d (must be 0, 1, or 2)", c.QoS.MaxQoS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d (must be 1-65535)", c.Metrics.Port)
	}

	return nil
}
