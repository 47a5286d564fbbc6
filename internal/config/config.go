package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rigsync/internal/session"
	"github.com/danmuck/rigsync/internal/transport/ws"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides the credential from any config file.
const EnvAPIKey = "RIGSYNC_API_KEY"

var (
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
	ErrInvalidDuration   = errors.New("config: invalid duration")
	ErrInvalidValue      = errors.New("config: invalid value")
)

// ClientConfig is the resolved client configuration.
type ClientConfig struct {
	Endpoint             string
	Role                 session.Role
	Credential           string
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	DebounceWindow       time.Duration
	MaxReconnectAttempts int
	BackoffMultiplier    float64
	BackoffMaxDelay      time.Duration
	BackoffJitter        bool
	MetricsAddr          string
	TLS                  ws.TLSConfig
}

// clientFile is the on-disk shape shared by TOML and YAML.
type clientFile struct {
	Endpoint             string       `toml:"endpoint" yaml:"endpoint"`
	Role                 string       `toml:"role" yaml:"role"`
	Credential           string       `toml:"credential" yaml:"credential"`
	AutoReconnect        bool         `toml:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelay       string       `toml:"reconnect_delay" yaml:"reconnect_delay"`
	HandshakeTimeout     string       `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout         string       `toml:"write_timeout" yaml:"write_timeout"`
	PingInterval         string       `toml:"ping_interval" yaml:"ping_interval"`
	DebounceWindow       string       `toml:"debounce_window" yaml:"debounce_window"`
	MaxReconnectAttempts int          `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	BackoffMultiplier    float64      `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffMaxDelay      string       `toml:"backoff_max_delay" yaml:"backoff_max_delay"`
	BackoffJitter        bool         `toml:"backoff_jitter" yaml:"backoff_jitter"`
	MetricsAddr          string       `toml:"metrics_addr" yaml:"metrics_addr"`
	TLS                  ws.TLSConfig `toml:"tls" yaml:"tls"`
}

func DefaultClientConfig() ClientConfig {
	s := session.DefaultConfig()
	d := ws.DefaultConfig()
	return ClientConfig{
		Role:              s.Role,
		AutoReconnect:     s.AutoReconnect,
		HandshakeTimeout:  s.HandshakeTimeout,
		WriteTimeout:      d.WriteTimeout,
		DebounceWindow:    s.DebounceWindow,
		BackoffMultiplier: s.Backoff.Multiplier,
	}
}

// LoadClientConfig reads a .toml, .yaml or .yml file over the defaults and
// applies the environment credential override.
func LoadClientConfig(path string) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var raw clientFile
	var defined func(keys ...string) bool
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), &raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = meta.IsDefined
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		var keys map[string]any
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = yamlDefined(keys)
	default:
		return ClientConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	cfg := DefaultClientConfig()
	if err := overlayClient(&cfg, raw, defined); err != nil {
		return ClientConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func overlayClient(cfg *ClientConfig, raw clientFile, defined func(keys ...string) bool) error {
	if defined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if defined("role") {
		role, err := session.ParseRole(raw.Role)
		if err != nil {
			return err
		}
		cfg.Role = role
	}
	if defined("credential") {
		cfg.Credential = raw.Credential
	}
	if defined("auto_reconnect") {
		cfg.AutoReconnect = raw.AutoReconnect
	}
	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
		{"debounce_window", raw.DebounceWindow, &cfg.DebounceWindow},
		{"backoff_max_delay", raw.BackoffMaxDelay, &cfg.BackoffMaxDelay},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDuration, d.key, err)
		}
		*d.out = v
	}
	if defined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if defined("backoff_multiplier") {
		cfg.BackoffMultiplier = raw.BackoffMultiplier
	}
	if defined("backoff_jitter") {
		cfg.BackoffJitter = raw.BackoffJitter
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if defined("tls") {
		cfg.TLS = raw.TLS
	}
	return nil
}

// yamlDefined reports whether a dotted key path exists in a decoded document.
func yamlDefined(doc map[string]any) func(keys ...string) bool {
	return func(keys ...string) bool {
		cur := doc
		for i, k := range keys {
			v, ok := cur[k]
			if !ok {
				return false
			}
			if i == len(keys)-1 {
				return true
			}
			next, ok := v.(map[string]any)
			if !ok {
				return false
			}
			cur = next
		}
		return false
	}
}

// ApplyEnv lets RIGSYNC_API_KEY override the configured credential.
func ApplyEnv(cfg *ClientConfig) {
	if v, ok := os.LookupEnv(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		cfg.Credential = strings.TrimSpace(v)
	}
}

func (c ClientConfig) Validate() error {
	if err := c.SessionConfig().Validate(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"reconnect_delay":   c.ReconnectDelay,
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"ping_interval":     c.PingInterval,
		"debounce_window":   c.DebounceWindow,
		"backoff_max_delay": c.BackoffMaxDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidValue, name)
		}
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", ErrInvalidValue)
	}
	if c.BackoffMultiplier != 0 && c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalidValue)
	}
	if strings.HasPrefix(c.Endpoint, "wss://") {
		if err := c.TLS.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SessionConfig maps the file config onto the engine config.
func (c ClientConfig) SessionConfig() session.Config {
	s := session.DefaultConfig()
	s.Endpoint = c.Endpoint
	s.Role = c.Role
	s.Credential = c.Credential
	s.AutoReconnect = c.AutoReconnect
	s.ReconnectDelay = c.ReconnectDelay
	s.HandshakeTimeout = c.HandshakeTimeout
	s.PingInterval = c.PingInterval
	s.MaxReconnectAttempts = c.MaxReconnectAttempts
	s.Backoff.Multiplier = c.BackoffMultiplier
	s.Backoff.MaxDelay = c.BackoffMaxDelay
	s.Backoff.Jitter = c.BackoffJitter
	if c.DebounceWindow > 0 {
		s.DebounceWindow = c.DebounceWindow
	}
	return s
}

// DialerConfig maps the file config onto the websocket transport.
func (c ClientConfig) DialerConfig() ws.Config {
	d := ws.DefaultConfig()
	if c.HandshakeTimeout > 0 {
		d.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.WriteTimeout > 0 {
		d.WriteTimeout = c.WriteTimeout
	}
	d.TLS = c.TLS
	return d
}
