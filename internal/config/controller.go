package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rigsync/internal/fakectl"
	"github.com/danmuck/rigsync/internal/rig"
)

// EnvControllerAPIKey sets the fake controller's required key.
const EnvControllerAPIKey = "RIGSYNC_CONTROLLER_API_KEY"

type controllerFile struct {
	ListenAddr     string   `toml:"listen_addr"`
	Path           string   `toml:"path"`
	APIKey         string   `toml:"api_key"`
	InitialMode    string   `toml:"initial_mode"`
	StateInterval  string   `toml:"state_interval"`
	EnforceAccess  bool     `toml:"enforce_access"`
	AllowedOrigins []string `toml:"allowed_origins"`
	MetricsAddr    string   `toml:"metrics_addr"`
}

// ControllerConfig configures the fake-controller command.
type ControllerConfig struct {
	Service     fakectl.ServiceConfig
	MetricsAddr string
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{Service: fakectl.DefaultServiceConfig()}
}

// LoadControllerConfig overlays a TOML file on the controller defaults.
func LoadControllerConfig(path string) (ControllerConfig, error) {
	cfg := DefaultControllerConfig()

	var raw controllerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ControllerConfig{}, fmt.Errorf("load controller config: %w", err)
	}
	if meta.IsDefined("listen_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("path") {
		cfg.Service.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("api_key") {
		cfg.Service.APIKey = raw.APIKey
	}
	if meta.IsDefined("initial_mode") {
		cfg.Service.InitialMode = rig.ParseMode(raw.InitialMode)
	}
	if meta.IsDefined("state_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StateInterval))
		if err != nil {
			return ControllerConfig{}, fmt.Errorf("%w: state_interval: %v", ErrInvalidDuration, err)
		}
		cfg.Service.StateInterval = d
	}
	if meta.IsDefined("enforce_access") {
		cfg.Service.EnforceAccess = raw.EnforceAccess
	}
	if meta.IsDefined("allowed_origins") {
		cfg.Service.AllowedOrigins = normalizeList(raw.AllowedOrigins)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	ApplyControllerEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return ControllerConfig{}, err
	}
	return cfg, nil
}

func ApplyControllerEnv(cfg *ControllerConfig) {
	if v, ok := os.LookupEnv(EnvControllerAPIKey); ok && strings.TrimSpace(v) != "" {
		cfg.Service.APIKey = strings.TrimSpace(v)
	}
}

func (c ControllerConfig) Validate() error {
	if strings.TrimSpace(c.Service.ListenAddr) == "" {
		return fmt.Errorf("%w: controller config missing listen_addr", ErrInvalidValue)
	}
	if !strings.HasPrefix(c.Service.Path, "/") {
		return fmt.Errorf("%w: controller path must start with /", ErrInvalidValue)
	}
	if c.Service.StateInterval < 0 {
		return fmt.Errorf("%w: state_interval must not be negative", ErrInvalidValue)
	}
	if m := c.Service.InitialMode; m != "" && !m.Known() {
		return fmt.Errorf("%w: unknown initial_mode %q", ErrInvalidValue, m)
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
