package session

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/rigsync/internal/mirror"
	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
)

var (
	ErrEndpointRequired = errors.New("session: endpoint required")
	ErrInvalidEndpoint  = errors.New("session: invalid endpoint")
	ErrInvalidRole      = errors.New("session: invalid role")
)

// Role selects handshake identity and reconnect pacing.
type Role string

const (
	RoleControl  Role = "control"
	RoleObserver Role = "observer"
)

const (
	DefaultControlReconnectDelay  = 3 * time.Second
	DefaultObserverReconnectDelay = 5 * time.Second
)

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "control", "privileged", protocol.ClientTypeControl:
		return RoleControl, nil
	case "observer", "passive", protocol.ClientTypeObserver:
		return RoleObserver, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// ClientType is the handshake tag for r.
func (r Role) ClientType() string {
	if r == RoleObserver {
		return protocol.ClientTypeObserver
	}
	return protocol.ClientTypeControl
}

// DefaultReconnectDelay keeps observers further back than control clients.
func (r Role) DefaultReconnectDelay() time.Duration {
	if r == RoleObserver {
		return DefaultObserverReconnectDelay
	}
	return DefaultControlReconnectDelay
}

// Config defines client session behavior. Start from DefaultConfig so the
// AutoReconnect default is kept.
type Config struct {
	Endpoint   string
	Role       Role
	Credential string

	AutoReconnect bool
	// ReconnectDelay overrides the role default when positive.
	ReconnectDelay time.Duration
	// Backoff with Multiplier > 1 grows the delay per consecutive failure.
	Backoff BackoffConfig
	// MaxReconnectAttempts > 0 stops retrying after that many consecutive failures.
	MaxReconnectAttempts int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	DebounceWindow   time.Duration

	Actuators []rig.ActuatorID
	// Now overrides the clock used for debounce and receipt stamps.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Role:             RoleControl,
		AutoReconnect:    true,
		Backoff:          BackoffConfig{Multiplier: 1.0},
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     0,
		DebounceWindow:   mirror.DefaultDebounceWindow,
		Actuators:        rig.KnownActuators(),
	}
}

// WithDefaults fills zero durations and role. It never flips AutoReconnect.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(string(c.Role)) == "" {
		c.Role = d.Role
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout < 0 {
		c.HandshakeTimeout = 0
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	if c.Actuators == nil {
		c.Actuators = d.Actuators
	}
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	return c
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointRequired
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	if c.Role != RoleControl && c.Role != RoleObserver {
		return fmt.Errorf("%w: %q", ErrInvalidRole, c.Role)
	}
	return nil
}

// EffectiveReconnectDelay is the base delay before the first reconnect attempt.
func (c Config) EffectiveReconnectDelay() time.Duration {
	if c.ReconnectDelay > 0 {
		return c.ReconnectDelay
	}
	return c.Role.DefaultReconnectDelay()
}

// reconnectDelay returns the delay for consecutive failure attempt (1-based).
func (c Config) reconnectDelay(attempt int, rng *rand.Rand) time.Duration {
	b := c.Backoff
	b.InitialDelay = c.EffectiveReconnectDelay()
	return NextBackoffDelay(b, attempt, rng)
}
