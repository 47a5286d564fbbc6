package ws

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

var (
	ErrTLSCAFileRequired       = errors.New("ws: tls ca file required")
	ErrTLSCertFileRequired     = errors.New("ws: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("ws: tls key file required")
	ErrTLSInsecureSkipNotAllow = errors.New("ws: insecure skip verify not allowed with mutual tls")
)

// TLSConfig configures wss:// endpoints. It is ignored for ws://.
type TLSConfig struct {
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
}

// Validate checks file requirements. An empty CAFile falls back to the system
// roots unless the config is mutual.
func (c TLSConfig) Validate() error {
	if c.Mutual {
		if strings.TrimSpace(c.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
		if strings.TrimSpace(c.CAFile) == "" {
			return ErrTLSCAFileRequired
		}
		if c.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	return nil
}

// ClientConfig builds the tls.Config for endpoint.
func (c TLSConfig) ClientConfig(endpoint string) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.ServerName)
	if serverName == "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		serverName = u.Host
		if host, _, err := net.SplitHostPort(u.Host); err == nil {
			serverName = host
		}
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("ws: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if strings.TrimSpace(c.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
