package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	TLS              TLSConfig
	Header           http.Header
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        protocol.MaxFrameSize,
	}
}

// Dialer opens websocket connections for the session client.
type Dialer struct {
	cfg Config
}

var _ session.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config) *Dialer {
	d := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = d.ReadLimit
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (session.Conn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}
	if strings.HasPrefix(strings.ToLower(endpoint), "wss://") {
		tlsCfg, err := d.cfg.TLS.ClientConfig(endpoint)
		if err != nil {
			return nil, err
		}
		wd.TLSClientConfig = tlsCfg
	}
	conn, resp, err := wd.DialContext(ctx, endpoint, d.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: status=%d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", endpoint, err)
	}
	log.Debug().Msgf("ws.Dialer connected endpoint=%s remote=%s", endpoint, conn.RemoteAddr())
	return Wrap(conn, d.cfg.WriteTimeout, d.cfg.ReadLimit), nil
}

// Conn adapts a websocket connection to frame reads and writes.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Wrap adapts an established websocket. Used by both the dialer and servers.
func Wrap(conn *websocket.Conn, writeTimeout time.Duration, readLimit int64) *Conn {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &Conn{ws: conn, writeTimeout: writeTimeout}
}

// ReadFrame returns the next data message. Control frames are handled by the
// library.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame when possible and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
