package session

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/rigsync/internal/observability"
	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/google/uuid"
)

// Connect starts a dial unless one is in flight, the client is already
// connected, or a reconnect attempt is already scheduled.
func (c *Client) Connect() error {
	return c.do(c.connect)
}

// Disconnect closes the socket and cancels any scheduled reconnect. No
// reconnect follows.
func (c *Client) Disconnect() error {
	return c.do(func() {
		c.teardown()
		c.cancelReconnect()
		c.attempts = 0
		c.setState(StateDisconnected)
	})
}

func (c *Client) connect() {
	if c.closing {
		return
	}
	if st := c.State(); st != StateDisconnected {
		c.logger.Debug().Msgf("session.Client connect ignored state=%s", st)
		return
	}
	if c.reconnectTimer != nil {
		c.logger.Debug().Msg("session.Client connect ignored reconnect_pending=true")
		return
	}
	c.dial()
}

func (c *Client) dial() {
	c.gen++
	gen := c.gen
	c.connID = uuid.NewString()
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.dialCancel = cancel
	endpoint := c.cfg.Endpoint
	c.logger.Debug().Msgf("session.Client dial endpoint=%s conn=%s", endpoint, c.connID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		conn, err := c.dialer.Dial(ctx, endpoint)
		if !c.post(func() { c.onDialResult(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) onDialResult(gen uint64, conn Conn, err error) {
	if gen != c.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.dialCancel = nil
	if err != nil {
		c.transportLost(fmt.Errorf("%w: dial: %v", ErrTransport, err))
		return
	}
	c.conn = conn
	c.startReader(gen, conn)
	if err := c.sendHandshake(); err != nil {
		return
	}
	c.armHandshakeTimer(gen)
}

func (c *Client) startReader(gen uint64, conn Conn) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			data, err := conn.ReadFrame()
			if err != nil {
				c.post(func() { c.onSocketClosed(gen, err) })
				return
			}
			if !c.post(func() { c.onFrame(gen, data) }) {
				return
			}
		}
	}()
}

func (c *Client) onSocketClosed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.transportLost(fmt.Errorf("%w: %v", ErrTransport, err))
}

// transportLost handles every close, error and dial failure path. The
// generation bump in teardown keeps a second event from the same socket from
// scheduling twice.
func (c *Client) transportLost(err error) {
	c.teardown()
	c.setState(StateDisconnected)
	c.notify(NoticeTransport, err, "")
	c.scheduleReconnect()
}

// teardown invalidates the current socket, dial and timers.
func (c *Client) teardown() {
	c.gen++
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	stopTimer(&c.handshakeTimer)
	stopTimer(&c.pingTimer)
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Msgf("session.Client close conn=%s err=%v", c.connID, err)
		}
		c.conn = nil
	}
}

func (c *Client) scheduleReconnect() {
	if c.closing || !c.cfg.AutoReconnect || c.reconnectTimer != nil {
		return
	}
	c.attempts++
	if limit := c.cfg.MaxReconnectAttempts; limit > 0 && c.attempts > limit {
		c.notify(NoticeReconnectExhausted, fmt.Errorf("%w: attempts=%d", ErrReconnectExhausted, limit), "")
		c.attempts = 0
		return
	}
	delay := c.cfg.reconnectDelay(c.attempts, c.rng)
	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.post(func() { c.onReconnectTimer(gen) })
	})
	c.reconnectPending.Store(true)
	observability.RecordReconnectScheduled(c.role)
	c.logger.Info().Msgf("session.Client reconnect scheduled attempt=%d delay=%s", c.attempts, delay)
}

func (c *Client) onReconnectTimer(gen uint64) {
	if gen != c.gen || c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer = nil
	c.reconnectPending.Store(false)
	if c.State() != StateDisconnected {
		return
	}
	c.dial()
}

func (c *Client) cancelReconnect() {
	stopTimer(&c.reconnectTimer)
	c.reconnectPending.Store(false)
}

func (c *Client) armHandshakeTimer(gen uint64) {
	if c.cfg.HandshakeTimeout <= 0 {
		return
	}
	c.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.post(func() { c.onHandshakeTimeout(gen) })
	})
}

func (c *Client) onHandshakeTimeout(gen uint64) {
	if gen != c.gen || c.State() != StateConnecting {
		return
	}
	c.handshakeTimer = nil
	c.transportLost(fmt.Errorf("%w: %w after %s", ErrTransport, ErrHandshakeTimeout, c.cfg.HandshakeTimeout))
}

func (c *Client) armPing(gen uint64) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	stopTimer(&c.pingTimer)
	c.pingTimer = time.AfterFunc(c.cfg.PingInterval, func() {
		c.post(func() { c.onPing(gen) })
	})
}

func (c *Client) onPing(gen uint64) {
	if gen != c.gen || c.State() != StateConnected {
		return
	}
	c.pingTimer = nil
	if err := c.write(protocol.NewPing(c.now())); err != nil {
		return
	}
	c.armPing(gen)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
