package session

import (
	"fmt"

	"github.com/danmuck/rigsync/internal/observability"
	"github.com/danmuck/rigsync/internal/protocol"
)

func (c *Client) sendHandshake() error {
	return c.write(protocol.NewAuthenticate(c.cfg.Role.ClientType(), c.credential))
}

func (c *Client) onAuthenticated(raw []byte) error {
	msg, err := protocol.DecodeAuthenticated(raw)
	if err != nil {
		return err
	}
	stopTimer(&c.handshakeTimer)
	c.attempts = 0
	c.clientID = msg.ClientID
	c.apiAccess = msg.APIAccess
	outcome := "full"
	if !msg.APIAccess {
		outcome = "restricted"
	}
	observability.RecordAuthOutcome(c.role, outcome)
	c.logger.Info().Msgf("session.Client authenticated client_id=%s api_access=%t", msg.ClientID, msg.APIAccess)

	wasConnected := c.State() == StateConnected
	c.setState(StateConnected)
	if !msg.APIAccess && c.cfg.Role == RoleControl {
		c.notify(NoticeRestricted, nil, msg.Message)
	}
	if !wasConnected {
		c.armPing(c.gen)
	}
	return nil
}

// onAuthenticationFailed is a terminal outcome: no reconnect is scheduled.
func (c *Client) onAuthenticationFailed(raw []byte) error {
	msg, err := protocol.DecodeAuthenticationFailed(raw)
	if err != nil {
		return err
	}
	observability.RecordAuthOutcome(c.role, "rejected")
	c.teardown()
	c.cancelReconnect()
	c.attempts = 0
	c.setState(StateDisconnected)
	c.notify(NoticeAuthRejected, fmt.Errorf("%w: %s", ErrAuthenticationRejected, msg.Message), msg.Message)
	return nil
}

// ClientID is the id assigned by the controller in the last handshake reply.
func (c *Client) ClientID() string {
	var id string
	if err := c.do(func() { id = c.clientID }); err != nil {
		return ""
	}
	return id
}

// APIAccess reports whether the last handshake granted full command access.
func (c *Client) APIAccess() bool {
	var ok bool
	if err := c.do(func() { ok = c.apiAccess }); err != nil {
		return false
	}
	return ok
}
