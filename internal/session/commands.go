package session

import (
	"fmt"

	"github.com/danmuck/rigsync/internal/mirror"
	"github.com/danmuck/rigsync/internal/observability"
	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
)

// SendActuatorCommand sends a signed velocity; negative means reverse.
func (c *Client) SendActuatorCommand(id rig.ActuatorID, velocity float64) error {
	speed, sense := rig.Normalize(velocity)
	return c.SendActuatorCommandSense(id, speed, sense)
}

// SendActuatorCommandSense sends speed with an explicit sense. A negative speed
// flips the sense before transmission.
func (c *Client) SendActuatorCommandSense(id rig.ActuatorID, speed float64, sense rig.Sense) error {
	return c.command(protocol.NewMotorCommand(id, speed, sense), nil)
}

// RequestModeChange arms the pending mode guard and sends mode_change. The
// mirror shows mode immediately.
func (c *Client) RequestModeChange(mode rig.Mode) error {
	return c.command(protocol.NewModeChange(mode), func() {
		c.mirror.RequestModeChange(mode)
		c.mirrorUpdated(protocol.TypeModeChange, mirror.MergeResult{Mode: mirror.ModeApplied, Revision: c.mirror.Revision()})
	})
}

func (c *Client) EmergencyStop() error {
	return c.command(protocol.NewEmergencyStop(), nil)
}

// RequestStateSync asks the controller to resend the last actuator states.
func (c *Client) RequestStateSync() error {
	return c.command(protocol.NewStateSyncRequest(), nil)
}

// Reauthenticate stores credential for future connects and resends the
// handshake on the live socket when connected.
func (c *Client) Reauthenticate(credential string) error {
	var out error
	if err := c.do(func() {
		c.credential = credential
		out = c.sendCommand(protocol.NewAuthenticate(c.cfg.Role.ClientType(), credential), nil)
	}); err != nil {
		return err
	}
	return out
}

// RequestSystemStatus asks for a system_status reply.
func (c *Client) RequestSystemStatus() error {
	return c.command(protocol.NewSystemStatusRequest(), nil)
}

// RequestSessions asks for the open drawing sessions.
func (c *Client) RequestSessions() error {
	return c.command(protocol.NewSessionsRequest(), nil)
}

func (c *Client) SubscribeEvents() error {
	return c.command(protocol.NewSubscribeEvents(), nil)
}

// CreateSession opens a drawing session of the given mode. An empty name lets
// the controller pick one.
func (c *Client) CreateSession(mode rig.Mode, name string) error {
	return c.command(protocol.NewCreateSession(mode, name), nil)
}

func (c *Client) StartSession(id string) error {
	return c.sessionAction(protocol.TypeStartSession, id)
}

func (c *Client) StopSession(id string) error {
	return c.sessionAction(protocol.TypeStopSession, id)
}

func (c *Client) JoinSession(id string) error {
	return c.sessionAction(protocol.TypeJoinSession, id)
}

func (c *Client) sessionAction(msgType, id string) error {
	msg := protocol.NewSessionAction(msgType, id)
	if msg.SessionID == "" {
		return fmt.Errorf("%w: %s", ErrSessionIDRequired, msgType)
	}
	return c.command(msg, nil)
}

func (c *Client) command(msg protocol.Outbound, before func()) error {
	var out error
	if err := c.do(func() { out = c.sendCommand(msg, before) }); err != nil {
		return err
	}
	return out
}

func (c *Client) sendCommand(msg protocol.Outbound, before func()) error {
	if c.State() != StateConnected || c.conn == nil {
		observability.RecordCommand(c.role, msg.MessageType(), false)
		err := fmt.Errorf("%w: %s", ErrNotConnected, msg.MessageType())
		c.notify(NoticeNotConnected, err, msg.MessageType())
		return err
	}
	if before != nil {
		before()
	}
	err := c.write(msg)
	observability.RecordCommand(c.role, msg.MessageType(), err == nil)
	return err
}

// write encodes msg onto the current socket. A write failure is a transport loss.
func (c *Client) write(msg protocol.Outbound) error {
	if c.conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, msg.MessageType())
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.WriteFrame(payload); err != nil {
		wrapped := fmt.Errorf("%w: write %s: %v", ErrTransport, msg.MessageType(), err)
		c.transportLost(wrapped)
		return wrapped
	}
	c.logger.Debug().Msgf("session.Client sent type=%s conn=%s", msg.MessageType(), c.connID)
	return nil
}
