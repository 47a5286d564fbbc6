package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/rigsync/internal/mirror"
	"github.com/danmuck/rigsync/internal/observability"
	"github.com/danmuck/rigsync/internal/protocol"
)

type handler func(raw []byte) error

func (c *Client) buildHandlers() map[string]handler {
	hs := map[string]handler{
		protocol.TypeAuthenticated:        c.onAuthenticated,
		protocol.TypeAuthenticationFailed: c.onAuthenticationFailed,
		protocol.TypeSystemState:          c.onSystemState,
		protocol.TypeModeChanged:          c.onModeChanged,
		protocol.TypeFeedData:             c.onFeedUpdate,
		protocol.TypeFeedDataUpdate:       c.onFeedUpdate,
		protocol.TypeMotorStateUpdate:     c.onActuatorUpdate,
		protocol.TypeMotorUpdate:          c.onActuatorUpdate,
		protocol.TypeMotorCommandExecuted: c.onCommandExecuted,
		protocol.TypeEmergencyStopped:     c.onEmergencyStopped,
		protocol.TypeError:                c.onRemoteError,
		protocol.TypePong:                 c.onPong,
		protocol.TypeSystemStatus:         c.onSystemStatus,
		protocol.TypeSessionsList:         c.onSessionsList,
		protocol.TypeEventsSubscribed:     c.onEventsSubscribed,
	}
	for _, t := range []string{
		protocol.TypeSessionCreated, protocol.TypeSessionStarted, protocol.TypeSessionStopped,
		protocol.TypeSessionCompleted, protocol.TypeSessionJoined, protocol.TypeClientJoined,
	} {
		hs[t] = c.sessionEventHandler(t)
	}
	return hs
}

// onFrame routes one inbound frame to exactly one handler. Malformed frames
// are reported and dropped; unknown types are ignored.
func (c *Client) onFrame(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.decodeFailed("", err)
		return
	}
	h, ok := c.handlers[env.Type]
	if !ok {
		c.logger.Debug().Msgf("session.Client ignore type=%s", env.Type)
		return
	}
	observability.RecordFrame(c.role, env.Type)
	if err := h(env.Raw); err != nil {
		c.decodeFailed(env.Type, err)
	}
}

func (c *Client) decodeFailed(msgType string, err error) {
	if !errors.Is(err, protocol.ErrDecode) {
		err = fmt.Errorf("%w: %s: %v", protocol.ErrDecode, msgType, err)
	}
	observability.RecordDecodeError(c.role)
	c.notify(NoticeDecode, err, msgType)
}

func (c *Client) onSystemState(raw []byte) error {
	st, err := protocol.DecodeSystemState(raw)
	if err != nil {
		return err
	}
	res := c.mirror.ApplySystemState(st)
	if res.Mode == mirror.ModeSuppressed {
		c.logger.Debug().Msgf("session.Client system_state mode=%s suppressed by pending change", st.Mode)
	}
	c.mirrorUpdated(protocol.TypeSystemState, res)
	return nil
}

func (c *Client) onModeChanged(raw []byte) error {
	msg, err := protocol.DecodeModeChanged(raw)
	if err != nil {
		return err
	}
	c.mirrorUpdated(protocol.TypeModeChanged, c.mirror.ApplyModeChanged(msg.NewMode))
	return nil
}

func (c *Client) onFeedUpdate(raw []byte) error {
	u, err := protocol.DecodeFeedUpdate(raw)
	if err != nil {
		return err
	}
	if len(u.Feed.Ignored) > 0 {
		c.logger.Debug().Msgf("session.Client feed ignored keys=%v", u.Feed.Ignored)
	}
	c.mirrorUpdated(protocol.TypeFeedDataUpdate, c.mirror.ApplyFeedUpdate(u))
	return nil
}

func (c *Client) onActuatorUpdate(raw []byte) error {
	u, err := protocol.DecodeActuatorUpdate(raw)
	if err != nil {
		return err
	}
	c.mirrorUpdated(protocol.TypeMotorUpdate, c.mirror.ApplyActuatorUpdate(u.ID, u.Patch))
	return nil
}

func (c *Client) onCommandExecuted(raw []byte) error {
	cmd, err := protocol.DecodeCommandExecuted(raw)
	if err != nil {
		return err
	}
	c.logger.Debug().Msgf("session.Client command executed motor=%s direction=%s", cmd.MotorName, cmd.Direction)
	return nil
}

func (c *Client) onEmergencyStopped(raw []byte) error {
	n, err := protocol.DecodeNotice(protocol.TypeEmergencyStopped, raw)
	if err != nil {
		return err
	}
	c.mirrorUpdated(protocol.TypeEmergencyStopped, c.mirror.ApplyEmergencyStop())
	c.notify(NoticeEmergencyStop, nil, n.Message)
	return nil
}

func (c *Client) onRemoteError(raw []byte) error {
	n, err := protocol.DecodeNotice(protocol.TypeError, raw)
	if err != nil {
		return err
	}
	c.notify(NoticeRemoteError, nil, n.Message)
	return nil
}

func (c *Client) onPong(raw []byte) error {
	p, err := protocol.DecodePong(raw)
	if err != nil {
		return err
	}
	if ts := protocol.SecondsToTime(p.Timestamp); !ts.IsZero() {
		c.logger.Debug().Msgf("session.Client pong rtt=%s", c.now().Sub(ts))
	}
	return nil
}

func (c *Client) onSystemStatus(raw []byte) error {
	st, err := protocol.DecodeSystemStatus(raw)
	if err != nil {
		return err
	}
	c.logger.Debug().Msgf("session.Client system_status health=%s sessions=%d clients=%d",
		st.Health.Status, st.Health.ActiveSessions, st.Health.ConnectedClients)
	c.mirrorUpdated(protocol.TypeSystemStatus, c.mirror.ApplySystemStatus(st))
	return nil
}

func (c *Client) onSessionsList(raw []byte) error {
	list, err := protocol.DecodeSessionsList(raw)
	if err != nil {
		return err
	}
	c.mirrorUpdated(protocol.TypeSessionsList, c.mirror.ApplySessionsList(list))
	return nil
}

func (c *Client) onEventsSubscribed(raw []byte) error {
	ack, err := protocol.DecodeEventsSubscribed(raw)
	if err != nil {
		return err
	}
	c.logger.Debug().Msgf("session.Client events subscribed events=%v", ack.Events)
	return nil
}

func (c *Client) sessionEventHandler(msgType string) handler {
	return func(raw []byte) error {
		ev, err := protocol.DecodeSessionEvent(msgType, raw)
		if err != nil {
			return err
		}
		c.logger.Debug().Msgf("session.Client %s session=%s actor=%s", msgType, ev.SessionID, ev.Actor)
		c.mirrorUpdated(msgType, c.mirror.ApplySessionEvent(ev))
		return nil
	}
}
