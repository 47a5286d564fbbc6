package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/rigsync/internal/rig"
)

// Outbound is any client->controller message.
type Outbound interface {
	MessageType() string
}

type Authenticate struct {
	Type       string         `json:"type"`
	ClientType string         `json:"client_type"`
	UserInfo   map[string]any `json:"user_info"`
	APIKey     string         `json:"api_key"`
}

func NewAuthenticate(clientType, apiKey string) Authenticate {
	return Authenticate{
		Type:       TypeAuthenticate,
		ClientType: clientType,
		UserInfo:   map[string]any{},
		APIKey:     apiKey,
	}
}

func (m Authenticate) MessageType() string { return m.Type }

type MotorCommand struct {
	Type        string  `json:"type"`
	MotorName   string  `json:"motor_name"`
	VelocityRPM float64 `json:"velocity_rpm"`
	Direction   string  `json:"direction"`
}

// NewMotorCommand builds a command from magnitude and sense. A negative speed
// is folded into the sense so the wire always carries a magnitude.
func NewMotorCommand(id rig.ActuatorID, speed float64, sense rig.Sense) MotorCommand {
	mag, s := rig.NormalizeWithSense(speed, sense)
	return MotorCommand{
		Type:        TypeMotorCommand,
		MotorName:   string(id),
		VelocityRPM: mag,
		Direction:   s.Wire(),
	}
}

func (m MotorCommand) MessageType() string { return m.Type }

type ModeChange struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

func NewModeChange(mode rig.Mode) ModeChange {
	return ModeChange{Type: TypeModeChange, Mode: string(mode)}
}

func (m ModeChange) MessageType() string { return m.Type }

type EmergencyStop struct {
	Type string `json:"type"`
}

func NewEmergencyStop() EmergencyStop {
	return EmergencyStop{Type: TypeEmergencyStop}
}

func (m EmergencyStop) MessageType() string { return m.Type }

type Ping struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func NewPing(at time.Time) Ping {
	return Ping{Type: TypePing, Timestamp: TimeToSeconds(at)}
}

func (m Ping) MessageType() string { return m.Type }

// StateSyncRequest asks the controller to resend the last known actuator states.
type StateSyncRequest struct {
	Type string `json:"type"`
}

func NewStateSyncRequest() StateSyncRequest {
	return StateSyncRequest{Type: TypeGetLastMotorStates}
}

func (m StateSyncRequest) MessageType() string { return m.Type }

// Encode marshals msg into one text frame.
func Encode(msg Outbound) ([]byte, error) {
	if msg == nil || strings.TrimSpace(msg.MessageType()) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, msg.MessageType(), err)
	}
	return payload, nil
}

// Request is a bare request carrying only its type: get_system_status,
// get_sessions and subscribe_events.
type Request struct {
	Type string `json:"type"`
}

func NewSystemStatusRequest() Request { return Request{Type: TypeGetSystemStatus} }

func NewSessionsRequest() Request { return Request{Type: TypeGetSessions} }

func NewSubscribeEvents() Request { return Request{Type: TypeSubscribeEvents} }

func (m Request) MessageType() string { return m.Type }

// CreateSession asks the controller to open a drawing session. SessionType is
// a mode name; empty lets the controller pick manual.
type CreateSession struct {
	Type        string `json:"type"`
	SessionType string `json:"session_type,omitempty"`
	Name        string `json:"name,omitempty"`
}

func NewCreateSession(sessionType rig.Mode, name string) CreateSession {
	return CreateSession{Type: TypeCreateSession, SessionType: string(sessionType), Name: strings.TrimSpace(name)}
}

func (m CreateSession) MessageType() string { return m.Type }

// SessionAction is start_session, stop_session or join_session.
type SessionAction struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func NewSessionAction(msgType, sessionID string) SessionAction {
	return SessionAction{Type: msgType, SessionID: strings.TrimSpace(sessionID)}
}

func (m SessionAction) MessageType() string { return m.Type }
