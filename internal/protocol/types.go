package protocol

import (
	"math"
	"time"
)

// Inbound discriminators (controller -> client).
const (
	TypeAuthenticated        = "authenticated"
	TypeAuthenticationFailed = "authentication_failed"
	TypeSystemState          = "system_state"
	TypeModeChanged          = "mode_changed"
	TypeFeedData             = "blockchain_data"
	TypeFeedDataUpdate       = "blockchain_data_update"
	TypeMotorStateUpdate     = "motor_state_update"
	TypeMotorUpdate          = "motor_update"
	TypeMotorCommandExecuted = "motor_command_executed"
	TypeEmergencyStopped     = "emergency_stop"
	TypeError                = "error"
	TypePong                 = "pong"
	TypeSystemStatus         = "system_status"
	TypeSessionsList         = "sessions_list"
	TypeEventsSubscribed     = "events_subscribed"
	TypeSessionCreated       = "session_created"
	TypeSessionStarted       = "session_started"
	TypeSessionStopped       = "session_stopped"
	TypeSessionCompleted     = "session_completed"
	TypeSessionJoined        = "session_joined"
	TypeClientJoined         = "client_joined"
)

// Outbound discriminators (client -> controller).
const (
	TypeAuthenticate       = "authenticate"
	TypeMotorCommand       = "motor_command"
	TypeModeChange         = "mode_change"
	TypeEmergencyStop      = "emergency_stop"
	TypePing               = "ping"
	TypeGetLastMotorStates = "get_last_motor_states"
	TypeGetSystemStatus    = "get_system_status"
	TypeGetSessions        = "get_sessions"
	TypeSubscribeEvents    = "subscribe_events"
	TypeCreateSession      = "create_session"
	TypeStartSession       = "start_session"
	TypeStopSession        = "stop_session"
	TypeJoinSession        = "join_session"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 1 << 20

// Client role tags sent in the handshake.
const (
	ClientTypeControl  = "web_ui"
	ClientTypeObserver = "visitor"
)

// Envelope is a decoded frame before payload routing.
type Envelope struct {
	Type string
	Raw  []byte
}

// SecondsToTime converts controller float seconds into a time.
func SecondsToTime(sec float64) time.Time {
	if sec <= 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// TimeToSeconds converts t into controller float seconds.
func TimeToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
