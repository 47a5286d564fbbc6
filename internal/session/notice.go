package session

import (
	"errors"
	"time"
)

var (
	ErrNotConnected           = errors.New("session: not connected")
	ErrAuthenticationRejected = errors.New("session: authentication rejected")
	ErrTransport              = errors.New("session: transport lost")
	ErrHandshakeTimeout       = errors.New("session: handshake timeout")
	ErrSessionIDRequired      = errors.New("session: session id required")
	ErrReconnectExhausted     = errors.New("session: reconnect attempts exhausted")
	ErrClosed                 = errors.New("session: client closed")
	ErrDialerRequired         = errors.New("session: dialer required")
)

// NoticeKind classifies caller-visible diagnostics.
type NoticeKind int

const (
	NoticeTransport NoticeKind = iota
	NoticeDecode
	NoticeAuthRejected
	NoticeRestricted
	NoticeNotConnected
	NoticeRemoteError
	NoticeEmergencyStop
	NoticeReconnectExhausted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeTransport:
		return "transport"
	case NoticeDecode:
		return "decode"
	case NoticeAuthRejected:
		return "auth_rejected"
	case NoticeRestricted:
		return "restricted"
	case NoticeNotConnected:
		return "not_connected"
	case NoticeRemoteError:
		return "remote_error"
	case NoticeEmergencyStop:
		return "emergency_stop"
	case NoticeReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

// Notice is a non-fatal event surfaced to the caller.
type Notice struct {
	Kind    NoticeKind
	Err     error
	Message string
	At      time.Time
}
