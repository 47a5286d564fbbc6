package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Health is the controller's self-reported health block.
type Health struct {
	Status           string
	Services         map[string]string
	ActiveSessions   int
	ConnectedClients int
	Uptime           time.Duration
	MemoryMB         float64
	ErrorRate        float64
	LastUpdated      time.Time
}

// SystemStatus answers get_system_status. Stats keeps numeric counters only.
type SystemStatus struct {
	Health Health
	Stats  map[string]float64
	At     time.Time
}

func DecodeSystemStatus(raw []byte) (SystemStatus, error) {
	var wire struct {
		Health *struct {
			Status           string            `json:"status"`
			Services         map[string]string `json:"services"`
			ActiveSessions   int               `json:"active_sessions"`
			ConnectedClients int               `json:"connected_clients"`
			UptimeSeconds    float64           `json:"uptime_seconds"`
			MemoryUsageMB    float64           `json:"memory_usage_mb"`
			ErrorRate        float64           `json:"error_rate_per_minute"`
			LastUpdated      float64           `json:"last_updated"`
		} `json:"health"`
		Stats     map[string]json.RawMessage `json:"stats"`
		Timestamp float64                    `json:"timestamp"`
	}
	if err := unmarshalPayload(TypeSystemStatus, raw, &wire); err != nil {
		return SystemStatus{}, err
	}
	if wire.Health == nil {
		return SystemStatus{}, fmt.Errorf("%w: %s: %w: health", ErrDecode, TypeSystemStatus, ErrMissingField)
	}
	h := wire.Health
	out := SystemStatus{
		Health: Health{
			Status:           strings.ToLower(strings.TrimSpace(h.Status)),
			Services:         h.Services,
			ActiveSessions:   h.ActiveSessions,
			ConnectedClients: h.ConnectedClients,
			Uptime:           time.Duration(h.UptimeSeconds * float64(time.Second)),
			MemoryMB:         h.MemoryUsageMB,
			ErrorRate:        h.ErrorRate,
			LastUpdated:      SecondsToTime(h.LastUpdated),
		},
		At: SecondsToTime(wire.Timestamp),
	}
	if len(wire.Stats) > 0 {
		out.Stats = make(map[string]float64, len(wire.Stats))
		for key, value := range wire.Stats {
			if v, ok := decodeFloat(value); ok {
				out.Stats[key] = *v
			}
		}
	}
	return out, nil
}

// SessionEvent is one drawing-session lifecycle broadcast. Actor is the client
// that joined, started or stopped the session, when the controller names one.
type SessionEvent struct {
	Type       string
	SessionID  string
	Status     string
	Actor      string
	ClientType string
	At         time.Time
}

type wireSessionRef struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Metadata  *struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	} `json:"metadata"`
}

func (w wireSessionRef) id() string {
	if id := strings.TrimSpace(w.SessionID); id != "" {
		return id
	}
	if w.Metadata != nil {
		return strings.TrimSpace(w.Metadata.SessionID)
	}
	return ""
}

func (w wireSessionRef) status() string {
	if st := strings.TrimSpace(w.Status); st != "" {
		return strings.ToLower(st)
	}
	if w.Metadata != nil {
		return strings.ToLower(strings.TrimSpace(w.Metadata.Status))
	}
	return ""
}

// IsSessionEvent reports whether msgType is a drawing-session broadcast.
func IsSessionEvent(msgType string) bool {
	switch msgType {
	case TypeSessionCreated, TypeSessionStarted, TypeSessionStopped,
		TypeSessionCompleted, TypeSessionJoined, TypeClientJoined:
		return true
	}
	return false
}

// DecodeSessionEvent reads the session id from session_id or from a nested
// session object, whichever the controller sent.
func DecodeSessionEvent(msgType string, raw []byte) (SessionEvent, error) {
	var wire struct {
		SessionID  string          `json:"session_id"`
		Session    *wireSessionRef `json:"session"`
		ClientID   string          `json:"client_id"`
		StartedBy  string          `json:"started_by"`
		StoppedBy  string          `json:"stopped_by"`
		ClientType string          `json:"client_type"`
		Timestamp  float64         `json:"timestamp"`
	}
	if err := unmarshalPayload(msgType, raw, &wire); err != nil {
		return SessionEvent{}, err
	}
	ev := SessionEvent{
		Type:       msgType,
		SessionID:  strings.TrimSpace(wire.SessionID),
		ClientType: strings.TrimSpace(wire.ClientType),
		At:         SecondsToTime(wire.Timestamp),
	}
	if wire.Session != nil {
		if ev.SessionID == "" {
			ev.SessionID = wire.Session.id()
		}
		ev.Status = wire.Session.status()
	}
	if ev.SessionID == "" {
		return SessionEvent{}, fmt.Errorf("%w: %s: %w: session_id", ErrDecode, msgType, ErrMissingField)
	}
	for _, actor := range []string{wire.ClientID, wire.StartedBy, wire.StoppedBy} {
		if actor = strings.TrimSpace(actor); actor != "" {
			ev.Actor = actor
			break
		}
	}
	return ev, nil
}

// SessionSummary is one entry of sessions_list.
type SessionSummary struct {
	ID     string
	Status string
}

// DecodeSessionsList skips entries without an id.
func DecodeSessionsList(raw []byte) ([]SessionSummary, error) {
	var wire struct {
		Sessions []wireSessionRef `json:"sessions"`
	}
	if err := unmarshalPayload(TypeSessionsList, raw, &wire); err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(wire.Sessions))
	for _, s := range wire.Sessions {
		id := s.id()
		if id == "" {
			continue
		}
		out = append(out, SessionSummary{ID: id, Status: s.status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EventsSubscribed acknowledges subscribe_events.
type EventsSubscribed struct {
	Events []string `json:"events"`
}

func DecodeEventsSubscribed(raw []byte) (EventsSubscribed, error) {
	var out EventsSubscribed
	if err := unmarshalPayload(TypeEventsSubscribed, raw, &out); err != nil {
		return EventsSubscribed{}, err
	}
	return out, nil
}
