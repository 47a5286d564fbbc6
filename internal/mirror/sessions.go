package mirror

import (
	"slices"
	"time"

	"github.com/danmuck/rigsync/internal/protocol"
)

// SessionPhase is the client-side view of a drawing session's lifecycle.
type SessionPhase string

const (
	PhaseCreated SessionPhase = "created"
	PhaseActive  SessionPhase = "active"
	PhasePaused  SessionPhase = "paused"
)

// DrawingSession is one open drawing session. Stopped and completed sessions
// are dropped from the mirror.
type DrawingSession struct {
	ID           string
	Phase        SessionPhase
	Participants []string
	UpdatedAt    time.Time
}

// Status is the last system_status reply.
type Status struct {
	Health     protocol.Health
	Stats      map[string]float64
	ReceivedAt time.Time
}

// ApplySystemStatus replaces the health snapshot.
func (m *Mirror) ApplySystemStatus(st protocol.SystemStatus) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = &Status{Health: st.Health, Stats: st.Stats, ReceivedAt: m.now()}
	m.revision++
	return MergeResult{Revision: m.revision}
}

// ApplySessionEvent folds one session lifecycle broadcast into the session set.
func (m *Mirror) ApplySessionEvent(ev protocol.SessionEvent) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	switch ev.Type {
	case protocol.TypeSessionStopped, protocol.TypeSessionCompleted:
		delete(m.sessions, ev.SessionID)
		if m.joinedSession == ev.SessionID {
			m.joinedSession = ""
		}
	case protocol.TypeSessionStarted:
		s := m.session(ev.SessionID)
		s.Phase = PhaseActive
		s.UpdatedAt = now
	case protocol.TypeSessionJoined:
		s := m.session(ev.SessionID)
		s.UpdatedAt = now
		m.joinedSession = ev.SessionID
	case protocol.TypeClientJoined:
		s := m.session(ev.SessionID)
		if ev.Actor != "" && !slices.Contains(s.Participants, ev.Actor) {
			s.Participants = append(s.Participants, ev.Actor)
		}
		s.UpdatedAt = now
	default:
		s := m.session(ev.SessionID)
		if phase, ok := phaseOf(ev.Status); ok {
			s.Phase = phase
		}
		s.UpdatedAt = now
	}
	m.revision++
	return MergeResult{Revision: m.revision}
}

// ApplySessionsList replaces the session set with a sessions_list reply.
// Participants already known for a listed session are kept.
func (m *Mirror) ApplySessionsList(list []protocol.SessionSummary) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	next := make(map[string]*DrawingSession, len(list))
	for _, item := range list {
		phase, ok := phaseOf(item.Status)
		if !ok && item.Status != "" {
			continue
		}
		s := &DrawingSession{ID: item.ID, Phase: PhaseCreated}
		if prev, found := m.sessions[item.ID]; found {
			s.Participants = prev.Participants
			s.Phase = prev.Phase
		}
		if ok {
			s.Phase = phase
		}
		s.UpdatedAt = now
		next[item.ID] = s
	}
	m.sessions = next
	if _, ok := next[m.joinedSession]; !ok {
		m.joinedSession = ""
	}
	m.revision++
	return MergeResult{Revision: m.revision}
}

// session returns the tracked session for id, creating it when unknown. Caller holds mu.
func (m *Mirror) session(id string) *DrawingSession {
	s, ok := m.sessions[id]
	if !ok {
		s = &DrawingSession{ID: id, Phase: PhaseCreated}
		m.sessions[id] = s
	}
	return s
}

// phaseOf maps controller session statuses onto open phases. Terminal
// statuses report false.
func phaseOf(status string) (SessionPhase, bool) {
	switch status {
	case "created", "initializing":
		return PhaseCreated, true
	case "active":
		return PhaseActive, true
	case "paused":
		return PhasePaused, true
	}
	return "", false
}
