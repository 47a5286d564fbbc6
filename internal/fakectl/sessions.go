package fakectl

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/google/uuid"
)

type drawing struct {
	id           string
	name         string
	sessionType  string
	status       string
	createdBy    string
	participants []string
}

func (d *drawing) wire() map[string]any {
	return map[string]any{
		"session_id":   d.id,
		"name":         d.name,
		"session_type": d.sessionType,
		"status":       d.status,
		"created_by":   d.createdBy,
		"participants": append([]string(nil), d.participants...),
	}
}

type serviceStats struct {
	connections   int
	sessions      int
	motorCommands int
	peakClients   int
	errors        int
}

func (s *Service) handleSystemStatus(p *peer) {
	s.mu.Lock()
	now := s.now()
	active := 0
	for _, d := range s.sessions {
		if d.status == "active" {
			active++
		}
	}
	status := "healthy"
	if s.emergency {
		status = "degraded"
	}
	msg := map[string]any{
		"type": protocol.TypeSystemStatus,
		"health": map[string]any{
			"status":                status,
			"services":              map[string]string{"motor_controller": "running", "websocket": "running"},
			"active_sessions":       active,
			"connected_clients":     len(s.peers),
			"uptime_seconds":        now.Sub(s.started).Seconds(),
			"error_rate_per_minute": 0.0,
			"last_updated":          protocol.TimeToSeconds(now),
		},
		"stats": map[string]any{
			"total_connections":       s.stats.connections,
			"total_sessions":          s.stats.sessions,
			"total_motor_commands":    s.stats.motorCommands,
			"peak_concurrent_clients": s.stats.peakClients,
			"errors_last_hour":        s.stats.errors,
		},
		"timestamp": protocol.TimeToSeconds(now),
	}
	s.mu.Unlock()
	s.send(p, msg)
}

func (s *Service) handleGetSessions(p *peer) {
	s.mu.Lock()
	list := make([]map[string]any, 0, len(s.sessions))
	for _, d := range s.sessions {
		list = append(list, d.wire())
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i]["session_id"].(string) < list[j]["session_id"].(string)
	})
	s.send(p, map[string]any{"type": protocol.TypeSessionsList, "sessions": list})
}

func (s *Service) handleCreateSession(p *peer, msg inbound) {
	sessionType := strings.TrimSpace(msg.SessionType)
	if sessionType == "" {
		sessionType = "manual"
	}
	d := &drawing{
		id:          uuid.NewString(),
		name:        strings.TrimSpace(msg.Name),
		sessionType: sessionType,
		status:      "created",
		createdBy:   p.id,
	}
	if d.name == "" {
		d.name = fmt.Sprintf("Session %s", d.id[:8])
	}
	s.mu.Lock()
	s.sessions[d.id] = d
	s.stats.sessions++
	wire := d.wire()
	s.mu.Unlock()
	s.logger.Info().Msgf("fakectl.Service session created id=%s type=%s by=%s", d.id, sessionType, p.id)
	s.broadcast(map[string]any{
		"type":      protocol.TypeSessionCreated,
		"session":   wire,
		"timestamp": protocol.TimeToSeconds(s.now()),
	})
}

func (s *Service) handleStartSession(p *peer, msg inbound) {
	d, ok := s.lookupSession(p, msg)
	if !ok {
		return
	}
	s.mu.Lock()
	d.status = "active"
	s.mu.Unlock()
	s.logger.Info().Msgf("fakectl.Service session started id=%s by=%s", d.id, p.id)
	s.broadcast(map[string]any{
		"type":       protocol.TypeSessionStarted,
		"session_id": d.id,
		"started_by": p.id,
		"timestamp":  protocol.TimeToSeconds(s.now()),
	})
}

// handleStopSession ends the session; stopped is followed by completed.
func (s *Service) handleStopSession(p *peer, msg inbound) {
	d, ok := s.lookupSession(p, msg)
	if !ok {
		return
	}
	s.mu.Lock()
	d.status = "completed"
	delete(s.sessions, d.id)
	wire := d.wire()
	s.mu.Unlock()
	now := protocol.TimeToSeconds(s.now())
	s.logger.Info().Msgf("fakectl.Service session stopped id=%s by=%s", d.id, p.id)
	s.broadcast(map[string]any{
		"type":       protocol.TypeSessionStopped,
		"session_id": d.id,
		"stopped_by": p.id,
		"timestamp":  now,
	})
	s.broadcast(map[string]any{
		"type":       protocol.TypeSessionCompleted,
		"session_id": d.id,
		"session":    wire,
		"timestamp":  now,
	})
}

func (s *Service) handleJoinSession(p *peer, msg inbound) {
	d, ok := s.lookupSession(p, msg)
	if !ok {
		return
	}
	s.mu.Lock()
	if !slices.Contains(d.participants, p.id) {
		d.participants = append(d.participants, p.id)
	}
	clientType := p.clientType
	wire := d.wire()
	s.mu.Unlock()
	now := protocol.TimeToSeconds(s.now())
	s.send(p, map[string]any{
		"type":       protocol.TypeSessionJoined,
		"session_id": d.id,
		"session":    wire,
		"timestamp":  now,
	})
	s.broadcast(map[string]any{
		"type":        protocol.TypeClientJoined,
		"session_id":  d.id,
		"client_id":   p.id,
		"client_type": clientType,
		"timestamp":   now,
	})
}

func (s *Service) lookupSession(p *peer, msg inbound) (*drawing, bool) {
	id := strings.TrimSpace(msg.SessionID)
	if id == "" {
		s.sendError(p, "Missing session_id")
		return nil, false
	}
	s.mu.Lock()
	d, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		s.sendError(p, fmt.Sprintf("Session not found: %s", id))
	}
	return d, ok
}
