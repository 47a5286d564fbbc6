package fakectl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
)

type inbound struct {
	Type        string   `json:"type"`
	ClientType  string   `json:"client_type"`
	APIKey      string   `json:"api_key"`
	MotorName   string   `json:"motor_name"`
	VelocityRPM *float64 `json:"velocity_rpm"`
	Direction   string   `json:"direction"`
	Mode        string   `json:"mode"`
	SessionID   string   `json:"session_id"`
	SessionType string   `json:"session_type"`
	Name        string   `json:"name"`
}

func (s *Service) handle(p *peer, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(p, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	s.logger.Debug().Msgf("fakectl.Service received type=%s id=%s", msg.Type, p.id)
	switch msg.Type {
	case protocol.TypeAuthenticate:
		s.handleAuthenticate(p, msg)
	case protocol.TypeMotorCommand:
		if s.allowed(p) {
			s.handleMotorCommand(p, msg)
		}
	case protocol.TypeModeChange:
		if s.allowed(p) {
			s.handleModeChange(p, msg)
		}
	case protocol.TypeEmergencyStop:
		s.handleEmergencyStop(p)
	case protocol.TypeGetLastMotorStates:
		s.handleLastStates(p)
	case protocol.TypeGetSystemStatus:
		s.handleSystemStatus(p)
	case protocol.TypeGetSessions:
		s.handleGetSessions(p)
	case protocol.TypeSubscribeEvents:
		s.send(p, map[string]any{"type": protocol.TypeEventsSubscribed, "events": []string{"all"}})
	case protocol.TypeCreateSession:
		if s.allowed(p) {
			s.handleCreateSession(p, msg)
		}
	case protocol.TypeStartSession:
		if s.allowed(p) {
			s.handleStartSession(p, msg)
		}
	case protocol.TypeStopSession:
		if s.allowed(p) {
			s.handleStopSession(p, msg)
		}
	case protocol.TypeJoinSession:
		s.handleJoinSession(p, msg)
	case protocol.TypePing:
		s.send(p, map[string]any{"type": protocol.TypePong, "timestamp": protocol.TimeToSeconds(s.now())})
	default:
		s.sendError(p, fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func (s *Service) allowed(p *peer) bool {
	if !s.cfg.EnforceAccess {
		return true
	}
	s.mu.Lock()
	ok := p.apiAccess
	s.mu.Unlock()
	if !ok {
		s.sendError(p, "API access required")
	}
	return ok
}

func (s *Service) handleAuthenticate(p *peer, msg inbound) {
	clientType := strings.TrimSpace(msg.ClientType)
	if clientType == "" {
		clientType = protocol.ClientTypeControl
	}
	grant, err := s.policy.Authorize(clientType, msg.APIKey)
	if err != nil {
		s.logger.Warn().Msgf("fakectl.Service authentication failed id=%s err=%v", p.id, err)
		s.send(p, map[string]any{
			"type":      protocol.TypeAuthenticationFailed,
			"client_id": p.id,
			"message":   "Invalid API key - access denied",
		})
		return
	}
	s.mu.Lock()
	p.clientType = clientType
	p.apiAccess = grant.APIAccess
	s.mu.Unlock()
	s.send(p, map[string]any{
		"type":        protocol.TypeAuthenticated,
		"client_id":   p.id,
		"server_time": protocol.TimeToSeconds(s.now()),
		"api_access":  grant.APIAccess,
		"message":     grant.Message,
	})
	s.send(p, s.systemStateMessage())
	s.logger.Info().Msgf("fakectl.Service authenticated id=%s type=%s api_access=%t", p.id, clientType, grant.APIAccess)
}

func (s *Service) handleMotorCommand(p *peer, msg inbound) {
	id := rig.ActuatorID(strings.TrimSpace(msg.MotorName))
	if id == "" {
		s.sendError(p, "Missing motor_name")
		return
	}
	speed := 0.0
	if msg.VelocityRPM != nil {
		speed = *msg.VelocityRPM
	}
	sense := rig.Forward
	if msg.Direction != "" {
		parsed, err := rig.ParseSense(msg.Direction)
		if err != nil {
			s.sendError(p, fmt.Sprintf("Failed to execute motor command: %v", err))
			return
		}
		sense = parsed
	}

	s.mu.Lock()
	speed, sense = rig.NormalizeWithSense(speed, sense)
	speed = s.limits.Clamp(id, speed)
	st := rig.ActuatorState{Speed: speed, Sense: sense, LastUpdate: s.now(), Enabled: true}
	s.actuators[id] = st
	s.stats.motorCommands++
	s.mu.Unlock()

	s.send(p, map[string]any{
		"type": protocol.TypeMotorCommandExecuted,
		"command": map[string]any{
			"client_id":    p.id,
			"motor_name":   string(id),
			"velocity_rpm": speed,
			"direction":    sense.Wire(),
			"source":       "manual",
		},
		"timestamp": protocol.TimeToSeconds(s.now()),
	})
	s.broadcast(actuatorUpdateMessage(id, st))
}

func (s *Service) handleModeChange(p *peer, msg inbound) {
	mode := rig.ParseMode(msg.Mode)
	if mode == "" {
		s.sendError(p, "Missing mode parameter")
		return
	}
	s.mu.Lock()
	old := s.mode
	s.mode = mode
	if mode == rig.ModeManual {
		s.emergency = false
	}
	s.mu.Unlock()
	s.logger.Info().Msgf("fakectl.Service mode %s -> %s by=%s", old, mode, p.id)
	s.broadcast(map[string]any{
		"type":       protocol.TypeModeChanged,
		"new_mode":   string(mode),
		"old_mode":   string(old),
		"changed_by": p.id,
		"timestamp":  protocol.TimeToSeconds(s.now()),
	})
}

func (s *Service) handleEmergencyStop(p *peer) {
	s.mu.Lock()
	now := s.now()
	for id := range s.actuators {
		s.actuators[id] = rig.ActuatorState{Sense: rig.Forward, LastUpdate: now}
	}
	s.emergency = true
	s.mu.Unlock()
	s.logger.Warn().Msgf("fakectl.Service emergency stop by=%s", p.id)
	s.broadcast(map[string]any{
		"type":         protocol.TypeEmergencyStopped,
		"initiated_by": p.id,
		"message":      "Emergency stop activated",
		"timestamp":    protocol.TimeToSeconds(now),
	})
}

func (s *Service) handleLastStates(p *peer) {
	s.mu.Lock()
	ids := make([]rig.ActuatorID, 0, len(s.actuators))
	states := make(map[rig.ActuatorID]rig.ActuatorState, len(s.actuators))
	for id, st := range s.actuators {
		ids = append(ids, id)
		states[id] = st
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.send(p, actuatorUpdateMessage(id, states[id]))
	}
}

func actuatorUpdateMessage(id rig.ActuatorID, st rig.ActuatorState) map[string]any {
	return map[string]any{
		"type":       protocol.TypeMotorUpdate,
		"motor_name": string(id),
		"state":      wireState(st),
	}
}

func wireState(st rig.ActuatorState) map[string]any {
	return map[string]any{
		"velocity_rpm": st.Speed,
		"direction":    st.Sense.Wire(),
		"last_update":  protocol.TimeToSeconds(st.LastUpdate),
		"is_enabled":   st.Enabled,
	}
}
