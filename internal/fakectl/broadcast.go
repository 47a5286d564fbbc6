package fakectl

import (
	"encoding/json"

	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
)

// FeedCommand is one actuator setting pushed alongside a feed update.
type FeedCommand struct {
	Speed float64
	Sense rig.Sense
}

// BroadcastState pushes a full system_state to every client.
func (s *Service) BroadcastState() {
	s.broadcast(s.systemStateMessage())
}

// SetMode changes the controller mode without echoing mode_changed. Clients
// learn it from the next system_state.
func (s *Service) SetMode(mode rig.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// BroadcastFeed pushes a combined feed and actuator update. Commanded
// actuators are recorded as the controller's new state.
func (s *Service) BroadcastFeed(feed map[string]any, commands map[rig.ActuatorID]FeedCommand) {
	wire := make(map[string]any, len(commands))
	s.mu.Lock()
	now := s.now()
	for id, cmd := range commands {
		speed, sense := rig.NormalizeWithSense(cmd.Speed, cmd.Sense)
		speed = s.limits.Clamp(id, speed)
		s.actuators[id] = rig.ActuatorState{Speed: speed, Sense: sense, LastUpdate: now, Enabled: true}
		wire[string(id)] = map[string]any{"velocity_rpm": speed, "direction": sense.Wire()}
	}
	s.mu.Unlock()
	msg := map[string]any{
		"type":            protocol.TypeFeedDataUpdate,
		"blockchain_data": feed,
		"timestamp":       protocol.TimeToSeconds(now),
	}
	if len(wire) > 0 {
		msg["motor_commands"] = wire
	}
	s.broadcast(msg)
}

// BroadcastError sends a free-text error to every client.
func (s *Service) BroadcastError(message string) {
	s.broadcast(map[string]any{"type": protocol.TypeError, "message": message})
}

func (s *Service) systemStateMessage() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]any, len(s.actuators))
	for id, st := range s.actuators {
		states[string(id)] = wireState(st)
	}
	limits := make(map[string]float64, len(s.limits))
	for id, v := range s.limits {
		limits[rig.LimitKey(id)] = v
	}
	return map[string]any{
		"type":              protocol.TypeSystemState,
		"mode":              string(s.mode),
		"emergency_stopped": s.emergency,
		"motor_states":      states,
		"safety_limits":     limits,
	}
}

func (s *Service) broadcast(msg map[string]any) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.send(p, msg)
	}
}

func (s *Service) sendError(p *peer, message string) {
	s.mu.Lock()
	s.stats.errors++
	s.mu.Unlock()
	s.send(p, map[string]any{
		"type":      protocol.TypeError,
		"message":   message,
		"timestamp": protocol.TimeToSeconds(s.now()),
	})
}

func (s *Service) send(p *peer, msg map[string]any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Msgf("fakectl.Service encode type=%v err=%v", msg["type"], err)
		return
	}
	if err := p.conn.WriteFrame(payload); err != nil {
		s.logger.Debug().Msgf("fakectl.Service send failed id=%s err=%v", p.id, err)
	}
}
