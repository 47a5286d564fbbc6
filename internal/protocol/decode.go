package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/rigsync/internal/rig"
	"github.com/rs/zerolog/log"
)

// DecodeEnvelope parses one frame and extracts its discriminator.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: %w: %d bytes", ErrDecode, ErrFrameTooLarge, len(data))
	}
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if head.Type == nil || strings.TrimSpace(*head.Type) == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecode, ErrMissingType)
	}
	return Envelope{Type: strings.TrimSpace(*head.Type), Raw: data}, nil
}

// ActuatorPatch is a partial actuator state. Nil fields are absent on the wire.
// Speed is carried signed as received; the mirror normalizes it.
type ActuatorPatch struct {
	Speed      *float64
	Sense      *rig.Sense
	LastUpdate *time.Time
	Enabled    *bool
}

// Empty reports whether the patch carries no field at all.
func (p ActuatorPatch) Empty() bool {
	return p.Speed == nil && p.Sense == nil && p.LastUpdate == nil && p.Enabled == nil
}

type wirePatch struct {
	VelocityRPM *float64 `json:"velocity_rpm"`
	Direction   *string  `json:"direction"`
	LastUpdate  *float64 `json:"last_update"`
	IsEnabled   *bool    `json:"is_enabled"`
}

func (w wirePatch) patch(scope string) ActuatorPatch {
	p := ActuatorPatch{Speed: w.VelocityRPM, Enabled: w.IsEnabled}
	if w.Direction != nil {
		sense, err := rig.ParseSense(*w.Direction)
		if err != nil {
			log.Warn().Msgf("protocol.decode %s ignoring direction err=%v", scope, err)
		} else {
			p.Sense = &sense
		}
	}
	if w.LastUpdate != nil {
		ts := SecondsToTime(*w.LastUpdate)
		if !ts.IsZero() {
			p.LastUpdate = &ts
		}
	}
	return p
}

type Authenticated struct {
	APIAccess bool   `json:"api_access"`
	ClientID  string `json:"client_id"`
	Message   string `json:"message"`
}

func DecodeAuthenticated(raw []byte) (Authenticated, error) {
	var out Authenticated
	if err := unmarshalPayload(TypeAuthenticated, raw, &out); err != nil {
		return Authenticated{}, err
	}
	return out, nil
}

type AuthenticationFailed struct {
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

func DecodeAuthenticationFailed(raw []byte) (AuthenticationFailed, error) {
	var out AuthenticationFailed
	if err := unmarshalPayload(TypeAuthenticationFailed, raw, &out); err != nil {
		return AuthenticationFailed{}, err
	}
	return out, nil
}

// SystemState is the controller's periodic full-state broadcast.
type SystemState struct {
	Mode             rig.Mode
	Actuators        map[rig.ActuatorID]ActuatorPatch
	EmergencyStopped *bool
	Limits           rig.Limits
}

func DecodeSystemState(raw []byte) (SystemState, error) {
	var wire struct {
		Mode             string               `json:"mode"`
		MotorStates      map[string]wirePatch `json:"motor_states"`
		EmergencyStopped *bool                `json:"emergency_stopped"`
		SafetyLimits     map[string]float64   `json:"safety_limits"`
	}
	if err := unmarshalPayload(TypeSystemState, raw, &wire); err != nil {
		return SystemState{}, err
	}
	out := SystemState{
		Mode:             rig.ParseMode(wire.Mode),
		Actuators:        make(map[rig.ActuatorID]ActuatorPatch, len(wire.MotorStates)),
		EmergencyStopped: wire.EmergencyStopped,
	}
	for name, w := range wire.MotorStates {
		id := rig.ActuatorID(strings.TrimSpace(name))
		if id == "" {
			continue
		}
		out.Actuators[id] = w.patch(TypeSystemState + "." + name)
	}
	if len(wire.SafetyLimits) > 0 {
		out.Limits = make(rig.Limits, len(wire.SafetyLimits))
		for key, v := range wire.SafetyLimits {
			if id, ok := rig.ActuatorForLimitKey(key); ok {
				out.Limits[id] = v
			}
		}
	}
	return out, nil
}

type ModeChanged struct {
	NewMode rig.Mode
	OldMode rig.Mode
}

func DecodeModeChanged(raw []byte) (ModeChanged, error) {
	var wire struct {
		NewMode string `json:"new_mode"`
		OldMode string `json:"old_mode"`
	}
	if err := unmarshalPayload(TypeModeChanged, raw, &wire); err != nil {
		return ModeChanged{}, err
	}
	if strings.TrimSpace(wire.NewMode) == "" {
		return ModeChanged{}, fmt.Errorf("%w: %s: %w: new_mode", ErrDecode, TypeModeChanged, ErrMissingField)
	}
	return ModeChanged{NewMode: rig.ParseMode(wire.NewMode), OldMode: rig.ParseMode(wire.OldMode)}, nil
}

// FeedCommand is one desired actuator setting carried with a feed update.
type FeedCommand struct {
	Speed *float64
	Sense *rig.Sense
}

// FeedUpdate pairs a feed delta with the actuator commands derived from it.
type FeedUpdate struct {
	Feed     FeedDelta
	Commands map[rig.ActuatorID]FeedCommand
}

func DecodeFeedUpdate(raw []byte) (FeedUpdate, error) {
	var wire struct {
		BlockchainData json.RawMessage `json:"blockchain_data"`
		Data           json.RawMessage `json:"data"`
		MotorCommands  map[string]struct {
			VelocityRPM *float64 `json:"velocity_rpm"`
			Direction   *string  `json:"direction"`
		} `json:"motor_commands"`
	}
	if err := unmarshalPayload(TypeFeedDataUpdate, raw, &wire); err != nil {
		return FeedUpdate{}, err
	}
	feedRaw := wire.BlockchainData
	if isAbsent(feedRaw) {
		feedRaw = wire.Data
	}
	var out FeedUpdate
	if !isAbsent(feedRaw) {
		delta, err := DecodeFeedDelta(feedRaw)
		if err != nil {
			return FeedUpdate{}, err
		}
		out.Feed = delta
	}
	if len(wire.MotorCommands) > 0 {
		out.Commands = make(map[rig.ActuatorID]FeedCommand, len(wire.MotorCommands))
		for name, w := range wire.MotorCommands {
			id := rig.ActuatorID(strings.TrimSpace(name))
			if id == "" {
				continue
			}
			cmd := FeedCommand{Speed: w.VelocityRPM}
			if w.Direction != nil {
				if sense, err := rig.ParseSense(*w.Direction); err == nil {
					cmd.Sense = &sense
				} else {
					log.Warn().Msgf("protocol.decode %s ignoring direction motor=%s err=%v", TypeFeedDataUpdate, name, err)
				}
			}
			out.Commands[id] = cmd
		}
	}
	return out, nil
}

// ActuatorUpdate is a single-actuator partial state push.
type ActuatorUpdate struct {
	ID    rig.ActuatorID
	Patch ActuatorPatch
}

func DecodeActuatorUpdate(raw []byte) (ActuatorUpdate, error) {
	var wire struct {
		MotorName string    `json:"motor_name"`
		State     wirePatch `json:"state"`
	}
	if err := unmarshalPayload(TypeMotorUpdate, raw, &wire); err != nil {
		return ActuatorUpdate{}, err
	}
	name := strings.TrimSpace(wire.MotorName)
	if name == "" {
		return ActuatorUpdate{}, fmt.Errorf("%w: %s: %w: motor_name", ErrDecode, TypeMotorUpdate, ErrMissingField)
	}
	return ActuatorUpdate{ID: rig.ActuatorID(name), Patch: wire.State.patch(TypeMotorUpdate + "." + name)}, nil
}

// CommandExecuted acknowledges a motor command. Informational only.
type CommandExecuted struct {
	MotorName   string   `json:"motor_name"`
	VelocityRPM *float64 `json:"velocity_rpm"`
	Direction   string   `json:"direction"`
}

func DecodeCommandExecuted(raw []byte) (CommandExecuted, error) {
	var wire struct {
		Command CommandExecuted `json:"command"`
	}
	if err := unmarshalPayload(TypeMotorCommandExecuted, raw, &wire); err != nil {
		return CommandExecuted{}, err
	}
	return wire.Command, nil
}

// Notice covers the free-text inbound messages: error and emergency_stop.
type Notice struct {
	Message     string `json:"message"`
	InitiatedBy string `json:"initiated_by"`
}

func DecodeNotice(msgType string, raw []byte) (Notice, error) {
	var out Notice
	if err := unmarshalPayload(msgType, raw, &out); err != nil {
		return Notice{}, err
	}
	return out, nil
}

type Pong struct {
	Timestamp float64 `json:"timestamp"`
}

func DecodePong(raw []byte) (Pong, error) {
	var out Pong
	if err := unmarshalPayload(TypePong, raw, &out); err != nil {
		return Pong{}, err
	}
	return out, nil
}

func unmarshalPayload(msgType string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, msgType, err)
	}
	return nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
