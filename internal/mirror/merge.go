package mirror

import (
	"time"

	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
)

// ModeOutcome records what a merge did with a mode field.
type ModeOutcome int

const (
	ModeAbsent ModeOutcome = iota
	ModeApplied
	ModeAcknowledged
	ModeSuppressed
)

func (o ModeOutcome) String() string {
	switch o {
	case ModeApplied:
		return "applied"
	case ModeAcknowledged:
		return "acknowledged"
	case ModeSuppressed:
		return "suppressed"
	default:
		return "absent"
	}
}

// MergeResult summarizes one Apply* call.
type MergeResult struct {
	Mode      ModeOutcome
	Actuators int
	Created   []rig.ActuatorID
	Revision  uint64
}

// ApplySystemState merges a full-state broadcast. The mode field is subject to
// the pending mode guard; actuator fields always merge.
func (m *Mirror) ApplySystemState(st protocol.SystemState) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res MergeResult
	res.Mode = m.applyBroadcastMode(st.Mode, m.now())
	for id, patch := range st.Actuators {
		if _, ok := m.actuators[id]; !ok {
			res.Created = append(res.Created, id)
		}
		mergePatch(m.entry(id), patch)
		res.Actuators++
	}
	if st.EmergencyStopped != nil {
		m.emergencyStopped = *st.EmergencyStopped
	}
	for id, v := range st.Limits {
		m.limits[id] = v
	}
	m.revision++
	res.Revision = m.revision
	return res
}

// ApplyModeChanged applies an authoritative mode echo and clears any guard.
func (m *Mirror) ApplyModeChanged(mode rig.Mode) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == "" {
		return MergeResult{Mode: ModeAbsent, Revision: m.revision}
	}
	m.mode = mode
	m.pending = nil
	m.revision++
	return MergeResult{Mode: ModeApplied, Revision: m.revision}
}

// ApplyFeedUpdate applies a feed delta and its actuator commands as one unit.
// Commanded actuators are stamped with the local receipt time and enabled;
// a missing speed means stopped and a missing sense means forward.
func (m *Mirror) ApplyFeedUpdate(u protocol.FeedUpdate) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !u.Feed.Empty() {
		m.feed = mergeFeed(m.feed, u.Feed)
		m.feed.UpdatedAt = now
	}

	var res MergeResult
	for id, cmd := range u.Commands {
		if _, ok := m.actuators[id]; !ok {
			res.Created = append(res.Created, id)
		}
		speed := 0.0
		if cmd.Speed != nil {
			speed = *cmd.Speed
		}
		sense := rig.Forward
		if cmd.Sense != nil {
			sense = *cmd.Sense
		}
		st := m.entry(id)
		st.Speed, st.Sense = rig.NormalizeWithSense(speed, sense)
		st.LastUpdate = now
		st.Enabled = true
		res.Actuators++
	}
	m.revision++
	res.Revision = m.revision
	return res
}

// ApplyActuatorUpdate merges one actuator's partial state.
func (m *Mirror) ApplyActuatorUpdate(id rig.ActuatorID, patch protocol.ActuatorPatch) MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res MergeResult
	if _, ok := m.actuators[id]; !ok {
		res.Created = append(res.Created, id)
	}
	mergePatch(m.entry(id), patch)
	res.Actuators = 1
	m.revision++
	res.Revision = m.revision
	return res
}

// ApplyEmergencyStop reflects a controller-wide stop: every actuator stopped
// and disabled.
func (m *Mirror) ApplyEmergencyStop() MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, st := range m.actuators {
		st.Speed = 0
		st.Sense = rig.Forward
		st.Enabled = false
		st.LastUpdate = now
	}
	m.emergencyStopped = true
	m.revision++
	return MergeResult{Actuators: len(m.actuators), Revision: m.revision}
}

// RequestModeChange records local intent for mode before it is transmitted and
// shows it optimistically. A newer request replaces an older pending one.
func (m *Mirror) RequestModeChange(mode rig.Mode) PendingModeChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := PendingModeChange{Mode: mode, RequestedAt: m.now()}
	m.pending = &p
	m.mode = mode
	m.revision++
	return p
}

// applyBroadcastMode decides whether a non-authoritative mode may overwrite the
// current one. A matching broadcast does not release the guard; only window
// expiry or mode_changed does. Caller holds mu.
func (m *Mirror) applyBroadcastMode(mode rig.Mode, now time.Time) ModeOutcome {
	if mode == "" {
		return ModeAbsent
	}
	if m.pending != nil {
		if m.withinWindow(*m.pending, now) {
			if mode != m.pending.Mode {
				return ModeSuppressed
			}
			m.mode = mode
			return ModeAcknowledged
		}
		m.pending = nil
	}
	m.mode = mode
	return ModeApplied
}

func (m *Mirror) withinWindow(p PendingModeChange, now time.Time) bool {
	return now.Sub(p.RequestedAt) < m.window
}

func mergePatch(st *rig.ActuatorState, p protocol.ActuatorPatch) {
	sense := st.Sense
	if p.Sense != nil {
		sense = *p.Sense
	}
	if p.Speed != nil {
		st.Speed, st.Sense = rig.NormalizeWithSense(*p.Speed, sense)
	} else {
		st.Sense = sense
	}
	if p.LastUpdate != nil {
		st.LastUpdate = *p.LastUpdate
	}
	if p.Enabled != nil {
		st.Enabled = *p.Enabled
	}
}

func mergeFeed(f Feed, d protocol.FeedDelta) Feed {
	if d.PriceUSD != nil {
		f.PriceUSD = *d.PriceUSD
	}
	if d.GasPriceGwei != nil {
		f.GasPriceGwei = *d.GasPriceGwei
	}
	if d.BaseFeeGwei != nil {
		f.BaseFeeGwei = *d.BaseFeeGwei
	}
	if d.BlobUtilization != nil {
		f.BlobUtilization = *d.BlobUtilization
	}
	if d.BlockFullness != nil {
		f.BlockFullness = *d.BlockFullness
	}
	if d.BlockNumber != nil {
		f.BlockNumber = *d.BlockNumber
	}
	if d.Epoch != nil {
		f.Epoch = *d.Epoch
	}
	return f
}
