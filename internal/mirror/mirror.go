package mirror

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/rigsync/internal/rig"
)

// DefaultDebounceWindow is how long a local mode request outranks broadcasts.
const DefaultDebounceWindow = 2 * time.Second

// Feed is the last known external feed snapshot.
type Feed struct {
	PriceUSD        float64
	GasPriceGwei    float64
	BaseFeeGwei     float64
	BlobUtilization float64
	BlockFullness   float64
	BlockNumber     int64
	Epoch           string
	UpdatedAt       time.Time
}

// Empty reports whether no feed update has been applied yet.
func (f Feed) Empty() bool {
	return f.UpdatedAt.IsZero()
}

// PendingModeChange guards a locally requested mode until it is acknowledged
// or the debounce window expires.
type PendingModeChange struct {
	Mode        rig.Mode
	RequestedAt time.Time
}

// Snapshot is a deep copy of the mirror at one revision.
type Snapshot struct {
	Mode             rig.Mode
	Actuators        map[rig.ActuatorID]rig.ActuatorState
	Feed             Feed
	EmergencyStopped bool
	Limits           rig.Limits
	Pending          *PendingModeChange
	Status           *Status
	Sessions         map[string]DrawingSession
	JoinedSession    string
	Revision         uint64
}

// ActuatorIDs returns the snapshot's actuator ids, known rig order first.
func (s Snapshot) ActuatorIDs() []rig.ActuatorID {
	out := make([]rig.ActuatorID, 0, len(s.Actuators))
	seen := make(map[rig.ActuatorID]bool, len(s.Actuators))
	for _, id := range rig.KnownActuators() {
		if _, ok := s.Actuators[id]; ok {
			out = append(out, id)
			seen[id] = true
		}
	}
	extra := make([]rig.ActuatorID, 0)
	for id := range s.Actuators {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

type Options struct {
	Actuators      []rig.ActuatorID
	InitialMode    rig.Mode
	DebounceWindow time.Duration
	Now            func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Actuators:      rig.KnownActuators(),
		InitialMode:    rig.ModeManual,
		DebounceWindow: DefaultDebounceWindow,
		Now:            time.Now,
	}
}

// Mirror is the canonical local copy of controller state. Every Apply* call is
// one critical section, so a concurrent Snapshot sees an update fully or not at all.
type Mirror struct {
	mu     sync.RWMutex
	now    func() time.Time
	window time.Duration

	mode             rig.Mode
	actuators        map[rig.ActuatorID]*rig.ActuatorState
	feed             Feed
	emergencyStopped bool
	limits           rig.Limits
	pending          *PendingModeChange
	status           *Status
	sessions         map[string]*DrawingSession
	joinedSession    string
	revision         uint64
}

func New(opts Options) *Mirror {
	defaults := DefaultOptions()
	if opts.Actuators == nil {
		opts.Actuators = defaults.Actuators
	}
	if opts.InitialMode == "" {
		opts.InitialMode = defaults.InitialMode
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaults.DebounceWindow
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	m := &Mirror{
		now:       opts.Now,
		window:    opts.DebounceWindow,
		mode:      opts.InitialMode,
		actuators: make(map[rig.ActuatorID]*rig.ActuatorState, len(opts.Actuators)),
		limits:    rig.DefaultLimits(),
		sessions:  make(map[string]*DrawingSession),
	}
	for _, id := range opts.Actuators {
		st := rig.Stopped()
		m.actuators[id] = &st
	}
	return m
}

func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Snapshot{
		Mode:             m.mode,
		Actuators:        make(map[rig.ActuatorID]rig.ActuatorState, len(m.actuators)),
		Feed:             m.feed,
		EmergencyStopped: m.emergencyStopped,
		Limits:           make(rig.Limits, len(m.limits)),
		Sessions:         make(map[string]DrawingSession, len(m.sessions)),
		JoinedSession:    m.joinedSession,
		Revision:         m.revision,
	}
	for id, st := range m.actuators {
		out.Actuators[id] = *st
	}
	for id, v := range m.limits {
		out.Limits[id] = v
	}
	if m.pending != nil {
		p := *m.pending
		out.Pending = &p
	}
	if m.status != nil {
		st := *m.status
		st.Health.Services = maps.Clone(m.status.Health.Services)
		st.Stats = maps.Clone(m.status.Stats)
		out.Status = &st
	}
	for id, s := range m.sessions {
		c := *s
		c.Participants = append([]string(nil), s.Participants...)
		out.Sessions[id] = c
	}
	return out
}

func (m *Mirror) Mode() rig.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Mirror) Actuator(id rig.ActuatorID) (rig.ActuatorState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.actuators[id]
	if !ok {
		return rig.ActuatorState{}, false
	}
	return *st, true
}

// Pending returns the active mode guard, if any. Expired guards are reported
// as absent.
func (m *Mirror) Pending() (PendingModeChange, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pending == nil || !m.withinWindow(*m.pending, m.now()) {
		return PendingModeChange{}, false
	}
	return *m.pending, true
}

func (m *Mirror) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// Limits returns the last published per-actuator speed limits.
func (m *Mirror) Limits() rig.Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(rig.Limits, len(m.limits))
	for id, v := range m.limits {
		out[id] = v
	}
	return out
}

// entry returns the tracked state for id, creating it when unknown. Caller holds mu.
func (m *Mirror) entry(id rig.ActuatorID) *rig.ActuatorState {
	st, ok := m.actuators[id]
	if !ok {
		fresh := rig.Stopped()
		st = &fresh
		m.actuators[id] = st
	}
	return st
}
