package mirror

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
	"github.com/danmuck/rigsync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMirror(clock *fakeClock) *Mirror {
	return New(Options{DebounceWindow: 2 * time.Second, Now: clock.Now})
}

func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool     { return &v }
func sense(s rig.Sense) *rig.Sense {
	return &s
}

func systemState(mode rig.Mode, patches map[rig.ActuatorID]protocol.ActuatorPatch) protocol.SystemState {
	return protocol.SystemState{Mode: mode, Actuators: patches}
}

func TestNewSeedsEveryKnownActuator(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	snap := m.Snapshot()
	if snap.Mode != rig.ModeManual {
		t.Fatalf("initial mode got=%q", snap.Mode)
	}
	want := map[rig.ActuatorID]rig.ActuatorState{}
	for _, id := range rig.KnownActuators() {
		want[id] = rig.Stopped()
	}
	if diff := cmp.Diff(want, snap.Actuators); diff != "" {
		t.Fatalf("initial actuators (-want +got):\n%s", diff)
	}
	if !snap.Feed.Empty() || snap.Pending != nil {
		t.Fatalf("unexpected initial feed/pending: %+v", snap)
	}
}

func TestSystemStateLatestModeWinsWithoutPending(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	for _, mode := range []rig.Mode{rig.ModeAuto, rig.ModeHybrid, rig.ModeOffline, rig.ModeManual, rig.ModeAuto} {
		res := m.ApplySystemState(systemState(mode, nil))
		if res.Mode != ModeApplied {
			t.Fatalf("mode %q outcome=%v", mode, res.Mode)
		}
		if got := m.Mode(); got != mode {
			t.Fatalf("mode got=%q want=%q", got, mode)
		}
	}
	res := m.ApplySystemState(systemState("", nil))
	if res.Mode != ModeAbsent || m.Mode() != rig.ModeAuto {
		t.Fatalf("absent mode should not change state: %v %q", res.Mode, m.Mode())
	}
}

func TestStaleBroadcastInsideWindowKeepsModeButMergesActuators(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	m := newTestMirror(clock)
	m.RequestModeChange(rig.ModeAuto)
	if m.Mode() != rig.ModeAuto {
		t.Fatalf("request should apply optimistically")
	}

	clock.Advance(500 * time.Millisecond)
	res := m.ApplySystemState(systemState(rig.ModeManual, map[rig.ActuatorID]protocol.ActuatorPatch{
		rig.Canvas: {Speed: f64(25)},
	}))
	if res.Mode != ModeSuppressed {
		t.Fatalf("outcome got=%v", res.Mode)
	}
	if m.Mode() != rig.ModeAuto {
		t.Fatalf("stale broadcast overwrote requested mode: %q", m.Mode())
	}
	canvas, _ := m.Actuator(rig.Canvas)
	if canvas.Speed != 25 {
		t.Fatalf("actuator fields should still merge, speed=%v", canvas.Speed)
	}
	if _, ok := m.Pending(); !ok {
		t.Fatalf("guard should remain armed")
	}
}

func TestBroadcastMatchingPendingAcknowledges(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	m := newTestMirror(clock)
	m.RequestModeChange(rig.ModeHybrid)
	clock.Advance(time.Second)
	if res := m.ApplySystemState(systemState(rig.ModeHybrid, nil)); res.Mode != ModeAcknowledged {
		t.Fatalf("outcome got=%v", res.Mode)
	}
	if _, ok := m.Pending(); !ok {
		t.Fatalf("a matching broadcast should leave the guard armed")
	}
	clock.Advance(2 * time.Second)
	if res := m.ApplySystemState(systemState(rig.ModeManual, nil)); res.Mode != ModeApplied || m.Mode() != rig.ModeManual {
		t.Fatalf("broadcast after the window should apply, got %v %q", res.Mode, m.Mode())
	}
}

func TestMatchingBroadcastKeepsGuardForRestOfWindow(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	m := newTestMirror(clock)
	m.RequestModeChange(rig.ModeAuto)

	clock.Advance(100 * time.Millisecond)
	if res := m.ApplySystemState(systemState(rig.ModeAuto, nil)); res.Mode != ModeAcknowledged {
		t.Fatalf("matching outcome got=%v", res.Mode)
	}
	clock.Advance(100 * time.Millisecond)
	if res := m.ApplySystemState(systemState(rig.ModeManual, nil)); res.Mode != ModeSuppressed {
		t.Fatalf("stale broadcast after an ack got=%v", res.Mode)
	}
	if m.Mode() != rig.ModeAuto {
		t.Fatalf("mode got=%q", m.Mode())
	}
	if res := m.ApplyModeChanged(rig.ModeAuto); res.Mode != ModeApplied {
		t.Fatalf("mode_changed outcome got=%v", res.Mode)
	}
	if _, ok := m.Pending(); ok {
		t.Fatalf("mode_changed should release the guard")
	}
	if res := m.ApplySystemState(systemState(rig.ModeManual, nil)); res.Mode != ModeApplied {
		t.Fatalf("broadcast after release got=%v", res.Mode)
	}
}

func TestBroadcastAfterWindowApplies(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	m := newTestMirror(clock)
	m.RequestModeChange(rig.ModeAuto)
	clock.Advance(2 * time.Second)
	if _, ok := m.Pending(); ok {
		t.Fatalf("guard should have expired")
	}
	if res := m.ApplySystemState(systemState(rig.ModeManual, nil)); res.Mode != ModeApplied {
		t.Fatalf("outcome got=%v", res.Mode)
	}
	if m.Mode() != rig.ModeManual {
		t.Fatalf("mode got=%q", m.Mode())
	}
	if m.Snapshot().Pending != nil {
		t.Fatalf("expired guard should be cleared by the broadcast")
	}
}

func TestRapidDoubleModeRequest(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	m := newTestMirror(clock)
	m.RequestModeChange(rig.ModeAuto)
	clock.Advance(200 * time.Millisecond)
	m.RequestModeChange(rig.ModeHybrid)

	p, ok := m.Pending()
	if !ok || p.Mode != rig.ModeHybrid {
		t.Fatalf("only the latest request should be pending, got=%+v ok=%v", p, ok)
	}

	clock.Advance(200 * time.Millisecond)
	if res := m.ApplySystemState(systemState(rig.ModeAuto, nil)); res.Mode != ModeSuppressed {
		t.Fatalf("stale echo of first request should be dropped, got %v", res.Mode)
	}
	if m.Mode() != rig.ModeHybrid {
		t.Fatalf("mode got=%q", m.Mode())
	}
	if res := m.ApplyModeChanged(rig.ModeHybrid); res.Mode != ModeApplied {
		t.Fatalf("authoritative echo outcome=%v", res.Mode)
	}
	if _, ok := m.Pending(); ok {
		t.Fatalf("authoritative echo should clear the guard")
	}
}

func TestModeChangedIsAuthoritativeInsideWindow(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	m.RequestModeChange(rig.ModeAuto)
	m.ApplyModeChanged(rig.ModeOffline)
	if m.Mode() != rig.ModeOffline {
		t.Fatalf("mode_changed must bypass the guard, got=%q", m.Mode())
	}
	if m.Snapshot().Pending != nil {
		t.Fatalf("guard should be cleared")
	}
}

func TestActuatorMergePreservesAbsentFields(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	stamp := time.Unix(1700000100, 0)
	m.ApplyActuatorUpdate(rig.PenBrush, protocol.ActuatorPatch{
		Speed:      f64(40),
		Sense:      sense(rig.Reverse),
		LastUpdate: &stamp,
		Enabled:    boolp(false),
	})

	steps := []protocol.ActuatorPatch{
		{Speed: f64(12)},
		{Enabled: boolp(true)},
		{},
	}
	want := rig.ActuatorState{Speed: 40, Sense: rig.Reverse, LastUpdate: stamp, Enabled: false}
	for i, p := range steps {
		m.ApplyActuatorUpdate(rig.PenBrush, p)
		if p.Speed != nil {
			want.Speed = *p.Speed
		}
		if p.Enabled != nil {
			want.Enabled = *p.Enabled
		}
		got, _ := m.Actuator(rig.PenBrush)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("step %d (-want +got):\n%s", i, diff)
		}
	}

	m.ApplySystemState(systemState("", map[rig.ActuatorID]protocol.ActuatorPatch{
		rig.PenBrush: {Sense: sense(rig.Forward)},
	}))
	got, _ := m.Actuator(rig.PenBrush)
	want.Sense = rig.Forward
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("system_state merge (-want +got):\n%s", diff)
	}
}

func TestNegativeInboundSpeedIsNormalized(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	m.ApplyActuatorUpdate(rig.Canvas, protocol.ActuatorPatch{Speed: f64(-30)})
	got, _ := m.Actuator(rig.Canvas)
	if got.Speed != 30 || got.Sense != rig.Reverse {
		t.Fatalf("got=%+v", got)
	}
}

func TestUnknownActuatorIsCreated(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	res := m.ApplyActuatorUpdate("motor_aux", protocol.ActuatorPatch{Speed: f64(5)})
	if len(res.Created) != 1 || res.Created[0] != "motor_aux" {
		t.Fatalf("created got=%v", res.Created)
	}
	res = m.ApplySystemState(systemState(rig.ModeAuto, map[rig.ActuatorID]protocol.ActuatorPatch{
		"motor_tilt": {Enabled: boolp(false)},
	}))
	if len(res.Created) != 1 {
		t.Fatalf("created got=%v", res.Created)
	}
	snap := m.Snapshot()
	if len(snap.Actuators) != len(rig.KnownActuators())+2 {
		t.Fatalf("identifier set should be the union, got %d", len(snap.Actuators))
	}
	ids := snap.ActuatorIDs()
	if ids[0] != rig.Canvas || ids[len(ids)-2] != "motor_aux" || ids[len(ids)-1] != "motor_tilt" {
		t.Fatalf("ordering got=%v", ids)
	}
}

func TestFeedUpdateStampsReceiptTimeAndDefaults(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	m := newTestMirror(clock)
	m.ApplyActuatorUpdate(rig.PenElevation, protocol.ActuatorPatch{Speed: f64(70), Sense: sense(rig.Reverse), Enabled: boolp(false)})

	clock.Advance(3 * time.Second)
	price := 3050.0
	block := int64(19000000)
	m.ApplyFeedUpdate(protocol.FeedUpdate{
		Feed: protocol.FeedDelta{PriceUSD: &price, BlockNumber: &block},
		Commands: map[rig.ActuatorID]protocol.FeedCommand{
			rig.PenElevation: {},
			rig.Canvas:       {Speed: f64(-15)},
		},
	})
	snap := m.Snapshot()
	wantPE := rig.ActuatorState{Speed: 0, Sense: rig.Forward, LastUpdate: clock.Now(), Enabled: true}
	if diff := cmp.Diff(wantPE, snap.Actuators[rig.PenElevation]); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
	wantCanvas := rig.ActuatorState{Speed: 15, Sense: rig.Reverse, LastUpdate: clock.Now(), Enabled: true}
	if diff := cmp.Diff(wantCanvas, snap.Actuators[rig.Canvas]); diff != "" {
		t.Fatalf("canvas (-want +got):\n%s", diff)
	}
	if snap.Feed.PriceUSD != price || snap.Feed.BlockNumber != block || !snap.Feed.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("feed got=%+v", snap.Feed)
	}

	gas := 21.5
	m.ApplyFeedUpdate(protocol.FeedUpdate{Feed: protocol.FeedDelta{GasPriceGwei: &gas}})
	feed := m.Snapshot().Feed
	if feed.PriceUSD != price || feed.GasPriceGwei != gas {
		t.Fatalf("feed delta should preserve absent metrics: %+v", feed)
	}
}

func TestFeedUpdateIsAtomicForConcurrentReaders(t *testing.T) {
	testlog.Start(t)
	m := New(DefaultOptions())
	const rounds = 200

	done := make(chan struct{})
	errs := make(chan string, 1)
	go func() {
		defer close(done)
		for {
			snap := m.Snapshot()
			canvas := snap.Actuators[rig.Canvas]
			if !snap.Feed.Empty() && canvas.Speed != float64(snap.Feed.BlockNumber) {
				select {
				case errs <- "half-applied update observed":
				default:
				}
				return
			}
			if snap.Feed.BlockNumber == rounds {
				return
			}
		}
	}()

	for i := int64(1); i <= rounds; i++ {
		block := i
		m.ApplyFeedUpdate(protocol.FeedUpdate{
			Feed:     protocol.FeedDelta{BlockNumber: &block},
			Commands: map[rig.ActuatorID]protocol.FeedCommand{rig.Canvas: {Speed: f64(float64(i))}},
		})
		snap := m.Snapshot()
		if snap.Feed.BlockNumber != i || snap.Actuators[rig.Canvas].Speed != float64(i) {
			t.Fatalf("synchronous read after merge saw block=%d speed=%v", snap.Feed.BlockNumber, snap.Actuators[rig.Canvas].Speed)
		}
	}
	<-done
	select {
	case msg := <-errs:
		t.Fatalf("%s", msg)
	default:
	}
}

func TestEmergencyStopStopsAndDisablesAll(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	m.ApplyActuatorUpdate(rig.Canvas, protocol.ActuatorPatch{Speed: f64(50), Sense: sense(rig.Reverse)})
	m.ApplyEmergencyStop()
	snap := m.Snapshot()
	if !snap.EmergencyStopped {
		t.Fatalf("emergency flag not set")
	}
	for id, st := range snap.Actuators {
		if st.Speed != 0 || st.Enabled || st.Sense != rig.Forward {
			t.Fatalf("%s not stopped: %+v", id, st)
		}
	}
	stopped := false
	m.ApplySystemState(protocol.SystemState{EmergencyStopped: &stopped, Limits: rig.Limits{rig.Canvas: 100}})
	snap = m.Snapshot()
	if snap.EmergencyStopped || snap.Limits[rig.Canvas] != 100 || snap.Limits[rig.PenBrush] != 80 {
		t.Fatalf("system_state flag/limits not merged: %+v", snap)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	m.RequestModeChange(rig.ModeAuto)
	snap := m.Snapshot()
	snap.Actuators[rig.Canvas] = rig.ActuatorState{Speed: 99}
	snap.Limits[rig.Canvas] = 1
	snap.Pending.Mode = rig.ModeOffline
	again := m.Snapshot()
	if again.Actuators[rig.Canvas].Speed != 0 || again.Limits[rig.Canvas] != 120 || again.Pending.Mode != rig.ModeAuto {
		t.Fatalf("snapshot aliased mirror state: %+v", again)
	}
	if again.Revision != snap.Revision {
		t.Fatalf("read should not bump revision")
	}
}
