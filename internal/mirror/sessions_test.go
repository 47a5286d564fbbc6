package mirror

import (
	"testing"
	"time"

	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestApplySystemStatusSnapshotIsIsolated(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	m := newTestMirror(clock)
	before := m.Snapshot().Revision

	res := m.ApplySystemStatus(protocol.SystemStatus{
		Health: protocol.Health{
			Status:           "degraded",
			Services:         map[string]string{"motor": "running"},
			ActiveSessions:   1,
			ConnectedClients: 3,
			Uptime:           90 * time.Second,
		},
		Stats: map[string]float64{"total_motor_commands": 12},
	})
	if res.Revision != before+1 {
		t.Fatalf("revision got=%d want=%d", res.Revision, before+1)
	}

	snap := m.Snapshot()
	if snap.Status == nil {
		t.Fatalf("expected status in snapshot")
	}
	if snap.Status.Health.Status != "degraded" || snap.Status.Health.ConnectedClients != 3 {
		t.Fatalf("health got=%+v", snap.Status.Health)
	}
	if !snap.Status.ReceivedAt.Equal(clock.Now()) {
		t.Fatalf("received at got=%v", snap.Status.ReceivedAt)
	}
	snap.Status.Health.Services["motor"] = "stopped"
	snap.Status.Stats["total_motor_commands"] = 0

	again := m.Snapshot()
	if again.Status.Health.Services["motor"] != "running" || again.Status.Stats["total_motor_commands"] != 12 {
		t.Fatalf("snapshot mutation leaked: %+v", again.Status)
	}
}

func TestSessionLifecycleEvents(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())

	events := []protocol.SessionEvent{
		{Type: protocol.TypeSessionCreated, SessionID: "s1", Status: "created"},
		{Type: protocol.TypeSessionJoined, SessionID: "s1"},
		{Type: protocol.TypeClientJoined, SessionID: "s1", Actor: "web-1"},
		{Type: protocol.TypeClientJoined, SessionID: "s1", Actor: "web-1"},
		{Type: protocol.TypeClientJoined, SessionID: "s1", Actor: "web-2"},
		{Type: protocol.TypeSessionStarted, SessionID: "s1", Actor: "web-1"},
		{Type: protocol.TypeSessionCreated, SessionID: "s2"},
	}
	for _, ev := range events {
		m.ApplySessionEvent(ev)
	}

	snap := m.Snapshot()
	if snap.JoinedSession != "s1" {
		t.Fatalf("joined got=%q", snap.JoinedSession)
	}
	s1 := snap.Sessions["s1"]
	if s1.Phase != PhaseActive {
		t.Fatalf("s1 phase got=%q", s1.Phase)
	}
	if diff := cmp.Diff([]string{"web-1", "web-2"}, s1.Participants); diff != "" {
		t.Fatalf("participants mismatch (-want +got):\n%s", diff)
	}
	if snap.Sessions["s2"].Phase != PhaseCreated {
		t.Fatalf("s2 phase got=%q", snap.Sessions["s2"].Phase)
	}

	m.ApplySessionEvent(protocol.SessionEvent{Type: protocol.TypeSessionStopped, SessionID: "s1"})
	m.ApplySessionEvent(protocol.SessionEvent{Type: protocol.TypeSessionCompleted, SessionID: "s1"})
	snap = m.Snapshot()
	if _, ok := snap.Sessions["s1"]; ok {
		t.Fatalf("stopped session still tracked")
	}
	if snap.JoinedSession != "" {
		t.Fatalf("joined session not cleared: %q", snap.JoinedSession)
	}
	if len(snap.Sessions) != 1 {
		t.Fatalf("sessions got=%d want=1", len(snap.Sessions))
	}
}

func TestApplySessionsListReplacesSet(t *testing.T) {
	testlog.Start(t)
	m := newTestMirror(newFakeClock())
	m.ApplySessionEvent(protocol.SessionEvent{Type: protocol.TypeSessionJoined, SessionID: "old"})
	m.ApplySessionEvent(protocol.SessionEvent{Type: protocol.TypeClientJoined, SessionID: "keep", Actor: "web-1"})

	m.ApplySessionsList([]protocol.SessionSummary{
		{ID: "done", Status: "completed"},
		{ID: "keep", Status: "paused"},
		{ID: "new", Status: ""},
	})

	snap := m.Snapshot()
	if len(snap.Sessions) != 2 {
		t.Fatalf("sessions got=%v", snap.Sessions)
	}
	keep := snap.Sessions["keep"]
	if keep.Phase != PhasePaused || len(keep.Participants) != 1 {
		t.Fatalf("keep got=%+v", keep)
	}
	if snap.Sessions["new"].Phase != PhaseCreated {
		t.Fatalf("new phase got=%q", snap.Sessions["new"].Phase)
	}
	if snap.JoinedSession != "" {
		t.Fatalf("joined session outlived the list: %q", snap.JoinedSession)
	}
}
