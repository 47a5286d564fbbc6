package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/rigsync/internal/mirror"
	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
	"github.com/danmuck/rigsync/internal/testutil/testlog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const authOK = `{"type":"authenticated","api_access":true,"client_id":"c-1","message":"ok"}`

func TestConfigDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if !cfg.AutoReconnect {
		t.Fatalf("auto reconnect should default on")
	}
	if RoleControl.DefaultReconnectDelay() != 3*time.Second || RoleObserver.DefaultReconnectDelay() != 5*time.Second {
		t.Fatalf("unexpected role delays")
	}
	if RoleControl.ClientType() != protocol.ClientTypeControl || RoleObserver.ClientType() != protocol.ClientTypeObserver {
		t.Fatalf("unexpected client types")
	}
	if err := cfg.Validate(); !errors.Is(err, ErrEndpointRequired) {
		t.Fatalf("expected ErrEndpointRequired, got %v", err)
	}
	cfg.Endpoint = "http://rig.test"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
	cfg.Endpoint = "wss://rig.test/ws"
	cfg.Role = "admin"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	for raw, want := range map[string]Role{"": RoleControl, "web_ui": RoleControl, "Observer": RoleObserver, "visitor": RoleObserver} {
		got, err := ParseRole(raw)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q) got=%q err=%v", raw, got, err)
		}
	}
	obs := Config{Role: RoleObserver}
	if obs.EffectiveReconnectDelay() != DefaultObserverReconnectDelay {
		t.Fatalf("observer delay got=%s", obs.EffectiveReconnectDelay())
	}
	obs.ReconnectDelay = time.Second
	if obs.EffectiveReconnectDelay() != time.Second {
		t.Fatalf("override ignored")
	}
}

func TestNextBackoffDelay(t *testing.T) {
	testlog.Start(t)
	fixed := BackoffConfig{InitialDelay: time.Second, Multiplier: 1}
	for attempt := 1; attempt <= 4; attempt++ {
		if got := NextBackoffDelay(fixed, attempt, nil); got != time.Second {
			t.Fatalf("fixed attempt=%d got=%s", attempt, got)
		}
	}
	grow := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := NextBackoffDelay(grow, i+1, nil); got != w {
			t.Fatalf("grow attempt=%d got=%s want=%s", i+1, got, w)
		}
	}
	grow.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		got := NextBackoffDelay(grow, 2, rng)
		if got < time.Second || got > 3*time.Second {
			t.Fatalf("jitter out of range: %s", got)
		}
	}
}

func TestHandshakeSentOnOpenAndConnectedAfterAuth(t *testing.T) {
	testlog.Start(t)
	c, d, _ := newTestClient(t, testConfig(RoleControl))
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := d.next(t)
	waitFor(t, "handshake", func() bool { return len(conn.sent()) == 1 })
	if c.State() != StateConnecting {
		t.Fatalf("open socket before auth should stay connecting, got %s", c.State())
	}
	hs := conn.sent()[0]
	if hs["type"] != "authenticate" || hs["client_type"] != "web_ui" || hs["api_key"] != "secret" {
		t.Fatalf("unexpected handshake: %v", hs)
	}
	conn.push(authOK)
	waitState(t, c, StateConnected)
	if c.ClientID() != "c-1" || !c.APIAccess() {
		t.Fatalf("handshake reply not recorded")
	}
	if len(conn.sent()) != 1 {
		t.Fatalf("handshake must be sent exactly once: %v", conn.sentTypes())
	}

	// A second Connect while connected is a no-op.
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if d.dialCount() != 1 {
		t.Fatalf("dial count got=%d", d.dialCount())
	}
}

func TestObserverHandshakeAndRestrictedAccess(t *testing.T) {
	testlog.Start(t)
	obs, od, orec := newTestClient(t, testConfig(RoleObserver))
	oconn := connectAndAuth(t, obs, od, `{"type":"authenticated","api_access":false}`)
	waitState(t, obs, StateConnected)
	if oconn.sent()[0]["client_type"] != "visitor" {
		t.Fatalf("observer should identify as visitor: %v", oconn.sent()[0])
	}
	if len(orec.noticesOf(NoticeRestricted)) != 0 {
		t.Fatalf("observer should not get a restricted notice")
	}

	ctl, cd, crec := newTestClient(t, testConfig(RoleControl))
	connectAndAuth(t, ctl, cd, `{"type":"authenticated","api_access":false,"message":"demo mode"}`)
	waitState(t, ctl, StateConnected)
	waitFor(t, "restricted notice", func() bool { return len(crec.noticesOf(NoticeRestricted)) == 1 })
	if crec.noticesOf(NoticeRestricted)[0].Message != "demo mode" {
		t.Fatalf("restricted notice message lost")
	}
}

func TestAuthenticationFailedDoesNotReconnect(t *testing.T) {
	testlog.Start(t)
	c, d, rec := newTestClient(t, testConfig(RoleControl))
	conn := connectAndAuth(t, c, d, `{"type":"authentication_failed","message":"bad key"}`)
	waitFor(t, "auth rejected notice", func() bool { return len(rec.noticesOf(NoticeAuthRejected)) == 1 })
	if c.State() != StateDisconnected {
		t.Fatalf("state got=%s", c.State())
	}
	if !errors.Is(rec.noticesOf(NoticeAuthRejected)[0].Err, ErrAuthenticationRejected) {
		t.Fatalf("notice should wrap ErrAuthenticationRejected")
	}
	if !conn.isClosed() {
		t.Fatalf("socket should be closed")
	}
	if c.ReconnectPending() {
		t.Fatalf("no reconnect may follow a rejection")
	}
	time.Sleep(80 * time.Millisecond)
	if d.dialCount() != 1 || len(rec.noticesOf(NoticeTransport)) != 0 {
		t.Fatalf("rejection must not take the transport path: dials=%d", d.dialCount())
	}
}

func TestTransportLossSchedulesOneReconnect(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(RoleControl)
	cfg.ReconnectDelay = 150 * time.Millisecond
	c, d, rec := newTestClient(t, cfg)
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)

	conn.Close()
	waitFor(t, "reconnect pending", c.ReconnectPending)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if d.dialCount() != 1 || c.State() != StateDisconnected {
		t.Fatalf("connect while reconnect pending must be a no-op: dials=%d state=%s", d.dialCount(), c.State())
	}
	if n := len(rec.noticesOf(NoticeTransport)); n != 1 {
		t.Fatalf("transport notices got=%d", n)
	}

	next := d.next(t)
	waitFor(t, "second handshake", func() bool { return len(next.sent()) == 1 })
	if d.dialCount() != 2 {
		t.Fatalf("expected exactly one reconnect, dials=%d", d.dialCount())
	}
	next.push(authOK)
	waitState(t, c, StateConnected)
	if c.ReconnectPending() {
		t.Fatalf("pending flag should clear after the attempt")
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(RoleObserver)
	cfg.ReconnectDelay = 50 * time.Millisecond
	c, d, _ := newTestClient(t, cfg)
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)
	conn.Close()
	waitFor(t, "reconnect pending", c.ReconnectPending)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if c.ReconnectPending() {
		t.Fatalf("disconnect should cancel the reconnect")
	}
	time.Sleep(120 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Fatalf("no dial expected after disconnect, dials=%d", d.dialCount())
	}
}

func TestDeliberateDisconnectClosesSocketWithoutReconnect(t *testing.T) {
	testlog.Start(t)
	c, d, rec := newTestClient(t, testConfig(RoleControl))
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !conn.isClosed() || c.State() != StateDisconnected || c.ReconnectPending() {
		t.Fatalf("disconnect left state=%s pending=%t", c.State(), c.ReconnectPending())
	}
	time.Sleep(60 * time.Millisecond)
	if d.dialCount() != 1 || len(rec.noticesOf(NoticeTransport)) != 0 {
		t.Fatalf("stale reader close must be ignored")
	}
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(RoleControl)
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	c, d, rec := newTestClient(t, cfg)
	d.setErr(errors.New("connection refused"))
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "exhausted notice", func() bool { return len(rec.noticesOf(NoticeReconnectExhausted)) == 1 })
	if d.dialCount() != 3 {
		t.Fatalf("dials got=%d want=3", d.dialCount())
	}
	if c.ReconnectPending() || c.State() != StateDisconnected {
		t.Fatalf("breaker should leave the client idle")
	}
	if !errors.Is(rec.noticesOf(NoticeTransport)[0].Err, ErrTransport) {
		t.Fatalf("dial failures should surface as transport notices")
	}
}

func TestHandshakeTimeoutTakesTransportPath(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(RoleControl)
	cfg.HandshakeTimeout = 20 * time.Millisecond
	cfg.AutoReconnect = false
	c, d, rec := newTestClient(t, cfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := d.next(t)
	waitFor(t, "handshake timeout", func() bool { return len(rec.noticesOf(NoticeTransport)) == 1 })
	if !errors.Is(rec.noticesOf(NoticeTransport)[0].Err, ErrHandshakeTimeout) {
		t.Fatalf("notice should wrap ErrHandshakeTimeout")
	}
	if !conn.isClosed() || c.State() != StateDisconnected {
		t.Fatalf("timeout should close the socket")
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	testlog.Start(t)
	c, _, rec := newTestClient(t, testConfig(RoleControl))
	calls := []func() error{
		func() error { return c.SendActuatorCommand(rig.Canvas, 10) },
		func() error { return c.RequestModeChange(rig.ModeAuto) },
		func() error { return c.EmergencyStop() },
		func() error { return c.RequestStateSync() },
		func() error { return c.Reauthenticate("new-key") },
		func() error { return c.RequestSystemStatus() },
		func() error { return c.RequestSessions() },
		func() error { return c.SubscribeEvents() },
		func() error { return c.CreateSession(rig.ModeManual, "") },
		func() error { return c.JoinSession("s-1") },
	}
	for i, call := range calls {
		if err := call(); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("call %d expected ErrNotConnected, got %v", i, err)
		}
	}
	if n := len(rec.noticesOf(NoticeNotConnected)); n != len(calls) {
		t.Fatalf("not-connected notices got=%d", n)
	}
	if _, ok := c.Mirror().Pending(); ok {
		t.Fatalf("a dropped mode change must not arm the guard")
	}
	if c.Mirror().Mode() != rig.ModeManual {
		t.Fatalf("dropped mode change must not move the mirror")
	}
}

func TestOutboundCommandsNormalizeAndEncode(t *testing.T) {
	testlog.Start(t)
	c, d, _ := newTestClient(t, testConfig(RoleControl))
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)

	if err := c.SendActuatorCommand(rig.PenBrush, -25); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendActuatorCommandSense(rig.Canvas, -10, rig.Reverse); err != nil {
		t.Fatalf("send sense: %v", err)
	}
	if err := c.EmergencyStop(); err != nil {
		t.Fatalf("estop: %v", err)
	}
	if err := c.RequestStateSync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	sent := conn.sent()
	if len(sent) != 5 {
		t.Fatalf("frames got=%v", conn.sentTypes())
	}
	if sent[1]["motor_name"] != "motor_pb" || sent[1]["velocity_rpm"] != 25.0 || sent[1]["direction"] != "CCW" {
		t.Fatalf("signed velocity not normalized: %v", sent[1])
	}
	if sent[2]["velocity_rpm"] != 10.0 || sent[2]["direction"] != "CW" {
		t.Fatalf("negative speed should flip sense: %v", sent[2])
	}
	if sent[3]["type"] != "emergency_stop" || sent[4]["type"] != "get_last_motor_states" {
		t.Fatalf("unexpected frames: %v", conn.sentTypes())
	}
}

func TestModeRequestDebounceThroughDispatcher(t *testing.T) {
	testlog.Start(t)
	c, d, _ := newTestClient(t, testConfig(RoleControl))
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)

	if err := c.RequestModeChange(rig.ModeAuto); err != nil {
		t.Fatalf("mode auto: %v", err)
	}
	if err := c.RequestModeChange(rig.ModeHybrid); err != nil {
		t.Fatalf("mode hybrid: %v", err)
	}
	p, ok := c.Mirror().Pending()
	if !ok || p.Mode != rig.ModeHybrid {
		t.Fatalf("only the latest request should be pending: %+v ok=%t", p, ok)
	}

	conn.push(`{"type":"system_state","mode":"auto","motor_states":{"motor_canvas":{"velocity_rpm":12}}}`)
	waitFor(t, "actuator merge", func() bool {
		st, _ := c.Mirror().Actuator(rig.Canvas)
		return st.Speed == 12
	})
	if c.Mirror().Mode() != rig.ModeHybrid {
		t.Fatalf("stale broadcast overwrote mode: %s", c.Mirror().Mode())
	}

	conn.push(`{"type":"mode_changed","new_mode":"hybrid","old_mode":"manual"}`)
	waitFor(t, "guard cleared", func() bool {
		_, ok := c.Mirror().Pending()
		return !ok
	})
	if c.Mirror().Mode() != rig.ModeHybrid {
		t.Fatalf("mode got=%s", c.Mirror().Mode())
	}
	types := conn.sentTypes()
	if len(types) != 3 || types[1] != "mode_change" || types[2] != "mode_change" {
		t.Fatalf("frames got=%v", types)
	}
}

func TestDispatcherDecodeErrorsAndUnknownTypes(t *testing.T) {
	testlog.Start(t)
	c, d, rec := newTestClient(t, testConfig(RoleControl))
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)
	before := c.Mirror().Revision()

	conn.push(`{"type":`)
	conn.push(`{"type":"mode_changed"}`)
	conn.push(`{"type":"recording_started","x":1}`)
	conn.push(`{"type":"motor_update","motor_name":"motor_pe","state":{"is_enabled":false}}`)
	waitFor(t, "motor update", func() bool {
		st, _ := c.Mirror().Actuator(rig.PenElevation)
		return !st.Enabled
	})
	decode := rec.noticesOf(NoticeDecode)
	if len(decode) != 2 {
		t.Fatalf("decode notices got=%d", len(decode))
	}
	for _, n := range decode {
		if !errors.Is(n.Err, protocol.ErrDecode) {
			t.Fatalf("decode notice should wrap ErrDecode: %v", n.Err)
		}
	}
	if c.Mirror().Revision() != before+1 {
		t.Fatalf("only the valid frame may touch the mirror")
	}
	if c.State() != StateConnected {
		t.Fatalf("decode errors must not drop the connection")
	}
}

func TestEmergencyStopAndRemoteErrorBroadcasts(t *testing.T) {
	testlog.Start(t)
	c, d, rec := newTestClient(t, testConfig(RoleObserver))
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)

	conn.push(`{"type":"blockchain_data_update","blockchain_data":{"eth_price_usd":3000},"motor_commands":{"motor_canvas":{"velocity_rpm":40,"direction":"CW"}}}`)
	waitFor(t, "feed", func() bool { return c.Mirror().Snapshot().Feed.PriceUSD == 3000 })
	conn.push(`{"type":"emergency_stop","message":"stop","initiated_by":"c-9"}`)
	waitFor(t, "estop notice", func() bool { return len(rec.noticesOf(NoticeEmergencyStop)) == 1 })
	snap := c.Mirror().Snapshot()
	if !snap.EmergencyStopped {
		t.Fatalf("emergency flag not set")
	}
	if st := snap.Actuators[rig.Canvas]; st.Speed != 0 || st.Enabled {
		t.Fatalf("canvas should be stopped and disabled: %+v", st)
	}

	conn.push(`{"type":"error","message":"Invalid motor name"}`)
	waitFor(t, "remote error", func() bool { return len(rec.noticesOf(NoticeRemoteError)) == 1 })
	if rec.noticesOf(NoticeRemoteError)[0].Message != "Invalid motor name" {
		t.Fatalf("remote error message lost")
	}
}

func TestStatusAndDrawingSessionsThroughDispatcher(t *testing.T) {
	testlog.Start(t)
	c, d, rec := newTestClient(t, testConfig(RoleControl))
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)

	if err := c.StartSession("  "); !errors.Is(err, ErrSessionIDRequired) {
		t.Fatalf("expected ErrSessionIDRequired, got %v", err)
	}
	if err := c.RequestSystemStatus(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := c.SubscribeEvents(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.CreateSession(rig.ModeAuto, "Night run"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.JoinSession("s-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	sent := conn.sent()
	if len(sent) != 5 {
		t.Fatalf("frames got=%v", conn.sentTypes())
	}
	if sent[1]["type"] != "get_system_status" || sent[2]["type"] != "subscribe_events" {
		t.Fatalf("unexpected frames: %v", conn.sentTypes())
	}
	if sent[3]["session_type"] != "auto" || sent[3]["name"] != "Night run" {
		t.Fatalf("create_session got=%v", sent[3])
	}
	if sent[4]["type"] != "join_session" || sent[4]["session_id"] != "s-1" {
		t.Fatalf("join_session got=%v", sent[4])
	}

	conn.push(`{"type":"system_status","health":{"status":"HEALTHY","active_sessions":1,"connected_clients":2,"uptime_seconds":30},"stats":{"total_connections":4}}`)
	conn.push(`{"type":"events_subscribed","events":["all"]}`)
	conn.push(`{"type":"session_created","session":{"session_id":"s-1","status":"created"}}`)
	conn.push(`{"type":"session_joined","session_id":"s-1"}`)
	conn.push(`{"type":"client_joined","session_id":"s-1","client_id":"web-7"}`)
	conn.push(`{"type":"session_started","session_id":"s-1","started_by":"web-7"}`)
	waitFor(t, "session started", func() bool {
		s, ok := c.Mirror().Snapshot().Sessions["s-1"]
		return ok && s.Phase == mirror.PhaseActive
	})
	snap := c.Mirror().Snapshot()
	if snap.Status == nil || snap.Status.Health.Status != "healthy" || snap.Status.Stats["total_connections"] != 4 {
		t.Fatalf("status got=%+v", snap.Status)
	}
	if snap.JoinedSession != "s-1" || len(snap.Sessions["s-1"].Participants) != 1 {
		t.Fatalf("session got=%+v joined=%q", snap.Sessions["s-1"], snap.JoinedSession)
	}

	conn.push(`{"type":"session_started"}`)
	conn.push(`{"type":"session_completed","session_id":"s-1"}`)
	waitFor(t, "session completed", func() bool {
		return len(c.Mirror().Snapshot().Sessions) == 0
	})
	if n := len(rec.noticesOf(NoticeDecode)); n != 1 {
		t.Fatalf("decode notices got=%d", n)
	}
	if c.Mirror().Snapshot().JoinedSession != "" {
		t.Fatalf("completed session should clear the joined id")
	}
}

func TestReauthenticate(t *testing.T) {
	testlog.Start(t)
	c, d, _ := newTestClient(t, testConfig(RoleControl))
	if err := c.Reauthenticate("stored-key"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)
	if conn.sent()[0]["api_key"] != "stored-key" {
		t.Fatalf("stored credential not used on connect: %v", conn.sent()[0])
	}
	if err := c.Reauthenticate("rotated-key"); err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	sent := conn.sent()
	if len(sent) != 2 || sent[1]["type"] != "authenticate" || sent[1]["api_key"] != "rotated-key" {
		t.Fatalf("handshake not resent: %v", sent)
	}
	if conn.isClosed() || c.State() != StateConnected {
		t.Fatalf("reauthenticate must keep the socket")
	}
}

func TestPingKeepalive(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(RoleControl)
	cfg.PingInterval = 10 * time.Millisecond
	c, d, _ := newTestClient(t, cfg)
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)
	waitFor(t, "pings", func() bool {
		n := 0
		for _, typ := range conn.sentTypes() {
			if typ == "ping" {
				n++
			}
		}
		return n >= 2
	})
	conn.push(`{"type":"pong","timestamp":1700000000.5}`)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	count := len(conn.sent())
	time.Sleep(40 * time.Millisecond)
	if len(conn.sent()) != count {
		t.Fatalf("pings continued after disconnect")
	}
}

func TestCloseStopsLoop(t *testing.T) {
	testlog.Start(t)
	c, d, _ := newTestClient(t, testConfig(RoleControl))
	conn := connectAndAuth(t, c, d, authOK)
	waitState(t, c, StateConnected)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !conn.isClosed() || c.State() != StateDisconnected {
		t.Fatalf("close should release the socket")
	}
	if err := c.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.SendActuatorCommand(rig.Canvas, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
