package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rigsync/internal/mirror"
)

var errConnClosed = errors.New("fake: conn closed")

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case b := <-f.inbound:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) push(frame string) {
	select {
	case f.inbound <- []byte(frame):
	case <-f.closed:
	}
}

// sent decodes every written frame.
func (f *fakeConn) sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.writes))
	for _, w := range f.writes {
		var m map[string]any
		if err := json.Unmarshal(w, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) sentTypes() []string {
	msgs := f.sent()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	count int
	dials chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	d.count++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.dials <- conn
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dials:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
	states  []State
	updates []string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStateChange: func(_, next State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, next)
		},
		OnNotice: func(n Notice) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notices = append(r.notices, n)
		},
		OnMirrorUpdate: func(msgType string, _ mirror.MergeResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, msgType)
		},
	}
}

func (r *recorder) noticesOf(kind NoticeKind) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, 0)
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(role Role) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "ws://rig.test/ws"
	cfg.Role = role
	cfg.Credential = "secret"
	cfg.ReconnectDelay = 20 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeDialer, *recorder) {
	t.Helper()
	d := newFakeDialer()
	rec := &recorder{}
	c, err := New(cfg, d, rec.hooks())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, d, rec
}

// connectAndAuth dials and completes the handshake with the given reply.
func connectAndAuth(t *testing.T, c *Client, d *fakeDialer, reply string) *fakeConn {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := d.next(t)
	waitFor(t, "handshake", func() bool { return len(conn.sent()) > 0 })
	conn.push(reply)
	return conn
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForState(ctx, want); err != nil {
		t.Fatalf("wait for %s: %v (state=%s)", want, err, c.State())
	}
}
