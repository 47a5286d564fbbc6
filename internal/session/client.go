package session

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rigsync/internal/mirror"
	"github.com/danmuck/rigsync/internal/observability"
	"github.com/rs/zerolog"
)

// Hooks receive engine events on the client loop. They must return quickly and
// must not call Client methods other than State, ReconnectPending and Mirror.
type Hooks struct {
	OnStateChange  func(prev, next State)
	OnNotice       func(Notice)
	OnMirrorUpdate func(msgType string, res mirror.MergeResult)
}

// Client is one engine instance: lifecycle, handshake, dispatch and commands
// around a single Mirror.
type Client struct {
	cfg    Config
	dialer Dialer
	hooks  Hooks
	mirror *mirror.Mirror
	now    func() time.Time
	logger zerolog.Logger
	role   string

	tasks     chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	state            atomic.Int32
	reconnectPending atomic.Bool
	stateMu          sync.Mutex
	stateChanged     chan struct{}

	// Owned by the loop goroutine.
	gen            uint64
	conn           Conn
	connID         string
	dialCancel     context.CancelFunc
	reconnectTimer *time.Timer
	handshakeTimer *time.Timer
	pingTimer      *time.Timer
	attempts       int
	closing        bool
	credential     string
	clientID       string
	apiAccess      bool
	rng            *rand.Rand
	handlers       map[string]handler
}

// New validates cfg and starts the client loop. The client starts
// Disconnected; call Connect to dial.
func New(cfg Config, dialer Dialer, hooks Hooks) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, ErrDialerRequired
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Client{
		cfg:    cfg,
		dialer: dialer,
		hooks:  hooks,
		mirror: mirror.New(mirror.Options{
			Actuators:      cfg.Actuators,
			DebounceWindow: cfg.DebounceWindow,
			Now:            now,
		}),
		now:          now,
		logger:       observability.Component("session").With().Str("role", string(cfg.Role)).Logger(),
		role:         string(cfg.Role),
		tasks:        make(chan func()),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		stateChanged: make(chan struct{}),
		credential:   cfg.Credential,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.handlers = c.buildHandlers()
	observability.SetConnectionState(c.role, int(StateDisconnected))
	go c.loop()
	return c, nil
}

func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.stop:
			return
		}
	}
}

// post queues fn on the loop. It returns false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case c.tasks <- fn:
		return true
	case <-c.stop:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Client) do(fn func()) error {
	ran := make(chan struct{})
	if !c.post(func() {
		fn()
		close(ran)
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close disconnects, stops the loop and waits for every client goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.do(func() {
			c.closing = true
			c.teardown()
			c.cancelReconnect()
			c.setState(StateDisconnected)
			c.logger.Debug().Msg("session.Client closed")
		})
		close(c.stop)
		<-c.done
		c.wg.Wait()
	})
	return nil
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (c *Client) ReconnectPending() bool {
	return c.reconnectPending.Load()
}

// Mirror returns the client's state mirror. It is safe for concurrent readers.
func (c *Client) Mirror() *mirror.Mirror {
	return c.mirror
}

// WaitForState blocks until the client reaches want, ctx ends or the client closes.
func (c *Client) WaitForState(ctx context.Context, want State) error {
	for {
		c.stateMu.Lock()
		changed := c.stateChanged
		c.stateMu.Unlock()
		if c.State() == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			if c.State() == want {
				return nil
			}
			return ErrClosed
		}
	}
}

func (c *Client) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.stateMu.Lock()
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.stateMu.Unlock()

	observability.SetConnectionState(c.role, int(next))
	c.logger.Info().Msgf("session.Client state %s -> %s conn=%s", prev, next, c.connID)
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(prev, next)
	}
}

func (c *Client) notify(kind NoticeKind, err error, message string) {
	n := Notice{Kind: kind, Err: err, Message: message, At: c.now()}
	ev := c.logger.Warn()
	if kind == NoticeNotConnected || kind == NoticeRestricted {
		ev = c.logger.Info()
	}
	ev.Msgf("session.Client notice kind=%s err=%v message=%q", kind, err, message)
	if c.hooks.OnNotice != nil {
		c.hooks.OnNotice(n)
	}
}

func (c *Client) mirrorUpdated(msgType string, res mirror.MergeResult) {
	if c.hooks.OnMirrorUpdate != nil {
		c.hooks.OnMirrorUpdate(msgType, res)
	}
}
