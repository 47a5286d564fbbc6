package fakectl

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/rigsync/internal/auth"
	"github.com/danmuck/rigsync/internal/observability"
	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
	"github.com/danmuck/rigsync/internal/transport/ws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Controller endpoint configuration.
type ServiceConfig struct {
	ListenAddr     string
	Path           string
	APIKey         string
	InitialMode    rig.Mode
	StateInterval  time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	// EnforceAccess rejects commands from clients without API access.
	EnforceAccess bool
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:    "127.0.0.1:8765",
		Path:          "/ws",
		InitialMode:   rig.ModeManual,
		StateInterval: 5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

type peer struct {
	id         string
	conn       *ws.Conn
	clientType string
	apiAccess  bool
}

// Service is one fake controller. All controller state is guarded by mu.
type Service struct {
	cfg      ServiceConfig
	policy   auth.Policy
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	peers     map[string]*peer
	mode      rig.Mode
	actuators map[rig.ActuatorID]rig.ActuatorState
	emergency bool
	limits    rig.Limits
	started   time.Time
	sessions  map[string]*drawing
	stats     serviceStats
}

func NewService(cfg ServiceConfig) *Service {
	d := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = d.Path
	}
	if cfg.InitialMode == "" {
		cfg.InitialMode = d.InitialMode
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	s := &Service{
		cfg:       cfg,
		policy:    auth.NewKeyPolicy(cfg.APIKey, protocol.ClientTypeObserver),
		upgrader:  makeUpgrader(cfg.AllowedOrigins),
		logger:    observability.Component("fakectl"),
		now:       time.Now,
		peers:     make(map[string]*peer),
		mode:      cfg.InitialMode,
		actuators: make(map[rig.ActuatorID]rig.ActuatorState),
		limits:    rig.DefaultLimits(),
		sessions:  make(map[string]*drawing),
	}
	now := s.now()
	s.started = now
	for _, id := range rig.KnownActuators() {
		st := rig.Stopped()
		st.LastUpdate = now
		s.actuators[id] = st
	}
	return s
}

// makeUpgrader allows any origin when allowed is empty.
func makeUpgrader(allowed []string) websocket.Upgrader {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSpace(o)] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(set) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || set[origin]
		},
	}
}

// Handler serves the websocket endpoint and /healthz behind request logging
// and metrics.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return observability.RequestLogger(s.logger, observability.RequestMetrics(mux))
}

// Run listens on ListenAddr and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Warn().Msgf("fakectl.Service.Run listening addr=%q path=%s", ln.Addr().String(), s.cfg.Path)
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server and the periodic state broadcast on ln.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.DropClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.cfg.StateInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.StateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					s.BroadcastState()
				}
			}
		})
	}
	return g.Wait()
}

func (s *Service) serveWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Msgf("fakectl.Service upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	p := &peer{
		id:         uuid.NewString(),
		conn:       ws.Wrap(raw, s.cfg.WriteTimeout, protocol.MaxFrameSize),
		clientType: "unknown",
	}
	s.track(p)
	defer s.untrack(p)
	s.logger.Info().Msgf("fakectl.Service client connected id=%s remote=%s", p.id, r.RemoteAddr)

	s.send(p, s.systemStateMessage())
	for {
		data, err := p.conn.ReadFrame()
		if err != nil {
			s.logger.Info().Msgf("fakectl.Service client disconnected id=%s err=%v", p.id, err)
			return
		}
		s.handle(p, data)
	}
}

// Clients returns the number of connected clients.
func (s *Service) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// DropClients closes every client socket without a handshake outcome.
func (s *Service) DropClients() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (s *Service) track(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.id] = p
	s.stats.connections++
	if n := len(s.peers); n > s.stats.peakClients {
		s.stats.peakClients = n
	}
}

func (s *Service) untrack(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
	_ = p.conn.Close()
}
