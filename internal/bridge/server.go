// Package bridge embeds a loopback automation server in the host process.
// One Server instance owns the main-thread executor, the log ring and
// broadcaster, the routing table, and the listener lifecycle; the host
// drives it by calling Drain once per tick and Start/Stop around its own
// reload cycle.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/executor"
	"github.com/hostbridge/hostbridge/internal/logger"
	"github.com/hostbridge/hostbridge/internal/securemem"
	"github.com/hostbridge/hostbridge/internal/stream"
)

// HandlerFunc is a business operation reachable over POST. The returned
// value is wrapped in a success envelope; returning protocol.Opaque routes
// a pre-serialized document through the resultJson field. Handlers mutate
// host state only through RunOnHost.
type HandlerFunc func(ctx context.Context, body json.RawMessage) (any, error)

// State is the lifecycle state of the server.
type State int32

const (
	// StateStopped means no listener is bound.
	StateStopped State = iota
	// StateStarting means Start is binding the listener.
	StateStarting
	// StateRunning means the server accepts requests.
	StateRunning
	// StateStopping means Stop is tearing the listener down.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrNotRunning rejects host-thread submissions while the bridge is down.
var ErrNotRunning = fmt.Errorf("bridge is not running")

// Server is the bridge. Exactly one instance exists per host process; the
// host constructs it once and passes it to whatever reacts to reload
// signals. The log ring and handler table survive restarts; the executor,
// broadcaster and listener are recreated by each Start.
type Server struct {
	cfg   config.ServerConfig
	token *securemem.String
	ring  *stream.Ring

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc
	busyProbe  atomic.Pointer[func() bool]

	// Swapped on every Start/Stop. Atomic so the log sink and request
	// handlers never contend with the lifecycle mutex.
	exec        atomic.Pointer[executor.Executor]
	broadcaster atomic.Pointer[stream.Broadcaster]

	mu         sync.Mutex
	state      State
	httpServer *http.Server
	listener   net.Listener
	limiter    *rate.Limiter
}

// New creates a stopped bridge server. An empty auth token disables
// authentication; the insecure default is logged once on each Start.
func New(cfg config.ServerConfig) *Server {
	return &Server{
		cfg:      cfg,
		token:    securemem.NewString(cfg.AuthToken),
		ring:     stream.NewRing(cfg.RingCapacity),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a business operation at the given path. Registration
// must happen before Start; paths registered later take effect on the next
// restart.
func (s *Server) Handle(path string, h HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[path] = h
}

// SetBusyProbe installs the host's readiness probe backing /status. The
// probe is called from request goroutines and must be safe off the host
// thread (typically an atomic read).
func (s *Server) SetBusyProbe(probe func() bool) {
	s.busyProbe.Store(&probe)
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound listen address, or "" while stopped. Useful when
// the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins serving. Only valid from Stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start bridge while %s", state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	exec := executor.New()
	broadcaster := stream.NewBroadcaster()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("failed to bind bridge listener on %s: %w", s.cfg.Addr(), err)
	}

	httpServer := &http.Server{
		Handler:     s.buildRouter(),
		ReadTimeout: s.cfg.ReadTimeout(),
		// No write timeout: the event stream stays open indefinitely.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst < 1 {
			burst = s.cfg.RateLimit
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.listener = listener
	s.limiter = limiter
	s.exec.Store(exec)
	s.broadcaster.Store(broadcaster)
	s.state = StateRunning
	s.mu.Unlock()

	go broadcaster.Run()
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			// Serve only fails like this outside an orderly Stop.
			logger.Error("bridge listener failed: %v", err)
		}
	}()

	if s.token.IsEmpty() {
		logger.Warn("bridge auth token not configured; accepting all local clients")
	}
	logger.Info("bridge listening on %s", listener.Addr())

	return nil
}

// Stop tears the listener down: subscribers are closed, queued host tasks
// are rejected (the work is intentionally discarded; the host's reload
// invalidates it), and the HTTP server is shut down. Safe to call while
// stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.limiter = nil
	s.mu.Unlock()

	logger.Info("stopping bridge")

	if broadcaster := s.broadcaster.Swap(nil); broadcaster != nil {
		broadcaster.Stop()
	}
	if exec := s.exec.Swap(nil); exec != nil {
		exec.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to shut down bridge listener: %w", err)
	}
	return nil
}

// RunOnHost submits fn to the main-thread executor and waits for its
// result. Every host-state mutation performed by a handler goes through
// here.
func (s *Server) RunOnHost(ctx context.Context, fn func() (any, error)) (any, error) {
	exec := s.exec.Load()
	if exec == nil {
		return nil, ErrNotRunning
	}
	return exec.EnqueueFunc(fn).Wait(ctx)
}

// Drain runs all currently queued host tasks. The host calls this once per
// tick from its single logical thread; it is a no-op while stopped.
func (s *Server) Drain() int {
	exec := s.exec.Load()
	if exec == nil {
		return 0
	}
	return exec.Drain()
}

// Pending returns the number of queued host tasks.
func (s *Server) Pending() int {
	exec := s.exec.Load()
	if exec == nil {
		return 0
	}
	return exec.Len()
}

// SubscriberCount returns the number of live log subscribers.
func (s *Server) SubscriberCount() int {
	broadcaster := s.broadcaster.Load()
	if broadcaster == nil {
		return 0
	}
	return broadcaster.Count()
}

// LogLine implements logger.Sink: every host log line lands in the ring
// buffer and, while the bridge runs, on the live feeds. Attach with
// logger.AddSink(server).
func (s *Server) LogLine(ts time.Time, level logger.Level, text string) {
	line := stream.Line{Time: ts, Level: level.String(), Text: text}
	s.ring.Append(line)
	if broadcaster := s.broadcaster.Load(); broadcaster != nil {
		broadcaster.Publish(line)
	}
}
