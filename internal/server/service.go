// Package server implements the HTTP control plane: a Service with a linear
// Stopped/Starting/Running/Stopping lifecycle that exposes the emulator's
// topology over a gin router.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"mnrestd/internal/emulator"
	"mnrestd/internal/events"
	"mnrestd/internal/health"
	"mnrestd/internal/runtime/commands"
	"mnrestd/internal/runtime/supervisor"
	"mnrestd/internal/topology"
)

const (
	defaultDrainTimeout      = 10 * time.Second
	defaultCallTimeout       = 5 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	// shutdownGrace bounds how long cancelled handlers get to write their
	// response once the drain timeout has passed.
	shutdownGrace = 2 * time.Second

	healthHTTP     = "http"
	healthEmulator = "emulator"
)

// Authenticator decides whether a request may reach the topology routes.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// Option configures a Service at construction.
type Option func(*Service)

func WithHost(host string) Option { return func(s *Service) { s.host = host } }

func WithDrainTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.readHeaderTimeout = d
		}
	}
}

// WithMaxConnections caps concurrently open client connections. Zero means
// unlimited.
func WithMaxConnections(n int) Option { return func(s *Service) { s.maxConns = n } }

// WithRateLimit enables a global token-bucket limit on topology routes.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithAuthenticator(a Authenticator) Option { return func(s *Service) { s.authenticator = a } }

func WithLogger(logger zerolog.Logger) Option { return func(s *Service) { s.logger = logger } }

func WithVersion(version string) Option { return func(s *Service) { s.version = version } }

// WithRequestValidation validates requests against the embedded OpenAPI
// document before they reach a handler.
func WithRequestValidation(enabled bool) Option { return func(s *Service) { s.validate = enabled } }

// WithEventBus shares an existing bus instead of a private one.
func WithEventBus(bus *events.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithID overrides the generated service id.
func WithID(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.id = id
		}
	}
}

// Service is the HTTP control plane bound to one emulator. It does not own
// the emulator: the caller creates it before New and releases it after Stop.
type Service struct {
	id      string
	host    string
	port    int
	version string
	emu     emulator.Emulator
	logger  zerolog.Logger

	drainTimeout      time.Duration
	callTimeout       time.Duration
	readHeaderTimeout time.Duration
	maxConns          int
	limiter           *rate.Limiter
	authenticator     Authenticator
	validate          bool

	bus        *events.Bus
	health     *health.Tracker
	dispatcher *commands.Dispatcher
	supervisor *supervisor.Supervisor
	router     *gin.Engine
	validator  *openAPIValidator

	mu         sync.Mutex
	state      atomic.Int32
	listener   net.Listener
	httpSrv    *http.Server
	baseCancel context.CancelCauseFunc
	serveDone  chan struct{}
}

// New builds a stopped Service for emu on port.
func New(emu emulator.Emulator, port int, opts ...Option) (*Service, error) {
	if emu == nil {
		return nil, errors.New("server: emulator is required")
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("server: port %d out of range 1..65535", port)
	}
	s := &Service{
		id:                uuid.NewString(),
		port:              port,
		version:           "dev",
		emu:               emu,
		logger:            zerolog.Nop(),
		drainTimeout:      defaultDrainTimeout,
		callTimeout:       defaultCallTimeout,
		readHeaderTimeout: defaultReadHeaderTimeout,
		health:            health.NewTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus()
	}
	s.logger = s.logger.With().Str("component", "server").Str("service_id", s.id).Logger()

	if s.validate {
		v, err := newOpenAPIValidator()
		if err != nil {
			return nil, fmt.Errorf("server: openapi validator: %w", err)
		}
		s.validator = v
	}

	s.dispatcher = commands.NewDispatcher()
	s.dispatcher.Use(commands.Logging(s.logger.With().Str("component", "dispatcher").Logger()))
	s.dispatcher.Use(commands.Guard(commands.NewGate(), s.callTimeout))
	topology.RegisterHandlers(s.dispatcher, s.emu, s.bus)

	s.supervisor = supervisor.New(s.logger)
	s.supervisor.Register(newTopologyAuditor(s.bus, s.logger))
	s.supervisor.Register(newEmulatorProbe(s.emu, s.health, s.logger))

	s.health.Setf(healthHTTP, health.LevelWarn, "stopped")
	s.setupRoutes()
	return s, nil
}

func (s *Service) String() string {
	return fmt.Sprintf("<Service %s %d>", s.id, s.port)
}

// ID returns the identifier assigned at construction.
func (s *Service) ID() string { return s.id }

func (s *Service) Port() int { return s.port }

// State returns the current lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

// Addr returns the bound address while Starting or Running, nil otherwise.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Events exposes the bus carrying lifecycle and topology notifications.
func (s *Service) Events() *events.Bus { return s.bus }

// Health exposes the component health tracker.
func (s *Service) Health() *health.Tracker { return s.health }

// ServeHTTP dispatches one request through the router. Requests outside the
// Running state are answered with 503.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start binds the listening socket and begins serving. It returns
// ErrAlreadyRunning when the service is Running or Starting and a
// *BindError when the port cannot be bound.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	switch from := s.State(); from {
	case StateRunning, StateStarting:
		s.mu.Unlock()
		s.logger.Info().Str("state", from.String()).Msg("start ignored: already running")
		return ErrAlreadyRunning
	case StateStopping:
		s.mu.Unlock()
		return &TransitionError{Op: "start", State: from}
	}
	s.transitionLocked(StateStarting)
	s.mu.Unlock()

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.transitionLocked(StateStopped)
		s.mu.Unlock()
		bindErr := &BindError{Addr: addr, Err: err}
		s.logger.Error().Err(err).Str("addr", addr).
			Bool("addr_in_use", bindErr.AddrInUse()).
			Bool("permission_denied", bindErr.PermissionDenied()).
			Msg("bind failed")
		return bindErr
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	if err := s.supervisor.Start(context.WithoutCancel(ctx)); err != nil {
		_ = ln.Close()
		s.mu.Lock()
		s.transitionLocked(StateStopped)
		s.mu.Unlock()
		return fmt.Errorf("server: start components: %w", err)
	}

	baseCtx, cancel := context.WithCancelCause(context.Background())
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          log.New(s.logger.With().Str("component", "http").Logger(), "", 0),
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.baseCancel = cancel
	s.serveDone = done
	s.transitionLocked(StateRunning)
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("serve loop exited")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control plane listening")
	return nil
}

// Stop stops accepting connections and drains in-flight requests for up to
// the drain timeout. Requests still running after that are cancelled and
// answered with ServiceShuttingDown. Stop returns ErrNotRunning when the
// service is Stopped or already Stopping.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch from := s.State(); from {
	case StateStopped, StateStopping:
		s.mu.Unlock()
		s.logger.Info().Str("state", from.String()).Msg("stop ignored: not running")
		return ErrNotRunning
	case StateStarting:
		s.mu.Unlock()
		return &TransitionError{Op: "stop", State: from}
	}
	srv, cancel, done := s.httpSrv, s.baseCancel, s.serveDone
	s.listener = nil
	s.transitionLocked(StateStopping)
	s.mu.Unlock()

	drainCtx, cancelDrain := context.WithTimeout(ctx, s.drainTimeout)
	err := srv.Shutdown(drainCtx)
	cancelDrain()
	if err != nil {
		s.logger.Warn().Err(err).Dur("drain_timeout", s.drainTimeout).Msg("drain incomplete, cancelling in-flight requests")
		cancel(ErrServiceShuttingDown)
		graceCtx, cancelGrace := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		if err := srv.Shutdown(graceCtx); err != nil {
			_ = srv.Close()
		}
		cancelGrace()
	}
	cancel(ErrServiceShuttingDown)
	<-done

	if err := s.supervisor.Stop(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn().Err(err).Msg("components did not stop cleanly")
	}

	s.mu.Lock()
	s.httpSrv = nil
	s.baseCancel = nil
	s.serveDone = nil
	s.transitionLocked(StateStopped)
	s.mu.Unlock()
	s.logger.Info().Msg("control plane stopped")
	return nil
}

func (s *Service) transitionLocked(to State) {
	from := State(s.state.Swap(int32(to)))
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state transition")

	switch to {
	case StateRunning:
		s.health.Setf(healthHTTP, health.LevelOK, "serving on port %d", s.port)
	case StateStopped:
		s.health.Setf(healthHTTP, health.LevelWarn, "stopped")
	default:
		s.health.Setf(healthHTTP, health.LevelWarn, "%s", to)
	}
	s.bus.Publish(events.Event{
		Topic:   events.TopicServiceStateChanged,
		Payload: events.ServiceStateChanged{ServiceID: s.id, From: from.String(), To: to.String()},
	})
}
