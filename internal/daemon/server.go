package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/vlab/internal/config"
	"github.com/g960059/vlab/internal/db"
	"github.com/g960059/vlab/internal/experiment"
	"github.com/g960059/vlab/internal/metric"
	"github.com/g960059/vlab/internal/registry"
)

const acceptRetryDelay = 50 * time.Millisecond

// Deps are optional collaborators. Nil fields are built from the config or
// left disabled (Journal).
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Journal  *db.Journal
	Registry *registry.Registry
}

type Server struct {
	cfg       config.Config
	def       experiment.Definition
	logger    *slog.Logger
	metrics   *metric.Metrics
	journal   *db.Journal
	registry  *registry.Registry
	httpSrv   *http.Server
	startedAt time.Time

	mu        sync.Mutex
	listeners map[int]net.Listener
	adminLn   net.Listener
	conns     map[net.Conn]struct{}
	closing   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config) (*Server, error) {
	return NewServerWithDeps(cfg, Deps{})
}

func NewServerWithDeps(cfg config.Config, deps Deps) (*Server, error) {
	def, err := cfg.Definition()
	if err != nil {
		return nil, fmt.Errorf("resolve experiment: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		def:       def,
		logger:    logger.With("component", "server"),
		metrics:   deps.Metrics,
		journal:   deps.Journal,
		registry:  deps.Registry,
		startedAt: time.Now().UTC(),
		listeners: map[int]net.Listener{},
		conns:     map[net.Conn]struct{}{},
		done:      make(chan struct{}),
	}
	if s.metrics == nil {
		s.metrics = metric.NewMetrics()
	}
	if s.registry == nil {
		observers := []registry.Observer{s.metrics}
		if s.journal != nil {
			observers = append(observers, s.journal)
		}
		s.registry = registry.New(func(identity string) (*experiment.Session, error) {
			return experiment.New(identity, def)
		}, registry.Options{
			Logger:            logger,
			Observers:         observers,
			EvictOnDisconnect: cfg.EvictOnDisconnect,
		})
	}
	s.httpSrv = &http.Server{
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) Metrics() *metric.Metrics { return s.metrics }

// Ports lists the instrument ports of the configured experiment.
func (s *Server) Ports() []int { return s.def.PortNumbers() }

// Start binds every instrument port on cfg.Host, plus the admin address when
// configured, then serves until ctx is done. A bind failure releases every
// listener bound so far and is returned before anything is served.
func (s *Server) Start(ctx context.Context) error {
	listeners := make(map[int]net.Listener, len(s.def.Ports))
	release := func() {
		for _, ln := range listeners {
			ln.Close() //nolint:errcheck
		}
	}
	for _, port := range s.Ports() {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			release()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners[port] = ln
	}
	if s.cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			release()
			return fmt.Errorf("listen admin %s: %w", s.cfg.AdminAddr, err)
		}
		s.mu.Lock()
		s.adminLn = ln
		s.mu.Unlock()
	}
	return s.Serve(ctx, listeners)
}

// Serve serves pre-bound listeners keyed by instrument port until ctx is
// done, then shuts down. Every key must be a port of the experiment.
func (s *Server) Serve(ctx context.Context, listeners map[int]net.Listener) error {
	for port := range listeners {
		if !s.hasPort(port) {
			for _, ln := range listeners {
				ln.Close() //nolint:errcheck
			}
			return fmt.Errorf("port %d is not part of experiment %s", port, s.def.Name)
		}
	}
	if s.closing.Load() {
		return registry.ErrShutdown
	}

	s.mu.Lock()
	for port, ln := range listeners {
		s.listeners[port] = ln
	}
	adminLn := s.adminLn
	s.mu.Unlock()

	errCh := make(chan error, 1)
	if adminLn != nil {
		go func() {
			if err := s.httpSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errCh <- fmt.Errorf("serve admin: %w", err):
				default:
				}
			}
		}()
	}

	ports := make([]int, 0, len(listeners))
	for port, ln := range listeners {
		ports = append(ports, port)
		s.wg.Add(1)
		go s.acceptLoop(ctx, port, ln)
	}
	sort.Ints(ports)
	s.wg.Add(1)
	go s.evictLoop(ctx)
	s.logger.Info("serving", "experiment", s.def.Name, "host", s.cfg.Host, "ports", ports, "admin", s.cfg.AdminAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case <-s.done:
		return nil
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}
}

func (s *Server) hasPort(port int) bool {
	for _, p := range s.def.Ports {
		if p.Number == port {
			return true
		}
	}
	return false
}

// Addr returns the bound address of an instrument port, or nil.
func (s *Server) Addr(port int) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.listeners[port]; ok {
		return ln.Addr()
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, port int, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "port", port, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		if !s.trackConn(conn) {
			conn.Close() //nolint:errcheck
			continue
		}
		s.wg.Add(1)
		go s.handleConn(port, conn)
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) evictLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if evicted := s.registry.EvictIdle(s.cfg.IdleTimeout); len(evicted) > 0 {
				s.logger.Debug("idle sweep", "evicted", evicted)
			}
		}
	}
}

// Shutdown stops accepting, closes every open connection, waits for their
// goroutines and evicts every session. Later calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.mu.Lock()
		s.closing.Store(true)
		close(s.done)
		listeners := s.listeners
		s.listeners = map[int]net.Listener{}
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		adminLn := s.adminLn
		s.adminLn = nil
		s.mu.Unlock()

		if adminLn != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
			}
		}
		for port, ln := range listeners {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("close port %d: %w", port, err))
			}
		}
		for _, c := range conns {
			c.Close() //nolint:errcheck
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for connections: %w", ctx.Err()))
		}

		if err := s.registry.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
		s.logger.Info("server stopped")
	})
	return s.shutdownErr
}
