package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/g960059/vlab/internal/experiment"
)

var ErrShutdown = errors.New("registry is shut down")

// Eviction reasons reported to observers.
const (
	ReasonIdle       = "idle"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

const createAttempts = 2

type Constructor func(identity string) (*experiment.Session, error)

// Observer is notified of session lifecycle events. Calls happen outside the
// registry lock, on the goroutine that caused the event.
type Observer interface {
	SessionCreated(s *experiment.Session)
	SessionEvicted(s *experiment.Session, reason string)
}

// SessionCreationError reports a constructor that failed on every attempt.
type SessionCreationError struct {
	Identity string
	Attempts int
	Err      error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session for %s after %d attempts: %v", e.Identity, e.Attempts, e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

type Options struct {
	Logger    *slog.Logger
	Observers []Observer
	// EvictOnDisconnect drops a session as soon as its last connection closes
	// instead of waiting for the idle sweep.
	EvictOnDisconnect bool
}

// Registry maps client identities to sessions. At most one session exists per
// identity at any time.
type Registry struct {
	ctor              Constructor
	logger            *slog.Logger
	observers         []Observer
	evictOnDisconnect bool

	mu       sync.Mutex
	sessions map[string]*experiment.Session
	closed   bool

	createMu    sync.Mutex
	createLocks map[string]*createLockEntry
}

type createLockEntry struct {
	mu   sync.Mutex
	refs int
}

// Summary is a point-in-time view of one session.
type Summary struct {
	ID           string
	Identity     string
	Experiment   string
	Ports        []int
	CreatedAt    time.Time
	LastActivity time.Time
	ActiveConns  int
}

func New(ctor Constructor, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctor:              ctor,
		logger:            logger.With("component", "registry"),
		observers:         opts.Observers,
		evictOnDisconnect: opts.EvictOnDisconnect,
		sessions:          map[string]*experiment.Session{},
		createLocks:       map[string]*createLockEntry{},
	}
}

func (r *Registry) lookup(identity string) (*experiment.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrShutdown
	}
	s, ok := r.sessions[identity]
	return s, ok, nil
}

// GetOrCreate returns the session of identity, building it with ctor on first
// contact. Concurrent first contacts for one identity share a single
// construction; other identities are never blocked by it.
func (r *Registry) GetOrCreate(identity string, ctor Constructor) (*experiment.Session, error) {
	if s, ok, err := r.lookup(identity); err != nil || ok {
		return s, err
	}

	unlock := r.lockIdentity(identity)
	defer unlock()

	if s, ok, err := r.lookup(identity); err != nil || ok {
		return s, err
	}

	var (
		s   *experiment.Session
		err error
	)
	for attempt := 1; attempt <= createAttempts; attempt++ {
		s, err = ctor(identity)
		if err == nil {
			break
		}
		r.logger.Warn("session creation failed", "client", identity, "attempt", attempt, "error", err)
	}
	if err != nil {
		return nil, &SessionCreationError{Identity: identity, Attempts: createAttempts, Err: err}
	}

	// Observers run before the session is visible, so no connection can
	// dispatch on it ahead of its journal row.
	r.logger.Info("session created", "client", identity, "session", s.ID, "experiment", s.Experiment)
	for _, o := range r.observers {
		o.SessionCreated(s)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = r.finish(s, ReasonShutdown)
		return nil, ErrShutdown
	}
	r.sessions[identity] = s
	r.mu.Unlock()
	return s, nil
}

// Acquire returns the session of identity with one more active connection
// registered on it. The returned release must be called exactly once when the
// connection ends; further calls are no-ops.
func (r *Registry) Acquire(identity string) (*experiment.Session, func(), error) {
	for {
		s, err := r.GetOrCreate(identity, r.ctor)
		if err != nil {
			return nil, nil, err
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nil, ErrShutdown
		}
		if r.sessions[identity] != s {
			// Evicted between lookup and attach; start over.
			r.mu.Unlock()
			continue
		}
		s.Attach()
		r.mu.Unlock()
		return s, sync.OnceFunc(func() { r.release(identity, s) }), nil
	}
}

func (r *Registry) release(identity string, s *experiment.Session) {
	r.mu.Lock()
	remaining := s.Detach()
	evict := remaining == 0 && r.evictOnDisconnect && !r.closed && r.sessions[identity] == s
	if evict {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()
	if evict {
		r.finish(s, ReasonDisconnect)
	}
}

// EvictIdle removes every session without active connections whose last
// activity is at least timeout ago, and returns the evicted identities.
func (r *Registry) EvictIdle(timeout time.Duration) []string {
	var victims []*experiment.Session
	r.mu.Lock()
	for identity, s := range r.sessions {
		if s.ActiveConns() > 0 || s.IdleFor() < timeout {
			continue
		}
		delete(r.sessions, identity)
		victims = append(victims, s)
	}
	r.mu.Unlock()

	out := make([]string, 0, len(victims))
	for _, s := range victims {
		r.finish(s, ReasonIdle)
		out = append(out, s.Identity)
	}
	sort.Strings(out)
	return out
}

// Shutdown evicts every session and rejects later requests with ErrShutdown.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	victims := make([]*experiment.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		victims = append(victims, s)
	}
	r.sessions = map[string]*experiment.Session{}
	r.mu.Unlock()

	var errs []error
	for _, s := range victims {
		if err := r.finish(s, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) finish(s *experiment.Session, reason string) error {
	err := s.Close()
	if err != nil {
		r.logger.Warn("session close failed", "client", s.Identity, "session", s.ID, "error", err)
	}
	r.logger.Info("session evicted", "client", s.Identity, "session", s.ID, "reason", reason)
	for _, o := range r.observers {
		o.SessionEvicted(s, reason)
	}
	return err
}

func (r *Registry) Get(identity string) (*experiment.Session, bool) {
	s, ok, _ := r.lookup(identity)
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists live sessions ordered by identity.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Summary{
			ID:           s.ID,
			Identity:     s.Identity,
			Experiment:   s.Experiment,
			Ports:        s.Ports(),
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
			ActiveConns:  s.ActiveConns(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (r *Registry) lockIdentity(identity string) func() {
	r.createMu.Lock()
	entry, ok := r.createLocks[identity]
	if !ok {
		entry = &createLockEntry{}
		r.createLocks[identity] = entry
	}
	entry.refs++
	r.createMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		r.createMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.createLocks, identity)
		}
		r.createMu.Unlock()
	}
}
