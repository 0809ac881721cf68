package experiment

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/vlab/internal/instrument"
)

var (
	ErrNoInstrument = errors.New("no instrument on port")
	ErrClosed       = errors.New("session closed")
)

// Port binds one TCP port number to an instrument constructor.
type Port struct {
	Number int
	Kind   string
	New    func() instrument.Instrument
}

// Definition describes an experiment: the instruments a session owns and how
// they are coupled.
type Definition struct {
	Name  string
	Ports []Port
	// Couple runs once per session after every instrument is built, before the
	// session is visible to any connection.
	Couple func(s *Session) error
}

func (d Definition) PortNumbers() []int {
	out := make([]int, 0, len(d.Ports))
	for _, p := range d.Ports {
		out = append(out, p.Number)
	}
	sort.Ints(out)
	return out
}

func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("experiment name is required")
	}
	if len(d.Ports) == 0 {
		return fmt.Errorf("experiment %s has no ports", d.Name)
	}
	seen := map[int]bool{}
	for _, p := range d.Ports {
		if p.Number <= 0 || p.Number > 65535 {
			return fmt.Errorf("experiment %s: invalid port %d", d.Name, p.Number)
		}
		if seen[p.Number] {
			return fmt.Errorf("experiment %s: duplicate port %d", d.Name, p.Number)
		}
		if p.New == nil {
			return fmt.Errorf("experiment %s: port %d has no instrument", d.Name, p.Number)
		}
		seen[p.Number] = true
	}
	return nil
}

type Option func(*Session)

// WithClock overrides the time source used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the instrument set owned by one client identity. Every dispatch
// runs under the session mutex, so couplings fan out while holding it.
type Session struct {
	ID         string
	Identity   string
	Experiment string
	CreatedAt  time.Time

	now         func() time.Time
	mu          sync.Mutex
	instruments map[int]instrument.Instrument
	closed      bool

	lastActivity atomic.Int64
	activeConns  atomic.Int32
}

func New(identity string, def Definition, opts ...Option) (*Session, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		ID:          uuid.NewString(),
		Identity:    identity,
		Experiment:  def.Name,
		now:         time.Now,
		instruments: make(map[int]instrument.Instrument, len(def.Ports)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.CreatedAt = s.now().UTC()
	s.lastActivity.Store(s.CreatedAt.UnixNano())

	for _, p := range def.Ports {
		inst := p.New()
		if inst == nil {
			return nil, fmt.Errorf("experiment %s: port %d constructor returned nil", def.Name, p.Number)
		}
		s.instruments[p.Number] = inst
	}
	if def.Couple != nil {
		if err := def.Couple(s); err != nil {
			s.closeInstruments()
			return nil, fmt.Errorf("couple %s: %w", def.Name, err)
		}
	}
	return s, nil
}

// Instrument returns the instrument bound to port. It does not lock; callers
// outside Dispatch must not touch instrument state concurrently with it.
func (s *Session) Instrument(port int) (instrument.Instrument, error) {
	inst, ok := s.instruments[port]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoInstrument, port)
	}
	return inst, nil
}

func (s *Session) Ports() []int {
	out := make([]int, 0, len(s.instruments))
	for p := range s.instruments {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Dispatch runs line on the instrument bound to port.
func (s *Session) Dispatch(port int, line string) (instrument.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return instrument.Reply{}, ErrClosed
	}
	inst, ok := s.instruments[port]
	if !ok {
		return instrument.Reply{}, fmt.Errorf("%w %d", ErrNoInstrument, port)
	}
	s.Touch()
	return inst.Dispatch(line), nil
}

func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

// IdleFor reports how long the session has been without traffic.
func (s *Session) IdleFor() time.Duration {
	return s.now().Sub(s.LastActivity())
}

func (s *Session) ActiveConns() int { return int(s.activeConns.Load()) }

// Attach and Detach count live connections. The registry calls them while
// holding its own lock so that eviction observes a consistent count.
func (s *Session) Attach() int { return int(s.activeConns.Add(1)) }
func (s *Session) Detach() int { return int(s.activeConns.Add(-1)) }

// Close releases instruments that own background work. Dispatch fails with
// ErrClosed afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeInstruments()
}

func (s *Session) closeInstruments() error {
	var errs []error
	for _, port := range s.Ports() {
		if c, ok := s.instruments[port].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("port %d: %w", port, err))
			}
		}
	}
	return errors.Join(errs...)
}
