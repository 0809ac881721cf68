package instrument

import (
	"fmt"
	"sort"

	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/property"
	"github.com/g960059/vlab/internal/scpi"
)

// Reply is the outcome of one dispatched protocol line.
type Reply = cmdtree.Result

// Instrument is a virtual device reachable on one port of a session.
// Implementations embed Base and are not safe for concurrent use; the owning
// session serializes every call.
type Instrument interface {
	Name() string
	Commands() *cmdtree.Tree
	Dispatch(line string) Reply
	Reset()
	Core() *Base
}

// PropertySet exposes named properties for declarative couplings.
type PropertySet interface {
	Property(name string) (property.Accessor, bool)
	PropertyNames() []string
}

const maxErrorQueue = 32

// Standard event status register bits.
const (
	esrOperationComplete = 1 << 0
	esrQueryError        = 1 << 2
	esrDeviceError       = 1 << 3
	esrExecutionError    = 1 << 4
	esrCommandError      = 1 << 5
)

// Status byte bits.
const (
	stbErrorQueue = 1 << 2
	stbEventSum   = 1 << 5
	stbService    = 1 << 6
)

type queuedError struct {
	code   scpi.Code
	detail string
}

// Base carries the state shared by every instrument kind: identity, the
// command tree, tracked properties, the error queue and status registers.
type Base struct {
	self  Instrument
	name  string
	idn   string
	tree  *cmdtree.Tree
	props map[string]property.Accessor
	order []string
	// afterReset re-drives values owned by couplings once tracked
	// properties are back at their defaults.
	afterReset []func() error

	errs []queuedError
	esr  int

	ESE *property.Property[int]
	SRE *property.Property[int]
}

// Init wires b into self, the instrument that embeds it. It must run before
// the first Reset or Dispatch.
func (b *Base) Init(self Instrument, name string, tree *cmdtree.Tree) {
	b.self = self
	b.name = name
	b.idn = fmt.Sprintf("VLAB,%s,0,1.0", name)
	b.tree = tree
	b.props = map[string]property.Accessor{}
	b.ESE = property.NewInt(0, 0, 255)
	b.SRE = property.NewInt(0, 0, 255)
}

func (b *Base) Name() string { return b.name }
func (b *Base) Core() *Base { return b }
func (b *Base) Commands() *cmdtree.Tree { return b.tree }
func (b *Base) Identity() string { return b.idn }
func (b *Base) SetIdentity(idn string) { b.idn = idn }

// Track registers p under name so that Reset restores it and couplings can
// address it.
func (b *Base) Track(name string, p property.Accessor) {
	if _, ok := b.props[name]; !ok {
		b.order = append(b.order, name)
	}
	b.props[name] = p
}

func (b *Base) Property(name string) (property.Accessor, bool) {
	p, ok := b.props[name]
	return p, ok
}

func (b *Base) PropertyNames() []string {
	out := append([]string(nil), b.order...)
	sort.Strings(out)
	return out
}

// Dispatch runs line against the instrument's command tree and queues every
// failure in the error queue.
func (b *Base) Dispatch(line string) Reply {
	return b.tree.DispatchWith(b.self, line, func(f cmdtree.Failure) {
		b.PushError(f.Err)
	})
}

// Reset restores every tracked property in registration order, then runs the
// AfterReset hooks. Kinds that override Reset must call it.
func (b *Base) Reset() {
	for _, name := range b.order {
		if err := b.props[name].Reset(); err != nil {
			b.PushError(err)
		}
	}
	for _, fn := range b.afterReset {
		if err := fn(); err != nil {
			b.PushError(err)
		}
	}
}

// AfterReset registers fn to run at the end of every Reset. Couplings use it
// so that a driven readonly value follows its driver across *RST.
func (b *Base) AfterReset(fn func() error) {
	b.afterReset = append(b.afterReset, fn)
}

// PushError appends err to the error queue and latches the matching event
// status bit. When the queue is full the newest entry becomes -350.
func (b *Base) PushError(err error) {
	if err == nil {
		return
	}
	code := scpi.CodeOf(err)
	b.esr |= eventBit(code)
	entry := queuedError{code: code, detail: err.Error()}
	switch {
	case len(b.errs) < maxErrorQueue-1:
		b.errs = append(b.errs, entry)
	case len(b.errs) == maxErrorQueue-1:
		b.errs = append(b.errs, queuedError{code: scpi.CodeQueueOverflow})
	}
}

// NextError pops the oldest queued error in SCPI error string form.
func (b *Base) NextError() string {
	if len(b.errs) == 0 {
		return scpi.FormatError(scpi.CodeNoError, "")
	}
	e := b.errs[0]
	b.errs = b.errs[1:]
	return scpi.FormatError(e.code, e.detail)
}

func (b *Base) ErrorCount() int { return len(b.errs) }

// ClearStatus empties the error queue and the event status register.
func (b *Base) ClearStatus() {
	b.errs = nil
	b.esr = 0
}

// EventStatus reads and clears the standard event status register.
func (b *Base) EventStatus() int {
	v := b.esr
	b.esr = 0
	return v
}

func (b *Base) OperationComplete() { b.esr |= esrOperationComplete }

func (b *Base) StatusByte() int {
	stb := 0
	if len(b.errs) > 0 {
		stb |= stbErrorQueue
	}
	if b.esr&b.ESE.Value() != 0 {
		stb |= stbEventSum
	}
	if stb&b.SRE.Value() != 0 {
		stb |= stbService
	}
	return stb
}

func eventBit(code scpi.Code) int {
	switch {
	case code <= -100 && code > -200:
		return esrCommandError
	case code <= -200 && code > -300:
		return esrExecutionError
	case code <= -300 && code > -400:
		return esrDeviceError
	case code <= -400 && code > -500:
		return esrQueryError
	}
	return 0
}
