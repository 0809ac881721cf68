package property

import (
	"errors"
	"fmt"
	"strings"

	"github.com/g960059/vlab/internal/scpi"
)

// Hook observes a committed value change. Hooks run synchronously, in
// registration order, on the goroutine that performed the write.
type Hook[T any] func(old, new T) error

// Codec converts between protocol text and a typed value.
type Codec[T any] interface {
	Parse(raw string) (T, error)
	Format(v T) string
}

// Limits describes the admissible values of a Property.
type Limits[T any] interface {
	Contains(v T) bool
	Clamp(v T) T
	Min() T
	Max() T
	String() string
}

type ClampPolicy int

const (
	// Reject refuses out-of-bounds values.
	Reject ClampPolicy = iota
	// ClampToBound stores the nearest bound instead.
	ClampToBound
	// ClampToDefault stores the default instead.
	ClampToDefault
)

// Stepper computes the value reached by one UP (dir > 0) or DOWN (dir < 0) step.
type Stepper[T any] func(v T, dir int) T

type Options[T comparable] struct {
	Unit     string
	Default  T
	Readonly bool
	Limits   Limits[T]
	Clamp    ClampPolicy
	Step     Stepper[T]
}

// Accessor is the type-erased view of a Property used by command bindings and
// configurable couplings.
type Accessor interface {
	Get() string
	Set(raw string) error
	Readonly() bool
	Unit() string
	Interface() any
	AssignValue(v any) error
	OnChange(fn func() error)
	Reset() error
}

// Property is a validated, observable instrument setting. It performs no
// locking; callers serialize access (see experiment.Session).
type Property[T comparable] struct {
	codec Codec[T]
	opts  Options[T]
	value T
	hooks []Hook[T]
}

func New[T comparable](codec Codec[T], opts Options[T]) *Property[T] {
	return &Property[T]{codec: codec, opts: opts, value: opts.Default}
}

func (p *Property[T]) Value() T { return p.value }
func (p *Property[T]) Unit() string { return p.opts.Unit }
func (p *Property[T]) Readonly() bool { return p.opts.Readonly }
func (p *Property[T]) Interface() any { return p.value }

func (p *Property[T]) Get() string {
	return p.codec.Format(p.value)
}

func (p *Property[T]) AddHook(h Hook[T]) {
	p.hooks = append(p.hooks, h)
}

func (p *Property[T]) OnChange(fn func() error) {
	p.AddHook(func(_, _ T) error { return fn() })
}

// Set handles a protocol write. The stored value is unchanged when an error
// other than *HookError is returned.
func (p *Property[T]) Set(raw string) error {
	if p.opts.Readonly {
		return scpi.NewValidationError(scpi.CodeSettingsConflict, raw, "property is readonly")
	}
	v, err := p.parse(raw)
	if err != nil {
		return err
	}
	return p.commit(v, raw)
}

// Assign is the internal write path used by hooks and instrument physics. It
// bypasses the readonly flag but not the bounds.
func (p *Property[T]) Assign(v T) error {
	return p.commit(v, p.codec.Format(v))
}

func (p *Property[T]) AssignValue(v any) error {
	if typed, ok := v.(T); ok {
		return p.Assign(typed)
	}
	parsed, err := p.codec.Parse(fmt.Sprint(v))
	if err != nil {
		return err
	}
	return p.Assign(parsed)
}

// Reset restores the default. Hooks fire only when the value changes.
func (p *Property[T]) Reset() error {
	if p.value == p.opts.Default {
		return nil
	}
	return p.store(p.opts.Default)
}

func (p *Property[T]) parse(raw string) (T, error) {
	var zero T
	if params := scpi.SplitParams(raw); len(params) > 1 {
		return zero, scpi.NewValidationError(scpi.CodeParameterNotAllowed, raw, "single parameter expected")
	}
	keyword := strings.ToUpper(strings.TrimSpace(raw))
	switch keyword {
	case "", "DEF", "DEFAULT":
		return p.opts.Default, nil
	case "MIN", "MINIMUM":
		if p.opts.Limits == nil {
			return zero, scpi.NewValidationError(scpi.CodeIllegalParameterValue, raw, "no known minimum value")
		}
		return p.opts.Limits.Min(), nil
	case "MAX", "MAXIMUM":
		if p.opts.Limits == nil {
			return zero, scpi.NewValidationError(scpi.CodeIllegalParameterValue, raw, "no known maximum value")
		}
		return p.opts.Limits.Max(), nil
	case "UP", "DOWN":
		if p.opts.Step == nil {
			return zero, scpi.NewValidationError(scpi.CodeIllegalParameterValue, raw, "not steppable")
		}
		dir := 1
		if keyword == "DOWN" {
			dir = -1
		}
		return p.opts.Step(p.value, dir), nil
	}
	return p.codec.Parse(raw)
}

func (p *Property[T]) commit(v T, raw string) error {
	if l := p.opts.Limits; l != nil && !l.Contains(v) {
		switch p.opts.Clamp {
		case ClampToBound:
			v = l.Clamp(v)
		case ClampToDefault:
			v = p.opts.Default
		default:
			return scpi.NewValidationError(scpi.CodeDataOutOfRange, raw, "outside "+l.String())
		}
	}
	return p.store(v)
}

func (p *Property[T]) store(v T) error {
	old := p.value
	p.value = v
	var errs []error
	for _, h := range p.hooks {
		if err := h(old, v); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &HookError{Errs: errs}
	}
	return nil
}

// HookError reports hook failures after a committed write.
type HookError struct {
	Errs []error
}

func (e *HookError) Error() string {
	return "hook failed: " + errors.Join(e.Errs...).Error()
}

func (e *HookError) Unwrap() []error { return e.Errs }

func (e *HookError) SCPICode() scpi.Code { return scpi.CodeExecutionError }
