package experiment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/g960059/vlab/internal/instrument"
)

// CouplingSpec declares a coupling in configuration form:
//
//	from: "9002"          watch every property of the instrument on 9002
//	from: "9002:current"  watch one property, available as value
//	to:   "9001:voltage"
//	expr: "state ? current * resistance : 0"
type CouplingSpec struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	Expr string `yaml:"expr" json:"expr"`
}

type endpoint struct {
	port int
	prop string
}

func (e endpoint) String() string {
	if e.prop == "" {
		return strconv.Itoa(e.port)
	}
	return fmt.Sprintf("%d:%s", e.port, e.prop)
}

func parseEndpoint(raw string, needProp bool) (endpoint, error) {
	portText, prop, _ := strings.Cut(strings.TrimSpace(raw), ":")
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 {
		return endpoint{}, fmt.Errorf("invalid endpoint %q: want <port>[:<property>]", raw)
	}
	if needProp && prop == "" {
		return endpoint{}, fmt.Errorf("invalid endpoint %q: property required", raw)
	}
	return endpoint{port: port, prop: strings.ToLower(prop)}, nil
}

// Coupling is a compiled CouplingSpec that can be wired into any number of
// sessions.
type Coupling struct {
	from    endpoint
	to      endpoint
	source  string
	program *vm.Program
	consts  map[string]any
}

// CompileCouplings compiles every spec once. consts are visible to the
// expressions by name.
func CompileCouplings(specs []CouplingSpec, consts map[string]float64) ([]*Coupling, error) {
	out := make([]*Coupling, 0, len(specs))
	env := make(map[string]any, len(consts))
	for k, v := range consts {
		env[k] = v
	}
	for i, spec := range specs {
		from, err := parseEndpoint(spec.From, false)
		if err != nil {
			return nil, fmt.Errorf("coupling %d: %w", i, err)
		}
		to, err := parseEndpoint(spec.To, true)
		if err != nil {
			return nil, fmt.Errorf("coupling %d: %w", i, err)
		}
		if strings.TrimSpace(spec.Expr) == "" {
			return nil, fmt.Errorf("coupling %d: empty expression", i)
		}
		program, err := expr.Compile(spec.Expr)
		if err != nil {
			return nil, fmt.Errorf("coupling %d: compile %q: %w", i, spec.Expr, err)
		}
		out = append(out, &Coupling{from: from, to: to, source: spec.Expr, program: program, consts: env})
	}
	return out, nil
}

func (c *Coupling) String() string {
	return fmt.Sprintf("%s -> %s = %s", c.from, c.to, c.source)
}

// Wire installs the coupling in s and applies it once. The target is
// re-applied whenever its instrument resets.
func (c *Coupling) Wire(s *Session) error {
	src, err := s.Instrument(c.from.port)
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	dst, err := s.Instrument(c.to.port)
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	var srcProps instrument.PropertySet = src.Core()
	target, ok := dst.Core().Property(c.to.prop)
	if !ok {
		return fmt.Errorf("%s: %s has no property %q", c, dst.Name(), c.to.prop)
	}

	watched := srcProps.PropertyNames()
	if c.from.prop != "" {
		if _, ok := srcProps.Property(c.from.prop); !ok {
			return fmt.Errorf("%s: %s has no property %q", c, src.Name(), c.from.prop)
		}
		watched = []string{c.from.prop}
	}

	running := false
	apply := func() error {
		if running {
			return errors.New(c.String() + ": coupling cycle")
		}
		running = true
		defer func() { running = false }()

		env := make(map[string]any, len(c.consts)+len(watched)+1)
		for k, v := range c.consts {
			env[k] = v
		}
		for _, name := range srcProps.PropertyNames() {
			p, _ := srcProps.Property(name)
			env[name] = p.Interface()
		}
		if c.from.prop != "" {
			env["value"] = env[c.from.prop]
		}
		out, err := expr.Run(c.program, env)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		return target.AssignValue(out)
	}
	for _, name := range watched {
		p, _ := srcProps.Property(name)
		if p == target {
			continue
		}
		p.OnChange(apply)
	}
	dst.Core().AfterReset(apply)
	return apply()
}

// WithCouplings returns d with cs applied after its own Couple step.
func (d Definition) WithCouplings(cs []*Coupling) Definition {
	if len(cs) == 0 {
		return d
	}
	base := d.Couple
	d.Couple = func(s *Session) error {
		if base != nil {
			if err := base(s); err != nil {
				return err
			}
		}
		for _, c := range cs {
			if err := c.Wire(s); err != nil {
				return err
			}
		}
		return nil
	}
	return d
}
