package experiment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/g960059/vlab/internal/instrument"
	"github.com/g960059/vlab/internal/instruments"
)

const (
	PortVoltmeter     = 9001
	PortCurrentSource = 9002
	PortSourceMeter   = 9001
)

const DefaultResistance = 1000.0

var builtins = map[string]func(resistance float64) Definition{
	"ohm":         Ohm,
	"sourcemeter": SourceMeterLoad,
}

func Builtins() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the builtin experiment called name.
func Lookup(name string, resistance float64) (Definition, error) {
	build, ok := builtins[strings.ToLower(name)]
	if !ok {
		return Definition{}, fmt.Errorf("unknown experiment %q (known: %s)", name, strings.Join(Builtins(), ", "))
	}
	return build(resistance), nil
}

// Ohm couples a current source (9002) to a voltmeter (9001) through a
// resistor: V = I * R while the source output is on.
func Ohm(resistance float64) Definition {
	return Definition{
		Name: "ohm",
		Ports: []Port{
			{Number: PortVoltmeter, Kind: "voltmeter", New: func() instrument.Instrument { return instruments.NewVoltmeter() }},
			{Number: PortCurrentSource, Kind: "currentsource", New: func() instrument.Instrument { return instruments.NewCurrentSource() }},
		},
		Couple: func(s *Session) error {
			v, err := instrumentAs[*instruments.Voltmeter](s, PortVoltmeter)
			if err != nil {
				return err
			}
			src, err := instrumentAs[*instruments.CurrentSource](s, PortCurrentSource)
			if err != nil {
				return err
			}
			sync := func() error { return v.Voltage.Assign(src.Output() * resistance) }
			src.Current.OnChange(sync)
			src.State.OnChange(sync)
			v.AfterReset(sync)
			return sync()
		},
	}
}

// SourceMeterLoad is a single source meter (9001) driving a resistive load;
// :MEAS:VOLT? reads I * R while the output is on.
func SourceMeterLoad(resistance float64) Definition {
	return Definition{
		Name: "sourcemeter",
		Ports: []Port{
			{Number: PortSourceMeter, Kind: "sourcemeter", New: func() instrument.Instrument { return instruments.NewSourceMeter() }},
		},
		Couple: func(s *Session) error {
			sm, err := instrumentAs[*instruments.SourceMeter](s, PortSourceMeter)
			if err != nil {
				return err
			}
			sync := func() error { return sm.Voltage.Assign(sm.Sourced() * resistance) }
			sm.Current.OnChange(sync)
			sm.Output.OnChange(sync)
			sm.AfterReset(sync)
			return sync()
		},
	}
}

// Custom builds an uncoupled experiment from a port to instrument kind map.
func Custom(name string, ports map[int]string) (Definition, error) {
	def := Definition{Name: name}
	for port, kind := range ports {
		if _, err := instruments.New(kind); err != nil {
			return Definition{}, fmt.Errorf("port %d: %w", port, err)
		}
		def.Ports = append(def.Ports, Port{
			Number: port,
			Kind:   kind,
			New: func() instrument.Instrument {
				inst, _ := instruments.New(kind)
				return inst
			},
		})
	}
	sort.Slice(def.Ports, func(i, j int) bool { return def.Ports[i].Number < def.Ports[j].Number })
	return def, def.Validate()
}

func instrumentAs[T instrument.Instrument](s *Session, port int) (T, error) {
	var zero T
	inst, err := s.Instrument(port)
	if err != nil {
		return zero, err
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("port %d: unexpected instrument %s", port, inst.Name())
	}
	return typed, nil
}
