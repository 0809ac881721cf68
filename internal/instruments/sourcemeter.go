package instruments

import (
	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/instrument"
	"github.com/g960059/vlab/internal/property"
)

// SourceMeter emulates the subset of a Keithley 2450 used for current-sourced
// voltage measurements.
type SourceMeter struct {
	instrument.Base
	Current   *property.Property[float64]
	Output    *property.Property[bool]
	Terminals *property.Property[string]
	Language  *property.Property[string]
	Voltage   *property.Property[float64]
}

const sourceMeterIDN = "KEITHLEY INSTRUMENTS,MODEL 2450,04096331,1.7.12b"

var sourceMeterCommands = func() *cmdtree.Tree {
	t := instrument.Common().Extend("SourceMeter")
	cmdtree.Bind(t, "*LANG", func(s *SourceMeter) property.Accessor { return s.Language })

	cmdtree.Bind(t, ":SOURce[1]:CURRent[:LEVel][:IMMediate][:AMPLitude]", func(s *SourceMeter) property.Accessor { return s.Current })
	cmdtree.Bind(t, ":OUTPut[1][:STATe]", func(s *SourceMeter) property.Accessor { return s.Output })
	cmdtree.Bind(t, ":ROUTe:TERMinals", func(s *SourceMeter) property.Accessor { return s.Terminals })
	cmdtree.Bind(t, ":MEASure:VOLTage[:DC]", func(s *SourceMeter) property.Accessor { return s.Voltage })

	t.Register(":SOURce[1]:FUNCtion[:MODE]?", cmdtree.Const("CURR"))
	t.Register(":SENSe[1]:FUNCtion[:ON]?", cmdtree.Const(`"VOLT:DC"`))
	t.Register(":SYSTem:LFRequency?", cmdtree.Const("50"))
	t.Register(":SYSTem:BEEPer[:IMMediate]", cmdtree.Write(func(*SourceMeter, string) error { return nil }))
	return t.Freeze()
}()

func NewSourceMeter() *SourceMeter {
	s := &SourceMeter{
		Current: property.NewFloat(property.FloatOptions{
			Unit:   "A",
			Format: "%.4f",
			Range:  &property.Range[float64]{Lo: -1.05, Hi: 1.05},
		}),
		Output:    property.NewBool(false),
		Terminals: property.NewEnum("FRONt", "FRONt", "REAR"),
		Language:  property.NewEnum("SCPI", "SCPI", "SCPI2400", "TSP"),
		Voltage:   property.NewFloat(property.FloatOptions{Unit: "V", Format: "%E", Readonly: true}),
	}
	s.Init(s, "SourceMeter", sourceMeterCommands)
	s.SetIdentity(sourceMeterIDN)
	// Language is left untracked so that it survives *RST.
	s.Track("current", s.Current)
	s.Track("output", s.Output)
	s.Track("terminals", s.Terminals)
	s.Track("voltage", s.Voltage)
	s.Reset()
	return s
}

// Sourced is the current delivered to the load.
func (s *SourceMeter) Sourced() float64 {
	if !s.Output.Value() {
		return 0
	}
	return s.Current.Value()
}
