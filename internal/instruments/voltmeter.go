package instruments

import (
	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/instrument"
	"github.com/g960059/vlab/internal/property"
)

// Voltmeter reports a voltage that only couplings may change.
type Voltmeter struct {
	instrument.Base
	Voltage *property.Property[float64]
}

var voltmeterCommands = func() *cmdtree.Tree {
	t := instrument.Common().Extend("Voltmeter")
	voltage := func(v *Voltmeter) property.Accessor { return v.Voltage }
	cmdtree.Bind(t, ":VOLTage", voltage)
	cmdtree.Bind(t, ":MEASure:VOLTage[:DC]", voltage)
	return t.Freeze()
}()

func NewVoltmeter() *Voltmeter {
	v := &Voltmeter{
		Voltage: property.NewFloat(property.FloatOptions{Unit: "V", Format: "%.2f", Readonly: true}),
	}
	v.Init(v, "Voltmeter", voltmeterCommands)
	v.Track("voltage", v.Voltage)
	v.Reset()
	return v
}
