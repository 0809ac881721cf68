package instruments

import (
	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/instrument"
	"github.com/g960059/vlab/internal/property"
)

const maxSourceCurrent = 10

// CurrentSource drives a current between -10 A and 10 A while its output is on.
type CurrentSource struct {
	instrument.Base
	Current *property.Property[float64]
	State   *property.Property[bool]
}

var currentSourceCommands = func() *cmdtree.Tree {
	t := instrument.Common().Extend("CurrentSource")
	cmdtree.Bind(t, ":CURRent", func(c *CurrentSource) property.Accessor { return c.Current })
	state := func(c *CurrentSource) property.Accessor { return c.State }
	cmdtree.Bind(t, ":STATe", state)
	cmdtree.Bind(t, ":OUTPut[:STATe]", state)
	return t.Freeze()
}()

// NewCurrentSource returns a source with its output enabled.
func NewCurrentSource() *CurrentSource {
	c := &CurrentSource{
		Current: property.NewFloat(property.FloatOptions{
			Unit:   "A",
			Format: "%.2f",
			Range:  &property.Range[float64]{Lo: -maxSourceCurrent, Hi: maxSourceCurrent},
			Step:   0.1,
		}),
		State: property.NewBool(true),
	}
	c.Init(c, "CurrentSource", currentSourceCommands)
	c.Track("current", c.Current)
	c.Track("state", c.State)
	c.Reset()
	return c
}

// Output is the current actually delivered: zero while the output is off.
func (c *CurrentSource) Output() float64 {
	if !c.State.Value() {
		return 0
	}
	return c.Current.Value()
}
