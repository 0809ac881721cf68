package instrument

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/property"
	"github.com/g960059/vlab/internal/scpi"
)

type gauge struct {
	Base
	Level  *property.Property[float64]
	resets int
}

var gaugeCommands = func() *cmdtree.Tree {
	t := Common().Extend("gauge")
	cmdtree.Bind(t, ":LEVel", func(p *gauge) property.Accessor { return p.Level })
	t.Register("*TST?", cmdtree.Const("1"))
	return t.Freeze()
}()

func newGauge() *gauge {
	p := &gauge{Level: property.NewFloat(property.FloatOptions{
		Unit:    "V",
		Default: 1,
		Range:   &property.Range[float64]{Lo: 0, Hi: 5},
	})}
	p.Init(p, "Gauge", gaugeCommands)
	p.Track("level", p.Level)
	p.Reset()
	return p
}

func (p *gauge) Reset() {
	p.resets++
	p.Base.Reset()
}

func send(t *testing.T, i Instrument, line string) string {
	t.Helper()
	return i.Dispatch(line).Reply()
}

func TestGaugeImplementsInstrument(t *testing.T) {
	var i Instrument = newGauge()
	assert.Equal(t, "Gauge", i.Name())
	assert.Same(t, gaugeCommands, i.Commands())
	assert.Equal(t, "VLAB,Gauge,0,1.0", send(t, i, "*IDN?"))
	assert.Equal(t, "1", send(t, i, "*TST?"), "derived registration shadows the common one")
	assert.Equal(t, "1", send(t, i, "*OPC?"))
}

func TestResetRunsDerivedResetAndRestoresDefaults(t *testing.T) {
	p := newGauge()
	assert.Equal(t, 1, p.resets)
	send(t, p, ":LEV 4")
	assert.Equal(t, "4", send(t, p, ":LEV?"))

	send(t, p, "*RST")
	assert.Equal(t, 2, p.resets)
	assert.Equal(t, "1", send(t, p, ":LEVEL?"))
}

func TestErrorQueueIsFIFO(t *testing.T) {
	p := newGauge()
	assert.Equal(t, `0,"No error"`, send(t, p, "*ERR?"))

	send(t, p, ":NOPE 1")
	send(t, p, ":LEV 9")
	assert.Equal(t, "2", send(t, p, ":SYST:ERR:COUN?"))
	assert.Equal(t, `-113,"Undefined header: undefined header :NOPE"`, send(t, p, ":SYSTem:ERRor:NEXT?"))
	assert.True(t, strings.HasPrefix(send(t, p, "*ERR?"), "-222,"))
	assert.Equal(t, `0,"No error"`, send(t, p, ":SYST:ERR?"))
}

func TestErrorsAreQueuedBeforeLaterUnitsRun(t *testing.T) {
	p := newGauge()
	reply := send(t, p, ":NOPE?;*ERR?")
	parts := strings.Split(reply, ";")
	require.Len(t, parts, 2)
	assert.Equal(t, parts[0], parts[1])
}

func TestFailedQueryKeepsReplySlotsSplittable(t *testing.T) {
	p := newGauge()
	reply := send(t, p, ":NOPE?;*ERR?;:LEV?")
	parts := strings.Split(reply, scpi.ReplySeparator)
	require.Len(t, parts, 3)
	assert.Equal(t, `-113,"Undefined header: undefined header :NOPE?"`, parts[0])
	assert.Equal(t, parts[0], parts[1])
	assert.Equal(t, "1", parts[2])
}

func TestErrorQueueOverflow(t *testing.T) {
	p := newGauge()
	for i := 0; i < 40; i++ {
		p.PushError(errors.New("fault"))
	}
	assert.Equal(t, maxErrorQueue, p.ErrorCount())
	var last string
	for p.ErrorCount() > 0 {
		last = p.NextError()
	}
	assert.Equal(t, `-350,"Queue overflow"`, last)
}

func TestStatusRegisters(t *testing.T) {
	p := newGauge()
	assert.Equal(t, "0", send(t, p, "*STB?"))

	send(t, p, ":NOPE")
	assert.Equal(t, "4", send(t, p, "*STB?"))
	send(t, p, "*ESE 32")
	assert.Equal(t, "32", send(t, p, "*ESE?"))
	assert.Equal(t, "36", send(t, p, "*STB?"))
	send(t, p, "*SRE 32")
	assert.Equal(t, "100", send(t, p, "*STB?"))

	assert.Equal(t, "32", send(t, p, "*ESR?"))
	assert.Equal(t, "0", send(t, p, "*ESR?"), "reading the register clears it")

	send(t, p, "*OPC")
	send(t, p, "*CLS")
	assert.Equal(t, "0", send(t, p, "*ESR?"))
	assert.Equal(t, 0, p.ErrorCount())

	send(t, p, "*OPC")
	assert.Equal(t, "1", send(t, p, "*ESR?"))
	assert.Contains(t, send(t, p, "*ESE 300"), "-222,")
}

func TestPropertySet(t *testing.T) {
	p := newGauge()
	var ps PropertySet = p
	acc, ok := ps.Property("level")
	require.True(t, ok)
	require.NoError(t, acc.Set("2.5"))
	assert.Equal(t, 2.5, p.Level.Value())
	assert.Equal(t, []string{"level"}, ps.PropertyNames())
	_, ok = ps.Property("missing")
	assert.False(t, ok)
}
