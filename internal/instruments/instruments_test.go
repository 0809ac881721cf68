package instruments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/vlab/internal/instrument"
)

func reply(i instrument.Instrument, line string) string {
	return i.Dispatch(line).Reply()
}

func TestVoltmeterIsReadonly(t *testing.T) {
	v := NewVoltmeter()
	assert.Equal(t, "0.00", reply(v, ":VOLT?"))

	got := reply(v, ":VOLT 5")
	assert.Contains(t, got, "-221,")
	assert.Equal(t, "0.00", reply(v, ":VOLTAGE?"))

	require.NoError(t, v.Voltage.Assign(12.346))
	assert.Equal(t, "12.35", reply(v, ":MEAS:VOLT:DC?"))
	assert.Equal(t, "1", reply(v, ":SYST:ERR:COUN?"))
}

func TestCurrentSource(t *testing.T) {
	c := NewCurrentSource()
	assert.Equal(t, "1", reply(c, ":STAT?"))

	assert.Empty(t, reply(c, ":CURR 3A"))
	assert.Equal(t, "3.00", reply(c, ":CURR?"))
	assert.Equal(t, 3.0, c.Output())

	assert.Contains(t, reply(c, ":CURR 11"), "-222,")
	assert.Equal(t, "3.00", reply(c, ":CURR?"))

	reply(c, ":OUTP OFF")
	assert.Equal(t, "0", reply(c, ":STATE?"))
	assert.Zero(t, c.Output())

	reply(c, ":CURR MAX;*RST")
	assert.Equal(t, "0.00;1", reply(c, ":CURR?;:STAT?"))
}

func TestSourceMeter(t *testing.T) {
	s := NewSourceMeter()
	assert.Equal(t, sourceMeterIDN, reply(s, "*IDN?"))
	assert.Equal(t, "0", reply(s, "*TST?"))
	assert.Equal(t, "SCPI", reply(s, "*LANG?"))
	assert.Equal(t, "FRON", reply(s, ":ROUT:TERM?"))

	reply(s, ":SOUR:CURR 0.5;:OUTP ON;:ROUTe:TERMinals REAR")
	assert.Equal(t, "0.5000", reply(s, ":SOURCE1:CURRENT:LEVEL:IMMEDIATE:AMPLITUDE?"))
	assert.Equal(t, "1", reply(s, ":OUTP1:STAT?"))
	assert.Equal(t, "REAR", reply(s, ":ROUT:TERM?"))
	assert.Equal(t, 0.5, s.Sourced())

	assert.Contains(t, reply(s, ":ROUT:TERM SIDE"), "-224,")
	assert.Contains(t, reply(s, ":SOUR:CURR 2"), "-222,")

	reply(s, "*LANG TSP;*RST")
	assert.Equal(t, "TSP", reply(s, "*LANG?"))
	assert.Equal(t, "0.0000;0;FRON", reply(s, ":SOUR:CURR?;:OUTP?;:ROUT:TERM?"))
	assert.Zero(t, s.Sourced())
	assert.Equal(t, sourceMeterIDN, reply(s, "*IDN?"), "identity survives reset")
}

func TestKinds(t *testing.T) {
	assert.Equal(t, []string{"currentsource", "sourcemeter", "voltmeter"}, Kinds())
	i, err := New(" Voltmeter ")
	require.NoError(t, err)
	assert.Equal(t, "Voltmeter", i.Name())
	_, err = New("oscilloscope")
	assert.Error(t, err)
}

func TestInstancesShareTreeButNotState(t *testing.T) {
	a, b := NewCurrentSource(), NewCurrentSource()
	assert.Same(t, a.Commands(), b.Commands())
	reply(a, ":CURR 4")
	assert.Equal(t, "0.00", reply(b, ":CURR?"))
}
