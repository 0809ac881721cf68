package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customOhm(t *testing.T, specs ...CouplingSpec) Definition {
	t.Helper()
	def, err := Custom("lab", map[int]string{9001: "voltmeter", 9002: "currentsource"})
	require.NoError(t, err, "custom")
	cs, err := CompileCouplings(specs, map[string]float64{"resistance": 1000})
	require.NoError(t, err, "compile")
	return def.WithCouplings(cs)
}

func TestExpressionCouplingOverWholeInstrument(t *testing.T) {
	def := customOhm(t, CouplingSpec{From: "9002", To: "9001:voltage", Expr: "state ? current * resistance : 0"})
	s := mustSession(t, def)

	mustReply(t, s, 9002, ":CURR 3")
	assert.Equal(t, "3000.00", mustReply(t, s, 9001, ":VOLT?"))
	mustReply(t, s, 9002, ":STAT OFF")
	assert.Equal(t, "0.00", mustReply(t, s, 9001, ":VOLT?"))
}

func TestExpressionCouplingOnSingleProperty(t *testing.T) {
	def := customOhm(t, CouplingSpec{From: "9002:current", To: "9001:voltage", Expr: "value * -2"})
	s := mustSession(t, def)
	mustReply(t, s, 9002, ":CURR 1.5")
	assert.Equal(t, "-3.00", mustReply(t, s, 9001, ":VOLT?"))
	mustReply(t, s, 9002, ":STAT OFF")
	assert.Equal(t, "-3.00", mustReply(t, s, 9001, ":VOLT?"), "state is not watched")
}

func TestCouplingAppliesAtConstruction(t *testing.T) {
	def := customOhm(t, CouplingSpec{From: "9002", To: "9001:voltage", Expr: "resistance / 4"})
	s := mustSession(t, def)
	assert.Equal(t, "250.00", mustReply(t, s, 9001, ":VOLT?"))
}

func TestExpressionCouplingReappliesAfterTargetReset(t *testing.T) {
	def := customOhm(t, CouplingSpec{From: "9002", To: "9001:voltage", Expr: "state ? current * resistance : 0"})
	s := mustSession(t, def)
	mustReply(t, s, 9002, ":CURR 2")

	mustReply(t, s, 9001, "*RST")
	assert.Equal(t, "2000.00", mustReply(t, s, 9001, ":VOLT?"))
	assert.Equal(t, "0", mustReply(t, s, 9001, ":SYST:ERR:COUN?"))
}

func TestExpressionErrorIsReportedAsHookFailure(t *testing.T) {
	def := customOhm(t, CouplingSpec{From: "9002:current", To: "9001:voltage", Expr: "value > 5 ? 'hot' : value"})
	s := mustSession(t, def)
	assert.Regexp(t, `^-200,`, mustReply(t, s, 9002, ":CURR 6"))
	assert.Equal(t, "6.00", mustReply(t, s, 9002, ":CURR?"), "write stands after hook failure")
}

func TestCompileCouplingsRejectsBadSpecs(t *testing.T) {
	cases := []CouplingSpec{
		{From: "x", To: "9001:voltage", Expr: "1"},
		{From: "9002", To: "9001", Expr: "1"},
		{From: "9002", To: "9001:voltage", Expr: " "},
		{From: "9002", To: "9001:voltage", Expr: "1 +"},
	}
	for i, spec := range cases {
		_, err := CompileCouplings([]CouplingSpec{spec}, nil)
		assert.Error(t, err, "case %d", i)
	}
}

func TestWireRejectsUnknownTargets(t *testing.T) {
	for _, spec := range []CouplingSpec{
		{From: "9002", To: "9001:frequency", Expr: "1"},
		{From: "9002:phase", To: "9001:voltage", Expr: "1"},
		{From: "9003", To: "9001:voltage", Expr: "1"},
	} {
		_, err := New("a", customOhm(t, spec))
		assert.Error(t, err, "wiring %+v", spec)
	}
}

func TestCustomRejectsUnknownKind(t *testing.T) {
	_, err := Custom("lab", map[int]string{9001: "oscilloscope"})
	assert.Error(t, err)
}
