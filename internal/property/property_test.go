package property

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/vlab/internal/scpi"
)

func newCurrent() *Property[float64] {
	return NewFloat(FloatOptions{
		Unit:   "A",
		Format: "%.2f",
		Range:  &Range[float64]{Lo: -10, Hi: 10},
		Step:   0.5,
	})
}

func TestFloatProperty_RoundTripWithinBounds(t *testing.T) {
	p := newCurrent()
	for _, v := range []float64{-10, -3.25, 0, 0.01, 7, 10} {
		require.NoError(t, p.Set(fmt.Sprint(v)))
		assert.Equal(t, fmt.Sprintf("%.2f", v), p.Get())
		assert.Equal(t, v, p.Value())
	}
}

func TestFloatProperty_RejectsOutOfBoundsWithoutMutation(t *testing.T) {
	p := newCurrent()
	require.NoError(t, p.Set("3"))
	for _, raw := range []string{"10.01", "-11", "1e3", "abc", "3 V"} {
		err := p.Set(raw)
		var verr *scpi.ValidationError
		require.ErrorAs(t, err, &verr, raw)
		assert.Equal(t, 3.0, p.Value(), raw)
	}
	assert.Equal(t, scpi.CodeDataOutOfRange, scpi.CodeOf(p.Set("11")))
}

func TestFloatProperty_UnitSuffix(t *testing.T) {
	p := newCurrent()
	require.NoError(t, p.Set("250 mA"))
	assert.Equal(t, "0.25", p.Get())
	require.NoError(t, p.Set("3A"))
	assert.Equal(t, "3.00", p.Get())
}

func TestFloatProperty_Keywords(t *testing.T) {
	p := newCurrent()
	require.NoError(t, p.Set("MAX"))
	assert.Equal(t, 10.0, p.Value())
	require.NoError(t, p.Set("minimum"))
	assert.Equal(t, -10.0, p.Value())
	require.NoError(t, p.Set("UP"))
	assert.Equal(t, -9.5, p.Value())
	require.NoError(t, p.Set("DOWN"))
	assert.Equal(t, -10.0, p.Value())
	assert.Error(t, p.Set("DOWN"), "stepping below the bound is rejected")
	require.NoError(t, p.Set("DEF"))
	assert.Equal(t, 0.0, p.Value())

	require.NoError(t, p.Set("4"))
	require.NoError(t, p.Set(""))
	assert.Equal(t, 0.0, p.Value(), "empty parameter applies the default")

	unbounded := NewFloat(FloatOptions{Unit: "V"})
	assert.Equal(t, scpi.CodeIllegalParameterValue, scpi.CodeOf(unbounded.Set("MAX")))
	assert.Equal(t, scpi.CodeIllegalParameterValue, scpi.CodeOf(unbounded.Set("UP")))
}

func TestFloatProperty_ClampPolicies(t *testing.T) {
	bound := NewFloat(FloatOptions{Range: &Range[float64]{Lo: 0, Hi: 5}, Clamp: ClampToBound, Default: 1})
	require.NoError(t, bound.Set("9"))
	assert.Equal(t, 5.0, bound.Value())
	require.NoError(t, bound.Set("-2"))
	assert.Equal(t, 0.0, bound.Value())

	def := NewFloat(FloatOptions{Range: &Range[float64]{Lo: 0, Hi: 5}, Clamp: ClampToDefault, Default: 1})
	require.NoError(t, def.Set("3"))
	require.NoError(t, def.Set("9"))
	assert.Equal(t, 1.0, def.Value())
}

func TestReadonlyRejectsSetButAcceptsAssign(t *testing.T) {
	p := NewFloat(FloatOptions{Unit: "V", Format: "%.2f", Readonly: true})
	err := p.Set("5")
	assert.Equal(t, scpi.CodeSettingsConflict, scpi.CodeOf(err))
	assert.Equal(t, "0.00", p.Get())

	require.NoError(t, p.Assign(3000))
	assert.Equal(t, "3000.00", p.Get())
}

func TestHooksRunInOrderWithOldAndNew(t *testing.T) {
	p := newCurrent()
	var calls []string
	p.AddHook(func(old, new float64) error {
		calls = append(calls, fmt.Sprintf("first %g->%g", old, new))
		return nil
	})
	p.AddHook(func(old, new float64) error {
		calls = append(calls, fmt.Sprintf("second %g->%g", old, new))
		return nil
	})
	require.NoError(t, p.Set("2"))
	assert.Equal(t, []string{"first 0->2", "second 0->2"}, calls)
}

func TestHookFailureDoesNotRollBack(t *testing.T) {
	p := newCurrent()
	boom := errors.New("boom")
	ran := false
	p.AddHook(func(_, _ float64) error { return boom })
	p.AddHook(func(_, _ float64) error { ran = true; return nil })

	err := p.Set("4")
	var herr *HookError
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran, "later hooks still run")
	assert.Equal(t, 4.0, p.Value())
	assert.Equal(t, scpi.CodeExecutionError, scpi.CodeOf(err))
}

func TestRejectedWriteDoesNotFireHooks(t *testing.T) {
	p := newCurrent()
	fired := 0
	p.OnChange(func() error { fired++; return nil })
	assert.Error(t, p.Set("99"))
	assert.Zero(t, fired)
}

func TestResetFiresHooksOnlyOnChange(t *testing.T) {
	p := newCurrent()
	fired := 0
	p.OnChange(func() error { fired++; return nil })
	require.NoError(t, p.Reset())
	assert.Zero(t, fired)
	require.NoError(t, p.Set("5"))
	require.NoError(t, p.Reset())
	assert.Equal(t, 2, fired)
	assert.Equal(t, 0.0, p.Value())
}

func TestAssignValueConverts(t *testing.T) {
	f := newCurrent()
	require.NoError(t, f.AssignValue(2.5))
	assert.Equal(t, 2.5, f.Value())
	assert.Error(t, f.AssignValue(42.0))

	b := NewBool(false)
	require.NoError(t, b.AssignValue(1.0))
	assert.True(t, b.Value())
	require.NoError(t, b.AssignValue(false))
	assert.False(t, b.Value())
}

func TestBoolAndEnumProperties(t *testing.T) {
	b := NewBool(false)
	require.NoError(t, b.Set("ON"))
	assert.Equal(t, "1", b.Get())
	assert.Error(t, b.Set("sideways"))
	assert.Equal(t, "1", b.Get())

	e := NewEnum("FRONt", "FRONt", "REAR")
	assert.Equal(t, "FRON", e.Get())
	require.NoError(t, e.Set("rear"))
	assert.Equal(t, "REAR", e.Value())
	assert.Equal(t, scpi.CodeIllegalParameterValue, scpi.CodeOf(e.Set("SIDE")))
	assert.Equal(t, "REAR", e.Value())
	require.NoError(t, e.Set(`"FRON"`))
	assert.Equal(t, "FRONT", e.Value())
	require.NoError(t, e.Set("'rear'"))
	assert.Equal(t, "REAR", e.Value())
}

func TestSetRejectsParameterLists(t *testing.T) {
	p := newCurrent()
	require.NoError(t, p.Set("2"))
	assert.Equal(t, scpi.CodeParameterNotAllowed, scpi.CodeOf(p.Set("1,2")))
	assert.Equal(t, 2.0, p.Value())

	e := NewEnum("FRONt", "FRONt", "REAR")
	assert.Equal(t, scpi.CodeParameterNotAllowed, scpi.CodeOf(e.Set("REAR,FRON")))
	assert.Equal(t, scpi.CodeIllegalParameterValue, scpi.CodeOf(e.Set(`"REAR,FRON"`)), "quoted list is one parameter")
	assert.Equal(t, "FRONT", e.Value())
}

func TestIntProperty(t *testing.T) {
	p := NewInt(0, 0, 255)
	require.NoError(t, p.Set("#H20"))
	assert.Equal(t, "32", p.Get())
	assert.Equal(t, scpi.CodeDataTypeError, scpi.CodeOf(p.Set("1.5")))
	assert.Equal(t, scpi.CodeDataOutOfRange, scpi.CodeOf(p.Set("256")))
}
