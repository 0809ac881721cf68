package cmdtree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/vlab/internal/property"
	"github.com/g960059/vlab/internal/scpi"
)

type fakeInstrument struct {
	freq  *property.Property[float64]
	volt  *property.Property[float64]
	calls []string
}

func newFake() *fakeInstrument {
	return &fakeInstrument{
		freq: property.NewFloat(property.FloatOptions{Unit: "HZ", Range: &property.Range[float64]{Lo: 0, Hi: 1e9}}),
		volt: property.NewFloat(property.FloatOptions{Unit: "V", Format: "%.2f", Readonly: true}),
	}
}

func baseTree() *Tree {
	t := New("base")
	t.Register("*IDN?", Const("ACME,BASE,0,1.0"))
	t.Register(":MODE?", Const("base"))
	Bind(t, ":FREQuency:STARt", func(f *fakeInstrument) property.Accessor { return f.freq })
	Bind(t, ":VOLTage", func(f *fakeInstrument) property.Accessor { return f.volt })
	t.Register(":TRIGger[:IMMediate]", Write(func(f *fakeInstrument, params string) error {
		f.calls = append(f.calls, "trig "+params)
		return nil
	}))
	t.Register(":FAIL", Write(func(*fakeInstrument, string) error { return errors.New("device busy") }))
	return t.Freeze()
}

func TestResolve_CaseInsensitiveAndForms(t *testing.T) {
	tree := baseTree()
	for _, key := range []string{"*idn?", ":freq:star?", "FREQUENCY:START?", " :Trig ", ":TRIGGER:IMM"} {
		_, err := tree.Resolve(key)
		assert.NoError(t, err, key)
	}
	_, err := tree.Resolve(":FREQ:STAR")
	require.NoError(t, err)

	_, err = tree.Resolve(":NOPE?")
	var uerr *scpi.UnknownCommandError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ":NOPE?", uerr.Header)
}

func TestQueryAndSetKeysAreDistinct(t *testing.T) {
	tree := New("t")
	tree.Register(":ONLY?", Const("x"))
	_, err := tree.Resolve(":ONLY")
	assert.Error(t, err)
	_, err = tree.Resolve(":ONLY?")
	assert.NoError(t, err)
}

func TestExtend_DerivedShadowsBase(t *testing.T) {
	base := baseTree()
	derived := base.Extend("derived")
	derived.Register(":MODE?", Const("derived"))
	derived.Freeze()

	f := newFake()
	res := derived.Dispatch(f, ":MODE?;*IDN?")
	assert.Equal(t, "derived;ACME,BASE,0,1.0", res.Reply())
	assert.Equal(t, "base", base.Dispatch(f, ":MODE?").Reply(), "base tree is unaffected")
	assert.Contains(t, derived.Keys(), ":MODE?")
	assert.Contains(t, derived.Keys(), "*IDN?")
}

func TestRegisterOnFrozenTreePanics(t *testing.T) {
	tree := baseTree()
	assert.Panics(t, func() { tree.Register(":LATE", Const("")) })
	assert.Panics(t, func() { New("x").Register(":BAD[", Const("")) })
}

func TestDispatch_SetThenQuery(t *testing.T) {
	tree := baseTree()
	f := newFake()
	res := tree.Dispatch(f, ":FREQ:STAR 3 MHZ")
	assert.False(t, res.HasReply())
	assert.Empty(t, res.Failures)

	res = tree.Dispatch(f, ":freq:start?")
	assert.Equal(t, "3e+06", res.Reply())
}

func TestDispatch_RelativeHeaderPath(t *testing.T) {
	tree := baseTree()
	f := newFake()
	res := tree.Dispatch(f, ":FREQ:STAR 10;STAR?")
	assert.Equal(t, "10", res.Reply())
}

func TestDispatch_MultipleQueriesJoinedInOrder(t *testing.T) {
	tree := baseTree()
	f := newFake()
	res := tree.Dispatch(f, "*IDN?;:FREQ:STAR 5;:FREQ:STAR?;:MODE?")
	assert.Equal(t, []string{"ACME,BASE,0,1.0", "5", "base"}, res.Replies)
	assert.Equal(t, "ACME,BASE,0,1.0;5;base", res.Reply())
}

func TestDispatch_UnknownQueryYieldsErrorText(t *testing.T) {
	tree := baseTree()
	res := tree.Dispatch(newFake(), ":NOPE?;:MODE?")
	assert.Equal(t, `-113,"Undefined header: undefined header :NOPE?";base`, res.Reply())
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Reported)
	assert.True(t, res.Failures[0].Query)
}

func TestDispatch_UnknownSetterIsSilent(t *testing.T) {
	tree := baseTree()
	res := tree.Dispatch(newFake(), ":NOPE 3")
	assert.False(t, res.HasReply())
	require.Len(t, res.Failures, 1)
	assert.False(t, res.Failures[0].Reported)
	assert.Equal(t, scpi.CodeUndefinedHeader, scpi.CodeOf(res.Failures[0].Err))
}

func TestDispatch_MalformedUnits(t *testing.T) {
	tree := baseTree()
	res := tree.Dispatch(newFake(), ":A::B 1;:A::B?")
	require.Len(t, res.Failures, 2)
	assert.False(t, res.Failures[0].Reported)
	assert.True(t, res.Failures[1].Reported)
	require.Len(t, res.Replies, 1)
	assert.Contains(t, res.Replies[0], "-102,")
}

func TestDispatch_SetterValidationErrorIsReported(t *testing.T) {
	tree := baseTree()
	f := newFake()
	require.NoError(t, f.volt.Assign(1.5))

	res := tree.Dispatch(f, ":VOLT 5;:VOLT?")
	require.Len(t, res.Replies, 2)
	assert.Contains(t, res.Replies[0], "-221,")
	assert.Equal(t, "1.50", res.Replies[1])

	res = tree.Dispatch(f, ":FREQ:STAR 2e9")
	assert.Contains(t, res.Reply(), "-222,")
	res = tree.Dispatch(f, ":FAIL")
	assert.Equal(t, `-200,"Execution error: device busy"`, res.Reply())
}

func TestDispatch_QueryRejectsParameters(t *testing.T) {
	res := baseTree().Dispatch(newFake(), ":FREQ:STAR? now")
	assert.Contains(t, res.Reply(), "-108,")
}

func TestDispatch_WrongReceiver(t *testing.T) {
	res := baseTree().Dispatch("not an instrument", ":FREQ:STAR?")
	assert.Contains(t, res.Reply(), "-200,")
}

func TestDispatch_OptionalSegmentAndParams(t *testing.T) {
	tree := baseTree()
	f := newFake()
	tree.Dispatch(f, ":TRIG:IMM BUS;:TRIGGER now")
	assert.Equal(t, []string{"trig BUS", "trig now"}, f.calls)
}

func TestDispatch_HandlerPanicBecomesError(t *testing.T) {
	tree := New("p")
	tree.Register(":BOOM?", Query(func(*fakeInstrument) (string, error) { panic("oops") }))
	res := tree.Dispatch(newFake(), ":BOOM?;:BOOM?")
	require.Len(t, res.Replies, 2)
	assert.Contains(t, res.Replies[0], "handler panic")
}

func TestDispatch_EmptyLine(t *testing.T) {
	res := baseTree().Dispatch(newFake(), " ; ")
	assert.False(t, res.HasReply())
	assert.Empty(t, res.Failures)
}
