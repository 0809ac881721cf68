package instrument

import (
	"strconv"

	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/property"
)

var common = buildCommon()

// Common returns the frozen IEEE 488.2 command tree every kind extends.
func Common() *cmdtree.Tree { return common }

func buildCommon() *cmdtree.Tree {
	t := cmdtree.New("common")

	t.Register("*IDN?", cmdtree.Query(func(i Instrument) (string, error) {
		return i.Core().Identity(), nil
	}))
	t.Register("*RST", cmdtree.Write(func(i Instrument, _ string) error {
		i.Reset()
		return nil
	}))
	t.Register("*TST?", cmdtree.Const("0"))
	t.Register("*OPC", cmdtree.Write(func(i Instrument, _ string) error {
		i.Core().OperationComplete()
		return nil
	}))
	t.Register("*OPC?", cmdtree.Const("1"))
	t.Register("*WAI", cmdtree.Write(func(Instrument, string) error { return nil }))
	t.Register("*CLS", cmdtree.Write(func(i Instrument, _ string) error {
		i.Core().ClearStatus()
		return nil
	}))
	cmdtree.Bind(t, "*ESE", func(i Instrument) property.Accessor { return i.Core().ESE })
	cmdtree.Bind(t, "*SRE", func(i Instrument) property.Accessor { return i.Core().SRE })
	t.Register("*ESR?", cmdtree.Query(func(i Instrument) (string, error) {
		return strconv.Itoa(i.Core().EventStatus()), nil
	}))
	t.Register("*STB?", cmdtree.Query(func(i Instrument) (string, error) {
		return strconv.Itoa(i.Core().StatusByte()), nil
	}))

	nextError := cmdtree.Query(func(i Instrument) (string, error) {
		return i.Core().NextError(), nil
	})
	t.Register("*ERR?", nextError)
	t.Register(":SYSTem:ERRor[:NEXT]?", nextError)
	t.Register(":SYSTem:ERRor:COUNt?", cmdtree.Query(func(i Instrument) (string, error) {
		return strconv.Itoa(i.Core().ErrorCount()), nil
	}))
	t.Register(":SYSTem:VERSion?", cmdtree.Const("1999.0"))

	return t.Freeze()
}
