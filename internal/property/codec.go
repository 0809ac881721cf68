package property

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/g960059/vlab/internal/scpi"
)

type Range[T cmp.Ordered] struct {
	Lo, Hi T
}

func (r Range[T]) Contains(v T) bool { return v >= r.Lo && v <= r.Hi }
func (r Range[T]) Clamp(v T) T { return min(max(v, r.Lo), r.Hi) }
func (r Range[T]) Min() T { return r.Lo }
func (r Range[T]) Max() T { return r.Hi }
func (r Range[T]) String() string { return fmt.Sprintf("[%v, %v]", r.Lo, r.Hi) }

type FloatCodec struct {
	Unit string
	// Verb is a fmt verb such as "%.2f"; "%g" when empty.
	Verb string
}

func (c FloatCodec) Parse(raw string) (float64, error) {
	v, err := scpi.ParseNumeric(raw, c.Unit)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, scpi.NewValidationError(scpi.CodeDataTypeError, raw, "numeric value expected")
	}
	return v, nil
}

func (c FloatCodec) Format(v float64) string {
	verb := c.Verb
	if verb == "" {
		verb = "%g"
	}
	return fmt.Sprintf(verb, v)
}

type IntCodec struct{}

func (IntCodec) Parse(raw string) (int, error) {
	v, err := scpi.ParseNumeric(raw, "")
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
		return 0, scpi.NewValidationError(scpi.CodeDataTypeError, raw, "integer value expected")
	}
	return int(v), nil
}

func (IntCodec) Format(v int) string { return strconv.Itoa(v) }

type BoolCodec struct{}

func (BoolCodec) Parse(raw string) (bool, error) { return scpi.ParseBool(raw) }
func (BoolCodec) Format(v bool) string { return scpi.FormatBool(v) }

// EnumCodec accepts one of a fixed set of mnemonics written in SCPI notation
// ("FRONt", "REAR"), bare or quoted. Values are stored in long form and
// rendered in short form.
type EnumCodec struct {
	Choices []string
}

func (c EnumCodec) Parse(raw string) (string, error) {
	if s, ok := scpi.Unquote(raw); ok {
		raw = s
	}
	for _, choice := range c.Choices {
		if scpi.MatchMnemonic(raw, choice) {
			return scpi.LongForm(choice), nil
		}
	}
	return "", scpi.NewValidationError(scpi.CodeIllegalParameterValue, raw,
		"expected one of "+strings.Join(c.Choices, "|"))
}

func (c EnumCodec) Format(v string) string {
	for _, choice := range c.Choices {
		if scpi.LongForm(choice) == v {
			return scpi.ShortForm(choice)
		}
	}
	return v
}

type FloatOptions struct {
	Unit     string
	Format   string
	Default  float64
	Readonly bool
	Range    *Range[float64]
	Clamp    ClampPolicy
	// Step enables UP/DOWN when non-zero.
	Step float64
}

func NewFloat(o FloatOptions) *Property[float64] {
	opts := Options[float64]{
		Unit:     o.Unit,
		Default:  o.Default,
		Readonly: o.Readonly,
		Clamp:    o.Clamp,
	}
	if o.Range != nil {
		opts.Limits = *o.Range
	}
	if o.Step != 0 {
		step := o.Step
		opts.Step = func(v float64, dir int) float64 { return v + float64(dir)*step }
	}
	return New[float64](FloatCodec{Unit: o.Unit, Verb: o.Format}, opts)
}

func NewInt(def int, lo, hi int) *Property[int] {
	return New[int](IntCodec{}, Options[int]{
		Default: def,
		Limits:  Range[int]{Lo: lo, Hi: hi},
	})
}

func NewBool(def bool) *Property[bool] {
	return New[bool](BoolCodec{}, Options[bool]{Default: def})
}

func NewEnum(def string, choices ...string) *Property[string] {
	return New[string](EnumCodec{Choices: choices}, Options[string]{Default: scpi.LongForm(def)})
}
