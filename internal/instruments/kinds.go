package instruments

import (
	"fmt"
	"sort"
	"strings"

	"github.com/g960059/vlab/internal/instrument"
)

type Constructor func() instrument.Instrument

var kinds = map[string]Constructor{
	"voltmeter":     func() instrument.Instrument { return NewVoltmeter() },
	"currentsource": func() instrument.Instrument { return NewCurrentSource() },
	"sourcemeter":   func() instrument.Instrument { return NewSourceMeter() },
}

// New builds an instrument of the named kind.
func New(kind string) (instrument.Instrument, error) {
	ctor, ok := kinds[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("unknown instrument kind %q (known: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return ctor(), nil
}

func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
