package scpi

import (
	"strings"
	"unicode"
)

const (
	UnitSeparator  = ';'
	ParamSeparator = ','
	ReplySeparator = ";"
	ValueSeparator = ","
)

// Unit is one parsed program message unit: a header and its raw parameter text.
type Unit struct {
	Raw    string
	Header string
	Query  bool
	Common bool
	// Rooted is true when the header started with ':' and therefore
	// ignores the current compound path.
	Rooted bool
	Params string
}

// SplitUnits splits a program message on ';' outside quoted strings.
// Blank units are dropped.
func SplitUnits(line string) []string {
	var (
		out   []string
		start int
		quote byte
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == UnitSeparator:
			if part := strings.TrimSpace(line[start:i]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	if part := strings.TrimSpace(line[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

// ParseUnit parses a single program message unit such as ":SOUR:CURR 3 A".
func ParseUnit(raw string) (Unit, error) {
	raw = strings.TrimSpace(raw)
	u := Unit{Raw: raw}
	if raw == "" {
		return u, &ParseError{Input: raw, Reason: "empty command"}
	}
	header := raw
	if idx := strings.IndexFunc(raw, unicode.IsSpace); idx >= 0 {
		header = raw[:idx]
		u.Params = strings.TrimSpace(raw[idx:])
	}
	if strings.HasSuffix(header, QuerySuffix) {
		u.Query = true
		header = strings.TrimSuffix(header, QuerySuffix)
	}
	if header == "" {
		return u, &ParseError{Input: raw, Reason: "missing header"}
	}
	if strings.HasPrefix(header, "*") {
		if !isCommonHeader(header) {
			return u, &ParseError{Input: raw, Reason: "invalid common command header"}
		}
		u.Common = true
		u.Header = strings.ToUpper(header)
		return u, nil
	}
	if strings.HasPrefix(header, ":") {
		u.Rooted = true
		header = header[1:]
	}
	for _, m := range strings.Split(header, ":") {
		if !validMnemonic(m) {
			return u, &ParseError{Input: raw, Reason: "invalid header " + header}
		}
	}
	u.Header = strings.ToUpper(header)
	return u, nil
}

// LooksLikeQuery is used for units that failed to parse, so that a reply slot
// can still be filled for something the client meant as a query.
func LooksLikeQuery(raw string) bool {
	header := strings.TrimSpace(raw)
	if idx := strings.IndexFunc(header, unicode.IsSpace); idx >= 0 {
		header = header[:idx]
	}
	return strings.HasSuffix(header, QuerySuffix)
}

// Path tracks the IEEE 488.2 compound header path across units of one message.
type Path struct {
	prefix string
}

// Resolve returns the absolute lookup key of u and advances the path.
func (p *Path) Resolve(u Unit) string {
	suffix := ""
	if u.Query {
		suffix = QuerySuffix
	}
	if u.Common {
		return u.Header + suffix
	}
	full := u.Header
	if !u.Rooted && p.prefix != "" {
		full = p.prefix + ":" + u.Header
	}
	if idx := strings.LastIndex(full, ":"); idx >= 0 {
		p.prefix = full[:idx]
	} else {
		p.prefix = ""
	}
	return ":" + full + suffix
}

// SplitParams splits raw parameter text on ',' outside quoted strings.
func SplitParams(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var (
		out   []string
		start int
		quote byte
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ParamSeparator:
			out = append(out, strings.TrimSpace(raw[start:i]))
			start = i + 1
		}
	}
	return append(out, strings.TrimSpace(raw[start:]))
}

// Unquote strips matching SCPI string delimiters; doubled delimiters inside
// the string collapse to one.
func Unquote(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s, false
	}
	q := s[0]
	if (q != '"' && q != '\'') || s[len(s)-1] != q {
		return s, false
	}
	inner := s[1 : len(s)-1]
	return strings.ReplaceAll(inner, string([]byte{q, q}), string(q)), true
}

func validMnemonic(m string) bool {
	if m == "" {
		return false
	}
	for i, r := range m {
		if r > unicode.MaxASCII {
			return false
		}
		if i == 0 && !unicode.IsLetter(r) {
			return false
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return false
		}
	}
	return true
}
