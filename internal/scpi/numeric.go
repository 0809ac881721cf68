package scpi

import (
	"strconv"
	"strings"
	"unicode"
)

var suffixMultipliers = map[string]float64{
	"EX": 1e18,
	"PE": 1e15,
	"T":  1e12,
	"G":  1e9,
	"MA": 1e6,
	"K":  1e3,
	"M":  1e-3,
	"U":  1e-6,
	"N":  1e-9,
	"P":  1e-12,
	"F":  1e-15,
	"A":  1e-18,
}

// ParseNumeric parses decimal numeric program data with an optional suffix
// ("3", "-1.5e-3", "250 mA", "#HFF"). unit is the base unit the suffix must
// refer to; an empty unit accepts no suffix.
func ParseNumeric(raw, unit string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, NewValidationError(CodeMissingParameter, raw, "missing numeric parameter")
	}
	if s[0] == '#' {
		return parseNonDecimal(s)
	}

	end := scanDecimal(s)
	if end == 0 {
		return 0, NewValidationError(CodeDataTypeError, raw, "numeric value expected")
	}
	value, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, NewValidationError(CodeDataTypeError, raw, "numeric value expected")
	}
	suffix := strings.ToUpper(strings.TrimSpace(s[end:]))
	if suffix == "" {
		return value, nil
	}
	mult, ok := suffixMultiplier(suffix, strings.ToUpper(unit))
	if !ok {
		return 0, NewValidationError(CodeInvalidSuffix, raw, "invalid suffix")
	}
	return value * mult, nil
}

func suffixMultiplier(suffix, unit string) (float64, bool) {
	if unit == "" {
		return 0, false
	}
	if suffix == unit {
		return 1, true
	}
	if !strings.HasSuffix(suffix, unit) {
		return 0, false
	}
	prefix := strings.TrimSuffix(suffix, unit)
	// MHZ and MOHM are mega by convention.
	if prefix == "M" && (unit == "HZ" || unit == "OHM") {
		return 1e6, true
	}
	mult, ok := suffixMultipliers[prefix]
	return mult, ok
}

// scanDecimal returns the length of the leading decimal numeric literal of s.
func scanDecimal(s string) int {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for k < len(s) && isDigit(s[k]) {
			k++
		}
		// "3 E" is not an exponent; "3E" followed by a unit letter is a suffix.
		if k > j {
			i = k
		}
	}
	return i
}

func parseNonDecimal(s string) (float64, error) {
	if len(s) < 3 {
		return 0, NewValidationError(CodeDataTypeError, s, "invalid non-decimal numeric")
	}
	var base int
	switch unicode.ToUpper(rune(s[1])) {
	case 'H':
		base = 16
	case 'Q':
		base = 8
	case 'B':
		base = 2
	default:
		return 0, NewValidationError(CodeDataTypeError, s, "invalid non-decimal numeric")
	}
	v, err := strconv.ParseInt(s[2:], base, 64)
	if err != nil {
		return 0, NewValidationError(CodeDataTypeError, s, "invalid non-decimal numeric")
	}
	return float64(v), nil
}

// ParseBool accepts ON, OFF and numeric values (non-zero is true).
func ParseBool(raw string) (bool, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch s {
	case "":
		return false, NewValidationError(CodeMissingParameter, raw, "missing boolean parameter")
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	v, err := ParseNumeric(s, "")
	if err != nil {
		return false, NewValidationError(CodeIllegalParameterValue, raw, "boolean ON|OFF|1|0 expected")
	}
	return v != 0, nil
}

func FormatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
