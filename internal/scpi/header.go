package scpi

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const QuerySuffix = "?"

// ExpandHeader turns a header pattern written in SCPI documentation notation
// into every normalized key it accepts. Square brackets mark optional parts
// (nested groups allowed), lowercase letters mark the part dropped by the short
// form, and a trailing "?" makes every key a query key.
//
//	":SOURce[1]:CURRent[:LEVel]?" -> ":SOUR:CURR?", ":SOURCE1:CURRENT:LEVEL?", ...
func ExpandHeader(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, &ParseError{Input: pattern, Reason: "empty header pattern"}
	}
	query := strings.HasSuffix(pattern, QuerySuffix)
	body := strings.TrimSuffix(pattern, QuerySuffix)
	suffix := ""
	if query {
		suffix = QuerySuffix
	}

	if strings.HasPrefix(body, "*") {
		name := strings.ToUpper(body)
		if !isCommonHeader(name) {
			return nil, &ParseError{Input: pattern, Reason: "invalid common command"}
		}
		return []string{name + suffix}, nil
	}

	variants, err := expandOptional(body)
	if err != nil {
		return nil, &ParseError{Input: pattern, Reason: err.Error()}
	}

	seen := map[string]struct{}{}
	for _, variant := range variants {
		if !strings.HasPrefix(variant, ":") {
			variant = ":" + variant
		}
		mnemonics := strings.Split(variant[1:], ":")
		keys := []string{""}
		for _, m := range mnemonics {
			forms, err := mnemonicForms(m)
			if err != nil {
				return nil, &ParseError{Input: pattern, Reason: err.Error()}
			}
			next := make([]string, 0, len(keys)*len(forms))
			for _, k := range keys {
				for _, f := range forms {
					next = append(next, k+":"+f)
				}
			}
			keys = next
		}
		for _, k := range keys {
			seen[k+suffix] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// expandOptional resolves every combination of the bracketed groups in s.
func expandOptional(s string) ([]string, error) {
	results, rest, err := expandSequence(s, 0)
	if err != nil {
		return nil, err
	}
	if rest != len(s) {
		return nil, fmt.Errorf("unbalanced ']' at %d", rest)
	}
	return results, nil
}

func expandSequence(s string, pos int) ([]string, int, error) {
	acc := []string{""}
	for pos < len(s) {
		switch s[pos] {
		case '[':
			inner, next, err := expandSequence(s, pos+1)
			if err != nil {
				return nil, 0, err
			}
			if next >= len(s) || s[next] != ']' {
				return nil, 0, fmt.Errorf("unbalanced '[' at %d", pos)
			}
			options := append([]string{""}, inner...)
			combined := make([]string, 0, len(acc)*len(options))
			for _, a := range acc {
				for _, o := range options {
					combined = append(combined, a+o)
				}
			}
			acc = combined
			pos = next + 1
		case ']':
			return acc, pos, nil
		default:
			start := pos
			for pos < len(s) && s[pos] != '[' && s[pos] != ']' {
				pos++
			}
			lit := s[start:pos]
			for i := range acc {
				acc[i] += lit
			}
		}
	}
	return acc, pos, nil
}

// mnemonicForms returns the long and short upper-case forms of one mnemonic.
// A mixed-case mnemonic ("VOLTage") uses its upper-case prefix as the short
// form; a single-case mnemonic uses the IEEE 488.2 four-letter rule.
func mnemonicForms(m string) ([]string, error) {
	if m == "" {
		return nil, fmt.Errorf("empty mnemonic")
	}
	for i, r := range m {
		if !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')) {
			return nil, fmt.Errorf("invalid character %q in mnemonic %s", r, m)
		}
		if i == 0 && !unicode.IsLetter(r) {
			return nil, fmt.Errorf("mnemonic %s must start with a letter", m)
		}
	}

	base := strings.TrimRightFunc(m, unicode.IsDigit)
	digits := m[len(base):]
	long := strings.ToUpper(base)

	var short string
	if hasUpper(base) && hasLower(base) {
		end := 0
		for end < len(base) && !unicode.IsLower(rune(base[end])) {
			end++
		}
		if strings.ContainsFunc(base[end:], unicode.IsUpper) {
			return nil, fmt.Errorf("mnemonic %s mixes case after its short form", m)
		}
		short = base[:end]
	} else {
		short = shortForm(long)
	}

	forms := []string{long + digits}
	if short+digits != long+digits {
		forms = append(forms, short+digits)
	}
	return forms, nil
}

func shortForm(long string) string {
	if len(long) <= 4 {
		return long
	}
	if strings.ContainsRune("AEIOUY", rune(long[3])) {
		return long[:3]
	}
	return long[:4]
}

// MatchMnemonic reports whether input selects the mnemonic written in SCPI
// notation (e.g. "FRONt" accepts "FRON" and "FRONT").
func MatchMnemonic(input, mnemonic string) bool {
	forms, err := mnemonicForms(mnemonic)
	if err != nil {
		return false
	}
	input = strings.ToUpper(strings.TrimSpace(input))
	for _, f := range forms {
		if f == input {
			return true
		}
	}
	return false
}

// LongForm returns the upper-case long form of a mnemonic.
func LongForm(mnemonic string) string {
	return strings.ToUpper(mnemonic)
}

// NormalizeKey folds a concrete header into its lookup key.
func NormalizeKey(header string) string {
	key := strings.ToUpper(strings.TrimSpace(header))
	if key != "" && !strings.HasPrefix(key, ":") && !strings.HasPrefix(key, "*") {
		key = ":" + key
	}
	return key
}

func isCommonHeader(h string) bool {
	if len(h) < 2 || h[0] != '*' {
		return false
	}
	for i, r := range h[1:] {
		if i == 0 && !unicode.IsLetter(r) {
			return false
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func hasUpper(s string) bool { return strings.ContainsFunc(s, unicode.IsUpper) }
func hasLower(s string) bool { return strings.ContainsFunc(s, unicode.IsLower) }

// ShortForm returns the upper-case short form of a mnemonic ("FRONt" -> "FRON").
func ShortForm(mnemonic string) string {
	forms, err := mnemonicForms(mnemonic)
	if err != nil {
		return strings.ToUpper(mnemonic)
	}
	return forms[len(forms)-1]
}
