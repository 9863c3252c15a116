package format

import (
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// AppendProps renders props as "key:value,key:value" in key order. Values
// containing separators or quotes are written as quoted Go strings.
func AppendProps(b []byte, props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for i, k := range keys {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, k...)
		b = append(b, ':')
		v := props[k]
		if strings.ContainsAny(v, ",:\"\\") || strings.TrimSpace(v) != v {
			b = strconv.AppendQuote(b, v)
		} else {
			b = append(b, v...)
		}
	}
	return b
}

// FormatProps is AppendProps into a new string.
func FormatProps(props map[string]string) string {
	return string(AppendProps(nil, props))
}

// ParseProps parses the output of AppendProps.
func ParseProps(s string) (map[string]string, error) {
	props := make(map[string]string)
	for len(s) > 0 {
		colon := strings.IndexByte(s, ':')
		if colon < 0 {
			return nil, errors.Wrapf(ErrCorrupt, "property without value: %q", s)
		}
		key := s[:colon]
		s = s[colon+1:]
		var value string
		if strings.HasPrefix(s, `"`) {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, errors.Wrapf(ErrCorrupt, "bad quoted value for %q", key)
			}
			value, _ = strconv.Unquote(quoted)
			s = s[len(quoted):]
		} else if comma := strings.IndexByte(s, ','); comma >= 0 {
			value = s[:comma]
			s = s[comma:]
		} else {
			value = s
			s = ""
		}
		props[key] = value
		if len(s) > 0 {
			if s[0] != ',' {
				return nil, errors.Wrapf(ErrCorrupt, "expected ',' after %q", key)
			}
			s = s[1:]
		}
	}
	return props, nil
}

// Hex formats v as lowercase hexadecimal.
func Hex(v int64) string { return strconv.FormatUint(uint64(v), 16) }

// ParseHex parses a value written by Hex.
func ParseHex(s string) (int64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCorrupt, "parse %q: %v", s, err)
	}
	return int64(v), nil
}
