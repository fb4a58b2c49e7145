// Package gate decodes structured stage output leniently and turns it into
// pass/fail decisions.
package gate

import (
	"encoding/json"
	"strings"
)

// Tier records which decoding strategy produced a result.
type Tier int

const (
	TierStrict   Tier = iota + 1 // whole output was valid JSON
	TierEmbedded                 // a balanced {...} fragment inside the output
	TierFallback                 // nothing decoded; conservative default used
)

func (t Tier) String() string {
	switch t {
	case TierStrict:
		return "strict"
	case TierEmbedded:
		return "embedded"
	case TierFallback:
		return "fallback"
	}
	return "unknown"
}

// Decode unmarshals raw into a T, first as a whole and then by scanning for
// balanced object fragments. Each attempt starts from a zero T. When nothing
// decodes it returns the zero T and TierFallback; the caller substitutes its
// conservative default.
func Decode[T any](raw string) (T, Tier) {
	trimmed := strings.TrimSpace(raw)
	if isObject(trimmed) {
		var v T
		if json.Unmarshal([]byte(trimmed), &v) == nil {
			return v, TierStrict
		}
	}
	for _, frag := range fragments(trimmed) {
		var v T
		if json.Unmarshal([]byte(frag), &v) == nil {
			return v, TierEmbedded
		}
	}
	var zero T
	return zero, TierFallback
}

func isObject(s string) bool {
	return strings.HasPrefix(s, "{")
}

// fragments returns every balanced top-level {...} candidate in s, in order
// of their opening brace. String literals are honoured so braces inside
// quoted text do not affect nesting.
func fragments(s string) []string {
	var out []string
	for start := strings.IndexByte(s, '{'); start >= 0; {
		end := matchBrace(s, start)
		if end > start {
			out = append(out, s[start:end+1])
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return out
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
