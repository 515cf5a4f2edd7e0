package render

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Coerce normalizes a rendered leaf string into its typed value:
//
//	"true"/"True"   -> true
//	"false"/"False" -> false
//	"none"/"None"/"null" -> nil
//	"1"             -> int
//	"1.0"           -> float64
//	JSON-looking    -> parsed structure (with repair heuristics)
//	anything else   -> the string unchanged
func Coerce(s string) any {
	switch strings.TrimSpace(s) {
	case "true", "True":
		return true
	case "false", "False":
		return false
	case "none", "None", "null":
		return nil
	}

	trimmed := strings.TrimSpace(s)
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}

	if looksLikeJSON(trimmed) {
		if v, ok := parseJSON(trimmed); ok {
			return v
		}
		if v, ok := parseJSON(Repair(trimmed)); ok {
			return v
		}
	}

	return s
}

// looksLikeJSON reports whether a string plausibly encodes a JSON structure,
// including the malformed pseudo-JSON forms Repair knows how to fix.
func looksLikeJSON(s string) bool {
	if len(s) < 2 {
		return false
	}
	if (s[0] == '{' && s[len(s)-1] == '}') || (s[0] == '[' && s[len(s)-1] == ']') {
		return true
	}
	// Quote-wrapped structures: '{...}', '[...]', "{...}".
	if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		return looksLikeJSON(inner)
	}
	return false
}

// parseJSON attempts a strict parse, requiring a structured result.
func parseJSON(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	}
	return v, true
}

// Repair rewrites common malformed JSON-like strings into parseable JSON:
// outer quote wrapping is stripped, single-quoted keys/values become
// double-quoted, and Python-style literals are converted. The result is only
// used if it parses; callers fall back to the raw string otherwise.
func Repair(s string) string {
	s = strings.TrimSpace(s)

	// Strip one layer of quote wrapping: '[1, 2]' or "{'a': 1}".
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if looksLikeJSON(inner) || (len(inner) > 0 && (inner[0] == '{' || inner[0] == '[')) {
			s = inner
		}
	}

	var out strings.Builder
	out.Grow(len(s))

	inDouble := false
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"' && !inDouble:
			inDouble = true
			out.WriteByte(c)
			i++
		case c == '"' && inDouble:
			inDouble = false
			out.WriteByte(c)
			i++
		case c == '\'' && !inDouble:
			// Single-quoted token: rewrite to double quotes, escaping inner
			// double quotes.
			end := strings.IndexByte(s[i+1:], '\'')
			if end == -1 {
				out.WriteByte(c)
				i++
				continue
			}
			token := s[i+1 : i+1+end]
			out.WriteByte('"')
			out.WriteString(strings.ReplaceAll(token, `"`, `\"`))
			out.WriteByte('"')
			i += end + 2
		case !inDouble && hasWordAt(s, i, "True"):
			out.WriteString("true")
			i += 4
		case !inDouble && hasWordAt(s, i, "False"):
			out.WriteString("false")
			i += 5
		case !inDouble && hasWordAt(s, i, "None"):
			out.WriteString("null")
			i += 4
		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.String()
}

// hasWordAt reports whether word occurs at position i as a standalone token.
func hasWordAt(s string, i int, word string) bool {
	if !strings.HasPrefix(s[i:], word) {
		return false
	}
	if i > 0 && isWordChar(s[i-1]) {
		return false
	}
	end := i + len(word)
	if end < len(s) && isWordChar(s[end]) {
		return false
	}
	return true
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
