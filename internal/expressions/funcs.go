package expressions

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
)

// Builtins returns the expression functions exposed to every template:
// regex matching, fuzzy string similarity, phone normalization, and
// date/time helpers. All of them swallow bad input instead of failing the
// whole render.
func Builtins() []expr.Option {
	return []expr.Option{
		expr.Function("match", matchFunc),
		expr.Function("similarity", similarityFunc),
		expr.Function("phone", phoneFunc),
		expr.Function("now", nowFunc),
		expr.Function("parse_date", parseDateFunc),
		expr.Function("format_date", formatDateFunc),
	}
}

var (
	regexMu    sync.RWMutex
	regexCache = map[string]*regexp.Regexp{}
)

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	regexMu.RLock()
	re, ok := regexCache[pattern]
	regexMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexMu.Lock()
	regexCache[pattern] = re
	regexMu.Unlock()
	return re, nil
}

// matchFunc implements match(pattern, s) -> bool.
func matchFunc(params ...any) (any, error) {
	if len(params) != 2 {
		return false, fmt.Errorf("match expects (pattern, s)")
	}
	pattern := toString(params[0])
	s := toString(params[1])
	re, err := compiledRegex(pattern)
	if err != nil {
		return false, nil
	}
	return re.MatchString(s), nil
}

// similarityFunc implements similarity(a, b) -> float64 in [0, 1],
// a levenshtein-based ratio comparable to difflib-style matchers.
func similarityFunc(params ...any) (any, error) {
	if len(params) != 2 {
		return 0.0, fmt.Errorf("similarity expects (a, b)")
	}
	a := strings.ToLower(toString(params[0]))
	b := strings.ToLower(toString(params[1]))
	return similarityRatio(a, b), nil
}

func similarityRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes the edit distance with a two-row matrix.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

var phoneStrip = regexp.MustCompile(`[\s().-]`)

// phoneFunc implements phone(s) -> normalized digits with leading "+" kept.
// Returns "" for strings that do not look like a phone number.
func phoneFunc(params ...any) (any, error) {
	if len(params) != 1 {
		return "", fmt.Errorf("phone expects (s)")
	}
	s := phoneStrip.ReplaceAllString(toString(params[0]), "")
	if s == "" {
		return "", nil
	}
	body := s
	prefix := ""
	if strings.HasPrefix(s, "+") {
		prefix = "+"
		body = s[1:]
	}
	if len(body) < 7 || len(body) > 15 {
		return "", nil
	}
	for _, r := range body {
		if r < '0' || r > '9' {
			return "", nil
		}
	}
	return prefix + body, nil
}

// nowFunc implements now() / now(tz) -> current time in RFC3339.
func nowFunc(params ...any) (any, error) {
	loc := time.UTC
	if len(params) >= 1 {
		if tz, err := time.LoadLocation(toString(params[0])); err == nil {
			loc = tz
		}
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

// parseDateFunc implements parse_date(value, layout) -> RFC3339 string.
// Returns "" when the value cannot be parsed.
func parseDateFunc(params ...any) (any, error) {
	if len(params) != 2 {
		return "", fmt.Errorf("parse_date expects (value, layout)")
	}
	t, err := time.Parse(toString(params[1]), toString(params[0]))
	if err != nil {
		return "", nil
	}
	return t.Format(time.RFC3339), nil
}

// formatDateFunc implements format_date(value, layout) where value is an
// RFC3339 string. Returns "" when the value cannot be parsed.
func formatDateFunc(params ...any) (any, error) {
	if len(params) != 2 {
		return "", fmt.Errorf("format_date expects (value, layout)")
	}
	t, err := time.Parse(time.RFC3339, toString(params[0]))
	if err != nil {
		return "", nil
	}
	return t.Format(toString(params[1])), nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
