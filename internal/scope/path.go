package scope

import (
	"strconv"
	"strings"

	"github.com/convoflow/convoflow/pkg/schema"
)

// Segment is one step of a parsed variable path: either a map key or a
// list index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsePath parses the variable path grammar:
//
//	dot-separated identifiers        a.b.c
//	bracket integer indices          list[0]
//	bracket quoted keys              map['key with space'], map["key.with.dot"]
//
// Quoted keys may contain any character, including dots, brackets and
// control characters; quotes inside must use the other quote style.
func ParsePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable path")
	}

	var segs []Segment
	i := 0
	expectKey := true

	for i < len(path) {
		switch {
		case path[i] == '.':
			if expectKey {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty segment in path %q", path)
			}
			expectKey = true
			i++

		case path[i] == '[':
			end := matchingBracket(path, i)
			if end == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed bracket in path %q", path)
			}
			inner := path[i+1 : end]
			seg, err := parseBracket(inner, path)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			expectKey = false
			i = end + 1

		default:
			if !expectKey {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unexpected %q in path %q", path[i], path)
			}
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			key := path[i:j]
			if key == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty segment in path %q", path)
			}
			segs = append(segs, Segment{Key: key})
			expectKey = false
			i = j
		}
	}

	if expectKey {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "trailing dot in path %q", path)
	}
	if len(segs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty variable path")
	}
	return segs, nil
}

// matchingBracket finds the index of the ']' closing the '[' at open,
// honoring quoted content.
func matchingBracket(path string, open int) int {
	i := open + 1
	var quote byte
	for i < len(path) {
		c := path[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case ']':
			return i
		}
		i++
	}
	return -1
}

func parseBracket(inner, fullPath string) (Segment, error) {
	if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') {
		if inner[len(inner)-1] != inner[0] {
			return Segment{}, schema.NewErrorf(schema.ErrCodeValidation, "unterminated quote in path %q", fullPath)
		}
		return Segment{Key: inner[1 : len(inner)-1]}, nil
	}
	idx, err := strconv.Atoi(strings.TrimSpace(inner))
	if err != nil || idx < 0 {
		return Segment{}, schema.NewErrorf(schema.ErrCodeValidation,
			"bracket segment %q in path %q is neither a quoted key nor a non-negative index", inner, fullPath)
	}
	return Segment{Index: idx, IsIndex: true}, nil
}

// SplitScope peels a leading scope namespace ("room", "route", "node",
// "flow") off a variable path. Unprefixed paths default to the route scope.
func SplitScope(path string) (Kind, string) {
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return KindRoute, path
	}
	switch head {
	case string(KindRoom):
		return KindRoom, rest
	case string(KindRoute):
		return KindRoute, rest
	case string(KindNode):
		return KindNode, rest
	case string(KindFlow):
		return KindFlow, rest
	default:
		return KindRoute, path
	}
}
