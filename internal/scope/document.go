package scope

import (
	"strconv"

	"github.com/convoflow/convoflow/pkg/schema"
)

// Get resolves a parsed path inside a JSON document. Returns nil when any
// segment is absent or the shapes do not match; a missing variable is not
// an error.
func Get(doc map[string]any, segs []Segment) any {
	var current any = doc
	for _, seg := range segs {
		switch c := current.(type) {
		case map[string]any:
			key := seg.Key
			if seg.IsIndex {
				// Numeric bracket index into a map addresses the string key.
				key = strconv.Itoa(seg.Index)
			}
			v, ok := c[key]
			if !ok {
				return nil
			}
			current = v
		case []any:
			if !seg.IsIndex || seg.Index >= len(c) {
				return nil
			}
			current = c[seg.Index]
		default:
			return nil
		}
	}
	return current
}

// Set writes value at the parsed path, auto-creating intermediate maps and
// lists. A numeric index whose parent is an existing map addresses the string
// key equal to that index; a list written past its end grows with nils.
func Set(doc map[string]any, segs []Segment, value any) error {
	if len(segs) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "empty variable path")
	}
	setIn(doc, segs, value)
	return nil
}

// setIn writes into container and returns the (possibly re-allocated)
// container so list growth propagates to the parent.
func setIn(container any, segs []Segment, value any) any {
	seg := segs[0]

	if m, ok := container.(map[string]any); ok {
		key := seg.Key
		if seg.IsIndex {
			key = strconv.Itoa(seg.Index)
		}
		if len(segs) == 1 {
			m[key] = value
			return m
		}
		m[key] = setIn(childOrNew(m[key], segs[1]), segs[1:], value)
		return m
	}

	if seg.IsIndex {
		list, _ := container.([]any)
		growList(&list, seg.Index)
		if len(segs) == 1 {
			list[seg.Index] = value
			return list
		}
		list[seg.Index] = setIn(childOrNew(list[seg.Index], segs[1]), segs[1:], value)
		return list
	}

	// Scalar (or nil) under a key segment: replace with a fresh map.
	m := map[string]any{}
	if len(segs) == 1 {
		m[seg.Key] = value
		return m
	}
	m[seg.Key] = setIn(childOrNew(nil, segs[1]), segs[1:], value)
	return m
}

// Delete removes the value at the parsed path. Deleting a list element
// splices it out. When the deletion empties the leaf's immediate container,
// that container is removed from its own parent; pruning stops there.
func Delete(doc map[string]any, segs []Segment) error {
	if len(segs) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "empty variable path")
	}
	deleteIn(doc, segs)
	return nil
}

// deleteIn removes the path from container, returning the possibly-modified
// container and whether the deletion emptied it (consumed by the immediate
// caller for the one-level prune).
func deleteIn(container any, segs []Segment) (any, bool) {
	seg := segs[0]

	switch c := container.(type) {
	case map[string]any:
		key := seg.Key
		if seg.IsIndex {
			key = strconv.Itoa(seg.Index)
		}
		child, ok := c[key]
		if !ok {
			return c, false
		}
		if len(segs) == 1 {
			delete(c, key)
			return c, len(c) == 0
		}
		newChild, childEmptied := deleteIn(child, segs[1:])
		if childEmptied && len(segs) == 2 {
			delete(c, key)
			return c, false
		}
		c[key] = newChild
		return c, false

	case []any:
		if !seg.IsIndex || seg.Index >= len(c) {
			return c, false
		}
		if len(segs) == 1 {
			spliced := append(c[:seg.Index:seg.Index], c[seg.Index+1:]...)
			return spliced, len(spliced) == 0
		}
		newChild, childEmptied := deleteIn(c[seg.Index], segs[1:])
		if childEmptied && len(segs) == 2 {
			return append(c[:seg.Index:seg.Index], c[seg.Index+1:]...), false
		}
		c[seg.Index] = newChild
		return c, false

	default:
		return container, false
	}
}

func childOrNew(child any, next Segment) any {
	switch child.(type) {
	case map[string]any, []any:
		return child
	}
	if next.IsIndex {
		return []any{}
	}
	return map[string]any{}
}

func growList(list *[]any, index int) {
	for len(*list) <= index {
		*list = append(*list, nil)
	}
}
