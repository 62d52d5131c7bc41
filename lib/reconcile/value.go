package reconcile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/brunoga/deep/v3"
)

// normalize converts an arbitrary JSON compatible Go value into the generic
// representation used by the mirror (map[string]any, []any, float64, string,
// bool, nil)
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not json compatible: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("value is not json compatible: %w", err)
	}
	return out, nil
}

// clone deep copies a normalized value
func clone(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	out, err := deep.Copy(v)
	if err != nil {
		// normalized values only hold maps, slices and scalars
		panic(fmt.Sprintf("reconcile: failed to copy value: %v", err))
	}
	return out
}

// sameJSON compares two values by their serialized form
func sameJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

// --------------------------------------------------------------------------
// Paths
// --------------------------------------------------------------------------

// splitPath splits a dot path, the empty path addresses the root
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

// parents returns path and all of its ancestors including the root
func parents(path string) []string {
	out := []string{path}
	for path != "" {
		i := strings.LastIndexByte(path, '.')
		if i < 0 {
			path = ""
		} else {
			path = path[:i]
		}
		out = append(out, path)
	}
	return out
}

func lookup(root any, segments []string) (any, bool) {
	cur := root
	for _, seg := range segments {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// assign returns root with value stored at segments. Missing records along
// the way are created, an array index may address one past the end to append.
func assign(root any, segments []string, value any) (any, error) {
	if len(segments) == 0 {
		return value, nil
	}
	seg, rest := segments[0], segments[1:]

	switch t := root.(type) {
	case nil:
		child, err := assign(nil, rest, value)
		if err != nil {
			return nil, err
		}
		return map[string]any{seg: child}, nil
	case map[string]any:
		child, err := assign(t[seg], rest, value)
		if err != nil {
			return nil, err
		}
		t[seg] = child
		return t, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i > len(t) {
			return nil, fmt.Errorf("invalid array index %q", seg)
		}
		if i == len(t) {
			t = append(t, nil)
		}
		child, err := assign(t[i], rest, value)
		if err != nil {
			return nil, err
		}
		t[i] = child
		return t, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", root, seg)
	}
}

// remove deletes the value at segments, array elements are spliced out
func remove(root any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return nil, root != nil
	}
	seg, rest := segments[0], segments[1:]

	switch t := root.(type) {
	case map[string]any:
		child, ok := t[seg]
		if !ok {
			return root, false
		}
		if len(rest) == 0 {
			delete(t, seg)
			return t, true
		}
		child, removed := remove(child, rest)
		t[seg] = child
		return t, removed
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(t) {
			return root, false
		}
		if len(rest) == 0 {
			return append(t[:i], t[i+1:]...), true
		}
		child, removed := remove(t[i], rest)
		t[i] = child
		return t, removed
	default:
		return root, false
	}
}

// changedPaths collects the deepest paths at which a and b differ
func changedPaths(a, b any, prefix string, depth int, out *[]string) {
	if depth > DefaultMaxDepth {
		if !sameJSON(a, b) {
			*out = append(*out, prefix)
		}
		return
	}
	switch ta := a.(type) {
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok {
			*out = append(*out, prefix)
			return
		}
		for k, va := range ta {
			if vb, ok := tb[k]; ok {
				changedPaths(va, vb, joinPath(prefix, k), depth+1, out)
			} else {
				*out = append(*out, joinPath(prefix, k))
			}
		}
		for k := range tb {
			if _, ok := ta[k]; !ok {
				*out = append(*out, joinPath(prefix, k))
			}
		}
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			*out = append(*out, prefix)
			return
		}
		for i := range ta {
			changedPaths(ta[i], tb[i], joinPath(prefix, strconv.Itoa(i)), depth+1, out)
		}
	default:
		if !sameJSON(a, b) {
			*out = append(*out, prefix)
		}
	}
}
