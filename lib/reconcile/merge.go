package reconcile

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultMaxDepth bounds the recursion of a merge, deeper values are overwritten
	DefaultMaxDepth = 10
	// RecentWindow is how long a local edit protects an array from being overwritten
	RecentWindow = 2 * time.Second
	// identitySample is the number of elements inspected to detect an id field
	identitySample = 10
)

// identityFields are tried in this order
var identityFields = []string{"id", "ID", "_id"}

// Merger merges incoming values into local ones
type Merger struct {
	// MaxDepth bounds the recursion (DefaultMaxDepth if zero)
	MaxDepth int

	// Recent reports whether the local array at path carries an edit that
	// must not be overwritten blindly. nil means never.
	Recent func(path string) bool

	// Overwrites counts how often a merge fell back to a full overwrite
	// because of a shape mismatch or the depth bound
	Overwrites uint64
}

// Merge reconciles target with incoming and returns the result. target is
// modified in place where possible, incoming is never modified.
func (m *Merger) Merge(target, incoming any) any {
	return m.merge(target, incoming, "", 0)
}

func (m *Merger) maxDepth() int {
	if m.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return m.MaxDepth
}

func (m *Merger) merge(target, incoming any, path string, depth int) any {
	if depth > m.maxDepth() {
		m.Overwrites++
		return clone(incoming)
	}

	switch in := incoming.(type) {
	case map[string]any:
		if t, ok := target.(map[string]any); ok {
			return m.mergeRecords(t, in, path, depth)
		}
	case []any:
		if t, ok := target.([]any); ok {
			return m.mergeArrays(t, in, path, depth)
		}
	}

	if isContainer(target) {
		// a record became an array or a scalar
		m.Overwrites++
	}
	return clone(incoming)
}

// mergeRecords merges key by key, keys absent from incoming are deleted
func (m *Merger) mergeRecords(target, incoming map[string]any, path string, depth int) map[string]any {
	for k, v := range incoming {
		if cur, ok := target[k]; ok {
			target[k] = m.merge(cur, v, joinPath(path, k), depth+1)
		} else {
			target[k] = clone(v)
		}
	}
	for k := range target {
		if _, ok := incoming[k]; !ok {
			delete(target, k)
		}
	}
	return target
}

func (m *Merger) mergeArrays(target, incoming []any, path string, depth int) []any {
	if len(target) == 0 || len(incoming) == 0 {
		return clone(incoming).([]any)
	}

	if field, ok := identityField(target, incoming); ok {
		return m.mergeByIdentity(target, incoming, field, path, depth)
	}

	if m.Recent != nil && m.Recent(path) && !sameJSON(target, incoming) {
		return m.mergeByPosition(target, incoming, path, depth)
	}
	// Positional fallback without a pending local edit. It takes incoming as
	// is: merging element by element would keep local-only elements of nested
	// identity arrays that the remote side removed.
	return clone(incoming).([]any)
}

// mergeByIdentity merges elements with the same id in place, appends elements
// new to incoming in incoming order and keeps elements only known locally
// after them
func (m *Merger) mergeByIdentity(target, incoming []any, field, path string, depth int) []any {
	local := make(map[string]int, len(target))
	for i, e := range target {
		if key, ok := identityOf(e, field); ok {
			if _, dup := local[key]; !dup {
				local[key] = i
			}
		}
	}

	out := make([]any, 0, len(incoming)+len(target))
	seen := make(map[string]bool, len(incoming))
	for _, e := range incoming {
		key, ok := identityOf(e, field)
		if !ok {
			out = append(out, clone(e))
			continue
		}
		seen[key] = true
		if i, found := local[key]; found {
			out = append(out, m.merge(target[i], e, joinPath(path, strconv.Itoa(i)), depth+1))
		} else {
			out = append(out, clone(e))
		}
	}

	for _, e := range target {
		key, ok := identityOf(e, field)
		if ok && seen[key] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// mergeByPosition merges the common prefix and matches the incoming length
func (m *Merger) mergeByPosition(target, incoming []any, path string, depth int) []any {
	out := make([]any, len(incoming))
	for i, e := range incoming {
		if i < len(target) {
			out[i] = m.merge(target[i], e, joinPath(path, strconv.Itoa(i)), depth+1)
		} else {
			out[i] = clone(e)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// identityField returns the id field if both arrays hold only records and a
// majority of a sample of them carries the field
func identityField(target, incoming []any) (string, bool) {
	for _, arr := range [][]any{target, incoming} {
		for _, e := range arr {
			if _, ok := e.(map[string]any); !ok {
				return "", false
			}
		}
	}

	sample := make([]map[string]any, 0, identitySample)
	for _, arr := range [][]any{incoming, target} {
		for _, e := range arr {
			if len(sample) == identitySample {
				break
			}
			sample = append(sample, e.(map[string]any))
		}
	}

	for _, field := range identityFields {
		n := 0
		for _, rec := range sample {
			if v, ok := rec[field]; ok && v != nil {
				n++
			}
		}
		if n*2 > len(sample) {
			return field, true
		}
	}
	return "", false
}

// identityOf renders the id of a record as a map key, numbers and strings
// with the same text stay distinct
func identityOf(e any, field string) (string, bool) {
	rec, ok := e.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := rec[field]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return "s:" + id, true
	case float64:
		return "n:" + strconv.FormatFloat(id, 'g', -1, 64), true
	default:
		return fmt.Sprintf("%T:%v", v, v), true
	}
}
