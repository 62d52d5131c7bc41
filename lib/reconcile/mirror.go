package reconcile

import (
	"sort"
	"time"
)

// WatchFunc receives the paths touched by a mutation of the mirror
type WatchFunc func(paths []string)

// Mirror is a plain nested value tree (records, arrays and scalars) kept
// isomorphic to a replicated document. A Mirror is not safe for concurrent
// use, it is owned by the reactor of its Binding.
type Mirror struct {
	root     any
	modified map[string]time.Time
	watchers map[int]WatchFunc
	nextID   int
	now      func() time.Time
}

// NewMirror creates a mirror holding a copy of initial (an empty record if nil)
func NewMirror(initial any) (*Mirror, error) {
	if initial == nil {
		initial = map[string]any{}
	}
	root, err := normalize(initial)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		root:     clone(root),
		modified: make(map[string]time.Time),
		watchers: make(map[int]WatchFunc),
		now:      time.Now,
	}, nil
}

// Get returns the value at the dot path ("" is the root). Numeric segments
// index arrays. The returned value must not be modified.
func (m *Mirror) Get(path string) (any, bool) {
	return lookup(m.root, splitPath(path))
}

// Snapshot returns a deep copy of the whole tree
func (m *Mirror) Snapshot() any {
	return clone(m.root)
}

// Set stores a copy of value at path, creating missing records on the way
func (m *Mirror) Set(path string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	root, err := assign(m.root, splitPath(path), clone(v))
	if err != nil {
		return err
	}
	m.root = root
	m.touch([]string{path})
	return nil
}

// Delete removes the value at path. Deleting the root empties the mirror.
func (m *Mirror) Delete(path string) bool {
	if path == "" {
		m.root = map[string]any{}
		m.touch([]string{""})
		return true
	}
	root, removed := remove(m.root, splitPath(path))
	if !removed {
		return false
	}
	m.root = root
	m.touch([]string{path})
	return true
}

// Update replaces the root with the result of fn, which receives a copy of
// the current root. Only the paths that actually changed are reported.
func (m *Mirror) Update(fn func(root any) any) error {
	next, err := normalize(fn(clone(m.root)))
	if err != nil {
		return err
	}
	var paths []string
	changedPaths(m.root, next, "", 0, &paths)
	if len(paths) == 0 {
		return nil
	}
	m.root = next
	m.touch(paths)
	return nil
}

// Watch registers fn for every mutation, the returned function unregisters it
func (m *Mirror) Watch(fn WatchFunc) func() {
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	return func() { delete(m.watchers, id) }
}

// ModifiedAt returns when path (or something below it) was last changed
// through Set, Delete or Update. Zero if never.
func (m *Mirror) ModifiedAt(path string) time.Time {
	return m.modified[path]
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// replace swaps the root for a merged remote value. Watchers are notified,
// modification times are not touched since the change is not local.
func (m *Mirror) replace(root any) {
	m.root = root
	m.notify([]string{""})
}

func (m *Mirror) raw() any {
	return m.root
}

func (m *Mirror) touch(paths []string) {
	now := m.now()
	for _, p := range paths {
		for _, a := range parents(p) {
			m.modified[a] = now
		}
	}
	m.notify(paths)
}

func (m *Mirror) notify(paths []string) {
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := m.watchers[id]; ok {
			fn(paths)
		}
	}
}
