// Package document implements the runtime document instance: a schema-backed
// data store with dirty-field tracking, change-tracking containers for list
// and map values, and the delta computation that turns accumulated mutations
// into a minimal operator document.
package document

import (
	"reflect"
)

// containerOpKind classifies a structural mutation for delta computation.
type containerOpKind int

const (
	opAppend containerOpKind = iota
	opRemoveValue
	opSetKey
	opUnsetKey
	opOther
)

type containerOp struct {
	kind  containerOpKind
	key   string
	value any
}

// List is a change-tracking replacement for a slice-valued field. Every
// structural mutation marks the owning document's top-level field dirty, no
// matter how deeply the list is nested under that field. Iteration works on
// snapshots, so mutating while iterating cannot corrupt the loop.
type List struct {
	items   []any
	owner   *Document
	field   string
	journal []containerOp
	fresh   bool
}

// NewList creates a detached tracking list with the given contents.
func NewList(items ...any) *List {
	l := &List{fresh: true}
	for _, item := range items {
		l.items = append(l.items, item)
	}
	return l
}

// attach parents the list (and every nested container) under doc.field.
func (l *List) attach(doc *Document, field string) {
	l.owner = doc
	l.field = field
	for i, item := range l.items {
		l.items[i] = adoptNested(item, doc, field)
	}
}

// detach clears the back-reference when the container leaves its slot.
func (l *List) detach() {
	l.owner = nil
	l.field = ""
}

func (l *List) notify() {
	if l.owner != nil {
		l.owner.markDirty(l.field)
	}
}

func (l *List) record(op containerOp) {
	l.journal = append(l.journal, op)
	l.notify()
}

// Len returns the number of elements.
func (l *List) Len() int { return len(l.items) }

// Get returns the element at index i.
func (l *List) Get(i int) (any, bool) {
	if i < 0 || i >= len(l.items) {
		return nil, false
	}
	return l.items[i], true
}

// Items returns a snapshot copy of the contents. The snapshot satisfies the
// iteration-safety contract: callers range over it freely while the list is
// mutated elsewhere.
func (l *List) Items() []any {
	out := make([]any, len(l.items))
	copy(out, l.items)
	return out
}

// Append adds values to the end of the list.
func (l *List) Append(values ...any) {
	for _, v := range values {
		v = adoptNested(v, l.owner, l.field)
		l.items = append(l.items, v)
		l.record(containerOp{kind: opAppend, value: v})
	}
}

// Insert places value at index i, shifting later elements right.
func (l *List) Insert(i int, value any) bool {
	if i < 0 || i > len(l.items) {
		return false
	}
	value = adoptNested(value, l.owner, l.field)
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = value
	l.record(containerOp{kind: opOther})
	return true
}

// Set replaces the element at index i.
func (l *List) Set(i int, value any) bool {
	if i < 0 || i >= len(l.items) {
		return false
	}
	l.items[i] = adoptNested(value, l.owner, l.field)
	l.record(containerOp{kind: opOther})
	return true
}

// Remove deletes the element at index i.
func (l *List) Remove(i int) bool {
	if i < 0 || i >= len(l.items) {
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.record(containerOp{kind: opOther})
	return true
}

// Pop removes and returns the last element.
func (l *List) Pop() (any, bool) {
	if len(l.items) == 0 {
		return nil, false
	}
	last := l.items[len(l.items)-1]
	l.items = l.items[:len(l.items)-1]
	l.record(containerOp{kind: opOther})
	return last, true
}

// RemoveValue deletes the first element equal to value and reports whether a
// match was found.
func (l *List) RemoveValue(value any) bool {
	for i, item := range l.items {
		if nativeEqual(item, value) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			l.record(containerOp{kind: opRemoveValue, value: value})
			return true
		}
	}
	return false
}

// Clear removes every element.
func (l *List) Clear() {
	l.items = l.items[:0]
	l.record(containerOp{kind: opOther})
}

// Contains reports whether value occurs in the list.
func (l *List) Contains(value any) bool {
	for _, item := range l.items {
		if nativeEqual(item, value) {
			return true
		}
	}
	return false
}

// Equal compares contents only; tracking metadata is not part of value
// identity.
func (l *List) Equal(other *List) bool {
	if other == nil {
		return l == nil
	}
	return nativeEqual(l, other)
}

// clearJournal forgets accumulated ops after the delta they describe has been
// committed.
func (l *List) clearJournal() {
	l.journal = nil
	l.fresh = false
	for _, item := range l.items {
		clearNestedJournal(item)
	}
}

// Map is the mapping counterpart of List.
type Map struct {
	entries map[string]any
	owner   *Document
	field   string
	journal []containerOp
	fresh   bool
}

// NewMap creates a detached tracking map with the given contents.
func NewMap(entries map[string]any) *Map {
	m := &Map{entries: map[string]any{}, fresh: true}
	for k, v := range entries {
		m.entries[k] = v
	}
	return m
}

func (m *Map) attach(doc *Document, field string) {
	m.owner = doc
	m.field = field
	for k, v := range m.entries {
		m.entries[k] = adoptNested(v, doc, field)
	}
}

func (m *Map) detach() {
	m.owner = nil
	m.field = ""
}

func (m *Map) record(op containerOp) {
	m.journal = append(m.journal, op)
	if m.owner != nil {
		m.owner.markDirty(m.field)
	}
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Set stores value under key.
func (m *Map) Set(key string, value any) {
	value = adoptNested(value, m.owner, m.field)
	m.entries[key] = value
	m.record(containerOp{kind: opSetKey, key: key, value: value})
}

// Delete removes the entry under key.
func (m *Map) Delete(key string) bool {
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	m.record(containerOp{kind: opUnsetKey, key: key})
	return true
}

// Clear removes every entry.
func (m *Map) Clear() {
	m.entries = map[string]any{}
	m.record(containerOp{kind: opOther})
}

// Keys returns a snapshot of the keys.
func (m *Map) Keys() []string {
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

// Entries returns a snapshot copy of the contents.
func (m *Map) Entries() map[string]any {
	out := make(map[string]any, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Equal compares contents only, ignoring tracking metadata.
func (m *Map) Equal(other *Map) bool {
	if other == nil {
		return m == nil
	}
	return nativeEqual(m, other)
}

func (m *Map) clearJournal() {
	m.journal = nil
	m.fresh = false
	for _, v := range m.entries {
		clearNestedJournal(v)
	}
}

// adoptNested wraps raw slices and maps stored inside a container into
// tracking containers parented under the same top-level field, so a mutation
// several nesting levels down still dirties that field.
func adoptNested(value any, doc *Document, field string) any {
	switch v := value.(type) {
	case *List:
		v.owner = doc
		v.field = field
		for i, item := range v.items {
			v.items[i] = adoptNested(item, doc, field)
		}
		return v
	case *Map:
		v.owner = doc
		v.field = field
		for k, item := range v.entries {
			v.entries[k] = adoptNested(item, doc, field)
		}
		return v
	case *Document:
		v.owner = doc
		v.ownerField = field
		return v
	case []any:
		l := &List{owner: doc, field: field}
		for _, item := range v {
			l.items = append(l.items, adoptNested(item, doc, field))
		}
		return l
	case map[string]any:
		m := &Map{entries: make(map[string]any, len(v)), owner: doc, field: field}
		for k, item := range v {
			m.entries[k] = adoptNested(item, doc, field)
		}
		return m
	}
	return value
}

func clearNestedJournal(value any) {
	switch v := value.(type) {
	case *List:
		v.clearJournal()
	case *Map:
		v.clearJournal()
	case *Document:
		v.clearDirtyState()
	}
}

// nativeValue strips tracking containers down to plain Go values so equality
// and journal-free comparisons see contents only.
func nativeValue(value any) any {
	switch v := value.(type) {
	case *List:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = nativeValue(item)
		}
		return out
	case *Map:
		out := make(map[string]any, len(v.entries))
		for k, item := range v.entries {
			out[k] = nativeValue(item)
		}
		return out
	case *Document:
		return v.nativeData()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = nativeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = nativeValue(item)
		}
		return out
	}
	return value
}

func nativeEqual(a, b any) bool {
	return reflect.DeepEqual(nativeValue(a), nativeValue(b))
}
