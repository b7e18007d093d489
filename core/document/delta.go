package document

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-odm/core/schema"
)

// Delta is the minimal operator document describing a persisted document's
// accumulated mutations. Each bucket maps a dotted storage path to its
// operand; a path may appear in at most one bucket.
type Delta struct {
	Set   bson.M
	Unset bson.M
	Inc   bson.M
	Push  bson.M
	Pull  bson.M

	claimed map[string]string
}

// NewDelta returns an empty delta.
func NewDelta() *Delta {
	return &Delta{
		Set:     bson.M{},
		Unset:   bson.M{},
		Inc:     bson.M{},
		Push:    bson.M{},
		Pull:    bson.M{},
		claimed: map[string]string{},
	}
}

// Empty reports whether the delta carries no operations. Saving a clean
// document is a no-op.
func (d *Delta) Empty() bool {
	return len(d.Set) == 0 && len(d.Unset) == 0 && len(d.Inc) == 0 &&
		len(d.Push) == 0 && len(d.Pull) == 0
}

// Operator assembles the wire-level update document, omitting empty buckets.
func (d *Delta) Operator() bson.M {
	out := bson.M{}
	if len(d.Set) > 0 {
		out["$set"] = d.Set
	}
	if len(d.Unset) > 0 {
		out["$unset"] = d.Unset
	}
	if len(d.Inc) > 0 {
		out["$inc"] = d.Inc
	}
	if len(d.Push) > 0 {
		out["$push"] = d.Push
	}
	if len(d.Pull) > 0 {
		out["$pull"] = d.Pull
	}
	return out
}

// claim registers a path under an operator, rejecting a second operation on
// the same path or on a path nested under one already claimed.
func (d *Delta) claim(path, op string) error {
	if prev, ok := d.claimed[path]; ok {
		return &schema.ConflictingUpdateError{Path: path, Operations: []string{prev, op}}
	}
	for existing, prevOp := range d.claimed {
		if strings.HasPrefix(path, existing+".") || strings.HasPrefix(existing, path+".") {
			return &schema.ConflictingUpdateError{Path: path, Operations: []string{prevOp, op}}
		}
	}
	d.claimed[path] = op
	return nil
}

func (d *Delta) addSet(path string, value any) error {
	if err := d.claim(path, "$set"); err != nil {
		return err
	}
	d.Set[path] = value
	return nil
}

func (d *Delta) addUnset(path string) error {
	if err := d.claim(path, "$unset"); err != nil {
		return err
	}
	d.Unset[path] = ""
	return nil
}

func (d *Delta) addInc(path string, by any) error {
	if err := d.claim(path, "$inc"); err != nil {
		return err
	}
	d.Inc[path] = by
	return nil
}

func (d *Delta) addPush(path string, values []any) error {
	if err := d.claim(path, "$push"); err != nil {
		return err
	}
	if len(values) == 1 {
		d.Push[path] = values[0]
	} else {
		d.Push[path] = bson.M{"$each": bson.A(values)}
	}
	return nil
}

func (d *Delta) addPull(path string, value any) error {
	if err := d.claim(path, "$pull"); err != nil {
		return err
	}
	d.Pull[path] = value
	return nil
}

// ComputeDelta inspects the document's dirty fields and container journals
// and produces the smallest operator document that reproduces the local
// state remotely. Containers whose mutation history summarizes to a single
// structural operation emit push or pull; anything more tangled falls back
// to overwriting the whole field.
func ComputeDelta(doc *Document) (*Delta, error) {
	delta := NewDelta()
	for _, name := range doc.DirtyFields() {
		field, _ := doc.schema.Field(name)
		path := name
		if field != nil {
			path = field.StorageName()
		}

		if by, ok := doc.incs[name]; ok {
			if err := delta.addInc(path, by); err != nil {
				return nil, err
			}
			continue
		}

		value := doc.data[name]
		if value == nil {
			if doc.previouslySet(name) {
				if err := delta.addUnset(path); err != nil {
					return nil, err
				}
			}
			continue
		}

		if err := deltaForValue(delta, doc, field, name, path, value); err != nil {
			return nil, err
		}
	}
	return delta, nil
}

func deltaForValue(delta *Delta, doc *Document, field schema.Field, name, path string, value any) error {
	switch v := value.(type) {
	case *List:
		return listDelta(delta, field, path, v)
	case *Map:
		return mapDelta(delta, field, path, v)
	case *Document:
		if _, replaced := doc.plainSet[name]; replaced {
			return setWhole(delta, field, path, value)
		}
		return embeddedDelta(delta, path, v)
	default:
		return setWhole(delta, field, path, value)
	}
}

func setWhole(delta *Delta, field schema.Field, path string, value any) error {
	stored, err := storageValue(field, value)
	if err != nil {
		return err
	}
	return delta.addSet(path, stored)
}

// listDelta summarizes a list journal: a pure run of appends becomes push, a
// lone removal becomes pull, everything else overwrites the field.
func listDelta(delta *Delta, field schema.Field, path string, l *List) error {
	if l.fresh || len(l.journal) == 0 {
		return setWhole(delta, field, path, l)
	}
	var inner schema.Field
	if lf, ok := field.(*schema.ListField); ok {
		inner = lf.Inner()
	}

	appendsOnly := true
	for _, op := range l.journal {
		if op.kind != opAppend {
			appendsOnly = false
			break
		}
	}
	if appendsOnly {
		values := make([]any, 0, len(l.journal))
		for _, op := range l.journal {
			stored, err := storageValue(inner, op.value)
			if err != nil {
				return err
			}
			values = append(values, stored)
		}
		return delta.addPush(path, values)
	}

	if len(l.journal) == 1 && l.journal[0].kind == opRemoveValue {
		stored, err := storageValue(inner, l.journal[0].value)
		if err != nil {
			return err
		}
		return delta.addPull(path, stored)
	}

	return setWhole(delta, field, path, l)
}

// mapDelta summarizes a map journal: pure key assignments and removals become
// dotted set/unset entries, with the last operation per key winning.
func mapDelta(delta *Delta, field schema.Field, path string, m *Map) error {
	if m.fresh || len(m.journal) == 0 {
		return setWhole(delta, field, path, m)
	}
	var inner schema.Field
	if mf, ok := field.(*schema.MapField); ok {
		inner = mf.Inner()
	}

	final := map[string]containerOpKind{}
	for _, op := range m.journal {
		if op.kind != opSetKey && op.kind != opUnsetKey {
			return setWhole(delta, field, path, m)
		}
		final[op.key] = op.kind
	}

	keys := make([]string, 0, len(final))
	for k := range final {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		keyPath := path + schema.PathSeparator + k
		if final[k] == opUnsetKey {
			if err := delta.addUnset(keyPath); err != nil {
				return err
			}
			continue
		}
		current, ok := m.entries[k]
		if !ok {
			continue
		}
		stored, err := storageValue(inner, current)
		if err != nil {
			return err
		}
		if err := delta.addSet(keyPath, stored); err != nil {
			return err
		}
	}
	return nil
}

// embeddedDelta narrows a mutated embedded document to per-subfield set and
// unset entries under the parent's storage path.
func embeddedDelta(delta *Delta, path string, e *Document) error {
	for _, sub := range e.DirtyFields() {
		subField, _ := e.schema.Field(sub)
		subPath := path + schema.PathSeparator + sub
		if subField != nil {
			subPath = path + schema.PathSeparator + subField.StorageName()
		}
		value := e.data[sub]
		if value == nil {
			if err := delta.addUnset(subPath); err != nil {
				return err
			}
			continue
		}
		switch nested := value.(type) {
		case *Document:
			if _, replaced := e.plainSet[sub]; !replaced {
				if err := embeddedDelta(delta, subPath, nested); err != nil {
					return err
				}
				continue
			}
		case *List:
			if err := listDelta(delta, subField, subPath, nested); err != nil {
				return err
			}
			continue
		case *Map:
			if err := mapDelta(delta, subField, subPath, nested); err != nil {
				return err
			}
			continue
		}
		if err := setWhole(delta, subField, subPath, value); err != nil {
			return err
		}
	}
	return nil
}

// storageValue converts one in-memory value to its wire form, descending into
// generic containers when no field descriptor is on hand.
func storageValue(field schema.Field, value any) (any, error) {
	if field != nil {
		return field.ToStorage(value)
	}
	switch v := nativeValue(value).(type) {
	case []any:
		return bson.A(v), nil
	case map[string]any:
		return bson.M(v), nil
	default:
		return v, nil
	}
}
