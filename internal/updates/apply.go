// Package updates applies wire-level update operator documents to stored
// records in process, mirroring server-side update semantics for the
// embedded backends.
package updates

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-odm/internal/matching"
)

// Apply mutates record according to the operator document and reports
// whether anything changed. Unknown operators are an error so silent
// data-loss bugs surface immediately.
func Apply(update bson.M, record map[string]any) (bool, error) {
	changed := false
	for op, entries := range update {
		paths, ok := asEntries(entries)
		if !ok {
			return changed, fmt.Errorf("malformed operand for %s", op)
		}
		for path, operand := range paths {
			var (
				did bool
				err error
			)
			switch op {
			case "$set":
				did, err = applySet(record, path, operand)
			case "$unset":
				did, err = applyUnset(record, path)
			case "$inc":
				did, err = applyInc(record, path, operand)
			case "$push":
				did, err = applyPush(record, path, operand)
			case "$pull":
				did, err = applyPull(record, path, operand)
			default:
				err = fmt.Errorf("unsupported update operator %s", op)
			}
			if err != nil {
				return changed, err
			}
			changed = changed || did
		}
	}
	return changed, nil
}

func asEntries(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	case bson.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// descend walks to the parent of a dotted path, creating intermediate
// documents when create is set.
func descend(record map[string]any, path string, create bool) (map[string]any, string, error) {
	segments := strings.Split(path, ".")
	cur := record
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg]
		if !ok {
			if !create {
				return nil, "", nil
			}
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		switch child := next.(type) {
		case map[string]any:
			cur = child
		case bson.M:
			cur = child
		case bson.D:
			// Normalize so later writes land in the stored record.
			m := make(map[string]any, len(child))
			for _, e := range child {
				m[e.Key] = e.Value
			}
			cur[seg] = m
			cur = m
		default:
			return nil, "", fmt.Errorf("path %s traverses a non-document value", path)
		}
	}
	return cur, segments[len(segments)-1], nil
}

func applySet(record map[string]any, path string, value any) (bool, error) {
	parent, key, err := descend(record, path, true)
	if err != nil {
		return false, err
	}
	if prev, ok := parent[key]; ok && matching.Equal(prev, value) {
		return false, nil
	}
	parent[key] = value
	return true, nil
}

func applyUnset(record map[string]any, path string) (bool, error) {
	parent, key, err := descend(record, path, false)
	if err != nil || parent == nil {
		return false, err
	}
	if _, ok := parent[key]; !ok {
		return false, nil
	}
	delete(parent, key)
	return true, nil
}

func applyInc(record map[string]any, path string, by any) (bool, error) {
	parent, key, err := descend(record, path, true)
	if err != nil {
		return false, err
	}
	current := parent[key]
	switch delta := by.(type) {
	case int, int32, int64:
		d := toInt64(delta)
		n, ok := numAsInt64(current)
		if !ok {
			return false, fmt.Errorf("cannot increment non-numeric value at %s", path)
		}
		parent[key] = n + d
	case float32, float64:
		d := toFloat64(delta)
		f, ok := numAsFloat64(current)
		if !ok {
			return false, fmt.Errorf("cannot increment non-numeric value at %s", path)
		}
		parent[key] = f + d
	default:
		return false, fmt.Errorf("non-numeric increment at %s", path)
	}
	return true, nil
}

func applyPush(record map[string]any, path string, operand any) (bool, error) {
	parent, key, err := descend(record, path, true)
	if err != nil {
		return false, err
	}
	values := bson.A{operand}
	if ops, ok := asEntries(operand); ok {
		if each, has := ops["$each"]; has {
			list, isList := asList(each)
			if !isList {
				return false, fmt.Errorf("$each operand at %s is not an array", path)
			}
			values = list
		}
	}
	current, ok := asList(parent[key])
	if !ok {
		if parent[key] != nil {
			return false, fmt.Errorf("cannot push to non-array value at %s", path)
		}
		current = bson.A{}
	}
	parent[key] = append(current, values...)
	return len(values) > 0, nil
}

func applyPull(record map[string]any, path string, operand any) (bool, error) {
	parent, key, err := descend(record, path, false)
	if err != nil || parent == nil {
		return false, err
	}
	current, ok := asList(parent[key])
	if !ok {
		return false, nil
	}
	kept := make(bson.A, 0, len(current))
	removed := false
	for _, item := range current {
		if matching.Equal(item, operand) {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if removed {
		parent[key] = kept
	}
	return removed, nil
}

func asList(v any) (bson.A, bool) {
	switch list := v.(type) {
	case bson.A:
		return list, true
	case []any:
		return bson.A(list), true
	}
	return nil, false
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func numAsInt64(v any) (int64, bool) {
	if v == nil {
		return 0, true
	}
	switch n := v.(type) {
	case int, int32, int64:
		return toInt64(n), true
	}
	return 0, false
}

func numAsFloat64(v any) (float64, bool) {
	if v == nil {
		return 0, true
	}
	switch n := v.(type) {
	case int, int32, int64:
		return float64(toInt64(n)), true
	case float32, float64:
		return toFloat64(n), true
	}
	return 0, false
}
