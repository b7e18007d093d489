// Package matching evaluates wire-level filter documents against stored
// records in process, giving the embedded backends the same matching
// semantics a document server applies.
package matching

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Matches reports whether record satisfies filter. An empty filter matches
// everything.
func Matches(filter bson.M, record map[string]any) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			if !every(cond, record) {
				return false
			}
		case "$or":
			if !some(cond, record) {
				return false
			}
		case "$nor":
			if some(cond, record) {
				return false
			}
		default:
			if !matchPath(record, key, cond) {
				return false
			}
		}
	}
	return true
}

func clauses(cond any) []bson.M {
	var out []bson.M
	switch list := cond.(type) {
	case bson.A:
		for _, item := range list {
			if m, ok := asM(item); ok {
				out = append(out, m)
			}
		}
	case []any:
		for _, item := range list {
			if m, ok := asM(item); ok {
				out = append(out, m)
			}
		}
	case []bson.M:
		out = list
	}
	return out
}

func every(cond any, record map[string]any) bool {
	for _, clause := range clauses(cond) {
		if !Matches(clause, record) {
			return false
		}
	}
	return true
}

func some(cond any, record map[string]any) bool {
	for _, clause := range clauses(cond) {
		if Matches(clause, record) {
			return true
		}
	}
	return false
}

func asM(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case bson.D:
		out := bson.M{}
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// matchPath resolves a dotted path and tests the condition against each
// candidate value. Arrays along the path fan out: the condition holds if any
// element satisfies it, matching server-side array semantics.
func matchPath(record map[string]any, path string, cond any) bool {
	values, found := resolve(record, strings.Split(path, "."))
	if !found {
		// Missing paths still satisfy exists:false and ne.
		return matchMissing(cond)
	}
	for _, v := range values {
		if matchValue(v, cond) {
			return true
		}
	}
	return false
}

func matchMissing(cond any) bool {
	ops, ok := asM(cond)
	if !ok {
		return false
	}
	for op, operand := range ops {
		switch op {
		case "$exists":
			if b, isBool := operand.(bool); !isBool || b {
				return false
			}
		case "$ne", "$nin":
			// A missing value is not equal to anything concrete.
		case "$not":
			continue
		default:
			return false
		}
	}
	return len(ops) > 0
}

// resolve walks the path through nested documents, expanding arrays.
func resolve(value any, segments []string) ([]any, bool) {
	if len(segments) == 0 {
		return []any{value}, true
	}
	switch v := value.(type) {
	case map[string]any:
		next, ok := v[segments[0]]
		if !ok {
			return nil, false
		}
		return resolve(next, segments[1:])
	case bson.M:
		next, ok := v[segments[0]]
		if !ok {
			return nil, false
		}
		return resolve(next, segments[1:])
	case bson.D:
		for _, e := range v {
			if e.Key == segments[0] {
				return resolve(e.Value, segments[1:])
			}
		}
		return nil, false
	case bson.A:
		return resolveElements(v, segments)
	case []any:
		return resolveElements(v, segments)
	}
	return nil, false
}

func resolveElements(items []any, segments []string) ([]any, bool) {
	var out []any
	found := false
	for _, item := range items {
		if vals, ok := resolve(item, segments); ok {
			out = append(out, vals...)
			found = true
		}
	}
	return out, found
}

// matchValue tests one candidate value against a condition: an operator
// document applies each operator, a regex tests the string form, anything
// else is equality with array membership.
func matchValue(value, cond any) bool {
	if ops, ok := operatorDoc(cond); ok {
		for op, operand := range ops {
			if !applyOperator(value, op, operand) {
				return false
			}
		}
		return true
	}
	if re, ok := cond.(primitive.Regex); ok {
		return regexMatch(re, value)
	}
	return equalOrContains(value, cond)
}

// operatorDoc distinguishes {"$gt": 3} from a literal sub-document value.
func operatorDoc(cond any) (bson.M, bool) {
	m, ok := asM(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(value any, op string, operand any) bool {
	switch op {
	case "$eq":
		return equalOrContains(value, operand)
	case "$ne":
		return !equalOrContains(value, operand)
	case "$lt":
		c, ok := compare(value, operand)
		return ok && c < 0
	case "$lte":
		c, ok := compare(value, operand)
		return ok && c <= 0
	case "$gt":
		c, ok := compare(value, operand)
		return ok && c > 0
	case "$gte":
		c, ok := compare(value, operand)
		return ok && c >= 0
	case "$in":
		return contains(listOf(operand), value)
	case "$nin":
		return !contains(listOf(operand), value)
	case "$exists":
		want, _ := operand.(bool)
		return want
	case "$not":
		return !matchValue(value, operand)
	case "$mod":
		pair := listOf(operand)
		if len(pair) != 2 {
			return false
		}
		n, nok := asInt(value)
		div, dok := asInt(pair[0])
		rem, rok := asInt(pair[1])
		return nok && dok && rok && div != 0 && n%div == rem
	case "$all":
		items := listOf(value)
		for _, want := range listOf(operand) {
			if !contains(items, want) {
				return false
			}
		}
		return true
	case "$size":
		want, ok := asInt(operand)
		if !ok {
			return false
		}
		return int64(len(listOf(value))) == want
	case "$regex":
		pattern, _ := operand.(string)
		return regexMatch(primitive.Regex{Pattern: pattern}, value)
	}
	return false
}

// equalOrContains is equality with array-membership semantics: a scalar
// condition matches an array value containing it.
func equalOrContains(value, want any) bool {
	if Equal(value, want) {
		return true
	}
	if _, wantIsList := want.([]any); wantIsList {
		return false
	}
	if _, wantIsList := want.(bson.A); wantIsList {
		return false
	}
	return contains(listOf(value), want)
}

func contains(items []any, want any) bool {
	for _, item := range items {
		if Equal(item, want) {
			return true
		}
	}
	return false
}

func listOf(v any) []any {
	switch list := v.(type) {
	case bson.A:
		return list
	case []any:
		return list
	}
	return nil
}

func regexMatch(re primitive.Regex, value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	pattern := re.Pattern
	if strings.Contains(re.Options, "i") {
		pattern = "(?i)" + pattern
	}
	matched, err := regexp.MatchString(pattern, s)
	return err == nil && matched
}

// Equal compares wire values, widening numerics so an int32 stored value
// equals an int64 operand.
func Equal(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case primitive.ObjectID:
		bv, ok := b.(primitive.ObjectID)
		return ok && av == bv
	case primitive.DateTime:
		bv, ok := b.(primitive.DateTime)
		return ok && av == bv
	case nil:
		return b == nil
	}
	if isList(a) || isList(b) {
		if !isList(a) || !isList(b) {
			return false
		}
		al, bl := listOf(a), listOf(b)
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !Equal(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	am, aok := asM(a)
	bm, bok := asM(b)
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, present := bm[k]
			if !present || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func isList(v any) bool {
	switch v.(type) {
	case []any, bson.A:
		return true
	}
	return false
}

// compare orders two wire values of the same kind. Mixed kinds other than
// numerics do not order.
func compare(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case primitive.DateTime:
		bv, ok := b.(primitive.DateTime)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case primitive.ObjectID:
		bv, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Hex(), bv.Hex()), true
	}
	return 0, false
}

// Compare exposes ordering for backend sorting. Unordered pairs compare
// equal.
func Compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	c, ok := compare(a, b)
	if !ok {
		return 0
	}
	return c
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
