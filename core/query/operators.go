package query

import (
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-odm/core/schema"
)

const opExact = "exact"

// operator translates one parsed condition into its wire expression. field
// is nil for paths passed through a dynamic schema.
type operator struct {
	translate func(field schema.Field, key string, value any) (any, error)
}

var operators map[string]operator

func init() {
	operators = map[string]operator{
		opExact: {translate: func(f schema.Field, key string, v any) (any, error) {
			return convertValue(f, key, v)
		}},
		"ne":  comparison("$ne"),
		"lt":  comparison("$lt"),
		"lte": comparison("$lte"),
		"gt":  comparison("$gt"),
		"gte": comparison("$gte"),
		"in":  membership("$in"),
		"nin": membership("$nin"),
		"all": membership("$all"),
		"exists": {translate: func(f schema.Field, key string, v any) (any, error) {
			b, ok := v.(bool)
			if !ok {
				return nil, &schema.InvalidQueryError{Expression: key, Message: "exists expects a bool"}
			}
			return bson.M{"$exists": b}, nil
		}},
		"size": {translate: func(f schema.Field, key string, v any) (any, error) {
			n, ok := toInt(v)
			if !ok {
				return nil, &schema.InvalidQueryError{Expression: key, Message: "size expects an integer"}
			}
			return bson.M{"$size": n}, nil
		}},
		"mod": {translate: func(f schema.Field, key string, v any) (any, error) {
			pair, ok := v.([]any)
			if !ok || len(pair) != 2 {
				return nil, &schema.InvalidQueryError{Expression: key, Message: "mod expects [divisor, remainder]"}
			}
			div, dok := toInt(pair[0])
			rem, rok := toInt(pair[1])
			if !dok || !rok {
				return nil, &schema.InvalidQueryError{Expression: key, Message: "mod expects integer operands"}
			}
			return bson.M{"$mod": bson.A{div, rem}}, nil
		}},
		"iexact":     pattern(func(s string) string { return "^" + regexp.QuoteMeta(s) + "$" }, "i"),
		"contains":   pattern(regexp.QuoteMeta, ""),
		"icontains":  pattern(regexp.QuoteMeta, "i"),
		"startswith": pattern(func(s string) string { return "^" + regexp.QuoteMeta(s) }, ""),
		"istartswith": pattern(func(s string) string {
			return "^" + regexp.QuoteMeta(s)
		}, "i"),
		"endswith": pattern(func(s string) string { return regexp.QuoteMeta(s) + "$" }, ""),
		"iendswith": pattern(func(s string) string {
			return regexp.QuoteMeta(s) + "$"
		}, "i"),
		"match": {translate: func(f schema.Field, key string, v any) (any, error) {
			switch pat := v.(type) {
			case string:
				if _, err := regexp.Compile(pat); err != nil {
					return nil, &schema.InvalidQueryError{Expression: key, Message: "invalid pattern: " + err.Error()}
				}
				return primitive.Regex{Pattern: pat}, nil
			case primitive.Regex:
				return pat, nil
			}
			return nil, &schema.InvalidQueryError{Expression: key, Message: "match expects a pattern"}
		}},
	}
}

func comparison(wire string) operator {
	return operator{translate: func(f schema.Field, key string, v any) (any, error) {
		stored, err := convertValue(f, key, v)
		if err != nil {
			return nil, err
		}
		return bson.M{wire: stored}, nil
	}}
}

func membership(wire string) operator {
	return operator{translate: func(f schema.Field, key string, v any) (any, error) {
		items, ok := v.([]any)
		if !ok {
			return nil, &schema.InvalidQueryError{Expression: key, Message: wire[1:] + " expects a slice"}
		}
		stored := make(bson.A, 0, len(items))
		for _, item := range items {
			converted, err := convertValue(f, key, item)
			if err != nil {
				return nil, err
			}
			stored = append(stored, converted)
		}
		return bson.M{wire: stored}, nil
	}}
}

func pattern(build func(string) string, opts string) operator {
	return operator{translate: func(f schema.Field, key string, v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, &schema.InvalidQueryError{Expression: key, Message: "operator expects a string"}
		}
		return primitive.Regex{Pattern: build(s), Options: opts}, nil
	}}
}

// convertValue coerces a condition operand through its field descriptor into
// the wire form, so comparisons see the same representation stores hold. A
// scalar operand against a list field converts through the element
// descriptor; stores match it by membership.
func convertValue(field schema.Field, key string, value any) (any, error) {
	if field == nil || value == nil {
		return value, nil
	}
	if lf, ok := field.(*schema.ListField); ok {
		if _, isSlice := value.([]any); !isSlice {
			field = lf.Inner()
		}
	}
	coerced, err := field.Coerce(value)
	if err != nil {
		return nil, &schema.InvalidQueryError{
			Expression: key,
			Message:    fmt.Sprintf("operand %v does not fit field %s", value, field.Name()),
		}
	}
	return field.ToStorage(coerced)
}

func toInt(v any) (int64, bool) {
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
