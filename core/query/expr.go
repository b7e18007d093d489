// Package query implements the expression language and the lazy result set.
// Conditions are written as field__operator pairs, combined with Q values,
// and translated against a schema into wire-level filter documents.
package query

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-odm/core/schema"
)

// sep splits logical field paths from operators in condition keys.
const sep = "__"

// Q is an immutable predicate. Combinators return new values; existing Q
// values are never mutated, so a partially built query can branch safely.
type Q struct {
	n node
}

type node interface{ isNode() }

// leaf holds raw field__operator conditions awaiting schema binding.
type leaf struct {
	conds map[string]any
}

// combo joins child predicates under one boolean wire operator.
type combo struct {
	op       string
	children []node
}

func (leaf) isNode()  {}
func (combo) isNode() {}

// NewQ builds a predicate from field__operator conditions. Conditions inside
// one Q are conjoined.
func NewQ(conds map[string]any) Q {
	copied := make(map[string]any, len(conds))
	for k, v := range conds {
		copied[k] = v
	}
	return Q{n: leaf{conds: copied}}
}

// Empty reports whether the predicate matches everything.
func (q Q) Empty() bool {
	if q.n == nil {
		return true
	}
	if l, ok := q.n.(leaf); ok {
		return len(l.conds) == 0
	}
	return false
}

// And conjoins predicates.
func (q Q) And(others ...Q) Q {
	return combine("$and", q, others)
}

// Or disjoins predicates.
func (q Q) Or(others ...Q) Q {
	return combine("$or", q, others)
}

// Not negates the predicate.
func (q Q) Not() Q {
	if q.Empty() {
		return q
	}
	return Q{n: combo{op: "$nor", children: []node{q.n}}}
}

func combine(op string, q Q, others []Q) Q {
	children := make([]node, 0, len(others)+1)
	if !q.Empty() {
		children = append(children, q.n)
	}
	for _, o := range others {
		if !o.Empty() {
			children = append(children, o.n)
		}
	}
	switch len(children) {
	case 0:
		return Q{}
	case 1:
		return Q{n: children[0]}
	}
	return Q{n: combo{op: op, children: children}}
}

// Translate binds the predicate to a schema and produces the wire filter.
// Unknown field paths fail with *schema.InvalidQueryError unless the schema
// is dynamic, in which case they pass through verbatim.
func (q Q) Translate(s *schema.Schema) (bson.M, error) {
	if q.Empty() {
		return bson.M{}, nil
	}
	return translateNode(s, q.n)
}

func translateNode(s *schema.Schema, n node) (bson.M, error) {
	switch v := n.(type) {
	case leaf:
		return translateConds(s, v.conds)
	case combo:
		parts := make(bson.A, 0, len(v.children))
		for _, child := range v.children {
			part, err := translateNode(s, child)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		return bson.M{v.op: parts}, nil
	}
	return bson.M{}, nil
}

// translateConds translates one conjunction of field__operator conditions.
// Operator conditions on the same path merge into a single operator document;
// a merge that cannot be expressed on one path falls back to $and.
func translateConds(s *schema.Schema, conds map[string]any) (bson.M, error) {
	out := bson.M{}
	var extra bson.A
	for key, value := range conds {
		path, expr, err := translateCond(s, key, value)
		if err != nil {
			return nil, err
		}
		existing, present := out[path]
		if !present {
			out[path] = expr
			continue
		}
		merged, ok := mergeOperators(existing, expr)
		if !ok {
			extra = append(extra, bson.M{path: expr})
			continue
		}
		out[path] = merged
	}
	if len(extra) > 0 {
		conj := bson.A{bson.M(out)}
		conj = append(conj, extra...)
		return bson.M{"$and": conj}, nil
	}
	return out, nil
}

func mergeOperators(a, b any) (any, bool) {
	am, aok := a.(bson.M)
	bm, bok := b.(bson.M)
	if !aok || !bok {
		return nil, false
	}
	merged := bson.M{}
	for k, v := range am {
		merged[k] = v
	}
	for k, v := range bm {
		if _, dup := merged[k]; dup {
			return nil, false
		}
		merged[k] = v
	}
	return merged, true
}

// translateCond parses one condition key. Path segments resolve greedily
// against the schema; trailing unresolved segments must name an operator,
// optionally prefixed with "not". A bare path is an equality test.
func translateCond(s *schema.Schema, key string, value any) (string, any, error) {
	segments := strings.Split(key, sep)
	path, field, rest, err := resolvePath(s, key, segments)
	if err != nil {
		return "", nil, err
	}

	negated := false
	opName := opExact
	switch len(rest) {
	case 0:
	case 1:
		if rest[0] == "not" {
			return "", nil, &schema.InvalidQueryError{
				Expression: key,
				Message:    "\"not\" must be followed by an operator",
			}
		}
		opName = rest[0]
	case 2:
		if rest[0] != "not" {
			return "", nil, &schema.InvalidQueryError{
				Expression: key,
				Message:    "unrecognized trailing segments " + strings.Join(rest, sep),
			}
		}
		negated = true
		opName = rest[1]
	default:
		return "", nil, &schema.InvalidQueryError{
			Expression: key,
			Message:    "unrecognized trailing segments " + strings.Join(rest, sep),
		}
	}

	op, known := operators[opName]
	if !known {
		return "", nil, &schema.InvalidQueryError{
			Expression: key,
			Message:    "unknown operator " + opName,
		}
	}
	expr, err := op.translate(field, key, value)
	if err != nil {
		return "", nil, err
	}
	if negated {
		expr = negate(expr)
	}
	return path, expr, nil
}

// resolvePath walks condition segments through the schema, descending into
// embedded documents and lists of embedded documents, and returns the dotted
// storage path, the terminal field descriptor, and any unresolved trailing
// segments.
func resolvePath(s *schema.Schema, key string, segments []string) (string, schema.Field, []string, error) {
	var (
		parts []string
		field schema.Field
		cur   = s
	)
	i := 0
	for i < len(segments) && cur != nil {
		f, ok := cur.Field(segments[i])
		if !ok {
			break
		}
		parts = append(parts, f.StorageName())
		field = f
		i++
		cur = descend(s, f)
	}
	if len(parts) == 0 {
		if s.IsDynamic() {
			// Open schemas accept arbitrary paths verbatim; the trailing
			// segment may still be an operator.
			last := len(segments)
			if _, known := operators[segments[last-1]]; known && last > 1 {
				last--
				if last > 1 && segments[last-1] == "not" {
					last--
				}
			}
			return strings.Join(segments[:last], schema.PathSeparator), nil, segments[last:], nil
		}
		return "", nil, nil, &schema.InvalidQueryError{
			Expression: key,
			Message:    "unknown field " + segments[0] + " on " + s.Name(),
		}
	}
	return strings.Join(parts, schema.PathSeparator), field, segments[i:], nil
}

func descend(root *schema.Schema, f schema.Field) *schema.Schema {
	var name string
	switch t := f.(type) {
	case *schema.EmbeddedField:
		name = t.SchemaName()
	case *schema.ListField:
		ef, ok := t.Inner().(*schema.EmbeddedField)
		if !ok {
			return nil
		}
		name = ef.SchemaName()
	default:
		return nil
	}
	nested, ok := root.Registry().Lookup(name)
	if !ok {
		return nil
	}
	return nested
}

// negate wraps an operator expression in $not. Pattern operators produce a
// bare regex, which $not accepts directly; direct equality has no operator
// form, so it negates through $eq.
func negate(expr any) any {
	switch v := expr.(type) {
	case bson.M:
		return bson.M{"$not": v}
	case primitive.Regex:
		return bson.M{"$not": v}
	}
	return bson.M{"$not": bson.M{"$eq": expr}}
}
