package schema

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ListValue is implemented by change-tracking list containers so composite
// fields can read their contents without knowing the container type.
type ListValue interface {
	Items() []any
}

// MapValue is the mapping counterpart of ListValue.
type MapValue interface {
	Entries() map[string]any
}

// DocumentValue is implemented by document instances so embedded and
// reference fields can operate on them without a dependency on the document
// package.
type DocumentValue interface {
	SchemaName() string
	Data() map[string]any
}

// Referencable is implemented by anything that can be the target of a
// reference field: it exposes its identity and its schema name.
type Referencable interface {
	DocumentID() any
	SchemaName() string
}

// DeleteRule is the policy applied to referencing documents when the
// referenced document is deleted.
type DeleteRule int

const (
	// DeleteRuleNothing leaves referencing documents untouched.
	DeleteRuleNothing DeleteRule = iota
	// DeleteRuleDeny aborts the delete while referencing documents exist.
	DeleteRuleDeny
	// DeleteRuleCascade deletes referencing documents first.
	DeleteRuleCascade
	// DeleteRuleNullify unsets the reference field on referencing documents.
	DeleteRuleNullify
	// DeleteRulePull removes the identity from list-of-reference fields.
	DeleteRulePull
)

// Ref is the in-memory value of a reference field: the target schema name,
// the stored identity, and (once resolved) the target document. An unresolved
// Ref is an identity-only placeholder.
type Ref struct {
	Target   string
	ID       any
	resolved any
	broken   bool
}

// NewRef creates an identity-only reference placeholder.
func NewRef(target string, id any) *Ref {
	return &Ref{Target: target, ID: id}
}

// Resolved returns the cached target document, if resolution has happened.
func (r *Ref) Resolved() (any, bool) {
	if r.resolved == nil {
		return nil, false
	}
	return r.resolved, true
}

// SetResolved caches the resolved target document on the reference.
func (r *Ref) SetResolved(doc any) {
	r.resolved = doc
	r.broken = false
}

// MarkBroken flags the reference as pointing at a document that no longer
// exists. A broken Ref is the marker value non-strict resolution returns.
func (r *Ref) MarkBroken() { r.broken = true }

// IsBroken reports whether resolution found no target for this reference.
func (r *Ref) IsBroken() bool { return r.broken }

// ListField holds an ordered list whose elements are validated against an
// inner field descriptor.
type ListField struct {
	baseField
	inner Field
}

// NewListField creates a list-of-inner field.
func NewListField(name string, inner Field, opts ...Option) *ListField {
	return &ListField{baseField: newBase(name, FieldTypeList, opts), inner: inner}
}

// Inner returns the element descriptor.
func (f *ListField) Inner() Field { return f.inner }

func (f *ListField) items(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case ListValue:
		return v.Items(), true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

func (f *ListField) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	items, ok := f.items(value)
	if !ok {
		return nil, f.coercionError(value)
	}
	out := make([]any, len(items))
	for i, item := range items {
		coerced, err := f.inner.Coerce(item)
		if err != nil {
			return nil, err
		}
		out[i] = coerced
	}
	return out, nil
}

func (f *ListField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	items, ok := f.items(value)
	if !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected list, got %T", value), Path: f.name}}
	}
	issues := f.validateCommon(value)
	for i, item := range items {
		for _, issue := range f.inner.Validate(item) {
			issue.Path = fmt.Sprintf("%s.%d", f.name, i)
			issues = append(issues, issue)
		}
	}
	return issues
}

func (f *ListField) ToStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	items, ok := f.items(value)
	if !ok {
		return nil, f.coercionError(value)
	}
	out := make(bson.A, len(items))
	for i, item := range items {
		stored, err := f.inner.ToStorage(item)
		if err != nil {
			return nil, err
		}
		out[i] = stored
	}
	return out, nil
}

func (f *ListField) FromStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var raw []any
	switch v := value.(type) {
	case bson.A:
		raw = v
	case []any:
		raw = v
	default:
		return nil, &DecodeError{Field: f.name, Value: value}
	}
	out := make([]any, len(raw))
	for i, item := range raw {
		decoded, err := f.inner.FromStorage(item)
		if err != nil {
			return nil, err
		}
		out[i] = decoded
	}
	return out, nil
}

// MapField holds a string-keyed mapping whose values are validated against an
// inner field descriptor. Keys must not contain the storage-path separator.
type MapField struct {
	baseField
	inner Field
}

// NewMapField creates a mapping-of-inner field.
func NewMapField(name string, inner Field, opts ...Option) *MapField {
	return &MapField{baseField: newBase(name, FieldTypeMap, opts), inner: inner}
}

// Inner returns the value descriptor.
func (f *MapField) Inner() Field { return f.inner }

func (f *MapField) entries(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case bson.M:
		return v, true
	case MapValue:
		return v.Entries(), true
	}
	return nil, false
}

func (f *MapField) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	entries, ok := f.entries(value)
	if !ok {
		return nil, f.coercionError(value)
	}
	out := make(map[string]any, len(entries))
	for k, item := range entries {
		coerced, err := f.inner.Coerce(item)
		if err != nil {
			return nil, err
		}
		out[k] = coerced
	}
	return out, nil
}

func (f *MapField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	entries, ok := f.entries(value)
	if !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected map, got %T", value), Path: f.name}}
	}
	issues := f.validateCommon(value)
	for k, item := range entries {
		if strings.Contains(k, PathSeparator) {
			issues = append(issues, Issue{
				Code:    CodeInvalidKey,
				Message: fmt.Sprintf("key %q contains the path separator %q", k, PathSeparator),
				Path:    f.name,
			})
			continue
		}
		for _, issue := range f.inner.Validate(item) {
			issue.Path = f.name + PathSeparator + k
			issues = append(issues, issue)
		}
	}
	return issues
}

func (f *MapField) ToStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	entries, ok := f.entries(value)
	if !ok {
		return nil, f.coercionError(value)
	}
	out := make(bson.M, len(entries))
	for k, item := range entries {
		stored, err := f.inner.ToStorage(item)
		if err != nil {
			return nil, err
		}
		out[k] = stored
	}
	return out, nil
}

func (f *MapField) FromStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var raw map[string]any
	switch v := value.(type) {
	case bson.M:
		raw = v
	case map[string]any:
		raw = v
	case bson.D:
		raw = v.Map()
	default:
		return nil, &DecodeError{Field: f.name, Value: value}
	}
	out := make(map[string]any, len(raw))
	for k, item := range raw {
		decoded, err := f.inner.FromStorage(item)
		if err != nil {
			return nil, err
		}
		out[k] = decoded
	}
	return out, nil
}

// EmbeddedField nests a sub-schema inside a document field. The nested schema
// is resolved by name at point of use, so mutually referential schemas can be
// declared in any order.
type EmbeddedField struct {
	baseField
	schemaName string
	registry   *Registry
}

// NewEmbeddedField creates an embedded-sub-schema field referring to a
// registered schema by name.
func NewEmbeddedField(name string, schemaName string, opts ...Option) *EmbeddedField {
	return &EmbeddedField{baseField: newBase(name, FieldTypeEmbedded, opts), schemaName: schemaName}
}

// SchemaName returns the nested schema's registry name.
func (f *EmbeddedField) SchemaName() string { return f.schemaName }

func (f *EmbeddedField) nested() (*Schema, error) {
	reg := f.registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	s, ok := reg.Lookup(f.schemaName)
	if !ok {
		return nil, fmt.Errorf("embedded schema %q is not registered", f.schemaName)
	}
	return s, nil
}

func (f *EmbeddedField) data(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case bson.M:
		return v, true
	case DocumentValue:
		return v.Data(), true
	}
	return nil, false
}

func (f *EmbeddedField) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if dv, ok := value.(DocumentValue); ok {
		if dv.SchemaName() != f.schemaName {
			return nil, f.coercionError(value)
		}
		return value, nil
	}
	data, ok := f.data(value)
	if !ok {
		return nil, f.coercionError(value)
	}
	nested, err := f.nested()
	if err != nil {
		return nil, err
	}
	return nested.CoerceData(data)
}

func (f *EmbeddedField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	data, ok := f.data(value)
	if !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected embedded document, got %T", value), Path: f.name}}
	}
	nested, err := f.nested()
	if err != nil {
		return []Issue{{Code: CodeConstraintViolation, Message: err.Error(), Path: f.name}}
	}
	issues := f.validateCommon(value)
	for _, issue := range nested.ValidateData(data, nil) {
		issue.Path = f.name + PathSeparator + issue.Path
		issues = append(issues, issue)
	}
	return issues
}

func (f *EmbeddedField) ToStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, ok := f.data(value)
	if !ok {
		return nil, f.coercionError(value)
	}
	nested, err := f.nested()
	if err != nil {
		return nil, err
	}
	return nested.ToStorageDoc(data)
}

func (f *EmbeddedField) FromStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var raw map[string]any
	switch v := value.(type) {
	case bson.M:
		raw = v
	case map[string]any:
		raw = v
	case bson.D:
		raw = v.Map()
	default:
		return nil, &DecodeError{Field: f.name, Value: value}
	}
	nested, err := f.nested()
	if err != nil {
		return nil, &DecodeError{Field: f.name, Value: value, Cause: err}
	}
	return nested.FromStorageDoc(raw)
}

// ReferenceField links to a document of another (or the same) schema. The
// in-memory value is a *Ref; the wire value is the target's primary key.
type ReferenceField struct {
	baseField
	target string
	rule   DeleteRule
}

// NewReferenceField creates a reference-to-document field targeting a
// registered schema by name.
func NewReferenceField(name string, target string, opts ...Option) *ReferenceField {
	return &ReferenceField{baseField: newBase(name, FieldTypeReference, opts), target: target}
}

// OnDelete sets the deletion rule applied to documents holding this reference
// when the referenced document is deleted.
func (f *ReferenceField) OnDelete(rule DeleteRule) *ReferenceField {
	f.rule = rule
	return f
}

// Target returns the referenced schema name.
func (f *ReferenceField) Target() string { return f.target }

// Rule returns the field's deletion rule.
func (f *ReferenceField) Rule() DeleteRule { return f.rule }

func (f *ReferenceField) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *Ref:
		if v.Target != f.target {
			return nil, f.coercionError(value)
		}
		return v, nil
	case Referencable:
		if v.SchemaName() != f.target {
			return nil, f.coercionError(value)
		}
		ref := NewRef(f.target, v.DocumentID())
		ref.SetResolved(v)
		return ref, nil
	case primitive.ObjectID:
		return NewRef(f.target, v), nil
	}
	return nil, f.coercionError(value)
}

func (f *ReferenceField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	ref, ok := value.(*Ref)
	if !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected reference, got %T", value), Path: f.name}}
	}
	if ref.ID == nil {
		if resolved, ok := ref.Resolved(); ok {
			if r, ok := resolved.(Referencable); ok && r.DocumentID() != nil {
				return nil
			}
		}
		return []Issue{{Code: CodeConstraintViolation, Message: "referenced document has no identity; save it first", Path: f.name}}
	}
	return f.validateCommon(value)
}

func (f *ReferenceField) ToStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	ref, ok := value.(*Ref)
	if !ok {
		return nil, f.coercionError(value)
	}
	id := ref.ID
	if id == nil {
		if resolved, ok := ref.Resolved(); ok {
			if r, ok := resolved.(Referencable); ok {
				id = r.DocumentID()
			}
		}
	}
	return id, nil
}

func (f *ReferenceField) FromStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	return NewRef(f.target, value), nil
}
