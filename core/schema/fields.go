// Package schema defines typed field descriptors, document schemas, and the
// process-wide schema registry. A field descriptor owns the full lifecycle of
// one value: coercion on assignment, constraint validation, and conversion
// between the in-memory representation and the wire representation.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FieldType identifies the kind of a field descriptor.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeDateTime  FieldType = "datetime"
	FieldTypeObjectID  FieldType = "objectid"
	FieldTypeList      FieldType = "list"
	FieldTypeMap       FieldType = "map"
	FieldTypeEmbedded  FieldType = "embedded"
	FieldTypeReference FieldType = "reference"
	FieldTypeFile      FieldType = "file"
)

// Field is the contract every field descriptor satisfies.
//
// Coerce converts an assigned raw value into the field's canonical in-memory
// type, failing immediately with a *CoercionError when the value has the wrong
// fundamental shape. Validate checks constraints over an already-coerced value
// and reports every violation. ToStorage must be total over values that pass
// Validate; FromStorage must be total over values the driver can plausibly
// return, since stored data may predate the current schema version.
type Field interface {
	Name() string
	StorageName() string
	Type() FieldType
	IsRequired() bool
	IsUnique() bool
	IsPrimaryKey() bool
	HasDefault() bool
	// DefaultValue evaluates the field default. Producer defaults are invoked
	// fresh on every call so instances never share a mutable default.
	DefaultValue() any
	Coerce(value any) (any, error)
	Validate(value any) []Issue
	ToStorage(value any) (any, error)
	FromStorage(value any) (any, error)
}

// Choice is one allowed value of an enumerated field, optionally labelled.
type Choice struct {
	Value any
	Label string
}

// ValidatorFunc is a custom validation predicate; a non-nil error marks the
// value invalid and becomes the issue message.
type ValidatorFunc func(value any) error

// Option configures a field descriptor at construction time.
type Option func(*baseField)

// Required marks the field as mandatory at save time.
func Required() Option { return func(b *baseField) { b.required = true } }

// Unique declares a uniqueness constraint enforced by the storage backend.
func Unique() Option { return func(b *baseField) { b.unique = true } }

// PrimaryKey declares the field as the document's primary key. A primary key
// is implicitly required, immutable once the document has been saved, and
// occupies the identity slot of the stored record.
func PrimaryKey() Option {
	return func(b *baseField) {
		b.primaryKey = true
		b.required = true
		b.storage = IDStorageName
	}
}

// StorageName overrides the wire-level name of the field.
func StorageName(name string) Option { return func(b *baseField) { b.storage = name } }

// Default sets the field default. A func() any value is treated as a
// zero-argument producer and evaluated once per document construction.
func Default(value any) Option {
	return func(b *baseField) {
		if producer, ok := value.(func() any); ok {
			b.defaultFn = producer
			return
		}
		b.defaultValue = value
		b.hasDefault = true
	}
}

// Choices restricts the field to an enumerated set of allowed values. Entries
// may be plain values or Choice pairs.
func Choices(values ...any) Option {
	return func(b *baseField) {
		for _, v := range values {
			if c, ok := v.(Choice); ok {
				b.choices = append(b.choices, c)
				continue
			}
			b.choices = append(b.choices, Choice{Value: v})
		}
	}
}

// Validate attaches a custom validation predicate to the field.
func Validate(fn ValidatorFunc) Option {
	return func(b *baseField) { b.validators = append(b.validators, fn) }
}

// MinLength constrains the minimum length of a string field.
func MinLength(n int) Option { return func(b *baseField) { b.minLength = &n } }

// MaxLength constrains the maximum length of a string field.
func MaxLength(n int) Option { return func(b *baseField) { b.maxLength = &n } }

// Pattern constrains a string field to values matching the given expression.
func Pattern(expr string) Option {
	return func(b *baseField) { b.pattern = regexp.MustCompile(expr) }
}

// Min constrains the minimum value of a numeric field.
func Min(n float64) Option { return func(b *baseField) { b.min = &n } }

// Max constrains the maximum value of a numeric field.
func Max(n float64) Option { return func(b *baseField) { b.max = &n } }

// baseField carries the attributes shared by every field kind.
type baseField struct {
	name         string
	storage      string
	typ          FieldType
	required     bool
	unique       bool
	primaryKey   bool
	hasDefault   bool
	defaultValue any
	defaultFn    func() any
	choices      []Choice
	validators   []ValidatorFunc
	minLength    *int
	maxLength    *int
	pattern      *regexp.Regexp
	min          *float64
	max          *float64
}

func newBase(name string, typ FieldType, opts []Option) baseField {
	b := baseField{name: name, storage: name, typ: typ}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *baseField) Name() string        { return b.name }
func (b *baseField) StorageName() string { return b.storage }
func (b *baseField) Type() FieldType     { return b.typ }
func (b *baseField) IsRequired() bool    { return b.required }
func (b *baseField) IsUnique() bool      { return b.unique }
func (b *baseField) IsPrimaryKey() bool  { return b.primaryKey }
func (b *baseField) HasDefault() bool    { return b.hasDefault || b.defaultFn != nil }

func (b *baseField) DefaultValue() any {
	if b.defaultFn != nil {
		return b.defaultFn()
	}
	return b.defaultValue
}

// validateCommon runs the constraints shared by all field kinds: choices and
// custom predicates.
func (b *baseField) validateCommon(value any) []Issue {
	var issues []Issue
	if len(b.choices) > 0 {
		matched := false
		for _, c := range b.choices {
			if valuesEqual(c.Value, value) {
				matched = true
				break
			}
		}
		if !matched {
			issues = append(issues, Issue{
				Code:    CodeInvalidChoice,
				Message: fmt.Sprintf("value %v is not an allowed choice", value),
				Path:    b.name,
			})
		}
	}
	for _, fn := range b.validators {
		if err := fn(value); err != nil {
			issues = append(issues, Issue{
				Code:    CodeConstraintViolation,
				Message: err.Error(),
				Path:    b.name,
			})
		}
	}
	return issues
}

func (b *baseField) coercionError(value any) error {
	return &CoercionError{Field: b.name, Expected: b.typ, Value: value}
}

// valuesEqual compares two values with numeric widening, so an int choice
// matches an int64 in-memory value.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
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

func toInt64(v any) (int64, bool) {
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
	case float32:
		if float64(n) == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// StringField holds text data.
type StringField struct {
	baseField
}

// NewStringField creates a text field.
func NewStringField(name string, opts ...Option) *StringField {
	return &StringField{newBase(name, FieldTypeString, opts)}
}

func (f *StringField) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return nil, f.coercionError(value)
}

func (f *StringField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected string, got %T", value), Path: f.name}}
	}
	issues := f.validateCommon(value)
	if f.minLength != nil && len(s) < *f.minLength {
		issues = append(issues, Issue{Code: CodeConstraintViolation, Message: fmt.Sprintf("length %d is below minimum %d", len(s), *f.minLength), Path: f.name})
	}
	if f.maxLength != nil && len(s) > *f.maxLength {
		issues = append(issues, Issue{Code: CodeConstraintViolation, Message: fmt.Sprintf("length %d exceeds maximum %d", len(s), *f.maxLength), Path: f.name})
	}
	if f.pattern != nil && !f.pattern.MatchString(s) {
		issues = append(issues, Issue{Code: CodeConstraintViolation, Message: fmt.Sprintf("value does not match pattern %s", f.pattern), Path: f.name})
	}
	return issues
}

func (f *StringField) ToStorage(value any) (any, error) { return value, nil }

func (f *StringField) FromStorage(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return nil, &DecodeError{Field: f.name, Value: value}
}

// IntField holds integer data; the canonical in-memory type is int64.
type IntField struct {
	baseField
}

// NewIntField creates an integer field.
func NewIntField(name string, opts ...Option) *IntField {
	return &IntField{newBase(name, FieldTypeInteger, opts)}
}

func (f *IntField) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if n, ok := toInt64(value); ok {
		return n, nil
	}
	if s, ok := value.(string); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, nil
		}
	}
	return nil, f.coercionError(value)
}

func (f *IntField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	n, ok := toInt64(value)
	if !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected integer, got %T", value), Path: f.name}}
	}
	issues := f.validateCommon(value)
	if f.min != nil && float64(n) < *f.min {
		issues = append(issues, Issue{Code: CodeConstraintViolation, Message: fmt.Sprintf("value %d is below minimum %v", n, *f.min), Path: f.name})
	}
	if f.max != nil && float64(n) > *f.max {
		issues = append(issues, Issue{Code: CodeConstraintViolation, Message: fmt.Sprintf("value %d exceeds maximum %v", n, *f.max), Path: f.name})
	}
	return issues
}

func (f *IntField) ToStorage(value any) (any, error) { return value, nil }

func (f *IntField) FromStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if n, ok := toInt64(value); ok {
		return n, nil
	}
	return nil, &DecodeError{Field: f.name, Value: value}
}

// FloatField holds floating-point data; the canonical in-memory type is float64.
type FloatField struct {
	baseField
}

// NewFloatField creates a floating-point field.
func NewFloatField(name string, opts ...Option) *FloatField {
	return &FloatField{newBase(name, FieldTypeFloat, opts)}
}

func (f *FloatField) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if n, ok := toFloat(value); ok {
		return n, nil
	}
	if s, ok := value.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n, nil
		}
	}
	return nil, f.coercionError(value)
}

func (f *FloatField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	n, ok := toFloat(value)
	if !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected float, got %T", value), Path: f.name}}
	}
	issues := f.validateCommon(value)
	if f.min != nil && n < *f.min {
		issues = append(issues, Issue{Code: CodeConstraintViolation, Message: fmt.Sprintf("value %v is below minimum %v", n, *f.min), Path: f.name})
	}
	if f.max != nil && n > *f.max {
		issues = append(issues, Issue{Code: CodeConstraintViolation, Message: fmt.Sprintf("value %v exceeds maximum %v", n, *f.max), Path: f.name})
	}
	return issues
}

func (f *FloatField) ToStorage(value any) (any, error) { return value, nil }

func (f *FloatField) FromStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if n, ok := toFloat(value); ok {
		return n, nil
	}
	return nil, &DecodeError{Field: f.name, Value: value}
}

// BoolField holds true/false values.
type BoolField struct {
	baseField
}

// NewBoolField creates a boolean field.
func NewBoolField(name string, opts ...Option) *BoolField {
	return &BoolField{newBase(name, FieldTypeBoolean, opts)}
}

func (f *BoolField) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, f.coercionError(value)
}

func (f *BoolField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	if _, ok := value.(bool); !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected boolean, got %T", value), Path: f.name}}
	}
	return f.validateCommon(value)
}

func (f *BoolField) ToStorage(value any) (any, error) { return value, nil }

func (f *BoolField) FromStorage(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	}
	return nil, &DecodeError{Field: f.name, Value: value}
}

// DateTimeField holds timestamps; the canonical in-memory type is time.Time
// (UTC, millisecond precision on the wire).
type DateTimeField struct {
	baseField
}

// NewDateTimeField creates a timestamp field.
func NewDateTimeField(name string, opts ...Option) *DateTimeField {
	return &DateTimeField{newBase(name, FieldTypeDateTime, opts)}
}

func (f *DateTimeField) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UTC().Truncate(time.Millisecond), nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return nil, f.coercionError(value)
}

func (f *DateTimeField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	if _, ok := value.(time.Time); !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected time.Time, got %T", value), Path: f.name}}
	}
	return f.validateCommon(value)
}

func (f *DateTimeField) ToStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	t, ok := value.(time.Time)
	if !ok {
		return nil, f.coercionError(value)
	}
	return primitive.NewDateTimeFromTime(t), nil
}

func (f *DateTimeField) FromStorage(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case time.Time:
		return v.UTC().Truncate(time.Millisecond), nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return nil, &DecodeError{Field: f.name, Value: value}
}

// ObjectIDField holds an opaque backend identity.
type ObjectIDField struct {
	baseField
}

// NewObjectIDField creates an identity field.
func NewObjectIDField(name string, opts ...Option) *ObjectIDField {
	return &ObjectIDField{newBase(name, FieldTypeObjectID, opts)}
}

func (f *ObjectIDField) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case primitive.ObjectID:
		return v, nil
	case string:
		if id, err := primitive.ObjectIDFromHex(v); err == nil {
			return id, nil
		}
	}
	return nil, f.coercionError(value)
}

func (f *ObjectIDField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	if _, ok := value.(primitive.ObjectID); !ok {
		return []Issue{{Code: CodeConstraintViolation, Message: fmt.Sprintf("expected ObjectID, got %T", value), Path: f.name}}
	}
	return f.validateCommon(value)
}

func (f *ObjectIDField) ToStorage(value any) (any, error) { return value, nil }

func (f *ObjectIDField) FromStorage(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case primitive.ObjectID:
		return v, nil
	case string:
		if id, err := primitive.ObjectIDFromHex(v); err == nil {
			return id, nil
		}
	}
	return nil, &DecodeError{Field: f.name, Value: value}
}

// FileField holds an opaque handle to an externally stored binary blob. Only
// the handle passes through this layer; the bytes themselves are the concern
// of whatever blob store issued the handle.
type FileField struct {
	baseField
}

// NewFileField creates a blob-handle field.
func NewFileField(name string, opts ...Option) *FileField {
	return &FileField{newBase(name, FieldTypeFile, opts)}
}

func (f *FileField) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case primitive.ObjectID, string:
		return v, nil
	}
	return nil, f.coercionError(value)
}

func (f *FileField) Validate(value any) []Issue {
	if value == nil {
		return nil
	}
	return f.validateCommon(value)
}

func (f *FileField) ToStorage(value any) (any, error) { return value, nil }

func (f *FileField) FromStorage(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case primitive.ObjectID, string:
		return v, nil
	}
	return nil, &DecodeError{Field: f.name, Value: value}
}
