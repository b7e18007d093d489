package schema

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// PathSeparator delimits segments of a storage path.
const PathSeparator = "."

// Reserved storage names managed by the document layer rather than by
// declared fields.
const (
	IDStorageName     = "_id"
	DiscriminatorName = "_cls"
)

// Schema is an immutable, ordered description of one document type. Field
// declaration order is preserved and used as the canonical serialization
// order. A schema built with Extends shares its root's collection and stores
// a discriminator recording the most-derived type name.
type Schema struct {
	name             string
	collection       string
	fields           []Field
	byName           map[string]Field
	byStorage        map[string]Field
	dynamic          bool
	allowInheritance bool
	parent           *Schema
	primaryKey       Field
	registry         *Registry
}

// Name returns the schema's registry name.
func (s *Schema) Name() string { return s.name }

// CollectionName returns the storage collection, shared across an
// inheritance tree.
func (s *Schema) CollectionName() string { return s.root().collection }

// IsDynamic reports whether undeclared fields are accepted.
func (s *Schema) IsDynamic() bool { return s.dynamic }

// Parent returns the parent schema, or nil.
func (s *Schema) Parent() *Schema { return s.parent }

// HasDiscriminator reports whether records of this schema carry a type
// discriminator.
func (s *Schema) HasDiscriminator() bool {
	return s.parent != nil || s.allowInheritance
}

func (s *Schema) root() *Schema {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Fields returns the effective field list: the parent's fields followed by
// this schema's own, in declaration order.
func (s *Schema) Fields() []Field {
	if s.parent == nil {
		return s.fields
	}
	parent := s.parent.Fields()
	out := make([]Field, 0, len(parent)+len(s.fields))
	out = append(out, parent...)
	out = append(out, s.fields...)
	return out
}

// Field resolves a field by its logical name, walking the inheritance chain.
func (s *Schema) Field(name string) (Field, bool) {
	if f, ok := s.byName[name]; ok {
		return f, true
	}
	if s.parent != nil {
		return s.parent.Field(name)
	}
	return nil, false
}

// FieldByStorage resolves a field by its wire-level name.
func (s *Schema) FieldByStorage(name string) (Field, bool) {
	if f, ok := s.byStorage[name]; ok {
		return f, true
	}
	if s.parent != nil {
		return s.parent.FieldByStorage(name)
	}
	return nil, false
}

// PrimaryKey returns the declared primary-key field, or nil when identity is
// backend-assigned.
func (s *Schema) PrimaryKey() Field {
	if s.primaryKey != nil {
		return s.primaryKey
	}
	if s.parent != nil {
		return s.parent.PrimaryKey()
	}
	return nil
}

// Registry returns the registry this schema was registered with, falling back
// to the process default.
func (s *Schema) Registry() *Registry {
	if s.registry != nil {
		return s.registry
	}
	return DefaultRegistry()
}

// CoerceData coerces every entry of data into its field's canonical in-memory
// type. Unknown keys pass through on a dynamic schema and fail with a
// *FieldDoesNotExistError on a closed one.
func (s *Schema) CoerceData(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for name, value := range data {
		field, ok := s.Field(name)
		if !ok {
			if !s.dynamic {
				return nil, &FieldDoesNotExistError{Schema: s.name, Field: name}
			}
			out[name] = value
			continue
		}
		coerced, err := field.Coerce(value)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

// ValidateData validates data against the schema and returns every issue
// found. With a nil field subset the validation is full: required fields must
// be present and non-nil. With a subset only the named fields are checked,
// mirroring the partial validation a dirty-only save performs.
func (s *Schema) ValidateData(data map[string]any, only []string) []Issue {
	var issues []Issue
	if only == nil {
		for _, field := range s.Fields() {
			value, exists := data[field.Name()]
			if field.IsRequired() && (!exists || value == nil) {
				issues = append(issues, Issue{
					Code:    CodeRequiredFieldMissing,
					Message: fmt.Sprintf("required field %q is missing", field.Name()),
					Path:    field.Name(),
				})
				continue
			}
			if !exists {
				continue
			}
			issues = append(issues, field.Validate(value)...)
		}
		return issues
	}
	for _, name := range only {
		field, ok := s.Field(name)
		if !ok {
			continue // dynamic field, nothing to validate against
		}
		value, exists := data[name]
		if field.IsRequired() && (!exists || value == nil) {
			issues = append(issues, Issue{
				Code:    CodeRequiredFieldMissing,
				Message: fmt.Sprintf("required field %q is missing", field.Name()),
				Path:    field.Name(),
			})
			continue
		}
		if !exists {
			continue
		}
		issues = append(issues, field.Validate(value)...)
	}
	return issues
}

// ValidationError wraps ValidateData's issues into the aggregate error kind,
// returning nil when the data is valid.
func (s *Schema) ValidationError(data map[string]any, only []string) *ValidationError {
	return newValidationError(s.name, s.ValidateData(data, only))
}

// ToStorageDoc converts an in-memory data map into an ordered wire document:
// declared fields in declaration order, then dynamic fields in sorted order.
// The discriminator is prepended when the schema participates in inheritance.
func (s *Schema) ToStorageDoc(data map[string]any) (bson.D, error) {
	doc := bson.D{}
	if s.HasDiscriminator() {
		doc = append(doc, bson.E{Key: DiscriminatorName, Value: s.name})
	}
	seen := make(map[string]struct{}, len(data))
	for _, field := range s.Fields() {
		value, exists := data[field.Name()]
		if !exists {
			continue
		}
		seen[field.Name()] = struct{}{}
		stored, err := field.ToStorage(value)
		if err != nil {
			return nil, err
		}
		doc = append(doc, bson.E{Key: field.StorageName(), Value: stored})
	}
	if s.dynamic {
		var extra []string
		for name := range data {
			if _, ok := seen[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		for _, name := range extra {
			doc = append(doc, bson.E{Key: name, Value: data[name]})
		}
	}
	return doc, nil
}

// FromStorageDoc reconstructs an in-memory data map from a raw stored record.
// Identity and discriminator entries are skipped (the document layer owns
// them); unknown storage names survive only on dynamic schemas.
func (s *Schema) FromStorageDoc(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if key == DiscriminatorName {
			continue
		}
		if key == IDStorageName && s.PrimaryKey() == nil {
			continue
		}
		field, ok := s.FieldByStorage(key)
		if !ok {
			if s.dynamic {
				out[key] = value
			}
			continue
		}
		decoded, err := field.FromStorage(value)
		if err != nil {
			return nil, err
		}
		out[field.Name()] = decoded
	}
	return out, nil
}

// Builder assembles a Schema. It is the registration-time analogue of
// declaration-order field collection: invoked once per type, producing an
// immutable Schema value.
type Builder struct {
	s    *Schema
	errs []string
}

// NewBuilder starts a schema for the given type name. The default collection
// name is the lowercased type name.
func NewBuilder(name string) *Builder {
	return &Builder{s: &Schema{
		name:       name,
		collection: strings.ToLower(name),
		byName:     map[string]Field{},
		byStorage:  map[string]Field{},
	}}
}

// Collection overrides the storage collection name.
func (b *Builder) Collection(name string) *Builder {
	b.s.collection = name
	return b
}

// Dynamic marks the schema as open: undeclared fields are accepted and stored
// verbatim.
func (b *Builder) Dynamic() *Builder {
	b.s.dynamic = true
	return b
}

// AllowInheritance permits subtypes to extend this schema; records gain a
// discriminator entry.
func (b *Builder) AllowInheritance() *Builder {
	b.s.allowInheritance = true
	return b
}

// Extends declares single-collection inheritance from parent. The child's
// effective schema is the parent's fields followed by its own, and records
// share the parent's collection.
func (b *Builder) Extends(parent *Schema) *Builder {
	if parent == nil {
		b.errs = append(b.errs, "parent schema is nil")
		return b
	}
	if !parent.allowInheritance && parent.parent == nil {
		b.errs = append(b.errs, fmt.Sprintf("schema %q does not allow inheritance", parent.name))
		return b
	}
	b.s.parent = parent
	b.s.dynamic = b.s.dynamic || parent.dynamic
	return b
}

// AddField appends a field; declaration order is preserved.
func (b *Builder) AddField(f Field) *Builder {
	name := f.Name()
	if name == "" {
		b.errs = append(b.errs, "field has an empty name")
		return b
	}
	if _, exists := b.s.byName[name]; exists {
		b.errs = append(b.errs, fmt.Sprintf("duplicate field %q", name))
		return b
	}
	if b.s.parent != nil {
		if _, exists := b.s.parent.Field(name); exists {
			b.errs = append(b.errs, fmt.Sprintf("field %q shadows a parent field", name))
			return b
		}
	}
	if storage := f.StorageName(); (storage == IDStorageName && !f.IsPrimaryKey()) || storage == DiscriminatorName {
		b.errs = append(b.errs, fmt.Sprintf("storage name %q is reserved", storage))
		return b
	}
	if _, exists := b.s.byStorage[f.StorageName()]; exists {
		b.errs = append(b.errs, fmt.Sprintf("duplicate storage name %q", f.StorageName()))
		return b
	}
	if f.IsPrimaryKey() {
		if b.s.primaryKey != nil {
			b.errs = append(b.errs, fmt.Sprintf("second primary key %q", name))
			return b
		}
		b.s.primaryKey = f
	}
	b.s.fields = append(b.s.fields, f)
	b.s.byName[name] = f
	b.s.byStorage[f.StorageName()] = f
	return b
}

// Build finalizes the schema, reporting every declaration problem at once.
func (b *Builder) Build() (*Schema, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("schema %q is invalid: %s", b.s.name, strings.Join(b.errs, "; "))
	}
	return b.s, nil
}

// MustBuild is Build for declaration sites where a broken schema is a
// programming error.
func (b *Builder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
