package schema

import (
	"sync"
)

// ReverseReference records that some schema holds a reference field targeting
// another schema. The index of these, built at registration time, is what
// deletion-rule enforcement walks.
type ReverseReference struct {
	Referrer string
	Field    string
	Rule     DeleteRule
	IsList   bool
}

// Registry is a process-lifetime mapping from type name to schema. Types are
// registered once, at declaration time, and read many times thereafter: the
// first registration of a name wins and later attempts fail, since silently
// overwriting a type would corrupt reference resolution for already-loaded
// instances.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	reverse map[string][]ReverseReference
}

// NewRegistry creates an empty registry. Most programs use the process
// default; tests isolate themselves with their own instance.
func NewRegistry() *Registry {
	return &Registry{
		schemas: map[string]*Schema{},
		reverse: map[string][]ReverseReference{},
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a schema to the registry. A duplicate name returns a
// *DuplicateRegistrationError and leaves the first registration in place.
func (r *Registry) Register(s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.name]; exists {
		return &DuplicateRegistrationError{Name: s.name}
	}
	r.schemas[s.name] = s
	s.registry = r
	r.bindFields(s.fields)
	r.indexReferences(s)
	return nil
}

// MustRegister is Register for declaration sites where a collision is a
// programming error.
func (r *Registry) MustRegister(s *Schema) *Schema {
	if err := r.Register(s); err != nil {
		panic(err)
	}
	return s
}

// Lookup resolves a schema by name.
func (r *Registry) Lookup(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// ReverseReferences returns every registered reference relationship targeting
// the named schema.
func (r *Registry) ReverseReferences(target string) []ReverseReference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := r.reverse[target]
	out := make([]ReverseReference, len(refs))
	copy(out, refs)
	return out
}

// bindFields points embedded fields at this registry so nested schemas
// resolve by name here rather than through the process default.
func (r *Registry) bindFields(fields []Field) {
	for _, f := range fields {
		switch field := f.(type) {
		case *EmbeddedField:
			field.registry = r
		case *ListField:
			r.bindFields([]Field{field.inner})
		case *MapField:
			r.bindFields([]Field{field.inner})
		}
	}
}

// indexReferences records reverse-reference entries for every reference field
// declared by s, including references nested one level inside lists.
func (r *Registry) indexReferences(s *Schema) {
	for _, f := range s.fields {
		switch field := f.(type) {
		case *ReferenceField:
			r.reverse[field.target] = append(r.reverse[field.target], ReverseReference{
				Referrer: s.name,
				Field:    f.Name(),
				Rule:     field.rule,
			})
		case *ListField:
			if inner, ok := field.inner.(*ReferenceField); ok {
				r.reverse[inner.target] = append(r.reverse[inner.target], ReverseReference{
					Referrer: s.name,
					Field:    f.Name(),
					Rule:     inner.rule,
					IsList:   true,
				})
			}
		}
	}
}

// Register adds a schema to the process-wide registry.
func Register(s *Schema) error { return defaultRegistry.Register(s) }

// MustRegister registers with the process-wide registry, panicking on
// collision.
func MustRegister(s *Schema) *Schema { return defaultRegistry.MustRegister(s) }

// Lookup resolves a schema by name in the process-wide registry.
func Lookup(name string) (*Schema, bool) { return defaultRegistry.Lookup(name) }
