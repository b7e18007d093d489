package document

import (
	"fmt"
	"sort"
	"time"

	"github.com/asaidimu/go-odm/core/schema"
)

// Document is one runtime instance of a schema-conforming record: the current
// in-memory values, the set of top-level fields mutated since the last
// load/save, the last-known persisted values, an identity, and a persisted
// flag. A freshly constructed document is implicitly all dirty; its first
// save is always a full insert.
type Document struct {
	schema    *schema.Schema
	data      map[string]any
	dirty     map[string]struct{}
	baseline  map[string]any // wire values at last load/save, by field name
	incs      map[string]any // accumulated pure increments since last load/save
	plainSet  map[string]struct{}
	persisted bool
	id        any

	// set when this document is embedded in another
	owner      *Document
	ownerField string
}

// New constructs a document from named values. Construction is keyword-style
// and eager: every value is coerced immediately (a wrong fundamental type
// fails with a *schema.CoercionError) and constraint violations are
// aggregated into one *schema.ValidationError covering the whole call.
// Unknown names on a closed schema fail with *schema.FieldDoesNotExistError.
// Nothing is marked dirty: an unsaved document is implicitly all dirty.
func New(s *schema.Schema, values map[string]any) (*Document, error) {
	d := &Document{schema: s, data: make(map[string]any, len(values))}
	var issues []schema.Issue
	for name, value := range values {
		field, ok := s.Field(name)
		if !ok {
			if !s.IsDynamic() {
				return nil, &schema.FieldDoesNotExistError{Schema: s.Name(), Field: name}
			}
			d.data[name] = d.wrap(name, nil, value, true)
			continue
		}
		coerced, err := field.Coerce(value)
		if err != nil {
			return nil, err
		}
		issues = append(issues, field.Validate(coerced)...)
		d.data[name] = d.wrap(name, field, coerced, true)
	}
	if err := validationError(s.Name(), issues); err != nil {
		return nil, err
	}
	if pk := s.PrimaryKey(); pk != nil {
		if v, ok := d.data[pk.Name()]; ok {
			d.id = v
		}
	}
	return d, nil
}

// FromStorage reconstructs a document from a raw stored record. Stored data
// is trusted: no constraint validation runs, but a value that cannot be
// decoded surfaces as a *schema.DecodeError rather than being defaulted.
// A discriminator entry selects the most-derived registered subtype.
func FromStorage(s *schema.Schema, raw map[string]any) (*Document, error) {
	if cls, ok := raw[schema.DiscriminatorName].(string); ok && cls != s.Name() {
		if sub, found := s.Registry().Lookup(cls); found {
			s = sub
		}
	}
	data, err := s.FromStorageDoc(raw)
	if err != nil {
		return nil, err
	}
	d := &Document{
		schema:    s,
		data:      make(map[string]any, len(data)),
		baseline:  make(map[string]any, len(data)),
		persisted: true,
	}
	for name, value := range data {
		field, _ := s.Field(name)
		d.data[name] = d.wrap(name, field, value, false)
		if field != nil {
			d.baseline[name] = raw[field.StorageName()]
		} else {
			d.baseline[name] = raw[name]
		}
	}
	if id, ok := raw[schema.IDStorageName]; ok {
		d.id = id
	}
	return d, nil
}

// newEmbedded wraps already-coerced data into an embedded document instance.
func newEmbedded(s *schema.Schema, data map[string]any) *Document {
	d := &Document{schema: s, data: make(map[string]any, len(data))}
	for name, value := range data {
		field, _ := s.Field(name)
		d.data[name] = d.wrap(name, field, value, true)
	}
	return d
}

// Schema returns the document's schema.
func (d *Document) Schema() *schema.Schema { return d.schema }

// SchemaName implements schema.DocumentValue and schema.Referencable.
func (d *Document) SchemaName() string { return d.schema.Name() }

// Data returns a shallow copy of the current values. Container values are the
// live tracking containers.
func (d *Document) Data() map[string]any {
	out := make(map[string]any, len(d.data))
	for k, v := range d.data {
		out[k] = v
	}
	return out
}

// DocumentID implements schema.Referencable: the declared primary key value
// when one exists, otherwise the backend-assigned identity.
func (d *Document) DocumentID() any {
	if pk := d.schema.PrimaryKey(); pk != nil {
		if v, ok := d.data[pk.Name()]; ok && v != nil {
			return v
		}
	}
	return d.id
}

// ID returns the document identity, nil before the first insert.
func (d *Document) ID() any { return d.DocumentID() }

// SetID records a backend-assigned identity after a successful insert.
func (d *Document) SetID(id any) { d.id = id }

// Persisted reports whether the document exists in the backing store.
func (d *Document) Persisted() bool { return d.persisted }

// Get reads a field. An unset declared field materializes its default
// lazily, once, caching it on the instance without marking it dirty.
// Unknown names on a closed schema fail with *schema.FieldDoesNotExistError.
func (d *Document) Get(name string) (any, error) {
	field, ok := d.schema.Field(name)
	if !ok {
		if !d.schema.IsDynamic() {
			return nil, &schema.FieldDoesNotExistError{Schema: d.schema.Name(), Field: name}
		}
		return d.data[name], nil
	}
	if value, exists := d.data[name]; exists {
		return value, nil
	}
	if !field.HasDefault() {
		return nil, nil
	}
	coerced, err := field.Coerce(field.DefaultValue())
	if err != nil {
		return nil, err
	}
	wrapped := d.wrap(name, field, coerced, true)
	d.data[name] = wrapped
	return wrapped, nil
}

// MustGet is Get without the error, for fields known to exist.
func (d *Document) MustGet(name string) any {
	v, err := d.Get(name)
	if err != nil {
		panic(err)
	}
	return v
}

// GetString reads a string field, returning "" when unset.
func (d *Document) GetString(name string) (string, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q holds %T, not string", name, v)
	}
	return s, nil
}

// GetInt reads an integer field, returning 0 when unset.
func (d *Document) GetInt(name string) (int64, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("field %q holds %T, not int64", name, v)
	}
	return n, nil
}

// GetBool reads a boolean field, returning false when unset.
func (d *Document) GetBool(name string) (bool, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q holds %T, not bool", name, v)
	}
	return b, nil
}

// GetTime reads a datetime field, returning the zero time when unset.
func (d *Document) GetTime(name string) (time.Time, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return time.Time{}, err
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("field %q holds %T, not time.Time", name, v)
	}
	return t, nil
}

// GetList reads a list field, returning nil when unset.
func (d *Document) GetList(name string) (*List, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return nil, err
	}
	l, ok := v.(*List)
	if !ok {
		return nil, fmt.Errorf("field %q holds %T, not a list", name, v)
	}
	return l, nil
}

// GetMap reads a map field, returning nil when unset.
func (d *Document) GetMap(name string) (*Map, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return nil, err
	}
	m, ok := v.(*Map)
	if !ok {
		return nil, fmt.Errorf("field %q holds %T, not a map", name, v)
	}
	return m, nil
}

// GetRef reads a reference field, returning nil when unset.
func (d *Document) GetRef(name string) (*schema.Ref, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return nil, err
	}
	ref, ok := v.(*schema.Ref)
	if !ok {
		return nil, fmt.Errorf("field %q holds %T, not a reference", name, v)
	}
	return ref, nil
}

// GetEmbedded reads an embedded-document field, returning nil when unset.
func (d *Document) GetEmbedded(name string) (*Document, error) {
	v, err := d.Get(name)
	if err != nil || v == nil {
		return nil, err
	}
	e, ok := v.(*Document)
	if !ok {
		return nil, fmt.Errorf("field %q holds %T, not an embedded document", name, v)
	}
	return e, nil
}

// Set assigns a field. The value is coerced immediately and validated; a
// wrong fundamental type fails with a *schema.CoercionError before anything
// is stored. Assigning a new container wholesale replaces the old one, which
// the delta engine treats as a full-field overwrite. Reassigning the primary
// key of a persisted document is a validation failure.
func (d *Document) Set(name string, value any) error {
	field, ok := d.schema.Field(name)
	if !ok {
		if !d.schema.IsDynamic() {
			return &schema.FieldDoesNotExistError{Schema: d.schema.Name(), Field: name}
		}
		d.detachCurrent(name)
		d.data[name] = d.wrap(name, nil, value, true)
		d.noteSet(name)
		return nil
	}
	if field.IsPrimaryKey() && d.persisted {
		return &schema.ValidationError{Schema: d.schema.Name(), Issues: []schema.Issue{{
			Code:    schema.CodeImmutableField,
			Message: "primary key is immutable after first save",
			Path:    name,
		}}}
	}
	coerced, err := field.Coerce(value)
	if err != nil {
		return err
	}
	if err := validationError(d.schema.Name(), field.Validate(coerced)); err != nil {
		return err
	}
	d.detachCurrent(name)
	d.data[name] = d.wrap(name, field, coerced, true)
	d.noteSet(name)
	return nil
}

// Unset clears a field. On a persisted document the delta emits an unset
// operation for the field's storage path.
func (d *Document) Unset(name string) error {
	return d.Set(name, nil)
}

// Inc records a pure increment of a numeric field relative to its last
// persisted value. A later plain Set on the same field discards the proof and
// the delta falls back to a set operation.
func (d *Document) Inc(name string, delta int64) error {
	return d.inc(name, delta, float64(delta), false)
}

// IncFloat is Inc for float fields.
func (d *Document) IncFloat(name string, delta float64) error {
	return d.inc(name, 0, delta, true)
}

func (d *Document) inc(name string, intDelta int64, floatDelta float64, isFloat bool) error {
	field, ok := d.schema.Field(name)
	if !ok {
		return &schema.FieldDoesNotExistError{Schema: d.schema.Name(), Field: name}
	}
	switch field.Type() {
	case schema.FieldTypeInteger:
		if isFloat {
			return fmt.Errorf("field %q is an integer field; use Inc", name)
		}
		current, _ := d.data[name].(int64)
		d.data[name] = current + intDelta
		if _, wasSet := d.plainSet[name]; !wasSet {
			prev, _ := d.incs[name].(int64)
			if d.incs == nil {
				d.incs = map[string]any{}
			}
			d.incs[name] = prev + intDelta
		}
	case schema.FieldTypeFloat:
		current, _ := d.data[name].(float64)
		d.data[name] = current + floatDelta
		if _, wasSet := d.plainSet[name]; !wasSet {
			prev, _ := d.incs[name].(float64)
			if d.incs == nil {
				d.incs = map[string]any{}
			}
			d.incs[name] = prev + floatDelta
		}
	default:
		return fmt.Errorf("field %q is not numeric", name)
	}
	d.markDirty(name)
	return nil
}

// noteSet records a plain assignment: the field is dirty and any accumulated
// increment proof is void.
func (d *Document) noteSet(name string) {
	delete(d.incs, name)
	if d.plainSet == nil {
		d.plainSet = map[string]struct{}{}
	}
	d.plainSet[name] = struct{}{}
	d.markDirty(name)
}

func (d *Document) detachCurrent(name string) {
	switch v := d.data[name].(type) {
	case *List:
		v.detach()
	case *Map:
		v.detach()
	case *Document:
		v.owner = nil
		v.ownerField = ""
	}
}

// markDirty flags a top-level field as changed and propagates through the
// embedding chain so a nested mutation dirties the outermost field it is
// reachable from.
func (d *Document) markDirty(name string) {
	if d.dirty == nil {
		d.dirty = map[string]struct{}{}
	}
	d.dirty[name] = struct{}{}
	if d.owner != nil {
		d.owner.markDirty(d.ownerField)
	}
}

// IsDirty reports whether the named top-level field changed since the last
// load/save.
func (d *Document) IsDirty(name string) bool {
	_, ok := d.dirty[name]
	return ok
}

// DirtyFields returns the changed top-level field names, sorted.
func (d *Document) DirtyFields() []string {
	out := make([]string, 0, len(d.dirty))
	for name := range d.dirty {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// previouslySet reports whether the field held a value at last load/save.
func (d *Document) previouslySet(name string) bool {
	v, ok := d.baseline[name]
	return ok && v != nil
}

// MarkSaved commits local bookkeeping after the backend confirmed a write:
// the dirty set clears, container journals reset, and the baseline advances
// to the current wire values. It must not be called on a failed or cancelled
// write, which leaves all bookkeeping untouched for retry.
func (d *Document) MarkSaved() {
	d.persisted = true
	d.clearDirtyState()
	if d.baseline == nil {
		d.baseline = map[string]any{}
	} else {
		for k := range d.baseline {
			delete(d.baseline, k)
		}
	}
	for name, value := range d.data {
		field, ok := d.schema.Field(name)
		if !ok {
			d.baseline[name] = nativeValue(value)
			continue
		}
		if stored, err := field.ToStorage(value); err == nil {
			d.baseline[name] = stored
		}
	}
}

// Overwrite replaces this document's state with a freshly loaded instance of
// the same identity, clearing the dirty set.
func (d *Document) Overwrite(fresh *Document) {
	d.schema = fresh.schema
	d.data = fresh.data
	d.baseline = fresh.baseline
	d.id = fresh.id
	d.persisted = fresh.persisted
	d.dirty = nil
	d.incs = nil
	d.plainSet = nil
	for name := range d.data {
		d.reparent(name)
	}
}

func (d *Document) reparent(name string) {
	switch v := d.data[name].(type) {
	case *List:
		v.attach(d, name)
	case *Map:
		v.attach(d, name)
	case *Document:
		v.owner = d
		v.ownerField = name
	}
}

func (d *Document) clearDirtyState() {
	d.dirty = nil
	d.incs = nil
	d.plainSet = nil
	for _, value := range d.data {
		clearNestedJournal(value)
	}
}

// ToStorage converts the document into an ordered wire record, identity
// excluded.
func (d *Document) ToStorage() (map[string]any, error) {
	doc, err := d.schema.ToStorageDoc(d.data)
	if err != nil {
		return nil, err
	}
	record := make(map[string]any, len(doc))
	for _, e := range doc {
		record[e.Key] = e.Value
	}
	return record, nil
}

// nativeData strips tracking containers for equality comparisons.
func (d *Document) nativeData() map[string]any {
	out := make(map[string]any, len(d.data))
	for k, v := range d.data {
		out[k] = nativeValue(v)
	}
	return out
}

// wrap converts a coerced value into its tracked in-memory form, parented
// under this document and the given top-level field.
func (d *Document) wrap(name string, field schema.Field, value any, fresh bool) any {
	switch f := field.(type) {
	case *schema.EmbeddedField:
		switch v := value.(type) {
		case *Document:
			v.owner = d
			v.ownerField = name
			return v
		case map[string]any:
			nested, ok := d.schema.Registry().Lookup(f.SchemaName())
			if !ok {
				return value
			}
			e := newEmbedded(nested, v)
			e.owner = d
			e.ownerField = name
			return e
		}
		return value
	case *schema.ListField:
		items, ok := listItems(value)
		if !ok {
			return value
		}
		l := &List{fresh: fresh}
		for _, item := range items {
			l.items = append(l.items, d.wrapElement(name, f.Inner(), item))
		}
		l.attach(d, name)
		return l
	case *schema.MapField:
		entries, ok := mapEntries(value)
		if !ok {
			return value
		}
		m := &Map{entries: make(map[string]any, len(entries)), fresh: fresh}
		for k, item := range entries {
			m.entries[k] = d.wrapElement(name, f.Inner(), item)
		}
		m.attach(d, name)
		return m
	}
	switch value.(type) {
	case []any, map[string]any, *List, *Map:
		v := adoptNested(value, d, name)
		switch c := v.(type) {
		case *List:
			c.fresh = fresh
		case *Map:
			c.fresh = fresh
		}
		return v
	}
	return value
}

func (d *Document) wrapElement(name string, inner schema.Field, item any) any {
	if ef, ok := inner.(*schema.EmbeddedField); ok {
		if m, isMap := item.(map[string]any); isMap {
			if nested, found := d.schema.Registry().Lookup(ef.SchemaName()); found {
				e := newEmbedded(nested, m)
				e.owner = d
				e.ownerField = name
				return e
			}
		}
		if e, isDoc := item.(*Document); isDoc {
			e.owner = d
			e.ownerField = name
			return e
		}
	}
	return adoptNested(item, d, name)
}

func listItems(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case *List:
		return v.Items(), true
	}
	return nil, false
}

func mapEntries(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case *Map:
		return v.Entries(), true
	}
	return nil, false
}

func validationError(schemaName string, issues []schema.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return &schema.ValidationError{Schema: schemaName, Issues: issues}
}

// Validate runs full schema validation over the current values, aggregating
// every violation. A nil return means the document is valid.
func (d *Document) Validate() error {
	if err := d.schema.ValidationError(d.data, nil); err != nil {
		return err
	}
	return nil
}

// ValidateDirty validates only the dirty fields, the partial check a
// delta-update save performs.
func (d *Document) ValidateDirty() error {
	if len(d.dirty) == 0 {
		return nil
	}
	if err := d.schema.ValidationError(d.data, d.DirtyFields()); err != nil {
		return err
	}
	return nil
}
