package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/asaidimu/go-odm/core/document"
	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/core/schema"
)

// Options configures a Database.
type Options struct {
	// Registry resolves schema names for embedded documents, references,
	// and subtypes. Defaults to the process-wide registry.
	Registry *schema.Registry
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Database owns a storage backend and hands out collections. Cross-schema
// behavior, deletion rules and reference resolution, runs through it.
type Database struct {
	backend  StorageBackend
	registry *schema.Registry
	logger   *zap.Logger

	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewDatabase wraps a backend.
func NewDatabase(backend StorageBackend, opts *Options) *Database {
	if opts == nil {
		opts = &Options{}
	}
	registry := opts.Registry
	if registry == nil {
		registry = schema.DefaultRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Database{
		backend:     backend,
		registry:    registry,
		logger:      logger,
		collections: map[string]*Collection{},
	}
}

// Backend exposes the underlying store for escape-hatch operations.
func (db *Database) Backend() StorageBackend { return db.backend }

// Registry returns the schema registry the database resolves against.
func (db *Database) Registry() *schema.Registry { return db.registry }

// Collection returns the collection for a schema, creating and caching it on
// first use. Subtypes share their root's collection instance state but keep
// their own schema binding.
func (db *Database) Collection(s *schema.Schema) (*Collection, error) {
	db.mu.RLock()
	c, ok := db.collections[s.Name()]
	db.mu.RUnlock()
	if ok {
		return c, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok = db.collections[s.Name()]; ok {
		return c, nil
	}
	bus, err := newLifecycleBus()
	if err != nil {
		return nil, fmt.Errorf("create lifecycle bus: %w", err)
	}
	c = &Collection{
		db:            db,
		schema:        s,
		backend:       db.backend,
		logger:        db.logger.With(zap.String("collection", s.CollectionName()), zap.String("schema", s.Name())),
		bus:           bus,
		subscriptions: newSubscriptionRegistry(),
	}
	db.collections[s.Name()] = c
	return c, nil
}

// MustCollection is Collection for registration-time wiring.
func (db *Database) MustCollection(s *schema.Schema) *Collection {
	c, err := db.Collection(s)
	if err != nil {
		panic(err)
	}
	return c
}

// collectionFor resolves a collection by schema name, for deletion rules and
// dereferencing.
func (db *Database) collectionFor(schemaName string) (*Collection, error) {
	s, ok := db.registry.Lookup(schemaName)
	if !ok {
		return nil, fmt.Errorf("schema %q is not registered", schemaName)
	}
	return db.Collection(s)
}

// Close releases the backend.
func (db *Database) Close(ctx context.Context) error {
	return db.backend.Close(ctx)
}

// Collection binds one schema to the backend: lifecycle operations, the
// query surface, and lifecycle events for that document type.
type Collection struct {
	db            *Database
	schema        *schema.Schema
	backend       StorageBackend
	logger        *zap.Logger
	bus           *events.TypedEventBus[LifecycleEvent]
	subscriptions *subscriptionRegistry

	indexOnce sync.Once
	indexErr  error
}

// Schema returns the bound schema.
func (c *Collection) Schema() *schema.Schema { return c.schema }

// Name returns the storage-level collection name.
func (c *Collection) Name() string { return c.schema.CollectionName() }

// QuerySchema implements query.Executor.
func (c *Collection) QuerySchema() *schema.Schema { return c.schema }

// Query starts an unfiltered lazy query over this collection.
func (c *Collection) Query() *query.QuerySet {
	return query.NewQuerySet(c)
}

// Find starts a query restricted by field__operator conditions.
func (c *Collection) Find(conds map[string]any) *query.QuerySet {
	return c.Query().Filter(conds)
}

func (c *Collection) emit(ev LifecycleEvent) {
	if c.bus != nil {
		c.bus.Emit(string(ev.Type), ev)
	}
}

// Subscribe registers a lifecycle callback and returns its subscription id.
func (c *Collection) Subscribe(options SubscriptionOptions) string {
	unsubscribe := c.bus.Subscribe(string(options.Event), options.Callback)
	return c.subscriptions.register(options, unsubscribe)
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (c *Collection) Unsubscribe(id string) {
	c.subscriptions.unregister(id)
}

// Subscriptions lists the active subscriptions.
func (c *Collection) Subscriptions() []SubscriptionInfo {
	return c.subscriptions.list()
}

// ensureIndexes asks the backend for a unique index per unique field, once.
func (c *Collection) ensureIndexes(ctx context.Context) error {
	c.indexOnce.Do(func() {
		indexer, ok := c.backend.(UniqueIndexer)
		if !ok {
			return
		}
		for _, f := range c.schema.Fields() {
			if !f.IsUnique() || f.IsPrimaryKey() {
				continue
			}
			if err := indexer.EnsureUnique(ctx, c.Name(), f.StorageName()); err != nil {
				c.indexErr = fmt.Errorf("ensure unique index on %s: %w", f.Name(), err)
				return
			}
		}
	})
	return c.indexErr
}

// subtypeFilter narrows queries to this schema's subtype when it shares a
// root collection with siblings.
func (c *Collection) subtypeFilter(filter bson.M) bson.M {
	if c.schema.Parent() == nil {
		return filter
	}
	out := bson.M{schema.DiscriminatorName: c.schema.Name()}
	for k, v := range filter {
		out[k] = v
	}
	return out
}

// Save persists the document: a full insert for a new instance, a minimal
// delta update for a persisted one. A clean persisted document is a no-op
// and touches nothing. Local bookkeeping mutates only after the backend
// confirms the write.
func (c *Collection) Save(ctx context.Context, doc *document.Document) error {
	return c.save(ctx, doc, nil)
}

// SaveWithCondition is Save with an extra guard: the update applies only
// when the stored document still matches the conditions. A guard miss is a
// *schema.SaveConditionError and local state stays dirty for retry.
func (c *Collection) SaveWithCondition(ctx context.Context, doc *document.Document, conds map[string]any) error {
	q := query.NewQ(conds)
	return c.save(ctx, doc, &q)
}

func (c *Collection) save(ctx context.Context, doc *document.Document, cond *query.Q) error {
	start := time.Now()
	c.emit(createEvent(DocumentSaveStart, c.schema.Name(), c.Name(), doc.ID(), doc, nil, time.Time{}))

	err := c.doSave(ctx, doc, cond)
	if err != nil {
		msg := err.Error()
		c.emit(createEvent(DocumentSaveFailed, c.schema.Name(), c.Name(), doc.ID(), doc, &msg, start))
		c.logger.Debug("save failed", zap.Error(err))
		return err
	}
	c.emit(createEvent(DocumentSaveSuccess, c.schema.Name(), c.Name(), doc.ID(), doc, nil, start))
	return nil
}

func (c *Collection) doSave(ctx context.Context, doc *document.Document, cond *query.Q) error {
	if err := c.ensureIndexes(ctx); err != nil {
		return err
	}
	if !doc.Persisted() {
		return c.insert(ctx, doc)
	}
	return c.update(ctx, doc, cond)
}

func (c *Collection) insert(ctx context.Context, doc *document.Document) error {
	c.materializeDefaults(doc)
	if err := doc.Validate(); err != nil {
		return err
	}
	record, err := c.schema.ToStorageDoc(doc.Data())
	if err != nil {
		return err
	}
	id, err := c.backend.Insert(ctx, c.Name(), record)
	if err != nil {
		return err
	}
	if doc.ID() == nil {
		doc.SetID(id)
	}
	doc.MarkSaved()
	c.logger.Debug("inserted document", zap.Any("id", doc.ID()))
	return nil
}

func (c *Collection) update(ctx context.Context, doc *document.Document, cond *query.Q) error {
	if err := doc.ValidateDirty(); err != nil {
		return err
	}
	delta, err := document.ComputeDelta(doc)
	if err != nil {
		return err
	}
	if delta.Empty() {
		return nil
	}

	filter := bson.M{schema.IDStorageName: doc.ID()}
	if cond != nil {
		extra, err := cond.Translate(c.schema)
		if err != nil {
			return err
		}
		for k, v := range extra {
			filter[k] = v
		}
	}

	result, err := c.backend.Update(ctx, c.Name(), filter, delta.Operator(), false)
	if err != nil {
		return err
	}
	if result.Matched == 0 {
		if cond != nil {
			return &schema.SaveConditionError{Schema: c.schema.Name(), ID: doc.ID()}
		}
		return &schema.NotFoundError{Schema: c.schema.Name(), ID: doc.ID()}
	}
	doc.MarkSaved()
	c.logger.Debug("updated document", zap.Any("id", doc.ID()))
	return nil
}

// materializeDefaults forces every defaulted field to evaluate before the
// first insert so stored records are complete.
func (c *Collection) materializeDefaults(doc *document.Document) {
	for _, f := range c.schema.Fields() {
		if f.HasDefault() {
			doc.Get(f.Name())
		}
	}
}

// Get loads one document by identity.
func (c *Collection) Get(ctx context.Context, id any) (*document.Document, error) {
	docs, err := c.ExecuteFind(ctx, c.subtypeFilter(bson.M{schema.IDStorageName: id}), &query.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &schema.NotFoundError{Schema: c.schema.Name(), ID: id}
	}
	return docs[0], nil
}

// Reload replaces the document's state with the stored state, discarding
// local mutations.
func (c *Collection) Reload(ctx context.Context, doc *document.Document) error {
	fresh, err := c.Get(ctx, doc.ID())
	if err != nil {
		return err
	}
	doc.Overwrite(fresh)
	return nil
}

// Delete removes the document after running deletion rules over every
// registered document type that references this one. A deny rule anywhere
// aborts the whole operation before anything is touched.
func (c *Collection) Delete(ctx context.Context, doc *document.Document) error {
	start := time.Now()
	c.emit(createEvent(DocumentDeleteStart, c.schema.Name(), c.Name(), doc.ID(), doc, nil, time.Time{}))
	err := c.doDelete(ctx, doc)
	if err != nil {
		msg := err.Error()
		c.emit(createEvent(DocumentDeleteFailed, c.schema.Name(), c.Name(), doc.ID(), doc, &msg, start))
		return err
	}
	c.emit(createEvent(DocumentDeleteSuccess, c.schema.Name(), c.Name(), doc.ID(), doc, nil, start))
	return nil
}

func (c *Collection) doDelete(ctx context.Context, doc *document.Document) error {
	id := doc.ID()
	if id == nil {
		return &schema.NotFoundError{Schema: c.schema.Name()}
	}
	if err := c.applyDeletionRules(ctx, id); err != nil {
		return err
	}
	deleted, err := c.backend.Delete(ctx, c.Name(), c.subtypeFilter(bson.M{schema.IDStorageName: id}))
	if err != nil {
		return err
	}
	if deleted == 0 {
		return &schema.NotFoundError{Schema: c.schema.Name(), ID: id}
	}
	c.logger.Debug("deleted document", zap.Any("id", id))
	return nil
}

// applyDeletionRules walks reverse references to this schema. Deny rules are
// checked across all referrers before any destructive rule runs.
func (c *Collection) applyDeletionRules(ctx context.Context, id any) error {
	refs := c.db.registry.ReverseReferences(c.schema.Name())
	if len(refs) == 0 {
		return nil
	}

	for _, rr := range refs {
		if rr.Rule != schema.DeleteRuleDeny {
			continue
		}
		referrer, filter, err := c.reverseFilter(rr, id)
		if err != nil {
			return err
		}
		remaining, err := referrer.ExecuteCount(ctx, filter)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return &schema.OperationNotAllowedError{
				Schema:    c.schema.Name(),
				Referrer:  rr.Referrer,
				Field:     rr.Field,
				Remaining: remaining,
			}
		}
	}

	for _, rr := range refs {
		referrer, filter, err := c.reverseFilter(rr, id)
		if err != nil {
			return err
		}
		path := filterPath(referrer.schema, rr.Field)
		switch rr.Rule {
		case schema.DeleteRuleCascade:
			docs, err := referrer.ExecuteFind(ctx, filter, nil)
			if err != nil {
				return err
			}
			for _, dependent := range docs {
				if err := referrer.Delete(ctx, dependent); err != nil {
					return err
				}
			}
		case schema.DeleteRuleNullify:
			if _, err := referrer.ExecuteUpdate(ctx, filter, bson.M{"$unset": bson.M{path: ""}}); err != nil {
				return err
			}
		case schema.DeleteRulePull:
			if _, err := referrer.ExecuteUpdate(ctx, filter, bson.M{"$pull": bson.M{path: id}}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collection) reverseFilter(rr schema.ReverseReference, id any) (*Collection, bson.M, error) {
	referrer, err := c.db.collectionFor(rr.Referrer)
	if err != nil {
		return nil, nil, err
	}
	filter := referrer.subtypeFilter(bson.M{filterPath(referrer.schema, rr.Field): id})
	return referrer, filter, nil
}

func filterPath(s *schema.Schema, fieldName string) string {
	if f, ok := s.Field(fieldName); ok {
		return f.StorageName()
	}
	return fieldName
}

// ExecuteFind implements query.Executor: run a translated find and decode
// every record into a document instance.
func (c *Collection) ExecuteFind(ctx context.Context, filter bson.M, opts *query.FindOptions) ([]*document.Document, error) {
	cur, err := c.backend.Find(ctx, c.Name(), c.subtypeFilter(filter), opts)
	if err != nil {
		return nil, err
	}
	records, err := Drain(ctx, cur)
	if err != nil {
		return nil, err
	}
	docs := make([]*document.Document, 0, len(records))
	for _, rec := range records {
		doc, err := document.FromStorage(c.schema, rec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		c.emit(createEvent(DocumentLoaded, doc.SchemaName(), c.Name(), doc.ID(), doc, nil, time.Time{}))
	}
	return docs, nil
}

// ExecuteCount implements query.Executor.
func (c *Collection) ExecuteCount(ctx context.Context, filter bson.M) (int64, error) {
	return c.backend.Count(ctx, c.Name(), c.subtypeFilter(filter))
}

// ExecuteUpdate implements query.Executor: a direct multi-document update
// that bypasses loaded instances.
func (c *Collection) ExecuteUpdate(ctx context.Context, filter bson.M, update bson.M) (int64, error) {
	result, err := c.backend.Update(ctx, c.Name(), c.subtypeFilter(filter), update, false)
	if err != nil {
		return 0, err
	}
	return result.Matched, nil
}

// ExecuteDelete implements query.Executor: a direct multi-document delete.
// Deletion rules do not run here; rule-aware removal goes through Delete.
func (c *Collection) ExecuteDelete(ctx context.Context, filter bson.M) (int64, error) {
	return c.backend.Delete(ctx, c.Name(), c.subtypeFilter(filter))
}

// Aggregate passes a pipeline straight to the backend when it supports one.
func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.M) ([]map[string]any, error) {
	agg, ok := c.backend.(Aggregator)
	if !ok {
		return nil, fmt.Errorf("backend does not support aggregation")
	}
	cur, err := agg.Aggregate(ctx, c.Name(), pipeline)
	if err != nil {
		return nil, err
	}
	return Drain(ctx, cur)
}
