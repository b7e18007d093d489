// Package memory provides an in-process StorageBackend backed by plain maps,
// with the same filter and update semantics the wire-level backends apply.
// It is the reference store for tests and small tools.
package memory

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/asaidimu/go-odm/core/persistence"
	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/core/schema"
	"github.com/asaidimu/go-odm/internal/matching"
	"github.com/asaidimu/go-odm/internal/updates"
)

// Backend is an in-memory document store. Safe for concurrent use.
type Backend struct {
	mu          sync.RWMutex
	collections map[string][]map[string]any
	uniques     map[string]map[string]struct{}
	logger      *zap.Logger
}

// New creates an empty store. logger may be nil.
func New(logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		collections: map[string][]map[string]any{},
		uniques:     map[string]map[string]struct{}{},
		logger:      logger,
	}
}

var _ persistence.StorageBackend = (*Backend)(nil)
var _ persistence.UniqueIndexer = (*Backend)(nil)

// EnsureUnique implements persistence.UniqueIndexer. Existing duplicates are
// not retroactively checked; writes are.
func (b *Backend) EnsureUnique(ctx context.Context, collection, field string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.uniques[collection]
	if !ok {
		set = map[string]struct{}{}
		b.uniques[collection] = set
	}
	set[field] = struct{}{}
	return nil
}

func (b *Backend) Find(ctx context.Context, collection string, filter bson.M, opts *query.FindOptions) (persistence.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []map[string]any
	for _, rec := range b.collections[collection] {
		if matching.Matches(filter, rec) {
			matched = append(matched, rec)
		}
	}
	matched = persistence.ApplyFindOptions(matched, opts)

	out := make([]map[string]any, len(matched))
	for i, rec := range matched {
		out[i] = copyRecord(rec, projection(opts))
	}
	return persistence.NewSliceCursor(out), nil
}

func (b *Backend) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, rec := range b.collections[collection] {
		if matching.Matches(filter, rec) {
			n++
		}
	}
	return n, nil
}

func (b *Backend) Insert(ctx context.Context, collection string, record bson.D) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := map[string]any{}
	for _, e := range record {
		rec[e.Key] = e.Value
	}
	id, ok := rec[schema.IDStorageName]
	if !ok {
		id = primitive.NewObjectID()
		rec[schema.IDStorageName] = id
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.collections[collection] {
		if matching.Equal(existing[schema.IDStorageName], id) {
			return nil, &schema.DuplicateKeyError{Collection: collection, Field: schema.IDStorageName}
		}
	}
	if err := b.checkUniques(collection, rec, id); err != nil {
		return nil, err
	}
	b.collections[collection] = append(b.collections[collection], rec)
	b.logger.Debug("inserted record", zap.String("collection", collection))
	return id, nil
}

func (b *Backend) Update(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) (*persistence.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	result := &persistence.UpdateResult{}
	recs := b.collections[collection]
	for i, rec := range recs {
		if !matching.Matches(filter, rec) {
			continue
		}
		result.Matched++
		// Apply against a staged copy so a failing unique check leaves the
		// stored record untouched.
		staged := copyRecord(rec, nil)
		changed, err := updates.Apply(update, staged)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		if err := b.checkUniques(collection, staged, staged[schema.IDStorageName]); err != nil {
			return nil, err
		}
		recs[i] = staged
		result.Modified++
	}

	if result.Matched == 0 && upsert {
		rec := persistence.SeedFromFilter(filter)
		if _, err := updates.Apply(update, rec); err != nil {
			return nil, err
		}
		id, ok := rec[schema.IDStorageName]
		if !ok {
			id = primitive.NewObjectID()
			rec[schema.IDStorageName] = id
		}
		if err := b.checkUniques(collection, rec, id); err != nil {
			return nil, err
		}
		b.collections[collection] = append(b.collections[collection], rec)
		result.UpsertedID = id
	}
	return result, nil
}

func (b *Backend) Delete(ctx context.Context, collection string, filter bson.M) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.collections[collection][:0]
	var removed int64
	for _, rec := range b.collections[collection] {
		if matching.Matches(filter, rec) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	b.collections[collection] = kept
	return removed, nil
}

func (b *Backend) Close(ctx context.Context) error { return nil }

// checkUniques scans for another record carrying the same value in any
// registered unique field. self excludes the record being written.
func (b *Backend) checkUniques(collection string, rec map[string]any, self any) error {
	for field := range b.uniques[collection] {
		value, ok := rec[field]
		if !ok || value == nil {
			continue
		}
		for _, existing := range b.collections[collection] {
			if matching.Equal(existing[schema.IDStorageName], self) {
				continue
			}
			if matching.Equal(existing[field], value) {
				return &schema.DuplicateKeyError{Collection: collection, Field: field}
			}
		}
	}
	return nil
}

func projection(opts *query.FindOptions) bson.M {
	if opts == nil {
		return nil
	}
	return opts.Projection
}

// copyRecord deep-copies a stored record so callers never alias store
// internals, applying the projection when one is set.
func copyRecord(rec map[string]any, proj bson.M) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if proj != nil && len(proj) > 0 {
			if _, keep := proj[k]; !keep && k != schema.IDStorageName && k != schema.DiscriminatorName {
				continue
			}
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case bson.M:
		out := make(bson.M, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			out[i] = bson.E{Key: e.Key, Value: copyValue(e.Value)}
		}
		return out
	}
	return v
}
