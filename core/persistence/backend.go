// Package persistence binds schemas, documents, and queries to a storage
// backend: collection lifecycles, delta saves, deletion rules, reference
// resolution, and the event bus around it all.
package persistence

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-odm/core/query"
)

// UpdateResult reports what an update touched.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID any
}

// Cursor streams stored records. Callers must Close it.
type Cursor interface {
	Next(ctx context.Context) bool
	Record() (map[string]any, error)
	Err() error
	Close(ctx context.Context) error
}

// StorageBackend is the full contract a store must satisfy to host
// collections. Backends speak wire-level filter and update documents and
// know nothing about schemas; every method must honor context cancellation.
// Native duplicate-key failures must surface as *schema.DuplicateKeyError.
type StorageBackend interface {
	Find(ctx context.Context, collection string, filter bson.M, opts *query.FindOptions) (Cursor, error)
	Count(ctx context.Context, collection string, filter bson.M) (int64, error)
	Insert(ctx context.Context, collection string, record bson.D) (any, error)
	Update(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) (*UpdateResult, error)
	Delete(ctx context.Context, collection string, filter bson.M) (int64, error)
	Close(ctx context.Context) error
}

// Aggregator is implemented by backends that can run aggregation pipelines
// natively. Collections expose Aggregate only over such backends.
type Aggregator interface {
	Aggregate(ctx context.Context, collection string, pipeline []bson.M) (Cursor, error)
}

// UniqueIndexer is implemented by backends that can enforce uniqueness.
// Collections ask for an index per unique field before their first write.
type UniqueIndexer interface {
	EnsureUnique(ctx context.Context, collection, field string) error
}

// sliceCursor adapts an in-memory result set to the Cursor contract. The
// embedded backends return it.
type sliceCursor struct {
	records []map[string]any
	pos     int
}

// NewSliceCursor wraps pre-fetched records in a Cursor.
func NewSliceCursor(records []map[string]any) Cursor {
	return &sliceCursor{records: records, pos: -1}
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.pos++
	return c.pos < len(c.records)
}

func (c *sliceCursor) Record() (map[string]any, error) {
	return c.records[c.pos], nil
}

func (c *sliceCursor) Err() error { return nil }

func (c *sliceCursor) Close(ctx context.Context) error { return nil }

// Drain reads every remaining record off a cursor and closes it.
func Drain(ctx context.Context, cur Cursor) ([]map[string]any, error) {
	defer cur.Close(ctx)
	var out []map[string]any
	for cur.Next(ctx) {
		rec, err := cur.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
