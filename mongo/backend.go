// Package mongo adapts the official MongoDB driver to the StorageBackend
// contract. Filters and update documents pass through untranslated; the
// server applies them natively.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/asaidimu/go-odm/core/persistence"
	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/core/schema"
)

// Backend wraps one driver database handle.
type Backend struct {
	db     *mongodrv.Database
	logger *zap.Logger
}

var _ persistence.StorageBackend = (*Backend)(nil)
var _ persistence.UniqueIndexer = (*Backend)(nil)
var _ persistence.Aggregator = (*Backend)(nil)

// New wraps an already-connected driver database. logger may be nil.
func New(db *mongodrv.Database, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{db: db, logger: logger}
}

// Connect dials a MongoDB deployment and binds to the named database.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Backend, error) {
	client, err := mongodrv.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return New(client.Database(database), logger), nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.db.Client().Disconnect(ctx)
}

func (b *Backend) EnsureUnique(ctx context.Context, collection, field string) error {
	_, err := b.db.Collection(collection).Indexes().CreateOne(ctx, mongodrv.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	if err != nil {
		return fmt.Errorf("create unique index on %s.%s: %w", collection, field, err)
	}
	return nil
}

func (b *Backend) Find(ctx context.Context, collection string, filter bson.M, opts *query.FindOptions) (persistence.Cursor, error) {
	findOpts := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			findOpts.SetSort(opts.Sort)
		}
		if opts.Skip > 0 {
			findOpts.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			findOpts.SetLimit(opts.Limit)
		}
		if len(opts.Projection) > 0 {
			findOpts.SetProjection(opts.Projection)
		}
	}
	cur, err := b.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find in %q: %w", collection, err)
	}
	return &driverCursor{cur: cur}, nil
}

func (b *Backend) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	n, err := b.db.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count in %q: %w", collection, err)
	}
	return n, nil
}

func (b *Backend) Insert(ctx context.Context, collection string, record bson.D) (any, error) {
	res, err := b.db.Collection(collection).InsertOne(ctx, record)
	if err != nil {
		return nil, b.translateWriteError(collection, err)
	}
	b.logger.Debug("inserted record", zap.String("collection", collection))
	return res.InsertedID, nil
}

func (b *Backend) Update(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) (*persistence.UpdateResult, error) {
	res, err := b.db.Collection(collection).UpdateMany(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return nil, b.translateWriteError(collection, err)
	}
	return &persistence.UpdateResult{
		Matched:    res.MatchedCount,
		Modified:   res.ModifiedCount,
		UpsertedID: res.UpsertedID,
	}, nil
}

func (b *Backend) Delete(ctx context.Context, collection string, filter bson.M) (int64, error) {
	res, err := b.db.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete in %q: %w", collection, err)
	}
	return res.DeletedCount, nil
}

func (b *Backend) Aggregate(ctx context.Context, collection string, pipeline []bson.M) (persistence.Cursor, error) {
	cur, err := b.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate in %q: %w", collection, err)
	}
	return &driverCursor{cur: cur}, nil
}

// translateWriteError keeps native duplicate-key errors from leaking.
func (b *Backend) translateWriteError(collection string, err error) error {
	if mongodrv.IsDuplicateKeyError(err) {
		return &schema.DuplicateKeyError{Collection: collection, Cause: err}
	}
	return fmt.Errorf("write to %q: %w", collection, err)
}

// driverCursor adapts the driver cursor to the backend contract.
type driverCursor struct {
	cur *mongodrv.Cursor
}

func (c *driverCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c *driverCursor) Record() (map[string]any, error) {
	var rec bson.M
	if err := c.cur.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (c *driverCursor) Err() error { return c.cur.Err() }

func (c *driverCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
