// Package sqlite provides a StorageBackend over an embedded SQLite database.
// Each collection is a two-column table of identity and extended-JSON record;
// filter and update semantics run in process, so the backend behaves exactly
// like the other stores while persisting to a single file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/asaidimu/go-odm/core/persistence"
	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/core/schema"
	"github.com/asaidimu/go-odm/internal/matching"
	"github.com/asaidimu/go-odm/internal/updates"
)

// dbRunner abstracts the shared surface of *sql.DB and *sql.Tx so the same
// statement helpers serve both transactional and direct execution.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Backend is a SQLite-backed document store.
type Backend struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	tables  map[string]bool
	uniques map[string]map[string]struct{}
}

var _ persistence.StorageBackend = (*Backend)(nil)
var _ persistence.UniqueIndexer = (*Backend)(nil)

// Open opens (creating if needed) a SQLite database at dsn. logger may be
// nil.
func Open(dsn string, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite database: %w", err)
	}
	return &Backend{
		db:      db,
		logger:  logger,
		tables:  map[string]bool{},
		uniques: map[string]map[string]struct{}{},
	}, nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.db.Close()
}

// EnsureUnique implements persistence.UniqueIndexer. Uniqueness is enforced
// at write time against the decoded records.
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

func (b *Backend) uniqueFields(collection string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.uniques[collection]))
	for field := range b.uniques[collection] {
		out = append(out, field)
	}
	return out
}

// ensureTable creates the collection's table on first touch.
func (b *Backend) ensureTable(ctx context.Context, collection string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables[collection] {
		return nil
	}
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, record TEXT NOT NULL)`,
		collection,
	)
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %q: %w", collection, err)
	}
	b.tables[collection] = true
	return nil
}

// encodeRecord serializes a record as canonical extended JSON so ObjectIDs
// and timestamps survive the round trip.
func encodeRecord(rec map[string]any) (string, error) {
	data, err := bson.MarshalExtJSON(bson.M(rec), true, false)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(data), nil
}

func decodeRecord(data string) (map[string]any, error) {
	var rec bson.M
	if err := bson.UnmarshalExtJSON([]byte(data), true, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// identityString keys the id column. Identities of any wire type encode
// canonically.
func identityString(id any) (string, error) {
	data, err := bson.MarshalExtJSON(bson.M{"id": id}, true, false)
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	return string(data), nil
}

// loadMatching reads every record of a collection and filters in process.
func (b *Backend) loadMatching(ctx context.Context, runner dbRunner, collection string, filter bson.M) ([]string, []map[string]any, error) {
	rows, err := runner.QueryContext(ctx, fmt.Sprintf(`SELECT id, record FROM %q`, collection))
	if err != nil {
		return nil, nil, fmt.Errorf("query collection %q: %w", collection, err)
	}
	defer rows.Close()

	var (
		ids     []string
		records []map[string]any
	)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, nil, err
		}
		if matching.Matches(filter, rec) {
			ids = append(ids, id)
			records = append(records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return ids, records, nil
}

func (b *Backend) Find(ctx context.Context, collection string, filter bson.M, opts *query.FindOptions) (persistence.Cursor, error) {
	if err := b.ensureTable(ctx, collection); err != nil {
		return nil, err
	}
	_, records, err := b.loadMatching(ctx, b.db, collection, filter)
	if err != nil {
		return nil, err
	}
	records = persistence.ApplyFindOptions(records, opts)
	return persistence.NewSliceCursor(records), nil
}

func (b *Backend) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	if err := b.ensureTable(ctx, collection); err != nil {
		return 0, err
	}
	_, records, err := b.loadMatching(ctx, b.db, collection, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func (b *Backend) Insert(ctx context.Context, collection string, record bson.D) (any, error) {
	if err := b.ensureTable(ctx, collection); err != nil {
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
	key, err := identityString(id)
	if err != nil {
		return nil, err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := b.checkUniques(ctx, tx, collection, rec, key); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (id, record) VALUES (?, ?)`, collection), key, data); err != nil {
		if isConstraintError(err) {
			return nil, &schema.DuplicateKeyError{Collection: collection, Field: schema.IDStorageName, Cause: err}
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	b.logger.Debug("inserted record", zap.String("collection", collection))
	return id, nil
}

func (b *Backend) Update(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) (*persistence.UpdateResult, error) {
	if err := b.ensureTable(ctx, collection); err != nil {
		return nil, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids, records, err := b.loadMatching(ctx, tx, collection, filter)
	if err != nil {
		return nil, err
	}
	result := &persistence.UpdateResult{Matched: int64(len(records))}

	for i, rec := range records {
		changed, err := updates.Apply(update, rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		if err := b.checkUniques(ctx, tx, collection, rec, ids[i]); err != nil {
			return nil, err
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %q SET record = ? WHERE id = ?`, collection), data, ids[i]); err != nil {
			return nil, fmt.Errorf("update record: %w", err)
		}
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
		key, err := identityString(id)
		if err != nil {
			return nil, err
		}
		if err := b.checkUniques(ctx, tx, collection, rec, key); err != nil {
			return nil, err
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %q (id, record) VALUES (?, ?)`, collection), key, data); err != nil {
			return nil, fmt.Errorf("upsert record: %w", err)
		}
		result.UpsertedID = id
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Backend) Delete(ctx context.Context, collection string, filter bson.M) (int64, error) {
	if err := b.ensureTable(ctx, collection); err != nil {
		return 0, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ids, _, err := b.loadMatching(ctx, tx, collection, filter)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, collection), id); err != nil {
			return 0, fmt.Errorf("delete record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// checkUniques scans the collection for another record holding the same
// value in any registered unique field.
func (b *Backend) checkUniques(ctx context.Context, runner dbRunner, collection string, rec map[string]any, selfKey string) error {
	fields := b.uniqueFields(collection)
	if len(fields) == 0 {
		return nil
	}
	ids, records, err := b.loadMatching(ctx, runner, collection, bson.M{})
	if err != nil {
		return err
	}
	for _, field := range fields {
		value, ok := rec[field]
		if !ok || value == nil {
			continue
		}
		for i, existing := range records {
			if ids[i] == selfKey {
				continue
			}
			if matching.Equal(existing[field], value) {
				return &schema.DuplicateKeyError{Collection: collection, Field: field}
			}
		}
	}
	return nil
}

func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
