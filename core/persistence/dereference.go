package persistence

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/asaidimu/go-odm/core/document"
	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/core/schema"
)

// DereferenceOptions controls reference resolution.
type DereferenceOptions struct {
	// Fields restricts resolution to the named reference fields. Empty
	// means every reference field.
	Fields []string
	// Strict makes a dangling reference an error instead of a broken-Ref
	// marker.
	Strict bool
}

// Dereference resolves unresolved references across a batch of documents
// with one membership query per target document type, however many documents
// and reference fields feed it. Already-resolved references are skipped.
func (db *Database) Dereference(ctx context.Context, docs []*document.Document, opts *DereferenceOptions) error {
	if opts == nil {
		opts = &DereferenceOptions{}
	}
	wanted := map[string]bool{}
	for _, name := range opts.Fields {
		wanted[name] = true
	}

	// Group pending refs by target schema, one bucket of distinct ids each.
	pending := map[string][]*schema.Ref{}
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		collectRefs(doc, wanted, pending)
	}
	if len(pending) == 0 {
		return nil
	}

	for target, refs := range pending {
		if err := db.resolveBatch(ctx, target, refs, opts.Strict); err != nil {
			return err
		}
	}
	return nil
}

// collectRefs walks a document's reference and list-of-reference fields and
// buckets every unresolved Ref by target schema.
func collectRefs(doc *document.Document, wanted map[string]bool, pending map[string][]*schema.Ref) {
	for _, f := range doc.Schema().Fields() {
		if len(wanted) > 0 && !wanted[f.Name()] {
			continue
		}
		value, _ := doc.Get(f.Name())
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case *schema.Ref:
			addPending(pending, v)
		case *document.List:
			for _, item := range v.Items() {
				if ref, ok := item.(*schema.Ref); ok {
					addPending(pending, ref)
				}
			}
		}
	}
}

func addPending(pending map[string][]*schema.Ref, ref *schema.Ref) {
	if ref.ID == nil || ref.IsBroken() {
		return
	}
	if _, done := ref.Resolved(); done {
		return
	}
	pending[ref.Target] = append(pending[ref.Target], ref)
}

// resolveBatch loads every distinct referenced identity of one target type
// in a single query and distributes the results.
func (db *Database) resolveBatch(ctx context.Context, target string, refs []*schema.Ref, strict bool) error {
	coll, err := db.collectionFor(target)
	if err != nil {
		return err
	}

	ids := make(bson.A, 0, len(refs))
	seen := map[any]bool{}
	for _, ref := range refs {
		key := identityKey(ref.ID)
		if seen[key] {
			continue
		}
		seen[key] = true
		ids = append(ids, ref.ID)
	}

	loaded, err := coll.ExecuteFind(ctx, bson.M{schema.IDStorageName: bson.M{"$in": ids}}, &query.FindOptions{})
	if err != nil {
		return err
	}
	byID := make(map[any]*document.Document, len(loaded))
	for _, doc := range loaded {
		byID[identityKey(doc.ID())] = doc
	}
	db.logger.Debug("resolved reference batch",
		zap.String("target", target),
		zap.Int("requested", len(ids)),
		zap.Int("found", len(loaded)))

	for _, ref := range refs {
		resolved, ok := byID[identityKey(ref.ID)]
		if !ok {
			if strict {
				return &schema.DanglingReferenceError{Target: target, ID: ref.ID}
			}
			ref.MarkBroken()
			continue
		}
		ref.SetResolved(resolved)
	}
	return nil
}

// identityKey makes identities usable as map keys; unhashable identities
// fall back to their string form.
func identityKey(id any) any {
	switch id.(type) {
	case bson.A, bson.M, bson.D, []any, map[string]any:
		return stringify(id)
	}
	return id
}

func stringify(id any) string {
	b, err := bson.MarshalExtJSON(bson.M{"v": id}, true, false)
	if err != nil {
		return ""
	}
	return string(b)
}
