package query

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-odm/core/document"
	"github.com/asaidimu/go-odm/core/schema"
)

// FindOptions carries the non-filter parts of a find.
type FindOptions struct {
	Sort       bson.D
	Skip       int64
	Limit      int64
	Projection bson.M
}

// Executor runs translated queries against one collection. persistence
// collections implement it.
type Executor interface {
	QuerySchema() *schema.Schema
	ExecuteFind(ctx context.Context, filter bson.M, opts *FindOptions) ([]*document.Document, error)
	ExecuteCount(ctx context.Context, filter bson.M) (int64, error)
	ExecuteUpdate(ctx context.Context, filter bson.M, update bson.M) (int64, error)
	ExecuteDelete(ctx context.Context, filter bson.M) (int64, error)
}

// QuerySet is a lazy, immutable description of a query. Chaining methods
// return a new QuerySet; nothing touches the store until a terminal method
// runs. Results of a find are cached on the instance, so re-iterating an
// evaluated QuerySet costs nothing; any chained refinement starts a fresh,
// unevaluated copy.
type QuerySet struct {
	exec  Executor
	preds []Q
	sort  []string
	skip  int64
	limit int64
	only  []string

	cached []*document.Document
	done   bool
}

// NewQuerySet returns an unfiltered QuerySet over the executor's collection.
func NewQuerySet(exec Executor) *QuerySet {
	return &QuerySet{exec: exec}
}

func (qs *QuerySet) clone() *QuerySet {
	out := &QuerySet{
		exec:  qs.exec,
		preds: append([]Q(nil), qs.preds...),
		sort:  append([]string(nil), qs.sort...),
		skip:  qs.skip,
		limit: qs.limit,
		only:  append([]string(nil), qs.only...),
	}
	return out
}

// Filter restricts results to documents matching the conjoined conditions.
func (qs *QuerySet) Filter(conds map[string]any) *QuerySet {
	return qs.FilterQ(NewQ(conds))
}

// FilterQ restricts results with prebuilt predicates.
func (qs *QuerySet) FilterQ(preds ...Q) *QuerySet {
	out := qs.clone()
	for _, q := range preds {
		if !q.Empty() {
			out.preds = append(out.preds, q)
		}
	}
	return out
}

// Exclude restricts results to documents NOT matching the conditions.
func (qs *QuerySet) Exclude(conds map[string]any) *QuerySet {
	return qs.FilterQ(NewQ(conds).Not())
}

// OrderBy sorts results by the given logical field names; a leading "-"
// means descending. Later calls replace earlier ones.
func (qs *QuerySet) OrderBy(fields ...string) *QuerySet {
	out := qs.clone()
	out.sort = append([]string(nil), fields...)
	return out
}

// Skip drops the first n results.
func (qs *QuerySet) Skip(n int64) *QuerySet {
	out := qs.clone()
	out.skip = n
	return out
}

// Limit caps the number of results.
func (qs *QuerySet) Limit(n int64) *QuerySet {
	out := qs.clone()
	out.limit = n
	return out
}

// Only restricts the loaded fields to the named ones. Identity and
// discriminator entries always load.
func (qs *QuerySet) Only(fields ...string) *QuerySet {
	out := qs.clone()
	out.only = append([]string(nil), fields...)
	return out
}

// FilterDoc translates the accumulated predicates into one wire filter.
func (qs *QuerySet) FilterDoc() (bson.M, error) {
	s := qs.exec.QuerySchema()
	switch len(qs.preds) {
	case 0:
		return bson.M{}, nil
	case 1:
		return qs.preds[0].Translate(s)
	}
	return qs.preds[0].And(qs.preds[1:]...).Translate(s)
}

func (qs *QuerySet) findOptions() (*FindOptions, error) {
	s := qs.exec.QuerySchema()
	opts := &FindOptions{Skip: qs.skip, Limit: qs.limit}
	for _, spec := range qs.sort {
		dir := int32(1)
		name := spec
		if strings.HasPrefix(spec, "-") {
			dir = -1
			name = spec[1:]
		}
		path, err := storagePath(s, name)
		if err != nil {
			return nil, err
		}
		opts.Sort = append(opts.Sort, bson.E{Key: path, Value: dir})
	}
	if len(qs.only) > 0 {
		opts.Projection = bson.M{}
		for _, name := range qs.only {
			path, err := storagePath(s, name)
			if err != nil {
				return nil, err
			}
			opts.Projection[path] = 1
		}
	}
	return opts, nil
}

// All evaluates the query and returns every matching document. The result is
// cached; calling All again returns the cached snapshot without touching the
// store.
func (qs *QuerySet) All(ctx context.Context) ([]*document.Document, error) {
	if qs.done {
		return append([]*document.Document(nil), qs.cached...), nil
	}
	filter, err := qs.FilterDoc()
	if err != nil {
		return nil, err
	}
	opts, err := qs.findOptions()
	if err != nil {
		return nil, err
	}
	docs, err := qs.exec.ExecuteFind(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	qs.cached = docs
	qs.done = true
	return append([]*document.Document(nil), docs...), nil
}

// First returns the first match, or nil when nothing matches.
func (qs *QuerySet) First(ctx context.Context) (*document.Document, error) {
	docs, err := qs.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// One returns the single match. No match is a *schema.NotFoundError; more
// than one is a *schema.MultipleResultsError.
func (qs *QuerySet) One(ctx context.Context) (*document.Document, error) {
	docs, err := qs.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	name := qs.exec.QuerySchema().Name()
	switch len(docs) {
	case 0:
		return nil, &schema.NotFoundError{Schema: name}
	case 1:
		return docs[0], nil
	}
	return nil, &schema.MultipleResultsError{Schema: name}
}

// Count returns the number of matches without loading them.
func (qs *QuerySet) Count(ctx context.Context) (int64, error) {
	filter, err := qs.FilterDoc()
	if err != nil {
		return 0, err
	}
	return qs.exec.ExecuteCount(ctx, filter)
}

// Exists reports whether any document matches.
func (qs *QuerySet) Exists(ctx context.Context) (bool, error) {
	n, err := qs.Limit(1).Count(ctx)
	return n > 0, err
}

// Delete removes every matching document directly in the store and returns
// the removed count. Loaded instances are not consulted and deletion rules
// do not run; rule-aware removal goes through the collection.
func (qs *QuerySet) Delete(ctx context.Context) (int64, error) {
	filter, err := qs.FilterDoc()
	if err != nil {
		return 0, err
	}
	return qs.exec.ExecuteDelete(ctx, filter)
}

// Update applies operator-prefixed assignments to every match in the store
// and returns the matched count. Keys take the form op__field, with op one
// of set, unset, inc, push, pull; a bare field name means set.
func (qs *QuerySet) Update(ctx context.Context, updates map[string]any) (int64, error) {
	filter, err := qs.FilterDoc()
	if err != nil {
		return 0, err
	}
	op, err := translateUpdate(qs.exec.QuerySchema(), updates)
	if err != nil {
		return 0, err
	}
	return qs.exec.ExecuteUpdate(ctx, filter, op)
}

var updateOps = map[string]string{
	"set":   "$set",
	"unset": "$unset",
	"inc":   "$inc",
	"push":  "$push",
	"pull":  "$pull",
}

func translateUpdate(s *schema.Schema, updates map[string]any) (bson.M, error) {
	out := bson.M{}
	for key, value := range updates {
		segments := strings.Split(key, sep)
		wire := "$set"
		if mapped, ok := updateOps[segments[0]]; ok && len(segments) > 1 {
			wire = mapped
			segments = segments[1:]
		}
		path, field, rest, err := resolvePath(s, key, segments)
		if err != nil {
			return nil, err
		}
		if len(rest) > 0 {
			return nil, &schema.InvalidQueryError{
				Expression: key,
				Message:    "unknown field path " + strings.Join(segments, sep),
			}
		}

		var stored any
		switch wire {
		case "$unset":
			stored = ""
		case "$push":
			stored, err = convertValue(field, key, value)
		case "$inc":
			stored = value
		default:
			stored, err = convertValue(field, key, value)
		}
		if err != nil {
			return nil, err
		}

		bucket, ok := out[wire].(bson.M)
		if !ok {
			bucket = bson.M{}
			out[wire] = bucket
		}
		bucket[path] = stored
	}
	return out, nil
}

// storagePath resolves a logical, __-separated field path fully, with no
// trailing operator allowed.
func storagePath(s *schema.Schema, name string) (string, error) {
	segments := strings.Split(name, sep)
	path, _, rest, err := resolvePath(s, name, segments)
	if err != nil {
		return "", err
	}
	if len(rest) > 0 {
		return "", &schema.InvalidQueryError{
			Expression: name,
			Message:    "unknown field path " + name,
		}
	}
	return path, nil
}
