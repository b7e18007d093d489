package query_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-odm/core/document"
	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/core/schema"
	"github.com/asaidimu/go-odm/internal/matching"
)

func blogSchema(t *testing.T) *schema.Schema {
	t.Helper()
	reg := schema.NewRegistry()
	author := schema.NewBuilder("Author").
		AddField(schema.NewStringField("name")).
		AddField(schema.NewIntField("age")).
		MustBuild()
	comment := schema.NewBuilder("Comment").
		AddField(schema.NewStringField("body")).
		MustBuild()
	post := schema.NewBuilder("Post").
		AddField(schema.NewStringField("title")).
		AddField(schema.NewIntField("views")).
		AddField(schema.NewListField("tags", schema.NewStringField("tag"))).
		AddField(schema.NewEmbeddedField("author", "Author")).
		AddField(schema.NewListField("comments", schema.NewEmbeddedField("comment", "Comment"))).
		MustBuild()
	reg.MustRegister(author)
	reg.MustRegister(comment)
	reg.MustRegister(post)
	return post
}

func translate(t *testing.T, s *schema.Schema, conds map[string]any) bson.M {
	t.Helper()
	filter, err := query.NewQ(conds).Translate(s)
	require.NoError(t, err)
	return filter
}

func TestTranslateConditions(t *testing.T) {
	s := blogSchema(t)

	t.Run("bare path is equality", func(t *testing.T) {
		assert.Equal(t, bson.M{"title": "go"}, translate(t, s, map[string]any{"title": "go"}))
	})

	t.Run("operands convert through the field descriptor", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"views": bson.M{"$gt": int64(10)}},
			translate(t, s, map[string]any{"views__gt": 10}))
	})

	t.Run("scalar against a list field converts through its element", func(t *testing.T) {
		assert.Equal(t, bson.M{"tags": "odm"}, translate(t, s, map[string]any{"tags": "odm"}))
	})

	t.Run("membership converts every element", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"views": bson.M{"$in": bson.A{int64(1), int64(2)}}},
			translate(t, s, map[string]any{"views__in": []any{1, 2}}))
	})

	t.Run("string operators escape their operand", func(t *testing.T) {
		filter := translate(t, s, map[string]any{"title__icontains": "a.b"})
		assert.Equal(t, bson.M{"title": primitive.Regex{Pattern: `a\.b`, Options: "i"}}, filter)
	})

	t.Run("anchored string operators", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"title": primitive.Regex{Pattern: "^go"}},
			translate(t, s, map[string]any{"title__startswith": "go"}))
		assert.Equal(t,
			bson.M{"title": primitive.Regex{Pattern: `^go$`, Options: "i"}},
			translate(t, s, map[string]any{"title__iexact": "go"}))
	})

	t.Run("structural operators", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"tags": bson.M{"$size": int64(3)}},
			translate(t, s, map[string]any{"tags__size": 3}))
		assert.Equal(t,
			bson.M{"title": bson.M{"$exists": false}},
			translate(t, s, map[string]any{"title__exists": false}))
		assert.Equal(t,
			bson.M{"views": bson.M{"$mod": bson.A{int64(4), int64(0)}}},
			translate(t, s, map[string]any{"views__mod": []any{4, 0}}))
	})

	t.Run("match validates the pattern", func(t *testing.T) {
		_, err := query.NewQ(map[string]any{"title__match": "["}).Translate(s)
		var invalid *schema.InvalidQueryError
		require.Error(t, err)
		assert.True(t, errors.As(err, &invalid))
	})
}

func TestTranslateNegation(t *testing.T) {
	s := blogSchema(t)

	t.Run("not before an operator wraps it", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"views": bson.M{"$not": bson.M{"$gt": int64(10)}}},
			translate(t, s, map[string]any{"views__not__gt": 10}))
	})

	t.Run("negated equality goes through eq", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"title": bson.M{"$not": bson.M{"$eq": "go"}}},
			translate(t, s, map[string]any{"title__not__exact": "go"}))
	})

	t.Run("negated pattern operators keep the regex under not", func(t *testing.T) {
		filter := translate(t, s, map[string]any{"title__not__contains": "go"})
		assert.Equal(t,
			bson.M{"title": bson.M{"$not": primitive.Regex{Pattern: "go"}}},
			filter)
		assert.False(t, matching.Matches(filter, map[string]any{"title": "golang weekly"}))
		assert.True(t, matching.Matches(filter, map[string]any{"title": "rust weekly"}))
	})

	t.Run("negated case-insensitive match keeps options", func(t *testing.T) {
		filter := translate(t, s, map[string]any{"title__not__icontains": "go"})
		assert.Equal(t,
			bson.M{"title": bson.M{"$not": primitive.Regex{Pattern: "go", Options: "i"}}},
			filter)
		assert.False(t, matching.Matches(filter, map[string]any{"title": "GO news"}))
	})

	t.Run("trailing not is rejected", func(t *testing.T) {
		_, err := query.NewQ(map[string]any{"title__not": "go"}).Translate(s)
		var invalid *schema.InvalidQueryError
		require.Error(t, err)
		assert.True(t, errors.As(err, &invalid))
	})
}

func TestTranslatePathResolution(t *testing.T) {
	s := blogSchema(t)

	t.Run("embedded fields resolve to dotted paths", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"author.name": primitive.Regex{Pattern: "ann", Options: "i"}},
			translate(t, s, map[string]any{"author__name__icontains": "ann"}))
	})

	t.Run("lists of embedded documents resolve through the element", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"comments.body": "thanks"},
			translate(t, s, map[string]any{"comments__body": "thanks"}))
	})

	t.Run("unknown fields fail on closed schemas", func(t *testing.T) {
		_, err := query.NewQ(map[string]any{"subtitle": "x"}).Translate(s)
		var invalid *schema.InvalidQueryError
		require.Error(t, err)
		assert.True(t, errors.As(err, &invalid))
	})

	t.Run("unknown operators fail", func(t *testing.T) {
		_, err := query.NewQ(map[string]any{"title__regexx": "x"}).Translate(s)
		var invalid *schema.InvalidQueryError
		require.Error(t, err)
		assert.True(t, errors.As(err, &invalid))
	})

	t.Run("dynamic schemas pass unknown paths through verbatim", func(t *testing.T) {
		dyn := schema.NewBuilder("Free").Dynamic().MustBuild()
		assert.Equal(t,
			bson.M{"payload.depth": bson.M{"$gt": 5}},
			translate(t, dyn, map[string]any{"payload__depth__gt": 5}))
	})
}

func TestTranslateSamePathConditions(t *testing.T) {
	s := blogSchema(t)

	t.Run("operator conditions on one path merge", func(t *testing.T) {
		assert.Equal(t,
			bson.M{"views": bson.M{"$gte": int64(10), "$lte": int64(20)}},
			translate(t, s, map[string]any{"views__gte": 10, "views__lte": 20}))
	})

	t.Run("an unmergeable pair falls back to a conjunction", func(t *testing.T) {
		filter := translate(t, s, map[string]any{"views": 5, "views__gt": 1})
		conj, ok := filter["$and"].(bson.A)
		require.True(t, ok)
		assert.Len(t, conj, 2)
	})
}

func TestQCombinators(t *testing.T) {
	s := blogSchema(t)
	a := query.NewQ(map[string]any{"title": "go"})
	b := query.NewQ(map[string]any{"views__gt": 10})

	t.Run("and", func(t *testing.T) {
		filter, err := a.And(b).Translate(s)
		require.NoError(t, err)
		assert.Equal(t, bson.M{"$and": bson.A{
			bson.M{"title": "go"},
			bson.M{"views": bson.M{"$gt": int64(10)}},
		}}, filter)
	})

	t.Run("or", func(t *testing.T) {
		filter, err := a.Or(b).Translate(s)
		require.NoError(t, err)
		assert.Equal(t, bson.M{"$or": bson.A{
			bson.M{"title": "go"},
			bson.M{"views": bson.M{"$gt": int64(10)}},
		}}, filter)
	})

	t.Run("not", func(t *testing.T) {
		filter, err := a.Not().Translate(s)
		require.NoError(t, err)
		assert.Equal(t, bson.M{"$nor": bson.A{bson.M{"title": "go"}}}, filter)
	})

	t.Run("empty operands vanish", func(t *testing.T) {
		filter, err := query.NewQ(nil).And(a).Translate(s)
		require.NoError(t, err)
		assert.Equal(t, bson.M{"title": "go"}, filter)
	})

	t.Run("combinators leave their operands untouched", func(t *testing.T) {
		_ = a.And(b).Or(a.Not())
		filter, err := a.Translate(s)
		require.NoError(t, err)
		assert.Equal(t, bson.M{"title": "go"}, filter)
	})
}

// fakeExecutor records the translated queries a QuerySet hands it and serves
// canned results.
type fakeExecutor struct {
	schema *schema.Schema
	docs   []*document.Document
	count  int64

	findCalls  int
	lastFilter bson.M
	lastOpts   *query.FindOptions
	lastUpdate bson.M
}

func (f *fakeExecutor) QuerySchema() *schema.Schema { return f.schema }

func (f *fakeExecutor) ExecuteFind(_ context.Context, filter bson.M, opts *query.FindOptions) ([]*document.Document, error) {
	f.findCalls++
	f.lastFilter = filter
	f.lastOpts = opts
	docs := f.docs
	if opts != nil && opts.Limit > 0 && int64(len(docs)) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

func (f *fakeExecutor) ExecuteCount(_ context.Context, filter bson.M) (int64, error) {
	f.lastFilter = filter
	return f.count, nil
}

func (f *fakeExecutor) ExecuteUpdate(_ context.Context, filter bson.M, update bson.M) (int64, error) {
	f.lastFilter = filter
	f.lastUpdate = update
	return f.count, nil
}

func (f *fakeExecutor) ExecuteDelete(_ context.Context, filter bson.M) (int64, error) {
	f.lastFilter = filter
	return f.count, nil
}

func post(t *testing.T, s *schema.Schema, title string) *document.Document {
	t.Helper()
	doc, err := document.New(s, map[string]any{"title": title})
	require.NoError(t, err)
	return doc
}

func TestQuerySetChainingIsImmutable(t *testing.T) {
	s := blogSchema(t)
	exec := &fakeExecutor{schema: s}
	base := query.NewQuerySet(exec).Filter(map[string]any{"title": "go"})

	refined := base.Filter(map[string]any{"views__gt": 10}).OrderBy("-views").Skip(5).Limit(2)

	baseFilter, err := base.FilterDoc()
	require.NoError(t, err)
	assert.Equal(t, bson.M{"title": "go"}, baseFilter)

	refinedFilter, err := refined.FilterDoc()
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$and": bson.A{
		bson.M{"title": "go"},
		bson.M{"views": bson.M{"$gt": int64(10)}},
	}}, refinedFilter)

	_, err = refined.All(context.Background())
	require.NoError(t, err)
	require.NotNil(t, exec.lastOpts)
	assert.Equal(t, bson.D{{Key: "views", Value: int32(-1)}}, exec.lastOpts.Sort)
	assert.Equal(t, int64(5), exec.lastOpts.Skip)
	assert.Equal(t, int64(2), exec.lastOpts.Limit)
}

func TestQuerySetCachesResults(t *testing.T) {
	s := blogSchema(t)
	exec := &fakeExecutor{schema: s, docs: []*document.Document{post(t, s, "one")}}
	qs := query.NewQuerySet(exec)

	first, err := qs.All(context.Background())
	require.NoError(t, err)
	second, err := qs.All(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, exec.findCalls)
	assert.Equal(t, first, second)

	t.Run("a refinement evaluates afresh", func(t *testing.T) {
		_, err := qs.Filter(map[string]any{"title": "one"}).All(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, exec.findCalls)
	})
}

func TestQuerySetOne(t *testing.T) {
	s := blogSchema(t)

	t.Run("no match", func(t *testing.T) {
		exec := &fakeExecutor{schema: s}
		_, err := query.NewQuerySet(exec).One(context.Background())
		var notFound *schema.NotFoundError
		require.Error(t, err)
		assert.True(t, errors.As(err, &notFound))
	})

	t.Run("one match", func(t *testing.T) {
		exec := &fakeExecutor{schema: s, docs: []*document.Document{post(t, s, "only")}}
		doc, err := query.NewQuerySet(exec).One(context.Background())
		require.NoError(t, err)
		title, _ := doc.GetString("title")
		assert.Equal(t, "only", title)
	})

	t.Run("too many matches", func(t *testing.T) {
		exec := &fakeExecutor{schema: s, docs: []*document.Document{post(t, s, "a"), post(t, s, "b")}}
		_, err := query.NewQuerySet(exec).One(context.Background())
		var multiple *schema.MultipleResultsError
		require.Error(t, err)
		assert.True(t, errors.As(err, &multiple))
	})

	t.Run("first tolerates absence", func(t *testing.T) {
		exec := &fakeExecutor{schema: s}
		doc, err := query.NewQuerySet(exec).First(context.Background())
		require.NoError(t, err)
		assert.Nil(t, doc)
	})
}

func TestQuerySetExclude(t *testing.T) {
	s := blogSchema(t)
	exec := &fakeExecutor{schema: s}
	filter, err := query.NewQuerySet(exec).Exclude(map[string]any{"title": "go"}).FilterDoc()
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$nor": bson.A{bson.M{"title": "go"}}}, filter)
}

func TestQuerySetProjection(t *testing.T) {
	s := blogSchema(t)
	exec := &fakeExecutor{schema: s}
	_, err := query.NewQuerySet(exec).Only("title", "author__name").All(context.Background())
	require.NoError(t, err)
	require.NotNil(t, exec.lastOpts)
	assert.Equal(t, bson.M{"title": 1, "author.name": 1}, exec.lastOpts.Projection)
}

func TestQuerySetUpdateTranslation(t *testing.T) {
	s := blogSchema(t)
	exec := &fakeExecutor{schema: s, count: 3}
	qs := query.NewQuerySet(exec).Filter(map[string]any{"title": "go"})

	n, err := qs.Update(context.Background(), map[string]any{
		"set__title": "renamed",
		"inc__views": 2,
		"push__tags": "fresh",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, bson.M{
		"$set":  bson.M{"title": "renamed"},
		"$inc":  bson.M{"views": 2},
		"$push": bson.M{"tags": "fresh"},
	}, exec.lastUpdate)

	t.Run("bare keys mean set", func(t *testing.T) {
		_, err := qs.Update(context.Background(), map[string]any{"title": "plain"})
		require.NoError(t, err)
		assert.Equal(t, bson.M{"$set": bson.M{"title": "plain"}}, exec.lastUpdate)
	})

	t.Run("unset ignores its operand", func(t *testing.T) {
		_, err := qs.Update(context.Background(), map[string]any{"unset__views": true})
		require.NoError(t, err)
		assert.Equal(t, bson.M{"$unset": bson.M{"views": ""}}, exec.lastUpdate)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := qs.Update(context.Background(), map[string]any{"subtitle": "x"})
		var invalid *schema.InvalidQueryError
		require.Error(t, err)
		assert.True(t, errors.As(err, &invalid))
	})
}
