package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-odm/core/document"
	"github.com/asaidimu/go-odm/core/persistence"
	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/core/schema"
	"github.com/asaidimu/go-odm/memory"
)

// spyBackend wraps a real backend and counts calls per operation, so tests
// can assert how often the store was actually touched.
type spyBackend struct {
	persistence.StorageBackend

	mu      sync.Mutex
	finds   map[string]int
	updates int
}

func newSpy(inner persistence.StorageBackend) *spyBackend {
	return &spyBackend{StorageBackend: inner, finds: map[string]int{}}
}

func (s *spyBackend) Find(ctx context.Context, collection string, filter bson.M, opts *query.FindOptions) (persistence.Cursor, error) {
	s.mu.Lock()
	s.finds[collection]++
	s.mu.Unlock()
	return s.StorageBackend.Find(ctx, collection, filter, opts)
}

func (s *spyBackend) Update(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) (*persistence.UpdateResult, error) {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.StorageBackend.Update(ctx, collection, filter, update, upsert)
}

func (s *spyBackend) findCount(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds[collection]
}

func (s *spyBackend) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func newDatabase(t *testing.T, reg *schema.Registry) *persistence.Database {
	t.Helper()
	return persistence.NewDatabase(memory.New(nil), &persistence.Options{Registry: reg})
}

func taskSchema(reg *schema.Registry) *schema.Schema {
	return reg.MustRegister(schema.NewBuilder("Task").
		AddField(schema.NewStringField("title", schema.Required())).
		AddField(schema.NewIntField("priority")).
		AddField(schema.NewIntField("version")).
		AddField(schema.NewListField("labels", schema.NewStringField("label"))).
		MustBuild())
}

func TestSaveInsertsThenUpdatesByDelta(t *testing.T) {
	reg := schema.NewRegistry()
	task := taskSchema(reg)
	spy := newSpy(memory.New(nil))
	db := persistence.NewDatabase(spy, &persistence.Options{Registry: reg})
	coll := db.MustCollection(task)
	ctx := context.Background()

	doc, err := document.New(task, map[string]any{"title": "write tests", "priority": 1, "labels": []any{}})
	require.NoError(t, err)
	require.NoError(t, coll.Save(ctx, doc))
	assert.True(t, doc.Persisted())
	assert.NotNil(t, doc.ID())
	assert.Empty(t, doc.DirtyFields())

	t.Run("a clean save touches nothing", func(t *testing.T) {
		before := spy.updateCount()
		require.NoError(t, coll.Save(ctx, doc))
		assert.Equal(t, before, spy.updateCount())
	})

	t.Run("a dirty save updates only what changed", func(t *testing.T) {
		require.NoError(t, doc.Set("priority", 2))
		require.NoError(t, coll.Save(ctx, doc))
		assert.Empty(t, doc.DirtyFields())

		loaded, err := coll.Get(ctx, doc.ID())
		require.NoError(t, err)
		priority, err := loaded.GetInt("priority")
		require.NoError(t, err)
		assert.Equal(t, int64(2), priority)
		title, err := loaded.GetString("title")
		require.NoError(t, err)
		assert.Equal(t, "write tests", title)
	})

	t.Run("container mutations persist as structural updates", func(t *testing.T) {
		labels, err := doc.GetList("labels")
		require.NoError(t, err)
		labels.Append("urgent")
		require.NoError(t, coll.Save(ctx, doc))

		loaded, err := coll.Get(ctx, doc.ID())
		require.NoError(t, err)
		stored, err := loaded.GetList("labels")
		require.NoError(t, err)
		assert.Equal(t, []any{"urgent"}, stored.Items())
	})
}

func TestSaveValidatesBeforeTouchingTheStore(t *testing.T) {
	reg := schema.NewRegistry()
	task := taskSchema(reg)
	db := newDatabase(t, reg)
	coll := db.MustCollection(task)
	ctx := context.Background()

	doc, err := document.New(task, map[string]any{"priority": 1})
	require.NoError(t, err)

	err = coll.Save(ctx, doc)
	var validation *schema.ValidationError
	require.Error(t, err)
	require.True(t, errors.As(err, &validation))
	assert.True(t, validation.HasCode(schema.CodeRequiredFieldMissing))
	assert.False(t, doc.Persisted())

	n, err := coll.Query().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSaveWithCondition(t *testing.T) {
	reg := schema.NewRegistry()
	task := taskSchema(reg)
	db := newDatabase(t, reg)
	coll := db.MustCollection(task)
	ctx := context.Background()

	doc, err := document.New(task, map[string]any{"title": "guarded", "version": 1})
	require.NoError(t, err)
	require.NoError(t, coll.Save(ctx, doc))

	// Another copy wins the race.
	other, err := coll.Get(ctx, doc.ID())
	require.NoError(t, err)
	require.NoError(t, other.Set("version", 2))
	require.NoError(t, coll.Save(ctx, other))

	require.NoError(t, doc.Set("title", "stale write"))
	err = coll.SaveWithCondition(ctx, doc, map[string]any{"version": 1})
	var guard *schema.SaveConditionError
	require.Error(t, err)
	assert.True(t, errors.As(err, &guard))

	t.Run("local state stays dirty for retry", func(t *testing.T) {
		assert.Equal(t, []string{"title"}, doc.DirtyFields())
	})

	t.Run("the stored document is untouched", func(t *testing.T) {
		loaded, err := coll.Get(ctx, doc.ID())
		require.NoError(t, err)
		title, _ := loaded.GetString("title")
		assert.Equal(t, "guarded", title)
	})

	t.Run("a matching guard applies", func(t *testing.T) {
		err := coll.SaveWithCondition(ctx, doc, map[string]any{"version": 2})
		require.NoError(t, err)
		assert.Empty(t, doc.DirtyFields())
	})
}

func TestGetAndReload(t *testing.T) {
	reg := schema.NewRegistry()
	task := taskSchema(reg)
	db := newDatabase(t, reg)
	coll := db.MustCollection(task)
	ctx := context.Background()

	doc, err := document.New(task, map[string]any{"title": "original", "priority": 1})
	require.NoError(t, err)
	require.NoError(t, coll.Save(ctx, doc))

	t.Run("get by unknown identity", func(t *testing.T) {
		_, err := coll.Get(ctx, "no-such-id")
		var notFound *schema.NotFoundError
		require.Error(t, err)
		assert.True(t, errors.As(err, &notFound))
	})

	t.Run("reload discards local mutations", func(t *testing.T) {
		require.NoError(t, doc.Set("title", "scribbled"))
		require.NoError(t, coll.Reload(ctx, doc))
		title, _ := doc.GetString("title")
		assert.Equal(t, "original", title)
		assert.Empty(t, doc.DirtyFields())
	})
}

func TestQuerySetAgainstStore(t *testing.T) {
	reg := schema.NewRegistry()
	task := taskSchema(reg)
	db := newDatabase(t, reg)
	coll := db.MustCollection(task)
	ctx := context.Background()

	for i, title := range []string{"alpha", "beta", "gamma"} {
		doc, err := document.New(task, map[string]any{"title": title, "priority": i})
		require.NoError(t, err)
		require.NoError(t, coll.Save(ctx, doc))
	}

	t.Run("filtered find", func(t *testing.T) {
		docs, err := coll.Find(map[string]any{"priority__gte": 1}).OrderBy("-priority").All(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		title, _ := docs[0].GetString("title")
		assert.Equal(t, "gamma", title)
	})

	t.Run("one", func(t *testing.T) {
		doc, err := coll.Find(map[string]any{"title": "beta"}).One(ctx)
		require.NoError(t, err)
		priority, _ := doc.GetInt("priority")
		assert.Equal(t, int64(1), priority)
	})

	t.Run("bulk update", func(t *testing.T) {
		n, err := coll.Find(map[string]any{"priority__lt": 2}).Update(ctx, map[string]any{"inc__priority": 10})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("bulk delete skips deletion rules", func(t *testing.T) {
		n, err := coll.Find(map[string]any{"title": "gamma"}).Delete(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func libraryRegistry(rule schema.DeleteRule) (*schema.Registry, *schema.Schema, *schema.Schema) {
	reg := schema.NewRegistry()
	author := reg.MustRegister(schema.NewBuilder("Author").
		AddField(schema.NewStringField("name", schema.Required())).
		MustBuild())
	book := reg.MustRegister(schema.NewBuilder("Book").
		AddField(schema.NewStringField("title", schema.Required())).
		AddField(schema.NewReferenceField("author", "Author").OnDelete(rule)).
		MustBuild())
	return reg, author, book
}

func saveNew(t *testing.T, coll *persistence.Collection, values map[string]any) *document.Document {
	t.Helper()
	doc, err := document.New(coll.Schema(), values)
	require.NoError(t, err)
	require.NoError(t, coll.Save(context.Background(), doc))
	return doc
}

func TestDeletionRules(t *testing.T) {
	ctx := context.Background()

	t.Run("deny blocks while referenced", func(t *testing.T) {
		reg, authorS, bookS := libraryRegistry(schema.DeleteRuleDeny)
		db := newDatabase(t, reg)
		authors, books := db.MustCollection(authorS), db.MustCollection(bookS)

		author := saveNew(t, authors, map[string]any{"name": "ann"})
		book := saveNew(t, books, map[string]any{"title": "go odm", "author": author.ID()})

		err := authors.Delete(ctx, author)
		var denied *schema.OperationNotAllowedError
		require.Error(t, err)
		require.True(t, errors.As(err, &denied))
		assert.Equal(t, "Book", denied.Referrer)
		assert.Equal(t, int64(1), denied.Remaining)

		// Nothing was touched.
		_, err = authors.Get(ctx, author.ID())
		require.NoError(t, err)

		t.Run("removing the referrer unblocks", func(t *testing.T) {
			require.NoError(t, books.Delete(ctx, book))
			require.NoError(t, authors.Delete(ctx, author))
		})
	})

	t.Run("cascade removes dependents", func(t *testing.T) {
		reg, authorS, bookS := libraryRegistry(schema.DeleteRuleCascade)
		db := newDatabase(t, reg)
		authors, books := db.MustCollection(authorS), db.MustCollection(bookS)

		author := saveNew(t, authors, map[string]any{"name": "ann"})
		saveNew(t, books, map[string]any{"title": "one", "author": author.ID()})
		saveNew(t, books, map[string]any{"title": "two", "author": author.ID()})
		keeper := saveNew(t, books, map[string]any{"title": "unrelated"})

		require.NoError(t, authors.Delete(ctx, author))

		n, err := books.Query().Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		_, err = books.Get(ctx, keeper.ID())
		assert.NoError(t, err)
	})

	t.Run("nullify clears the pointer", func(t *testing.T) {
		reg, authorS, bookS := libraryRegistry(schema.DeleteRuleNullify)
		db := newDatabase(t, reg)
		authors, books := db.MustCollection(authorS), db.MustCollection(bookS)

		author := saveNew(t, authors, map[string]any{"name": "ann"})
		book := saveNew(t, books, map[string]any{"title": "orphaned", "author": author.ID()})

		require.NoError(t, authors.Delete(ctx, author))

		loaded, err := books.Get(ctx, book.ID())
		require.NoError(t, err)
		ref, err := loaded.GetRef("author")
		require.NoError(t, err)
		assert.Nil(t, ref)
	})

	t.Run("pull removes membership", func(t *testing.T) {
		reg := schema.NewRegistry()
		track := reg.MustRegister(schema.NewBuilder("Track").
			AddField(schema.NewStringField("name")).
			MustBuild())
		playlist := reg.MustRegister(schema.NewBuilder("Playlist").
			AddField(schema.NewStringField("name")).
			AddField(schema.NewListField("tracks",
				schema.NewReferenceField("track", "Track").OnDelete(schema.DeleteRulePull))).
			MustBuild())
		db := newDatabase(t, reg)
		tracks, playlists := db.MustCollection(track), db.MustCollection(playlist)

		a := saveNew(t, tracks, map[string]any{"name": "a"})
		b := saveNew(t, tracks, map[string]any{"name": "b"})
		list := saveNew(t, playlists, map[string]any{"name": "mix", "tracks": []any{a.ID(), b.ID()}})

		require.NoError(t, tracks.Delete(ctx, a))

		loaded, err := playlists.Get(ctx, list.ID())
		require.NoError(t, err)
		remaining, err := loaded.GetList("tracks")
		require.NoError(t, err)
		require.Equal(t, 1, remaining.Len())
		ref, ok := remaining.Get(0)
		require.True(t, ok)
		assert.Equal(t, b.ID(), ref.(*schema.Ref).ID)
	})
}

func TestUniqueFieldSurfacesTypedDuplicate(t *testing.T) {
	reg := schema.NewRegistry()
	user := reg.MustRegister(schema.NewBuilder("User").
		AddField(schema.NewStringField("email", schema.Required(), schema.Unique())).
		MustBuild())
	db := newDatabase(t, reg)
	coll := db.MustCollection(user)
	ctx := context.Background()

	saveNew(t, coll, map[string]any{"email": "a@example.org"})

	doc, err := document.New(user, map[string]any{"email": "a@example.org"})
	require.NoError(t, err)
	err = coll.Save(ctx, doc)
	var dup *schema.DuplicateKeyError
	require.Error(t, err)
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "email", dup.Field)
	assert.False(t, doc.Persisted())
}

func TestLifecycleEvents(t *testing.T) {
	reg := schema.NewRegistry()
	task := taskSchema(reg)
	db := newDatabase(t, reg)
	coll := db.MustCollection(task)
	ctx := context.Background()

	received := make(chan persistence.LifecycleEvent, 4)
	id := coll.Subscribe(persistence.SubscriptionOptions{
		Event: persistence.DocumentSaveSuccess,
		Label: "audit",
		Callback: func(ctx context.Context, ev persistence.LifecycleEvent) error {
			received <- ev
			return nil
		},
	})

	doc, err := document.New(task, map[string]any{"title": "observed"})
	require.NoError(t, err)
	require.NoError(t, coll.Save(ctx, doc))

	select {
	case ev := <-received:
		assert.Equal(t, persistence.DocumentSaveSuccess, ev.Type)
		assert.Equal(t, "Task", ev.Schema)
		assert.Equal(t, doc.ID(), ev.DocumentID)
		require.NotNil(t, ev.Duration)
	case <-time.After(2 * time.Second):
		t.Fatal("save.success event never arrived")
	}

	t.Run("subscriptions are listed and removable", func(t *testing.T) {
		infos := coll.Subscriptions()
		require.Len(t, infos, 1)
		assert.Equal(t, "audit", infos[0].Label)

		coll.Unsubscribe(id)
		assert.Empty(t, coll.Subscriptions())
	})

	t.Run("failed saves emit the failure event", func(t *testing.T) {
		failures := make(chan persistence.LifecycleEvent, 1)
		coll.Subscribe(persistence.SubscriptionOptions{
			Event: persistence.DocumentSaveFailed,
			Callback: func(ctx context.Context, ev persistence.LifecycleEvent) error {
				failures <- ev
				return nil
			},
		})

		bad, err := document.New(task, nil)
		require.NoError(t, err)
		require.Error(t, coll.Save(ctx, bad))

		select {
		case ev := <-failures:
			require.NotNil(t, ev.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("save.failed event never arrived")
		}
	})
}

func TestDereference(t *testing.T) {
	ctx := context.Background()
	reg, authorS, bookS := libraryRegistry(schema.DeleteRuleNothing)
	spy := newSpy(memory.New(nil))
	db := persistence.NewDatabase(spy, &persistence.Options{Registry: reg})
	authors, books := db.MustCollection(authorS), db.MustCollection(bookS)

	ann := saveNew(t, authors, map[string]any{"name": "ann"})
	bob := saveNew(t, authors, map[string]any{"name": "bob"})
	saveNew(t, books, map[string]any{"title": "one", "author": ann.ID()})
	saveNew(t, books, map[string]any{"title": "two", "author": bob.ID()})
	saveNew(t, books, map[string]any{"title": "three", "author": ann.ID()})

	loaded, err := books.Query().All(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	for _, doc := range loaded {
		ref, err := doc.GetRef("author")
		require.NoError(t, err)
		_, resolved := ref.Resolved()
		assert.False(t, resolved)
	}

	before := spy.findCount(authors.Name())
	require.NoError(t, db.Dereference(ctx, loaded, nil))
	assert.Equal(t, before+1, spy.findCount(authors.Name()), "one batch query per target type")

	for _, doc := range loaded {
		ref, err := doc.GetRef("author")
		require.NoError(t, err)
		resolved, ok := ref.Resolved()
		require.True(t, ok)
		name, err := resolved.(*document.Document).GetString("name")
		require.NoError(t, err)
		assert.NotEmpty(t, name)
	}

	t.Run("already resolved refs are skipped", func(t *testing.T) {
		before := spy.findCount(authors.Name())
		require.NoError(t, db.Dereference(ctx, loaded, nil))
		assert.Equal(t, before, spy.findCount(authors.Name()))
	})
}

func TestDereferenceDangling(t *testing.T) {
	ctx := context.Background()
	reg, _, bookS := libraryRegistry(schema.DeleteRuleNothing)
	db := newDatabase(t, reg)
	books := db.MustCollection(bookS)

	ghost := primitive.NewObjectID()
	orphan := saveNew(t, books, map[string]any{"title": "orphan", "author": schema.NewRef("Author", ghost)})
	loaded, err := books.Get(ctx, orphan.ID())
	require.NoError(t, err)

	t.Run("lenient mode marks the ref broken", func(t *testing.T) {
		require.NoError(t, db.Dereference(ctx, []*document.Document{loaded}, nil))
		ref, err := loaded.GetRef("author")
		require.NoError(t, err)
		assert.True(t, ref.IsBroken())
	})

	t.Run("strict mode fails", func(t *testing.T) {
		fresh, err := books.Get(ctx, orphan.ID())
		require.NoError(t, err)
		err = db.Dereference(ctx, []*document.Document{fresh}, &persistence.DereferenceOptions{Strict: true})
		var dangling *schema.DanglingReferenceError
		require.Error(t, err)
		assert.True(t, errors.As(err, &dangling))
	})
}

func TestSubtypeIsolation(t *testing.T) {
	ctx := context.Background()
	reg := schema.NewRegistry()
	media := reg.MustRegister(schema.NewBuilder("Media").AllowInheritance().
		AddField(schema.NewStringField("title")).
		MustBuild())
	film := reg.MustRegister(schema.NewBuilder("Film").Extends(media).
		AddField(schema.NewIntField("runtime")).
		MustBuild())
	album := reg.MustRegister(schema.NewBuilder("Album").Extends(media).
		AddField(schema.NewIntField("discs")).
		MustBuild())

	db := newDatabase(t, reg)
	films, albums, all := db.MustCollection(film), db.MustCollection(album), db.MustCollection(media)

	f := saveNew(t, films, map[string]any{"title": "heat", "runtime": 170})
	saveNew(t, albums, map[string]any{"title": "kind of blue", "discs": 1})

	t.Run("subtype queries see only their own kind", func(t *testing.T) {
		n, err := films.Query().Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("the root sees every subtype", func(t *testing.T) {
		n, err := all.Query().Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("root loads hydrate the most derived type", func(t *testing.T) {
		doc, err := all.Get(ctx, f.ID())
		require.NoError(t, err)
		assert.Equal(t, "Film", doc.SchemaName())
		runtime, err := doc.GetInt("runtime")
		require.NoError(t, err)
		assert.Equal(t, int64(170), runtime)
	})

	t.Run("a subtype get misses siblings", func(t *testing.T) {
		_, err := albums.Get(ctx, f.ID())
		var notFound *schema.NotFoundError
		require.Error(t, err)
		assert.True(t, errors.As(err, &notFound))
	})
}
