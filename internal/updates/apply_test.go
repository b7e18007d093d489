package updates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestApplySet(t *testing.T) {
	t.Run("replaces and reports change", func(t *testing.T) {
		record := map[string]any{"name": "alice"}
		changed, err := Apply(bson.M{"$set": bson.M{"name": "bob", "age": int64(3)}}, record)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, map[string]any{"name": "bob", "age": int64(3)}, record)
	})

	t.Run("setting the present value is a no-op", func(t *testing.T) {
		record := map[string]any{"age": int64(3)}
		changed, err := Apply(bson.M{"$set": bson.M{"age": 3}}, record)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("dotted paths create intermediate documents", func(t *testing.T) {
		record := map[string]any{}
		changed, err := Apply(bson.M{"$set": bson.M{"profile.bio": "hi"}}, record)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, map[string]any{"profile": map[string]any{"bio": "hi"}}, record)
	})

	t.Run("dotted writes land inside decoded subdocuments", func(t *testing.T) {
		record := map[string]any{"profile": bson.D{{Key: "bio", Value: "old"}}}
		_, err := Apply(bson.M{"$set": bson.M{"profile.bio": "new"}}, record)
		require.NoError(t, err)
		profile, ok := record["profile"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "new", profile["bio"])
	})

	t.Run("traversing a scalar is an error", func(t *testing.T) {
		record := map[string]any{"name": "alice"}
		_, err := Apply(bson.M{"$set": bson.M{"name.first": "a"}}, record)
		assert.Error(t, err)
	})
}

func TestApplyUnset(t *testing.T) {
	record := map[string]any{"name": "alice", "meta": map[string]any{"k": "v"}}

	changed, err := Apply(bson.M{"$unset": bson.M{"meta.k": ""}}, record)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, map[string]any{}, record["meta"])

	changed, err = Apply(bson.M{"$unset": bson.M{"absent": ""}}, record)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestApplyInc(t *testing.T) {
	t.Run("integer", func(t *testing.T) {
		record := map[string]any{"visits": int32(5)}
		changed, err := Apply(bson.M{"$inc": bson.M{"visits": int64(2)}}, record)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int64(7), record["visits"])
	})

	t.Run("float", func(t *testing.T) {
		record := map[string]any{"score": float64(1.5)}
		_, err := Apply(bson.M{"$inc": bson.M{"score": 0.25}}, record)
		require.NoError(t, err)
		assert.Equal(t, float64(1.75), record["score"])
	})

	t.Run("missing value counts from zero", func(t *testing.T) {
		record := map[string]any{}
		_, err := Apply(bson.M{"$inc": bson.M{"visits": int64(4)}}, record)
		require.NoError(t, err)
		assert.Equal(t, int64(4), record["visits"])
	})

	t.Run("non-numeric target is an error", func(t *testing.T) {
		record := map[string]any{"visits": "many"}
		_, err := Apply(bson.M{"$inc": bson.M{"visits": int64(1)}}, record)
		assert.Error(t, err)
	})
}

func TestApplyPush(t *testing.T) {
	t.Run("single value", func(t *testing.T) {
		record := map[string]any{"tags": bson.A{"go"}}
		changed, err := Apply(bson.M{"$push": bson.M{"tags": "odm"}}, record)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, bson.A{"go", "odm"}, record["tags"])
	})

	t.Run("each appends in order", func(t *testing.T) {
		record := map[string]any{"tags": bson.A{"a"}}
		_, err := Apply(bson.M{"$push": bson.M{"tags": bson.M{"$each": bson.A{"b", "c"}}}}, record)
		require.NoError(t, err)
		assert.Equal(t, bson.A{"a", "b", "c"}, record["tags"])
	})

	t.Run("missing field becomes a fresh array", func(t *testing.T) {
		record := map[string]any{}
		_, err := Apply(bson.M{"$push": bson.M{"tags": "first"}}, record)
		require.NoError(t, err)
		assert.Equal(t, bson.A{"first"}, record["tags"])
	})

	t.Run("pushing to a scalar is an error", func(t *testing.T) {
		record := map[string]any{"tags": "oops"}
		_, err := Apply(bson.M{"$push": bson.M{"tags": "x"}}, record)
		assert.Error(t, err)
	})
}

func TestApplyPull(t *testing.T) {
	t.Run("removes every equal element", func(t *testing.T) {
		record := map[string]any{"nums": bson.A{int64(1), int64(2), int32(1)}}
		changed, err := Apply(bson.M{"$pull": bson.M{"nums": 1}}, record)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, bson.A{int64(2)}, record["nums"])
	})

	t.Run("absent value is a no-op", func(t *testing.T) {
		record := map[string]any{"nums": bson.A{int64(1)}}
		changed, err := Apply(bson.M{"$pull": bson.M{"nums": 9}}, record)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestApplyRejectsUnknownOperators(t *testing.T) {
	record := map[string]any{}
	_, err := Apply(bson.M{"$rename": bson.M{"a": "b"}}, record)
	assert.Error(t, err)
}
