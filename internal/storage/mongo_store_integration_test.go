//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func newMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err, "start mongodb container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	store, err := OpenMongo(ctx, uri, "sync_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIntegrationMongoUpsertAndReplace(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()
	oid := bson.NewObjectID()

	require.NoError(t, store.UpsertByID(ctx, "chapters", oid, Document{"title": "Optics", "meta": bson.M{"pages": 12}}))
	require.NoError(t, store.UpsertByID(ctx, "chapters", oid, Document{"title": "Optics II"}))

	docs, err := Collect(store.ListAll(ctx, "chapters"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, oid.Hex(), docs[0].Key())
	assert.Equal(t, "Optics II", docs[0].String("title"))
	assert.NotContains(t, docs[0], "meta")

	err = store.ReplaceCollection(ctx, "chapters", []Document{
		{IDField: "c-1", "title": "Waves"},
		{IDField: "c-2", "title": "Heat"},
	})
	require.NoError(t, err)
	docs, err = Collect(store.ListAll(ctx, "chapters"))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = store.FindByID(ctx, "chapters", oid)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.ReplaceCollection(ctx, "chapters", nil))
	docs, err = Collect(store.ListAll(ctx, "chapters"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}
