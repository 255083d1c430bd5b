package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestDialSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	connect, err := Dial("sqlite://"+path, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	store, err := connect(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpsertByID(ctx, "schools", "s-1", Document{"name": "North"}))
	require.NoError(t, store.Close())

	reopened, err := connect(ctx)
	require.NoError(t, err)
	defer reopened.Close()
	doc, err := reopened.FindByID(ctx, "schools", "s-1")
	require.NoError(t, err)
	assert.Equal(t, "North", doc.String("name"))
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	_, err := Dial("postgres://user:secret@db/app", Options{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")

	_, err = Dial("  ", Options{})
	require.Error(t, err)
}

func TestStaticConnectorDoesNotCloseStore(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	store, err := Static(mem)(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpsertByID(ctx, "users", "u-1", Document{}))
	require.NoError(t, store.Close())

	_, err = mem.FindByID(ctx, "users", "u-1")
	assert.NoError(t, err)
}

func TestIDKey(t *testing.T) {
	oid := bson.NewObjectID()
	assert.Equal(t, "", IDKey(nil))
	assert.Equal(t, "abc", IDKey("abc"))
	assert.Equal(t, oid.Hex(), IDKey(oid))
	assert.Equal(t, "42", IDKey(42))
	assert.Equal(t, oid.Hex(), Document{IDField: oid}.Key())
}
