package collab

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryDocumentStore(t *testing.T) {
	store := NewMemoryDocumentStore()
	snapshot := testSnapshot(3)
	snapshot.Title = "notes"
	store.Put(snapshot)

	loaded, err := store.Load(context.Background(), snapshot.DocumentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Version, int64(3))
	assert.Equal(t, loaded.ContentVersion, int64(3))
	assert.Equal(t, loaded.Title, "notes")

	loaded.Version = 9
	loaded.Content = json.RawMessage(`["x"]`)
	err = store.Save(context.Background(), loaded, NewId())
	assert.Equal(t, err, nil)

	reloaded, err := store.Load(context.Background(), snapshot.DocumentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, reloaded.Version, int64(9))
	assert.Equal(t, string(reloaded.Content), `["x"]`)
}

func TestMemoryDocumentStoreNotFound(t *testing.T) {
	store := NewMemoryDocumentStore()

	_, err := store.Load(context.Background(), NewId())
	assert.Equal(t, err, ErrDocumentNotFound)

	err = store.Save(context.Background(), testSnapshot(0), NewId())
	assert.Equal(t, err, ErrDocumentNotFound)
}

func TestMemoryDocumentStoreIsolation(t *testing.T) {
	// loads return copies; mutating a loaded snapshot must not leak back
	store := NewMemoryDocumentStore()
	snapshot := testSnapshot(1)
	store.Put(snapshot)

	loaded, err := store.Load(context.Background(), snapshot.DocumentId)
	assert.Equal(t, err, nil)
	loaded.Version = 99

	reloaded, err := store.Load(context.Background(), snapshot.DocumentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, reloaded.Version, int64(1))
}
