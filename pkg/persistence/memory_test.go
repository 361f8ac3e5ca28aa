package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresphere/portalcrypt"
	"github.com/caresphere/portalcrypt/pkg/persistence"
)

func TestMemoryStore_SessionMetadata(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	loaded, err := store.LoadSessionMetadata(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	meta := &portalcrypt.SessionMetadata{
		SessionID: "sess-abc",
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}

	require.NoError(t, store.StoreSessionMetadata(ctx, meta))

	loaded, err = store.LoadSessionMetadata(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, meta.SessionID, loaded.SessionID)
	assert.Equal(t, meta.ExpiresAt, loaded.ExpiresAt)

	// stored and loaded values are copies, not aliases
	meta.SessionID = "mutated"
	loaded.SessionID = "also mutated"

	again, err := store.LoadSessionMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess-abc", again.SessionID)

	require.NoError(t, store.ClearSessionMetadata(ctx))

	loaded, err = store.LoadSessionMetadata(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryStore_ClearWithoutStore(t *testing.T) {
	store := persistence.NewMemoryStore()

	assert.NoError(t, store.ClearSessionMetadata(context.Background()))
}

func TestMemoryStore_DeviceID(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	id, err := store.LoadDeviceID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.StoreDeviceID(ctx, "device-123"))

	id, err = store.LoadDeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "device-123", id)
}
