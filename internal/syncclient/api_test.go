package syncclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventvault/internal/syncerr"
)

func TestAPI_VaultLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, roomyLimits, nil)
	api, err := NewAPI(e.url, "notes-app", testToken, nil)
	require.NoError(t, err)
	pk := deriveIdentity(t, testPhrase).PublicKeyHex()

	_, err = api.Info(ctx, pk)
	assert.True(t, syncerr.IsNotFound(err), "got %v", err)

	v, err := api.Create(ctx, pk, "laptop")
	require.NoError(t, err)
	assert.Equal(t, pk, v.PublicKey)
	assert.Equal(t, "laptop", v.Note)
	assert.NotEmpty(t, v.RemoteID)

	again, err := api.Create(ctx, pk, "ignored")
	require.NoError(t, err)
	assert.Equal(t, v.RemoteID, again.RemoteID, "create is idempotent")
	assert.Equal(t, "laptop", again.Note)

	v, err = api.Update(ctx, pk, "work laptop")
	require.NoError(t, err)
	assert.Equal(t, "work laptop", v.Note)

	info, err := api.Info(ctx, pk)
	require.NoError(t, err)
	assert.Equal(t, "work laptop", info.Vault.Note)
	assert.Empty(t, info.Devices)

	st, err := api.Stats(ctx, pk)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
	assert.Equal(t, roomyLimits.MaxStorageBytes, st.MaxStorageBytes)

	require.NoError(t, api.Destroy(ctx, pk))
	_, err = api.Info(ctx, pk)
	assert.True(t, syncerr.IsNotFound(err))
}

func TestAPI_FetchStatsAfterSync(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, roomyLimits, nil)
	id := deriveIdentity(t, testPhrase)
	d := newDevice(t, e, "device-a", id)
	appendNote(t, d, "n1", "one")
	appendNote(t, d, "n2", "two")
	require.NoError(t, d.client.SyncOnce(ctx))

	api, err := NewAPI("ws"+e.url[len("http"):], "notes-app", testToken, nil)
	require.NoError(t, err)
	rs, err := api.FetchStats(ctx, id.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rs.Entries)
	assert.Positive(t, rs.UsedStorageSize)
	assert.Equal(t, roomyLimits.MaxStorageBytes, rs.MaxStorageSize)
}

func TestAPI_Unauthorized(t *testing.T) {
	e := newEnv(t, roomyLimits, nil)
	api, err := NewAPI(e.url, "notes-app", "nope", nil)
	require.NoError(t, err)

	_, err = api.Create(context.Background(), "abcd", "")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindUnauthorized, syncerr.KindOf(err))
}
