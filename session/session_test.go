package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/rferr"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store, err := New(rdb, ttl)
	require.NoError(t, err)
	return store, mr
}

func TestMintAndValidate(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	token, err := store.Mint(ctx, Session{
		RunID:          "run-1",
		OrganizationID: "org-1",
		AllowedNodeIDs: []string{"node-a"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "rfs_"))
	// 128 bits of entropy hex encoded.
	assert.Len(t, token, len("rfs_")+32)

	sess, err := store.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "run-1", sess.RunID)
	assert.Equal(t, "org-1", sess.OrganizationID)
	assert.Equal(t, []string{"node-a"}, sess.AllowedNodeIDs)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))
}

func TestValidateRejectsUnknownAndMalformed(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	for _, token := range []string{"", "rfs_", "rfs_deadbeef", "bearer-something"} {
		_, err := store.Validate(ctx, token)
		require.Error(t, err, token)
		assert.True(t, rferr.IsKind(err, rferr.KindAuthentication), token)
	}
}

func TestValidateAfterExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	token, err := store.Mint(ctx, Session{RunID: "run-1"})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = store.Validate(ctx, token)
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindAuthentication))
}

func TestRevoke(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	token, err := store.Mint(ctx, Session{RunID: "run-1"})
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, token))

	_, err = store.Validate(ctx, token)
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindAuthentication))

	// Idempotent.
	require.NoError(t, store.Revoke(ctx, token))
}

func TestMintRequiresRunID(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	_, err := store.Mint(context.Background(), Session{})
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindValidation))
}
