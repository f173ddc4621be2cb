package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/proxymgr/internal/store"
	"github.com/loykin/proxymgr/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRepositoryContract(t *testing.T) {
	s := &storetest.Suite{New: func(t *testing.T) store.Repository {
		db, err := Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db.Repository("refs")
	}}
	s.Run(t)
}

func TestSQLiteInMemoryContract(t *testing.T) {
	s := &storetest.Suite{New: func(t *testing.T) store.Repository {
		db, err := Open(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db.Repository("servers")
	}}
	s.Run(t)
}

func TestNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	servers := db.Repository("servers")
	refs := db.Repository("refs")
	require.NoError(t, servers.Create(ctx, "42_default", storetest.Record("42_default", 1)))
	require.NoError(t, refs.Create(ctx, "42_default", storetest.Record("42_default", 1)))

	loc, got, err := refs.Get(ctx, "42_default")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, strings.HasSuffix(loc, "#refs/42_default"))

	require.NoError(t, servers.Delete(ctx, "42_default"))
	_, got, err = refs.Get(ctx, "42_default")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSharedFileAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	require.NoError(t, a.Repository("servers").Create(ctx, "3_default", storetest.Record("3_default", 9)))
	err = b.Repository("servers").Create(ctx, "3_default", storetest.Record("3_default", 10))
	assert.ErrorIs(t, err, store.ErrExists)

	_, got, err := b.Repository("servers").Get(ctx, "3_default")
	require.NoError(t, err)
	assert.Equal(t, 9, got.PID)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}
