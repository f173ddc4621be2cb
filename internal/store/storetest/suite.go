// Package storetest provides reusable conformance tests for store.Repository.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/loykin/proxymgr/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Suite runs the repository contract against any backend.
type Suite struct {
	// New is called before each test to create a fresh, empty repository.
	New func(t *testing.T) store.Repository
}

// Run executes all repository contract tests.
func (s *Suite) Run(t *testing.T) {
	t.Run("SetAndGet", s.TestSetAndGet)
	t.Run("GetMissing", s.TestGetMissing)
	t.Run("Overwrite", s.TestOverwrite)
	t.Run("DeleteIdempotent", s.TestDeleteIdempotent)
	t.Run("CreateExclusive", s.TestCreateExclusive)
	t.Run("ConcurrentCreateSingleWinner", s.TestConcurrentCreateSingleWinner)
	t.Run("ListByPrefix", s.TestListByPrefix)
	t.Run("InvalidKey", s.TestInvalidKey)
}

// Record builds a representative record for key.
func Record(key string, pid int) store.ServerRecord {
	parentID, ident, _ := store.SplitKey(key)
	return store.ServerRecord{
		ServerURL:  fmt.Sprintf("http://127.0.0.1:%d", 30000+pid),
		BasePath:   "/matlab/" + ident,
		Headers:    map[string]string{"MWI-AUTH-TOKEN": "tok"},
		PID:        pid,
		ParentPID:  parentID,
		ID:         key,
		Kind:       store.KindShared,
		AuthSecret: "secret",
	}
}

func (s *Suite) TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	r := s.New(t)
	rec := Record("42_default", 1)
	require.NoError(t, r.Set(ctx, "42_default", rec))

	loc, got, err := r.Get(ctx, "42_default")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotEmpty(t, loc)
	assert.Equal(t, rec, *got)
}

func (s *Suite) TestGetMissing(t *testing.T) {
	loc, got, err := s.New(t).Get(context.Background(), "42_nobody")
	require.NoError(t, err, "missing key is not an error")
	assert.Nil(t, got)
	assert.Empty(t, loc)
}

func (s *Suite) TestOverwrite(t *testing.T) {
	ctx := context.Background()
	r := s.New(t)
	require.NoError(t, r.Set(ctx, "42_kA", Record("42_default", 1)))
	require.NoError(t, r.Set(ctx, "42_kA", Record("42_default", 2)))
	_, got, err := r.Get(ctx, "42_kA")
	require.NoError(t, err)
	assert.Equal(t, 2, got.PID)
}

func (s *Suite) TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	r := s.New(t)
	require.NoError(t, r.Set(ctx, "42_kA", Record("42_default", 1)))
	require.NoError(t, r.Delete(ctx, "42_kA"))
	require.NoError(t, r.Delete(ctx, "42_kA"), "deleting a missing key is not an error")
	_, got, err := r.Get(ctx, "42_kA")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func (s *Suite) TestCreateExclusive(t *testing.T) {
	ctx := context.Background()
	r := s.New(t)
	require.NoError(t, r.Create(ctx, "42_default", Record("42_default", 1)))
	err := r.Create(ctx, "42_default", Record("42_default", 2))
	assert.True(t, errors.Is(err, store.ErrExists))

	_, got, err := r.Get(ctx, "42_default")
	require.NoError(t, err)
	assert.Equal(t, 1, got.PID, "loser must not overwrite the winner")
}

func (s *Suite) TestConcurrentCreateSingleWinner(t *testing.T) {
	ctx := context.Background()
	r := s.New(t)
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Create(ctx, "7_default", Record("7_default", i+1))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, store.ErrExists)
		}
	}
	assert.Equal(t, 1, winners)
}

func (s *Suite) TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	r := s.New(t)
	require.NoError(t, r.Set(ctx, "42_kB", Record("42_default", 1)))
	require.NoError(t, r.Set(ctx, "42_kA", Record("42_default", 1)))
	require.NoError(t, r.Set(ctx, "420_kA", Record("420_default", 2)))
	require.NoError(t, r.Set(ctx, "9_kC", Record("9_default", 3)))

	entries, err := r.List(ctx, store.ContextPrefix("42"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "42_kA", entries[0].Key)
	assert.Equal(t, "42_kB", entries[1].Key)
	assert.Equal(t, "42_default", entries[0].Record.ID)
	assert.NotEmpty(t, entries[0].Location)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := r.List(ctx, store.ContextPrefix("1"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func (s *Suite) TestInvalidKey(t *testing.T) {
	ctx := context.Background()
	r := s.New(t)
	assert.ErrorIs(t, r.Set(ctx, "../escape_x", Record("1_x", 1)), store.ErrInvalidKey)
	_, _, err := r.Get(ctx, "nounderscore")
	assert.ErrorIs(t, err, store.ErrInvalidKey)
}
