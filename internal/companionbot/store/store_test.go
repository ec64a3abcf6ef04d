package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-bot/companion-bot/internal/companionbot/prid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite3")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := prid.Identity{Owner: "paritytech", Repo: "polkadot", Number: 20}

	_, found, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	pm := PendingMerge{
		Identity:       id,
		HeadSHA:        "abc123",
		RequesterLogin: "alice",
		Force:          true,
		Companions:     []prid.Identity{{Owner: "paritytech", Repo: "substrate", Number: 30}},
		Attempt:        1,
		CreatedAt:      time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.Put(ctx, pm))

	got, found, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, pm.HeadSHA, got.HeadSHA)
	assert.Equal(t, pm.RequesterLogin, got.RequesterLogin)
	assert.True(t, got.Force)
	assert.Equal(t, pm.Companions, got.Companions)
	assert.Equal(t, pm.CreatedAt, got.CreatedAt)

	require.NoError(t, s.Delete(ctx, id))
	_, found, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Put_ReplacesExistingRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := prid.Identity{Owner: "o", Repo: "r", Number: 1}

	require.NoError(t, s.Put(ctx, PendingMerge{Identity: id, HeadSHA: "first", CreatedAt: time.Unix(1, 0)}))
	require.NoError(t, s.Put(ctx, PendingMerge{Identity: id, HeadSHA: "second", CreatedAt: time.Unix(2, 0)}))

	got, found, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", got.HeadSHA)

	all, err := s.ScanAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_ScanAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, PendingMerge{
		Identity:  prid.Identity{Owner: "a", Repo: "a", Number: 1},
		CreatedAt: time.Unix(1, 0),
	}))
	require.NoError(t, s.Put(ctx, PendingMerge{
		Identity:  prid.Identity{Owner: "b", Repo: "b", Number: 2},
		CreatedAt: time.Unix(2, 0),
	}))

	all, err := s.ScanAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Delete_Nonexistent_NotAnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.Delete(ctx, prid.Identity{Owner: "o", Repo: "r", Number: 404})
	assert.NoError(t, err)
}
