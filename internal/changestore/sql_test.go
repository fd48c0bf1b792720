package changestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/changestore"
)

func TestSQLStore_CreateAndGet(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "changes.db")
	store, err := changestore.Open("sqlite:" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, store.Close()) }()

	testStore(t, store)
}

// testStore runs the same battery of assertions against any Store
// implementation; MemStore's tests reuse it too.
func testStore(t *testing.T, store changestore.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	c, err := change.New(testChangeKey, "demo", "main", change.PatchSet{
		Number:      1,
		CommitID:    "c1",
		Description: "Add a widget",
	}, 1, now)
	require.NoError(t, err)

	require.NoError(t, store.CreateChange(ctx, c))
	assert.NotZero(t, c.ID)

	t.Run("DuplicateKeyRejected", func(t *testing.T) {
		dup, err := change.New(testChangeKey, "demo", "main", change.PatchSet{Number: 1}, 1, now)
		require.NoError(t, err)
		err = store.CreateChange(ctx, dup)
		assert.ErrorIs(t, err, changestore.ErrKeyExists)
	})

	t.Run("GetByProjectAndKey", func(t *testing.T) {
		got, err := store.GetChange(ctx, "demo", testChangeKey)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, "Add a widget", got.Subject)
		assert.Equal(t, change.StatusNew, got.Status)
		require.Len(t, got.PatchSets, 1)
		assert.Equal(t, "c1", got.PatchSets[0].CommitID)
	})

	t.Run("GetByID", func(t *testing.T) {
		got, err := store.GetChangeByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, testChangeKey, got.Key)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetChange(ctx, "demo", "Iffffffffffffffffffffffffffffffffffffffff")
		assert.ErrorIs(t, err, changestore.ErrNotFound)
	})

	t.Run("UpdateAddsPatchSetAndApproval", func(t *testing.T) {
		require.NoError(t, c.AddPatchSet("c2", 1, "Add a widget, v2", now.Add(time.Minute)))
		c.SetApproval(change.Approval{Label: "Code-Review", Value: 2, AccountID: 9, Revision: 2, GrantedAt: now})
		require.NoError(t, store.UpdateChange(ctx, c))

		got, err := store.GetChangeByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.CurrentPatchSetNumber())
		require.Len(t, got.Approvals, 1)
		assert.Equal(t, 2, got.Approvals[0].Value)
	})

	t.Run("ListOpenChanges", func(t *testing.T) {
		changes, err := store.ListOpenChanges(ctx, "demo", "main")
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, c.ID, changes[0].ID)
	})

	t.Run("ListOpenChangesExcludesMerged", func(t *testing.T) {
		merged, err := store.GetChangeByID(ctx, c.ID)
		require.NoError(t, err)
		require.NoError(t, merged.Merge(now))
		require.NoError(t, store.UpdateChange(ctx, merged))

		changes, err := store.ListOpenChanges(ctx, "demo", "main")
		require.NoError(t, err)
		assert.Empty(t, changes)
	})

	t.Run("ListChangesByOwner", func(t *testing.T) {
		changes, err := store.ListChangesByOwner(ctx, 1)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, c.ID, changes[0].ID)
	})
}

const testChangeKey = "I" + "1111111111111111111111111111111111111111"
