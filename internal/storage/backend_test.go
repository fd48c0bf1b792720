package storage

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBackend(t *testing.T) {
	ctx := context.Background()
	db := NewDB(NewMemBackend())

	t.Run("ClearEmpty", func(t *testing.T) {
		assert.NoError(t, db.Clear(ctx, ""))
	})

	t.Run("Get/DoesNotExist", func(t *testing.T) {
		var got string
		err := db.Get(ctx, "does/not/exist", &got)
		assert.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("SetAndGet", func(t *testing.T) {
		defer func() {
			assert.NoError(t, db.Clear(ctx, ""))
		}()

		require.NoError(t, db.Set(ctx, "foo", "bar"))

		var got string
		require.NoError(t, db.Get(ctx, "foo", &got))
		assert.Equal(t, "bar", got)

		require.NoError(t, db.Set(ctx, "foo", "baz"))
		require.NoError(t, db.Get(ctx, "foo", &got))
		assert.Equal(t, "baz", got)
	})

	t.Run("SetNested", func(t *testing.T) {
		defer func() {
			assert.NoError(t, db.Clear(ctx, ""))
		}()

		require.NoError(t, db.Set(ctx, "foo/bar", "baz"))
		require.NoError(t, db.Set(ctx, "baz/qux", "quux"))

		var got1, got2 string
		require.NoError(t, db.Get(ctx, "foo/bar", &got1))
		require.NoError(t, db.Get(ctx, "baz/qux", &got2))
		assert.Equal(t, "baz", got1)
		assert.Equal(t, "quux", got2)

		t.Run("AllKeys", func(t *testing.T) {
			keys, err := db.Keys(ctx, "")
			require.NoError(t, err)

			assert.ElementsMatch(t, []string{
				"foo/bar",
				"baz/qux",
			}, keys)
		})

		t.Run("DirKeys", func(t *testing.T) {
			keys, err := db.Keys(ctx, "foo")
			require.NoError(t, err)

			assert.ElementsMatch(t, []string{"foo/bar"}, keys)
		})
	})

	t.Run("Keys/DoesNotExist", func(t *testing.T) {
		keys, err := db.Keys(ctx, "does/not/exist")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		defer func() {
			assert.NoError(t, db.Clear(ctx, ""))
		}()

		require.NoError(t, db.Set(ctx, "gone", "soon"))
		require.NoError(t, db.Delete(ctx, "gone"))

		var got string
		assert.ErrorIs(t, db.Get(ctx, "gone", &got), ErrNotExist)
	})

	t.Run("ConcurrentSets", func(t *testing.T) {
		defer func() {
			assert.NoError(t, db.Clear(ctx, ""))
		}()

		const numWorkers, numSets = 4, 5

		keys := make([]string, numSets)
		for i := range keys {
			keys[i] = "key" + strconv.Itoa(i)
		}

		var ready, done sync.WaitGroup
		ready.Add(numWorkers)
		done.Add(numWorkers)
		for i := range numWorkers {
			go func(workerIdx int) {
				defer done.Done()

				ready.Done()
				ready.Wait()

				for setIdx := range numSets {
					assert.NoError(t, db.Set(ctx, keys[setIdx], "val"),
						"worker %d, set %d", workerIdx, setIdx)
				}
			}(i)
		}

		done.Wait()

		gotKeys, err := db.Keys(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, keys, gotKeys)
	})
}
