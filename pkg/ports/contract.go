package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBlobStoreContract runs a suite of tests to verify that a BlobStore implementation
// adheres to the defined interface contract.
func RunBlobStoreContract(t *testing.T, store BlobStore) {
	ctx := context.Background()
	root := "contract-" + time.Now().Format("20060102150405") + "/"

	t.Run("Write and Read", func(t *testing.T) {
		key := root + "variables/alice.json"
		require.NoError(t, store.Write(ctx, key, []byte(`[{"name":"a"}]`)))

		data, err := store.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, `[{"name":"a"}]`, string(data))
	})

	t.Run("Overwrite", func(t *testing.T) {
		key := root + "overwrite.json"
		require.NoError(t, store.Write(ctx, key, []byte("first-and-longer")))
		require.NoError(t, store.Write(ctx, key, []byte("second")))

		data, err := store.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})

	t.Run("Read Non-Existent", func(t *testing.T) {
		_, err := store.Read(ctx, root+"missing.json")
		assert.ErrorIs(t, err, domain.ErrBlobNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		key := root + "delete-me.json"
		require.NoError(t, store.Write(ctx, key, []byte("x")))
		require.NoError(t, store.Delete(ctx, key))

		_, err := store.Read(ctx, key)
		assert.ErrorIs(t, err, domain.ErrBlobNotFound)
		assert.NoError(t, store.Delete(ctx, key), "deleting twice is not an error")
	})

	t.Run("List", func(t *testing.T) {
		prefix := root + "logs/bob/"
		keys := []string{
			prefix + "1700000000002 s2.json",
			prefix + "1700000000001 s1.json",
		}
		for _, k := range keys {
			require.NoError(t, store.Write(ctx, k, []byte("[]")))
		}
		require.NoError(t, store.Write(ctx, root+"logs/carol/1 s.json", []byte("[]")))

		listed, err := store.List(ctx, prefix)
		require.NoError(t, err)
		assert.Equal(t, []string{keys[1], keys[0]}, listed)

		empty, err := store.List(ctx, root+"logs/nobody/")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Concurrent Writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("%sconcurrent/user-%d.json", root, i)
				assert.NoError(t, store.Write(ctx, key, []byte(fmt.Sprintf("%d", i))))
			}(i)
		}
		wg.Wait()

		listed, err := store.List(ctx, root+"concurrent/")
		require.NoError(t, err)
		assert.Len(t, listed, 8)
	})
}
