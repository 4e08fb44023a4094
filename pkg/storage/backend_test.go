package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	pebbleBackend, err := NewPebbleBackend(DefaultBackendConfig(BackendTypePebble, t.TempDir()), zap.NewNop())
	require.NoError(t, err)

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"pebble": pebbleBackend,
	}
}

func TestBackend_GetSetDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer b.Close()

			_, err := b.Get([]byte("missing"))
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Set([]byte("k"), []byte("v1")))
			got, err := b.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			has, err := b.Has([]byte("k"))
			require.NoError(t, err)
			assert.True(t, has)

			require.NoError(t, b.Delete([]byte("k")))
			has, err = b.Has([]byte("k"))
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestBackend_BatchIsAtomic(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer b.Close()

			batch := b.NewBatch()
			require.NoError(t, batch.Set([]byte("a"), []byte("1")))
			require.NoError(t, batch.Set([]byte("b"), []byte("2")))
			assert.Equal(t, 2, batch.Count())

			_, err := b.Get([]byte("a"))
			assert.ErrorIs(t, err, ErrNotFound, "uncommitted writes must not be visible")

			require.NoError(t, batch.Commit())
			require.NoError(t, batch.Close())

			got, err := b.Get([]byte("b"))
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), got)

			discarded := b.NewBatch()
			require.NoError(t, discarded.Set([]byte("c"), []byte("3")))
			require.NoError(t, discarded.Close())
			_, err = b.Get([]byte("c"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_IteratorBounds(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer b.Close()

			for _, k := range []string{"/a/1", "/a/2", "/a/3", "/b/1"} {
				require.NoError(t, b.Set([]byte(k), []byte(k)))
			}

			prefix := []byte("/a/")
			iter, err := b.NewIterator(prefix, PrefixEnd(prefix))
			require.NoError(t, err)
			defer iter.Close()

			var keys []string
			for ; iter.Valid(); iter.Next() {
				keys = append(keys, string(iter.Key()))
			}
			assert.Equal(t, []string{"/a/1", "/a/2", "/a/3"}, keys)
		})
	}
}

func TestBackend_Closed(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Close())

	_, err := b.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Set([]byte("k"), nil), ErrClosed)
}

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend(DefaultBackendConfig(BackendTypeMemory, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, BackendTypeMemory, b.Type())

	dir := t.TempDir()
	b, err = OpenBackend(DefaultBackendConfig(BackendTypePebble, dir), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, BackendTypePebble, b.Type())
	require.NoError(t, b.Close())

	_, err = OpenBackend(DefaultBackendConfig(BackendTypePebble, ""), nil)
	assert.Error(t, err)

	_, err = OpenBackend(&BackendConfig{Type: "rocksdb"}, nil)
	assert.Error(t, err)

	_, err = OpenBackend(nil, nil)
	assert.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("/b"), PrefixEnd([]byte("/a")))
	assert.Equal(t, []byte{0x01}, PrefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}
