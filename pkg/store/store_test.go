package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "arrays.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			payload := []byte("\x93NUMPY\r\n\x00\xff")
			require.NoError(t, s.Set(ctx, "k", payload))
			payload[0] = 'X'

			got, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("\x93NUMPY\r\n\x00\xff"), got)

			require.NoError(t, s.Set(ctx, "k", []byte("v2")))
			got, _, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, s.Set(ctx, "empty", nil))
			got, ok, err = s.Get(ctx, "empty")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Empty(t, got)

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			exists, err := s.Exists(ctx, "k")
			require.NoError(t, err)
			assert.True(t, exists)

			deleted, err := s.Delete(ctx, "k")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = s.Delete(ctx, "k")
			require.NoError(t, err)
			assert.False(t, deleted)

			exists, err = s.Exists(ctx, "k")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStoreGetReturnsCallerOwnedCopy(t *testing.T) {
	ctx := context.Background()
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			require.NoError(t, s.Set(ctx, "k", []byte("abc")))
			first, _, err := s.Get(ctx, "k")
			require.NoError(t, err)
			first[0] = 'z'

			second, _, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("abc"), second)
		})
	}
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			assert.ErrorIs(t, s.Set(ctx, "k", []byte("v")), ErrClosed)
			_, _, err := s.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestSQLitePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "arrays.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("kept")))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), got)
}

func TestOpenWithoutPathIsMemory(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	_, ok := s.(*Memory)
	assert.True(t, ok)
}
