package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/autoprune/internal/metadata"
	"github.com/dray-io/autoprune/internal/metadata/keys"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "autoprune.db")
	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	res, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, res.Exists)

	v1, err := s.Put(ctx, "/a", []byte("one"), metadata.WithExpectedVersion(0))
	require.NoError(t, err)

	_, err = s.Put(ctx, "/a", []byte("two"), metadata.WithExpectedVersion(0))
	assert.ErrorIs(t, err, metadata.ErrVersionMismatch)

	v2, err := s.Put(ctx, "/a", []byte("two"), metadata.WithExpectedVersion(v1))
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	res, err = s.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "two", string(res.Value))
	assert.Equal(t, v2, res.Version)

	assert.ErrorIs(t, s.Delete(ctx, "/a", metadata.WithDeleteExpectedVersion(v1)), metadata.ErrVersionMismatch)
	require.NoError(t, s.Delete(ctx, "/a", metadata.WithDeleteExpectedVersion(v2)))
	require.NoError(t, s.Delete(ctx, "/a"))
	assert.ErrorIs(t, s.Delete(ctx, "/a", metadata.WithDeleteExpectedVersion(v2)), metadata.ErrVersionMismatch)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	for _, k := range []string{"/p/b", "/p/a", "/q/a", "/p/c/d", "/pp"} {
		_, err := s.Put(ctx, k, []byte(k))
		require.NoError(t, err)
	}

	kvs, err := s.List(ctx, "/p/", "", 0)
	require.NoError(t, err)
	var got []string
	for _, kv := range kvs {
		got = append(got, kv.Key)
	}
	assert.Equal(t, []string{"/p/a", "/p/b", "/p/c/d"}, got)

	kvs, err = s.List(ctx, "/p/a", "/p/c", 0)
	require.NoError(t, err)
	assert.Len(t, kvs, 2)

	kvs, err = s.List(ctx, "/", "", 2)
	require.NoError(t, err)
	assert.Len(t, kvs, 2)
}

func TestTxnCreatesIndexAndRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	scope := keys.NamespacePrefix("acme")
	index := keys.MethodKeyPath("acme", "number_of_tags")

	create := func(id string) error {
		return s.Txn(ctx, scope, func(txn metadata.Txn) error {
			if _, _, err := txn.Get(index); !errors.Is(err, metadata.ErrKeyNotFound) {
				return errors.New("exists")
			}
			txn.PutWithVersion(keys.PolicyKeyPath("acme", id), []byte("{}"), 0)
			txn.PutWithVersion(index, []byte(id), 0)
			return nil
		})
	}

	require.NoError(t, create("p1"))
	assert.EqualError(t, create("p2"), "exists")

	kvs, err := s.List(ctx, keys.PoliciesPrefix("acme"), "", 0)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, keys.PolicyKeyPath("acme", "p1"), kvs[0].Key)
}

func TestTxnRollsBackOnMismatch(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	_, err := s.Put(ctx, "/b", []byte("b"))
	require.NoError(t, err)

	err = s.Txn(ctx, "/", func(txn metadata.Txn) error {
		txn.Put("/a", []byte("a"))
		txn.PutWithVersion("/b", []byte("b2"), 0)
		return nil
	})
	assert.ErrorIs(t, err, metadata.ErrVersionMismatch)

	res, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, res.Exists)
}

func TestEphemeralClearedOnReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	v, err := s.PutEphemeral(ctx, keys.LeaseKeyPath("acme"), []byte("a"), metadata.WithEphemeralExpectNotExists())
	require.NoError(t, err)
	_, err = s.PutEphemeral(ctx, keys.LeaseKeyPath("acme"), []byte("b"), metadata.WithEphemeralExpectNotExists())
	assert.ErrorIs(t, err, metadata.ErrVersionMismatch)
	_, err = s.PutEphemeral(ctx, keys.LeaseKeyPath("acme"), []byte("a"), metadata.WithEphemeralExpectedVersion(v))
	require.NoError(t, err)

	_, err = s.Put(ctx, "/durable", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	res, err := reopened.Get(ctx, keys.LeaseKeyPath("acme"))
	require.NoError(t, err)
	assert.False(t, res.Exists)

	res, err = reopened.Get(ctx, "/durable")
	require.NoError(t, err)
	assert.True(t, res.Exists)
}

func TestClosed(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "/a")
	assert.ErrorIs(t, err, metadata.ErrStoreClosed)
}
