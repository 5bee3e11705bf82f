package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectErrorFormat(t *testing.T) {
	err := &ObjectError{Op: "Get", Key: "reports/acme/1.json", Err: ErrNotFound}
	assert.Equal(t, `objectstore: Get "reports/acme/1.json": object not found`, err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAccessDenied))
}

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte(`{"ok":true}`)
	require.NoError(t, s.Put(ctx, "a/b.json", bytes.NewReader(data), int64(len(data)), "application/json"))

	rc, err := s.Get(ctx, "a/b.json")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	meta, err := s.Head(ctx, "a/b.json")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Equal(t, "application/json", meta.ContentType)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Head(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"r/b/2", "r/a/1", "r/b/1", "other"} {
		require.NoError(t, s.Put(ctx, k, strings.NewReader(k), int64(len(k)), "text/plain"))
	}

	list, err := s.List(ctx, "r/")
	require.NoError(t, err)
	var keys []string
	for _, m := range list {
		keys = append(keys, m.Key)
	}
	assert.Equal(t, []string{"r/a/1", "r/b/1", "r/b/2"}, keys)

	require.NoError(t, s.Delete(ctx, "r/a/1"))
	require.NoError(t, s.Delete(ctx, "r/a/1"), "deleting a missing object succeeds")

	list, err = s.List(ctx, "r/a/")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(ctx, "k", strings.NewReader("v"), 1, "text/plain"), ErrStoreClosed)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.List(ctx, "")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in     string
		bucket string
		prefix string
		err    bool
	}{
		{in: "s3://reports/autoprune/", bucket: "reports", prefix: "autoprune"},
		{in: "s3://reports", bucket: "reports"},
		{in: "reports/a/b", bucket: "reports", prefix: "a/b"},
		{in: "s3://", err: true},
		{in: "", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			bucket, prefix, err := ParseLocation(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.prefix, prefix)
		})
	}
}

type recordedOp struct {
	op      string
	success bool
}

type fakeRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *fakeRecorder) RecordOperation(op string, _ float64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: op, success: success})
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	s := NewInstrumentedStore(NewMemoryStore(), rec)

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v"), 1, "text/plain"))
	_, err := s.Get(ctx, "missing")
	require.Error(t, err)
	_, err = s.Head(ctx, "k")
	require.NoError(t, err)
	_, err = s.List(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))

	assert.Equal(t, []recordedOp{
		{OpPut, true},
		{OpGet, false},
		{OpHead, true},
		{OpList, true},
		{OpDelete, true},
	}, rec.ops)
}

func TestInstrumentedStoreNilRecorder(t *testing.T) {
	ctx := context.Background()
	s := NewInstrumentedStore(NewMemoryStore(), nil)
	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v"), 1, "text/plain"))
	require.NoError(t, s.Close())
}
