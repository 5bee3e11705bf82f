package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process MetadataStore. Transactions use optimistic
// concurrency: fn runs unlocked, and commit validates the read set and
// version expectations under the store lock.
type MemoryStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]struct{}
	nextVer   Version
	closed    bool
	txnCalls  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]struct{}),
		nextVer:   1,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (GetResult, error) {
	if err := ctx.Err(); err != nil {
		return GetResult{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: cloneBytes(kv.Value), Version: kv.Version, Exists: true}, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if expected := ExtractExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !CheckVersion(ok, existing.Version, *expected) {
			return 0, ErrVersionMismatch
		}
	}
	delete(m.ephemeral, key)
	return m.putLocked(key, value), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	existing, ok := m.data[key]
	if expected := ExtractDeleteExpectedVersion(opts); expected != nil {
		if !ok || existing.Version != *expected {
			return ErrVersionMismatch
		}
	}
	m.deleteLocked(key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	for k := range m.data {
		if InRange(k, startKey, endKey) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]KV, len(keys))
	for i, k := range keys {
		kv := m.data[k]
		out[i] = KV{Key: k, Value: cloneBytes(kv.Value), Version: kv.Version}
	}
	return out, nil
}

func (m *MemoryStore) Txn(ctx context.Context, _ string, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	m.txnCalls++
	m.mu.Unlock()

	txn := NewBufferedTxn(func(key string) ([]byte, Version, bool, error) {
		res, err := m.Get(ctx, key)
		return res.Value, res.Version, res.Exists, err
	})
	if err := fn(txn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	for key, read := range txn.Reads() {
		kv, ok := m.data[key]
		if ok != read.Exists || (ok && kv.Version != read.Version) {
			return ErrTxnConflict
		}
	}
	for _, op := range txn.Ops() {
		if op.Expected == nil {
			continue
		}
		kv, ok := m.data[op.Key]
		if !CheckVersion(ok, kv.Version, *op.Expected) {
			return ErrVersionMismatch
		}
	}
	for _, op := range txn.Ops() {
		if op.Delete {
			m.deleteLocked(op.Key)
		} else {
			delete(m.ephemeral, op.Key)
			m.putLocked(op.Key, op.Value)
		}
	}
	return nil
}

func (m *MemoryStore) PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	existing, ok := m.data[key]
	expectNotExists, expected := ExtractEphemeralOptions(opts)
	if expectNotExists && ok {
		return 0, ErrVersionMismatch
	}
	if expected != nil && !CheckVersion(ok, existing.Version, *expected) {
		return 0, ErrVersionMismatch
	}
	m.ephemeral[key] = struct{}{}
	return m.putLocked(key, value), nil
}

// ExpireSession drops every ephemeral key, as if the session had timed out.
func (m *MemoryStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.ephemeral {
		delete(m.data, key)
	}
	m.ephemeral = make(map[string]struct{})
}

// TxnCallCount returns the number of transactions started.
func (m *MemoryStore) TxnCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txnCalls
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for key := range m.ephemeral {
		delete(m.data, key)
	}
	m.closed = true
	return nil
}

func (m *MemoryStore) putLocked(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: cloneBytes(value), Version: ver}
	return ver
}

func (m *MemoryStore) deleteLocked(key string) {
	delete(m.data, key)
	delete(m.ephemeral, key)
}

// InRange applies List's range semantics to a single key.
func InRange(key, startKey, endKey string) bool {
	if endKey == "" {
		return strings.HasPrefix(key, startKey)
	}
	return key >= startKey && key < endKey
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
