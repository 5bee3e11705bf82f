package metadata

import (
	"context"
	"time"
)

// Operation names reported to a Recorder.
const (
	OpGet          = "get"
	OpPut          = "put"
	OpDelete       = "delete"
	OpList         = "list"
	OpTxn          = "txn"
	OpPutEphemeral = "put_ephemeral"
)

// Recorder receives per-operation latency and outcome. It keeps this
// package independent of the metrics package.
type Recorder interface {
	RecordOperation(op string, durationSeconds float64, success bool)
}

// InstrumentedStore wraps a MetadataStore and reports every call to a Recorder.
type InstrumentedStore struct {
	store    MetadataStore
	recorder Recorder
}

// NewInstrumentedStore wraps store. A nil recorder makes it a passthrough.
func NewInstrumentedStore(store MetadataStore, recorder Recorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, recorder: recorder}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.recorder != nil {
		s.recorder.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	res, err := s.store.Get(ctx, key)
	s.observe(OpGet, start, err)
	return res, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.observe(OpPut, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.observe(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	kvs, err := s.store.List(ctx, startKey, endKey, limit)
	s.observe(OpList, start, err)
	return kvs, err
}

func (s *InstrumentedStore) Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error {
	start := time.Now()
	err := s.store.Txn(ctx, scopeKey, fn)
	s.observe(OpTxn, start, err)
	return err
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	start := time.Now()
	v, err := s.store.PutEphemeral(ctx, key, value, opts...)
	s.observe(OpPutEphemeral, start, err)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
