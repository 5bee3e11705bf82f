package metadata

import (
	"context"
	"testing"
)

type recordedOp struct {
	op      string
	success bool
}

type fakeRecorder struct {
	ops []recordedOp
}

func (f *fakeRecorder) RecordOperation(op string, durationSeconds float64, success bool) {
	if durationSeconds < 0 {
		panic("negative duration")
	}
	f.ops = append(f.ops, recordedOp{op: op, success: success})
}

func TestInstrumentedStoreRecordsOperations(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	s := NewInstrumentedStore(NewMemoryStore(), rec)

	if _, err := s.Put(ctx, "/a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "/a", []byte("2"), WithExpectedVersion(0)); err == nil {
		t.Fatal("expected version mismatch")
	}
	_, _ = s.Get(ctx, "/a")
	_, _ = s.List(ctx, "/", "", 0)
	_ = s.Txn(ctx, "/", func(Txn) error { return nil })
	_, _ = s.PutEphemeral(ctx, "/e", nil)
	_ = s.Delete(ctx, "/a")

	want := []recordedOp{
		{OpPut, true},
		{OpPut, false},
		{OpGet, true},
		{OpList, true},
		{OpTxn, true},
		{OpPutEphemeral, true},
		{OpDelete, true},
	}
	if len(rec.ops) != len(want) {
		t.Fatalf("recorded %d ops, want %d: %+v", len(rec.ops), len(want), rec.ops)
	}
	for i := range want {
		if rec.ops[i] != want[i] {
			t.Errorf("op[%d] = %+v, want %+v", i, rec.ops[i], want[i])
		}
	}
}

func TestInstrumentedStoreNilRecorder(t *testing.T) {
	s := NewInstrumentedStore(NewMemoryStore(), nil)
	if _, err := s.Put(context.Background(), "/a", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
}
