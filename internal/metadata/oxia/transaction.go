package oxia

import (
	"context"
	"errors"
	"fmt"

	"github.com/oxia-db/oxia/common/proto"
	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/autoprune/internal/metadata"
	"github.com/dray-io/autoprune/internal/metadata/keys"
)

// transaction buffers a metadata.Txn and commits it as one write batch on
// the shard owning its scope.
type transaction struct {
	store    *Store
	ctx      context.Context
	scopeKey string
	buf      *metadata.BufferedTxn
}

type keyState struct {
	value   []byte
	version metadata.Version
	exists  bool
}

type commitOp struct {
	key      string
	preState keyState
	index    int
}

func newTransaction(ctx context.Context, s *Store, scopeKey string) *transaction {
	t := &transaction{store: s, ctx: ctx, scopeKey: scopeKey}
	t.buf = metadata.NewBufferedTxn(func(key string) ([]byte, metadata.Version, bool, error) {
		st, err := t.load(key)
		return st.value, st.version, st.exists, err
	})
	return t
}

func (t *transaction) load(key string) (keyState, error) {
	_, value, version, err := t.store.client.Get(t.ctx, key, oxiaclient.PartitionKey(t.scopeKey))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return keyState{}, nil
		}
		return keyState{}, fmt.Errorf("oxia: transaction read failed: %w", err)
	}
	return keyState{value: value, version: toMetaVersion(version.VersionId), exists: true}, nil
}

func (t *transaction) commit() error {
	ops := t.buf.Ops()
	written := make(map[string]bool, len(ops))
	for _, op := range ops {
		if keys.ScopeKey(op.Key) != t.scopeKey {
			return fmt.Errorf("oxia: key %q is outside transaction scope %q", op.Key, t.scopeKey)
		}
		written[op.Key] = true
	}

	// Keys only read must still be what the transaction saw. Oxia has no
	// read guard in a write batch, so this check is done up front.
	for key, read := range t.buf.Reads() {
		if written[key] {
			continue
		}
		st, err := t.load(key)
		if err != nil {
			return err
		}
		if st.exists != read.Exists || (st.exists && st.version != read.Version) {
			return metadata.ErrTxnConflict
		}
	}

	if len(ops) == 0 {
		return nil
	}

	partitionKey := t.scopeKey
	puts := make([]*proto.PutRequest, 0, len(ops))
	deletes := make([]*proto.DeleteRequest, 0, len(ops))
	putOps := make([]commitOp, 0, len(ops))
	deleteOps := make([]commitOp, 0, len(ops))

	for _, op := range ops {
		st, err := t.load(op.Key)
		if err != nil {
			return err
		}
		if expected := t.buf.Expectation(op); expected != nil && !metadata.CheckVersion(st.exists, st.version, *expected) {
			if op.Expected != nil {
				return metadata.ErrVersionMismatch
			}
			return metadata.ErrTxnConflict
		}

		if op.Delete {
			if !st.exists {
				continue
			}
			versionID := toOxiaVersion(st.version)
			deletes = append(deletes, &proto.DeleteRequest{Key: op.Key, ExpectedVersionId: &versionID})
			deleteOps = append(deleteOps, commitOp{key: op.Key, preState: st, index: len(deletes) - 1})
			continue
		}

		versionID := oxiaclient.VersionIdNotExists
		if st.exists {
			versionID = toOxiaVersion(st.version)
		}
		puts = append(puts, &proto.PutRequest{
			Key:               op.Key,
			Value:             op.Value,
			ExpectedVersionId: &versionID,
			PartitionKey:      &partitionKey,
		})
		putOps = append(putOps, commitOp{key: op.Key, preState: st, index: len(puts) - 1})
	}

	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	shardID, err := t.store.router.shardForKey(partitionKey)
	if err != nil {
		return fmt.Errorf("oxia: transaction shard lookup failed: %w", err)
	}

	response, err := t.store.router.write(t.ctx, shardID, &proto.WriteRequest{Puts: puts, Deletes: deletes})
	if err != nil {
		return fmt.Errorf("oxia: transaction commit failed: %w", err)
	}
	if len(response.Puts) != len(puts) || len(response.Deletes) != len(deletes) {
		return errors.New("oxia: transaction commit response mismatch")
	}

	conflict, rollback, err := buildRollback(response, putOps, deleteOps, partitionKey)
	if err != nil {
		return err
	}
	if !conflict {
		return nil
	}
	if rollback != nil {
		rctx := context.WithoutCancel(t.ctx)
		if _, rerr := t.store.router.write(rctx, shardID, rollback); rerr != nil {
			return fmt.Errorf("%w: rollback failed: %v", metadata.ErrTxnConflict, rerr)
		}
	}
	return metadata.ErrTxnConflict
}

// buildRollback reports whether any write in the batch failed and, if so,
// returns the request restoring the writes that did apply.
func buildRollback(response *proto.WriteResponse, putOps, deleteOps []commitOp, partitionKey string) (bool, *proto.WriteRequest, error) {
	conflict := false
	for _, op := range putOps {
		if response.Puts[op.index].Status != proto.Status_OK {
			conflict = true
		}
	}
	for _, op := range deleteOps {
		if response.Deletes[op.index].Status != proto.Status_OK {
			conflict = true
		}
	}
	if !conflict {
		return false, nil, nil
	}

	var rollbackPuts []*proto.PutRequest
	var rollbackDeletes []*proto.DeleteRequest

	for _, op := range putOps {
		resp := response.Puts[op.index]
		if resp.Status != proto.Status_OK {
			continue
		}
		if resp.Version == nil {
			return true, nil, errors.New("oxia: transaction commit returned empty version")
		}
		versionID := resp.Version.VersionId
		if op.preState.exists {
			rollbackPuts = append(rollbackPuts, &proto.PutRequest{
				Key:               op.key,
				Value:             op.preState.value,
				ExpectedVersionId: &versionID,
				PartitionKey:      &partitionKey,
			})
		} else {
			rollbackDeletes = append(rollbackDeletes, &proto.DeleteRequest{Key: op.key, ExpectedVersionId: &versionID})
		}
	}

	for _, op := range deleteOps {
		if response.Deletes[op.index].Status != proto.Status_OK {
			continue
		}
		versionID := oxiaclient.VersionIdNotExists
		rollbackPuts = append(rollbackPuts, &proto.PutRequest{
			Key:               op.key,
			Value:             op.preState.value,
			ExpectedVersionId: &versionID,
			PartitionKey:      &partitionKey,
		})
	}

	if len(rollbackPuts) == 0 && len(rollbackDeletes) == 0 {
		return true, nil, nil
	}
	return true, &proto.WriteRequest{Puts: rollbackPuts, Deletes: rollbackDeletes}, nil
}
