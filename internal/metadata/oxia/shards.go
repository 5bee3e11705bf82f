package oxia

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oxia-db/oxia/common/constant"
	"github.com/oxia-db/oxia/common/hash"
	"github.com/oxia-db/oxia/common/proto"
	"github.com/oxia-db/oxia/common/rpc"
	"google.golang.org/grpc/metadata"
)

var (
	errNoShard  = errors.New("oxia: no shard owns key")
	errNoLeader = errors.New("oxia: shard has no leader")
)

// shardRouter tracks the namespace's shard assignments and sends raw
// write batches to shard leaders. The sync client does not expose
// multi-key writes, so transactions go through here.
type shardRouter struct {
	namespace      string
	serviceAddress string
	pool           rpc.ClientPool

	mu     sync.RWMutex
	shards []shard
	ready  chan struct{}
	once   sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

type shard struct {
	id      int64
	leader  string
	minHash uint32
	maxHash uint32
}

func (s shard) owns(h uint32) bool {
	return s.minHash <= h && h <= s.maxHash
}

func newShardRouter(ctx context.Context, cfg Config) (*shardRouter, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = rpc.DefaultRpcTimeout
	}

	r := &shardRouter{
		namespace:      cfg.Namespace,
		serviceAddress: cfg.ServiceAddress,
		pool:           rpc.NewClientPool(nil, nil),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	go r.watch(watchCtx)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	select {
	case <-r.ready:
		return r, nil
	case <-waitCtx.Done():
		_ = r.Close()
		return nil, fmt.Errorf("oxia: waiting for shard assignments: %w", waitCtx.Err())
	}
}

// Close stops the assignment stream and closes pooled connections.
func (r *shardRouter) Close() error {
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	return r.pool.Close()
}

func (r *shardRouter) watch(ctx context.Context) {
	defer close(r.done)
	backoff := 200 * time.Millisecond
	for {
		// stream only returns on failure; reconnect after a pause.
		_ = r.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

func (r *shardRouter) stream(ctx context.Context) error {
	client, err := r.pool.GetClientRpc(r.serviceAddress)
	if err != nil {
		return err
	}
	stream, err := client.GetShardAssignments(ctx, &proto.ShardAssignmentsRequest{Namespace: r.namespace})
	if err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		assignments, ok := resp.Namespaces[r.namespace]
		if !ok {
			continue
		}
		if assignments.ShardKeyRouter != proto.ShardKeyRouter_XXHASH3 {
			return fmt.Errorf("oxia: unsupported shard key router %v", assignments.ShardKeyRouter)
		}
		shards, err := parseAssignments(assignments.Assignments)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.shards = shards
		r.mu.Unlock()
		r.once.Do(func() { close(r.ready) })
	}
}

func parseAssignments(assignments []*proto.ShardAssignment) ([]shard, error) {
	out := make([]shard, 0, len(assignments))
	for _, a := range assignments {
		rng, ok := a.ShardBoundaries.(*proto.ShardAssignment_Int32HashRange)
		if !ok {
			return nil, fmt.Errorf("oxia: shard %d has unknown boundary type", a.Shard)
		}
		out = append(out, shard{
			id:      a.Shard,
			leader:  a.Leader,
			minHash: rng.Int32HashRange.MinHashInclusive,
			maxHash: rng.Int32HashRange.MaxHashInclusive,
		})
	}
	return out, nil
}

// shardForKey returns the shard a partition key hashes to.
func (r *shardRouter) shardForKey(partitionKey string) (int64, error) {
	h := hash.Xxh332(partitionKey)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shards {
		if s.owns(h) {
			return s.id, nil
		}
	}
	return 0, errNoShard
}

func (r *shardRouter) leader(shardID int64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shards {
		if s.id == shardID {
			if s.leader == "" {
				return "", errNoLeader
			}
			return s.leader, nil
		}
	}
	return "", errNoShard
}

func (r *shardRouter) write(ctx context.Context, shardID int64, req *proto.WriteRequest) (*proto.WriteResponse, error) {
	leader, err := r.leader(shardID)
	if err != nil {
		return nil, err
	}
	client, err := r.pool.GetClientRpc(leader)
	if err != nil {
		return nil, err
	}

	req.Shard = &shardID
	ctx = metadata.AppendToOutgoingContext(ctx,
		constant.MetadataNamespace, r.namespace,
		constant.MetadataShardId, strconv.FormatInt(shardID, 10),
	)
	return client.Write(ctx, req)
}
