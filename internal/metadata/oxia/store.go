package oxia

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/autoprune/internal/metadata"
	"github.com/dray-io/autoprune/internal/metadata/keys"
)

// Config configures the Oxia metadata store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace is the Oxia namespace holding autoprune's keys.
	Namespace string

	// RequestTimeout bounds individual requests. Default: 30 seconds.
	RequestTimeout time.Duration

	// SessionTimeout bounds the life of ephemeral keys after the client
	// stops heartbeating. Default: 15 seconds.
	SessionTimeout time.Duration
}

// Store implements metadata.MetadataStore using Oxia.
type Store struct {
	client oxiaclient.SyncClient
	config Config
	router *shardRouter

	mu     sync.RWMutex
	closed bool
}

// New connects to Oxia.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(cfg.Namespace)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}

	router, err := newShardRouter(ctx, cfg)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("oxia: failed to create shard router: %w", err)
	}

	return &Store{client: client, config: cfg, router: router}, nil
}

// Oxia versions start at 0; metadata versions start at 1 so that 0 can
// mean "key must not exist".
func toMetaVersion(oxiaVersion int64) metadata.Version {
	return metadata.Version(oxiaVersion + 1)
}

func toOxiaVersion(v metadata.Version) int64 {
	return int64(v - 1)
}

// partition returns the partition key option for key, if it has a scope.
func partition(key string) []oxiaclient.GetOption {
	if scope := keys.ScopeKey(key); scope != "" {
		return []oxiaclient.GetOption{oxiaclient.PartitionKey(scope)}
	}
	return nil
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkClosed(); err != nil {
		return metadata.GetResult{}, err
	}

	_, value, version, err := s.client.Get(ctx, key, partition(key)...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return metadata.GetResult{}, nil
		}
		return metadata.GetResult{}, fmt.Errorf("oxia: get failed: %w", err)
	}
	return metadata.GetResult{Value: value, Version: toMetaVersion(version.VersionId), Exists: true}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	var oxiaOpts []oxiaclient.PutOption
	if scope := keys.ScopeKey(key); scope != "" {
		oxiaOpts = append(oxiaOpts, oxiaclient.PartitionKey(scope))
	}
	if expected := metadata.ExtractExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, expectedVersionOption(*expected))
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put failed: %w", err)
	}
	return toMetaVersion(version.VersionId), nil
}

func expectedVersionOption(v metadata.Version) oxiaclient.PutOption {
	if v == 0 {
		return oxiaclient.ExpectedRecordNotExists()
	}
	return oxiaclient.ExpectedVersionId(toOxiaVersion(v))
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	var oxiaOpts []oxiaclient.DeleteOption
	if scope := keys.ScopeKey(key); scope != "" {
		oxiaOpts = append(oxiaOpts, oxiaclient.PartitionKey(scope))
	}
	expected := metadata.ExtractDeleteExpectedVersion(opts)
	if expected != nil {
		if *expected == 0 {
			return metadata.ErrVersionMismatch
		}
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
	}

	err := s.client.Delete(ctx, key, oxiaOpts...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, oxiaclient.ErrKeyNotFound):
		if expected != nil {
			return metadata.ErrVersionMismatch
		}
		return nil
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return metadata.ErrVersionMismatch
	default:
		return fmt.Errorf("oxia: delete failed: %w", err)
	}
}

// List scans [startKey, endKey). Oxia orders keys segment by segment, so
// the scan covers a superset and the result is filtered and re-sorted.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	prefixScan := endKey == ""
	scanEnd := endKey
	if prefixScan {
		scanEnd = hierarchicalPrefixEnd(startKey)
	}

	var kvs []metadata.KV
	for result := range s.client.RangeScan(ctx, startKey, scanEnd) {
		if result.Err != nil {
			return nil, fmt.Errorf("oxia: list failed: %w", result.Err)
		}
		if prefixScan && !strings.HasPrefix(result.Key, startKey) {
			continue
		}
		if !prefixScan && !metadata.InRange(result.Key, startKey, endKey) {
			continue
		}
		kvs = append(kvs, metadata.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: toMetaVersion(result.Version.VersionId),
		})
	}

	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	if limit > 0 && len(kvs) > limit {
		kvs = kvs[:limit]
	}
	return kvs, nil
}

// maxSegment sorts after every path-escaped segment.
const maxSegment = "\U0010FFFF"

// hierarchicalPrefixEnd returns an end key that, under Oxia's
// slash-aware ordering, lies after every key with the given prefix at
// any depth we write.
func hierarchicalPrefixEnd(prefix string) string {
	return prefix + maxSegment + strings.Repeat("/"+maxSegment, 8)
}

func (s *Store) Txn(ctx context.Context, scopeKey string, fn func(metadata.Txn) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	if scopeKey == "" {
		return errors.New("oxia: transaction scope is required")
	}

	t := newTransaction(ctx, s, scopeKey)
	if err := fn(t.buf); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	oxiaOpts := []oxiaclient.PutOption{oxiaclient.Ephemeral()}
	if scope := keys.ScopeKey(key); scope != "" {
		oxiaOpts = append(oxiaOpts, oxiaclient.PartitionKey(scope))
	}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	if expectNotExists {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
	} else if expected != nil {
		oxiaOpts = append(oxiaOpts, expectedVersionOption(*expected))
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put ephemeral failed: %w", err)
	}
	return toMetaVersion(version.VersionId), nil
}

// Close releases the client. Ephemeral keys expire with its session.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	routerErr := s.router.Close()
	clientErr := s.client.Close()
	return errors.Join(routerErr, clientErr)
}

var _ metadata.MetadataStore = (*Store)(nil)
