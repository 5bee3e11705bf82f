// Package redis implements metadata.MetadataStore on Redis or any server
// speaking its protocol (KeyDB, Valkey).
//
// Each metadata key is a hash holding its value and version. Versions come
// from one global counter. A sorted set of all keys, scored 0, serves
// range listing through ZRANGEBYLEX. Transactions are optimistic: every
// key read or written is WATCHed and the writes run in one MULTI block.
//
// Ephemeral keys carry a TTL refreshed by a keepalive loop while the store
// is open.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metadata"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"

	defaultKeyPrefix      = "autoprune:"
	defaultSessionTimeout = 15 * time.Second
	maxTxnAttempts        = 16
)

// Config defines Redis connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every Redis key. Default: "autoprune:".
	KeyPrefix string

	// SessionTimeout is the TTL of ephemeral keys. Default: 15 seconds.
	SessionTimeout time.Duration
}

// Store implements metadata.MetadataStore on Redis.
type Store struct {
	client    *goredis.Client
	prefix    string
	ttl       time.Duration
	logger    *logging.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	closed    bool
	ephemeral map[string]struct{}
}

// New connects to Redis and starts the ephemeral keepalive loop.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.SessionTimeout
	if ttl <= 0 {
		ttl = defaultSessionTimeout
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect to %s: %w", addr, err)
	}

	s := &Store{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		logger:    logging.Global().Named("metadata.redis"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		ephemeral: make(map[string]struct{}),
	}
	go s.keepalive()
	return s, nil
}

func (s *Store) dataKey(key string) string { return s.prefix + "kv:" + key }
func (s *Store) indexKey() string          { return s.prefix + "index" }
func (s *Store) seqKey() string            { return s.prefix + "seq" }

func (s *Store) checkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

type record struct {
	value   []byte
	version metadata.Version
	exists  bool
}

func read(ctx context.Context, c goredis.Cmdable, dataKey string) (record, error) {
	fields, err := c.HGetAll(ctx, dataKey).Result()
	if err != nil {
		return record{}, fmt.Errorf("redis: read %s: %w", dataKey, err)
	}
	return parseRecord(fields)
}

func parseRecord(fields map[string]string) (record, error) {
	raw, ok := fields[fieldVersion]
	if !ok {
		return record{}, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("redis: corrupt version %q: %w", raw, err)
	}
	return record{value: []byte(fields[fieldValue]), version: metadata.Version(v), exists: true}, nil
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkClosed(); err != nil {
		return metadata.GetResult{}, err
	}
	rec, err := read(ctx, s.client, s.dataKey(key))
	if err != nil || !rec.exists {
		return metadata.GetResult{}, err
	}
	return metadata.GetResult{Value: rec.value, Version: rec.version, Exists: true}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	expected := metadata.ExtractExpectedVersion(opts)
	return s.write(ctx, key, value, expected, false)
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	if expectNotExists {
		zero := metadata.Version(0)
		expected = &zero
	}
	return s.write(ctx, key, value, expected, true)
}

// write performs a single-key conditional write.
func (s *Store) write(ctx context.Context, key string, value []byte, expected *metadata.Version, ephemeral bool) (metadata.Version, error) {
	dk := s.dataKey(key)
	var version metadata.Version

	err := s.retry(ctx, func(tx *goredis.Tx) error {
		if expected != nil {
			rec, err := read(ctx, tx, dk)
			if err != nil {
				return err
			}
			if !metadata.CheckVersion(rec.exists, rec.version, *expected) {
				return metadata.ErrVersionMismatch
			}
		}
		seq, err := tx.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return err
		}
		version = metadata.Version(seq)

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.queuePut(ctx, pipe, key, value, version, ephemeral)
			return nil
		})
		return err
	}, dk)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if ephemeral {
		s.ephemeral[key] = struct{}{}
	} else {
		delete(s.ephemeral, key)
	}
	s.mu.Unlock()
	return version, nil
}

func (s *Store) queuePut(ctx context.Context, pipe goredis.Pipeliner, key string, value []byte, version metadata.Version, ephemeral bool) {
	dk := s.dataKey(key)
	pipe.HSet(ctx, dk, fieldValue, value, fieldVersion, int64(version))
	if ephemeral {
		pipe.PExpire(ctx, dk, s.ttl)
	} else {
		pipe.Persist(ctx, dk)
	}
	pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: 0, Member: key})
}

func (s *Store) queueDelete(ctx context.Context, pipe goredis.Pipeliner, key string) {
	pipe.Del(ctx, s.dataKey(key))
	pipe.ZRem(ctx, s.indexKey(), key)
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	expected := metadata.ExtractDeleteExpectedVersion(opts)
	dk := s.dataKey(key)

	err := s.retry(ctx, func(tx *goredis.Tx) error {
		rec, err := read(ctx, tx, dk)
		if err != nil {
			return err
		}
		if expected != nil && (!rec.exists || rec.version != *expected) {
			return metadata.ErrVersionMismatch
		}
		if !rec.exists {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.queueDelete(ctx, pipe, key)
			return nil
		})
		return err
	}, dk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.ephemeral, key)
	s.mu.Unlock()
	return nil
}

// retry runs a WATCH transaction, repeating it when a watched key was
// modified concurrently. Single-key writes have no caller-visible reads,
// so a lost race is retried rather than reported.
func (s *Store) retry(ctx context.Context, fn func(*goredis.Tx) error, watch ...string) error {
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, watch...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return metadata.ErrTxnConflict
}

func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	hi := "(" + endKey
	if endKey == "" {
		// No valid UTF-8 key contains 0xff.
		hi = "(" + startKey + "\xff"
	}
	members, err := s.client.ZRangeByLex(ctx, s.indexKey(), &goredis.ZRangeBy{Min: "[" + startKey, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, m := range members {
			pipe.HGetAll(ctx, s.dataKey(m))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: list: %w", err)
	}

	out := make([]metadata.KV, 0, len(members))
	for i, cmd := range cmds {
		rec, err := parseRecord(cmd.(*goredis.MapStringStringCmd).Val())
		if err != nil {
			return nil, err
		}
		// Expired ephemeral keys leave an index entry behind.
		if !rec.exists {
			continue
		}
		if endKey == "" && !strings.HasPrefix(members[i], startKey) {
			continue
		}
		out = append(out, metadata.KV{Key: members[i], Value: rec.value, Version: rec.version})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Txn(ctx context.Context, _ string, fn func(metadata.Txn) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	var ops []metadata.TxnOp
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		buf := metadata.NewBufferedTxn(func(key string) ([]byte, metadata.Version, bool, error) {
			dk := s.dataKey(key)
			if err := tx.Watch(ctx, dk).Err(); err != nil {
				return nil, 0, false, err
			}
			rec, err := read(ctx, tx, dk)
			return rec.value, rec.version, rec.exists, err
		})
		if err := fn(buf); err != nil {
			return err
		}

		ops = buf.Ops()
		if len(ops) == 0 {
			return nil
		}

		versions := make([]metadata.Version, len(ops))
		for i, op := range ops {
			dk := s.dataKey(op.Key)
			if err := tx.Watch(ctx, dk).Err(); err != nil {
				return err
			}
			if op.Expected != nil {
				rec, err := read(ctx, tx, dk)
				if err != nil {
					return err
				}
				if !metadata.CheckVersion(rec.exists, rec.version, *op.Expected) {
					return metadata.ErrVersionMismatch
				}
			}
			if !op.Delete {
				seq, err := tx.Incr(ctx, s.seqKey()).Result()
				if err != nil {
					return err
				}
				versions[i] = metadata.Version(seq)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, op := range ops {
				if op.Delete {
					s.queueDelete(ctx, pipe, op.Key)
				} else {
					s.queuePut(ctx, pipe, op.Key, op.Value, versions[i], false)
				}
			}
			return nil
		})
		return err
	})
	if errors.Is(err, goredis.TxFailedErr) {
		return metadata.ErrTxnConflict
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, op := range ops {
		delete(s.ephemeral, op.Key)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) keepalive() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Store) refresh() {
	s.mu.Lock()
	owned := make([]string, 0, len(s.ephemeral))
	for k := range s.ephemeral {
		owned = append(owned, k)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.ttl/3)
	defer cancel()
	for _, key := range owned {
		ok, err := s.client.PExpire(ctx, s.dataKey(key), s.ttl).Result()
		if err != nil {
			s.logger.Warnf("failed to refresh ephemeral key", map[string]any{"key": key, "error": err})
			continue
		}
		if !ok {
			s.mu.Lock()
			delete(s.ephemeral, key)
			s.mu.Unlock()
		}
	}
}

// Close deletes this store's ephemeral keys and closes the client.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		owned := make([]string, 0, len(s.ephemeral))
		for k := range s.ephemeral {
			owned = append(owned, k)
		}
		s.ephemeral = map[string]struct{}{}
		s.mu.Unlock()

		close(s.stopCh)
		<-s.doneCh

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if len(owned) > 0 {
			_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				for _, k := range owned {
					s.queueDelete(ctx, pipe, k)
				}
				return nil
			})
		}
		err = errors.Join(err, s.client.Close())
	})
	return err
}

var _ metadata.MetadataStore = (*Store)(nil)
