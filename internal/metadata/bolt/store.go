// Package bolt implements metadata.MetadataStore on a local BoltDB file,
// for single-node deployments that do not run Oxia or Redis.
//
// Ephemeral keys belong to the process that opened the file. They are
// removed on Close and, after a crash, when the file is next opened.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dray-io/autoprune/internal/metadata"
)

var kvBucket = []byte("kv")

// entry is the stored form of a key.
type entry struct {
	Value     []byte           `json:"value"`
	Version   metadata.Version `json:"version"`
	Ephemeral bool             `json:"ephemeral,omitempty"`
}

// Config configures the bolt store.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// LockTimeout bounds waiting for the file lock held by another
	// process. Default: 5 seconds.
	LockTimeout time.Duration
}

// Store implements metadata.MetadataStore on BoltDB.
type Store struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt: path is required")
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	path := filepath.Clean(cfg.Path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bolt: create directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(kvBucket)
		if err != nil {
			return err
		}
		return dropEphemeral(b)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: initialize: %w", err)
	}

	return &Store{db: db}, nil
}

func dropEphemeral(b *bolt.Bucket) error {
	var stale [][]byte
	err := b.ForEach(func(k, v []byte) error {
		e, err := decode(v)
		if err != nil {
			return err
		}
		if e.Ephemeral {
			stale = append(stale, bytes.Clone(k))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func decode(raw []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("bolt: corrupt entry: %w", err)
	}
	return e, nil
}

func load(b *bolt.Bucket, key string) (entry, bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return entry{}, false, nil
	}
	e, err := decode(raw)
	return e, err == nil, err
}

func store(b *bolt.Bucket, key string, value []byte, ephemeral bool) (metadata.Version, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	e := entry{Value: value, Version: metadata.Version(seq), Ephemeral: ephemeral}
	raw, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	if err := b.Put([]byte(key), raw); err != nil {
		return 0, err
	}
	return e.Version, nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.check(ctx); err != nil {
		return metadata.GetResult{}, err
	}
	var res metadata.GetResult
	err := s.db.View(func(tx *bolt.Tx) error {
		e, ok, err := load(tx.Bucket(kvBucket), key)
		if err != nil || !ok {
			return err
		}
		res = metadata.GetResult{Value: e.Value, Version: e.Version, Exists: true}
		return nil
	})
	return res, err
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	expected := metadata.ExtractExpectedVersion(opts)

	var version metadata.Version
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		if expected != nil {
			cur, ok, err := load(b, key)
			if err != nil {
				return err
			}
			if !metadata.CheckVersion(ok, cur.Version, *expected) {
				return metadata.ErrVersionMismatch
			}
		}
		var err error
		version, err = store(b, key, value, false)
		return err
	})
	return version, err
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	expected := metadata.ExtractDeleteExpectedVersion(opts)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		cur, ok, err := load(b, key)
		if err != nil {
			return err
		}
		if expected != nil && (!ok || cur.Version != *expected) {
			return metadata.ErrVersionMismatch
		}
		if !ok {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []metadata.KV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		for k, v := c.Seek([]byte(startKey)); k != nil; k, v = c.Next() {
			key := string(k)
			if endKey == "" && !strings.HasPrefix(key, startKey) {
				break
			}
			if endKey != "" && key >= endKey {
				break
			}
			e, err := decode(v)
			if err != nil {
				return err
			}
			out = append(out, metadata.KV{Key: key, Value: e.Value, Version: e.Version})
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Txn runs fn inside one bolt write transaction. Bolt serializes writers,
// so reads cannot be invalidated before commit; only explicit version
// expectations can fail.
func (s *Store) Txn(ctx context.Context, _ string, fn func(metadata.Txn) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		buf := metadata.NewBufferedTxn(func(key string) ([]byte, metadata.Version, bool, error) {
			e, ok, err := load(b, key)
			return e.Value, e.Version, ok, err
		})
		if err := fn(buf); err != nil {
			return err
		}

		for _, op := range buf.Ops() {
			if op.Expected == nil {
				continue
			}
			cur, ok, err := load(b, op.Key)
			if err != nil {
				return err
			}
			if !metadata.CheckVersion(ok, cur.Version, *op.Expected) {
				return metadata.ErrVersionMismatch
			}
		}
		for _, op := range buf.Ops() {
			if op.Delete {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
				continue
			}
			if _, err := store(b, op.Key, op.Value, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)

	var version metadata.Version
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		cur, ok, err := load(b, key)
		if err != nil {
			return err
		}
		if expectNotExists && ok {
			return metadata.ErrVersionMismatch
		}
		if expected != nil && !metadata.CheckVersion(ok, cur.Version, *expected) {
			return metadata.ErrVersionMismatch
		}
		version, err = store(b, key, value, true)
		return err
	})
	return version, err
}

// Close removes this process's ephemeral keys and closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	dropErr := s.db.Update(func(tx *bolt.Tx) error {
		return dropEphemeral(tx.Bucket(kvBucket))
	})
	return errors.Join(dropErr, s.db.Close())
}

var _ metadata.MetadataStore = (*Store)(nil)
