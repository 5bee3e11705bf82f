// Package metadata defines the key-value abstraction that holds policy
// records, the per-namespace method index and enforcement leases.
//
// Backends live in subpackages (bolt, redis, oxia); MemoryStore in this
// package serves tests and single-process runs.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Txn.Get when the key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when a conditional write or delete
	// observes a version other than the expected one.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrTxnConflict is returned when a key read inside a transaction was
	// modified before the transaction committed.
	ErrTxnConflict = errors.New("metadata: transaction conflict")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a monotonically increasing per-write token used for CAS.
// A zero expected version means "the key must not exist".
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV is a key with its value and version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the outcome of a Get. A missing key is not an error.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// PutOption configures a Put.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes the Put conditional on the key's current version.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes the Delete conditional on the key's current version.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion returns the expected version set by opts, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// ExtractDeleteExpectedVersion returns the expected version set by opts, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// EphemeralOption configures a PutEphemeral.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists fails the put if the key already exists.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion makes the put conditional on the current version.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions returns the conditions set by opts.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// CheckVersion reports whether a key in the given state satisfies expected.
// Expected version 0 is satisfied only by a missing key.
func CheckVersion(exists bool, current, expected Version) bool {
	if !exists {
		return expected == 0
	}
	return current == expected
}

// Txn is an atomic multi-key transaction.
//
// Reads observe committed state. Writes are buffered and applied on
// commit, together or not at all. Commit fails with ErrTxnConflict if a
// key read through Get changed in the meantime, and with ErrVersionMismatch
// if a conditional write's expectation no longer holds.
type Txn interface {
	// Get returns ErrKeyNotFound for a missing key. The read is tracked
	// for conflict detection.
	Get(key string) (value []byte, version Version, err error)

	Put(key string, value []byte)

	PutWithVersion(key string, value []byte, expectedVersion Version)

	Delete(key string)

	DeleteWithVersion(key string, expectedVersion Version)
}

// MetadataStore is the storage contract shared by all backends.
//
//	err := store.Txn(ctx, keys.NamespacePrefix("acme"), func(txn metadata.Txn) error {
//	    if _, _, err := txn.Get(indexKey); err == nil {
//	        return errAlreadyExists
//	    }
//	    txn.PutWithVersion(indexKey, []byte(id), 0)
//	    txn.PutWithVersion(recordKey, record, 0)
//	    return nil
//	})
type MetadataStore interface {
	// Get retrieves a value by key. A missing key yields Exists=false.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value and returns its new version.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key. Deleting a missing key is a no-op unless an
	// expected version is given, in which case it fails with ErrVersionMismatch.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in lexicographic order. An
	// empty endKey lists every key with prefix startKey. limit <= 0 means
	// no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Txn runs fn as one atomic transaction. scopeKey names the
	// partition that every key touched by fn belongs to.
	Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error

	// PutEphemeral stores a key that lives only as long as this store's
	// session; it is removed on Close or when the session expires.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	Close() error
}
