package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metadata"
	"github.com/dray-io/autoprune/internal/metadata/keys"
	"github.com/dray-io/autoprune/internal/registry"
	"github.com/dray-io/autoprune/internal/trigger"
)

const (
	defaultTxnAttempts    = 5
	defaultPublishTimeout = 5 * time.Second
)

// Store persists policies and enforces one policy per (namespace, method).
//
// Each policy is a record keyed by id plus an index key per method that
// holds the owning id. Mutations touch both inside one metadata
// transaction scoped to the namespace; the index key is created with
// expected version 0 so two racing creates cannot both commit.
type Store struct {
	meta           metadata.MetadataStore
	resolver       registry.NamespaceResolver
	publisher      trigger.Publisher
	audit          AuditSink
	clock          clock.PassiveClock
	logger         *logging.Logger
	newID          func() string
	txnAttempts    int
	publishTimeout time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPublisher sets where enforcement triggers go after a create.
func WithPublisher(p trigger.Publisher) StoreOption {
	return func(s *Store) { s.publisher = p }
}

// WithAuditSink overrides the default log-based audit sink.
func WithAuditSink(a AuditSink) StoreOption {
	return func(s *Store) { s.audit = a }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.PassiveClock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store's logger.
func WithLogger(l *logging.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(f func() string) StoreOption {
	return func(s *Store) { s.newID = f }
}

// WithTxnAttempts bounds how often a conflicting transaction is retried.
func WithTxnAttempts(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.txnAttempts = n
		}
	}
}

// NewStore creates a policy store. A nil resolver accepts every namespace.
func NewStore(meta metadata.MetadataStore, resolver registry.NamespaceResolver, opts ...StoreOption) *Store {
	s := &Store{
		meta:           meta,
		resolver:       resolver,
		clock:          clock.RealClock{},
		logger:         logging.Global(),
		newID:          func() string { return uuid.New().String() },
		txnAttempts:    defaultTxnAttempts,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("policy-store")
	if s.audit == nil {
		s.audit = LogAuditSink{Logger: s.logger}
	}
	return s
}

// Create validates and persists a new policy, then requests enforcement
// of the namespace.
func (s *Store) Create(ctx context.Context, namespace, method string, value Value) (Policy, error) {
	rule, err := Validate(method, value)
	if err != nil {
		return Policy{}, err
	}
	if err := s.checkNamespace(ctx, namespace); err != nil {
		return Policy{}, err
	}

	now := s.now()
	p := Policy{
		ID:        s.newID(),
		Namespace: namespace,
		Rule:      rule,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := encodeRecord(p)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: create: %w", err)
	}

	methodKey := keys.MethodKeyPath(namespace, string(rule.Method()))
	recordKey := keys.PolicyKeyPath(namespace, p.ID)

	err = s.txn(ctx, namespace, func(txn metadata.Txn) error {
		_, _, err := txn.Get(methodKey)
		if err == nil {
			return ErrPolicyAlreadyExists
		}
		if !errors.Is(err, metadata.ErrKeyNotFound) {
			return err
		}
		txn.PutWithVersion(methodKey, []byte(p.ID), 0)
		txn.PutWithVersion(recordKey, data, 0)
		return nil
	})
	if isConflict(err) && s.methodTaken(ctx, methodKey) {
		// Every attempt lost to a concurrent create of the same method.
		err = ErrPolicyAlreadyExists
	}
	if err != nil {
		return Policy{}, wrapStoreErr("create", err)
	}

	s.audit.Record(ctx, auditEvent(ActionCreate, p, now))
	s.publish(ctx, namespace)
	return p, nil
}

// Get returns one policy.
func (s *Store) Get(ctx context.Context, namespace, id string) (Policy, error) {
	if !validID(id) {
		return Policy{}, ErrPolicyDoesNotExist
	}
	res, err := s.meta.Get(ctx, keys.PolicyKeyPath(namespace, id))
	if err != nil {
		return Policy{}, fmt.Errorf("policy: get: %w", err)
	}
	if !res.Exists {
		return Policy{}, ErrPolicyDoesNotExist
	}
	rec, err := decodeRecord(res.Value)
	if err != nil {
		return Policy{}, err
	}
	return rec.policy()
}

// Exists reports whether the policy is still present.
func (s *Store) Exists(ctx context.Context, namespace, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	res, err := s.meta.Get(ctx, keys.PolicyKeyPath(namespace, id))
	if err != nil {
		return false, fmt.Errorf("policy: exists: %w", err)
	}
	return res.Exists, nil
}

// List returns the namespace's policies in creation order. Records that
// no longer decode are logged and skipped.
func (s *Store) List(ctx context.Context, namespace string) ([]Policy, error) {
	kvs, err := s.meta.List(ctx, keys.PoliciesPrefix(namespace), "", 0)
	if err != nil {
		return nil, fmt.Errorf("policy: list: %w", err)
	}

	out := make([]Policy, 0, len(kvs))
	for _, kv := range kvs {
		rec, err := decodeRecord(kv.Value)
		if err == nil {
			var p Policy
			if p, err = rec.policy(); err == nil {
				out = append(out, p)
				continue
			}
		}
		s.logger.Warnf("skipping unreadable policy record", map[string]any{
			"key":   kv.Key,
			"error": err,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update replaces a policy's method and value together.
func (s *Store) Update(ctx context.Context, namespace, id, method string, value Value) (bool, error) {
	rule, err := Validate(method, value)
	if err != nil {
		return false, err
	}
	if err := s.checkNamespace(ctx, namespace); err != nil {
		return false, err
	}
	if !validID(id) {
		return false, ErrPolicyDoesNotExist
	}

	recordKey := keys.PolicyKeyPath(namespace, id)
	now := s.now()
	var updated Policy

	err = s.txn(ctx, namespace, func(txn metadata.Txn) error {
		raw, version, err := txn.Get(recordKey)
		if errors.Is(err, metadata.ErrKeyNotFound) {
			return ErrPolicyDoesNotExist
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}

		if Method(rec.Method) != rule.Method() {
			newKey := keys.MethodKeyPath(namespace, string(rule.Method()))
			owner, _, err := txn.Get(newKey)
			switch {
			case err == nil && string(owner) != id:
				return ErrPolicyAlreadyExists
			case err == nil:
				txn.Put(newKey, []byte(id))
			case errors.Is(err, metadata.ErrKeyNotFound):
				txn.PutWithVersion(newKey, []byte(id), 0)
			default:
				return err
			}

			oldKey := keys.MethodKeyPath(namespace, rec.Method)
			owner, oldVersion, err := txn.Get(oldKey)
			switch {
			case err == nil && string(owner) == id:
				txn.DeleteWithVersion(oldKey, oldVersion)
			case err == nil, errors.Is(err, metadata.ErrKeyNotFound):
			default:
				return err
			}
		}

		updated = Policy{
			ID:        id,
			Namespace: namespace,
			Rule:      rule,
			CreatedAt: time.UnixMilli(rec.CreatedAtMs).UTC(),
			UpdatedAt: now,
		}
		data, err := encodeRecord(updated)
		if err != nil {
			return err
		}
		txn.PutWithVersion(recordKey, data, version)
		return nil
	})
	if err != nil {
		return false, wrapStoreErr("update", err)
	}

	s.audit.Record(ctx, auditEvent(ActionUpdate, updated, now))
	return true, nil
}

// Delete removes a policy. Deleting an id that is not present fails with
// ErrPolicyDoesNotExist.
func (s *Store) Delete(ctx context.Context, namespace, id string) (bool, error) {
	if err := s.checkNamespace(ctx, namespace); err != nil {
		return false, err
	}
	if !validID(id) {
		return false, ErrPolicyDoesNotExist
	}

	recordKey := keys.PolicyKeyPath(namespace, id)
	var removed record

	err := s.txn(ctx, namespace, func(txn metadata.Txn) error {
		raw, version, err := txn.Get(recordKey)
		if errors.Is(err, metadata.ErrKeyNotFound) {
			return ErrPolicyDoesNotExist
		}
		if err != nil {
			return err
		}
		if removed, err = decodeRecord(raw); err != nil {
			return err
		}

		if removed.Method != "" {
			methodKey := keys.MethodKeyPath(namespace, removed.Method)
			owner, indexVersion, err := txn.Get(methodKey)
			switch {
			case err == nil && string(owner) == id:
				txn.DeleteWithVersion(methodKey, indexVersion)
			case err == nil, errors.Is(err, metadata.ErrKeyNotFound):
			default:
				return err
			}
		}
		txn.DeleteWithVersion(recordKey, version)
		return nil
	})
	if err != nil {
		return false, wrapStoreErr("delete", err)
	}

	s.audit.Record(ctx, AuditEvent{
		Action:    ActionDelete,
		Namespace: namespace,
		PolicyID:  id,
		Method:    Method(removed.Method),
		Value:     removed.Value,
		At:        s.now(),
	})
	return true, nil
}

// Namespaces returns every namespace holding at least one policy, sorted.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	kvs, err := s.meta.List(ctx, keys.NamespacesPrefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("policy: list namespaces: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, kv := range kvs {
		ns, _, err := keys.ParseMethodKey(kv.Key)
		if err != nil {
			continue
		}
		if _, dup := seen[ns]; dup {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// txn runs fn, retrying when the metadata store reports a concurrent
// modification. fn re-reads state on every attempt.
func (s *Store) txn(ctx context.Context, namespace string, fn func(metadata.Txn) error) error {
	var err error
	for attempt := 1; attempt <= s.txnAttempts; attempt++ {
		err = s.meta.Txn(ctx, keys.NamespacePrefix(namespace), fn)
		if !isConflict(err) {
			return err
		}
		s.logger.Debugf("policy transaction conflict, retrying", map[string]any{
			"namespace": namespace,
			"attempt":   attempt,
		})
	}
	return fmt.Errorf("gave up after %d attempts: %w", s.txnAttempts, err)
}

// methodTaken reports whether the method index key is held. Read errors
// count as not taken so the original error is returned.
func (s *Store) methodTaken(ctx context.Context, methodKey string) bool {
	res, err := s.meta.Get(ctx, methodKey)
	return err == nil && res.Exists
}

func (s *Store) checkNamespace(ctx context.Context, namespace string) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidNamespace)
	}
	if s.resolver == nil {
		return nil
	}
	ok, err := s.resolver.NamespaceExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("policy: resolve namespace %q: %w", namespace, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	return nil
}

// publish hands an enforcement trigger to the publisher. It never fails
// the caller: the periodic sweep covers lost triggers.
func (s *Store) publish(ctx context.Context, namespace string) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	ev := trigger.Event{Namespace: namespace, Reason: trigger.ReasonPolicyCreated, At: s.now()}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warnf("failed to publish enforcement trigger", map[string]any{
			"namespace": namespace,
			"error":     err,
		})
	}
}

// now is truncated to the millisecond precision of stored records.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

func isConflict(err error) bool {
	return errors.Is(err, metadata.ErrTxnConflict) || errors.Is(err, metadata.ErrVersionMismatch)
}

func wrapStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrPolicyAlreadyExists),
		errors.Is(err, ErrPolicyDoesNotExist),
		errors.Is(err, ErrInvalidPolicyConfig),
		errors.Is(err, ErrInvalidNamespace):
		return err
	default:
		return fmt.Errorf("policy: %s: %w", op, err)
	}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
