package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/dray-io/autoprune/internal/metadata"
	"github.com/dray-io/autoprune/internal/metadata/keys"
)

// Lease is the value of a namespace's ephemeral lease key.
type Lease struct {
	Namespace    string `json:"namespace"`
	HolderID     string `json:"holderId"`
	RunID        string `json:"runId,omitempty"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
}

// LeaseManager takes per-namespace enforcement leases. Leases are
// ephemeral keys, so they vanish if the holder's metadata session ends.
type LeaseManager struct {
	meta     metadata.MetadataStore
	holderID string
	clock    clock.PassiveClock

	mu   sync.Mutex
	held map[string]metadata.Version
}

// NewLeaseManager creates a LeaseManager identifying itself as holderID.
func NewLeaseManager(meta metadata.MetadataStore, holderID string) *LeaseManager {
	return &LeaseManager{
		meta:     meta,
		holderID: holderID,
		clock:    clock.RealClock{},
		held:     make(map[string]metadata.Version),
	}
}

// HolderID returns the identity written into leases.
func (lm *LeaseManager) HolderID() string { return lm.holderID }

// Acquire takes the lease for namespace. It returns ErrLeaseHeldByOther,
// wrapped with the current holder, when someone else has it. A lease
// already carrying this holder's id is taken over.
func (lm *LeaseManager) Acquire(ctx context.Context, namespace, runID string) error {
	if namespace == "" {
		return ErrInvalidNamespace
	}
	key := keys.LeaseKeyPath(namespace)
	lease := Lease{
		Namespace:    namespace,
		HolderID:     lm.holderID,
		RunID:        runID,
		AcquiredAtMs: lm.clock.Now().UnixMilli(),
	}
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("enforce: marshal lease: %w", err)
	}

	res, err := lm.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("enforce: get lease: %w", err)
	}

	var opt metadata.EphemeralOption
	if res.Exists {
		var current Lease
		if err := json.Unmarshal(res.Value, &current); err != nil {
			return fmt.Errorf("enforce: unmarshal lease: %w", err)
		}
		if current.HolderID != lm.holderID {
			return fmt.Errorf("%w: %s", ErrLeaseHeldByOther, current.HolderID)
		}
		opt = metadata.WithEphemeralExpectedVersion(res.Version)
	} else {
		opt = metadata.WithEphemeralExpectNotExists()
	}

	version, err := lm.meta.PutEphemeral(ctx, key, data, opt)
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict) {
			return lm.conflict(ctx, key)
		}
		return fmt.Errorf("enforce: put lease: %w", err)
	}

	lm.mu.Lock()
	lm.held[namespace] = version
	lm.mu.Unlock()
	return nil
}

func (lm *LeaseManager) conflict(ctx context.Context, key string) error {
	res, err := lm.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("enforce: get lease after conflict: %w", err)
	}
	if !res.Exists {
		return fmt.Errorf("%w: lease changed hands during acquire", ErrLeaseHeldByOther)
	}
	var current Lease
	if err := json.Unmarshal(res.Value, &current); err != nil {
		return fmt.Errorf("enforce: unmarshal lease: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrLeaseHeldByOther, current.HolderID)
}

// Release drops the lease if this manager still holds it.
func (lm *LeaseManager) Release(ctx context.Context, namespace string) error {
	lm.mu.Lock()
	version, ok := lm.held[namespace]
	delete(lm.held, namespace)
	lm.mu.Unlock()
	if !ok {
		return nil
	}

	err := lm.meta.Delete(ctx, keys.LeaseKeyPath(namespace), metadata.WithDeleteExpectedVersion(version))
	if err != nil && !errors.Is(err, metadata.ErrVersionMismatch) {
		return fmt.Errorf("enforce: release lease: %w", err)
	}
	return nil
}

// Get returns the current lease of a namespace, or nil if none.
func (lm *LeaseManager) Get(ctx context.Context, namespace string) (*Lease, error) {
	res, err := lm.meta.Get(ctx, keys.LeaseKeyPath(namespace))
	if err != nil {
		return nil, fmt.Errorf("enforce: get lease: %w", err)
	}
	if !res.Exists {
		return nil, nil
	}
	var l Lease
	if err := json.Unmarshal(res.Value, &l); err != nil {
		return nil, fmt.Errorf("enforce: unmarshal lease: %w", err)
	}
	return &l, nil
}

// Held returns the number of leases currently held.
func (lm *LeaseManager) Held() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.held)
}

// leaseTimeout bounds release calls made after the run context is gone.
const leaseTimeout = 10 * time.Second
