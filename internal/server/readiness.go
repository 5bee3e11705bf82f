package server

import (
	"context"
	"errors"

	"github.com/dray-io/autoprune/internal/metadata"
	"github.com/dray-io/autoprune/internal/metadata/keys"
	"github.com/dray-io/autoprune/internal/objectstore"
)

// healthKey is never written; reading it proves the store answers.
const healthKey = keys.Prefix + "/health-check"

// MetadataChecker checks the metadata store with a Get.
type MetadataChecker struct {
	store metadata.MetadataStore
}

func NewMetadataChecker(store metadata.MetadataStore) *MetadataChecker {
	return &MetadataChecker{store: store}
}

func (c *MetadataChecker) Name() string { return "metadata_store" }

func (c *MetadataChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, healthKey)
	return err
}

// Pinger is implemented by dependencies with a native connectivity check,
// such as the SQL catalog and the Kafka publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger.
type PingChecker struct {
	name   string
	target Pinger
}

func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) CheckReady(ctx context.Context) error {
	if c.target == nil {
		return errors.New(c.name + " not configured")
	}
	return c.target.Ping(ctx)
}

// ObjectStoreChecker heads a key that does not exist; ErrNotFound means
// the bucket is reachable and readable.
type ObjectStoreChecker struct {
	store objectstore.Store
	key   string
}

func NewObjectStoreChecker(store objectstore.Store, prefix string) *ObjectStoreChecker {
	key := "autoprune-health-check"
	if prefix != "" {
		key = prefix + "/" + key
	}
	return &ObjectStoreChecker{store: store, key: key}
}

func (c *ObjectStoreChecker) Name() string { return "report_store" }

func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.Head(ctx, c.key)
	if err == nil || errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// FuncChecker wraps a function.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
