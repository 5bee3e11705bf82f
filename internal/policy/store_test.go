package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metadata"
	"github.com/dray-io/autoprune/internal/metadata/keys"
	"github.com/dray-io/autoprune/internal/registry"
	"github.com/dray-io/autoprune/internal/trigger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []trigger.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev trigger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) namespaces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Namespace)
	}
	return out
}

type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

type storeFixture struct {
	store   *Store
	meta    *metadata.MemoryStore
	catalog *registry.MemoryCatalog
	pub     *recordingPublisher
	audit   *recordingAudit
	clock   *clocktesting.FakePassiveClock
}

func newFixture(t *testing.T) *storeFixture {
	t.Helper()
	f := &storeFixture{
		meta:    metadata.NewMemoryStore(),
		catalog: registry.NewMemoryCatalog(),
		pub:     &recordingPublisher{},
		audit:   &recordingAudit{},
		clock:   clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.catalog.AddNamespace("x")
	f.catalog.AddNamespace("acme")
	f.store = NewStore(f.meta, f.catalog,
		WithPublisher(f.pub),
		WithAuditSink(f.audit),
		WithClock(f.clock),
		WithLogger(logging.Discard()),
	)
	return f
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("10"))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, NumberOfTags{Count: 10}, p.Rule)
	assert.Equal(t, f.clock.Now(), p.CreatedAt)

	got, err := f.store.Get(ctx, "x", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	assert.Equal(t, []string{"x"}, f.pub.namespaces())
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, ActionCreate, f.audit.events[0].Action)
	assert.Equal(t, "10", f.audit.events[0].Value)
}

func TestCreateDuplicateMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("10"))
	require.NoError(t, err)

	_, err = f.store.Create(ctx, "x", "number_of_tags", StringValue("5"))
	assert.ErrorIs(t, err, ErrPolicyAlreadyExists)

	// a different method in the same namespace is fine
	_, err = f.store.Create(ctx, "x", "creation_date", StringValue("7d"))
	require.NoError(t, err)

	// and the same method in another namespace
	_, err = f.store.Create(ctx, "acme", "number_of_tags", StringValue("5"))
	require.NoError(t, err)

	assert.Len(t, f.pub.namespaces(), 3, "failed create must not trigger enforcement")
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("0"))
	assert.ErrorIs(t, err, ErrInvalidPolicyConfig)

	_, err = f.store.Create(ctx, "ghost", "number_of_tags", StringValue("3"))
	assert.ErrorIs(t, err, ErrInvalidNamespace)

	_, err = f.store.Create(ctx, "", "number_of_tags", StringValue("3"))
	assert.ErrorIs(t, err, ErrInvalidNamespace)

	kvs, err := f.meta.List(ctx, keys.Prefix, "", 0)
	require.NoError(t, err)
	assert.Empty(t, kvs)
	assert.Empty(t, f.pub.namespaces())
}

func TestCreatePublishFailureDoesNotFailCreate(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")

	_, err := f.store.Create(context.Background(), "x", "creation_date", StringValue("1y"))
	require.NoError(t, err)
}

func TestConcurrentCreateSameMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.store.Create(ctx, "x", "number_of_tags", IntValue(i+1))
		}(i)
	}
	wg.Wait()

	succeeded, exists := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrPolicyAlreadyExists):
			exists++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, exists)

	policies, err := f.store.List(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, policies, 1)
}

func TestListCreationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.store.Create(ctx, "x", "creation_date", StringValue("30d"))
	require.NoError(t, err)
	f.clock.SetTime(f.clock.Now().Add(time.Minute))
	second, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("4"))
	require.NoError(t, err)

	list, err := f.store.List(ctx, "x")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	empty, err := f.store.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Get(context.Background(), "x", "3c1f9a52-7d84-4b1e-9a39-1f6a0c5a2b11")
	assert.ErrorIs(t, err, ErrPolicyDoesNotExist)

	_, err = f.store.Get(context.Background(), "x", "../methods/number_of_tags")
	assert.ErrorIs(t, err, ErrPolicyDoesNotExist)
}

func TestUpdateValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("10"))
	require.NoError(t, err)

	f.clock.SetTime(f.clock.Now().Add(time.Hour))
	ok, err := f.store.Update(ctx, "x", p.ID, "number_of_tags", IntValue(3))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.store.Get(ctx, "x", p.ID)
	require.NoError(t, err)
	assert.Equal(t, NumberOfTags{Count: 3}, got.Rule)
	assert.Equal(t, p.CreatedAt, got.CreatedAt, "createdAt is fixed")
	assert.True(t, got.UpdatedAt.After(p.UpdatedAt))
	assert.Len(t, f.pub.namespaces(), 1, "update does not trigger enforcement")
}

func TestUpdateInvalidLeavesOriginal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("10"))
	require.NoError(t, err)

	_, err = f.store.Update(ctx, "x", p.ID, "number_of_tags", StringValue("-1"))
	assert.ErrorIs(t, err, ErrInvalidPolicyConfig)

	got, err := f.store.Get(ctx, "x", p.ID)
	require.NoError(t, err)
	assert.Equal(t, NumberOfTags{Count: 10}, got.Rule)
}

func TestUpdateChangesMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("10"))
	require.NoError(t, err)

	_, err = f.store.Update(ctx, "x", p.ID, "creation_date", StringValue("2w"))
	require.NoError(t, err)

	got, err := f.store.Get(ctx, "x", p.ID)
	require.NoError(t, err)
	assert.Equal(t, MethodCreationDate, got.Method())

	// the old method slot is free again, the new one is taken
	_, err = f.store.Create(ctx, "x", "number_of_tags", StringValue("1"))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, "x", "creation_date", StringValue("1d"))
	assert.ErrorIs(t, err, ErrPolicyAlreadyExists)
}

func TestUpdateMethodCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	count, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("10"))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, "x", "creation_date", StringValue("7d"))
	require.NoError(t, err)

	_, err = f.store.Update(ctx, "x", count.ID, "creation_date", StringValue("1d"))
	assert.ErrorIs(t, err, ErrPolicyAlreadyExists)

	got, err := f.store.Get(ctx, "x", count.ID)
	require.NoError(t, err)
	assert.Equal(t, NumberOfTags{Count: 10}, got.Rule, "neither method nor value changed")
}

func TestUpdateUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Update(context.Background(), "x", "3c1f9a52-7d84-4b1e-9a39-1f6a0c5a2b11", "number_of_tags", IntValue(1))
	assert.ErrorIs(t, err, ErrPolicyDoesNotExist)

	_, err = f.store.Update(context.Background(), "ghost", "3c1f9a52-7d84-4b1e-9a39-1f6a0c5a2b11", "number_of_tags", IntValue(1))
	assert.ErrorIs(t, err, ErrInvalidNamespace)
}

func TestDeleteTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.store.Create(ctx, "x", "creation_date", StringValue("7d"))
	require.NoError(t, err)

	ok, err := f.store.Delete(ctx, "x", p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.store.Delete(ctx, "x", p.ID)
	assert.ErrorIs(t, err, ErrPolicyDoesNotExist)

	exists, err := f.store.Exists(ctx, "x", p.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	// the method slot is released
	_, err = f.store.Create(ctx, "x", "creation_date", StringValue("1d"))
	require.NoError(t, err)

	actions := make([]AuditAction, 0, len(f.audit.events))
	for _, ev := range f.audit.events {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []AuditAction{ActionCreate, ActionDelete, ActionCreate}, actions)
}

func TestNamespaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Create(ctx, "x", "creation_date", StringValue("7d"))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, "x", "number_of_tags", StringValue("7"))
	require.NoError(t, err)
	p, err := f.store.Create(ctx, "acme", "number_of_tags", StringValue("2"))
	require.NoError(t, err)

	got, err := f.store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "x"}, got)

	_, err = f.store.Delete(ctx, "acme", p.ID)
	require.NoError(t, err)
	got, err = f.store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)
}

func TestListSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.store.Create(ctx, "x", "number_of_tags", StringValue("2"))
	require.NoError(t, err)

	_, err = f.meta.Put(ctx, keys.PolicyKeyPath("x", "9b2a4a8e-0e8c-4a86-8f57-4a1f3e1a2c33"), []byte("{broken"))
	require.NoError(t, err)

	list, err := f.store.List(ctx, "x")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

// contendedStore fails every transaction as if another writer always won.
type contendedStore struct {
	*metadata.MemoryStore
}

func (contendedStore) Txn(context.Context, string, func(metadata.Txn) error) error {
	return metadata.ErrTxnConflict
}

func TestCreateExhaustedConflictsReportsDuplicate(t *testing.T) {
	ctx := context.Background()
	meta := contendedStore{metadata.NewMemoryStore()}
	store := NewStore(meta, nil, WithLogger(logging.Discard()), WithTxnAttempts(3))

	_, err := store.Create(ctx, "acme", "number_of_tags", IntValue(2))
	require.ErrorIs(t, err, metadata.ErrTxnConflict)
	assert.NotErrorIs(t, err, ErrPolicyAlreadyExists)

	_, err = meta.Put(ctx, keys.MethodKeyPath("acme", "number_of_tags"), []byte("winner"))
	require.NoError(t, err)

	_, err = store.Create(ctx, "acme", "number_of_tags", IntValue(2))
	assert.ErrorIs(t, err, ErrPolicyAlreadyExists)
}
