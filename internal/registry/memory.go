package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryCatalog is an in-memory Catalog for tests and local runs.
type MemoryCatalog struct {
	mu         sync.Mutex
	namespaces map[string]bool
	tags       map[string]map[string]Tag
	deleted    []string

	// OnListTags, when set, runs before ListTags and may block or fail.
	OnListTags func(ctx context.Context, repository string) error
	// OnDeleteTag, when set, runs before DeleteTag and may fail it.
	OnDeleteTag func(ctx context.Context, repository, tag string) error
}

// NewMemoryCatalog returns an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		namespaces: make(map[string]bool),
		tags:       make(map[string]map[string]Tag),
	}
}

// AddNamespace registers an enabled namespace.
func (c *MemoryCatalog) AddNamespace(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces[namespace] = true
}

// AddRepository registers namespace/name with no tags.
func (c *MemoryCatalog) AddRepository(namespace, name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces[namespace] = true
	repo := namespace + "/" + name
	if _, ok := c.tags[repo]; !ok {
		c.tags[repo] = make(map[string]Tag)
	}
	return repo
}

// AddTags adds tags to an existing repository.
func (c *MemoryCatalog) AddTags(repository string, tags ...Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tags[repository]
	if !ok {
		m = make(map[string]Tag)
		c.tags[repository] = m
	}
	for _, t := range tags {
		m[t.Name] = t
	}
}

// Deleted returns "repository:tag" for every successful deletion, in order.
func (c *MemoryCatalog) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

// TagNames returns the remaining tag names of a repository, sorted.
func (c *MemoryCatalog) TagNames(repository string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for name := range c.tags[repository] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *MemoryCatalog) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespaces[namespace], nil
}

func (c *MemoryCatalog) ListRepositories(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var repos []string
	for repo := range c.tags {
		if strings.HasPrefix(repo, namespace+"/") {
			repos = append(repos, repo)
		}
	}
	sort.Strings(repos)
	return repos, nil
}

func (c *MemoryCatalog) ListTags(ctx context.Context, repository string) ([]Tag, error) {
	if c.OnListTags != nil {
		if err := c.OnListTags(ctx, repository); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tags[repository]
	if !ok {
		return nil, ErrRepositoryNotFound
	}
	out := make([]Tag, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *MemoryCatalog) DeleteTag(ctx context.Context, repository, tag string) error {
	if c.OnDeleteTag != nil {
		if err := c.OnDeleteTag(ctx, repository, tag); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tags[repository]
	if !ok {
		return ErrRepositoryNotFound
	}
	if _, ok := m[tag]; !ok {
		return ErrTagNotFound
	}
	delete(m, tag)
	c.deleted = append(c.deleted, repository+":"+tag)
	return nil
}

var _ Catalog = (*MemoryCatalog)(nil)
